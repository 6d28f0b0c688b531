package meta

import "sync"

// FileMetadata is the out-of-band metadata announced for a file.
// Either field may be absent; absence is distinct from zero.
type FileMetadata struct {
	FileID  string
	Size    uint64
	HasSize bool
	CRC     uint32
	HasCRC  bool
}

type entry struct {
	mu sync.Mutex
	md FileMetadata
}

// Tracker holds expected size and checksum per file id.
// Values are stored as announced; validation happens at completion time.
type Tracker struct {
	entries sync.Map // file id -> *entry
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

func (t *Tracker) entry(id string) *entry {
	if e, ok := t.entries.Load(id); ok {
		return e.(*entry)
	}
	e, _ := t.entries.LoadOrStore(id, &entry{md: FileMetadata{FileID: id}})
	return e.(*entry)
}

// SetSize records the expected total size of a file.
func (t *Tracker) SetSize(id string, size uint64) {
	e := t.entry(id)
	e.mu.Lock()
	e.md.Size, e.md.HasSize = size, true
	e.mu.Unlock()
}

// SetCRC records the expected CRC-32 of a file.
func (t *Tracker) SetCRC(id string, crc uint32) {
	e := t.entry(id)
	e.mu.Lock()
	e.md.CRC, e.md.HasCRC = crc, true
	e.mu.Unlock()
}

// Get returns the metadata known for a file. Unknown files yield empty metadata.
func (t *Tracker) Get(id string) FileMetadata {
	v, ok := t.entries.Load(id)
	if !ok {
		return FileMetadata{FileID: id}
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.md
}

// Delete forgets a file's metadata.
func (t *Tracker) Delete(id string) {
	t.entries.Delete(id)
}
