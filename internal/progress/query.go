package progress

import (
	"math"
	"os"
	"sync"
	"time"

	"github.com/sheerbytes/kbsync/internal/fragment"
	"github.com/sheerbytes/kbsync/internal/keyspace"
	"github.com/sheerbytes/kbsync/internal/reassembly"
)

// almostDone is the largest ratio reported before a file is verified complete.
var almostDone = math.Nextafter(1, 0)

// Source exposes the in-flight reassembly state of tracked files.
type Source interface {
	Snapshot(id string) (reassembly.Snapshot, bool)
}

type verified struct {
	size  int64
	mtime time.Time
	crc   uint32
}

type floor struct {
	size  uint64
	crc   uint32
	ratio float64
}

// Query answers progress polls for files under one mapping.
// It never blocks on the reassembly writers and is safe for concurrent use.
type Query struct {
	mapper *keyspace.Mapper
	source Source
	verify bool

	mu     sync.Mutex
	checks map[string]verified
	floors map[string]floor
}

// QueryOption configures a Query.
type QueryOption func(*Query)

// WithVerify enables checksum verification of fully sized files found on disk
// without engine state. Each distinct (size, mtime) is hashed once.
func WithVerify(enabled bool) QueryOption {
	return func(q *Query) { q.verify = enabled }
}

// NewQuery returns a query over mapper's destination root. source may be nil,
// in which case only the on-disk byte count is used.
func NewQuery(mapper *keyspace.Mapper, source Source, opts ...QueryOption) *Query {
	q := &Query{
		mapper: mapper,
		source: source,
		checks: make(map[string]verified),
		floors: make(map[string]floor),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Progress returns the fraction of relPath received, in [0,1]. It is 0 when
// expectedSize is 0 and exactly 1 only once the content is verified against
// expectedCRC. An expectedCRC of 0 accepts whatever checksum the engine verified.
func (q *Query) Progress(relPath string, expectedCRC uint32, expectedSize uint64) float64 {
	if expectedSize == 0 {
		return 0
	}
	id, err := q.mapper.Normalize(relPath)
	if err != nil {
		return 0
	}

	var ratio float64
	if snap, ok := q.snapshot(id); ok {
		ratio = fromSnapshot(snap, expectedCRC, expectedSize)
	} else {
		ratio = q.fromDisk(id, expectedCRC, expectedSize)
	}
	return q.raise(id, expectedCRC, expectedSize, ratio)
}

// Forget drops the cached floor and verification result for relPath, e.g.
// after the file was reset for a new transfer.
func (q *Query) Forget(relPath string) {
	id, err := q.mapper.Normalize(relPath)
	if err != nil {
		return
	}
	q.mu.Lock()
	delete(q.floors, id)
	delete(q.checks, id)
	q.mu.Unlock()
}

func (q *Query) snapshot(id string) (reassembly.Snapshot, bool) {
	if q.source == nil {
		return reassembly.Snapshot{}, false
	}
	return q.source.Snapshot(id)
}

func fromSnapshot(s reassembly.Snapshot, expectedCRC uint32, expectedSize uint64) float64 {
	if s.State == reassembly.StateComplete && s.Size == expectedSize && (expectedCRC == 0 || expectedCRC == s.CRC) {
		return 1
	}
	return capped(s.Accepted(expectedSize), expectedSize)
}

func (q *Query) fromDisk(id string, expectedCRC uint32, expectedSize uint64) float64 {
	path := q.mapper.Path(id)
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return 0
	}
	have := uint64(info.Size())
	if have < expectedSize || !q.verify {
		return capped(min(have, expectedSize), expectedSize)
	}
	if sum, ok := q.checksum(id, path, info); ok && sum == expectedCRC {
		return 1
	}
	return almostDone
}

// checksum returns the CRC of the on-disk file, hashing only when its size or mtime changed.
func (q *Query) checksum(id, path string, info os.FileInfo) (uint32, bool) {
	q.mu.Lock()
	c, ok := q.checks[id]
	q.mu.Unlock()
	if ok && c.size == info.Size() && c.mtime.Equal(info.ModTime()) {
		return c.crc, true
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, false
	}
	defer f.Close()
	sum, err := fragment.Checksum(f, uint64(info.Size()))
	if err != nil {
		return 0, false
	}
	q.mu.Lock()
	q.checks[id] = verified{size: info.Size(), mtime: info.ModTime(), crc: sum}
	q.mu.Unlock()
	return sum, true
}

// raise keeps results non-decreasing for a given file and expectation.
func (q *Query) raise(id string, crc uint32, size uint64, ratio float64) float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	fl, ok := q.floors[id]
	if ok && fl.size == size && fl.crc == crc && fl.ratio > ratio {
		return fl.ratio
	}
	q.floors[id] = floor{size: size, crc: crc, ratio: ratio}
	return ratio
}

func capped(n, size uint64) float64 {
	if size == 0 {
		return 0
	}
	r := float64(n) / float64(size)
	if r > almostDone {
		return almostDone
	}
	return r
}
