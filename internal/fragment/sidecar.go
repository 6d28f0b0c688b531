package fragment

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/zeebo/xxh3"
)

const (
	sidecarMagic   = "KBR1"
	sidecarVersion = uint16(1)
	sidecarSuffix  = ".kbrmap"

	flagHasSize = byte(1 << 0)
	flagHasCRC  = byte(1 << 1)
)

// Sidecar persists the flushed ranges and known metadata of a partial file so a
// restarted receiver can resume instead of starting over.
type Sidecar struct {
	Path    string
	FileID  string
	Size    uint64
	HasSize bool
	CRC     uint32
	HasCRC  bool

	mu     sync.Mutex
	ranges []Interval
	dirty  bool
}

// SidecarPath returns the sidecar path for a file id under dir.
func SidecarPath(dir, fileID string) string {
	name := strconv.FormatUint(xxh3.HashString(fileID), 16)
	return filepath.Join(dir, name+sidecarSuffix)
}

// NewSidecar returns an empty, dirty sidecar.
func NewSidecar(path, fileID string) *Sidecar {
	return &Sidecar{Path: path, FileID: fileID, dirty: true}
}

// LoadSidecar reads a sidecar from disk.
func LoadSidecar(path string) (*Sidecar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < 4+2+4 {
		return nil, fmt.Errorf("sidecar too small")
	}
	if string(data[:4]) != sidecarMagic {
		return nil, fmt.Errorf("invalid sidecar magic")
	}
	body := data[:len(data)-4]
	if checksum := crc32.Checksum(body, crc32cTable); checksum != binary.BigEndian.Uint32(data[len(data)-4:]) {
		return nil, fmt.Errorf("sidecar checksum mismatch")
	}
	reader := bytes.NewReader(body[4:])
	var version uint16
	if err := binary.Read(reader, binary.BigEndian, &version); err != nil {
		return nil, err
	}
	if version != sidecarVersion {
		return nil, fmt.Errorf("unsupported sidecar version %d", version)
	}
	var hdr struct {
		Flags byte
		Size  uint64
		CRC   uint32
		IDLen uint16
	}
	if err := binary.Read(reader, binary.BigEndian, &hdr); err != nil {
		return nil, err
	}
	fileID := make([]byte, hdr.IDLen)
	if _, err := reader.Read(fileID); err != nil {
		return nil, err
	}
	var count uint32
	if err := binary.Read(reader, binary.BigEndian, &count); err != nil {
		return nil, err
	}
	if uint64(count)*16 > uint64(reader.Len()) {
		return nil, fmt.Errorf("sidecar interval count %d exceeds payload", count)
	}
	var ranges Ranges
	for i := uint32(0); i < count; i++ {
		var iv [2]uint64
		if err := binary.Read(reader, binary.BigEndian, &iv); err != nil {
			return nil, err
		}
		ranges.Add(iv[0], iv[1])
	}
	return &Sidecar{
		Path:    path,
		FileID:  string(fileID),
		Size:    hdr.Size,
		HasSize: hdr.Flags&flagHasSize != 0,
		CRC:     hdr.CRC,
		HasCRC:  hdr.Flags&flagHasCRC != 0,
		ranges:  ranges.Intervals(),
	}, nil
}

// Ranges returns the persisted intervals.
func (s *Sidecar) Ranges() []Interval {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Interval, len(s.ranges))
	copy(out, s.ranges)
	return out
}

// Update replaces the persisted state; it is written on the next Flush.
func (s *Sidecar) Update(ranges []Interval, size uint64, hasSize bool, crc uint32, hasCRC bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ranges = ranges
	s.Size, s.HasSize = size, hasSize
	s.CRC, s.HasCRC = crc, hasCRC
	s.dirty = true
}

// Flush writes the sidecar to disk if dirty.
func (s *Sidecar) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0755); err != nil {
		return err
	}
	var flags byte
	if s.HasSize {
		flags |= flagHasSize
	}
	if s.HasCRC {
		flags |= flagHasCRC
	}
	fileIDBytes := []byte(s.FileID)
	if len(fileIDBytes) > 0xFFFF {
		return fmt.Errorf("file id too long for sidecar")
	}

	buf := new(bytes.Buffer)
	buf.WriteString(sidecarMagic)
	fields := []any{
		sidecarVersion,
		flags,
		s.Size,
		s.CRC,
		uint16(len(fileIDBytes)),
	}
	for _, f := range fields {
		if err := binary.Write(buf, binary.BigEndian, f); err != nil {
			return err
		}
	}
	buf.Write(fileIDBytes)
	if err := binary.Write(buf, binary.BigEndian, uint32(len(s.ranges))); err != nil {
		return err
	}
	for _, iv := range s.ranges {
		if err := binary.Write(buf, binary.BigEndian, [2]uint64{iv.Start, iv.End}); err != nil {
			return err
		}
	}
	crc := crc32.Checksum(buf.Bytes(), crc32cTable)
	if err := binary.Write(buf, binary.BigEndian, crc); err != nil {
		return err
	}

	temp := s.Path + ".tmp"
	if err := os.WriteFile(temp, buf.Bytes(), 0644); err != nil {
		return err
	}
	if err := os.Rename(temp, s.Path); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

// Remove deletes the sidecar from disk.
func (s *Sidecar) Remove() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.Path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	s.dirty = false
	return nil
}
