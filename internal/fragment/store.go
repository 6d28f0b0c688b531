package fragment

import (
	"fmt"
	"sync"
)

type fragDigest struct {
	n   uint64
	sum uint64
}

// Store is the reconstruction state of one file: the accepted byte ranges,
// the ranges flushed to the backend, and the backend itself.
//
// Accept and the read accessors may be called concurrently with Write.
// Writes are serialized.
type Store struct {
	id      string
	backend Backend

	ioMu sync.Mutex // serializes backend mutations

	mu       sync.Mutex
	accepted Ranges
	written  Ranges
	digests  map[uint64]fragDigest
}

// NewStore wraps a backend for the given file id.
func NewStore(id string, backend Backend) *Store {
	return &Store{
		id:      id,
		backend: backend,
		digests: make(map[uint64]fragDigest),
	}
}

// ID returns the file id.
func (s *Store) ID() string { return s.id }

// Backend returns the underlying backend.
func (s *Store) Backend() Backend { return s.backend }

// Put accepts and writes a fragment. Re-submitting an identical fragment is a no-op;
// a different payload at an already covered offset overwrites those bytes.
func (s *Store) Put(offset uint64, payload []byte) error {
	s.Accept(offset, len(payload))
	_, err := s.Write(offset, payload)
	return err
}

// Accept records [offset, offset+n) as received without touching the backend.
func (s *Store) Accept(offset uint64, n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.accepted.Add(offset, offset+uint64(n))
	s.mu.Unlock()
}

// Write stores payload at offset and records the range as flushed.
// It reports false when the write was skipped as an exact duplicate.
// On error the flushed ranges are left unchanged.
func (s *Store) Write(offset uint64, payload []byte) (bool, error) {
	if len(payload) == 0 {
		return false, nil
	}
	end := offset + uint64(len(payload))
	sum := digest(payload)

	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	s.mu.Lock()
	if d, ok := s.digests[offset]; ok && d.n == uint64(len(payload)) && d.sum == sum && s.written.Covers(offset, end) {
		s.mu.Unlock()
		return false, nil
	}
	s.mu.Unlock()

	if _, err := s.backend.WriteAt(payload, int64(offset)); err != nil {
		return false, fmt.Errorf("write %s at %d: %w", s.id, offset, err)
	}

	s.mu.Lock()
	if s.written.Overlaps(offset, end) {
		for off, d := range s.digests {
			if off < end && off+d.n > offset {
				delete(s.digests, off)
			}
		}
	}
	s.digests[offset] = fragDigest{n: uint64(len(payload)), sum: sum}
	s.written.Add(offset, end)
	s.mu.Unlock()
	return true, nil
}

// Ranges returns the merged accepted intervals.
func (s *Store) Ranges() []Interval {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted.Intervals()
}

// Accepted returns the number of accepted bytes within [0, size).
func (s *Store) Accepted(size uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted.CoveredWithin(0, size)
}

// AcceptedTotal returns the number of accepted bytes.
func (s *Store) AcceptedTotal() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted.Len()
}

// AcceptedCovers reports whether [0, size) has been accepted.
func (s *Store) AcceptedCovers(size uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted.Covers(0, size)
}

// WrittenCovers reports whether [0, size) has been flushed to the backend.
func (s *Store) WrittenCovers(size uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written.Covers(0, size)
}

// Written returns the merged flushed intervals.
func (s *Store) Written() []Interval {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written.Intervals()
}

// BytesWritten returns the sum of flushed interval lengths.
func (s *Store) BytesWritten() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written.Len()
}

// Restore marks previously flushed intervals as accepted and written,
// e.g. after loading a resume sidecar.
func (s *Store) Restore(ivs []Interval) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, iv := range ivs {
		s.accepted.Add(iv.Start, iv.End)
		s.written.Add(iv.Start, iv.End)
	}
}

// Truncate drops every byte at or beyond size from the bookkeeping and the backend.
func (s *Store) Truncate(size uint64) error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	cur, err := s.backend.Size()
	if err != nil {
		return err
	}
	if uint64(cur) > size {
		if err := s.backend.Truncate(int64(size)); err != nil {
			return fmt.Errorf("truncate %s to %d: %w", s.id, size, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.accepted.Clip(size)
	s.written.Clip(size)
	for off, d := range s.digests {
		if off+d.n > size {
			delete(s.digests, off)
		}
	}
	return nil
}

// Reset discards all bytes and bookkeeping.
func (s *Store) Reset() error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	if err := s.backend.Truncate(0); err != nil {
		return fmt.Errorf("reset %s: %w", s.id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accepted.Reset()
	s.written.Reset()
	clear(s.digests)
	return nil
}

// Checksum computes the CRC-32 of [0, size) as currently stored.
func (s *Store) Checksum(size uint64) (uint32, error) {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	if err := s.backend.Sync(); err != nil {
		return 0, err
	}
	return Checksum(s.backend, size)
}

// Sync flushes the backend to stable storage.
func (s *Store) Sync() error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	return s.backend.Sync()
}

// Close closes the backend.
func (s *Store) Close() error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	return s.backend.Close()
}
