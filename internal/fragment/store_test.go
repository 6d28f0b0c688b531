package fragment

import (
	"bytes"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type fragWrite struct {
	off  uint64
	data []byte
}

func splitFragments(data []byte, size int) []fragWrite {
	var out []fragWrite
	for off := 0; off < len(data); off += size {
		end := off + size
		if end > len(data) {
			end = len(data)
		}
		out = append(out, fragWrite{off: uint64(off), data: data[off:end]})
	}
	return out
}

func TestStorePutOutOfOrderWithDuplicates(t *testing.T) {
	data := make([]byte, 1000)
	rng := rand.New(rand.NewSource(7))
	rng.Read(data)

	frags := splitFragments(data, 64)
	// duplicate a few
	frags = append(frags, frags[3], frags[0], frags[len(frags)-1])

	for trial := 0; trial < 5; trial++ {
		rng.Shuffle(len(frags), func(i, j int) { frags[i], frags[j] = frags[j], frags[i] })

		mem := NewMemBackend()
		s := NewStore("x.bin", mem)
		for _, f := range frags {
			if err := s.Put(f.off, f.data); err != nil {
				t.Fatalf("Put: %v", err)
			}
		}
		if diff := cmp.Diff([]Interval{{0, 1000}}, s.Ranges()); diff != "" {
			t.Fatalf("trial %d ranges mismatch (-want +got):\n%s", trial, diff)
		}
		if s.BytesWritten() != 1000 {
			t.Fatalf("BytesWritten = %d, want 1000", s.BytesWritten())
		}
		if !bytes.Equal(mem.Bytes(), data) {
			t.Fatalf("trial %d: reconstructed bytes mismatch", trial)
		}
		sum, err := s.Checksum(1000)
		if err != nil {
			t.Fatalf("Checksum: %v", err)
		}
		if sum != ChecksumBytes(data) {
			t.Fatalf("checksum mismatch: got %08x want %08x", sum, ChecksumBytes(data))
		}
	}
}

func TestStoreDuplicateSkipsWrite(t *testing.T) {
	s := NewStore("x.bin", NewMemBackend())
	wrote, err := s.Write(0, []byte("hello"))
	if err != nil || !wrote {
		t.Fatalf("first write: wrote=%v err=%v", wrote, err)
	}
	wrote, err = s.Write(0, []byte("hello"))
	if err != nil {
		t.Fatalf("duplicate write: %v", err)
	}
	if wrote {
		t.Fatalf("expected identical fragment to be skipped")
	}
	wrote, err = s.Write(0, []byte("HELLO"))
	if err != nil || !wrote {
		t.Fatalf("overwrite: wrote=%v err=%v", wrote, err)
	}
}

func TestStoreOverlapLastWriteWins(t *testing.T) {
	mem := NewMemBackend()
	s := NewStore("x.bin", mem)

	if err := s.Put(0, []byte("aaaaaaaa")); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(4, []byte("bbbbbbbb")); err != nil {
		t.Fatal(err)
	}
	if got := string(mem.Bytes()); got != "aaaabbbbbbbb" {
		t.Fatalf("contents = %q", got)
	}

	// re-sending the first fragment must rewrite the overlapped bytes
	if err := s.Put(0, []byte("aaaaaaaa")); err != nil {
		t.Fatal(err)
	}
	if got := string(mem.Bytes()); got != "aaaaaaaabbbb" {
		t.Fatalf("contents after resend = %q", got)
	}
}

func TestStoreGapIsZeroFilled(t *testing.T) {
	mem := NewMemBackend()
	s := NewStore("x.bin", mem)
	if err := s.Put(5, []byte("world")); err != nil {
		t.Fatal(err)
	}
	want := append(make([]byte, 5), []byte("world")...)
	if !bytes.Equal(mem.Bytes(), want) {
		t.Fatalf("contents = %q, want %q", mem.Bytes(), want)
	}
	if diff := cmp.Diff([]Interval{{5, 10}}, s.Ranges()); diff != "" {
		t.Fatalf("ranges mismatch (-want +got):\n%s", diff)
	}
	if s.AcceptedCovers(10) {
		t.Fatalf("gap should not count as covered")
	}
}

func TestStoreTruncate(t *testing.T) {
	mem := NewMemBackend()
	s := NewStore("x.bin", mem)
	if err := s.Put(0, []byte("0123456789")); err != nil {
		t.Fatal(err)
	}
	if err := s.Truncate(4); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if got := string(mem.Bytes()); got != "0123" {
		t.Fatalf("contents = %q", got)
	}
	if s.AcceptedTotal() != 4 || s.BytesWritten() != 4 {
		t.Fatalf("bookkeeping not clipped: accepted=%d written=%d", s.AcceptedTotal(), s.BytesWritten())
	}
}

type failingBackend struct {
	*MemBackend
}

var errDiskFull = errors.New("disk full")

func (f failingBackend) WriteAt(p []byte, off int64) (int, error) {
	return 0, errDiskFull
}

func TestStoreWriteErrorLeavesFlushedRanges(t *testing.T) {
	s := NewStore("x.bin", failingBackend{NewMemBackend()})
	err := s.Put(0, []byte("abc"))
	if !errors.Is(err, errDiskFull) {
		t.Fatalf("expected disk error, got %v", err)
	}
	if s.BytesWritten() != 0 {
		t.Fatalf("failed write must not be recorded as flushed")
	}
	if !s.AcceptedCovers(3) {
		t.Fatalf("accepted bookkeeping is independent of the flush")
	}
}

func TestStoreFileBackendSparse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.bin")
	fb, err := OpenFileBackend(path)
	if err != nil {
		t.Fatalf("OpenFileBackend: %v", err)
	}
	s := NewStore("out.bin", fb)
	if err := s.Put(6, []byte("tail")); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(0, []byte("head!!")); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "head!!tail" {
		t.Fatalf("file contents = %q", got)
	}
}

func TestChecksumShortSource(t *testing.T) {
	mem := NewMemBackend()
	mem.WriteAt([]byte("abc"), 0)
	if _, err := Checksum(mem, 10); err == nil {
		t.Fatalf("expected short read error")
	}
}
