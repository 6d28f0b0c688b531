package meta

import (
	"fmt"
	"sync"
	"testing"
)

func TestTrackerAbsentIsDistinctFromZero(t *testing.T) {
	tr := NewTracker()

	md := tr.Get("a.bin")
	if md.HasSize || md.HasCRC {
		t.Fatalf("unknown file should have no metadata: %+v", md)
	}

	tr.SetSize("a.bin", 0)
	md = tr.Get("a.bin")
	if !md.HasSize || md.Size != 0 {
		t.Fatalf("expected explicit zero size, got %+v", md)
	}
	if md.HasCRC {
		t.Fatalf("crc should still be absent")
	}

	tr.SetCRC("a.bin", 0x1234)
	tr.SetSize("a.bin", 99)
	md = tr.Get("a.bin")
	if md.Size != 99 || md.CRC != 0x1234 || md.FileID != "a.bin" {
		t.Fatalf("unexpected metadata %+v", md)
	}
}

func TestTrackerDelete(t *testing.T) {
	tr := NewTracker()
	tr.SetSize("a.bin", 10)
	tr.Delete("a.bin")
	if md := tr.Get("a.bin"); md.HasSize {
		t.Fatalf("metadata survived Delete: %+v", md)
	}
}

func TestTrackerConcurrent(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("f%d", i%4)
			tr.SetSize(id, uint64(i))
			tr.SetCRC(id, uint32(i))
			_ = tr.Get(id)
		}(i)
	}
	wg.Wait()
	for i := 0; i < 4; i++ {
		md := tr.Get(fmt.Sprintf("f%d", i))
		if !md.HasSize || !md.HasCRC {
			t.Fatalf("f%d missing metadata: %+v", i, md)
		}
	}
}
