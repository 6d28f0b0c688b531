package bufpool

import "testing"

func TestPoolGetPut(t *testing.T) {
	p := New(4096)
	for i := 0; i < 10; i++ {
		buf := p.Get()
		if len(buf) != 4096 {
			t.Fatalf("round %d: len %d, want 4096", i, len(buf))
		}
		p.Put(buf)
	}
	if p.Size() != 4096 {
		t.Fatalf("Size() = %d", p.Size())
	}
}

func TestPoolResliced(t *testing.T) {
	p := New(1024)
	buf := p.Get()
	p.Put(buf[:10])
	if got := p.Get(); len(got) != 1024 {
		t.Fatalf("len %d after putting a short slice, want 1024", len(got))
	}
}

func TestPoolDropsSmallBuffers(t *testing.T) {
	p := New(4096)
	p.Put(make([]byte, 100))
	if got := p.Get(); len(got) != 4096 {
		t.Fatalf("len %d, want 4096", len(got))
	}
}

func TestPoolPanicsOnBadSize(t *testing.T) {
	for _, size := range []int{0, -1} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("New(%d) did not panic", size)
				}
			}()
			New(size)
		}()
	}
}
