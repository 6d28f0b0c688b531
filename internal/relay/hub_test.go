package relay

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sheerbytes/kbsync/pkg/protocol"
)

type recorder struct {
	mu   sync.Mutex
	envs []protocol.Envelope
}

func (r *recorder) send(env protocol.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.envs)
}

func waitCount(t *testing.T, r *recorder, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.count() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("received %d envelopes, want %d", r.count(), want)
}

func deliverEnvelope(t *testing.T, key string) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(protocol.TypeDeliver, protocol.NewMsgID(), protocol.Deliver{
		Update: protocol.Update{Key: key, Value: protocol.Int(1)},
	})
	if err != nil {
		t.Fatalf("NewEnvelope error = %v", err)
	}
	return env
}

func TestHub_PublishFansOutPerTopic(t *testing.T) {
	hub := NewHub(16)
	var a, b, other, self recorder

	defer hub.Subscribe("files", "conn-a", a.send)()
	defer hub.Subscribe("files", "conn-b", b.send)()
	defer hub.Subscribe("logs", "conn-c", other.send)()
	defer hub.Subscribe("files", "conn-pub", self.send)()

	if got := hub.Publish("files", "conn-pub", deliverEnvelope(t, "p.a.size")); got != 2 {
		t.Fatalf("Publish reached %d subscribers, want 2", got)
	}
	waitCount(t, &a, 1)
	waitCount(t, &b, 1)

	time.Sleep(20 * time.Millisecond)
	if other.count() != 0 {
		t.Errorf("other topic received %d envelopes", other.count())
	}
	if self.count() != 0 {
		t.Errorf("publisher received its own envelope")
	}

	topics := hub.Subscribers()
	if len(topics) != 2 || topics[0].Topic != "files" || topics[0].Subscribers != 3 {
		t.Fatalf("unexpected topic counts %+v", topics)
	}
}

func TestHub_Unsubscribe(t *testing.T) {
	hub := NewHub(16)
	var r recorder
	unsub := hub.Subscribe("files", "conn1", r.send)
	unsub()
	unsub()

	if got := hub.Publish("files", "", deliverEnvelope(t, "p.a.size")); got != 0 {
		t.Fatalf("Publish reached %d subscribers after unsubscribe", got)
	}
	if len(hub.Subscribers()) != 0 {
		t.Fatalf("topic not removed after last unsubscribe")
	}
}

func TestHub_ResubscribeReplaces(t *testing.T) {
	hub := NewHub(16)
	var first, second recorder
	unsubFirst := hub.Subscribe("files", "conn1", first.send)
	defer hub.Subscribe("files", "conn1", second.send)()
	unsubFirst() // stale remove must not drop the replacement

	hub.Publish("files", "", deliverEnvelope(t, "p.a.size"))
	waitCount(t, &second, 1)
	if first.count() != 0 {
		t.Errorf("replaced subscription still received envelopes")
	}
}

func TestHub_PublishNeverBlocks(t *testing.T) {
	hub := NewHub(8)
	block := make(chan struct{})
	defer close(block)
	hub.Subscribe("files", "slow", func(protocol.Envelope) error {
		<-block
		return nil
	})

	env := deliverEnvelope(t, "p.a.size")
	for i := 0; i < 100; i++ {
		hub.Publish("files", "", env)
	}
	delivered, dropped := hub.Stats()
	if delivered+dropped != 100 {
		t.Fatalf("delivered %d + dropped %d != 100", delivered, dropped)
	}
	if dropped == 0 {
		t.Fatalf("expected drops for a stalled subscriber")
	}
}

func TestHub_FailingSubscriberDoesNotStall(t *testing.T) {
	hub := NewHub(4)
	defer hub.Subscribe("files", "dead", func(protocol.Envelope) error {
		return errors.New("connection reset")
	})()

	env := deliverEnvelope(t, "p.a.size")
	for i := 0; i < 50; i++ {
		hub.Publish("files", "", env)
	}
}

func TestHub_ConcurrentAccess(t *testing.T) {
	hub := NewHub(64)
	var wg sync.WaitGroup
	env := deliverEnvelope(t, "p.a.size")

	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			unsub := hub.Subscribe("files", "conn1", func(protocol.Envelope) error { return nil })
			unsub()
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			hub.Subscribers()
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			hub.Publish("files", "", env)
		}
	}()
	wg.Wait()
}
