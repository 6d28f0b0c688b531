package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/kbsync/internal/transport"
	"github.com/sheerbytes/kbsync/pkg/protocol"
)

func newTestServer(t *testing.T, limits Limits) (*Hub, string) {
	t.Helper()
	hub := NewHub(64)
	srv := httptest.NewServer(NewServer(hub, limits, nil).Handler())
	t.Cleanup(srv.Close)
	return hub, srv.URL
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
}

func TestServer_RelaysUpdatesToSubscribers(t *testing.T) {
	hub, base := newTestServer(t, Limits{MaxMessageBytes: 1 << 20})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	src, err := transport.DialRelaySource(ctx, wsURL(base), "receiver-1", "agent.0", nil)
	require.NoError(t, err)
	defer src.Close()

	var (
		mu  sync.Mutex
		got []protocol.Update
	)
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = src.Run(ctx, func(u protocol.Update) {
			mu.Lock()
			got = append(got, u)
			mu.Unlock()
		})
	}()

	require.Eventually(t, func() bool {
		topics := hub.Subscribers()
		return len(topics) == 1 && topics[0].Subscribers == 1
	}, 5*time.Second, 5*time.Millisecond)

	sink, err := transport.DialRelaySink(ctx, wsURL(base), "sender-1", "agent.0", nil)
	require.NoError(t, err)

	want := []protocol.Update{
		{Key: "agent.0.files.f.size", Value: protocol.Int(10), Origin: "o1"},
		{Key: "agent.0.files.f.fragment.0", Value: protocol.Bytes([]byte("0123456789")), Origin: "o1"},
	}
	for _, u := range want {
		require.NoError(t, sink.Publish(ctx, u))
	}
	require.NoError(t, sink.Close())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == len(want)
	}, 5*time.Second, 5*time.Millisecond)

	mu.Lock()
	require.Equal(t, want, got)
	mu.Unlock()

	cancel()
	<-runDone
}

func TestServer_Health(t *testing.T) {
	_, base := newTestServer(t, Limits{})

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		OK        bool  `json:"ok"`
		Delivered int64 `json:"delivered"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.True(t, body.OK)
	require.Zero(t, body.Delivered)

	post, err := http.Post(base+"/health", "application/json", nil)
	require.NoError(t, err)
	post.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, post.StatusCode)
}
