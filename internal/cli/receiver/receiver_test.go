package receiver

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/kbsync/internal/config"
	"github.com/sheerbytes/kbsync/internal/keyspace"
	"github.com/sheerbytes/kbsync/internal/publish"
	"github.com/sheerbytes/kbsync/internal/reassembly"
	"github.com/sheerbytes/kbsync/internal/transport"
	"github.com/sheerbytes/kbsync/pkg/protocol"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(root string) config.ReceiverConfig {
	return config.ReceiverConfig{
		Prefix:         config.DefaultPrefix,
		Root:           root,
		WriteTimeout:   5 * time.Second,
		PollInterval:   20 * time.Millisecond,
		ExitOnComplete: true,
		Watch:          []string{"samples/chapter6.mp3"},
		Duration:       20 * time.Second,
	}
}

func TestServeReceivesOverUDPUntilComplete(t *testing.T) {
	root := t.TempDir()
	src, err := transport.ListenUDP("127.0.0.1:0", 4<<20, quietLogger())
	require.NoError(t, err)

	var out bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- serve(context.Background(), testConfig(root), quietLogger(), &out, []transport.Source{src}, []string{"udp"})
	}()

	sink, err := transport.DialUDP([]string{src.LocalAddr().String()}, 4<<20)
	require.NoError(t, err)
	defer sink.Close()
	pub, err := publish.New(sink, publish.Options{
		Prefix:       config.DefaultPrefix,
		FragmentSize: 1024,
		Rounds:       5,
		Shuffle:      true,
		BytesPerSec:  8 << 20,
	}, quietLogger())
	require.NoError(t, err)

	content := make([]byte, 50_000)
	rand.New(rand.NewSource(6)).Read(content)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_, _ = pub.Publish(ctx, bytes.NewReader(content), uint64(len(content)), "samples/chapter6.mp3")
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("receiver did not finish")
	}

	got, err := os.ReadFile(filepath.Join(root, "samples", "chapter6.mp3"))
	require.NoError(t, err)
	require.True(t, bytes.Equal(content, got), "received content differs")
	require.Contains(t, out.String(), "file=samples/chapter6.mp3 state=complete progress=100.0%")
}

func TestServeStopsOnCancel(t *testing.T) {
	src, err := transport.ListenUDP("127.0.0.1:0", 0, quietLogger())
	require.NoError(t, err)
	cfg := testConfig(t.TempDir())
	cfg.ExitOnComplete = false

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, cfg, quietLogger(), io.Discard, []transport.Source{src}, []string{"udp"})
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("receiver ignored cancellation")
	}
}

func TestWatcherRows(t *testing.T) {
	root := t.TempDir()
	engine, err := reassembly.New(reassembly.Config{
		Mapping: keyspace.Mapping{Prefix: config.DefaultPrefix, Root: root},
	}, quietLogger())
	require.NoError(t, err)
	defer engine.Close()

	w, err := newWatcher(engine, []string{"b.bin", "./a.bin"}, false)
	require.NoError(t, err)

	key := func(rel string) string { return keyspace.SizeKey(config.DefaultPrefix, rel) }
	require.NoError(t, engine.Receive(protocol.Update{Key: key("a.bin"), Value: protocol.Int(10)}))
	require.NoError(t, engine.Receive(protocol.Update{
		Key:   keyspace.FragmentKey(config.DefaultPrefix, "a.bin", 0),
		Value: protocol.Bytes([]byte("01234")),
	}))
	require.NoError(t, engine.Receive(protocol.Update{Key: key("c.bin"), Value: protocol.Int(4)}))

	rows := w.rows()
	require.Len(t, rows, 3)
	require.Equal(t, "a.bin", rows[0].Path)
	require.Equal(t, "receiving", rows[0].State)
	require.InDelta(t, 0.5, rows[0].Ratio, 1e-9)
	require.Equal(t, "b.bin", rows[1].Path)
	require.Equal(t, "waiting", rows[1].State)
	require.Zero(t, rows[1].Ratio)
	require.Equal(t, "c.bin", rows[2].Path)

	// metadata survives the engine retiring the file
	require.NoError(t, engine.Discard("a.bin"))
	exp, ok := w.expectation("a.bin")
	require.True(t, ok)
	require.Equal(t, uint64(10), exp.size)
}

func TestNewWatcherRejectsEscapes(t *testing.T) {
	engine, err := reassembly.New(reassembly.Config{
		Mapping: keyspace.Mapping{Prefix: config.DefaultPrefix, Root: t.TempDir()},
	}, quietLogger())
	require.NoError(t, err)
	defer engine.Close()

	_, err = newWatcher(engine, []string{"../../etc/passwd"}, false)
	require.ErrorIs(t, err, keyspace.ErrPathEscape)
}

func TestOpenSourcesRequiresTransport(t *testing.T) {
	_, _, err := openSources(context.Background(), config.ReceiverConfig{}, quietLogger())
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "no transport"))
}

func TestOpenSourcesBroadcast(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("udp broadcast sockets need SO_REUSEADDR")
	}
	cfg := config.ReceiverConfig{Broadcast: []string{"127.0.0.1:0"}}
	sources, names, err := openSources(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer func() {
		for _, s := range sources {
			_ = s.Close()
		}
	}()
	require.Len(t, sources, 1)
	require.Len(t, names, 1)
	require.True(t, strings.HasPrefix(names[0], "broadcast 127.0.0.1:"), names[0])
}
