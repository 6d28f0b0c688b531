package publish

import (
	"bytes"
	"context"
	"errors"
	"hash/crc32"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/kbsync/internal/keyspace"
	"github.com/sheerbytes/kbsync/internal/progress"
	"github.com/sheerbytes/kbsync/internal/reassembly"
	"github.com/sheerbytes/kbsync/pkg/protocol"
)

const testPrefix = "agent.0.sandbox.files.file"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memSink records updates, copying payloads the way wire sinks do.
type memSink struct {
	mu      sync.Mutex
	updates []protocol.Update
	failAt  int
}

func (s *memSink) Publish(_ context.Context, u protocol.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAt > 0 && len(s.updates)+1 == s.failAt {
		return errors.New("sink down")
	}
	if u.Value.IsBytes() {
		u.Value = protocol.Bytes(bytes.Clone(u.Value.Bytes))
	}
	s.updates = append(s.updates, u)
	return nil
}

func (s *memSink) Close() error { return nil }

// engineSink feeds a reassembly engine directly.
type engineSink struct{ e *reassembly.Engine }

func (s engineSink) Publish(_ context.Context, u protocol.Update) error {
	if u.Value.IsBytes() {
		u.Value = protocol.Bytes(bytes.Clone(u.Value.Bytes))
	}
	return s.e.Receive(u)
}

func (s engineSink) Close() error { return nil }

func randomContent(t *testing.T, n int) []byte {
	t.Helper()
	p := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(p)
	return p
}

func TestPublishAnnouncesMetadataThenFragments(t *testing.T) {
	sink := &memSink{}
	p, err := New(sink, Options{Prefix: testPrefix, FragmentSize: 4}, quietLogger())
	require.NoError(t, err)
	content := []byte("0123456789")

	sum, err := p.Publish(context.Background(), bytes.NewReader(content), uint64(len(content)), "samples/chapter6.mp3")
	require.NoError(t, err)
	require.Equal(t, Summary{
		Rel: "samples/chapter6.mp3", Size: 10, CRC: crc32.ChecksumIEEE(content),
		Fragments: 3, Rounds: 1, Bytes: 10,
	}, sum)

	rel := "samples/chapter6.mp3"
	want := []protocol.Update{
		{Key: keyspace.SizeKey(testPrefix, rel), Value: protocol.Int(10)},
		{Key: keyspace.CRCKey(testPrefix, rel), Value: protocol.Int(int64(crc32.ChecksumIEEE(content)))},
		{Key: keyspace.FragmentKey(testPrefix, rel, 0), Value: protocol.Bytes([]byte("0123"))},
		{Key: keyspace.FragmentKey(testPrefix, rel, 4), Value: protocol.Bytes([]byte("4567"))},
		{Key: keyspace.FragmentKey(testPrefix, rel, 8), Value: protocol.Bytes([]byte("89"))},
	}
	require.Len(t, sink.updates, len(want))
	for i := range want {
		want[i].Origin = p.Origin()
		require.Equal(t, want[i], sink.updates[i], "update %d", i)
	}
}

func TestPublishIntoEngine(t *testing.T) {
	root := t.TempDir()
	e, err := reassembly.New(reassembly.Config{
		Mapping: keyspace.Mapping{Prefix: testPrefix, Root: root},
	}, quietLogger())
	require.NoError(t, err)
	defer e.Close()

	meter := progress.NewMeter()
	var rounds []int
	p, err := New(engineSink{e}, Options{
		Prefix:       testPrefix,
		FragmentSize: 4096,
		Rounds:       2,
		Shuffle:      true,
		Meter:        meter,
		OnRound:      func(_ string, r int) { rounds = append(rounds, r) },
	}, quietLogger())
	require.NoError(t, err)

	content := randomContent(t, 200_003)
	sum, err := p.Publish(context.Background(), bytes.NewReader(content), uint64(len(content)), "blobs/a.bin")
	require.NoError(t, err)
	require.Equal(t, 2, sum.Rounds)
	require.Equal(t, uint64(2*len(content)), sum.Bytes)
	require.Equal(t, []int{1, 2}, rounds)
	require.Equal(t, int64(2*len(content)), meter.Snapshot().BytesDone)

	require.Eventually(t, func() bool {
		s, ok := e.Snapshot("blobs/a.bin")
		return ok && s.State == reassembly.StateComplete
	}, 5*time.Second, 2*time.Millisecond)

	got, err := os.ReadFile(filepath.Join(root, "blobs", "a.bin"))
	require.NoError(t, err)
	require.True(t, bytes.Equal(content, got), "reassembled bytes differ")
}

func TestPublishEmptyFile(t *testing.T) {
	sink := &memSink{}
	p, err := New(sink, Options{Prefix: testPrefix}, quietLogger())
	require.NoError(t, err)

	sum, err := p.Publish(context.Background(), bytes.NewReader(nil), 0, "empty")
	require.NoError(t, err)
	require.Zero(t, sum.Fragments)
	require.Len(t, sink.updates, 2)
}

func TestPublishRejectsBadInput(t *testing.T) {
	p, err := New(&memSink{}, Options{Prefix: testPrefix}, quietLogger())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = p.Publish(ctx, bytes.NewReader(nil), 0, "../escape")
	require.ErrorIs(t, err, keyspace.ErrPathEscape)

	_, err = p.Publish(ctx, bytes.NewReader([]byte("short")), 100, "short.bin")
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = p.Publish(ctx, bytes.NewReader(nil), keyspace.MaxFileSize+1, "huge.bin")
	require.ErrorIs(t, err, ErrFileTooLarge)

	_, err = New(&memSink{}, Options{}, nil)
	require.Error(t, err)
	_, err = New(&memSink{}, Options{Prefix: testPrefix, Origin: string(make([]byte, 65))}, nil)
	require.Error(t, err)
}

func TestPublishStopsOnSinkError(t *testing.T) {
	sink := &memSink{failAt: 4}
	p, err := New(sink, Options{Prefix: testPrefix, FragmentSize: 2}, quietLogger())
	require.NoError(t, err)

	sum, err := p.Publish(context.Background(), bytes.NewReader([]byte("0123456789")), 10, "f")
	require.Error(t, err)
	require.Equal(t, uint64(2), sum.Bytes)
	require.Zero(t, sum.Rounds)
}

func TestPublishPacedHonorsCancel(t *testing.T) {
	p, err := New(&memSink{}, Options{Prefix: testPrefix, FragmentSize: 1024, BytesPerSec: 1024}, quietLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	content := randomContent(t, 64*1024)
	_, err = p.Publish(ctx, bytes.NewReader(content), uint64(len(content)), "slow.bin")
	require.Error(t, err)
}

func TestFragmentOffsets(t *testing.T) {
	require.Equal(t, []uint64{0, 4, 8}, fragmentOffsets(10, 4))
	require.Equal(t, []uint64{0, 4}, fragmentOffsets(8, 4))
	require.Empty(t, fragmentOffsets(0, 4))
	require.Equal(t, 3, fragmentCount(10, 4))
}
