// Package publish splits local files into fragment updates and announces
// their size and checksum under a key namespace.
package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/sheerbytes/kbsync/internal/bufpool"
	"github.com/sheerbytes/kbsync/internal/fragment"
	"github.com/sheerbytes/kbsync/internal/keyspace"
	"github.com/sheerbytes/kbsync/internal/progress"
	"github.com/sheerbytes/kbsync/internal/transport"
	"github.com/sheerbytes/kbsync/pkg/protocol"
)

const (
	DefaultFragmentSize = 60 * 1024
	DefaultRounds       = 1
)

// ErrFileTooLarge is returned for files above keyspace.MaxFileSize.
var ErrFileTooLarge = errors.New("file too large")

// Options configures a Publisher.
type Options struct {
	// Prefix is the key namespace, e.g. agent.0.sandbox.files.file.
	Prefix string
	// FragmentSize is the payload size of each fragment update.
	FragmentSize int
	// Rounds repeats the whole file this many times so lossy transports converge.
	Rounds int
	// RoundInterval pauses between rounds.
	RoundInterval time.Duration
	// BytesPerSec paces fragment payload bytes. Zero publishes unpaced.
	BytesPerSec float64
	// Shuffle publishes fragments of each round in random order.
	Shuffle bool
	// Origin tags every update. Defaults to a random UUID.
	Origin string
	// Meter, if set, counts published payload bytes across all rounds.
	Meter *progress.Meter
	// OnRound is called when a round starts.
	OnRound func(rel string, round int)
}

// Summary describes one published file.
type Summary struct {
	Rel       string
	Size      uint64
	CRC       uint32
	Fragments int
	Rounds    int
	Bytes     uint64
}

// Publisher sends files to a sink as fragment, size and crc updates.
type Publisher struct {
	sink    transport.Sink
	opts    Options
	limiter *rate.Limiter
	pool    *bufpool.Pool
	logger  *slog.Logger
}

// New validates opts and returns a Publisher writing to sink.
func New(sink transport.Sink, opts Options, logger *slog.Logger) (*Publisher, error) {
	if opts.Prefix == "" {
		return nil, errors.New("namespace prefix is required")
	}
	if opts.FragmentSize <= 0 {
		opts.FragmentSize = DefaultFragmentSize
	}
	if opts.FragmentSize > protocol.MaxValueLength {
		return nil, fmt.Errorf("fragment size %d exceeds %d", opts.FragmentSize, protocol.MaxValueLength)
	}
	if opts.Rounds <= 0 {
		opts.Rounds = DefaultRounds
	}
	if opts.Origin == "" {
		opts.Origin = uuid.NewString()
	}
	if len(opts.Origin) > protocol.MaxOriginLength {
		return nil, fmt.Errorf("origin longer than %d bytes", protocol.MaxOriginLength)
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		sink:   sink,
		opts:   opts,
		pool:   bufpool.New(opts.FragmentSize),
		logger: logger.With("component", "publish", "origin", opts.Origin),
	}
	if opts.BytesPerSec > 0 {
		burst := max(opts.FragmentSize, int(opts.BytesPerSec/10))
		p.limiter = rate.NewLimiter(rate.Limit(opts.BytesPerSec), burst)
	}
	return p, nil
}

// Origin returns the origin id stamped on every update.
func (p *Publisher) Origin() string { return p.opts.Origin }

// FragmentSize returns the effective fragment payload size.
func (p *Publisher) FragmentSize() int { return p.opts.FragmentSize }

// PublishFile publishes the file at localPath under rel.
func (p *Publisher) PublishFile(ctx context.Context, localPath, rel string) (Summary, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return Summary{}, fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return Summary{}, fmt.Errorf("stat %s: %w", localPath, err)
	}
	if !info.Mode().IsRegular() {
		return Summary{}, fmt.Errorf("%s is not a regular file", localPath)
	}
	return p.Publish(ctx, f, uint64(info.Size()), rel)
}

// Publish sends size bytes of r under rel. Size and crc are announced before
// the fragments of every round, so a receiver that joins late still learns them.
func (p *Publisher) Publish(ctx context.Context, r io.ReaderAt, size uint64, rel string) (Summary, error) {
	rel, err := keyspace.CleanPath(rel)
	if err != nil {
		return Summary{}, err
	}
	if size > keyspace.MaxFileSize {
		return Summary{}, fmt.Errorf("%w: %s is %d bytes", ErrFileTooLarge, rel, size)
	}
	if longest := keyspace.FragmentKey(p.opts.Prefix, rel, size); len(longest) > protocol.MaxKeyLength {
		return Summary{}, fmt.Errorf("%w: %s", protocol.ErrKeyTooLong, rel)
	}
	crc, err := fragment.Checksum(r, size)
	if err != nil {
		return Summary{}, fmt.Errorf("checksum %s: %w", rel, err)
	}

	sum := Summary{Rel: rel, Size: size, CRC: crc, Fragments: fragmentCount(size, p.opts.FragmentSize)}
	logger := p.logger.With("file", rel)
	logger.Info("publishing file", "size", size, "crc", crc, "fragments", sum.Fragments, "rounds", p.opts.Rounds)

	for round := 1; round <= p.opts.Rounds; round++ {
		if round > 1 && p.opts.RoundInterval > 0 {
			select {
			case <-ctx.Done():
				return sum, ctx.Err()
			case <-time.After(p.opts.RoundInterval):
			}
		}
		if p.opts.OnRound != nil {
			p.opts.OnRound(rel, round)
		}
		n, err := p.round(ctx, r, size, crc, rel)
		sum.Bytes += n
		if err != nil {
			return sum, fmt.Errorf("round %d of %s: %w", round, rel, err)
		}
		sum.Rounds = round
		logger.Debug("round published", "round", round, "bytes", n)
	}
	return sum, nil
}

func (p *Publisher) round(ctx context.Context, r io.ReaderAt, size uint64, crc uint32, rel string) (uint64, error) {
	if err := p.send(ctx, keyspace.SizeKey(p.opts.Prefix, rel), protocol.Int(int64(size))); err != nil {
		return 0, err
	}
	if err := p.send(ctx, keyspace.CRCKey(p.opts.Prefix, rel), protocol.Int(int64(crc))); err != nil {
		return 0, err
	}

	offsets := fragmentOffsets(size, p.opts.FragmentSize)
	if p.opts.Shuffle {
		rand.Shuffle(len(offsets), func(i, j int) { offsets[i], offsets[j] = offsets[j], offsets[i] })
	}

	buf := p.pool.Get()
	defer p.pool.Put(buf)
	var sent uint64
	for _, off := range offsets {
		n := min(uint64(len(buf)), size-off)
		read, err := r.ReadAt(buf[:n], int64(off))
		if uint64(read) < n {
			if err == nil || errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return sent, fmt.Errorf("read at %d: %w", off, err)
		}
		if p.limiter != nil {
			if err := p.limiter.WaitN(ctx, int(n)); err != nil {
				return sent, err
			}
		}
		// sinks encode synchronously, so buf may be reused after Publish returns
		if err := p.send(ctx, keyspace.FragmentKey(p.opts.Prefix, rel, off), protocol.Bytes(buf[:n])); err != nil {
			return sent, err
		}
		sent += n
		if p.opts.Meter != nil {
			p.opts.Meter.Add(int(n))
		}
	}
	return sent, nil
}

func (p *Publisher) send(ctx context.Context, key string, v protocol.Value) error {
	return p.sink.Publish(ctx, protocol.Update{Key: key, Value: v, Origin: p.opts.Origin})
}

func fragmentCount(size uint64, fragSize int) int {
	return int((size + uint64(fragSize) - 1) / uint64(fragSize))
}

func fragmentOffsets(size uint64, fragSize int) []uint64 {
	out := make([]uint64, 0, fragmentCount(size, fragSize))
	for off := uint64(0); off < size; off += uint64(fragSize) {
		out = append(out, off)
	}
	return out
}
