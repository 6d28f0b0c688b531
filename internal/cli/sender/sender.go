package sender

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sheerbytes/kbsync/internal/config"
	"github.com/sheerbytes/kbsync/internal/logging"
	"github.com/sheerbytes/kbsync/internal/progress"
	"github.com/sheerbytes/kbsync/internal/publish"
	"github.com/sheerbytes/kbsync/internal/termio"
	"github.com/sheerbytes/kbsync/internal/transport"
)

// Run parses args, publishes the requested files and exits on failure.
func Run(args []string) {
	cfg, err := config.ParseSenderConfig(args)
	if err != nil {
		fmt.Fprintf(termio.Stderr(), "kbsync send: %v\n", err)
		termio.Flush()
		os.Exit(2)
	}
	logger := logging.New("kbsync", cfg.LogLevel,
		logging.WithFormat(cfg.LogFormat), logging.WithOutput(termio.Stderr()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = Send(ctx, cfg, logger, termio.Stdout())
	termio.Flush()
	if err != nil {
		logger.Error("send failed", "error", err)
		termio.Flush()
		os.Exit(1)
	}
}

type job struct {
	local string
	rel   string
	size  int64
}

// Send publishes every configured path to every configured destination.
// Directories are published recursively with names relative to the directory.
func Send(ctx context.Context, cfg config.SenderConfig, logger *slog.Logger, out io.Writer) error {
	jobs, err := plan(cfg)
	if err != nil {
		return err
	}

	sinks, names, err := openSinks(ctx, cfg, logger)
	if err != nil {
		return err
	}

	meter := progress.NewMeter()
	var total int64
	for _, j := range jobs {
		total += j.size
	}
	meter.Start(total * int64(cfg.Rounds))

	var (
		mu    sync.Mutex
		file  string
		round int
	)
	pub, err := publish.New(sinks, publish.Options{
		Prefix:        cfg.Prefix,
		FragmentSize:  fragmentSize(cfg, sinks),
		Rounds:        cfg.Rounds,
		RoundInterval: cfg.RoundInterval,
		BytesPerSec:   cfg.BytesPerSec,
		Shuffle:       cfg.Shuffle,
		Origin:        cfg.Origin,
		Meter:         meter,
		OnRound: func(rel string, r int) {
			mu.Lock()
			file, round = rel, r
			mu.Unlock()
		},
	}, logger)
	if err != nil {
		_ = sinks.Close()
		return err
	}
	logger.Info("sender started", "prefix", cfg.Prefix, "destinations", names, "files", len(jobs), "origin", pub.Origin())

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(cfg.Parallel, 1))
	stopRender := progress.RenderSender(gctx, out, time.Second/2, func() progress.SenderView {
		mu.Lock()
		defer mu.Unlock()
		return progress.SenderView{File: file, Round: round, Rounds: cfg.Rounds, Stats: meter.Snapshot()}
	})
	for _, j := range jobs {
		g.Go(func() error {
			sum, err := pub.PublishFile(gctx, j.local, j.rel)
			if err != nil {
				return err
			}
			logger.Info("file published", "file", sum.Rel, "size", sum.Size, "crc", sum.CRC,
				"fragments", sum.Fragments, "rounds", sum.Rounds)
			return nil
		})
	}
	err = g.Wait()
	stopRender()
	return errors.Join(err, sinks.Close())
}

// plan expands the configured paths into files and their published names.
func plan(cfg config.SenderConfig) ([]job, error) {
	var jobs []job
	for _, p := range cfg.Paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			rel := cfg.As
			if rel == "" {
				rel = filepath.Base(p)
			}
			jobs = append(jobs, job{local: p, rel: filepath.ToSlash(rel), size: info.Size()})
			continue
		}
		base := cfg.As
		err = filepath.WalkDir(p, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if path != p && d.Name()[0] == '.' {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(p, path)
			if err != nil {
				return err
			}
			if base != "" {
				rel = filepath.Join(base, rel)
			}
			fi, err := d.Info()
			if err != nil {
				return err
			}
			jobs = append(jobs, job{local: path, rel: filepath.ToSlash(rel), size: fi.Size()})
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	if len(jobs) == 0 {
		return nil, errors.New("nothing to publish")
	}
	return jobs, nil
}

func openSinks(ctx context.Context, cfg config.SenderConfig, logger *slog.Logger) (transport.Sinks, []string, error) {
	var (
		sinks transport.Sinks
		names []string
	)
	fail := func(err error) (transport.Sinks, []string, error) {
		_ = sinks.Close()
		return nil, nil, err
	}
	if len(cfg.UDP) > 0 {
		s, err := transport.DialUDP(cfg.UDP, cfg.QueueBytes)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, s)
		for _, h := range cfg.UDP {
			names = append(names, "udp "+h)
		}
	}
	if len(cfg.Broadcast) > 0 {
		s, err := transport.DialBroadcast(cfg.Broadcast, cfg.QueueBytes)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, s)
		for _, h := range cfg.Broadcast {
			names = append(names, "broadcast "+h)
		}
	}
	for _, group := range cfg.Multicast {
		s, err := transport.DialMulticast(group, cfg.Interface, cfg.TTL)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, s)
		names = append(names, "multicast "+group)
	}
	for _, addr := range cfg.QUIC {
		s, err := transport.DialQUIC(ctx, addr, logger)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, s)
		names = append(names, "quic "+addr)
	}
	if cfg.RelayURL != "" {
		s, err := transport.DialRelaySink(ctx, cfg.RelayURL, cfg.PeerID, cfg.Topic, logger)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, s)
		names = append(names, "relay "+cfg.Topic)
	}
	if len(sinks) == 0 {
		return nil, nil, errors.New("no destination configured")
	}
	return sinks, names, nil
}

// fragmentSize picks the configured size, capped so every fragment fits a
// single datagram when a datagram transport is in use.
func fragmentSize(cfg config.SenderConfig, sinks transport.Sinks) int {
	size := cfg.FragmentSize
	if size <= 0 {
		size = publish.DefaultFragmentSize
	}
	datagrams := false
	for _, s := range sinks {
		switch s.(type) {
		case *transport.UDPSink, *transport.MulticastSink:
			datagrams = true
		}
	}
	if !datagrams {
		return size
	}
	// leave room for the longest key the sender will emit
	limit := transport.MaxFragmentPayload(len(cfg.Prefix)+maxRelLen+len(".fragment@")+20, 64)
	return min(size, limit)
}

// maxRelLen bounds the relative path length assumed when sizing datagram fragments.
const maxRelLen = 1024
