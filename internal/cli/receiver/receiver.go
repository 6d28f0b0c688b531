package receiver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sheerbytes/kbsync/internal/config"
	"github.com/sheerbytes/kbsync/internal/keyspace"
	"github.com/sheerbytes/kbsync/internal/logging"
	"github.com/sheerbytes/kbsync/internal/progress"
	"github.com/sheerbytes/kbsync/internal/reassembly"
	"github.com/sheerbytes/kbsync/internal/termio"
	"github.com/sheerbytes/kbsync/internal/transport"
)

// errAllComplete ends Serve once every watched file is complete.
var errAllComplete = errors.New("all watched files complete")

// Run parses args, runs the receiver until interrupted and exits on failure.
func Run(args []string) {
	cfg, err := config.ParseReceiverConfig(args)
	if err != nil {
		fmt.Fprintf(termio.Stderr(), "kbsync recv: %v\n", err)
		termio.Flush()
		os.Exit(2)
	}
	logger := logging.New("kbsync", cfg.LogLevel,
		logging.WithFormat(cfg.LogFormat), logging.WithOutput(termio.Stderr()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = Serve(ctx, cfg, logger, termio.Stdout())
	termio.Flush()
	if err != nil {
		logger.Error("receiver failed", "error", err)
		termio.Flush()
		os.Exit(1)
	}
}

// Serve reassembles files from the configured transports until ctx is done,
// cfg.Duration elapses, or (with ExitOnComplete) every watched file completes.
// Progress of watched and in-flight files is rendered to out.
func Serve(ctx context.Context, cfg config.ReceiverConfig, logger *slog.Logger, out io.Writer) error {
	sources, names, err := openSources(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return serve(ctx, cfg, logger, out, sources, names)
}

// serve owns sources and closes them before returning.
func serve(ctx context.Context, cfg config.ReceiverConfig, logger *slog.Logger, out io.Writer, sources []transport.Source, names []string) error {
	defer func() {
		for _, s := range sources {
			_ = s.Close()
		}
	}()
	if cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Duration)
		defer cancel()
	}

	engine, err := reassembly.New(reassembly.Config{
		Mapping:      keyspace.Mapping{Prefix: cfg.Prefix, Root: cfg.Root},
		QueueDepth:   cfg.WriteQueueDepth,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		Resume:       cfg.Resume,
		OnChange:     logTransition(logger),
	}, logger)
	if err != nil {
		return err
	}
	defer engine.Close()

	w, err := newWatcher(engine, cfg.Watch, cfg.Verify)
	if err != nil {
		return err
	}
	logger.Info("receiver started", "prefix", engine.Mapper().Prefix(), "root", engine.Mapper().Root(), "transports", names)

	meter := progress.NewMeter()
	meter.Start(0)
	deliver := reassembly.Hook(engine, logger)

	g, gctx := errgroup.WithContext(ctx)
	for _, src := range sources {
		g.Go(func() error {
			err := src.Run(gctx, deliver)
			if err != nil && gctx.Err() == nil {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		return w.poll(gctx, cfg.PollInterval, meter, cfg.ExitOnComplete, logger)
	})

	stopRender := progress.RenderReceiver(gctx, out, cfg.PollInterval, func() progress.ReceiverView {
		return progress.ReceiverView{
			Root:      engine.Mapper().Root(),
			Transport: strings.Join(names, ", "),
			Files:     w.rows(),
			Stats:     meter.Snapshot(),
		}
	})

	err = g.Wait()
	stopRender()
	if errors.Is(err, errAllComplete) {
		logger.Info("all watched files complete", "files", len(cfg.Watch))
		return nil
	}
	return err
}

func openSources(ctx context.Context, cfg config.ReceiverConfig, logger *slog.Logger) ([]transport.Source, []string, error) {
	var (
		sources []transport.Source
		names   []string
	)
	fail := func(err error) ([]transport.Source, []string, error) {
		for _, s := range sources {
			_ = s.Close()
		}
		return nil, nil, err
	}
	for _, addr := range cfg.UDP {
		s, err := transport.ListenUDP(addr, cfg.QueueBytes, logger)
		if err != nil {
			return fail(err)
		}
		sources = append(sources, s)
		names = append(names, "udp "+s.LocalAddr().String())
	}
	for _, addr := range cfg.Broadcast {
		s, err := transport.ListenBroadcast(addr, cfg.QueueBytes, logger)
		if err != nil {
			return fail(err)
		}
		sources = append(sources, s)
		names = append(names, "broadcast "+s.LocalAddr().String())
	}
	for _, group := range cfg.Multicast {
		s, err := transport.ListenMulticast(group, cfg.Interface, cfg.QueueBytes, logger)
		if err != nil {
			return fail(err)
		}
		sources = append(sources, s)
		names = append(names, "multicast "+group)
	}
	if cfg.QUIC != "" {
		s, err := transport.ListenQUIC(cfg.QUIC, transport.QUICOptions{QueueBytes: cfg.QueueBytes}, logger)
		if err != nil {
			return fail(err)
		}
		sources = append(sources, s)
		names = append(names, "quic "+s.LocalAddr().String())
	}
	if cfg.RelayURL != "" {
		s, err := transport.DialRelaySource(ctx, cfg.RelayURL, cfg.PeerID, cfg.Topic, logger)
		if err != nil {
			return fail(err)
		}
		sources = append(sources, s)
		names = append(names, "relay "+cfg.Topic)
	}
	if len(sources) == 0 {
		return nil, nil, errors.New("no transport configured")
	}
	return sources, names, nil
}

func logTransition(logger *slog.Logger) func(reassembly.Snapshot) {
	return func(s reassembly.Snapshot) {
		switch {
		case s.State == reassembly.StateComplete:
			logger.Info("file complete", "file", s.FileID, "size", s.Size, "crc", s.CRC)
		case s.State == reassembly.StateCorrupt:
			logger.Warn("file corrupt", "file", s.FileID, "size", s.Size, "crc", s.CRC)
		case s.Fault != nil:
			logger.Warn("file fault", "file", s.FileID, "error", s.Fault)
		default:
			logger.Debug("file state", "file", s.FileID, "state", s.State.String())
		}
	}
}

type expectation struct {
	size uint64
	crc  uint32
}

// watcher polls progress the way an operator would: it reads the announced
// size and crc of each file and asks the progress query how far along it is.
type watcher struct {
	engine *reassembly.Engine
	query  *progress.Query
	watch  []string

	mu       sync.Mutex
	expected map[string]expectation
}

func newWatcher(engine *reassembly.Engine, watch []string, verify bool) (*watcher, error) {
	w := &watcher{
		engine:   engine,
		query:    progress.NewQuery(engine.Mapper(), engine, progress.WithVerify(verify)),
		expected: make(map[string]expectation),
	}
	for _, rel := range watch {
		id, err := engine.Mapper().Normalize(rel)
		if err != nil {
			return nil, fmt.Errorf("watch %s: %w", rel, err)
		}
		w.watch = append(w.watch, id)
	}
	return w, nil
}

// expectation returns the last announced metadata for id. It outlives the
// engine's own record, which is dropped when an idle file is retired.
func (w *watcher) expectation(id string) (expectation, bool) {
	md := w.engine.Tracker().Get(id)
	w.mu.Lock()
	defer w.mu.Unlock()
	exp, ok := w.expected[id]
	if md.HasSize {
		exp.size = md.Size
		ok = true
	}
	if md.HasCRC {
		exp.crc = md.CRC
	}
	if ok {
		w.expected[id] = exp
	}
	return exp, ok
}

func (w *watcher) rows() []progress.FileRow {
	ids := make(map[string]bool, len(w.watch))
	for _, id := range w.watch {
		ids[id] = true
	}
	for _, s := range w.engine.Files() {
		ids[s.FileID] = true
	}
	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	rows := make([]progress.FileRow, 0, len(sorted))
	for _, id := range sorted {
		row := progress.FileRow{Path: id, State: "waiting"}
		if exp, ok := w.expectation(id); ok {
			row.Ratio = w.query.Progress(id, exp.crc, exp.size)
		}
		if s, ok := w.engine.Snapshot(id); ok {
			row.State = s.State.String()
			if s.Fault != nil {
				row.Fault = s.Fault.Error()
			}
		} else if row.Ratio == 1 {
			row.State = reassembly.StateComplete.String()
		}
		rows = append(rows, row)
	}
	return rows
}

// complete reports whether id is done. Empty files never report progress
// above 0, so the engine's state decides for them.
func (w *watcher) complete(id string, logger *slog.Logger) bool {
	if s, ok := w.engine.Snapshot(id); ok && s.State == reassembly.StateComplete {
		return true
	}
	exp, ok := w.expectation(id)
	if !ok {
		return false
	}
	ratio := w.query.Progress(id, exp.crc, exp.size)
	logger.Debug("progress", "file", id, "crc", exp.crc, "size", exp.size, "ratio", ratio)
	return ratio == 1
}

// poll feeds the meter and, when exitOnComplete is set, returns errAllComplete
// once every watched file reports progress 1.
func (w *watcher) poll(ctx context.Context, interval time.Duration, meter *progress.Meter, exitOnComplete bool, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		var total, done uint64
		for _, s := range w.engine.Files() {
			if !s.HasSize {
				continue
			}
			total += s.Size
			done += s.Accepted(s.Size)
		}
		meter.SetTotal(int64(total))
		meter.Observe(int64(done))

		if !exitOnComplete || len(w.watch) == 0 {
			continue
		}
		complete := 0
		for _, id := range w.watch {
			if w.complete(id, logger) {
				complete++
			}
		}
		if complete == len(w.watch) {
			return errAllComplete
		}
	}
}
