package reassembly

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sheerbytes/kbsync/internal/fragment"
	"github.com/sheerbytes/kbsync/internal/keyspace"
	"github.com/sheerbytes/kbsync/internal/meta"
	"github.com/sheerbytes/kbsync/pkg/protocol"
)

const (
	DefaultQueueDepth   = 256
	DefaultWriteTimeout = 5 * time.Second
	DefaultSidecarEvery = 64
)

// Config configures an Engine. It is read once at construction.
type Config struct {
	Mapping keyspace.Mapping

	// InMemory keeps reconstructed bytes in memory instead of under Mapping.Root.
	InMemory bool
	// QueueDepth bounds each file's pending write queue.
	QueueDepth int
	// WriteTimeout bounds a single enqueue or disk write before it becomes a per-file fault.
	WriteTimeout time.Duration
	// IdleTimeout retires files with no activity for this long. Zero disables it.
	IdleTimeout time.Duration
	// Resume persists flushed ranges in sidecars and reloads them on restart.
	Resume bool
	// SidecarEvery flushes the resume sidecar after this many writes.
	SidecarEvery int

	// OnChange is called after every state transition or fault, outside engine locks.
	OnChange func(Snapshot)
	// Now is the clock used for activity tracking (for tests).
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.QueueDepth <= 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.SidecarEvery <= 0 {
		c.SidecarEvery = DefaultSidecarEvery
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Engine reassembles files from fragment, size and crc updates.
// Each file has its own lock and writer goroutine; the engine lock only guards the registry.
type Engine struct {
	cfg     Config
	mapper  *keyspace.Mapper
	tracker *meta.Tracker
	logger  *slog.Logger

	mu     sync.RWMutex
	files  map[string]*file
	closed bool
	// retiring holds ids being discarded or reset; acquire waits for them
	retiring map[string]chan struct{}

	stopJanitor chan struct{}
	janitorDone chan struct{}
}

// New creates an engine for the configured mapping.
func New(cfg Config, logger *slog.Logger) (*Engine, error) {
	cfg = cfg.withDefaults()
	mapper, err := keyspace.NewMapper(cfg.Mapping)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	e := &Engine{
		cfg:     cfg,
		mapper:  mapper,
		tracker: meta.NewTracker(),
		logger:  logger.With("component", "reassembly", "root", mapper.Root()),
		files:    make(map[string]*file),
		retiring: make(map[string]chan struct{}),
	}
	if cfg.IdleTimeout > 0 {
		e.stopJanitor = make(chan struct{})
		e.janitorDone = make(chan struct{})
		go e.janitor()
	}
	return e, nil
}

// Mapper returns the engine's directory mapper.
func (e *Engine) Mapper() *keyspace.Mapper { return e.mapper }

// Tracker returns the engine's metadata tracker.
func (e *Engine) Tracker() *meta.Tracker { return e.tracker }

// Receive is the receive-side filter hook: it classifies one update and applies it
// to the owning file. Errors are scoped to the update or its file and are never fatal.
// Fragment payloads are copied, so callers may reuse u's buffers once it returns.
func (e *Engine) Receive(u protocol.Update) error {
	k, err := e.mapper.Parse(u.Key)
	if err != nil {
		return err
	}

	switch k.Kind {
	case keyspace.KindFragment:
		if !u.Value.IsBytes() {
			return fmt.Errorf("%w: fragment %q carries %s", ErrMalformedValue, u.Key, u.Value)
		}
		if k.Offset+uint64(len(u.Value.Bytes)) > keyspace.MaxFileSize {
			return fmt.Errorf("%w: %q", ErrOffsetOutOfRange, u.Key)
		}
	case keyspace.KindSize:
		if !u.Value.IsInteger() || u.Value.Int < 0 || u.Value.Int > keyspace.MaxFileSize {
			return fmt.Errorf("%w: size %q = %s", ErrMalformedValue, u.Key, u.Value)
		}
	case keyspace.KindCRC:
		if !u.Value.IsInteger() || u.Value.Int < math.MinInt32 || u.Value.Int > math.MaxUint32 {
			return fmt.Errorf("%w: crc %q = %s", ErrMalformedValue, u.Key, u.Value)
		}
	}

	f, err := e.acquire(k.File)
	if err != nil {
		return err
	}

	switch k.Kind {
	case keyspace.KindFragment:
		return f.fragment(k.Offset, bytes.Clone(u.Value.Bytes))
	case keyspace.KindSize:
		return f.setSize(uint64(u.Value.Int))
	default:
		// negative values are the signed 32-bit view of the same checksum
		return f.setCRC(uint32(u.Value.Int))
	}
}

// acquire returns the state for id, creating it on first reference.
func (e *Engine) acquire(id string) (*file, error) {
	e.mu.RLock()
	f, ok := e.files[id]
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if ok {
		return f, nil
	}

	e.mu.Lock()
	for {
		if e.closed {
			e.mu.Unlock()
			return nil, ErrClosed
		}
		if f, ok := e.files[id]; ok {
			e.mu.Unlock()
			return f, nil
		}
		wait, busy := e.retiring[id]
		if !busy {
			break
		}
		e.mu.Unlock()
		<-wait
		e.mu.Lock()
	}
	f = newFile(e, id)
	// hold the file lock so concurrent updates wait for resume, not the registry
	f.mu.Lock()
	e.files[id] = f
	e.mu.Unlock()

	if e.cfg.Resume && !e.cfg.InMemory {
		f.resume()
	}
	f.mu.Unlock()
	go f.run()
	e.logger.Debug("tracking file", "file", id)
	return f, nil
}

func (e *Engine) lookup(id string) (*file, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	f, ok := e.files[id]
	return f, ok
}

// Snapshot returns the current state of a tracked file.
func (e *Engine) Snapshot(id string) (Snapshot, bool) {
	f, ok := e.lookup(id)
	if !ok {
		return Snapshot{}, false
	}
	return f.snapshot(), true
}

// Files returns snapshots of every tracked file ordered by id.
func (e *Engine) Files() []Snapshot {
	e.mu.RLock()
	files := make([]*file, 0, len(e.files))
	for _, f := range e.files {
		files = append(files, f)
	}
	e.mu.RUnlock()

	out := make([]Snapshot, 0, len(files))
	for _, f := range files {
		out = append(out, f.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FileID < out[j].FileID })
	return out
}

// Discard retires a file's state: its writer stops, the destination is closed and
// the in-memory bookkeeping is freed. The destination file and its resume
// sidecar stay on disk.
func (e *Engine) Discard(id string) error {
	_, err := e.withdraw(id, nil, nil)
	return err
}

// Reset discards a file's state and empties its destination so the same id can
// start a new transfer. This is the only way out of StateCorrupt. Updates for id
// that arrive meanwhile wait until the destination is empty.
func (e *Engine) Reset(id string) error {
	_, err := e.withdraw(id, nil, func() error {
		if e.cfg.InMemory {
			return nil
		}
		if e.cfg.Resume {
			_ = os.Remove(fragment.SidecarPath(e.sidecarDir(), id))
		}
		err := os.Truncate(e.mapper.Path(id), 0)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: reset %s: %v", ErrIOFault, id, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.logger.Info("file reset", "file", id)
	return nil
}

// withdraw removes id from the registry and keeps it reserved until the file
// is retired, its metadata dropped and cleanup has run. When eligible is set
// it decides, under the registry lock, whether a tracked file is withdrawn.
func (e *Engine) withdraw(id string, eligible func(*file) bool, cleanup func() error) (bool, error) {
	e.mu.Lock()
	for {
		wait, busy := e.retiring[id]
		if !busy {
			break
		}
		e.mu.Unlock()
		<-wait
		e.mu.Lock()
	}
	f, ok := e.files[id]
	if eligible != nil && (!ok || !eligible(f)) {
		e.mu.Unlock()
		return false, nil
	}
	delete(e.files, id)
	done := make(chan struct{})
	e.retiring[id] = done
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.retiring, id)
		e.mu.Unlock()
		close(done)
	}()

	var err error
	if ok {
		// retire persists the sidecar, which still needs the metadata
		err = f.retire()
	}
	e.tracker.Delete(id)
	if err == nil && cleanup != nil {
		err = cleanup()
	}
	return ok, err
}

// Sweep retires every file idle since before now-IdleTimeout and returns how many were retired.
func (e *Engine) Sweep(now time.Time) int {
	if e.cfg.IdleTimeout <= 0 {
		return 0
	}
	cutoff := now.Add(-e.cfg.IdleTimeout)
	idle := func(f *file) bool { return f.idleSince().Before(cutoff) }

	e.mu.RLock()
	var candidates []string
	for id, f := range e.files {
		if idle(f) {
			candidates = append(candidates, id)
		}
	}
	e.mu.RUnlock()

	retired := 0
	for _, id := range candidates {
		// activity since the scan keeps the file
		ok, err := e.withdraw(id, idle, nil)
		if err != nil {
			e.logger.Warn("retire idle file failed", "file", id, "error", err)
			continue
		}
		if ok {
			retired++
			e.logger.Info("retired idle file", "file", id)
		}
	}
	return retired
}

func (e *Engine) janitor() {
	defer close(e.janitorDone)
	interval := e.cfg.IdleTimeout / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopJanitor:
			return
		case <-ticker.C:
			e.Sweep(e.cfg.Now())
		}
	}
}

// Close retires every file and stops background work. Receive fails with ErrClosed afterwards.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	files := e.files
	e.files = make(map[string]*file)
	e.mu.Unlock()

	if e.stopJanitor != nil {
		close(e.stopJanitor)
		<-e.janitorDone
	}

	var errs []error
	for id, f := range files {
		if err := f.retire(); err != nil {
			errs = append(errs, err)
		}
		e.tracker.Delete(id)
	}
	return errors.Join(errs...)
}

func (e *Engine) sidecarDir() string {
	return filepath.Join(e.mapper.Root(), keyspace.ResumeDir)
}

func (e *Engine) notify(s Snapshot) {
	if e.cfg.OnChange != nil {
		e.cfg.OnChange(s)
	}
}
