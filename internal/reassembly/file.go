package reassembly

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sheerbytes/kbsync/internal/fragment"
)

type job struct {
	off      uint64
	data     []byte
	truncate bool
}

type writeResult struct {
	wrote bool
	err   error
}

// file is the reassembly state of one file id. Bookkeeping is updated under mu
// synchronously with acceptance; bytes reach the destination through the
// single writer goroutine that drains jobs. gen counts writes that changed the
// destination, so a verification that raced with one is discarded.
type file struct {
	e    *Engine
	id   string
	path string

	jobs     chan job
	verifyCh chan struct{}
	stop     chan struct{}
	done     chan struct{}

	mu           sync.Mutex
	state        State
	store        *fragment.Store
	sidecar      *fragment.Sidecar
	fault        error
	gen          uint64
	lastActivity time.Time
	completions  int
	sinceSidecar int
	retired      bool
}

func newFile(e *Engine, id string) *file {
	return &file{
		e:            e,
		id:           id,
		path:         e.mapper.Path(id),
		jobs:         make(chan job, e.cfg.QueueDepth),
		verifyCh:     make(chan struct{}, 1),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		lastActivity: e.cfg.Now(),
	}
}

// resume restores flushed ranges and metadata from a sidecar left by a previous run.
// Caller holds mu.
func (f *file) resume() {
	path := fragment.SidecarPath(f.e.sidecarDir(), f.id)
	sc, err := fragment.LoadSidecar(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			f.e.logger.Warn("ignoring unreadable resume sidecar", "file", f.id, "error", err)
			_ = os.Remove(path)
		}
		return
	}
	if sc.FileID != f.id {
		return
	}
	if _, err := os.Stat(f.path); err != nil {
		_ = sc.Remove()
		return
	}
	if err := f.ensureStore(); err != nil {
		f.e.logger.Warn("resume failed", "file", f.id, "error", err)
		return
	}
	f.store.Restore(sc.Ranges())
	f.sidecar = sc
	md := f.e.tracker.Get(f.id)
	if sc.HasSize && !md.HasSize {
		f.e.tracker.SetSize(f.id, sc.Size)
	}
	if sc.HasCRC && !md.HasCRC {
		f.e.tracker.SetCRC(f.id, sc.CRC)
	}
	f.state = StateReceiving
	f.e.logger.Info("resumed partial file", "file", f.id, "bytes", f.store.BytesWritten())
}

// ensureStore opens the destination on first use. Caller holds mu (or owns f exclusively).
func (f *file) ensureStore() error {
	if f.store != nil {
		return nil
	}
	var backend fragment.Backend
	if f.e.cfg.InMemory {
		backend = fragment.NewMemBackend()
	} else {
		if _, err := f.e.mapper.EnsureDir(f.id); err != nil {
			return fmt.Errorf("%w: create directory for %s: %v", ErrIOFault, f.id, err)
		}
		fb, err := fragment.OpenFileBackend(f.path)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrIOFault, err)
		}
		backend = fb
	}
	f.store = fragment.NewStore(f.id, backend)
	if f.e.cfg.Resume && !f.e.cfg.InMemory && f.sidecar == nil {
		f.sidecar = fragment.NewSidecar(fragment.SidecarPath(f.e.sidecarDir(), f.id), f.id)
	}
	return nil
}

func (f *file) fragment(off uint64, data []byte) error {
	f.mu.Lock()
	switch f.state {
	case StateComplete, StateCorrupt:
		state := f.state
		f.mu.Unlock()
		f.e.logger.Debug("ignoring fragment for settled file", "file", f.id, "offset", off, "state", state)
		return nil
	}
	if f.retired {
		f.mu.Unlock()
		return ErrClosed
	}
	md := f.e.tracker.Get(f.id)
	if md.HasSize && off+uint64(len(data)) > md.Size {
		f.mu.Unlock()
		return fmt.Errorf("%w: %s fragment [%d,%d) beyond size %d", ErrOffsetOutOfRange, f.id, off, off+uint64(len(data)), md.Size)
	}
	if err := f.ensureStore(); err != nil {
		f.fault = err
		snap := f.snapshotLocked()
		f.mu.Unlock()
		f.e.notify(snap)
		return err
	}
	changed := f.state == StatePending
	if changed {
		f.state = StateReceiving
	}
	f.lastActivity = f.e.cfg.Now()
	f.mu.Unlock()

	if len(data) == 0 {
		return nil
	}
	if err := f.enqueue(job{off: off, data: data}); err != nil {
		return err
	}

	f.mu.Lock()
	if f.state == StateComplete || f.state == StateCorrupt {
		f.mu.Unlock()
		return nil
	}
	f.store.Accept(off, len(data))
	changed = f.evaluate() || changed
	snap := f.snapshotLocked()
	f.mu.Unlock()
	if changed {
		f.e.notify(snap)
	}
	return nil
}

func (f *file) setSize(size uint64) error {
	f.mu.Lock()
	if f.state == StateComplete || f.state == StateCorrupt {
		cur, state := f.e.tracker.Get(f.id), f.state
		f.mu.Unlock()
		if !cur.HasSize || cur.Size != size {
			f.e.logger.Warn("ignoring size change for settled file", "file", f.id, "size", size, "state", state)
		}
		return nil
	}
	if f.retired {
		f.mu.Unlock()
		return ErrClosed
	}
	f.e.tracker.SetSize(f.id, size)
	f.lastActivity = f.e.cfg.Now()
	changed := f.state == StatePending
	if changed {
		f.state = StateReceiving
	}
	needTruncate := f.store != nil && f.store.AcceptedTotal() > f.store.Accepted(size)
	f.mu.Unlock()

	if needTruncate {
		if err := f.enqueue(job{truncate: true, off: size}); err != nil {
			return err
		}
	}

	f.mu.Lock()
	changed = f.evaluate() || changed
	snap := f.snapshotLocked()
	f.mu.Unlock()
	if changed {
		f.e.notify(snap)
	}
	return nil
}

func (f *file) setCRC(crc uint32) error {
	f.mu.Lock()
	if f.state == StateComplete || f.state == StateCorrupt {
		f.mu.Unlock()
		return nil
	}
	if f.retired {
		f.mu.Unlock()
		return ErrClosed
	}
	f.e.tracker.SetCRC(f.id, crc)
	f.lastActivity = f.e.cfg.Now()
	changed := f.state == StatePending
	if changed {
		f.state = StateReceiving
	}
	changed = f.evaluate() || changed
	snap := f.snapshotLocked()
	f.mu.Unlock()
	if changed {
		f.e.notify(snap)
	}
	return nil
}

// enqueue hands a job to the writer, waiting at most WriteTimeout for queue space.
func (f *file) enqueue(j job) error {
	select {
	case f.jobs <- j:
		return nil
	default:
	}
	timer := time.NewTimer(f.e.cfg.WriteTimeout)
	defer timer.Stop()
	select {
	case f.jobs <- j:
		return nil
	case <-f.stop:
		return ErrClosed
	case <-timer.C:
		err := fmt.Errorf("%w: %s write queue full for %s", ErrIOFault, f.id, f.e.cfg.WriteTimeout)
		f.setFault(err)
		return err
	}
}

// evaluate applies the Receiving <-> Verifying transitions and schedules
// verification once size and crc are both known. Caller holds mu.
// It reports whether the state changed.
func (f *file) evaluate() bool {
	if f.state != StateReceiving && f.state != StateVerifying {
		return false
	}
	md := f.e.tracker.Get(f.id)
	if !md.HasSize {
		return false
	}
	covered := md.Size == 0 || (f.store != nil && f.store.AcceptedCovers(md.Size))
	changed := false
	switch {
	case !covered && f.state == StateVerifying:
		f.state = StateReceiving
		changed = true
	case covered && f.state == StateReceiving:
		f.state = StateVerifying
		changed = true
	}
	if f.state == StateVerifying && md.HasCRC {
		select {
		case f.verifyCh <- struct{}{}:
		default:
		}
	}
	return changed
}

func (f *file) run() {
	defer close(f.done)
	for {
		select {
		case <-f.stop:
			return
		case j := <-f.jobs:
			f.apply(j)
		case <-f.verifyCh:
			f.drain()
			f.verify()
		}
	}
}

func (f *file) drain() {
	for {
		select {
		case j := <-f.jobs:
			f.apply(j)
		default:
			return
		}
	}
}

func (f *file) apply(j job) {
	f.mu.Lock()
	store, state := f.store, f.state
	f.mu.Unlock()
	if store == nil || state == StateComplete {
		return
	}

	if j.truncate {
		if err := store.Truncate(j.off); err != nil {
			f.setFault(fmt.Errorf("%w: %v", ErrIOFault, err))
			return
		}
		f.mu.Lock()
		f.gen++
		f.mu.Unlock()
		return
	}

	res := f.write(store, j)
	if res.err != nil {
		f.setFault(fmt.Errorf("%w: %v", ErrIOFault, res.err))
		return
	}

	f.mu.Lock()
	cleared := f.fault != nil
	f.fault = nil
	if res.wrote {
		f.gen++
		f.sinceSidecar++
	}
	flushSidecar := f.sidecar != nil && f.sinceSidecar >= f.e.cfg.SidecarEvery
	if flushSidecar {
		f.sinceSidecar = 0
	}
	changed := f.evaluate()
	snap := f.snapshotLocked()
	f.mu.Unlock()

	if flushSidecar {
		f.persist()
	}
	if cleared || changed {
		f.e.notify(snap)
	}
}

// write performs one disk write bounded by WriteTimeout.
func (f *file) write(store *fragment.Store, j job) writeResult {
	timeout := f.e.cfg.WriteTimeout
	if timeout <= 0 {
		wrote, err := store.Write(j.off, j.data)
		return writeResult{wrote: wrote, err: err}
	}
	done := make(chan writeResult, 1)
	go func() {
		wrote, err := store.Write(j.off, j.data)
		done <- writeResult{wrote: wrote, err: err}
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-done:
		return res
	case <-timer.C:
		return writeResult{err: fmt.Errorf("write %s at %d timed out after %s", f.id, j.off, timeout)}
	}
}

// verify computes the checksum of the materialized file and settles the state.
func (f *file) verify() {
	f.mu.Lock()
	md := f.e.tracker.Get(f.id)
	if f.state != StateVerifying || !md.HasSize || !md.HasCRC {
		f.mu.Unlock()
		return
	}
	if err := f.ensureStore(); err != nil {
		f.fault = err
		snap := f.snapshotLocked()
		f.mu.Unlock()
		f.e.notify(snap)
		return
	}
	store, gen := f.store, f.gen
	f.mu.Unlock()

	if !store.WrittenCovers(md.Size) {
		// a failed write left a hole; re-delivery of the fragment retries it
		f.setFault(fmt.Errorf("%w: %s has unflushed ranges", ErrIOFault, f.id))
		return
	}
	if err := store.Truncate(md.Size); err != nil {
		f.setFault(fmt.Errorf("%w: %v", ErrIOFault, err))
		return
	}
	sum, err := store.Checksum(md.Size)
	if err != nil {
		f.setFault(fmt.Errorf("%w: checksum %s: %v", ErrIOFault, f.id, err))
		return
	}

	f.mu.Lock()
	cur := f.e.tracker.Get(f.id)
	if f.gen != gen || f.state != StateVerifying || cur != md {
		// accepted data or metadata moved while hashing
		changed := f.evaluate()
		snap := f.snapshotLocked()
		f.mu.Unlock()
		if changed {
			f.e.notify(snap)
		}
		return
	}
	if sum == md.CRC {
		f.state = StateComplete
		f.completions++
		f.fault = nil
	} else {
		f.state = StateCorrupt
		f.fault = fmt.Errorf("%w: %s crc %08x, expected %08x", ErrChecksumMismatch, f.id, sum, md.CRC)
	}
	state := f.state
	snap := f.snapshotLocked()
	f.mu.Unlock()

	if state == StateComplete {
		if err := store.Sync(); err != nil {
			f.e.logger.Warn("sync after completion failed", "file", f.id, "error", err)
		}
		if f.sidecar != nil {
			if err := f.sidecar.Remove(); err != nil {
				f.e.logger.Warn("remove resume sidecar failed", "file", f.id, "error", err)
			}
		}
		if err := store.Close(); err != nil {
			f.e.logger.Warn("close after completion failed", "file", f.id, "error", err)
		}
		f.e.logger.Info("file complete", "file", f.id, "size", md.Size, "crc", fmt.Sprintf("%08x", md.CRC))
	} else {
		f.persist()
		f.e.logger.Warn("file corrupt", "file", f.id, "error", snap.Fault)
	}
	f.e.notify(snap)
}

func (f *file) setFault(err error) {
	f.mu.Lock()
	f.fault = err
	snap := f.snapshotLocked()
	f.mu.Unlock()
	f.e.logger.Warn("file fault", "file", f.id, "error", err)
	f.e.notify(snap)
}

// persist writes the resume sidecar with the current flushed ranges.
func (f *file) persist() {
	f.mu.Lock()
	sc, store := f.sidecar, f.store
	f.mu.Unlock()
	if sc == nil || store == nil {
		return
	}
	md := f.e.tracker.Get(f.id)
	sc.Update(store.Written(), md.Size, md.HasSize, md.CRC, md.HasCRC)
	if err := sc.Flush(); err != nil {
		f.e.logger.Warn("flush resume sidecar failed", "file", f.id, "error", err)
	}
}

// retire stops the writer after draining queued writes and closes the destination.
func (f *file) retire() error {
	f.mu.Lock()
	if f.retired {
		f.mu.Unlock()
		return nil
	}
	f.retired = true
	f.mu.Unlock()

	close(f.stop)
	<-f.done
	f.drain()

	f.mu.Lock()
	store, state := f.store, f.state
	f.mu.Unlock()
	if store == nil || state == StateComplete {
		return nil
	}
	if state != StateCorrupt {
		f.persist()
	}
	if err := store.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", ErrIOFault, f.id, err)
	}
	return nil
}

func (f *file) idleSince() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastActivity
}

func (f *file) snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshotLocked()
}

func (f *file) snapshotLocked() Snapshot {
	md := f.e.tracker.Get(f.id)
	s := Snapshot{
		FileID:       f.id,
		Path:         f.path,
		State:        f.state,
		Size:         md.Size,
		HasSize:      md.HasSize,
		CRC:          md.CRC,
		HasCRC:       md.HasCRC,
		Fault:        f.fault,
		LastActivity: f.lastActivity,
		Completions:  f.completions,
	}
	if f.store != nil {
		s.Ranges = f.store.Ranges()
		s.BytesWritten = f.store.BytesWritten()
	}
	return s
}
