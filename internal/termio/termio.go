// Package termio serializes terminal output through background writers so a
// stalled terminal never blocks the update path.
package termio

import (
	"io"
	"os"
	"sync"
)

// Writer copies each write onto a queue drained by one goroutine.
type Writer struct {
	file *os.File
	ch   chan []byte

	mu      sync.Mutex
	pending sync.WaitGroup
}

// NewWriter starts a background writer for f with room for depth queued writes.
func NewWriter(f *os.File, depth int) *Writer {
	if depth <= 0 {
		depth = 1024
	}
	w := &Writer{file: f, ch: make(chan []byte, depth)}
	go w.drain()
	return w
}

func (w *Writer) drain() {
	for buf := range w.ch {
		_, _ = w.file.Write(buf)
		w.pending.Done()
	}
}

func (w *Writer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	w.mu.Lock()
	w.pending.Add(1)
	w.mu.Unlock()
	w.ch <- buf
	return len(p), nil
}

// Flush blocks until every queued write has reached the file.
func (w *Writer) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending.Wait()
}

// File returns the underlying file, used for terminal detection.
func (w *Writer) File() *os.File {
	return w.file
}

var (
	once           sync.Once
	stdout, stderr *Writer
)

func initStd() {
	once.Do(func() {
		stdout = NewWriter(os.Stdout, 1024)
		stderr = NewWriter(os.Stderr, 1024)
	})
}

func Stdout() io.Writer {
	initStd()
	return stdout
}

func Stderr() io.Writer {
	initStd()
	return stderr
}

// Flush drains both standard writers. Call it before the process exits.
func Flush() {
	initStd()
	stdout.Flush()
	stderr.Flush()
}
