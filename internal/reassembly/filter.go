package reassembly

import (
	"errors"
	"log/slog"

	"github.com/sheerbytes/kbsync/pkg/protocol"
)

// Hook adapts the engine to a transport's update callback. Keys outside the
// mapping prefix are skipped silently; other errors are logged and dropped so a
// single bad update never stops the stream.
func Hook(e *Engine, logger *slog.Logger) func(protocol.Update) {
	if logger == nil {
		logger = e.logger
	}
	return func(u protocol.Update) {
		err := e.Receive(u)
		switch {
		case err == nil:
		case errors.Is(err, ErrMalformedKey):
			logger.Debug("skipping update", "key", u.Key, "error", err)
		case errors.Is(err, ErrClosed):
		default:
			logger.Warn("update rejected", "key", u.Key, "origin", u.Origin, "error", err)
		}
	}
}
