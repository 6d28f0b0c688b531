package reassembly

import (
	"errors"
	"time"

	"github.com/sheerbytes/kbsync/internal/fragment"
	"github.com/sheerbytes/kbsync/internal/keyspace"
)

// State is the reassembly state of one file.
type State int

const (
	StatePending State = iota
	StateReceiving
	StateVerifying
	StateComplete
	StateCorrupt
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateReceiving:
		return "receiving"
	case StateVerifying:
		return "verifying"
	case StateComplete:
		return "complete"
	case StateCorrupt:
		return "corrupt"
	default:
		return "unknown"
	}
}

var (
	ErrMalformedKey     = keyspace.ErrMalformedKey
	ErrPathEscape       = keyspace.ErrPathEscape
	ErrOffsetOutOfRange = keyspace.ErrOffsetOutOfRange

	// ErrMalformedValue indicates a value of the wrong kind or range for its key
	ErrMalformedValue = errors.New("malformed value")
	// ErrIOFault indicates a destination write, create or flush failure; the file stays retry-eligible
	ErrIOFault = errors.New("io fault")
	// ErrChecksumMismatch indicates the reassembled file does not match the announced crc
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrClosed indicates the engine has been closed
	ErrClosed = errors.New("engine closed")
)

// Snapshot is a point-in-time copy of a file's reassembly state.
type Snapshot struct {
	FileID  string
	Path    string
	State   State
	Size    uint64
	HasSize bool
	CRC     uint32
	HasCRC  bool

	// Ranges are the merged accepted intervals.
	Ranges []fragment.Interval
	// BytesWritten is the sum of interval lengths flushed to the destination.
	BytesWritten uint64

	Fault        error
	LastActivity time.Time
	Completions  int
}

// Accepted returns the accepted byte count within [0, size).
func (s Snapshot) Accepted(size uint64) uint64 {
	var n uint64
	for _, iv := range s.Ranges {
		if iv.Start >= size {
			break
		}
		end := iv.End
		if end > size {
			end = size
		}
		n += end - iv.Start
	}
	return n
}
