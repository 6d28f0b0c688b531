package fragment

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/sheerbytes/kbsync/internal/bufpool"
	"github.com/zeebo/xxh3"
)

const checksumBufSize = 256 * 1024

var (
	crc32cTable  = crc32.MakeTable(crc32.Castagnoli)
	checksumPool = bufpool.New(checksumBufSize)
)

// Checksum computes the CRC-32 (IEEE) of the first size bytes of r.
// A source shorter than size is an error.
func Checksum(r io.ReaderAt, size uint64) (uint32, error) {
	buf := checksumPool.Get()
	defer checksumPool.Put(buf)

	h := crc32.NewIEEE()
	var off uint64
	for off < size {
		n := uint64(len(buf))
		if size-off < n {
			n = size - off
		}
		read, err := r.ReadAt(buf[:n], int64(off))
		if read > 0 {
			h.Write(buf[:read])
			off += uint64(read)
		}
		if err != nil {
			if errors.Is(err, io.EOF) && off == size {
				break
			}
			if errors.Is(err, io.EOF) {
				return 0, fmt.Errorf("short read at %d of %d: %w", off, size, io.ErrUnexpectedEOF)
			}
			return 0, err
		}
	}
	return h.Sum32(), nil
}

// ChecksumBytes is Checksum over an in-memory payload.
func ChecksumBytes(p []byte) uint32 {
	return crc32.ChecksumIEEE(p)
}

func digest(p []byte) uint64 {
	return xxh3.Hash(p)
}
