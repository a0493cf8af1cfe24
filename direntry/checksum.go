package direntry

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
)

// checksumChunk is the read buffer size; it need not be a multiple of
// 8, Checksum carries any partial trailing word across reads.
const checksumChunk = 64 * 1024

// Checksum computes the additive checksum described in spec §4.3: the
// file body is summed in big-endian 8-byte words, with the final short
// word zero-padded (at its low-order/trailing end) before addition.
// The result wraps naturally in 64 bits; it is an integrity indicator,
// not a cryptographic digest.
func Checksum(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrapf(err, "direntry: checksum open %s", path)
	}
	defer f.Close()

	var sum uint64
	var pending [8]byte
	pendingLen := 0
	buf := make([]byte, checksumChunk)

	for {
		n, err := f.Read(buf)
		if n > 0 {
			data := buf[:n]
			if pendingLen > 0 {
				take := 8 - pendingLen
				if take > len(data) {
					take = len(data)
				}
				copy(pending[pendingLen:], data[:take])
				pendingLen += take
				data = data[take:]
				if pendingLen == 8 {
					sum += binary.BigEndian.Uint64(pending[:])
					pendingLen = 0
				}
			}
			for len(data) >= 8 {
				sum += binary.BigEndian.Uint64(data[:8])
				data = data[8:]
			}
			if len(data) > 0 {
				pendingLen = copy(pending[:], data)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, errors.Wrapf(err, "direntry: checksum read %s", path)
		}
	}

	if pendingLen > 0 {
		var word [8]byte
		copy(word[:], pending[:pendingLen])
		sum += binary.BigEndian.Uint64(word[:])
	}

	return sum, nil
}
