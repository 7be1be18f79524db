package sync

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/xxh3"
)

const (
	// BlockSize is the fixed delta-matching block size. The last block
	// of a file may be shorter.
	BlockSize = 64 * 1024

	// blockDigestThreshold is the minimum file size for which per-block
	// digests are recorded. Smaller files always transfer whole.
	blockDigestThreshold = 4 * 1024
)

// BlockDigest identifies one fixed-size content block. Weak is a rolling
// checksum used to cheaply locate match candidates; Hi/Lo hold the
// strong 128-bit digest that confirms them.
type BlockDigest struct {
	Weak   uint32
	Hi, Lo uint64
}

func blockDigestOf(b []byte) BlockDigest {
	sum := xxh3.Hash128(b)
	return BlockDigest{
		Weak: weakSum(b),
		Hi:   sum.Hi,
		Lo:   sum.Lo,
	}
}

func fingerprintBytes(b []byte) string {
	sum := xxh3.Hash128(b).Bytes()
	return hex.EncodeToString(sum[:])
}

// hashReader consumes r, returning the whole-content fingerprint, the
// per-block digests (nil when fewer than blockDigestThreshold bytes were
// read and withBlocks is set accordingly) and the number of bytes read.
// Cancellation is checked between blocks.
func hashReader(ctx context.Context, r io.Reader, withBlocks bool) (string, []BlockDigest, int64, error) {
	h := xxh3.New()
	var blocks []BlockDigest
	var total int64

	buf := make([]byte, BlockSize)
	for {
		if err := ctx.Err(); err != nil {
			return "", nil, total, err
		}

		n, err := io.ReadFull(r, buf)
		if n > 0 {
			total += int64(n)
			h.Write(buf[:n])
			if withBlocks {
				blocks = append(blocks, blockDigestOf(buf[:n]))
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return "", nil, total, err
		}
	}

	if total < blockDigestThreshold {
		blocks = nil
	}

	sum := h.Sum128().Bytes()
	return hex.EncodeToString(sum[:]), blocks, total, nil
}

// ReaderTransform optionally wraps a reader, e.g. to decrypt at-rest
// content before hashing or delta matching. Nil means identity.
type ReaderTransform func(io.Reader) (io.Reader, error)

// hashFile hashes the content of path, applying the optional reader
// transform first.
func hashFile(ctx context.Context, path string, decrypt ReaderTransform) (string, []BlockDigest, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", nil, 0, err
	}
	defer f.Close()

	var r io.Reader = f
	if decrypt != nil {
		if r, err = decrypt(f); err != nil {
			return "", nil, 0, fmt.Errorf("wrap reader: %w", err)
		}
	}

	return hashReader(ctx, r, true)
}

// encodeBlocks packs block digests for storage in the fingerprint index.
func encodeBlocks(blocks []BlockDigest) []byte {
	out := make([]byte, 0, len(blocks)*20)
	var tmp [20]byte
	for _, b := range blocks {
		binary.BigEndian.PutUint32(tmp[0:4], b.Weak)
		binary.BigEndian.PutUint64(tmp[4:12], b.Hi)
		binary.BigEndian.PutUint64(tmp[12:20], b.Lo)
		out = append(out, tmp[:]...)
	}
	return out
}

func decodeBlocks(data []byte) ([]BlockDigest, error) {
	if len(data)%20 != 0 {
		return nil, fmt.Errorf("corrupt block digest blob: %d bytes", len(data))
	}
	blocks := make([]BlockDigest, 0, len(data)/20)
	for off := 0; off < len(data); off += 20 {
		blocks = append(blocks, BlockDigest{
			Weak: binary.BigEndian.Uint32(data[off : off+4]),
			Hi:   binary.BigEndian.Uint64(data[off+4 : off+12]),
			Lo:   binary.BigEndian.Uint64(data[off+12 : off+20]),
		})
	}
	return blocks, nil
}
