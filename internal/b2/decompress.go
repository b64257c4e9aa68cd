package b2

import (
	"bytes"
	"fmt"
	"io"

	"github.com/la5nta/wl2k-go/lzhuf"
)

// Decompressor expands an lzhuf B2 image into message bytes. The session
// engine takes one as a dependency so tests can substitute a trivial codec.
type Decompressor func(image []byte) ([]byte, error)

// Decompress expands a B2 lzhuf image.
func Decompress(image []byte) ([]byte, error) {
	r, err := lzhuf.NewB2Reader(bytes.NewReader(image))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompress, err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompress, err)
	}
	return out, nil
}

// Expand runs codec over the frame image and checks the result against the
// size the proposal announced. A nil codec means Decompress.
func Expand(f *Frame, uncompressedSize int, codec Decompressor) ([]byte, error) {
	if codec == nil {
		codec = Decompress
	}
	out, err := codec(f.Compressed)
	if err != nil {
		return nil, err
	}
	if len(out) != uncompressedSize {
		return nil, fmt.Errorf("%w: decompressed to %d bytes, proposal said %d",
			ErrSizeMismatch, len(out), uncompressedSize)
	}
	return out, nil
}
