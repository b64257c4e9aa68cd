// Package b2 implements the B2 binary message frame used by the FBB
// forwarding protocol. A frame carries one compressed message image:
//
//	SOH  len  subject NUL offset NUL        header block, len bytes
//	[STX 0x06 b0..b5]                       lead block, only when offset > 0
//	{STX blklen data}                       data blocks, blklen <= 250
//	EOT  checksum
//
// The checksum byte is the two's complement of the low byte of the sum of
// every byte of the compressed image. The image itself is an lzhuf B2
// stream whose bytes 2..5 hold the decompressed size as little-endian
// uint32.
package b2

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	soh = 0x01
	stx = 0x02
	eot = 0x04

	// MaxBlock is the largest data block a frame may carry. Length bytes
	// above it collide with the control range and are rejected.
	MaxBlock = 250

	leadLen = 6
)

var (
	ErrFormat       = errors.New("b2: malformed frame")
	ErrChecksum     = errors.New("b2: checksum mismatch")
	ErrSizeMismatch = errors.New("b2: size mismatch")
	ErrDecompress   = errors.New("b2: decompress failed")

	// ErrIncomplete reports that the buffer holds a valid prefix of a
	// frame but ends before the frame does. Callers read more bytes and
	// parse again.
	ErrIncomplete = errors.New("b2: incomplete frame")
)

// Frame is one decoded B2 frame.
type Frame struct {
	Subject    string
	Offset     int
	Compressed []byte
	Checksum   byte
}

// Parse decodes the first frame in buf. It returns the frame and the index
// of the first byte after it, so several frames in one buffer can be walked
// without copying. ErrIncomplete means buf is a valid prefix and more bytes
// are needed; any other error means the stream is unrecoverable.
func Parse(buf []byte) (*Frame, int, error) {
	if len(buf) == 0 {
		return nil, 0, ErrIncomplete
	}
	if buf[0] != soh {
		return nil, 0, fmt.Errorf("%w: expected SOH, got 0x%02X", ErrFormat, buf[0])
	}
	if len(buf) < 2 {
		return nil, 0, ErrIncomplete
	}
	hdrLen := int(buf[1])
	if len(buf) < 2+hdrLen {
		return nil, 0, ErrIncomplete
	}
	subject, offset, err := splitHeader(buf[2 : 2+hdrLen])
	if err != nil {
		return nil, 0, err
	}
	i := 2 + hdrLen

	var compressed []byte
	if offset != 0 {
		// A continued transfer repeats the first six image bytes in a
		// fixed-size lead block before the regular data blocks.
		if len(buf) < i+2 {
			return nil, 0, ErrIncomplete
		}
		if buf[i] != stx || buf[i+1] != leadLen {
			return nil, 0, fmt.Errorf("%w: missing lead block at offset %d", ErrFormat, i)
		}
		if len(buf) < i+2+leadLen {
			return nil, 0, ErrIncomplete
		}
		compressed = append(compressed, buf[i+2:i+2+leadLen]...)
		i += 2 + leadLen
	}

	for {
		if i >= len(buf) {
			return nil, 0, ErrIncomplete
		}
		switch buf[i] {
		case stx:
			if len(buf) < i+2 {
				return nil, 0, ErrIncomplete
			}
			n := int(buf[i+1])
			if n > MaxBlock {
				return nil, 0, fmt.Errorf("%w: block length %d", ErrFormat, n)
			}
			if len(buf) < i+2+n {
				return nil, 0, ErrIncomplete
			}
			compressed = append(compressed, buf[i+2:i+2+n]...)
			i += 2 + n
		case eot:
			if len(buf) < i+2 {
				return nil, 0, ErrIncomplete
			}
			sum := buf[i+1]
			if got := Checksum(compressed); got != sum {
				return nil, 0, fmt.Errorf("%w: got 0x%02X, want 0x%02X", ErrChecksum, got, sum)
			}
			f := &Frame{
				Subject:    subject,
				Offset:     offset,
				Compressed: compressed,
				Checksum:   sum,
			}
			return f, i + 2, nil
		default:
			return nil, 0, fmt.Errorf("%w: expected STX or EOT, got 0x%02X at %d", ErrFormat, buf[i], i)
		}
	}
}

// splitHeader takes the frame header block apart. Anything after the second
// NUL is ignored, which some senders use for padding.
func splitHeader(hdr []byte) (subject string, offset int, err error) {
	first := -1
	second := -1
	for i, b := range hdr {
		if b != 0 {
			continue
		}
		if first < 0 {
			first = i
		} else {
			second = i
			break
		}
	}
	if first < 0 || second < 0 {
		return "", 0, fmt.Errorf("%w: header missing NUL separators", ErrFormat)
	}
	offset, err = strconv.Atoi(string(hdr[first+1 : second]))
	if err != nil || offset < 0 {
		return "", 0, fmt.Errorf("%w: bad offset %q", ErrFormat, hdr[first+1:second])
	}
	return string(hdr[:first]), offset, nil
}

// Checksum computes the frame trailer byte for a compressed image.
func Checksum(p []byte) byte {
	var sum byte
	for _, b := range p {
		sum += b
	}
	return -sum
}

// DeclaredUncompressed reads the decompressed size the lzhuf image declares
// about itself. ok is false when the image is too short to carry one.
func (f *Frame) DeclaredUncompressed() (size uint32, ok bool) {
	if len(f.Compressed) < leadLen {
		return 0, false
	}
	c := f.Compressed
	return uint32(c[2]) | uint32(c[3])<<8 | uint32(c[4])<<16 | uint32(c[5])<<24, true
}

// Validate cross-checks the frame against the sizes its proposal announced.
func (f *Frame) Validate(compressedSize, uncompressedSize int) error {
	if len(f.Compressed) != compressedSize {
		return fmt.Errorf("%w: image is %d bytes, proposal said %d",
			ErrSizeMismatch, len(f.Compressed), compressedSize)
	}
	declared, ok := f.DeclaredUncompressed()
	if !ok {
		return fmt.Errorf("%w: image too short for size field", ErrFormat)
	}
	if int(declared) != uncompressedSize {
		return fmt.Errorf("%w: image declares %d bytes, proposal said %d",
			ErrSizeMismatch, declared, uncompressedSize)
	}
	return nil
}

// Compose builds the wire form of a frame around a compressed image. It is
// the inverse of Parse and exists mostly for tests and future outbound
// forwarding.
func Compose(subject string, offset int, image []byte) ([]byte, error) {
	if offset < 0 {
		return nil, fmt.Errorf("%w: negative offset", ErrFormat)
	}
	if strings.IndexByte(subject, 0) >= 0 {
		return nil, fmt.Errorf("%w: NUL in subject", ErrFormat)
	}
	hdr := make([]byte, 0, len(subject)+8)
	hdr = append(hdr, subject...)
	hdr = append(hdr, 0)
	hdr = append(hdr, strconv.Itoa(offset)...)
	hdr = append(hdr, 0)
	if len(hdr) > 0xFF {
		return nil, fmt.Errorf("%w: header block %d bytes", ErrFormat, len(hdr))
	}

	out := make([]byte, 0, len(hdr)+len(image)+len(image)/MaxBlock*2+8)
	out = append(out, soh, byte(len(hdr)))
	out = append(out, hdr...)

	rest := image
	if offset != 0 {
		if len(image) < leadLen {
			return nil, fmt.Errorf("%w: image too short for lead block", ErrFormat)
		}
		out = append(out, stx, leadLen)
		out = append(out, image[:leadLen]...)
		rest = image[leadLen:]
	}
	for len(rest) > 0 {
		n := len(rest)
		if n > MaxBlock {
			n = MaxBlock
		}
		out = append(out, stx, byte(n))
		out = append(out, rest[:n]...)
		rest = rest[n:]
	}
	out = append(out, eot, Checksum(image))
	return out, nil
}
