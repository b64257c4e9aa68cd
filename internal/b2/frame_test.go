package b2

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

// mkImage builds an n-byte pseudo image that declares `declared` as its
// decompressed size, the way a real lzhuf B2 stream does.
func mkImage(declared uint32, n int) []byte {
	if n < leadLen {
		n = leadLen
	}
	img := make([]byte, n)
	rand.Read(img)
	img[2] = byte(declared)
	img[3] = byte(declared >> 8)
	img[4] = byte(declared >> 16)
	img[5] = byte(declared >> 24)
	return img
}

func mustCompose(t *testing.T, subject string, offset int, image []byte) []byte {
	t.Helper()
	wire, err := Compose(subject, offset, image)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	return wire
}

func TestParseRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		subject string
		offset  int
		image   []byte
	}{
		{"small", "Hello World", 0, mkImage(420, 48)},
		{"empty image", "nothing", 0, nil},
		{"empty subject", "", 0, mkImage(1, 6)},
		{"one full block", "exact", 0, mkImage(9000, MaxBlock)},
		{"multi block", "Position Report", 0, mkImage(123456, 700)},
		{"resumed", "continued transfer", 850, mkImage(2000, 300)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wire := mustCompose(t, tc.subject, tc.offset, tc.image)
			f, next, err := Parse(wire)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if next != len(wire) {
				t.Fatalf("next = %d, want %d", next, len(wire))
			}
			if f.Subject != tc.subject {
				t.Fatalf("subject = %q, want %q", f.Subject, tc.subject)
			}
			if f.Offset != tc.offset {
				t.Fatalf("offset = %d, want %d", f.Offset, tc.offset)
			}
			if !bytes.Equal(f.Compressed, tc.image) {
				t.Fatalf("image mismatch: %d bytes vs %d", len(f.Compressed), len(tc.image))
			}
			if f.Checksum != Checksum(tc.image) {
				t.Fatalf("checksum = 0x%02X, want 0x%02X", f.Checksum, Checksum(tc.image))
			}
		})
	}
}

func TestParseWalksBatchedFrames(t *testing.T) {
	images := [][]byte{mkImage(10, 40), mkImage(20, 260), mkImage(30, 6)}
	var blob []byte
	for _, img := range images {
		blob = append(blob, mustCompose(t, "msg", 0, img)...)
	}
	blob = append(blob, 0x7F) // stream garbage after the last frame

	at := 0
	for i, img := range images {
		f, next, err := Parse(blob[at:])
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if !bytes.Equal(f.Compressed, img) {
			t.Fatalf("frame %d image mismatch", i)
		}
		at += next
	}
	if _, _, err := Parse(blob[at:]); !errors.Is(err, ErrFormat) {
		t.Fatalf("trailing garbage err = %v, want ErrFormat", err)
	}
}

// Zero-length data blocks contribute nothing but are legal on the wire;
// Compose never emits them, so the frame is assembled by hand.
func TestParseEmptyBlock(t *testing.T) {
	wire := []byte{
		soh, 4, 's', 0, '0', 0,
		stx, 0,
		stx, 2, 0xAA, 0xBB,
		eot, 0x9B,
	}
	f, next, err := Parse(wire)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if next != len(wire) {
		t.Fatalf("next = %d, want %d", next, len(wire))
	}
	if !bytes.Equal(f.Compressed, []byte{0xAA, 0xBB}) {
		t.Fatalf("image = %v", f.Compressed)
	}
}

func TestParseEveryPrefixIsIncomplete(t *testing.T) {
	wires := [][]byte{
		mustCompose(t, "subject", 0, mkImage(99, 300)),
		mustCompose(t, "resumed", 42, mkImage(99, 30)),
		mustCompose(t, "", 0, nil),
	}
	for wi, wire := range wires {
		for n := 0; n < len(wire); n++ {
			if _, _, err := Parse(wire[:n]); !errors.Is(err, ErrIncomplete) {
				t.Fatalf("wire %d prefix %d: err = %v, want ErrIncomplete", wi, n, err)
			}
		}
	}
}

func TestParseFormatErrors(t *testing.T) {
	lead := func(b ...byte) []byte { return b }
	cases := []struct {
		name string
		buf  []byte
	}{
		{"not SOH", lead(0x7F, 0x01, 0x00)},
		{"header without NULs", lead(soh, 3, 'a', 'b', 'c', eot, 0)},
		{"header one NUL", lead(soh, 3, 'a', 0, '1', eot, 0)},
		{"offset not a number", lead(soh, 5, 'a', 0, '1', 'x', 0, eot, 0)},
		{"offset negative", lead(soh, 5, 'a', 0, '-', '1', 0, eot, 0)},
		{"block too long", append(lead(soh, 4, 'a', 0, '0', 0, stx, 251), make([]byte, 251)...)},
		{"junk control byte", lead(soh, 4, 'a', 0, '0', 0, 0x7F)},
		{"bad lead block", lead(soh, 4, 'a', 0, '7', 0, stx, 5, 1, 2, 3, 4, 5, eot, 0)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := Parse(tc.buf); !errors.Is(err, ErrFormat) {
				t.Fatalf("err = %v, want ErrFormat", err)
			}
		})
	}
}

func TestParseChecksumMismatch(t *testing.T) {
	img := mkImage(77, 120)
	wire := mustCompose(t, "subject", 0, img)

	corrupt := append([]byte(nil), wire...)
	corrupt[len(corrupt)-1]++ // trailer byte
	if _, _, err := Parse(corrupt); !errors.Is(err, ErrChecksum) {
		t.Fatalf("trailer corruption err = %v, want ErrChecksum", err)
	}

	corrupt = append([]byte(nil), wire...)
	corrupt[20]++ // a byte inside the first data block
	if _, _, err := Parse(corrupt); !errors.Is(err, ErrChecksum) {
		t.Fatalf("payload corruption err = %v, want ErrChecksum", err)
	}
}

func TestChecksum(t *testing.T) {
	cases := []struct {
		in   []byte
		want byte
	}{
		{nil, 0x00},
		{[]byte{0x01}, 0xFF},
		{[]byte{0x80, 0x80}, 0x00},
		{[]byte{0x01, 0x02, 0x03}, 0xFA},
	}
	for _, tc := range cases {
		if got := Checksum(tc.in); got != tc.want {
			t.Fatalf("Checksum(% X) = 0x%02X, want 0x%02X", tc.in, got, tc.want)
		}
	}
	img := mkImage(1, 50)
	var sum byte
	for _, b := range img {
		sum += b
	}
	if got := Checksum(img); got+sum != 0 {
		t.Fatalf("Checksum must cancel the byte sum, got 0x%02X for sum 0x%02X", got, sum)
	}
}

func TestDeclaredUncompressed(t *testing.T) {
	f := &Frame{Compressed: mkImage(0xAABBCCDD, 10)}
	size, ok := f.DeclaredUncompressed()
	if !ok || size != 0xAABBCCDD {
		t.Fatalf("DeclaredUncompressed = %d,%v", size, ok)
	}
	short := &Frame{Compressed: []byte{1, 2, 3}}
	if _, ok := short.DeclaredUncompressed(); ok {
		t.Fatalf("short image must not declare a size")
	}
}

func TestValidate(t *testing.T) {
	img := mkImage(500, 80)
	f := &Frame{Compressed: img}

	if err := f.Validate(80, 500); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := f.Validate(81, 500); !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("compressed mismatch err = %v, want ErrSizeMismatch", err)
	}
	if err := f.Validate(80, 501); !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("declared mismatch err = %v, want ErrSizeMismatch", err)
	}
	short := &Frame{Compressed: []byte{1, 2}}
	if err := short.Validate(2, 0); !errors.Is(err, ErrFormat) {
		t.Fatalf("short image err = %v, want ErrFormat", err)
	}
}

func TestExpand(t *testing.T) {
	img := mkImage(4, 20)
	f := &Frame{Compressed: img}

	fake := func(in []byte) ([]byte, error) { return []byte("body"), nil }
	out, err := Expand(f, 4, fake)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if string(out) != "body" {
		t.Fatalf("Expand = %q", out)
	}

	if _, err := Expand(f, 5, fake); !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("size mismatch err = %v, want ErrSizeMismatch", err)
	}

	boom := errors.New("boom")
	broken := func(in []byte) ([]byte, error) { return nil, boom }
	if _, err := Expand(f, 4, broken); !errors.Is(err, boom) {
		t.Fatalf("codec error = %v, want passthrough", err)
	}
}

func TestComposeRejectsBadInput(t *testing.T) {
	if _, err := Compose("a\x00b", 0, nil); !errors.Is(err, ErrFormat) {
		t.Fatalf("NUL subject err = %v, want ErrFormat", err)
	}
	if _, err := Compose("a", -1, nil); !errors.Is(err, ErrFormat) {
		t.Fatalf("negative offset err = %v, want ErrFormat", err)
	}
	if _, err := Compose("a", 7, []byte{1, 2, 3}); !errors.Is(err, ErrFormat) {
		t.Fatalf("short resumed image err = %v, want ErrFormat", err)
	}
}

func BenchmarkParse(b *testing.B) {
	wire, err := Compose("bench", 0, mkImage(4096, 2048))
	if err != nil {
		b.Fatal(err)
	}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, _, err := Parse(wire); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCompose(b *testing.B) {
	img := mkImage(4096, 2048)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := Compose("bench", 0, img); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkParseBatch(b *testing.B) {
	var blob []byte
	for i := 0; i < 8; i++ {
		wire, err := Compose("bench", 0, mkImage(uint32(i), 512))
		if err != nil {
			b.Fatal(err)
		}
		blob = append(blob, wire...)
	}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		at := 0
		for at < len(blob) {
			_, next, err := Parse(blob[at:])
			if err != nil {
				b.Fatal(err)
			}
			at += next
		}
	}
}
