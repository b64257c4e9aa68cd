package session

import (
	"fmt"
	"strconv"
	"strings"
)

// maxMIDLen bounds the message identifier a proposal may carry.
const maxMIDLen = 12

// Proposal is one FC line: an offer to transmit a message of known sizes.
// Kind and Flag are preserved verbatim, the sizes drive batch validation.
type Proposal struct {
	Kind             string
	MID              string
	UncompressedSize int
	CompressedSize   int
	Flag             string
}

// ParseProposal reads an "FC <kind> <mid> <uncompressed> <compressed> <flag>"
// line.
func ParseProposal(line string) (Proposal, error) {
	fields := strings.Fields(line)
	if len(fields) != 6 || fields[0] != "FC" {
		return Proposal{}, fmt.Errorf("proposal needs 6 fields, got %d", len(fields))
	}
	mid := fields[2]
	if len(mid) > maxMIDLen || !printableASCII(mid) {
		return Proposal{}, fmt.Errorf("bad mid %q", mid)
	}
	unc, err := strconv.Atoi(fields[3])
	if err != nil || unc < 0 {
		return Proposal{}, fmt.Errorf("bad uncompressed size %q", fields[3])
	}
	cmp, err := strconv.Atoi(fields[4])
	if err != nil || cmp < 0 {
		return Proposal{}, fmt.Errorf("bad compressed size %q", fields[4])
	}
	return Proposal{
		Kind:             fields[1],
		MID:              mid,
		UncompressedSize: unc,
		CompressedSize:   cmp,
		Flag:             fields[5],
	}, nil
}

func printableASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x21 || s[i] > 0x7E {
			return false
		}
	}
	return true
}

// SID identifies the peer software from its bracketed hello line.
type SID struct {
	Author   string
	Version  string
	Features string
}

// ParseSID reads "[author-version-features]". With only two segments the
// second is the feature set; extra inner segments join into the version.
func ParseSID(line string) SID {
	inner := strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(line), "["), "]")
	parts := strings.Split(inner, "-")
	switch {
	case len(parts) >= 3:
		return SID{
			Author:   parts[0],
			Version:  strings.Join(parts[1:len(parts)-1], "-"),
			Features: parts[len(parts)-1],
		}
	case len(parts) == 2:
		return SID{Author: parts[0], Features: parts[1]}
	default:
		return SID{Author: inner}
	}
}
