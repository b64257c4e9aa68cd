package message

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/golang/geo/s2"
	"github.com/tzneal/coordconv"
)

// Position is a reported station location from an X-Location header.
type Position struct {
	Lat    float64
	Lon    float64
	Source string
}

func (p Position) IsZero() bool { return p.Lat == 0 && p.Lon == 0 }

// Grid returns the MGRS reference for the position, or "" when the
// position is unset or outside the MGRS domain.
func (p Position) Grid() string {
	if p.IsZero() {
		return ""
	}
	coord, err := coordconv.DefaultMGRSConverter.ConvertFromGeodetic(s2.LatLngFromDegrees(p.Lat, p.Lon), 5)
	if err != nil {
		return ""
	}
	return fmt.Sprint(coord)
}

// ParsePosition reads an X-Location value such as
// "37.4418N, 122.0908W (GPS)". The parenthesised source is optional.
func ParsePosition(s string) (Position, error) {
	var p Position
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, "("); i >= 0 && strings.HasSuffix(s, ")") {
		p.Source = strings.TrimSpace(s[i+1 : len(s)-1])
		s = strings.TrimSpace(s[:i])
	}
	latText, lonText, ok := strings.Cut(s, ",")
	if !ok {
		return Position{}, fmt.Errorf("position %q: missing comma", s)
	}
	lat, err := parseCoord(strings.TrimSpace(latText), 'N', 'S')
	if err != nil {
		return Position{}, err
	}
	lon, err := parseCoord(strings.TrimSpace(lonText), 'E', 'W')
	if err != nil {
		return Position{}, err
	}
	p.Lat, p.Lon = lat, lon
	return p, nil
}

// parseCoord reads a decimal degree value with an optional hemisphere
// suffix. A bare signed number is accepted too.
func parseCoord(s string, pos, neg byte) (float64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty coordinate")
	}
	sign := 1.0
	switch s[len(s)-1] {
	case pos:
		s = strings.TrimSpace(s[:len(s)-1])
	case neg:
		sign = -1
		s = strings.TrimSpace(s[:len(s)-1])
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("coordinate %q: %v", s, err)
	}
	return sign * v, nil
}
