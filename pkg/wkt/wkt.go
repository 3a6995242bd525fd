// Package wkt converts point and line geometries to and from the
// well-known text form exchanged with PostGIS.
package wkt

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/kass/go-geo-subset/pkg/models"
)

// ErrShortLineString is returned when a line string is requested for
// fewer than two points.
var ErrShortLineString = errors.New("wkt: line string needs at least two points")

// MalformedGeometryError reports well-known text that could not be
// decoded. The offending text is preserved for diagnostics.
type MalformedGeometryError struct {
	WKT    string
	Reason string
}

func (e *MalformedGeometryError) Error() string {
	return fmt.Sprintf("wkt: malformed geometry %q: %s", e.WKT, e.Reason)
}

// IsMalformed reports whether err is a malformed geometry error.
func IsMalformed(err error) bool {
	var m *MalformedGeometryError
	return errors.As(err, &m)
}

func malformed(wkt, reason string) error {
	return &MalformedGeometryError{WKT: wkt, Reason: reason}
}

// EncodePoint renders a 2D point as well-known text at full precision:
// decoding the result returns exactly the encoded coordinates.
func EncodePoint(x, y float64) string {
	var b strings.Builder
	b.WriteString("POINT(")
	writeCoord(&b, x, y)
	b.WriteByte(')')
	return b.String()
}

// DecodePoint parses the well-known text of a single 2D point. The type
// token is matched case-insensitively and whitespace between tokens is
// tolerated.
func DecodePoint(s string) (x, y float64, err error) {
	orig := s
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, 0, malformed(orig, "empty input")
	}
	rest, ok := trimPrefixFold(s, "POINT")
	if !ok {
		return 0, 0, malformed(orig, "not a point")
	}
	rest = strings.TrimSpace(rest)
	switch {
	case strings.HasPrefix(rest, "("):
	case strings.EqualFold(rest, "EMPTY"):
		return 0, 0, malformed(orig, "empty point has no coordinates")
	case hasDimensionToken(rest):
		return 0, 0, malformed(orig, "only 2D points are supported")
	default:
		return 0, 0, malformed(orig, "missing coordinate list")
	}
	end := strings.IndexByte(rest, ')')
	if end < 0 {
		return 0, 0, malformed(orig, "unterminated coordinate list")
	}
	if strings.TrimSpace(rest[end+1:]) != "" {
		return 0, 0, malformed(orig, "trailing characters after coordinate list")
	}
	fields := strings.Fields(rest[1:end])
	if len(fields) != 2 {
		return 0, 0, malformed(orig, fmt.Sprintf("want one coordinate pair, got %d values", len(fields)))
	}
	x, err = strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, 0, malformed(orig, fmt.Sprintf("bad x coordinate %q", fields[0]))
	}
	y, err = strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return 0, 0, malformed(orig, fmt.Sprintf("bad y coordinate %q", fields[1]))
	}
	return x, y, nil
}

// EncodeStep renders a movement step as a two-point LINESTRING.
func EncodeStep(s models.Step) string {
	var b strings.Builder
	b.WriteString("LINESTRING(")
	writeCoord(&b, s.From.X, s.From.Y)
	b.WriteString(", ")
	writeCoord(&b, s.To.X, s.To.Y)
	b.WriteByte(')')
	return b.String()
}

// EncodeLineString renders a point sequence as a LINESTRING.
func EncodeLineString(points []models.Point) (string, error) {
	if len(points) < 2 {
		return "", ErrShortLineString
	}
	var b strings.Builder
	b.WriteString("LINESTRING(")
	for i, p := range points {
		if i > 0 {
			b.WriteString(", ")
		}
		writeCoord(&b, p.X, p.Y)
	}
	b.WriteByte(')')
	return b.String(), nil
}

func writeCoord(b *strings.Builder, x, y float64) {
	b.WriteString(formatCoord(x))
	b.WriteByte(' ')
	b.WriteString(formatCoord(y))
}

// formatCoord uses the shortest decimal form that parses back to the
// same float64.
func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func trimPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return s, false
	}
	return s[len(prefix):], true
}

func hasDimensionToken(s string) bool {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return false
	}
	tok := strings.ToUpper(strings.SplitN(fields[0], "(", 2)[0])
	return tok == "Z" || tok == "M" || tok == "ZM"
}
