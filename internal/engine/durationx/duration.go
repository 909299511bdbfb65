// Package durationx parses the duration-string grammar used by the
// original dfns configuration surface ("30s", "5m", "1h", "0.5s", "1d",
// "1w"), which time.ParseDuration does not cover since the standard
// library has no day/week unit.
package durationx

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var pattern = regexp.MustCompile(`^(\d+(?:\.\d*)?)([smhdw])$`)

// Parse converts a duration string into a time.Duration. Accepted units
// are s(econds), m(inutes), h(ours), d(ays), w(eeks); the numeric part
// may be a float for sub-unit precision ("0.5s").
func Parse(s string) (time.Duration, error) {
	m := pattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("durationx: invalid duration %q", s)
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("durationx: invalid duration %q: %w", s, err)
	}
	var unit time.Duration
	switch m[2] {
	case "s":
		unit = time.Second
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	case "d":
		unit = 24 * time.Hour
	case "w":
		unit = 7 * 24 * time.Hour
	}
	return time.Duration(n * float64(unit)), nil
}

// MustParse is Parse but panics on error; used for package-level defaults
// where the input is a compile-time literal.
func MustParse(s string) time.Duration {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}
