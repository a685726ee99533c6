package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that also accepts days (d) and weeks (w) in
// YAML, e.g. cache retention "2w" or "3d12h".
type Duration time.Duration

// Day and Week are the units time.ParseDuration lacks.
const (
	Day  = 24 * time.Hour
	Week = 7 * Day
)

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML writes whole weeks and days in their short form and everything
// else the way time.Duration prints it.
func (d Duration) MarshalYAML() (interface{}, error) {
	v := time.Duration(d)
	switch {
	case v != 0 && v%Week == 0:
		return fmt.Sprintf("%dw", v/Week), nil
	case v != 0 && v%Day == 0:
		return fmt.Sprintf("%dd", v/Day), nil
	}
	return v.String(), nil
}

var durationTerm = regexp.MustCompile(`^([0-9]*\.?[0-9]+)(ns|us|µs|ms|s|m|h|d|w)`)

var durationUnits = map[string]time.Duration{
	"ns": time.Nanosecond,
	"us": time.Microsecond,
	"µs": time.Microsecond,
	"ms": time.Millisecond,
	"s":  time.Second,
	"m":  time.Minute,
	"h":  time.Hour,
	"d":  Day,
	"w":  Week,
}

// ParseDuration parses a non-negative duration. An empty string is zero.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}
	if !strings.ContainsAny(s, "dw") {
		v, err := time.ParseDuration(s)
		if err != nil {
			return 0, err
		}
		if v < 0 {
			return 0, fmt.Errorf("negative duration %q", s)
		}
		return v, nil
	}

	var total time.Duration
	for rest := s; rest != ""; {
		m := durationTerm.FindStringSubmatch(rest)
		if m == nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		n, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		total += time.Duration(n * float64(durationUnits[m[2]]))
		rest = rest[len(m[0]):]
	}
	return total, nil
}

// Distance is a length in meters. YAML accepts a bare number or a value with
// m, km, mi or ft.
type Distance float64

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Distance) UnmarshalYAML(value *yaml.Node) error {
	var f float64
	if value.Tag == "!!int" || value.Tag == "!!float" {
		if err := value.Decode(&f); err != nil {
			return err
		}
		if f < 0 {
			return fmt.Errorf("negative distance %v", f)
		}
		*d = Distance(f)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	f, err := ParseDistance(s)
	if err != nil {
		return err
	}
	*d = Distance(f)
	return nil
}

// MarshalYAML writes whole kilometers as km and anything else as meters.
func (d Distance) MarshalYAML() (interface{}, error) {
	m := float64(d)
	if m >= 1000 && m == float64(int64(m/100))*100 {
		return strconv.FormatFloat(m/1000, 'f', -1, 64) + "km", nil
	}
	return strconv.FormatFloat(m, 'f', -1, 64) + "m", nil
}

// Longest suffixes first so "km" is not read as "m".
var distanceUnits = []struct {
	suffix string
	meters float64
}{
	{"km", 1000},
	{"mi", 1609.344},
	{"ft", 0.3048},
	{"m", 1},
}

// ParseDistance parses a non-negative distance into meters. Unitless values
// are meters; an empty string is zero.
func ParseDistance(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	num, mult := s, 1.0
	for _, u := range distanceUnits {
		if strings.HasSuffix(s, u.suffix) {
			num, mult = strings.TrimSuffix(s, u.suffix), u.meters
			break
		}
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(num), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid distance %q: %w", s, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative distance %q", s)
	}
	return v * mult, nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Meters returns the distance in meters.
func (d Distance) Meters() float64 { return float64(d) }
