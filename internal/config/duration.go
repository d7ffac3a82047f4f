package config

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that (un)marshals using the configuration
// duration grammar `<n>(s|m|h|d|a)`: seconds, minutes, hours, days, years.
// A bare number without a unit is rejected.
type Duration time.Duration

var durationPattern = regexp.MustCompile(`^([0-9]+)(s|m|h|d|a)$`)

// ParseConfigDuration parses s according to the duration grammar.
func ParseConfigDuration(s string) (Duration, error) {
	matches := durationPattern.FindStringSubmatch(s)
	if matches == nil {
		return 0, &ConfigError{
			Kind:   InvalidValue,
			Detail: fmt.Sprintf("duration %q does not match <n>(s|m|h|d|a)", s),
		}
	}

	amount, err := strconv.ParseUint(matches[1], 10, 64)
	if err != nil {
		return 0, &ConfigError{Kind: ConversionFailure, Detail: fmt.Sprintf("duration amount %q", matches[1]), Err: err}
	}

	var unit time.Duration
	switch matches[2] {
	case "s":
		unit = time.Second
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	case "d":
		unit = 24 * time.Hour
	case "a":
		unit = 365 * 24 * time.Hour
	}
	return Duration(time.Duration(amount) * unit), nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String renders the duration back into the configuration grammar, using
// the largest unit that divides it evenly.
func (d Duration) String() string {
	v := time.Duration(d)
	year := 365 * 24 * time.Hour
	day := 24 * time.Hour
	switch {
	case v != 0 && v%year == 0:
		return fmt.Sprintf("%da", v/year)
	case v != 0 && v%day == 0:
		return fmt.Sprintf("%dd", v/day)
	case v != 0 && v%time.Hour == 0:
		return fmt.Sprintf("%dh", v/time.Hour)
	case v != 0 && v%time.Minute == 0:
		return fmt.Sprintf("%dm", v/time.Minute)
	default:
		return fmt.Sprintf("%ds", v/time.Second)
	}
}

// MarshalYAML renders the duration in the configuration grammar so that a
// serialised configuration parses back to the same value.
func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

// UnmarshalYAML parses the configuration grammar.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseConfigDuration(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
