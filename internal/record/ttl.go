package record

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseTTL parses an ISO-8601 duration of the form used by the federation
// wire protocol (PnW, PnDTnHnMnS and combinations, e.g. "PT1H30M").
// time.ParseDuration does not accept this shape, and no duration is ever
// written back in another format.
func ParseTTL(s string) (time.Duration, error) {
	orig := s
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) < 2 || s[0] != 'P' {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q", orig)
	}
	s = s[1:]

	datePart := s
	timePart := ""
	if i := strings.IndexByte(s, 'T'); i >= 0 {
		datePart, timePart = s[:i], s[i+1:]
		if timePart == "" {
			return 0, fmt.Errorf("invalid ISO-8601 duration %q", orig)
		}
	}

	var total time.Duration
	consume := func(part string, units map[byte]time.Duration) error {
		for part != "" {
			j := 0
			for j < len(part) && (part[j] >= '0' && part[j] <= '9' || part[j] == '.') {
				j++
			}
			if j == 0 || j == len(part) {
				return fmt.Errorf("invalid ISO-8601 duration %q", orig)
			}
			unit, ok := units[part[j]]
			if !ok {
				return fmt.Errorf("invalid ISO-8601 duration %q: unit %q", orig, string(part[j]))
			}
			n, err := strconv.ParseFloat(part[:j], 64)
			if err != nil {
				return fmt.Errorf("invalid ISO-8601 duration %q: %w", orig, err)
			}
			total += time.Duration(n * float64(unit))
			part = part[j+1:]
		}
		return nil
	}

	dateUnits := map[byte]time.Duration{
		'W': 7 * 24 * time.Hour,
		'D': 24 * time.Hour,
	}
	timeUnits := map[byte]time.Duration{
		'H': time.Hour,
		'M': time.Minute,
		'S': time.Second,
	}
	if err := consume(datePart, dateUnits); err != nil {
		return 0, err
	}
	if err := consume(timePart, timeUnits); err != nil {
		return 0, err
	}
	if total <= 0 {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q: must be positive", orig)
	}
	return total, nil
}

// FormatTTL renders a duration as an ISO-8601 string. Sub-second precision
// is truncated; the wire protocol carries whole seconds.
func FormatTTL(d time.Duration) string {
	if d <= 0 {
		return "PT0S"
	}
	secs := int64(d / time.Second)

	var b strings.Builder
	b.WriteByte('P')
	if days := secs / 86400; days > 0 {
		fmt.Fprintf(&b, "%dD", days)
		secs %= 86400
	}
	if secs > 0 {
		b.WriteByte('T')
		if h := secs / 3600; h > 0 {
			fmt.Fprintf(&b, "%dH", h)
			secs %= 3600
		}
		if m := secs / 60; m > 0 {
			fmt.Fprintf(&b, "%dM", m)
			secs %= 60
		}
		if secs > 0 {
			fmt.Fprintf(&b, "%dS", secs)
		}
	}
	if b.Len() == 1 {
		return "PT0S"
	}
	return b.String()
}
