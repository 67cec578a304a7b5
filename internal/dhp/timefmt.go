package dhp

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/breathsync/breathsync/internal/model"
)

const (
	gmtLayout       = "2006-01-02T15:04:05"
	gmtMillisLayout = "2006-01-02T15:04:05.000"
	gmtParseLayout  = "2006-01-02T15:04:05.999999999Z07:00"
)

// FormatGMT renders t in GMT, optionally with milliseconds.
func FormatGMT(t time.Time, withMillis bool) string {
	if withMillis {
		return t.UTC().Format(gmtMillisLayout)
	}
	return t.UTC().Format(gmtLayout)
}

// ParseGMT parses a GMT timestamp with or without fractional seconds. A string
// without a trailing zone marker is read as GMT. Blank or malformed input
// returns nil.
func ParseGMT(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" || s == Unknown {
		return nil
	}
	if !strings.HasSuffix(s, "Z") && !hasNumericZone(s) {
		s += "Z"
	}
	t, err := time.Parse(gmtParseLayout, s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

func hasNumericZone(s string) bool {
	if len(s) < 6 {
		return false
	}
	tail := s[len(s)-6:]
	return (tail[0] == '+' || tail[0] == '-') && tail[3] == ':'
}

// ParseGMTDate parses a GMT timestamp and returns its GMT calendar date.
func ParseGMTDate(s string) *model.Date {
	t := ParseGMT(s)
	if t == nil {
		return nil
	}
	d := model.DateOf(*t)
	return &d
}

// FormatDate renders a date as midnight GMT.
func FormatDate(d model.Date) string {
	return FormatGMT(d.In(time.UTC), false)
}

// FormatGMTOffset renders a zone offset in minutes as "GMT" or "GMT±HH:MM".
func FormatGMTOffset(minutes int) string {
	if minutes == 0 {
		return "GMT"
	}
	sign := '+'
	if minutes < 0 {
		sign = '-'
		minutes = -minutes
	}
	return fmt.Sprintf("GMT%c%02d:%02d", sign, minutes/60, minutes%60)
}

// GMTOffsetOf returns the wire offset of t's zone.
func GMTOffsetOf(t time.Time) string {
	_, secs := t.Zone()
	return FormatGMTOffset(secs / 60)
}

// ParseGMTOffset reads "GMT", "GMT±H:MM", "GMT±HH:MM", "±HH:MM" or "±HHMM"
// into minutes. Anything unreadable is 0.
func ParseGMTOffset(s string) int {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "GMT")
	if s == "" {
		return 0
	}
	sign := 1
	switch s[0] {
	case '-':
		sign = -1
		s = s[1:]
	case '+':
		s = s[1:]
	default:
		return 0
	}

	var hours, mins int
	var err error
	if h, m, ok := strings.Cut(s, ":"); ok {
		if hours, err = strconv.Atoi(h); err != nil {
			return 0
		}
		if mins, err = strconv.Atoi(m); err != nil {
			return 0
		}
	} else {
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0
		}
		if len(s) <= 2 {
			hours = n
		} else {
			hours, mins = n/100, n%100
		}
	}
	return sign * (hours*60 + mins)
}

// FormatServerTimeOffset renders the server clock offset. nil is absent ("").
func FormatServerTimeOffset(offset *int) string {
	if offset == nil {
		return ""
	}
	if *offset == UnknownServerTimeOffset {
		return UnknownServerTimeOffsetString
	}
	return strconv.Itoa(*offset)
}

// ParseServerTimeOffset is the inverse of FormatServerTimeOffset.
func ParseServerTimeOffset(s string) *int {
	switch s {
	case "":
		return nil
	case UnknownServerTimeOffsetString:
		v := UnknownServerTimeOffset
		return &v
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return nil
	}
	return &v
}

// OrUnknown maps a blank string to the Unknown sentinel.
func OrUnknown(s string) string {
	if s == "" {
		return Unknown
	}
	return s
}

// FromUnknown maps the Unknown sentinel back to "".
func FromUnknown(s string) string {
	if s == Unknown {
		return ""
	}
	return s
}

// IntOrZero parses a decimal field, treating absent or malformed input as 0.
func IntOrZero(s string) int {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return v
}
