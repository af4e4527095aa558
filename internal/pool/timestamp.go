package pool

import (
	"math"
	"strconv"
	"strings"
	"time"
	"unsafe"

	"github.com/logflow/logstream/internal/model"
)

// Common timestamp layouts ordered by likelihood.
var commonLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05",
	"2006/01/02 15:04:05",
	"02/Jan/2006:15:04:05 -0700", // common log format
	time.RFC1123Z,
	time.RFC1123,
	time.ANSIC,
	time.UnixDate,
	time.StampMilli,
	time.Stamp, // syslog
	"2006-01-02",
}

// ErrInvalidTimestamp indicates a timestamp parsing error.
var ErrInvalidTimestamp = &TimestampError{"invalid timestamp format"}

// TimestampError represents a timestamp parsing error.
type TimestampError struct {
	msg string
}

func (e *TimestampError) Error() string {
	return e.msg
}

// ExtractTimestamp looks up the first known timestamp field on the event and
// sets the event's canonical timestamp from it. It reports whether a usable
// timestamp was found.
func ExtractTimestamp(e *model.Event) bool {
	if _, ok := e.Timestamp(); ok {
		return true
	}
	for _, name := range model.TimestampFields {
		v, ok := e.Get(name)
		if !ok || v == nil {
			continue
		}
		if t, err := TimestampFromValue(v); err == nil {
			e.SetTimestamp(t)
			return true
		}
	}
	return false
}

// TimestampFromValue converts a dynamically typed field value to a time.
func TimestampFromValue(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		return ParseTimestamp(t)
	case int64:
		return fromEpoch(float64(t)), nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return time.Time{}, ErrInvalidTimestamp
		}
		return fromEpoch(t), nil
	default:
		return time.Time{}, ErrInvalidTimestamp
	}
}

// ParseTimestamp parses a timestamp string. ISO 8601 takes a byte-level fast
// path; everything else falls back to the layout list and finally to numeric
// epochs.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, ErrInvalidTimestamp
	}

	b := stringToBytes(s)
	if len(b) >= 19 && b[4] == '-' && b[7] == '-' && (b[10] == 'T' || b[10] == ' ') {
		if t, err := parseISO8601Fast(b); err == nil {
			return t, nil
		}
	}

	for _, layout := range commonLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			if t.Year() == 0 {
				// Layouts without a year (syslog) are pinned to the current year.
				t = t.AddDate(time.Now().UTC().Year(), 0, 0)
			}
			return t.UTC(), nil
		}
	}

	if isNumeric(b) {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return time.Time{}, ErrInvalidTimestamp
		}
		return fromEpoch(f), nil
	}

	return time.Time{}, ErrInvalidTimestamp
}

// fromEpoch interprets a number as seconds, milliseconds, microseconds or
// nanoseconds since the Unix epoch depending on its magnitude.
func fromEpoch(f float64) time.Time {
	abs := math.Abs(f)
	switch {
	case abs >= 1e17:
		return time.Unix(0, int64(f)).UTC()
	case abs >= 1e14:
		return time.UnixMicro(int64(f)).UTC()
	case abs >= 1e11:
		return time.UnixMilli(int64(f)).UTC()
	default:
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC()
	}
}

// parseISO8601Fast parses ISO 8601 format using direct byte arithmetic.
func parseISO8601Fast(b []byte) (time.Time, error) {
	year := parseInt4(b[0:4])
	month := parseInt2(b[5:7])
	day := parseInt2(b[8:10])

	if year < 0 || month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, ErrInvalidTimestamp
	}
	if b[13] != ':' || b[16] != ':' {
		return time.Time{}, ErrInvalidTimestamp
	}

	hour := parseInt2(b[11:13])
	minute := parseInt2(b[14:16])
	second := parseInt2(b[17:19])
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 || second < 0 || second > 60 {
		return time.Time{}, ErrInvalidTimestamp
	}

	nsec := 0
	pos := 19
	if len(b) > 19 && (b[19] == '.' || b[19] == ',') {
		fracEnd := 20
		for fracEnd < len(b) && b[fracEnd] >= '0' && b[fracEnd] <= '9' {
			fracEnd++
		}
		nsec = parseFraction(b[20:fracEnd])
		pos = fracEnd
	}

	loc := time.UTC
	if pos < len(b) {
		switch b[pos] {
		case 'Z', 'z':
			if pos+1 != len(b) {
				return time.Time{}, ErrInvalidTimestamp
			}
		case '+', '-':
			rest := b[pos+1:]
			var offH, offM int
			switch {
			case len(rest) == 5 && rest[2] == ':':
				offH, offM = parseInt2(rest[0:2]), parseInt2(rest[3:5])
			case len(rest) == 4:
				offH, offM = parseInt2(rest[0:2]), parseInt2(rest[2:4])
			case len(rest) == 2:
				offH = parseInt2(rest)
			default:
				return time.Time{}, ErrInvalidTimestamp
			}
			if offH < 0 || offM < 0 {
				return time.Time{}, ErrInvalidTimestamp
			}
			offset := offH*3600 + offM*60
			if b[pos] == '-' {
				offset = -offset
			}
			loc = time.FixedZone("", offset)
		default:
			return time.Time{}, ErrInvalidTimestamp
		}
	}

	t := time.Date(year, time.Month(month), day, hour, minute, second, nsec, loc)
	return t.UTC(), nil
}

// parseInt4 parses a 4-byte integer without allocation.
func parseInt4(b []byte) int {
	if len(b) != 4 {
		return -1
	}
	n := 0
	for _, c := range b {
		if c < '0' || c > '9' {
			return -1
		}
		n = n*10 + int(c-'0')
	}
	return n
}

// parseInt2 parses a 2-byte integer without allocation.
func parseInt2(b []byte) int {
	if len(b) != 2 || b[0] < '0' || b[0] > '9' || b[1] < '0' || b[1] > '9' {
		return -1
	}
	return int(b[0]-'0')*10 + int(b[1]-'0')
}

// parseFraction parses fractional seconds to nanoseconds.
func parseFraction(b []byte) int {
	var result int64
	multiplier := int64(100000000)

	for i := 0; i < len(b) && i < 9; i++ {
		result += int64(b[i]-'0') * multiplier
		multiplier /= 10
	}

	return int(result)
}

// isNumeric checks if a byte slice contains only a decimal number.
func isNumeric(b []byte) bool {
	if len(b) == 0 {
		return false
	}

	dotCount := 0
	digits := 0
	for i, c := range b {
		if c >= '0' && c <= '9' {
			digits++
			continue
		}
		if c == '.' && dotCount == 0 {
			dotCount++
			continue
		}
		if c == '-' && i == 0 {
			continue
		}
		return false
	}
	return digits > 0
}

// stringToBytes converts a string to a byte slice without allocation.
// The returned slice must never be modified.
func stringToBytes(s string) []byte {
	if s == "" {
		return nil
	}
	return unsafe.Slice(unsafe.StringData(s), len(s))
}
