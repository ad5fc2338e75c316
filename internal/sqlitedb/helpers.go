package sqlitedb

import (
	"errors"
	"time"
)

// NullableString maps "" to NULL.
func NullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

// NullableTime maps nil to NULL and formats other values with FormatTime.
func NullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return FormatTime(*value)
}

// timeLayout is RFC3339 with fixed nanosecond width so text columns sort
// chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders t in the column format used by every table.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// BoolToInt converts a flag to its INTEGER column value.
func BoolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

// ParseTime reads a time column written by FormatTime or CURRENT_TIMESTAMP.
func ParseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

// Placeholders returns count comma separated "?" markers.
func Placeholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
