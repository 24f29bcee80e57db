package gtfseditor

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	gtfsDateLayout = "20060102"
	sqlDateLayout  = "2006-01-02"
)

// FormatDuration formats a time since midnight as HH:MM:SS. Hours are not wrapped at 24.
func FormatDuration(d time.Duration) string {
	secs := int64(d / time.Second)
	sign := ""
	if secs < 0 {
		sign = "-"
		secs = -secs
	}
	return fmt.Sprintf("%s%02d:%02d:%02d", sign, secs/3600, (secs/60)%60, secs%60)
}

// ParseDuration parses H:MM:SS or HH:MM:SS, allowing hours of 24 and above.
func ParseDuration(s string) (time.Duration, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("time %q is not HH:MM:SS", s)
	}
	var fields [3]int64
	for i, part := range parts {
		if part == "" || len(part) > 3 || (i > 0 && len(part) != 2) {
			return 0, fmt.Errorf("time %q is not HH:MM:SS", s)
		}
		n, err := strconv.ParseInt(part, 10, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("time %q is not HH:MM:SS", s)
		}
		fields[i] = n
	}
	if fields[1] > 59 || fields[2] > 59 {
		return 0, fmt.Errorf("time %q has minutes or seconds out of range", s)
	}
	return time.Duration(fields[0]*3600+fields[1]*60+fields[2]) * time.Second, nil
}

// FormatDate formats a service date as YYYYMMDD.
func FormatDate(t time.Time) string {
	return t.Format(gtfsDateLayout)
}

// ParseDate parses a YYYYMMDD service date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(gtfsDateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("date %q is not YYYYMMDD", s)
	}
	return t, nil
}

// FormatBool formats a flag as 1 or 0.
func FormatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// parseValue turns a raw CSV field into the canonical Go value for its type.
// An empty field is nil.
func parseValue(typ valueType, raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	switch typ {
	case textType:
		return raw, nil
	case intType:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer", raw)
		}
		return n, nil
	case floatType:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", raw)
		}
		return f, nil
	case boolType:
		switch raw {
		case "1":
			return true, nil
		case "0":
			return false, nil
		default:
			return nil, fmt.Errorf("%q is not 0 or 1", raw)
		}
	case dateType:
		return ParseDate(raw)
	case durationType:
		return ParseDuration(raw)
	default:
		panic("unreachable")
	}
}

// formatValue is the inverse of parseValue. Nil formats as the empty string.
func formatValue(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return FormatBool(v)
	case time.Time:
		return FormatDate(v)
	case time.Duration:
		return FormatDuration(v)
	default:
		panic(fmt.Sprintf("unexpected value type %T", v))
	}
}

// sqlValue converts a canonical value for binding. References are bound by the caller.
func sqlValue(v any) any {
	switch v := v.(type) {
	case time.Time:
		return v.Format(sqlDateLayout)
	case time.Duration:
		return int64(v / time.Second)
	default:
		return v
	}
}

// compareValues orders two canonical values of the same column, nil first.
func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	switch a := a.(type) {
	case int64:
		return cmpOrdered(a, b.(int64))
	case float64:
		return cmpOrdered(a, b.(float64))
	case time.Duration:
		return cmpOrdered(a, b.(time.Duration))
	case time.Time:
		return a.Compare(b.(time.Time))
	case bool:
		return cmpOrdered(FormatBool(a), FormatBool(b.(bool)))
	case string:
		return cmpOrdered(a, b.(string))
	default:
		panic(fmt.Sprintf("unexpected value type %T", a))
	}
}

func cmpOrdered[T int64 | float64 | time.Duration | string](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func trimTxt(name string) string {
	return strings.TrimSuffix(name, ".txt")
}
