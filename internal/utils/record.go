package utils

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Record is a loosely typed key/value document, as produced by decoding
// JSON or YAML into map[string]any.
type Record = map[string]any

func RecordString(rec Record, key string) (string, error) {
	value, ok := rec[key]
	if !ok {
		return "", fmt.Errorf("missing required key '%s'", key)
	}
	strValue, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("key '%s' has an invalid type %T (expected string)", key, value)
	}
	return strValue, nil
}

// RecordInt accepts integers of any width, integral floats (JSON numbers)
// and numeric strings.
func RecordInt(rec Record, key string) (int, error) {
	v, ok := rec[key]
	if !ok {
		return 0, fmt.Errorf("missing required key '%s'", key)
	}
	switch t := v.(type) {
	case float64:
		if t != math.Trunc(t) {
			return 0, fmt.Errorf("key '%s' is not an integer: %v", key, t)
		}
		return int(t), nil
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case uint64:
		return int(t), nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, fmt.Errorf("key '%s' invalid int: %v", key, err)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("key '%s' has unsupported type %T", key, v)
	}
}

// RecordFloat is RecordInt for real numbers.
func RecordFloat(rec Record, key string) (float64, error) {
	v, ok := rec[key]
	if !ok {
		return 0, fmt.Errorf("missing required key '%s'", key)
	}
	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, fmt.Errorf("key '%s' invalid number: %v", key, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("key '%s' has unsupported type %T", key, v)
	}
}
