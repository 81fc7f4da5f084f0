package schema

import (
	"encoding/base64"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	TypeString  = "string"
	TypeInteger = "integer"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeObject  = "object"
	TypeArray   = "array"

	FormatTimestamp   = "timestamp"
	FormatTimestampMs = "timestampms"

	EncodingBase64 = "base64"
)

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// coerce converts a decoded JSON value to the Go type its property declares.
// Values are int64, float64, bool, string, []byte or time.Time.
func coerce(p *Property, value any) (any, error) {
	switch p.Format {
	case FormatTimestamp:
		return parseTimestamp(value)
	case FormatTimestampMs:
		return parseEpochMillis(value)
	}
	switch p.Type {
	case TypeInteger:
		return toInt64(value)
	case TypeNumber:
		return toFloat64(value)
	case TypeBoolean:
		return toBool(value)
	case TypeString:
		s, err := toText(value)
		if err != nil || p.ContentEncoding != EncodingBase64 {
			return s, err
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, errors.Wrap(err, "invalid base64")
		}
		return b, nil
	case TypeObject, TypeArray:
		return toText(value)
	default:
		return inferred(value)
	}
}

func inferred(value any) (any, error) {
	switch v := value.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, nil
		}
		return v.Float64()
	case map[string]any, []any:
		return toText(v)
	default:
		return v, nil
	}
}

func toInt64(value any) (int64, error) {
	switch v := value.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, nil
		}
		f, err := v.Float64()
		if err != nil {
			return 0, err
		}
		return wholeFloat(f)
	case float64:
		return wholeFloat(v)
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case string:
		return strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	}
	return 0, errors.Errorf("cannot convert %T to integer", value)
}

// wholeFloat converts f to int64 when it is integral and within [-2^63, 2^63). float64(math.MaxInt64) rounds up to
// 2^63, so the upper bound is exclusive.
func wholeFloat(f float64) (int64, error) {
	if f != math.Trunc(f) {
		return 0, errors.Errorf("%v is not an integer", f)
	}
	if f >= 0x1p63 || f < math.MinInt64 {
		return 0, errors.Errorf("%v is out of range for a 64-bit integer", f)
	}
	return int64(f), nil
}

func toFloat64(value any) (float64, error) {
	switch v := value.(type) {
	case json.Number:
		return v.Float64()
	case float64:
		return v, nil
	case int64:
		return float64(v), nil
	case int:
		return float64(v), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(v), 64)
	}
	return 0, errors.Errorf("cannot convert %T to number", value)
}

func toBool(value any) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		return strconv.ParseBool(strings.TrimSpace(v))
	}
	return false, errors.Errorf("cannot convert %T to boolean", value)
}

// toText renders scalars as their text and nested values as JSON.
func toText(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	case bool:
		return strconv.FormatBool(v), nil
	}
	b, err := json.Marshal(value)
	if err != nil {
		return "", errors.WithStack(err)
	}
	return string(b), nil
}

// parseTimestamp accepts ISO-8601 text or epoch milliseconds given as a number or as text.
func parseTimestamp(value any) (time.Time, error) {
	s, ok := value.(string)
	if !ok || isNumeric(s) {
		return parseEpochMillis(value)
	}
	s = strings.TrimSpace(s)
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.Errorf("%q is not an ISO-8601 timestamp", s)
}

func parseEpochMillis(value any) (time.Time, error) {
	var ms int64
	switch v := value.(type) {
	case string:
		if !isNumeric(v) {
			return time.Time{}, errors.Errorf("%q is not an epoch millisecond value", v)
		}
		i, err := toInt64(json.Number(strings.TrimSpace(v)))
		if err != nil {
			return time.Time{}, err
		}
		ms = i
	default:
		i, err := toInt64(value)
		if err != nil {
			return time.Time{}, errors.WithMessage(err, "expected epoch milliseconds")
		}
		ms = i
	}
	return time.UnixMilli(ms).UTC(), nil
}

func isNumeric(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}
