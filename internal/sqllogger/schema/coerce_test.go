package schema

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCoerce(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	tests := map[string]struct {
		property Property
		input    any
		expected any
	}{
		"integer":                {Property{Type: TypeInteger}, json.Number("42"), int64(42)},
		"integer from float":     {Property{Type: TypeInteger}, json.Number("42.0"), int64(42)},
		"integer from text":      {Property{Type: TypeInteger}, "7", int64(7)},
		"integer max":            {Property{Type: TypeInteger}, json.Number("9223372036854775807"), int64(math.MaxInt64)},
		"integer min from float": {Property{Type: TypeInteger}, json.Number("-9223372036854775808.0"), int64(math.MinInt64)},
		"number":                 {Property{Type: TypeNumber}, json.Number("1.5"), 1.5},
		"boolean":                {Property{Type: TypeBoolean}, true, true},
		"string":                 {Property{Type: TypeString}, "abc", "abc"},
		"string from number":     {Property{Type: TypeString}, json.Number("3"), "3"},
		"base64":                 {Property{Type: TypeString, ContentEncoding: EncodingBase64}, "aGVsbG8=", []byte("hello")},
		"object as json":         {Property{Type: TypeObject}, map[string]any{"a": json.Number("1")}, `{"a":1}`},
		"array as json":          {Property{Type: TypeArray}, []any{"x", json.Number("2")}, `["x",2]`},
		"untyped integer":        {Property{}, json.Number("5"), int64(5)},
		"untyped float":          {Property{}, json.Number("5.25"), 5.25},
		"untyped nested":         {Property{}, map[string]any{"k": "v"}, `{"k":"v"}`},
		"timestamp iso":          {Property{Format: FormatTimestamp}, "2024-03-01T12:30:00Z", ts},
		"timestamp iso offset":   {Property{Format: FormatTimestamp}, "2024-03-01T13:30:00+01:00", ts},
		"timestamp iso no zone":  {Property{Format: FormatTimestamp}, "2024-03-01T12:30:00", ts},
		"timestamp epoch number": {Property{Format: FormatTimestamp}, json.Number("1709296200000"), ts},
		"timestamp epoch text":   {Property{Format: FormatTimestamp}, "1709296200000", ts},
		"timestampms number":     {Property{Format: FormatTimestampMs}, json.Number("1709296200000"), ts},
		"timestampms text":       {Property{Format: FormatTimestampMs}, "1709296200000", ts},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			p := tc.property
			actual, err := coerce(&p, tc.input)
			assert.NoError(t, err)
			assert.Equal(t, tc.expected, actual)
		})
	}
}

func TestCoerce_Errors(t *testing.T) {
	tests := map[string]struct {
		property Property
		input    any
	}{
		"fractional integer":  {Property{Type: TypeInteger}, json.Number("1.5")},
		"integer above int64": {Property{Type: TypeInteger}, json.Number("9223372036854775808")},
		"float 2^63":          {Property{Type: TypeInteger}, float64(1 << 63)},
		"integer below int64": {Property{Type: TypeInteger}, json.Number("-1e19")},
		"integer from bool":   {Property{Type: TypeInteger}, true},
		"number from text":    {Property{Type: TypeNumber}, "many"},
		"boolean from number": {Property{Type: TypeBoolean}, json.Number("1")},
		"bad base64":          {Property{Type: TypeString, ContentEncoding: EncodingBase64}, "***"},
		"bad timestamp":       {Property{Format: FormatTimestamp}, "yesterday"},
		"timestampms iso":     {Property{Format: FormatTimestampMs}, "2024-03-01T12:30:00Z"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			p := tc.property
			_, err := coerce(&p, tc.input)
			assert.Error(t, err)
		})
	}
}

func TestFormatCheckers(t *testing.T) {
	assert.True(t, timestampChecker{}.IsFormat("2024-03-01T12:30:00Z"))
	assert.True(t, timestampChecker{}.IsFormat(float64(1709296200000)))
	assert.False(t, timestampChecker{}.IsFormat("soon"))
	assert.True(t, timestampMsChecker{}.IsFormat("1709296200000"))
	assert.False(t, timestampMsChecker{}.IsFormat("2024-03-01T12:30:00Z"))
}
