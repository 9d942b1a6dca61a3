package normalize

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func opts(defaultSerial string) Options {
	return Options{DefaultSerial: defaultSerial, Now: func() time.Time { return fixedNow }}
}

func TestNormalizeCanonicalKeys(t *testing.T) {
	r := Normalize(map[string]any{
		"numeroSerie": "x1",
		"totalLiters": 100.0,
		"flowLmin":    2.5,
		"ts":          1700000000000.0,
	}, opts(""))
	assert.Equal(t, "X1", r.Serial)
	assert.Equal(t, 100.0, r.TotalLiters)
	assert.Equal(t, 2.5, r.FlowLmin)
	assert.Equal(t, int64(1700000000000), r.TimestampMillis)
}

func TestNormalizeAliases(t *testing.T) {
	r := Normalize(map[string]any{"total": 42.0, "flowRate": 5.6, "serial": "abc"}, opts(""))
	assert.Equal(t, 42.0, r.TotalLiters)
	assert.Equal(t, 5.6, r.FlowLmin)
	assert.Equal(t, "ABC", r.Serial)

	r = Normalize(map[string]any{"numero_serie": " m-7 "}, opts(""))
	assert.Equal(t, "M-7", r.Serial)
}

func TestNormalizeFirstPresentWins(t *testing.T) {
	r := Normalize(map[string]any{"totalLiters": 0.0, "total": 9.0}, opts(""))
	assert.Equal(t, 0.0, r.TotalLiters)

	r = Normalize(map[string]any{"numeroSerie": "A", "serial": "B"}, opts(""))
	assert.Equal(t, "A", r.Serial)
}

func TestNormalizeDefaults(t *testing.T) {
	r := Normalize(map[string]any{}, opts(""))
	assert.Equal(t, 0.0, r.TotalLiters)
	assert.Equal(t, 0.0, r.FlowLmin)
	assert.Equal(t, fixedNow.UnixMilli(), r.TimestampMillis)
	assert.Empty(t, r.Serial)
}

func TestNormalizeSerialTrimUpper(t *testing.T) {
	r := Normalize(map[string]any{"numeroSerie": " ab12 "}, opts(""))
	assert.Equal(t, "AB12", r.Serial)
}

func TestNormalizeDefaultSerial(t *testing.T) {
	r := Normalize(map[string]any{"totalLiters": 1.0}, opts(" sim01 "))
	assert.Equal(t, "SIM01", r.Serial)

	r = Normalize(map[string]any{"serial": "   ", "totalLiters": 1.0}, opts("SIM01"))
	assert.Equal(t, "SIM01", r.Serial)
}

func TestNormalizeStringNumbers(t *testing.T) {
	r := Normalize(map[string]any{"totalLiters": "12.5", "flowLmin": "bogus", "flowRate": "3", "ts": "1700000000123"}, opts(""))
	assert.Equal(t, 12.5, r.TotalLiters)
	assert.Equal(t, 3.0, r.FlowLmin)
	assert.Equal(t, int64(1700000000123), r.TimestampMillis)
}

func TestNormalizeJSONNumberAndNumericSerial(t *testing.T) {
	r := Normalize(map[string]any{
		"totalLiters": json.Number("7.25"),
		"ts":          json.Number("1700000000001"),
		"numeroSerie": json.Number("12345"),
	}, opts(""))
	assert.Equal(t, 7.25, r.TotalLiters)
	assert.Equal(t, int64(1700000000001), r.TimestampMillis)
	assert.Equal(t, "12345", r.Serial)
}

func TestNormalizeRFC3339Timestamp(t *testing.T) {
	r := Normalize(map[string]any{"ts": "2026-02-23T12:34:56Z"}, opts(""))
	assert.Equal(t, time.Date(2026, 2, 23, 12, 34, 56, 0, time.UTC).UnixMilli(), r.TimestampMillis)

	r = Normalize(map[string]any{"ts": "yesterday"}, opts(""))
	assert.Equal(t, fixedNow.UnixMilli(), r.TimestampMillis)
}
