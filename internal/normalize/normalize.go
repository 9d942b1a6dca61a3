package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"flowguard/internal/model"
)

var (
	totalKeys  = []string{"totalLiters", "total"}
	flowKeys   = []string{"flowLmin", "flowRate"}
	serialKeys = []string{"numeroSerie", "serial", "numero_serie"}
)

// Options carries the parser settings the normalizer depends on.
type Options struct {
	DefaultSerial string
	Now           func() time.Time
}

// Normalize maps a decoded payload onto a Reading. Alternate key names never cause a
// rejection; missing or unusable numeric fields fall back to their defaults.
func Normalize(obj map[string]any, opts Options) model.Reading {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	r := model.Reading{
		TotalLiters: firstNumber(obj, totalKeys...),
		FlowLmin:    firstNumber(obj, flowKeys...),
	}
	if ts, ok := parseTS(obj["ts"]); ok {
		r.TimestampMillis = ts
	} else {
		r.TimestampMillis = now().UnixMilli()
	}
	r.Serial = Serial(firstString(obj, serialKeys...))
	if r.Serial == "" {
		r.Serial = Serial(opts.DefaultSerial)
	}
	return r
}

// Serial trims and upper-cases a device serial.
func Serial(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// first present and parseable key wins
func firstNumber(obj map[string]any, keys ...string) float64 {
	for _, k := range keys {
		v, ok := obj[k]
		if !ok || v == nil {
			continue
		}
		if f, ok := toFloat(v); ok {
			return f
		}
	}
	return 0
}

func firstString(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		v, ok := obj[k]
		if !ok || v == nil {
			continue
		}
		var s string
		switch t := v.(type) {
		case string:
			s = t
		case json.Number:
			s = t.String()
		case float64:
			s = strconv.FormatFloat(t, 'f', -1, 64)
		default:
			s = fmt.Sprint(t)
		}
		if strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

func toFloat(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case json.Number:
		n, err := t.Float64()
		if err != nil {
			return 0, false
		}
		f = n
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		f = n
	case bool:
		if t {
			f = 1
		}
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func parseTS(v any) (int64, bool) {
	if v == nil {
		return 0, false
	}
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		if s == "" {
			return 0, false
		}
		if !isNumeric(s) {
			t, err := ParseTimestamp(s, time.UTC)
			if err != nil {
				return 0, false
			}
			return t.UnixMilli(), true
		}
	}
	f, ok := toFloat(v)
	if !ok || f <= 0 {
		return 0, false
	}
	return int64(f), true
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
}

func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if (ch < '0' || ch > '9') && ch != '.' {
			return false
		}
	}
	return len(value) > 0
}
