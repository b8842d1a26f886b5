package metrics

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrNullValue is returned when a transform that needs a value receives nil.
var ErrNullValue = errors.New("null value")

// mbToBytes is the factor the device memory figures are scaled by.
const mbToBytes = 1049000

// flapLayout is the timestamp format of "last flap" style fields.
const flapLayout = "2006-01-02 15:04:05 MST"

var builtins = map[string]TransformFunc{
	"is_ok":             IsOK,
	"boolify":           Boolify,
	"intify":            Intify,
	"floatify":          Floatify,
	"default":           NoneToZero,
	"none_to_zero":      NoneToZero,
	"none_to_minus_inf": NoneToMinusInf,
	"none_to_plus_inf":  NoneToPlusInf,
	"temp":              Temp,
	"flap":              Flap,
	"cpu_idle":          CPUIdle,
	"cpu_usage":         CPUUsage,
	"ram":               RAM,
	"ram_usage":         RAMUsage,
	"reboot":            Reboot,
}

// ─────────────────────────────────────────────────────────────────────────────
// Scalar coercions
// ─────────────────────────────────────────────────────────────────────────────

// IsOK maps up/ok/established (any case, surrounding whitespace ignored) and
// true to 1; any other string, false and nil to 0.
func IsOK(raw any) (float64, error) {
	switch v := raw.(type) {
	case nil:
		return 0, nil
	case bool:
		return boolFloat(v), nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "up", "ok", "established":
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("is_ok: unsupported type %T", raw)
	}
}

// Boolify yields 1 when a string contains "true" (any case).
func Boolify(raw any) (float64, error) {
	switch v := raw.(type) {
	case nil:
		return 0, nil
	case bool:
		return boolFloat(v), nil
	case string:
		return boolFloat(strings.Contains(strings.ToLower(v), "true")), nil
	default:
		return 0, fmt.Errorf("boolify: unsupported type %T", raw)
	}
}

// Intify parses an integer. Numbers are truncated toward zero.
func Intify(raw any) (float64, error) {
	if s, ok := raw.(string); ok {
		i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("intify: %w", err)
		}
		return float64(i), nil
	}
	f, err := ToFloat(raw)
	if err != nil {
		return 0, fmt.Errorf("intify: %w", err)
	}
	return math.Trunc(f), nil
}

// Floatify parses a float. Strings containing "- Inf" yield -Inf, other
// strings containing "Inf" yield +Inf, and nil yields 0.
func Floatify(raw any) (float64, error) {
	switch v := raw.(type) {
	case nil:
		return 0, nil
	case string:
		if strings.Contains(v, "- Inf") {
			return math.Inf(-1), nil
		}
		if strings.Contains(v, "Inf") {
			return math.Inf(1), nil
		}
	}
	f, err := ToFloat(raw)
	if err != nil {
		return 0, fmt.Errorf("floatify: %w", err)
	}
	return f, nil
}

// NoneToZero maps nil to 0 and coerces anything else.
func NoneToZero(raw any) (float64, error) {
	if raw == nil {
		return 0, nil
	}
	return ToFloat(raw)
}

// NoneToMinusInf maps nil to -Inf and coerces anything else.
func NoneToMinusInf(raw any) (float64, error) {
	if raw == nil {
		return math.Inf(-1), nil
	}
	return Floatify(raw)
}

// NoneToPlusInf maps nil to +Inf and coerces anything else.
func NoneToPlusInf(raw any) (float64, error) {
	if raw == nil {
		return math.Inf(1), nil
	}
	return Floatify(raw)
}

// Temp reads the leading integer of a reading such as "45 degrees C".
func Temp(raw any) (float64, error) {
	s, ok := raw.(string)
	if !ok {
		return Intify(raw)
	}
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0, fmt.Errorf("temp: empty value")
	}
	return Intify(fields[0])
}

// Flap converts a "2024-01-02 10:11:12 UTC (1w2d 03:04 ago)" timestamp into
// Unix seconds. Values containing "never" yield 0.
func Flap(raw any) (float64, error) {
	s, ok := raw.(string)
	if !ok {
		return 0, fmt.Errorf("flap: unsupported type %T", raw)
	}
	if strings.Contains(strings.ToLower(s), "never") {
		return 0, nil
	}
	s, _, _ = strings.Cut(s, " (")
	t, err := time.Parse(flapLayout, strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("flap: %w", err)
	}
	return float64(t.Unix()), nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Composite transforms (receive the whole sub-record)
// ─────────────────────────────────────────────────────────────────────────────

// CPUIdle reads "cpu-idle" as an integer percentage.
func CPUIdle(raw any) (float64, error) {
	rec, err := record(raw)
	if err != nil {
		return 0, fmt.Errorf("cpu_idle: %w", err)
	}
	return Intify(rec["cpu-idle"])
}

// CPUUsage is 100 minus "cpu-idle".
func CPUUsage(raw any) (float64, error) {
	idle, err := CPUIdle(raw)
	if err != nil {
		return 0, err
	}
	return 100 - idle, nil
}

// RAM is the DRAM size in bytes.
func RAM(raw any) (float64, error) {
	rec, err := record(raw)
	if err != nil {
		return 0, fmt.Errorf("ram: %w", err)
	}
	mb, err := megabytes(rec["memory-dram-size"])
	if err != nil {
		return 0, fmt.Errorf("ram: %w", err)
	}
	return mb * mbToBytes, nil
}

// RAMUsage is the DRAM size scaled by "memory-buffer-utilization" percent.
func RAMUsage(raw any) (float64, error) {
	rec, err := record(raw)
	if err != nil {
		return 0, fmt.Errorf("ram_usage: %w", err)
	}
	mb, err := megabytes(rec["memory-dram-size"])
	if err != nil {
		return 0, fmt.Errorf("ram_usage: %w", err)
	}
	util, err := Intify(rec["memory-buffer-utilization"])
	if err != nil {
		return 0, fmt.Errorf("ram_usage: %w", err)
	}
	return mb * util / 100 * mbToBytes, nil
}

// Reboot is 1 unless "last_reboot_reason" mentions a failure.
func Reboot(raw any) (float64, error) {
	rec, err := record(raw)
	if err != nil {
		return 0, fmt.Errorf("reboot: %w", err)
	}
	reason, ok := rec["last_reboot_reason"].(string)
	if !ok {
		return 0, fmt.Errorf("reboot: last_reboot_reason is %T", rec["last_reboot_reason"])
	}
	lower := strings.ToLower(reason)
	for _, bad := range []string{"failure", "error", "failed"} {
		if strings.Contains(lower, bad) {
			return 0, nil
		}
	}
	return 1, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

// ToFloat coerces numeric Go values and numeric strings to float64.
func ToFloat(raw any) (float64, error) {
	switch v := raw.(type) {
	case nil:
		return 0, ErrNullValue
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int8:
		return float64(v), nil
	case int16:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint:
		return float64(v), nil
	case uint8:
		return float64(v), nil
	case uint16:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case bool:
		return boolFloat(v), nil
	case json.Number:
		return v.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, err
		}
		return f, nil
	default:
		return 0, fmt.Errorf("cannot convert %T to float64", raw)
	}
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func record(raw any) (map[string]any, error) {
	rec, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected record, got %T", raw)
	}
	return rec, nil
}

// megabytes parses "2048MB", "2048 mb" or a plain number.
func megabytes(raw any) (float64, error) {
	if s, ok := raw.(string); ok {
		s = strings.TrimSpace(strings.ReplaceAll(strings.ToLower(s), "mb", ""))
		return Intify(s)
	}
	return Intify(raw)
}
