// Package telemetry implements the batch transmitter (C6): an in-RAM
// reading buffer, the CSV key:value wire codec (§3/§6), and submission
// to the link engine gated on connectivity and TX readiness.
package telemetry

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind selects how a Reading's value is formatted on the wire.
type Kind int

const (
	IntKind Kind = iota
	FloatKind
	NaNKind
)

// Reading is one key:value telemetry field. Keys are drawn from the
// closed set in §3: batt, pd, tv, ec, tsr.
type Reading struct {
	Key   string
	Int   int
	Float float32
	Kind  Kind
}

// IntReading builds an integer-valued reading (batt, pd, ec, tsr).
func IntReading(key string, v int) Reading {
	return Reading{Key: key, Int: v, Kind: IntKind}
}

// FloatReading builds a float-valued reading (tv), formatted %.2f.
func FloatReading(key string, v float32) Reading {
	if math.IsNaN(float64(v)) {
		return NaNReading(key)
	}
	return Reading{Key: key, Float: v, Kind: FloatKind}
}

// NaNReading marks key as absent/disabled on the wire.
func NaNReading(key string) Reading {
	return Reading{Key: key, Kind: NaNKind}
}

func (r Reading) format() string {
	switch r.Kind {
	case IntKind:
		return fmt.Sprintf("%s:%d", r.Key, r.Int)
	case FloatKind:
		return fmt.Sprintf("%s:%.2f", r.Key, r.Float)
	default:
		return fmt.Sprintf("%s:nan", r.Key)
	}
}

// FormatCSV joins readings into the wire CSV form "k1:v1,k2:v2,...".
func FormatCSV(readings []Reading) string {
	parts := make([]string, len(readings))
	for i, r := range readings {
		parts[i] = r.format()
	}
	return strings.Join(parts, ",")
}

// ParseField is a single decoded key:value pair from an inbound CSV
// payload. IsNaN reflects the literal "nan" wire value (§3/§9: the wire
// form standardizes on the string "nan", not IEEE NaN bit patterns).
type ParseField struct {
	Key    string
	Value  string
	IsNaN  bool
}

// ParseCSV decodes a received telemetry payload into fields. Malformed
// pairs (no colon) are skipped; unknown keys are returned unfiltered --
// callers ignore keys they don't recognize (§3: "any unknown key is
// ignored by the relay").
func ParseCSV(payload string) []ParseField {
	var fields []ParseField
	for _, pair := range strings.Split(payload, ",") {
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, ":")
		if !ok {
			continue
		}
		fields = append(fields, ParseField{Key: k, Value: v, IsNaN: v == "nan"})
	}
	return fields
}

// ParseInt parses an integer field value, returning ok=false on "nan"
// or malformed input.
func (f ParseField) ParseInt() (int, bool) {
	if f.IsNaN {
		return 0, false
	}
	v, err := strconv.Atoi(f.Value)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ParseFloat parses a float field value, returning ok=false on "nan" or
// malformed input.
func (f ParseField) ParseFloat() (float32, bool) {
	if f.IsNaN {
		return 0, false
	}
	v, err := strconv.ParseFloat(f.Value, 32)
	if err != nil {
		return 0, false
	}
	return float32(v), true
}
