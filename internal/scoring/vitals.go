// Package scoring implements vital-sign validation, early-warning risk scoring
// and the guideline advisory lookup used when a triage case is recorded.
//
// Everything in this package is pure: no I/O, no shared mutable state, and
// safe for concurrent use.
package scoring

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Parameter names a scored vital sign.
type Parameter string

const (
	RespiratoryRate Parameter = "respiratory_rate"
	SpO2            Parameter = "spo2"
	SystolicBP      Parameter = "systolic_bp"
	PulseRate       Parameter = "pulse_rate"
	Temperature     Parameter = "temperature"
	Consciousness   Parameter = "consciousness"
)

// numericParameters is the breakdown order of the five numeric vitals.
var numericParameters = []Parameter{RespiratoryRate, SpO2, SystolicBP, PulseRate, Temperature}

// NumericParameters returns the five numeric vital parameters in breakdown order.
func NumericParameters() []Parameter {
	out := make([]Parameter, len(numericParameters))
	copy(out, numericParameters)
	return out
}

// ConsciousnessLevel is the AVPU level of consciousness.
type ConsciousnessLevel string

const (
	Alert        ConsciousnessLevel = "alert"
	Voice        ConsciousnessLevel = "voice"
	Pain         ConsciousnessLevel = "pain"
	Unresponsive ConsciousnessLevel = "unresponsive"
)

// Valid reports whether l is one of the AVPU levels.
func (l ConsciousnessLevel) Valid() bool {
	switch l {
	case Alert, Voice, Pain, Unresponsive:
		return true
	}
	return false
}

// ParseConsciousness parses an AVPU level. Empty input means Alert.
func ParseConsciousness(s string) (ConsciousnessLevel, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Alert, nil
	}
	l := ConsciousnessLevel(s)
	if !l.Valid() {
		return "", fmt.Errorf("unknown consciousness level %q", s)
	}
	return l, nil
}

// VitalSet is one set of observations. Numeric fields are nil when the
// reading was not captured.
type VitalSet struct {
	RespiratoryRate *float64           `json:"respiratory_rate,omitempty"`
	PulseRate       *float64           `json:"pulse_rate,omitempty"`
	Temperature     *float64           `json:"temperature,omitempty"`
	SpO2            *float64           `json:"spo2,omitempty"`
	SystolicBP      *float64           `json:"systolic_bp,omitempty"`
	Consciousness   ConsciousnessLevel `json:"consciousness,omitempty"`
}

func (v VitalSet) field(p Parameter) *float64 {
	switch p {
	case RespiratoryRate:
		return v.RespiratoryRate
	case PulseRate:
		return v.PulseRate
	case Temperature:
		return v.Temperature
	case SpO2:
		return v.SpO2
	case SystolicBP:
		return v.SystolicBP
	}
	return nil
}

// Value returns the reading for p. Readings that are absent or not finite
// are reported as missing.
func (v VitalSet) Value(p Parameter) (float64, bool) {
	f := v.field(p)
	if f == nil || math.IsNaN(*f) || math.IsInf(*f, 0) {
		return 0, false
	}
	return *f, true
}

// Level returns the consciousness level, defaulting to Alert when unset.
func (v VitalSet) Level() ConsciousnessLevel {
	if v.Consciousness == "" {
		return Alert
	}
	return v.Consciousness
}

func formatReading(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
