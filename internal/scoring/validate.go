package scoring

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Range holds the absolute physiological bounds of a parameter and the
// narrower band outside which a reading needs confirmation.
type Range struct {
	Label    string
	Unit     string
	Min      decimal.Decimal
	Max      decimal.Decimal
	WarnLow  decimal.Decimal
	WarnHigh decimal.Decimal
}

func newRange(label, unit, min, max, warnLow, warnHigh string) Range {
	return Range{
		Label:    label,
		Unit:     unit,
		Min:      decimal.RequireFromString(min),
		Max:      decimal.RequireFromString(max),
		WarnLow:  decimal.RequireFromString(warnLow),
		WarnHigh: decimal.RequireFromString(warnHigh),
	}
}

var ranges = map[Parameter]Range{
	RespiratoryRate: newRange("respiratory rate", "breaths/min", "4", "60", "10", "24"),
	PulseRate:       newRange("pulse rate", "beats/min", "20", "250", "50", "120"),
	Temperature:     newRange("temperature", "°C", "30", "45", "35.5", "38.5"),
	SpO2:            newRange("SpO2", "%", "50", "100", "92", "100"),
	SystolicBP:      newRange("systolic blood pressure", "mmHg", "50", "300", "90", "180"),
}

// RangeFor returns the validation range for p.
func RangeFor(p Parameter) (Range, bool) {
	r, ok := ranges[p]
	return r, ok
}

// ErrNotANumber is the message for non-numeric input.
const ErrNotANumber = "please enter a number"

// Result is the outcome of validating one raw reading.
type Result struct {
	Valid   bool   `json:"valid"`
	Error   string `json:"error,omitempty"`
	Warning string `json:"warning,omitempty"`
}

// Validate checks a single raw reading as typed by the user. Empty input is
// valid because every vital is optional.
func Validate(p Parameter, raw string) Result {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Result{Valid: true}
	}
	if p == Consciousness {
		if _, err := ParseConsciousness(raw); err != nil {
			return Result{Error: err.Error()}
		}
		return Result{Valid: true}
	}
	r, ok := RangeFor(p)
	if !ok {
		return Result{Error: fmt.Sprintf("unknown parameter %q", p)}
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return Result{Error: ErrNotANumber}
	}
	return r.check(d)
}

func (r Range) check(d decimal.Decimal) Result {
	if d.LessThan(r.Min) || d.GreaterThan(r.Max) {
		return Result{Error: fmt.Sprintf("%s of %s is outside the valid range %s to %s %s",
			r.Label, d.String(), r.Min.String(), r.Max.String(), r.Unit)}
	}
	if d.LessThan(r.WarnLow) || d.GreaterThan(r.WarnHigh) {
		return Result{Valid: true, Warning: fmt.Sprintf("%s of %s is outside the expected range %s to %s %s; please confirm the reading",
			r.Label, d.String(), r.WarnLow.String(), r.WarnHigh.String(), r.Unit)}
	}
	return Result{Valid: true}
}

// Issue is a per-parameter validation message.
type Issue struct {
	Parameter Parameter `json:"parameter"`
	Message   string    `json:"message"`
}

// Report aggregates the results of validating a whole vital set.
type Report struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
}

func newReport() Report {
	return Report{Valid: true, Errors: []Issue{}, Warnings: []Issue{}}
}

func (r *Report) add(p Parameter, res Result) {
	if res.Error != "" {
		r.Valid = false
		r.Errors = append(r.Errors, Issue{Parameter: p, Message: res.Error})
	}
	if res.Warning != "" {
		r.Warnings = append(r.Warnings, Issue{Parameter: p, Message: res.Warning})
	}
}

// WarningMessages flattens the warnings to text.
func (r Report) WarningMessages() []string {
	out := make([]string, 0, len(r.Warnings))
	for _, w := range r.Warnings {
		out = append(out, w.Message)
	}
	return out
}

// ValidateAll validates every present field of v.
func ValidateAll(v VitalSet) Report {
	rep := newReport()
	for _, p := range numericParameters {
		f := v.field(p)
		if f == nil {
			continue
		}
		if _, ok := v.Value(p); !ok {
			rep.add(p, Result{Error: ErrNotANumber})
			continue
		}
		rep.add(p, ranges[p].check(decimal.NewFromFloat(*f)))
	}
	if v.Consciousness != "" && !v.Consciousness.Valid() {
		rep.add(Consciousness, Result{Error: fmt.Sprintf("unknown consciousness level %q", v.Consciousness)})
	}
	return rep
}

// RawValue is a reading as submitted by a form: a JSON number, a JSON string
// or null.
type RawValue string

// UnmarshalJSON accepts numbers and strings verbatim.
func (r *RawValue) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*r = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = RawValue(s)
		return nil
	}
	*r = RawValue(b)
	return nil
}

// RawVitals is an unparsed vital set.
type RawVitals struct {
	RespiratoryRate RawValue `json:"respiratory_rate"`
	PulseRate       RawValue `json:"pulse_rate"`
	Temperature     RawValue `json:"temperature"`
	SpO2            RawValue `json:"spo2"`
	SystolicBP      RawValue `json:"systolic_bp"`
	Consciousness   string   `json:"consciousness"`
}

func (r RawVitals) raw(p Parameter) string {
	switch p {
	case RespiratoryRate:
		return string(r.RespiratoryRate)
	case PulseRate:
		return string(r.PulseRate)
	case Temperature:
		return string(r.Temperature)
	case SpO2:
		return string(r.SpO2)
	case SystolicBP:
		return string(r.SystolicBP)
	case Consciousness:
		return r.Consciousness
	}
	return ""
}

// ValidateRaw validates raw form input and, when it is free of errors,
// returns the parsed vital set.
func ValidateRaw(r RawVitals) (VitalSet, Report) {
	rep := newReport()
	var v VitalSet
	for _, p := range numericParameters {
		raw := strings.TrimSpace(r.raw(p))
		res := Validate(p, raw)
		rep.add(p, res)
		if raw == "" || res.Error != "" {
			continue
		}
		d, _ := decimal.NewFromString(raw)
		f := d.InexactFloat64()
		switch p {
		case RespiratoryRate:
			v.RespiratoryRate = &f
		case PulseRate:
			v.PulseRate = &f
		case Temperature:
			v.Temperature = &f
		case SpO2:
			v.SpO2 = &f
		case SystolicBP:
			v.SystolicBP = &f
		}
	}
	level, err := ParseConsciousness(r.Consciousness)
	if err != nil {
		rep.add(Consciousness, Result{Error: err.Error()})
	}
	v.Consciousness = level
	if !rep.Valid {
		return VitalSet{}, rep
	}
	return v, rep
}
