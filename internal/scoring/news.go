package scoring

import (
	"fmt"
	"math"
	"strings"
)

// ScoringVersion identifies the weighting table below. It is frozen into every
// assessment so a later table change never rewrites history.
const ScoringVersion = "NEWS2-RCP-2017"

// Aggregate thresholds of the NEWS2 clinical response bands.
const (
	MediumThreshold = 5
	HighThreshold   = 7

	// AlteredConsciousnessPoints is scored for any level other than Alert.
	AlteredConsciousnessPoints = 3
)

// RiskTier is the output classification of the scorer.
type RiskTier string

const (
	TierLow    RiskTier = "low"
	TierMedium RiskTier = "medium"
	TierHigh   RiskTier = "high"
)

// Valid reports whether t is a known tier.
func (t RiskTier) Valid() bool {
	switch t {
	case TierLow, TierMedium, TierHigh:
		return true
	}
	return false
}

// ParseRiskTier parses a tier name.
func ParseRiskTier(s string) (RiskTier, error) {
	t := RiskTier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown risk tier %q", s)
	}
	return t, nil
}

// Rank orders tiers for queue sorting.
func (t RiskTier) Rank() int {
	switch t {
	case TierHigh:
		return 2
	case TierMedium:
		return 1
	}
	return 0
}

// band assigns points to readings up to and including upTo.
type band struct {
	upTo   float64
	points int
}

type weightTable []band

func (w weightTable) points(v float64) int {
	for _, b := range w {
		if v <= b.upTo {
			return b.points
		}
	}
	return w[len(w)-1].points
}

var inf = math.Inf(1)

// NEWS2 single-parameter weightings (RCP 2017, SpO2 scale 1).
var weightTables = map[Parameter]weightTable{
	RespiratoryRate: {{8, 3}, {11, 1}, {20, 0}, {24, 2}, {inf, 3}},
	SpO2:            {{91, 3}, {93, 2}, {95, 1}, {inf, 0}},
	SystolicBP:      {{90, 3}, {100, 2}, {110, 1}, {219, 0}, {inf, 3}},
	PulseRate:       {{40, 3}, {50, 1}, {90, 0}, {110, 1}, {130, 2}, {inf, 3}},
	Temperature:     {{35.0, 3}, {36.0, 1}, {38.0, 0}, {39.0, 1}, {inf, 2}},
}

// ParameterScore is one row of the breakdown.
type ParameterScore struct {
	Parameter Parameter `json:"parameter"`
	RawValue  string    `json:"raw_value"`
	Points    int       `json:"points"`
}

// RiskAssessment is the immutable result of scoring one vital set.
type RiskAssessment struct {
	Breakdown         []ParameterScore `json:"breakdown"`
	TotalScore        int              `json:"total_score"`
	RiskTier          RiskTier         `json:"risk_tier"`
	IsPartial         bool             `json:"is_partial"`
	MissingParameters []Parameter      `json:"missing_parameters"`
	HasManualOverride bool             `json:"has_manual_override"`
	ScoringVersion    string           `json:"scoring_version"`
}

// Sum returns the sum of the breakdown points.
func (a RiskAssessment) Sum() int {
	total := 0
	for _, ps := range a.Breakdown {
		total += ps.Points
	}
	return total
}

// Verify checks the derived fields against the breakdown. A stored
// assessment that fails this check has been edited outside the scorer.
func (a RiskAssessment) Verify() error {
	if sum := a.Sum(); a.TotalScore != sum {
		return fmt.Errorf("total score %d does not match breakdown sum %d", a.TotalScore, sum)
	}
	if !a.RiskTier.Valid() {
		return fmt.Errorf("unknown risk tier %q", a.RiskTier)
	}
	if a.HasManualOverride && a.RiskTier != TierHigh {
		return fmt.Errorf("manual override with risk tier %q", a.RiskTier)
	}
	// Tier thresholds are only known for the current table; assessments made
	// under an earlier one keep the tier they were given.
	if a.ScoringVersion == ScoringVersion {
		if want := TierFor(a.TotalScore, a.HasManualOverride); a.RiskTier != want {
			return fmt.Errorf("risk tier %q does not match derived tier %q", a.RiskTier, want)
		}
	}
	if a.IsPartial != (len(a.MissingParameters) > 0) {
		return fmt.Errorf("is_partial=%t inconsistent with %d missing parameters", a.IsPartial, len(a.MissingParameters))
	}
	return nil
}

// TierFor maps an aggregate score to a tier. A manual override always yields
// TierHigh.
func TierFor(total int, override bool) RiskTier {
	switch {
	case override:
		return TierHigh
	case total >= HighThreshold:
		return TierHigh
	case total >= MediumThreshold:
		return TierMedium
	default:
		return TierLow
	}
}

// PointsFor returns the weighting for a single numeric reading.
func PointsFor(p Parameter, v float64) (int, bool) {
	w, ok := weightTables[p]
	if !ok {
		return 0, false
	}
	return w.points(v), true
}

// ConsciousnessPoints returns the weighting for a consciousness level.
func ConsciousnessPoints(l ConsciousnessLevel) int {
	if l == "" || l == Alert {
		return 0
	}
	return AlteredConsciousnessPoints
}

// Score computes the assessment for vitals and the manual red flags raised by
// the frontline worker. Any red flag with non-blank text forces TierHigh; the
// breakdown and total are still reported as computed. Score never fails.
func Score(vitals VitalSet, redFlags []string) RiskAssessment {
	a := RiskAssessment{
		Breakdown:         make([]ParameterScore, 0, len(numericParameters)+1),
		MissingParameters: []Parameter{},
		ScoringVersion:    ScoringVersion,
	}

	for _, p := range numericParameters {
		v, ok := vitals.Value(p)
		if !ok {
			a.MissingParameters = append(a.MissingParameters, p)
			continue
		}
		pts, _ := PointsFor(p, v)
		a.Breakdown = append(a.Breakdown, ParameterScore{Parameter: p, RawValue: formatReading(v), Points: pts})
	}

	level := vitals.Level()
	a.Breakdown = append(a.Breakdown, ParameterScore{
		Parameter: Consciousness,
		RawValue:  string(level),
		Points:    ConsciousnessPoints(level),
	})

	a.TotalScore = a.Sum()
	a.IsPartial = len(a.MissingParameters) > 0
	a.HasManualOverride = hasFlag(redFlags)
	a.RiskTier = TierFor(a.TotalScore, a.HasManualOverride)
	return a
}

func hasFlag(flags []string) bool {
	for _, f := range flags {
		if strings.TrimSpace(f) != "" {
			return true
		}
	}
	return false
}
