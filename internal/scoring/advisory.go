package scoring

import "sort"

// CurrentGuidelineVersion is the advisory revision used for new cases.
const CurrentGuidelineVersion = "triage-advice-2024.1"

// Item is one suggested action shown to the frontline worker.
type Item struct {
	Icon string `json:"icon"`
	Text string `json:"text"`
}

// Guideline is a revision of the tier → action table. Revisions are
// append-only: a published version is never edited.
type Guideline struct {
	Version string
	items   map[RiskTier][]Item
}

// Advise returns the ordered actions for tier. The slice is a copy.
func (g *Guideline) Advise(tier RiskTier) []Item {
	src := g.items[tier]
	out := make([]Item, len(src))
	copy(out, src)
	return out
}

var guidelines = map[string]*Guideline{
	"triage-advice-2023.2": {
		Version: "triage-advice-2023.2",
		items: map[RiskTier][]Item{
			TierLow: {
				{Icon: "clipboard", Text: "Continue routine observations."},
			},
			TierMedium: {
				{Icon: "phone", Text: "Inform the reviewing clinician."},
				{Icon: "clock", Text: "Repeat observations hourly."},
			},
			TierHigh: {
				{Icon: "alert", Text: "Request an urgent clinical review."},
				{Icon: "monitor", Text: "Monitor vital signs continuously."},
			},
		},
	},
	CurrentGuidelineVersion: {
		Version: CurrentGuidelineVersion,
		items: map[RiskTier][]Item{
			TierLow: {
				{Icon: "clipboard", Text: "Continue routine observations at least every 12 hours."},
				{Icon: "info", Text: "Advise the patient to return if symptoms worsen."},
			},
			TierMedium: {
				{Icon: "phone", Text: "Inform the reviewing clinician urgently."},
				{Icon: "clock", Text: "Increase observations to at least hourly."},
				{Icon: "eye", Text: "Watch for new confusion or drowsiness."},
			},
			TierHigh: {
				{Icon: "alert", Text: "Escalate immediately to the reviewing clinician."},
				{Icon: "monitor", Text: "Monitor vital signs continuously."},
				{Icon: "ambulance", Text: "Prepare for emergency referral or transfer."},
				{Icon: "user", Text: "Do not leave the patient unattended."},
			},
		},
	},
}

// CurrentGuideline returns the revision used for new cases.
func CurrentGuideline() *Guideline {
	return guidelines[CurrentGuidelineVersion]
}

// GuidelineByVersion looks up a published revision.
func GuidelineByVersion(version string) (*Guideline, bool) {
	g, ok := guidelines[version]
	return g, ok
}

// GuidelineVersions lists the published revisions in order.
func GuidelineVersions() []string {
	out := make([]string, 0, len(guidelines))
	for v := range guidelines {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Advise returns the current guideline's actions for tier.
func Advise(tier RiskTier) []Item {
	return CurrentGuideline().Advise(tier)
}
