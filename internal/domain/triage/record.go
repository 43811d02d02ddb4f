package triage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/triage/triage/internal/scoring"
)

// caseRecord is the stored form of a Case: scalar columns plus JSON documents
// for the nested values.
type caseRecord struct {
	ID                  uuid.UUID
	PatientRef          string
	ChiefComplaint      string
	Vitals              []byte
	ManualRedFlags      []string
	Assessment          []byte
	RiskTier            string
	TotalScore          int
	Advisory            []byte
	AdvisoryVersion     string
	VitalWarnings       []string
	ReviewRecommended   bool
	Status              string
	EmergencyFlag       bool
	EscalationReasons   []string
	ClarificationThread []byte
	ReviewerNote        *string
	CreatedBy           string
	CreatedAt           time.Time
	ReviewedBy          *string
	ReviewedAt          *time.Time
	UpdatedAt           time.Time
	Revision            int
}

func toRecord(c *Case) (*caseRecord, error) {
	vitals, err := json.Marshal(c.Vitals)
	if err != nil {
		return nil, fmt.Errorf("encode vitals: %w", err)
	}
	assessment, err := json.Marshal(c.Assessment)
	if err != nil {
		return nil, fmt.Errorf("encode assessment: %w", err)
	}
	advisory, err := json.Marshal(nonNilItems(c.Advisory))
	if err != nil {
		return nil, fmt.Errorf("encode advisory: %w", err)
	}
	thread, err := encodeThread(c.ClarificationThread)
	if err != nil {
		return nil, err
	}
	return &caseRecord{
		ID:                  c.ID,
		PatientRef:          c.PatientRef,
		ChiefComplaint:      c.ChiefComplaint,
		Vitals:              vitals,
		ManualRedFlags:      cloneStrings(c.ManualRedFlags),
		Assessment:          assessment,
		RiskTier:            string(c.Assessment.RiskTier),
		TotalScore:          c.Assessment.TotalScore,
		Advisory:            advisory,
		AdvisoryVersion:     c.AdvisoryVersion,
		VitalWarnings:       cloneStrings(c.VitalWarnings),
		ReviewRecommended:   c.ReviewRecommended,
		Status:              string(c.Status),
		EmergencyFlag:       c.EmergencyFlag,
		EscalationReasons:   cloneStrings(c.EscalationReasons),
		ClarificationThread: thread,
		ReviewerNote:        clonePtr(c.ReviewerNote),
		CreatedBy:           c.CreatedBy,
		CreatedAt:           c.CreatedAt,
		ReviewedBy:          clonePtr(c.ReviewedBy),
		ReviewedAt:          clonePtr(c.ReviewedAt),
		UpdatedAt:           c.UpdatedAt,
		Revision:            c.Revision,
	}, nil
}

// toCase decodes the record. A stored assessment whose derived fields no
// longer match its breakdown is rejected rather than served.
func (r *caseRecord) toCase() (*Case, error) {
	status, err := ParseStatus(r.Status)
	if err != nil {
		return nil, fmt.Errorf("case %s: %w", r.ID, err)
	}
	c := &Case{
		ID:                r.ID,
		PatientRef:        r.PatientRef,
		ChiefComplaint:    r.ChiefComplaint,
		ManualRedFlags:    cloneStrings(r.ManualRedFlags),
		AdvisoryVersion:   r.AdvisoryVersion,
		VitalWarnings:     cloneStrings(r.VitalWarnings),
		ReviewRecommended: r.ReviewRecommended,
		Status:            status,
		EmergencyFlag:     r.EmergencyFlag,
		EscalationReasons: cloneStrings(r.EscalationReasons),
		ReviewerNote:      clonePtr(r.ReviewerNote),
		CreatedBy:         r.CreatedBy,
		CreatedAt:         r.CreatedAt,
		ReviewedBy:        clonePtr(r.ReviewedBy),
		ReviewedAt:        clonePtr(r.ReviewedAt),
		UpdatedAt:         r.UpdatedAt,
		Revision:          r.Revision,
	}
	if err := json.Unmarshal(r.Vitals, &c.Vitals); err != nil {
		return nil, fmt.Errorf("case %s: decode vitals: %w", r.ID, err)
	}
	if err := json.Unmarshal(r.Assessment, &c.Assessment); err != nil {
		return nil, fmt.Errorf("case %s: decode assessment: %w", r.ID, err)
	}
	if err := c.Assessment.Verify(); err != nil {
		return nil, fmt.Errorf("case %s: stored assessment: %w", r.ID, err)
	}
	if err := json.Unmarshal(r.Advisory, &c.Advisory); err != nil {
		return nil, fmt.Errorf("case %s: decode advisory: %w", r.ID, err)
	}
	if c.ClarificationThread, err = decodeThread(r.ClarificationThread); err != nil {
		return nil, fmt.Errorf("case %s: %w", r.ID, err)
	}
	return c, nil
}

func encodeThread(t []ClarificationEntry) ([]byte, error) {
	if t == nil {
		t = []ClarificationEntry{}
	}
	b, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode clarification thread: %w", err)
	}
	return b, nil
}

func decodeThread(b []byte) ([]ClarificationEntry, error) {
	t := []ClarificationEntry{}
	if len(b) == 0 {
		return t, nil
	}
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("decode clarification thread: %w", err)
	}
	return t, nil
}

func nonNilItems(items []scoring.Item) []scoring.Item {
	if items == nil {
		return []scoring.Item{}
	}
	return items
}
