package triage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/triage/triage/internal/scoring"
)

// Status is the workflow state of a triage case.
type Status string

const (
	StatusRecorded              Status = "recorded"
	StatusPendingReview         Status = "pending_review"
	StatusAwaitingClarification Status = "awaiting_clarification"
	StatusClosed                Status = "closed"
	StatusReferralApproved      Status = "referral_approved"
	StatusUnderMonitoring       Status = "under_monitoring"
)

var allStatuses = []Status{
	StatusRecorded,
	StatusPendingReview,
	StatusAwaitingClarification,
	StatusClosed,
	StatusReferralApproved,
	StatusUnderMonitoring,
}

// Statuses returns every case status in workflow order.
func Statuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

func (s Status) Valid() bool {
	for _, v := range allStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusClosed, StatusReferralApproved, StatusUnderMonitoring:
		return true
	case StatusRecorded, StatusPendingReview, StatusAwaitingClarification:
		return false
	default:
		return false
	}
}

func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

// DecisionAction is a reviewing clinician's disposition.
type DecisionAction string

const (
	ActionClose                DecisionAction = "close"
	ActionApproveReferral      DecisionAction = "approve_referral"
	ActionPlaceUnderMonitoring DecisionAction = "place_under_monitoring"
	ActionRequestClarification DecisionAction = "request_clarification"
)

// Target returns the status a decision moves the case to.
func (a DecisionAction) Target() (Status, bool) {
	switch a {
	case ActionClose:
		return StatusClosed, true
	case ActionApproveReferral:
		return StatusReferralApproved, true
	case ActionPlaceUnderMonitoring:
		return StatusUnderMonitoring, true
	case ActionRequestClarification:
		return StatusAwaitingClarification, true
	}
	return "", false
}

// ClarificationEntry is one question from a reviewer and the frontline answer.
type ClarificationEntry struct {
	AskedBy    string     `json:"asked_by"`
	Question   string     `json:"question"`
	AskedAt    time.Time  `json:"asked_at"`
	AnsweredBy string     `json:"answered_by,omitempty"`
	Answer     string     `json:"answer,omitempty"`
	AnsweredAt *time.Time `json:"answered_at,omitempty"`
}

// Open reports whether the question is still unanswered.
func (e ClarificationEntry) Open() bool { return e.AnsweredAt == nil }

// Case is one clinical encounter. It is created once in StatusRecorded and
// never deleted; a correction is a new case for the same patient.
type Case struct {
	ID             uuid.UUID        `json:"id"`
	PatientRef     string           `json:"patient_ref"`
	ChiefComplaint string           `json:"chief_complaint,omitempty"`
	Vitals         scoring.VitalSet `json:"vitals"`
	ManualRedFlags []string         `json:"manual_red_flags"`

	// Frozen at creation.
	Assessment        scoring.RiskAssessment `json:"assessment"`
	Advisory          []scoring.Item         `json:"advisory"`
	AdvisoryVersion   string                 `json:"advisory_version"`
	VitalWarnings     []string               `json:"vital_warnings"`
	ReviewRecommended bool                   `json:"review_recommended"`

	Status              Status               `json:"status"`
	EmergencyFlag       bool                 `json:"emergency_flag"`
	EscalationReasons   []string             `json:"escalation_reasons"`
	ClarificationThread []ClarificationEntry `json:"clarification_thread"`
	ReviewerNote        *string              `json:"reviewer_note,omitempty"`

	CreatedBy  string     `json:"created_by"`
	CreatedAt  time.Time  `json:"created_at"`
	ReviewedBy *string    `json:"reviewed_by,omitempty"`
	ReviewedAt *time.Time `json:"reviewed_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
	// Revision increases by one with every stored transition.
	Revision int `json:"revision"`
}

// Clone returns a deep copy of c.
func (c *Case) Clone() *Case {
	out := *c
	out.ManualRedFlags = cloneStrings(c.ManualRedFlags)
	out.VitalWarnings = cloneStrings(c.VitalWarnings)
	out.EscalationReasons = cloneStrings(c.EscalationReasons)
	out.Advisory = append([]scoring.Item{}, c.Advisory...)
	out.Assessment.Breakdown = append([]scoring.ParameterScore{}, c.Assessment.Breakdown...)
	out.Assessment.MissingParameters = append([]scoring.Parameter{}, c.Assessment.MissingParameters...)
	out.Vitals = cloneVitals(c.Vitals)
	out.ClarificationThread = make([]ClarificationEntry, len(c.ClarificationThread))
	for i, e := range c.ClarificationThread {
		if e.AnsweredAt != nil {
			t := *e.AnsweredAt
			e.AnsweredAt = &t
		}
		out.ClarificationThread[i] = e
	}
	out.ReviewerNote = clonePtr(c.ReviewerNote)
	out.ReviewedBy = clonePtr(c.ReviewedBy)
	out.ReviewedAt = clonePtr(c.ReviewedAt)
	return &out
}

// openClarification returns the index of the most recent unanswered entry.
func (c *Case) openClarification() int {
	for i := len(c.ClarificationThread) - 1; i >= 0; i-- {
		if c.ClarificationThread[i].Open() {
			return i
		}
	}
	return -1
}

// TransitionRecord is one row of the append-only case audit trail.
type TransitionRecord struct {
	ID         uuid.UUID `json:"id"`
	CaseID     uuid.UUID `json:"case_id"`
	FromStatus Status    `json:"from_status,omitempty"`
	ToStatus   Status    `json:"to_status"`
	Command    string    `json:"command"`
	Actor      string    `json:"actor"`
	Note       *string   `json:"note,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

var (
	ErrNotFound       = errors.New("triage case not found")
	ErrConflict       = errors.New("triage case was changed by another request")
	ErrInvalidCommand = errors.New("invalid command")
)

// TransitionError reports a command that is not allowed in the case's
// current status.
type TransitionError struct {
	From    Status
	Command string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s: case is %s", strings.ReplaceAll(e.Command, "_", " "), e.From)
}

// ValidationError carries the blocking vital-sign errors found at case
// creation. Warnings ride along for display.
type ValidationError struct {
	Report scoring.Report
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Report.Errors))
	for _, is := range e.Report.Errors {
		msgs = append(msgs, fmt.Sprintf("%s: %s", is.Parameter, is.Message))
	}
	return "invalid vitals: " + strings.Join(msgs, "; ")
}

func invalidCommand(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidCommand, fmt.Sprintf(format, args...))
}

// mergeReasons returns the union of existing and add, trimmed, without blanks,
// in first-seen order.
func mergeReasons(existing, add []string) []string {
	out := make([]string, 0, len(existing)+len(add))
	seen := make(map[string]bool, len(existing)+len(add))
	for _, list := range [][]string{existing, add} {
		for _, r := range list {
			r = strings.TrimSpace(r)
			if r == "" || seen[r] {
				continue
			}
			seen[r] = true
			out = append(out, r)
		}
	}
	return out
}

func cloneStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return append([]string{}, s...)
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneVitals(v scoring.VitalSet) scoring.VitalSet {
	v.RespiratoryRate = clonePtr(v.RespiratoryRate)
	v.PulseRate = clonePtr(v.PulseRate)
	v.Temperature = clonePtr(v.Temperature)
	v.SpO2 = clonePtr(v.SpO2)
	v.SystolicBP = clonePtr(v.SystolicBP)
	return v
}
