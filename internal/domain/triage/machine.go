package triage

import (
	"fmt"
	"strings"
	"time"
)

// Command is one of the workflow actions applied to a case: RequestReview,
// RecordDecision or RespondToClarification.
type Command interface {
	// Name identifies the command in errors and the audit trail.
	Name() string
	// Actor is the user issuing the command.
	Actor() string

	from() Status
	validate() error
	// precheck rejects the command when the case content does not allow it.
	precheck(c *Case) error
	apply(c *Case, now time.Time)
	note() *string
}

// RequestReview escalates a recorded case to the review queue.
type RequestReview struct {
	IsEmergency bool     `json:"is_emergency"`
	Reasons     []string `json:"reasons"`
	RequestedBy string   `json:"-"`
}

func (RequestReview) Name() string    { return "request_review" }
func (r RequestReview) Actor() string { return r.RequestedBy }
func (RequestReview) from() Status    { return StatusRecorded }

func (r RequestReview) validate() error {
	if strings.TrimSpace(r.RequestedBy) == "" {
		return invalidCommand("requested_by is required")
	}
	if !r.IsEmergency && len(mergeReasons(nil, r.Reasons)) == 0 {
		return invalidCommand("at least one reason is required unless the case is an emergency")
	}
	return nil
}

func (RequestReview) precheck(*Case) error { return nil }

func (r RequestReview) apply(c *Case, _ time.Time) {
	c.Status = StatusPendingReview
	c.EmergencyFlag = c.EmergencyFlag || r.IsEmergency
	c.EscalationReasons = mergeReasons(c.EscalationReasons, r.Reasons)
}

func (r RequestReview) note() *string {
	merged := mergeReasons(nil, r.Reasons)
	if len(merged) == 0 {
		return nil
	}
	s := strings.Join(merged, "; ")
	return &s
}

// RecordDecision is a reviewing clinician's disposition of a pending case.
type RecordDecision struct {
	Action     DecisionAction `json:"action"`
	Question   string         `json:"question,omitempty"`
	Note       string         `json:"note,omitempty"`
	ReviewerID string         `json:"-"`
}

func (RecordDecision) Name() string    { return "record_decision" }
func (d RecordDecision) Actor() string { return d.ReviewerID }
func (RecordDecision) from() Status    { return StatusPendingReview }

func (d RecordDecision) validate() error {
	if strings.TrimSpace(d.ReviewerID) == "" {
		return invalidCommand("reviewer_id is required")
	}
	if _, ok := d.Action.Target(); !ok {
		return invalidCommand("unknown action %q", d.Action)
	}
	if d.Action == ActionRequestClarification && strings.TrimSpace(d.Question) == "" {
		return invalidCommand("question is required to request clarification")
	}
	return nil
}

func (RecordDecision) precheck(*Case) error { return nil }

func (d RecordDecision) apply(c *Case, now time.Time) {
	target, _ := d.Action.Target()
	c.Status = target
	reviewer := d.ReviewerID
	at := now
	c.ReviewedBy = &reviewer
	c.ReviewedAt = &at
	c.ReviewerNote = nil
	if n := strings.TrimSpace(d.Note); n != "" {
		c.ReviewerNote = &n
	}
	if d.Action == ActionRequestClarification {
		c.ClarificationThread = append(c.ClarificationThread, ClarificationEntry{
			AskedBy:  d.ReviewerID,
			Question: strings.TrimSpace(d.Question),
			AskedAt:  now,
		})
	}
}

func (d RecordDecision) note() *string {
	parts := []string{string(d.Action)}
	if q := strings.TrimSpace(d.Question); q != "" && d.Action == ActionRequestClarification {
		parts = append(parts, q)
	}
	if n := strings.TrimSpace(d.Note); n != "" {
		parts = append(parts, n)
	}
	s := strings.Join(parts, ": ")
	return &s
}

// RespondToClarification answers the reviewer's open question and returns the
// case to the review queue.
type RespondToClarification struct {
	Answer      string `json:"answer"`
	RespondedBy string `json:"-"`
}

func (RespondToClarification) Name() string    { return "respond_to_clarification" }
func (r RespondToClarification) Actor() string { return r.RespondedBy }
func (RespondToClarification) from() Status    { return StatusAwaitingClarification }

func (r RespondToClarification) validate() error {
	if strings.TrimSpace(r.RespondedBy) == "" {
		return invalidCommand("responded_by is required")
	}
	if strings.TrimSpace(r.Answer) == "" {
		return invalidCommand("answer is required")
	}
	return nil
}

func (r RespondToClarification) precheck(c *Case) error {
	if c.openClarification() < 0 {
		return &TransitionError{From: c.Status, Command: r.Name()}
	}
	return nil
}

func (r RespondToClarification) apply(c *Case, now time.Time) {
	at := now
	i := c.openClarification()
	c.ClarificationThread[i].Answer = strings.TrimSpace(r.Answer)
	c.ClarificationThread[i].AnsweredBy = r.RespondedBy
	c.ClarificationThread[i].AnsweredAt = &at
	c.Status = StatusPendingReview
}

func (RespondToClarification) note() *string { return nil }

// Transition applies cmd to c and returns the resulting case. c itself is
// never modified. A command not allowed in the current status yields a
// *TransitionError; a malformed command yields ErrInvalidCommand.
func Transition(c *Case, cmd Command, now time.Time) (*Case, error) {
	if !c.Status.Valid() {
		return nil, fmt.Errorf("case %s has unknown status %q", c.ID, c.Status)
	}
	if c.Status != cmd.from() {
		return nil, &TransitionError{From: c.Status, Command: cmd.Name()}
	}
	if err := cmd.validate(); err != nil {
		return nil, err
	}
	if err := cmd.precheck(c); err != nil {
		return nil, err
	}

	next := c.Clone()
	cmd.apply(next, now)
	next.UpdatedAt = now
	next.Revision = c.Revision + 1
	return next, nil
}

// Allowed reports whether cmd may be applied to a case in status s.
func Allowed(s Status, cmd Command) bool {
	return s.Valid() && s == cmd.from()
}
