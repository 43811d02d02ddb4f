// Package notification delivers triage case events to people and systems
// outside the workflow core: a NATS subject for downstream messaging, a Redis
// feed of recent events, and the live websocket hub. Delivery is fire-and-
// forget; a failed sink never blocks or rolls back a case transition.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Event
// ---------------------------------------------------------------------------

// Event describes a case entering a new status.
type Event struct {
	ID             string    `json:"id"`
	CaseID         string    `json:"case_id"`
	PatientRef     string    `json:"patient_ref,omitempty"`
	PreviousStatus string    `json:"previous_status,omitempty"`
	NewStatus      string    `json:"new_status"`
	RiskTier       string    `json:"risk_tier"`
	EmergencyFlag  bool      `json:"emergency_flag"`
	Actor          string    `json:"actor"`
	OccurredAt     time.Time `json:"occurred_at"`
	Subject        string    `json:"subject,omitempty"`
	Body           string    `json:"body,omitempty"`
}

// Urgent reports whether the event warrants an immediate human-facing alert.
func (e Event) Urgent() bool {
	return e.NewStatus == "pending_review" && (e.EmergencyFlag || e.RiskTier == "high")
}

// ---------------------------------------------------------------------------
// Dispatcher / Sink
// ---------------------------------------------------------------------------

// Dispatcher accepts events from the workflow. Implementations must return
// promptly; an error means the event was not accepted and is only logged by
// the caller.
type Dispatcher interface {
	Dispatch(ctx context.Context, e Event) error
}

// Sink is one delivery channel.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, e Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Dispatch(context.Context, Event) error { return nil }

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

// Template renders the human-readable subject and body of an event.
type Template struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateEngine renders event templates with data. Its templates are fixed
// at construction, so it is safe for concurrent use.
type TemplateEngine struct {
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[string]*Template),
	}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:      "recorded",
			Name:    "Case Recorded",
			Subject: "Case {{case_id}} recorded ({{risk_tier}} risk)",
			Body:    "A {{risk_tier}} risk case for patient {{patient_ref}} was recorded by {{actor}}.",
		},
		{
			ID:      "pending_review",
			Name:    "Review Requested",
			Subject: "Case {{case_id}} is waiting for review",
			Body:    "Case {{case_id}} ({{risk_tier}} risk) was sent for review by {{actor}}.",
		},
		{
			ID:      "pending_review.urgent",
			Name:    "Urgent Review Requested",
			Subject: "URGENT: case {{case_id}} needs review now",
			Body:    "Case {{case_id}} for patient {{patient_ref}} was escalated as {{risk_tier}} risk by {{actor}}. Review immediately.",
		},
		{
			ID:      "awaiting_clarification",
			Name:    "Clarification Requested",
			Subject: "Clarification requested on case {{case_id}}",
			Body:    "{{actor}} asked a question about case {{case_id}}. Please respond so the review can continue.",
		},
		{
			ID:      "closed",
			Name:    "Case Closed",
			Subject: "Case {{case_id}} closed",
			Body:    "Case {{case_id}} was closed by {{actor}}.",
		},
		{
			ID:      "referral_approved",
			Name:    "Referral Approved",
			Subject: "Referral approved for case {{case_id}}",
			Body:    "{{actor}} approved a referral for patient {{patient_ref}} (case {{case_id}}).",
		},
		{
			ID:      "under_monitoring",
			Name:    "Placed Under Monitoring",
			Subject: "Case {{case_id}} placed under monitoring",
			Body:    "{{actor}} placed patient {{patient_ref}} under monitoring (case {{case_id}}).",
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// Render looks up a template by ID and performs {{key}} replacement using the
// supplied data map. Keys present in the template but absent from data are left
// as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	t, ok := e.templates[templateID]
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// RenderEvent fills in the event's subject and body from the template for its
// status, preferring the urgent variant when one exists.
func (e *TemplateEngine) RenderEvent(ev Event) (Event, error) {
	data := map[string]string{
		"case_id":     ev.CaseID,
		"patient_ref": ev.PatientRef,
		"risk_tier":   ev.RiskTier,
		"actor":       ev.Actor,
		"status":      ev.NewStatus,
	}
	id := ev.NewStatus
	if _, ok := e.templates[id+".urgent"]; ok && ev.Urgent() {
		id += ".urgent"
	}
	subject, body, err := e.Render(id, data)
	if err != nil {
		return ev, err
	}
	ev.Subject, ev.Body = subject, body
	return ev, nil
}

// ---------------------------------------------------------------------------
// Fanout
// ---------------------------------------------------------------------------

// Fanout renders an event once and delivers it to every sink in order. One
// sink failing does not stop the others; the joined error is returned.
type Fanout struct {
	templates *TemplateEngine
	sinks     []Sink
}

// NewFanout constructs a Fanout. A nil engine uses the built-in templates.
func NewFanout(tpl *TemplateEngine, sinks ...Sink) *Fanout {
	if tpl == nil {
		tpl = NewTemplateEngine()
	}
	return &Fanout{templates: tpl, sinks: sinks}
}

var _ Sink = (*Fanout)(nil)

func (f *Fanout) Name() string { return "fanout" }

// Deliver sends e to every sink.
func (f *Fanout) Deliver(ctx context.Context, e Event) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if rendered, err := f.templates.RenderEvent(e); err == nil {
		e = rendered
	}

	var errs []error
	for _, s := range f.sinks {
		if err := s.Deliver(ctx, e); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Dispatch delivers synchronously. Use Async to keep delivery off the
// request path.
func (f *Fanout) Dispatch(ctx context.Context, e Event) error {
	return f.Deliver(ctx, e)
}

// ---------------------------------------------------------------------------
// Recorder (test double)
// ---------------------------------------------------------------------------

// Recorder is a Sink and Dispatcher that keeps every event it receives.
type Recorder struct {
	mu         sync.Mutex
	events     []Event
	ShouldFail bool
	FailError  string
}

func (r *Recorder) Name() string { return "recorder" }

// Deliver records the event and optionally returns an error.
func (r *Recorder) Deliver(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	if r.ShouldFail {
		return errors.New(r.FailError)
	}
	return nil
}

func (r *Recorder) Dispatch(ctx context.Context, e Event) error { return r.Deliver(ctx, e) }

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
