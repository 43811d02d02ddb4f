package triage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CaseStore persists triage cases. ConditionalUpdate is the only way a stored
// case changes: it applies the patch only while the stored status and
// revision still equal the ones the caller read, and returns ErrConflict
// otherwise. Create stores revision 1; each update adds one.
type CaseStore interface {
	Create(ctx context.Context, c *Case) error
	GetByID(ctx context.Context, id uuid.UUID) (*Case, error)
	ConditionalUpdate(ctx context.Context, id uuid.UUID, expected Status, revision int, p Patch) error
	List(ctx context.Context, limit, offset int) ([]*Case, int, error)
	// ListByStatus returns the review queue order: emergencies first, then
	// higher risk tier, then oldest.
	ListByStatus(ctx context.Context, status Status, limit, offset int) ([]*Case, int, error)
	ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*Case, int, error)
	History(ctx context.Context, id uuid.UUID) ([]*TransitionRecord, error)
}

// Patch holds the mutable workflow fields of a case after a transition, plus
// the audit row recorded with it.
type Patch struct {
	Status              Status
	EmergencyFlag       bool
	EscalationReasons   []string
	ClarificationThread []ClarificationEntry
	ReviewerNote        *string
	ReviewedBy          *string
	ReviewedAt          *time.Time
	UpdatedAt           time.Time
	Record              TransitionRecord
}

// PatchFrom builds the patch that turns the stored case into next.
func PatchFrom(next *Case, rec TransitionRecord) Patch {
	return Patch{
		Status:              next.Status,
		EmergencyFlag:       next.EmergencyFlag,
		EscalationReasons:   next.EscalationReasons,
		ClarificationThread: next.ClarificationThread,
		ReviewerNote:        next.ReviewerNote,
		ReviewedBy:          next.ReviewedBy,
		ReviewedAt:          next.ReviewedAt,
		UpdatedAt:           next.UpdatedAt,
		Record:              rec,
	}
}

// applyTo writes the patch fields onto c.
func (p Patch) applyTo(c *Case) {
	c.Status = p.Status
	c.EmergencyFlag = c.EmergencyFlag || p.EmergencyFlag
	c.EscalationReasons = cloneStrings(p.EscalationReasons)
	c.ClarificationThread = append([]ClarificationEntry{}, p.ClarificationThread...)
	c.ReviewerNote = clonePtr(p.ReviewerNote)
	c.ReviewedBy = clonePtr(p.ReviewedBy)
	c.ReviewedAt = clonePtr(p.ReviewedAt)
	c.UpdatedAt = p.UpdatedAt
	c.Revision++
}
