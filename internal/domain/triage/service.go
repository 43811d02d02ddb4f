package triage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/triage/triage/internal/platform/notification"
	"github.com/triage/triage/internal/scoring"
)

type Service struct {
	store    CaseStore
	notifier notification.Dispatcher
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(store CaseStore, notifier notification.Dispatcher, logger zerolog.Logger) *Service {
	if notifier == nil {
		notifier = notification.Nop{}
	}
	return &Service{
		store:    store,
		notifier: notifier,
		logger:   logger.With().Str("component", "triage").Logger(),
		now:      time.Now,
	}
}

// SetClock replaces the time source used for transitions.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// CreateCaseInput is the frontline submission for a new case.
type CreateCaseInput struct {
	PatientRef     string            `json:"patient_ref"`
	ChiefComplaint string            `json:"chief_complaint"`
	Vitals         scoring.RawVitals `json:"vitals"`
	ManualRedFlags []string          `json:"manual_red_flags"`
}

// Preview is a scored vital set that has not been stored.
type Preview struct {
	Assessment        scoring.RiskAssessment `json:"assessment"`
	Advisory          []scoring.Item         `json:"advisory"`
	AdvisoryVersion   string                 `json:"advisory_version"`
	Warnings          []scoring.Issue        `json:"warnings"`
	ReviewRecommended bool                   `json:"review_recommended"`
}

// ValidateVitals checks raw vitals without scoring them.
func (s *Service) ValidateVitals(raw scoring.RawVitals) scoring.Report {
	_, rep := scoring.ValidateRaw(raw)
	return rep
}

// PreviewScore validates, scores and advises on raw vitals. Validation errors
// are returned as *ValidationError.
func (s *Service) PreviewScore(raw scoring.RawVitals, redFlags []string) (*Preview, error) {
	vitals, rep := scoring.ValidateRaw(raw)
	if !rep.Valid {
		return nil, &ValidationError{Report: rep}
	}
	assessment := scoring.Score(vitals, mergeReasons(nil, redFlags))
	return &Preview{
		Assessment:        assessment,
		Advisory:          scoring.Advise(assessment.RiskTier),
		AdvisoryVersion:   scoring.CurrentGuidelineVersion,
		Warnings:          rep.Warnings,
		ReviewRecommended: reviewRecommended(assessment),
	}, nil
}

// CreateCase validates the vitals, scores them, attaches the current advisory
// and stores the case in StatusRecorded. The assessment, advisory and
// validation warnings are frozen on the case from here on.
func (s *Service) CreateCase(ctx context.Context, in CreateCaseInput, createdBy string) (*Case, error) {
	if strings.TrimSpace(in.PatientRef) == "" {
		return nil, invalidCommand("patient_ref is required")
	}
	if strings.TrimSpace(createdBy) == "" {
		return nil, invalidCommand("created_by is required")
	}
	flags := mergeReasons(nil, in.ManualRedFlags)
	preview, err := s.PreviewScore(in.Vitals, flags)
	if err != nil {
		return nil, err
	}
	vitals, rep := scoring.ValidateRaw(in.Vitals)
	warnings := rep.WarningMessages()

	now := s.now().UTC()
	c := &Case{
		ID:                  uuid.New(),
		PatientRef:          strings.TrimSpace(in.PatientRef),
		ChiefComplaint:      strings.TrimSpace(in.ChiefComplaint),
		Vitals:              vitals,
		ManualRedFlags:      flags,
		Assessment:          preview.Assessment,
		Advisory:            preview.Advisory,
		AdvisoryVersion:     preview.AdvisoryVersion,
		VitalWarnings:       warnings,
		ReviewRecommended:   preview.ReviewRecommended,
		Status:              StatusRecorded,
		EscalationReasons:   []string{},
		ClarificationThread: []ClarificationEntry{},
		CreatedBy:           createdBy,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.store.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("create case: %w", err)
	}

	s.logger.Info().
		Str("case_id", c.ID.String()).
		Str("risk_tier", string(c.Assessment.RiskTier)).
		Int("total_score", c.Assessment.TotalScore).
		Bool("override", c.Assessment.HasManualOverride).
		Str("actor", createdBy).
		Msg("case recorded")
	s.dispatch(ctx, c, "", createdBy, c.CreatedAt)
	return c, nil
}

func (s *Service) GetCase(ctx context.Context, id uuid.UUID) (*Case, error) {
	return s.store.GetByID(ctx, id)
}

func (s *Service) ListCases(ctx context.Context, limit, offset int) ([]*Case, int, error) {
	return s.store.List(ctx, limit, offset)
}

// ListQueue returns cases in status s in review-queue order.
func (s *Service) ListQueue(ctx context.Context, status Status, limit, offset int) ([]*Case, int, error) {
	if !status.Valid() {
		return nil, 0, invalidCommand("unknown status %q", status)
	}
	return s.store.ListByStatus(ctx, status, limit, offset)
}

func (s *Service) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*Case, int, error) {
	return s.store.ListByOwner(ctx, ownerID, limit, offset)
}

func (s *Service) History(ctx context.Context, id uuid.UUID) ([]*TransitionRecord, error) {
	return s.store.History(ctx, id)
}

// RequestReview moves a recorded case to the review queue.
func (s *Service) RequestReview(ctx context.Context, id uuid.UUID, cmd RequestReview) (*Case, error) {
	return s.apply(ctx, id, cmd)
}

// RecordReviewerDecision applies a clinician's disposition to a pending case.
func (s *Service) RecordReviewerDecision(ctx context.Context, id uuid.UUID, cmd RecordDecision) (*Case, error) {
	return s.apply(ctx, id, cmd)
}

// RespondToClarification answers the open question and requeues the case.
func (s *Service) RespondToClarification(ctx context.Context, id uuid.UUID, cmd RespondToClarification) (*Case, error) {
	return s.apply(ctx, id, cmd)
}

// apply reads the case, computes the transition and stores it only if the
// case is unchanged since the read. A lost race returns ErrConflict and is
// not retried.
func (s *Service) apply(ctx context.Context, id uuid.UUID, cmd Command) (*Case, error) {
	cur, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	next, err := Transition(cur, cmd, now)
	if err != nil {
		return nil, err
	}

	rec := TransitionRecord{
		ID:         uuid.New(),
		CaseID:     id,
		FromStatus: cur.Status,
		ToStatus:   next.Status,
		Command:    cmd.Name(),
		Actor:      cmd.Actor(),
		Note:       cmd.note(),
		OccurredAt: now,
	}
	if err := s.store.ConditionalUpdate(ctx, id, cur.Status, cur.Revision, PatchFrom(next, rec)); err != nil {
		if errors.Is(err, ErrConflict) {
			s.logger.Warn().
				Str("case_id", id.String()).
				Str("expected_status", string(cur.Status)).
				Int("revision", cur.Revision).
				Str("command", cmd.Name()).
				Str("actor", cmd.Actor()).
				Msg("concurrent update lost")
		}
		return nil, err
	}

	s.logger.Info().
		Str("case_id", id.String()).
		Str("from", string(cur.Status)).
		Str("to", string(next.Status)).
		Str("actor", cmd.Actor()).
		Bool("emergency", next.EmergencyFlag).
		Msg("case transition")
	s.dispatch(ctx, next, cur.Status, cmd.Actor(), now)
	return next, nil
}

// dispatch hands the event to the notifier. Failures are logged only.
func (s *Service) dispatch(ctx context.Context, c *Case, from Status, actor string, at time.Time) {
	ev := notification.Event{
		CaseID:         c.ID.String(),
		PatientRef:     c.PatientRef,
		PreviousStatus: string(from),
		NewStatus:      string(c.Status),
		RiskTier:       string(c.Assessment.RiskTier),
		EmergencyFlag:  c.EmergencyFlag,
		Actor:          actor,
		OccurredAt:     at,
	}
	if err := s.notifier.Dispatch(ctx, ev); err != nil {
		s.logger.Warn().Err(err).
			Str("case_id", ev.CaseID).
			Str("status", ev.NewStatus).
			Msg("notification dispatch failed")
	}
}

func reviewRecommended(a scoring.RiskAssessment) bool {
	return a.HasManualOverride || a.RiskTier.Rank() >= scoring.TierMedium.Rank()
}
