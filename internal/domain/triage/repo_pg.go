package triage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/triage/triage/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type caseRepoPG struct{ pool *pgxpool.Pool }

func NewCaseRepoPG(pool *pgxpool.Pool) CaseStore { return &caseRepoPG{pool: pool} }

func (r *caseRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const caseCols = `id, patient_ref, chief_complaint, vitals, manual_red_flags,
	assessment, risk_tier, total_score, advisory, advisory_version, vital_warnings,
	review_recommended, status, emergency_flag, escalation_reasons, clarification_thread,
	reviewer_note, created_by, created_at, reviewed_by, reviewed_at, updated_at, revision`

// Review queue order, kept in step with queueLess.
const queueOrder = `emergency_flag DESC,
	CASE risk_tier WHEN 'high' THEN 2 WHEN 'medium' THEN 1 ELSE 0 END DESC,
	created_at ASC, id ASC`

func (r *caseRepoPG) scanCase(row pgx.Row) (*Case, error) {
	var rec caseRecord
	err := row.Scan(&rec.ID, &rec.PatientRef, &rec.ChiefComplaint, &rec.Vitals, &rec.ManualRedFlags,
		&rec.Assessment, &rec.RiskTier, &rec.TotalScore, &rec.Advisory, &rec.AdvisoryVersion, &rec.VitalWarnings,
		&rec.ReviewRecommended, &rec.Status, &rec.EmergencyFlag, &rec.EscalationReasons, &rec.ClarificationThread,
		&rec.ReviewerNote, &rec.CreatedBy, &rec.CreatedAt, &rec.ReviewedBy, &rec.ReviewedAt, &rec.UpdatedAt, &rec.Revision)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec.toCase()
}

func (r *caseRepoPG) Create(ctx context.Context, c *Case) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `SELECT NOW()`).Scan(&c.CreatedAt)
		if err != nil {
			return err
		}
		c.UpdatedAt = c.CreatedAt
		c.Revision = 1
		rec, err := toRecord(c)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO triage_case (id, patient_ref, chief_complaint, vitals, manual_red_flags,
				assessment, risk_tier, total_score, advisory, advisory_version, vital_warnings,
				review_recommended, status, emergency_flag, escalation_reasons, clarification_thread,
				created_by, created_at, updated_at, revision)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
			rec.ID, rec.PatientRef, rec.ChiefComplaint, rec.Vitals, rec.ManualRedFlags,
			rec.Assessment, rec.RiskTier, rec.TotalScore, rec.Advisory, rec.AdvisoryVersion, rec.VitalWarnings,
			rec.ReviewRecommended, rec.Status, rec.EmergencyFlag, rec.EscalationReasons, rec.ClarificationThread,
			rec.CreatedBy, rec.CreatedAt, rec.UpdatedAt, rec.Revision)
		if err != nil {
			return err
		}
		return insertTransition(ctx, tx, &TransitionRecord{
			ID:         uuid.New(),
			CaseID:     c.ID,
			ToStatus:   c.Status,
			Command:    "create",
			Actor:      c.CreatedBy,
			OccurredAt: c.CreatedAt,
		})
	})
}

func (r *caseRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Case, error) {
	return r.scanCase(r.conn(ctx).QueryRow(ctx, `SELECT `+caseCols+` FROM triage_case WHERE id = $1`, id))
}

// ConditionalUpdate applies p only while the row still has status expected at
// the given revision. The guard and the audit insert commit together.
func (r *caseRepoPG) ConditionalUpdate(ctx context.Context, id uuid.UUID, expected Status, revision int, p Patch) error {
	thread, err := encodeThread(p.ClarificationThread)
	if err != nil {
		return err
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE triage_case SET status=$4, emergency_flag = emergency_flag OR $5,
				escalation_reasons=$6, clarification_thread=$7, reviewer_note=$8,
				reviewed_by=$9, reviewed_at=$10, updated_at=$11, revision = revision + 1
			WHERE id = $1 AND status = $2 AND revision = $3`,
			id, string(expected), revision, string(p.Status), p.EmergencyFlag,
			cloneStrings(p.EscalationReasons), thread, p.ReviewerNote,
			p.ReviewedBy, p.ReviewedAt, p.UpdatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM triage_case WHERE id = $1)`, id).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return ErrNotFound
			}
			return ErrConflict
		}
		rec := p.Record
		if rec.ID == uuid.Nil {
			rec.ID = uuid.New()
		}
		rec.CaseID = id
		return insertTransition(ctx, tx, &rec)
	})
}

func insertTransition(ctx context.Context, tx pgx.Tx, h *TransitionRecord) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO triage_case_transition (id, case_id, from_status, to_status, command, actor, note, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		h.ID, h.CaseID, string(h.FromStatus), string(h.ToStatus), h.Command, h.Actor, h.Note, h.OccurredAt)
	if err != nil {
		return fmt.Errorf("record transition: %w", err)
	}
	return nil
}

func (r *caseRepoPG) List(ctx context.Context, limit, offset int) ([]*Case, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM triage_case`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+caseCols+` FROM triage_case ORDER BY created_at DESC, id ASC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return r.collect(rows, total)
}

func (r *caseRepoPG) ListByStatus(ctx context.Context, status Status, limit, offset int) ([]*Case, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM triage_case WHERE status = $1`, string(status)).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+caseCols+` FROM triage_case WHERE status = $1 ORDER BY `+queueOrder+` LIMIT $2 OFFSET $3`, string(status), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return r.collect(rows, total)
}

func (r *caseRepoPG) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*Case, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM triage_case WHERE created_by = $1`, ownerID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+caseCols+` FROM triage_case WHERE created_by = $1 ORDER BY created_at DESC, id ASC LIMIT $2 OFFSET $3`, ownerID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return r.collect(rows, total)
}

func (r *caseRepoPG) collect(rows pgx.Rows, total int) ([]*Case, int, error) {
	defer rows.Close()
	items := []*Case{}
	for rows.Next() {
		c, err := r.scanCase(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *caseRepoPG) History(ctx context.Context, id uuid.UUID) ([]*TransitionRecord, error) {
	var exists bool
	if err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM triage_case WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, case_id, from_status, to_status, command, actor, note, occurred_at
		FROM triage_case_transition WHERE case_id = $1 ORDER BY occurred_at, seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []*TransitionRecord{}
	for rows.Next() {
		var h TransitionRecord
		var from, to string
		if err := rows.Scan(&h.ID, &h.CaseID, &from, &to, &h.Command, &h.Actor, &h.Note, &h.OccurredAt); err != nil {
			return nil, err
		}
		h.FromStatus, h.ToStatus = Status(from), Status(to)
		items = append(items, &h)
	}
	return items, rows.Err()
}
