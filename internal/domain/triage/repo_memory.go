package triage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryStore is a CaseStore held in process memory. Cases are kept in their
// stored form so reads never share memory with callers.
type memoryStore struct {
	mu      sync.RWMutex
	cases   map[uuid.UUID]*caseRecord
	history map[uuid.UUID][]*TransitionRecord
}

// NewMemoryStore returns an empty in-memory CaseStore, used in development
// and tests.
func NewMemoryStore() CaseStore {
	return &memoryStore{
		cases:   make(map[uuid.UUID]*caseRecord),
		history: make(map[uuid.UUID][]*TransitionRecord),
	}
}

func (m *memoryStore) Create(_ context.Context, c *Case) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = c.CreatedAt
	c.Revision = 1
	rec, err := toRecord(c)
	if err != nil {
		return err
	}
	m.cases[c.ID] = rec
	m.history[c.ID] = []*TransitionRecord{{
		ID:         uuid.New(),
		CaseID:     c.ID,
		ToStatus:   c.Status,
		Command:    "create",
		Actor:      c.CreatedBy,
		OccurredAt: c.CreatedAt,
	}}
	return nil
}

func (m *memoryStore) GetByID(_ context.Context, id uuid.UUID) (*Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.cases[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.toCase()
}

func (m *memoryStore) ConditionalUpdate(_ context.Context, id uuid.UUID, expected Status, revision int, p Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.cases[id]
	if !ok {
		return ErrNotFound
	}
	if rec.Status != string(expected) || rec.Revision != revision {
		return ErrConflict
	}
	c, err := rec.toCase()
	if err != nil {
		return err
	}
	p.applyTo(c)
	next, err := toRecord(c)
	if err != nil {
		return err
	}
	m.cases[id] = next

	hr := p.Record
	if hr.ID == uuid.Nil {
		hr.ID = uuid.New()
	}
	hr.CaseID = id
	m.history[id] = append(m.history[id], &hr)
	return nil
}

func (m *memoryStore) List(_ context.Context, limit, offset int) ([]*Case, int, error) {
	items, err := m.collect(func(*caseRecord) bool { return true })
	if err != nil {
		return nil, 0, err
	}
	sortNewestFirst(items)
	return page(items, limit, offset), len(items), nil
}

func (m *memoryStore) ListByStatus(_ context.Context, status Status, limit, offset int) ([]*Case, int, error) {
	items, err := m.collect(func(r *caseRecord) bool { return r.Status == string(status) })
	if err != nil {
		return nil, 0, err
	}
	sort.SliceStable(items, func(i, j int) bool { return queueLess(items[i], items[j]) })
	return page(items, limit, offset), len(items), nil
}

func (m *memoryStore) ListByOwner(_ context.Context, ownerID string, limit, offset int) ([]*Case, int, error) {
	items, err := m.collect(func(r *caseRecord) bool { return r.CreatedBy == ownerID })
	if err != nil {
		return nil, 0, err
	}
	sortNewestFirst(items)
	return page(items, limit, offset), len(items), nil
}

func (m *memoryStore) History(_ context.Context, id uuid.UUID) ([]*TransitionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.cases[id]; !ok {
		return nil, ErrNotFound
	}
	out := make([]*TransitionRecord, 0, len(m.history[id]))
	for _, h := range m.history[id] {
		cp := *h
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memoryStore) collect(keep func(*caseRecord) bool) ([]*Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var items []*Case
	for _, rec := range m.cases {
		if !keep(rec) {
			continue
		}
		c, err := rec.toCase()
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, nil
}

// queueLess orders the review queue: emergencies, then higher tier, then the
// longest waiting. Ties fall back to the id so the order is stable.
func queueLess(a, b *Case) bool {
	if a.EmergencyFlag != b.EmergencyFlag {
		return a.EmergencyFlag
	}
	if ra, rb := a.Assessment.RiskTier.Rank(), b.Assessment.RiskTier.Rank(); ra != rb {
		return ra > rb
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

func sortNewestFirst(items []*Case) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID.String() < items[j].ID.String()
	})
}

func page(items []*Case, limit, offset int) []*Case {
	if offset >= len(items) {
		return []*Case{}
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}
