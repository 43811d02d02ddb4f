package triage

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triage/triage/internal/scoring"
)

func storeCase(t *testing.T, store CaseStore, c *Case) *Case {
	t.Helper()
	require.NoError(t, store.Create(context.Background(), c))
	return c
}

// moveTo forces a stored case into status s through ConditionalUpdate.
func moveTo(t *testing.T, store CaseStore, c *Case, s Status, emergency bool) {
	t.Helper()
	next := c.Clone()
	next.Status = s
	next.EmergencyFlag = emergency
	rec := TransitionRecord{FromStatus: c.Status, ToStatus: s, Command: "test", Actor: "tester", OccurredAt: baseTime}
	require.NoError(t, store.ConditionalUpdate(context.Background(), c.ID, c.Status, c.Revision, PatchFrom(next, rec)))
	c.Revision++
	c.Status = s
	c.EmergencyFlag = emergency
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	store := NewMemoryStore()
	c := storeCase(t, store, newCase(StatusRecorded, highVitals()))

	got, err := store.GetByID(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.PatientRef, got.PatientRef)
	assert.Equal(t, c.Assessment, got.Assessment)

	got.PatientRef = "changed"
	*got.Vitals.PulseRate = 1
	again, err := store.GetByID(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, "MRN-1001", again.PatientRef)
	assert.Equal(t, 110.0, *again.Vitals.PulseRate)
}

func TestMemoryStore_CreateAssignsID(t *testing.T) {
	store := NewMemoryStore()
	c := newCase(StatusRecorded, normalVitals())
	c.ID = uuid.Nil
	require.NoError(t, store.Create(context.Background(), c))
	assert.NotEqual(t, uuid.Nil, c.ID)
}

func TestMemoryStore_GetNotFound(t *testing.T) {
	_, err := NewMemoryStore().GetByID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ConditionalUpdateConflict(t *testing.T) {
	store := NewMemoryStore()
	c := storeCase(t, store, newCase(StatusRecorded, normalVitals()))

	next := c.Clone()
	next.Status = StatusClosed
	err := store.ConditionalUpdate(context.Background(), c.ID, StatusPendingReview, c.Revision, PatchFrom(next, TransitionRecord{ToStatus: StatusClosed}))
	assert.ErrorIs(t, err, ErrConflict)

	got, err := store.GetByID(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRecorded, got.Status)

	hist, err := store.History(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestMemoryStore_ConditionalUpdateNotFound(t *testing.T) {
	err := NewMemoryStore().ConditionalUpdate(context.Background(), uuid.New(), StatusRecorded, 1, Patch{Status: StatusPendingReview})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ConditionalUpdateStaleRevision(t *testing.T) {
	store := NewMemoryStore()
	c := storeCase(t, store, newCase(StatusPendingReview, normalVitals()))
	assert.Equal(t, 1, c.Revision)

	stale := c.Clone()
	moveTo(t, store, c, StatusAwaitingClarification, false)
	moveTo(t, store, c, StatusPendingReview, false)

	next := stale.Clone()
	next.Status = StatusClosed
	err := store.ConditionalUpdate(context.Background(), c.ID, StatusPendingReview, stale.Revision, PatchFrom(next, TransitionRecord{ToStatus: StatusClosed}))
	assert.ErrorIs(t, err, ErrConflict)

	got, err := store.GetByID(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingReview, got.Status)
	assert.Equal(t, 3, got.Revision)
}

func TestMemoryStore_EmergencyFlagNeverCleared(t *testing.T) {
	store := NewMemoryStore()
	c := storeCase(t, store, newCase(StatusRecorded, normalVitals()))
	moveTo(t, store, c, StatusPendingReview, true)
	moveTo(t, store, c, StatusClosed, false)

	got, err := store.GetByID(context.Background(), c.ID)
	require.NoError(t, err)
	assert.True(t, got.EmergencyFlag)
	assert.Equal(t, StatusClosed, got.Status)
}

func TestMemoryStore_History(t *testing.T) {
	store := NewMemoryStore()
	c := storeCase(t, store, newCase(StatusRecorded, normalVitals()))
	moveTo(t, store, c, StatusPendingReview, false)
	moveTo(t, store, c, StatusClosed, false)

	hist, err := store.History(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, "create", hist[0].Command)
	assert.Equal(t, Status(""), hist[0].FromStatus)
	assert.Equal(t, StatusRecorded, hist[0].ToStatus)
	assert.Equal(t, StatusRecorded, hist[1].FromStatus)
	assert.Equal(t, StatusPendingReview, hist[1].ToStatus)
	assert.Equal(t, StatusClosed, hist[2].ToStatus)
	for _, h := range hist {
		assert.Equal(t, c.ID, h.CaseID)
		assert.NotEqual(t, uuid.Nil, h.ID)
	}

	_, err = store.History(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_QueueOrder(t *testing.T) {
	store := NewMemoryStore()
	mk := func(v scoring.VitalSet, emergency bool, age time.Duration) *Case {
		c := newCase(StatusRecorded, v)
		c.CreatedAt = baseTime.Add(-age)
		storeCase(t, store, c)
		moveTo(t, store, c, StatusPendingReview, emergency)
		return c
	}
	lowOld := mk(normalVitals(), false, 3*time.Hour)
	highNew := mk(highVitals(), false, time.Minute)
	highOld := mk(highVitals(), false, time.Hour)
	medium := mk(mediumVitals(), false, 2*time.Hour)
	emergencyLow := mk(normalVitals(), true, 0)
	storeCase(t, store, newCase(StatusRecorded, highVitals()))

	items, total, err := store.ListByStatus(context.Background(), StatusPendingReview, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, total)

	var got []uuid.UUID
	for _, c := range items {
		got = append(got, c.ID)
	}
	assert.Equal(t, []uuid.UUID{emergencyLow.ID, highOld.ID, highNew.ID, medium.ID, lowOld.ID}, got)
}

func TestMemoryStore_QueueOrderTieBreaksOnID(t *testing.T) {
	store := NewMemoryStore()
	var ids []string
	for i := 0; i < 6; i++ {
		c := storeCase(t, store, newCase(StatusPendingReview, highVitals()))
		ids = append(ids, c.ID.String())
	}
	sort.Strings(ids)

	for run := 0; run < 3; run++ {
		items, _, err := store.ListByStatus(context.Background(), StatusPendingReview, 10, 0)
		require.NoError(t, err)
		var got []string
		for _, c := range items {
			got = append(got, c.ID.String())
		}
		assert.Equal(t, ids, got)
	}
}

func TestMemoryStore_ListByOwnerAndPaging(t *testing.T) {
	store := NewMemoryStore()
	for i := 0; i < 5; i++ {
		c := newCase(StatusRecorded, normalVitals())
		c.CreatedAt = baseTime.Add(time.Duration(i) * time.Minute)
		if i%2 == 0 {
			c.CreatedBy = "fw-2"
		}
		storeCase(t, store, c)
	}

	mine, total, err := store.ListByOwner(context.Background(), "fw-2", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, mine, 2)
	assert.True(t, mine[0].CreatedAt.After(mine[1].CreatedAt))

	all, total, err := store.List(context.Background(), 2, 4)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, all, 1)

	none, _, err := store.List(context.Background(), 2, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}
