package triage

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_RoundTripIsByteIdentical(t *testing.T) {
	c := newCase(StatusAwaitingClarification, highVitals(), "stridor")
	answered := baseTime.Add(10 * time.Minute)
	c.ClarificationThread = []ClarificationEntry{
		{AskedBy: "dr-1", Question: "onset?", AskedAt: baseTime, AnsweredBy: "fw-1", Answer: "this morning", AnsweredAt: &answered},
		{AskedBy: "dr-1", Question: "allergies?", AskedAt: baseTime.Add(20 * time.Minute)},
	}
	c.VitalWarnings = []string{"SpO2 of 94 is low. Please double-check."}

	rec, err := toRecord(c)
	require.NoError(t, err)
	got, err := rec.toCase()
	require.NoError(t, err)

	wantAssessment, _ := json.Marshal(c.Assessment)
	gotAssessment, _ := json.Marshal(got.Assessment)
	assert.Equal(t, string(wantAssessment), string(gotAssessment))

	wantThread, _ := json.Marshal(c.ClarificationThread)
	gotThread, _ := json.Marshal(got.ClarificationThread)
	assert.Equal(t, string(wantThread), string(gotThread))

	wantCase, _ := json.Marshal(c)
	gotCase, _ := json.Marshal(got)
	assert.JSONEq(t, string(wantCase), string(gotCase))
}

func TestRecord_ColumnsMirrorAssessment(t *testing.T) {
	c := newCase(StatusRecorded, mediumVitals())
	rec, err := toRecord(c)
	require.NoError(t, err)
	assert.Equal(t, "medium", rec.RiskTier)
	assert.Equal(t, c.Assessment.TotalScore, rec.TotalScore)
	assert.Equal(t, "recorded", rec.Status)
}

func TestRecord_TamperedAssessmentRejected(t *testing.T) {
	rec, err := toRecord(newCase(StatusRecorded, highVitals()))
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Assessment, &doc))
	doc["risk_tier"] = "low"
	rec.Assessment, _ = json.Marshal(doc)

	_, err = rec.toCase()
	assert.Error(t, err)
}

func TestRecord_UnknownStatusRejected(t *testing.T) {
	rec, err := toRecord(newCase(StatusRecorded, normalVitals()))
	require.NoError(t, err)
	rec.Status = "archived"

	_, err = rec.toCase()
	assert.Error(t, err)
}

func TestRecord_NilThreadStoredAsEmptyArray(t *testing.T) {
	c := newCase(StatusRecorded, normalVitals())
	c.ClarificationThread = nil
	rec, err := toRecord(c)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(rec.ClarificationThread))

	got, err := rec.toCase()
	require.NoError(t, err)
	assert.NotNil(t, got.ClarificationThread)
	assert.Empty(t, got.ClarificationThread)
}

func TestRecord_EarlierScoringVersionKeepsTier(t *testing.T) {
	c := newCase(StatusClosed, normalVitals())
	c.Revision = 3
	rec, err := toRecord(c)
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Assessment, &doc))
	doc["scoring_version"] = "NEWS2-RCP-2012"
	doc["risk_tier"] = "medium"
	rec.Assessment, _ = json.Marshal(doc)

	got, err := rec.toCase()
	require.NoError(t, err)
	assert.Equal(t, "medium", string(got.Assessment.RiskTier))
	assert.Equal(t, 3, got.Revision)
}
