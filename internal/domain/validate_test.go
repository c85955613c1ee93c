package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validIngest(id, taskID string) LegacyActionLog {
	return LegacyActionLog{ID: id, Data: ActionLog{Type: ActionLogIngest, TaskID: taskID, TimestampMillis: 15}}
}

func TestValidateLegacyLogsAcceptsIngest(t *testing.T) {
	require.NoError(t, ValidateLegacyLogs([]LegacyActionLog{validIngest("a", "t")}, "body"))
}

func TestValidateLegacyLogsReportsFieldPaths(t *testing.T) {
	logs := []LegacyActionLog{
		validIngest("a", "t"),
		{ID: "b", Data: ActionLog{Type: ActionLogRepetition, TaskID: "t", TimestampMillis: 20}},
		{ID: "c", Data: ActionLog{Type: ActionLogReschedule, TaskID: "t", TimestampMillis: 20}},
	}
	err := ValidateLegacyLogs(logs, "body")
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))

	var messages []string
	for _, f := range verr.Errors {
		messages = append(messages, f.String())
	}
	assert.Contains(t, messages, "body/1/data must have required property 'context'")
	assert.Contains(t, messages, "body/1/data must have required property 'parentActionLogIDs'")
	assert.Contains(t, messages, "body/1/data must have required property 'outcome'")
	assert.Contains(t, messages, "body/2/data must have required property 'newTimestampMillis'")
}

func TestValidateLegacyLogsRejectsUnknownTypeAndDuplicates(t *testing.T) {
	logs := []LegacyActionLog{
		{ID: "a", Data: ActionLog{Type: "explode", TaskID: "t"}},
		validIngest("a", "t"),
	}
	err := ValidateLegacyLogs(logs, "body")
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Errors, 2)
	assert.Equal(t, "body/0/data/actionLogType", verr.Errors[0].Path)
	assert.Equal(t, "body/1/id", verr.Errors[1].Path)
}

func TestValidateEventsEmptyBatch(t *testing.T) {
	err := ValidateEvents(nil, "body")
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "body", verr.Errors[0].Path)
}

func TestLegacyEventConvertsEveryIdentifier(t *testing.T) {
	ctx := "review"
	l := LegacyActionLog{ID: "log", Data: ActionLog{
		Type:            ActionLogRepetition,
		TaskID:          "task",
		TimestampMillis: 30,
		Payload: Payload{
			ParentActionLogIDs: []string{"p1", "p2"},
			Outcome:            OutcomeRemembered,
			Context:            &ctx,
		},
	}}
	evt := LegacyEvent(l, func(s string) string { return "x-" + s })
	assert.Equal(t, "x-log", evt.ID)
	assert.Equal(t, "x-task", evt.EntityID)
	assert.Equal(t, []string{"x-p1", "x-p2"}, evt.ParentActionLogIDs)
	assert.Equal(t, []string{"p1", "p2"}, l.Data.ParentActionLogIDs)
	assert.Equal(t, int64(30), evt.TimestampMillis)
}

func TestTaskStateActive(t *testing.T) {
	var missing *TaskState
	assert.False(t, missing.Active())
	assert.True(t, (&TaskState{}).Active())
	assert.False(t, (&TaskState{IsDeleted: true}).Active())
}

func TestValidateEventsRejectsNegativeReschedule(t *testing.T) {
	to := int64(-1)
	evts := []Event{
		{ID: "a", EntityID: "t", Type: ActionLogIngest, TimestampMillis: 10},
		{ID: "b", EntityID: "t", Type: ActionLogReschedule, TimestampMillis: 20,
			Payload: Payload{ParentActionLogIDs: []string{"a"}, NewTimestampMillis: &to}},
	}
	err := ValidateEvents(evts, "body")
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	require.Len(t, verr.Errors, 1)
	assert.Equal(t, "body/1/newTimestampMillis", verr.Errors[0].Path)
	assert.Contains(t, verr.Error(), "must be >= 0")
}
