package domain

// ActionLogType tags the variant carried by an action log.
type ActionLogType string

const (
	ActionLogIngest         ActionLogType = "ingest"
	ActionLogRepetition     ActionLogType = "repetition"
	ActionLogReschedule     ActionLogType = "reschedule"
	ActionLogUpdateMetadata ActionLogType = "updateMetadata"
)

// Valid reports whether t is a known action log type.
func (t ActionLogType) Valid() bool {
	switch t {
	case ActionLogIngest, ActionLogRepetition, ActionLogReschedule, ActionLogUpdateMetadata:
		return true
	}
	return false
}

// Outcome is the result of a single review.
type Outcome string

const (
	OutcomeRemembered Outcome = "remembered"
	OutcomeForgotten  Outcome = "forgotten"
	OutcomeSkipped    Outcome = "skipped"
)

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeRemembered, OutcomeForgotten, OutcomeSkipped:
		return true
	}
	return false
}

// MetadataUpdates is the payload of an updateMetadata log.
type MetadataUpdates struct {
	IsDeleted  *bool `json:"isDeleted,omitempty"`
	Provenance any   `json:"provenance,omitempty"`
}

// Payload holds the type-specific fields shared by action logs and events.
type Payload struct {
	ParentActionLogIDs []string         `json:"parentActionLogIDs,omitempty"`
	Provenance         any              `json:"provenance,omitempty"`
	Outcome            Outcome          `json:"outcome,omitempty" enum:"remembered,forgotten,skipped"`
	Context            *string          `json:"context,omitempty"`
	TaskParameters     any              `json:"taskParameters,omitempty"`
	NewTimestampMillis *int64           `json:"newTimestampMillis,omitempty"`
	Updates            *MetadataUpdates `json:"updates,omitempty"`
}

// ActionLog is the legacy client-facing form of a task event.
type ActionLog struct {
	Type            ActionLogType `json:"actionLogType" enum:"ingest,repetition,reschedule,updateMetadata"`
	TaskID          string        `json:"taskID"`
	TimestampMillis int64         `json:"timestampMillis"`
	Payload
}

// LegacyActionLog pairs a client-assigned log ID with its data.
type LegacyActionLog struct {
	ID   string    `json:"id"`
	Data ActionLog `json:"data"`
}

// Event is an immutable fact about one entity.
type Event struct {
	ID              string        `json:"id" required:"false" doc:"Assigned by the server when empty"`
	EntityID        string        `json:"entityID"`
	Type            ActionLogType `json:"type" enum:"ingest,repetition,reschedule,updateMetadata"`
	TimestampMillis int64         `json:"timestampMillis"`
	Payload
}

// IntervalState is the scheduling state carried between reviews.
type IntervalState struct {
	IntervalMillis            int64 `json:"intervalMillis"`
	LastReviewTimestampMillis int64 `json:"lastReviewTimestampMillis"`
	RepetitionCount           int   `json:"repetitionCount"`
}

// TaskState is the materialized state of one task.
type TaskState struct {
	TaskID             string        `json:"taskID"`
	CreatedAtMillis    int64         `json:"createdAtMillis"`
	DueTimestampMillis int64         `json:"dueTimestampMillis"`
	Interval           IntervalState `json:"interval"`
	IsDeleted          bool          `json:"isDeleted"`
	Provenance         any           `json:"provenance,omitempty"`
}

// Active reports whether s counts toward the active task count.
func (s *TaskState) Active() bool {
	return s != nil && !s.IsDeleted
}

// EntityRecord is a snapshot plus the bookkeeping the store owns.
type EntityRecord struct {
	Entity                   TaskState `json:"entity"`
	LastEventID              string    `json:"lastEventID"`
	LastEventTimestampMillis int64     `json:"lastEventTimestampMillis"`
	CreationSeq              int64     `json:"-"`
	Version                  int64     `json:"-"`
}

// EventRecord is returned for each event accepted by a write.
type EventRecord struct {
	Event  Event      `json:"event"`
	Entity *TaskState `json:"entity,omitempty"`
}

// EntityQuery selects a page of entities.
type EntityQuery struct {
	AfterID                  string
	Limit                    int
	DueBeforeTimestampMillis *int64
}

// EventQuery selects a page of events.
type EventQuery struct {
	AfterID  string
	EntityID string
	Limit    int
}

// LegacyEvent converts a legacy log into an event using idFn for every identifier.
func LegacyEvent(l LegacyActionLog, idFn func(string) string) Event {
	payload := l.Data.Payload
	if len(payload.ParentActionLogIDs) > 0 {
		parents := make([]string, len(payload.ParentActionLogIDs))
		for i, p := range payload.ParentActionLogIDs {
			parents[i] = idFn(p)
		}
		payload.ParentActionLogIDs = parents
	}
	return Event{
		ID:              idFn(l.ID),
		EntityID:        idFn(l.Data.TaskID),
		Type:            l.Data.Type,
		TimestampMillis: l.Data.TimestampMillis,
		Payload:         payload,
	}
}
