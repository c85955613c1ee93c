package server

import (
	"reviewlog/internal/domain"
)

// Response payloads

type TaskStateResponse struct {
	ID                       string           `json:"id"`
	Data                     domain.TaskState `json:"data"`
	LastEventID              string           `json:"lastEventID"`
	LastEventTimestampMillis int64            `json:"lastEventTimestampMillis"`
}

type TaskStateListResponse struct {
	ObjectType string              `json:"objectType" enum:"list"`
	HasMore    bool                `json:"hasMore"`
	Data       []TaskStateResponse `json:"data"`
}

type EventRecordListResponse struct {
	Items []domain.EventRecord `json:"items"`
}

type EventListResponse struct {
	Items   []domain.Event `json:"items"`
	HasMore bool           `json:"hasMore"`
}

type CountersResponse struct {
	ActiveTaskCount int64 `json:"activeTaskCount"`
}

type RecountResponse struct {
	ActiveTaskCount int64 `json:"activeTaskCount"`
	Correction      int64 `json:"correction"`
}

type WhoAmIResponse struct {
	UserID string `json:"userID"`
	Source string `json:"source"`
}

func taskStateResponse(rec domain.EntityRecord) TaskStateResponse {
	return TaskStateResponse{
		ID:                       rec.Entity.TaskID,
		Data:                     rec.Entity,
		LastEventID:              rec.LastEventID,
		LastEventTimestampMillis: rec.LastEventTimestampMillis,
	}
}

func taskStateResponses(recs []domain.EntityRecord) []TaskStateResponse {
	out := make([]TaskStateResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, taskStateResponse(rec))
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
