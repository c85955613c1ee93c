package domain

import "fmt"

// ValidateLegacyLogs checks every log in a batch and reports all problems at once.
func ValidateLegacyLogs(logs []LegacyActionLog, root string) error {
	verr := &ValidationError{}
	if len(logs) == 0 {
		verr.add(root, "must NOT have fewer than 1 items")
	}
	seen := make(map[string]int, len(logs))
	for i, l := range logs {
		path := fmt.Sprintf("%s/%d", root, i)
		if l.ID == "" {
			verr.add(path, "must have required property 'id'")
		} else if prev, ok := seen[l.ID]; ok {
			verr.add(path+"/id", "duplicates %s/%d/id", root, prev)
		} else {
			seen[l.ID] = i
		}
		dataPath := path + "/data"
		if l.Data.TaskID == "" {
			verr.add(dataPath, "must have required property 'taskID'")
		}
		validateHeader(verr, dataPath, "actionLogType", l.Data.Type, l.Data.TimestampMillis)
		validatePayload(verr, dataPath, l.Data.Type, l.Data.Payload)
	}
	return verr.orNil()
}

// ValidateEvents checks a batch of events. IDs must already be assigned.
func ValidateEvents(events []Event, root string) error {
	verr := &ValidationError{}
	if len(events) == 0 {
		verr.add(root, "must NOT have fewer than 1 items")
	}
	for i, e := range events {
		path := fmt.Sprintf("%s/%d", root, i)
		if e.ID == "" {
			verr.add(path, "must have required property 'id'")
		}
		if e.EntityID == "" {
			verr.add(path, "must have required property 'entityID'")
		}
		validateHeader(verr, path, "type", e.Type, e.TimestampMillis)
		validatePayload(verr, path, e.Type, e.Payload)
	}
	return verr.orNil()
}

func validateHeader(verr *ValidationError, path, typeField string, t ActionLogType, ts int64) {
	if t == "" {
		verr.add(path, "must have required property '%s'", typeField)
	} else if !t.Valid() {
		verr.add(path+"/"+typeField, "must be equal to one of the allowed values")
	}
	if ts < 0 {
		verr.add(path+"/timestampMillis", "must be >= 0")
	}
}

func validatePayload(verr *ValidationError, path string, t ActionLogType, p Payload) {
	switch t {
	case ActionLogRepetition:
		if p.ParentActionLogIDs == nil {
			verr.add(path, "must have required property 'parentActionLogIDs'")
		}
		if p.Context == nil {
			verr.add(path, "must have required property 'context'")
		}
		if p.Outcome == "" {
			verr.add(path, "must have required property 'outcome'")
		} else if !p.Outcome.Valid() {
			verr.add(path+"/outcome", "must be equal to one of the allowed values")
		}
	case ActionLogReschedule:
		if p.ParentActionLogIDs == nil {
			verr.add(path, "must have required property 'parentActionLogIDs'")
		}
		if p.NewTimestampMillis == nil {
			verr.add(path, "must have required property 'newTimestampMillis'")
		} else if *p.NewTimestampMillis < 0 {
			verr.add(path+"/newTimestampMillis", "must be >= 0")
		}
	case ActionLogUpdateMetadata:
		if p.ParentActionLogIDs == nil {
			verr.add(path, "must have required property 'parentActionLogIDs'")
		}
		if p.Updates == nil {
			verr.add(path, "must have required property 'updates'")
		}
	}
	for i, id := range p.ParentActionLogIDs {
		if id == "" {
			verr.add(fmt.Sprintf("%s/parentActionLogIDs/%d", path, i), "must NOT have fewer than 1 characters")
		}
	}
}
