// Copyright 2025 James Ross
package queue

import (
	"encoding/json"
	"time"
)

// TraceEnvelope carries trace correlation ids through the queue so dequeue,
// progress, and finalization log lines can be joined to the submission
// that originated them.
type TraceEnvelope struct {
	TraceID string `json:"trace_id"`
	SpanID  string `json:"span_id"`
}

// priorityRank maps a priority class name to the integer rank used by the
// wire-level job envelope (1 highest, 10 lowest, per the queue contract).
var priorityRank = map[string]int{
	"high":   1,
	"normal": 5,
	"low":    10,
}

// RankForClass returns the integer priority for a named priority class,
// defaulting to the "normal" rank for unknown classes.
func RankForClass(class string) int {
	if r, ok := priorityRank[class]; ok {
		return r
	}
	return priorityRank["normal"]
}

// Job is the envelope placed on a Redis priority list. Payload references
// the authoritative operation_id; the queue itself never interprets it.
type Job struct {
	QueueJobID    string          `json:"queue_job_id"`
	OperationID   string          `json:"operation_id"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Priority      int             `json:"priority"`
	PriorityClass string          `json:"priority_class"`
	AttemptsMade  int             `json:"attempts_made"`
	ScheduledAt   time.Time       `json:"scheduled_at"`
	LeaseUntil    time.Time       `json:"lease_until,omitempty"`
	Trace         TraceEnvelope   `json:"trace"`

	// FilePath/FileSize are retained from the original file-ingestion job
	// shape; media submissions populate Payload instead.
	FilePath string `json:"filepath,omitempty"`
	FileSize int64  `json:"filesize,omitempty"`
}

// NewJob builds a Job from a priority class name, matching the original
// file-ingestion constructor signature used by callers that predate the
// operation/payload envelope.
func NewJob(id, path string, size int64, priorityClass string, traceID, spanID string) Job {
	return Job{
		QueueJobID:    id,
		FilePath:      path,
		FileSize:      size,
		Priority:      RankForClass(priorityClass),
		PriorityClass: priorityClass,
		AttemptsMade:  0,
		ScheduledAt:   time.Now().UTC(),
		Trace:         TraceEnvelope{TraceID: traceID, SpanID: spanID},
	}
}

// NewOperationJob builds a Job carrying an operation payload for the
// submission and worker pipeline.
func NewOperationJob(id, operationID, jobType string, payload json.RawMessage, priorityClass string, trace TraceEnvelope) Job {
	return Job{
		QueueJobID:    id,
		OperationID:   operationID,
		Type:          jobType,
		Payload:       payload,
		Priority:      RankForClass(priorityClass),
		PriorityClass: priorityClass,
		ScheduledAt:   time.Now().UTC(),
		Trace:         trace,
	}
}

func (j Job) Marshal() (string, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func UnmarshalJob(s string) (Job, error) {
	var j Job
	err := json.Unmarshal([]byte(s), &j)
	return j, err
}
