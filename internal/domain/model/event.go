package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventStarted       EventType = "started"
	EventStageProgress EventType = "stage_progress"
	EventStageComplete EventType = "stage_complete"
	EventCompleted     EventType = "completed"
	EventFailed        EventType = "failed"
	EventHeartbeat     EventType = "heartbeat"
)

// ProgressPayload is the stage-specific body of a progress event. All
// fields are optional; which ones are set depends on the event type.
type ProgressPayload struct {
	Stage        string          `json:"stage,omitempty"`
	Message      string          `json:"message,omitempty"`
	Percent      int             `json:"percent,omitempty"`
	Tier         string          `json:"tier,omitempty"`
	BatchesDone  int             `json:"batches_done,omitempty"`
	BatchesTotal int             `json:"batches_total,omitempty"`
	ErrorKind    string          `json:"error_kind,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
}

// ProgressEvent is an immutable fact published to the progress bus.
// Sequence is strictly increasing per workflow; consumers must
// tolerate gaps and duplicates.
type ProgressEvent struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	Sequence   int64           `json:"sequence"`
	Type       EventType       `json:"type"`
	Payload    ProgressPayload `json:"payload"`
	EmittedAt  time.Time       `json:"emitted_at"`
}

func NewProgressEvent(workflowID string, seq int64, typ EventType, payload ProgressPayload) ProgressEvent {
	return ProgressEvent{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Sequence:   seq,
		Type:       typ,
		Payload:    payload,
		EmittedAt:  time.Now(),
	}
}

// Terminal reports whether the event ends the workflow's event stream.
func (e ProgressEvent) Terminal() bool {
	return e.Type == EventCompleted || e.Type == EventFailed
}
