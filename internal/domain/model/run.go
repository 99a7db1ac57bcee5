package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status has no outgoing transition.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

type Stage string

const (
	StageExtract Stage = "extract"
	StageAnalyze Stage = "analyze"
	StageExport  Stage = "export"
)

// StageOrder is the fixed pipeline sequence.
var StageOrder = []Stage{StageExtract, StageAnalyze, StageExport}

// NextStage returns the stage after s, or false when s is the last.
func NextStage(s Stage) (Stage, bool) {
	for i, st := range StageOrder {
		if st == s && i+1 < len(StageOrder) {
			return StageOrder[i+1], true
		}
	}
	return "", false
}

// StagesBefore returns the stages that precede s in the sequence.
func StagesBefore(s Stage) []Stage {
	var out []Stage
	for _, st := range StageOrder {
		if st == s {
			break
		}
		out = append(out, st)
	}
	return out
}

// WorkflowRun is one end-to-end execution of the analysis pipeline for
// one uploaded artifact.
type WorkflowRun struct {
	ID              string
	Fingerprint     string
	FileIdentity    string
	StorageLocation string
	AnalysisKind    string
	PageCount       int

	Status       RunStatus
	CurrentStage Stage
	LastSeq      int64

	Result    json.RawMessage
	ErrorKind string
	ErrorMsg  string

	CancelRequested bool
	ClaimedBy       string
	ClaimedUntil    *time.Time

	StartedAt   time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

// NewWorkflowRun builds a pending run with a fresh sortable id.
func NewWorkflowRun(fileIdentity, storageLocation, analysisKind string, pageCount int) *WorkflowRun {
	now := time.Now()
	id := ulid.MustNew(ulid.Timestamp(now), ulid.Monotonic(rand.New(rand.NewSource(now.UnixNano())), 0))
	return &WorkflowRun{
		ID:              id.String(),
		Fingerprint:     Fingerprint(fileIdentity, analysisKind),
		FileIdentity:    fileIdentity,
		StorageLocation: storageLocation,
		AnalysisKind:    analysisKind,
		PageCount:       pageCount,
		Status:          RunStatusPending,
		CurrentStage:    StageExtract,
		StartedAt:       now,
		UpdatedAt:       now,
	}
}

// Fingerprint derives the idempotency key for one logical request.
// Two upload-completion signals for the same artifact and analysis
// kind always collapse to the same fingerprint.
func Fingerprint(fileIdentity, analysisKind string) string {
	h := sha256.New()
	h.Write([]byte(fileIdentity))
	h.Write([]byte{0})
	h.Write([]byte(analysisKind))
	return hex.EncodeToString(h.Sum(nil))
}

// Active reports whether the run still occupies its fingerprint slot.
func (r *WorkflowRun) Active() bool { return !r.Status.Terminal() }

type AttemptOutcome string

const (
	OutcomeSuccess          AttemptOutcome = "success"
	OutcomeRetryableFailure AttemptOutcome = "retryable_failure"
	OutcomeFatalFailure     AttemptOutcome = "fatal_failure"
)

// StageAttempt records one execution attempt of one stage within a run.
// Attempt numbers are strictly increasing per (run, stage).
type StageAttempt struct {
	ID        string
	RunID     string
	Stage     Stage
	Attempt   int
	StartedAt time.Time
	EndedAt   *time.Time
	Outcome   AttemptOutcome
	ErrorKind string
	ErrorMsg  string
}
