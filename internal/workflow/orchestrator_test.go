//go:build !integration

package workflow_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"construction-doc-analysis/internal/domain"
	"construction-doc-analysis/internal/domain/model"
	memstream "construction-doc-analysis/internal/infra/stream"
	"construction-doc-analysis/internal/workflow"
)

func testLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

func testConfig() workflow.Config {
	return workflow.Config{
		Claimant:        "test-worker",
		PollInterval:    10 * time.Millisecond,
		MaxAttempts:     3,
		BackoffBase:     time.Millisecond,
		BackoffMax:      5 * time.Millisecond,
		CapacityBackoff: time.Millisecond,
		StageTimeout:    time.Second,
		Lease:           time.Minute,
		CancelPoll:      5 * time.Millisecond,
	}
}

type harness struct {
	repo     *MemoryRunRepo
	attempts *MemoryAttemptRepo
	bus      *memstream.MemoryBus
	store    *FakeStore
	gateway  *FakeGateway
	analyzer *FakeAnalyzer
	orch     *workflow.Orchestrator
}

func newHarness(cfg workflow.Config) *harness {
	h := &harness{
		repo:     NewMemoryRunRepo(),
		attempts: NewMemoryAttemptRepo(),
		bus:      memstream.NewMemoryBus(256, 10*time.Millisecond),
		store:    NewFakeStore(),
		gateway:  &FakeGateway{},
		analyzer: &FakeAnalyzer{},
	}
	activities := []workflow.StageActivity{
		workflow.NewExtractActivity(h.store, h.gateway, model.ExtractionOptions{Strategy: model.StrategyThorough}),
		workflow.NewAnalyzeActivity(h.analyzer, "gpt-4o-mini", 1000),
		workflow.NewExportActivity(h.store, "gs://results/analyses"),
	}
	h.orch = workflow.NewOrchestrator(h.repo, h.attempts, FakeTxManager{}, h.bus, activities, nil, cfg, testLogger())
	return h
}

func (h *harness) startRun(t *testing.T) *model.WorkflowRun {
	t.Helper()
	run := model.NewWorkflowRun("uploads/site-plan.pdf", "gs://docs/uploads/site-plan.pdf", model.AnalysisKindScope, 7)
	h.repo.Add(run)
	claimed, err := h.repo.ClaimNext(context.Background(), "test-worker", time.Minute)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	return claimed
}

// drainEvents replays the run's full event history until the stream
// closes after its terminal event.
func (h *harness) drainEvents(t *testing.T, runID string) []model.ProgressEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sub, err := h.bus.Subscribe(ctx, runID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	var out []model.ProgressEvent
	for {
		select {
		case ev, open := <-sub.Events():
			if !open {
				return out
			}
			out = append(out, ev)
		case <-ctx.Done():
			t.Fatalf("event stream did not close; got %d events", len(out))
		}
	}
}

func TestExecuteCompletesRunThroughAllStages(t *testing.T) {
	h := newHarness(testConfig())
	run := h.startRun(t)

	h.orch.Execute(context.Background(), run)

	final := h.repo.Snapshot(run.ID)
	if final.Status != model.RunStatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
	if len(final.Result) == 0 {
		t.Fatal("run result not recorded")
	}

	exported, ok := h.store.Object("gs://results/analyses/" + run.ID + ".json")
	if !ok {
		t.Fatal("result object not exported")
	}
	var doc struct {
		WorkflowID string `json:"workflow_id"`
		Findings   struct {
			Summary string `json:"summary"`
		} `json:"findings"`
	}
	if err := json.Unmarshal(exported, &doc); err != nil {
		t.Fatalf("exported document: %v", err)
	}
	if doc.WorkflowID != run.ID || doc.Findings.Summary == "" {
		t.Fatalf("exported document incomplete: %+v", doc)
	}

	events := h.drainEvents(t, run.ID)
	if len(events) == 0 {
		t.Fatal("no events published")
	}
	var lastSeq int64
	completes := 0
	for _, ev := range events {
		if ev.Sequence <= lastSeq {
			t.Fatalf("sequence regressed: %d after %d", ev.Sequence, lastSeq)
		}
		lastSeq = ev.Sequence
		if ev.Type == model.EventStageComplete {
			completes++
		}
	}
	if completes != 3 {
		t.Fatalf("stage_complete events = %d, want 3", completes)
	}
	if last := events[len(events)-1]; last.Type != model.EventCompleted {
		t.Fatalf("last event = %s, want completed", last.Type)
	}
}

func TestExecuteRetriesTransientFailureUpToLimit(t *testing.T) {
	cfg := testConfig()
	h := newHarness(cfg)
	h.analyzer.AnalyzeFunc = func(context.Context, int) (*model.AnalysisFindings, error) {
		return nil, domain.NewStageError(domain.KindTransientIO, "analysis provider unreachable", nil)
	}
	run := h.startRun(t)

	h.orch.Execute(context.Background(), run)

	final := h.repo.Snapshot(run.ID)
	if final.Status != model.RunStatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if final.ErrorKind != string(domain.KindTransientIO) {
		t.Fatalf("error_kind = %s, want %s", final.ErrorKind, domain.KindTransientIO)
	}
	if h.analyzer.Calls != cfg.MaxAttempts {
		t.Fatalf("analyze calls = %d, want exactly %d", h.analyzer.Calls, cfg.MaxAttempts)
	}
	if n := h.attempts.CountFor(run.ID, model.StageAnalyze); n != cfg.MaxAttempts {
		t.Fatalf("recorded attempts = %d, want %d", n, cfg.MaxAttempts)
	}
	if h.store.Puts != 0 {
		t.Fatal("export must not run after analyze failed")
	}

	events := h.drainEvents(t, run.ID)
	last := events[len(events)-1]
	if last.Type != model.EventFailed || last.Payload.ErrorKind != string(domain.KindTransientIO) {
		t.Fatalf("last event = %s/%s, want failed/%s", last.Type, last.Payload.ErrorKind, domain.KindTransientIO)
	}
}

func TestExecuteDoesNotRetryFatalFailure(t *testing.T) {
	h := newHarness(testConfig())
	h.analyzer.AnalyzeFunc = func(context.Context, int) (*model.AnalysisFindings, error) {
		return nil, domain.NewStageError(domain.KindServiceRejection, "analysis request rejected", nil)
	}
	run := h.startRun(t)

	h.orch.Execute(context.Background(), run)

	final := h.repo.Snapshot(run.ID)
	if final.Status != model.RunStatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if final.ErrorKind != string(domain.KindServiceRejection) {
		t.Fatalf("error_kind = %s, want %s", final.ErrorKind, domain.KindServiceRejection)
	}
	if h.analyzer.Calls != 1 {
		t.Fatalf("analyze calls = %d, want 1 (no retry on rejection)", h.analyzer.Calls)
	}
}

func TestExecuteRecoversAfterTransientBlips(t *testing.T) {
	h := newHarness(testConfig())
	h.analyzer.AnalyzeFunc = func(_ context.Context, call int) (*model.AnalysisFindings, error) {
		if call < 3 {
			return nil, domain.NewStageError(domain.KindTransientIO, "analysis provider unreachable", nil)
		}
		return &model.AnalysisFindings{Summary: "recovered", Trades: []model.TradeScope{{Trade: "electrical"}}}, nil
	}
	run := h.startRun(t)

	h.orch.Execute(context.Background(), run)

	final := h.repo.Snapshot(run.ID)
	if final.Status != model.RunStatusCompleted {
		t.Fatalf("status = %s, want completed after recovery", final.Status)
	}
	if h.analyzer.Calls != 3 {
		t.Fatalf("analyze calls = %d, want 3", h.analyzer.Calls)
	}
	// A retried attempt must replay as the same logical provider call.
	for _, k := range h.analyzer.Keys {
		if k != h.analyzer.Keys[0] {
			t.Fatalf("idempotency key changed across retries: %q vs %q", k, h.analyzer.Keys[0])
		}
	}
}

func TestCancelMidAnalyzeDiscardsRun(t *testing.T) {
	h := newHarness(testConfig())
	analyzeStarted := make(chan struct{})
	h.analyzer.AnalyzeFunc = func(ctx context.Context, _ int) (*model.AnalysisFindings, error) {
		close(analyzeStarted)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	run := h.startRun(t)

	go func() {
		<-analyzeStarted
		_, _ = h.repo.RequestCancel(context.Background(), run.ID)
	}()

	h.orch.Execute(context.Background(), run)

	final := h.repo.Snapshot(run.ID)
	if final.Status != model.RunStatusCancelled {
		t.Fatalf("status = %s, want cancelled", final.Status)
	}
	if h.store.Puts != 0 {
		t.Fatal("export must not run for a cancelled run")
	}

	events := h.drainEvents(t, run.ID)
	last := events[len(events)-1]
	if last.Type != model.EventFailed {
		t.Fatalf("last event = %s, want failed", last.Type)
	}
	if last.Payload.ErrorKind != string(domain.KindCancelled) {
		t.Fatalf("error_kind = %s, want %s", last.Payload.ErrorKind, domain.KindCancelled)
	}
}

func TestExecuteResumesFromCheckpoint(t *testing.T) {
	h := newHarness(testConfig())
	run := model.NewWorkflowRun("uploads/site-plan.pdf", "gs://docs/uploads/site-plan.pdf", model.AnalysisKindScope, 7)
	run.CurrentStage = model.StageAnalyze
	h.repo.Add(run)

	saved, err := json.Marshal(&model.ExtractionResult{
		Text:  "previously extracted text",
		Pages: 7,
		Tier:  model.TierPrimary,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := h.repo.SaveStageOutput(context.Background(), nil, run.ID, model.StageExtract, saved); err != nil {
		t.Fatalf("SaveStageOutput: %v", err)
	}

	claimed, err := h.repo.ClaimNext(context.Background(), "test-worker", time.Minute)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	h.orch.Execute(context.Background(), claimed)

	final := h.repo.Snapshot(run.ID)
	if final.Status != model.RunStatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
	if h.gateway.Calls != 0 {
		t.Fatalf("extract ran %d times, want 0 (resumed from checkpoint)", h.gateway.Calls)
	}
	if h.store.Fetches != 0 {
		t.Fatalf("document fetched %d times, want 0", h.store.Fetches)
	}
	if h.analyzer.Calls != 1 {
		t.Fatalf("analyze calls = %d, want 1", h.analyzer.Calls)
	}
}

func TestExecuteRerunsStageWhenCheckpointOutputMissing(t *testing.T) {
	h := newHarness(testConfig())
	run := model.NewWorkflowRun("uploads/site-plan.pdf", "gs://docs/uploads/site-plan.pdf", model.AnalysisKindScope, 7)
	run.CurrentStage = model.StageAnalyze // checkpoint says analyze, but no extract output saved
	h.repo.Add(run)

	claimed, err := h.repo.ClaimNext(context.Background(), "test-worker", time.Minute)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	h.orch.Execute(context.Background(), claimed)

	final := h.repo.Snapshot(run.ID)
	if final.Status != model.RunStatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
	if h.gateway.Calls != 1 {
		t.Fatalf("extract ran %d times, want 1 (re-run for missing output)", h.gateway.Calls)
	}
}

func TestExtractFetchNotFoundFailsRun(t *testing.T) {
	h := newHarness(testConfig())
	h.store.FetchFunc = func(context.Context, string) ([]byte, error) {
		return nil, domain.NewStageError(domain.KindServiceRejection, "uploaded document not found in storage", nil)
	}
	run := h.startRun(t)

	h.orch.Execute(context.Background(), run)

	final := h.repo.Snapshot(run.ID)
	if final.Status != model.RunStatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if final.ErrorKind != string(domain.KindServiceRejection) {
		t.Fatalf("error_kind = %s, want %s", final.ErrorKind, domain.KindServiceRejection)
	}
	if h.gateway.Calls != 0 {
		t.Fatalf("gateway called %d times after fetch failure, want 0", h.gateway.Calls)
	}
}

func TestAttemptNumberingContinuesAcrossClaims(t *testing.T) {
	cfg := testConfig()
	h := newHarness(cfg)
	h.analyzer.AnalyzeFunc = func(context.Context, int) (*model.AnalysisFindings, error) {
		return nil, domain.NewStageError(domain.KindTransientIO, "analysis provider unreachable", nil)
	}
	run := h.startRun(t)

	// A previous claimant already burned two attempts on this stage.
	for i := 1; i <= 2; i++ {
		_ = h.attempts.Record(context.Background(), nil, &model.StageAttempt{
			ID:      fmt.Sprintf("prior-%d", i),
			RunID:   run.ID,
			Stage:   model.StageAnalyze,
			Attempt: i,
			Outcome: model.OutcomeRetryableFailure,
		})
	}

	h.orch.Execute(context.Background(), run)

	if h.analyzer.Calls != 1 {
		t.Fatalf("analyze calls = %d, want 1 (only the final attempt remained)", h.analyzer.Calls)
	}
	if n := h.attempts.CountFor(run.ID, model.StageAnalyze); n != cfg.MaxAttempts {
		t.Fatalf("total attempts = %d, want %d", n, cfg.MaxAttempts)
	}
	if final := h.repo.Snapshot(run.ID); final.Status != model.RunStatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
}
