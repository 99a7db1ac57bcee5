//go:build !integration

package workflow_test

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"

	"construction-doc-analysis/internal/domain"
	"construction-doc-analysis/internal/domain/model"
	"construction-doc-analysis/internal/domain/ports/adapter"
	"construction-doc-analysis/internal/domain/ports/repository"
)

// =============================
// In-memory WorkflowRunRepository with stage outputs
// =============================

type MemoryRunRepo struct {
	mu      sync.Mutex
	runs    map[string]*model.WorkflowRun
	seqs    map[string]int64
	outputs map[string][]byte // runID + "/" + stage
}

var _ repository.WorkflowRunRepository = (*MemoryRunRepo)(nil)

func NewMemoryRunRepo() *MemoryRunRepo {
	return &MemoryRunRepo{
		runs:    make(map[string]*model.WorkflowRun),
		seqs:    make(map[string]int64),
		outputs: make(map[string][]byte),
	}
}

func (m *MemoryRunRepo) Add(run *model.WorkflowRun) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.ID] = &cp
}

func (m *MemoryRunRepo) Snapshot(runID string) model.WorkflowRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.runs[runID]
}

func (m *MemoryRunRepo) CreateIfAbsent(_ context.Context, run *model.WorkflowRun) (bool, *model.WorkflowRun, error) {
	m.Add(run)
	return true, run, nil
}

func (m *MemoryRunRepo) FindByID(_ context.Context, _ repository.Tx, id string) (*model.WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryRunRepo) FindActiveByFingerprint(context.Context, string) (*model.WorkflowRun, error) {
	return nil, domain.ErrNotFound
}

func (m *MemoryRunRepo) ClaimNext(_ context.Context, claimant string, lease time.Duration) (*model.WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, r := range m.runs {
		expired := r.Status == model.RunStatusRunning && r.ClaimedUntil != nil && r.ClaimedUntil.Before(now)
		if r.Status == model.RunStatusPending || expired {
			r.Status = model.RunStatusRunning
			r.ClaimedBy = claimant
			until := now.Add(lease)
			r.ClaimedUntil = &until
			cp := *r
			return &cp, nil
		}
	}
	return nil, domain.ErrNoPendingRun
}

func (m *MemoryRunRepo) ExtendLease(_ context.Context, runID string, lease time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[runID]; ok {
		until := time.Now().Add(lease)
		r.ClaimedUntil = &until
	}
	return nil
}

func (m *MemoryRunRepo) CheckpointStage(_ context.Context, _ repository.Tx, runID string, stage model.Stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[runID]; ok {
		r.CurrentStage = stage
	}
	return nil
}

func (m *MemoryRunRepo) SaveStageOutput(_ context.Context, _ repository.Tx, runID string, stage model.Stage, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputs[runID+"/"+string(stage)] = payload
	return nil
}

func (m *MemoryRunRepo) LoadStageOutput(_ context.Context, runID string, stage model.Stage) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.outputs[runID+"/"+string(stage)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return p, nil
}

func (m *MemoryRunRepo) MarkCompleted(_ context.Context, runID string, result []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok || r.Status != model.RunStatusRunning || r.CancelRequested {
		return false, nil
	}
	r.Status = model.RunStatusCompleted
	r.Result = result
	return true, nil
}

func (m *MemoryRunRepo) MarkFailed(_ context.Context, runID, kind, msg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok || r.Status != model.RunStatusRunning {
		return false, nil
	}
	r.Status = model.RunStatusFailed
	r.ErrorKind = kind
	r.ErrorMsg = msg
	return true, nil
}

func (m *MemoryRunRepo) MarkCancelled(_ context.Context, runID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok || r.Status.Terminal() {
		return false, nil
	}
	r.Status = model.RunStatusCancelled
	r.ErrorKind = string(domain.KindCancelled)
	return true, nil
}

func (m *MemoryRunRepo) RequestCancel(_ context.Context, runID string) (*model.WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if !r.Status.Terminal() {
		r.CancelRequested = true
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryRunRepo) IsCancelRequested(_ context.Context, runID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[runID]; ok {
		return r.CancelRequested, nil
	}
	return false, domain.ErrNotFound
}

func (m *MemoryRunRepo) NextSequence(_ context.Context, runID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seqs[runID]++
	return m.seqs[runID], nil
}

func (m *MemoryRunRepo) DeleteTerminalBefore(context.Context, time.Time) (int, error) {
	return 0, nil
}

// =============================
// In-memory StageAttemptRepository
// =============================

type MemoryAttemptRepo struct {
	mu       sync.Mutex
	attempts map[string]*model.StageAttempt
}

var _ repository.StageAttemptRepository = (*MemoryAttemptRepo)(nil)

func NewMemoryAttemptRepo() *MemoryAttemptRepo {
	return &MemoryAttemptRepo{attempts: make(map[string]*model.StageAttempt)}
}

func (m *MemoryAttemptRepo) Record(_ context.Context, _ repository.Tx, a *model.StageAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.attempts[a.ID] = &cp
	return nil
}

func (m *MemoryAttemptRepo) LatestAttempt(_ context.Context, runID string, stage model.Stage) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	max := 0
	for _, a := range m.attempts {
		if a.RunID == runID && a.Stage == stage && a.Attempt > max {
			max = a.Attempt
		}
	}
	return max, nil
}

func (m *MemoryAttemptRepo) ListByRun(_ context.Context, runID string) ([]*model.StageAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.StageAttempt
	for _, a := range m.attempts {
		if a.RunID == runID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryAttemptRepo) CountFor(runID string, stage model.Stage) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.attempts {
		if a.RunID == runID && a.Stage == stage {
			n++
		}
	}
	return n
}

// =============================
// Pass-through transaction manager
// =============================

type FakeTxManager struct{}

var _ repository.TransactionManager = (*FakeTxManager)(nil)

func (FakeTxManager) WithTx(ctx context.Context, _ pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	return fn(ctx, nil)
}

// =============================
// Adapter fakes
// =============================

type FakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte

	FetchFunc func(ctx context.Context, location string) ([]byte, error)
	Fetches   int
	Puts      int
}

var _ adapter.ObjectStore = (*FakeStore)(nil)

func NewFakeStore() *FakeStore {
	return &FakeStore{objects: make(map[string][]byte)}
}

func (s *FakeStore) Fetch(ctx context.Context, location string) ([]byte, error) {
	s.mu.Lock()
	s.Fetches++
	s.mu.Unlock()
	if s.FetchFunc != nil {
		return s.FetchFunc(ctx, location)
	}
	return []byte("pdf bytes"), nil
}

func (s *FakeStore) Put(_ context.Context, location, _ string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Puts++
	if _, exists := s.objects[location]; exists {
		return nil // idempotent
	}
	s.objects[location] = data
	return nil
}

func (s *FakeStore) Object(location string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.objects[location]
	return d, ok
}

type FakeGateway struct {
	mu          sync.Mutex
	Calls       int
	ExtractFunc func(ctx context.Context) (*model.ExtractionResult, error)
}

var _ adapter.ExtractionGateway = (*FakeGateway)(nil)

func (g *FakeGateway) Extract(ctx context.Context, _ []byte, pageCount int, _ model.ExtractionOptions, _ adapter.ProgressFunc) (*model.ExtractionResult, error) {
	g.mu.Lock()
	g.Calls++
	g.mu.Unlock()
	if g.ExtractFunc != nil {
		return g.ExtractFunc(ctx)
	}
	return &model.ExtractionResult{
		Text:  "demolition and framing scope",
		Pages: pageCount,
		Tier:  model.TierPrimary,
	}, nil
}

type FakeAnalyzer struct {
	mu          sync.Mutex
	Calls       int
	Keys        []string
	AnalyzeFunc func(ctx context.Context, call int) (*model.AnalysisFindings, error)
}

var _ adapter.AnalysisAdapter = (*FakeAnalyzer)(nil)

func (a *FakeAnalyzer) Name() string { return "fake" }

func (a *FakeAnalyzer) Analyze(ctx context.Context, req adapter.AnalysisRequest) (*model.AnalysisFindings, adapter.Usage, error) {
	a.mu.Lock()
	a.Calls++
	call := a.Calls
	a.Keys = append(a.Keys, req.IdempotencyKey)
	a.mu.Unlock()
	if a.AnalyzeFunc != nil {
		f, err := a.AnalyzeFunc(ctx, call)
		return f, adapter.Usage{}, err
	}
	return &model.AnalysisFindings{
		Summary: "two trades detected",
		Trades: []model.TradeScope{
			{Trade: "demolition", ScopeItems: []string{"remove interior walls"}},
			{Trade: "framing", ScopeItems: []string{"frame new partitions"}},
		},
	}, adapter.Usage{PromptTokens: 120, CompletionTokens: 40}, nil
}
