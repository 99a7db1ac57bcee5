//go:build !integration

package usecase_test

import (
	"context"
	"sync"
	"time"

	"construction-doc-analysis/internal/domain"
	"construction-doc-analysis/internal/domain/model"
	"construction-doc-analysis/internal/domain/ports/repository"
	"construction-doc-analysis/internal/domain/ports/stream"
)

// =============================
// In-memory WorkflowRunRepository
// =============================

type MemoryRunRepo struct {
	mu   sync.Mutex
	runs map[string]*model.WorkflowRun
	seqs map[string]int64

	// configurable behavior
	CreateIfAbsentFunc func(ctx context.Context, run *model.WorkflowRun) (bool, *model.WorkflowRun, error)
}

var _ repository.WorkflowRunRepository = (*MemoryRunRepo)(nil)

func NewMemoryRunRepo() *MemoryRunRepo {
	return &MemoryRunRepo{
		runs: make(map[string]*model.WorkflowRun),
		seqs: make(map[string]int64),
	}
}

func (m *MemoryRunRepo) CreateIfAbsent(ctx context.Context, run *model.WorkflowRun) (bool, *model.WorkflowRun, error) {
	if m.CreateIfAbsentFunc != nil {
		return m.CreateIfAbsentFunc(ctx, run)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.Fingerprint == run.Fingerprint && r.Active() {
			cp := *r
			return false, &cp, nil
		}
	}
	cp := *run
	m.runs[run.ID] = &cp
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

func (m *MemoryRunRepo) FindActiveByFingerprint(_ context.Context, fp string) (*model.WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.Fingerprint == fp && r.Active() {
			cp := *r
			return &cp, nil
		}
	}
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

func (m *MemoryRunRepo) SaveStageOutput(context.Context, repository.Tx, string, model.Stage, []byte) error {
	return nil
}

func (m *MemoryRunRepo) LoadStageOutput(context.Context, string, model.Stage) ([]byte, error) {
	return nil, domain.ErrNotFound
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

func (m *MemoryRunRepo) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, r := range m.runs {
		if r.Status.Terminal() && r.StartedAt.Before(cutoff) {
			delete(m.runs, id)
			n++
		}
	}
	return n, nil
}

// =============================
// Capturing ProgressBus
// =============================

type CaptureBus struct {
	mu     sync.Mutex
	Events []model.ProgressEvent
}

var _ stream.ProgressBus = (*CaptureBus)(nil)

func (b *CaptureBus) Publish(_ context.Context, ev model.ProgressEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Events = append(b.Events, ev)
	return nil
}

func (b *CaptureBus) Subscribe(context.Context, string) (stream.Subscription, error) {
	return nil, domain.ErrNotFound
}

func (b *CaptureBus) ByType(typ model.EventType) []model.ProgressEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []model.ProgressEvent
	for _, ev := range b.Events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// =============================
// Fake status cache
// =============================

type FakeStatusCache struct {
	mu    sync.Mutex
	runs  map[string]*model.WorkflowRun
	Inval []string
}

func NewFakeStatusCache() *FakeStatusCache {
	return &FakeStatusCache{runs: make(map[string]*model.WorkflowRun)}
}

func (c *FakeStatusCache) Store(_ context.Context, run *model.WorkflowRun) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *run
	c.runs[run.ID] = &cp
	return nil
}

func (c *FakeStatusCache) Get(_ context.Context, runID string) (*model.WorkflowRun, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.runs[runID]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, domain.ErrNotFound
}

func (c *FakeStatusCache) Invalidate(_ context.Context, runID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.runs, runID)
	c.Inval = append(c.Inval, runID)
	return nil
}
