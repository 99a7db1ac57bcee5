package stream

import (
	"context"
	"sync"
	"time"

	"construction-doc-analysis/internal/domain/model"
	ports "construction-doc-analysis/internal/domain/ports/stream"
)

var _ ports.ProgressBus = (*MemoryBus)(nil)

// MemoryBus is an in-process progress bus with the same contract as
// the Redis-backed one: keyed per workflow, at-least-once, bounded
// history replay for late subscribers, subscription closes after a
// terminal event plus grace. Used by tests and single-node runs.
type MemoryBus struct {
	mu      sync.Mutex
	history map[string][]model.ProgressEvent
	subs    map[string][]*memorySub
	maxLen  int
	grace   time.Duration
}

func NewMemoryBus(maxLen int, grace time.Duration) *MemoryBus {
	if maxLen <= 0 {
		maxLen = 1024
	}
	return &MemoryBus{
		history: make(map[string][]model.ProgressEvent),
		subs:    make(map[string][]*memorySub),
		maxLen:  maxLen,
		grace:   grace,
	}
}

func (b *MemoryBus) Publish(_ context.Context, event model.ProgressEvent) error {
	b.mu.Lock()
	h := append(b.history[event.WorkflowID], event)
	if len(h) > b.maxLen {
		h = h[len(h)-b.maxLen:]
	}
	b.history[event.WorkflowID] = h
	subs := append([]*memorySub(nil), b.subs[event.WorkflowID]...)
	b.mu.Unlock()

	for _, s := range subs {
		s.deliver(event)
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, workflowID string) (ports.Subscription, error) {
	s := &memorySub{
		bus:        b,
		workflowID: workflowID,
		events:     make(chan model.ProgressEvent, 256),
		done:       make(chan struct{}),
	}

	b.mu.Lock()
	replay := append([]model.ProgressEvent(nil), b.history[workflowID]...)
	b.subs[workflowID] = append(b.subs[workflowID], s)
	b.mu.Unlock()

	for _, ev := range replay {
		s.deliver(ev)
	}

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

func (b *MemoryBus) detach(s *memorySub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[s.workflowID]
	for i, cur := range subs {
		if cur == s {
			b.subs[s.workflowID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

type memorySub struct {
	bus        *MemoryBus
	workflowID string
	events     chan model.ProgressEvent
	done       chan struct{}
	mu         sync.Mutex
	closed     bool
	graceOnce  sync.Once
}

func (s *memorySub) Events() <-chan model.ProgressEvent { return s.events }
func (s *memorySub) Err() error                         { return nil }

func (s *memorySub) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.bus.detach(s)
	close(s.done)
	close(s.events)
}

func (s *memorySub) deliver(ev model.ProgressEvent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	select {
	case s.events <- ev:
	default:
		// Slow consumer: drop rather than block the publisher.
		// At-least-once still holds via history replay.
	}
	s.mu.Unlock()
	if ev.Terminal() {
		s.graceOnce.Do(func() {
			go func() {
				timer := time.NewTimer(s.bus.grace)
				defer timer.Stop()
				select {
				case <-timer.C:
				case <-s.done:
				}
				s.Close()
			}()
		})
	}
}
