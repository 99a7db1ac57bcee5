package web

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"construction-doc-analysis/internal/domain/model"
	"construction-doc-analysis/internal/domain/ports/stream"
	"construction-doc-analysis/internal/infra/metrics"
)

// Hub multiplexes progress subscriptions: one bus subscription per
// workflow, fanned out to every attached SSE client. Attaching late
// replays history because the bus reads each stream from the start.
type Hub struct {
	bus stream.ProgressBus
	log *zerolog.Logger

	mu    sync.Mutex
	feeds map[string]*feed
}

func NewHub(bus stream.ProgressBus, logger *zerolog.Logger) *Hub {
	hubLog := logger.With().Str("component", "RelayHub").Logger()
	return &Hub{bus: bus, log: &hubLog, feeds: make(map[string]*feed)}
}

// Attach subscribes a client to a workflow's event feed. The returned
// channel closes when the feed ends (terminal event plus grace) and
// the detach func must be called when the client disconnects.
func (h *Hub) Attach(workflowID string) (<-chan model.ProgressEvent, func(), error) {
	h.mu.Lock()
	f := h.feeds[workflowID]
	if f == nil {
		// The feed outlives any single client request context.
		sub, err := h.bus.Subscribe(context.Background(), workflowID)
		if err != nil {
			h.mu.Unlock()
			return nil, nil, err
		}
		f = newFeed(workflowID, sub, h.log)
		h.feeds[workflowID] = f
		go f.pump(h)
	}
	ch := f.addClient()
	h.mu.Unlock()

	metrics.IncRelayClients()
	detach := func() {
		metrics.DecRelayClients()
		if f.removeClient(ch) {
			h.drop(f)
		}
	}
	return ch, detach, nil
}

func (h *Hub) drop(f *feed) {
	h.mu.Lock()
	if h.feeds[f.workflowID] == f {
		delete(h.feeds, f.workflowID)
	}
	h.mu.Unlock()
	f.sub.Close()
}

// reorderWindow bounds how many events a feed holds back waiting for a
// sequence gap to fill before it gives up and forwards them anyway.
const reorderWindow = 16

// feed is the per-workflow fan-out point. Redelivered events are
// dropped once their sequence has been forwarded; events arriving
// ahead of a gap are held in a small reorder buffer so a late unique
// can still go out in position. Consumers must tolerate gaps, never
// regressions.
type feed struct {
	workflowID string
	sub        stream.Subscription
	log        *zerolog.Logger

	mu      sync.Mutex
	clients map[chan model.ProgressEvent]struct{}
	lastSeq int64
	pending map[int64]model.ProgressEvent
	closed  bool
}

func newFeed(workflowID string, sub stream.Subscription, logger *zerolog.Logger) *feed {
	return &feed{
		workflowID: workflowID,
		sub:        sub,
		log:        logger,
		clients:    make(map[chan model.ProgressEvent]struct{}),
		pending:    make(map[int64]model.ProgressEvent),
	}
}

func (f *feed) addClient() chan model.ProgressEvent {
	ch := make(chan model.ProgressEvent, 64)
	f.mu.Lock()
	if f.closed {
		close(ch)
	} else {
		f.clients[ch] = struct{}{}
	}
	f.mu.Unlock()
	return ch
}

// removeClient reports whether the feed is now empty and should be
// dropped from the hub.
func (f *feed) removeClient(ch chan model.ProgressEvent) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.clients[ch]; ok {
		delete(f.clients, ch)
	}
	return len(f.clients) == 0 && !f.closed
}

func (f *feed) pump(h *Hub) {
	for ev := range f.sub.Events() {
		f.mu.Lock()
		if ev.Sequence > 0 && ev.Sequence <= f.lastSeq {
			f.mu.Unlock()
			metrics.IncRelayDropped("duplicate")
			continue
		}
		// The first event anchors the sequence; replay can start past 1
		// when the stream history has been trimmed.
		if f.lastSeq > 0 && ev.Sequence > f.lastSeq+1 {
			if _, held := f.pending[ev.Sequence]; held {
				f.mu.Unlock()
				metrics.IncRelayDropped("duplicate")
				continue
			}
			f.pending[ev.Sequence] = ev
			if len(f.pending) > reorderWindow {
				f.flushPendingLocked()
			}
			f.mu.Unlock()
			continue
		}
		f.forwardLocked(ev)
		f.drainPendingLocked()
		f.mu.Unlock()
	}
	if err := f.sub.Err(); err != nil {
		f.log.Warn().Err(err).Str("workflow_id", f.workflowID).Msg("feed terminated with error")
	}

	f.mu.Lock()
	f.flushPendingLocked()
	f.closed = true
	for ch := range f.clients {
		close(ch)
		delete(f.clients, ch)
	}
	f.mu.Unlock()

	h.mu.Lock()
	if h.feeds[f.workflowID] == f {
		delete(h.feeds, f.workflowID)
	}
	h.mu.Unlock()
}

func (f *feed) forwardLocked(ev model.ProgressEvent) {
	if ev.Sequence > f.lastSeq {
		f.lastSeq = ev.Sequence
	}
	for ch := range f.clients {
		select {
		case ch <- ev:
			metrics.IncRelayForwarded()
		default:
			metrics.IncRelayDropped("slow_client")
		}
	}
}

// drainPendingLocked forwards held events once they become contiguous
// with the last forwarded sequence.
func (f *feed) drainPendingLocked() {
	for {
		ev, ok := f.pending[f.lastSeq+1]
		if !ok {
			return
		}
		delete(f.pending, f.lastSeq+1)
		f.forwardLocked(ev)
	}
}

// flushPendingLocked gives up on a gap and forwards everything held, in
// sequence order.
func (f *feed) flushPendingLocked() {
	if len(f.pending) == 0 {
		return
	}
	seqs := make([]int64, 0, len(f.pending))
	for seq := range f.pending {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for _, seq := range seqs {
		ev := f.pending[seq]
		delete(f.pending, seq)
		f.forwardLocked(ev)
	}
}
