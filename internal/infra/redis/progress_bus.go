package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"construction-doc-analysis/internal/domain/model"
	"construction-doc-analysis/internal/domain/ports/stream"
	"construction-doc-analysis/internal/infra/metrics"
)

var _ stream.ProgressBus = (*StreamBus)(nil)

const streamKeyPrefix = "pipeline:progress:"

// StreamBus is the Redis-Streams progress bus. Each run gets one
// capped stream; publishing is XADD with an approximate MAXLEN, and
// subscriptions are blocking XREAD loops. Delivery is at-least-once
// and a subscription replays whatever history the cap still holds
// before going live.
type StreamBus struct {
	client RedisClient
	maxLen int64
	ttl    time.Duration
	grace  time.Duration
	log    *zerolog.Logger
}

func NewStreamBus(client RedisClient, maxLen int64, ttl, grace time.Duration, logger *zerolog.Logger) *StreamBus {
	busLog := logger.With().Str("component", "StreamBus").Logger()
	return &StreamBus{client: client, maxLen: maxLen, ttl: ttl, grace: grace, log: &busLog}
}

func (b *StreamBus) Publish(ctx context.Context, event model.ProgressEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	key := streamKeyPrefix + event.WorkflowID
	if _, err := b.client.XAdd(ctx, key, b.maxLen, map[string]interface{}{"event": data}); err != nil {
		return err
	}
	metrics.IncProgressEvent(string(event.Type))
	// Streams for finished runs expire on their own.
	_ = b.client.Expire(ctx, key, b.ttl)
	return nil
}

func (b *StreamBus) Subscribe(ctx context.Context, workflowID string) (stream.Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &streamSub{
		events: make(chan model.ProgressEvent, 64),
		cancel: cancel,
	}
	go sub.pump(subCtx, b, workflowID)
	return sub, nil
}

type streamSub struct {
	events chan model.ProgressEvent
	cancel context.CancelFunc
	err    error
}

func (s *streamSub) Events() <-chan model.ProgressEvent { return s.events }
func (s *streamSub) Err() error                         { return s.err }
func (s *streamSub) Close()                             { s.cancel() }

func (s *streamSub) pump(ctx context.Context, b *StreamBus, workflowID string) {
	defer close(s.events)

	key := streamKeyPrefix + workflowID
	lastID := "0" // replay retained history, then go live
	var graceUntil time.Time

	for {
		if ctx.Err() != nil {
			return
		}
		if !graceUntil.IsZero() && time.Now().After(graceUntil) {
			return
		}

		msgs, err := b.client.XRead(ctx, key, lastID, 2*time.Second, 128)
		if err != nil {
			if IsNil(err) {
				continue // blocking read timed out; poll again
			}
			if ctx.Err() != nil {
				return
			}
			// Transient bus trouble: back off briefly and retry.
			b.log.Warn().Err(err).Str("workflow_id", workflowID).Msg("bus read failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, m := range msgs {
			lastID = m.ID
			raw, ok := m.Values["event"].(string)
			if !ok {
				continue
			}
			var ev model.ProgressEvent
			if err := json.Unmarshal([]byte(raw), &ev); err != nil {
				b.log.Warn().Err(err).Str("workflow_id", workflowID).Msg("bad event on stream")
				continue
			}
			select {
			case s.events <- ev:
			case <-ctx.Done():
				return
			}
			// After a terminal event, keep draining for a grace
			// period so racing publishers still get through.
			if ev.Terminal() && graceUntil.IsZero() {
				graceUntil = time.Now().Add(b.grace)
			}
		}
	}
}
