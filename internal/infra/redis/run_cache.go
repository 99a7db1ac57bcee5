package redis

import (
	"context"
	"encoding/json"
	"time"

	"construction-doc-analysis/internal/domain/model"
)

// RunStatusCache fronts the status endpoint: terminal runs are read
// far more often than they change, so snapshots live in Redis with a
// short TTL. The database stays authoritative.
type RunStatusCache struct {
	client RedisClient
	ttl    time.Duration
}

func NewRunStatusCache(client RedisClient, ttl time.Duration) *RunStatusCache {
	return &RunStatusCache{client: client, ttl: ttl}
}

func (c *RunStatusCache) Store(ctx context.Context, run *model.WorkflowRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, "run_status:"+run.ID, data, c.ttl)
}

func (c *RunStatusCache) Get(ctx context.Context, runID string) (*model.WorkflowRun, error) {
	data, err := c.client.Get(ctx, "run_status:"+runID)
	if err != nil {
		return nil, err
	}
	var run model.WorkflowRun
	if err := json.Unmarshal([]byte(data), &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (c *RunStatusCache) Invalidate(ctx context.Context, runID string) error {
	return c.client.Del(ctx, "run_status:"+runID)
}
