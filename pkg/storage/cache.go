package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/synaptica-ai/trialsim/pkg/common/logger"
	"github.com/synaptica-ai/trialsim/pkg/common/models"
)

// SummaryCache keeps terminal run summaries hot in Redis.
type SummaryCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewSummaryCache(client redis.Cmdable, ttl time.Duration) *SummaryCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &SummaryCache{client: client, ttl: ttl}
}

func summaryKey(runID string) string {
	return fmt.Sprintf("trial:summary:%s", runID)
}

// Get reports a miss as (zero, false, nil).
func (c *SummaryCache) Get(ctx context.Context, runID string) (models.TrialSummary, bool, error) {
	data, err := c.client.Get(ctx, summaryKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.TrialSummary{}, false, nil
	}
	if err != nil {
		return models.TrialSummary{}, false, err
	}
	var summary models.TrialSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return models.TrialSummary{}, false, fmt.Errorf("decode cached summary: %w", err)
	}
	return summary, true, nil
}

// Set caches summary. Summaries of running trials are not cached since
// they still change.
func (c *SummaryCache) Set(ctx context.Context, summary models.TrialSummary) error {
	if !summary.Status.Terminal() {
		return nil
	}
	data, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	logger.Log.WithFields(map[string]interface{}{
		"key":  summaryKey(summary.RunID),
		"size": len(data),
	}).Debug("Caching trial summary")
	return c.client.Set(ctx, summaryKey(summary.RunID), data, c.ttl).Err()
}
