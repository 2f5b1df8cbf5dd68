// Package analytics records per-project run counters in Redis. Counters are
// bucketed by time window and expire on their own; losing them never affects
// scheduling or delivery correctness.
package analytics

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/devtari-io/cronback/internal/domain"
	"github.com/devtari-io/cronback/internal/ids"
)

// DefaultRetention is how long counter buckets live.
const DefaultRetention = 24 * time.Hour

type RedisSink struct {
	client    *redis.Client
	retention time.Duration
	clock     func() time.Time
}

func NewRedisSink(client *redis.Client) *RedisSink {
	return &RedisSink{client: client, retention: DefaultRetention, clock: time.Now}
}

// WithRetention overrides the counter TTL.
func (s *RedisSink) WithRetention(d time.Duration) *RedisSink {
	s.retention = d
	return s
}

// RecordRunOutcome increments the project's per-hour counter for the given
// terminal run status. Best effort: errors are logged and swallowed.
func (s *RedisSink) RecordRunOutcome(ctx context.Context, project ids.ProjectId, trigger ids.TriggerId, status domain.RunStatus) {
	key := buildKey(project, status, s.clock().UTC())

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("analytics: failed to record run outcome for %s: %v", trigger, err)
	}
}

// Count reads a project's counter for the given status and hour bucket.
func (s *RedisSink) Count(ctx context.Context, project ids.ProjectId, status domain.RunStatus, at time.Time) (int64, error) {
	n, err := s.client.Get(ctx, buildKey(project, status, at.UTC())).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("analytics get: %w", err)
	}
	return n, nil
}

func buildKey(project ids.ProjectId, status domain.RunStatus, t time.Time) string {
	return fmt.Sprintf("p:%s:runs:%s:%s", project, status, t.Format("2006010215"))
}
