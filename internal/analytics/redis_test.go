package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devtari-io/cronback/internal/domain"
	"github.com/devtari-io/cronback/internal/ids"
)

func newTestSink(t *testing.T) (*RedisSink, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisSink(client), mr
}

func TestRecordRunOutcome_CountsPerBucket(t *testing.T) {
	sink, _ := newTestSink(t)
	now := time.Date(2024, 1, 1, 10, 30, 0, 0, time.UTC)
	sink.clock = func() time.Time { return now }

	project := ids.NewProjectId()
	trigger := ids.NewTriggerId(project)
	ctx := context.Background()

	sink.RecordRunOutcome(ctx, project, trigger, domain.RunStatusSucceeded)
	sink.RecordRunOutcome(ctx, project, trigger, domain.RunStatusSucceeded)
	sink.RecordRunOutcome(ctx, project, trigger, domain.RunStatusFailed)

	succeeded, err := sink.Count(ctx, project, domain.RunStatusSucceeded, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), succeeded)

	failed, err := sink.Count(ctx, project, domain.RunStatusFailed, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), failed)

	// A different hour bucket is empty.
	other, err := sink.Count(ctx, project, domain.RunStatusSucceeded, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, other)
}

func TestRecordRunOutcome_BucketsExpire(t *testing.T) {
	sink, mr := newTestSink(t)
	sink.WithRetention(time.Minute)
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	sink.clock = func() time.Time { return now }

	project := ids.NewProjectId()
	ctx := context.Background()
	sink.RecordRunOutcome(ctx, project, ids.NewTriggerId(project), domain.RunStatusSucceeded)

	mr.FastForward(2 * time.Minute)

	n, err := sink.Count(ctx, project, domain.RunStatusSucceeded, now)
	require.NoError(t, err)
	assert.Zero(t, n)
}
