package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/devtari-io/cronback/internal/ids"
)

func TestFakeClock(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewFakeClock(base)

	assert.Equal(t, base, clock.Now())

	clock.Advance(90 * time.Second)
	assert.Equal(t, base.Add(90*time.Second), clock.Now())

	clock.Rewind(30 * time.Second)
	assert.Equal(t, base.Add(time.Minute), clock.Now())
}

func TestTestContext_HasDeadline(t *testing.T) {
	ctx := TestContext(t)
	_, ok := ctx.Deadline()
	assert.True(t, ok)
}

func TestMustParseId(t *testing.T) {
	owner := ids.NewProjectId()
	id := ids.NewTriggerId(owner)

	p := MustParseId(t, string(id))
	assert.Equal(t, ids.KindTrigger, p.Kind)
	assert.Equal(t, owner, p.Owner)
}
