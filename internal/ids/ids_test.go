package ids

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_Shape(t *testing.T) {
	owner := NewProjectId()
	require.True(t, owner.IsValid())

	trig := NewTriggerId(owner)
	require.True(t, trig.IsValid())
	assert.True(t, strings.HasPrefix(string(trig), "trig_"))
	assert.LessOrEqual(t, len(string(trig)), MaxLen)
	assert.Equal(t, owner, trig.Owner())

	run := NewRunId(owner)
	assert.True(t, run.IsValid())
	assert.Equal(t, owner, run.Owner())
}

func TestParse_RoundTrip(t *testing.T) {
	owner := NewProjectId()
	id := NewAttemptId(owner)

	p, err := Parse(string(id))
	require.NoError(t, err)
	assert.Equal(t, KindAttempt, p.Kind)
	assert.Equal(t, owner, p.Owner)
	assert.NotEmpty(t, p.Lex)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"no separator", "trig01HX"},
		{"unknown kind", "zzz_ABCDEF.01HX"},
		{"missing owner", "trig_01HX4RZ0C9Q6KXJ7W8M2YVTNSB"},
		{"bad ulid", "trig_owner.not-a-ulid"},
		{"too long", "trig_" + strings.Repeat("A", 80)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.raw)
			assert.Error(t, err)
		})
	}
}

func TestIds_SortInCreationOrder(t *testing.T) {
	owner := NewProjectId()
	prev := string(NewRunId(owner))
	for i := 0; i < 100; i++ {
		next := string(NewRunId(owner))
		assert.Less(t, prev, next)
		prev = next
	}
}

func TestCellMapping_StableAndBounded(t *testing.T) {
	m := CellMapping{NumCells: 7}
	owner := NewProjectId()

	first := m.Cell(owner)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, m.Cell(owner))
	}
	assert.Less(t, uint32(first), m.NumCells)
}

func TestCellMapping_ZeroCellsDegeneratesToOne(t *testing.T) {
	var m CellMapping
	assert.Equal(t, CellId(0), m.Cell(NewProjectId()))
}

func TestCellMapping_SpreadsOwners(t *testing.T) {
	m := CellMapping{NumCells: 4}
	seen := map[CellId]bool{}
	for i := 0; i < 200; i++ {
		seen[m.Cell(NewProjectId())] = true
	}
	assert.Len(t, seen, 4)
}
