package pipeline

import (
	"testing"

	pferrors "github.com/drblury/phaseflow/internal/runtime/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPhases(t *testing.T) {
	p, err := NewPhases("ingest", "process", "terminal")
	require.NoError(t, err)
	assert.Equal(t, []Phase{"ingest", "process", "terminal"}, p.List())
	assert.Equal(t, 1, p.Index("process"))
	assert.Equal(t, -1, p.Index("missing"))
	assert.True(t, p.Contains("terminal"))
	assert.Equal(t, 3, p.Len())
}

func TestNewPhasesRejectsBadNames(t *testing.T) {
	_, err := NewPhases("a", "a")
	assert.ErrorIs(t, err, pferrors.ErrPhaseExists)

	_, err = NewPhases("a", "")
	assert.ErrorIs(t, err, pferrors.ErrInvalidPhase)

	assert.Panics(t, func() { MustPhases("x", "x") })
}

func TestInsertBeforeAfter(t *testing.T) {
	p := MustPhases("ingest", "process", "terminal")

	require.NoError(t, p.InsertBefore("process", "validate"))
	require.NoError(t, p.InsertAfter("ingest", "monitor"))
	require.NoError(t, p.InsertAfter("terminal", "audit"))
	require.NoError(t, p.Append("cleanup"))

	assert.Equal(t, []Phase{"ingest", "monitor", "validate", "process", "terminal", "audit", "cleanup"}, p.List())
}

func TestInsertErrors(t *testing.T) {
	p := MustPhases("ingest", "process")

	assert.ErrorIs(t, p.InsertBefore("missing", "x"), pferrors.ErrPhaseNotFound)
	assert.ErrorIs(t, p.InsertAfter("missing", "x"), pferrors.ErrPhaseNotFound)
	assert.ErrorIs(t, p.InsertAfter("ingest", "process"), pferrors.ErrPhaseExists)
	assert.ErrorIs(t, p.InsertAfter("ingest", ""), pferrors.ErrInvalidPhase)
	assert.Equal(t, []Phase{"ingest", "process"}, p.List())
}

func TestFrozenPhasesRejectChanges(t *testing.T) {
	p := MustPhases("ingest", "process")
	p.freeze()

	assert.True(t, p.Frozen())
	assert.ErrorIs(t, p.InsertBefore("process", "validate"), pferrors.ErrPipelineStarted)
	assert.ErrorIs(t, p.Append("late"), pferrors.ErrPipelineStarted)
	assert.ErrorIs(t, p.Define("a"), pferrors.ErrPipelineStarted)
}

func TestListReturnsCopy(t *testing.T) {
	p := MustPhases("a", "b")
	list := p.List()
	list[0] = "mutated"
	assert.Equal(t, []Phase{"a", "b"}, p.List())
}
