package gate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate_StaysClosedUntilAllPreconditionsHold(t *testing.T) {
	g := New(Config{RequiredBufferSegments: 6, TranscriptionBufferMin: 3})

	assert.False(t, g.Evaluate(Preconditions{
		ObservedSegments:   []uint64{0, 1, 2, 3, 4},
		SourceLanguageCues: 3,
		LastWriteOK:        true,
	}))
	assert.False(t, g.IsOpen())

	assert.False(t, g.Evaluate(Preconditions{
		ObservedSegments:   []uint64{0, 1, 2, 3, 4, 5},
		SourceLanguageCues: 2,
		LastWriteOK:        true,
	}))
	assert.False(t, g.IsOpen())

	assert.False(t, g.Evaluate(Preconditions{
		ObservedSegments:   []uint64{0, 1, 2, 3, 4, 5},
		SourceLanguageCues: 3,
		LastWriteOK:        false,
	}))
	assert.False(t, g.IsOpen())
}

func TestEvaluate_OpensAndLatchesFirstServingSegment(t *testing.T) {
	g := New(Config{RequiredBufferSegments: 6, TranscriptionBufferMin: 3})

	opened := g.Evaluate(Preconditions{
		ObservedSegments:   []uint64{4, 5, 6, 7, 8, 9},
		SourceLanguageCues: 3,
		LastWriteOK:        true,
	})
	require.True(t, opened)
	assert.True(t, g.IsOpen())
	assert.Equal(t, uint64(4), g.FirstServingSegment())

	select {
	case <-g.Opened():
	default:
		t.Fatal("Opened channel should be closed once the gate opens")
	}
}

func TestEvaluate_IsOneShotAndNeverCloses(t *testing.T) {
	g := New(Config{RequiredBufferSegments: 1, TranscriptionBufferMin: 1})

	require.True(t, g.Evaluate(Preconditions{
		ObservedSegments:   []uint64{0},
		SourceLanguageCues: 1,
		LastWriteOK:        true,
	}))
	firstSeq := g.FirstServingSegment()

	// Subsequent calls, even with failing preconditions, must not re-close
	// or relatch the gate.
	assert.True(t, g.Evaluate(Preconditions{
		ObservedSegments:   nil,
		SourceLanguageCues: 0,
		LastWriteOK:        false,
	}))
	assert.Equal(t, firstSeq, g.FirstServingSegment())
}
