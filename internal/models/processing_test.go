package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProcessingState_PartitionsPages(t *testing.T) {
	for totalPages := 1; totalPages <= 120; totalPages++ {
		for step := MinStepSize; step <= MaxStepSize; step++ {
			st, err := NewProcessingState("doc", "a.pdf", totalPages, step, "p")
			require.NoError(t, err)

			wantBatches := (totalPages + step - 1) / step
			require.Equal(t, wantBatches, st.TotalBatches)
			require.Len(t, st.Batches, wantBatches)

			next := 1
			for i, b := range st.Batches {
				require.Equal(t, i+1, b.BatchNumber)
				require.Equal(t, next, b.StartPage, "gap or overlap at batch %d", b.BatchNumber)
				require.GreaterOrEqual(t, b.EndPage, b.StartPage)
				require.LessOrEqual(t, b.EndPage-b.StartPage+1, step)
				next = b.EndPage + 1
			}
			require.Equal(t, totalPages+1, next)
		}
	}
}

func TestNewProcessingState_Scenario25x10(t *testing.T) {
	st, err := NewProcessingState("doc", "a.pdf", 25, 10, "p")
	require.NoError(t, err)

	assert.Equal(t, 3, st.TotalBatches)
	assert.Equal(t, [2]int{1, 10}, [2]int{st.Batches[0].StartPage, st.Batches[0].EndPage})
	assert.Equal(t, [2]int{11, 20}, [2]int{st.Batches[1].StartPage, st.Batches[1].EndPage})
	assert.Equal(t, [2]int{21, 25}, [2]int{st.Batches[2].StartPage, st.Batches[2].EndPage})
	assert.Equal(t, 1, st.CurrentBatch)
	assert.Equal(t, StatusIdle, st.Status)
}

func TestNewProcessingState_Validation(t *testing.T) {
	_, err := NewProcessingState("doc", "a.pdf", 0, 10, "p")
	assert.ErrorIs(t, err, ErrNoPages)

	_, err = NewProcessingState("doc", "a.pdf", 10, 0, "p")
	assert.ErrorIs(t, err, ErrInvalidStepSize)

	_, err = NewProcessingState("doc", "a.pdf", 10, 51, "p")
	assert.ErrorIs(t, err, ErrInvalidStepSize)
}

func TestProcessingState_MarkPageComplete(t *testing.T) {
	st, err := NewProcessingState("doc", "a.pdf", 12, 5, "p")
	require.NoError(t, err)

	for _, p := range []int{7, 2, 7, 11, 1} {
		require.NoError(t, st.MarkPageComplete(p))
	}

	assert.Equal(t, []int{1, 2, 7, 11}, st.CompletedPages)
	assert.Equal(t, []int{1, 2}, st.Batch(1).CompletedPages)
	assert.Equal(t, []int{7}, st.Batch(2).CompletedPages)
	assert.Equal(t, []int{11}, st.Batch(3).CompletedPages)
	assert.True(t, st.IsPageComplete(7))
	assert.False(t, st.IsPageComplete(8))

	assert.ErrorIs(t, st.MarkPageComplete(13), ErrUnknownBatch)
	assert.ErrorIs(t, st.MarkPageComplete(0), ErrUnknownBatch)
}

func TestProcessingState_ResetBatch(t *testing.T) {
	st, err := NewProcessingState("doc", "a.pdf", 25, 10, "p")
	require.NoError(t, err)
	for p := 1; p <= 13; p++ {
		require.NoError(t, st.MarkPageComplete(p))
	}
	require.NoError(t, st.BeginBatch(2, "second"))

	require.NoError(t, st.ResetBatch(2))

	b := st.Batch(2)
	assert.Empty(t, b.CompletedPages)
	assert.Nil(t, b.PromptUsed)
	assert.Equal(t, BatchPending, b.Status)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, st.CompletedPages)
	assert.ErrorIs(t, st.ResetBatch(4), ErrUnknownBatch)
}

func TestProcessingState_BeginBatchSnapshotsPrompt(t *testing.T) {
	st, err := NewProcessingState("doc", "a.pdf", 20, 10, "first")
	require.NoError(t, err)

	require.NoError(t, st.BeginBatch(1, st.CurrentPrompt))
	st.SetPrompt("second")

	require.NotNil(t, st.Batch(1).PromptUsed)
	assert.Equal(t, "first", *st.Batch(1).PromptUsed)
	assert.Equal(t, BatchProcessing, st.Batch(1).Status)
}

func TestProcessingState_AdvanceAndStatus(t *testing.T) {
	st, err := NewProcessingState("doc", "a.pdf", 2, 1, "p")
	require.NoError(t, err)

	st.AdvanceBatch()
	st.AdvanceBatch()
	st.AdvanceBatch()
	assert.Equal(t, 3, st.CurrentBatch)

	st.SetStatus(StatusError, "boom")
	require.NotNil(t, st.ErrorMessage)
	assert.Equal(t, "boom", *st.ErrorMessage)

	st.SetStatus(StatusIdle, "ignored")
	assert.Nil(t, st.ErrorMessage)
}

func TestProcessingState_CloneIsDeep(t *testing.T) {
	st, err := NewProcessingState("doc", "a.pdf", 4, 2, "p")
	require.NoError(t, err)
	require.NoError(t, st.BeginBatch(1, "p"))
	require.NoError(t, st.MarkPageComplete(1))

	c := st.Clone()
	require.NoError(t, c.MarkPageComplete(2))
	*c.Batch(1).PromptUsed = "changed"

	assert.Equal(t, []int{1}, st.CompletedPages)
	assert.Equal(t, []int{1}, st.Batch(1).CompletedPages)
	assert.Equal(t, "p", *st.Batch(1).PromptUsed)
}
