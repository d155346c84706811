package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Stage
		want     bool
	}{
		{StageUploaded, StageExtracted, true},
		{StageExtracted, StageRecognized, true},
		{StageRecognized, StageEnhanced, true},
		{StageEnhanced, StageFormatted, true},
		{StageUploaded, StageFailed, true},
		{StageEnhanced, StageFailed, true},
		{StageUploaded, StageRecognized, false},
		{StageRecognized, StageExtracted, false},
		{StageFormatted, StageFailed, false},
		{StageFailed, StageUploaded, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestEveryStageHasTransitionEntry(t *testing.T) {
	for _, s := range Stages {
		assert.True(t, s.Valid(), "stage %s missing from transition table", s)
		if !s.Terminal() {
			assert.True(t, CanTransition(s, StageFailed), "stage %s cannot fail", s)
		}
	}
	assert.False(t, Stage("bogus").Valid())
}

func TestSnapshotAggregation(t *testing.T) {
	task := &Task{
		ID: "t1",
		Jobs: []*FileJob{
			{Filename: "a.txt", Stage: StageUploaded},
			{Filename: "b.png", Stage: StageUploaded},
		},
	}

	snap := task.Snapshot()
	assert.Equal(t, StatusPending, snap.Status)
	assert.False(t, snap.Terminal)
	assert.Equal(t, 0, snap.Percent)

	task.Jobs[0].Stage = StageRecognized
	snap = task.Snapshot()
	assert.Equal(t, StatusProcessing, snap.Status)
	assert.Equal(t, 25, snap.Percent)

	task.Jobs[0].Stage = StageFormatted
	task.Jobs[1].Stage = StageFailed
	task.Jobs[1].Error = "model rejected input"
	snap = task.Snapshot()
	assert.Equal(t, StatusPartial, snap.Status)
	assert.True(t, snap.Terminal)
	assert.Equal(t, 100, snap.Percent)
	assert.Equal(t, Counts{Total: 2, Succeeded: 1, Failed: 1}, snap.Counts)
	assert.Equal(t, []FailedFile{{Filename: "b.png", Reason: "model rejected input"}}, snap.Failed)
	assert.Equal(t, "a.txt", snap.Files[0].Filename)
	assert.Equal(t, "b.png", snap.Files[1].Filename)
}

func TestErrorTaxonomy(t *testing.T) {
	assert.True(t, errors.Is(ErrBatchTooLarge, ErrValidation))
	assert.True(t, IsRetryable(errors.Join(errors.New("timeout"), ErrModelUnavailable)))
	assert.False(t, IsRetryable(ErrModelRejected))

	verr := &ValidationError{Issues: []FileIssue{{Filename: "x.exe", Reason: "unsupported file type"}}}
	assert.True(t, errors.Is(verr, ErrValidation))
	assert.Contains(t, verr.Error(), "x.exe: unsupported file type")
}

func TestArtifactRefName(t *testing.T) {
	assert.Equal(t, "notes.md", ArtifactRef{Key: "outputs/notes.md"}.Name())
	assert.Equal(t, "notes.md", ArtifactRef{Key: "notes.md"}.Name())
}
