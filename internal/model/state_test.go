package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRecord() *JobRecord {
	return &JobRecord{
		JobID:     "test-job",
		Status:    StatusQueued,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
		Config:    DefaultJobConfig(),
	}
}

func intPtr(v int) *int { return &v }

func TestApplyStatus_SetsStartedAtOnce(t *testing.T) {
	rec := newTestRecord()

	ok := ApplyStatus(rec, StatusProcessing, StatusUpdate{Step: StepProcessing})
	require.True(t, ok)
	require.NotNil(t, rec.StartedAt)

	first := *rec.StartedAt
	time.Sleep(10 * time.Millisecond)

	ok = ApplyStatus(rec, StatusSplittingStems, StatusUpdate{})
	require.True(t, ok)
	assert.Equal(t, first, *rec.StartedAt) // 不会被覆盖
}

func TestApplyStatus_CompletedForcesFullProgress(t *testing.T) {
	rec := newTestRecord()
	ApplyStatus(rec, StatusProcessing, StatusUpdate{Progress: intPtr(40)})

	ok := ApplyStatus(rec, StatusCompleted, StatusUpdate{})
	require.True(t, ok)
	assert.Equal(t, 100, rec.Progress)
	assert.NotNil(t, rec.CompletedAt)
}

func TestApplyStatus_TerminalStatesAbsorb(t *testing.T) {
	for _, terminal := range []JobStatus{StatusCompleted, StatusFailed, StatusExpired} {
		t.Run(string(terminal), func(t *testing.T) {
			rec := newTestRecord()
			ApplyStatus(rec, StatusProcessing, StatusUpdate{})
			require.True(t, ApplyStatus(rec, terminal, StatusUpdate{}))

			// 迟到的 worker 回调必须被忽略而不是报错
			assert.False(t, ApplyStatus(rec, StatusProcessing, StatusUpdate{}))
			assert.False(t, ApplyStatus(rec, StatusAnalyzingBeats, StatusUpdate{}))
			assert.False(t, ApplyStatus(rec, StatusFailed, StatusUpdate{}))
			assert.Equal(t, terminal, rec.Status)
		})
	}
}

func TestApplyStatus_NoBackwardTransition(t *testing.T) {
	rec := newTestRecord()
	ApplyStatus(rec, StatusProcessing, StatusUpdate{})
	ApplyStatus(rec, StatusAnalyzingBeats, StatusUpdate{})

	assert.False(t, ApplyStatus(rec, StatusSplittingStems, StatusUpdate{}))
	assert.Equal(t, StatusAnalyzingBeats, rec.Status)
}

func TestApplyStatus_FailedFromAnyActiveState(t *testing.T) {
	rec := newTestRecord()
	ApplyStatus(rec, StatusProcessing, StatusUpdate{})
	ApplyStatus(rec, StatusSplittingStems, StatusUpdate{})

	ok := ApplyStatus(rec, StatusFailed, StatusUpdate{
		Step:         StepStemSeparation,
		ErrorMessage: "demucs exited with code 1",
	})
	require.True(t, ok)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, "demucs exited with code 1", rec.ErrorMessage)
	assert.Equal(t, StepStemSeparation, rec.ErrorStep)
	assert.NotNil(t, rec.CompletedAt)
}

func TestApplyStatus_ErrorNeverClearedImplicitly(t *testing.T) {
	rec := newTestRecord()
	ApplyStatus(rec, StatusProcessing, StatusUpdate{ErrorMessage: "transient", Step: StepValidation})
	require.Equal(t, "transient", rec.ErrorMessage)

	ApplyStatus(rec, StatusSplittingStems, StatusUpdate{})
	assert.Equal(t, "transient", rec.ErrorMessage)
	assert.Equal(t, StepValidation, rec.ErrorStep)
}

func TestApplyProgress_ClampsAnyInput(t *testing.T) {
	cases := []struct {
		in   int
		want int
	}{
		{-50, 0},
		{0, 0},
		{42, 42},
		{99, 99},
		{100, 99}, // 100 只属于 COMPLETED
		{7000, 99},
	}

	for _, tc := range cases {
		rec := newTestRecord()
		ApplyProgress(rec, tc.in, "")
		assert.Equal(t, tc.want, rec.Progress, "input %d", tc.in)
		assert.GreaterOrEqual(t, rec.Progress, 0)
		assert.LessOrEqual(t, rec.Progress, 100)
	}
}

func TestApplyProgress_Monotonic(t *testing.T) {
	rec := newTestRecord()
	ApplyProgress(rec, 60, StepStemSeparation)
	require.Equal(t, 60, rec.Progress)

	// 重试的阶段回调不能让进度倒退
	ApplyProgress(rec, 30, StepStemSeparation)
	assert.Equal(t, 60, rec.Progress)
}

func TestApplyProgress_PromotesQueuedToProcessing(t *testing.T) {
	rec := newTestRecord()
	require.Equal(t, StatusQueued, rec.Status)

	ApplyProgress(rec, 5, StepValidation)
	assert.Equal(t, StatusProcessing, rec.Status)
	assert.NotNil(t, rec.StartedAt)

	// 进度为 0 不触发提升
	rec2 := newTestRecord()
	ApplyProgress(rec2, 0, "")
	assert.Equal(t, StatusQueued, rec2.Status)
}

func TestApplyProgress_IgnoredOnTerminal(t *testing.T) {
	rec := newTestRecord()
	ApplyStatus(rec, StatusFailed, StatusUpdate{ErrorMessage: "boom"})

	assert.False(t, ApplyProgress(rec, 80, StepBeatAnalysis))
	assert.Equal(t, 0, rec.Progress)
	assert.Equal(t, StatusFailed, rec.Status)
}

func TestCanTransition_ExpiredOnlyFromNonTerminal(t *testing.T) {
	assert.True(t, CanTransition(StatusQueued, StatusExpired))
	assert.False(t, CanTransition(StatusCompleted, StatusExpired))
	assert.False(t, CanTransition(StatusExpired, StatusProcessing))
}

func TestParseJobStatus_RejectsUnknown(t *testing.T) {
	_, err := ParseJobStatus("WAITING")
	assert.Error(t, err)

	st, err := ParseJobStatus("SPLITTING_STEMS")
	require.NoError(t, err)
	assert.Equal(t, StatusSplittingStems, st)
}

func TestParseProcessingStep_RejectsUnknown(t *testing.T) {
	_, err := ParseProcessingStep("COOKING")
	assert.Error(t, err)

	st, err := ParseProcessingStep("BEAT_ANALYSIS")
	require.NoError(t, err)
	assert.Equal(t, StepBeatAnalysis, st)
}
