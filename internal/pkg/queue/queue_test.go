package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qs3c/karaoke_go_server/internal/model"
	"github.com/qs3c/karaoke_go_server/internal/testutil"
)

func TestQueue_PushPop(t *testing.T) {
	client, _ := testutil.SetupTestRedis(t)
	q := NewQueue(client, "audio_processing")
	ctx := context.Background()

	msg := &JobMessage{JobID: "job-1", Retries: 0}
	require.NoError(t, q.Push(ctx, msg))

	length, err := q.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), length)

	got, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "job-1", got.JobID)
	assert.Equal(t, 0, got.Retries)
}

func TestQueue_PopFIFO(t *testing.T) {
	client, _ := testutil.SetupTestRedis(t)
	q := NewQueue(client, "audio_processing")
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, &JobMessage{JobID: "first"}))
	require.NoError(t, q.Push(ctx, &JobMessage{JobID: "second"}))

	got, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "first", got.JobID)

	got, err = q.Pop(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "second", got.JobID)
}

func TestDispatcher_RoundTrip(t *testing.T) {
	client, _ := testutil.SetupTestRedis(t)
	d := NewDispatcher(client)
	ctx := context.Background()

	// 模拟阶段 worker：取任务、上报结果
	go func() {
		task, err := d.PopTask(ctx, "stem_separation", 2*time.Second)
		if err != nil || task == nil {
			return
		}
		_ = d.Complete(ctx, &TaskResult{
			TaskID:  task.TaskID,
			JobID:   task.JobID,
			Stage:   task.Stage,
			Success: true,
			Stems: &model.StemResult{
				Stems: map[string]string{"vocals": "/out/vocals.wav"},
			},
		})
	}()

	result, err := d.Dispatch(ctx, "stem_separation", &TaskMessage{
		JobID:     "job-2",
		Stage:     model.StageStemSeparation,
		AudioPath: "/in/song.mp3",
		OutputDir: "/out",
		Config:    model.DefaultJobConfig(),
	}, 2*time.Second)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "job-2", result.JobID)
	require.NotNil(t, result.Stems)
	assert.Equal(t, "/out/vocals.wav", result.Stems.Stems["vocals"])
}

func TestDispatcher_BusinessFailureIsNotAnError(t *testing.T) {
	client, _ := testutil.SetupTestRedis(t)
	d := NewDispatcher(client)
	ctx := context.Background()

	go func() {
		task, err := d.PopTask(ctx, "transcription", 2*time.Second)
		if err != nil || task == nil {
			return
		}
		_ = d.Complete(ctx, &TaskResult{
			TaskID:  task.TaskID,
			JobID:   task.JobID,
			Stage:   task.Stage,
			Success: false,
			Error:   "whisper model failed to load",
		})
	}()

	result, err := d.Dispatch(ctx, "transcription", &TaskMessage{
		JobID: "job-3",
		Stage: model.StageTranscription,
	}, 2*time.Second)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, "whisper model failed to load", result.Error)
}

func TestDispatcher_Timeout(t *testing.T) {
	client, _ := testutil.SetupTestRedis(t)
	d := NewDispatcher(client)
	ctx := context.Background()

	// 没有任何 worker 消费队列
	_, err := d.Dispatch(ctx, "beat_analysis", &TaskMessage{
		JobID: "job-4",
		Stage: model.StageBeatAnalysis,
	}, 100*time.Millisecond)

	assert.ErrorIs(t, err, ErrDispatchTimeout)
}
