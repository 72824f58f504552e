package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qs3c/karaoke_go_server/internal/model"
	"github.com/qs3c/karaoke_go_server/internal/testutil"
)

func setupRepo(t *testing.T) *JobRepository {
	t.Helper()
	client, _ := testutil.SetupTestRedis(t)
	return NewJobRepository(client, 0)
}

func TestJobRepository_Create(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	rec, err := repo.Create(ctx, "song.mp3", 2048, "/storage/jobs/x/song.mp3", model.DefaultJobConfig())
	require.NoError(t, err)

	assert.NotEmpty(t, rec.JobID)
	assert.Equal(t, model.StatusQueued, rec.Status)
	assert.Equal(t, 0, rec.Progress)
	assert.Equal(t, "song.mp3", rec.OriginalFilename)
	assert.Nil(t, rec.StartedAt)

	// 注册进全局索引和 QUEUED 状态索引
	queued := model.StatusQueued
	jobs, err := repo.List(ctx, &queued, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, rec.JobID, jobs[0].JobID)
}

func TestJobRepository_Get_NotFound(t *testing.T) {
	repo := setupRepo(t)

	_, err := repo.Get(context.Background(), "no-such-job")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestJobRepository_RoundTrip(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	cfg := model.JobConfig{
		EnableVocalsExtraction: true,
		EnableTranscription:    false,
		EnableBeatTracking:     true,
		DemucsModel:            "htdemucs_ft",
		Language:               "de",
	}
	rec, err := repo.Create(ctx, "lied.flac", 9000, "/storage/jobs/y/lied.flac", cfg)
	require.NoError(t, err)

	started := time.Now().Add(-time.Minute)
	rec.Status = model.StatusSplittingStems
	rec.Progress = 45
	rec.CurrentStep = model.StepStemSeparation
	rec.StartedAt = &started
	rec.Stems = &model.StemResult{
		Stems:     map[string]string{"vocals": "/out/vocals.wav", "drums": "/out/drums.wav"},
		ModelName: "htdemucs_ft",
	}
	rec.Beats = &model.BeatsResult{TempoBPM: 128.5, BeatCount: 512, TimeSignature: "4/4"}
	require.NoError(t, repo.Save(ctx, rec))

	got, err := repo.Get(ctx, rec.JobID)
	require.NoError(t, err)

	assert.Equal(t, rec.JobID, got.JobID)
	assert.Equal(t, model.StatusSplittingStems, got.Status)
	assert.Equal(t, 45, got.Progress)
	assert.Equal(t, model.StepStemSeparation, got.CurrentStep)
	assert.Equal(t, "lied.flac", got.OriginalFilename)
	assert.Equal(t, int64(9000), got.FileSize)
	assert.Equal(t, cfg, got.Config)
	require.NotNil(t, got.StartedAt)
	assert.WithinDuration(t, started, *got.StartedAt, time.Millisecond)
	require.NotNil(t, got.Stems)
	assert.Equal(t, "/out/vocals.wav", got.Stems.Stems["vocals"])
	require.NotNil(t, got.Beats)
	assert.InDelta(t, 128.5, got.Beats.TempoBPM, 0.001)
	assert.Nil(t, got.Lyrics)
	assert.Nil(t, got.CompletedAt)

	// updated_at 每次保存都会前移
	assert.True(t, !got.UpdatedAt.Before(got.CreatedAt))
}

func TestJobRepository_Save_MovesStatusIndex(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	rec, err := repo.Create(ctx, "a.wav", 1, "/a.wav", model.DefaultJobConfig())
	require.NoError(t, err)

	require.True(t, model.ApplyStatus(rec, model.StatusProcessing, model.StatusUpdate{}))
	require.NoError(t, repo.Save(ctx, rec))

	queued := model.StatusQueued
	processing := model.StatusProcessing

	inQueued, err := repo.List(ctx, &queued, 10)
	require.NoError(t, err)
	assert.Empty(t, inQueued, "job must leave the old status index")

	inProcessing, err := repo.List(ctx, &processing, 10)
	require.NoError(t, err)
	require.Len(t, inProcessing, 1)
	assert.Equal(t, rec.JobID, inProcessing[0].JobID)

	// 重复保存同一状态不会产生重复索引项
	require.NoError(t, repo.Save(ctx, rec))
	require.NoError(t, repo.Save(ctx, rec))
	inProcessing, err = repo.List(ctx, &processing, 10)
	require.NoError(t, err)
	assert.Len(t, inProcessing, 1)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalJobs)
	assert.Equal(t, int64(1), stats.ByStatus["PROCESSING"])
	assert.Equal(t, int64(0), stats.ByStatus["QUEUED"])
}

func TestJobRepository_UpdateStage(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	rec, err := repo.Create(ctx, "b.mp3", 1, "/b.mp3", model.DefaultJobConfig())
	require.NoError(t, err)

	err = repo.UpdateStage(ctx, rec.JobID, model.StageTranscription, model.StageStatusProcessing, 40, "", map[string]string{
		"language": "en",
	})
	require.NoError(t, err)

	got, err := repo.Get(ctx, rec.JobID)
	require.NoError(t, err)

	st := got.StageState(model.StageTranscription)
	assert.Equal(t, model.StageStatusProcessing, st.Status)
	assert.Equal(t, 40, st.Progress)
	assert.Equal(t, "en", st.Extra["language"])
	assert.Empty(t, st.Error)

	// 窄写不触碰粗粒度字段
	assert.Equal(t, model.StatusQueued, got.Status)
	assert.Equal(t, 0, got.Progress)
}

func TestJobRepository_UpdateStage_NotFound(t *testing.T) {
	repo := setupRepo(t)

	err := repo.UpdateStage(context.Background(), "ghost", model.StageBeatAnalysis, model.StageStatusProcessing, 0, "", nil)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestJobRepository_UpdateStage_ConcurrentDisjointStages(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	rec, err := repo.Create(ctx, "c.mp3", 1, "/c.mp3", model.DefaultJobConfig())
	require.NoError(t, err)

	// 两个阶段并发窄写各自的命名空间字段，互不覆盖
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for p := 0; p <= 100; p += 10 {
			_ = repo.UpdateStage(ctx, rec.JobID, model.StageStemSeparation, model.StageStatusProcessing, p, "", nil)
		}
		_ = repo.UpdateStage(ctx, rec.JobID, model.StageStemSeparation, model.StageStatusCompleted, 100, "", nil)
	}()
	go func() {
		defer wg.Done()
		for p := 0; p <= 100; p += 10 {
			_ = repo.UpdateStage(ctx, rec.JobID, model.StageBeatAnalysis, model.StageStatusProcessing, p, "", nil)
		}
		_ = repo.UpdateStage(ctx, rec.JobID, model.StageBeatAnalysis, model.StageStatusFailed, 70, "aubio crashed", nil)
	}()
	wg.Wait()

	got, err := repo.Get(ctx, rec.JobID)
	require.NoError(t, err)

	stem := got.StageState(model.StageStemSeparation)
	assert.Equal(t, model.StageStatusCompleted, stem.Status)
	assert.Equal(t, 100, stem.Progress)
	assert.Empty(t, stem.Error)

	beats := got.StageState(model.StageBeatAnalysis)
	assert.Equal(t, model.StageStatusFailed, beats.Status)
	assert.Equal(t, 70, beats.Progress)
	assert.Equal(t, "aubio crashed", beats.Error)
}

func TestJobRepository_Save_KeepsTerminalState(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	rec, err := repo.Create(ctx, "late.mp3", 1, "/late.mp3", model.DefaultJobConfig())
	require.NoError(t, err)
	require.True(t, model.ApplyStatus(rec, model.StatusProcessing, model.StatusUpdate{}))
	require.NoError(t, repo.Save(ctx, rec))

	// 停在 PROCESSING 的过期快照
	stale := *rec
	stale.Progress = 77

	require.True(t, model.ApplyStatus(rec, model.StatusCompleted, model.StatusUpdate{}))
	require.NoError(t, repo.Save(ctx, rec))

	// 迟到的整体保存被丢弃，终态只进不退
	require.NoError(t, repo.Save(ctx, &stale))

	got, err := repo.Get(ctx, rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.NotNil(t, got.CompletedAt)

	completed := model.StatusCompleted
	inCompleted, err := repo.List(ctx, &completed, 10)
	require.NoError(t, err)
	assert.Len(t, inCompleted, 1)
}

func TestJobRepository_AdvanceProgress(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	rec, err := repo.Create(ctx, "p.mp3", 1, "/p.mp3", model.DefaultJobConfig())
	require.NoError(t, err)
	require.True(t, model.ApplyStatus(rec, model.StatusProcessing, model.StatusUpdate{}))
	require.NoError(t, repo.Save(ctx, rec))

	require.NoError(t, repo.AdvanceProgress(ctx, rec.JobID, 45, model.StepStemSeparation))
	got, err := repo.Get(ctx, rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, 45, got.Progress)
	assert.Equal(t, model.StepStemSeparation, got.CurrentStep)

	// 进度只增不减
	require.NoError(t, repo.AdvanceProgress(ctx, rec.JobID, 30, model.StepStemSeparation))
	got, err = repo.Get(ctx, rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, 45, got.Progress)

	// 非 COMPLETED 记录封顶 99
	require.NoError(t, repo.AdvanceProgress(ctx, rec.JobID, 150, model.StepVocalTranscription))
	got, err = repo.Get(ctx, rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, 99, got.Progress)

	// 窄写不触碰状态字段
	assert.Equal(t, model.StatusProcessing, got.Status)

	err = repo.AdvanceProgress(ctx, "ghost", 10, model.StepStemSeparation)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestJobRepository_AdvanceProgress_SkipsTerminal(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	rec, err := repo.Create(ctx, "done.mp3", 1, "/done.mp3", model.DefaultJobConfig())
	require.NoError(t, err)
	require.True(t, model.ApplyStatus(rec, model.StatusProcessing, model.StatusUpdate{}))
	require.True(t, model.ApplyStatus(rec, model.StatusCompleted, model.StatusUpdate{}))
	require.NoError(t, repo.Save(ctx, rec))

	// 终态之后的进度回调是 no-op，不报错也不改记录
	require.NoError(t, repo.AdvanceProgress(ctx, rec.JobID, 70, model.StepVocalTranscription))

	got, err := repo.Get(ctx, rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, rec.CurrentStep, got.CurrentStep)
	assert.NotNil(t, got.CompletedAt)
}

func TestJobRepository_Delete_Idempotent(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	rec, err := repo.Create(ctx, "d.mp3", 1, "/d.mp3", model.DefaultJobConfig())
	require.NoError(t, err)

	require.NoError(t, repo.Delete(ctx, rec.JobID))
	_, err = repo.Get(ctx, rec.JobID)
	assert.ErrorIs(t, err, ErrJobNotFound)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.TotalJobs)
	assert.Equal(t, int64(0), stats.ByStatus["QUEUED"])

	// 重复删除是 no-op，不是错误
	require.NoError(t, repo.Delete(ctx, rec.JobID))
	require.NoError(t, repo.Delete(ctx, "never-existed"))
}

func TestJobRepository_List_ReverseRecency(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	first, err := repo.Create(ctx, "1.mp3", 1, "/1.mp3", model.DefaultJobConfig())
	require.NoError(t, err)
	second, err := repo.Create(ctx, "2.mp3", 1, "/2.mp3", model.DefaultJobConfig())
	require.NoError(t, err)
	third, err := repo.Create(ctx, "3.mp3", 1, "/3.mp3", model.DefaultJobConfig())
	require.NoError(t, err)

	jobs, err := repo.List(ctx, nil, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, third.JobID, jobs[0].JobID)
	assert.Equal(t, second.JobID, jobs[1].JobID)
	assert.Equal(t, first.JobID, jobs[2].JobID)

	jobs, err = repo.List(ctx, nil, 2)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestJobRepository_ExpireStale(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	// 超过保留期的 COMPLETED 任务被清理，还在处理中的任务保留
	done, err := repo.Create(ctx, "old.mp3", 1, "/old.mp3", model.DefaultJobConfig())
	require.NoError(t, err)
	model.ApplyStatus(done, model.StatusProcessing, model.StatusUpdate{})
	model.ApplyStatus(done, model.StatusCompleted, model.StatusUpdate{})
	require.NoError(t, repo.Save(ctx, done))

	busy, err := repo.Create(ctx, "busy.mp3", 1, "/busy.mp3", model.DefaultJobConfig())
	require.NoError(t, err)
	model.ApplyStatus(busy, model.StatusProcessing, model.StatusUpdate{})
	require.NoError(t, repo.Save(ctx, busy))

	// 把两条记录的 updated_at 都拨回过去
	for _, rec := range []*model.JobRecord{done, busy} {
		old := encodeTime(time.Now().Add(-48 * time.Hour))
		require.NoError(t, repo.client.HSet(ctx, jobKey(rec.JobID), "updated_at", old).Err())
	}

	var archived []string
	deleted, err := repo.ExpireStale(ctx, 24*time.Hour, func(rec *model.JobRecord) error {
		archived = append(archived, rec.JobID)
		assert.Equal(t, model.StatusExpired, rec.Status)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	assert.Equal(t, []string{done.JobID}, archived)

	_, err = repo.Get(ctx, done.JobID)
	assert.ErrorIs(t, err, ErrJobNotFound)

	still, err := repo.Get(ctx, busy.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, still.Status)
}

func TestJobRepository_ExpireStale_KeepsFreshJobs(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	rec, err := repo.Create(ctx, "fresh.mp3", 1, "/fresh.mp3", model.DefaultJobConfig())
	require.NoError(t, err)

	deleted, err := repo.ExpireStale(ctx, time.Hour, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)

	_, err = repo.Get(ctx, rec.JobID)
	assert.NoError(t, err)
}

func TestJobRepository_ExpireStale_PrunesDanglingIndexes(t *testing.T) {
	client, mr := testutil.SetupTestRedis(t)
	repo := NewJobRepository(client, time.Hour)
	ctx := context.Background()

	rec, err := repo.Create(ctx, "gone.mp3", 1, "/gone.mp3", model.DefaultJobConfig())
	require.NoError(t, err)
	require.True(t, model.ApplyStatus(rec, model.StatusProcessing, model.StatusUpdate{}))
	require.True(t, model.ApplyStatus(rec, model.StatusCompleted, model.StatusUpdate{}))
	require.NoError(t, repo.Save(ctx, rec))

	// 记录本体被兜底 TTL 淘汰，索引还留着
	mr.FastForward(2 * time.Hour)
	_, err = repo.Get(ctx, rec.JobID)
	require.ErrorIs(t, err, ErrJobNotFound)

	deleted, err := repo.ExpireStale(ctx, 24*time.Hour, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.TotalJobs)
	assert.Equal(t, int64(0), stats.ByStatus["COMPLETED"])

	jobs, err := repo.List(ctx, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestJobRepository_ReapStuck(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	stuck, err := repo.Create(ctx, "stuck.mp3", 1, "/stuck.mp3", model.DefaultJobConfig())
	require.NoError(t, err)
	model.ApplyStatus(stuck, model.StatusSplittingStems, model.StatusUpdate{Step: model.StepStemSeparation})
	require.NoError(t, repo.Save(ctx, stuck))

	old := encodeTime(time.Now().Add(-2 * time.Hour))
	require.NoError(t, repo.client.HSet(ctx, jobKey(stuck.JobID), "updated_at", old).Err())

	reaped, err := repo.ReapStuck(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	got, err := repo.Get(ctx, stuck.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.NotEmpty(t, got.ErrorMessage)
	assert.NotNil(t, got.CompletedAt)

	failed := model.StatusFailed
	inFailed, err := repo.List(ctx, &failed, 10)
	require.NoError(t, err)
	assert.Len(t, inFailed, 1)
}

func TestJobRepository_DecodeRejectsUnknownStatus(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	rec, err := repo.Create(ctx, "bad.mp3", 1, "/bad.mp3", model.DefaultJobConfig())
	require.NoError(t, err)

	require.NoError(t, repo.client.HSet(ctx, jobKey(rec.JobID), "status", "LIMBO").Err())

	_, err = repo.Get(ctx, rec.JobID)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown job status")
}
