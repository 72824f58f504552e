package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/qs3c/karaoke_go_server/internal/model"
)

var (
	ErrJobNotFound        = errors.New("job not found")
	ErrStorageUnavailable = errors.New("job store unavailable")
)

const (
	jobKeyPrefix    = "job:"
	allJobsKey      = "jobs:all"
	jobExistsKey    = "jobs:exists"
	statusKeyPrefix = "jobs:status:"
)

func jobKey(jobID string) string {
	return jobKeyPrefix + jobID
}

func statusKey(status model.JobStatus) string {
	return statusKeyPrefix + string(status)
}

// JobRepository 以 Redis hash 为唯一事实来源的任务存储。
// 每个 job 一个 hash，另维护 jobs:all、jobs:status:* 两类索引，
// jobs:exists 集合保证索引注册幂等。
type JobRepository struct {
	client *redis.Client
	ttl    time.Duration // 记录兜底过期时间，0 表示不设置
}

func NewJobRepository(client *redis.Client, ttl time.Duration) *JobRepository {
	return &JobRepository{client: client, ttl: ttl}
}

// Create 创建新任务并注册索引
func (r *JobRepository) Create(ctx context.Context, filename string, fileSize int64, filePath string, cfg model.JobConfig) (*model.JobRecord, error) {
	now := time.Now()
	rec := &model.JobRecord{
		JobID:            uuid.NewString(),
		Status:           model.StatusQueued,
		Progress:         0,
		CurrentStep:      model.StepUpload,
		OriginalFilename: filename,
		FileSize:         fileSize,
		FilePath:         filePath,
		CreatedAt:        now,
		UpdatedAt:        now,
		Config:           cfg,
	}

	if err := r.Save(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// 状态读改写用 WATCH 保护，冲突时重读重试的次数上限
const maxTxRetries = 3

// Save 写入全部粗粒度字段并维护状态索引。
// 阶段命名空间字段（<stage>_*）不在这里写，它们归 UpdateStage 所有，
// 这样 orchestrator 的整体保存和 worker 的高频进度写互不覆盖。
// status 的读改写放在 WATCH 下，HSET/EXPIRE/索引维护在同一个 MULTI/EXEC 里，
// 要么全部生效要么保持旧状态。
// 存储里已落终态而手里的快照还停在活动状态时，整次写入被丢弃：终态只进不退。
// EXPIRED 覆盖其他终态仍然允许，那是清理扫描的专属路径。
func (r *JobRepository) Save(ctx context.Context, rec *model.JobRecord) error {
	rec.UpdatedAt = time.Now()

	fields, err := encodeRecord(rec)
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", rec.JobID, err)
	}

	key := jobKey(rec.JobID)
	save := func(tx *redis.Tx) error {
		oldStatus, err := tx.HGet(ctx, key, "status").Result()
		if err != nil && err != redis.Nil {
			return err
		}

		if old, perr := model.ParseJobStatus(oldStatus); perr == nil {
			if old.Terminal() && !rec.Status.Terminal() {
				return nil
			}
		}

		registered, err := tx.SIsMember(ctx, jobExistsKey, rec.JobID).Result()
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			if r.ttl > 0 {
				pipe.Expire(ctx, key, r.ttl)
			}
			if oldStatus != string(rec.Status) {
				if oldStatus != "" {
					pipe.LRem(ctx, statusKeyPrefix+oldStatus, 1, rec.JobID)
				}
				pipe.LPush(ctx, statusKey(rec.Status), rec.JobID)
			}
			// 首次保存时一并注册全局索引，和记录写入同一个事务
			if !registered {
				pipe.SAdd(ctx, jobExistsKey, rec.JobID)
				pipe.LPush(ctx, allJobsKey, rec.JobID)
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err = r.client.Watch(ctx, save, key)
		if err != redis.TxFailedErr {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// AdvanceProgress 窄写全局进度和当前步骤，不做整条记录的保存。
// 进度只增不减，非 COMPLETED 记录封顶在 99，终态记录直接跳过，
// 所以拿着过期快照的高频回调覆盖不掉 orchestrator 落的终态。
func (r *JobRepository) AdvanceProgress(ctx context.Context, jobID string, progress int, step model.ProcessingStep) error {
	key := jobKey(jobID)

	advance := func(tx *redis.Tx) error {
		vals, err := tx.HMGet(ctx, key, "status", "progress").Result()
		if err != nil {
			return err
		}
		rawStatus, _ := vals[0].(string)
		if rawStatus == "" {
			return ErrJobNotFound
		}
		status, err := model.ParseJobStatus(rawStatus)
		if err != nil {
			return fmt.Errorf("job %s: %w", jobID, err)
		}
		if status.Terminal() {
			return nil
		}

		current := 0
		if s, ok := vals[1].(string); ok && s != "" {
			if current, err = strconv.Atoi(s); err != nil {
				return fmt.Errorf("job %s: bad progress %q", jobID, s)
			}
		}

		p := clamp(progress, 0, 99)
		if p <= current && step == "" {
			return nil
		}

		fields := map[string]interface{}{"updated_at": encodeTime(time.Now())}
		if p > current {
			fields["progress"] = strconv.Itoa(p)
		}
		if step != "" {
			fields["current_step"] = string(step)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			return nil
		})
		return err
	}

	var err error
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err = r.client.Watch(ctx, advance, key)
		if err != redis.TxFailedErr {
			break
		}
	}
	if errors.Is(err, ErrJobNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// Get 读取并解码任务记录
func (r *JobRepository) Get(ctx context.Context, jobID string) (*model.JobRecord, error) {
	data, err := r.client.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if len(data) == 0 {
		return nil, ErrJobNotFound
	}
	return decodeRecord(jobID, data)
}

// UpdateStage 窄写某个阶段的命名空间字段，不做整条记录的读改写。
// worker 的高频进度回调走这里，避免和 orchestrator 的 Save 产生竞争。
func (r *JobRepository) UpdateStage(ctx context.Context, jobID, stage, status string, progress int, stageErr string, extra map[string]string) error {
	exists, err := r.client.Exists(ctx, jobKey(jobID)).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if exists == 0 {
		return ErrJobNotFound
	}

	now := time.Now()
	fields := map[string]interface{}{
		stage + "_status":     status,
		stage + "_progress":   strconv.Itoa(clamp(progress, 0, 100)),
		stage + "_updated_at": encodeTime(now),
		"updated_at":          encodeTime(now),
	}
	if stageErr != "" {
		fields[stage+"_error"] = stageErr
	}
	for k, v := range extra {
		fields[stage+"_"+k] = v
	}

	if err := r.client.HSet(ctx, jobKey(jobID), fields).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// Delete 删除记录和全部索引项，对已删除的 id 幂等
func (r *JobRepository) Delete(ctx context.Context, jobID string) error {
	rec, err := r.Get(ctx, jobID)
	if errors.Is(err, ErrJobNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, allJobsKey, 1, jobID)
		pipe.LRem(ctx, statusKey(rec.Status), 1, jobID)
		pipe.SRem(ctx, jobExistsKey, jobID)
		pipe.Del(ctx, jobKey(jobID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// List 按插入逆序列出任务，可按状态过滤
func (r *JobRepository) List(ctx context.Context, status *model.JobStatus, limit int) ([]*model.JobRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	key := allJobsKey
	if status != nil {
		key = statusKey(*status)
	}

	jobIDs, err := r.client.LRange(ctx, key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	jobs := make([]*model.JobRecord, 0, len(jobIDs))
	for _, id := range jobIDs {
		rec, err := r.Get(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			continue // 索引可能短暂领先于记录删除
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, rec)
	}
	return jobs, nil
}

// ExpireStale 清理 updated_at 早于 retention 窗口且不在处理中的任务。
// archive 回调在删除前执行（可为 nil），失败只记日志不阻塞清理。
// 记录本体已被兜底 TTL 淘汰、索引仍残留的条目也在这里清掉，
// 否则 jobs:all 和状态列表会永远膨胀下去。
// 返回删除数量。对并发活动安全：处理中的任务一律跳过。
func (r *JobRepository) ExpireStale(ctx context.Context, retention time.Duration, archive func(*model.JobRecord) error) (int, error) {
	cutoff := time.Now().Add(-retention)

	jobIDs, err := r.client.LRange(ctx, allJobsKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	deleted := 0
	for _, id := range jobIDs {
		rec, err := r.Get(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			if err := r.removeDangling(ctx, id); err != nil {
				log.Printf("ExpireStale: failed to prune dangling index for %s: %v", id, err)
				continue
			}
			deleted++
			continue
		}
		if err != nil {
			return deleted, err
		}

		if rec.Status.Active() || !rec.UpdatedAt.Before(cutoff) {
			continue
		}

		// 标记 EXPIRED 后删除。EXPIRED 是清理扫描的专属出口，这里绕过
		// 状态机直接落戳：已经收尾的记录（COMPLETED/FAILED）同样换成
		// 过期处置，归档里留的就是这个状态
		rec.Status = model.StatusExpired
		if rec.CompletedAt == nil {
			now := time.Now()
			rec.CompletedAt = &now
		}
		if err := r.Save(ctx, rec); err != nil {
			log.Printf("ExpireStale: failed to mark job %s expired: %v", id, err)
			continue
		}

		if archive != nil {
			if err := archive(rec); err != nil {
				log.Printf("ExpireStale: failed to archive job %s: %v", id, err)
			}
		}

		if err := r.Delete(ctx, id); err != nil {
			log.Printf("ExpireStale: failed to delete job %s: %v", id, err)
			continue
		}
		deleted++
	}

	return deleted, nil
}

// removeDangling 清掉记录本体已不存在、索引仍残留的条目。
// 状态未知，所有状态列表都 LREM 一遍。
func (r *JobRepository) removeDangling(ctx context.Context, jobID string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, allJobsKey, 1, jobID)
		pipe.SRem(ctx, jobExistsKey, jobID)
		for _, st := range model.AllStatuses() {
			pipe.LRem(ctx, statusKey(st), 1, jobID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// ReapStuck 把卡死的处理中任务置为 FAILED。
// 管道任务被硬超时强杀时没有机会写终态，这里是最后的安全网，
// 保证任务不会永远停在 PROCESSING。
func (r *JobRepository) ReapStuck(ctx context.Context, staleAfter time.Duration) (int, error) {
	cutoff := time.Now().Add(-staleAfter)

	jobIDs, err := r.client.LRange(ctx, allJobsKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	reaped := 0
	for _, id := range jobIDs {
		rec, err := r.Get(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return reaped, err
		}

		if !rec.Status.Active() || !rec.UpdatedAt.Before(cutoff) {
			continue
		}

		msg := fmt.Sprintf("job stalled: no update since %s", rec.UpdatedAt.Format(time.RFC3339))
		if !model.ApplyStatus(rec, model.StatusFailed, model.StatusUpdate{ErrorMessage: msg, Step: rec.CurrentStep}) {
			continue
		}
		if err := r.Save(ctx, rec); err != nil {
			log.Printf("ReapStuck: failed to fail job %s: %v", id, err)
			continue
		}
		reaped++
	}

	return reaped, nil
}

// JobStats 任务统计
type JobStats struct {
	TotalJobs int64            `json:"total_jobs"`
	ByStatus  map[string]int64 `json:"by_status"`
}

// Stats 汇总全局任务数和各状态数量
func (r *JobRepository) Stats(ctx context.Context) (*JobStats, error) {
	total, err := r.client.LLen(ctx, allJobsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	stats := &JobStats{
		TotalJobs: total,
		ByStatus:  make(map[string]int64),
	}
	for _, st := range model.AllStatuses() {
		count, err := r.client.LLen(ctx, statusKey(st)).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		stats.ByStatus[string(st)] = count
	}
	return stats, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func encodeTime(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', 6, 64)
}

func decodeTime(s string) (time.Time, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, err
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec), nil
}

// encodeRecord 把记录编码为扁平 hash 字段。
// 可空字段编码为空串，结构化字段 JSON 编码；不含任何阶段命名空间字段。
func encodeRecord(rec *model.JobRecord) (map[string]interface{}, error) {
	fields := map[string]interface{}{
		"job_id":            rec.JobID,
		"status":            string(rec.Status),
		"progress":          strconv.Itoa(rec.Progress),
		"current_step":      string(rec.CurrentStep),
		"original_filename": rec.OriginalFilename,
		"file_size":         strconv.FormatInt(rec.FileSize, 10),
		"file_path":         rec.FilePath,
		"created_at":        encodeTime(rec.CreatedAt),
		"updated_at":        encodeTime(rec.UpdatedAt),
		"error_message":     rec.ErrorMessage,
		"error_step":        string(rec.ErrorStep),
		"task_id":           rec.TaskID,
	}

	fields["started_at"] = ""
	if rec.StartedAt != nil {
		fields["started_at"] = encodeTime(*rec.StartedAt)
	}
	fields["completed_at"] = ""
	if rec.CompletedAt != nil {
		fields["completed_at"] = encodeTime(*rec.CompletedAt)
	}

	cfgJSON, err := json.Marshal(rec.Config)
	if err != nil {
		return nil, err
	}
	fields["processing_config"] = string(cfgJSON)

	for name, v := range map[string]interface{}{
		"stems":    rec.Stems,
		"lyrics":   rec.Lyrics,
		"beats":    rec.Beats,
		"manifest": rec.Manifest,
	} {
		if isNilResult(v) {
			fields[name] = ""
			continue
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		fields[name] = string(data)
	}

	return fields, nil
}

func isNilResult(v interface{}) bool {
	switch r := v.(type) {
	case *model.StemResult:
		return r == nil
	case *model.LyricsResult:
		return r == nil
	case *model.BeatsResult:
		return r == nil
	case *model.Manifest:
		return r == nil
	}
	return v == nil
}

// decodeRecord 把 hash 字段解码回类型化记录。
// 空串映射为类型化的缺失值，未知的状态/步骤值直接报错而不是默默兜底。
func decodeRecord(jobID string, data map[string]string) (*model.JobRecord, error) {
	rec := &model.JobRecord{JobID: jobID}

	status, err := model.ParseJobStatus(data["status"])
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", jobID, err)
	}
	rec.Status = status

	if s := data["current_step"]; s != "" {
		step, err := model.ParseProcessingStep(s)
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", jobID, err)
		}
		rec.CurrentStep = step
	}
	if s := data["error_step"]; s != "" {
		step, err := model.ParseProcessingStep(s)
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", jobID, err)
		}
		rec.ErrorStep = step
	}

	if s := data["progress"]; s != "" {
		p, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("job %s: bad progress %q", jobID, s)
		}
		rec.Progress = p
	}
	if s := data["file_size"]; s != "" {
		sz, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("job %s: bad file_size %q", jobID, s)
		}
		rec.FileSize = sz
	}

	rec.OriginalFilename = data["original_filename"]
	rec.FilePath = data["file_path"]
	rec.ErrorMessage = data["error_message"]
	rec.TaskID = data["task_id"]

	for field, dst := range map[string]*time.Time{
		"created_at": &rec.CreatedAt,
		"updated_at": &rec.UpdatedAt,
	} {
		if s := data[field]; s != "" {
			t, err := decodeTime(s)
			if err != nil {
				return nil, fmt.Errorf("job %s: bad %s %q", jobID, field, s)
			}
			*dst = t
		}
	}
	for field, dst := range map[string]**time.Time{
		"started_at":   &rec.StartedAt,
		"completed_at": &rec.CompletedAt,
	} {
		if s := data[field]; s != "" {
			t, err := decodeTime(s)
			if err != nil {
				return nil, fmt.Errorf("job %s: bad %s %q", jobID, field, s)
			}
			*dst = &t
		}
	}

	if s := data["processing_config"]; s != "" {
		if err := json.Unmarshal([]byte(s), &rec.Config); err != nil {
			return nil, fmt.Errorf("job %s: bad processing_config: %w", jobID, err)
		}
	}
	if s := data["stems"]; s != "" {
		rec.Stems = &model.StemResult{}
		if err := json.Unmarshal([]byte(s), rec.Stems); err != nil {
			return nil, fmt.Errorf("job %s: bad stems: %w", jobID, err)
		}
	}
	if s := data["lyrics"]; s != "" {
		rec.Lyrics = &model.LyricsResult{}
		if err := json.Unmarshal([]byte(s), rec.Lyrics); err != nil {
			return nil, fmt.Errorf("job %s: bad lyrics: %w", jobID, err)
		}
	}
	if s := data["beats"]; s != "" {
		rec.Beats = &model.BeatsResult{}
		if err := json.Unmarshal([]byte(s), rec.Beats); err != nil {
			return nil, fmt.Errorf("job %s: bad beats: %w", jobID, err)
		}
	}
	if s := data["manifest"]; s != "" {
		rec.Manifest = &model.Manifest{}
		if err := json.Unmarshal([]byte(s), rec.Manifest); err != nil {
			return nil, fmt.Errorf("job %s: bad manifest: %w", jobID, err)
		}
	}

	rec.Stages = decodeStages(data)

	return rec, nil
}

var stageNames = []string{
	model.StageValidation,
	model.StageStemSeparation,
	model.StageTranscription,
	model.StageBeatAnalysis,
	model.StageFinalization,
}

func decodeStages(data map[string]string) map[string]model.StageState {
	stages := make(map[string]model.StageState)

	for key, value := range data {
		for _, stage := range stageNames {
			prefix := stage + "_"
			if !strings.HasPrefix(key, prefix) {
				continue
			}
			st := stages[stage]
			switch key[len(prefix):] {
			case "status":
				st.Status = value
			case "progress":
				if p, err := strconv.Atoi(value); err == nil {
					st.Progress = p
				}
			case "error":
				st.Error = value
			case "updated_at":
				if t, err := decodeTime(value); err == nil {
					st.UpdatedAt = t
				}
			default:
				if st.Extra == nil {
					st.Extra = make(map[string]string)
				}
				st.Extra[key[len(prefix):]] = value
			}
			stages[stage] = st
			break
		}
	}

	if len(stages) == 0 {
		return nil
	}
	return stages
}
