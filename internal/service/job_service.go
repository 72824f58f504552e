package service

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/qs3c/karaoke_go_server/config"
	"github.com/qs3c/karaoke_go_server/internal/model"
	"github.com/qs3c/karaoke_go_server/internal/pkg/queue"
	"github.com/qs3c/karaoke_go_server/internal/repository"
)

var (
	ErrInvalidFormat  = fmt.Errorf("不支持的音频格式")
	ErrFileTooLarge   = fmt.Errorf("文件过大")
	ErrEmptyFile      = fmt.Errorf("文件为空")
	ErrInvalidStatus  = fmt.Errorf("未知的任务状态")
	ErrJobNotFinished = fmt.Errorf("任务尚未处理完成")
	ErrJobActive      = fmt.Errorf("任务正在处理中，不能删除")
)

// JobService 任务的业务入口：接收上传、入队、查询、删除。
type JobService struct {
	repo     *repository.JobRepository
	pipeline *queue.Queue
	cfg      *config.Config
}

func NewJobService(repo *repository.JobRepository, pipeline *queue.Queue, cfg *config.Config) *JobService {
	return &JobService{
		repo:     repo,
		pipeline: pipeline,
		cfg:      cfg,
	}
}

// CreateJob 保存上传的音频、登记任务记录并推入处理队列
func (s *JobService) CreateJob(ctx context.Context, filename string, size int64, src io.Reader, jobCfg model.JobConfig) (*model.JobRecord, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if !s.extensionAllowed(ext) {
		return nil, ErrInvalidFormat
	}
	if size <= 0 {
		return nil, ErrEmptyFile
	}
	if size > s.cfg.Upload.MaxSize {
		return nil, ErrFileTooLarge
	}

	rec, err := s.repo.Create(ctx, filename, size, "", jobCfg)
	if err != nil {
		return nil, err
	}

	jobDir := filepath.Join(s.cfg.Upload.JobsDir, rec.JobID)
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		s.discard(ctx, rec.JobID, jobDir)
		return nil, fmt.Errorf("failed to create job dir: %w", err)
	}

	audioPath := filepath.Join(jobDir, "original"+ext)
	written, err := saveFile(audioPath, src)
	if err != nil {
		s.discard(ctx, rec.JobID, jobDir)
		return nil, fmt.Errorf("failed to save upload: %w", err)
	}
	if written == 0 {
		s.discard(ctx, rec.JobID, jobDir)
		return nil, ErrEmptyFile
	}

	rec.FilePath = audioPath
	rec.FileSize = written
	if err := s.repo.Save(ctx, rec); err != nil {
		s.discard(ctx, rec.JobID, jobDir)
		return nil, err
	}

	if err := s.pipeline.Push(ctx, &queue.JobMessage{JobID: rec.JobID}); err != nil {
		s.discard(ctx, rec.JobID, jobDir)
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	return rec, nil
}

// GetJob 查询任务记录
func (s *JobService) GetJob(ctx context.Context, jobID string) (*model.JobRecord, error) {
	return s.repo.Get(ctx, jobID)
}

// GetResults 查询处理结果，未到终态返回 ErrJobNotFinished
func (s *JobService) GetResults(ctx context.Context, jobID string) (*model.JobRecord, error) {
	rec, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !rec.Status.Terminal() {
		return rec, ErrJobNotFinished
	}
	return rec, nil
}

// ListJobs 按状态过滤列出任务，status 为空返回全部
func (s *JobService) ListJobs(ctx context.Context, status string, limit int) ([]*model.JobRecord, error) {
	var filter *model.JobStatus
	if status != "" {
		st, err := model.ParseJobStatus(status)
		if err != nil {
			return nil, ErrInvalidStatus
		}
		filter = &st
	}
	return s.repo.List(ctx, filter, limit)
}

// DeleteJob 删除任务记录和本地产物。处理中的任务拒绝删除。
func (s *JobService) DeleteJob(ctx context.Context, jobID string) error {
	rec, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if rec.Status.Active() {
		return ErrJobActive
	}

	if err := s.repo.Delete(ctx, jobID); err != nil {
		return err
	}

	jobDir := filepath.Join(s.cfg.Upload.JobsDir, jobID)
	if err := os.RemoveAll(jobDir); err != nil {
		return fmt.Errorf("failed to remove job files: %w", err)
	}
	return nil
}

// Stats 任务统计和各队列深度
func (s *JobService) Stats(ctx context.Context) (*repository.JobStats, map[string]int64, error) {
	stats, err := s.repo.Stats(ctx)
	if err != nil {
		return nil, nil, err
	}

	depths := make(map[string]int64)
	for _, name := range []string{
		s.cfg.Queue.PipelineQueue,
		s.cfg.Queue.StemSeparationQueue,
		s.cfg.Queue.TranscriptionQueue,
		s.cfg.Queue.BeatAnalysisQueue,
	} {
		n, err := queue.NewQueue(s.pipeline.Client(), name).Length(ctx)
		if err != nil {
			return nil, nil, err
		}
		depths[name] = n
	}
	return stats, depths, nil
}

func (s *JobService) extensionAllowed(ext string) bool {
	for _, allowed := range s.cfg.Upload.AllowedExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

// discard 回滚半完成的创建
func (s *JobService) discard(ctx context.Context, jobID, jobDir string) {
	_ = s.repo.Delete(ctx, jobID)
	_ = os.RemoveAll(jobDir)
}

func saveFile(dst string, src io.Reader) (int64, error) {
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return io.Copy(f, src)
}
