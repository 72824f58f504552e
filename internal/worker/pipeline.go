package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/qs3c/karaoke_go_server/config"
	"github.com/qs3c/karaoke_go_server/internal/model"
	"github.com/qs3c/karaoke_go_server/internal/pkg/pubsub"
	"github.com/qs3c/karaoke_go_server/internal/pkg/queue"
	"github.com/qs3c/karaoke_go_server/internal/repository"
	"github.com/qs3c/karaoke_go_server/internal/stage"
)

// stageSpec 管道阶段表。Fatal 决定阶段失败是否终止整个管道：
// 人声分离失败后面的阶段没有输入可用，必须终止；转写和节拍
// 属于增强型产出，失败只记录、不拦路。
type stageSpec struct {
	Name    string
	Queue   string
	Timeout time.Duration
	Fatal   bool
	Enabled func(model.JobConfig) bool
	Status  model.JobStatus
	Step    model.ProcessingStep
	End     int // 阶段完成时的全局进度检查点
}

// AudioValidator 同步校验入口，*stage.Validator 是生产实现
type AudioValidator interface {
	Validate(ctx context.Context, audioPath string) (*stage.ValidationInfo, error)
}

// ArtifactUploader 把处理产物同步到对象存储，*oss.Client 是生产实现
type ArtifactUploader interface {
	UploadArtifact(jobID, name, localPath string) (string, error)
}

// Processor 管道 orchestrator：从主队列取任务，按阶段表逐个派发，
// 合并结果并推进任务记录的状态机。所有依赖走构造函数注入。
type Processor struct {
	jobs       *repository.JobRepository
	dispatcher *queue.Dispatcher
	pipeline   *queue.Queue
	publisher  *pubsub.Publisher
	reporter   *Reporter
	validator  AudioValidator
	uploader   ArtifactUploader // 可选，nil 时产物只留在本地
	cfg        *config.Config
}

func NewProcessor(
	jobs *repository.JobRepository,
	dispatcher *queue.Dispatcher,
	pipeline *queue.Queue,
	publisher *pubsub.Publisher,
	validator AudioValidator,
	cfg *config.Config,
) *Processor {
	return &Processor{
		jobs:       jobs,
		dispatcher: dispatcher,
		pipeline:   pipeline,
		publisher:  publisher,
		reporter:   NewReporter(jobs, publisher),
		validator:  validator,
		cfg:        cfg,
	}
}

// SetArtifactUploader 启用产物上传，只在 worker 启动时调用
func (p *Processor) SetArtifactUploader(u ArtifactUploader) {
	p.uploader = u
}

func (p *Processor) stageSpecs() []stageSpec {
	proc := &p.cfg.Processing
	return []stageSpec{
		{
			Name:    model.StageStemSeparation,
			Queue:   p.cfg.Queue.StemSeparationQueue,
			Timeout: proc.StemTimeout(),
			Fatal:   true,
			Enabled: func(c model.JobConfig) bool { return c.EnableVocalsExtraction },
			Status:  model.StatusSplittingStems,
			Step:    model.StepStemSeparation,
			End:     60,
		},
		{
			Name:    model.StageTranscription,
			Queue:   p.cfg.Queue.TranscriptionQueue,
			Timeout: proc.TranscribeTimeout(),
			Fatal:   false,
			Enabled: func(c model.JobConfig) bool { return c.EnableTranscription },
			Status:  model.StatusTranscribingVocal,
			Step:    model.StepVocalTranscription,
			End:     85,
		},
		{
			Name:    model.StageBeatAnalysis,
			Queue:   p.cfg.Queue.BeatAnalysisQueue,
			Timeout: proc.BeatTimeout(),
			Fatal:   false,
			Enabled: func(c model.JobConfig) bool { return c.EnableBeatTracking },
			Status:  model.StatusAnalyzingBeats,
			Step:    model.StepBeatAnalysis,
			End:     95,
		},
	}
}

// Run 主管道消费循环，阻塞直到 ctx 取消
func (p *Processor) Run(ctx context.Context) {
	log.Printf("Pipeline worker started, queue=%s", p.pipeline.Name())

	for {
		select {
		case <-ctx.Done():
			log.Println("Pipeline worker stopped")
			return
		default:
		}

		msg, err := p.pipeline.Pop(ctx, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("Failed to pop pipeline task: %v", err)
			time.Sleep(time.Second)
			continue
		}
		if msg == nil {
			continue
		}

		p.handle(ctx, msg)
	}
}

// handle 处理一条管道消息，基础设施错误触发有界重试
func (p *Processor) handle(ctx context.Context, msg *queue.JobMessage) {
	// 整条管道受硬超时约束，卡死的阶段不会无限占用 worker
	jobCtx, cancel := context.WithTimeout(ctx, p.cfg.Processing.JobTimeout())
	defer cancel()

	softTimer := time.AfterFunc(p.cfg.Processing.SoftTimeout(), func() {
		log.Printf("Job %s: soft time limit exceeded, hard limit in %s",
			msg.JobID, p.cfg.Processing.JobTimeout()-p.cfg.Processing.SoftTimeout())
	})
	defer softTimer.Stop()

	err := p.Process(jobCtx, msg)
	if err == nil {
		return
	}

	if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		// 硬超时是明确定义的失败，不重试
		p.failJob(ctx, msg.JobID, model.StepProcessing, "processing exceeded hard time limit")
		return
	}

	p.retryOrFail(ctx, msg, err)
}

// Process 执行一次完整管道。返回 error 表示基础设施故障（可重试）；
// 业务失败在内部落成 FAILED，返回 nil。
func (p *Processor) Process(ctx context.Context, msg *queue.JobMessage) error {
	rec, err := p.jobs.Get(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			// 记录已被清理，重试也无济于事
			log.Printf("Job %s: record not found, dropping task", msg.JobID)
			return nil
		}
		return err
	}
	if rec.Status.Terminal() {
		log.Printf("Job %s: already %s, dropping duplicate delivery", rec.JobID, rec.Status)
		return nil
	}

	log.Printf("Job %s: processing started (attempt %d)", rec.JobID, msg.Retries+1)

	if err := p.applyStatus(ctx, rec, model.StatusProcessing, model.StepProcessing, intPtr(15)); err != nil {
		return err
	}

	// 文件丢失没有重试的意义，直接失败
	if _, err := os.Stat(rec.FilePath); err != nil {
		p.failJob(ctx, rec.JobID, model.StepValidation, fmt.Sprintf("audio file not found: %s", rec.FilePath))
		return nil
	}

	if ok, err := p.runValidation(ctx, rec); err != nil || !ok {
		return err
	}

	outputDir := filepath.Dir(rec.FilePath)

	for _, spec := range p.stageSpecs() {
		if !spec.Enabled(rec.Config) {
			if err := p.reporter.StageSkipped(ctx, rec.JobID, spec.Name); err != nil {
				return err
			}
			log.Printf("Job %s: stage %s skipped by config", rec.JobID, spec.Name)
			continue
		}

		if err := p.applyStatus(ctx, rec, spec.Status, spec.Step, nil); err != nil {
			return err
		}

		result, err := p.dispatcher.Dispatch(ctx, spec.Queue, &queue.TaskMessage{
			JobID:     rec.JobID,
			Stage:     spec.Name,
			AudioPath: rec.FilePath,
			OutputDir: outputDir,
			Config:    rec.Config,
		}, spec.Timeout)

		switch {
		case errors.Is(err, queue.ErrDispatchTimeout):
			// 超时与阶段报错同等对待
			result = &queue.TaskResult{
				Stage: spec.Name,
				Error: fmt.Sprintf("stage timed out after %s", spec.Timeout),
			}
		case err != nil:
			return err // Redis 故障，走重试
		}

		// 阶段执行期间 reporter 已经往存储里写过中间进度，
		// 先同步回来，后面的 Save 才不会把进度写回去
		p.syncProgress(ctx, rec)

		if !result.Success {
			if err := p.reporter.StageFailed(ctx, rec.JobID, spec.Name, result.Error); err != nil {
				return err
			}
			if spec.Fatal {
				p.failJob(ctx, rec.JobID, spec.Step, result.Error)
				return nil
			}
			log.Printf("Job %s: stage %s failed (non-fatal): %s", rec.JobID, spec.Name, result.Error)
			continue
		}

		mergeResult(rec, result)
		model.ApplyProgress(rec, spec.End, spec.Step)
		if err := p.jobs.Save(ctx, rec); err != nil {
			return err
		}
		log.Printf("Job %s: stage %s completed", rec.JobID, spec.Name)
	}

	if err := p.finalize(ctx, rec, outputDir); err != nil {
		return err
	}

	if !model.ApplyStatus(rec, model.StatusCompleted, model.StatusUpdate{Step: model.StepCompleted}) {
		log.Printf("Job %s: refusing transition %s -> COMPLETED", rec.JobID, rec.Status)
		return nil
	}
	if err := p.jobs.Save(ctx, rec); err != nil {
		return err
	}

	p.publishStatus(ctx, rec)
	log.Printf("Job %s: completed in %ds", rec.JobID, rec.ElapsedSeconds())
	return nil
}

// runValidation 同步校验音频，失败是致命的。返回 ok=false 表示任务已落成 FAILED。
func (p *Processor) runValidation(ctx context.Context, rec *model.JobRecord) (bool, error) {
	info, err := p.validator.Validate(ctx, rec.FilePath)
	if err != nil {
		var verr *stage.ValidationError
		if errors.As(err, &verr) {
			if werr := p.reporter.StageFailed(ctx, rec.JobID, model.StageValidation, verr.Error()); werr != nil {
				return false, werr
			}
			p.failJob(ctx, rec.JobID, model.StepValidation, verr.Error())
			return false, nil
		}
		return false, err
	}

	extra := map[string]string{
		"duration":    fmt.Sprintf("%.2f", info.Duration),
		"sample_rate": fmt.Sprintf("%d", info.SampleRate),
	}
	if err := p.reporter.StageCompleted(ctx, rec.JobID, model.StageValidation, extra); err != nil {
		return false, err
	}

	model.ApplyProgress(rec, 20, model.StepValidation)
	if err := p.jobs.Save(ctx, rec); err != nil {
		return false, err
	}
	p.publishStatus(ctx, rec)
	return true, nil
}

// finalize 汇总产物清单并写 metadata.json
func (p *Processor) finalize(ctx context.Context, rec *model.JobRecord, outputDir string) error {
	// finalization 没有专属状态，停在最后一个管道状态上
	model.ApplyProgress(rec, 95, model.StepFinalization)
	if err := p.jobs.Save(ctx, rec); err != nil {
		return err
	}
	p.publishStatus(ctx, rec)

	manifest := buildManifest(rec, outputDir)

	metadataPath := filepath.Join(outputDir, "metadata.json")
	data, err := json.MarshalIndent(rec, "", "  ")
	if err == nil {
		if werr := os.WriteFile(metadataPath, data, 0644); werr == nil {
			manifest.MetadataFile = metadataPath
			manifest.Files = append(manifest.Files, fileArtifact("metadata", "metadata.json", metadataPath))
		} else {
			log.Printf("Job %s: failed to write metadata: %v", rec.JobID, werr)
		}
	}

	if p.uploader != nil {
		for i := range manifest.Files {
			f := &manifest.Files[i]
			url, err := p.uploader.UploadArtifact(rec.JobID, f.Name, f.Path)
			if err != nil {
				// 上传失败不拦路，产物还在本地磁盘
				log.Printf("Job %s: artifact upload failed for %s: %v", rec.JobID, f.Name, err)
				continue
			}
			f.URL = url
		}
	}

	rec.Manifest = manifest

	return p.reporter.StageCompleted(ctx, rec.JobID, model.StageFinalization, map[string]string{
		"file_count": fmt.Sprintf("%d", len(manifest.Files)),
	})
}

// syncProgress 把存储里更靠前的全局进度同步进内存记录
func (p *Processor) syncProgress(ctx context.Context, rec *model.JobRecord) {
	fresh, err := p.jobs.Get(ctx, rec.JobID)
	if err != nil {
		return
	}
	if fresh.Progress > rec.Progress {
		rec.Progress = fresh.Progress
	}
}

// applyStatus 内存迁移 + 持久化 + 广播。迁移被状态机拒绝时只记日志。
func (p *Processor) applyStatus(ctx context.Context, rec *model.JobRecord, status model.JobStatus, step model.ProcessingStep, progress *int) error {
	if !model.ApplyStatus(rec, status, model.StatusUpdate{Step: step, Progress: progress}) {
		log.Printf("Job %s: ignored transition %s -> %s", rec.JobID, rec.Status, status)
		return nil
	}
	if err := p.jobs.Save(ctx, rec); err != nil {
		return err
	}
	p.publishStatus(ctx, rec)
	return nil
}

// failJob 把任务落成 FAILED，保留已有的部分结果
func (p *Processor) failJob(ctx context.Context, jobID string, step model.ProcessingStep, errMsg string) {
	rec, err := p.jobs.Get(ctx, jobID)
	if err != nil {
		log.Printf("Job %s: failed to load record for failure marking: %v", jobID, err)
		return
	}
	if !model.ApplyStatus(rec, model.StatusFailed, model.StatusUpdate{Step: step, ErrorMessage: errMsg}) {
		return
	}
	if err := p.jobs.Save(ctx, rec); err != nil {
		log.Printf("Job %s: failed to persist FAILED status: %v", jobID, err)
		return
	}
	p.publishStatus(ctx, rec)
	log.Printf("Job %s: failed at %s: %s", jobID, step, errMsg)
}

// retryOrFail 基础设施故障的有界重试：延迟后重新入队，超限落成 FAILED
func (p *Processor) retryOrFail(ctx context.Context, msg *queue.JobMessage, cause error) {
	if msg.Retries >= p.cfg.Processing.MaxRetries {
		p.failJob(ctx, msg.JobID, model.StepProcessing,
			fmt.Sprintf("processing failed after %d attempts: %v", msg.Retries+1, cause))
		return
	}

	log.Printf("Job %s: attempt %d failed (%v), retrying in %s",
		msg.JobID, msg.Retries+1, cause, p.cfg.Processing.RetryDelay())

	select {
	case <-ctx.Done():
		return
	case <-time.After(p.cfg.Processing.RetryDelay()):
	}

	if err := p.pipeline.Push(ctx, &queue.JobMessage{JobID: msg.JobID, Retries: msg.Retries + 1}); err != nil {
		log.Printf("Job %s: failed to re-enqueue: %v", msg.JobID, err)
	}
}

func (p *Processor) publishStatus(ctx context.Context, rec *model.JobRecord) {
	if p.publisher == nil {
		return
	}
	msg := &pubsub.ProgressMessage{
		JobID:    rec.JobID,
		Status:   string(rec.Status),
		Step:     string(rec.CurrentStep),
		Progress: rec.Progress,
		Error:    rec.ErrorMessage,
	}
	if err := p.publisher.PublishProgress(ctx, msg); err != nil {
		log.Printf("Job %s: progress publish failed: %v", rec.JobID, err)
	}
}

// mergeResult 把阶段结果合并进记录。已有的结果绝不被空结果覆盖，
// 重试场景下迟到的空回报不会抹掉先前的产出。
func mergeResult(rec *model.JobRecord, result *queue.TaskResult) {
	if result.Stems != nil && len(result.Stems.Stems) > 0 {
		rec.Stems = result.Stems
	}
	if result.Lyrics != nil && result.Lyrics.Text != "" {
		rec.Lyrics = result.Lyrics
	}
	if result.Beats != nil && result.Beats.BeatCount > 0 {
		rec.Beats = result.Beats
	}
}

// buildManifest 扫描输出目录，汇总各阶段产物
func buildManifest(rec *model.JobRecord, outputDir string) *model.Manifest {
	manifest := &model.Manifest{OutputDir: outputDir}

	if rec.Stems != nil {
		for name, path := range rec.Stems.Stems {
			manifest.Files = append(manifest.Files, fileArtifact("stem", name, path))
		}
	}
	if rec.Lyrics != nil && rec.Lyrics.TranscriptPath != "" {
		manifest.Files = append(manifest.Files,
			fileArtifact("transcription", filepath.Base(rec.Lyrics.TranscriptPath), rec.Lyrics.TranscriptPath))
	}
	if rec.Beats != nil && rec.Beats.BeatsPath != "" {
		manifest.Files = append(manifest.Files,
			fileArtifact("beats", filepath.Base(rec.Beats.BeatsPath), rec.Beats.BeatsPath))
	}

	return manifest
}

func fileArtifact(kind, name, path string) model.Artifact {
	a := model.Artifact{Type: kind, Name: name, Path: path}
	if info, err := os.Stat(path); err == nil {
		a.Size = info.Size()
	}
	return a
}

func intPtr(v int) *int {
	return &v
}
