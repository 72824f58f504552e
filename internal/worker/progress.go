package worker

import (
	"context"
	"log"

	"github.com/qs3c/karaoke_go_server/internal/model"
	"github.com/qs3c/karaoke_go_server/internal/pkg/pubsub"
	"github.com/qs3c/karaoke_go_server/internal/repository"
)

// 每个可派发阶段在全局进度里占的窗口（见 pubsub.StepProgress 的检查点）
var stageWindows = map[string]struct{ base, span int }{
	model.StageStemSeparation: {30, 30}, // 30 -> 60
	model.StageTranscription:  {60, 25}, // 60 -> 85
	model.StageBeatAnalysis:   {85, 10}, // 85 -> 95
}

// BlendProgress 把阶段内进度（0-100）折算成全局进度
func BlendProgress(stageName string, percent int) int {
	w, ok := stageWindows[stageName]
	if !ok {
		return 0
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return w.base + percent*w.span/100
}

// Reporter 把阶段内的进度回调翻译成任务记录里的命名空间写入，
// 并按窗口权重刷新全局进度。中间进度是尽力而为：写失败只记日志，
// 绝不阻塞阶段执行；阶段的终态写入由调用方负责确保成功。
type Reporter struct {
	jobs      *repository.JobRepository
	publisher *pubsub.Publisher
}

func NewReporter(jobs *repository.JobRepository, publisher *pubsub.Publisher) *Reporter {
	return &Reporter{jobs: jobs, publisher: publisher}
}

// StageProgress 阶段内进度更新，尽力而为
func (r *Reporter) StageProgress(ctx context.Context, jobID, stageName string, percent int, step model.ProcessingStep) {
	if err := r.jobs.UpdateStage(ctx, jobID, stageName, model.StageStatusProcessing, percent, "", nil); err != nil {
		log.Printf("Job %s: stage %s progress write failed: %v", jobID, stageName, err)
		return
	}

	// 全局进度按窗口折算后窄写，只动 progress/current_step；
	// 终态记录在存储层直接跳过，迟到的回调覆盖不掉 orchestrator 的收尾
	global := BlendProgress(stageName, percent)
	if global > 0 {
		if err := r.jobs.AdvanceProgress(ctx, jobID, global, step); err != nil {
			log.Printf("Job %s: global progress write failed: %v", jobID, err)
		}
	}

	r.publish(ctx, &pubsub.ProgressMessage{
		JobID:    jobID,
		Stage:    stageName,
		Step:     string(step),
		Progress: global,
	})
}

// StageCompleted 阶段成功的终态写入，必须成功才能把控制权交回 orchestrator
func (r *Reporter) StageCompleted(ctx context.Context, jobID, stageName string, extra map[string]string) error {
	return r.jobs.UpdateStage(ctx, jobID, stageName, model.StageStatusCompleted, 100, "", extra)
}

// StageFailed 阶段失败的终态写入
func (r *Reporter) StageFailed(ctx context.Context, jobID, stageName, errMsg string) error {
	return r.jobs.UpdateStage(ctx, jobID, stageName, model.StageStatusFailed, 0, errMsg, nil)
}

// StageSkipped 配置关闭的阶段记为 skipped
func (r *Reporter) StageSkipped(ctx context.Context, jobID, stageName string) error {
	return r.jobs.UpdateStage(ctx, jobID, stageName, model.StageStatusSkipped, 0, "", nil)
}

func (r *Reporter) publish(ctx context.Context, msg *pubsub.ProgressMessage) {
	if r.publisher == nil {
		return
	}
	if err := r.publisher.PublishProgress(ctx, msg); err != nil {
		log.Printf("Job %s: progress publish failed: %v", msg.JobID, err)
	}
}
