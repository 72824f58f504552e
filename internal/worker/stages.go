package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/qs3c/karaoke_go_server/internal/model"
	"github.com/qs3c/karaoke_go_server/internal/pkg/queue"
	"github.com/qs3c/karaoke_go_server/internal/stage"
)

// StageRunner 单个阶段队列的消费循环。每个 runner 串行处理任务，
// 并发度靠起多少个 worker 进程/队列来控制。
type StageRunner struct {
	dispatcher *queue.Dispatcher
	reporter   *Reporter
	impl       stage.Stage
	queueName  string
	timeout    time.Duration
	step       model.ProcessingStep
}

func NewStageRunner(dispatcher *queue.Dispatcher, reporter *Reporter, impl stage.Stage, queueName string, timeout time.Duration) *StageRunner {
	return &StageRunner{
		dispatcher: dispatcher,
		reporter:   reporter,
		impl:       impl,
		queueName:  queueName,
		timeout:    timeout,
		step:       stepForStage(impl.Name()),
	}
}

func stepForStage(stageName string) model.ProcessingStep {
	switch stageName {
	case model.StageStemSeparation:
		return model.StepStemSeparation
	case model.StageTranscription:
		return model.StepVocalTranscription
	case model.StageBeatAnalysis:
		return model.StepBeatAnalysis
	}
	return model.StepProcessing
}

// Run 消费循环，阻塞直到 ctx 取消
func (r *StageRunner) Run(ctx context.Context) {
	log.Printf("Stage worker started, stage=%s queue=%s", r.impl.Name(), r.queueName)

	for {
		select {
		case <-ctx.Done():
			log.Printf("Stage worker stopped, stage=%s", r.impl.Name())
			return
		default:
		}

		task, err := r.dispatcher.PopTask(ctx, r.queueName, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("Failed to pop stage task: %v", err)
			time.Sleep(time.Second)
			continue
		}
		if task == nil {
			continue
		}

		r.handle(ctx, task)
	}
}

// handle 执行一个阶段任务并上报结果。终态写入（阶段状态 + reply）
// 必须在返回前完成，orchestrator 正阻塞在 reply 队列上。
func (r *StageRunner) handle(ctx context.Context, task *queue.TaskMessage) {
	log.Printf("Job %s: stage %s running", task.JobID, task.Stage)

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	report := func(percent int) {
		r.reporter.StageProgress(runCtx, task.JobID, task.Stage, percent, r.step)
	}

	res, err := r.impl.Run(runCtx, stage.Request{
		JobID:     task.JobID,
		AudioPath: task.AudioPath,
		OutputDir: task.OutputDir,
		Config:    task.Config,
	}, report)
	if err != nil {
		res = &stage.Result{Success: false, Error: fmt.Sprintf("stage execution error: %v", err)}
	}

	result := &queue.TaskResult{
		TaskID:  task.TaskID,
		JobID:   task.JobID,
		Stage:   task.Stage,
		Success: res.Success,
		Error:   res.Error,
		Stems:   res.Stems,
		Lyrics:  res.Lyrics,
		Beats:   res.Beats,
	}

	// 终态写入用后台 ctx，阶段超时不该丢掉结果记录
	finCtx, finCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer finCancel()

	var werr error
	if res.Success {
		werr = r.reporter.StageCompleted(finCtx, task.JobID, task.Stage, nil)
	} else {
		werr = r.reporter.StageFailed(finCtx, task.JobID, task.Stage, res.Error)
	}
	if werr != nil {
		log.Printf("Job %s: stage %s terminal write failed: %v", task.JobID, task.Stage, werr)
	}

	if err := r.dispatcher.Complete(finCtx, result); err != nil {
		log.Printf("Job %s: stage %s result delivery failed: %v", task.JobID, task.Stage, err)
	}
}
