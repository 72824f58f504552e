package model

import "time"

// 状态在管道里的先后次序，用于禁止回退迁移
var statusRank = map[JobStatus]int{
	StatusQueued:            0,
	StatusProcessing:        1,
	StatusSplittingStems:    2,
	StatusTranscribingVocal: 3,
	StatusAnalyzingBeats:    4,
	StatusCompleted:         5,
}

// CanTransition 判断状态迁移是否合法。
// 规则：终止状态吸收一切；FAILED 从任意活动状态可达；
// EXPIRED 只允许清理扫描使用；其余迁移必须沿管道顺序单调前进。
func CanTransition(from, to JobStatus) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StatusFailed, StatusExpired:
		return true
	}
	return statusRank[to] >= statusRank[from]
}

// StatusUpdate ApplyStatus 的可选参数
type StatusUpdate struct {
	Progress     *int
	Step         ProcessingStep
	ErrorMessage string
}

// ApplyStatus 把一次状态迁移应用到记录上，纯内存操作，不做任何 I/O。
// 非法迁移（含对终止状态的迟到回调）返回 false 且记录保持不变，由调用方记日志。
func ApplyStatus(rec *JobRecord, status JobStatus, upd StatusUpdate) bool {
	if !CanTransition(rec.Status, status) {
		return false
	}

	rec.Status = status

	if upd.Progress != nil {
		rec.Progress = clampProgress(*upd.Progress, status)
	}
	if upd.Step != "" {
		rec.CurrentStep = upd.Step
	}
	if upd.ErrorMessage != "" {
		// 错误信息只追加，绝不隐式清除
		rec.ErrorMessage = upd.ErrorMessage
		if upd.Step != "" {
			rec.ErrorStep = upd.Step
		}
	}

	now := time.Now()
	if status == StatusProcessing && rec.StartedAt == nil {
		rec.StartedAt = &now
	}
	if status.Terminal() && rec.CompletedAt == nil {
		rec.CompletedAt = &now
	}
	if status == StatusCompleted {
		// progress == 100 当且仅当 COMPLETED
		rec.Progress = 100
	}

	return true
}

// ApplyProgress 更新全局进度。队列中的任务一旦出现进度就提升为 PROCESSING。
// 进度只增不减，终止状态下忽略。
func ApplyProgress(rec *JobRecord, progress int, step ProcessingStep) bool {
	if rec.Status.Terminal() {
		return false
	}

	p := clampProgress(progress, rec.Status)
	if p > rec.Progress {
		rec.Progress = p
	}
	if step != "" {
		rec.CurrentStep = step
	}

	if rec.Status == StatusQueued && progress > 0 {
		rec.Status = StatusProcessing
		if rec.StartedAt == nil {
			now := time.Now()
			rec.StartedAt = &now
		}
	}

	return true
}

// clampProgress 把进度压到 [0,100]；100 保留给 COMPLETED，
// 其余状态最多到 99，保证 progress==100 与完成状态互为充要。
func clampProgress(p int, status JobStatus) int {
	if p < 0 {
		return 0
	}
	max := 99
	if status == StatusCompleted {
		max = 100
	}
	if p > max {
		return max
	}
	return p
}
