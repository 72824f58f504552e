// Package stage 封装管道调用的外部音频算法。
// 每个实现把一个黑盒计算（分离模型、转写模型、节拍分析）
// 包装成统一的 Run 契约，业务失败放在 Result 里返回，
// error 只用于真正的基础设施故障。
package stage

import (
	"context"

	"github.com/qs3c/karaoke_go_server/internal/model"
)

// Reporter 阶段内进度回调，percent 取值 0..100。
// 实现方在粗粒度里程碑处调用零次或多次即可。
type Reporter func(percent int)

// Request 一次阶段执行的输入
type Request struct {
	JobID     string
	AudioPath string
	OutputDir string
	Config    model.JobConfig
}

// Result 阶段执行的业务结果
type Result struct {
	Success bool
	Error   string

	Stems  *model.StemResult
	Lyrics *model.LyricsResult
	Beats  *model.BeatsResult
}

// Stage 一个可派发的处理阶段。
// 实现通过构造函数注入依赖（模型句柄、外部命令路径），
// 生命周期归 worker 进程所有，不使用包级单例。
type Stage interface {
	Name() string
	Run(ctx context.Context, req Request, report Reporter) (*Result, error)
}

// Failure 构造业务失败结果
func Failure(err error) *Result {
	return &Result{Success: false, Error: err.Error()}
}
