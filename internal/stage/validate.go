package stage

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ValidationError 输入音频未通过基本校验，对整个任务是致命的
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "audio validation failed: " + e.Reason
}

// Validator 用 ffprobe 做快速的音频健全性检查：
// 时长在配置范围内、格式可解码。这一步在 orchestrator 里同步执行，
// 不走阶段队列。
type Validator struct {
	FFProbePath string
	MinDuration float64 // 秒
	MaxDuration float64
}

func NewValidator(ffprobePath string, minDuration, maxDuration float64) *Validator {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Validator{
		FFProbePath: ffprobePath,
		MinDuration: minDuration,
		MaxDuration: maxDuration,
	}
}

// ValidationInfo 校验通过时返回的基本属性
type ValidationInfo struct {
	Duration   float64
	SampleRate int
}

// Validate 检查文件可解码且时长合法。
// 返回 *ValidationError 表示业务校验失败，其它 error 是探测本身出错。
func (v *Validator) Validate(ctx context.Context, audioPath string) (*ValidationInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, v.FFProbePath,
		"-v", "error",
		"-show_entries", "format=duration:stream=sample_rate",
		"-of", "default=noprint_wrappers=1",
		audioPath,
	)
	out, err := cmd.Output()
	if err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("file is not decodable audio: %v", err)}
	}

	info := &ValidationInfo{}
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "duration="):
			if d, err := strconv.ParseFloat(strings.TrimPrefix(line, "duration="), 64); err == nil {
				info.Duration = d
			}
		case strings.HasPrefix(line, "sample_rate="):
			if sr, err := strconv.Atoi(strings.TrimPrefix(line, "sample_rate=")); err == nil && info.SampleRate == 0 {
				info.SampleRate = sr
			}
		}
	}

	if err := v.CheckDuration(info.Duration); err != nil {
		return nil, err
	}

	return info, nil
}

// CheckDuration 单独校验时长边界
func (v *Validator) CheckDuration(duration float64) error {
	if duration < v.MinDuration {
		return &ValidationError{Reason: fmt.Sprintf("audio too short: %.2fs < %.2fs", duration, v.MinDuration)}
	}
	if v.MaxDuration > 0 && duration > v.MaxDuration {
		return &ValidationError{Reason: fmt.Sprintf("audio too long: %.2fs > %.2fs", duration, v.MaxDuration)}
	}
	return nil
}
