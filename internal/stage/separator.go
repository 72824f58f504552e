package stage

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/qs3c/karaoke_go_server/internal/model"
)

// Separator 调用 demucs 命令行做人声/伴奏分离
type Separator struct {
	DemucsPath   string
	DefaultModel string
}

func NewSeparator(demucsPath, defaultModel string) *Separator {
	if demucsPath == "" {
		demucsPath = "demucs"
	}
	if defaultModel == "" {
		defaultModel = "htdemucs"
	}
	return &Separator{DemucsPath: demucsPath, DefaultModel: defaultModel}
}

func (s *Separator) Name() string {
	return model.StageStemSeparation
}

func (s *Separator) Run(ctx context.Context, req Request, report Reporter) (*Result, error) {
	modelName := req.Config.DemucsModel
	if modelName == "" {
		modelName = s.DefaultModel
	}

	stemsDir := filepath.Join(req.OutputDir, "stems")
	if err := os.MkdirAll(stemsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create stems dir: %w", err)
	}

	report(5)
	start := time.Now()

	cmd := exec.CommandContext(ctx, s.DemucsPath,
		"-n", modelName,
		"-o", stemsDir,
		"--filename", "{stem}.{ext}",
		req.AudioPath,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return Failure(fmt.Errorf("demucs failed: %v: %s", err, tail(string(out)))), nil
	}

	report(90)

	// demucs 把结果写在 <out>/<model>/ 下
	stems, err := collectStems(filepath.Join(stemsDir, modelName))
	if err != nil {
		return Failure(err), nil
	}
	if len(stems) == 0 {
		return Failure(fmt.Errorf("demucs produced no stems")), nil
	}

	report(100)

	return &Result{
		Success: true,
		Stems: &model.StemResult{
			Stems:          stems,
			ModelName:      modelName,
			ProcessingTime: time.Since(start).Seconds(),
		},
	}, nil
}

func collectStems(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read stems output: %w", err)
	}

	stems := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".wav" && ext != ".mp3" && ext != ".flac" {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ext)
		stems[name] = filepath.Join(dir, entry.Name())
	}
	return stems, nil
}

// tail 截取命令输出的最后几行放进错误信息
func tail(s string) string {
	s = strings.TrimSpace(s)
	lines := strings.Split(s, "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return strings.Join(lines, "\n")
}
