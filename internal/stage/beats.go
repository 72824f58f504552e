package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/qs3c/karaoke_go_server/internal/model"
)

// BeatAnalyzer 调用 aubio 命令行做节拍和速度分析
type BeatAnalyzer struct {
	AubioPath string
}

func NewBeatAnalyzer(aubioPath string) *BeatAnalyzer {
	if aubioPath == "" {
		aubioPath = "aubio"
	}
	return &BeatAnalyzer{AubioPath: aubioPath}
}

func (b *BeatAnalyzer) Name() string {
	return model.StageBeatAnalysis
}

func (b *BeatAnalyzer) Run(ctx context.Context, req Request, report Reporter) (*Result, error) {
	report(10)

	// aubio beat 每行输出一个节拍时间点（秒）
	cmd := exec.CommandContext(ctx, b.AubioPath, "beat", req.AudioPath)
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return Failure(fmt.Errorf("aubio beat failed: %v", err)), nil
	}

	beatTimes := parseFloatLines(string(out))
	if len(beatTimes) == 0 {
		return Failure(fmt.Errorf("no beats detected")), nil
	}

	report(70)

	result := &model.BeatsResult{
		BeatTimes:     beatTimes,
		BeatCount:     len(beatTimes),
		TempoBPM:      estimateTempo(beatTimes),
		TimeSignature: "4/4", // aubio 不输出拍号，沿用最常见的默认值
	}

	outDir := filepath.Join(req.OutputDir, "beat_analysis")
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create beat analysis dir: %w", err)
	}
	beatsPath := filepath.Join(outDir, "beats.json")
	data, err := json.MarshalIndent(result, "", "  ")
	if err == nil {
		if err := os.WriteFile(beatsPath, data, 0644); err == nil {
			result.BeatsPath = beatsPath
		}
	}

	report(100)

	return &Result{Success: true, Beats: result}, nil
}

func parseFloatLines(s string) []float64 {
	var values []float64
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if v, err := strconv.ParseFloat(line, 64); err == nil {
			values = append(values, v)
		}
	}
	return values
}

// estimateTempo 由相邻节拍间隔的中位数推出 BPM
func estimateTempo(beatTimes []float64) float64 {
	if len(beatTimes) < 2 {
		return 0
	}

	intervals := make([]float64, 0, len(beatTimes)-1)
	for i := 1; i < len(beatTimes); i++ {
		d := beatTimes[i] - beatTimes[i-1]
		if d > 0 {
			intervals = append(intervals, d)
		}
	}
	if len(intervals) == 0 {
		return 0
	}

	// 取中位数，抗个别漏拍
	for i := 1; i < len(intervals); i++ {
		for j := i; j > 0 && intervals[j] < intervals[j-1]; j-- {
			intervals[j], intervals[j-1] = intervals[j-1], intervals[j]
		}
	}
	median := intervals[len(intervals)/2]
	return 60.0 / median
}
