package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/qs3c/karaoke_go_server/internal/model"
)

// Transcriber 调用 whisper 命令行转写歌词，带分段时间戳
type Transcriber struct {
	WhisperPath  string
	DefaultModel string
}

func NewTranscriber(whisperPath, defaultModel string) *Transcriber {
	if whisperPath == "" {
		whisperPath = "whisper"
	}
	if defaultModel == "" {
		defaultModel = "base"
	}
	return &Transcriber{WhisperPath: whisperPath, DefaultModel: defaultModel}
}

func (t *Transcriber) Name() string {
	return model.StageTranscription
}

// whisperOutput whisper --output_format json 的文件结构（只取用到的字段）
type whisperOutput struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

func (t *Transcriber) Run(ctx context.Context, req Request, report Reporter) (*Result, error) {
	modelName := req.Config.WhisperModel
	if modelName == "" {
		modelName = t.DefaultModel
	}

	outDir := filepath.Join(req.OutputDir, "transcription")
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create transcription dir: %w", err)
	}

	report(5)

	args := []string{
		req.AudioPath,
		"--model", modelName,
		"--output_format", "json",
		"--output_dir", outDir,
	}
	if req.Config.Language != "" {
		args = append(args, "--language", req.Config.Language)
	}

	cmd := exec.CommandContext(ctx, t.WhisperPath, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return Failure(fmt.Errorf("whisper failed: %v: %s", err, tail(string(out)))), nil
	}

	report(90)

	base := strings.TrimSuffix(filepath.Base(req.AudioPath), filepath.Ext(req.AudioPath))
	jsonPath := filepath.Join(outDir, base+".json")

	data, err := os.ReadFile(jsonPath)
	if err != nil {
		return Failure(fmt.Errorf("whisper produced no transcript: %w", err)), nil
	}

	var wo whisperOutput
	if err := json.Unmarshal(data, &wo); err != nil {
		return Failure(fmt.Errorf("failed to parse whisper output: %w", err)), nil
	}

	lyrics := &model.LyricsResult{
		Text:           strings.TrimSpace(wo.Text),
		Language:       wo.Language,
		TranscriptPath: jsonPath,
	}
	for _, seg := range wo.Segments {
		lyrics.Segments = append(lyrics.Segments, model.LyricSegment{
			Start: seg.Start,
			End:   seg.End,
			Text:  strings.TrimSpace(seg.Text),
		})
	}
	lyrics.WordCount = len(strings.Fields(lyrics.Text))

	report(100)

	return &Result{Success: true, Lyrics: lyrics}, nil
}
