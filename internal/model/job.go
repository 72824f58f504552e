package model

import (
	"fmt"
	"time"
)

// JobStatus 任务状态
type JobStatus string

const (
	StatusQueued            JobStatus = "QUEUED"
	StatusProcessing        JobStatus = "PROCESSING"
	StatusSplittingStems    JobStatus = "SPLITTING_STEMS"
	StatusTranscribingVocal JobStatus = "TRANSCRIBING_VOCALS"
	StatusAnalyzingBeats    JobStatus = "ANALYZING_BEATS"
	StatusCompleted         JobStatus = "COMPLETED"
	StatusFailed            JobStatus = "FAILED"
	StatusExpired           JobStatus = "EXPIRED"
)

// AllStatuses 全部状态值，按管道顺序排列
func AllStatuses() []JobStatus {
	return []JobStatus{
		StatusQueued,
		StatusProcessing,
		StatusSplittingStems,
		StatusTranscribingVocal,
		StatusAnalyzingBeats,
		StatusCompleted,
		StatusFailed,
		StatusExpired,
	}
}

// Terminal 终止状态不再接受任何状态迁移
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusExpired
}

// Active 处理中状态，过期清理不会删除
func (s JobStatus) Active() bool {
	switch s {
	case StatusProcessing, StatusSplittingStems, StatusTranscribingVocal, StatusAnalyzingBeats:
		return true
	}
	return false
}

// ParseJobStatus 解析状态字符串，未知值视为数据损坏
func ParseJobStatus(s string) (JobStatus, error) {
	for _, st := range AllStatuses() {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// ProcessingStep 当前处理步骤，仅用于 UI/轮询展示
type ProcessingStep string

const (
	StepUpload             ProcessingStep = "UPLOAD"
	StepValidation         ProcessingStep = "VALIDATION"
	StepProcessing         ProcessingStep = "PROCESSING"
	StepStemSeparation     ProcessingStep = "STEM_SEPARATION"
	StepVocalTranscription ProcessingStep = "VOCAL_TRANSCRIPTION"
	StepBeatAnalysis       ProcessingStep = "BEAT_ANALYSIS"
	StepFinalization       ProcessingStep = "FINALIZATION"
	StepCompleted          ProcessingStep = "COMPLETED"
)

func allSteps() []ProcessingStep {
	return []ProcessingStep{
		StepUpload, StepValidation, StepProcessing, StepStemSeparation,
		StepVocalTranscription, StepBeatAnalysis, StepFinalization, StepCompleted,
	}
}

// ParseProcessingStep 解析步骤字符串
func ParseProcessingStep(s string) (ProcessingStep, error) {
	for _, st := range allSteps() {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown processing step %q", s)
}

// 阶段名，作为 job hash 里各阶段字段的命名空间前缀
const (
	StageValidation     = "validation"
	StageStemSeparation = "stem_separation"
	StageTranscription  = "transcription"
	StageBeatAnalysis   = "beat_analysis"
	StageFinalization   = "finalization"
)

// 阶段状态值（<stage>_status 字段）
const (
	StageStatusPending    = "pending"
	StageStatusProcessing = "processing"
	StageStatusCompleted  = "completed"
	StageStatusFailed     = "failed"
	StageStatusSkipped    = "skipped"
)

// JobConfig 提交时固定下来的处理配置，创建后不可变
type JobConfig struct {
	EnableVocalsExtraction bool   `json:"enable_vocals_extraction"`
	EnableTranscription    bool   `json:"enable_transcription"`
	EnableBeatTracking     bool   `json:"enable_beat_tracking"`
	DemucsModel            string `json:"demucs_model,omitempty"`
	WhisperModel           string `json:"whisper_model,omitempty"`
	Language               string `json:"language,omitempty"` // 转写语言提示，空则自动检测
}

// DefaultJobConfig 全部阶段开启
func DefaultJobConfig() JobConfig {
	return JobConfig{
		EnableVocalsExtraction: true,
		EnableTranscription:    true,
		EnableBeatTracking:     true,
	}
}

// StemResult 人声分离结果
type StemResult struct {
	Stems          map[string]string `json:"stems"` // stem 名 -> 文件路径
	ModelName      string            `json:"model_name,omitempty"`
	ProcessingTime float64           `json:"processing_time,omitempty"`
}

// LyricSegment 一段歌词及其时间戳
type LyricSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// WordTimestamp 单词级时间戳
type WordTimestamp struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Word  string  `json:"word"`
}

// LyricsResult 转写结果
type LyricsResult struct {
	Text           string          `json:"text"`
	Language       string          `json:"language,omitempty"`
	Segments       []LyricSegment  `json:"segments,omitempty"`
	Words          []WordTimestamp `json:"words,omitempty"`
	WordCount      int             `json:"word_count,omitempty"`
	TranscriptPath string          `json:"transcript_path,omitempty"`
}

// BeatsResult 节拍分析结果
type BeatsResult struct {
	TempoBPM      float64   `json:"tempo_bpm"`
	BeatTimes     []float64 `json:"beat_times,omitempty"`
	BeatCount     int       `json:"beat_count,omitempty"`
	TimeSignature string    `json:"time_signature,omitempty"`
	BeatsPath     string    `json:"beats_path,omitempty"`
}

// Artifact 最终产物清单里的一项
type Artifact struct {
	Type string `json:"type"` // stem / transcription / beats / metadata
	Name string `json:"name"`
	Path string `json:"path"`
	Size int64  `json:"size"`
	URL  string `json:"url,omitempty"` // 上传到对象存储后的访问地址
}

// Manifest 收尾阶段生成的产物清单
type Manifest struct {
	MetadataFile string     `json:"metadata_file"`
	OutputDir    string     `json:"output_dir"`
	Files        []Artifact `json:"files"`
}

// StageState 单个阶段的命名空间字段视图
type StageState struct {
	Status    string            `json:"status"`
	Progress  int               `json:"progress"`
	Error     string            `json:"error,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// JobRecord 一个上传文件对应一条任务记录，Redis hash 是唯一事实来源
type JobRecord struct {
	JobID       string         `json:"job_id"`
	Status      JobStatus      `json:"status"`
	Progress    int            `json:"progress"`
	CurrentStep ProcessingStep `json:"current_step,omitempty"`

	OriginalFilename string `json:"original_filename,omitempty"`
	FileSize         int64  `json:"file_size,omitempty"`
	FilePath         string `json:"file_path,omitempty"`

	Stems    *StemResult   `json:"stems,omitempty"`
	Lyrics   *LyricsResult `json:"lyrics,omitempty"`
	Beats    *BeatsResult  `json:"beats,omitempty"`
	Manifest *Manifest     `json:"manifest,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	ErrorMessage string         `json:"error_message,omitempty"`
	ErrorStep    ProcessingStep `json:"error_step,omitempty"`

	Config JobConfig `json:"processing_config"`
	TaskID string    `json:"task_id,omitempty"`

	// 各阶段的命名空间字段，由 UpdateStage 独立写入
	Stages map[string]StageState `json:"stages,omitempty"`
}

// ElapsedSeconds 处理耗时，未开始时为 0
func (j *JobRecord) ElapsedSeconds() int {
	if j.StartedAt == nil {
		return 0
	}
	end := time.Now()
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	}
	return int(end.Sub(*j.StartedAt).Seconds())
}

// StageState 返回某阶段的状态视图，从未写入过则为零值 pending
func (j *JobRecord) StageState(stage string) StageState {
	if st, ok := j.Stages[stage]; ok {
		return st
	}
	return StageState{Status: StageStatusPending}
}
