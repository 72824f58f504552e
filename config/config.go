package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Upload     UploadConfig     `mapstructure:"upload"`
	Processing ProcessingConfig `mapstructure:"processing"`
	Cleanup    CleanupConfig    `mapstructure:"cleanup"`
	OSS        OSSConfig        `mapstructure:"oss"`
	CORS       CORSConfig       `mapstructure:"cors"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type QueueConfig struct {
	PipelineQueue string `mapstructure:"pipeline_queue"` // 主管道任务队列
	MaxWorkers    int    `mapstructure:"max_workers"`
	// 每个阶段一个独立队列，便于把 GPU/CPU 任务调度到不同 worker 池
	StemSeparationQueue string `mapstructure:"stem_separation_queue"`
	TranscriptionQueue  string `mapstructure:"transcription_queue"`
	BeatAnalysisQueue   string `mapstructure:"beat_analysis_queue"`
}

type UploadConfig struct {
	MaxSize           int64    `mapstructure:"max_size"`           // 最大文件大小（字节）
	JobsDir           string   `mapstructure:"jobs_dir"`           // 每个 job 一个目录
	AllowedExtensions []string `mapstructure:"allowed_extensions"` // 允许的扩展名
}

type ProcessingConfig struct {
	JobTimeoutSeconds        int     `mapstructure:"job_timeout_seconds"`        // 管道硬超时
	SoftTimeoutSeconds       int     `mapstructure:"soft_timeout_seconds"`       // 管道软超时
	StemTimeoutSeconds       int     `mapstructure:"stem_timeout_seconds"`       // 人声分离阶段超时
	TranscribeTimeoutSeconds int     `mapstructure:"transcribe_timeout_seconds"` // 转写阶段超时
	BeatTimeoutSeconds       int     `mapstructure:"beat_timeout_seconds"`       // 节拍分析阶段超时
	MaxRetries               int     `mapstructure:"max_retries"`                // 管道任务重试次数
	RetryDelaySeconds        int     `mapstructure:"retry_delay_seconds"`        // 重试间隔
	DemucsModel              string  `mapstructure:"demucs_model"`               // 默认分离模型
	WhisperModel             string  `mapstructure:"whisper_model"`              // 默认转写模型
	MinDurationSeconds       float64 `mapstructure:"min_duration_seconds"`
	MaxDurationSeconds       float64 `mapstructure:"max_duration_seconds"`
}

type CleanupConfig struct {
	RetentionHours int    `mapstructure:"retention_hours"` // 过期清理窗口
	ArchivePath    string `mapstructure:"archive_path"`    // 清理前归档到 sqlite
}

type OSSConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	AccessKeySecret string `mapstructure:"access_key_secret"`
	BucketName      string `mapstructure:"bucket_name"`
	CDNDomain       string `mapstructure:"cdn_domain"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
}

func (c *ProcessingConfig) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutSeconds) * time.Second
}

func (c *ProcessingConfig) SoftTimeout() time.Duration {
	return time.Duration(c.SoftTimeoutSeconds) * time.Second
}

func (c *ProcessingConfig) StemTimeout() time.Duration {
	return time.Duration(c.StemTimeoutSeconds) * time.Second
}

func (c *ProcessingConfig) TranscribeTimeout() time.Duration {
	return time.Duration(c.TranscribeTimeoutSeconds) * time.Second
}

func (c *ProcessingConfig) BeatTimeout() time.Duration {
	return time.Duration(c.BeatTimeoutSeconds) * time.Second
}

func (c *ProcessingConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

func (c *CleanupConfig) RetentionWindow() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

func Load(configPath string) (*Config, error) {
	// 优先尝试读取 config.local.yaml（包含真实密钥，不提交到git）
	dir := filepath.Dir(configPath)
	localConfigPath := filepath.Join(dir, "config.local.yaml")

	if _, err := os.Stat(localConfigPath); err == nil {
		configPath = localConfigPath
	}

	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	setDefaults()

	// 环境变量覆盖
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8000)
	viper.SetDefault("server.mode", "debug")

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 20)

	viper.SetDefault("queue.pipeline_queue", "audio_processing")
	viper.SetDefault("queue.stem_separation_queue", "stem_separation")
	viper.SetDefault("queue.transcription_queue", "transcription")
	viper.SetDefault("queue.beat_analysis_queue", "beat_analysis")
	viper.SetDefault("queue.max_workers", 3)

	viper.SetDefault("upload.max_size", 100*1024*1024)
	viper.SetDefault("upload.jobs_dir", "storage/jobs")
	viper.SetDefault("upload.allowed_extensions", []string{".mp3", ".wav", ".m4a", ".flac"})

	viper.SetDefault("processing.job_timeout_seconds", 30*60)
	viper.SetDefault("processing.soft_timeout_seconds", 25*60)
	viper.SetDefault("processing.stem_timeout_seconds", 25*60)
	viper.SetDefault("processing.transcribe_timeout_seconds", 10*60)
	viper.SetDefault("processing.beat_timeout_seconds", 5*60)
	viper.SetDefault("processing.max_retries", 2)
	viper.SetDefault("processing.retry_delay_seconds", 60)
	viper.SetDefault("processing.demucs_model", "htdemucs")
	viper.SetDefault("processing.whisper_model", "base")
	viper.SetDefault("processing.min_duration_seconds", 1.0)
	viper.SetDefault("processing.max_duration_seconds", 1800.0)

	viper.SetDefault("cleanup.retention_hours", 24)
	viper.SetDefault("cleanup.archive_path", "storage/archive.db")
}

func (c *Config) validate() error {
	if c.Processing.MaxRetries < 0 {
		return fmt.Errorf("processing.max_retries must be >= 0")
	}
	if c.Processing.JobTimeoutSeconds <= 0 {
		return fmt.Errorf("processing.job_timeout_seconds must be > 0")
	}
	if c.Processing.SoftTimeoutSeconds > c.Processing.JobTimeoutSeconds {
		return fmt.Errorf("processing.soft_timeout_seconds must not exceed the hard timeout")
	}
	if c.Cleanup.RetentionHours <= 0 {
		return fmt.Errorf("cleanup.retention_hours must be > 0")
	}
	return nil
}
