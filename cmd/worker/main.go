package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/qs3c/karaoke_go_server/config"
	"github.com/qs3c/karaoke_go_server/internal/database"
	"github.com/qs3c/karaoke_go_server/internal/pkg/oss"
	"github.com/qs3c/karaoke_go_server/internal/pkg/pubsub"
	"github.com/qs3c/karaoke_go_server/internal/pkg/queue"
	"github.com/qs3c/karaoke_go_server/internal/repository"
	"github.com/qs3c/karaoke_go_server/internal/stage"
	"github.com/qs3c/karaoke_go_server/internal/worker"
)

// -queues 选择本进程消费哪些队列，GPU 机器只跑 stem_separation，
// CPU 机器跑其余队列
var queuesFlag = flag.String("queues", "pipeline,stem_separation,transcription,beat_analysis",
	"Comma-separated queues to consume: pipeline, stem_separation, transcription, beat_analysis")

func main() {
	flag.Parse()

	// 加载配置
	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化 Redis
	rdb, err := database.NewRedis(&cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect redis: %v", err)
	}
	log.Println("Redis connected")

	// 初始化 OSS（可选）
	var ossClient *oss.Client
	if cfg.OSS.Endpoint != "" && cfg.OSS.AccessKeyID != "" {
		ossClient, err = oss.NewClient(&cfg.OSS)
		if err != nil {
			log.Printf("Warning: Failed to init OSS client: %v", err)
		} else {
			log.Println("OSS client initialized")
		}
	}

	// 兜底 TTL 盖过硬超时加保留期，和 server 保持一致
	jobRepo := repository.NewJobRepository(rdb, cfg.Cleanup.RetentionWindow()+cfg.Processing.JobTimeout())
	dispatcher := queue.NewDispatcher(rdb)
	publisher := pubsub.NewPublisher(rdb)
	reporter := worker.NewReporter(jobRepo, publisher)

	// 创建 context 用于优雅关闭
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 监听退出信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("Received shutdown signal")
		cancel()
	}()

	selected := make(map[string]bool)
	for _, name := range strings.Split(*queuesFlag, ",") {
		selected[strings.TrimSpace(name)] = true
	}

	started := 0

	if selected["pipeline"] {
		pipelineQueue := queue.NewQueue(rdb, cfg.Queue.PipelineQueue)
		validator := stage.NewValidator("", cfg.Processing.MinDurationSeconds, cfg.Processing.MaxDurationSeconds)
		processor := worker.NewProcessor(jobRepo, dispatcher, pipelineQueue, publisher, validator, cfg)
		if ossClient != nil {
			processor.SetArtifactUploader(ossClient)
		}

		for i := 0; i < cfg.Queue.MaxWorkers; i++ {
			go processor.Run(ctx)
		}
		started += cfg.Queue.MaxWorkers
	}

	if selected["stem_separation"] {
		separator := stage.NewSeparator("", cfg.Processing.DemucsModel)
		go worker.NewStageRunner(dispatcher, reporter, separator,
			cfg.Queue.StemSeparationQueue, cfg.Processing.StemTimeout()).Run(ctx)
		started++
	}

	if selected["transcription"] {
		transcriber := stage.NewTranscriber("", cfg.Processing.WhisperModel)
		go worker.NewStageRunner(dispatcher, reporter, transcriber,
			cfg.Queue.TranscriptionQueue, cfg.Processing.TranscribeTimeout()).Run(ctx)
		started++
	}

	if selected["beat_analysis"] {
		analyzer := stage.NewBeatAnalyzer("")
		go worker.NewStageRunner(dispatcher, reporter, analyzer,
			cfg.Queue.BeatAnalysisQueue, cfg.Processing.BeatTimeout()).Run(ctx)
		started++
	}

	if started == 0 {
		log.Fatalf("No queues selected, check -queues flag: %q", *queuesFlag)
	}

	log.Printf("Worker started, loops: %d, queues: %s", started, *queuesFlag)

	// 等待 context 取消
	<-ctx.Done()
	log.Println("Worker shutdown complete")
}
