package main

import (
	"context"
	"fmt"
	"log"

	"github.com/qs3c/karaoke_go_server/config"
	"github.com/qs3c/karaoke_go_server/internal/api"
	"github.com/qs3c/karaoke_go_server/internal/api/handler"
	"github.com/qs3c/karaoke_go_server/internal/database"
	"github.com/qs3c/karaoke_go_server/internal/pkg/pubsub"
	"github.com/qs3c/karaoke_go_server/internal/pkg/queue"
	"github.com/qs3c/karaoke_go_server/internal/pkg/ws"
	"github.com/qs3c/karaoke_go_server/internal/repository"
	"github.com/qs3c/karaoke_go_server/internal/service"
)

func main() {
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

	// 初始化 WebSocket Hub，把进度订阅转发给前端连接
	wsHub := ws.NewHub()
	subscriber := pubsub.NewSubscriber(rdb)
	go func() {
		err := subscriber.Subscribe(context.Background(), func(msg *pubsub.ProgressMessage) {
			_ = wsHub.Broadcast(msg.JobID, &ws.Message{Type: msg.Type, Data: msg})
		})
		if err != nil && err != context.Canceled {
			log.Printf("Progress subscription stopped: %v", err)
		}
	}()
	log.Println("WebSocket hub started")

	// 初始化 Repository 和 Service。
	// 兜底 TTL 必须盖过硬超时加保留期，否则记录会在清理扫描轮到之前先被淘汰
	jobRepo := repository.NewJobRepository(rdb, cfg.Cleanup.RetentionWindow()+cfg.Processing.JobTimeout())
	pipelineQueue := queue.NewQueue(rdb, cfg.Queue.PipelineQueue)
	jobService := service.NewJobService(jobRepo, pipelineQueue, cfg)

	// 初始化 Handler
	jobHandler := handler.NewJobHandler(jobService)
	healthHandler := handler.NewHealthHandler(rdb, jobService)
	websocketHandler := handler.NewWebSocketHandler(wsHub)

	// 初始化 Router
	router := api.NewRouter(jobHandler, healthHandler, websocketHandler, cfg)
	engine := router.Setup()

	// 启动服务器
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	log.Printf("Server starting on %s", addr)
	if err := engine.Run(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
