package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/qs3c/karaoke_go_server/internal/model"
)

const (
	ChannelJobProgress = "job_progress"
)

// ProgressMessage 进度消息
type ProgressMessage struct {
	Type     string `json:"type"`
	JobID    string `json:"job_id"`
	Status   string `json:"status"`
	Step     string `json:"step"`
	Stage    string `json:"stage,omitempty"`
	Progress int    `json:"progress"`
	Message  string `json:"message,omitempty"`
	Error    string `json:"error,omitempty"`
}

// 步骤边界对应的全局进度检查点，外部轮询看到的是平滑单调的推进
var StepProgress = map[model.ProcessingStep]int{
	model.StepProcessing:         15,
	model.StepValidation:         20,
	model.StepStemSeparation:     30,
	model.StepVocalTranscription: 60,
	model.StepBeatAnalysis:       85,
	model.StepFinalization:       95,
	model.StepCompleted:          100,
}

// 步骤对应的展示消息
var StepMessages = map[model.ProcessingStep]string{
	model.StepProcessing:         "正在准备处理",
	model.StepValidation:         "正在校验音频",
	model.StepStemSeparation:     "正在分离人声和伴奏",
	model.StepVocalTranscription: "正在转写歌词",
	model.StepBeatAnalysis:       "正在分析节拍",
	model.StepFinalization:       "正在生成结果",
	model.StepCompleted:          "处理完成",
}

// Publisher Redis 发布者
type Publisher struct {
	client *redis.Client
}

// NewPublisher 创建发布者
func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

// PublishProgress 发布进度消息
func (p *Publisher) PublishProgress(ctx context.Context, msg *ProgressMessage) error {
	msg.Type = "job_progress"

	// 自动填充检查点进度和消息
	if msg.Step != "" {
		step := model.ProcessingStep(msg.Step)
		if msg.Progress == 0 {
			if progress, ok := StepProgress[step]; ok {
				msg.Progress = progress
			}
		}
		if msg.Message == "" {
			if message, ok := StepMessages[step]; ok {
				msg.Message = message
			}
		}
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal progress message: %w", err)
	}

	return p.client.Publish(ctx, ChannelJobProgress, data).Err()
}

// Subscriber Redis 订阅者
type Subscriber struct {
	client *redis.Client
}

// NewSubscriber 创建订阅者
func NewSubscriber(client *redis.Client) *Subscriber {
	return &Subscriber{client: client}
}

// Subscribe 订阅进度消息，阻塞直到 ctx 取消
func (s *Subscriber) Subscribe(ctx context.Context, handler func(*ProgressMessage)) error {
	pubsub := s.client.Subscribe(ctx, ChannelJobProgress)
	defer pubsub.Close()

	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}

			var progressMsg ProgressMessage
			if err := json.Unmarshal([]byte(msg.Payload), &progressMsg); err != nil {
				continue // 忽略解析错误
			}

			handler(&progressMsg)
		}
	}
}
