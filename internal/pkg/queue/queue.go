package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/qs3c/karaoke_go_server/internal/model"
)

// ErrDispatchTimeout 阶段在超时预算内没有返回结果
var ErrDispatchTimeout = errors.New("stage dispatch timed out")

const replyKeyPrefix = "reply:"

// replyTTL 结果队列的兜底过期时间，防止调用方超时离开后结果残留
const replyTTL = time.Hour

// JobMessage 主管道队列上的任务消息
type JobMessage struct {
	JobID   string `json:"job_id"`
	Retries int    `json:"retries"` // 已重试次数
}

// TaskMessage 阶段队列上的任务消息
type TaskMessage struct {
	TaskID    string          `json:"task_id"`
	JobID     string          `json:"job_id"`
	Stage     string          `json:"stage"`
	AudioPath string          `json:"audio_path"`
	OutputDir string          `json:"output_dir"`
	Config    model.JobConfig `json:"config"`
}

// TaskResult 阶段执行结果，业务失败走 Success/Error，不走 error 返回值
type TaskResult struct {
	TaskID  string `json:"task_id"`
	JobID   string `json:"job_id"`
	Stage   string `json:"stage"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`

	Stems  *model.StemResult   `json:"stems,omitempty"`
	Lyrics *model.LyricsResult `json:"lyrics,omitempty"`
	Beats  *model.BeatsResult  `json:"beats,omitempty"`
}

// Queue 单个命名队列，LPUSH 入队 BRPOP 出队
type Queue struct {
	client    *redis.Client
	queueName string
}

func NewQueue(client *redis.Client, queueName string) *Queue {
	return &Queue{
		client:    client,
		queueName: queueName,
	}
}

func (q *Queue) Name() string {
	return q.queueName
}

func (q *Queue) Client() *redis.Client {
	return q.client
}

// Push 将管道任务加入队列
func (q *Queue) Push(ctx context.Context, msg *JobMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return q.client.LPush(ctx, q.queueName, data).Err()
}

// Pop 从队列获取管道任务（阻塞），超时返回 nil
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (*JobMessage, error) {
	result, err := q.client.BRPop(ctx, timeout, q.queueName).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil // 超时，无任务
		}
		return nil, fmt.Errorf("failed to pop from queue: %w", err)
	}

	if len(result) < 2 {
		return nil, nil
	}

	var msg JobMessage
	if err := json.Unmarshal([]byte(result[1]), &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}

	return &msg, nil
}

// Length 获取队列长度
func (q *Queue) Length(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.queueName).Result()
}

// Dispatcher 把阶段任务派发到命名队列并阻塞等待结果。
// 每个任务有独立的 reply 队列，超时由调用方的预算决定，
// 不会无限等待。投递语义是 at-least-once，阶段结果字段可安全覆盖重写。
type Dispatcher struct {
	client *redis.Client
}

func NewDispatcher(client *redis.Client) *Dispatcher {
	return &Dispatcher{client: client}
}

// Dispatch 入队一个阶段任务并等待其结果，超时返回 ErrDispatchTimeout
func (d *Dispatcher) Dispatch(ctx context.Context, queueName string, msg *TaskMessage, timeout time.Duration) (*TaskResult, error) {
	if msg.TaskID == "" {
		msg.TaskID = uuid.NewString()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task: %w", err)
	}

	if err := d.client.LPush(ctx, queueName, data).Err(); err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	reply, err := d.client.BRPop(ctx, timeout, replyKeyPrefix+msg.TaskID).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("%w: stage %s after %s", ErrDispatchTimeout, msg.Stage, timeout)
		}
		return nil, fmt.Errorf("failed to wait for task result: %w", err)
	}

	if len(reply) < 2 {
		return nil, fmt.Errorf("%w: stage %s after %s", ErrDispatchTimeout, msg.Stage, timeout)
	}

	var result TaskResult
	if err := json.Unmarshal([]byte(reply[1]), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task result: %w", err)
	}

	return &result, nil
}

// PopTask 阶段 worker 从队列获取任务（阻塞），超时返回 nil
func (d *Dispatcher) PopTask(ctx context.Context, queueName string, timeout time.Duration) (*TaskMessage, error) {
	result, err := d.client.BRPop(ctx, timeout, queueName).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to pop task: %w", err)
	}

	if len(result) < 2 {
		return nil, nil
	}

	var msg TaskMessage
	if err := json.Unmarshal([]byte(result[1]), &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}

	return &msg, nil
}

// Complete 阶段 worker 上报结果，写入该任务的 reply 队列
func (d *Dispatcher) Complete(ctx context.Context, result *TaskResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal task result: %w", err)
	}

	key := replyKeyPrefix + result.TaskID
	if err := d.client.LPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("failed to push task result: %w", err)
	}
	// 调用方可能已经超时离开，结果不能永久占着内存
	return d.client.Expire(ctx, key, replyTTL).Err()
}
