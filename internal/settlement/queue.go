package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"WalletPilot/internal/config"
	xerrors "WalletPilot/internal/errors"
	wpredis "WalletPilot/internal/storage/redis"
)

// Job 表示一次待确认的交易轮询。
type Job struct {
	ID         string    `json:"id"`
	TxHash     string    `json:"tx_hash"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Handler 处理来自消息队列的结算任务。
type Handler func(ctx context.Context, job Job) error

// Producer 负责向队列投递任务。
type Producer interface {
	Publish(ctx context.Context, job Job) error
	Close() error
}

// Consumer 负责从队列中消费任务。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

const (
	CodeSettlementPublish xerrors.Code = "SETTLEMENT_PUBLISH_FAILED"
	CodeSettlementFailed  xerrors.Code = "SETTLEMENT_FAILED"
	CodeSettlementStale   xerrors.Code = "SETTLEMENT_STALE"
)

func init() {
	xerrors.Register(CodeSettlementPublish, xerrors.Attributes{
		Message:    "settlement job could not be queued",
		Severity:   xerrors.SeverityCritical,
		Retryable:  true,
		Alert:      true,
		HTTPStatus: http.StatusInternalServerError,
	})
	xerrors.Register(CodeSettlementFailed, xerrors.Attributes{
		Message:    "transaction reverted on chain",
		Severity:   xerrors.SeverityCritical,
		Alert:      true,
		HTTPStatus: http.StatusOK,
	})
	xerrors.Register(CodeSettlementStale, xerrors.Attributes{
		Message:    "transaction not mined within the polling budget",
		Severity:   xerrors.SeverityWarning,
		Alert:      true,
		HTTPStatus: http.StatusOK,
	})
}

func encodeJob(job Job) ([]byte, error) {
	return json.Marshal(job)
}

// decodeJob 兼容只包含交易哈希的纯文本消息。
func decodeJob(payload []byte) (Job, error) {
	trimmed := strings.TrimSpace(string(payload))
	if strings.HasPrefix(trimmed, "0x") {
		return Job{TxHash: trimmed}, nil
	}
	var job Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return Job{}, fmt.Errorf("解析结算任务失败: %w", err)
	}
	if job.TxHash == "" {
		return Job{}, fmt.Errorf("结算任务缺少交易哈希")
	}
	return job, nil
}

// NewQueue 按配置创建队列驱动。
func NewQueue(ctx context.Context, cfg config.SettlementConfig) (Queue, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemoryQueue(256), nil
	case "redis":
		client, err := wpredis.Dial(ctx, wpredis.Config{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		return NewRedisQueue(client, cfg.Queue, 0), nil
	case "rabbitmq":
		return NewRabbitMQQueue(RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.Queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的结算队列驱动: %s", cfg.Driver))
	}
}
