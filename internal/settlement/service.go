package settlement

import (
	"context"
	"strings"
	"time"

	xerrors "WalletPilot/internal/errors"

	"github.com/google/uuid"
)

// Service 对外提供投递结算任务的入口。
type Service struct {
	producer Producer
}

// NewService 创建结算服务。
func NewService(producer Producer) *Service {
	return &Service{producer: producer}
}

// Enqueue 为一笔刚广播的交易排队确认。
func (s *Service) Enqueue(ctx context.Context, txHash string) error {
	txHash = strings.TrimSpace(txHash)
	if txHash == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易哈希不能为空")
	}
	if s == nil || s.producer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "结算队列未初始化")
	}
	job := Job{
		ID:         uuid.NewString(),
		TxHash:     txHash,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := s.producer.Publish(ctx, job); err != nil {
		return xerrors.Wrap(CodeSettlementPublish, err, "投递结算任务失败")
	}
	return nil
}
