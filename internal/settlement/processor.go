package settlement

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strconv"
	"time"

	xerrors "WalletPilot/internal/errors"
	"WalletPilot/internal/observability/alerting"
	"WalletPilot/internal/observability/metrics"
	"WalletPilot/internal/storage"
	"WalletPilot/internal/web3"
	"WalletPilot/pkg/logger"
)

// StatusSource 查询链上交易回执。
type StatusSource interface {
	TransactionStatus(ctx context.Context, hash string) (web3.TxStatus, error)
}

// Recorder 是处理器需要的交易记录读写能力。
type Recorder interface {
	FindTransaction(ctx context.Context, hash string) (*storage.Transaction, error)
	UpdateTransactionStatus(ctx context.Context, hash string, status storage.TxStatus) error
}

// Processor 从队列消费结算任务，轮询回执并回写交易状态。
type Processor struct {
	source       StatusSource
	store        Recorder
	consumer     Consumer
	producer     Producer
	workerCount  int
	maxAttempts  int
	pollInterval time.Duration
	logger       *slog.Logger
	alerter      alerting.Dispatcher
	sleep        func(ctx context.Context, d time.Duration) error
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = l
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithMaxAttempts 设置单笔交易最多轮询次数。
func WithMaxAttempts(n int) ProcessorOption {
	return func(p *Processor) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// WithPollInterval 设置两次轮询之间的间隔。
func WithPollInterval(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d >= 0 {
			p.pollInterval = d
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(source StatusSource, store Recorder, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		source:       source,
		store:        store,
		consumer:     consumer,
		producer:     producer,
		workerCount:  1,
		maxAttempts:  60,
		pollInterval: 5 * time.Second,
		logger:       logger.Named("settlement"),
		sleep:        sleepContext,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动结算处理循环，阻塞直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置结算队列消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, job Job) error {
	if p.store == nil || p.source == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "结算处理器未初始化")
	}
	tx, err := p.store.FindTransaction(ctx, job.TxHash)
	if err != nil {
		if stdErrors.Is(err, storage.ErrTransactionNotFound) {
			p.logger.Debug("跳过未知交易", slog.String("tx_hash", job.TxHash))
			return nil
		}
		p.logger.Error("读取交易记录失败", slog.Any("error", err), slog.String("tx_hash", job.TxHash))
		return err
	}
	if tx.Status != storage.TxSubmitted {
		return nil
	}

	status, err := p.source.TransactionStatus(ctx, tx.Hash)
	if err != nil {
		p.logger.Warn("查询交易回执失败", slog.Any("error", err), slog.String("tx_hash", tx.Hash), slog.Int("attempt", job.Attempt))
		return p.retry(ctx, job, tx, err)
	}

	switch status {
	case web3.TxConfirmed:
		return p.finish(ctx, tx, storage.TxConfirmed, job)
	case web3.TxFailed:
		if err := p.finish(ctx, tx, storage.TxFailed, job); err != nil {
			return err
		}
		p.emitAlert(ctx, tx, job, CodeSettlementFailed, nil, "reverted")
		return nil
	default:
		metrics.ObserveSettlement("pending")
		return p.retry(ctx, job, tx, nil)
	}
}

func (p *Processor) finish(ctx context.Context, tx *storage.Transaction, status storage.TxStatus, job Job) error {
	if err := p.store.UpdateTransactionStatus(ctx, tx.Hash, status); err != nil {
		p.logger.Error("回写交易状态失败", slog.Any("error", err), slog.String("tx_hash", tx.Hash))
		return err
	}
	metrics.ObserveSettlement(string(status))
	logger.Audit().Info("交易已结算",
		slog.String("tx_hash", tx.Hash),
		slog.String("from", tx.From),
		slog.String("to", tx.To),
		slog.String("amount", tx.Amount.String()),
		slog.String("token", tx.Token),
		slog.String("status", string(status)),
		slog.Int("attempts", job.Attempt+1),
	)
	return nil
}

// retry 在轮询预算内重新排队，预算耗尽时告警并保持 submitted 状态。
func (p *Processor) retry(ctx context.Context, job Job, tx *storage.Transaction, cause error) error {
	next := job
	next.Attempt++
	if next.Attempt >= p.maxAttempts {
		p.emitAlert(ctx, tx, next, CodeSettlementStale, cause, "exhausted")
		return nil
	}
	if p.producer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置结算队列生产者")
	}
	if err := p.sleep(ctx, p.pollInterval); err != nil {
		return err
	}
	if err := p.producer.Publish(ctx, next); err != nil {
		wrapped := xerrors.Wrap(CodeSettlementPublish, err, "结算任务重投失败")
		p.emitAlert(ctx, tx, next, CodeSettlementPublish, wrapped, "requeue")
		return wrapped
	}
	p.logger.Debug("交易尚未确认，已重新排队", slog.String("tx_hash", tx.Hash), slog.Int("attempt", next.Attempt))
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, tx *storage.Transaction, job Job, code xerrors.Code, cause error, stage string) {
	if p.alerter == nil || tx == nil {
		return
	}
	event := alerting.NewEvent("settlement", code, tx.Hash, cause)
	event.Attempts = job.Attempt
	event.MaxAttempts = p.maxAttempts
	event.Metadata = map[string]string{
		"stage":  stage,
		"from":   tx.From,
		"amount": tx.Amount.String(),
		"token":  tx.Token,
		"age_s":  strconv.FormatInt(int64(time.Since(tx.CreatedAt).Seconds()), 10),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败", slog.Any("error", err), slog.String("tx_hash", tx.Hash), slog.String("stage", stage))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
