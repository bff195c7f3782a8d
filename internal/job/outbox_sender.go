package job

import (
	"context"
	"sync"
	"time"

	"cardledger/internal/config"
	"cardledger/internal/model"
	"cardledger/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Publisher 消息投递方，生产环境为 Kafka 生产者
type Publisher interface {
	SendMessage(topic, key, value string) error
}

// OutboxSender 把 outbox 表里待发送的转账事件投递到 Kafka
//
// 消息和转账在同一个事务里写入，这里只负责至少投递一次：
// 发送成功后才标记 SENT，失败累计重试次数，超过上限标记 FAILED。
type OutboxSender struct {
	outboxRepo *repository.OutboxRepository
	publisher  Publisher
	logger     *zap.Logger
	stopCh     chan struct{}
	stopOnce   sync.Once
	interval   time.Duration
	batchSize  int
	maxRetry   int
}

func NewOutboxSender(db *gorm.DB, publisher Publisher, cfg *config.EventsConfig, logger *zap.Logger) *OutboxSender {
	s := &OutboxSender{
		outboxRepo: repository.NewOutboxRepository(db),
		publisher:  publisher,
		logger:     logger,
		stopCh:     make(chan struct{}),
		interval:   cfg.Interval,
		batchSize:  cfg.BatchSize,
		maxRetry:   cfg.MaxRetryCount,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.interval <= 0 {
		s.interval = 100 * time.Millisecond
	}
	if s.batchSize <= 0 {
		s.batchSize = 100
	}
	if s.maxRetry <= 0 {
		s.maxRetry = 5
	}
	s.logger = s.logger.With(zap.String("component", "OutboxSender"))
	return s
}

func (s *OutboxSender) Start(ctx context.Context) {
	s.logger.Info("消息发送任务启动", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("收到停止信号，任务退出")
			return
		case <-s.stopCh:
			s.logger.Info("任务停止")
			return
		case <-ticker.C:
			s.processPendingMessages(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// processPendingMessages 处理一批待发送消息，返回发送成功的条数
func (s *OutboxSender) processPendingMessages(ctx context.Context) int {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		s.logger.Warn("查询消息失败", zap.Error(err))
		return 0
	}

	sent := 0
	for _, msg := range messages {
		if s.sendMessage(ctx, msg) {
			sent++
		}
	}
	return sent
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) bool {
	fields := []zap.Field{zap.Int64("id", msg.ID), zap.String("topic", msg.Topic), zap.String("key", msg.MessageKey)}

	err := s.publisher.SendMessage(msg.Topic, msg.MessageKey, msg.Payload)
	if err == nil {
		if updateErr := s.outboxRepo.UpdateStatus(ctx, msg.ID, model.OutboxStatusSent); updateErr != nil {
			s.logger.Warn("更新消息状态失败", append(fields, zap.Error(updateErr))...)
		} else {
			s.logger.Debug("消息发送成功", fields...)
		}
		return true
	}

	s.logger.Warn("消息发送失败", append(fields, zap.Error(err))...)

	if msg.RetryCount+1 >= s.maxRetry {
		if err := s.outboxRepo.MarkAsFailed(ctx, msg.ID); err != nil {
			s.logger.Warn("标记消息失败状态失败", append(fields, zap.Error(err))...)
		} else {
			s.logger.Warn("消息超过最大重试次数，标记为失败", fields...)
		}
		return false
	}

	if err := s.outboxRepo.IncrementRetryCount(ctx, msg.ID); err != nil {
		s.logger.Warn("增加重试次数失败", append(fields, zap.Error(err))...)
	}
	return false
}
