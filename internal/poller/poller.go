// Package poller 以固定间隔轮询收件邮箱，把取回的邮件交给
// 入站管道，并按处理结论决定是否从邮箱删除。
package poller

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"imip/gateway/internal/config"
	"imip/gateway/internal/gateway"
	"imip/gateway/internal/monitoring"
)

// Mailbox 是一种收件协议的单轮实现：连接、取信、处理、断开
type Mailbox interface {
	Protocol() string
	Poll(ctx context.Context) error
}

// Poller 按固定间隔驱动 Mailbox。轮内错误只记录，不中断循环，
// 也不做退避：下一轮按原间隔照常发起。
type Poller struct {
	mailbox  Mailbox
	interval time.Duration
	metrics  *monitoring.Metrics
	log      *zap.Logger
}

// New 按配置的协议构造轮询器
func New(cfg config.ReceivingConfig, handler *gateway.Handler, metrics *monitoring.Metrics, log *zap.Logger) (*Poller, error) {
	var mailbox Mailbox
	switch config.NormalizeReceivingType(cfg.Type) {
	case config.ReceivingTypePOP3:
		mailbox = newPOP3Mailbox(cfg, handler, metrics, log)
	case config.ReceivingTypeIMAP4:
		mailbox = newIMAPMailbox(cfg, handler, metrics, log)
	default:
		return nil, fmt.Errorf("unsupported mailbox type %q", cfg.Type)
	}
	return &Poller{
		mailbox:  mailbox,
		interval: time.Duration(cfg.PollingSeconds) * time.Second,
		metrics:  metrics,
		log:      log.With(zap.String("protocol", mailbox.Protocol())),
	}, nil
}

// Run 启动轮询循环，立即执行第一轮，直到 ctx 取消
func (p *Poller) Run(ctx context.Context) error {
	p.log.Info("mailbox poller started", zap.Duration("interval", p.interval))

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			p.log.Info("mailbox poller stopped")
			return ctx.Err()
		case <-ticker.C:
			p.cycle(ctx)
		}
	}
}

func (p *Poller) cycle(ctx context.Context) {
	if err := p.mailbox.Poll(ctx); err != nil {
		p.metrics.RecordPollCycle(p.mailbox.Protocol(), "error")
		p.metrics.RecordError("poll", p.mailbox.Protocol())
		p.log.Warn("mailbox poll failed, waiting for next cycle", zap.Error(err))
		return
	}
	p.metrics.RecordPollCycle(p.mailbox.Protocol(), "ok")
}

// outcomeLabel 把入站处理结论映射为指标标签
func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "injected"
	case gateway.IsRetryable(err):
		return "retained"
	default:
		return "dropped"
	}
}
