// Package gateway 把各部件串成 iMIP 网关的两条管道：
// 入站（邮箱回复 -> 日历服务器）和出站（日历服务器 -> 外部参与者）。
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/emersion/go-ical"
	"go.uber.org/zap"

	"imip/gateway/internal/classify"
	"imip/gateway/internal/ics"
	"imip/gateway/internal/inject"
	"imip/gateway/internal/monitoring"
	"imip/gateway/internal/outbound"
	"imip/gateway/internal/rewrite"
	"imip/gateway/internal/token"
)

var (
	// ErrUnusable 表示这封邮件不是可处理的调度回复或退信，
	// 应当确认（删除）并丢弃
	ErrUnusable = errors.New("message is not a usable scheduling reply")

	// ErrUnknownToken 表示邮件携带的回复令牌不在令牌表中，
	// 无法还原原始组织者，应当确认并丢弃
	ErrUnknownToken = errors.New("unknown reply token")
)

// Handler 驱动入站和出站两条管道
type Handler struct {
	tokens   *token.Store
	injector inject.Injector
	composer *outbound.Composer
	sender   outbound.Sender
	metrics  *monitoring.Metrics
	log      *zap.Logger

	sends sync.WaitGroup
}

func NewHandler(tokens *token.Store, injector inject.Injector, composer *outbound.Composer, sender outbound.Sender, metrics *monitoring.Metrics, log *zap.Logger) *Handler {
	return &Handler{
		tokens:   tokens,
		injector: injector,
		composer: composer,
		sender:   sender,
		metrics:  metrics,
		log:      log,
	}
}

// PurgeExpiredTokens 清除超过保留期限的令牌，在启动时调用一次
func (h *Handler) PurgeExpiredTokens(ctx context.Context, daysToLive int) {
	cutoff := time.Now().AddDate(0, 0, -daysToLive)
	purged, err := h.tokens.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		h.log.Error("failed to purge expired tokens", zap.Error(err))
		return
	}
	if purged > 0 {
		h.log.Info("purged expired invitation tokens", zap.Int64("count", purged))
	}
}

// Inbound 处理一封从邮箱取回的原始邮件：分类、查令牌、
// 改写日历、注入日历服务器。
//
// 返回 nil 或 ErrUnusable / ErrUnknownToken / 非瞬时注入失败时，
// 调用方应确认（删除）这封邮件；只有 IsRetryable 为真的错误
// 才把邮件留在邮箱里等下个轮询周期。
func (h *Handler) Inbound(ctx context.Context, raw []byte) error {
	msg := classify.Classify(raw)
	h.metrics.RecordClassified(msg.Kind.String())

	log := h.log.With(
		zap.String("kind", msg.Kind.String()),
		zap.String("message_id", msg.MessageID),
		zap.String("from", msg.From),
	)

	if msg.Kind == classify.KindUnusable {
		log.Info("discarding unusable inbound message")
		return ErrUnusable
	}

	rec, err := h.tokens.Lookup(ctx, msg.Token)
	if errors.Is(err, token.ErrNotFound) {
		h.metrics.RecordUnknownToken()
		log.Warn("discarding message with unknown reply token", zap.String("token", msg.Token))
		return ErrUnknownToken
	}
	if err != nil {
		return fmt.Errorf("look up reply token: %w", err)
	}
	log = log.With(
		zap.String("organizer", rec.Organizer),
		zap.String("attendee", rec.Attendee),
		zap.String("icaluid", rec.ICalUID),
	)

	cal, rewriteErr := rewriteCalendar(msg, rec, log)
	if rewriteErr != nil {
		// 改写失败是确定性的，重试没有意义
		log.Warn("discarding message with unusable calendar body", zap.Error(rewriteErr))
		return fmt.Errorf("%w: %v", ErrUnusable, rewriteErr)
	}

	payload, err := ics.Encode(cal)
	if err != nil {
		log.Warn("discarding message whose calendar cannot be re-encoded", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrUnusable, err)
	}

	if err := h.injector.Inject(ctx, rec.Organizer, rec.Attendee, payload); err != nil {
		h.metrics.RecordInjection(injectionVerdict(err))
		if inject.IsTransient(err) {
			log.Warn("injection failed, message stays queued", zap.Error(err))
		} else {
			log.Error("injection refused, message dropped", zap.Error(err))
		}
		return err
	}

	h.metrics.RecordInjection("accepted")
	log.Info("inbound message injected")
	return nil
}

// rewriteCalendar 按分类选择改写规则：退信补 REQUEST-STATUS，
// 回复只做身份还原
func rewriteCalendar(msg *classify.Message, rec *token.Record, log *zap.Logger) (*ical.Calendar, error) {
	if msg.Kind == classify.KindBounce {
		return rewrite.Bounce(msg.Calendar, rec.Organizer, rec.Attendee, log)
	}
	return rewrite.Reply(msg.Calendar, rec.Organizer, rec.Attendee, log)
}

// Outbound 处理日历服务器递交的一份邀请：渲染邮件并异步投递。
// 渲染失败同步上报，投递结果只记录日志和指标。
func (h *Handler) Outbound(ctx context.Context, originator, recipient string, calendarData []byte) error {
	cal, err := ics.Decode(calendarData)
	if err != nil {
		return fmt.Errorf("decode calendar body: %w", err)
	}

	composed, err := h.composer.Compose(ctx, originator, recipient, cal)
	if err != nil {
		h.metrics.RecordError("compose", "outbound")
		return err
	}
	h.metrics.RecordComposed(composed.NewInvitation)

	log := h.log.With(
		zap.String("message_id", composed.MessageID),
		zap.String("to", composed.EnvelopeTo),
		zap.Bool("new_invitation", composed.NewInvitation),
	)

	h.sends.Add(1)
	go func() {
		defer h.sends.Done()
		if err := h.sender.Send(composed); err != nil {
			h.metrics.RecordSend("error")
			h.metrics.RecordError("send", "outbound")
			log.Error("failed to submit invitation mail", zap.Error(err))
			return
		}
		h.metrics.RecordSend("ok")
		log.Info("invitation mail submitted")
	}()
	return nil
}

// Wait 等待在途的异步投递完成，用于优雅停机
func (h *Handler) Wait() {
	h.sends.Wait()
}

// IsRetryable 判断 Inbound 的错误是否应把邮件留在邮箱里重试。
// 确定性失败（不可用、未知令牌、服务器明确拒绝）不重试；
// 连接层故障和存储故障留待下个轮询周期。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnusable) || errors.Is(err, ErrUnknownToken) {
		return false
	}
	var ie *inject.Error
	if errors.As(err, &ie) {
		return ie.Kind == inject.KindTransient
	}
	return true
}

func injectionVerdict(err error) string {
	var ie *inject.Error
	if !errors.As(err, &ie) {
		return "error"
	}
	switch ie.Kind {
	case inject.KindUnauthorized:
		return "unauthorized"
	case inject.KindRejected:
		return "rejected"
	default:
		return "transient"
	}
}
