package poller

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/knadh/go-pop3"
	"go.uber.org/zap"

	"imip/gateway/internal/config"
	"imip/gateway/internal/gateway"
	"imip/gateway/internal/monitoring"
)

// pop3Mailbox 每轮建立一条新 POP3 连接，RETR 后按处理结论 DELE。
// 未确认删除的邮件服务器会在下一轮重新给出。
type pop3Mailbox struct {
	cfg     config.ReceivingConfig
	handler *gateway.Handler
	metrics *monitoring.Metrics
	log     *zap.Logger
	timeout time.Duration
}

func newPOP3Mailbox(cfg config.ReceivingConfig, handler *gateway.Handler, metrics *monitoring.Metrics, log *zap.Logger) *pop3Mailbox {
	return &pop3Mailbox{cfg: cfg, handler: handler, metrics: metrics, log: log, timeout: 30 * time.Second}
}

// deadlineConn 在每次读写前重置超时，服务器停止响应时命令会出错返回
// 而不是把整轮拉取挂死。
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if err := c.Conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Write(b)
}

type deadlineDialer struct {
	timeout time.Duration
}

func (d *deadlineDialer) Dial(network, addr string) (net.Conn, error) {
	conn, err := (&net.Dialer{Timeout: d.timeout}).Dial(network, addr)
	if err != nil {
		return nil, err
	}
	return &deadlineConn{Conn: conn, timeout: d.timeout}, nil
}

func (m *pop3Mailbox) Protocol() string { return "pop3" }

func (m *pop3Mailbox) Poll(ctx context.Context) error {
	client := pop3.New(pop3.Opt{
		Host:        m.cfg.Server,
		Port:        m.cfg.Port,
		TLSEnabled:  m.cfg.UseSSL,
		DialTimeout: m.timeout,
		Dialer:      &deadlineDialer{timeout: m.timeout},
	})
	conn, err := client.NewConn()
	if err != nil {
		return fmt.Errorf("connect to %s:%d: %w", m.cfg.Server, m.cfg.Port, err)
	}
	defer conn.Quit()

	if err := conn.User(m.cfg.Username); err != nil {
		return fmt.Errorf("USER rejected: %w", err)
	}
	if err := conn.Pass(m.cfg.Password); err != nil {
		return fmt.Errorf("PASS rejected: %w", err)
	}

	count, _, err := conn.Stat()
	if err != nil {
		return fmt.Errorf("STAT failed: %w", err)
	}
	if count == 0 {
		return nil
	}
	m.log.Debug("retrieving queued messages", zap.Int("count", count))

	for id := 1; id <= count; id++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		buf, err := conn.RetrRaw(id)
		if err != nil {
			m.log.Warn("failed to retrieve message", zap.Int("id", id), zap.Error(err))
			continue
		}

		inboundErr := m.handler.Inbound(ctx, buf.Bytes())
		m.metrics.RecordPollMessage(m.Protocol(), outcomeLabel(inboundErr))
		if gateway.IsRetryable(inboundErr) {
			// 留在邮箱，下一轮重试
			continue
		}
		if err := conn.Dele(id); err != nil {
			m.log.Warn("failed to delete acknowledged message", zap.Int("id", id), zap.Error(err))
		}
	}
	return nil
}
