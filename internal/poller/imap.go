package poller

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"go.uber.org/zap"

	"imip/gateway/internal/config"
	"imip/gateway/internal/gateway"
	"imip/gateway/internal/monitoring"
)

// imapMailbox 每轮建立一条新 IMAP 连接：SELECT INBOX、按 UID 取信、
// 处理后打 \Deleted 并 EXPUNGE。认证依次尝试 CRAM-MD5、LOGIN、PLAIN。
type imapMailbox struct {
	cfg     config.ReceivingConfig
	handler *gateway.Handler
	metrics *monitoring.Metrics
	log     *zap.Logger
}

func newIMAPMailbox(cfg config.ReceivingConfig, handler *gateway.Handler, metrics *monitoring.Metrics, log *zap.Logger) *imapMailbox {
	return &imapMailbox{cfg: cfg, handler: handler, metrics: metrics, log: log}
}

func (m *imapMailbox) Protocol() string { return "imap4" }

func (m *imapMailbox) Poll(ctx context.Context) error {
	client, err := m.connect()
	if err != nil {
		return err
	}
	defer func() { _ = client.Logout().Wait() }()

	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		return fmt.Errorf("select INBOX: %w", err)
	}

	searchData, err := client.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
	if err != nil {
		return fmt.Errorf("search messages: %w", err)
	}
	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil
	}
	m.log.Debug("retrieving queued messages", zap.Int("count", len(uids)))

	var acknowledged []imap.UID
	for _, uid := range uids {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		raw, err := m.fetchMessage(client, uid)
		if err != nil {
			m.log.Warn("failed to fetch message", zap.Uint32("uid", uint32(uid)), zap.Error(err))
			continue
		}

		inboundErr := m.handler.Inbound(ctx, raw)
		m.metrics.RecordPollMessage(m.Protocol(), outcomeLabel(inboundErr))
		if gateway.IsRetryable(inboundErr) {
			// 留在邮箱，下一轮重试
			continue
		}
		acknowledged = append(acknowledged, uid)
	}

	if len(acknowledged) > 0 {
		if err := m.expunge(client, acknowledged); err != nil {
			m.log.Warn("failed to expunge acknowledged messages", zap.Error(err))
		}
	}
	return nil
}

func (m *imapMailbox) connect() (*imapclient.Client, error) {
	addr := fmt.Sprintf("%s:%d", m.cfg.Server, m.cfg.Port)
	dialer := &net.Dialer{Timeout: 30 * time.Second}

	var conn net.Conn
	var err error
	if m.cfg.UseSSL {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, nil)
	} else {
		conn, err = dialer.Dial("tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}

	client := imapclient.New(conn, nil)
	if err := m.authenticate(client); err != nil {
		_ = client.Logout().Wait()
		return nil, err
	}
	return client, nil
}

// authenticate 依次尝试 CRAM-MD5、LOGIN、PLAIN，任一成功即止
func (m *imapMailbox) authenticate(client *imapclient.Client) error {
	if err := client.Authenticate(newCRAMMD5Client(m.cfg.Username, m.cfg.Password)); err == nil {
		return nil
	}
	if err := client.Login(m.cfg.Username, m.cfg.Password).Wait(); err == nil {
		return nil
	}
	if err := client.Authenticate(sasl.NewPlainClient("", m.cfg.Username, m.cfg.Password)); err != nil {
		return fmt.Errorf("authenticate as %s: %w", m.cfg.Username, err)
	}
	return nil
}

func (m *imapMailbox) fetchMessage(client *imapclient.Client, uid imap.UID) ([]byte, error) {
	// Peek 取信，\Seen 不动；确认与否由处理结论决定
	section := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := client.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	})
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return nil, fmt.Errorf("message %d disappeared", uid)
	}
	buf, err := msg.Collect()
	if err != nil {
		return nil, err
	}
	for _, part := range buf.BodySection {
		if len(part.Bytes) > 0 {
			return part.Bytes, nil
		}
	}
	return nil, fmt.Errorf("message %d has empty body", uid)
}

func (m *imapMailbox) expunge(client *imapclient.Client, uids []imap.UID) error {
	storeCmd := client.Store(imap.UIDSetNum(uids...), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	}, nil)
	if err := storeCmd.Close(); err != nil {
		return fmt.Errorf("mark deleted: %w", err)
	}
	if err := client.Expunge().Close(); err != nil {
		return fmt.Errorf("expunge: %w", err)
	}
	return nil
}
