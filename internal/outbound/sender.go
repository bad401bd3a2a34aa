package outbound

import (
	"bytes"
	"fmt"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"imip/gateway/internal/config"
)

// Sender 把渲染完成的邮件递交给外发中继
type Sender interface {
	Send(msg *Message) error
}

// SMTPSender 通过 ESMTP 提交端口投递邮件，每封邮件独立建连。
// 外发量很低（只有日历服务器递交的邀请），不值得维护长连接。
type SMTPSender struct {
	cfg config.SendingConfig
	log *zap.Logger
}

func NewSMTPSender(cfg config.SendingConfig, log *zap.Logger) *SMTPSender {
	return &SMTPSender{cfg: cfg, log: log}
}

func (s *SMTPSender) Send(msg *Message) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server, s.cfg.Port)

	var client *smtp.Client
	var err error
	if s.cfg.UseSSL {
		client, err = smtp.DialTLS(addr, nil)
	} else {
		client, err = smtp.Dial(addr)
	}
	if err != nil {
		return fmt.Errorf("connect to mail relay %s: %w", addr, err)
	}
	defer client.Close()
	client.CommandTimeout = 30 * time.Second
	client.SubmissionTimeout = 2 * time.Minute

	if !s.cfg.UseSSL {
		// 中继支持 STARTTLS 就升级，本机明文中继照常可用
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(nil); err != nil {
				return fmt.Errorf("starttls with mail relay %s: %w", addr, err)
			}
		}
	}

	if s.cfg.Username != "" {
		if err := client.Auth(sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)); err != nil {
			// 部分中继只支持 LOGIN
			if loginErr := client.Auth(sasl.NewLoginClient(s.cfg.Username, s.cfg.Password)); loginErr != nil {
				return fmt.Errorf("authenticate to mail relay: %w", err)
			}
		}
	}

	if err := client.SendMail(msg.EnvelopeFrom, []string{msg.EnvelopeTo}, bytes.NewReader(msg.Raw)); err != nil {
		return fmt.Errorf("submit message %s: %w", msg.MessageID, err)
	}
	if err := client.Quit(); err != nil {
		s.log.Debug("mail relay quit failed", zap.Error(err))
	}
	return nil
}
