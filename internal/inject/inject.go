// Package inject 把重建后的调度载荷 POST 到日历服务器的内部收件箱，
// 透明处理一次 Basic/Digest 认证质询。
package inject

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"imip/gateway/internal/config"
)

// Kind 注入失败的类别，决定消息是重试还是确认删除
type Kind int

const (
	// KindUnauthorized 认证失败：无可用凭据、质询不支持、或重试后仍 401
	KindUnauthorized Kind = iota
	// KindRejected 服务器以非 2xx/401 拒绝，视为本次永久失败
	KindRejected
	// KindTransient 连接层故障，消息应留在邮箱等下个轮询周期重试
	KindTransient
)

// Error 是一次注入失败
type Error struct {
	Kind   Kind
	Status int    // KindRejected/KindUnauthorized 时的 HTTP 状态码
	Body   string // 响应体摘要，用于日志
	Err    error  // KindTransient 时的底层错误
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindUnauthorized:
		return fmt.Sprintf("inject unauthorized (status %d)", e.Status)
	case KindRejected:
		return fmt.Sprintf("inject rejected with status %d: %s", e.Status, e.Body)
	default:
		return fmt.Sprintf("inject transient failure: %v", e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient 判断错误是否为可重试的连接层故障
func IsTransient(err error) bool {
	var ie *Error
	return errors.As(err, &ie) && ie.Kind == KindTransient
}

// Injector 是注入器的接口，便于在管道测试里替换
type Injector interface {
	Inject(ctx context.Context, organizer, attendee string, payload []byte) error
}

// HTTPInjector 通过 HTTP POST 注入调度载荷
type HTTPInjector struct {
	url      string
	username string
	password string
	client   *http.Client
	log      *zap.Logger
}

// NewHTTPInjector 创建注入器。请求超时是会话级约束：
// 挂死的连接必须失败并走重试策略，不能挂住轮询循环。
func NewHTTPInjector(cfg config.InjectConfig, log *zap.Logger) *HTTPInjector {
	return &HTTPInjector{
		url:      fmt.Sprintf("%s://%s:%d/inbox/", cfg.Scheme, cfg.Host, cfg.Port),
		username: cfg.Username,
		password: cfg.Password,
		client:   &http.Client{Timeout: 30 * time.Second},
		log:      log,
	}
}

// Inject 发送载荷；返回 nil 表示服务器已接受。
// 收到 401 时按质询计算 Authorization 并恰好重试一次。
func (in *HTTPInjector) Inject(ctx context.Context, organizer, attendee string, payload []byte) error {
	resp, err := in.post(ctx, payload, organizer, attendee, "")
	if err != nil {
		return &Error{Kind: KindTransient, Err: err}
	}

	if resp.status == http.StatusUnauthorized {
		authHeader, err := in.answerChallenge(resp.wwwAuthenticate, payload)
		if err != nil {
			in.log.Error("cannot answer authentication challenge",
				zap.String("url", in.url), zap.Error(err))
			return &Error{Kind: KindUnauthorized, Status: http.StatusUnauthorized}
		}

		resp, err = in.post(ctx, payload, organizer, attendee, authHeader)
		if err != nil {
			return &Error{Kind: KindTransient, Err: err}
		}
		if resp.status == http.StatusUnauthorized {
			// 第二次 401：不再有第三次尝试
			in.log.Error("authentication rejected by calendar server",
				zap.String("url", in.url), zap.String("username", in.username))
			return &Error{Kind: KindUnauthorized, Status: resp.status}
		}
	}

	if resp.status < 200 || resp.status > 299 {
		in.log.Error("calendar server rejected injected payload",
			zap.Int("status", resp.status),
			zap.String("body", resp.body))
		return &Error{Kind: KindRejected, Status: resp.status, Body: resp.body}
	}
	return nil
}

// answerChallenge 选择并应答质询；Digest 优先于 Basic
func (in *HTTPInjector) answerChallenge(wwwAuthenticate []string, payload []byte) (string, error) {
	if in.username == "" {
		return "", errors.New("calendar server requires authentication but no credentials are configured")
	}

	digest, basic := parseChallenges(wwwAuthenticate)
	if digest != nil {
		return digestAuthorization(digest, in.username, in.password, http.MethodPost, "/inbox/", payload)
	}
	if basic != nil {
		cred := base64.StdEncoding.EncodeToString([]byte(in.username + ":" + in.password))
		return "Basic " + cred, nil
	}
	return "", errors.New("challenge offers neither basic nor digest")
}

type postResult struct {
	status          int
	body            string
	wwwAuthenticate []string
}

func (in *HTTPInjector) post(ctx context.Context, payload []byte, organizer, attendee, authorization string) (*postResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, in.url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/calendar")
	req.Header.Set("Originator", attendee)
	req.Header.Set("Recipient", organizer)
	req.Header.Set("User-Agent", "iMIP gateway")
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}

	resp, err := in.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// 响应体只用于日志，截断即可
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &postResult{
		status:          resp.StatusCode,
		body:            string(body),
		wwwAuthenticate: resp.Header.Values("WWW-Authenticate"),
	}, nil
}
