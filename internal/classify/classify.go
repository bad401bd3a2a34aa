// Package classify 把到达的 MIME 邮件分类为调度回复、退信（DSN）或不可用输入。
//
// 分类器对输入零信任：任何解析失败都归为 Unusable，单条畸形邮件
// 不允许中断整批处理。
package classify

import (
	"bytes"
	"io"
	"net/mail"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset" // 注册非 UTF-8 字符集解码

	"imip/gateway/internal/ics"
)

// Kind 分类结果
type Kind int

const (
	// KindUnusable 无法处理的输入：记录日志后丢弃
	KindUnusable Kind = iota
	// KindReply 带令牌地址和日历体的调度回复
	KindReply
	// KindBounce 投递失败通知（Action: failed 且带日历体）
	KindBounce
)

// String 返回分类名
func (k Kind) String() string {
	switch k {
	case KindReply:
		return "reply"
	case KindBounce:
		return "bounce"
	default:
		return "unusable"
	}
}

// Message 是一封已分类的邮件，只在管道内短暂存在，从不落盘
type Message struct {
	Kind         Kind
	Token        string // 从掩码地址提取的令牌；退信时来自日历体的 ORGANIZER
	Calendar     []byte // text/calendar 部分的内容
	BounceAction string // DSN 的 Action 字段（如 "failed"）
	MessageID    string // 原始 Message-Id，用于日志
	From         string
	To           string
}

// Classify 检查一封原始邮件并给出分类。
// 永不返回错误：一切失败路径都收敛到 KindUnusable。
func Classify(raw []byte) (msg *Message) {
	msg = &Message{Kind: KindUnusable}

	// 解析库对恶意输入的 panic 也必须归为 Unusable
	defer func() {
		if r := recover(); r != nil {
			msg = &Message{Kind: KindUnusable}
		}
	}()

	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return msg
	}

	msg.MessageID = entity.Header.Get("Message-Id")
	msg.From = entity.Header.Get("From")
	msg.To = entity.Header.Get("To")

	var (
		haveReport         bool
		haveDeliveryStatus bool
		deliveryStatusText []byte
		calBody            []byte
	)

	if err := walk(entity, func(mediaType string, body io.Reader) error {
		switch {
		case mediaType == "multipart/report":
			haveReport = true
		case mediaType == "message/delivery-status":
			haveDeliveryStatus = true
			if body != nil {
				deliveryStatusText, _ = io.ReadAll(body)
			}
		case mediaType == "text/calendar":
			if body != nil && calBody == nil {
				calBody, _ = io.ReadAll(body)
			}
		}
		return nil
	}); err != nil {
		return msg
	}

	if haveReport && haveDeliveryStatus {
		// 看起来是一份 DSN
		msg.BounceAction = extractAction(deliveryStatusText)
		if msg.BounceAction != "failed" || calBody == nil {
			// 信息不足以采取动作的退信
			return msg
		}
		msg.Kind = KindBounce
		msg.Calendar = calBody
		// 退信回到服务器的原始地址而非 plus 地址，
		// 令牌只能从日历体里被改写过的 ORGANIZER 找回
		if cal, err := ics.Decode(calBody); err == nil {
			msg.Token = ExtractToken(ics.Organizer(cal))
		}
		return msg
	}

	// 非 DSN：按调度回复处理，令牌在收件地址的本地部分里。
	// To 可能列多个收件人，取第一个带令牌形状的地址
	token := ""
	if addrs, err := mail.ParseAddressList(msg.To); err == nil {
		for _, addr := range addrs {
			if token = ExtractToken(addr.Address); token != "" {
				break
			}
		}
	}
	if token == "" {
		return msg
	}
	if calBody == nil {
		return msg
	}

	msg.Kind = KindReply
	msg.Token = token
	msg.Calendar = calBody
	return msg
}

// ExtractToken 从 "local+token@domain" 形式的地址提取令牌，
// 不符合该形式时返回空串。接受带 mailto: 前缀的日历地址。
func ExtractToken(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(strings.ToLower(addr), "mailto:") {
		addr = addr[len("mailto:"):]
	}
	atParts := strings.Split(addr, "@")
	if len(atParts) != 2 {
		return ""
	}
	plusParts := strings.Split(atParts[0], "+")
	if len(plusParts) != 2 || plusParts[1] == "" {
		return ""
	}
	return plusParts[1]
}

// extractAction 从 delivery-status 文本里取第一个 Action: 字段的值
// （大小写不敏感，取冒号后的第一个词）
func extractAction(statusText []byte) string {
	for _, line := range strings.Split(string(statusText), "\n") {
		lower := strings.ToLower(strings.TrimSpace(line))
		if rest, ok := strings.CutPrefix(lower, "action:"); ok {
			fields := strings.Fields(rest)
			if len(fields) > 0 {
				return fields[0]
			}
			return ""
		}
	}
	return ""
}

// walk 深度优先遍历 MIME 树，对复合节点和叶子节点都调用 visit。
// 复合节点的 body 为 nil。
func walk(entity *message.Entity, visit func(mediaType string, body io.Reader) error) error {
	mediaType, _, err := entity.Header.ContentType()
	if err != nil {
		mediaType = "text/plain"
	}
	mediaType = strings.ToLower(mediaType)

	if mr := entity.MultipartReader(); mr != nil {
		if err := visit(mediaType, nil); err != nil {
			return err
		}
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
			if err := walk(part, visit); err != nil {
				return err
			}
		}
		return nil
	}

	// DSN 把原始邮件嵌在 message/rfc822 里，日历体可能藏在其中
	if mediaType == "message/rfc822" || mediaType == "message/global" {
		if err := visit(mediaType, nil); err != nil {
			return err
		}
		inner, err := message.Read(entity.Body)
		if err != nil && !message.IsUnknownCharset(err) {
			return nil
		}
		return walk(inner, visit)
	}
	return visit(mediaType, entity.Body)
}
