package outbound

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"html"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"imip/gateway/internal/config"
	"imip/gateway/internal/ics"
	"imip/gateway/internal/token"
)

// defaultOrganizerCN 在组织者地址缺少 CN 参数时作为发件显示名
const defaultOrganizerCN = "Calendar Server"

// Message 是渲染完成、待投递的邀请邮件
type Message struct {
	MessageID     string // 不含尖括号的 Message-ID
	EnvelopeFrom  string // SMTP MAIL FROM 地址
	EnvelopeTo    string // SMTP RCPT TO 地址
	Raw           []byte // 完整的 RFC 5322 报文
	Token         string // 本次邀请绑定的回复令牌
	NewInvitation bool   // 令牌是否为本次新建
}

// Composer 把日历服务器递交的邀请渲染为发给外部参与者的
// multipart 邮件，并把组织者地址改写为带令牌的网关地址
type Composer struct {
	tokens       *token.Store
	sending      config.SendingConfig
	iconsDir     string
	templatesDir string
	log          *zap.Logger
	now          func() time.Time
}

func NewComposer(tokens *token.Store, sending config.SendingConfig, iconsDir, templatesDir string, log *zap.Logger) *Composer {
	return &Composer{
		tokens:       tokens,
		sending:      sending,
		iconsDir:     iconsDir,
		templatesDir: templatesDir,
		log:          log,
		now:          time.Now,
	}
}

// Compose 为 originator（组织者）发给 recipient（参与者）的邀请生成邮件。
//
// 组织者/参与者/UID 三元组换取回复令牌，令牌拼进网关发件地址的本地部分
// （local+token@domain），该掩码地址同时写入日历的 ORGANIZER、
// 组织者自身的 ATTENDEE 条目以及邮件的 Reply-To 头。参与者直接回复
// 时令牌随地址回流，入站侧据此还原原始组织者。
func (c *Composer) Compose(ctx context.Context, originator, recipient string, cal *ical.Calendar) (*Message, error) {
	comp := ics.PrimaryComponent(cal)
	if comp == nil {
		return nil, fmt.Errorf("calendar has no event component")
	}
	uid := ics.UID(cal)
	if uid == "" {
		return nil, fmt.Errorf("calendar event has no UID")
	}

	organizer := ics.NormalizeAddress(originator)
	attendee := ics.NormalizeAddress(recipient)
	if !strings.HasPrefix(attendee, "mailto:") {
		return nil, fmt.Errorf("recipient %q is not a mailto address", recipient)
	}

	tok, created, err := c.tokens.GetOrCreate(ctx, organizer, attendee, uid)
	if err != nil {
		return nil, fmt.Errorf("obtain reply token: %w", err)
	}

	serverAddress, err := parseServerAddress(c.sending.Address)
	if err != nil {
		return nil, err
	}
	masked, err := maskedAddress(serverAddress, tok)
	if err != nil {
		return nil, err
	}

	// 渲染正文所需的参与者名单在改写前采集
	attendees := ics.IndividualAttendees(cal)
	orgCN := ""
	if p := ics.OrganizerProp(cal); p != nil {
		orgCN = p.Params.Get("CN")
	}

	// 掩码改写：ORGANIZER 与组织者自身的 ATTENDEE 条目都换成网关地址
	ics.SetOrganizer(cal, "mailto:"+masked)
	if p := ics.AttendeeProp(cal, organizer); p != nil {
		p.Value = "mailto:" + masked
	}

	// From 优先用组织者的真实地址；组织者不是 mailto 形式
	// （如 urn:uuid 主体）时退回网关地址
	orgEmail := strings.TrimPrefix(organizer, "mailto:")
	fromAddr := serverAddress
	if strings.HasPrefix(organizer, "mailto:") {
		fromAddr = orgEmail
	}
	if orgCN == "" {
		orgCN = defaultOrganizerCN
	}
	from := (&mail.Address{Name: orgCN, Address: fromAddr}).String()

	method := ics.Method(cal)
	kind := kindUpdate
	switch {
	case strings.EqualFold(method, "CANCEL"):
		kind = kindCancellation
	case created:
		kind = kindNewInvitation
	}

	details := ics.Details(cal)
	subject := fmt.Sprintf(kind.subjectFormat(), details.Summary)

	iconName, iconBytes := c.loadIcon(kind == kindCancellation, details.Month, details.Day)

	data := messageData{
		Subject:        subject,
		InviteLabel:    kind.inviteLabel(),
		Summary:        details.Summary,
		Location:       details.Location,
		Description:    details.Description,
		DateInfo:       details.DateInfo,
		TimeInfo:       details.TimeInfo,
		DurationInfo:   details.Duration,
		PlainOrganizer: formatAttendeePlain(orgCN, orgEmail),
		HTMLOrganizer:  formatAttendeeHTML(orgCN, orgEmail),
		IconName:       iconName,
	}
	if details.Recurring {
		data.RecurrenceInfo = "(Repeating)"
	}
	var plainParts, htmlParts []string
	for _, a := range attendees {
		plainParts = append(plainParts, formatAttendeePlain(a.CommonName, a.Email))
		htmlParts = append(htmlParts, formatAttendeeHTML(a.CommonName, a.Email))
	}
	data.PlainAttendees = strings.Join(plainParts, ", ")
	data.HTMLAttendees = strings.Join(htmlParts, ", ")

	plainBody, err := renderPlain(kind, data)
	if err != nil {
		return nil, err
	}
	htmlBody, htmlSource, err := renderHTML(kind, data, c.templatesDir)
	if err != nil {
		return nil, err
	}
	// 图标只在模板确实引用它时附带
	if iconName != "" && !strings.Contains(htmlSource, "cid:") {
		iconName, iconBytes = "", nil
	}

	calBytes, err := ics.Encode(cal)
	if err != nil {
		return nil, fmt.Errorf("encode rewritten calendar: %w", err)
	}

	msgID := fmt.Sprintf("%s@%s", uuid.NewString(), domainOf(serverAddress))
	toAddr := strings.TrimPrefix(attendee, "mailto:")

	raw, err := c.renderMIME(mimeInput{
		from:      from,
		replyTo:   masked,
		to:        toAddr,
		subject:   subject,
		messageID: msgID,
		plainBody: plainBody,
		htmlBody:  htmlBody,
		iconName:  iconName,
		iconData:  iconBytes,
		calendar:  calBytes,
		method:    method,
	})
	if err != nil {
		return nil, err
	}

	return &Message{
		MessageID:     msgID,
		EnvelopeFrom:  serverAddress,
		EnvelopeTo:    toAddr,
		Raw:           raw,
		Token:         tok,
		NewInvitation: created,
	}, nil
}

func (c *Composer) loadIcon(canceled bool, month, day int) (string, []byte) {
	path := iconPath(c.iconsDir, canceled, month, day)
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		c.log.Warn("failed to read invitation icon", zap.String("path", path), zap.Error(err))
		return "", nil
	}
	return filepath.Base(path), data
}

type mimeInput struct {
	from      string
	replyTo   string
	to        string
	subject   string
	messageID string
	plainBody string
	htmlBody  string
	iconName  string
	iconData  []byte
	calendar  []byte
	method    string
}

// renderMIME 生成 multipart/mixed 报文：
//
//	mixed
//	├── alternative
//	│   ├── text/plain
//	│   └── related
//	│       ├── text/html
//	│       └── image/png   （可选的内嵌图标）
//	└── text/calendar       （invitation.ics 附件）
func (c *Composer) renderMIME(in mimeInput) ([]byte, error) {
	var buf bytes.Buffer

	mixed := multipart.NewWriter(&buf)
	encoder := mime.QEncoding

	fmt.Fprintf(&buf, "From: %s\r\n", in.from)
	fmt.Fprintf(&buf, "Reply-To: %s\r\n", in.replyTo)
	fmt.Fprintf(&buf, "To: %s\r\n", in.to)
	fmt.Fprintf(&buf, "Subject: %s\r\n", encoder.Encode("utf-8", in.subject))
	fmt.Fprintf(&buf, "Date: %s\r\n", c.now().UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "Message-ID: <%s>\r\n", in.messageID)
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n", mixed.Boundary())
	fmt.Fprintf(&buf, "\r\n")

	alt, err := nestedPart(mixed, "multipart/alternative")
	if err != nil {
		return nil, err
	}
	if err := writeTextPart(alt, "text/plain", in.plainBody); err != nil {
		return nil, err
	}

	related, err := nestedPart(alt, "multipart/related")
	if err != nil {
		return nil, err
	}
	if err := writeTextPart(related, "text/html", in.htmlBody); err != nil {
		return nil, err
	}
	if in.iconName != "" && len(in.iconData) > 0 {
		hdr := textproto.MIMEHeader{}
		hdr.Set("Content-Type", fmt.Sprintf("image/png; name=%q", in.iconName))
		hdr.Set("Content-Transfer-Encoding", "base64")
		hdr.Set("Content-ID", fmt.Sprintf("<%s>", in.iconName))
		hdr.Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", in.iconName))
		part, err := related.CreatePart(hdr)
		if err != nil {
			return nil, err
		}
		if err := writeBase64(part, in.iconData); err != nil {
			return nil, err
		}
	}
	if err := related.Close(); err != nil {
		return nil, err
	}
	if err := alt.Close(); err != nil {
		return nil, err
	}

	calHdr := textproto.MIMEHeader{}
	calHdr.Set("Content-Type", fmt.Sprintf("text/calendar; charset=utf-8; method=%s", in.method))
	calHdr.Set("Content-Transfer-Encoding", "base64")
	calHdr.Set("Content-ID", "<invitation.ics>")
	calHdr.Set("Content-Disposition", `inline; filename="invitation.ics"`)
	calPart, err := mixed.CreatePart(calHdr)
	if err != nil {
		return nil, err
	}
	if err := writeBase64(calPart, in.calendar); err != nil {
		return nil, err
	}

	if err := mixed.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// nestedPart 在 parent 下创建一个子 multipart 容器
func nestedPart(parent *multipart.Writer, mediaType string) (*multipart.Writer, error) {
	boundary := strings.ReplaceAll(uuid.NewString(), "-", "")
	part, err := parent.CreatePart(textproto.MIMEHeader{
		"Content-Type": {fmt.Sprintf("%s; boundary=%q", mediaType, boundary)},
	})
	if err != nil {
		return nil, err
	}
	w := multipart.NewWriter(part)
	if err := w.SetBoundary(boundary); err != nil {
		return nil, err
	}
	return w, nil
}

func writeTextPart(parent *multipart.Writer, mediaType, body string) error {
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Type", mediaType+"; charset=utf-8")
	hdr.Set("Content-Transfer-Encoding", "base64")
	part, err := parent.CreatePart(hdr)
	if err != nil {
		return err
	}
	return writeBase64(part, []byte(body))
}

// writeBase64 按 76 列折行输出 base64 编码内容
func writeBase64(w io.Writer, data []byte) error {
	encoded := base64.StdEncoding.EncodeToString(data)
	for len(encoded) > 0 {
		n := 76
		if len(encoded) < n {
			n = len(encoded)
		}
		if _, err := io.WriteString(w, encoded[:n]); err != nil {
			return err
		}
		if _, err := io.WriteString(w, "\r\n"); err != nil {
			return err
		}
		encoded = encoded[n:]
	}
	return nil
}

// parseServerAddress 从配置的发件地址中提取裸地址，允许带显示名
func parseServerAddress(address string) (string, error) {
	parsed, err := mail.ParseAddress(address)
	if err != nil {
		return "", fmt.Errorf("invalid sending address %q: %w", address, err)
	}
	return parsed.Address, nil
}

// maskedAddress 把令牌以 +token 形式拼进发件地址的本地部分
func maskedAddress(serverAddress, tok string) (string, error) {
	at := strings.LastIndex(serverAddress, "@")
	if at <= 0 {
		return "", fmt.Errorf("sending address %q has no local part", serverAddress)
	}
	return fmt.Sprintf("%s+%s%s", serverAddress[:at], tok, serverAddress[at:]), nil
}

func domainOf(address string) string {
	if at := strings.LastIndex(address, "@"); at >= 0 {
		return address[at+1:]
	}
	return address
}

func formatAttendeePlain(cn, email string) string {
	switch {
	case cn != "" && email != "":
		return fmt.Sprintf("%s <%s>", cn, email)
	case email != "":
		return email
	default:
		return cn
	}
}

func formatAttendeeHTML(cn, email string) string {
	if email != "" {
		label := cn
		if label == "" {
			label = email
		}
		return fmt.Sprintf(`<a href="mailto:%s">%s</a>`, html.EscapeString(email), html.EscapeString(label))
	}
	return html.EscapeString(cn)
}
