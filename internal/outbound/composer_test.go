package outbound

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"imip/gateway/internal/config"
	"imip/gateway/internal/ics"
	"imip/gateway/internal/token"
)

func newTestComposer(t *testing.T) *Composer {
	t.Helper()
	store, err := token.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	sending := config.SendingConfig{Address: "gateway@example.com"}
	return NewComposer(store, sending, "", "", zap.NewNop())
}

func requestCalendar(method string) []byte {
	return []byte(strings.ReplaceAll(fmt.Sprintf(`BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//Test//EN
METHOD:%s
BEGIN:VEVENT
UID:meeting-42
DTSTAMP:20260115T100000Z
DTSTART:20260301T140000Z
DTEND:20260301T150000Z
SUMMARY:Quarterly review
LOCATION:Room 4
ORGANIZER;CN=Alice Admin:mailto:alice@calendar.example.com
ATTENDEE;CN=Alice Admin;CUTYPE=INDIVIDUAL;PARTSTAT=ACCEPTED:mailto:alice@calendar.example.com
ATTENDEE;CN=Bob Outsider;CUTYPE=INDIVIDUAL;PARTSTAT=NEEDS-ACTION:mailto:bob@external.example.org
END:VEVENT
END:VCALENDAR
`, method), "\n", "\r\n"))
}

// findPart 递归展开 multipart，返回第一个匹配媒体类型的部件内容（已按
// Content-Transfer-Encoding 解码）及其头
func findPart(t *testing.T, header textprotoHeader, body io.Reader, mediaType string) ([]byte, map[string]string) {
	t.Helper()
	ct := header.Get("Content-Type")
	mt, params, err := mime.ParseMediaType(ct)
	require.NoError(t, err)

	if strings.HasPrefix(mt, "multipart/") {
		mr := multipart.NewReader(body, params["boundary"])
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				return nil, nil
			}
			require.NoError(t, err)
			if data, hdrs := findPart(t, part.Header, part, mediaType); data != nil {
				return data, hdrs
			}
		}
	}

	if mt != mediaType {
		return nil, nil
	}
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	if strings.EqualFold(header.Get("Content-Transfer-Encoding"), "base64") {
		decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(string(data), "\r\n", ""))
		require.NoError(t, err)
		data = decoded
	}
	hdrs := map[string]string{
		"Content-Type":        ct,
		"Content-Disposition": header.Get("Content-Disposition"),
		"Content-ID":          header.Get("Content-ID"),
	}
	return data, hdrs
}

type textprotoHeader interface {
	Get(key string) string
}

func parseMessage(t *testing.T, raw []byte) (*mail.Message, func(mediaType string) ([]byte, map[string]string)) {
	t.Helper()
	msg, err := mail.ReadMessage(strings.NewReader(string(raw)))
	require.NoError(t, err)
	return msg, func(mediaType string) ([]byte, map[string]string) {
		m, err := mail.ReadMessage(strings.NewReader(string(raw)))
		require.NoError(t, err)
		return findPart(t, m.Header, m.Body, mediaType)
	}
}

func TestComposeMasksOrganizer(t *testing.T) {
	c := newTestComposer(t)
	cal, err := ics.Decode(requestCalendar("REQUEST"))
	require.NoError(t, err)

	msg, err := c.Compose(context.Background(), "mailto:alice@calendar.example.com", "mailto:bob@external.example.org", cal)
	require.NoError(t, err)
	require.NotEmpty(t, msg.Token)
	assert.True(t, msg.NewInvitation)
	assert.Equal(t, "gateway@example.com", msg.EnvelopeFrom)
	assert.Equal(t, "bob@external.example.org", msg.EnvelopeTo)

	masked := "gateway+" + msg.Token + "@example.com"

	parsed, part := parseMessage(t, msg.Raw)
	assert.Equal(t, masked, parsed.Header.Get("Reply-To"))
	assert.Equal(t, "bob@external.example.org", parsed.Header.Get("To"))
	assert.Contains(t, parsed.Header.Get("From"), "alice@calendar.example.com")
	assert.Contains(t, parsed.Header.Get("From"), "Alice Admin")
	assert.NotEmpty(t, parsed.Header.Get("Message-ID"))

	// 附件里的 ORGANIZER 和组织者的 ATTENDEE 条目都换成掩码地址
	calBytes, hdrs := part("text/calendar")
	require.NotNil(t, calBytes)
	assert.Contains(t, hdrs["Content-Type"], "method=REQUEST")
	assert.Contains(t, hdrs["Content-Disposition"], "invitation.ics")

	rewritten, err := ics.Decode(calBytes)
	require.NoError(t, err)
	assert.Equal(t, "mailto:"+masked, ics.NormalizeAddress(ics.Organizer(rewritten)))
	require.NotNil(t, ics.AttendeeProp(rewritten, "mailto:"+masked))
	assert.Nil(t, ics.AttendeeProp(rewritten, "mailto:alice@calendar.example.com"))
	// 外部参与者保持不变
	require.NotNil(t, ics.AttendeeProp(rewritten, "mailto:bob@external.example.org"))
}

func TestComposeBodyParts(t *testing.T) {
	c := newTestComposer(t)
	cal, err := ics.Decode(requestCalendar("REQUEST"))
	require.NoError(t, err)

	msg, err := c.Compose(context.Background(), "mailto:alice@calendar.example.com", "mailto:bob@external.example.org", cal)
	require.NoError(t, err)

	_, part := parseMessage(t, msg.Raw)

	plain, _ := part("text/plain")
	require.NotNil(t, plain)
	assert.Contains(t, string(plain), "Event invitation: Quarterly review")
	assert.Contains(t, string(plain), "Alice Admin <alice@calendar.example.com>")
	assert.Contains(t, string(plain), "Bob Outsider <bob@external.example.org>")
	assert.Contains(t, string(plain), "Room 4")

	htmlBody, _ := part("text/html")
	require.NotNil(t, htmlBody)
	assert.Contains(t, string(htmlBody), "Quarterly review")
	assert.Contains(t, string(htmlBody), `mailto:bob@external.example.org`)
}

func TestComposeSubjectTracksInvitationState(t *testing.T) {
	c := newTestComposer(t)
	ctx := context.Background()

	cal, err := ics.Decode(requestCalendar("REQUEST"))
	require.NoError(t, err)
	first, err := c.Compose(ctx, "mailto:alice@calendar.example.com", "mailto:bob@external.example.org", cal)
	require.NoError(t, err)
	assert.True(t, first.NewInvitation)

	// 同一事件再次递交复用令牌，主题从邀请变为更新
	cal, err = ics.Decode(requestCalendar("REQUEST"))
	require.NoError(t, err)
	second, err := c.Compose(ctx, "mailto:alice@calendar.example.com", "mailto:bob@external.example.org", cal)
	require.NoError(t, err)
	assert.False(t, second.NewInvitation)
	assert.Equal(t, first.Token, second.Token)

	firstMsg, _ := parseMessage(t, first.Raw)
	secondMsg, _ := parseMessage(t, second.Raw)
	firstSubject, err := new(mime.WordDecoder).DecodeHeader(firstMsg.Header.Get("Subject"))
	require.NoError(t, err)
	secondSubject, err := new(mime.WordDecoder).DecodeHeader(secondMsg.Header.Get("Subject"))
	require.NoError(t, err)
	assert.Equal(t, "Event invitation: Quarterly review", firstSubject)
	assert.Equal(t, "Event update: Quarterly review", secondSubject)
}

func TestComposeCancellation(t *testing.T) {
	c := newTestComposer(t)
	cal, err := ics.Decode(requestCalendar("CANCEL"))
	require.NoError(t, err)

	msg, err := c.Compose(context.Background(), "mailto:alice@calendar.example.com", "mailto:bob@external.example.org", cal)
	require.NoError(t, err)

	parsed, part := parseMessage(t, msg.Raw)
	subject, err := new(mime.WordDecoder).DecodeHeader(parsed.Header.Get("Subject"))
	require.NoError(t, err)
	assert.Equal(t, "Event canceled: Quarterly review", subject)

	_, hdrs := part("text/calendar")
	assert.Contains(t, hdrs["Content-Type"], "method=CANCEL")
}

func TestComposeRejectsNonMailtoRecipient(t *testing.T) {
	c := newTestComposer(t)
	cal, err := ics.Decode(requestCalendar("REQUEST"))
	require.NoError(t, err)

	_, err = c.Compose(context.Background(), "mailto:alice@calendar.example.com", "urn:uuid:not-an-email", cal)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mailto")
}

func TestComposeNonMailtoOrganizerFallsBackToServerAddress(t *testing.T) {
	c := newTestComposer(t)
	raw := strings.Replace(string(requestCalendar("REQUEST")),
		"ORGANIZER;CN=Alice Admin:mailto:alice@calendar.example.com",
		"ORGANIZER:urn:uuid:E8E35E9C", 1)
	cal, err := ics.Decode([]byte(raw))
	require.NoError(t, err)

	msg, err := c.Compose(context.Background(), "urn:uuid:E8E35E9C", "mailto:bob@external.example.org", cal)
	require.NoError(t, err)

	parsed, _ := parseMessage(t, msg.Raw)
	from, err := mail.ParseAddress(parsed.Header.Get("From"))
	require.NoError(t, err)
	assert.Equal(t, "gateway@example.com", from.Address)
	assert.Equal(t, "Calendar Server", from.Name)
}

func TestComposeAttachesIconWhenTemplateReferencesIt(t *testing.T) {
	iconsDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(iconsDir, "mar"), 0o755))
	iconData := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}
	require.NoError(t, os.WriteFile(filepath.Join(iconsDir, "mar", "01.png"), iconData, 0o644))

	store, err := token.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	c := NewComposer(store, config.SendingConfig{Address: "gateway@example.com"}, iconsDir, "", zap.NewNop())

	cal, err := ics.Decode(requestCalendar("REQUEST"))
	require.NoError(t, err)
	msg, err := c.Compose(context.Background(), "mailto:alice@calendar.example.com", "mailto:bob@external.example.org", cal)
	require.NoError(t, err)

	_, part := parseMessage(t, msg.Raw)
	icon, hdrs := part("image/png")
	require.NotNil(t, icon)
	assert.Equal(t, iconData, icon)
	assert.Equal(t, "<01.png>", hdrs["Content-ID"])

	htmlBody, _ := part("text/html")
	assert.Contains(t, string(htmlBody), "cid:01.png")
}

func TestComposeTemplateOverride(t *testing.T) {
	templatesDir := t.TempDir()
	custom := "<html><body><p>CUSTOM {{.Summary}}</p></body></html>"
	require.NoError(t, os.WriteFile(filepath.Join(templatesDir, "invite.html"), []byte(custom), 0o644))

	store, err := token.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	c := NewComposer(store, config.SendingConfig{Address: "gateway@example.com"}, "", templatesDir, zap.NewNop())

	cal, err := ics.Decode(requestCalendar("REQUEST"))
	require.NoError(t, err)
	msg, err := c.Compose(context.Background(), "mailto:alice@calendar.example.com", "mailto:bob@external.example.org", cal)
	require.NoError(t, err)

	_, part := parseMessage(t, msg.Raw)
	htmlBody, _ := part("text/html")
	require.NotNil(t, htmlBody)
	assert.Contains(t, string(htmlBody), "CUSTOM Quarterly review")
}

func TestIconPathLookup(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "jan"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "02"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "jan", "05.png"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "02", "14.png"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "canceled.png"), []byte("x"), 0o644))

	assert.Equal(t, filepath.Join(dir, "jan", "05.png"), iconPath(dir, false, 1, 5))
	// 月份缩写目录缺失时回退到数字月份目录
	assert.Equal(t, filepath.Join(dir, "02", "14.png"), iconPath(dir, false, 2, 14))
	assert.Equal(t, filepath.Join(dir, "canceled.png"), iconPath(dir, true, 1, 5))
	assert.Equal(t, "", iconPath(dir, false, 3, 1))
	assert.Equal(t, "", iconPath("", false, 1, 5))
	assert.Equal(t, "", iconPath(dir, false, 0, 5))
}
