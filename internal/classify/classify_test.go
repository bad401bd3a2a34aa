package classify

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const calendarReply = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//Example//Calendar//EN\r\n" +
	"METHOD:REPLY\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:EVT-1\r\n" +
	"DTSTAMP:20260301T120000Z\r\n" +
	"ORGANIZER:mailto:server+tok123@gateway.example.com\r\n" +
	"ATTENDEE;PARTSTAT=ACCEPTED:mailto:b@y.com\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func replyMessage(to string, withCalendar bool) []byte {
	var b strings.Builder
	b.WriteString("From: Bob <b@y.com>\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Message-Id: <reply-1@y.com>\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: multipart/alternative; boundary=\"outer\"\r\n")
	b.WriteString("\r\n")
	b.WriteString("--outer\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString("Accepted.\r\n")
	if withCalendar {
		b.WriteString("--outer\r\n")
		b.WriteString("Content-Type: text/calendar; method=REPLY; charset=utf-8\r\n\r\n")
		b.WriteString(calendarReply)
	}
	b.WriteString("--outer--\r\n")
	return []byte(b.String())
}

func dsnMessage(action string, withCalendar bool) []byte {
	var b strings.Builder
	b.WriteString("From: Mail Delivery Subsystem <mailer-daemon@y.com>\r\n")
	b.WriteString("To: server@gateway.example.com\r\n")
	b.WriteString("Message-Id: <dsn-1@y.com>\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: multipart/report; report-type=delivery-status; boundary=\"rep\"\r\n")
	b.WriteString("\r\n")
	b.WriteString("--rep\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString("Delivery failed.\r\n")
	b.WriteString("--rep\r\n")
	b.WriteString("Content-Type: message/delivery-status\r\n\r\n")
	b.WriteString("Reporting-MTA: dns; y.com\r\n\r\n")
	b.WriteString("Final-Recipient: rfc822; b@y.com\r\n")
	if action != "" {
		b.WriteString("Action: " + action + "\r\n")
	}
	b.WriteString("Status: 5.1.1\r\n")
	if withCalendar {
		b.WriteString("--rep\r\n")
		b.WriteString("Content-Type: message/rfc822\r\n\r\n")
		b.WriteString("From: server+tok123@gateway.example.com\r\n")
		b.WriteString("To: b@y.com\r\n")
		b.WriteString("MIME-Version: 1.0\r\n")
		b.WriteString("Content-Type: text/calendar; method=REQUEST; charset=utf-8\r\n\r\n")
		b.WriteString(calendarReply)
	}
	b.WriteString("--rep--\r\n")
	return []byte(b.String())
}

func TestClassifyReply(t *testing.T) {
	msg := Classify(replyMessage("calendar+tok123@example.com", true))
	assert.Equal(t, KindReply, msg.Kind)
	assert.Equal(t, "tok123", msg.Token)
	assert.Contains(t, string(msg.Calendar), "METHOD:REPLY")
	assert.Equal(t, "<reply-1@y.com>", msg.MessageID)
}

func TestClassifyReplyWithDisplayName(t *testing.T) {
	msg := Classify(replyMessage("\"Calendar Gateway\" <calendar+tok123@example.com>", true))
	assert.Equal(t, KindReply, msg.Kind)
	assert.Equal(t, "tok123", msg.Token)
}

func TestClassifyReplyWithMultipleRecipients(t *testing.T) {
	// 令牌地址混在多个收件人里也要被找到
	msg := Classify(replyMessage("other@y.com, \"Calendar Gateway\" <calendar+tok123@example.com>", true))
	assert.Equal(t, KindReply, msg.Kind)
	assert.Equal(t, "tok123", msg.Token)
}

func TestClassifyReplyWithoutTokenAddress(t *testing.T) {
	msg := Classify(replyMessage("calendar@example.com", true))
	assert.Equal(t, KindUnusable, msg.Kind)
}

func TestClassifyReplyWithoutCalendar(t *testing.T) {
	msg := Classify(replyMessage("calendar+tok123@example.com", false))
	assert.Equal(t, KindUnusable, msg.Kind)
}

func TestClassifyBounce(t *testing.T) {
	msg := Classify(dsnMessage("failed", true))
	require.Equal(t, KindBounce, msg.Kind)
	assert.Equal(t, "failed", msg.BounceAction)
	assert.NotEmpty(t, msg.Calendar)
	// 令牌从日历体里被改写过的 ORGANIZER 找回
	assert.Equal(t, "tok123", msg.Token)
}

func TestClassifyBounceWithoutCalendar(t *testing.T) {
	msg := Classify(dsnMessage("failed", false))
	assert.Equal(t, KindUnusable, msg.Kind)
	assert.Equal(t, "failed", msg.BounceAction)
}

func TestClassifyBounceDelayedAction(t *testing.T) {
	// Action: delayed 的 DSN 不可处理
	msg := Classify(dsnMessage("delayed", true))
	assert.Equal(t, KindUnusable, msg.Kind)
	assert.Equal(t, "delayed", msg.BounceAction)
}

func TestClassifyGarbage(t *testing.T) {
	assert.Equal(t, KindUnusable, Classify([]byte("not a mime message")).Kind)
	assert.Equal(t, KindUnusable, Classify(nil).Kind)
}

func TestClassifyTruncatedMultipart(t *testing.T) {
	raw := replyMessage("calendar+tok123@example.com", true)
	msg := Classify(raw[:len(raw)/3])
	assert.Equal(t, KindUnusable, msg.Kind)
}

func TestExtractToken(t *testing.T) {
	cases := map[string]string{
		"server+abc@example.com":        "abc",
		"mailto:server+abc@example.com": "abc",
		"MAILTO:server+abc@example.com": "abc",
		"server@example.com":            "",
		"server+@example.com":           "",
		"server+a+b@example.com":        "",
		"server+abc@ex@ample.com":       "",
		"":                              "",
	}
	for in, want := range cases {
		assert.Equal(t, want, ExtractToken(in), in)
	}
}

func TestExtractActionFirstWins(t *testing.T) {
	text := []byte("Reporting-MTA: dns; y.com\nACTION: Failed\nAction: delayed\n")
	assert.Equal(t, "failed", extractAction(text))
}
