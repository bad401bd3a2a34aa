package rewrite

import (
	"testing"

	"github.com/emersion/go-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"imip/gateway/internal/ics"
)

const untrustedReply = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//Example//Calendar//EN\r\n" +
	"METHOD:REPLY\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:EVT-1\r\n" +
	"DTSTAMP:20260301T120000Z\r\n" +
	"ORGANIZER:mailto:spoofed@evil.example\r\n" +
	"ATTENDEE;PARTSTAT=ACCEPTED:mailto:b@y.com\r\n" +
	"ATTENDEE;PARTSTAT=DECLINED:mailto:stranger@evil.example\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func TestReplyRestoresIdentity(t *testing.T) {
	cal, err := Reply([]byte(untrustedReply), "mailto:a@x.com", "mailto:b@y.com", zap.NewNop())
	require.NoError(t, err)

	// 无论输入带多少参与者、什么组织者，重建结果只有查表得到的身份
	assert.Equal(t, "mailto:a@x.com", ics.Organizer(cal))
	atts := ics.PrimaryComponent(cal).Props.Values(ical.PropAttendee)
	require.Len(t, atts, 1)
	assert.Equal(t, "mailto:b@y.com", atts[0].Value)
	// 原参与者的参数保留（参与状态是回复的有效载荷）
	assert.Equal(t, "ACCEPTED", atts[0].Params.Get("PARTSTAT"))
}

func TestReplyAddsMissingOrganizer(t *testing.T) {
	raw := "BEGIN:VCALENDAR\r\n" +
		"VERSION:2.0\r\n" +
		"PRODID:-//Example//Calendar//EN\r\n" +
		"METHOD:REPLY\r\n" +
		"BEGIN:VEVENT\r\n" +
		"UID:EVT-1\r\n" +
		"DTSTAMP:20260301T120000Z\r\n" +
		"ATTENDEE;PARTSTAT=TENTATIVE:mailto:b@y.com\r\n" +
		"END:VEVENT\r\n" +
		"END:VCALENDAR\r\n"

	cal, err := Reply([]byte(raw), "mailto:a@x.com", "mailto:b@y.com", zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "mailto:a@x.com", ics.Organizer(cal))
}

func TestReplyMalformedPayload(t *testing.T) {
	_, err := Reply([]byte("BEGIN:VCALENDAR"), "mailto:a@x.com", "mailto:b@y.com", zap.NewNop())
	assert.Error(t, err)
}

func TestBounceAddsRequestStatus(t *testing.T) {
	cal, err := Bounce([]byte(untrustedReply), "mailto:a@x.com", "mailto:b@y.com", zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, "mailto:a@x.com", ics.Organizer(cal))
	atts := ics.PrimaryComponent(cal).Props.Values(ical.PropAttendee)
	require.Len(t, atts, 1)
	assert.Equal(t, "mailto:b@y.com", atts[0].Value)

	status := ics.PrimaryComponent(cal).Props.Get(ical.PropRequestStatus)
	require.NotNil(t, status)
	assert.Equal(t, "5.1;Service unavailable", status.Value)
}

func TestBounceWithoutEventComponent(t *testing.T) {
	raw := "BEGIN:VCALENDAR\r\n" +
		"VERSION:2.0\r\n" +
		"PRODID:-//Example//Calendar//EN\r\n" +
		"END:VCALENDAR\r\n"

	// 没有 VEVENT 也要能继续，只是没有状态属性可加
	cal, err := Bounce([]byte(raw), "mailto:a@x.com", "mailto:b@y.com", zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, ics.PrimaryComponent(cal))
}
