// Package rewrite 从不可信的回复重建可信的调度载荷。
//
// 收到的日历体的 ORGANIZER/ATTENDEE 一律不可信：真实身份只来自
// 令牌表的查询结果，这里负责把载荷改写到这组真实身份上。
package rewrite

import (
	"fmt"

	"github.com/emersion/go-ical"
	"go.uber.org/zap"

	"imip/gateway/internal/ics"
)

// 退信注入时附加的调度状态（RFC 5546 REQUEST-STATUS）
const bounceRequestStatus = "5.1;Service unavailable"

// Reply 把回复载荷改写到真实身份：参与者收缩为恰好 attendee 一人，
// ORGANIZER 覆盖为真实组织者（缺失时补上——REPLY 按 RFC 2446 3.2.3
// 本应携带 ORGANIZER，但这里不强求）。
func Reply(raw []byte, organizer, attendee string, log *zap.Logger) (*ical.Calendar, error) {
	cal, err := ics.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("parse reply payload: %w", err)
	}

	ics.KeepOnlyAttendee(cal, attendee)

	if ics.OrganizerProp(cal) == nil {
		log.Warn("reply payload carries no organizer, adding one",
			zap.String("organizer", organizer))
	}
	ics.SetOrganizer(cal, organizer)
	return cal, nil
}

// Bounce 把退信里的日历体改写为对真实组织者的投递失败通知：
// 参与者收缩为投递失败的那一位，ORGANIZER 还原为真实组织者，
// 并在主事件组件上追加 REQUEST-STATUS "5.1;Service unavailable"。
func Bounce(raw []byte, organizer, attendee string, log *zap.Logger) (*ical.Calendar, error) {
	cal, err := ics.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("parse bounce payload: %w", err)
	}

	ics.KeepOnlyAttendee(cal, attendee)
	ics.SetOrganizer(cal, organizer)

	if !ics.AddRequestStatus(cal, bounceRequestStatus) {
		// 没有事件组件也继续注入，只是无处放状态属性
		log.Warn("bounce payload has no event component, skipping request-status")
	}
	return cal, nil
}
