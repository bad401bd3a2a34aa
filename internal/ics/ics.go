// Package ics 封装网关需要的 iCalendar 对象操作。
//
// 网关不做完整的 iTIP 语义校验，只改写 ORGANIZER/ATTENDEE/REQUEST-STATUS
// 这几个与身份屏蔽相关的属性。
package ics

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"
)

// Decode 从字节流解析 iCalendar 对象
func Decode(data []byte) (*ical.Calendar, error) {
	cal, err := ical.NewDecoder(bytes.NewReader(data)).Decode()
	if err != nil {
		return nil, fmt.Errorf("decode calendar: %w", err)
	}
	return cal, nil
}

// Encode 序列化 iCalendar 对象
func Encode(cal *ical.Calendar) ([]byte, error) {
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, fmt.Errorf("encode calendar: %w", err)
	}
	return buf.Bytes(), nil
}

// Method 返回日历对象的 METHOD 属性值（如 REQUEST、REPLY、CANCEL）
func Method(cal *ical.Calendar) string {
	if p := cal.Props.Get(ical.PropMethod); p != nil {
		return strings.ToUpper(strings.TrimSpace(p.Value))
	}
	return ""
}

// UID 返回主事件组件的 UID
func UID(cal *ical.Calendar) string {
	comp := PrimaryComponent(cal)
	if comp == nil {
		return ""
	}
	if p := comp.Props.Get(ical.PropUID); p != nil {
		return p.Value
	}
	return ""
}

// PrimaryComponent 返回最合适的事件组件：
// 优先选不带 RECURRENCE-ID 的主组件，否则取第一个 VEVENT
func PrimaryComponent(cal *ical.Calendar) *ical.Component {
	var first *ical.Component
	for _, child := range cal.Children {
		if child.Name != ical.CompEvent {
			continue
		}
		if first == nil {
			first = child
		}
		if child.Props.Get(ical.PropRecurrenceID) == nil {
			return child
		}
	}
	return first
}

// OrganizerProp 返回第一个事件组件上的 ORGANIZER 属性，不存在时返回 nil
func OrganizerProp(cal *ical.Calendar) *ical.Prop {
	for _, child := range cal.Children {
		if child.Name != ical.CompEvent {
			continue
		}
		if p := child.Props.Get(ical.PropOrganizer); p != nil {
			return p
		}
	}
	return nil
}

// Organizer 返回 ORGANIZER 属性值，不存在时返回空串
func Organizer(cal *ical.Calendar) string {
	if p := OrganizerProp(cal); p != nil {
		return p.Value
	}
	return ""
}

// SetOrganizer 覆盖所有事件组件的 ORGANIZER 值；一个都没有时
// 在主组件上新增该属性
func SetOrganizer(cal *ical.Calendar, value string) {
	found := false
	for _, child := range cal.Children {
		if child.Name != ical.CompEvent {
			continue
		}
		if p := child.Props.Get(ical.PropOrganizer); p != nil {
			p.Value = value
			found = true
		}
	}
	if found {
		return
	}
	if comp := PrimaryComponent(cal); comp != nil {
		prop := ical.NewProp(ical.PropOrganizer)
		prop.Value = value
		comp.Props.Set(prop)
	}
}

// Attendee 描述一个日历参与者
type Attendee struct {
	CommonName string // CN 参数，可能为空
	Email      string // mailto: 地址的地址部分，可能为空
}

// IndividualAttendees 枚举 CUTYPE=INDIVIDUAL 的参与者，
// 提取显示名和 mailto 地址，供邮件正文渲染
func IndividualAttendees(cal *ical.Calendar) []Attendee {
	var out []Attendee
	for _, child := range cal.Children {
		if child.Name != ical.CompEvent {
			continue
		}
		for _, p := range child.Props.Values(ical.PropAttendee) {
			cutype := p.Params.Get("CUTYPE")
			if cutype != "" && cutype != "INDIVIDUAL" {
				continue
			}
			cn := p.Params.Get("CN")
			email := ""
			if addr := NormalizeAddress(p.Value); strings.HasPrefix(addr, "mailto:") {
				email = strings.TrimPrefix(addr, "mailto:")
			}
			if cn == "" {
				cn = email
			}
			if cn != "" || email != "" {
				out = append(out, Attendee{CommonName: cn, Email: email})
			}
		}
		// 参与者只在第一个事件组件上枚举一次
		break
	}
	return out
}

// AttendeeProp 返回值与 target 地址匹配的 ATTENDEE 属性
func AttendeeProp(cal *ical.Calendar, target string) *ical.Prop {
	want := NormalizeAddress(target)
	for _, child := range cal.Children {
		if child.Name != ical.CompEvent {
			continue
		}
		props := child.Props.Values(ical.PropAttendee)
		for i := range props {
			if NormalizeAddress(props[i].Value) == want {
				return &props[i]
			}
		}
	}
	return nil
}

// KeepOnlyAttendee 把所有事件组件的参与者列表收缩为恰好一个 target。
// 输入里存在匹配的 ATTENDEE 时保留它（连同参数），否则新造一个。
func KeepOnlyAttendee(cal *ical.Calendar, target string) {
	want := NormalizeAddress(target)
	for _, child := range cal.Children {
		if child.Name != ical.CompEvent {
			continue
		}
		var kept *ical.Prop
		for _, p := range child.Props.Values(ical.PropAttendee) {
			if NormalizeAddress(p.Value) == want {
				prop := p
				kept = &prop
				break
			}
		}
		if kept == nil {
			kept = ical.NewProp(ical.PropAttendee)
			kept.Value = target
		}
		child.Props.Del(ical.PropAttendee)
		child.Props.Add(kept)
	}
}

// AddRequestStatus 在第一个 VEVENT 上追加 REQUEST-STATUS 属性。
// 日历体里没有 VEVENT 时返回 false，调用方记录日志后继续。
func AddRequestStatus(cal *ical.Calendar, value string) bool {
	for _, child := range cal.Children {
		if child.Name == ical.CompEvent {
			prop := ical.NewProp(ical.PropRequestStatus)
			prop.Value = value
			child.Props.Add(prop)
			return true
		}
	}
	return false
}

// NormalizeAddress 归一化日历用户地址以便比较（小写 mailto 地址）
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(strings.ToLower(addr), "mailto:") {
		return "mailto:" + strings.ToLower(addr[len("mailto:"):])
	}
	return addr
}

// EventDetails 是渲染邮件正文需要的事件摘要信息
type EventDetails struct {
	Summary     string
	Description string
	Location    string
	DateInfo    string
	TimeInfo    string
	Duration    string
	Recurring   bool
	Month       int
	Day         int
}

// Details 从主事件组件提取渲染所需字段。DTSTART 解析失败不报错，
// 日期字段留空即可。
func Details(cal *ical.Calendar) EventDetails {
	var d EventDetails
	comp := PrimaryComponent(cal)
	if comp == nil {
		return d
	}

	d.Summary = propText(comp, ical.PropSummary)
	d.Description = propText(comp, ical.PropDescription)
	d.Location = propText(comp, ical.PropLocation)

	if start, err := comp.Props.DateTime(ical.PropDateTimeStart, time.UTC); err == nil && !start.IsZero() {
		d.Month = int(start.Month())
		d.Day = start.Day()
		d.DateInfo = start.Format("Monday, January 2, 2006")
		d.TimeInfo = start.Format("15:04 MST")
		if end, err := comp.Props.DateTime(ical.PropDateTimeEnd, time.UTC); err == nil && end.After(start) {
			d.Duration = end.Sub(start).String()
		}
	}

	for _, name := range []string{"RRULE", "RDATE", "EXRULE", "EXDATE", "RECURRENCE-ID"} {
		if comp.Props.Get(name) != nil {
			d.Recurring = true
			break
		}
	}
	return d
}

func propText(comp *ical.Component, name string) string {
	if p := comp.Props.Get(name); p != nil {
		return p.Value
	}
	return ""
}
