package outbound

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"
)

// invitationKind 选择主题与正文模板：取消、新邀请、更新
type invitationKind int

const (
	kindNewInvitation invitationKind = iota
	kindUpdate
	kindCancellation
)

func (k invitationKind) subjectFormat() string {
	switch k {
	case kindCancellation:
		return "Event canceled: %s"
	case kindNewInvitation:
		return "Event invitation: %s"
	default:
		return "Event update: %s"
	}
}

func (k invitationKind) inviteLabel() string {
	switch k {
	case kindCancellation:
		return "Event Canceled"
	case kindNewInvitation:
		return "Event Invitation"
	default:
		return "Event Update"
	}
}

// messageData 是正文模板的渲染上下文。
// HTML 字段是服务端生成的标记，模板按原样输出。
type messageData struct {
	Subject        string
	InviteLabel    string
	Summary        string
	Location       string
	Description    string
	DateInfo       string
	TimeInfo       string
	DurationInfo   string
	RecurrenceInfo string
	PlainOrganizer string
	PlainAttendees string
	HTMLOrganizer  string
	HTMLAttendees  string
	IconName       string
}

const plainInviteTemplate = `{{.Subject}}

Organizer: {{.PlainOrganizer}}
Location: {{.Location}}
Date: {{.DateInfo}} {{.RecurrenceInfo}}
Time: {{.TimeInfo}} {{.DurationInfo}}
Description: {{.Description}}
Attendees: {{.PlainAttendees}}
`

const plainCancelTemplate = `{{.Subject}}

Organizer: {{.PlainOrganizer}}
Date: {{.DateInfo}} {{.RecurrenceInfo}}
Time: {{.TimeInfo}} {{.DurationInfo}}
`

const htmlInviteTemplate = `<html>
<body><div>
<p>{{.InviteLabel}}</p>
<img src="cid:{{.IconName}}" alt=""/>
<h1>{{.Summary}}</h1>
<p><h3>Organizer:</h3> {{.HTMLOrganizer}}</p>
<p><h3>Location:</h3> {{.Location}}</p>
<p><h3>Date:</h3> {{.DateInfo}} {{.RecurrenceInfo}}</p>
<p><h3>Time:</h3> {{.TimeInfo}} {{.DurationInfo}}</p>
<p><h3>Description:</h3> {{.Description}}</p>
<p><h3>Attendees:</h3> {{.HTMLAttendees}}</p>
</div></body>
</html>
`

const htmlCancelTemplate = `<html>
<body><div>
<h1>{{.Subject}}</h1>
<img src="cid:{{.IconName}}" alt=""/>
<p><h3>Organizer:</h3> {{.HTMLOrganizer}}</p>
<p><h3>Date:</h3> {{.DateInfo}} {{.RecurrenceInfo}}</p>
<p><h3>Time:</h3> {{.TimeInfo}} {{.DurationInfo}}</p>
</div></body>
</html>
`

// renderPlain 渲染纯文本正文
func renderPlain(kind invitationKind, data messageData) (string, error) {
	src := plainInviteTemplate
	if kind == kindCancellation {
		src = plainCancelTemplate
	}
	return render("plain", src, data)
}

// renderHTML 渲染 HTML 正文。templatesDir 非空且存在对应文件
// （invite.html / cancel.html）时用磁盘模板覆盖内置模板。
// 第二个返回值是最终使用的模板原文，调用方用它判断是否引用了图标。
func renderHTML(kind invitationKind, data messageData, templatesDir string) (body, source string, err error) {
	source = htmlInviteTemplate
	name := "invite.html"
	if kind == kindCancellation {
		source = htmlCancelTemplate
		name = "cancel.html"
	}

	if templatesDir != "" {
		path := filepath.Join(strings.TrimRight(templatesDir, "/"), name)
		if content, err := os.ReadFile(path); err == nil {
			source = string(content)
		}
	}

	body, err = render("html", source, data)
	return body, source, err
}

func render(name, src string, data messageData) (string, error) {
	tmpl, err := template.New(name).Parse(src)
	if err != nil {
		return "", fmt.Errorf("parse %s template: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s template: %w", name, err)
	}
	return buf.String(), nil
}

// iconPath 返回与事件匹配的图标文件路径，找不到时返回空串。
// 取消事件用 canceled.png；其余按日取 <月份缩写>/<日>.png，
// 回退到数字月份目录。图标缺失不是错误。
func iconPath(iconsDir string, canceled bool, month, day int) string {
	if iconsDir == "" {
		return ""
	}
	iconsDir = strings.TrimRight(iconsDir, "/")

	if canceled {
		path := filepath.Join(iconsDir, "canceled.png")
		if fileExists(path) {
			return path
		}
		return ""
	}

	if month < 1 || month > 12 || day < 1 {
		return ""
	}
	monthName := strings.ToLower(time.Month(month).String()[:3])
	iconName := fmt.Sprintf("%02d.png", day)

	path := filepath.Join(iconsDir, monthName, iconName)
	if fileExists(path) {
		return path
	}
	path = filepath.Join(iconsDir, fmt.Sprintf("%02d", month), iconName)
	if fileExists(path) {
		return path
	}
	return ""
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
