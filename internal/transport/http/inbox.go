package httptransport

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"imip/gateway/internal/gateway"
)

const landingPage = `<html>
<head><title>iMIP Gateway</title></head>
<body>
<h1>iMIP Gateway</h1>
<p>This service relays calendar invitations over email. POST scheduling
messages to <a href="/inbox">/inbox</a>.</p>
</body>
</html>
`

const inboxPage = `<html>
<head><title>iMIP Gateway Inbox</title></head>
<body>
<h1>Scheduling Inbox</h1>
<p>POST an iCalendar body here with Originator and Recipient headers to
send an invitation to an external attendee.</p>
</body>
</html>
`

type inboxHandler struct {
	handler *gateway.Handler
	log     *zap.Logger
}

func newInboxHandler(handler *gateway.Handler, log *zap.Logger) *inboxHandler {
	return &inboxHandler{handler: handler, log: log}
}

func (h *inboxHandler) landing(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(landingPage))
}

func (h *inboxHandler) inboxLanding(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(inboxPage))
}

// submit 处理日历服务器的直接递交：Originator/Recipient 头标识
// 组织者和外部参与者，请求体是 iCalendar 调度消息
func (h *inboxHandler) submit(c *gin.Context) {
	originator := strings.TrimSpace(c.GetHeader("Originator"))
	recipient := strings.TrimSpace(c.GetHeader("Recipient"))
	if originator == "" || recipient == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Originator and Recipient headers are required",
		})
		return
	}

	if ct := c.ContentType(); ct != "" && ct != "text/calendar" {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{
			"error": "body must be text/calendar",
		})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}
	if len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request body is empty"})
		return
	}

	if err := h.handler.Outbound(c.Request.Context(), originator, recipient, body); err != nil {
		h.log.Warn("submission rejected",
			zap.String("originator", originator),
			zap.String("recipient", recipient),
			zap.Error(err),
		)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "queued",
		"recipient": recipient,
	})
}
