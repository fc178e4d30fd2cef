package handler

import (
	"io"

	"github.com/gin-gonic/gin"
)

// StreamEvents handles GET /api/v1/events
// Subscribes the connection to the broadcaster and streams events as
// server-sent frames until the client disconnects or the stream idles
// out. Heartbeat frames keep the transport alive between events.
func (h *EventHandler) StreamEvents(c *gin.Context) {
	sub := h.events.Subscribe()
	defer h.events.Unsubscribe(sub)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	stream := h.events.Stream(c.Request.Context(), sub, h.heartbeatInterval, h.idleTimeout)

	clientIP := c.ClientIP()
	h.logger.Info("Event stream opened", "ip", clientIP)

	c.Stream(func(w io.Writer) bool {
		event, ok := <-stream
		if !ok {
			return false
		}
		c.SSEvent("message", event)
		return true
	})

	h.logger.Info("Event stream closed", "ip", clientIP)
}
