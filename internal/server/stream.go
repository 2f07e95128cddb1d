package server

import (
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/chats"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	streamEventReady     = "ready"
	streamEventHeartbeat = "heartbeat"
	streamSourceBackend  = "gravity-chat-backend"
)

// handleStream relays the chat's events as server-sent events until the
// client disconnects.
func (h *httpHandler) handleStream(c *gin.Context) {
	if _, ok := h.requireRules(c, chats.PermissionRead); !ok {
		return
	}
	ctx := c.Request.Context()
	chatID := chatIDFrom(c)
	stream, cleanup := h.stream.Subscribe(ctx, chatID.String())
	defer cleanup()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.SSEvent(streamEventReady, gin.H{"chat_id": chatID.String(), "source": streamSourceBackend})
	c.Writer.Flush()

	h.logger.Debug("chat stream opened", zap.String("chat_id", chatID.String()))
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case envelope, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(envelope.Type, envelope)
			return true
		case now := <-ticker.C:
			c.SSEvent(streamEventHeartbeat, gin.H{"at": now.UTC(), "source": streamSourceBackend})
			return true
		}
	})
	h.logger.Debug("chat stream closed", zap.String("chat_id", chatID.String()))
}
