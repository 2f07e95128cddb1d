package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/chats"
	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/events"
	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/placemigration"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	userIDContextKey       = "gravity_chat_user_id"
	defaultStreamHeartbeat = 25 * time.Second
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingUserResolver     = errors.New("user resolver dependency required")
	errMissingChatBackend      = errors.New("chat backend dependency required")
	errMissingChatCopier       = errors.New("chat copier dependency required")
	errMissingStream           = errors.New("event stream dependency required")
)

type SessionValidator interface {
	Authenticate(r *http.Request) (auth.Principal, error)
}

type UserResolver interface {
	ResolveUserID(ctx context.Context, principal auth.Principal) (string, error)
}

// ChatCopier copies chats into places. *placemigration.Engine implements it.
type ChatCopier interface {
	CopyChat(ctx context.Context, command placemigration.CopyChatCommand) (placemigration.CopyChatResult, error)
	PublishCopiedChat(ctx context.Context, chatID chats.ChatID) (chats.Chat, error)
}

type Dependencies struct {
	Sessions        SessionValidator
	Users           UserResolver
	Chats           *chats.Backend
	Copier          ChatCopier
	Stream          *events.Dispatcher
	StreamHeartbeat time.Duration
	Logger          *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Users == nil {
		return nil, errMissingUserResolver
	}
	if deps.Chats == nil {
		return nil, errMissingChatBackend
	}
	if deps.Copier == nil {
		return nil, errMissingChatCopier
	}
	if deps.Stream == nil {
		return nil, errMissingStream
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.StreamHeartbeat
	if heartbeat <= 0 {
		heartbeat = defaultStreamHeartbeat
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		sessions:  deps.Sessions,
		users:     deps.Users,
		chats:     deps.Chats,
		copier:    deps.Copier,
		stream:    deps.Stream,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	protected := router.Group("/chats/:chatId")
	protected.Use(handler.authorizeRequest, handler.resolveChatID)
	protected.GET("", handler.handleGetChat)
	protected.GET("/entries/:kind/range", handler.handleGetIDRange)
	protected.GET("/entries/:kind/count", handler.handleGetEntryCount)
	protected.GET("/entries/:kind/tile", handler.handleGetTile)
	protected.POST("/entries/:kind", handler.handleChangeEntry)
	protected.POST("/copy", handler.handleCopyChat)
	protected.POST("/publish", handler.handlePublishCopiedChat)
	protected.GET("/stream", handler.handleStream)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	sessions  SessionValidator
	users     UserResolver
	chats     *chats.Backend
	copier    ChatCopier
	stream    *events.Dispatcher
	heartbeat time.Duration
	logger    *zap.Logger
}

// authorizeRequest accepts a bearer header, the session cookie, or an
// access_token query parameter for EventSource clients.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	principal, err := h.sessions.Authenticate(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, err := h.users.ResolveUserID(c.Request.Context(), principal)
	if err != nil {
		h.logger.Warn("user resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}
