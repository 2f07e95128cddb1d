package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/chats"
	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/placemigration"
	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/tiles"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const chatIDContextKey = "gravity_chat_chat_id"

type chatPayload struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Title      string `json:"title"`
	IsPublic   bool   `json:"is_public"`
	IsArchived bool   `json:"is_archived"`
	MediaID    string `json:"media_id,omitempty"`
	Version    int64  `json:"version"`
}

type rulesPayload struct {
	AuthorID    string `json:"author_id,omitempty"`
	Permissions string `json:"permissions"`
	IsOwner     bool   `json:"is_owner"`
}

type getChatResponse struct {
	Chat  chatPayload  `json:"chat"`
	Rules rulesPayload `json:"rules"`
}

type attachmentPayload struct {
	MediaID          string `json:"media_id"`
	ThumbnailMediaID string `json:"thumbnail_media_id,omitempty"`
}

type entryPayload struct {
	ID                  string              `json:"id"`
	LocalID             int64               `json:"local_id"`
	Version             int64               `json:"version"`
	AuthorID            string              `json:"author_id"`
	Content             string              `json:"content"`
	BeginsAt            time.Time           `json:"begins_at"`
	EndsAt              *time.Time          `json:"ends_at,omitempty"`
	IsRemoved           bool                `json:"is_removed,omitempty"`
	IsStreaming         bool                `json:"is_streaming,omitempty"`
	RepliedEntryLocalID *int64              `json:"replied_entry_local_id,omitempty"`
	LinkPreviewID       string              `json:"link_preview_id,omitempty"`
	HasReactions        bool                `json:"has_reactions,omitempty"`
	Attachments         []attachmentPayload `json:"attachments,omitempty"`
}

type rangeQuery struct {
	Start          *int64 `form:"start"`
	End            *int64 `form:"end"`
	IncludeRemoved bool   `form:"include_removed"`
}

type changeEntryRequest struct {
	Change              string              `json:"change"`
	LocalID             int64               `json:"local_id"`
	ExpectedVersion     int64               `json:"expected_version"`
	Content             *string             `json:"content"`
	BeginsAt            *time.Time          `json:"begins_at"`
	EndsAt              *time.Time          `json:"ends_at"`
	IsStreaming         *bool               `json:"is_streaming"`
	RepliedEntryLocalID *int64              `json:"replied_entry_local_id"`
	LinkPreviewID       *string             `json:"link_preview_id"`
	Attachments         []attachmentPayload `json:"attachments"`
}

type copyChatRequest struct {
	PlaceID       string `json:"place_id"`
	CorrelationID string `json:"correlation_id"`
}

type copyChatResponse struct {
	NewChatID        string `json:"new_chat_id"`
	CorrelationID    string `json:"correlation_id"`
	HasChanges       bool   `json:"has_changes"`
	HasErrors        bool   `json:"has_errors"`
	LastEntryLocalID int64  `json:"last_entry_local_id"`
}

func (h *httpHandler) resolveChatID(c *gin.Context) {
	chatID, err := chats.ParseChatID(c.Param("chatId"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_chat_id"})
		return
	}
	c.Set(chatIDContextKey, chatID)
	c.Next()
}

func chatIDFrom(c *gin.Context) chats.ChatID {
	chatID, _ := c.Get(chatIDContextKey)
	typed, _ := chatID.(chats.ChatID)
	return typed
}

// requireRules loads the caller's rules and aborts unless they include permissions.
func (h *httpHandler) requireRules(c *gin.Context, permissions chats.Permissions) (chats.AuthorRules, bool) {
	rules, err := h.chats.Rules.GetRules(c.Request.Context(), chatIDFrom(c), c.GetString(userIDContextKey))
	if err != nil {
		h.writeError(c, err)
		return chats.AuthorRules{}, false
	}
	if !rules.Can(permissions) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return chats.AuthorRules{}, false
	}
	return rules, true
}

func (h *httpHandler) handleGetChat(c *gin.Context) {
	rules, ok := h.requireRules(c, chats.PermissionRead)
	if !ok {
		return
	}
	response := getChatResponse{
		Chat: toChatPayload(rules.Chat),
		Rules: rulesPayload{
			Permissions: rules.Permissions.String(),
			IsOwner:     rules.IsOwner(),
		},
	}
	if rules.Author != nil {
		response.Rules.AuthorID = rules.Author.ID.String()
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleGetIDRange(c *gin.Context) {
	kind, ok := parseKind(c)
	if !ok {
		return
	}
	var query rangeQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_query"})
		return
	}
	if _, ok := h.requireRules(c, chats.PermissionRead); !ok {
		return
	}
	r, err := h.chats.Entries.GetIDRange(c.Request.Context(), chatIDFrom(c), kind, query.IncludeRemoved)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"start": r.Start, "end": r.End})
}

func (h *httpHandler) handleGetEntryCount(c *gin.Context) {
	kind, ok := parseKind(c)
	if !ok {
		return
	}
	var query rangeQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_query"})
		return
	}
	var r *tiles.Range
	switch {
	case query.Start != nil && query.End != nil:
		r = &tiles.Range{Start: *query.Start, End: *query.End}
	case query.Start != nil || query.End != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_range"})
		return
	}
	if _, ok := h.requireRules(c, chats.PermissionRead); !ok {
		return
	}
	count, err := h.chats.Entries.GetEntryCount(c.Request.Context(), chatIDFrom(c), kind, r, query.IncludeRemoved)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count})
}

func (h *httpHandler) handleGetTile(c *gin.Context) {
	kind, ok := parseKind(c)
	if !ok {
		return
	}
	var query rangeQuery
	if err := c.ShouldBindQuery(&query); err != nil || query.Start == nil || query.End == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_range"})
		return
	}
	if _, ok := h.requireRules(c, chats.PermissionRead); !ok {
		return
	}
	r := tiles.Range{Start: *query.Start, End: *query.End}
	tile, err := h.chats.Entries.GetTile(c.Request.Context(), chatIDFrom(c), kind, r, query.IncludeRemoved)
	if err != nil {
		h.writeError(c, err)
		return
	}
	entries := make([]entryPayload, 0, len(tile.Entries))
	for _, entry := range tile.Entries {
		entries = append(entries, toEntryPayload(entry))
	}
	c.JSON(http.StatusOK, gin.H{"start": r.Start, "end": r.End, "entries": entries})
}

func (h *httpHandler) handleChangeEntry(c *gin.Context) {
	kind, ok := parseKind(c)
	if !ok {
		return
	}
	var request changeEntryRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	rules, ok := h.requireRules(c, chats.PermissionWrite)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	chatID := chatIDFrom(c)
	userID := c.GetString(userIDContextKey)

	author := rules.Author
	if author == nil || author.HasLeft {
		joined, err := h.chats.Authors.EnsureJoined(ctx, chatID, userID, "")
		if err != nil {
			h.writeError(c, err)
			return
		}
		author = &joined
	}

	diff := chats.ChatEntryDiff{
		Content:             request.Content,
		BeginsAt:            request.BeginsAt,
		EndsAt:              request.EndsAt,
		IsStreaming:         request.IsStreaming,
		RepliedEntryLocalID: request.RepliedEntryLocalID,
		LinkPreviewID:       request.LinkPreviewID,
	}
	for _, attachment := range request.Attachments {
		diff.Attachments = append(diff.Attachments, chats.AttachmentInput{
			MediaID:          attachment.MediaID,
			ThumbnailMediaID: attachment.ThumbnailMediaID,
		})
	}

	entryID := chats.NewChatEntryID(chatID, kind, request.LocalID)
	var change chats.Change[chats.ChatEntryDiff]
	switch strings.ToLower(strings.TrimSpace(request.Change)) {
	case "create", "":
		diff.AuthorID = &author.ID
		change = chats.CreateChange(diff)
	case "update":
		change = chats.UpdateChange(diff)
	case "remove":
		change = chats.RemoveChange[chats.ChatEntryDiff]()
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_change"})
		return
	}
	if change.Kind() != chats.ChangeKindCreate {
		existing, err := h.chats.Entries.Get(ctx, entryID)
		if err != nil {
			h.writeError(c, err)
			return
		}
		if existing == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "entry_not_found"})
			return
		}
		if existing.AuthorID != author.ID && !rules.IsOwner() {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
	}

	entry, err := h.chats.Entries.ChangeEntry(ctx, chats.ChangeEntryCommand{
		EntryID:         entryID,
		ExpectedVersion: request.ExpectedVersion,
		Change:          change,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toEntryPayload(entry))
}

func (h *httpHandler) handleCopyChat(c *gin.Context) {
	var request copyChatRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.PlaceID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if _, ok := h.requireRules(c, chats.PermissionOwner); !ok {
		return
	}
	correlationID := strings.TrimSpace(request.CorrelationID)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	result, err := h.copier.CopyChat(c.Request.Context(), placemigration.CopyChatCommand{
		ChatID:        chatIDFrom(c),
		PlaceID:       request.PlaceID,
		CorrelationID: correlationID,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, copyChatResponse{
		NewChatID:        result.NewChatID.String(),
		CorrelationID:    correlationID,
		HasChanges:       result.HasChanges,
		HasErrors:        result.HasErrors,
		LastEntryLocalID: result.LastEntryLocalID,
	})
}

// handlePublishCopiedChat is called on the destination chat once copying is done.
func (h *httpHandler) handlePublishCopiedChat(c *gin.Context) {
	if _, ok := h.requireRules(c, chats.PermissionOwner); !ok {
		return
	}
	chat, err := h.copier.PublishCopiedChat(c.Request.Context(), chatIDFrom(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chat": toChatPayload(chat)})
}

func parseKind(c *gin.Context) (chats.EntryKind, bool) {
	kind, err := chats.ParseEntryKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_entry_kind"})
		return 0, false
	}
	return kind, true
}

// writeError maps error categories to HTTP statuses.
func (h *httpHandler) writeError(c *gin.Context, err error) {
	code := "internal_error"
	var serviceErr *chats.ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}
	status := http.StatusInternalServerError
	switch chats.Category(err) {
	case chats.ErrConstraint:
		status = http.StatusUnprocessableEntity
	case chats.ErrConcurrency:
		status = http.StatusConflict
		code = "version_mismatch"
	case chats.ErrNotFound:
		status = http.StatusNotFound
	default:
		h.logger.Error("chat request failed",
			zap.String("path", c.FullPath()),
			zap.String("code", code),
			zap.Error(err))
	}
	c.AbortWithStatusJSON(status, gin.H{"error": code})
}

func toChatPayload(chat chats.Chat) chatPayload {
	return chatPayload{
		ID:         chat.ID.String(),
		Kind:       string(chat.Kind),
		Title:      chat.Title,
		IsPublic:   chat.IsPublic,
		IsArchived: chat.IsArchived,
		MediaID:    chat.MediaID,
		Version:    chat.Version,
	}
}

func toEntryPayload(entry chats.ChatEntry) entryPayload {
	payload := entryPayload{
		ID:                  entry.ID,
		LocalID:             entry.LocalID,
		Version:             entry.Version,
		AuthorID:            entry.AuthorID.String(),
		Content:             entry.Content,
		BeginsAt:            entry.BeginsAt,
		EndsAt:              entry.EndsAt,
		IsRemoved:           entry.IsRemoved,
		IsStreaming:         entry.IsStreaming,
		RepliedEntryLocalID: entry.RepliedEntryLocalID,
		LinkPreviewID:       entry.LinkPreviewID,
		HasReactions:        entry.HasReactions,
	}
	for _, attachment := range entry.Attachments {
		payload.Attachments = append(payload.Attachments, attachmentPayload{
			MediaID:          attachment.MediaID,
			ThumbnailMediaID: attachment.ThumbnailMediaID,
		})
	}
	return payload
}
