package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/chats"
	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/database"
	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/events"
	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/media"
	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/placemigration"
	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testSigningSecret = "test-signing-secret"

var testDatabaseSequence atomic.Int64

type testServer struct {
	handler    http.Handler
	backend    *chats.Backend
	dispatcher *events.Dispatcher
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dsn := fmt.Sprintf("file:server_test_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), testDatabaseSequence.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(database.Models()...))

	accounts, err := users.NewService(users.ServiceConfig{Database: db})
	require.NoError(t, err)
	for _, account := range []users.Account{{ID: "alice", DisplayName: "Alice"}, {ID: "bob", DisplayName: "Bob"}} {
		_, err := accounts.UpsertAccount(context.Background(), account)
		require.NoError(t, err)
	}

	views, err := cache.NewMemory(1024)
	require.NoError(t, err)
	dispatcher := events.NewDispatcher()
	backend, err := chats.NewBackend(chats.ServiceConfig{
		Database:  db,
		Cache:     views,
		Publisher: dispatcher,
		Accounts:  accounts,
	})
	require.NoError(t, err)
	mediaService, err := media.NewService(media.ServiceConfig{Database: db, Versions: backend.Versions})
	require.NoError(t, err)
	engine, err := placemigration.NewEngine(placemigration.Config{
		Database:  db,
		Chats:     backend,
		Media:     mediaService,
		Publisher: dispatcher,
	})
	require.NoError(t, err)
	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{SigningSecret: []byte(testSigningSecret)})
	require.NoError(t, err)

	handler, err := NewHTTPHandler(Dependencies{
		Sessions:        sessions,
		Users:           accounts,
		Chats:           backend,
		Copier:          engine,
		Stream:          dispatcher,
		StreamHeartbeat: time.Hour,
	})
	require.NoError(t, err)

	for _, chatID := range []chats.ChatID{"place:p1:root", "c1"} {
		title := "Chat " + chatID.String()
		_, err := backend.Chats.ChangeChat(context.Background(), chats.ChangeChatCommand{
			ChatID:      chatID,
			Change:      chats.CreateChange(chats.ChatDiff{Title: &title}),
			OwnerUserID: "alice",
		})
		require.NoError(t, err)
	}
	return &testServer{handler: handler, backend: backend, dispatcher: dispatcher}
}

func issueTestToken(t *testing.T, userID string) string {
	t.Helper()
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.SessionClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "tauth",
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testSigningSecret))
	require.NoError(t, err)
	return signed
}

func (s *testServer) do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if userID != "" {
		request.Header.Set("Authorization", "Bearer "+issueTestToken(t, userID))
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var value T
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &value), recorder.Body.String())
	return value
}

func TestGetChatReturnsRules(t *testing.T) {
	server := newTestServer(t)

	recorder := server.do(t, http.MethodGet, "/chats/c1", "alice", nil)
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())
	response := decodeBody[getChatResponse](t, recorder)
	require.Equal(t, "c1", response.Chat.ID)
	require.Equal(t, "group", response.Chat.Kind)
	require.True(t, response.Rules.IsOwner)
	require.NotEmpty(t, response.Rules.AuthorID)

	recorder = server.do(t, http.MethodGet, "/chats/c1", "bob", nil)
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())
	require.False(t, decodeBody[getChatResponse](t, recorder).Rules.IsOwner)
}

func TestRequestsWithoutSessionAreRejected(t *testing.T) {
	server := newTestServer(t)
	recorder := server.do(t, http.MethodGet, "/chats/c1", "", nil)
	require.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestErrorsMapToStatuses(t *testing.T) {
	server := newTestServer(t)

	require.Equal(t, http.StatusNotFound, server.do(t, http.MethodGet, "/chats/missing", "alice", nil).Code)
	require.Equal(t, http.StatusBadRequest, server.do(t, http.MethodGet, "/chats/bad%20id", "alice", nil).Code)
	require.Equal(t, http.StatusBadRequest, server.do(t, http.MethodGet, "/chats/c1/entries/photo/range", "alice", nil).Code)

	recorder := server.do(t, http.MethodGet, "/chats/c1/entries/text/tile?start=0&end=10", "alice", nil)
	require.Equal(t, http.StatusUnprocessableEntity, recorder.Code, recorder.Body.String())

	content := "hello"
	recorder = server.do(t, http.MethodPost, "/chats/c1/entries/text", "alice", changeEntryRequest{Content: &content})
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())
	created := decodeBody[entryPayload](t, recorder)

	updated := "stale"
	recorder = server.do(t, http.MethodPost, "/chats/c1/entries/text", "alice", changeEntryRequest{
		Change:          "update",
		LocalID:         created.LocalID,
		ExpectedVersion: created.Version - 1,
		Content:         &updated,
	})
	require.Equal(t, http.StatusConflict, recorder.Code, recorder.Body.String())
	require.Equal(t, "version_mismatch", decodeBody[map[string]string](t, recorder)["error"])
}

func TestEntryLifecycleThroughViews(t *testing.T) {
	server := newTestServer(t)

	created := make([]entryPayload, 0, 3)
	for i := 1; i <= 3; i++ {
		content := fmt.Sprintf("message %d", i)
		recorder := server.do(t, http.MethodPost, "/chats/c1/entries/text", "bob", changeEntryRequest{Content: &content})
		require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())
		entry := decodeBody[entryPayload](t, recorder)
		require.Equal(t, int64(i), entry.LocalID)
		created = append(created, entry)
	}

	recorder := server.do(t, http.MethodGet, "/chats/c1/entries/text/range", "alice", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Equal(t, map[string]int64{"start": 1, "end": 4}, decodeBody[map[string]int64](t, recorder))

	recorder = server.do(t, http.MethodGet, "/chats/c1/entries/text/count", "alice", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Equal(t, int64(3), decodeBody[map[string]int64](t, recorder)["count"])

	recorder = server.do(t, http.MethodPost, "/chats/c1/entries/text", "alice", changeEntryRequest{
		Change:          "remove",
		LocalID:         2,
		ExpectedVersion: created[1].Version,
	})
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())
	require.True(t, decodeBody[entryPayload](t, recorder).IsRemoved)

	recorder = server.do(t, http.MethodPost, "/chats/c1/entries/text", "bob", changeEntryRequest{
		Change:          "remove",
		LocalID:         1,
		ExpectedVersion: created[0].Version,
	})
	require.Equal(t, http.StatusOK, recorder.Code, "authors may remove their own entries")

	recorder = server.do(t, http.MethodGet, "/chats/c1/entries/text/tile?start=0&end=16", "alice", nil)
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())
	tile := decodeBody[struct {
		Entries []entryPayload `json:"entries"`
	}](t, recorder)
	require.Len(t, tile.Entries, 1)
	require.Equal(t, "message 3", tile.Entries[0].Content)

	recorder = server.do(t, http.MethodGet, "/chats/c1/entries/text/tile?start=0&end=16&include_removed=true", "alice", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Len(t, decodeBody[struct {
		Entries []entryPayload `json:"entries"`
	}](t, recorder).Entries, 3)
}

func TestCopyChatRequiresOwner(t *testing.T) {
	server := newTestServer(t)
	content := "to be copied"
	require.Equal(t, http.StatusOK, server.do(t, http.MethodPost, "/chats/c1/entries/text", "alice", changeEntryRequest{Content: &content}).Code)

	recorder := server.do(t, http.MethodPost, "/chats/c1/copy", "bob", copyChatRequest{PlaceID: "p1"})
	require.Equal(t, http.StatusForbidden, recorder.Code)
	require.Equal(t, http.StatusBadRequest, server.do(t, http.MethodPost, "/chats/c1/copy", "alice", copyChatRequest{}).Code)

	recorder = server.do(t, http.MethodPost, "/chats/c1/copy", "alice", copyChatRequest{PlaceID: "p1", CorrelationID: "run-7"})
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())
	result := decodeBody[copyChatResponse](t, recorder)
	require.Equal(t, "place:p1:c1", result.NewChatID)
	require.Equal(t, "run-7", result.CorrelationID)
	require.True(t, result.HasChanges)
	require.Equal(t, int64(1), result.LastEntryLocalID)

	recorder = server.do(t, http.MethodPost, "/chats/place:p1:c1/publish", "alice", nil)
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())

	recorder = server.do(t, http.MethodGet, "/chats/place:p1:c1/entries/text/count", "alice", nil)
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())
	require.Equal(t, int64(1), decodeBody[map[string]int64](t, recorder)["count"])
}

func TestMetricsEndpointIsPublic(t *testing.T) {
	server := newTestServer(t)
	recorder := server.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Contains(t, recorder.Body.String(), "gravity_chat_chat_migration_entries_copied_total")
}
