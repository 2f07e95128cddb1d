package chats

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/events"
	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var testDatabaseSequence atomic.Int64

type fakeAccounts struct {
	mu       sync.Mutex
	accounts map[string]users.Account
}

func newFakeAccounts(accounts ...users.Account) *fakeAccounts {
	fake := &fakeAccounts{accounts: make(map[string]users.Account)}
	for _, account := range accounts {
		fake.accounts[account.ID] = account
	}
	return fake
}

func (f *fakeAccounts) GetAccount(_ context.Context, userID string) (*users.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	account, ok := f.accounts[userID]
	if !ok {
		return nil, nil
	}
	return &account, nil
}

func (f *fakeAccounts) put(account users.Account) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[account.ID] = account
}

type recordingPublisher struct {
	mu        sync.Mutex
	envelopes []events.Envelope
}

func (p *recordingPublisher) Publish(_ context.Context, envelope events.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envelopes = append(p.envelopes, envelope)
	return nil
}

func (p *recordingPublisher) ofType(eventType string) []events.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	var result []events.Envelope
	for _, envelope := range p.envelopes {
		if envelope.Type == eventType {
			result = append(result, envelope)
		}
	}
	return result
}

type testHarness struct {
	backend   *Backend
	db        *gorm.DB
	views     *cache.Recorder
	accounts  *fakeAccounts
	publisher *recordingPublisher
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:chats_test_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), testDatabaseSequence.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate chat schema: %v", err)
	}
	return db
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	db := openTestDatabase(t)
	memory, err := cache.NewMemory(1024)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	views := cache.NewRecorder(memory)
	accounts := newFakeAccounts(
		users.Account{ID: "alice", DisplayName: "Alice"},
		users.Account{ID: "bob", DisplayName: "Bob"},
		users.Account{ID: "carol", DisplayName: "Carol"},
		users.Account{ID: "guest-1", DisplayName: "Guest", IsGuest: true},
	)
	publisher := &recordingPublisher{}
	backend, err := NewBackend(ServiceConfig{
		Database:            db,
		Cache:               views,
		Publisher:           publisher,
		Accounts:            accounts,
		AnnouncementsChatID: "announcements",
		Clock: func() time.Time {
			return time.Unix(1700000000, 0).UTC()
		},
	})
	if err != nil {
		t.Fatalf("failed to create backend: %v", err)
	}
	return &testHarness{backend: backend, db: db, views: views, accounts: accounts, publisher: publisher}
}

func stringPtr(value string) *string {
	return &value
}

func boolPtr(value bool) *bool {
	return &value
}

func (h *testHarness) mustCreateChat(t *testing.T, chatID ChatID, ownerUserID string, diff ChatDiff) Chat {
	t.Helper()
	if diff.Title == nil {
		title := "Chat " + chatID.String()
		diff.Title = &title
	}
	chat, err := h.backend.Chats.ChangeChat(context.Background(), ChangeChatCommand{
		ChatID:      chatID,
		Change:      CreateChange(diff),
		OwnerUserID: ownerUserID,
	})
	if err != nil {
		t.Fatalf("failed to create chat %s: %v", chatID, err)
	}
	return chat
}

func (h *testHarness) mustJoin(t *testing.T, chatID ChatID, userID string) Author {
	t.Helper()
	author, err := h.backend.Authors.EnsureJoined(context.Background(), chatID, userID, "")
	if err != nil {
		t.Fatalf("failed to join %s to %s: %v", userID, chatID, err)
	}
	return author
}

func (h *testHarness) mustCreateText(t *testing.T, chatID ChatID, authorID AuthorID, content string) ChatEntry {
	t.Helper()
	entry, err := h.backend.Entries.ChangeEntry(context.Background(), ChangeEntryCommand{
		EntryID: NewChatEntryID(chatID, EntryKindText, 0),
		Change:  CreateChange(ChatEntryDiff{AuthorID: &authorID, Content: &content}),
	})
	if err != nil {
		t.Fatalf("failed to create entry: %v", err)
	}
	return entry
}
