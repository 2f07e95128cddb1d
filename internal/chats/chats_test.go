package chats

import (
	"context"
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/events"
	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/tiles"
)

func TestChangeChatCreateBuildsSystemRoles(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	chat := h.mustCreateChat(t, "c1", "alice", ChatDiff{Title: stringPtr("  Team  ")})
	if chat.Kind != ChatKindGroup || chat.Title != "Team" || chat.Version == 0 {
		t.Fatalf("unexpected chat %+v", chat)
	}

	roles, err := h.backend.Roles.ListSystem(ctx, chat.ID)
	if err != nil {
		t.Fatalf("ListSystem failed: %v", err)
	}
	owner, ok := roles[SystemRoleOwner]
	if !ok || owner.ID != NewRoleID(chat.ID, 1) || owner.Name != "Owners" {
		t.Fatalf("unexpected owner role %+v", owner)
	}
	if len(owner.AuthorIDs) != 1 || owner.AuthorIDs[0] != NewAuthorID(chat.ID, 1) {
		t.Fatalf("expected owner author as member, got %v", owner.AuthorIDs)
	}
	anyone, ok := roles[SystemRoleAnyone]
	if !ok || anyone.ID != NewRoleID(chat.ID, 2) || anyone.Permissions != DefaultAnyonePermissions {
		t.Fatalf("unexpected anyone role %+v", anyone)
	}

	author, err := h.backend.Authors.GetByUserID(ctx, chat.ID, "alice")
	if err != nil || author == nil {
		t.Fatalf("expected owner author, got %v (%v)", author, err)
	}
	if len(author.RoleIDs) != 1 || author.RoleIDs[0] != owner.ID {
		t.Fatalf("expected owner role on author, got %v", author.RoleIDs)
	}
	if len(h.publisher.ofType(events.TypeChatChanged)) != 1 {
		t.Fatalf("expected a chat changed event")
	}
}

func TestChangeChatValidatesTitleAndKind(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	_, err := h.backend.Chats.ChangeChat(ctx, ChangeChatCommand{
		ChatID:      "c1",
		Change:      CreateChange(ChatDiff{Title: stringPtr(" ")}),
		OwnerUserID: "alice",
	})
	if !errors.Is(err, ErrConstraint) {
		t.Fatalf("expected constraint error for empty title, got %v", err)
	}

	_, err = h.backend.Chats.ChangeChat(ctx, ChangeChatCommand{
		ChatID:      "peer:alice:bob",
		Change:      CreateChange(ChatDiff{}),
		OwnerUserID: "alice",
	})
	if !errors.Is(err, ErrConstraint) {
		t.Fatalf("expected constraint error for peer create, got %v", err)
	}

	_, err = h.backend.Chats.ChangeChat(ctx, ChangeChatCommand{
		ChatID:      "c1",
		Change:      CreateChange(ChatDiff{Title: stringPtr("Team")}),
		OwnerUserID: "nobody",
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for unknown owner, got %v", err)
	}

	generated, err := h.backend.Chats.ChangeChat(ctx, ChangeChatCommand{
		Change:      CreateChange(ChatDiff{Title: stringPtr("Generated")}),
		OwnerUserID: "alice",
	})
	if err != nil {
		t.Fatalf("create with generated id failed: %v", err)
	}
	if generated.ID == "" || generated.Kind != ChatKindGroup {
		t.Fatalf("unexpected generated chat %+v", generated)
	}
}

func TestChangeChatUpdateChecksVersion(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	chat := h.mustCreateChat(t, "c1", "alice", ChatDiff{})

	_, err := h.backend.Chats.ChangeChat(ctx, ChangeChatCommand{
		ChatID:          chat.ID,
		ExpectedVersion: chat.Version + 1,
		Change:          UpdateChange(ChatDiff{IsPublic: boolPtr(true)}),
	})
	if !errors.Is(err, ErrConcurrency) {
		t.Fatalf("expected concurrency error, got %v", err)
	}

	updated, err := h.backend.Chats.ChangeChat(ctx, ChangeChatCommand{
		ChatID:          chat.ID,
		ExpectedVersion: chat.Version,
		Change:          UpdateChange(ChatDiff{IsPublic: boolPtr(true), Title: stringPtr("Renamed")}),
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if !updated.IsPublic || updated.Title != "Renamed" || updated.Version <= chat.Version {
		t.Fatalf("unexpected updated chat %+v", updated)
	}
}

func TestChangeChatRemoveCascades(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	chat := h.mustCreateChat(t, "c1", "alice", ChatDiff{})
	bob := h.mustJoin(t, chat.ID, "bob")
	entry := h.mustCreateText(t, chat.ID, bob.ID, "hello @[Alice](a:c1:1)")
	if _, _, err := h.backend.Reactions.React(ctx, ReactCommand{EntryID: entry.EntryID(), AuthorID: bob.ID, EmojiID: "like"}); err != nil {
		t.Fatalf("react failed: %v", err)
	}
	if _, err := h.backend.Entries.GetTile(ctx, chat.ID, EntryKindText, IDTileStack.GetSmallestTile(1), true); err != nil {
		t.Fatalf("GetTile failed: %v", err)
	}

	current, err := h.backend.Chats.Get(ctx, chat.ID)
	if err != nil || current == nil {
		t.Fatalf("Get failed: %v", err)
	}
	if _, err := h.backend.Chats.ChangeChat(ctx, ChangeChatCommand{
		ChatID:          chat.ID,
		ExpectedVersion: current.Version,
		Change:          RemoveChange[ChatDiff](),
	}); err != nil {
		t.Fatalf("remove failed: %v", err)
	}

	for _, model := range Models() {
		var count int64
		if err := h.db.Model(model).Count(&count).Error; err != nil {
			t.Fatalf("count failed: %v", err)
		}
		if _, isPreview := model.(*LinkPreview); isPreview {
			continue
		}
		if count != 0 {
			t.Fatalf("expected %T rows to be removed, found %d", model, count)
		}
	}

	tile, err := h.backend.Entries.GetTile(ctx, chat.ID, EntryKindText, IDTileStack.GetSmallestTile(1), true)
	if err != nil {
		t.Fatalf("GetTile failed: %v", err)
	}
	if !tile.IsEmpty() {
		t.Fatalf("expected cached tile to be dropped, got %d entries", len(tile.Entries))
	}

	h.mustCreateChat(t, "c1", "alice", ChatDiff{})
	recreated := h.mustCreateText(t, chat.ID, NewAuthorID(chat.ID, 1), "fresh start")
	if recreated.LocalID != 1 {
		t.Fatalf("expected a recreated chat to start at local id 1, got %d", recreated.LocalID)
	}
	idRange, err := h.backend.Entries.GetIDRange(ctx, chat.ID, EntryKindText, true)
	if err != nil {
		t.Fatalf("GetIDRange failed: %v", err)
	}
	if idRange != (tiles.Range{Start: 1, End: 2}) {
		t.Fatalf("expected [1, 2), got %s", idRange)
	}
}

func TestGetOrCreatePeerChat(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	chat, err := h.backend.Chats.GetOrCreatePeerChat(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("GetOrCreatePeerChat failed: %v", err)
	}
	if chat.ID != "peer:alice:bob" || chat.Kind != ChatKindPeer || chat.Title != "" {
		t.Fatalf("unexpected peer chat %+v", chat)
	}
	again, err := h.backend.Chats.GetOrCreatePeerChat(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("second GetOrCreatePeerChat failed: %v", err)
	}
	if again.Version != chat.Version {
		t.Fatalf("expected the existing chat to be returned")
	}
	userIDs, err := h.backend.Authors.ListUserIDs(ctx, chat.ID)
	if err != nil {
		t.Fatalf("ListUserIDs failed: %v", err)
	}
	if len(userIDs) != 2 || userIDs[0] != "alice" || userIDs[1] != "bob" {
		t.Fatalf("unexpected peer authors %v", userIDs)
	}

	if _, err := h.backend.Chats.GetOrCreatePeerChat(ctx, "alice", "alice"); !errors.Is(err, ErrConstraint) {
		t.Fatalf("expected constraint error for a self chat, got %v", err)
	}
	if _, err := h.backend.Chats.GetOrCreatePeerChat(ctx, "alice", "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for an unknown user, got %v", err)
	}
}
