package chats

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/events"
	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/tiles"
)

func TestEntryLogCreateListsEntriesInTile(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	chat := h.mustCreateChat(t, "c1", "alice", ChatDiff{})
	owner := NewAuthorID(chat.ID, 1)
	for _, content := range []string{"one", "two", "three"} {
		h.mustCreateText(t, chat.ID, owner, content)
	}

	idRange, err := h.backend.Entries.GetIDRange(ctx, chat.ID, EntryKindText, false)
	if err != nil {
		t.Fatalf("GetIDRange failed: %v", err)
	}
	if idRange != (tiles.Range{Start: 1, End: 4}) {
		t.Fatalf("expected [1, 4), got %s", idRange)
	}

	tile, err := h.backend.Entries.GetTile(ctx, chat.ID, EntryKindText, IDTileStack.GetSmallestTile(2), false)
	if err != nil {
		t.Fatalf("GetTile failed: %v", err)
	}
	if len(tile.Entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(tile.Entries))
	}
	for index, entry := range tile.Entries {
		if entry.LocalID != int64(index+1) {
			t.Fatalf("expected local id %d at %d, got %d", index+1, index, entry.LocalID)
		}
	}
	if tile.Entries[1].Content != "two" {
		t.Fatalf("unexpected content %q", tile.Entries[1].Content)
	}
}

func TestEntryLogRemoveKeepsSlotAndChangesCounts(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	chat := h.mustCreateChat(t, "c1", "alice", ChatDiff{})
	owner := NewAuthorID(chat.ID, 1)
	var second ChatEntry
	for index, content := range []string{"one", "two", "three"} {
		entry := h.mustCreateText(t, chat.ID, owner, content)
		if index == 1 {
			second = entry
		}
	}
	if _, err := h.backend.Entries.GetEntryCount(ctx, chat.ID, EntryKindText, nil, false); err != nil {
		t.Fatalf("GetEntryCount failed: %v", err)
	}

	_, err := h.backend.Entries.ChangeEntry(ctx, ChangeEntryCommand{
		EntryID:         second.EntryID(),
		ExpectedVersion: second.Version,
		Change:          RemoveChange[ChatEntryDiff](),
	})
	if err != nil {
		t.Fatalf("remove failed: %v", err)
	}

	idRange, err := h.backend.Entries.GetIDRange(ctx, chat.ID, EntryKindText, false)
	if err != nil {
		t.Fatalf("GetIDRange failed: %v", err)
	}
	if idRange != (tiles.Range{Start: 1, End: 4}) {
		t.Fatalf("expected [1, 4), got %s", idRange)
	}
	visible, err := h.backend.Entries.GetEntryCount(ctx, chat.ID, EntryKindText, nil, false)
	if err != nil {
		t.Fatalf("GetEntryCount failed: %v", err)
	}
	if visible != 2 {
		t.Fatalf("expected 2 visible entries, got %d", visible)
	}
	all, err := h.backend.Entries.GetEntryCount(ctx, chat.ID, EntryKindText, nil, true)
	if err != nil {
		t.Fatalf("GetEntryCount failed: %v", err)
	}
	if all != 3 {
		t.Fatalf("expected 3 entries including removed, got %d", all)
	}

	tile, err := h.backend.Entries.GetTile(ctx, chat.ID, EntryKindText, IDTileStack.GetSmallestTile(1), false)
	if err != nil {
		t.Fatalf("GetTile failed: %v", err)
	}
	if len(tile.Entries) != 2 || tile.Entries[1].LocalID != 3 {
		t.Fatalf("expected removed entry to be filtered, got %+v", tile.Entries)
	}
	full, err := h.backend.Entries.GetTile(ctx, chat.ID, EntryKindText, IDTileStack.GetSmallestTile(1), true)
	if err != nil {
		t.Fatalf("GetTile failed: %v", err)
	}
	if len(full.Entries) != 3 || !full.Entries[1].IsRemoved {
		t.Fatalf("expected removed entry in full tile, got %+v", full.Entries)
	}
}

func TestEntryLogRemovingLastEntryShrinksVisibleRange(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	chat := h.mustCreateChat(t, "c1", "alice", ChatDiff{})
	owner := NewAuthorID(chat.ID, 1)
	h.mustCreateText(t, chat.ID, owner, "one")
	h.mustCreateText(t, chat.ID, owner, "two")
	last := h.mustCreateText(t, chat.ID, owner, "three")

	for _, includeRemoved := range []bool{true, false} {
		if _, err := h.backend.Entries.GetIDRange(ctx, chat.ID, EntryKindText, includeRemoved); err != nil {
			t.Fatalf("GetIDRange failed: %v", err)
		}
	}
	_, err := h.backend.Entries.ChangeEntry(ctx, ChangeEntryCommand{
		EntryID:         last.EntryID(),
		ExpectedVersion: last.Version,
		Change:          RemoveChange[ChatEntryDiff](),
	})
	if err != nil {
		t.Fatalf("remove failed: %v", err)
	}

	withRemoved, err := h.backend.Entries.GetIDRange(ctx, chat.ID, EntryKindText, true)
	if err != nil {
		t.Fatalf("GetIDRange failed: %v", err)
	}
	if withRemoved != (tiles.Range{Start: 1, End: 4}) {
		t.Fatalf("expected [1, 4) with removed entries, got %s", withRemoved)
	}
	visible, err := h.backend.Entries.GetIDRange(ctx, chat.ID, EntryKindText, false)
	if err != nil {
		t.Fatalf("GetIDRange failed: %v", err)
	}
	if visible != (tiles.Range{Start: 1, End: 3}) {
		t.Fatalf("expected [1, 3) without removed entries, got %s", visible)
	}
}

func TestEntryLogRejectsStaleVersion(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	chat := h.mustCreateChat(t, "c1", "alice", ChatDiff{})
	entry := h.mustCreateText(t, chat.ID, NewAuthorID(chat.ID, 1), "original")

	_, err := h.backend.Entries.ChangeEntry(ctx, ChangeEntryCommand{
		EntryID:         entry.EntryID(),
		ExpectedVersion: entry.Version - 1,
		Change:          UpdateChange(ChatEntryDiff{Content: stringPtr("edited")}),
	})
	if !errors.Is(err, ErrConcurrency) {
		t.Fatalf("expected concurrency error, got %v", err)
	}
	if Category(err) != ErrConcurrency {
		t.Fatalf("expected concurrency category, got %v", Category(err))
	}

	stored, err := h.backend.Entries.Get(ctx, entry.EntryID())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored == nil || stored.Content != "original" || stored.Version != entry.Version {
		t.Fatalf("expected entry unchanged, got %+v", stored)
	}

	updated, err := h.backend.Entries.ChangeEntry(ctx, ChangeEntryCommand{
		EntryID:         entry.EntryID(),
		ExpectedVersion: entry.Version,
		Change:          UpdateChange(ChatEntryDiff{Content: stringPtr("edited")}),
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Version <= entry.Version {
		t.Fatalf("expected version to increase from %d, got %d", entry.Version, updated.Version)
	}
}

func TestEntryLogRoundTrip(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	chat := h.mustCreateChat(t, "c1", "alice", ChatDiff{})
	authorID := NewAuthorID(chat.ID, 1)
	replied := int64(7)
	content := "hello world"

	created, err := h.backend.Entries.ChangeEntry(ctx, ChangeEntryCommand{
		EntryID: NewChatEntryID(chat.ID, EntryKindText, 0),
		Change: CreateChange(ChatEntryDiff{
			AuthorID:            &authorID,
			Content:             &content,
			RepliedEntryLocalID: &replied,
			IsStreaming:         boolPtr(true),
		}),
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	stored, err := h.backend.Entries.Get(ctx, created.EntryID())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored == nil {
		t.Fatalf("expected entry %s", created.EntryID())
	}
	if stored.ID != "c1:0:1" || stored.LocalID != 1 {
		t.Fatalf("unexpected id %s / %d", stored.ID, stored.LocalID)
	}
	if stored.Content != content || stored.AuthorID != authorID || !stored.IsStreaming {
		t.Fatalf("unexpected entry %+v", stored)
	}
	if stored.RepliedEntryLocalID == nil || *stored.RepliedEntryLocalID != replied {
		t.Fatalf("expected replied entry %d, got %v", replied, stored.RepliedEntryLocalID)
	}
	missing, err := h.backend.Entries.Get(ctx, NewChatEntryID(chat.ID, EntryKindText, 40))
	if err != nil || missing != nil {
		t.Fatalf("expected a missing entry to read as nil, got %+v (%v)", missing, err)
	}
	if stored.Version != created.Version || !stored.BeginsAt.Equal(created.BeginsAt) {
		t.Fatalf("expected server fields to round trip: %+v vs %+v", stored, created)
	}

	published := h.publisher.ofType(events.TypeTextEntryChanged)
	if len(published) != 1 {
		t.Fatalf("expected 1 text entry event, got %d", len(published))
	}
	event, ok := published[0].Payload.(TextEntryChangedEvent)
	if !ok || event.ChangeKind != ChangeKindCreate || event.Author == nil || event.Author.UserID != "alice" {
		t.Fatalf("unexpected event payload %#v", published[0].Payload)
	}
}

func TestEntryLogAllocatesDenseIDsConcurrently(t *testing.T) {
	h := newTestHarness(t)
	chat := h.mustCreateChat(t, "c1", "alice", ChatDiff{})
	authorID := NewAuthorID(chat.ID, 1)
	const writers = 24

	ids := make([]int64, writers)
	errs := make([]error, writers)
	var wg sync.WaitGroup
	for index := 0; index < writers; index++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			content := "message"
			entry, err := h.backend.Entries.ChangeEntry(context.Background(), ChangeEntryCommand{
				EntryID: NewChatEntryID(chat.ID, EntryKindText, 0),
				Change:  CreateChange(ChatEntryDiff{AuthorID: &authorID, Content: &content}),
			})
			ids[index] = entry.LocalID
			errs[index] = err
		}()
	}
	wg.Wait()

	for index, err := range errs {
		if err != nil {
			t.Fatalf("writer %d failed: %v", index, err)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for index, id := range ids {
		if id != int64(index+1) {
			t.Fatalf("expected dense ids 1..%d, got %v", writers, ids)
		}
	}
}

func TestEntryLogSequencesAreScopedPerKind(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	chat := h.mustCreateChat(t, "c1", "alice", ChatDiff{})
	authorID := NewAuthorID(chat.ID, 1)
	h.mustCreateText(t, chat.ID, authorID, "one")
	h.mustCreateText(t, chat.ID, authorID, "two")

	audio, err := h.backend.Entries.ChangeEntry(ctx, ChangeEntryCommand{
		EntryID: NewChatEntryID(chat.ID, EntryKindAudio, 0),
		Change:  CreateChange(ChatEntryDiff{AuthorID: &authorID}),
	})
	if err != nil {
		t.Fatalf("audio create failed: %v", err)
	}
	if audio.LocalID != 1 || audio.ID != "c1:1:1" {
		t.Fatalf("expected first audio entry to be c1:1:1, got %s", audio.ID)
	}
}

func TestEntryLogComposesLargerTiles(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	chat := h.mustCreateChat(t, "c1", "alice", ChatDiff{})
	authorID := NewAuthorID(chat.ID, 1)
	for index := 0; index < 20; index++ {
		h.mustCreateText(t, chat.ID, authorID, "message")
	}

	tile, err := h.backend.Entries.GetTile(ctx, chat.ID, EntryKindText, tiles.Range{Start: 0, End: 64}, true)
	if err != nil {
		t.Fatalf("GetTile failed: %v", err)
	}
	if len(tile.Entries) != 20 {
		t.Fatalf("expected 20 entries, got %d", len(tile.Entries))
	}
	for index, entry := range tile.Entries {
		if entry.LocalID != int64(index+1) {
			t.Fatalf("expected ordered entries, got %d at %d", entry.LocalID, index)
		}
	}

	h.mustCreateText(t, chat.ID, authorID, "late")
	refreshed, err := h.backend.Entries.GetTile(ctx, chat.ID, EntryKindText, tiles.Range{Start: 0, End: 64}, true)
	if err != nil {
		t.Fatalf("GetTile failed: %v", err)
	}
	if len(refreshed.Entries) != 21 {
		t.Fatalf("expected cached tile to be invalidated, got %d entries", len(refreshed.Entries))
	}

	count, err := h.backend.Entries.GetEntryCount(ctx, chat.ID, EntryKindText, &tiles.Range{Start: 16, End: 32}, true)
	if err != nil {
		t.Fatalf("GetEntryCount failed: %v", err)
	}
	if count != 6 {
		t.Fatalf("expected 6 entries in [16, 32), got %d", count)
	}

	_, err = h.backend.Entries.GetTile(ctx, chat.ID, EntryKindText, tiles.Range{Start: 1, End: 17}, true)
	if !errors.Is(err, ErrConstraint) {
		t.Fatalf("expected constraint error for unaligned range, got %v", err)
	}
}

func TestEntryLogInvalidatesDeclaredViews(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	chat := h.mustCreateChat(t, "c1", "alice", ChatDiff{})
	authorID := NewAuthorID(chat.ID, 1)

	h.views.Reset()
	entry := h.mustCreateText(t, chat.ID, authorID, "hello")
	created := toSet(h.views.Invalidated())
	expectKeys(t, created,
		tileKey(chat.ID, EntryKindText, tiles.Range{Start: 0, End: 16}, true),
		tileKey(chat.ID, EntryKindText, tiles.Range{Start: 0, End: 4096}, false),
		idRangeKey(chat.ID, EntryKindText, true),
		idRangeKey(chat.ID, EntryKindText, false),
		countKey(chat.ID, EntryKindText, nil, true),
		countKey(chat.ID, EntryKindText, &tiles.Range{Start: 0, End: 256}, false),
	)

	h.views.Reset()
	updated, err := h.backend.Entries.ChangeEntry(ctx, ChangeEntryCommand{
		EntryID:         entry.EntryID(),
		ExpectedVersion: entry.Version,
		Change:          UpdateChange(ChatEntryDiff{Content: stringPtr("edited")}),
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	afterUpdate := toSet(h.views.Invalidated())
	expectKeys(t, afterUpdate, tileKey(chat.ID, EntryKindText, tiles.Range{Start: 0, End: 16}, true))
	rejectKeys(t, afterUpdate, idRangeKey(chat.ID, EntryKindText, true), idRangeKey(chat.ID, EntryKindText, false))

	h.views.Reset()
	_, err = h.backend.Entries.ChangeEntry(ctx, ChangeEntryCommand{
		EntryID:         entry.EntryID(),
		ExpectedVersion: updated.Version,
		Change:          RemoveChange[ChatEntryDiff](),
	})
	if err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	afterRemove := toSet(h.views.Invalidated())
	expectKeys(t, afterRemove, idRangeKey(chat.ID, EntryKindText, false), countKey(chat.ID, EntryKindText, nil, false))
	rejectKeys(t, afterRemove, idRangeKey(chat.ID, EntryKindText, true))

	h.views.Reset()
	_, err = h.backend.Entries.ChangeEntry(ctx, ChangeEntryCommand{
		EntryID:         entry.EntryID(),
		ExpectedVersion: 0,
		Change:          RemoveChange[ChatEntryDiff](),
	})
	if err != nil {
		t.Fatalf("repeated remove failed: %v", err)
	}
	if len(h.views.Invalidated()) != 0 {
		t.Fatalf("expected repeated remove to invalidate nothing, got %v", h.views.Invalidated())
	}
}

func TestEntryLogTextSideEffects(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	chat := h.mustCreateChat(t, "c1", "alice", ChatDiff{})
	bob := h.mustJoin(t, chat.ID, "bob")
	authorID := NewAuthorID(chat.ID, 1)
	content := "@[Bob](a:" + bob.ID.String() + ") see https://Example.com/page."

	entry, err := h.backend.Entries.ChangeEntry(ctx, ChangeEntryCommand{
		EntryID: NewChatEntryID(chat.ID, EntryKindText, 0),
		Change: CreateChange(ChatEntryDiff{
			AuthorID: &authorID,
			Content:  &content,
			Attachments: []AttachmentInput{
				{MediaID: "c1:photo-1", ThumbnailMediaID: "c1:thumb-1"},
				{MediaID: "c1:photo-2"},
			},
		}),
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if !entry.HasAttachments || len(entry.Attachments) != 2 {
		t.Fatalf("expected 2 attachments, got %+v", entry.Attachments)
	}
	expectedPreviewID := LinkPreviewIDFromURL("https://example.com/page")
	if entry.LinkPreviewID != expectedPreviewID {
		t.Fatalf("expected preview id %s, got %s", expectedPreviewID, entry.LinkPreviewID)
	}

	var mentions []Mention
	if err := h.db.Where("chat_id = ?", chat.ID).Find(&mentions).Error; err != nil {
		t.Fatalf("failed to load mentions: %v", err)
	}
	if len(mentions) != 1 || mentions[0].MentionID != AuthorMentionID(bob.ID) {
		t.Fatalf("unexpected mentions %+v", mentions)
	}

	if _, err := h.backend.LinkPreviews.Upsert(ctx, LinkPreview{URL: "https://example.com/page", Title: "Example"}); err != nil {
		t.Fatalf("preview upsert failed: %v", err)
	}
	stored, err := h.backend.Entries.Get(ctx, entry.EntryID())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.LinkPreview == nil || stored.LinkPreview.Title != "Example" {
		t.Fatalf("expected crawled preview, got %+v", stored.LinkPreview)
	}
	pending, err := h.backend.LinkPreviews.Upsert(ctx, LinkPreview{URL: "https://example.com/page"})
	if err != nil {
		t.Fatalf("empty preview upsert failed: %v", err)
	}
	if !pending.IsCrawled() || pending.Title != "Example" {
		t.Fatalf("expected the crawled preview to survive an empty upsert, got %+v", pending)
	}
	if len(stored.Attachments) != 2 || stored.Attachments[1].Index != 1 || stored.Attachments[0].ThumbnailMediaID != "c1:thumb-1" {
		t.Fatalf("unexpected attachments %+v", stored.Attachments)
	}

	edited, err := h.backend.Entries.ChangeEntry(ctx, ChangeEntryCommand{
		EntryID:         entry.EntryID(),
		ExpectedVersion: entry.Version,
		Change:          UpdateChange(ChatEntryDiff{Content: stringPtr("no links now")}),
	})
	if err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	if edited.LinkPreviewID != "" {
		t.Fatalf("expected link preview to be cleared, got %s", edited.LinkPreviewID)
	}
	if err := h.db.Where("chat_id = ?", chat.ID).Find(&mentions).Error; err != nil {
		t.Fatalf("failed to load mentions: %v", err)
	}
	if len(mentions) != 0 {
		t.Fatalf("expected mentions to be rebuilt, got %+v", mentions)
	}
}

func TestEntryLogRejectsUnknownReferences(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	chat := h.mustCreateChat(t, "c1", "alice", ChatDiff{})

	missingAuthor := NewAuthorID(chat.ID, 42)
	_, err := h.backend.Entries.ChangeEntry(ctx, ChangeEntryCommand{
		EntryID: NewChatEntryID(chat.ID, EntryKindText, 0),
		Change:  CreateChange(ChatEntryDiff{AuthorID: &missingAuthor}),
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for unknown author, got %v", err)
	}

	ghostAuthor := NewAuthorID("ghost", 1)
	_, err = h.backend.Entries.ChangeEntry(ctx, ChangeEntryCommand{
		EntryID: NewChatEntryID("ghost", EntryKindText, 0),
		Change:  CreateChange(ChatEntryDiff{AuthorID: &ghostAuthor}),
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for unknown chat, got %v", err)
	}

	walle := NewAuthorID(chat.ID, WalleAuthorLocalID)
	entry, err := h.backend.Entries.ChangeEntry(ctx, ChangeEntryCommand{
		EntryID: NewChatEntryID(chat.ID, EntryKindText, 0),
		Change: CreateChange(ChatEntryDiff{
			AuthorID:    &walle,
			SystemEntry: &SystemEntry{MembersChanged: &MembersChangedOption{AuthorID: NewAuthorID(chat.ID, 1)}},
		}),
	})
	if err != nil {
		t.Fatalf("system entry failed: %v", err)
	}
	payload, err := entry.DecodeSystemEntry()
	if err != nil || payload == nil || payload.MembersChanged == nil {
		t.Fatalf("expected members changed payload, got %+v (%v)", payload, err)
	}
}

func toSet(keys []string) map[string]struct{} {
	result := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		result[key] = struct{}{}
	}
	return result
}

func expectKeys(t *testing.T, keys map[string]struct{}, expected ...string) {
	t.Helper()
	for _, key := range expected {
		if _, ok := keys[key]; !ok {
			t.Fatalf("expected %q to be invalidated", key)
		}
	}
}

func rejectKeys(t *testing.T, keys map[string]struct{}, rejected ...string) {
	t.Helper()
	for _, key := range rejected {
		if _, ok := keys[key]; ok {
			t.Fatalf("expected %q to stay cached", key)
		}
	}
}
