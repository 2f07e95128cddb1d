package chats

import (
	"context"
	"database/sql"
	"strconv"

	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/events"
	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/markup"
	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/tiles"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultLocalIDCacheSize = 8192

	fieldChatID        = "chat_id"
	fieldEntryID       = "entry_id"
	fieldEntryKind     = "entry_kind"
	fieldAuthorID      = "author_id"
	fieldUserID        = "user_id"
	fieldRoleID        = "role_id"
	fieldLinkPreviewID = "link_preview_id"
	fieldRange         = "range"
)

// ChangeEntryCommand is the single mutation entry point of the entry log.
type ChangeEntryCommand struct {
	EntryID         ChatEntryID
	ExpectedVersion int64
	Change          Change[ChatEntryDiff]
}

// EntryLog owns the per-(chat, kind) entry sequences and their cached views.
type EntryLog struct {
	*store
	previews *LinkPreviews
	localIDs *lru.Cache[string, int64]
}

func newEntryLog(base *store, previews *LinkPreviews, localIDCacheSize int) (*EntryLog, error) {
	if localIDCacheSize <= 0 {
		localIDCacheSize = defaultLocalIDCacheSize
	}
	localIDs, err := lru.New[string, int64](localIDCacheSize)
	if err != nil {
		return nil, err
	}
	return &EntryLog{store: base, previews: previews, localIDs: localIDs}, nil
}

// GetIDRange returns [min, max+1) of the existing local ids, or an empty range.
func (l *EntryLog) GetIDRange(ctx context.Context, chatID ChatID, kind EntryKind, includeRemoved bool) (tiles.Range, error) {
	key := idRangeKey(chatID, kind, includeRemoved)
	result, err := cache.GetOrCompute(ctx, l.views, viewIDRange, key, func(ctx context.Context) (tiles.Range, error) {
		var minID, maxID sql.NullInt64
		query := l.db.WithContext(ctx).Model(&ChatEntry{}).
			Select("MIN(local_id), MAX(local_id)").
			Where("chat_id = ? AND kind = ?", chatID, kind)
		if !includeRemoved {
			query = query.Where("is_removed = ?", false)
		}
		if err := query.Row().Scan(&minID, &maxID); err != nil {
			return tiles.Range{}, err
		}
		if !minID.Valid || !maxID.Valid {
			return tiles.Range{}, nil
		}
		return tiles.Range{Start: minID.Int64, End: maxID.Int64 + 1}, nil
	})
	if err != nil {
		l.logError(opGetIDRange, "range_select_failed", err,
			zap.String(fieldChatID, chatID.String()),
			zap.Stringer(fieldEntryKind, kind))
		return tiles.Range{}, wrapStoreError(opGetIDRange, "range_select_failed", err)
	}
	return result, nil
}

// GetTile returns the entries of one tile ordered by local id. Text tiles
// carry their attachments and link previews.
func (l *EntryLog) GetTile(ctx context.Context, chatID ChatID, kind EntryKind, r tiles.Range, includeRemoved bool) (ChatTile, error) {
	if err := IDTileStack.AssertIsTile(r); err != nil {
		return ChatTile{}, NewServiceError(opGetTile, "invalid_tile", constraintf("%v", err))
	}
	tile, err := l.getTile(ctx, chatID, kind, r, includeRemoved)
	if err != nil {
		l.logError(opGetTile, "tile_select_failed", err,
			zap.String(fieldChatID, chatID.String()),
			zap.Stringer(fieldEntryKind, kind),
			zap.Stringer(fieldRange, r))
		return ChatTile{}, wrapStoreError(opGetTile, "tile_select_failed", err)
	}
	if kind == EntryKindText {
		if err := l.attachLinkPreviews(ctx, tile.Entries); err != nil {
			l.logError(opGetTile, "link_preview_select_failed", err, zap.String(fieldChatID, chatID.String()))
			return ChatTile{}, wrapStoreError(opGetTile, "link_preview_select_failed", err)
		}
	}
	return tile, nil
}

func (l *EntryLog) getTile(ctx context.Context, chatID ChatID, kind EntryKind, r tiles.Range, includeRemoved bool) (ChatTile, error) {
	key := tileKey(chatID, kind, r, includeRemoved)
	return cache.GetOrCompute(ctx, l.views, viewTile, key, func(ctx context.Context) (ChatTile, error) {
		tile := ChatTile{ChatID: chatID, Kind: kind, Range: r, IncludeRemoved: includeRemoved}
		if smaller := IDTileStack.Smaller(r); len(smaller) > 0 {
			parts := make([]ChatTile, len(smaller))
			group, groupCtx := errgroup.WithContext(ctx)
			for index, part := range smaller {
				group.Go(func() error {
					fetched, err := l.getTile(groupCtx, chatID, kind, part, includeRemoved)
					parts[index] = fetched
					return err
				})
			}
			if err := group.Wait(); err != nil {
				return ChatTile{}, err
			}
			for _, part := range parts {
				tile.Entries = append(tile.Entries, part.Entries...)
			}
			return tile, nil
		}
		if !includeRemoved {
			full, err := l.getTile(ctx, chatID, kind, r, true)
			if err != nil {
				return ChatTile{}, err
			}
			for _, entry := range full.Entries {
				if !entry.IsRemoved {
					tile.Entries = append(tile.Entries, entry)
				}
			}
			return tile, nil
		}
		entries, err := l.selectTileEntries(ctx, chatID, kind, r)
		if err != nil {
			return ChatTile{}, err
		}
		tile.Entries = entries
		return tile, nil
	})
}

func (l *EntryLog) selectTileEntries(ctx context.Context, chatID ChatID, kind EntryKind, r tiles.Range) ([]ChatEntry, error) {
	var entries []ChatEntry
	err := l.db.WithContext(ctx).
		Where("chat_id = ? AND kind = ? AND local_id >= ? AND local_id < ?", chatID, kind, r.Start, r.End).
		Order("local_id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	if kind != EntryKindText {
		return entries, nil
	}
	entryIDs := make([]string, 0)
	for _, entry := range entries {
		if entry.HasAttachments {
			entryIDs = append(entryIDs, entry.ID)
		}
	}
	if len(entryIDs) == 0 {
		return entries, nil
	}
	var attachments []Attachment
	err = l.db.WithContext(ctx).
		Where("entry_id IN ?", entryIDs).
		Order("entry_id ASC, attachment_index ASC").
		Find(&attachments).Error
	if err != nil {
		return nil, err
	}
	byEntry := make(map[string][]Attachment, len(entryIDs))
	for _, attachment := range attachments {
		byEntry[attachment.EntryID] = append(byEntry[attachment.EntryID], attachment)
	}
	for index := range entries {
		entries[index].Attachments = byEntry[entries[index].ID]
	}
	return entries, nil
}

func (l *EntryLog) attachLinkPreviews(ctx context.Context, entries []ChatEntry) error {
	ids := make([]string, 0)
	for _, entry := range entries {
		if entry.LinkPreviewID != "" {
			ids = append(ids, entry.LinkPreviewID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	previews, err := l.previews.GetMany(ctx, ids)
	if err != nil {
		return err
	}
	for index := range entries {
		if preview, ok := previews[entries[index].LinkPreviewID]; ok {
			entries[index].LinkPreview = &preview
		}
	}
	return nil
}

// GetEntryCount counts entries in r, or in the whole log when r is nil.
func (l *EntryLog) GetEntryCount(ctx context.Context, chatID ChatID, kind EntryKind, r *tiles.Range, includeRemoved bool) (int64, error) {
	if r != nil {
		if err := IDTileStack.AssertIsTile(*r); err != nil {
			return 0, NewServiceError(opGetEntryCount, "invalid_tile", constraintf("%v", err))
		}
	}
	key := countKey(chatID, kind, r, includeRemoved)
	count, err := cache.GetOrCompute(ctx, l.views, viewCount, key, func(ctx context.Context) (int64, error) {
		var count int64
		query := l.db.WithContext(ctx).Model(&ChatEntry{}).Where("chat_id = ? AND kind = ?", chatID, kind)
		if r != nil {
			query = query.Where("local_id >= ? AND local_id < ?", r.Start, r.End)
		}
		if !includeRemoved {
			query = query.Where("is_removed = ?", false)
		}
		err := query.Count(&count).Error
		return count, err
	})
	if err != nil {
		l.logError(opGetEntryCount, "count_failed", err, zap.String(fieldChatID, chatID.String()))
		return 0, wrapStoreError(opGetEntryCount, "count_failed", err)
	}
	return count, nil
}

// Get reads one entry through its smallest tile. A missing entry is reported
// as nil with a nil error, like the other point lookups of this package.
func (l *EntryLog) Get(ctx context.Context, id ChatEntryID) (*ChatEntry, error) {
	tile, err := l.GetTile(ctx, id.ChatID, id.Kind, IDTileStack.GetSmallestTile(id.LocalID), true)
	if err != nil {
		return nil, err
	}
	for _, entry := range tile.Entries {
		if entry.LocalID == id.LocalID {
			found := entry
			return &found, nil
		}
	}
	return nil, nil
}

// ChangeEntry applies a Create, Update or Remove and returns the stored entry.
func (l *EntryLog) ChangeEntry(ctx context.Context, command ChangeEntryCommand) (ChatEntry, error) {
	if err := validateEntryCommand(command); err != nil {
		return ChatEntry{}, NewServiceError(opChangeEntry, "invalid_command", err)
	}
	entryID := command.EntryID
	change := command.Change

	var (
		outcome  entryChangeOutcome
		oldEntry *ChatEntry
		author   *Author
	)
	txErr := l.transaction(ctx, func(tx *gorm.DB) error {
		var chat Chat
		if err := tx.Where("id = ?", entryID.ChatID).Take(&chat).Error; err != nil {
			if isNotFound(err) {
				return notFoundf("chat %s", entryID.ChatID)
			}
			return err
		}

		if change.Kind() == ChangeKindCreate {
			localID, err := l.allocateLocalID(tx, entryID.ChatID, entryID.Kind)
			if err != nil {
				return err
			}
			entryID.LocalID = localID
		} else {
			var existing ChatEntry
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("chat_id = ? AND kind = ? AND local_id = ?", entryID.ChatID, entryID.Kind, entryID.LocalID).
				Take(&existing).Error
			if err != nil && !isNotFound(err) {
				return err
			}
			if err == nil {
				oldEntry = &existing
			}
		}

		var err error
		outcome, err = applyEntryChange(oldEntry, entryID, command.ExpectedVersion, change, l.now(), l.versions.Next)
		if err != nil {
			return err
		}
		if !outcome.changed {
			return nil
		}

		author, err = loadEntryAuthor(tx, outcome.entry.AuthorID)
		if err != nil {
			return err
		}
		if entryID.Kind == EntryKindText && change.Kind() != ChangeKindRemove {
			if err := l.applyTextSideEffects(tx, &outcome, change); err != nil {
				return err
			}
		}
		return tx.Save(&outcome.entry).Error
	})
	if txErr != nil {
		l.logError(opChangeEntry, "change_failed", txErr,
			zap.String(fieldEntryID, entryID.String()),
			zap.Stringer("change", change.Kind()))
		return ChatEntry{}, wrapStoreError(opChangeEntry, "change_failed", txErr)
	}

	entry := outcome.entry
	if !outcome.changed {
		return entry, nil
	}
	if change.Kind() == ChangeKindCreate {
		l.localIDs.Add(shardKey(entryID.ChatID, entryID.Kind), entryID.LocalID)
	}

	invalidation := newInvalidationSet()
	invalidation.addEntryChange(entryID.ChatID, entryID.Kind, entryID.LocalID, change.Kind())
	l.invalidate(ctx, invalidation.Keys()...)
	metrics.EntryChanges.WithLabelValues(entryID.Kind.String(), change.Kind().String()).Inc()

	if entryID.Kind == EntryKindText {
		l.publish(ctx, events.TypeTextEntryChanged, entryID.ChatID, TextEntryChangedEvent{
			Entry:      entry,
			OldEntry:   oldEntry,
			Author:     author,
			ChangeKind: change.Kind(),
		})
	}
	return entry, nil
}

// InvalidateRange drops every cached view touching r after a bulk write.
func (l *EntryLog) InvalidateRange(ctx context.Context, chatID ChatID, kind EntryKind, r tiles.Range) {
	invalidation := newInvalidationSet()
	invalidation.addRange(chatID, kind, r)
	l.invalidate(ctx, invalidation.Keys()...)
}

// LoadEntryRanges returns [min, max+1) of the stored local ids per kind,
// removed entries included. Kinds without entries are absent.
func LoadEntryRanges(tx *gorm.DB, chatID ChatID) (map[EntryKind]tiles.Range, error) {
	ranges := make(map[EntryKind]tiles.Range)
	for _, kind := range []EntryKind{EntryKindText, EntryKindAudio, EntryKindVideo} {
		var minID, maxID sql.NullInt64
		err := tx.Model(&ChatEntry{}).Select("MIN(local_id), MAX(local_id)").
			Where("chat_id = ? AND kind = ?", chatID, kind).Row().Scan(&minID, &maxID)
		if err != nil {
			return nil, err
		}
		if minID.Valid && maxID.Valid {
			ranges[kind] = tiles.Range{Start: minID.Int64, End: maxID.Int64 + 1}
		}
	}
	return ranges, nil
}

// MoveEntryShards re-keys the local id allocation rows of a chat whose id changed.
func MoveEntryShards(tx *gorm.DB, from, to ChatID) error {
	return tx.Model(&entryShard{}).Where("chat_id = ?", from).Update("chat_id", to).Error
}

// ForgetChat drops the local id hints of a removed chat.
func (l *EntryLog) ForgetChat(chatID ChatID) {
	for _, kind := range []EntryKind{EntryKindText, EntryKindAudio, EntryKindVideo} {
		l.localIDs.Remove(shardKey(chatID, kind))
	}
}

func validateEntryCommand(command ChangeEntryCommand) error {
	if !command.Change.IsValid() {
		return constraintf("change is empty")
	}
	if command.EntryID.ChatID == "" {
		return constraintf("chat id is required")
	}
	if !command.EntryID.Kind.IsValid() {
		return constraintf("unknown entry kind %d", int(command.EntryID.Kind))
	}
	if command.Change.Kind() == ChangeKindCreate {
		if !command.EntryID.IsNone() {
			return constraintf("new entries cannot carry a local id")
		}
		return nil
	}
	if command.EntryID.IsNone() {
		return constraintf("local id is required")
	}
	return nil
}

// allocateLocalID returns the next dense local id of (chatID, kind). The
// shard row lock serializes concurrent creators; the LRU hint only narrows
// the max scan and is re-validated against the rows under the lock.
func (l *EntryLog) allocateLocalID(tx *gorm.DB, chatID ChatID, kind EntryKind) (int64, error) {
	shard := entryShard{ChatID: chatID, Kind: kind}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&shard).Error; err != nil {
		return 0, err
	}
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("chat_id = ? AND kind = ?", chatID, kind).
		Take(&shard).Error
	if err != nil {
		return 0, err
	}

	floor := shard.LastLocalID
	if hint, ok := l.localIDs.Get(shardKey(chatID, kind)); ok && hint > floor {
		floor = hint
	}
	maxID, err := selectMaxLocalID(tx, chatID, kind, &floor)
	if err != nil {
		return 0, err
	}
	if !maxID.Valid {
		maxID, err = selectMaxLocalID(tx, chatID, kind, nil)
		if err != nil {
			return 0, err
		}
	}
	next := int64(1)
	if maxID.Valid && maxID.Int64 >= 1 {
		next = maxID.Int64 + 1
	}
	err = tx.Model(&entryShard{}).
		Where("chat_id = ? AND kind = ?", chatID, kind).
		Update("last_local_id", next).Error
	if err != nil {
		return 0, err
	}
	return next, nil
}

func selectMaxLocalID(tx *gorm.DB, chatID ChatID, kind EntryKind, floor *int64) (sql.NullInt64, error) {
	var maxID sql.NullInt64
	query := tx.Model(&ChatEntry{}).Select("MAX(local_id)").Where("chat_id = ? AND kind = ?", chatID, kind)
	if floor != nil {
		query = query.Where("local_id >= ?", *floor)
	}
	err := query.Row().Scan(&maxID)
	return maxID, err
}

func shardKey(chatID ChatID, kind EntryKind) string {
	return chatID.String() + "|" + strconv.Itoa(int(kind))
}

func loadEntryAuthor(tx *gorm.DB, authorID AuthorID) (*Author, error) {
	if authorID.IsSystem() {
		return nil, nil
	}
	var author Author
	if err := tx.Where("id = ?", authorID).Take(&author).Error; err != nil {
		if isNotFound(err) {
			return nil, notFoundf("author %s", authorID)
		}
		return nil, err
	}
	return &author, nil
}

// applyTextSideEffects keeps mentions, the pending link preview and
// attachments in step with a created or updated text entry.
func (l *EntryLog) applyTextSideEffects(tx *gorm.DB, outcome *entryChangeOutcome, change Change[ChatEntryDiff]) error {
	entry := &outcome.entry
	diff := change.Diff()
	entryID := entry.EntryID()

	if outcome.contentChanged {
		if diff.LinkPreviewID == nil {
			entry.LinkPreviewID = ""
			if urls := markup.ExtractURLs(entry.Content); len(urls) > 0 {
				previewID, err := ensurePendingLinkPreview(tx, urls[0], l.now(), l.versions.Next(0))
				if err != nil {
					return err
				}
				entry.LinkPreviewID = previewID
			}
		}
		if err := replaceMentions(tx, entryID, entry.Content); err != nil {
			return err
		}
	}

	if change.Kind() == ChangeKindCreate || len(diff.Attachments) > 0 {
		if err := tx.Where("entry_id = ?", entry.ID).Delete(&Attachment{}).Error; err != nil {
			return err
		}
		entry.Attachments = make([]Attachment, 0, len(diff.Attachments))
		for index, input := range diff.Attachments {
			entry.Attachments = append(entry.Attachments, Attachment{
				ID:               AttachmentID(entryID, index),
				ChatID:           entry.ChatID,
				EntryID:          entry.ID,
				Index:            index,
				MediaID:          input.MediaID,
				ThumbnailMediaID: input.ThumbnailMediaID,
				Version:          entry.Version,
			})
		}
		if len(entry.Attachments) > 0 {
			if err := tx.Create(&entry.Attachments).Error; err != nil {
				return err
			}
		} else {
			entry.Attachments = nil
		}
		entry.HasAttachments = len(entry.Attachments) > 0
		return nil
	}
	if entry.HasAttachments {
		err := tx.Where("entry_id = ?", entry.ID).Order("attachment_index ASC").Find(&entry.Attachments).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func replaceMentions(tx *gorm.DB, entryID ChatEntryID, content string) error {
	err := tx.Where("chat_id = ? AND entry_local_id = ?", entryID.ChatID, entryID.LocalID).Delete(&Mention{}).Error
	if err != nil {
		return err
	}
	mentionIDs := markup.ExtractMentionIDs(content)
	if len(mentionIDs) == 0 {
		return nil
	}
	mentions := make([]Mention, 0, len(mentionIDs))
	for _, mentionID := range mentionIDs {
		mentions = append(mentions, Mention{
			ID:           MentionRecordID(entryID, mentionID),
			ChatID:       entryID.ChatID,
			EntryLocalID: entryID.LocalID,
			MentionID:    mentionID,
		})
	}
	return tx.Create(&mentions).Error
}
