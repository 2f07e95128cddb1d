package chats

import (
	"context"
	"strings"

	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/events"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ReactCommand sets the author's reaction on a text entry. Repeating the
// current emoji or sending an empty one removes the reaction.
type ReactCommand struct {
	EntryID  ChatEntryID
	AuthorID AuthorID
	EmojiID  string
}

type ReactionService struct {
	*store
}

func (s *ReactionService) Get(ctx context.Context, entryID ChatEntryID, authorID AuthorID) (*Reaction, error) {
	var reaction Reaction
	err := s.db.WithContext(ctx).Where("id = ?", ReactionID(entryID, authorID)).Take(&reaction).Error
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		s.logError(opListReactions, "reaction_select_failed", err, zap.String(fieldEntryID, entryID.String()))
		return nil, wrapStoreError(opListReactions, "reaction_select_failed", err)
	}
	return &reaction, nil
}

// ListSummaries returns the per-emoji summaries of an entry, most used first.
func (s *ReactionService) ListSummaries(ctx context.Context, entryID ChatEntryID) ([]ReactionSummary, error) {
	var summaries []ReactionSummary
	err := s.db.WithContext(ctx).
		Where("entry_id = ?", entryID.String()).
		Order("count DESC, emoji_id ASC").
		Find(&summaries).Error
	if err != nil {
		s.logError(opListReactions, "summary_list_failed", err, zap.String(fieldEntryID, entryID.String()))
		return nil, wrapStoreError(opListReactions, "summary_list_failed", err)
	}
	return summaries, nil
}

func (s *ReactionService) React(ctx context.Context, command ReactCommand) (Reaction, ChangeKind, error) {
	entryID := command.EntryID
	emojiID := strings.TrimSpace(command.EmojiID)
	if entryID.Kind != EntryKindText || entryID.IsNone() {
		return Reaction{}, 0, NewServiceError(opReact, "invalid_entry", constraintf("reactions apply to text entries"))
	}
	if command.AuthorID.ChatID() != entryID.ChatID || command.AuthorID.IsSystem() {
		err := constraintf("author %s cannot react in chat %s", command.AuthorID, entryID.ChatID)
		return Reaction{}, 0, NewServiceError(opReact, "invalid_author", err)
	}

	var (
		reaction Reaction
		kind     ChangeKind
		entry    ChatEntry
		changed  bool
	)
	txErr := s.transaction(ctx, func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", entryID.String()).Take(&entry).Error
		if err != nil {
			if isNotFound(err) {
				return notFoundf("chat entry %s", entryID)
			}
			return err
		}
		if entry.IsRemoved {
			return constraintf("chat entry %s is removed", entryID)
		}
		var author Author
		if err := tx.Where("id = ?", command.AuthorID).Take(&author).Error; err != nil {
			if isNotFound(err) {
				return notFoundf("author %s", command.AuthorID)
			}
			return err
		}

		var existing Reaction
		err = tx.Where("id = ?", ReactionID(entryID, command.AuthorID)).Take(&existing).Error
		found := err == nil
		if err != nil && !isNotFound(err) {
			return err
		}

		now := s.now()
		affected := make([]string, 0, 2)
		switch {
		case !found && emojiID == "":
			return nil
		case !found:
			kind = ChangeKindCreate
			reaction = Reaction{
				ID:         ReactionID(entryID, command.AuthorID),
				ChatID:     entryID.ChatID,
				EntryID:    entryID.String(),
				AuthorID:   command.AuthorID,
				EmojiID:    emojiID,
				Version:    s.versions.Next(0),
				ModifiedAt: now,
			}
			if err := tx.Create(&reaction).Error; err != nil {
				return err
			}
			affected = append(affected, emojiID)
		case emojiID == "" || emojiID == existing.EmojiID:
			kind = ChangeKindRemove
			reaction = existing
			if err := tx.Where("id = ?", existing.ID).Delete(&Reaction{}).Error; err != nil {
				return err
			}
			affected = append(affected, existing.EmojiID)
		default:
			kind = ChangeKindUpdate
			reaction = existing
			reaction.EmojiID = emojiID
			reaction.Version = s.versions.Next(existing.Version)
			reaction.ModifiedAt = now
			if err := tx.Save(&reaction).Error; err != nil {
				return err
			}
			affected = append(affected, existing.EmojiID, emojiID)
		}
		changed = true

		for _, emoji := range affected {
			if err := s.refreshSummary(tx, entryID, emoji); err != nil {
				return err
			}
		}
		return syncHasReactions(tx, &entry)
	})
	if txErr != nil {
		s.logError(opReact, "react_failed", txErr,
			zap.String(fieldEntryID, entryID.String()),
			zap.String(fieldAuthorID, command.AuthorID.String()))
		return Reaction{}, 0, wrapStoreError(opReact, "react_failed", txErr)
	}
	if !changed {
		return Reaction{}, 0, nil
	}

	invalidation := newInvalidationSet()
	invalidation.addEntryChange(entryID.ChatID, entryID.Kind, entryID.LocalID, ChangeKindUpdate)
	s.invalidate(ctx, invalidation.Keys()...)
	s.publish(ctx, events.TypeReactionChanged, entryID.ChatID, ReactionChangedEvent{
		Reaction:   reaction,
		Entry:      entry,
		ChangeKind: kind,
	})
	return reaction, kind, nil
}

// refreshSummary recomputes the summary of one emoji from the reactions.
func (s *ReactionService) refreshSummary(tx *gorm.DB, entryID ChatEntryID, emojiID string) error {
	summaryID := ReactionSummaryID(entryID, emojiID)
	var count int64
	err := tx.Model(&Reaction{}).Where("entry_id = ? AND emoji_id = ?", entryID.String(), emojiID).Count(&count).Error
	if err != nil {
		return err
	}
	if count == 0 {
		return tx.Where("id = ?", summaryID).Delete(&ReactionSummary{}).Error
	}
	var authorIDs []AuthorID
	err = tx.Model(&Reaction{}).
		Where("entry_id = ? AND emoji_id = ?", entryID.String(), emojiID).
		Order("modified_at ASC, id ASC").
		Limit(MaxReactionSummaryAuthors).
		Pluck("author_id", &authorIDs).Error
	if err != nil {
		return err
	}

	var summary ReactionSummary
	err = tx.Where("id = ?", summaryID).Take(&summary).Error
	switch {
	case isNotFound(err):
		summary = ReactionSummary{
			ID:      summaryID,
			ChatID:  entryID.ChatID,
			EntryID: entryID.String(),
			EmojiID: emojiID,
			Version: s.versions.Next(0),
		}
	case err != nil:
		return err
	default:
		summary.Version = s.versions.Next(summary.Version)
	}
	summary.Count = count
	if err := summary.SetAuthorIDs(authorIDs); err != nil {
		return err
	}
	return tx.Save(&summary).Error
}

func syncHasReactions(tx *gorm.DB, entry *ChatEntry) error {
	var count int64
	if err := tx.Model(&Reaction{}).Where("entry_id = ?", entry.ID).Count(&count).Error; err != nil {
		return err
	}
	hasReactions := count > 0
	if hasReactions == entry.HasReactions {
		return nil
	}
	entry.HasReactions = hasReactions
	return tx.Model(&ChatEntry{}).Where("id = ?", entry.ID).Update("has_reactions", hasReactions).Error
}
