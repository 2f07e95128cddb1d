package placemigration

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/chats"
	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/events"
	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/markup"
	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/tiles"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MoveToPlaceCommand re-keys the group chat ChatID into PlaceID.
type MoveToPlaceCommand struct {
	ChatID  chats.ChatID
	PlaceID string
}

// MoveToPlace moves a group chat into a place in one transaction and
// returns its new id. Every record keyed by the old chat id is re-keyed;
// authors are re-created on the users' place memberships.
func (e *Engine) MoveToPlace(ctx context.Context, command MoveToPlaceCommand) (chats.ChatID, error) {
	placeID := strings.TrimSpace(command.PlaceID)
	if command.ChatID == "" || placeID == "" {
		return "", e.fail(opMoveToPlace, "invalid_command",
			fmt.Errorf("%w: chat and place are required", chats.ErrConstraint), command.ChatID, "")
	}
	if command.ChatID.Kind() != chats.ChatKindGroup {
		return "", e.fail(opMoveToPlace, "invalid_command",
			fmt.Errorf("%w: only group chats can be moved, got %s", chats.ErrConstraint, command.ChatID), command.ChatID, "")
	}
	oldID := command.ChatID
	newID, err := chats.PlaceChatID(placeID, oldID.LocalChatID())
	if err != nil {
		return "", e.fail(opMoveToPlace, "invalid_command", fmt.Errorf("%w: %v", chats.ErrConstraint, err), oldID, "")
	}

	var (
		oldChat chats.Chat
		newChat chats.Chat
		ranges  map[chats.EntryKind]tiles.Range
	)
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		oldChat, err = e.lockMoveTargets(tx, oldID, newID)
		if err != nil {
			return err
		}
		if ranges, err = chats.LoadEntryRanges(tx, oldID); err != nil {
			return err
		}
		newChat = oldChat
		newChat.ID = newID
		newChat.Kind = chats.ChatKindPlace
		newChat.Version = e.backend.Versions.Next(oldChat.Version)
		err = tx.Model(&chats.Chat{}).Where("id = ?", oldID).Updates(map[string]any{
			"id":      newChat.ID,
			"kind":    newChat.Kind,
			"version": newChat.Version,
		}).Error
		if err != nil {
			return err
		}
		if err := moveRoles(tx, oldID, newID); err != nil {
			return err
		}
		authors, err := e.moveAuthors(tx, oldID, newID)
		if err != nil {
			return err
		}
		if err := e.moveEntries(tx, oldID, newID, authors); err != nil {
			return err
		}
		if err := e.moveEntryRecords(tx, oldID, newID, authors); err != nil {
			return err
		}
		return chats.MoveEntryShards(tx, oldID, newID)
	})
	if err != nil {
		return "", e.fail(opMoveToPlace, "move_failed", err, oldID, newID)
	}

	e.backend.Entries.ForgetChat(oldID)
	for kind, r := range ranges {
		e.backend.Entries.InvalidateRange(ctx, oldID, kind, r)
		e.backend.Entries.InvalidateRange(ctx, newID, kind, r)
	}
	e.publish(ctx, events.TypeChatChanged, newID, chats.ChatChangedEvent{
		Chat:       newChat,
		OldChat:    &oldChat,
		ChangeKind: chats.ChangeKindUpdate,
	})
	e.logger.Info("chat moved to place",
		zap.String(fieldSourceChatID, oldID.String()),
		zap.String(fieldDestinationChatID, newID.String()))
	return newID, nil
}

func (e *Engine) lockMoveTargets(tx *gorm.DB, oldID, newID chats.ChatID) (chats.Chat, error) {
	var chat chats.Chat
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", oldID).Take(&chat).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return chats.Chat{}, fmt.Errorf("%w: chat %s", chats.ErrNotFound, oldID)
	}
	if err != nil {
		return chats.Chat{}, err
	}
	var count int64
	if err := tx.Model(&chats.Chat{}).Where("id = ?", newID.PlaceRoot()).Count(&count).Error; err != nil {
		return chats.Chat{}, err
	}
	if count == 0 {
		return chats.Chat{}, fmt.Errorf("%w: place root chat %s", chats.ErrNotFound, newID.PlaceRoot())
	}
	if err := tx.Model(&chats.Chat{}).Where("id = ?", newID).Count(&count).Error; err != nil {
		return chats.Chat{}, err
	}
	if count > 0 {
		return chats.Chat{}, fmt.Errorf("%w: chat %s already exists", chats.ErrConstraint, newID)
	}
	return chat, nil
}

func moveRoles(tx *gorm.DB, oldID, newID chats.ChatID) error {
	var roles []chats.Role
	if err := tx.Where("chat_id = ?", oldID).Order("local_id ASC").Find(&roles).Error; err != nil {
		return err
	}
	for _, role := range roles {
		roleID := chats.NewRoleID(newID, role.LocalID)
		err := tx.Model(&chats.Role{}).Where("id = ?", role.ID).
			Updates(map[string]any{"id": roleID, "chat_id": newID}).Error
		if err != nil {
			return err
		}
		if err := tx.Model(&chats.AuthorRole{}).Where("role_id = ?", role.ID).Update("role_id", roleID).Error; err != nil {
			return err
		}
	}
	return nil
}

// moveAuthors re-creates every author on the user's place membership and
// moves its role links. The old author rows are deleted.
func (e *Engine) moveAuthors(tx *gorm.DB, oldID, newID chats.ChatID) (*MigratedAuthors, error) {
	var authors []chats.Author
	if err := tx.Where("chat_id = ?", oldID).Order("local_id ASC").Find(&authors).Error; err != nil {
		return nil, err
	}
	migrated := NewMigratedAuthors()
	for _, author := range authors {
		if author.IsAnonymous {
			removable, err := anonymousAuthorIsRemovable(tx, author)
			if err != nil {
				return nil, err
			}
			if !removable {
				return nil, fmt.Errorf("%w: anonymous author %s has entries", chats.ErrUnsupported, author.ID)
			}
			if err := tx.Where("author_id = ?", author.ID).Delete(&chats.AuthorRole{}).Error; err != nil {
				return nil, err
			}
			e.logSkip("anonymous author dropped", "anonymous_without_entries", oldID, zap.String("author_id", author.ID.String()))
			migrated.RegisterRemoved(author.ID)
		} else {
			newAuthor, err := e.joinPlaceAuthor(tx, newID, author)
			if err != nil {
				return nil, err
			}
			if err := tx.Model(&chats.AuthorRole{}).Where("author_id = ?", author.ID).Update("author_id", newAuthor.ID).Error; err != nil {
				return nil, err
			}
			migrated.RegisterMigrated(author.ID, newAuthor.ID)
		}
		if err := tx.Where("id = ?", author.ID).Delete(&chats.Author{}).Error; err != nil {
			return nil, err
		}
	}
	return migrated, nil
}

// moveEntries re-keys entry authors, content mentions, system entries and
// finally the entry ids of every kind.
func (e *Engine) moveEntries(tx *gorm.DB, oldID, newID chats.ChatID, authors *MigratedAuthors) error {
	var authorIDs []chats.AuthorID
	err := tx.Model(&chats.ChatEntry{}).Distinct("author_id").Where("chat_id = ?", oldID).Pluck("author_id", &authorIDs).Error
	if err != nil {
		return err
	}
	for _, authorID := range authorIDs {
		newAuthorID, _, err := authors.resolveEntryAuthor(authorID, newID)
		if err != nil {
			return err
		}
		err = tx.Model(&chats.ChatEntry{}).Where("chat_id = ? AND author_id = ?", oldID, authorID).
			Update("author_id", newAuthorID).Error
		if err != nil {
			return err
		}
	}

	var rewritable []chats.ChatEntry
	err = tx.Where("chat_id = ? AND (is_system_entry = ? OR content LIKE ?)", oldID, true, "%"+markup.AuthorMentionPrefix+"%").
		Order("kind ASC, local_id ASC").Find(&rewritable).Error
	if err != nil {
		return err
	}
	remapMention := func(authorID string) (string, bool) {
		newAuthorID, err := authors.GetNewAuthorID(chats.AuthorID(authorID))
		if err != nil {
			return "", false
		}
		return newAuthorID.String(), true
	}
	for _, entry := range rewritable {
		changes := make(map[string]any, 2)
		if content, changed := markup.RewriteAuthorMentions(entry.Content, remapMention); changed {
			changes["content"] = content
		}
		payload, err := entry.DecodeSystemEntry()
		if err != nil {
			return err
		}
		if payload != nil && payload.MembersChanged != nil {
			newAuthorID, removed, err := authors.DemandMigratedAuthor(payload.MembersChanged.AuthorID)
			if err != nil {
				return err
			}
			if removed {
				newAuthorID = payload.MembersChanged.AuthorID
			}
			payload.MembersChanged.AuthorID = newAuthorID
			encoded, err := chats.EncodeSystemEntry(payload)
			if err != nil {
				return err
			}
			changes["system_entry"] = encoded
		}
		if len(changes) == 0 {
			continue
		}
		if err := tx.Model(&chats.ChatEntry{}).Where("id = ?", entry.ID).Updates(changes).Error; err != nil {
			return err
		}
	}

	for _, kind := range []chats.EntryKind{chats.EntryKindText, chats.EntryKindAudio, chats.EntryKindVideo} {
		err := tx.Model(&chats.ChatEntry{}).Where("chat_id = ? AND kind = ?", oldID, kind).Updates(map[string]any{
			"id":      gorm.Expr("? || CAST(local_id AS TEXT)", chats.EntryIDPrefix(newID, kind)),
			"chat_id": newID,
		}).Error
		if err != nil {
			return err
		}
	}
	return e.moveForwardedReferences(tx, oldID, newID, authors)
}

// moveForwardedReferences rewrites entries of any chat that forward an
// entry or an author of the moved chat.
func (e *Engine) moveForwardedReferences(tx *gorm.DB, oldID, newID chats.ChatID, authors *MigratedAuthors) error {
	prefix := oldID.String() + ":%"
	var forwarded []chats.ChatEntry
	err := tx.Where("forwarded_chat_entry_id LIKE ? OR forwarded_author_id LIKE ?", prefix, prefix).Find(&forwarded).Error
	if err != nil {
		return err
	}
	for _, entry := range forwarded {
		changes := make(map[string]any, 2)
		if id, err := chats.ParseChatEntryID(entry.ForwardedChatEntryID); err == nil && id.ChatID == oldID {
			id.ChatID = newID
			changes["forwarded_chat_entry_id"] = id.String()
		}
		if entry.ForwardedAuthorID != "" && entry.ForwardedAuthorID.ChatID() == oldID {
			newAuthorID, err := authors.GetNewAuthorID(entry.ForwardedAuthorID)
			if err != nil {
				newAuthorID = ""
			}
			changes["forwarded_author_id"] = newAuthorID
		}
		if len(changes) == 0 {
			continue
		}
		if err := tx.Model(&chats.ChatEntry{}).Where("id = ?", entry.ID).Updates(changes).Error; err != nil {
			return err
		}
	}
	return nil
}

// moveEntryRecords re-creates attachments, mentions, reactions and reaction
// summaries under the new entry and author ids.
func (e *Engine) moveEntryRecords(tx *gorm.DB, oldID, newID chats.ChatID, authors *MigratedAuthors) error {
	rekey := func(entryID string) (chats.ChatEntryID, error) {
		id, err := chats.ParseChatEntryID(entryID)
		if err != nil {
			return chats.ChatEntryID{}, fmt.Errorf("%w: %v", chats.ErrInternal, err)
		}
		if id.ChatID != oldID {
			return chats.ChatEntryID{}, fmt.Errorf("%w: entry %s does not belong to chat %s", chats.ErrInternal, entryID, oldID)
		}
		id.ChatID = newID
		return id, nil
	}

	var attachments []chats.Attachment
	if err := takeChatRows(tx, oldID, &attachments, &chats.Attachment{}); err != nil {
		return err
	}
	for i := range attachments {
		entryID, err := rekey(attachments[i].EntryID)
		if err != nil {
			return err
		}
		attachments[i].ID = chats.AttachmentID(entryID, attachments[i].Index)
		attachments[i].ChatID = newID
		attachments[i].EntryID = entryID.String()
	}
	if _, err := createIgnoringConflicts(tx, attachments); err != nil {
		return err
	}

	var mentions []chats.Mention
	if err := takeChatRows(tx, oldID, &mentions, &chats.Mention{}); err != nil {
		return err
	}
	moved := make([]chats.Mention, 0, len(mentions))
	for _, mention := range mentions {
		mentionID := mention.MentionID
		if strings.HasPrefix(mentionID, markup.AuthorMentionPrefix) {
			newAuthorID, err := authors.GetNewAuthorID(chats.AuthorID(strings.TrimPrefix(mentionID, markup.AuthorMentionPrefix)))
			if err != nil {
				e.logSkip("mention dropped", "mentioned_author_not_migrated", oldID, zap.String("mention_record_id", mention.ID))
				continue
			}
			mentionID = chats.AuthorMentionID(newAuthorID)
		}
		entryID := chats.NewChatEntryID(newID, chats.EntryKindText, mention.EntryLocalID)
		moved = append(moved, chats.Mention{
			ID:           chats.MentionRecordID(entryID, mentionID),
			ChatID:       newID,
			EntryLocalID: mention.EntryLocalID,
			MentionID:    mentionID,
		})
	}
	if _, err := createIgnoringConflicts(tx, moved); err != nil {
		return err
	}

	var reactions []chats.Reaction
	if err := takeChatRows(tx, oldID, &reactions, &chats.Reaction{}); err != nil {
		return err
	}
	movedReactions := make([]chats.Reaction, 0, len(reactions))
	for _, reaction := range reactions {
		entryID, err := rekey(reaction.EntryID)
		if err != nil {
			return err
		}
		authorID, removed, err := authors.DemandMigratedAuthor(reaction.AuthorID)
		if err != nil {
			return err
		}
		if removed {
			e.logSkip("reaction dropped", "author_removed", oldID, zap.String("reaction_id", reaction.ID))
			continue
		}
		reaction.ID = chats.ReactionID(entryID, authorID)
		reaction.ChatID = newID
		reaction.EntryID = entryID.String()
		reaction.AuthorID = authorID
		movedReactions = append(movedReactions, reaction)
	}
	if _, err := createIgnoringConflicts(tx, movedReactions); err != nil {
		return err
	}

	var summaries []chats.ReactionSummary
	if err := takeChatRows(tx, oldID, &summaries, &chats.ReactionSummary{}); err != nil {
		return err
	}
	movedSummaries := make([]chats.ReactionSummary, 0, len(summaries))
	for _, summary := range summaries {
		entryID, err := rekey(summary.EntryID)
		if err != nil {
			return err
		}
		authorIDs, err := summary.AuthorIDs()
		if err != nil {
			e.logSkip("reaction summary skipped", "summary_undecodable", oldID, zap.String("summary_id", summary.ID), zap.Error(err))
			continue
		}
		remapped := make([]chats.AuthorID, 0, len(authorIDs))
		for _, authorID := range authorIDs {
			newAuthorID, err := authors.GetNewAuthorID(authorID)
			if err != nil {
				continue
			}
			remapped = append(remapped, newAuthorID)
		}
		if len(remapped) == 0 {
			e.logSkip("reaction summary dropped", "no_authors_left", oldID, zap.String("summary_id", summary.ID))
			continue
		}
		summary.ID = chats.ReactionSummaryID(entryID, summary.EmojiID)
		summary.ChatID = newID
		summary.EntryID = entryID.String()
		if err := summary.SetAuthorIDs(remapped); err != nil {
			return err
		}
		movedSummaries = append(movedSummaries, summary)
	}
	_, err := createIgnoringConflicts(tx, movedSummaries)
	return err
}

// takeChatRows loads the rows of model belonging to chatID into dest and
// deletes them.
func takeChatRows(tx *gorm.DB, chatID chats.ChatID, dest any, model any) error {
	if err := tx.Where("chat_id = ?", chatID).Order("id ASC").Find(dest).Error; err != nil {
		return err
	}
	return tx.Where("chat_id = ?", chatID).Delete(model).Error
}
