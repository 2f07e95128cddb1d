package chats

import (
	"context"
	"strings"

	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/events"
	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/tiles"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	ownerRoleLocalID  = int64(1)
	anyoneRoleLocalID = int64(2)
)

// ChatDiff lists the chat fields a Create or Update sets.
type ChatDiff struct {
	Title      *string
	IsPublic   *bool
	IsArchived *bool
	IsTemplate *bool
	SystemTag  *string
	MediaID    *string
}

// ChangeChatCommand creates, updates or removes a chat. An empty ChatID on
// Create makes a new group chat. OwnerUserID is required on Create.
type ChangeChatCommand struct {
	ChatID          ChatID
	ExpectedVersion int64
	Change          Change[ChatDiff]
	OwnerUserID     string
}

type ChatService struct {
	*store
	entries    *EntryLog
	authors    *AuthorService
	roles      *RoleService
	accounts   AccountResolver
	idProvider IDProvider
}

func (s *ChatService) Get(ctx context.Context, chatID ChatID) (*Chat, error) {
	var chat Chat
	err := s.db.WithContext(ctx).Where("id = ?", chatID).Take(&chat).Error
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		s.logError(opGetChat, "chat_select_failed", err, zap.String(fieldChatID, chatID.String()))
		return nil, wrapStoreError(opGetChat, "chat_select_failed", err)
	}
	return &chat, nil
}

func (s *ChatService) ChangeChat(ctx context.Context, command ChangeChatCommand) (Chat, error) {
	switch command.Change.Kind() {
	case ChangeKindCreate:
		return s.createChat(ctx, command)
	case ChangeKindUpdate:
		return s.updateChat(ctx, command)
	case ChangeKindRemove:
		return s.removeChat(ctx, command)
	default:
		return Chat{}, NewServiceError(opChangeChat, "invalid_command", constraintf("change is empty"))
	}
}

func (s *ChatService) createChat(ctx context.Context, command ChangeChatCommand) (Chat, error) {
	chatID := command.ChatID
	if chatID == "" {
		generated, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opChangeChat, "id_generation_failed", err)
			return Chat{}, NewServiceError(opChangeChat, "id_generation_failed", err)
		}
		chatID = ChatID(generated)
	}
	parsed, err := ParseChatID(chatID.String())
	if err != nil {
		return Chat{}, NewServiceError(opChangeChat, "invalid_chat_id", constraintf("%v", err))
	}
	chatID = parsed
	if chatID.IsPeer() {
		err := constraintf("peer chats are created by GetOrCreatePeerChat")
		return Chat{}, NewServiceError(opChangeChat, "peer_chat_create", err)
	}
	ownerUserID := strings.TrimSpace(command.OwnerUserID)
	if ownerUserID == "" {
		return Chat{}, NewServiceError(opChangeChat, "missing_owner", constraintf("owner user id is required"))
	}
	account, err := s.accounts.GetAccount(ctx, ownerUserID)
	if err != nil {
		s.logError(opChangeChat, "account_select_failed", err, zap.String(fieldUserID, ownerUserID))
		return Chat{}, wrapStoreError(opChangeChat, "account_select_failed", err)
	}
	if account == nil {
		return Chat{}, NewServiceError(opChangeChat, "owner_not_found", notFoundf("account %s", ownerUserID))
	}

	chat := Chat{ID: chatID, Kind: chatID.Kind(), CreatedAt: s.now()}
	if err := applyChatDiff(&chat, command.Change.Diff()); err != nil {
		return Chat{}, NewServiceError(opChangeChat, "invalid_diff", err)
	}
	chat.Version = s.versions.Next(0)

	var joins []JoinResult
	txErr := s.transaction(ctx, func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Chat{}).Where("id = ?", chatID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return constraintf("chat %s already exists", chatID)
		}
		if err := tx.Create(&chat).Error; err != nil {
			return err
		}
		var err error
		joins, err = s.authors.ensureJoined(tx, chatID, ownerUserID, account.AvatarID)
		if err != nil {
			return err
		}
		owner := joins[len(joins)-1].Author
		ownerRole, anyoneRole := SystemRoleOwner, SystemRoleAnyone
		ownerPermissions, anyonePermissions := PermissionOwner, DefaultAnyonePermissions
		_, err = s.roles.createRoleInTx(tx, chatID, ownerRoleLocalID, RoleDiff{
			SystemRole:   &ownerRole,
			Permissions:  &ownerPermissions,
			AddAuthorIDs: []AuthorID{owner.ID},
		})
		if err != nil {
			return err
		}
		_, err = s.roles.createRoleInTx(tx, chatID, anyoneRoleLocalID, RoleDiff{
			SystemRole:  &anyoneRole,
			Permissions: &anyonePermissions,
		})
		return err
	})
	if txErr != nil {
		s.logError(opChangeChat, "create_failed", txErr, zap.String(fieldChatID, chatID.String()))
		return Chat{}, wrapStoreError(opChangeChat, "create_failed", txErr)
	}
	s.authors.publishJoins(ctx, joins)
	s.publish(ctx, events.TypeChatChanged, chat.ID, ChatChangedEvent{Chat: chat, ChangeKind: ChangeKindCreate})
	return chat, nil
}

func (s *ChatService) updateChat(ctx context.Context, command ChangeChatCommand) (Chat, error) {
	var chat, old Chat
	txErr := s.transaction(ctx, func(tx *gorm.DB) error {
		var err error
		chat, err = lockChat(tx, command.ChatID, command.ExpectedVersion)
		if err != nil {
			return err
		}
		old = chat
		if err := applyChatDiff(&chat, command.Change.Diff()); err != nil {
			return err
		}
		chat.Version = s.versions.Next(chat.Version)
		return tx.Save(&chat).Error
	})
	if txErr != nil {
		s.logError(opChangeChat, "update_failed", txErr, zap.String(fieldChatID, command.ChatID.String()))
		return Chat{}, wrapStoreError(opChangeChat, "update_failed", txErr)
	}
	s.publish(ctx, events.TypeChatChanged, chat.ID, ChatChangedEvent{Chat: chat, OldChat: &old, ChangeKind: ChangeKindUpdate})
	return chat, nil
}

// removeChat deletes the chat with every dependent row and drops its cached views.
func (s *ChatService) removeChat(ctx context.Context, command ChangeChatCommand) (Chat, error) {
	var (
		chat   Chat
		ranges map[EntryKind]tiles.Range
	)
	txErr := s.transaction(ctx, func(tx *gorm.DB) error {
		var err error
		chat, err = lockChat(tx, command.ChatID, command.ExpectedVersion)
		if err != nil {
			return err
		}
		if chat.ID.IsPlaceRoot() {
			var children int64
			err := tx.Model(&Chat{}).
				Where("id LIKE ? AND id <> ?", placeChatPrefix+chat.ID.PlaceID()+idSeparator+"%", chat.ID).
				Count(&children).Error
			if err != nil {
				return err
			}
			if children > 0 {
				return constraintf("place %s still has %d chats", chat.ID.PlaceID(), children)
			}
		}
		ranges, err = LoadEntryRanges(tx, chat.ID)
		if err != nil {
			return err
		}
		return deleteChatRows(tx, chat.ID)
	})
	if txErr != nil {
		s.logError(opChangeChat, "remove_failed", txErr, zap.String(fieldChatID, command.ChatID.String()))
		return Chat{}, wrapStoreError(opChangeChat, "remove_failed", txErr)
	}
	s.entries.ForgetChat(chat.ID)
	for kind, r := range ranges {
		s.entries.InvalidateRange(ctx, chat.ID, kind, r)
	}
	s.publish(ctx, events.TypeChatChanged, chat.ID, ChatChangedEvent{Chat: chat, OldChat: &chat, ChangeKind: ChangeKindRemove})
	return chat, nil
}

// GetOrCreatePeerChat returns the peer chat of two users, creating it and
// both authors on first use.
func (s *ChatService) GetOrCreatePeerChat(ctx context.Context, userA, userB string) (Chat, error) {
	userA, userB = strings.TrimSpace(userA), strings.TrimSpace(userB)
	if userA == userB {
		return Chat{}, NewServiceError(opGetPeerChat, "same_user", constraintf("peer chat needs two distinct users"))
	}
	chatID, err := PeerChatID(userA, userB)
	if err != nil {
		return Chat{}, NewServiceError(opGetPeerChat, "invalid_chat_id", constraintf("%v", err))
	}
	avatars := make(map[string]string, 2)
	for _, userID := range []string{userA, userB} {
		account, err := s.accounts.GetAccount(ctx, userID)
		if err != nil {
			s.logError(opGetPeerChat, "account_select_failed", err, zap.String(fieldUserID, userID))
			return Chat{}, wrapStoreError(opGetPeerChat, "account_select_failed", err)
		}
		if account == nil {
			return Chat{}, NewServiceError(opGetPeerChat, "account_not_found", notFoundf("account %s", userID))
		}
		avatars[userID] = account.AvatarID
	}

	var (
		chat    Chat
		created bool
		joins   []JoinResult
	)
	txErr := s.transaction(ctx, func(tx *gorm.DB) error {
		err := tx.Where("id = ?", chatID).Take(&chat).Error
		if err == nil {
			return nil
		}
		if !isNotFound(err) {
			return err
		}
		chat = Chat{ID: chatID, Kind: ChatKindPeer, Version: s.versions.Next(0), CreatedAt: s.now()}
		if err := tx.Create(&chat).Error; err != nil {
			return err
		}
		created = true
		first, second := chatID.PeerUserIDs()
		for _, userID := range []string{first, second} {
			results, err := s.authors.ensureJoined(tx, chatID, userID, avatars[userID])
			if err != nil {
				return err
			}
			joins = append(joins, results...)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opGetPeerChat, "peer_chat_failed", txErr, zap.String(fieldChatID, chatID.String()))
		return Chat{}, wrapStoreError(opGetPeerChat, "peer_chat_failed", txErr)
	}
	if created {
		s.publish(ctx, events.TypeChatChanged, chat.ID, ChatChangedEvent{Chat: chat, ChangeKind: ChangeKindCreate})
		s.authors.publishJoins(ctx, joins)
	}
	return chat, nil
}

func lockChat(tx *gorm.DB, chatID ChatID, expectedVersion int64) (Chat, error) {
	var chat Chat
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", chatID).Take(&chat).Error
	if err != nil {
		if isNotFound(err) {
			return Chat{}, notFoundf("chat %s", chatID)
		}
		return Chat{}, err
	}
	if chat.Version != expectedVersion {
		return Chat{}, concurrencyf("chat %s has version %d, expected %d", chatID, chat.Version, expectedVersion)
	}
	return chat, nil
}

func applyChatDiff(chat *Chat, diff ChatDiff) error {
	if diff.Title != nil {
		chat.Title = strings.TrimSpace(*diff.Title)
	}
	if diff.IsPublic != nil {
		chat.IsPublic = *diff.IsPublic
	}
	if diff.IsArchived != nil {
		chat.IsArchived = *diff.IsArchived
	}
	if diff.IsTemplate != nil {
		chat.IsTemplate = *diff.IsTemplate
	}
	if diff.SystemTag != nil {
		chat.SystemTag = *diff.SystemTag
	}
	if diff.MediaID != nil {
		chat.MediaID = *diff.MediaID
	}
	switch chat.Kind {
	case ChatKindPeer:
		if chat.Title != "" {
			return constraintf("peer chats have no title")
		}
	default:
		if chat.Title == "" {
			return constraintf("%s chats need a title", chat.Kind)
		}
	}
	return nil
}

// deleteChatRows removes chatID and everything that references it.
func deleteChatRows(tx *gorm.DB, chatID ChatID) error {
	steps := []func() error{
		func() error { return tx.Where("chat_id = ?", chatID).Delete(&Reaction{}).Error },
		func() error { return tx.Where("chat_id = ?", chatID).Delete(&ReactionSummary{}).Error },
		func() error { return tx.Where("chat_id = ?", chatID).Delete(&Mention{}).Error },
		func() error { return tx.Where("chat_id = ?", chatID).Delete(&Attachment{}).Error },
		func() error { return tx.Where("chat_id = ?", chatID).Delete(&ChatEntry{}).Error },
		func() error { return tx.Where("chat_id = ?", chatID).Delete(&entryShard{}).Error },
		func() error { return tx.Where("author_id IN (SELECT id FROM chat_authors WHERE chat_id = ?)", chatID).Delete(&AuthorRole{}).Error },
		func() error { return tx.Where("chat_id = ?", chatID).Delete(&Role{}).Error },
		func() error { return tx.Where("chat_id = ?", chatID).Delete(&Author{}).Error },
		func() error { return tx.Where("id = ?", chatID).Delete(&Chat{}).Error },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}
