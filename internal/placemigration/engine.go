// Package placemigration copies and moves chats into places.
//
// A copy produces place:<placeId>:<localChatId> next to the source chat and
// is resumable: entries are copied in batches and every committed batch
// advances the ChatCopyState checkpoint of the destination. A move re-keys
// the source chat in place within a single transaction.
package placemigration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/chats"
	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/events"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	DefaultBatchSize = 500

	opNewEngine         = "placemigration.new_engine"
	opCopyChat          = "placemigration.copy_chat"
	opPublishCopiedChat = "placemigration.publish_copied_chat"
	opMoveToPlace       = "placemigration.move_to_place"

	fieldSourceChatID      = "source_chat_id"
	fieldDestinationChatID = "destination_chat_id"
	fieldReason            = "reason"
)

// MediaStore re-scopes media items referenced by copied records.
type MediaStore interface {
	Copy(ctx context.Context, sourceScopeID, destinationScopeID string, mediaIDs []string) (map[string]string, error)
}

// Config describes the dependencies of the engine.
type Config struct {
	Database  *gorm.DB
	Chats     *chats.Backend
	Media     MediaStore
	Publisher events.Publisher
	BatchSize int
	Clock     func() time.Time
	Logger    *zap.Logger
}

type Engine struct {
	db        *gorm.DB
	backend   *chats.Backend
	media     MediaStore
	publisher events.Publisher
	batchSize int
	clock     func() time.Time
	logger    *zap.Logger
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Database == nil {
		return nil, chats.NewServiceError(opNewEngine, "missing_database", errors.New("database handle is required"))
	}
	if cfg.Chats == nil {
		return nil, chats.NewServiceError(opNewEngine, "missing_chats", errors.New("chat backend is required"))
	}
	if cfg.Media == nil {
		return nil, chats.NewServiceError(opNewEngine, "missing_media", errors.New("media store is required"))
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &Engine{
		db:        cfg.Database,
		backend:   cfg.Chats,
		media:     cfg.Media,
		publisher: publisher,
		batchSize: batchSize,
		clock:     clock,
		logger:    logger,
	}, nil
}

// CopyChatCommand copies ChatID into PlaceID. CorrelationID is recorded on
// the checkpoint so repeated invocations can be traced.
type CopyChatCommand struct {
	ChatID        chats.ChatID
	PlaceID       string
	CorrelationID string
}

// CopyChatResult reports one copy pass. HasErrors means the pass stopped at
// LastEntryLocalID and should be invoked again.
type CopyChatResult struct {
	NewChatID        chats.ChatID
	HasChanges       bool
	HasErrors        bool
	LastEntryLocalID int64
}

// copyPlan carries the remap tables of one copy pass.
type copyPlan struct {
	source        chats.Chat
	destinationID chats.ChatID
	state         ChatCopyState
	authors       *MigratedAuthors
	roles         *MigratedRoles
}

func (p *copyPlan) remapMentionedAuthor(authorID string) (string, bool) {
	newID, err := p.authors.GetNewAuthorID(chats.AuthorID(authorID))
	if err != nil {
		return "", false
	}
	return newID.String(), true
}

// CopyChat creates or reconciles the destination chat, its roles and its
// authors, then copies text entries from the checkpoint on. Failures while
// setting up the destination are returned. Failures inside the entry batches
// stop the pass and are reported through HasErrors.
func (e *Engine) CopyChat(ctx context.Context, command CopyChatCommand) (CopyChatResult, error) {
	source, destinationID, err := e.resolveCopy(ctx, command)
	if err != nil {
		return CopyChatResult{}, e.fail(opCopyChat, "resolve_failed", err, command.ChatID, destinationID)
	}
	mediaID, err := e.copyChatMedia(ctx, *source, destinationID)
	if err != nil {
		return CopyChatResult{}, e.fail(opCopyChat, "chat_media_copy_failed", err, source.ID, destinationID)
	}
	plan, err := e.prepareDestination(ctx, *source, destinationID, command, mediaID)
	if err != nil {
		return CopyChatResult{}, e.fail(opCopyChat, "prepare_destination_failed", err, source.ID, destinationID)
	}

	result := CopyChatResult{NewChatID: destinationID, LastEntryLocalID: plan.state.LastEntryLocalID}
	e.copyEntries(ctx, plan, &result)
	e.logger.Info("chat copy pass finished",
		zap.String(fieldSourceChatID, source.ID.String()),
		zap.String(fieldDestinationChatID, destinationID.String()),
		zap.String("correlation_id", command.CorrelationID),
		zap.Bool("has_changes", result.HasChanges),
		zap.Bool("has_errors", result.HasErrors),
		zap.Int64("last_entry_local_id", result.LastEntryLocalID))
	return result, nil
}

func (e *Engine) resolveCopy(ctx context.Context, command CopyChatCommand) (*chats.Chat, chats.ChatID, error) {
	placeID := strings.TrimSpace(command.PlaceID)
	if command.ChatID == "" || placeID == "" {
		return nil, "", fmt.Errorf("%w: chat and place are required", chats.ErrConstraint)
	}
	if command.ChatID.IsPeer() || command.ChatID.IsPlaceRoot() {
		return nil, "", fmt.Errorf("%w: chat %s cannot be copied into a place", chats.ErrConstraint, command.ChatID)
	}
	if command.ChatID.PlaceID() == placeID {
		return nil, "", fmt.Errorf("%w: chat %s already belongs to place %s", chats.ErrConstraint, command.ChatID, placeID)
	}
	destinationID, err := chats.PlaceChatID(placeID, command.ChatID.LocalChatID())
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", chats.ErrConstraint, err)
	}
	source, err := e.backend.Chats.Get(ctx, command.ChatID)
	if err != nil {
		return nil, destinationID, err
	}
	if source == nil {
		return nil, destinationID, fmt.Errorf("%w: chat %s", chats.ErrNotFound, command.ChatID)
	}
	root, err := e.backend.Chats.Get(ctx, destinationID.PlaceRoot())
	if err != nil {
		return nil, destinationID, err
	}
	if root == nil {
		return nil, destinationID, fmt.Errorf("%w: place root chat %s", chats.ErrNotFound, destinationID.PlaceRoot())
	}
	return source, destinationID, nil
}

// copyChatMedia re-scopes the chat picture when the source chat owns it.
func (e *Engine) copyChatMedia(ctx context.Context, source chats.Chat, destinationID chats.ChatID) (string, error) {
	if source.MediaID == "" {
		return "", nil
	}
	remap, err := e.media.Copy(ctx, source.ID.String(), destinationID.String(), []string{source.MediaID})
	if err != nil {
		return "", err
	}
	if newID, ok := remap[source.MediaID]; ok {
		return newID, nil
	}
	return source.MediaID, nil
}

func (e *Engine) prepareDestination(ctx context.Context, source chats.Chat, destinationID chats.ChatID, command CopyChatCommand, mediaID string) (*copyPlan, error) {
	plan := &copyPlan{
		source:        source,
		destinationID: destinationID,
		authors:       NewMigratedAuthors(),
		roles:         NewMigratedRoles(),
	}
	var (
		chat        chats.Chat
		oldChat     *chats.Chat
		chatChanged bool
	)
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		state, err := e.lockCopyState(tx, source, destinationID, command)
		if err != nil {
			return err
		}
		plan.state = state
		chat, oldChat, chatChanged, err = e.upsertDestinationChat(tx, source, destinationID, mediaID, state)
		if err != nil {
			return err
		}
		if err := e.copyRoles(tx, plan); err != nil {
			return err
		}
		return e.copyAuthors(tx, plan)
	})
	if err != nil {
		return nil, err
	}
	if chatChanged {
		changeKind := chats.ChangeKindUpdate
		if oldChat == nil {
			changeKind = chats.ChangeKindCreate
		}
		e.publish(ctx, events.TypeChatChanged, destinationID, chats.ChatChangedEvent{Chat: chat, OldChat: oldChat, ChangeKind: changeKind})
	}
	return plan, nil
}

func (e *Engine) lockCopyState(tx *gorm.DB, source chats.Chat, destinationID chats.ChatID, command CopyChatCommand) (ChatCopyState, error) {
	var state ChatCopyState
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", destinationID).Take(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		var existing int64
		if err := tx.Model(&chats.Chat{}).Where("id = ?", destinationID).Count(&existing).Error; err != nil {
			return ChatCopyState{}, err
		}
		if existing > 0 {
			return ChatCopyState{}, fmt.Errorf("%w: chat %s exists and is not a copy", chats.ErrConstraint, destinationID)
		}
		state = ChatCopyState{
			ID:             destinationID,
			SourceChatID:   source.ID,
			PlaceID:        destinationID.PlaceID(),
			CorrelationID:  command.CorrelationID,
			SourceIsPublic: source.IsPublic,
			Version:        e.backend.Versions.Next(0),
			UpdatedAt:      e.now(),
		}
		return state, tx.Create(&state).Error
	}
	if err != nil {
		return ChatCopyState{}, err
	}
	if state.SourceChatID != source.ID {
		return ChatCopyState{}, fmt.Errorf("%w: chat %s is a copy of %s", chats.ErrConstraint, destinationID, state.SourceChatID)
	}
	// A removed destination restarts the copy from the first source entry.
	var existing int64
	if err := tx.Model(&chats.Chat{}).Where("id = ?", destinationID).Count(&existing).Error; err != nil {
		return ChatCopyState{}, err
	}
	if existing == 0 {
		state.LastEntryLocalID = 0
		state.IsPublished = false
	}
	if command.CorrelationID != "" {
		state.CorrelationID = command.CorrelationID
	}
	state.SourceIsPublic = source.IsPublic
	state.Version = e.backend.Versions.Next(state.Version)
	state.UpdatedAt = e.now()
	err = tx.Model(&ChatCopyState{}).Where("id = ?", state.ID).Updates(map[string]any{
		"correlation_id":      state.CorrelationID,
		"source_is_public":    state.SourceIsPublic,
		"last_entry_local_id": state.LastEntryLocalID,
		"is_published":        state.IsPublished,
		"version":             state.Version,
		"updated_at":          state.UpdatedAt,
	}).Error
	return state, err
}

// upsertDestinationChat keeps the destination private until the copy is published.
func (e *Engine) upsertDestinationChat(tx *gorm.DB, source chats.Chat, destinationID chats.ChatID, mediaID string, state ChatCopyState) (chats.Chat, *chats.Chat, bool, error) {
	isPublic := state.IsPublished && source.IsPublic
	var chat chats.Chat
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", destinationID).Take(&chat).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		chat = chats.Chat{
			ID:         destinationID,
			Kind:       chats.ChatKindPlace,
			Title:      source.Title,
			IsPublic:   isPublic,
			IsArchived: source.IsArchived,
			IsTemplate: source.IsTemplate,
			SystemTag:  source.SystemTag,
			MediaID:    mediaID,
			Version:    e.backend.Versions.Next(0),
			CreatedAt:  e.now(),
		}
		if err := tx.Create(&chat).Error; err != nil {
			return chats.Chat{}, nil, false, err
		}
		return chat, nil, true, nil
	}
	if err != nil {
		return chats.Chat{}, nil, false, err
	}
	old := chat
	chat.Title = source.Title
	chat.IsPublic = isPublic
	chat.IsArchived = source.IsArchived
	chat.IsTemplate = source.IsTemplate
	chat.SystemTag = source.SystemTag
	chat.MediaID = mediaID
	if chat == old {
		return chat, nil, false, nil
	}
	chat.Version = e.backend.Versions.Next(old.Version)
	err = tx.Model(&chats.Chat{}).Where("id = ?", chat.ID).Updates(map[string]any{
		"title":       chat.Title,
		"is_public":   chat.IsPublic,
		"is_archived": chat.IsArchived,
		"is_template": chat.IsTemplate,
		"system_tag":  chat.SystemTag,
		"media_id":    chat.MediaID,
		"version":     chat.Version,
	}).Error
	if err != nil {
		return chats.Chat{}, nil, false, err
	}
	return chat, &old, true, nil
}

// copyRoles keeps role local ids. An existing destination role must carry
// the same system role and name as its source.
func (e *Engine) copyRoles(tx *gorm.DB, plan *copyPlan) error {
	var sourceRoles []chats.Role
	if err := tx.Where("chat_id = ?", plan.source.ID).Order("local_id ASC").Find(&sourceRoles).Error; err != nil {
		return err
	}
	var destinationRoles []chats.Role
	if err := tx.Where("chat_id = ?", plan.destinationID).Find(&destinationRoles).Error; err != nil {
		return err
	}
	byLocalID := make(map[int64]chats.Role, len(destinationRoles))
	bySystemRole := make(map[chats.SystemRole]chats.Role, len(destinationRoles))
	for _, role := range destinationRoles {
		byLocalID[role.LocalID] = role
		if role.SystemRole != "" {
			bySystemRole[role.SystemRole] = role
		}
	}

	for _, role := range sourceRoles {
		newID := chats.NewRoleID(plan.destinationID, role.LocalID)
		if existing, ok := byLocalID[role.LocalID]; ok {
			if existing.SystemRole != role.SystemRole || existing.Name != role.Name {
				return fmt.Errorf("%w: role %s (%q, %q) does not match source role %s (%q, %q)",
					chats.ErrConstraint, existing.ID, existing.SystemRole, existing.Name, role.ID, role.SystemRole, role.Name)
			}
			plan.roles.RegisterMigrated(role.ID, existing.ID)
			continue
		}
		if role.SystemRole != "" {
			if existing, ok := bySystemRole[role.SystemRole]; ok {
				return fmt.Errorf("%w: chat %s already has %s role %s",
					chats.ErrConstraint, plan.destinationID, role.SystemRole, existing.ID)
			}
		}
		created := chats.Role{
			ID:          newID,
			ChatID:      plan.destinationID,
			LocalID:     role.LocalID,
			Name:        role.Name,
			SystemRole:  role.SystemRole,
			Permissions: role.Permissions,
			Picture:     role.Picture,
			Version:     e.backend.Versions.Next(0),
		}
		if err := tx.Create(&created).Error; err != nil {
			return err
		}
		plan.roles.RegisterMigrated(role.ID, newID)
	}
	return nil
}

// copyAuthors binds every source author to the user's place membership.
// Anonymous authors without entries are registered as removed; anonymous
// authors with entries are not supported.
func (e *Engine) copyAuthors(tx *gorm.DB, plan *copyPlan) error {
	var sourceAuthors []chats.Author
	if err := tx.Where("chat_id = ?", plan.source.ID).Order("local_id ASC").Find(&sourceAuthors).Error; err != nil {
		return err
	}
	for _, author := range sourceAuthors {
		if author.IsAnonymous {
			removable, err := anonymousAuthorIsRemovable(tx, author)
			if err != nil {
				return err
			}
			if !removable {
				return fmt.Errorf("%w: anonymous author %s has entries", chats.ErrUnsupported, author.ID)
			}
			e.logSkip("anonymous author dropped", "anonymous_without_entries", plan.source.ID,
				zap.String("author_id", author.ID.String()))
			plan.authors.RegisterRemoved(author.ID)
			continue
		}
		newAuthor, err := e.joinPlaceAuthor(tx, plan.destinationID, author)
		if err != nil {
			return err
		}

		var links []chats.AuthorRole
		if err := tx.Where("author_id = ?", author.ID).Find(&links).Error; err != nil {
			return err
		}
		newLinks := make([]chats.AuthorRole, 0, len(links))
		for _, link := range links {
			roleID, err := plan.roles.GetNewRoleID(link.RoleID)
			if err != nil {
				return err
			}
			newLinks = append(newLinks, chats.AuthorRole{RoleID: roleID, AuthorID: newAuthor.ID})
		}
		if _, err := createIgnoringConflicts(tx, newLinks); err != nil {
			return err
		}
		plan.authors.RegisterMigrated(author.ID, newAuthor.ID)
	}
	return nil
}

// joinPlaceAuthor ensures the user's membership in destinationID and copies
// HasLeft from the source author.
func (e *Engine) joinPlaceAuthor(tx *gorm.DB, destinationID chats.ChatID, author chats.Author) (chats.Author, error) {
	if author.UserID == "" {
		return chats.Author{}, fmt.Errorf("%w: author %s has no user", chats.ErrInternal, author.ID)
	}
	joined, err := e.backend.Authors.EnsureJoinedInTx(tx, destinationID, author.UserID, author.AvatarID)
	if err != nil {
		return chats.Author{}, err
	}
	newAuthor := joined.Author
	if newAuthor.HasLeft == author.HasLeft {
		return newAuthor, nil
	}
	newAuthor.HasLeft = author.HasLeft
	newAuthor.Version = e.backend.Versions.Next(newAuthor.Version)
	err = tx.Model(&chats.Author{}).Where("id = ?", newAuthor.ID).
		Updates(map[string]any{"has_left": newAuthor.HasLeft, "version": newAuthor.Version}).Error
	return newAuthor, err
}

func anonymousAuthorIsRemovable(tx *gorm.DB, author chats.Author) (bool, error) {
	var count int64
	err := tx.Model(&chats.ChatEntry{}).Where("chat_id = ? AND author_id = ?", author.ChatID, author.ID).Count(&count).Error
	return count == 0, err
}

// PublishCopiedChat marks the copy as published and restores the source
// chat's visibility on the destination.
func (e *Engine) PublishCopiedChat(ctx context.Context, destinationID chats.ChatID) (chats.Chat, error) {
	var (
		chat    chats.Chat
		oldChat chats.Chat
		changed bool
	)
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var state ChatCopyState
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", destinationID).Take(&state).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: copy of chat %s", chats.ErrNotFound, destinationID)
		}
		if err != nil {
			return err
		}
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", destinationID).Take(&chat).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: chat %s", chats.ErrNotFound, destinationID)
		}
		if err != nil {
			return err
		}
		oldChat = chat
		if chat.IsPublic != state.SourceIsPublic {
			chat.IsPublic = state.SourceIsPublic
			chat.Version = e.backend.Versions.Next(chat.Version)
			changed = true
			if err := tx.Model(&chats.Chat{}).Where("id = ?", chat.ID).
				Updates(map[string]any{"is_public": chat.IsPublic, "version": chat.Version}).Error; err != nil {
				return err
			}
		}
		if state.IsPublished {
			return nil
		}
		return tx.Model(&ChatCopyState{}).Where("id = ?", state.ID).Updates(map[string]any{
			"is_published": true,
			"version":      e.backend.Versions.Next(state.Version),
			"updated_at":   e.now(),
		}).Error
	})
	if err != nil {
		return chats.Chat{}, e.fail(opPublishCopiedChat, "publish_failed", err, "", destinationID)
	}
	if changed {
		e.publish(ctx, events.TypeChatChanged, destinationID, chats.ChatChangedEvent{
			Chat:       chat,
			OldChat:    &oldChat,
			ChangeKind: chats.ChangeKindUpdate,
		})
	}
	return chat, nil
}

func (e *Engine) now() time.Time {
	return e.clock().UTC()
}

func (e *Engine) publish(ctx context.Context, eventType string, chatID chats.ChatID, payload any) {
	envelope := events.Envelope{
		Type:       eventType,
		ChatID:     chatID.String(),
		OccurredAt: e.now(),
		Payload:    payload,
	}
	if err := e.publisher.Publish(ctx, envelope); err != nil {
		e.logger.Warn("event publish failed",
			zap.String("event", eventType),
			zap.String("chat_id", chatID.String()),
			zap.Error(err))
	}
}

// logSkip records a record dropped on purpose.
func (e *Engine) logSkip(message, reason string, sourceChatID chats.ChatID, fields ...zap.Field) {
	allFields := make([]zap.Field, 0, len(fields)+2)
	allFields = append(allFields, zap.String(fieldReason, reason), zap.String(fieldSourceChatID, sourceChatID.String()))
	allFields = append(allFields, fields...)
	e.logger.Warn(message, allFields...)
}

// fail logs err and wraps it into a coded error, keeping its category.
func (e *Engine) fail(operation, reason string, err error, sourceChatID, destinationChatID chats.ChatID) error {
	var serviceErr *chats.ServiceError
	if errors.As(err, &serviceErr) {
		return err
	}
	if chats.Category(err) == chats.ErrInternal {
		e.logger.Error("chat migration failed",
			zap.String("operation", operation),
			zap.String(fieldReason, reason),
			zap.String(fieldSourceChatID, sourceChatID.String()),
			zap.String(fieldDestinationChatID, destinationChatID.String()),
			zap.Error(err))
		if !errors.Is(err, chats.ErrInternal) {
			err = errors.Join(chats.ErrInternal, err)
		}
	}
	return chats.NewServiceError(operation, reason, err)
}

func createIgnoringConflicts[T any](tx *gorm.DB, rows []T) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows)
	return result.RowsAffected, result.Error
}
