package chats

import (
	"context"
	"database/sql"
	"strings"

	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/events"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AuthorDiff is the mutable part of an author.
type AuthorDiff struct {
	HasLeft  *bool
	AvatarID *string
}

// ChangeAuthorCommand updates one author. Authors are created by EnsureJoined
// and only removed together with their chat.
type ChangeAuthorCommand struct {
	AuthorID        AuthorID
	ExpectedVersion int64
	Change          Change[AuthorDiff]
}

// JoinResult describes what EnsureJoinedInTx did.
type JoinResult struct {
	Author    Author
	OldAuthor *Author
	Change    ChangeKind
	Changed   bool
}

type AuthorService struct {
	*store
	accounts AccountResolver
}

func (s *AuthorService) Get(ctx context.Context, authorID AuthorID) (*Author, error) {
	author, err := getAuthor(s.db.WithContext(ctx), authorID)
	if err != nil {
		s.logError(opGetAuthor, "author_select_failed", err, zap.String(fieldAuthorID, authorID.String()))
		return nil, wrapStoreError(opGetAuthor, "author_select_failed", err)
	}
	return author, nil
}

// GetByUserID returns the non-anonymous author of userID in chatID, or nil.
func (s *AuthorService) GetByUserID(ctx context.Context, chatID ChatID, userID string) (*Author, error) {
	author, err := getAuthorByUserID(s.db.WithContext(ctx), chatID, userID)
	if err != nil {
		s.logError(opGetAuthor, "author_select_failed", err,
			zap.String(fieldChatID, chatID.String()),
			zap.String(fieldUserID, userID))
		return nil, wrapStoreError(opGetAuthor, "author_select_failed", err)
	}
	return author, nil
}

// ListAuthorIDs returns the ids of authors who have not left, by local id.
func (s *AuthorService) ListAuthorIDs(ctx context.Context, chatID ChatID) ([]AuthorID, error) {
	var ids []AuthorID
	err := s.db.WithContext(ctx).Model(&Author{}).
		Where("chat_id = ? AND has_left = ?", chatID, false).
		Order("local_id ASC").
		Pluck("id", &ids).Error
	if err != nil {
		s.logError(opGetAuthor, "author_list_failed", err, zap.String(fieldChatID, chatID.String()))
		return nil, wrapStoreError(opGetAuthor, "author_list_failed", err)
	}
	return ids, nil
}

// ListUserIDs returns the users with a joined author in chatID.
func (s *AuthorService) ListUserIDs(ctx context.Context, chatID ChatID) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&Author{}).
		Where("chat_id = ? AND has_left = ? AND user_id <> ''", chatID, false).
		Order("local_id ASC").
		Pluck("user_id", &ids).Error
	if err != nil {
		s.logError(opGetAuthor, "user_list_failed", err, zap.String(fieldChatID, chatID.String()))
		return nil, wrapStoreError(opGetAuthor, "user_list_failed", err)
	}
	return ids, nil
}

// EnsureJoined returns the author of userID in chatID, creating it or
// clearing HasLeft as needed. An empty avatarID falls back to the account's.
func (s *AuthorService) EnsureJoined(ctx context.Context, chatID ChatID, userID, avatarID string) (Author, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		err := constraintf("user id is required")
		return Author{}, NewServiceError(opEnsureJoined, "missing_user_id", err)
	}
	if s.accounts == nil {
		return Author{}, NewServiceError(opEnsureJoined, "missing_accounts", errMissingAccounts)
	}
	account, err := s.accounts.GetAccount(ctx, userID)
	if err != nil {
		s.logError(opEnsureJoined, "account_select_failed", err, zap.String(fieldUserID, userID))
		return Author{}, wrapStoreError(opEnsureJoined, "account_select_failed", err)
	}
	if account == nil {
		return Author{}, NewServiceError(opEnsureJoined, "account_not_found", notFoundf("account %s", userID))
	}
	if !account.IsActive() {
		return Author{}, NewServiceError(opEnsureJoined, "account_inactive", constraintf("account %s is %s", userID, account.Status))
	}
	if avatarID == "" {
		avatarID = account.AvatarID
	}

	var results []JoinResult
	txErr := s.transaction(ctx, func(tx *gorm.DB) error {
		var err error
		results, err = s.ensureJoined(tx, chatID, userID, avatarID)
		return err
	})
	if txErr != nil {
		s.logError(opEnsureJoined, "join_failed", txErr,
			zap.String(fieldChatID, chatID.String()),
			zap.String(fieldUserID, userID))
		return Author{}, wrapStoreError(opEnsureJoined, "join_failed", txErr)
	}
	s.publishJoins(ctx, results)
	return results[len(results)-1].Author, nil
}

// EnsureJoinedInTx is EnsureJoined for callers that own the transaction.
// The caller publishes nothing; events are the caller's concern.
func (s *AuthorService) EnsureJoinedInTx(tx *gorm.DB, chatID ChatID, userID, avatarID string) (JoinResult, error) {
	results, err := s.ensureJoined(tx, chatID, userID, avatarID)
	if err != nil {
		return JoinResult{}, err
	}
	return results[len(results)-1], nil
}

// ensureJoined joins the place root first for place child chats, since a
// child author shares the local id of the user's root membership. The
// requested chat's result is last.
func (s *AuthorService) ensureJoined(tx *gorm.DB, chatID ChatID, userID, avatarID string) ([]JoinResult, error) {
	var chat Chat
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", chatID).Take(&chat).Error
	if err != nil {
		if isNotFound(err) {
			return nil, notFoundf("chat %s", chatID)
		}
		return nil, err
	}

	var results []JoinResult
	localID := int64(0)
	if chatID.IsPlace() && !chatID.IsPlaceRoot() {
		rootResults, err := s.ensureJoined(tx, chatID.PlaceRoot(), userID, avatarID)
		if err != nil {
			return nil, err
		}
		results = append(results, rootResults...)
		localID = rootResults[len(rootResults)-1].Author.LocalID
	}

	existing, err := getAuthorByUserID(tx, chatID, userID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if !existing.HasLeft {
			return append(results, JoinResult{Author: *existing}), nil
		}
		old := *existing
		existing.HasLeft = false
		existing.Version = s.versions.Next(existing.Version)
		if err := tx.Model(&Author{}).Where("id = ?", existing.ID).
			Updates(map[string]any{"has_left": false, "version": existing.Version}).Error; err != nil {
			return nil, err
		}
		return append(results, JoinResult{Author: *existing, OldAuthor: &old, Change: ChangeKindUpdate, Changed: true}), nil
	}

	if localID == 0 {
		localID, err = nextAuthorLocalID(tx, chatID)
		if err != nil {
			return nil, err
		}
	}
	author := Author{
		ID:       NewAuthorID(chatID, localID),
		ChatID:   chatID,
		LocalID:  localID,
		UserID:   userID,
		AvatarID: avatarID,
		Version:  s.versions.Next(0),
	}
	if err := tx.Create(&author).Error; err != nil {
		return nil, err
	}
	return append(results, JoinResult{Author: author, Change: ChangeKindCreate, Changed: true}), nil
}

func (s *AuthorService) publishJoins(ctx context.Context, results []JoinResult) {
	for _, result := range results {
		if !result.Changed {
			continue
		}
		s.publish(ctx, events.TypeAuthorChanged, result.Author.ChatID, AuthorChangedEvent{
			Author:     result.Author,
			OldAuthor:  result.OldAuthor,
			ChangeKind: result.Change,
		})
	}
}

// ChangeAuthor leaves, re-joins or changes the avatar of an author.
func (s *AuthorService) ChangeAuthor(ctx context.Context, command ChangeAuthorCommand) (Author, error) {
	if command.Change.Kind() != ChangeKindUpdate {
		err := constraintf("authors support only updates, got %s", command.Change.Kind())
		return Author{}, NewServiceError(opChangeAuthor, "unsupported_change", err)
	}
	diff := command.Change.Diff()

	var author, old Author
	txErr := s.transaction(ctx, func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", command.AuthorID).Take(&author).Error
		if err != nil {
			if isNotFound(err) {
				return notFoundf("author %s", command.AuthorID)
			}
			return err
		}
		if author.Version != command.ExpectedVersion {
			return concurrencyf("author %s has version %d, expected %d", author.ID, author.Version, command.ExpectedVersion)
		}
		old = author
		if diff.HasLeft != nil {
			if *diff.HasLeft && author.IsAnonymous {
				return constraintf("anonymous authors cannot leave")
			}
			author.HasLeft = *diff.HasLeft
		}
		if diff.AvatarID != nil {
			author.AvatarID = *diff.AvatarID
		}
		author.Version = s.versions.Next(author.Version)
		return tx.Save(&author).Error
	})
	if txErr != nil {
		s.logError(opChangeAuthor, "change_failed", txErr, zap.String(fieldAuthorID, command.AuthorID.String()))
		return Author{}, wrapStoreError(opChangeAuthor, "change_failed", txErr)
	}
	s.publish(ctx, events.TypeAuthorChanged, author.ChatID, AuthorChangedEvent{
		Author:     author,
		OldAuthor:  &old,
		ChangeKind: ChangeKindUpdate,
	})
	return author, nil
}

func getAuthor(db *gorm.DB, authorID AuthorID) (*Author, error) {
	var author Author
	err := db.Where("id = ?", authorID).Take(&author).Error
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := loadAuthorRoles(db, &author); err != nil {
		return nil, err
	}
	return &author, nil
}

func getAuthorByUserID(db *gorm.DB, chatID ChatID, userID string) (*Author, error) {
	var author Author
	err := db.Where("chat_id = ? AND user_id = ? AND is_anonymous = ?", chatID, userID, false).Take(&author).Error
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := loadAuthorRoles(db, &author); err != nil {
		return nil, err
	}
	return &author, nil
}

func loadAuthorRoles(db *gorm.DB, author *Author) error {
	var roleIDs []RoleID
	err := db.Model(&AuthorRole{}).Where("author_id = ?", author.ID).Order("role_id ASC").Pluck("role_id", &roleIDs).Error
	if err != nil {
		return err
	}
	author.RoleIDs = roleIDs
	return nil
}

func nextAuthorLocalID(tx *gorm.DB, chatID ChatID) (int64, error) {
	var maxID sql.NullInt64
	if err := tx.Model(&Author{}).Select("MAX(local_id)").Where("chat_id = ?", chatID).Row().Scan(&maxID); err != nil {
		return 0, err
	}
	if !maxID.Valid || maxID.Int64 < 1 {
		return 1, nil
	}
	return maxID.Int64 + 1, nil
}
