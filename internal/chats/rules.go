package chats

import (
	"context"
	"strings"

	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	peerPermissions      = PermissionWrite | PermissionSeeMembers | PermissionJoin
	peerGuestPermissions = PermissionSeeMembers | PermissionJoin
	preJoinPermissions   = PermissionRead | PermissionSeeMembers | PermissionJoin
	archivedOwnerDenied  = PermissionWrite | PermissionJoin | PermissionInvite | PermissionEditMembers
)

// AuthorRules is the effective permission set of a principal in a chat.
// Author and Account are nil when the principal has neither.
type AuthorRules struct {
	Chat        Chat
	Author      *Author
	Account     *users.Account
	Permissions Permissions
}

func (r AuthorRules) Can(permissions Permissions) bool {
	return r.Permissions.Has(permissions)
}

func (r AuthorRules) IsOwner() bool {
	return r.Permissions.Has(PermissionOwner)
}

// IsJoined reports whether the principal has an author that has not left.
func (r AuthorRules) IsJoined() bool {
	return r.Author != nil && !r.Author.HasLeft
}

type RulesService struct {
	*store
	accounts            AccountResolver
	announcementsChatID ChatID
}

// principal is a resolved user or author identity.
type principal struct {
	author  *Author
	account *users.Account
}

func (p principal) userID() string {
	switch {
	case p.account != nil:
		return p.account.ID
	case p.author != nil:
		return p.author.UserID
	default:
		return ""
	}
}

func (p principal) isGuest() bool {
	return p.account != nil && p.account.IsGuest
}

func (p principal) isAnonymous() bool {
	if p.author != nil {
		return p.author.IsAnonymous
	}
	return p.account == nil
}

// GetRules computes what principalID may do in chatID. The principal is a
// user id or the id of one of the chat's authors.
func (s *RulesService) GetRules(ctx context.Context, chatID ChatID, principalID string) (AuthorRules, error) {
	rules, err := s.getRules(ctx, chatID, strings.TrimSpace(principalID))
	if err != nil {
		s.logError(opGetRules, "rules_failed", err,
			zap.String(fieldChatID, chatID.String()),
			zap.String("principal_id", principalID))
		return AuthorRules{}, wrapStoreError(opGetRules, "rules_failed", err)
	}
	return rules, nil
}

func (s *RulesService) getRules(ctx context.Context, chatID ChatID, principalID string) (AuthorRules, error) {
	db := s.db.WithContext(ctx)
	var chat Chat
	if err := db.Where("id = ?", chatID).Take(&chat).Error; err != nil {
		if !isNotFound(err) {
			return AuthorRules{}, err
		}
		// Peer chats are created on first use, so their rules do not need the row.
		if !chatID.IsPeer() {
			return AuthorRules{}, notFoundf("chat %s", chatID)
		}
		chat = Chat{ID: chatID, Kind: ChatKindPeer}
	}
	who, err := s.resolvePrincipal(ctx, db, chatID, principalID)
	if err != nil {
		return AuthorRules{}, err
	}

	var rules AuthorRules
	switch {
	case chatID.IsPeer():
		rules = s.peerRules(ctx, chat, who)
	case chatID.IsPlace() && !chatID.IsPlaceRoot():
		rules, err = s.placeChildRules(ctx, db, chat, who)
	default:
		rules, err = s.directRules(db, chat, who)
	}
	if err != nil {
		return AuthorRules{}, err
	}
	if rules.Permissions != PermissionNone && chat.IsArchived {
		if rules.IsOwner() {
			rules.Permissions &^= archivedOwnerDenied
		} else {
			rules.Permissions = PermissionNone
		}
	}
	return rules, nil
}

func (s *RulesService) resolvePrincipal(ctx context.Context, db *gorm.DB, chatID ChatID, principalID string) (principal, error) {
	var who principal
	if principalID == "" {
		return who, nil
	}
	if strings.HasPrefix(principalID, chatID.String()+idSeparator) {
		author, err := getAuthor(db, AuthorID(principalID))
		if err != nil {
			return who, err
		}
		if author == nil {
			return who, notFoundf("author %s", principalID)
		}
		who.author = author
		if author.UserID == "" {
			return who, nil
		}
		principalID = author.UserID
	}
	if s.accounts != nil {
		account, err := s.accounts.GetAccount(ctx, principalID)
		if err != nil {
			return who, err
		}
		who.account = account
	}
	if who.author == nil && who.account != nil {
		author, err := getAuthorByUserID(db, chatID, who.account.ID)
		if err != nil {
			return who, err
		}
		who.author = author
	}
	return who, nil
}

func (s *RulesService) peerRules(ctx context.Context, chat Chat, who principal) AuthorRules {
	rules := AuthorRules{Chat: chat, Author: who.author, Account: who.account}
	userA, userB := chat.ID.PeerUserIDs()
	userID := who.userID()
	if userID == "" || (userID != userA && userID != userB) {
		return rules
	}
	otherID := userA
	if userID == userA {
		otherID = userB
	}
	other, err := s.accounts.GetAccount(ctx, otherID)
	if err != nil || other == nil {
		return rules
	}
	if who.account == nil || who.account.IsGuest || !who.account.IsActive() {
		rules.Permissions = peerGuestPermissions
		return rules
	}
	rules.Permissions = peerPermissions.AddImplied()
	return rules
}

// placeChildRules derives child chat rules from the place root: place
// members see the child through the root, and leave the place, not the child.
func (s *RulesService) placeChildRules(ctx context.Context, db *gorm.DB, chat Chat, who principal) (AuthorRules, error) {
	rules := AuthorRules{Chat: chat, Author: who.author, Account: who.account}
	rootID := chat.ID.PlaceRoot()
	var root Chat
	if err := db.Where("id = ?", rootID).Take(&root).Error; err != nil {
		if isNotFound(err) {
			return rules, nil
		}
		return AuthorRules{}, err
	}
	rootWho := principal{account: who.account}
	if who.account != nil {
		rootAuthor, err := getAuthorByUserID(db, rootID, who.account.ID)
		if err != nil {
			return AuthorRules{}, err
		}
		rootWho.author = rootAuthor
	}
	rootRules, err := s.directRules(db, root, rootWho)
	if err != nil {
		return AuthorRules{}, err
	}
	if root.IsArchived && !rootRules.IsOwner() {
		rootRules.Permissions = PermissionNone
	}
	if !rootRules.Can(PermissionRead) {
		return rules, nil
	}
	if !rootRules.IsJoined() {
		if chat.IsPublic {
			rules.Permissions = PermissionRead
		}
		return rules, nil
	}

	direct, err := s.directRules(db, chat, who)
	if err != nil {
		return AuthorRules{}, err
	}
	permissions := direct.Permissions
	if chat.IsPublic {
		permissions |= preJoinPermissions
	}
	if rootRules.IsOwner() {
		permissions |= PermissionOwner
	}
	rules.Permissions = permissions.AddImplied() &^ PermissionLeave
	return rules, nil
}

// directRules unions the permissions of the roles the principal holds in chat.
func (s *RulesService) directRules(db *gorm.DB, chat Chat, who principal) (AuthorRules, error) {
	rules := AuthorRules{Chat: chat, Author: who.author, Account: who.account}
	if who.account != nil && !who.account.IsActive() {
		return rules, nil
	}
	roles, err := listRoles(db, chat.ID)
	if err != nil {
		return AuthorRules{}, err
	}

	joined := rules.IsJoined()
	permissions := PermissionNone
	var anyone *Role
	for index := range roles {
		role := roles[index]
		if role.SystemRole == SystemRoleAnyone {
			anyone = &roles[index]
		}
		if !joined {
			continue
		}
		if role.SystemRole.IsAutoAssigned() {
			if role.SystemRole.matchesPrincipal(who.isGuest(), who.isAnonymous()) {
				permissions |= role.Permissions
			}
			continue
		}
		for _, authorID := range role.AuthorIDs {
			if authorID == who.author.ID {
				permissions |= role.Permissions
				break
			}
		}
	}
	if chat.IsPublic {
		if chat.ID != s.announcementsChatID {
			permissions |= PermissionJoin
		}
		if !joined && anyone != nil {
			permissions |= anyone.Permissions & preJoinPermissions
		}
	}
	rules.Permissions = permissions.AddImplied()
	return rules, nil
}
