package chats

import (
	"context"
	"database/sql"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RoleDiff lists the role fields a Create or Update sets.
type RoleDiff struct {
	Name            *string
	SystemRole      *SystemRole
	Permissions     *Permissions
	Picture         *string
	AddAuthorIDs    []AuthorID
	RemoveAuthorIDs []AuthorID
}

// ChangeRoleCommand creates, updates or removes a role. RoleID is empty for Create.
type ChangeRoleCommand struct {
	ChatID          ChatID
	RoleID          RoleID
	ExpectedVersion int64
	Change          Change[RoleDiff]
}

type RoleService struct {
	*store
}

func (s *RoleService) Get(ctx context.Context, roleID RoleID) (*Role, error) {
	var role Role
	db := s.db.WithContext(ctx)
	err := db.Where("id = ?", roleID).Take(&role).Error
	if isNotFound(err) {
		return nil, nil
	}
	if err == nil {
		err = loadRoleAuthors(db, &role)
	}
	if err != nil {
		s.logError(opGetRole, "role_select_failed", err, zap.String(fieldRoleID, roleID.String()))
		return nil, wrapStoreError(opGetRole, "role_select_failed", err)
	}
	return &role, nil
}

// List returns the roles of chatID by local id, with their explicit members.
func (s *RoleService) List(ctx context.Context, chatID ChatID) ([]Role, error) {
	roles, err := listRoles(s.db.WithContext(ctx), chatID)
	if err != nil {
		s.logError(opGetRole, "role_list_failed", err, zap.String(fieldChatID, chatID.String()))
		return nil, wrapStoreError(opGetRole, "role_list_failed", err)
	}
	return roles, nil
}

// ListSystem returns the system roles of chatID keyed by SystemRole.
func (s *RoleService) ListSystem(ctx context.Context, chatID ChatID) (map[SystemRole]Role, error) {
	roles, err := s.List(ctx, chatID)
	if err != nil {
		return nil, err
	}
	result := make(map[SystemRole]Role)
	for _, role := range roles {
		if role.SystemRole != SystemRoleNone {
			result[role.SystemRole] = role
		}
	}
	return result, nil
}

// ListAuthorIDs returns the explicit members of roleID.
func (s *RoleService) ListAuthorIDs(ctx context.Context, roleID RoleID) ([]AuthorID, error) {
	var ids []AuthorID
	err := s.db.WithContext(ctx).Model(&AuthorRole{}).Where("role_id = ?", roleID).Order("author_id ASC").Pluck("author_id", &ids).Error
	if err != nil {
		s.logError(opGetRole, "member_list_failed", err, zap.String(fieldRoleID, roleID.String()))
		return nil, wrapStoreError(opGetRole, "member_list_failed", err)
	}
	return ids, nil
}

func (s *RoleService) ChangeRole(ctx context.Context, command ChangeRoleCommand) (Role, error) {
	if !command.Change.IsValid() {
		return Role{}, NewServiceError(opChangeRole, "invalid_command", constraintf("change is empty"))
	}
	var role Role
	txErr := s.transaction(ctx, func(tx *gorm.DB) error {
		var err error
		role, err = s.changeRoleInTx(tx, command)
		return err
	})
	if txErr != nil {
		s.logError(opChangeRole, "change_failed", txErr,
			zap.String(fieldChatID, command.ChatID.String()),
			zap.String(fieldRoleID, command.RoleID.String()))
		return Role{}, wrapStoreError(opChangeRole, "change_failed", txErr)
	}
	return role, nil
}

func (s *RoleService) changeRoleInTx(tx *gorm.DB, command ChangeRoleCommand) (Role, error) {
	diff := command.Change.Diff()
	switch command.Change.Kind() {
	case ChangeKindCreate:
		return s.createRoleInTx(tx, command.ChatID, 0, diff)
	case ChangeKindUpdate:
		role, err := lockChatRole(tx, command)
		if err != nil {
			return Role{}, err
		}
		if diff.SystemRole != nil && *diff.SystemRole != role.SystemRole {
			return Role{}, constraintf("system role of %s cannot change", role.ID)
		}
		if diff.Name != nil {
			name := strings.TrimSpace(*diff.Name)
			if name == "" {
				return Role{}, constraintf("role name is required")
			}
			role.Name = name
		}
		if diff.Permissions != nil {
			role.Permissions = *diff.Permissions
		}
		if diff.Picture != nil {
			role.Picture = *diff.Picture
		}
		if err := applyRoleMembership(tx, &role, diff); err != nil {
			return Role{}, err
		}
		role.Version = s.versions.Next(role.Version)
		if err := tx.Save(&role).Error; err != nil {
			return Role{}, err
		}
		return role, nil
	default:
		role, err := lockChatRole(tx, command)
		if err != nil {
			return Role{}, err
		}
		if !role.SystemRole.CanBeRemoved() {
			return Role{}, constraintf("%s role cannot be removed", role.SystemRole)
		}
		if err := tx.Where("role_id = ?", role.ID).Delete(&AuthorRole{}).Error; err != nil {
			return Role{}, err
		}
		if err := tx.Where("id = ?", role.ID).Delete(&Role{}).Error; err != nil {
			return Role{}, err
		}
		return role, nil
	}
}

// lockChatRole locks the command's role and rejects roles of other chats.
func lockChatRole(tx *gorm.DB, command ChangeRoleCommand) (Role, error) {
	role, err := lockRole(tx, command.RoleID, command.ExpectedVersion)
	if err != nil {
		return Role{}, err
	}
	if role.ChatID != command.ChatID {
		return Role{}, constraintf("role %s does not belong to chat %s", role.ID, command.ChatID)
	}
	return role, nil
}

// createRoleInTx creates a role under chatID. A zero localID takes the next free one.
func (s *RoleService) createRoleInTx(tx *gorm.DB, chatID ChatID, localID int64, diff RoleDiff) (Role, error) {
	systemRole := SystemRoleNone
	if diff.SystemRole != nil {
		systemRole = *diff.SystemRole
	}
	if !systemRole.IsValid() {
		return Role{}, constraintf("unknown system role %q", systemRole)
	}
	if systemRole != SystemRoleNone {
		var count int64
		err := tx.Model(&Role{}).Where("chat_id = ? AND system_role = ?", chatID, systemRole).Count(&count).Error
		if err != nil {
			return Role{}, err
		}
		if count > 0 {
			return Role{}, constraintf("chat %s already has a %s role", chatID, systemRole)
		}
	}
	name := systemRole.DefaultName()
	if diff.Name != nil && strings.TrimSpace(*diff.Name) != "" {
		name = strings.TrimSpace(*diff.Name)
	}
	if name == "" {
		return Role{}, constraintf("role name is required")
	}
	if localID == 0 {
		var err error
		localID, err = nextRoleLocalID(tx, chatID)
		if err != nil {
			return Role{}, err
		}
	}
	role := Role{
		ID:         NewRoleID(chatID, localID),
		ChatID:     chatID,
		LocalID:    localID,
		Name:       name,
		SystemRole: systemRole,
		Version:    s.versions.Next(0),
	}
	if diff.Permissions != nil {
		role.Permissions = *diff.Permissions
	}
	if diff.Picture != nil {
		role.Picture = *diff.Picture
	}
	if err := tx.Create(&role).Error; err != nil {
		return Role{}, err
	}
	if err := applyRoleMembership(tx, &role, diff); err != nil {
		return Role{}, err
	}
	return role, nil
}

func lockRole(tx *gorm.DB, roleID RoleID, expectedVersion int64) (Role, error) {
	var role Role
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", roleID).Take(&role).Error
	if err != nil {
		if isNotFound(err) {
			return Role{}, notFoundf("role %s", roleID)
		}
		return Role{}, err
	}
	if role.Version != expectedVersion {
		return Role{}, concurrencyf("role %s has version %d, expected %d", roleID, role.Version, expectedVersion)
	}
	if err := loadRoleAuthors(tx, &role); err != nil {
		return Role{}, err
	}
	return role, nil
}

// applyRoleMembership writes membership edits. Automatic roles have no
// stored members, and the Owner role always keeps at least one.
func applyRoleMembership(tx *gorm.DB, role *Role, diff RoleDiff) error {
	if len(diff.AddAuthorIDs) == 0 && len(diff.RemoveAuthorIDs) == 0 {
		return nil
	}
	if role.SystemRole.IsAutoAssigned() {
		return constraintf("members of the %s role are assigned automatically", role.SystemRole)
	}
	members := make(map[AuthorID]struct{}, len(role.AuthorIDs))
	for _, id := range role.AuthorIDs {
		members[id] = struct{}{}
	}
	for _, id := range diff.AddAuthorIDs {
		if id.ChatID() != role.ChatID {
			return constraintf("author %s does not belong to chat %s", id, role.ChatID)
		}
		if _, ok := members[id]; ok {
			continue
		}
		var count int64
		if err := tx.Model(&Author{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return notFoundf("author %s", id)
		}
		if err := tx.Create(&AuthorRole{RoleID: role.ID, AuthorID: id}).Error; err != nil {
			return err
		}
		members[id] = struct{}{}
	}
	for _, id := range diff.RemoveAuthorIDs {
		if _, ok := members[id]; !ok {
			continue
		}
		delete(members, id)
		if role.SystemRole == SystemRoleOwner && len(members) == 0 {
			return constraintf("chat %s must keep at least one owner", role.ChatID)
		}
		if err := tx.Where("role_id = ? AND author_id = ?", role.ID, id).Delete(&AuthorRole{}).Error; err != nil {
			return err
		}
	}
	role.AuthorIDs = role.AuthorIDs[:0]
	for id := range members {
		role.AuthorIDs = append(role.AuthorIDs, id)
	}
	sort.Slice(role.AuthorIDs, func(i, j int) bool { return role.AuthorIDs[i] < role.AuthorIDs[j] })
	return nil
}

func listRoles(db *gorm.DB, chatID ChatID) ([]Role, error) {
	var roles []Role
	if err := db.Where("chat_id = ?", chatID).Order("local_id ASC").Find(&roles).Error; err != nil {
		return nil, err
	}
	if len(roles) == 0 {
		return roles, nil
	}
	roleIDs := make([]RoleID, 0, len(roles))
	for _, role := range roles {
		roleIDs = append(roleIDs, role.ID)
	}
	var links []AuthorRole
	if err := db.Where("role_id IN ?", roleIDs).Order("author_id ASC").Find(&links).Error; err != nil {
		return nil, err
	}
	byRole := make(map[RoleID][]AuthorID, len(roles))
	for _, link := range links {
		byRole[link.RoleID] = append(byRole[link.RoleID], link.AuthorID)
	}
	for index := range roles {
		roles[index].AuthorIDs = byRole[roles[index].ID]
	}
	return roles, nil
}

func loadRoleAuthors(db *gorm.DB, role *Role) error {
	var ids []AuthorID
	err := db.Model(&AuthorRole{}).Where("role_id = ?", role.ID).Order("author_id ASC").Pluck("author_id", &ids).Error
	if err != nil {
		return err
	}
	role.AuthorIDs = ids
	return nil
}

func nextRoleLocalID(tx *gorm.DB, chatID ChatID) (int64, error) {
	var maxID sql.NullInt64
	if err := tx.Model(&Role{}).Select("MAX(local_id)").Where("chat_id = ?", chatID).Row().Scan(&maxID); err != nil {
		return 0, err
	}
	if !maxID.Valid || maxID.Int64 < 1 {
		return 1, nil
	}
	return maxID.Int64 + 1, nil
}
