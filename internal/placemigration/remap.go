package placemigration

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/chats"
)

// MigratedAuthors maps source author ids to their destination ids. A
// removed author has no destination and every reference to it is dropped.
type MigratedAuthors struct {
	authors map[chats.AuthorID]migratedAuthor
}

type migratedAuthor struct {
	newID   chats.AuthorID
	removed bool
}

func NewMigratedAuthors() *MigratedAuthors {
	return &MigratedAuthors{authors: make(map[chats.AuthorID]migratedAuthor)}
}

func (m *MigratedAuthors) RegisterMigrated(original, newID chats.AuthorID) {
	m.authors[original] = migratedAuthor{newID: newID}
}

func (m *MigratedAuthors) RegisterRemoved(original chats.AuthorID) {
	m.authors[original] = migratedAuthor{removed: true}
}

func (m *MigratedAuthors) Len() int {
	return len(m.authors)
}

// DemandMigratedAuthor fails with chats.ErrNotFound for an unregistered id.
func (m *MigratedAuthors) DemandMigratedAuthor(original chats.AuthorID) (chats.AuthorID, bool, error) {
	migrated, ok := m.authors[original]
	if !ok {
		return "", false, fmt.Errorf("%w: migrated author for %s is not registered", chats.ErrNotFound, original)
	}
	return migrated.newID, migrated.removed, nil
}

// GetNewAuthorID returns the destination id, failing for removed authors.
func (m *MigratedAuthors) GetNewAuthorID(original chats.AuthorID) (chats.AuthorID, error) {
	newID, removed, err := m.DemandMigratedAuthor(original)
	if err != nil {
		return "", err
	}
	if removed {
		return "", fmt.Errorf("%w: migrated author for %s is registered as removed", chats.ErrConstraint, original)
	}
	return newID, nil
}

// IsRemoved reports whether original was registered as removed.
func (m *MigratedAuthors) IsRemoved(original chats.AuthorID) (bool, error) {
	_, removed, err := m.DemandMigratedAuthor(original)
	return removed, err
}

// resolveEntryAuthor maps the author of a copied entry. System authors keep
// their local id under the destination chat.
func (m *MigratedAuthors) resolveEntryAuthor(original chats.AuthorID, destination chats.ChatID) (chats.AuthorID, bool, error) {
	if original.IsSystem() {
		if original.LocalID() != chats.WalleAuthorLocalID {
			return "", false, fmt.Errorf("%w: unexpected system author %s", chats.ErrInternal, original)
		}
		return chats.NewAuthorID(destination, original.LocalID()), false, nil
	}
	return m.DemandMigratedAuthor(original)
}

// MigratedRoles maps source role ids to destination role ids.
type MigratedRoles struct {
	roles map[chats.RoleID]chats.RoleID
}

func NewMigratedRoles() *MigratedRoles {
	return &MigratedRoles{roles: make(map[chats.RoleID]chats.RoleID)}
}

func (m *MigratedRoles) RegisterMigrated(original, newID chats.RoleID) {
	m.roles[original] = newID
}

func (m *MigratedRoles) GetNewRoleID(original chats.RoleID) (chats.RoleID, error) {
	newID, ok := m.roles[original]
	if !ok {
		return "", fmt.Errorf("%w: migrated role for %s is not registered", chats.ErrNotFound, original)
	}
	return newID, nil
}
