package auth

import "strings"

const (
	roleGuest = "guest"
	roleAdmin = "admin"
)

// Principal is the chat user a session speaks for.
type Principal struct {
	UserID      string
	DisplayName string
	IsGuest     bool
	IsAdmin     bool
}

// Principal maps the claims to a chat user. Provider-qualified ids such as
// "google:123" keep the provider-local part, since chat ids use ':' as a
// separator.
func (c SessionClaims) Principal() (Principal, error) {
	userID := strings.TrimSpace(c.UserID)
	if userID == "" {
		userID = strings.TrimSpace(c.Subject)
	}
	if _, local, found := strings.Cut(userID, ":"); found && strings.TrimSpace(local) != "" {
		userID = strings.TrimSpace(local)
	}
	if userID == "" {
		return Principal{}, ErrMissingSessionSubject
	}
	return Principal{
		UserID:      userID,
		DisplayName: strings.TrimSpace(c.UserDisplayName),
		IsGuest:     c.hasRole(roleGuest),
		IsAdmin:     c.hasRole(roleAdmin),
	}, nil
}

func (c SessionClaims) hasRole(role string) bool {
	for _, candidate := range c.UserRoles {
		if strings.EqualFold(strings.TrimSpace(candidate), role) {
			return true
		}
	}
	return false
}
