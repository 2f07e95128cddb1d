package chats

import (
	"errors"
	"fmt"
)

// Error categories. Every error returned by this package wraps exactly one of them.
var (
	ErrConstraint  = errors.New("constraint violation")
	ErrConcurrency = errors.New("version mismatch")
	ErrNotFound    = errors.New("not found")
	ErrUnsupported = errors.New("unsupported data")
	ErrInternal    = errors.New("internal error")
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingCache    = errors.New("view cache is required")
	errMissingAccounts = errors.New("account resolver is required")
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

// NewServiceError builds a coded error "<operation>.<reason>" around cause.
func NewServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

func constraintf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConstraint, fmt.Sprintf(format, args...))
}

func notFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func concurrencyf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConcurrency, fmt.Sprintf(format, args...))
}

// Category returns the category sentinel err wraps, or ErrInternal.
func Category(err error) error {
	for _, category := range []error{ErrConstraint, ErrConcurrency, ErrNotFound, ErrUnsupported} {
		if errors.Is(err, category) {
			return category
		}
	}
	return ErrInternal
}

const (
	opBackendNew        = "chats.backend.new"
	opGetIDRange        = "chats.get_id_range"
	opGetTile           = "chats.get_tile"
	opGetEntryCount     = "chats.get_entry_count"
	opChangeEntry       = "chats.change_entry"
	opGetChat           = "chats.get_chat"
	opChangeChat        = "chats.change_chat"
	opGetPeerChat       = "chats.get_or_create_peer_chat"
	opGetAuthor         = "chats.get_author"
	opEnsureJoined      = "chats.ensure_joined"
	opChangeAuthor      = "chats.change_author"
	opGetRole           = "chats.get_role"
	opChangeRole        = "chats.change_role"
	opGetRules          = "chats.get_rules"
	opReact             = "chats.react"
	opListReactions     = "chats.list_reactions"
	opUpsertLinkPreview = "chats.upsert_link_preview"
)
