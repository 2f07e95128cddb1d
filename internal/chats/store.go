package chats

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/events"
	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var noOpLogger = zap.NewNop()

// AccountResolver looks up global accounts. A nil account means "no such user".
type AccountResolver interface {
	GetAccount(ctx context.Context, userID string) (*users.Account, error)
}

// IDProvider generates ids for new group chats.
type IDProvider interface {
	NewID() (string, error)
}

// store is the scoped database handle shared by the aggregate services.
type store struct {
	db        *gorm.DB
	views     cache.Store
	publisher events.Publisher
	versions  *VersionGenerator
	clock     func() time.Time
	logger    *zap.Logger
}

func (s *store) transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

func (s *store) now() time.Time {
	return s.clock().UTC()
}

func (s *store) loggerOrDefault() *zap.Logger {
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *store) logError(operation, reason string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	allFields := make([]zap.Field, 0, len(fields)+3)
	allFields = append(allFields,
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	)
	allFields = append(allFields, fields...)
	s.loggerOrDefault().Error("chat store operation failed", allFields...)
}

// invalidate drops stale views. Failures are logged: the store is already committed.
func (s *store) invalidate(ctx context.Context, keys ...string) {
	if err := cache.Invalidate(ctx, s.views, keys...); err != nil {
		s.loggerOrDefault().Warn("view invalidation failed",
			zap.Int("keys", len(keys)),
			zap.Error(err))
	}
}

// publish emits an event after commit. Failures are logged, never returned.
func (s *store) publish(ctx context.Context, eventType string, chatID ChatID, payload any) {
	if s.publisher == nil {
		return
	}
	envelope := events.Envelope{
		Type:       eventType,
		ChatID:     chatID.String(),
		OccurredAt: s.now(),
		Payload:    payload,
	}
	if err := s.publisher.Publish(ctx, envelope); err != nil {
		s.loggerOrDefault().Warn("event publish failed",
			zap.String("event", eventType),
			zap.String("chat_id", chatID.String()),
			zap.Error(err))
	}
}

// wrapStoreError keeps categorized errors and wraps everything else as internal.
func wrapStoreError(operation, reason string, err error) error {
	if err == nil {
		return nil
	}
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return err
	}
	if Category(err) == ErrInternal && !errors.Is(err, ErrInternal) {
		return NewServiceError(operation, reason, errors.Join(ErrInternal, err))
	}
	return NewServiceError(operation, reason, err)
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
