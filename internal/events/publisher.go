// Package events delivers chat change notifications to in-process subscribers
// and to an AMQP exchange.
package events

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	TypeTextEntryChanged = "chat.text_entry_changed"
	TypeChatChanged      = "chat.chat_changed"
	TypeAuthorChanged    = "chat.author_changed"
	TypeReactionChanged  = "chat.reaction_changed"
)

// Envelope is the unit of publication.
type Envelope struct {
	Type       string    `json:"type"`
	ChatID     string    `json:"chat_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload"`
}

// RoutingKey is "<type>.<chatId>".
func (e Envelope) RoutingKey() string {
	return e.Type + "." + e.ChatID
}

type Publisher interface {
	Publish(ctx context.Context, envelope Envelope) error
}

// Noop drops every envelope.
type Noop struct{}

func (Noop) Publish(context.Context, Envelope) error {
	return nil
}

// Multi publishes to every publisher concurrently and returns the first error.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, envelope Envelope) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for _, publisher := range m {
		if publisher == nil {
			continue
		}
		group.Go(func() error {
			return publisher.Publish(groupCtx, envelope)
		})
	}
	return group.Wait()
}
