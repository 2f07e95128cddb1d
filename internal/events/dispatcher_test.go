package events

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDispatcherDeliversToChatSubscribers(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "chat-1")
	defer cleanup()
	other, otherCleanup := dispatcher.Subscribe(ctx, "chat-2")
	defer otherCleanup()

	envelope := Envelope{Type: TypeChatChanged, ChatID: "chat-1", OccurredAt: time.Unix(10, 0)}
	if err := dispatcher.Publish(context.Background(), envelope); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case received := <-stream:
		if received.Type != TypeChatChanged || received.ChatID != "chat-1" {
			t.Fatalf("unexpected envelope %+v", received)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for envelope")
	}

	select {
	case received := <-other:
		t.Fatalf("unexpected delivery to other chat: %+v", received)
	default:
	}
}

func TestDispatcherUnsubscribesOnCancel(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	_, _ = dispatcher.Subscribe(ctx, "chat-1")
	if dispatcher.SubscriberCount("chat-1") != 1 {
		t.Fatalf("expected one subscriber")
	}
	cancel()
	deadline := time.Now().Add(time.Second)
	for dispatcher.SubscriberCount("chat-1") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber was not removed after cancellation")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDispatcherDropsWhenBufferFull(t *testing.T) {
	dispatcher := NewDispatcher()
	stream, cleanup := dispatcher.Subscribe(context.Background(), "chat-1")
	defer cleanup()
	for index := 0; index < defaultSubscriberBuffer+5; index++ {
		_ = dispatcher.Publish(context.Background(), Envelope{Type: TypeAuthorChanged, ChatID: "chat-1"})
	}
	if len(stream) != defaultSubscriberBuffer {
		t.Fatalf("expected buffer to hold %d envelopes, got %d", defaultSubscriberBuffer, len(stream))
	}
}

type failingPublisher struct{ err error }

func (p failingPublisher) Publish(context.Context, Envelope) error { return p.err }

func TestMultiReturnsFirstError(t *testing.T) {
	failure := errors.New("broker down")
	dispatcher := NewDispatcher()
	stream, cleanup := dispatcher.Subscribe(context.Background(), "chat-1")
	defer cleanup()

	multi := Multi{dispatcher, failingPublisher{err: failure}, nil}
	err := multi.Publish(context.Background(), Envelope{Type: TypeChatChanged, ChatID: "chat-1"})
	if !errors.Is(err, failure) {
		t.Fatalf("expected broker error, got %v", err)
	}
	if len(stream) != 1 {
		t.Fatalf("expected in-process delivery despite broker failure")
	}
}

func TestNewAMQPPublisherWithoutURLIsNoop(t *testing.T) {
	publisher, err := NewAMQPPublisher(AMQPConfig{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := publisher.(Noop); !ok {
		t.Fatalf("expected Noop publisher, got %T", publisher)
	}
}
