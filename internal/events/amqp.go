package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const defaultExchange = "chat.events"

var errPublisherClosed = errors.New("events: amqp publisher closed")

// AMQPConfig describes the broker connection.
type AMQPConfig struct {
	URL      string
	Exchange string
	Logger   *zap.Logger
}

// AMQPPublisher publishes envelopes as persistent JSON messages to a topic exchange.
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   *zap.Logger
}

// NewAMQPPublisher dials the broker and declares the exchange. An empty URL
// yields Noop so deployments without a broker keep working.
func NewAMQPPublisher(cfg AMQPConfig) (Publisher, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		logger.Info("amqp url not configured, chat events stay in process")
		return Noop{}, nil
	}
	exchange := strings.TrimSpace(cfg.Exchange)
	if exchange == "" {
		exchange = defaultExchange
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("events: dial amqp: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("events: open amqp channel: %w", err)
	}
	if err := channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("events: declare exchange %s: %w", exchange, err)
	}
	return &AMQPPublisher{
		conn:     conn,
		channel:  channel,
		exchange: exchange,
		logger:   logger,
	}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, envelope Envelope) error {
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("events: encode %s: %w", envelope.Type, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel == nil {
		return errPublisherClosed
	}
	return p.channel.PublishWithContext(ctx, p.exchange, envelope.RoutingKey(), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    envelope.OccurredAt,
		Type:         envelope.Type,
		Body:         body,
	})
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	if p.channel != nil {
		errs = append(errs, p.channel.Close())
		p.channel = nil
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
		p.conn = nil
	}
	return errors.Join(errs...)
}
