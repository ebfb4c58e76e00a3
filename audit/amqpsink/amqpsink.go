// Package amqpsink publishes audit events to a RabbitMQ topic exchange.
package amqpsink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/chimerakang/bustrack-api/audit"
)

// DefaultExchange is the topic exchange events are published to.
const DefaultExchange = "bustrack.audit"

// Publisher is the subset of *amqp091.Channel the sink uses.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
}

// Sink publishes audit events. Routing key: audit.<action>.<result>.
type Sink struct {
	exchange string
	timeout  time.Duration
	logger   *slog.Logger

	mu   sync.Mutex // amqp091 channels are not safe for concurrent publishing
	pub  Publisher
	conn *amqp091.Connection
	ch   *amqp091.Channel
}

// Option configures the Sink.
type Option func(*Sink)

// WithExchange overrides the exchange name.
func WithExchange(name string) Option {
	return func(s *Sink) {
		if name != "" {
			s.exchange = name
		}
	}
}

// WithLogger sets the logger used for publish failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sink) { s.logger = l }
}

// WithTimeout bounds a single publish.
func WithTimeout(d time.Duration) Option {
	return func(s *Sink) { s.timeout = d }
}

func newSink(pub Publisher, opts ...Option) *Sink {
	s := &Sink{
		exchange: DefaultExchange,
		timeout:  5 * time.Second,
		logger:   slog.Default(),
		pub:      pub,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// New creates a sink over an existing publisher (usually an *amqp091.Channel).
func New(pub Publisher, opts ...Option) *Sink {
	return newSink(pub, opts...)
}

// Dial connects to the broker, declares the durable topic exchange and returns a sink
// that owns the connection.
func Dial(url string, opts ...Option) (*Sink, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqpsink: connect: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqpsink: open channel: %w", err)
	}

	s := newSink(ch, opts...)
	s.conn, s.ch = conn, ch

	err = ch.ExchangeDeclare(
		s.exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("amqpsink: declare exchange %s: %w", s.exchange, err)
	}
	return s, nil
}

// RoutingKey returns the routing key for an event.
func RoutingKey(e audit.Event) string {
	result := e.Result
	if result == "" {
		result = "unknown"
	}
	return "audit." + strings.ToLower(e.Action) + "." + strings.ToLower(result)
}

// Publish sends one event.
func (s *Sink) Publish(ctx context.Context, e audit.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("amqpsink: marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.pub.PublishWithContext(ctx,
		s.exchange,
		RoutingKey(e),
		false, // mandatory
		false, // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    e.Timestamp,
			MessageId:    e.RequestID,
			DeliveryMode: amqp091.Persistent,
		},
	)
	if err != nil {
		return fmt.Errorf("amqpsink: publish: %w", err)
	}
	return nil
}

// Handler adapts the sink to an audit handler. Publish failures are logged, never returned.
func (s *Sink) Handler() audit.Handler {
	return func(e audit.Event) {
		if err := s.Publish(context.Background(), e); err != nil {
			s.logger.Warn("audit event not published", "action", e.Action, "error", err)
		}
	}
}

// Close closes the channel and connection opened by Dial.
func (s *Sink) Close() error {
	var err error
	if s.ch != nil {
		err = s.ch.Close()
	}
	if s.conn != nil {
		if cerr := s.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
