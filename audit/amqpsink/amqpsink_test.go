package amqpsink

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chimerakang/bustrack-api/audit"
)

type published struct {
	exchange, key string
	msg           amqp091.Publishing
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (p *fakePublisher) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp091.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, published{exchange, key, msg})
	return nil
}

func TestRoutingKey(t *testing.T) {
	assert.Equal(t, "audit.register.success", RoutingKey(audit.Event{Action: "register", Result: "success"}))
	assert.Equal(t, "audit.delete.partial", RoutingKey(audit.Event{Action: "Delete", Result: "PARTIAL"}))
	assert.Equal(t, "audit.login.unknown", RoutingKey(audit.Event{Action: "login"}))
}

func TestPublish(t *testing.T) {
	pub := &fakePublisher{}
	s := New(pub, WithExchange("audit.test"))

	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	err := s.Publish(context.Background(), audit.Event{
		Timestamp: at,
		RequestID: "req-1",
		Action:    audit.ActionLogin,
		Result:    audit.ResultFailure,
		Email:     "a@b.com",
	})
	require.NoError(t, err)
	require.Len(t, pub.sent, 1)

	got := pub.sent[0]
	assert.Equal(t, "audit.test", got.exchange)
	assert.Equal(t, "audit.login.failure", got.key)
	assert.Equal(t, "application/json", got.msg.ContentType)
	assert.Equal(t, amqp091.Persistent, got.msg.DeliveryMode)
	assert.Equal(t, "req-1", got.msg.MessageId)

	var e audit.Event
	require.NoError(t, json.Unmarshal(got.msg.Body, &e))
	assert.Equal(t, "a@b.com", e.Email)
	assert.True(t, at.Equal(e.Timestamp))
}

func TestHandler_SwallowsErrors(t *testing.T) {
	pub := &fakePublisher{err: errors.New("channel closed")}
	s := New(pub, WithLogger(slog.New(slog.DiscardHandler)))

	logger := audit.New(4, audit.WithHandler(s.Handler()))
	logger.Log(audit.Event{Action: audit.ActionRegister, Result: audit.ResultSuccess})
	require.NoError(t, logger.Close())
	assert.Empty(t, pub.sent)
}

func TestDial_Integration(t *testing.T) {
	url := os.Getenv("AMQP_URL")
	if url == "" {
		t.Skip("AMQP_URL not set")
	}
	s, err := Dial(url, WithExchange("bustrack.audit.test"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Publish(context.Background(), audit.Event{Action: audit.ActionLogin, Result: audit.ResultSuccess}))
}

func TestDial_BadURL(t *testing.T) {
	_, err := Dial("amqp://127.0.0.1:1/")
	assert.Error(t, err)
}
