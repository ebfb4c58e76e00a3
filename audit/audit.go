// Package audit provides structured audit logging for account operations.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	bustrack "github.com/chimerakang/bustrack-api"
)

// Actions.
const (
	ActionRegister       = "register"
	ActionLogin          = "login"
	ActionProvision      = "provision"
	ActionDelete         = "delete"
	ActionPasswordChange = "password_change"
	ActionPasswordReset  = "password_reset"
	ActionRoleAssign     = "role_assign"
	ActionDeactivate     = "deactivate"
	ActionUpdate         = "update"
)

// Results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultPartial = "partial" // primary step succeeded, a best-effort step failed
)

// Event represents an account audit event.
type Event struct {
	Timestamp      time.Time `json:"timestamp"`
	RequestID      string    `json:"request_id,omitempty"`
	ActorID        string    `json:"actor_id,omitempty"` // directory id of the caller
	UserID         string    `json:"user_id,omitempty"`  // directory id of the subject
	Email          string    `json:"email,omitempty"`
	OrganizationID string    `json:"organization_id,omitempty"`
	Action         string    `json:"action"`
	Result         string    `json:"result"`
	Details        string    `json:"details,omitempty"`
	IP             string    `json:"ip,omitempty"`
	UserAgent      string    `json:"user_agent,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// Handler processes audit events. Implementations should not block.
type Handler func(event Event)

// Logger emits audit events to configured handlers. A nil Logger drops events.
type Logger struct {
	handlers []Handler
	queue    chan Event
	done     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// Option configures Logger behavior.
type Option func(*Logger)

// WithSlogHandler adds a handler that writes events as structured log records.
func WithSlogHandler(logger *slog.Logger) Option {
	return func(l *Logger) {
		l.AddHandler(func(e Event) {
			level := slog.LevelInfo
			if e.Result != ResultSuccess {
				level = slog.LevelWarn
			}
			logger.LogAttrs(context.Background(), level, "audit",
				slog.String("action", e.Action),
				slog.String("result", e.Result),
				slog.String("request_id", e.RequestID),
				slog.String("actor_id", e.ActorID),
				slog.String("user_id", e.UserID),
				slog.String("email", e.Email),
				slog.String("details", e.Details),
				slog.String("error", e.Error),
				slog.Time("at", e.Timestamp),
			)
		})
	}
}

// WithHandler adds a custom event handler.
func WithHandler(h Handler) Option {
	return func(l *Logger) {
		l.AddHandler(h)
	}
}

// New creates a new audit logger with buffered async emission.
// bufferSize: event queue buffer size (default: 1000).
func New(bufferSize int, opts ...Option) *Logger {
	if bufferSize <= 0 {
		bufferSize = 1000
	}

	logger := &Logger{
		handlers: make([]Handler, 0),
		queue:    make(chan Event, bufferSize),
		done:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(logger)
	}

	logger.wg.Add(1)
	go logger.process()

	return logger
}

// AddHandler adds a handler to receive audit events. Not safe after the first Log.
func (l *Logger) AddHandler(h Handler) {
	l.handlers = append(l.handlers, h)
}

// Log emits an audit event asynchronously.
func (l *Logger) Log(event Event) {
	if l == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case l.queue <- event:
	case <-l.done:
		// shutting down, event is dropped
	}
}

// Emit fills the request correlation fields from ctx and logs the event.
func (l *Logger) Emit(ctx context.Context, event Event) {
	if l == nil {
		return
	}
	if event.RequestID == "" {
		event.RequestID = bustrack.RequestIDFromContext(ctx)
	}
	if event.ActorID == "" {
		event.ActorID = bustrack.UserIDFromContext(ctx)
	}
	l.Log(event)
}

func (l *Logger) dispatch(event Event) {
	for _, h := range l.handlers {
		h(event)
	}
}

func (l *Logger) process() {
	defer l.wg.Done()

	for {
		select {
		case event := <-l.queue:
			l.dispatch(event)
		case <-l.done:
			// drain remaining events
			for {
				select {
				case event := <-l.queue:
					l.dispatch(event)
				default:
					return
				}
			}
		}
	}
}

// Close flushes pending events and stops the logger. Safe to call twice.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.once.Do(func() { close(l.done) })
	l.wg.Wait()
	return nil
}
