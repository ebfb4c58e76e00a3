// Package directory provides the user directory over a pluggable storage backend.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	bustrack "github.com/chimerakang/bustrack-api"
	"github.com/chimerakang/bustrack-api/apperr"
	"github.com/chimerakang/bustrack-api/metrics"
)

// Backend errors. Backends translate their driver's errors into these.
var (
	// ErrNoRows is returned by FindOne and Update when no row matches.
	ErrNoRows = errors.New("directory: no rows")

	// ErrDuplicate is returned by Insert on a unique constraint violation.
	ErrDuplicate = errors.New("directory: duplicate key")
)

// Field names a unique lookup column.
type Field string

const (
	ByID         Field = "id"
	ByExternalID Field = "auth0_id"
	ByEmail      Field = "email"
)

// Query is the predicate and window of a listing. The same predicate drives Find and Count.
type Query struct {
	Role   bustrack.Role
	Status bustrack.Status
	Search string
	Limit  int
	Offset int
}

// Backend defines the contract for pluggable storage (Postgres, PostgREST, memory).
type Backend interface {
	// Insert stores a fully populated row.
	Insert(ctx context.Context, u *bustrack.User) (*bustrack.User, error)

	// FindOne returns the row whose field equals value, or ErrNoRows.
	FindOne(ctx context.Context, field Field, value string) (*bustrack.User, error)

	// Find returns the rows matching q in created_at descending order.
	Find(ctx context.Context, q Query) ([]*bustrack.User, error)

	// Count returns the number of rows matching q, ignoring its window.
	Count(ctx context.Context, q Query) (int, error)

	// Update applies p and stamps updatedAt, returning the new row or ErrNoRows.
	Update(ctx context.Context, id string, p bustrack.UserPatch, updatedAt time.Time) (*bustrack.User, error)
}

// Pagination bounds.
const (
	DefaultPerPage = 20
	MaxPerPage     = 100
)

const (
	msgNotFound    = "User not found"
	detailNoSuchID = "User with this ID does not exist"
)

// Service implements bustrack.Directory with a configurable backend.
type Service struct {
	backend Backend
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
}

var _ bustrack.Directory = (*Service)(nil)

// Option configures the Service.
type Option func(*Service)

// WithClock overrides the time source for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics records backend call counts and latency.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// New creates a directory with the given backend.
func New(backend Backend, opts ...Option) *Service {
	s := &Service{
		backend: backend,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) observe(op string, start time.Time, err error) {
	if errors.Is(err, ErrNoRows) {
		err = nil
	}
	s.metrics.ObserveUpstream("directory", op, err, time.Since(start))
}

func internal(op string, err error) error {
	return apperr.Internal("directory."+op, err)
}

// Create inserts a user. ID, status, role and timestamps are filled in when empty.
// Duplicate email or external id yields apperr.ErrConflict.
func (s *Service) Create(ctx context.Context, u *bustrack.User) (*bustrack.User, error) {
	if u == nil || strings.TrimSpace(u.Email) == "" {
		return nil, apperr.Validation("directory.Create", "Validation error", "email: field required")
	}

	row := *u
	row.Email = strings.TrimSpace(row.Email)
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.Role == "" {
		row.Role = bustrack.DefaultRole
	}
	if row.Status == "" {
		row.Status = bustrack.StatusActive
	}
	now := s.now()
	row.CreatedAt, row.UpdatedAt = now, now

	if _, err := s.find(ctx, ByEmail, row.Email); err == nil {
		return nil, apperr.Conflict("directory.Create", "User already exists", "A user with this email already exists")
	} else if !errors.Is(err, ErrNoRows) {
		return nil, internal("Create", err)
	}
	if row.ExternalID != "" {
		if _, err := s.find(ctx, ByExternalID, row.ExternalID); err == nil {
			return nil, apperr.Conflict("directory.Create", "User already exists", "This identity is already linked to a user")
		} else if !errors.Is(err, ErrNoRows) {
			return nil, internal("Create", err)
		}
	}

	start := time.Now()
	out, err := s.backend.Insert(ctx, &row)
	s.observe("insert", start, err)
	if err != nil {
		if errors.Is(err, ErrDuplicate) {
			return nil, apperr.Conflict("directory.Create", "User already exists", "A user with this email already exists")
		}
		return nil, internal("Create", err)
	}
	return out, nil
}

func (s *Service) find(ctx context.Context, field Field, value string) (*bustrack.User, error) {
	start := time.Now()
	u, err := s.backend.FindOne(ctx, field, value)
	s.observe("find_one", start, err)
	return u, err
}

func (s *Service) getBy(ctx context.Context, op string, field Field, value string) (*bustrack.User, error) {
	if value == "" {
		return nil, apperr.NotFound("directory."+op, msgNotFound, detailNoSuchID)
	}
	u, err := s.find(ctx, field, value)
	if err != nil {
		if errors.Is(err, ErrNoRows) {
			return nil, apperr.NotFound("directory."+op, msgNotFound, detailNoSuchID)
		}
		return nil, internal(op, err)
	}
	return u, nil
}

// Get returns a user by directory ID.
func (s *Service) Get(ctx context.Context, id string) (*bustrack.User, error) {
	return s.getBy(ctx, "Get", ByID, id)
}

// GetByExternalID returns the user linked to an identity provider account.
func (s *Service) GetByExternalID(ctx context.Context, externalID string) (*bustrack.User, error) {
	return s.getBy(ctx, "GetByExternalID", ByExternalID, externalID)
}

// GetByEmail returns the user with the given email.
func (s *Service) GetByEmail(ctx context.Context, email string) (*bustrack.User, error) {
	return s.getBy(ctx, "GetByEmail", ByEmail, strings.TrimSpace(email))
}

// Normalize applies pagination defaults and bounds.
func Normalize(f bustrack.UserFilter) bustrack.UserFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	switch {
	case f.PerPage < 1:
		f.PerPage = DefaultPerPage
	case f.PerPage > MaxPerPage:
		f.PerPage = MaxPerPage
	}
	f.Search = strings.TrimSpace(f.Search)
	return f
}

// List returns one page of matching users and the total match count. The page and
// count queries run concurrently with the same predicate.
func (s *Service) List(ctx context.Context, f bustrack.UserFilter) (*bustrack.UserPage, error) {
	f = Normalize(f)
	q := Query{Role: f.Role, Status: f.Status, Search: f.Search, Limit: f.PerPage}
	// a page whose window cannot be addressed lies past every row
	pastEnd := f.Page-1 > (math.MaxInt-f.PerPage)/f.PerPage
	if !pastEnd {
		q.Offset = f.Offset()
	}

	var (
		users []*bustrack.User
		total int
	)
	g, gctx := errgroup.WithContext(ctx)
	if !pastEnd {
		g.Go(func() error {
			start := time.Now()
			var err error
			users, err = s.backend.Find(gctx, q)
			s.observe("find", start, err)
			return err
		})
	}
	g.Go(func() error {
		start := time.Now()
		var err error
		total, err = s.backend.Count(gctx, q)
		s.observe("count", start, err)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, internal("List", err)
	}

	if len(users) > f.PerPage {
		users = users[:f.PerPage]
	}
	if users == nil {
		users = []*bustrack.User{}
	}
	return &bustrack.UserPage{Users: users, Total: total, Page: f.Page, PerPage: f.PerPage}, nil
}

func (s *Service) update(ctx context.Context, op, id string, p bustrack.UserPatch) (*bustrack.User, error) {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Empty() {
		return existing, nil
	}

	start := time.Now()
	u, err := s.backend.Update(ctx, id, p, s.now())
	s.observe("update", start, err)
	if err != nil {
		if errors.Is(err, ErrNoRows) {
			return nil, apperr.NotFound("directory."+op, msgNotFound, detailNoSuchID)
		}
		return nil, internal(op, err)
	}
	return u, nil
}

// Update applies a patch after an existence check. An empty patch returns the row unchanged.
func (s *Service) Update(ctx context.Context, id string, p bustrack.UserPatch) (*bustrack.User, error) {
	if p.Role != nil && !p.Role.Valid() {
		return nil, apperr.Validation("directory.Update", "Validation error", fmt.Sprintf("role: invalid role %q", *p.Role))
	}
	if p.Status != nil && !p.Status.Valid() {
		return nil, apperr.Validation("directory.Update", "Validation error", fmt.Sprintf("status: invalid status %q", *p.Status))
	}
	return s.update(ctx, "Update", id, p)
}

// Deactivate soft-deletes a user.
func (s *Service) Deactivate(ctx context.Context, id string) error {
	inactive := bustrack.StatusInactive
	_, err := s.update(ctx, "Deactivate", id, bustrack.UserPatch{Status: &inactive})
	return err
}

// AssignRole replaces a user's role.
func (s *Service) AssignRole(ctx context.Context, id string, role bustrack.Role) (*bustrack.User, error) {
	if !role.Valid() {
		return nil, apperr.Validation("directory.AssignRole", "Validation error", fmt.Sprintf("role: invalid role %q", role))
	}
	return s.update(ctx, "AssignRole", id, bustrack.UserPatch{Role: &role})
}

// Ping checks the backend when it supports it.
func (s *Service) Ping(ctx context.Context) error {
	if p, ok := s.backend.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close releases the backend when it holds resources.
func (s *Service) Close() error {
	if c, ok := s.backend.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
