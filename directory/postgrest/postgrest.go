// Package postgrest stores the user directory through a PostgREST endpoint, the REST
// surface of the managed database (Supabase).
package postgrest

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	pgrst "github.com/supabase-community/postgrest-go"

	bustrack "github.com/chimerakang/bustrack-api"
	"github.com/chimerakang/bustrack-api/directory"
)

const uniqueViolation = "23505"

// Backend implements directory.Backend.
type Backend struct {
	restURL    string // https://<project>.supabase.co/rest/v1
	key        string
	table      string
	httpClient *http.Client
}

var _ directory.Backend = (*Backend)(nil)

// Option configures the Backend.
type Option func(*Backend)

// WithHTTPClient sets the transport and per-call timeout used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Backend) { b.httpClient = c }
}

// WithTable overrides the table name (default "users").
func WithTable(name string) Option {
	return func(b *Backend) {
		if name != "" {
			b.table = name
		}
	}
}

// New creates a backend authenticating with the service role key. baseURL is the
// project origin; requests go to its /rest/v1 path.
func New(baseURL, serviceKey string, opts ...Option) *Backend {
	b := &Backend{
		restURL:    strings.TrimSuffix(baseURL, "/") + "/rest/v1",
		key:        serviceKey,
		table:      "users",
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Error is a non-success reply from PostgREST.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Code == "" {
		return "postgrest: " + e.Message
	}
	return fmt.Sprintf("postgrest: %s %s", e.Code, e.Message)
}

// translate maps the client's "(code) message" errors onto directory errors.
func translate(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.HasPrefix(msg, "(") {
		if i := strings.Index(msg, ") "); i > 0 {
			pe := &Error{Code: msg[1:i], Message: msg[i+2:]}
			if pe.Code == uniqueViolation {
				return fmt.Errorf("%w: %s", directory.ErrDuplicate, pe.Message)
			}
			return pe
		}
	}
	return fmt.Errorf("postgrest: %w", err)
}

// ctxTransport binds one call's context to the requests the client sends.
type ctxTransport struct {
	ctx  context.Context
	base http.RoundTripper
}

func (t ctxTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.base.RoundTrip(req.WithContext(t.ctx))
}

// query starts a request against the table. The returned cancel func must be called
// once the request has executed.
func (b *Backend) query(ctx context.Context) (*pgrst.QueryBuilder, context.CancelFunc) {
	cancel := context.CancelFunc(func() {})
	if b.httpClient.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, b.httpClient.Timeout)
	}
	base := b.httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	c := pgrst.NewClient(b.restURL, "", nil).SetApiKey(b.key).SetAuthToken(b.key)
	if c.Transport != nil {
		c.Transport.Parent = ctxTransport{ctx: ctx, base: base}
	}
	return c.From(b.table), cancel
}

type userRow struct {
	ID             string    `json:"id,omitempty"`
	Auth0ID        *string   `json:"auth0_id"`
	Email          string    `json:"email"`
	Name           *string   `json:"name"`
	Phone          *string   `json:"phone"`
	Location       *string   `json:"location"`
	Role           string    `json:"role"`
	Status         string    `json:"status"`
	OrganizationID *string   `json:"organization_id"`
	CreatedBy      *string   `json:"created_by"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (r *userRow) user() *bustrack.User {
	return &bustrack.User{
		ID:             r.ID,
		ExternalID:     deref(r.Auth0ID),
		Email:          r.Email,
		Name:           deref(r.Name),
		Phone:          deref(r.Phone),
		Location:       deref(r.Location),
		Role:           bustrack.Role(r.Role),
		Status:         bustrack.Status(r.Status),
		OrganizationID: r.OrganizationID,
		CreatedBy:      r.CreatedBy,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func toRow(u *bustrack.User) userRow {
	str := func(s string) *string { return &s }
	r := userRow{
		ID: u.ID, Email: u.Email,
		Name: str(u.Name), Phone: str(u.Phone), Location: str(u.Location),
		Role: string(u.Role), Status: string(u.Status),
		OrganizationID: u.OrganizationID, CreatedBy: u.CreatedBy,
		CreatedAt: u.CreatedAt, UpdatedAt: u.UpdatedAt,
	}
	if u.ExternalID != "" {
		r.Auth0ID = str(u.ExternalID)
	}
	return r
}

func rowsTo(rows []userRow) []*bustrack.User {
	users := make([]*bustrack.User, 0, len(rows))
	for i := range rows {
		users = append(users, rows[i].user())
	}
	return users
}

func first(rows []userRow) (*bustrack.User, error) {
	if len(rows) == 0 {
		return nil, directory.ErrNoRows
	}
	return rows[0].user(), nil
}

// Insert stores a row.
func (b *Backend) Insert(ctx context.Context, u *bustrack.User) (*bustrack.User, error) {
	q, cancel := b.query(ctx)
	defer cancel()

	var rows []userRow
	if _, err := q.Insert(toRow(u), false, "", "representation", "").ExecuteTo(&rows); err != nil {
		return nil, translate(err)
	}
	return first(rows)
}

// FindOne returns the row whose field equals value.
func (b *Backend) FindOne(ctx context.Context, field directory.Field, value string) (*bustrack.User, error) {
	switch field {
	case directory.ByID:
		if _, err := uuid.Parse(value); err != nil {
			return nil, directory.ErrNoRows
		}
	case directory.ByExternalID, directory.ByEmail:
	default:
		return nil, fmt.Errorf("postgrest: unsupported lookup field %q", field)
	}

	q, cancel := b.query(ctx)
	defer cancel()

	f := q.Select("*", "", false)
	if field == directory.ByEmail {
		// ilike without wildcards is a case-insensitive equality
		f = f.Ilike(string(field), escapePattern(value))
	} else {
		f = f.Eq(string(field), value)
	}

	var rows []userRow
	if _, err := f.Limit(1, "").ExecuteTo(&rows); err != nil {
		return nil, translate(err)
	}
	return first(rows)
}

// escapePattern neutralizes PostgREST's like wildcards (* and %, _).
func escapePattern(s string) string {
	return strings.NewReplacer(`\`, `\\`, `*`, `\*`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// quote wraps a value for use inside a PostgREST logical tree.
func quote(s string) string {
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
}

// where applies the shared predicate of Find and Count.
func where(f *pgrst.FilterBuilder, q directory.Query) *pgrst.FilterBuilder {
	if q.Role != "" {
		f = f.Eq("role", string(q.Role))
	}
	if q.Status != "" {
		f = f.Eq("status", string(q.Status))
	}
	if q.Search != "" {
		pat := quote("*" + escapePattern(q.Search) + "*")
		f = f.Or("name.ilike."+pat+",email.ilike."+pat, "")
	}
	return f
}

// Find returns one window of matching rows.
func (b *Backend) Find(ctx context.Context, q directory.Query) ([]*bustrack.User, error) {
	if q.Limit <= 0 {
		return []*bustrack.User{}, nil
	}
	qb, cancel := b.query(ctx)
	defer cancel()

	f := where(qb.Select("*", "", false), q).
		Order("created_at", &pgrst.OrderOpts{Ascending: false}).
		Order("id", &pgrst.OrderOpts{Ascending: true}).
		Range(q.Offset, q.Offset+q.Limit-1, "")

	var rows []userRow
	if _, err := f.ExecuteTo(&rows); err != nil {
		return nil, translate(err)
	}
	return rowsTo(rows), nil
}

// Count returns the number of matching rows from the exact-count Content-Range.
func (b *Backend) Count(ctx context.Context, q directory.Query) (int, error) {
	qb, cancel := b.query(ctx)
	defer cancel()

	_, n, err := where(qb.Select("id", "exact", false), q).Limit(1, "").Execute()
	if err != nil {
		return 0, translate(err)
	}
	return int(n), nil
}

type patchBody struct {
	Name      *string   `json:"name,omitempty"`
	Phone     *string   `json:"phone,omitempty"`
	Location  *string   `json:"location,omitempty"`
	Role      *string   `json:"role,omitempty"`
	Status    *string   `json:"status,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Update applies a patch.
func (b *Backend) Update(ctx context.Context, id string, p bustrack.UserPatch, updatedAt time.Time) (*bustrack.User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, directory.ErrNoRows
	}
	body := patchBody{Name: p.Name, Phone: p.Phone, Location: p.Location, UpdatedAt: updatedAt}
	if p.Role != nil {
		r := string(*p.Role)
		body.Role = &r
	}
	if p.Status != nil {
		s := string(*p.Status)
		body.Status = &s
	}

	q, cancel := b.query(ctx)
	defer cancel()

	var rows []userRow
	if _, err := q.Update(body, "representation", "").Eq("id", id).ExecuteTo(&rows); err != nil {
		return nil, translate(err)
	}
	return first(rows)
}

// Ping checks that the table is reachable.
func (b *Backend) Ping(ctx context.Context) error {
	_, err := b.Count(ctx, directory.Query{})
	return err
}
