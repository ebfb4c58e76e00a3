// Package postgres stores the user directory in PostgreSQL through a pgx pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	bustrack "github.com/chimerakang/bustrack-api"
	"github.com/chimerakang/bustrack-api/directory"
)

const columns = `id::text AS id, auth0_id, email, name, phone, location, role, status,
	organization_id::text AS organization_id, created_by::text AS created_by, created_at, updated_at`

// uniqueViolation is the SQLSTATE of a unique constraint failure.
const uniqueViolation = "23505"

// Backend implements directory.Backend.
type Backend struct {
	pool  *pgxpool.Pool
	table string // sanitized identifier
}

var _ directory.Backend = (*Backend)(nil)

// Open connects to databaseURL and checks the connection.
func Open(ctx context.Context, databaseURL, table string) (*Backend, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return New(pool, table), nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool, table string) *Backend {
	if table == "" {
		table = "users"
	}
	return &Backend{pool: pool, table: pgx.Identifier{table}.Sanitize()}
}

type userRow struct {
	ID             string    `db:"id"`
	Auth0ID        *string   `db:"auth0_id"`
	Email          string    `db:"email"`
	Name           *string   `db:"name"`
	Phone          *string   `db:"phone"`
	Location       *string   `db:"location"`
	Role           string    `db:"role"`
	Status         string    `db:"status"`
	OrganizationID *string   `db:"organization_id"`
	CreatedBy      *string   `db:"created_by"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
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

func (b *Backend) queryOne(ctx context.Context, sql string, args ...any) (*bustrack.User, error) {
	rows, err := b.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	row, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[userRow])
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, directory.ErrNoRows
		}
		return nil, err
	}
	return row.user(), nil
}

// Insert stores a row.
func (b *Backend) Insert(ctx context.Context, u *bustrack.User) (*bustrack.User, error) {
	sql := `INSERT INTO ` + b.table + ` (id, auth0_id, email, name, phone, location, role, status,
		organization_id, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING ` + columns

	out, err := b.queryOne(ctx, sql,
		u.ID, nullable(u.ExternalID), u.Email, u.Name, u.Phone, u.Location,
		string(u.Role), string(u.Status), u.OrganizationID, u.CreatedBy,
		u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, fmt.Errorf("%w: %s", directory.ErrDuplicate, pgErr.ConstraintName)
		}
		return nil, fmt.Errorf("postgres: insert user: %w", err)
	}
	return out, nil
}

// FindOne returns the row whose field equals value.
func (b *Backend) FindOne(ctx context.Context, field directory.Field, value string) (*bustrack.User, error) {
	var col string
	switch field {
	case directory.ByID:
		// a malformed id cannot match a uuid column
		if _, err := uuid.Parse(value); err != nil {
			return nil, directory.ErrNoRows
		}
		col = "id"
	case directory.ByExternalID:
		col = "auth0_id"
	case directory.ByEmail:
		col = "lower(email)"
		value = strings.ToLower(value)
	default:
		return nil, fmt.Errorf("postgres: unsupported lookup field %q", field)
	}

	u, err := b.queryOne(ctx, `SELECT `+columns+` FROM `+b.table+` WHERE `+col+` = $1 LIMIT 1`, value)
	if err != nil && !errors.Is(err, directory.ErrNoRows) {
		return nil, fmt.Errorf("postgres: find user by %s: %w", field, err)
	}
	return u, err
}

// escapeLike neutralizes LIKE wildcards in user input.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// where renders the shared predicate of Find and Count.
func where(q directory.Query) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if q.Role != "" {
		args = append(args, string(q.Role))
		conds = append(conds, fmt.Sprintf("role = $%d", len(args)))
	}
	if q.Status != "" {
		args = append(args, string(q.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if q.Search != "" {
		args = append(args, "%"+escapeLike(q.Search)+"%")
		n := len(args)
		conds = append(conds, fmt.Sprintf("(name ILIKE $%d OR email ILIKE $%d)", n, n))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Find returns one window of matching rows.
func (b *Backend) Find(ctx context.Context, q directory.Query) ([]*bustrack.User, error) {
	pred, args := where(q)
	args = append(args, q.Limit, q.Offset)
	sql := fmt.Sprintf(`SELECT %s FROM %s%s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		columns, b.table, pred, len(args)-1, len(args))

	rows, err := b.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list users: %w", err)
	}
	found, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[userRow])
	if err != nil {
		return nil, fmt.Errorf("postgres: scan users: %w", err)
	}
	users := make([]*bustrack.User, 0, len(found))
	for _, r := range found {
		users = append(users, r.user())
	}
	return users, nil
}

// Count returns the number of matching rows.
func (b *Backend) Count(ctx context.Context, q directory.Query) (int, error) {
	pred, args := where(q)
	var n int
	if err := b.pool.QueryRow(ctx, `SELECT COUNT(*) FROM `+b.table+pred, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count users: %w", err)
	}
	return n, nil
}

// setClause renders the assignments of a patch.
func setClause(p bustrack.UserPatch, updatedAt time.Time) (string, []any) {
	var (
		sets []string
		args []any
	)
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if p.Name != nil {
		add("name", *p.Name)
	}
	if p.Phone != nil {
		add("phone", *p.Phone)
	}
	if p.Location != nil {
		add("location", *p.Location)
	}
	if p.Role != nil {
		add("role", string(*p.Role))
	}
	if p.Status != nil {
		add("status", string(*p.Status))
	}
	add("updated_at", updatedAt)
	return strings.Join(sets, ", "), args
}

// Update applies a patch.
func (b *Backend) Update(ctx context.Context, id string, p bustrack.UserPatch, updatedAt time.Time) (*bustrack.User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, directory.ErrNoRows
	}
	set, args := setClause(p, updatedAt)
	args = append(args, id)
	sql := fmt.Sprintf(`UPDATE %s SET %s WHERE id = $%d RETURNING %s`, b.table, set, len(args), columns)

	u, err := b.queryOne(ctx, sql, args...)
	if err != nil && !errors.Is(err, directory.ErrNoRows) {
		return nil, fmt.Errorf("postgres: update user: %w", err)
	}
	return u, err
}

// Ping checks the connection.
func (b *Backend) Ping(ctx context.Context) error {
	return b.pool.Ping(ctx)
}

// Close releases the pool.
func (b *Backend) Close() error {
	b.pool.Close()
	return nil
}
