package users

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/helios-id/helios-id/internal/platform/db"
	"github.com/helios-id/helios-id/internal/shared"
)

const uniqueViolation = "23505"

// Repository provides account persistence.
type Repository interface {
	FindByID(ctx context.Context, id int64) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByGoogleSub(ctx context.Context, sub string) (*User, error)
	List(ctx context.Context) ([]User, error)
	Create(ctx context.Context, user *User) error
	UpdateProfile(ctx context.Context, user *User) error
	LinkGoogleSub(ctx context.Context, id int64, sub string) error
	Bind(q db.DBTX) Repository
}

// PGRepository implements Repository on top of PostgreSQL.
type PGRepository struct {
	q db.DBTX
}

// NewRepository constructs a repository bound to the given querier.
func NewRepository(q db.DBTX) *PGRepository {
	return &PGRepository{q: q}
}

// Bind returns a copy of the repository running against q, typically a
// transaction obtained from db.WithTx.
func (r *PGRepository) Bind(q db.DBTX) Repository {
	return &PGRepository{q: q}
}

const userColumns = `id, email, first_name, last_name, password_hash, is_active, google_sub, created_at, updated_at`

// FindByID returns the account with the given id.
func (r *PGRepository) FindByID(ctx context.Context, id int64) (*User, error) {
	row := r.q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

// FindByEmail returns the account registered under email.
func (r *PGRepository) FindByEmail(ctx context.Context, email string) (*User, error) {
	row := r.q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
	return scanUser(row)
}

// FindByGoogleSub returns the account linked to the Google subject.
func (r *PGRepository) FindByGoogleSub(ctx context.Context, sub string) (*User, error) {
	row := r.q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE google_sub = $1`, sub)
	return scanUser(row)
}

// List returns all accounts ordered by id.
func (r *PGRepository) List(ctx context.Context) ([]User, error) {
	rows, err := r.q.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []User
	for rows.Next() {
		var user User
		if err := rows.Scan(
			&user.ID, &user.Email, &user.FirstName, &user.LastName,
			&user.PasswordHash, &user.IsActive, &user.GoogleSub,
			&user.CreatedAt, &user.UpdatedAt,
		); err != nil {
			return nil, err
		}
		list = append(list, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return list, nil
}

// Create inserts the account and fills in its generated id and timestamps.
func (r *PGRepository) Create(ctx context.Context, user *User) error {
	now := time.Now().UTC()
	err := r.q.QueryRow(ctx,
		`INSERT INTO users (email, first_name, last_name, password_hash, is_active, google_sub, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		 RETURNING id, created_at, updated_at`,
		user.Email, user.FirstName, user.LastName, user.PasswordHash, user.IsActive, user.GoogleSub, now,
	).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return shared.ErrUserAlreadyExists
		}
		return err
	}
	return nil
}

// UpdateProfile persists email, first and last name changes.
func (r *PGRepository) UpdateProfile(ctx context.Context, user *User) error {
	tag, err := r.q.Exec(ctx,
		`UPDATE users SET email = $2, first_name = $3, last_name = $4, updated_at = $5 WHERE id = $1`,
		user.ID, user.Email, user.FirstName, user.LastName, time.Now().UTC(),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return shared.ErrUserAlreadyExists
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrUserNotFound
	}
	return nil
}

// LinkGoogleSub associates the account with a Google subject.
func (r *PGRepository) LinkGoogleSub(ctx context.Context, id int64, sub string) error {
	tag, err := r.q.Exec(ctx,
		`UPDATE users SET google_sub = $2, updated_at = $3 WHERE id = $1`,
		id, sub, time.Now().UTC(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrUserNotFound
	}
	return nil
}

func scanUser(row pgx.Row) (*User, error) {
	var user User
	err := row.Scan(
		&user.ID, &user.Email, &user.FirstName, &user.LastName,
		&user.PasswordHash, &user.IsActive, &user.GoogleSub,
		&user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}
