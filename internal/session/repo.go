package session

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/helios-id/helios-id/internal/platform/db"
	"github.com/helios-id/helios-id/internal/shared"
)

// Store is the persistence boundary for refresh token records. The rotation
// engine is the only component that mutates record state through it.
type Store interface {
	// InTx runs fn against a store bound to a single transaction. Rotation
	// uses it so the check-mark-create sequence for one record is serialized
	// against a concurrent rotation of the same token.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
	Create(ctx context.Context, rec *Record) error
	FindByTokenAndOwner(ctx context.Context, tokenValue string, ownerID int64) (*Record, error)
	MarkUsed(ctx context.Context, id string, usedAt time.Time) error
	DeleteByTokenAndOwner(ctx context.Context, ownerID int64, tokenValue string) (int64, error)
	DeleteAllForOwner(ctx context.Context, ownerID int64) (int64, error)
	ListByOwner(ctx context.Context, ownerID int64) ([]Record, error)
	DeleteStale(ctx context.Context, now time.Time, usedAge time.Duration) (int64, error)
}

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	q    db.DBTX
	pool *pgxpool.Pool
}

// NewStore constructs a PostgreSQL store.
func NewStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{q: pool, pool: pool}
}

// InTx wraps fn in a read-committed transaction, rebinding the store to it.
// The FOR UPDATE row lock in FindByTokenAndOwner serializes concurrent
// rotations of the same token; read committed lets the waiting transaction
// re-read the committed row and observe the used flag once the lock is
// released, where a snapshot isolation level would abort it with a
// serialization error.
func (s *PGStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	return db.WithTxOptions(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(ctx, &PGStore{q: tx, pool: s.pool})
	})
}

// Create persists a new record.
func (s *PGStore) Create(ctx context.Context, rec *Record) error {
	const query = `
		INSERT INTO refresh_tokens (id, token_value, owner_id, created_at, expires_at, ip_address, user_agent, used, used_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, NULL)
	`
	_, err := s.q.Exec(ctx, query,
		rec.ID, rec.TokenValue, rec.OwnerID, rec.CreatedAt, rec.ExpiresAt, rec.IPAddress, rec.UserAgent,
	)
	return err
}

// FindByTokenAndOwner fetches a record by token value scoped to its owner.
// Inside a transaction the row is locked so a concurrent rotation of the same
// token serializes behind it and observes the used flag.
func (s *PGStore) FindByTokenAndOwner(ctx context.Context, tokenValue string, ownerID int64) (*Record, error) {
	const query = `
		SELECT id, token_value, owner_id, created_at, expires_at, ip_address, user_agent, used, used_at
		FROM refresh_tokens
		WHERE token_value = $1 AND owner_id = $2
		FOR UPDATE
	`
	var rec Record
	err := s.q.QueryRow(ctx, query, tokenValue, ownerID).Scan(
		&rec.ID, &rec.TokenValue, &rec.OwnerID, &rec.CreatedAt, &rec.ExpiresAt,
		&rec.IPAddress, &rec.UserAgent, &rec.Used, &rec.UsedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrTokenNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// MarkUsed flips the used flag exactly once. Re-applying it keeps the original
// used_at so the grace window is measured from the first consumption.
func (s *PGStore) MarkUsed(ctx context.Context, id string, usedAt time.Time) error {
	const query = `
		UPDATE refresh_tokens
		SET used = TRUE, used_at = COALESCE(used_at, $2)
		WHERE id = $1
	`
	tag, err := s.q.Exec(ctx, query, id, usedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrTokenNotFound
	}
	return nil
}

// DeleteByTokenAndOwner removes exactly the matching record.
func (s *PGStore) DeleteByTokenAndOwner(ctx context.Context, ownerID int64, tokenValue string) (int64, error) {
	const query = `DELETE FROM refresh_tokens WHERE owner_id = $1 AND token_value = $2`
	tag, err := s.q.Exec(ctx, query, ownerID, tokenValue)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// DeleteAllForOwner removes every record owned by the principal.
func (s *PGStore) DeleteAllForOwner(ctx context.Context, ownerID int64) (int64, error) {
	const query = `DELETE FROM refresh_tokens WHERE owner_id = $1`
	tag, err := s.q.Exec(ctx, query, ownerID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListByOwner returns all records for a principal ordered by creation time,
// including used and expired ones for audit visibility.
func (s *PGStore) ListByOwner(ctx context.Context, ownerID int64) ([]Record, error) {
	const query = `
		SELECT id, token_value, owner_id, created_at, expires_at, ip_address, user_agent, used, used_at
		FROM refresh_tokens
		WHERE owner_id = $1
		ORDER BY created_at
	`
	rows, err := s.q.Query(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(
			&rec.ID, &rec.TokenValue, &rec.OwnerID, &rec.CreatedAt, &rec.ExpiresAt,
			&rec.IPAddress, &rec.UserAgent, &rec.Used, &rec.UsedAt,
		); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// DeleteStale reaps expired records and records consumed longer than usedAge
// ago. Called by the periodic sweep, not by the rotation state machine.
func (s *PGStore) DeleteStale(ctx context.Context, now time.Time, usedAge time.Duration) (int64, error) {
	const query = `
		DELETE FROM refresh_tokens
		WHERE expires_at < $1 OR (used = TRUE AND used_at < $2)
	`
	tag, err := s.q.Exec(ctx, query, now, now.Add(-usedAge))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

var _ Store = (*PGStore)(nil)
