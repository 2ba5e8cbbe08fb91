package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/helios-id/helios-id/internal/rbac"
	"github.com/helios-id/helios-id/internal/shared"
)

const tokenValueBytes = 32

// TokenMinter mints access tokens for rotated sessions.
type TokenMinter interface {
	Mint(principalID string, roles, permissions []string) (string, error)
}

// RoleSource loads the principal's current role set. Rotation re-fetches roles
// on every call instead of trusting claims from the old token, so permission
// changes take effect at the next refresh.
type RoleSource interface {
	RolesForUser(ctx context.Context, userID int64) ([]rbac.Role, error)
}

// ReuseObserver is notified when a token presented outside the grace window is
// detected, the session compromise indicator.
type ReuseObserver interface {
	ObserveTokenReuse()
}

// RotationResult carries the freshly minted token pair.
type RotationResult struct {
	AccessToken  string
	RefreshToken string
}

// Engine is the refresh token rotation state machine. Records move from
// active to used-within-grace to invalidated; the first two accept exactly one
// more rotation each, the last one is terminal.
type Engine struct {
	store    Store
	roles    RoleSource
	minter   TokenMinter
	logger   *slog.Logger
	observer ReuseObserver

	refreshTTL time.Duration
	grace      time.Duration
	nowFunc    func() time.Time
}

// EngineConfig collects the Engine dependencies.
type EngineConfig struct {
	Store      Store
	Roles      RoleSource
	Minter     TokenMinter
	Logger     *slog.Logger
	Observer   ReuseObserver
	RefreshTTL time.Duration
	Grace      time.Duration
}

// NewEngine constructs an Engine.
func NewEngine(cfg EngineConfig) *Engine {
	return &Engine{
		store:      cfg.Store,
		roles:      cfg.Roles,
		minter:     cfg.Minter,
		logger:     cfg.Logger,
		observer:   cfg.Observer,
		refreshTTL: cfg.RefreshTTL,
		grace:      cfg.Grace,
		nowFunc:    time.Now,
	}
}

// IssueFor creates a fresh active record for the principal and returns its
// opaque token value. Used on login and OAuth sign-in; no prior record is
// touched.
func (e *Engine) IssueFor(ctx context.Context, ownerID int64, ip, userAgent string) (string, error) {
	rec, err := e.newRecord(ownerID, ip, userAgent, e.nowFunc())
	if err != nil {
		return "", err
	}
	if err := e.store.Create(ctx, rec); err != nil {
		return "", fmt.Errorf("session: create record: %w", err)
	}
	return rec.TokenValue, nil
}

// Rotate validates the presented refresh token, consumes it and mints a new
// token pair. The whole read-check-mutate-insert sequence runs in one
// transaction; on any failure nothing is persisted.
func (e *Engine) Rotate(ctx context.Context, presented string, ownerID int64, ip, userAgent string) (*RotationResult, error) {
	if presented == "" {
		return nil, shared.ErrMissingToken
	}

	var result RotationResult
	err := e.store.InTx(ctx, func(ctx context.Context, tx Store) error {
		rec, err := tx.FindByTokenAndOwner(ctx, presented, ownerID)
		if err != nil {
			return err
		}

		now := e.nowFunc()
		switch rec.StateAt(now, e.grace) {
		case StateInvalidated:
			if rec.Used && rec.UsedAt != nil && !now.After(rec.ExpiresAt) {
				// Consumed outside the grace window: replay attack or a lost
				// race. The caller must terminate the session.
				e.warn("refresh token reuse detected",
					slog.Int64("owner_id", ownerID),
					slog.Time("used_at", *rec.UsedAt))
				if e.observer != nil {
					e.observer.ObserveTokenReuse()
				}
				return shared.ErrTokenAlreadyUsed
			}
			// Expired tokens are indistinguishable from unknown ones.
			return shared.ErrTokenNotFound
		case StateUsedWithinGrace:
			// Duplicate request from a client retry; proceed with the same
			// record. The used transition below is idempotent.
			e.warn("refresh token rotated within grace window",
				slog.Int64("owner_id", ownerID))
		}

		roles, err := e.roles.RolesForUser(ctx, ownerID)
		if err != nil {
			return fmt.Errorf("session: load roles: %w", err)
		}
		roleNames, permissionNames := rbac.Resolve(roles)

		access, err := e.minter.Mint(strconv.FormatInt(ownerID, 10), roleNames, permissionNames)
		if err != nil {
			return fmt.Errorf("session: mint access token: %w", err)
		}

		if err := tx.MarkUsed(ctx, rec.ID, now); err != nil {
			return fmt.Errorf("session: mark used: %w", err)
		}

		fresh, err := e.newRecord(ownerID, ip, userAgent, now)
		if err != nil {
			return err
		}
		if err := tx.Create(ctx, fresh); err != nil {
			return fmt.Errorf("session: create rotated record: %w", err)
		}

		result = RotationResult{AccessToken: access, RefreshToken: fresh.TokenValue}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// RevokeOne deletes exactly the matching record. A missing record yields
// ErrTokenNotFound; logout callers tolerate it.
func (e *Engine) RevokeOne(ctx context.Context, ownerID int64, tokenValue string) error {
	deleted, err := e.store.DeleteByTokenAndOwner(ctx, ownerID, tokenValue)
	if err != nil {
		return err
	}
	if deleted == 0 {
		return shared.ErrTokenNotFound
	}
	return nil
}

// RevokeAll deletes every record owned by the principal. Zero deletions is
// not an error.
func (e *Engine) RevokeAll(ctx context.Context, ownerID int64) error {
	_, err := e.store.DeleteAllForOwner(ctx, ownerID)
	return err
}

// ListSessions returns all records for the principal ordered by creation
// time.
func (e *Engine) ListSessions(ctx context.Context, ownerID int64) ([]Record, error) {
	return e.store.ListByOwner(ctx, ownerID)
}

// Grace reports the configured grace window.
func (e *Engine) Grace() time.Duration {
	return e.grace
}

func (e *Engine) newRecord(ownerID int64, ip, userAgent string, now time.Time) (*Record, error) {
	value, err := generateTokenValue()
	if err != nil {
		return nil, err
	}
	return &Record{
		ID:         uuid.NewString(),
		TokenValue: value,
		OwnerID:    ownerID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(e.refreshTTL),
		IPAddress:  ip,
		UserAgent:  userAgent,
	}, nil
}

func (e *Engine) warn(msg string, args ...any) {
	if e.logger != nil {
		e.logger.Warn(msg, args...)
	}
}

func generateTokenValue() (string, error) {
	buf := make([]byte, tokenValueBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("session: generate token value: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
