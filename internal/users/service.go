package users

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/helios-id/helios-id/internal/events"
	"github.com/helios-id/helios-id/internal/platform/db"
	"github.com/helios-id/helios-id/internal/rbac"
	"github.com/helios-id/helios-id/internal/shared"
)

// DefaultRole is granted to every self-registered account.
const DefaultRole = "customer"

// Throttle guards the login endpoint against brute force attempts.
type Throttle interface {
	IsBlocked(ctx context.Context, identity string) (bool, error)
	RecordFailure(ctx context.Context, identity string) (int64, error)
	Reset(ctx context.Context, identity string) error
	MaxAttempts() int
}

// EventSink receives lifecycle events after the owning transaction commits.
type EventSink interface {
	PublishUserRegistered(ctx context.Context, event events.UserEvent)
	PublishProfileUpdated(ctx context.Context, event events.UserEvent)
}

// Service wraps account business rules.
type Service struct {
	repo     Repository
	roles    rbac.Repository
	throttle Throttle
	sink     EventSink
	tx       db.TxRunner
	logger   *slog.Logger
}

// NewService constructs a Service.
func NewService(repo Repository, roles rbac.Repository, throttle Throttle, sink EventSink, tx db.TxRunner, logger *slog.Logger) *Service {
	return &Service{
		repo:     repo,
		roles:    roles,
		throttle: throttle,
		sink:     sink,
		tx:       tx,
		logger:   logger,
	}
}

// RegisterInput carries the fields accepted at sign-up.
type RegisterInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
}

// Register creates an account with a bcrypt password hash and grants the
// default role. Account insert and role grant commit atomically; the
// registration event fires only after the commit.
func (s *Service) Register(ctx context.Context, input RegisterInput) (*User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("users: hash password: %w", err)
	}
	user := &User{
		Email:        input.Email,
		FirstName:    input.FirstName,
		LastName:     input.LastName,
		PasswordHash: string(hash),
		IsActive:     true,
	}
	if err := s.createWithDefaultRole(ctx, user); err != nil {
		return nil, err
	}
	s.sink.PublishUserRegistered(ctx, events.UserEvent{
		ID:         user.ID,
		Email:      user.Email,
		FirstName:  user.FirstName,
		OccurredAt: time.Now().UTC(),
	})
	return user, nil
}

// Authenticate validates email/password credentials behind the login
// throttle. Failed attempts count toward the block threshold, a successful
// login clears the counter.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*User, error) {
	blocked, err := s.throttle.IsBlocked(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("users: throttle check: %w", err)
	}
	if blocked {
		return nil, shared.ErrBlockedUser
	}

	user, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		return nil, shared.ErrInactiveUser
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		attempts, recErr := s.throttle.RecordFailure(ctx, email)
		if recErr != nil {
			s.logger.Error("record login failure", slog.Any("error", recErr))
			return nil, shared.ErrInvalidPassword
		}
		remaining := s.throttle.MaxAttempts() - int(attempts)
		if remaining <= 0 {
			return nil, shared.ErrTooManyAttempts
		}
		return nil, &shared.InvalidPasswordError{RemainingAttempts: remaining}
	}

	if err := s.throttle.Reset(ctx, email); err != nil {
		s.logger.Warn("reset login counter", slog.Any("error", err))
	}
	return user, nil
}

// GetByID returns the account with the given id.
func (s *Service) GetByID(ctx context.Context, id int64) (*User, error) {
	return s.repo.FindByID(ctx, id)
}

// List returns all accounts.
func (s *Service) List(ctx context.Context) ([]User, error) {
	return s.repo.List(ctx)
}

// ProfileInput carries the mutable profile fields.
type ProfileInput struct {
	Email     string
	FirstName string
	LastName  string
}

// UpdateProfile changes the account's email and name. A duplicate email
// surfaces as ErrUserAlreadyExists.
func (s *Service) UpdateProfile(ctx context.Context, id int64, input ProfileInput) (*User, error) {
	user, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	user.Email = input.Email
	user.FirstName = input.FirstName
	user.LastName = input.LastName
	if err := s.repo.UpdateProfile(ctx, user); err != nil {
		return nil, err
	}
	s.sink.PublishProfileUpdated(ctx, events.UserEvent{
		ID:         user.ID,
		Email:      user.Email,
		FirstName:  user.FirstName,
		OccurredAt: time.Now().UTC(),
	})
	return user, nil
}

// OAuthUserInfo is the identity asserted by the external provider.
type OAuthUserInfo struct {
	Subject   string
	Email     string
	FirstName string
	LastName  string
}

// GetOrCreateFromOAuth resolves an externally authenticated identity to a
// local account. An existing account matching the provider subject wins; an
// account matching the email gets the subject linked; otherwise a fresh
// account with an unusable random password is created.
func (s *Service) GetOrCreateFromOAuth(ctx context.Context, info OAuthUserInfo) (*User, error) {
	user, err := s.repo.FindByGoogleSub(ctx, info.Subject)
	switch {
	case err == nil:
		return user, nil
	case !errors.Is(err, shared.ErrUserNotFound):
		return nil, err
	}

	user, err = s.repo.FindByEmail(ctx, info.Email)
	switch {
	case err == nil:
		if err := s.repo.LinkGoogleSub(ctx, user.ID, info.Subject); err != nil {
			return nil, err
		}
		user.GoogleSub = &info.Subject
		return user, nil
	case !errors.Is(err, shared.ErrUserNotFound):
		return nil, err
	}

	hash, err := randomPasswordHash()
	if err != nil {
		return nil, err
	}
	sub := info.Subject
	user = &User{
		Email:        info.Email,
		FirstName:    info.FirstName,
		LastName:     info.LastName,
		PasswordHash: hash,
		IsActive:     true,
		GoogleSub:    &sub,
	}
	if err := s.createWithDefaultRole(ctx, user); err != nil {
		return nil, err
	}
	s.sink.PublishUserRegistered(ctx, events.UserEvent{
		ID:         user.ID,
		Email:      user.Email,
		FirstName:  user.FirstName,
		OccurredAt: time.Now().UTC(),
	})
	return user, nil
}

func (s *Service) createWithDefaultRole(ctx context.Context, user *User) error {
	return s.tx.RunTx(ctx, func(q db.DBTX) error {
		repo := s.repo.Bind(q)
		roles := s.roles.Bind(q)
		if err := repo.Create(ctx, user); err != nil {
			return err
		}
		role, err := roles.FindRoleByName(ctx, DefaultRole)
		if err != nil {
			if errors.Is(err, rbac.ErrNotFound) {
				s.logger.Warn("default role missing", slog.String("role", DefaultRole))
				return nil
			}
			return err
		}
		return roles.AssignRoleToUser(ctx, user.ID, role.ID)
	})
}

func randomPasswordHash() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("users: random password: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(base64.RawURLEncoding.EncodeToString(raw)), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("users: hash password: %w", err)
	}
	return string(hash), nil
}
