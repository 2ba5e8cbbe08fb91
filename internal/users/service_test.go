package users

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/helios-id/helios-id/internal/events"
	"github.com/helios-id/helios-id/internal/platform/db"
	"github.com/helios-id/helios-id/internal/rbac"
	"github.com/helios-id/helios-id/internal/shared"
	"github.com/helios-id/helios-id/internal/throttle"
)

type memoryRepo struct {
	nextID int64
	byID   map[int64]*User
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{nextID: 1, byID: make(map[int64]*User)}
}

func (m *memoryRepo) Bind(db.DBTX) Repository { return m }

func (m *memoryRepo) FindByID(_ context.Context, id int64) (*User, error) {
	if user, ok := m.byID[id]; ok {
		clone := *user
		return &clone, nil
	}
	return nil, shared.ErrUserNotFound
}

func (m *memoryRepo) FindByEmail(_ context.Context, email string) (*User, error) {
	for _, user := range m.byID {
		if user.Email == email {
			clone := *user
			return &clone, nil
		}
	}
	return nil, shared.ErrUserNotFound
}

func (m *memoryRepo) FindByGoogleSub(_ context.Context, sub string) (*User, error) {
	for _, user := range m.byID {
		if user.GoogleSub != nil && *user.GoogleSub == sub {
			clone := *user
			return &clone, nil
		}
	}
	return nil, shared.ErrUserNotFound
}

func (m *memoryRepo) List(_ context.Context) ([]User, error) {
	list := make([]User, 0, len(m.byID))
	for _, user := range m.byID {
		list = append(list, *user)
	}
	return list, nil
}

func (m *memoryRepo) Create(_ context.Context, user *User) error {
	for _, existing := range m.byID {
		if existing.Email == user.Email {
			return shared.ErrUserAlreadyExists
		}
	}
	user.ID = m.nextID
	m.nextID++
	user.CreatedAt = time.Now().UTC()
	user.UpdatedAt = user.CreatedAt
	clone := *user
	m.byID[user.ID] = &clone
	return nil
}

func (m *memoryRepo) UpdateProfile(_ context.Context, user *User) error {
	existing, ok := m.byID[user.ID]
	if !ok {
		return shared.ErrUserNotFound
	}
	for id, other := range m.byID {
		if id != user.ID && other.Email == user.Email {
			return shared.ErrUserAlreadyExists
		}
	}
	existing.Email = user.Email
	existing.FirstName = user.FirstName
	existing.LastName = user.LastName
	existing.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memoryRepo) LinkGoogleSub(_ context.Context, id int64, sub string) error {
	existing, ok := m.byID[id]
	if !ok {
		return shared.ErrUserNotFound
	}
	existing.GoogleSub = &sub
	return nil
}

type memoryRoles struct {
	roles  map[string]*rbac.Role
	grants map[int64][]int64
}

func newMemoryRoles(names ...string) *memoryRoles {
	m := &memoryRoles{roles: make(map[string]*rbac.Role), grants: make(map[int64][]int64)}
	for i, name := range names {
		m.roles[name] = &rbac.Role{ID: int64(i + 1), Name: name}
	}
	return m
}

func (m *memoryRoles) Bind(db.DBTX) rbac.Repository { return m }

func (m *memoryRoles) RolesForUser(_ context.Context, userID int64) ([]rbac.Role, error) {
	var out []rbac.Role
	for _, roleID := range m.grants[userID] {
		for _, role := range m.roles {
			if role.ID == roleID {
				out = append(out, *role)
			}
		}
	}
	return out, nil
}

func (m *memoryRoles) EffectivePermissions(context.Context, int64) ([]string, error) {
	return nil, nil
}

func (m *memoryRoles) FindRoleByName(_ context.Context, name string) (*rbac.Role, error) {
	if role, ok := m.roles[name]; ok {
		return role, nil
	}
	return nil, rbac.ErrNotFound
}

func (m *memoryRoles) AssignRoleToUser(_ context.Context, userID, roleID int64) error {
	m.grants[userID] = append(m.grants[userID], roleID)
	return nil
}

type capturingSink struct {
	registered []events.UserEvent
	updated    []events.UserEvent
}

func (c *capturingSink) PublishUserRegistered(_ context.Context, event events.UserEvent) {
	c.registered = append(c.registered, event)
}

func (c *capturingSink) PublishProfileUpdated(_ context.Context, event events.UserEvent) {
	c.updated = append(c.updated, event)
}

type passthroughTx struct{}

func (passthroughTx) RunTx(_ context.Context, fn func(q db.DBTX) error) error {
	return fn(nil)
}

type serviceFixture struct {
	service *Service
	repo    *memoryRepo
	roles   *memoryRoles
	sink    *capturingSink
	redis   *miniredis.Miniredis
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	gate := throttle.NewLoginThrottle(client, throttle.Config{MaxAttempts: 5, BlockWindow: 600 * time.Second})

	repo := newMemoryRepo()
	roles := newMemoryRoles(DefaultRole, "admin")
	sink := &capturingSink{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	service := NewService(repo, roles, gate, sink, passthroughTx{}, logger)
	return &serviceFixture{service: service, repo: repo, roles: roles, sink: sink, redis: mr}
}

func registerTestUser(t *testing.T, f *serviceFixture, email, password string) *User {
	t.Helper()
	user, err := f.service.Register(context.Background(), RegisterInput{
		Email:     email,
		Password:  password,
		FirstName: "Test",
		LastName:  "User",
	})
	require.NoError(t, err)
	return user
}

func TestRegisterHashesPasswordAndGrantsDefaultRole(t *testing.T) {
	f := newServiceFixture(t)
	user := registerTestUser(t, f, "new@test.local", "s3cret-pass")

	require.NotZero(t, user.ID)
	require.True(t, user.IsActive)
	require.NotEqual(t, "s3cret-pass", user.PasswordHash)
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte("s3cret-pass")))

	granted, err := f.roles.RolesForUser(context.Background(), user.ID)
	require.NoError(t, err)
	require.Len(t, granted, 1)
	require.Equal(t, DefaultRole, granted[0].Name)

	require.Len(t, f.sink.registered, 1)
	require.Equal(t, "new@test.local", f.sink.registered[0].Email)
}

func TestRegisterDuplicateEmail(t *testing.T) {
	f := newServiceFixture(t)
	registerTestUser(t, f, "dup@test.local", "s3cret-pass")

	_, err := f.service.Register(context.Background(), RegisterInput{
		Email:    "dup@test.local",
		Password: "another-pass",
	})
	require.ErrorIs(t, err, shared.ErrUserAlreadyExists)
	require.Len(t, f.sink.registered, 1)
}

func TestAuthenticateSuccessResetsCounter(t *testing.T) {
	f := newServiceFixture(t)
	registerTestUser(t, f, "login@test.local", "s3cret-pass")
	ctx := context.Background()

	_, err := f.service.Authenticate(ctx, "login@test.local", "wrong-pass")
	require.ErrorIs(t, err, shared.ErrInvalidPassword)

	user, err := f.service.Authenticate(ctx, "login@test.local", "s3cret-pass")
	require.NoError(t, err)
	require.Equal(t, "login@test.local", user.Email)

	// The failure counter is gone, so the next failure reports a full budget.
	_, err = f.service.Authenticate(ctx, "login@test.local", "wrong-pass")
	var invalid *shared.InvalidPasswordError
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, 4, invalid.RemainingAttempts)
}

func TestAuthenticateUnknownUser(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.service.Authenticate(context.Background(), "ghost@test.local", "whatever")
	require.ErrorIs(t, err, shared.ErrUserNotFound)
}

func TestAuthenticateInactiveUser(t *testing.T) {
	f := newServiceFixture(t)
	user := registerTestUser(t, f, "inactive@test.local", "s3cret-pass")
	f.repo.byID[user.ID].IsActive = false

	_, err := f.service.Authenticate(context.Background(), "inactive@test.local", "s3cret-pass")
	require.ErrorIs(t, err, shared.ErrInactiveUser)
}

func TestAuthenticateReportsRemainingAttempts(t *testing.T) {
	f := newServiceFixture(t)
	registerTestUser(t, f, "count@test.local", "s3cret-pass")
	ctx := context.Background()

	for want := 4; want >= 1; want-- {
		_, err := f.service.Authenticate(ctx, "count@test.local", "wrong-pass")
		var invalid *shared.InvalidPasswordError
		require.ErrorAs(t, err, &invalid)
		require.Equal(t, want, invalid.RemainingAttempts)
	}
}

func TestAuthenticateBlocksAfterThreshold(t *testing.T) {
	f := newServiceFixture(t)
	registerTestUser(t, f, "blocked@test.local", "s3cret-pass")
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := f.service.Authenticate(ctx, "blocked@test.local", "wrong-pass")
		require.ErrorIs(t, err, shared.ErrInvalidPassword)
	}
	_, err := f.service.Authenticate(ctx, "blocked@test.local", "wrong-pass")
	require.ErrorIs(t, err, shared.ErrTooManyAttempts)

	// Even the correct password is rejected while the block lasts.
	_, err = f.service.Authenticate(ctx, "blocked@test.local", "s3cret-pass")
	require.ErrorIs(t, err, shared.ErrBlockedUser)

	f.redis.FastForward(601 * time.Second)
	user, err := f.service.Authenticate(ctx, "blocked@test.local", "s3cret-pass")
	require.NoError(t, err)
	require.Equal(t, "blocked@test.local", user.Email)
}

func TestUpdateProfileFiresEvent(t *testing.T) {
	f := newServiceFixture(t)
	user := registerTestUser(t, f, "before@test.local", "s3cret-pass")

	updated, err := f.service.UpdateProfile(context.Background(), user.ID, ProfileInput{
		Email:     "after@test.local",
		FirstName: "Renamed",
		LastName:  "User",
	})
	require.NoError(t, err)
	require.Equal(t, "after@test.local", updated.Email)
	require.Equal(t, "Renamed", updated.FirstName)

	require.Len(t, f.sink.updated, 1)
	require.Equal(t, "after@test.local", f.sink.updated[0].Email)
}

func TestUpdateProfileDuplicateEmail(t *testing.T) {
	f := newServiceFixture(t)
	registerTestUser(t, f, "taken@test.local", "s3cret-pass")
	user := registerTestUser(t, f, "mine@test.local", "s3cret-pass")

	_, err := f.service.UpdateProfile(context.Background(), user.ID, ProfileInput{
		Email:     "taken@test.local",
		FirstName: "Test",
	})
	require.ErrorIs(t, err, shared.ErrUserAlreadyExists)
	require.Empty(t, f.sink.updated)
}

func TestOAuthMatchesExistingSubject(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	first, err := f.service.GetOrCreateFromOAuth(ctx, OAuthUserInfo{
		Subject: "google-123", Email: "oauth@test.local", FirstName: "OAuth",
	})
	require.NoError(t, err)
	require.NotZero(t, first.ID)
	require.Len(t, f.sink.registered, 1)

	second, err := f.service.GetOrCreateFromOAuth(ctx, OAuthUserInfo{
		Subject: "google-123", Email: "changed@test.local",
	})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Len(t, f.sink.registered, 1)
}

func TestOAuthLinksAccountByEmail(t *testing.T) {
	f := newServiceFixture(t)
	user := registerTestUser(t, f, "linked@test.local", "s3cret-pass")

	resolved, err := f.service.GetOrCreateFromOAuth(context.Background(), OAuthUserInfo{
		Subject: "google-456", Email: "linked@test.local",
	})
	require.NoError(t, err)
	require.Equal(t, user.ID, resolved.ID)
	require.NotNil(t, resolved.GoogleSub)
	require.Equal(t, "google-456", *resolved.GoogleSub)

	stored, err := f.repo.FindByGoogleSub(context.Background(), "google-456")
	require.NoError(t, err)
	require.Equal(t, user.ID, stored.ID)
}
