// Package auth exposes the authentication HTTP boundary: registration,
// login, refresh-token rotation, logout and session listing.
package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/helios-id/helios-id/internal/keys"
	"github.com/helios-id/helios-id/internal/platform/httpx"
	"github.com/helios-id/helios-id/internal/rbac"
	"github.com/helios-id/helios-id/internal/session"
	"github.com/helios-id/helios-id/internal/shared"
	"github.com/helios-id/helios-id/internal/token"
	"github.com/helios-id/helios-id/internal/users"
)

// CookieConfig describes how the refresh cookie is written.
type CookieConfig struct {
	Name   string
	Secure bool
	MaxAge time.Duration
}

// Metrics counts login and rotation outcomes.
type Metrics interface {
	ObserveLoginAttempt(result string)
	ObserveRotation()
}

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger    *slog.Logger
	users     *users.Service
	sessions  *session.Engine
	issuer    *token.Issuer
	roles     rbac.Repository
	keys      *keys.Manager
	rbac      rbac.Middleware
	cookie    CookieConfig
	metrics   Metrics
	validator *validator.Validate
}

// HandlerParams groups the Handler dependencies.
type HandlerParams struct {
	Logger     *slog.Logger
	Users      *users.Service
	Sessions   *session.Engine
	Issuer     *token.Issuer
	Roles      rbac.Repository
	Keys       *keys.Manager
	Middleware rbac.Middleware
	Cookie     CookieConfig
	Metrics    Metrics
}

// NewHandler constructs a Handler.
func NewHandler(p HandlerParams) *Handler {
	return &Handler{
		logger:    p.Logger,
		users:     p.Users,
		sessions:  p.Sessions,
		issuer:    p.Issuer,
		roles:     p.Roles,
		keys:      p.Keys,
		rbac:      p.Middleware,
		cookie:    p.Cookie,
		metrics:   p.Metrics,
		validator: validator.New(),
	}
}

// MountRoutes registers auth routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/register", h.handleRegister)
	r.Post("/login", h.handleLogin)
	r.Post("/refresh", h.handleRefresh)
	r.Get("/public_key", h.handlePublicKey)
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAuth)
		r.Get("/sessions", h.handleListSessions)
		r.Post("/logout", h.handleLogout)
		r.Post("/logout_all", h.handleLogoutAll)
	})
}

type registerRequest struct {
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required,min=8"`
	FirstName string `json:"first_name" validate:"required,max=100"`
	LastName  string `json:"last_name" validate:"max=100"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	user, err := h.users.Register(r.Context(), users.RegisterInput{
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	})
	if err != nil {
		h.writeDomainError(w, err, "register")
		return
	}
	httpx.JSON(w, http.StatusCreated, user.Profile())
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

type accessTokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}

	user, err := h.users.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		h.observeLogin(loginResult(err))
		h.writeDomainError(w, err, "login")
		return
	}
	h.observeLogin("success")

	access, err := h.mintAccessToken(r, user.ID)
	if err != nil {
		h.logger.Error("mint access token", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Server Error", "")
		return
	}
	refresh, err := h.sessions.IssueFor(r.Context(), user.ID, r.RemoteAddr, r.UserAgent())
	if err != nil {
		h.logger.Error("issue refresh token", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Server Error", "")
		return
	}

	h.setRefreshCookie(w, user.ID, refresh)
	httpx.JSON(w, http.StatusOK, accessTokenResponse{
		AccessToken: access,
		TokenType:   "bearer",
		ExpiresIn:   int64(h.issuer.TTL().Seconds()),
	})
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ownerID, presented, err := h.refreshCookie(r)
	if err != nil {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "refresh token missing")
		return
	}

	// The account is re-checked on every rotation so disabled or deleted
	// accounts stop refreshing immediately. The owner id in the cookie is
	// attacker-controlled, so unknown and inactive owners answer exactly like
	// an unknown token; anything else turns this endpoint into an account
	// existence oracle.
	owner, err := h.users.GetByID(r.Context(), ownerID)
	if err != nil {
		if errors.Is(err, shared.ErrUserNotFound) {
			h.clearRefreshCookie(w)
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "refresh token not found")
			return
		}
		h.logger.Error("load refresh owner", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Server Error", "")
		return
	}
	if !owner.IsActive {
		h.clearRefreshCookie(w)
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "refresh token not found")
		return
	}

	result, err := h.sessions.Rotate(r.Context(), presented, ownerID, r.RemoteAddr, r.UserAgent())
	if err != nil {
		switch {
		case errors.Is(err, shared.ErrTokenNotFound):
			h.clearRefreshCookie(w)
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "refresh token not found")
		case errors.Is(err, shared.ErrTokenAlreadyUsed):
			h.clearRefreshCookie(w)
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "refresh token already used, re-authentication required")
		default:
			h.logger.Error("rotate refresh token", slog.Any("error", err))
			httpx.Problem(w, http.StatusInternalServerError, "Internal Server Error", "")
		}
		return
	}

	if h.metrics != nil {
		h.metrics.ObserveRotation()
	}
	h.setRefreshCookie(w, ownerID, result.RefreshToken)
	httpx.JSON(w, http.StatusOK, accessTokenResponse{
		AccessToken: result.AccessToken,
		TokenType:   "bearer",
		ExpiresIn:   int64(h.issuer.TTL().Seconds()),
	})
}

type sessionInfo struct {
	ID        string     `json:"id"`
	IPAddress string     `json:"ip_address"`
	UserAgent string     `json:"user_agent"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	Used      bool       `json:"used"`
	UsedAt    *time.Time `json:"used_at"`
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := principalID(r)
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "invalid subject claim")
		return
	}
	records, err := h.sessions.ListSessions(r.Context(), ownerID)
	if err != nil {
		h.logger.Error("list sessions", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Server Error", "")
		return
	}
	out := make([]sessionInfo, 0, len(records))
	for _, rec := range records {
		out = append(out, sessionInfo{
			ID:        rec.ID,
			IPAddress: rec.IPAddress,
			UserAgent: rec.UserAgent,
			CreatedAt: rec.CreatedAt,
			ExpiresAt: rec.ExpiresAt,
			Used:      rec.Used,
			UsedAt:    rec.UsedAt,
		})
	}
	httpx.JSON(w, http.StatusOK, out)
}

// handleLogout revokes the session named by the refresh cookie. Logout is
// idempotent: an unknown or already-revoked token still yields 204.
func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := principalID(r)
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "invalid subject claim")
		return
	}
	if _, presented, err := h.refreshCookie(r); err == nil {
		if err := h.sessions.RevokeOne(r.Context(), ownerID, presented); err != nil && !errors.Is(err, shared.ErrTokenNotFound) {
			h.logger.Error("revoke session", slog.Any("error", err))
			httpx.Problem(w, http.StatusInternalServerError, "Internal Server Error", "")
			return
		}
	}
	h.clearRefreshCookie(w)
	httpx.NoContent(w)
}

func (h *Handler) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := principalID(r)
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "invalid subject claim")
		return
	}
	if err := h.sessions.RevokeAll(r.Context(), ownerID); err != nil {
		h.logger.Error("revoke all sessions", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Server Error", "")
		return
	}
	h.clearRefreshCookie(w)
	httpx.NoContent(w)
}

func (h *Handler) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	pemBytes, err := h.keys.PublicPEM()
	if err != nil {
		h.logger.Error("load public key", slog.Any("error", err))
		httpx.Problem(w, http.StatusNotFound, "Not Found", "public key not found")
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pemBytes)
}

// mintAccessToken resolves the principal's current roles and permissions and
// signs a fresh access token.
func (h *Handler) mintAccessToken(r *http.Request, userID int64) (string, error) {
	granted, err := h.roles.RolesForUser(r.Context(), userID)
	if err != nil {
		return "", fmt.Errorf("auth: load roles: %w", err)
	}
	roleNames, permissionNames := rbac.Resolve(granted)
	return h.issuer.Mint(strconv.FormatInt(userID, 10), roleNames, permissionNames)
}

func (h *Handler) observeLogin(result string) {
	if h.metrics != nil {
		h.metrics.ObserveLoginAttempt(result)
	}
}

func loginResult(err error) string {
	switch {
	case errors.Is(err, shared.ErrUserNotFound):
		return "not_found"
	case errors.Is(err, shared.ErrTooManyAttempts), errors.Is(err, shared.ErrBlockedUser):
		return "blocked"
	case errors.Is(err, shared.ErrInvalidPassword):
		return "invalid"
	default:
		return "error"
	}
}

func (h *Handler) writeDomainError(w http.ResponseWriter, err error, op string) {
	var invalid *shared.InvalidPasswordError
	switch {
	case errors.Is(err, shared.ErrUserNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", "user not found")
	case errors.Is(err, shared.ErrInactiveUser):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "account is inactive")
	case errors.Is(err, shared.ErrTooManyAttempts):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "too many login attempts")
	case errors.Is(err, shared.ErrBlockedUser):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "account is temporarily blocked")
	case errors.As(err, &invalid):
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", invalid.Error())
	case errors.Is(err, shared.ErrInvalidPassword):
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "invalid password")
	case errors.Is(err, shared.ErrUserAlreadyExists):
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "user already exists")
	default:
		h.logger.Error(op+" failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Server Error", "")
	}
}

// The cookie value carries the owner id alongside the opaque token value so
// rotation can scope its record lookup to the owner, the access token being
// unavailable at refresh time.
func (h *Handler) setRefreshCookie(w http.ResponseWriter, ownerID int64, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookie.Name,
		Value:    strconv.FormatInt(ownerID, 10) + "." + value,
		Path:     "/auth",
		MaxAge:   int(h.cookie.MaxAge.Seconds()),
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookie.Name,
		Value:    "",
		Path:     "/auth",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) refreshCookie(r *http.Request) (int64, string, error) {
	cookie, err := r.Cookie(h.cookie.Name)
	if err != nil {
		return 0, "", shared.ErrMissingToken
	}
	ownerPart, value, found := strings.Cut(cookie.Value, ".")
	if !found || value == "" {
		return 0, "", shared.ErrTokenInvalid
	}
	ownerID, err := strconv.ParseInt(ownerPart, 10, 64)
	if err != nil {
		return 0, "", shared.ErrTokenInvalid
	}
	return ownerID, value, nil
}

func principalID(r *http.Request) (int64, bool) {
	claims := token.ClaimsFromContext(r.Context())
	if claims == nil {
		return 0, false
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
