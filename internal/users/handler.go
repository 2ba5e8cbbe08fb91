package users

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/helios-id/helios-id/internal/platform/httpx"
	"github.com/helios-id/helios-id/internal/rbac"
	"github.com/helios-id/helios-id/internal/shared"
	"github.com/helios-id/helios-id/internal/token"
)

// PermUsersReadAll guards the account listing endpoint.
const PermUsersReadAll = "users:read:all"

// Handler exposes account endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	rbac      rbac.Middleware
	validator *validator.Validate
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service *Service, mw rbac.Middleware) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		rbac:      mw,
		validator: validator.New(),
	}
}

// MountRoutes registers account routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAuth)
		r.Get("/me", h.getProfile)
		r.Patch("/me", h.updateProfile)
		r.Group(func(r chi.Router) {
			r.Use(h.rbac.RequireAny(PermUsersReadAll))
			r.Get("/", h.listUsers)
		})
	})
}

func (h *Handler) getProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := principalID(r)
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "invalid subject claim")
		return
	}
	user, err := h.service.GetByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, shared.ErrUserNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "account no longer exists")
			return
		}
		h.logger.Error("load profile", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Server Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, user.Profile())
}

type updateProfileRequest struct {
	Email     string `json:"email" validate:"required,email"`
	FirstName string `json:"first_name" validate:"required,max=100"`
	LastName  string `json:"last_name" validate:"max=100"`
}

func (h *Handler) updateProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := principalID(r)
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "invalid subject claim")
		return
	}
	var req updateProfileRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	user, err := h.service.UpdateProfile(r.Context(), userID, ProfileInput{
		Email:     req.Email,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	})
	if err != nil {
		switch {
		case errors.Is(err, shared.ErrUserNotFound):
			httpx.Problem(w, http.StatusNotFound, "Not Found", "account no longer exists")
		case errors.Is(err, shared.ErrUserAlreadyExists):
			httpx.Problem(w, http.StatusConflict, "Conflict", "email already registered")
		default:
			h.logger.Error("update profile", slog.Any("error", err))
			httpx.Problem(w, http.StatusInternalServerError, "Internal Server Error", "")
		}
		return
	}
	httpx.JSON(w, http.StatusOK, user.Profile())
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.List(r.Context())
	if err != nil {
		h.logger.Error("list users", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Server Error", "")
		return
	}
	profiles := make([]Profile, 0, len(list))
	for i := range list {
		profiles = append(profiles, list[i].Profile())
	}
	httpx.JSON(w, http.StatusOK, profiles)
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
