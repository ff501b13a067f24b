package auth

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-iam/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger  *slog.Logger
	service *Service
	authn   *Authenticator
	limiter func(http.Handler) http.Handler
}

// NewHandler constructs a Handler instance. limiter guards the credential
// endpoints and may be nil.
func NewHandler(logger *slog.Logger, service *Service, authn *Authenticator, limiter func(http.Handler) http.Handler) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if limiter == nil {
		limiter = func(next http.Handler) http.Handler { return next }
	}
	return &Handler{logger: logger, service: service, authn: authn, limiter: limiter}
}

// MountRoutes registers auth routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.limiter)
		r.Post("/login", h.handleLogin)
		r.Post("/register", h.handleRegister)
		r.Post("/request-password-reset", h.handleRequestReset)
		r.Post("/reset-password", h.handleResetPassword)
	})
	r.Post("/refresh-token", h.handleRefresh)
	r.Post("/logout", h.handleLogout)
	r.With(h.authn.Middleware).Get("/me", h.handleMe)
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type registerRequest struct {
	Email     string `json:"email" validate:"required,email,max=255"`
	Password  string `json:"password" validate:"required,min=8,max=72"`
	FirstName string `json:"firstName" validate:"max=100"`
	LastName  string `json:"lastName" validate:"max=100"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

type resetRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type resetPasswordRequest struct {
	Token       string `json:"token" validate:"required"`
	NewPassword string `json:"newPassword" validate:"required,min=8,max=72"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	sess, err := h.service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.fail(w, r, "login", err)
		return
	}
	httpx.JSON(w, http.StatusOK, sess)
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	sess, err := h.service.Register(r.Context(), RegisterInput{
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	})
	if err != nil {
		h.fail(w, r, "register", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, sess)
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	pair, err := h.service.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		h.fail(w, r, "refresh", err)
		return
	}
	httpx.JSON(w, http.StatusOK, pair)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.Logout(r.Context(), req.RefreshToken); err != nil {
		h.fail(w, r, "logout", err)
		return
	}
	httpx.NoContent(w)
}

func (h *Handler) handleRequestReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	reset, err := h.service.RequestPasswordReset(r.Context(), req.Email)
	if err != nil {
		h.fail(w, r, "request password reset", err)
		return
	}
	body := map[string]any{"message": "if the account exists a reset link has been sent"}
	if reset != "" {
		body["resetToken"] = reset
	}
	httpx.JSON(w, http.StatusOK, body)
}

func (h *Handler) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.ResetPassword(r.Context(), req.Token, req.NewPassword); err != nil {
		h.fail(w, r, "reset password", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"message": "password updated"})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	profile, err := h.service.Me(r.Context(), shared.PrincipalFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, "me", err)
		return
	}
	httpx.JSON(w, http.StatusOK, profile)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	if httpx.StatusFor(err) >= http.StatusInternalServerError {
		h.logger.Error("auth "+op, slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
