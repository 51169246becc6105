package identity

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	sharedauth "github.com/autonome-sdmis/platform/internal/shared/auth"
	"github.com/autonome-sdmis/platform/internal/shared/errors"
)

// Handler provides the /auth endpoints
type Handler struct {
	svc     *Service
	limiter func(http.Handler) http.Handler
}

// NewHandler creates a new identity handler. limiter throttles the
// credential endpoints; nil disables it.
func NewHandler(svc *Service, limiter func(http.Handler) http.Handler) *Handler {
	return &Handler{svc: svc, limiter: limiter}
}

// Routes registers the auth routes, mounted under /auth
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		if h.limiter != nil {
			r.Use(h.limiter)
		}
		r.Post("/signup", h.SignUp)
		r.Post("/signin", h.SignIn)
		r.Post("/forgot-password", h.ForgotPassword)
	})
	r.Post("/signout", h.SignOut)
	r.Post("/reset-password", h.ResetPassword)
	r.Post("/callback", h.Callback)
	r.Post("/refresh", h.Refresh)

	return r
}

// SignUp registers a new member
func (h *Handler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req SignUpRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.svc.SignUp(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, res)
}

// SignIn opens a session
func (h *Handler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req SignInRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.svc.SignIn(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// SignOut closes the caller's session
func (h *Handler) SignOut(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.SignOut(r.Context(), sharedauth.GetToken(r.Context()), sharedauth.GetUser(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// ForgotPassword sends a reset link
func (h *Handler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req ForgotPasswordRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.svc.ForgotPassword(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// ResetPassword sets a new password. Recovery sessions are accepted here.
func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req ResetPasswordRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.svc.ResetPassword(r.Context(), sharedauth.GetToken(r.Context()), req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// Callback adopts the tokens of an e-mail link
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	var req CallbackRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.svc.Callback(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// Refresh renews a session
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.svc.Refresh(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// --- Helpers ---

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")

	if appErr, ok := errors.As(err); ok {
		w.WriteHeader(appErr.HTTPStatus)
		json.NewEncoder(w).Encode(map[string]any{
			"error":   appErr.Message,
			"code":    appErr.Code,
			"details": appErr.Details,
		})
		return
	}

	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
}
