package agent

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/autonome-sdmis/platform/internal/auth"
	"github.com/autonome-sdmis/platform/internal/gate"
	"github.com/autonome-sdmis/platform/internal/shared/errors"
	"github.com/autonome-sdmis/platform/internal/shared/types"
)

// Handler provides HTTP handlers for member profiles
type Handler struct {
	svc  *Service
	gate *gate.Gate
}

// NewHandler creates a new agent handler
func NewHandler(svc *Service, g *gate.Gate) *Handler {
	return &Handler{svc: svc, gate: g}
}

// Routes registers the agent routes, mounted under /agents. /me only
// needs a session so members with an incomplete profile can complete it.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.With(h.gate.RequireSession).Get("/me", h.GetMe)
	r.With(h.gate.RequireSession).Put("/me", h.UpdateMe)

	r.Group(func(r chi.Router) {
		r.Use(h.gate.RequireRoles)
		r.Get("/", h.List)
		r.Get("/{agentID}", h.Get)
		r.Put("/{agentID}", h.Update)
	})

	return r
}

// GetMe returns the caller's profile
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	p, _ := gate.PrincipalFrom(r.Context())

	agent, err := h.svc.Me(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, agent)
}

// UpdateMe updates the caller's profile
func (h *Handler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	p, _ := gate.PrincipalFrom(r.Context())
	h.update(w, r, p, p.UserID)
}

// List lists members (admin)
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	p, _ := gate.PrincipalFrom(r.Context())

	filter := ListFilter{Search: r.URL.Query().Get("search")}
	if c := r.URL.Query().Get("classification"); c != "" {
		classification, err := auth.ParseClassification(c)
		if err != nil {
			writeError(w, errors.BadRequest(err.Error()))
			return
		}
		filter.Classification = &classification
	}
	if t := r.URL.Query().Get("tier"); t != "" {
		tier, err := auth.ParseTier(t)
		if err != nil {
			writeError(w, errors.BadRequest(err.Error()))
			return
		}
		filter.Tier = &tier
	}
	limit, offset, err := pageParams(r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}
	filter.Limit, filter.Offset = limit, offset

	agents, total, err := h.svc.List(r.Context(), p, filter)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  agents,
		"total": total,
	})
}

// Get returns a profile by ID
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	p, _ := gate.PrincipalFrom(r.Context())

	id, err := types.ParseID(chi.URLParam(r, "agentID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid agent ID"))
		return
	}

	agent, err := h.svc.Get(r.Context(), p, id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, agent)
}

// Update updates a profile by ID
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	p, _ := gate.PrincipalFrom(r.Context())

	id, err := types.ParseID(chi.URLParam(r, "agentID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid agent ID"))
		return
	}

	h.update(w, r, p, id)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request, p *gate.Principal, id types.ID) {
	var req UpdateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	agent, err := h.svc.UpdateProfile(r.Context(), p, id, req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, agent)
}

// --- Helpers ---

// pageParams reads limit and offset; both must be non-negative integers
func pageParams(q url.Values) (limit, offset int, err error) {
	for _, p := range []struct {
		name string
		dst  *int
	}{{"limit", &limit}, {"offset", &offset}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		n, convErr := strconv.Atoi(v)
		if convErr != nil || n < 0 {
			return 0, 0, errors.Validation("validation failed", map[string]string{p.name: "must be a non-negative integer"})
		}
		*p.dst = n
	}
	return limit, offset, nil
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
