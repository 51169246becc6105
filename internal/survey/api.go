package survey

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/autonome-sdmis/platform/internal/gate"
	"github.com/autonome-sdmis/platform/internal/shared/errors"
)

// Handler provides HTTP handlers for surveys
type Handler struct {
	svc  *Service
	gate *gate.Gate
}

// NewHandler creates a new survey handler
func NewHandler(svc *Service, g *gate.Gate) *Handler {
	return &Handler{svc: svc, gate: g}
}

// Routes registers the survey routes, mounted under /surveys
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.gate.RequireRoles)

	r.Get("/", h.List)
	r.Get("/{surveyID}", h.Get)
	r.Post("/{surveyID}/votes", h.Vote)
	r.Get("/{surveyID}/results", h.Results)

	return r
}

// VoteRequest is the body of a vote
type VoteRequest struct {
	OptionID string `json:"option_id"`
}

// List lists the open surveys
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	p, _ := gate.PrincipalFrom(r.Context())

	surveys, err := h.svc.Active(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"data": surveys})
}

// Get returns a survey
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	p, _ := gate.PrincipalFrom(r.Context())

	sv, err := h.svc.Get(r.Context(), p, chi.URLParam(r, "surveyID"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sv)
}

// Vote records the caller's vote
func (h *Handler) Vote(w http.ResponseWriter, r *http.Request) {
	p, _ := gate.PrincipalFrom(r.Context())

	var req VoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	ballot, err := h.svc.Vote(r.Context(), p, chi.URLParam(r, "surveyID"), req.OptionID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, ballot)
}

// Results returns the tally of a survey
func (h *Handler) Results(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Results(r.Context(), chi.URLParam(r, "surveyID"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
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
