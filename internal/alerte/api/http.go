package api

import (
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/autonome-sdmis/platform/internal/alerte/domain"
	"github.com/autonome-sdmis/platform/internal/attachment"
	"github.com/autonome-sdmis/platform/internal/gate"
	"github.com/autonome-sdmis/platform/internal/shared/errors"
	"github.com/autonome-sdmis/platform/internal/shared/types"
)

const defaultMaxUpload = 25 << 20

// Handler provides HTTP handlers for incident records
type Handler struct {
	svc       *domain.Service
	gate      *gate.Gate
	maxUpload int64
}

// NewHandler creates a new alerte handler. maxUpload bounds multipart
// bodies in bytes; zero means 25 MiB.
func NewHandler(svc *domain.Service, g *gate.Gate, maxUpload int64) *Handler {
	if maxUpload <= 0 {
		maxUpload = defaultMaxUpload
	}
	return &Handler{svc: svc, gate: g, maxUpload: maxUpload}
}

// Routes registers the alerte routes, mounted under /alertes. Every route
// needs resolved roles.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.gate.RequireRoles)

	r.Get("/", h.ListAlertes)
	r.Post("/", h.CreateAlerte)

	r.Route("/{alerteID}", func(r chi.Router) {
		r.Get("/", h.GetAlerte)
		r.Get("/events", h.GetEvents)

		r.Post("/status", h.ChangeStatus)
		r.Put("/comment", h.SetComment)

		r.Post("/attachments", h.AddAttachment)
		r.Post("/attachments/{attachmentID}/retry", h.RetryAttachment)
	})

	return r
}

// --- Request/Response types ---

type ChangeStatusRequest struct {
	Statut domain.Status `json:"statut"`
}

type CommentRequest struct {
	Comment string `json:"comment"`
}

// --- Handlers ---

func (h *Handler) ListAlertes(w http.ResponseWriter, r *http.Request) {
	p, _ := gate.PrincipalFrom(r.Context())
	q := r.URL.Query()

	filter := domain.ListFilter{Search: q.Get("search")}
	if s := q.Get("statut"); s != "" {
		status, err := domain.ParseStatus(s)
		if err != nil {
			writeError(w, errors.BadRequest(err.Error()))
			return
		}
		filter.Statut = &status
	}
	limit, offset, err := pageParams(q)
	if err != nil {
		writeError(w, err)
		return
	}
	filter.Limit, filter.Offset = limit, offset

	alertes, total, err := h.svc.List(r.Context(), actor(p), domain.View(q.Get("view")), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if alertes == nil {
		alertes = []domain.Alerte{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  alertes,
		"total": total,
	})
}

func (h *Handler) GetAlerte(w http.ResponseWriter, r *http.Request) {
	p, _ := gate.PrincipalFrom(r.Context())

	id, ok := urlID(w, r, "alerteID")
	if !ok {
		return
	}

	a, err := h.svc.Get(r.Context(), actor(p), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, a)
}

// CreateAlerte accepts a JSON body, or a multipart form carrying the
// fields and files[]
func (h *Handler) CreateAlerte(w http.ResponseWriter, r *http.Request) {
	p, _ := gate.PrincipalFrom(r.Context())

	var fields domain.CreateFields
	var files []attachment.File

	if isMultipart(r) {
		form, err := h.parseForm(w, r)
		if err != nil {
			writeError(w, err)
			return
		}
		defer form.RemoveAll()

		fields = domain.CreateFields{
			Type:        formValue(form, "type"),
			Lieu:        formValue(form, "lieu"),
			Description: formValue(form, "description"),
			Gravite:     formValue(form, "gravite"),
		}
		fields.Anonyme, _ = strconv.ParseBool(formValue(form, "anonyme"))

		var closers []multipart.File
		defer func() {
			for _, c := range closers {
				c.Close()
			}
		}()
		for _, fh := range append(form.File["files[]"], form.File["files"]...) {
			f, err := fh.Open()
			if err != nil {
				writeError(w, errors.BadRequest("unreadable file "+fh.Filename))
				return
			}
			closers = append(closers, f)
			files = append(files, attachment.File{Name: fh.Filename, Size: fh.Size, Body: f})
		}
	} else if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	a, err := h.svc.CreateIncident(r.Context(), actor(p), fields, files)
	if err != nil {
		writeError(w, err)
		return
	}

	redacted := a.Redacted(p.Roles, p.UserID)
	writeJSON(w, http.StatusCreated, redacted)
}

func (h *Handler) GetEvents(w http.ResponseWriter, r *http.Request) {
	p, _ := gate.PrincipalFrom(r.Context())

	id, ok := urlID(w, r, "alerteID")
	if !ok {
		return
	}

	evts, err := h.svc.Events(r.Context(), actor(p), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"data": evts})
}

func (h *Handler) ChangeStatus(w http.ResponseWriter, r *http.Request) {
	p, _ := gate.PrincipalFrom(r.Context())

	id, ok := urlID(w, r, "alerteID")
	if !ok {
		return
	}

	var req ChangeStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	a, e, err := h.svc.ChangeStatus(r.Context(), actor(p), id, req.Statut)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"alerte": a.Redacted(p.Roles, p.UserID),
		"event":  e,
	})
}

func (h *Handler) SetComment(w http.ResponseWriter, r *http.Request) {
	p, _ := gate.PrincipalFrom(r.Context())

	id, ok := urlID(w, r, "alerteID")
	if !ok {
		return
	}

	var req CommentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	a, e, err := h.svc.AddInternalComment(r.Context(), actor(p), id, req.Comment)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"alerte": a.Redacted(p.Roles, p.UserID),
		"event":  e,
	})
}

func (h *Handler) AddAttachment(w http.ResponseWriter, r *http.Request) {
	p, _ := gate.PrincipalFrom(r.Context())

	id, ok := urlID(w, r, "alerteID")
	if !ok {
		return
	}

	file, cleanup, err := h.singleFile(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	defer cleanup()

	a, att, err := h.svc.AddAttachment(r.Context(), actor(p), id, file)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"alerte":     a.Redacted(p.Roles, p.UserID),
		"attachment": att,
	})
}

func (h *Handler) RetryAttachment(w http.ResponseWriter, r *http.Request) {
	p, _ := gate.PrincipalFrom(r.Context())

	id, ok := urlID(w, r, "alerteID")
	if !ok {
		return
	}
	attID, ok := urlID(w, r, "attachmentID")
	if !ok {
		return
	}

	file, cleanup, err := h.singleFile(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	defer cleanup()

	att, err := h.svc.RetryAttachment(r.Context(), actor(p), id, attID, file)
	if err != nil && att == nil {
		writeError(w, err)
		return
	}

	status := http.StatusOK
	if err != nil {
		// the new attempt is stored; report it with the failure
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]any{"attachment": att})
}

// --- Helpers ---

func actor(p *gate.Principal) domain.Actor {
	if p == nil {
		return domain.Actor{}
	}
	return domain.Actor{ID: p.UserID, Roles: p.Roles}
}

func urlID(w http.ResponseWriter, r *http.Request, param string) (types.ID, bool) {
	id, err := types.ParseID(chi.URLParam(r, param))
	if err != nil {
		writeError(w, errors.BadRequest("invalid "+param))
		return "", false
	}
	return id, true
}

func isMultipart(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data")
}

func (h *Handler) parseForm(w http.ResponseWriter, r *http.Request) (*multipart.Form, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		return nil, errors.BadRequest("invalid multipart body: " + err.Error())
	}
	return r.MultipartForm, nil
}

// singleFile reads the "file" part of a multipart request
func (h *Handler) singleFile(w http.ResponseWriter, r *http.Request) (attachment.File, func(), error) {
	if !isMultipart(r) {
		return attachment.File{}, nil, errors.BadRequest("expected multipart/form-data")
	}
	form, err := h.parseForm(w, r)
	if err != nil {
		return attachment.File{}, nil, err
	}

	headers := form.File["file"]
	if len(headers) == 0 {
		form.RemoveAll()
		return attachment.File{}, nil, errors.Validation("validation failed", map[string]string{"file": "is required"})
	}

	f, err := headers[0].Open()
	if err != nil {
		form.RemoveAll()
		return attachment.File{}, nil, errors.BadRequest("unreadable file " + headers[0].Filename)
	}

	cleanup := func() {
		f.Close()
		form.RemoveAll()
	}
	return attachment.File{Name: headers[0].Filename, Size: headers[0].Size, Body: f}, cleanup, nil
}

func formValue(form *multipart.Form, key string) string {
	if v := form.Value[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

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
