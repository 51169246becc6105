package contribution

import (
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/autonome-sdmis/platform/internal/attachment"
	"github.com/autonome-sdmis/platform/internal/gate"
	"github.com/autonome-sdmis/platform/internal/shared/errors"
	"github.com/autonome-sdmis/platform/internal/shared/types"
)

// Handler provides HTTP handlers for contributions
type Handler struct {
	svc       *Service
	gate      *gate.Gate
	maxUpload int64
}

// NewHandler creates a new contribution handler. maxUpload bounds
// multipart bodies in bytes.
func NewHandler(svc *Service, g *gate.Gate, maxUpload int64) *Handler {
	if maxUpload <= 0 {
		maxUpload = 25 << 20
	}
	return &Handler{svc: svc, gate: g, maxUpload: maxUpload}
}

// Routes registers the contribution routes, mounted under /contributions
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.gate.RequireRoles)

	r.Get("/", h.List)
	r.Post("/", h.Create)

	r.Route("/{contributionID}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Post("/reactions/{kind}", h.React)
		r.Post("/comments", h.AddComment)
		r.Put("/response", h.Respond)
	})

	return r
}

// List lists contributions. ?sort=popular|recent|trending, ?q= searches.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	p, _ := gate.PrincipalFrom(r.Context())
	q := r.URL.Query()

	filter := ListFilter{
		Sort:  Sort(q.Get("sort")),
		Query: q.Get("q"),
	}
	if t := q.Get("type"); t != "" {
		typ := Type(t)
		filter.Type = &typ
	}
	limit, offset, err := pageParams(q)
	if err != nil {
		writeError(w, err)
		return
	}
	filter.Limit, filter.Offset = limit, offset

	list, total, err := h.svc.List(r.Context(), p, filter)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  list,
		"total": total,
	})
}

// Create accepts a JSON body, or a multipart form with a "data" JSON part
// and files[]
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	p, _ := gate.PrincipalFrom(r.Context())

	var req CreateRequest
	var files []attachment.File

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
		if err := r.ParseMultipartForm(h.maxUpload); err != nil {
			writeError(w, errors.BadRequest("invalid multipart body"))
			return
		}
		defer r.MultipartForm.RemoveAll()

		if err := json.Unmarshal([]byte(r.FormValue("data")), &req); err != nil {
			writeError(w, errors.BadRequest("invalid data part"))
			return
		}

		var opened []multipart.File
		defer func() {
			for _, f := range opened {
				f.Close()
			}
		}()
		for _, fh := range r.MultipartForm.File["files[]"] {
			f, err := fh.Open()
			if err != nil {
				writeError(w, errors.BadRequest("unreadable file "+fh.Filename))
				return
			}
			opened = append(opened, f)
			files = append(files, attachment.File{Name: fh.Filename, Size: fh.Size, Body: f})
		}
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	c, err := h.svc.Create(r.Context(), p, req, files)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, c)
}

// Get returns a contribution with its comments
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	p, _ := gate.PrincipalFrom(r.Context())

	id, ok := contributionID(w, r)
	if !ok {
		return
	}

	c, err := h.svc.Get(r.Context(), p, id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, c)
}

// React increments a reaction counter
func (h *Handler) React(w http.ResponseWriter, r *http.Request) {
	id, ok := contributionID(w, r)
	if !ok {
		return
	}

	reactions, err := h.svc.React(r.Context(), id, chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, reactions)
}

// AddComment appends a comment
func (h *Handler) AddComment(w http.ResponseWriter, r *http.Request) {
	p, _ := gate.PrincipalFrom(r.Context())

	id, ok := contributionID(w, r)
	if !ok {
		return
	}

	var req CommentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	c, err := h.svc.AddComment(r.Context(), p, id, req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, c)
}

// Respond sets the official answer
func (h *Handler) Respond(w http.ResponseWriter, r *http.Request) {
	p, _ := gate.PrincipalFrom(r.Context())

	id, ok := contributionID(w, r)
	if !ok {
		return
	}

	var req ResponseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	c, err := h.svc.Respond(r.Context(), p, id, req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, c)
}

// --- Helpers ---

func contributionID(w http.ResponseWriter, r *http.Request) (types.ID, bool) {
	id, err := types.ParseID(chi.URLParam(r, "contributionID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid contribution ID"))
		return "", false
	}
	return id, true
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
