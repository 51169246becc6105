package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autonome-sdmis/platform/internal/alerte/domain"
	"github.com/autonome-sdmis/platform/internal/attachment"
	"github.com/autonome-sdmis/platform/internal/auth"
	"github.com/autonome-sdmis/platform/internal/gate"
	"github.com/autonome-sdmis/platform/internal/shared/config"
	sharedauth "github.com/autonome-sdmis/platform/internal/shared/auth"
	apperrors "github.com/autonome-sdmis/platform/internal/shared/errors"
	"github.com/autonome-sdmis/platform/internal/shared/types"
)

type stubRoles map[types.ID]auth.Roles

func (s stubRoles) Resolve(_ context.Context, _ string, userID types.ID) (auth.Roles, error) {
	roles, ok := s[userID]
	if !ok {
		return auth.Roles{}, auth.ErrProfileNotFound
	}
	return roles, nil
}

type repo struct {
	mu      sync.Mutex
	records map[types.ID]*domain.Alerte
	events  map[types.ID][]domain.Event
}

func (r *repo) Create(_ context.Context, a *domain.Alerte, evts []domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *a
	r.records[a.ID] = &c
	r.events[a.ID] = append([]domain.Event{}, evts...)
	return nil
}

func (r *repo) FindByID(_ context.Context, id types.ID) (*domain.Alerte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.records[id]
	if !ok {
		return nil, apperrors.NotFound("alerte", id.String())
	}
	c := *a
	return &c, nil
}

func (r *repo) List(_ context.Context, pred domain.Predicate, _ domain.ListFilter) ([]domain.Alerte, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Alerte
	for _, a := range r.records {
		if pred.Matches(a) {
			out = append(out, *a)
		}
	}
	return out, len(out), nil
}

func (r *repo) Events(_ context.Context, id types.ID) ([]domain.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[id], nil
}

func (r *repo) Mutate(ctx context.Context, id types.ID, m domain.Mutation) (*domain.Alerte, domain.Event, error) {
	return r.MutateWithAttachment(ctx, id, nil, m)
}

func (r *repo) MutateWithAttachment(_ context.Context, id types.ID, _ *attachment.Attachment, m domain.Mutation) (*domain.Alerte, domain.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.records[id]
	if !ok {
		return nil, domain.Event{}, apperrors.NotFound("alerte", id.String())
	}
	c := *stored
	c.Attachments = append([]attachment.Attachment{}, stored.Attachments...)
	e, err := m(&c)
	if err != nil {
		return nil, domain.Event{}, err
	}
	r.records[id] = &c
	r.events[id] = append(r.events[id], e)
	return &c, e, nil
}

type uploader struct{}

func (uploader) Upload(_ context.Context, owner attachment.OwnerType, ownerID types.ID, f attachment.File) *attachment.Attachment {
	return &attachment.Attachment{
		ID:           types.NewID(),
		OwnerType:    owner,
		OwnerID:      ownerID,
		OriginalName: f.Name,
		Kind:         attachment.DetectKind(f.Name),
		Status:       attachment.StatusUploaded,
		RemoteURL:    "https://files.example/" + f.Name,
	}
}

func (uploader) Retry(_ context.Context, a *attachment.Attachment, _ attachment.File) (*attachment.Attachment, error) {
	return a, nil
}

type noAttachments struct{}

func (noAttachments) Get(_ context.Context, _ attachment.OwnerType, _, id types.ID) (*attachment.Attachment, error) {
	return nil, apperrors.NotFound("attachment", id.String())
}

func (noAttachments) Update(context.Context, *attachment.Attachment) error { return nil }

var (
	agentID    = types.NewID()
	delegateID = types.NewID()
	patsID     = types.NewID()
)

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	roles := stubRoles{
		agentID:    {Classification: auth.ClassificationSPP, Tier: auth.TierAgent},
		delegateID: {Classification: auth.ClassificationSPP, Tier: auth.TierDelegate},
		patsID:     {Classification: auth.ClassificationPATS, Tier: auth.TierAgent},
	}
	g := gate.New(roles, auth.NewManager(), nil, config.GateConfig{RoleTimeout: time.Second})
	r := &repo{records: map[types.ID]*domain.Alerte{}, events: map[types.ID][]domain.Event{}}
	svc := domain.NewService(r, uploader{}, noAttachments{}, nil)
	return NewHandler(svc, g, 0).Routes()
}

func as(req *http.Request, id types.ID) *http.Request {
	return req.WithContext(sharedauth.WithUser(req.Context(), &sharedauth.User{ID: id, SessionID: "s-" + id.String()}))
}

func create(t *testing.T, srv http.Handler, user types.ID, fields domain.CreateFields) domain.Alerte {
	t.Helper()
	body, _ := json.Marshal(fields)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, as(httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body)), user))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var a domain.Alerte
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&a))
	return a
}

func fields() domain.CreateFields {
	return domain.CreateFields{Type: "Menace", Lieu: "CIS Est", Description: "Menaces verbales", Gravite: "moyenne"}
}

func TestCreateJSON(t *testing.T) {
	srv := newTestServer(t)

	a := create(t, srv, agentID, fields())
	assert.Equal(t, domain.StatusEnCours, a.Statut)
	assert.Equal(t, auth.ClassificationSPP, a.Classification)
	assert.Equal(t, 1, a.EventCount)
}

func TestCreateValidationError(t *testing.T) {
	srv := newTestServer(t)

	f := fields()
	f.Description = "  "
	body, _ := json.Marshal(f)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, as(httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body)), agentID))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "VALIDATION_ERROR", resp["code"])
}

func TestCreateMultipartWithFiles(t *testing.T) {
	srv := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range map[string]string{"type": "Agression", "lieu": "CTA", "description": "Coup", "gravite": "haute", "anonyme": "true"} {
		require.NoError(t, mw.WriteField(k, v))
	}
	for _, name := range []string{"photo.JPG", "clip.mp4"} {
		fw, err := mw.CreateFormFile("files[]", name)
		require.NoError(t, err)
		_, _ = fw.Write([]byte("data"))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, as(req, agentID))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var a domain.Alerte
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&a))
	assert.True(t, a.Anonyme)
	require.Len(t, a.Attachments, 2)
	assert.Equal(t, attachment.KindImage, a.Attachments[0].Kind)
	assert.Equal(t, attachment.KindVideo, a.Attachments[1].Kind)
	assert.Equal(t, 3, a.EventCount)
}

func TestListViews(t *testing.T) {
	srv := newTestServer(t)
	create(t, srv, agentID, fields())
	create(t, srv, patsID, fields())

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, as(httptest.NewRequest(http.MethodGet, "/?view=classification", nil), delegateID))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data  []domain.Alerte `json:"data"`
		Total int             `json:"total"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 1, resp.Total)
	assert.Equal(t, auth.ClassificationSPP, resp.Data[0].Classification)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, as(httptest.NewRequest(http.MethodGet, "/?view=all", nil), agentID))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, as(httptest.NewRequest(http.MethodGet, "/?statut=ouverte", nil), agentID))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusAndComment(t *testing.T) {
	srv := newTestServer(t)
	a := create(t, srv, agentID, fields())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/"+a.ID.String()+"/status", strings.NewReader(`{"statut":"analyse"}`))
	srv.ServeHTTP(rec, as(req, agentID))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/"+a.ID.String()+"/status", strings.NewReader(`{"statut":"analyse"}`))
	srv.ServeHTTP(rec, as(req, delegateID))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPut, "/"+a.ID.String()+"/comment", strings.NewReader(`{"comment":"Suivi CHSCT"}`))
	srv.ServeHTTP(rec, as(req, delegateID))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, as(httptest.NewRequest(http.MethodGet, "/"+a.ID.String()+"/events", nil), agentID))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data []domain.Event `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Data, 3)
	assert.Equal(t, domain.EventStatut, resp.Data[1].Type)
	assert.Equal(t, domain.EventCommentaire, resp.Data[2].Type)
	assert.Equal(t, "Suivi CHSCT", resp.Data[2].Comment)
}

func TestGetOtherClassificationForbidden(t *testing.T) {
	srv := newTestServer(t)
	a := create(t, srv, agentID, fields())

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, as(httptest.NewRequest(http.MethodGet, "/"+a.ID.String(), nil), patsID))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, as(httptest.NewRequest(http.MethodGet, "/not-a-uuid", nil), agentID))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnauthenticated(t *testing.T) {
	srv := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUnknownProfileCannotList(t *testing.T) {
	srv := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, as(httptest.NewRequest(http.MethodGet, "/", nil), types.NewID()))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestListRejectsBadPaging(t *testing.T) {
	srv := newTestServer(t)

	for _, query := range []string{"/?offset=-1", "/?limit=-5", "/?offset=abc"} {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, as(httptest.NewRequest(http.MethodGet, query, nil), delegateID))
		assert.Equal(t, http.StatusBadRequest, rec.Code, query)
	}

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, as(httptest.NewRequest(http.MethodGet, "/?offset=0&limit=10", nil), delegateID))
	assert.Equal(t, http.StatusOK, rec.Code)
}
