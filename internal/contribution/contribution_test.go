package contribution

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autonome-sdmis/platform/internal/attachment"
	"github.com/autonome-sdmis/platform/internal/auth"
	"github.com/autonome-sdmis/platform/internal/gate"
	"github.com/autonome-sdmis/platform/internal/shared/config"
	sharedauth "github.com/autonome-sdmis/platform/internal/shared/auth"
	"github.com/autonome-sdmis/platform/internal/shared/errors"
	"github.com/autonome-sdmis/platform/internal/shared/types"
)

type memoryStore struct {
	mu    sync.Mutex
	items map[types.ID]*Contribution
}

func newMemoryStore() *memoryStore {
	return &memoryStore{items: map[types.ID]*Contribution{}}
}

func (s *memoryStore) Create(_ context.Context, c *Contribution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.items[c.ID] = &cp
	return nil
}

func (s *memoryStore) Get(_ context.Context, id types.ID) (*Contribution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.items[id]
	if !ok {
		return nil, errors.NotFound("contribution", id.String())
	}
	cp := *c
	cp.Comments = append([]Comment{}, c.Comments...)
	return &cp, nil
}

func impactScore(i Impact) int {
	switch i {
	case ImpactFort:
		return 2
	case ImpactModere:
		return 1
	}
	return 0
}

func matches(c *Contribution, q string) bool {
	q = strings.ToLower(q)
	if q == "" || strings.Contains(strings.ToLower(c.Title), q) || strings.Contains(strings.ToLower(c.Description), q) {
		return true
	}
	for _, t := range c.Tags {
		if strings.Contains(strings.ToLower(t), q) {
			return true
		}
	}
	return false
}

func (s *memoryStore) List(_ context.Context, filter ListFilter) ([]Contribution, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Contribution
	for _, c := range s.items {
		if filter.Type != nil && c.Type != *filter.Type {
			continue
		}
		if matches(c, filter.Query) {
			out = append(out, *c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch filter.Sort {
		case SortRecent:
			return a.CreatedAt.After(b.CreatedAt)
		case SortTrending:
			if impactScore(a.Impact) != impactScore(b.Impact) {
				return impactScore(a.Impact) > impactScore(b.Impact)
			}
		default:
			if a.Reactions.Total() != b.Reactions.Total() {
				return a.Reactions.Total() > b.Reactions.Total()
			}
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
	return out, len(out), nil
}

func (s *memoryStore) React(_ context.Context, id types.ID, kind ReactionKind) (Reactions, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.items[id]
	if !ok {
		return Reactions{}, errors.NotFound("contribution", id.String())
	}
	c.Reactions.Set(kind, c.Reactions.Get(kind)+1)
	return c.Reactions, nil
}

func (s *memoryStore) AddComment(_ context.Context, cm *Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.items[cm.ContributionID]
	if !ok {
		return errors.NotFound("contribution", cm.ContributionID.String())
	}
	c.Comments = append(c.Comments, *cm)
	return nil
}

func (s *memoryStore) SetResponse(_ context.Context, id types.ID, resp Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.items[id]
	if !ok {
		return errors.NotFound("contribution", id.String())
	}
	c.Response = &resp
	return nil
}

type stubUploader struct{}

func (stubUploader) Upload(_ context.Context, owner attachment.OwnerType, ownerID types.ID, f attachment.File) *attachment.Attachment {
	return &attachment.Attachment{ID: types.NewID(), OwnerType: owner, OwnerID: ownerID, OriginalName: f.Name, Status: attachment.StatusUploaded}
}

func member(tier auth.Tier) *gate.Principal {
	return &gate.Principal{UserID: types.NewID(), Roles: auth.Roles{Classification: auth.ClassificationSPP, Tier: tier}}
}

func validRequest() CreateRequest {
	return CreateRequest{Type: "idee", Title: "Salle de repos", Description: "Aménager une salle de repos au CTA"}
}

func TestNormalizeTags(t *testing.T) {
	tests := []struct {
		in       []string
		expected []string
	}{
		{nil, []string{}},
		{[]string{" repos ", "Repos", "", "  ", "CTA"}, []string{"repos", "CTA"}},
		{[]string{"a", "b", "a"}, []string{"a", "b"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, NormalizeTags(tt.in))
	}
}

func TestCreateValidation(t *testing.T) {
	svc := NewService(newMemoryStore(), stubUploader{}, nil)

	tests := []struct {
		name   string
		mutate func(r *CreateRequest)
		field  string
	}{
		{"short title after trim", func(r *CreateRequest) { r.Title = "  ab  " }, "title"},
		{"short description", func(r *CreateRequest) { r.Description = " abcd " }, "description"},
		{"unknown type", func(r *CreateRequest) { r.Type = "plainte" }, "type"},
		{"unknown impact", func(r *CreateRequest) { r.Impact = "enorme" }, "impact"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)
			_, err := svc.Create(context.Background(), member(auth.TierAgent), req, nil)

			appErr, ok := errors.As(err)
			require.True(t, ok, "expected validation error, got %v", err)
			assert.Equal(t, "VALIDATION_ERROR", appErr.Code)
			assert.Contains(t, appErr.Details, tt.field)
		})
	}
}

func TestCreateDefaults(t *testing.T) {
	store := newMemoryStore()
	svc := NewService(store, stubUploader{}, nil)

	req := validRequest()
	req.Tags = []string{" salle ", "salle", "CTA"}
	c, err := svc.Create(context.Background(), member(auth.TierAgent), req, []attachment.File{{Name: "plan.pdf"}})
	require.NoError(t, err)

	assert.Equal(t, ImpactModere, c.Impact)
	assert.Equal(t, []string{"salle", "CTA"}, c.Tags)
	require.Len(t, c.Attachments, 1)
	assert.Equal(t, attachment.OwnerContribution, c.Attachments[0].OwnerType)
	assert.Len(t, store.items, 1)
}

func TestReactions(t *testing.T) {
	svc := NewService(newMemoryStore(), stubUploader{}, nil)
	ctx := context.Background()
	c, err := svc.Create(ctx, member(auth.TierAgent), validRequest(), nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.React(ctx, c.ID, "like")
		}()
	}
	wg.Wait()

	r, err := svc.React(ctx, c.ID, "same")
	require.NoError(t, err)
	assert.Equal(t, 10, r.Like)
	assert.Equal(t, 1, r.Same)
	assert.Equal(t, 11, r.Total())

	_, err = svc.React(ctx, c.ID, "love")
	appErr, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, "BAD_REQUEST", appErr.Code)
}

func TestListSortAndSearch(t *testing.T) {
	store := newMemoryStore()
	svc := NewService(store, stubUploader{}, nil)
	ctx := context.Background()
	author := member(auth.TierAgent)

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	mk := func(title string, impact Impact, likes int, age time.Duration, tags ...string) types.ID {
		svc.now = func() time.Time { return base.Add(-age) }
		req := validRequest()
		req.Title = title
		req.Impact = string(impact)
		req.Tags = tags
		c, err := svc.Create(ctx, author, req, nil)
		require.NoError(t, err)
		for i := 0; i < likes; i++ {
			_, _ = svc.React(ctx, c.ID, "like")
		}
		return c.ID
	}

	old := mk("Ancienne idée", ImpactFort, 1, 48*time.Hour)
	popular := mk("Idée populaire", ImpactFaible, 5, 24*time.Hour, "horaires")
	recent := mk("Nouvelle idée", ImpactModere, 0, time.Hour)

	ids := func(list []Contribution) []types.ID {
		var out []types.ID
		for _, c := range list {
			out = append(out, c.ID)
		}
		return out
	}

	list, _, err := svc.List(ctx, author, ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, []types.ID{popular, old, recent}, ids(list))

	list, _, err = svc.List(ctx, author, ListFilter{Sort: SortRecent})
	require.NoError(t, err)
	assert.Equal(t, []types.ID{recent, popular, old}, ids(list))

	list, _, err = svc.List(ctx, author, ListFilter{Sort: SortTrending})
	require.NoError(t, err)
	assert.Equal(t, []types.ID{old, recent, popular}, ids(list))

	list, total, err := svc.List(ctx, author, ListFilter{Query: "HORAIRES"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, popular, list[0].ID)

	_, _, err = svc.List(ctx, author, ListFilter{Sort: "random"})
	assert.True(t, errors.Is(err, errors.ErrBadRequest))
}

func TestRespondRequiresStaffRep(t *testing.T) {
	svc := NewService(newMemoryStore(), stubUploader{}, nil)
	ctx := context.Background()
	c, err := svc.Create(ctx, member(auth.TierAgent), validRequest(), nil)
	require.NoError(t, err)

	_, err = svc.Respond(ctx, member(auth.TierAgent), c.ID, ResponseRequest{Text: "ok", Status: "traitee"})
	assert.True(t, errors.Is(err, errors.ErrForbidden))

	_, err = svc.Respond(ctx, member(auth.TierDelegate), c.ID, ResponseRequest{Text: "ok", Status: "archivee"})
	appErr, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, "VALIDATION_ERROR", appErr.Code)

	delegate := member(auth.TierDelegate)
	got, err := svc.Respond(ctx, delegate, c.ID, ResponseRequest{Text: " Pris en compte ", Status: "en-cours"})
	require.NoError(t, err)
	require.NotNil(t, got.Response)
	assert.Equal(t, "Pris en compte", got.Response.Text)
	assert.Equal(t, ResponseEnCours, got.Response.Status)
	assert.Equal(t, delegate.UserID, got.Response.ResponderID)
}

func TestCommentsAndAuthorRedaction(t *testing.T) {
	svc := NewService(newMemoryStore(), stubUploader{}, nil)
	ctx := context.Background()
	author := member(auth.TierAgent)
	c, err := svc.Create(ctx, author, validRequest(), nil)
	require.NoError(t, err)

	_, err = svc.AddComment(ctx, author, c.ID, CommentRequest{Text: "   "})
	require.Error(t, err)

	_, err = svc.AddComment(ctx, author, c.ID, CommentRequest{Text: "Je confirme"})
	require.NoError(t, err)

	other, err := svc.Get(ctx, member(auth.TierAgent), c.ID)
	require.NoError(t, err)
	assert.Empty(t, other.CreatedBy)
	require.Len(t, other.Comments, 1)
	assert.Empty(t, other.Comments[0].AuthorID)

	own, err := svc.Get(ctx, author, c.ID)
	require.NoError(t, err)
	assert.Equal(t, author.UserID, own.CreatedBy)

	staff, err := svc.Get(ctx, member(auth.TierAdmin), c.ID)
	require.NoError(t, err)
	assert.Equal(t, author.UserID, staff.Comments[0].AuthorID)
}

// --- HTTP ---

type stubResolver map[types.ID]auth.Roles

func (s stubResolver) Resolve(_ context.Context, _ string, userID types.ID) (auth.Roles, error) {
	return s[userID], nil
}

func TestHTTPCreateAndReact(t *testing.T) {
	p := member(auth.TierAgent)
	g := gate.New(stubResolver{p.UserID: p.Roles}, auth.NewManager(), nil, config.GateConfig{RoleTimeout: time.Second})
	srv := NewHandler(NewService(newMemoryStore(), stubUploader{}, nil), g, 0).Routes()

	as := func(req *http.Request) *http.Request {
		return req.WithContext(sharedauth.WithUser(req.Context(), &sharedauth.User{ID: p.UserID, SessionID: "s1"}))
	}

	body, _ := json.Marshal(validRequest())
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, as(httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var c Contribution
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&c))

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, as(httptest.NewRequest(http.MethodPost, "/"+c.ID.String()+"/reactions/important", nil)))
	require.Equal(t, http.StatusOK, rec.Code)
	var r Reactions
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&r))
	assert.Equal(t, 1, r.Important)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, as(httptest.NewRequest(http.MethodPut, "/"+c.ID.String()+"/response", strings.NewReader(`{"text":"ok","status":"traitee"}`))))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHTTPListRejectsNegativeOffset(t *testing.T) {
	p := member(auth.TierAgent)
	g := gate.New(stubResolver{p.UserID: p.Roles}, auth.NewManager(), nil, config.GateConfig{RoleTimeout: time.Second})
	srv := NewHandler(NewService(newMemoryStore(), stubUploader{}, nil), g, 0).Routes()

	req := httptest.NewRequest(http.MethodGet, "/?offset=-5", nil)
	req = req.WithContext(sharedauth.WithUser(req.Context(), &sharedauth.User{ID: p.UserID, SessionID: "s1"}))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
}
