package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/autonome-sdmis/platform/internal/shared/events"
	"github.com/autonome-sdmis/platform/internal/shared/types"
)

// --- Roles ---

func TestRolesResolved(t *testing.T) {
	tests := []struct {
		name  string
		roles Roles
		want  bool
	}{
		{"complete", Roles{ClassificationSPP, TierAgent}, true},
		{"no classification", Roles{"", TierAdmin}, false},
		{"no tier", Roles{ClassificationPATS, ""}, false},
		{"unknown tier", Roles{ClassificationPATS, "chef"}, false},
		{"empty", Roles{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.roles.Resolved(); got != tt.want {
				t.Errorf("Resolved() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseClassificationAndTier(t *testing.T) {
	if _, err := ParseClassification("SPP"); err != nil {
		t.Errorf("Expected SPP to parse, got %v", err)
	}
	if _, err := ParseClassification("spp"); err == nil {
		t.Error("Expected lowercase classification to be rejected")
	}
	if _, err := ParseTier("delegue"); err != nil {
		t.Errorf("Expected delegue to parse, got %v", err)
	}
	if _, err := ParseTier("superuser"); err == nil {
		t.Error("Expected unknown tier to be rejected")
	}
}

// --- Session manager ---

func TestRedirectFor(t *testing.T) {
	tests := []struct {
		event AuthEvent
		want  string
	}{
		{EventPasswordRecovery, "/reset-password"},
		{EventSignedOut, "/signup"},
		{EventSignedIn, "/tabs"},
		{EventTokenRefreshed, "/tabs"},
		{EventUserUpdated, "/login"},
	}

	for _, tt := range tests {
		t.Run(string(tt.event), func(t *testing.T) {
			if got := RedirectFor(tt.event); got != tt.want {
				t.Errorf("RedirectFor(%s) = %s, want %s", tt.event, got, tt.want)
			}
		})
	}
}

func TestManagerLifecycle(t *testing.T) {
	m := NewManager()
	s := Session{ID: "s1", UserID: types.NewID(), ExpiresAt: time.Now().Add(time.Hour)}

	m.Apply(EventSignedIn, s)
	if _, ok := m.Get("s1"); !ok {
		t.Fatal("Expected session to be live after sign-in")
	}
	if m.IsRevoked("s1") {
		t.Error("Expected session not revoked after sign-in")
	}

	m.Apply(EventSignedOut, s)
	if _, ok := m.Get("s1"); ok {
		t.Error("Expected session removed after sign-out")
	}
	if !m.IsRevoked("s1") {
		t.Error("Expected session revoked after sign-out")
	}
	if m.Active() != 0 {
		t.Errorf("Expected 0 active sessions, got %d", m.Active())
	}
}

func TestManagerRecoveryMarksSession(t *testing.T) {
	m := NewManager()
	m.Apply(EventPasswordRecovery, Session{ID: "s1"})

	s, ok := m.Get("s1")
	if !ok || !s.Recovery {
		t.Error("Expected recovery session to be recorded and flagged")
	}
}

func TestManagerSubscribe(t *testing.T) {
	m := NewManager()

	var got []AuthEvent
	unsubscribe := m.Subscribe(func(event AuthEvent, s Session) {
		got = append(got, event)
	})

	m.Apply(EventSignedIn, Session{ID: "s1"})
	m.Apply(EventTokenRefreshed, Session{ID: "s1"})
	unsubscribe()
	unsubscribe()
	m.Apply(EventSignedOut, Session{ID: "s1"})

	if len(got) != 2 || got[0] != EventSignedIn || got[1] != EventTokenRefreshed {
		t.Errorf("Unexpected events: %v", got)
	}
}

// --- Resolver ---

type fakeLoader struct {
	mu    sync.Mutex
	roles map[types.ID]Roles
	err   error
	calls int
}

func (f *fakeLoader) LoadRoles(_ context.Context, userID types.ID) (Roles, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return Roles{}, f.err
	}
	r, ok := f.roles[userID]
	if !ok {
		return Roles{}, ErrProfileNotFound
	}
	return r, nil
}

func TestResolverCachesPerSession(t *testing.T) {
	user := types.NewID()
	loader := &fakeLoader{roles: map[types.ID]Roles{user: {ClassificationSPP, TierDelegate}}}
	r := NewResolver(loader, NewMemoryCache(0))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		roles, err := r.Resolve(ctx, "s1", user)
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		if roles.Tier != TierDelegate {
			t.Errorf("Expected tier delegue, got %s", roles.Tier)
		}
	}

	if loader.calls != 1 {
		t.Errorf("Expected 1 load, got %d", loader.calls)
	}
}

func TestResolverIncompleteProfile(t *testing.T) {
	user := types.NewID()
	loader := &fakeLoader{roles: map[types.ID]Roles{user: {"", TierAgent}}}
	r := NewResolver(loader, nil)

	_, err := r.Resolve(context.Background(), "s1", user)
	if !errors.Is(err, ErrProfileIncomplete) {
		t.Fatalf("Expected ErrProfileIncomplete, got %v", err)
	}

	// not cached: a second call loads again
	r.Resolve(context.Background(), "s1", user)
	if loader.calls != 2 {
		t.Errorf("Expected 2 loads, got %d", loader.calls)
	}
}

func TestResolverEvictsOnSignOutAndUserUpdate(t *testing.T) {
	user := types.NewID()
	loader := &fakeLoader{roles: map[types.ID]Roles{user: {ClassificationPATS, TierAgent}}}
	cache := NewMemoryCache(0)
	r := NewResolver(loader, cache)
	m := NewManager()
	detach := r.Attach(m)
	defer detach()
	ctx := context.Background()

	r.Resolve(ctx, "s1", user)
	m.Apply(EventSignedOut, Session{ID: "s1", UserID: user})
	if _, ok, _ := cache.Get(ctx, "s1"); ok {
		t.Error("Expected roles evicted after sign-out")
	}

	r.Resolve(ctx, "s2", user)
	m.Apply(EventUserUpdated, Session{ID: "s2", UserID: user})
	if _, ok, _ := cache.Get(ctx, "s2"); ok {
		t.Error("Expected roles evicted after user update")
	}
}

func TestResolverHandleAgentEvent(t *testing.T) {
	user := types.NewID()
	other := types.NewID()
	loader := &fakeLoader{roles: map[types.ID]Roles{
		user:  {ClassificationSPP, TierAgent},
		other: {ClassificationSPP, TierAgent},
	}}
	cache := NewMemoryCache(0)
	r := NewResolver(loader, cache)
	ctx := context.Background()

	r.Resolve(ctx, "s1", user)
	r.Resolve(ctx, "s2", user)
	r.Resolve(ctx, "s3", other)

	if err := r.HandleAgentEvent(ctx, events.NewEvent(events.AgentUpdated, "agent", user, nil)); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	for _, sid := range []string{"s1", "s2"} {
		if _, ok, _ := cache.Get(ctx, sid); ok {
			t.Errorf("Expected %s evicted", sid)
		}
	}
	if _, ok, _ := cache.Get(ctx, "s3"); !ok {
		t.Error("Expected other member's roles kept")
	}
}

func TestManagerPrunesExpiredSessions(t *testing.T) {
	m := NewManager()
	past := time.Now().Add(-time.Hour)

	for i := 0; i < 10000; i++ {
		m.Apply(EventSignedIn, Session{ID: fmt.Sprintf("old-%d", i), ExpiresAt: past})
	}
	if n := m.Active(); n >= minPruneAt {
		t.Errorf("Expected expired sessions swept while signing in, got %d live", n)
	}

	live := Session{ID: "live", ExpiresAt: time.Now().Add(time.Hour)}
	m.Apply(EventSignedIn, live)
	m.Apply(EventSignedOut, Session{ID: "other", ExpiresAt: time.Now().Add(time.Hour)})

	if n := m.Active(); n != 1 {
		t.Errorf("Expected only the live session kept, got %d", n)
	}
	if _, ok := m.Get("live"); !ok {
		t.Error("Expected live session kept")
	}
}

func TestManagerGetIgnoresExpired(t *testing.T) {
	m := NewManager()
	m.Apply(EventSignedIn, Session{ID: "s1", ExpiresAt: time.Now().Add(-time.Minute)})

	if _, ok := m.Get("s1"); ok {
		t.Error("Expected expired session not returned")
	}
}

func TestMemoryCacheExpiresEntries(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cache := NewMemoryCache(time.Hour)
	cache.now = func() time.Time { return now }

	user := types.NewID()
	loader := &fakeLoader{roles: map[types.ID]Roles{user: {ClassificationSPP, TierAdmin}}}
	r := NewResolver(loader, cache)

	if roles, _ := r.Resolve(ctx, "s1", user); roles.Tier != TierAdmin {
		t.Fatalf("Expected admin, got %q", roles.Tier)
	}

	// demoted directly in the store
	loader.mu.Lock()
	loader.roles[user] = Roles{ClassificationSPP, TierAgent}
	loader.mu.Unlock()

	now = now.Add(30 * time.Minute)
	if roles, _ := r.Resolve(ctx, "s1", user); roles.Tier != TierAdmin {
		t.Errorf("Expected cached admin within the ttl, got %q", roles.Tier)
	}

	now = now.Add(31 * time.Minute)
	if roles, _ := r.Resolve(ctx, "s1", user); roles.Tier != TierAgent {
		t.Errorf("Expected agent after the ttl, got %q", roles.Tier)
	}
}
