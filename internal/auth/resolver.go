package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apex/log"

	"github.com/autonome-sdmis/platform/internal/shared/events"
	"github.com/autonome-sdmis/platform/internal/shared/metrics"
	"github.com/autonome-sdmis/platform/internal/shared/types"
)

var (
	// ErrProfileNotFound means the member has no profile row yet
	ErrProfileNotFound = errors.New("member profile not found")
	// ErrProfileIncomplete means the profile lacks a classification or tier
	ErrProfileIncomplete = errors.New("member profile has no classification or tier")
)

// RoleLoader reads a member's classification and tier from the store
type RoleLoader interface {
	LoadRoles(ctx context.Context, userID types.ID) (Roles, error)
}

// Resolver resolves and caches a member's roles per session
type Resolver struct {
	loader RoleLoader
	cache  Cache
}

// NewResolver creates a role resolver
func NewResolver(loader RoleLoader, cache Cache) *Resolver {
	if cache == nil {
		cache = NewMemoryCache(0)
	}
	return &Resolver{loader: loader, cache: cache}
}

// Resolve returns the roles for a session. Cache failures fall through to
// the store; incomplete profiles are never cached.
func (r *Resolver) Resolve(ctx context.Context, sessionID string, userID types.ID) (Roles, error) {
	start := time.Now()
	defer func() { metrics.RecordRoleResolve(time.Since(start)) }()

	cached, ok, err := r.cache.Get(ctx, sessionID)
	if err != nil {
		log.WithError(err).WithField("session_id", sessionID).Warn("role cache read failed")
	}
	if ok && cached.Resolved() {
		return cached, nil
	}

	roles, err := r.loader.LoadRoles(ctx, userID)
	if err != nil {
		return Roles{}, err
	}
	if !roles.Resolved() {
		return roles, fmt.Errorf("%w (classification=%q tier=%q)", ErrProfileIncomplete, roles.Classification, roles.Tier)
	}

	if err := r.cache.Set(ctx, sessionID, userID, roles); err != nil {
		log.WithError(err).WithField("session_id", sessionID).Warn("role cache write failed")
	}
	return roles, nil
}

// Forget drops the cached roles of one session
func (r *Resolver) Forget(ctx context.Context, sessionID string) error {
	return r.cache.Delete(ctx, sessionID)
}

// EvictUser drops cached roles of every session of a member
func (r *Resolver) EvictUser(ctx context.Context, userID types.ID) error {
	return r.cache.DeleteUser(ctx, userID)
}

// Attach ties cached roles to the session lifecycle: signing out clears
// them, and a user update forces a reload on the next request.
func (r *Resolver) Attach(m *Manager) (detach func()) {
	return m.Subscribe(func(event AuthEvent, s Session) {
		switch event {
		case EventSignedOut, EventUserUpdated:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := r.Forget(ctx, s.ID); err != nil {
				log.WithError(err).WithField("session_id", s.ID).Warn("role cache eviction failed")
			}
		}
	})
}

// HandleAgentEvent evicts cached roles when a profile changed, possibly on
// another replica. Intended for an "agent.*" bus subscription.
func (r *Resolver) HandleAgentEvent(ctx context.Context, event events.Event) error {
	if event.Type != events.AgentUpdated || event.SubjectID.IsZero() {
		return nil
	}
	return r.EvictUser(ctx, event.SubjectID)
}
