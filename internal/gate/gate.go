// Package gate decides, per request, whether the caller may reach scoped
// data. A request ends in exactly one terminal state; it never waits on
// role resolution longer than the configured timeout.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/apex/log"
	"github.com/cenkalti/backoff/v4"

	"github.com/autonome-sdmis/platform/internal/auth"
	"github.com/autonome-sdmis/platform/internal/shared/config"
	sharedauth "github.com/autonome-sdmis/platform/internal/shared/auth"
	apperrors "github.com/autonome-sdmis/platform/internal/shared/errors"
	"github.com/autonome-sdmis/platform/internal/shared/metrics"
	"github.com/autonome-sdmis/platform/internal/shared/types"
)

// State is a step of the gate
type State string

const (
	StateBooting         State = "booting"
	StateAwaitingSession State = "awaiting-session"
	StateUnauthenticated State = "unauthenticated"
	StateResolvingRoles  State = "resolving-roles"
	StateAuthorized      State = "authorized"
	StateFailed          State = "failed"
)

// Principal is the authorized caller handed to handlers
type Principal struct {
	UserID      types.ID   `json:"user_id"`
	Email       string     `json:"email"`
	SessionID   string     `json:"session_id"`
	AccessToken string     `json:"-"`
	Roles       auth.Roles `json:"roles"`
}

// Resolver resolves roles for a session
type Resolver interface {
	Resolve(ctx context.Context, sessionID string, userID types.ID) (auth.Roles, error)
}

// Sessions exposes the session holder's view of a session
type Sessions interface {
	IsRevoked(id string) bool
	Get(id string) (auth.Session, bool)
}

// Decision is the outcome of evaluating a request
type Decision struct {
	State     State
	Principal *Principal
	Err       *apperrors.AppError
	Redirect  string
}

// Gate evaluates requests against session and roles
type Gate struct {
	resolver Resolver
	sessions Sessions
	ready    func() bool
	cfg      config.GateConfig
}

// New creates a gate. ready reports whether the server finished booting;
// nil means always ready.
func New(resolver Resolver, sessions Sessions, ready func() bool, cfg config.GateConfig) *Gate {
	if ready == nil {
		ready = func() bool { return true }
	}
	if cfg.RoleTimeout <= 0 {
		cfg.RoleTimeout = 5 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	return &Gate{resolver: resolver, sessions: sessions, ready: ready, cfg: cfg}
}

// Authenticate stops at awaiting-session: it admits any valid, live
// session without resolving roles. Used by profile completion routes.
func (g *Gate) Authenticate(ctx context.Context) Decision {
	if !g.ready() {
		return Decision{
			State: StateBooting,
			Err:   apperrors.Unavailable("BOOTING", "server is starting"),
		}
	}

	// awaiting-session: examine the token attached by the auth middleware
	user := sharedauth.GetUser(ctx)
	if user == nil || (g.sessions != nil && g.sessions.IsRevoked(user.SessionID)) {
		return Decision{
			State:    StateUnauthenticated,
			Err:      apperrors.Unauthorized("authentication required"),
			Redirect: auth.RedirectFor(auth.EventSignedOut),
		}
	}

	if g.sessions != nil {
		if s, ok := g.sessions.Get(user.SessionID); ok && s.Recovery {
			return Decision{
				State:    StateFailed,
				Err:      apperrors.Forbidden("session may only be used to reset the password"),
				Redirect: auth.RedirectFor(auth.EventPasswordRecovery),
			}
		}
	}

	return Decision{
		State: StateAwaitingSession,
		Principal: &Principal{
			UserID:      user.ID,
			Email:       user.Email,
			SessionID:   user.SessionID,
			AccessToken: sharedauth.GetToken(ctx),
		},
	}
}

// Evaluate runs the whole state machine up to authorized or a failure.
func (g *Gate) Evaluate(ctx context.Context) Decision {
	d := g.Authenticate(ctx)
	if d.Err != nil {
		return d
	}
	p := d.Principal

	// resolving-roles
	roles, err := g.resolveWithRetry(ctx, p)
	if err != nil {
		return g.failure(ctx, p, err)
	}

	p.Roles = roles
	return Decision{State: StateAuthorized, Principal: p}
}

func (g *Gate) resolveWithRetry(ctx context.Context, p *Principal) (auth.Roles, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.RoleTimeout)
	defer cancel()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = g.cfg.InitialBackoff
	exp.MaxElapsedTime = g.cfg.RoleTimeout

	var b backoff.BackOff = exp
	if g.cfg.RoleRetries >= 0 {
		b = backoff.WithMaxRetries(exp, uint64(g.cfg.RoleRetries))
	}

	var roles auth.Roles
	op := func() error {
		var err error
		roles, err = g.resolver.Resolve(ctx, p.SessionID, p.UserID)
		if errors.Is(err, auth.ErrProfileIncomplete) || errors.Is(err, auth.ErrProfileNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.WithError(err).WithFields(log.Fields{
			"user_id": p.UserID,
			"retry":   wait.String(),
		}).Warn("role resolution failed, retrying")
	}

	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	return roles, err
}

func (g *Gate) failure(ctx context.Context, p *Principal, err error) Decision {
	entry := log.WithError(err).WithField("user_id", p.UserID)

	switch {
	case errors.Is(err, auth.ErrProfileIncomplete), errors.Is(err, auth.ErrProfileNotFound):
		entry.Info("profile incomplete")
		return Decision{
			State:    StateFailed,
			Err:      &apperrors.AppError{Err: err, Message: "complete your profile (classification) to continue", Code: "PROFILE_INCOMPLETE", HTTPStatus: http.StatusForbidden},
			Redirect: "/edit-profile",
		}
	case ctx.Err() != nil:
		// caller went away; nothing will be written
		return Decision{State: StateFailed, Err: apperrors.Unavailable("CANCELLED", "request cancelled")}
	default:
		entry.Error("role resolution failed")
		return Decision{
			State: StateFailed,
			Err:   apperrors.Unavailable("ROLES_UNRESOLVED", "could not load your roles, try again"),
		}
	}
}

// RequireSession admits authenticated callers without resolving roles
func (g *Gate) RequireSession(next http.Handler) http.Handler {
	return g.middleware(g.Authenticate, next)
}

// RequireRoles admits only authorized callers
func (g *Gate) RequireRoles(next http.Handler) http.Handler {
	return g.middleware(g.Evaluate, next)
}

func (g *Gate) middleware(eval func(context.Context) Decision, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := eval(r.Context())
		metrics.RecordGateOutcome(string(d.State))

		if d.Err != nil {
			if r.Context().Err() != nil {
				return
			}
			writeDecision(w, d)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), d.Principal)))
	})
}

type principalKey struct{}

// WithPrincipal stores the principal on the context
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal set by the gate
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}

func writeDecision(w http.ResponseWriter, d Decision) {
	w.Header().Set("Content-Type", "application/json")
	if d.Err.HTTPStatus == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	w.WriteHeader(d.Err.HTTPStatus)

	body := map[string]any{
		"error": d.Err.Message,
		"code":  d.Err.Code,
		"state": d.State,
	}
	if d.Redirect != "" {
		body["redirect"] = d.Redirect
	}
	json.NewEncoder(w).Encode(body)
}
