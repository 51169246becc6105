// Package identity exposes sign-up, sign-in and the other session
// transitions on top of the hosted auth service.
package identity

import (
	"context"
	"strings"
	"time"

	"github.com/apex/log"

	"github.com/autonome-sdmis/platform/internal/agent"
	"github.com/autonome-sdmis/platform/internal/auth"
	"github.com/autonome-sdmis/platform/internal/backend"
	"github.com/autonome-sdmis/platform/internal/shared/config"
	sharedauth "github.com/autonome-sdmis/platform/internal/shared/auth"
	"github.com/autonome-sdmis/platform/internal/shared/errors"
	"github.com/autonome-sdmis/platform/internal/shared/types"
	"github.com/autonome-sdmis/platform/internal/shared/validation"
)

// AuthBackend is the part of the hosted backend used here
type AuthBackend interface {
	SignUp(ctx context.Context, email, password string, metadata map[string]any) (*backend.SignUpResult, error)
	SignIn(ctx context.Context, email, password string) (*backend.Session, error)
	SignOut(ctx context.Context, accessToken string) error
	RecoverPassword(ctx context.Context, email, redirectTo string) error
	SetSession(ctx context.Context, accessToken, refreshToken string) (*backend.Session, error)
	Refresh(ctx context.Context, refreshToken string) (*backend.Session, error)
	UpdatePassword(ctx context.Context, accessToken, password string) (*backend.User, error)
	Invoke(ctx context.Context, name string, payload any, out any) error
}

// TokenVerifier reads the session identity out of an access token
type TokenVerifier interface {
	Verify(token string) (*sharedauth.User, error)
}

// Provisioner creates a member profile locally
type Provisioner interface {
	Provision(ctx context.Context, req agent.ProvisionRequest) (*agent.Agent, error)
}

// SessionView is the session returned to the client
type SessionView struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	UserID       types.ID  `json:"user_id"`
	Email        string    `json:"email"`
}

// Result is the outcome of an auth operation: the session when one is
// open, the transition it caused and the client route to go to next.
type Result struct {
	Session  *SessionView   `json:"session,omitempty"`
	Event    auth.AuthEvent `json:"event,omitempty"`
	Redirect string         `json:"redirect"`
}

// Service drives the session lifecycle
type Service struct {
	backend     AuthBackend
	sessions    *auth.Manager
	verifier    TokenVerifier
	provisioner Provisioner
	cfg         config.BackendConfig
}

// NewService creates an identity service. provisioner may be nil.
func NewService(b AuthBackend, sessions *auth.Manager, verifier TokenVerifier, provisioner Provisioner, cfg config.BackendConfig) *Service {
	if cfg.ProvisionTimeout <= 0 {
		cfg.ProvisionTimeout = 5 * time.Second
	}
	return &Service{backend: b, sessions: sessions, verifier: verifier, provisioner: provisioner, cfg: cfg}
}

// SignUp registers a member, then asks the provisioning function to create
// the profile. Provisioning failures do not fail the sign-up.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (*Result, error) {
	req.normalize()
	if err := validation.Merge(validation.Struct(req), emailErrors(req.Email)); err != nil {
		return nil, err
	}

	res, err := s.backend.SignUp(ctx, req.Email, req.Password, map[string]any{
		"pseudo":         req.Pseudo,
		"first_name":     req.FirstName,
		"last_name":      req.LastName,
		"classification": req.Classification,
	})
	if err != nil {
		return nil, authError("sign-up failed", err)
	}

	s.provision(ctx, res.User, req)

	out := &Result{Redirect: "/splash"}
	if res.Session != nil {
		out.Session = s.open(auth.EventSignedIn, res.Session)
		out.Event = auth.EventSignedIn
	}
	return out, nil
}

func (s *Service) provision(ctx context.Context, user backend.User, req SignUpRequest) {
	logger := log.WithFields(log.Fields{"user_id": user.ID, "function": s.cfg.ProvisionFunction})

	pctx, cancel := context.WithTimeout(ctx, s.cfg.ProvisionTimeout)
	defer cancel()

	err := s.backend.Invoke(pctx, s.cfg.ProvisionFunction, map[string]any{
		"user_id": user.ID,
		"email":   req.Email,
	}, nil)
	if err == nil {
		return
	}
	logger.WithError(err).Warn("provisioning function failed")

	if s.provisioner == nil || user.ID.IsZero() {
		return
	}
	if _, err := s.provisioner.Provision(ctx, agent.ProvisionRequest{
		ID:             user.ID,
		Email:          req.Email,
		Pseudo:         req.Pseudo,
		FirstName:      req.FirstName,
		LastName:       req.LastName,
		Classification: auth.Classification(req.Classification),
	}); err != nil {
		logger.WithError(err).Error("local provisioning failed")
	}
}

// SignIn opens a session with email and password
func (s *Service) SignIn(ctx context.Context, req SignInRequest) (*Result, error) {
	req.Email = strings.TrimSpace(req.Email)
	if err := validation.Merge(validation.Struct(req), emailErrors(req.Email)); err != nil {
		return nil, err
	}

	session, err := s.backend.SignIn(ctx, req.Email, req.Password)
	if err != nil {
		return nil, authError("invalid email or password", err)
	}

	return &Result{
		Session:  s.open(auth.EventSignedIn, session),
		Event:    auth.EventSignedIn,
		Redirect: auth.RedirectFor(auth.EventSignedIn),
	}, nil
}

// SignOut closes the caller's session. The local session is revoked even
// when the backend call fails.
func (s *Service) SignOut(ctx context.Context, accessToken string, user *sharedauth.User) (*Result, error) {
	if accessToken == "" || user == nil {
		return nil, errors.Unauthorized("no session")
	}

	backendErr := s.backend.SignOut(ctx, accessToken)
	s.sessions.Apply(auth.EventSignedOut, auth.Session{
		ID:          user.SessionID,
		UserID:      user.ID,
		Email:       user.Email,
		AccessToken: accessToken,
		ExpiresAt:   user.ExpiresAt,
	})
	if backendErr != nil {
		log.WithError(backendErr).Warn("backend sign-out failed")
	}

	return &Result{Event: auth.EventSignedOut, Redirect: auth.RedirectFor(auth.EventSignedOut)}, nil
}

// ForgotPassword sends a reset link
func (s *Service) ForgotPassword(ctx context.Context, req ForgotPasswordRequest) (*Result, error) {
	req.Email = strings.TrimSpace(req.Email)
	if err := validation.Merge(validation.Struct(req), emailErrors(req.Email)); err != nil {
		return nil, err
	}

	if err := s.backend.RecoverPassword(ctx, req.Email, s.cfg.RedirectURL); err != nil {
		return nil, authError("could not send the reset link", err)
	}
	return &Result{Redirect: "/login"}, nil
}

// ResetPassword sets a new password for the caller, typically from a
// recovery session, which then loses its recovery restriction.
func (s *Service) ResetPassword(ctx context.Context, accessToken string, req ResetPasswordRequest) (*Result, error) {
	if accessToken == "" {
		return nil, errors.Unauthorized("no session")
	}
	if err := validation.Struct(req); err != nil {
		return nil, err
	}

	user, err := s.backend.UpdatePassword(ctx, accessToken, req.Password)
	if err != nil {
		return nil, authError("could not update the password", err)
	}

	session := s.toSession(accessToken, "", time.Time{}, *user)
	s.sessions.Apply(auth.EventUserUpdated, session)
	return &Result{Event: auth.EventUserUpdated, Redirect: auth.RedirectFor(auth.EventUserUpdated)}, nil
}

// Callback adopts the tokens carried by an e-mail link
func (s *Service) Callback(ctx context.Context, req CallbackRequest) (*Result, error) {
	if err := validation.Struct(req); err != nil {
		return nil, err
	}

	session, err := s.backend.SetSession(ctx, req.AccessToken, req.RefreshToken)
	if err != nil {
		return nil, authError("invalid or expired link", err)
	}

	event := auth.EventSignedIn
	if req.Type == "recovery" {
		event = auth.EventPasswordRecovery
	}
	return &Result{
		Session:  s.open(event, session),
		Event:    event,
		Redirect: auth.RedirectFor(event),
	}, nil
}

// Refresh exchanges a refresh token for a new session
func (s *Service) Refresh(ctx context.Context, req RefreshRequest) (*Result, error) {
	if err := validation.Struct(req); err != nil {
		return nil, err
	}

	session, err := s.backend.Refresh(ctx, req.RefreshToken)
	if err != nil {
		return nil, authError("session expired", err)
	}
	return &Result{
		Session:  s.open(auth.EventTokenRefreshed, session),
		Event:    auth.EventTokenRefreshed,
		Redirect: auth.RedirectFor(auth.EventTokenRefreshed),
	}, nil
}

// open records the session with the holder and returns its client view
func (s *Service) open(event auth.AuthEvent, bs *backend.Session) *SessionView {
	session := s.toSession(bs.AccessToken, bs.RefreshToken, bs.Expiry(), bs.User)
	s.sessions.Apply(event, session)

	return &SessionView{
		AccessToken:  bs.AccessToken,
		RefreshToken: bs.RefreshToken,
		ExpiresAt:    session.ExpiresAt,
		UserID:       session.UserID,
		Email:        session.Email,
	}
}

// toSession keys the session the same way the request middleware does, so
// the gate finds it again from the bearer token.
func (s *Service) toSession(accessToken, refreshToken string, expiresAt time.Time, user backend.User) auth.Session {
	session := auth.Session{
		UserID:       user.ID,
		Email:        user.Email,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
	}

	if s.verifier != nil {
		if u, err := s.verifier.Verify(accessToken); err == nil {
			session.ID = u.SessionID
			if session.UserID.IsZero() {
				session.UserID = u.ID
			}
			if session.Email == "" {
				session.Email = u.Email
			}
			if !u.ExpiresAt.IsZero() {
				session.ExpiresAt = u.ExpiresAt
			}
		}
	}
	if session.ID == "" && !session.UserID.IsZero() {
		session.ID = "user:" + session.UserID.String()
	}
	return session
}

// authError maps backend failures; transport failures stay 5xx
func authError(message string, err error) error {
	if backend.IsAuthError(err) {
		return errors.AuthFailed(message, err)
	}
	if appErr, ok := errors.As(err); ok {
		return appErr
	}
	return errors.Unavailable("AUTH_UNAVAILABLE", "authentication service unavailable")
}

func emailErrors(email string) map[string]string {
	if email == "" {
		return nil
	}
	if _, err := types.ParseStaffEmail(email); err != nil {
		return map[string]string{"email": err.Error()}
	}
	return nil
}
