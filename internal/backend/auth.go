package backend

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/autonome-sdmis/platform/internal/shared/types"
)

// User is the auth service's view of an account
type User struct {
	ID           types.ID       `json:"id"`
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
}

// Session is an authenticated session issued by the auth service
type Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	User         User   `json:"user"`
}

// Expiry returns the absolute expiry of the access token
func (s *Session) Expiry() time.Time {
	if s.ExpiresAt > 0 {
		return time.Unix(s.ExpiresAt, 0)
	}
	return time.Now().Add(time.Duration(s.ExpiresIn) * time.Second)
}

// SignUpResult holds the created user and, when e-mail confirmation is
// disabled, the session opened for it.
type SignUpResult struct {
	User    User
	Session *Session
}

// SignUp registers an account with profile metadata
func (c *Client) SignUp(ctx context.Context, email, password string, metadata map[string]any) (*SignUpResult, error) {
	// the service answers either a bare user or a session wrapping one
	var raw struct {
		Session
		ID    types.ID `json:"id"`
		Email string   `json:"email"`
	}
	err := c.do(ctx, request{
		capability: "auth.signup",
		method:     http.MethodPost,
		path:       "/auth/v1/signup",
		jsonBody: map[string]any{
			"email":    email,
			"password": password,
			"data":     metadata,
		},
	}, &raw)
	if err != nil {
		return nil, err
	}

	if raw.AccessToken != "" {
		s := raw.Session
		return &SignUpResult{User: s.User, Session: &s}, nil
	}
	return &SignUpResult{User: User{ID: raw.ID, Email: raw.Email}}, nil
}

// SignIn opens a session with email and password
func (c *Client) SignIn(ctx context.Context, email, password string) (*Session, error) {
	var s Session
	err := c.do(ctx, request{
		capability: "auth.signin",
		method:     http.MethodPost,
		path:       "/auth/v1/token?grant_type=password",
		jsonBody:   map[string]string{"email": email, "password": password},
	}, &s)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Refresh exchanges a refresh token for a new session
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	var s Session
	err := c.do(ctx, request{
		capability: "auth.refresh",
		method:     http.MethodPost,
		path:       "/auth/v1/token?grant_type=refresh_token",
		jsonBody:   map[string]string{"refresh_token": refreshToken},
	}, &s)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetUser returns the user an access token belongs to
func (c *Client) GetUser(ctx context.Context, accessToken string) (*User, error) {
	var u User
	err := c.do(ctx, request{
		capability: "auth.user",
		method:     http.MethodGet,
		path:       "/auth/v1/user",
		bearer:     accessToken,
	}, &u)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// SetSession adopts tokens received out of band (e-mail links). The access
// token is checked against the service; when it is rejected and a refresh
// token is present the session is refreshed instead.
func (c *Client) SetSession(ctx context.Context, accessToken, refreshToken string) (*Session, error) {
	user, err := c.GetUser(ctx, accessToken)
	if err == nil {
		return &Session{
			AccessToken:  accessToken,
			RefreshToken: refreshToken,
			TokenType:    "bearer",
			User:         *user,
		}, nil
	}
	if refreshToken == "" || !IsAuthError(err) {
		return nil, err
	}
	return c.Refresh(ctx, refreshToken)
}

// SignOut revokes the session of accessToken
func (c *Client) SignOut(ctx context.Context, accessToken string) error {
	return c.do(ctx, request{
		capability: "auth.signout",
		method:     http.MethodPost,
		path:       "/auth/v1/logout",
		bearer:     accessToken,
	}, nil)
}

// RecoverPassword sends a reset link that lands on redirectTo
func (c *Client) RecoverPassword(ctx context.Context, email, redirectTo string) error {
	path := "/auth/v1/recover"
	if redirectTo != "" {
		path += "?redirect_to=" + url.QueryEscape(redirectTo)
	}
	return c.do(ctx, request{
		capability: "auth.recover",
		method:     http.MethodPost,
		path:       path,
		jsonBody:   map[string]string{"email": email},
	}, nil)
}

// UpdatePassword sets a new password for the session's user
func (c *Client) UpdatePassword(ctx context.Context, accessToken, password string) (*User, error) {
	var u User
	err := c.do(ctx, request{
		capability: "auth.update",
		method:     http.MethodPut,
		path:       "/auth/v1/user",
		bearer:     accessToken,
		jsonBody:   map[string]string{"password": password},
	}, &u)
	if err != nil {
		return nil, err
	}
	return &u, nil
}
