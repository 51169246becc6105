package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autonome-sdmis/platform/internal/agent"
	"github.com/autonome-sdmis/platform/internal/auth"
	"github.com/autonome-sdmis/platform/internal/backend"
	"github.com/autonome-sdmis/platform/internal/shared/config"
	sharedauth "github.com/autonome-sdmis/platform/internal/shared/auth"
	apperrors "github.com/autonome-sdmis/platform/internal/shared/errors"
	"github.com/autonome-sdmis/platform/internal/shared/types"
)

type fakeBackend struct {
	userID      types.ID
	signUpErr   error
	signInErr   error
	invokeErr   error
	invokeDelay time.Duration
	withSession bool

	invoked    []string
	recoveries []string
	signedOut  []string
}

func (f *fakeBackend) session(email string) *backend.Session {
	return &backend.Session{
		AccessToken:  "access-" + email,
		RefreshToken: "refresh-" + email,
		ExpiresIn:    3600,
		User:         backend.User{ID: f.userID, Email: email},
	}
}

func (f *fakeBackend) SignUp(_ context.Context, email, _ string, _ map[string]any) (*backend.SignUpResult, error) {
	if f.signUpErr != nil {
		return nil, f.signUpErr
	}
	res := &backend.SignUpResult{User: backend.User{ID: f.userID, Email: email}}
	if f.withSession {
		res.Session = f.session(email)
	}
	return res, nil
}

func (f *fakeBackend) SignIn(_ context.Context, email, _ string) (*backend.Session, error) {
	if f.signInErr != nil {
		return nil, f.signInErr
	}
	return f.session(email), nil
}

func (f *fakeBackend) SignOut(_ context.Context, token string) error {
	f.signedOut = append(f.signedOut, token)
	return nil
}

func (f *fakeBackend) RecoverPassword(_ context.Context, email, _ string) error {
	f.recoveries = append(f.recoveries, email)
	return nil
}

func (f *fakeBackend) SetSession(_ context.Context, access, refresh string) (*backend.Session, error) {
	return &backend.Session{AccessToken: access, RefreshToken: refresh, ExpiresIn: 3600, User: backend.User{ID: f.userID}}, nil
}

func (f *fakeBackend) Refresh(_ context.Context, refresh string) (*backend.Session, error) {
	return &backend.Session{AccessToken: "renewed", RefreshToken: refresh, ExpiresIn: 3600, User: backend.User{ID: f.userID}}, nil
}

func (f *fakeBackend) UpdatePassword(_ context.Context, _ string, _ string) (*backend.User, error) {
	return &backend.User{ID: f.userID}, nil
}

func (f *fakeBackend) Invoke(ctx context.Context, name string, _ any, _ any) error {
	f.invoked = append(f.invoked, name)
	if f.invokeDelay > 0 {
		select {
		case <-time.After(f.invokeDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.invokeErr
}

type fakeProvisioner struct {
	got []agent.ProvisionRequest
}

func (p *fakeProvisioner) Provision(_ context.Context, req agent.ProvisionRequest) (*agent.Agent, error) {
	p.got = append(p.got, req)
	return &agent.Agent{ID: req.ID}, nil
}

func newService(b *fakeBackend, prov Provisioner) (*Service, *auth.Manager) {
	m := auth.NewManager()
	return NewService(b, m, nil, prov, config.BackendConfig{
		ProvisionFunction: "smart-service",
		ProvisionTimeout:  50 * time.Millisecond,
	}), m
}

func validSignUp() SignUpRequest {
	return SignUpRequest{
		Pseudo:          "jdupont",
		FirstName:       "Jean",
		LastName:        "Dupont",
		Classification:  "SPP",
		Email:           " jean.dupont@sdmis.fr ",
		Password:        "secret1",
		PasswordConfirm: "secret1",
	}
}

func detailsOf(t *testing.T, err error) map[string]string {
	t.Helper()
	appErr, ok := apperrors.As(err)
	require.True(t, ok, "expected AppError, got %v", err)
	require.Equal(t, "VALIDATION_ERROR", appErr.Code)
	return appErr.Details
}

func TestSignUpValidation(t *testing.T) {
	svc, _ := newService(&fakeBackend{userID: types.NewID()}, nil)

	tests := []struct {
		name   string
		mutate func(*SignUpRequest)
		field  string
	}{
		{"foreign domain", func(r *SignUpRequest) { r.Email = "jean@gmail.com" }, "email"},
		{"short password", func(r *SignUpRequest) { r.Password, r.PasswordConfirm = "abc", "abc" }, "password"},
		{"mismatch", func(r *SignUpRequest) { r.PasswordConfirm = "other12" }, "password_confirm"},
		{"blank pseudo", func(r *SignUpRequest) { r.Pseudo = "  " }, "pseudo"},
		{"unknown classification", func(r *SignUpRequest) { r.Classification = "X" }, "classification"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validSignUp()
			tt.mutate(&req)
			_, err := svc.SignUp(context.Background(), req)
			assert.Contains(t, detailsOf(t, err), tt.field)
		})
	}
}

func TestSignUpInvokesProvisioning(t *testing.T) {
	b := &fakeBackend{userID: types.NewID()}
	prov := &fakeProvisioner{}
	svc, _ := newService(b, prov)

	res, err := svc.SignUp(context.Background(), validSignUp())
	require.NoError(t, err)

	assert.Equal(t, []string{"smart-service"}, b.invoked)
	assert.Empty(t, prov.got)
	assert.Nil(t, res.Session)
	assert.Equal(t, "/splash", res.Redirect)
}

func TestSignUpSurvivesProvisioningFailure(t *testing.T) {
	b := &fakeBackend{userID: types.NewID(), invokeDelay: time.Second, withSession: true}
	prov := &fakeProvisioner{}
	svc, m := newService(b, prov)

	start := time.Now()
	res, err := svc.SignUp(context.Background(), validSignUp())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	require.Len(t, prov.got, 1)
	assert.Equal(t, auth.ClassificationSPP, prov.got[0].Classification)
	assert.Equal(t, "jean.dupont@sdmis.fr", prov.got[0].Email)

	require.NotNil(t, res.Session)
	assert.Equal(t, auth.EventSignedIn, res.Event)
	assert.Equal(t, 1, m.Active())
}

func TestSignUpBackendRejection(t *testing.T) {
	b := &fakeBackend{signUpErr: &backend.Error{Status: 422, Message: "User already registered"}}
	svc, _ := newService(b, nil)

	_, err := svc.SignUp(context.Background(), validSignUp())
	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, "AUTH_ERROR", appErr.Code)
	assert.Empty(t, b.invoked)
}

func TestSignInOutage(t *testing.T) {
	svc, _ := newService(&fakeBackend{signInErr: errors.New("dial tcp: connection refused")}, nil)

	_, err := svc.SignIn(context.Background(), SignInRequest{Email: "a@sdmis.fr", Password: "x"})
	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusServiceUnavailable, appErr.HTTPStatus)
}

func TestSignInAndSignOut(t *testing.T) {
	uid := types.NewID()
	svc, m := newService(&fakeBackend{userID: uid}, nil)

	res, err := svc.SignIn(context.Background(), SignInRequest{Email: "a@sdmis.fr", Password: "secret1"})
	require.NoError(t, err)
	assert.Equal(t, "/tabs", res.Redirect)
	sessionID := "user:" + uid.String()
	_, ok := m.Get(sessionID)
	require.True(t, ok)

	out, err := svc.SignOut(context.Background(), res.Session.AccessToken, &sharedauth.User{ID: uid, SessionID: sessionID})
	require.NoError(t, err)
	assert.Equal(t, auth.EventSignedOut, out.Event)
	assert.Equal(t, "/signup", out.Redirect)
	assert.True(t, m.IsRevoked(sessionID))
}

func TestCallbackRecovery(t *testing.T) {
	uid := types.NewID()
	svc, m := newService(&fakeBackend{userID: uid}, nil)

	_, err := svc.Callback(context.Background(), CallbackRequest{})
	assert.Contains(t, detailsOf(t, err), "access_token")

	res, err := svc.Callback(context.Background(), CallbackRequest{AccessToken: "tok", RefreshToken: "ref", Type: "recovery"})
	require.NoError(t, err)
	assert.Equal(t, auth.EventPasswordRecovery, res.Event)
	assert.Equal(t, "/reset-password", res.Redirect)

	s, ok := m.Get("user:" + uid.String())
	require.True(t, ok)
	assert.True(t, s.Recovery)

	reset, err := svc.ResetPassword(context.Background(), "tok", ResetPasswordRequest{Password: "newpass", PasswordConfirm: "newpass"})
	require.NoError(t, err)
	assert.Equal(t, auth.EventUserUpdated, reset.Event)
	assert.Equal(t, "/login", reset.Redirect)

	s, _ = m.Get("user:" + uid.String())
	assert.False(t, s.Recovery)
}

func TestForgotPasswordRequiresStaffEmail(t *testing.T) {
	b := &fakeBackend{}
	svc, _ := newService(b, nil)

	_, err := svc.ForgotPassword(context.Background(), ForgotPasswordRequest{Email: "x@example.com"})
	assert.Contains(t, detailsOf(t, err), "email")
	assert.Empty(t, b.recoveries)

	res, err := svc.ForgotPassword(context.Background(), ForgotPasswordRequest{Email: "x@sdmis.fr"})
	require.NoError(t, err)
	assert.Equal(t, "/login", res.Redirect)
	assert.Equal(t, []string{"x@sdmis.fr"}, b.recoveries)
}

func TestHTTPSignIn(t *testing.T) {
	svc, _ := newService(&fakeBackend{userID: types.NewID()}, nil)
	srv := NewHandler(svc, nil).Routes()

	body, _ := json.Marshal(SignInRequest{Email: "a@sdmis.fr", Password: "secret1"})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/signin", bytes.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code)
	var res Result
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, auth.EventSignedIn, res.Event)
	assert.Equal(t, "access-a@sdmis.fr", res.Session.AccessToken)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/signout", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
