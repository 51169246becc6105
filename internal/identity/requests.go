package identity

import "strings"

// SignUpRequest is the sign-up form
type SignUpRequest struct {
	Pseudo          string `json:"pseudo" validate:"required,max=100"`
	FirstName       string `json:"first_name" validate:"required,max=100"`
	LastName        string `json:"last_name" validate:"required,max=100"`
	Classification  string `json:"classification" validate:"required,oneof=SPP PATS"`
	Email           string `json:"email" validate:"required"`
	Password        string `json:"password" validate:"required,min=6"`
	PasswordConfirm string `json:"password_confirm" validate:"required,eqfield=Password"`
}

func (r *SignUpRequest) normalize() {
	r.Pseudo = strings.TrimSpace(r.Pseudo)
	r.FirstName = strings.TrimSpace(r.FirstName)
	r.LastName = strings.TrimSpace(r.LastName)
	r.Classification = strings.TrimSpace(r.Classification)
	r.Email = strings.TrimSpace(r.Email)
}

// SignInRequest is the login form
type SignInRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// ForgotPasswordRequest asks for a reset link
type ForgotPasswordRequest struct {
	Email string `json:"email" validate:"required"`
}

// ResetPasswordRequest sets a new password
type ResetPasswordRequest struct {
	Password        string `json:"password" validate:"required,min=6"`
	PasswordConfirm string `json:"password_confirm" validate:"required,eqfield=Password"`
}

// CallbackRequest carries the tokens of an e-mail link
type CallbackRequest struct {
	AccessToken  string `json:"access_token" validate:"required"`
	RefreshToken string `json:"refresh_token"`
	Type         string `json:"type"`
}

// RefreshRequest carries a refresh token
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}
