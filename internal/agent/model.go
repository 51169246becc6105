package agent

import (
	"strings"
	"time"

	"github.com/autonome-sdmis/platform/internal/auth"
	"github.com/autonome-sdmis/platform/internal/shared/types"
)

// Agent is a member profile. The ID is the hosted auth user id.
type Agent struct {
	ID             types.ID            `json:"id"`
	Email          string              `json:"email"`
	Pseudo         string              `json:"pseudo"`
	FirstName      string              `json:"first_name"`
	LastName       string              `json:"last_name"`
	Classification auth.Classification `json:"classification,omitempty"`
	Tier           auth.Tier           `json:"tier"`
	Phone          types.Phone         `json:"phone,omitempty"`
	AvatarURL      string              `json:"avatar_url,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FullName returns the member's full name
func (a Agent) FullName() string {
	return strings.TrimSpace(a.FirstName + " " + a.LastName)
}

// Roles returns the classification and tier carried by the profile
func (a Agent) Roles() auth.Roles {
	return auth.Roles{Classification: a.Classification, Tier: a.Tier}
}

// ProvisionRequest creates the initial profile of a new member
type ProvisionRequest struct {
	ID             types.ID
	Email          string
	Pseudo         string
	FirstName      string
	LastName       string
	Classification auth.Classification
}

// UpdateProfileRequest is the request to update a profile. Names are always
// sent; the other fields are left unchanged when absent.
type UpdateProfileRequest struct {
	Pseudo         *string `json:"pseudo,omitempty" validate:"omitempty,max=100"`
	FirstName      string  `json:"first_name" validate:"max=100"`
	LastName       string  `json:"last_name" validate:"max=100"`
	Phone          *string `json:"phone,omitempty"`
	Classification *string `json:"classification,omitempty" validate:"omitempty,oneof=SPP PATS"`
	Tier           *string `json:"tier,omitempty" validate:"omitempty,oneof=agent delegue admin"`
	AvatarURL      *string `json:"avatar_url,omitempty" validate:"omitempty,url"`
}

// ListFilter defines filters for listing members
type ListFilter struct {
	Classification *auth.Classification `json:"classification,omitempty"`
	Tier           *auth.Tier           `json:"tier,omitempty"`
	Search         string               `json:"search,omitempty"`
	Limit          int                  `json:"limit,omitempty"`
	Offset         int                  `json:"offset,omitempty"`
}

// pseudoFromEmail derives a default pseudo from the mailbox name
func pseudoFromEmail(email string) string {
	local, _, _ := strings.Cut(email, "@")
	return local
}
