// Package auth holds the member session lifecycle and role resolution.
package auth

import "fmt"

// Classification is the staff category of a member
type Classification string

const (
	ClassificationSPP  Classification = "SPP"
	ClassificationPATS Classification = "PATS"
)

// Valid reports whether c is a known classification
func (c Classification) Valid() bool {
	return c == ClassificationSPP || c == ClassificationPATS
}

// ParseClassification validates a classification string
func ParseClassification(s string) (Classification, error) {
	c := Classification(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown classification %q", s)
	}
	return c, nil
}

// Tier is the permission level of a member
type Tier string

const (
	TierAgent    Tier = "agent"
	TierDelegate Tier = "delegue"
	TierAdmin    Tier = "admin"
)

// Valid reports whether t is a known tier
func (t Tier) Valid() bool {
	switch t {
	case TierAgent, TierDelegate, TierAdmin:
		return true
	}
	return false
}

// ParseTier validates a tier string
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown tier %q", s)
	}
	return t, nil
}

// Roles is what the resolver knows about a member. Both fields must be set
// before any scoped query runs.
type Roles struct {
	Classification Classification `json:"classification"`
	Tier           Tier           `json:"tier"`
}

// Resolved reports whether both classification and tier are known
func (r Roles) Resolved() bool {
	return r.Classification.Valid() && r.Tier.Valid()
}

// IsAdmin reports whether the member has the admin tier
func (r Roles) IsAdmin() bool {
	return r.Tier == TierAdmin
}

// IsStaffRep reports whether the member is a delegate or an admin
func (r Roles) IsStaffRep() bool {
	return r.Tier == TierDelegate || r.Tier == TierAdmin
}
