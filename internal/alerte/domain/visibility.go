package domain

import (
	stderrors "errors"

	"github.com/autonome-sdmis/platform/internal/auth"
	"github.com/autonome-sdmis/platform/internal/shared/errors"
	"github.com/autonome-sdmis/platform/internal/shared/types"
)

// ErrRolesUnresolved is returned when a listing is requested before the
// caller's classification and tier are known. No query may run then.
var ErrRolesUnresolved = stderrors.New("roles unresolved")

// View selects which records a listing covers
type View string

const (
	// ViewMine lists records created by the caller
	ViewMine View = "mine"
	// ViewClassification lists records of the caller's classification
	ViewClassification View = "classification"
	// ViewAll lists every record (admin)
	ViewAll View = "all"
)

// Valid reports whether v is a known view
func (v View) Valid() bool {
	return v == ViewMine || v == ViewClassification || v == ViewAll
}

// DefaultView is the view used when the caller does not pick one
func DefaultView(tier auth.Tier) View {
	switch tier {
	case auth.TierAdmin:
		return ViewAll
	case auth.TierDelegate:
		return ViewClassification
	default:
		return ViewMine
	}
}

// Predicate restricts a listing. Nil fields do not constrain; an empty
// predicate matches every record.
type Predicate struct {
	CreatedBy      *types.ID            `json:"created_by,omitempty"`
	Classification *auth.Classification `json:"classification,omitempty"`
}

// Unrestricted reports whether the predicate matches every record
func (p Predicate) Unrestricted() bool {
	return p.CreatedBy == nil && p.Classification == nil
}

// Matches evaluates the predicate against a record in memory
func (p Predicate) Matches(a *Alerte) bool {
	if p.CreatedBy != nil && a.CreatedBy != *p.CreatedBy {
		return false
	}
	if p.Classification != nil && a.Classification != *p.Classification {
		return false
	}
	return true
}

// Filter builds the read predicate for a caller and view. An empty view
// means the tier's default. Agents and delegates never get the
// unrestricted view.
func Filter(roles auth.Roles, userID types.ID, view View) (Predicate, error) {
	if !roles.Resolved() || userID.IsZero() {
		return Predicate{}, ErrRolesUnresolved
	}
	if view == "" {
		view = DefaultView(roles.Tier)
	}
	if !view.Valid() {
		return Predicate{}, errors.BadRequest("unknown view " + string(view))
	}

	switch view {
	case ViewMine:
		id := userID
		return Predicate{CreatedBy: &id}, nil
	case ViewClassification:
		c := roles.Classification
		return Predicate{Classification: &c}, nil
	default:
		if !roles.IsAdmin() {
			return Predicate{}, errors.Forbidden("only admins may list every record")
		}
		return Predicate{}, nil
	}
}

// CanView reports whether the caller may read a record: its creator,
// members of its classification, or an admin.
func CanView(roles auth.Roles, userID types.ID, a *Alerte) bool {
	if roles.IsAdmin() {
		return true
	}
	if !userID.IsZero() && a.CreatedBy == userID {
		return true
	}
	return roles.Resolved() && a.Classification == roles.Classification
}

// CanManage reports whether the caller may change a record's status or
// internal comment: a delegate of its classification, or an admin.
func CanManage(roles auth.Roles, a *Alerte) bool {
	if roles.IsAdmin() {
		return true
	}
	return roles.Tier == auth.TierDelegate && roles.Classification.Valid() && a.Classification == roles.Classification
}
