package domain

import (
	"errors"
	"testing"

	"github.com/autonome-sdmis/platform/internal/auth"
	apperrors "github.com/autonome-sdmis/platform/internal/shared/errors"
	"github.com/autonome-sdmis/platform/internal/shared/types"
)

func TestFilter(t *testing.T) {
	user := types.NewID()

	tests := []struct {
		name      string
		roles     auth.Roles
		view      View
		expectErr string
		check     func(t *testing.T, p Predicate)
	}{
		{
			name:  "Agent default is mine",
			roles: sppAgent,
			check: func(t *testing.T, p Predicate) {
				if p.CreatedBy == nil || *p.CreatedBy != user || p.Classification != nil {
					t.Errorf("Expected creator predicate, got %+v", p)
				}
			},
		},
		{
			name:  "Agent classification view",
			roles: sppAgent,
			view:  ViewClassification,
			check: func(t *testing.T, p Predicate) {
				if p.Classification == nil || *p.Classification != auth.ClassificationSPP || p.CreatedBy != nil {
					t.Errorf("Expected classification predicate, got %+v", p)
				}
			},
		},
		{
			name:  "Delegate default is classification",
			roles: patsDelegue,
			check: func(t *testing.T, p Predicate) {
				if p.Classification == nil || *p.Classification != auth.ClassificationPATS {
					t.Errorf("Expected PATS predicate, got %+v", p)
				}
			},
		},
		{
			name:  "Admin default is unrestricted",
			roles: patsAdmin,
			check: func(t *testing.T, p Predicate) {
				if !p.Unrestricted() {
					t.Errorf("Expected unrestricted predicate, got %+v", p)
				}
			},
		},
		{name: "Delegate cannot list all", roles: sppDelegate, view: ViewAll, expectErr: "FORBIDDEN"},
		{name: "Unknown view", roles: sppAgent, view: View("everything"), expectErr: "BAD_REQUEST"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Filter(tt.roles, user, tt.view)
			if tt.expectErr != "" {
				appErr, ok := apperrors.As(err)
				if !ok || appErr.Code != tt.expectErr {
					t.Fatalf("Expected %s, got %v", tt.expectErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error, got %v", err)
			}
			tt.check(t, p)
		})
	}
}

func TestFilterUnresolvedRoles(t *testing.T) {
	cases := []auth.Roles{
		{},
		{Classification: auth.ClassificationSPP},
		{Tier: auth.TierAdmin},
	}
	for _, roles := range cases {
		if _, err := Filter(roles, types.NewID(), ViewMine); !errors.Is(err, ErrRolesUnresolved) {
			t.Errorf("Expected ErrRolesUnresolved for %+v, got %v", roles, err)
		}
	}
	if _, err := Filter(sppAgent, "", ViewMine); !errors.Is(err, ErrRolesUnresolved) {
		t.Errorf("Expected ErrRolesUnresolved without user, got %v", err)
	}
}

func TestNonAdminPredicateNeverUnrestricted(t *testing.T) {
	user := types.NewID()
	for _, roles := range []auth.Roles{sppAgent, sppDelegate, patsDelegue} {
		for _, view := range []View{"", ViewMine, ViewClassification, ViewAll} {
			p, err := Filter(roles, user, view)
			if err == nil && p.Unrestricted() {
				t.Errorf("Roles %+v view %q produced an unrestricted predicate", roles, view)
			}
		}
	}
}

func TestCanView(t *testing.T) {
	creator := types.NewID()
	a, _, _ := NewAlerte(validFields(), creator, auth.ClassificationSPP)

	if !CanView(sppAgent, creator, a) {
		t.Error("Creator can view")
	}
	if !CanView(sppAgent, types.NewID(), a) {
		t.Error("Same classification can view")
	}
	if CanView(auth.Roles{Classification: auth.ClassificationPATS, Tier: auth.TierAgent}, types.NewID(), a) {
		t.Error("Other classification cannot view")
	}
	if !CanView(patsAdmin, types.NewID(), a) {
		t.Error("Admin can view")
	}
}
