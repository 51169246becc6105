package agent

import (
	"context"
	"strings"

	"github.com/apex/log"

	"github.com/autonome-sdmis/platform/internal/auth"
	"github.com/autonome-sdmis/platform/internal/gate"
	"github.com/autonome-sdmis/platform/internal/shared/errors"
	"github.com/autonome-sdmis/platform/internal/shared/events"
	"github.com/autonome-sdmis/platform/internal/shared/types"
	"github.com/autonome-sdmis/platform/internal/shared/validation"
)

// Service applies the profile rules on top of the store
type Service struct {
	store Store
	pub   events.Publisher
	// evict drops cached roles of a member whose profile changed; the bus
	// subscription does the same for other instances.
	evict func(ctx context.Context, userID types.ID) error
}

// NewService creates a new agent service. pub and evict may be nil.
func NewService(store Store, pub events.Publisher, evict func(ctx context.Context, userID types.ID) error) *Service {
	return &Service{store: store, pub: pub, evict: evict}
}

// Me returns the caller's profile, creating a bare one on first access when
// the provisioning function did not.
func (s *Service) Me(ctx context.Context, p *gate.Principal) (*Agent, error) {
	a, err := s.store.Get(ctx, p.UserID)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, errors.ErrNotFound) {
		return nil, err
	}

	log.WithField("user_id", p.UserID).Info("provisioning missing member profile")
	return s.store.Provision(ctx, ProvisionRequest{
		ID:     p.UserID,
		Email:  p.Email,
		Pseudo: pseudoFromEmail(p.Email),
	})
}

// Get returns a profile visible to the caller: their own, or any for admins
func (s *Service) Get(ctx context.Context, p *gate.Principal, id types.ID) (*Agent, error) {
	if id != p.UserID && !p.Roles.IsAdmin() {
		return nil, errors.Forbidden("only admins may read other profiles")
	}
	return s.store.Get(ctx, id)
}

// List lists profiles; admin only
func (s *Service) List(ctx context.Context, p *gate.Principal, filter ListFilter) ([]Agent, int, error) {
	if !p.Roles.IsAdmin() {
		return nil, 0, errors.Forbidden("only admins may list members")
	}
	return s.store.List(ctx, filter)
}

// UpdateProfile changes a profile. The caller must own it or be an admin;
// only an admin may change the tier. The actor's tier is read from the
// store, so this also works for callers whose profile is still incomplete.
func (s *Service) UpdateProfile(ctx context.Context, p *gate.Principal, id types.ID, req UpdateProfileRequest) (*Agent, error) {
	actor, err := s.store.Get(ctx, p.UserID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, errors.Forbidden("caller has no member profile")
		}
		return nil, err
	}
	isAdmin := actor.Tier == auth.TierAdmin

	if id != p.UserID && !isAdmin {
		return nil, errors.Forbidden("only the owner or an admin may edit this profile")
	}

	target := actor
	if id != p.UserID {
		if target, err = s.store.Get(ctx, id); err != nil {
			return nil, err
		}
	}

	updated, err := applyChanges(*target, req, isAdmin)
	if err != nil {
		return nil, err
	}

	saved, err := s.store.Update(ctx, &updated)
	if err != nil {
		return nil, err
	}

	if s.evict != nil {
		if err := s.evict(ctx, saved.ID); err != nil {
			log.WithError(err).WithField("user_id", saved.ID).Warn("failed to evict cached roles")
		}
	}

	events.PublishAsync(ctx, s.pub, events.NewEvent(events.AgentUpdated, "agent", saved.ID, map[string]any{
		"agent_id":       saved.ID,
		"classification": saved.Classification,
		"tier":           saved.Tier,
	}).WithActor(p.UserID, string(actor.Tier)))

	return saved, nil
}

// applyChanges validates req and returns a copy of a with it applied
func applyChanges(a Agent, req UpdateProfileRequest, isAdmin bool) (Agent, error) {
	req.FirstName = strings.TrimSpace(req.FirstName)
	req.LastName = strings.TrimSpace(req.LastName)

	fieldErrs := map[string]string{}
	if req.FirstName == "" {
		fieldErrs["first_name"] = "is required"
	}
	if req.LastName == "" {
		fieldErrs["last_name"] = "is required"
	}

	var phone types.Phone
	if req.Phone != nil && strings.TrimSpace(*req.Phone) != "" {
		parsed, err := types.ParsePhone(*req.Phone)
		if err != nil {
			fieldErrs["phone"] = "must be a French number (0X XX XX XX XX or +33X XX XX XX XX)"
		}
		phone = parsed
	}

	if err := validation.Merge(validation.Struct(req), fieldErrs); err != nil {
		return Agent{}, err
	}

	if req.Tier != nil && auth.Tier(*req.Tier) != a.Tier && !isAdmin {
		return Agent{}, errors.Forbidden("only an admin may change the tier")
	}

	a.FirstName = req.FirstName
	a.LastName = req.LastName
	if req.Pseudo != nil {
		a.Pseudo = strings.TrimSpace(*req.Pseudo)
	}
	if req.Phone != nil {
		a.Phone = phone
	}
	if req.Classification != nil {
		a.Classification = auth.Classification(*req.Classification)
	}
	if req.Tier != nil {
		a.Tier = auth.Tier(*req.Tier)
	}
	if req.AvatarURL != nil {
		a.AvatarURL = *req.AvatarURL
	}
	return a, nil
}
