package contribution

import (
	"context"
	"strings"
	"time"

	"github.com/apex/log"

	"github.com/autonome-sdmis/platform/internal/attachment"
	"github.com/autonome-sdmis/platform/internal/gate"
	"github.com/autonome-sdmis/platform/internal/shared/errors"
	"github.com/autonome-sdmis/platform/internal/shared/events"
	"github.com/autonome-sdmis/platform/internal/shared/metrics"
	"github.com/autonome-sdmis/platform/internal/shared/types"
	"github.com/autonome-sdmis/platform/internal/shared/validation"
)

// Uploader stores contribution files
type Uploader interface {
	Upload(ctx context.Context, owner attachment.OwnerType, ownerID types.ID, f attachment.File) *attachment.Attachment
}

// Service applies the contribution rules on top of the store
type Service struct {
	store    Store
	uploader Uploader
	pub      events.Publisher
	now      func() time.Time
}

// NewService creates a new contribution service. pub may be nil.
func NewService(store Store, uploader Uploader, pub events.Publisher) *Service {
	return &Service{store: store, uploader: uploader, pub: pub, now: time.Now}
}

// Create validates and stores a contribution. Files are uploaded after
// validation; failed uploads stay on the contribution with status failed.
func (s *Service) Create(ctx context.Context, p *gate.Principal, req CreateRequest, files []attachment.File) (*Contribution, error) {
	req.normalize()
	if err := validation.Struct(req); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	c := &Contribution{
		ID:          types.NewID(),
		Type:        Type(req.Type),
		Title:       req.Title,
		Description: req.Description,
		Impact:      Impact(req.Impact),
		Tags:        req.Tags,
		CreatedBy:   p.UserID,
		Comments:    []Comment{},
		Attachments: []attachment.Attachment{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	for _, f := range files {
		c.Attachments = append(c.Attachments, *s.uploader.Upload(ctx, attachment.OwnerContribution, c.ID, f))
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, c); err != nil {
		return nil, err
	}

	metrics.RecordContributionCreated(string(c.Type))
	log.WithFields(log.Fields{"contribution_id": c.ID, "type": c.Type}).Info("contribution created")
	events.PublishAsync(ctx, s.pub, events.NewEvent(events.ContributionCreated, "contribution", c.ID, map[string]any{
		"contribution_id": c.ID,
		"type":            c.Type,
		"impact":          c.Impact,
	}).WithActor(p.UserID, string(p.Roles.Tier)))

	return c, nil
}

// Get returns a contribution as the caller may see it
func (s *Service) Get(ctx context.Context, p *gate.Principal, id types.ID) (*Contribution, error) {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	redacted := c.redacted(p)
	return &redacted, nil
}

// List lists contributions in the requested order. Search covers the
// title, description and tags.
func (s *Service) List(ctx context.Context, p *gate.Principal, filter ListFilter) ([]Contribution, int, error) {
	switch filter.Sort {
	case "":
		filter.Sort = SortPopular
	case SortPopular, SortRecent, SortTrending:
	default:
		return nil, 0, errors.BadRequest("unknown sort " + string(filter.Sort))
	}
	filter.Query = strings.TrimSpace(filter.Query)

	list, total, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, 0, err
	}

	out := make([]Contribution, 0, len(list))
	for i := range list {
		out = append(out, list[i].redacted(p))
	}
	return out, total, nil
}

// React increments one reaction counter. Any member may react any number
// of times.
func (s *Service) React(ctx context.Context, id types.ID, kind string) (Reactions, error) {
	k, ok := ParseReaction(kind)
	if !ok {
		return Reactions{}, errors.BadRequest("unknown reaction " + kind)
	}
	return s.store.React(ctx, id, k)
}

// AddComment appends a comment
func (s *Service) AddComment(ctx context.Context, p *gate.Principal, id types.ID, req CommentRequest) (*Comment, error) {
	req.Text = strings.TrimSpace(req.Text)
	if err := validation.Struct(req); err != nil {
		return nil, err
	}

	c := &Comment{
		ID:             types.NewID(),
		ContributionID: id,
		AuthorID:       p.UserID,
		Text:           req.Text,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.store.AddComment(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Respond sets the official answer; delegates and admins only
func (s *Service) Respond(ctx context.Context, p *gate.Principal, id types.ID, req ResponseRequest) (*Contribution, error) {
	if !p.Roles.IsStaffRep() {
		return nil, errors.Forbidden("only delegates and admins may answer contributions")
	}

	req.Text = strings.TrimSpace(req.Text)
	req.Status = strings.TrimSpace(req.Status)
	if err := validation.Struct(req); err != nil {
		return nil, err
	}

	resp := Response{
		Text:        req.Text,
		Status:      ResponseStatus(req.Status),
		ResponderID: p.UserID,
		UpdatedAt:   s.now().UTC(),
	}
	if err := s.store.SetResponse(ctx, id, resp); err != nil {
		return nil, err
	}

	events.PublishAsync(ctx, s.pub, events.NewEvent(events.ContributionAnswered, "contribution", id, map[string]any{
		"contribution_id": id,
		"status":          resp.Status,
	}).WithActor(p.UserID, string(p.Roles.Tier)))

	return s.Get(ctx, p, id)
}

// redacted hides authors from members: only the author and staff
// representatives see who wrote a contribution or a comment
func (c Contribution) redacted(p *gate.Principal) Contribution {
	if p.Roles.IsStaffRep() {
		return c
	}
	if c.CreatedBy != p.UserID {
		c.CreatedBy = ""
	}
	if len(c.Comments) > 0 {
		comments := make([]Comment, len(c.Comments))
		copy(comments, c.Comments)
		for i := range comments {
			if comments[i].AuthorID != p.UserID {
				comments[i].AuthorID = ""
			}
		}
		c.Comments = comments
	}
	return c
}
