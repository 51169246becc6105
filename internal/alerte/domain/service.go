package domain

import (
	"context"

	"github.com/apex/log"

	"github.com/autonome-sdmis/platform/internal/attachment"
	"github.com/autonome-sdmis/platform/internal/auth"
	"github.com/autonome-sdmis/platform/internal/shared/errors"
	"github.com/autonome-sdmis/platform/internal/shared/events"
	"github.com/autonome-sdmis/platform/internal/shared/metrics"
	"github.com/autonome-sdmis/platform/internal/shared/types"
)

// Actor is the authorized caller of a service operation
type Actor struct {
	ID    types.ID
	Roles auth.Roles
}

// Uploader stores attachment files
type Uploader interface {
	Upload(ctx context.Context, owner attachment.OwnerType, ownerID types.ID, f attachment.File) *attachment.Attachment
	Retry(ctx context.Context, a *attachment.Attachment, f attachment.File) (*attachment.Attachment, error)
}

// AttachmentStore reads and updates stored attachments
type AttachmentStore interface {
	Get(ctx context.Context, owner attachment.OwnerType, ownerID, id types.ID) (*attachment.Attachment, error)
	Update(ctx context.Context, a *attachment.Attachment) error
}

// Service creates incident records and applies their mutations. Results
// always come from the repository after commit.
type Service struct {
	repo        Repository
	uploader    Uploader
	attachments AttachmentStore
	pub         events.Publisher
}

// NewService creates a new record service. pub may be nil.
func NewService(repo Repository, uploader Uploader, attachments AttachmentStore, pub events.Publisher) *Service {
	return &Service{repo: repo, uploader: uploader, attachments: attachments, pub: pub}
}

// CreateIncident validates the fields, uploads the files and stores the
// record with its creation and attachment events. Validation failures
// happen before any upload or write. Failed uploads are kept on the record
// with status failed.
func (s *Service) CreateIncident(ctx context.Context, actor Actor, fields CreateFields, files []attachment.File) (*Alerte, error) {
	a, created, err := NewAlerte(fields, actor.ID, actor.Roles.Classification)
	if err != nil {
		return nil, err
	}

	evts := []Event{created}
	for _, f := range files {
		att := s.uploader.Upload(ctx, attachment.OwnerAlerte, a.ID, f)
		e, err := a.AttachFile(actor.Roles, actor.ID, att)
		if err != nil {
			return nil, err
		}
		evts = append(evts, e)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, a, evts); err != nil {
		return nil, asWriteError(err)
	}

	metrics.RecordAlerteCreated(string(a.Classification))
	log.WithFields(log.Fields{
		"alerte_id":      a.ID,
		"classification": a.Classification,
		"attachments":    len(a.Attachments),
	}).Info("alerte created")

	event := events.NewEvent(events.AlerteCreated, "alerte", a.ID, map[string]any{
		"alerte_id":      a.ID,
		"classification": a.Classification,
		"gravite":        a.Gravite,
		"anonyme":        a.Anonyme,
	})
	if !a.Anonyme {
		event = event.WithActor(actor.ID, string(actor.Roles.Tier))
	}
	events.PublishAsync(ctx, s.pub, event)

	return a, nil
}

// Get returns a record the caller may view
func (s *Service) Get(ctx context.Context, actor Actor, id types.ID) (*Alerte, error) {
	a, err := s.viewable(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	redacted := a.Redacted(actor.Roles, actor.ID)
	return &redacted, nil
}

// List returns the records of a view, newest first
func (s *Service) List(ctx context.Context, actor Actor, view View, filter ListFilter) ([]Alerte, int, error) {
	pred, err := Filter(actor.Roles, actor.ID, view)
	if err != nil {
		if errors.Is(err, ErrRolesUnresolved) {
			return nil, 0, errors.Unavailable("ROLES_UNRESOLVED", "roles are not resolved yet")
		}
		return nil, 0, err
	}

	records, total, err := s.repo.List(ctx, pred, filter)
	if err != nil {
		return nil, 0, err
	}

	out := make([]Alerte, 0, len(records))
	for _, a := range records {
		out = append(out, a.Redacted(actor.Roles, actor.ID))
	}
	return out, total, nil
}

// Events returns the log of a record the caller may view, in order
func (s *Service) Events(ctx context.Context, actor Actor, id types.ID) ([]Event, error) {
	a, err := s.viewable(ctx, actor, id)
	if err != nil {
		return nil, err
	}

	evts, err := s.repo.Events(ctx, id)
	if err != nil {
		return nil, err
	}
	return RedactEvents(a, evts, actor.Roles, actor.ID), nil
}

// ChangeStatus sets the status of a record and appends the event, atomically
func (s *Service) ChangeStatus(ctx context.Context, actor Actor, id types.ID, status Status) (*Alerte, Event, error) {
	var from Status
	a, e, err := s.repo.Mutate(ctx, id, func(a *Alerte) (Event, error) {
		from = a.Statut
		return a.ChangeStatus(actor.Roles, actor.ID, status)
	})
	if err != nil {
		return nil, Event{}, asWriteError(err)
	}

	metrics.RecordAlerteStatusChange(string(from), string(status))
	events.PublishAsync(ctx, s.pub, events.NewEvent(events.AlerteStatusChanged, "alerte", a.ID, map[string]any{
		"alerte_id":   a.ID,
		"from_status": from,
		"to_status":   status,
		"seq":         e.Seq,
	}).WithActor(actor.ID, string(actor.Roles.Tier)))

	return a, e, nil
}

// AddInternalComment replaces the internal comment and appends the event
func (s *Service) AddInternalComment(ctx context.Context, actor Actor, id types.ID, text string) (*Alerte, Event, error) {
	a, e, err := s.repo.Mutate(ctx, id, func(a *Alerte) (Event, error) {
		return a.AddInternalComment(actor.Roles, actor.ID, text)
	})
	if err != nil {
		return nil, Event{}, asWriteError(err)
	}

	metrics.RecordAlerteComment()
	events.PublishAsync(ctx, s.pub, events.NewEvent(events.AlerteCommented, "alerte", a.ID, map[string]any{
		"alerte_id": a.ID,
		"seq":       e.Seq,
	}).WithActor(actor.ID, string(actor.Roles.Tier)))

	return a, e, nil
}

// AddAttachment uploads a file and records it on the record. A failed
// upload is still recorded, with status failed.
func (s *Service) AddAttachment(ctx context.Context, actor Actor, id types.ID, f attachment.File) (*Alerte, *attachment.Attachment, error) {
	current, err := s.viewable(ctx, actor, id)
	if err != nil {
		return nil, nil, err
	}
	if actor.ID != current.CreatedBy && !CanManage(actor.Roles, current) {
		return nil, nil, errors.Forbidden("not allowed to add files to this record")
	}

	att := s.uploader.Upload(ctx, attachment.OwnerAlerte, id, f)
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	a, e, err := s.repo.MutateWithAttachment(ctx, id, att, func(a *Alerte) (Event, error) {
		return a.AttachFile(actor.Roles, actor.ID, att)
	})
	if err != nil {
		return nil, nil, asWriteError(err)
	}

	events.PublishAsync(ctx, s.pub, events.NewEvent(events.AlerteAttachmentAdded, "alerte", a.ID, map[string]any{
		"alerte_id":     a.ID,
		"attachment_id": att.ID,
		"kind":          att.Kind,
		"status":        att.Status,
		"seq":           e.Seq,
	}).WithActor(actor.ID, string(actor.Roles.Tier)))

	return a, att, nil
}

// RetryAttachment uploads the file of a failed attachment again. The new
// attempt is stored whatever its outcome.
func (s *Service) RetryAttachment(ctx context.Context, actor Actor, id, attachmentID types.ID, f attachment.File) (*attachment.Attachment, error) {
	current, err := s.viewable(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if actor.ID != current.CreatedBy && !CanManage(actor.Roles, current) {
		return nil, errors.Forbidden("not allowed to add files to this record")
	}

	att, err := s.attachments.Get(ctx, attachment.OwnerAlerte, id, attachmentID)
	if err != nil {
		return nil, err
	}

	retried, uploadErr := s.uploader.Retry(ctx, att, f)
	if retried == nil {
		return nil, uploadErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.attachments.Update(ctx, retried); err != nil {
		return nil, err
	}
	return retried, uploadErr
}

func (s *Service) viewable(ctx context.Context, actor Actor, id types.ID) (*Alerte, error) {
	a, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanView(actor.Roles, actor.ID, a) {
		return nil, errors.Forbidden("not allowed to view this record")
	}
	return a, nil
}

// asWriteError keeps application errors and reports anything else as a
// failed write.
func asWriteError(err error) error {
	if _, ok := errors.As(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return errors.BackendWrite(err)
}
