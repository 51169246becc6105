package domain

import (
	"context"

	"github.com/autonome-sdmis/platform/internal/attachment"
	"github.com/autonome-sdmis/platform/internal/shared/types"
)

// Mutation changes a record loaded under lock and returns the event that
// records the change. Returning an error aborts without writing.
type Mutation func(a *Alerte) (Event, error)

// Repository defines the persistence of incident records. Every write
// stores the record and its new events in one transaction.
type Repository interface {
	// Create stores a new record, its events and attachments
	Create(ctx context.Context, a *Alerte, events []Event) error
	FindByID(ctx context.Context, id types.ID) (*Alerte, error)
	List(ctx context.Context, pred Predicate, filter ListFilter) ([]Alerte, int, error)
	Events(ctx context.Context, id types.ID) ([]Event, error)

	// Mutate locks the record, applies m and appends its event
	Mutate(ctx context.Context, id types.ID, m Mutation) (*Alerte, Event, error)
	// MutateWithAttachment is Mutate that also stores att
	MutateWithAttachment(ctx context.Context, id types.ID, att *attachment.Attachment, m Mutation) (*Alerte, Event, error)
}

// ListFilter defines filters for listing records
type ListFilter struct {
	Statut *Status `json:"statut,omitempty"`
	Search string  `json:"search,omitempty"`
	Limit  int     `json:"limit,omitempty"`
	Offset int     `json:"offset,omitempty"`
}
