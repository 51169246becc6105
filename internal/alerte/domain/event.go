package domain

import (
	"time"

	"github.com/autonome-sdmis/platform/internal/shared/types"
)

// EventType discriminates the entries of a record's log
type EventType string

const (
	EventCreation    EventType = "creation"
	EventStatut      EventType = "statut"
	EventCommentaire EventType = "commentaire"
	EventPieceJointe EventType = "piece_jointe"
)

// Event is an immutable entry of a record's append-only log. Seq starts at
// 1 and has no gaps.
type Event struct {
	ID           types.ID  `json:"id"`
	AlerteID     types.ID  `json:"alerte_id"`
	Seq          int       `json:"seq"`
	Type         EventType `json:"type"`
	Statut       Status    `json:"statut,omitempty"`
	Comment      string    `json:"comment,omitempty"`
	AttachmentID types.ID  `json:"attachment_id,omitempty"`
	ActorID      types.ID  `json:"actor_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
