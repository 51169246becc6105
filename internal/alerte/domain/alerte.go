package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/autonome-sdmis/platform/internal/attachment"
	"github.com/autonome-sdmis/platform/internal/auth"
	"github.com/autonome-sdmis/platform/internal/shared/errors"
	"github.com/autonome-sdmis/platform/internal/shared/types"
)

// Status is the lifecycle label of an incident record
type Status string

const (
	StatusNouvelle Status = "nouvelle"
	StatusEnCours  Status = "en_cours"
	StatusAnalyse  Status = "analyse"
	StatusCloturee Status = "cloturee"
)

// InitialStatus is the status every record is created with
const InitialStatus = StatusEnCours

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusNouvelle, StatusEnCours, StatusAnalyse, StatusCloturee:
		return true
	}
	return false
}

// ParseStatus validates a status string
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

// Alerte is an incident record. Its classification is set from the
// creator at creation time and never changes.
type Alerte struct {
	ID             types.ID            `json:"id"`
	Type           string              `json:"type"`
	Lieu           string              `json:"lieu"`
	Description    string              `json:"description"`
	Gravite        string              `json:"gravite"`
	Anonyme        bool                `json:"anonyme"`
	Statut         Status              `json:"statut"`
	Classification auth.Classification `json:"classification"`
	CreatedBy      types.ID            `json:"created_by,omitempty"`
	CommentInterne string              `json:"comment_interne,omitempty"`
	EventCount     int                 `json:"event_count"`

	Events      []Event                 `json:"events,omitempty"`
	Attachments []attachment.Attachment `json:"attachments"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateFields are the fields a member fills in to report an incident
type CreateFields struct {
	Type        string `json:"type"`
	Lieu        string `json:"lieu"`
	Description string `json:"description"`
	Gravite     string `json:"gravite"`
	Anonyme     bool   `json:"anonyme"`
}

// NewAlerte validates the fields and builds a record owned by the creator's
// classification, together with its creation event.
func NewAlerte(fields CreateFields, creatorID types.ID, classification auth.Classification) (*Alerte, Event, error) {
	fields.Type = strings.TrimSpace(fields.Type)
	fields.Lieu = strings.TrimSpace(fields.Lieu)
	fields.Description = strings.TrimSpace(fields.Description)
	fields.Gravite = strings.TrimSpace(fields.Gravite)

	details := map[string]string{}
	if fields.Type == "" {
		details["type"] = "is required"
	}
	if fields.Lieu == "" {
		details["lieu"] = "is required"
	}
	if fields.Description == "" {
		details["description"] = "is required"
	}
	if fields.Gravite == "" {
		details["gravite"] = "is required"
	}
	if !classification.Valid() {
		details["classification"] = "your classification (SPP/PATS) is unknown"
	}
	if creatorID.IsZero() {
		details["created_by"] = "is required"
	}
	if len(details) > 0 {
		return nil, Event{}, errors.Validation("validation failed", details)
	}

	now := time.Now().UTC()
	a := &Alerte{
		ID:             types.NewID(),
		Type:           fields.Type,
		Lieu:           fields.Lieu,
		Description:    fields.Description,
		Gravite:        fields.Gravite,
		Anonyme:        fields.Anonyme,
		Statut:         InitialStatus,
		Classification: classification,
		CreatedBy:      creatorID,
		Attachments:    []attachment.Attachment{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	created := a.appendEvent(EventCreation, creatorID, now)
	created.Statut = a.Statut
	return a, *created, nil
}

// ChangeStatus sets a new status and returns the event recording it.
// Setting the current status again is allowed and logged. Reopening a
// closed record is reserved to admins.
func (a *Alerte) ChangeStatus(roles auth.Roles, actorID types.ID, status Status) (Event, error) {
	if !CanManage(roles, a) {
		return Event{}, errors.Forbidden("not allowed to manage this record")
	}
	if !status.Valid() {
		return Event{}, errors.Validation("validation failed", map[string]string{
			"statut": fmt.Sprintf("must be one of %s, %s, %s, %s", StatusNouvelle, StatusEnCours, StatusAnalyse, StatusCloturee),
		})
	}
	if a.Statut == StatusCloturee && status != StatusCloturee && !roles.IsAdmin() {
		return Event{}, errors.Forbidden("only an admin may reopen a closed record")
	}

	now := time.Now().UTC()
	a.Statut = status
	e := a.appendEvent(EventStatut, actorID, now)
	e.Statut = status
	return *e, nil
}

// AddInternalComment replaces the internal comment and returns the event
// recording it. The event carries the full text.
func (a *Alerte) AddInternalComment(roles auth.Roles, actorID types.ID, text string) (Event, error) {
	if !CanManage(roles, a) {
		return Event{}, errors.Forbidden("not allowed to manage this record")
	}
	if strings.TrimSpace(text) == "" {
		return Event{}, errors.Validation("validation failed", map[string]string{"comment": "is required"})
	}

	now := time.Now().UTC()
	a.CommentInterne = text
	e := a.appendEvent(EventCommentaire, actorID, now)
	e.Comment = text
	return *e, nil
}

// AttachFile records an attachment added to the record. The creator and
// anyone allowed to manage the record may add files.
func (a *Alerte) AttachFile(roles auth.Roles, actorID types.ID, att *attachment.Attachment) (Event, error) {
	if actorID != a.CreatedBy && !CanManage(roles, a) {
		return Event{}, errors.Forbidden("not allowed to add files to this record")
	}

	now := time.Now().UTC()
	a.Attachments = append(a.Attachments, *att)
	e := a.appendEvent(EventPieceJointe, actorID, now)
	e.AttachmentID = att.ID
	return *e, nil
}

// appendEvent adds the next event of the log and returns it for the caller
// to fill in. The sequence number follows the stored event count, which
// repositories read under a row lock.
func (a *Alerte) appendEvent(t EventType, actorID types.ID, now time.Time) *Event {
	a.EventCount++
	a.UpdatedAt = now
	a.Events = append(a.Events, Event{
		ID:        types.NewID(),
		AlerteID:  a.ID,
		Seq:       a.EventCount,
		Type:      t,
		ActorID:   actorID,
		CreatedAt: now,
	})
	return &a.Events[len(a.Events)-1]
}

// Redacted returns the record as the viewer may see it: the creator of an
// anonymous record is hidden from everyone but the creator and admins.
func (a Alerte) Redacted(roles auth.Roles, viewerID types.ID) Alerte {
	if !hidesCreator(&a, roles, viewerID) {
		return a
	}
	a.Events = RedactEvents(&a, a.Events, roles, viewerID)
	a.CreatedBy = ""
	return a
}

// RedactEvents hides the creator's identity in the events of an anonymous
// record, under the same rule as Redacted.
func RedactEvents(a *Alerte, events []Event, roles auth.Roles, viewerID types.ID) []Event {
	if !hidesCreator(a, roles, viewerID) || len(events) == 0 {
		return events
	}
	out := make([]Event, len(events))
	copy(out, events)
	for i := range out {
		if out[i].ActorID == a.CreatedBy {
			out[i].ActorID = ""
		}
	}
	return out
}

func hidesCreator(a *Alerte, roles auth.Roles, viewerID types.ID) bool {
	return a.Anonyme && viewerID != a.CreatedBy && !roles.IsAdmin()
}
