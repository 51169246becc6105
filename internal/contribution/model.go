// Package contribution holds member suggestions: ideas, needs and feedback
// that other members react to and staff representatives answer.
package contribution

import (
	"strings"
	"time"

	"github.com/autonome-sdmis/platform/internal/attachment"
	"github.com/autonome-sdmis/platform/internal/shared/types"
)

// Type is the kind of contribution
type Type string

const (
	TypeIdee       Type = "idee"
	TypeSolution   Type = "solution"
	TypeBesoin     Type = "besoin"
	TypeProbleme   Type = "probleme"
	TypeRetour     Type = "retour"
	TypeSuggestion Type = "suggestion"
)

// Impact is the expected impact declared by the author
type Impact string

const (
	ImpactFaible Impact = "faible"
	ImpactModere Impact = "modere"
	ImpactFort   Impact = "fort"
)

// ReactionKind is one of the fixed reactions
type ReactionKind string

const (
	ReactionLike      ReactionKind = "like"
	ReactionIdea      ReactionKind = "idea"
	ReactionImportant ReactionKind = "important"
	ReactionSame      ReactionKind = "same"
	ReactionView      ReactionKind = "view"
)

// ParseReaction validates a reaction kind
func ParseReaction(s string) (ReactionKind, bool) {
	switch k := ReactionKind(s); k {
	case ReactionLike, ReactionIdea, ReactionImportant, ReactionSame, ReactionView:
		return k, true
	}
	return "", false
}

// Reactions are the reaction counters of a contribution
type Reactions struct {
	Like      int `json:"like"`
	Idea      int `json:"idea"`
	Important int `json:"important"`
	Same      int `json:"same"`
	View      int `json:"view"`
}

// Set stores the counter of kind
func (r *Reactions) Set(kind ReactionKind, n int) {
	switch kind {
	case ReactionLike:
		r.Like = n
	case ReactionIdea:
		r.Idea = n
	case ReactionImportant:
		r.Important = n
	case ReactionSame:
		r.Same = n
	case ReactionView:
		r.View = n
	}
}

// Get returns the counter of kind
func (r Reactions) Get(kind ReactionKind) int {
	switch kind {
	case ReactionLike:
		return r.Like
	case ReactionIdea:
		return r.Idea
	case ReactionImportant:
		return r.Important
	case ReactionSame:
		return r.Same
	case ReactionView:
		return r.View
	}
	return 0
}

// Total sums all counters
func (r Reactions) Total() int {
	return r.Like + r.Idea + r.Important + r.Same + r.View
}

// ResponseStatus is the processing state set by a staff representative
type ResponseStatus string

const (
	ResponseNonTraitee ResponseStatus = "non-traitee"
	ResponseEnCours    ResponseStatus = "en-cours"
	ResponseTraitee    ResponseStatus = "traitee"
	ResponseRefusee    ResponseStatus = "refusee"
)

// Response is the official answer to a contribution
type Response struct {
	Text        string         `json:"text"`
	Status      ResponseStatus `json:"status"`
	ResponderID types.ID       `json:"responder_id"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Comment is an append-only remark on a contribution
type Comment struct {
	ID             types.ID  `json:"id"`
	ContributionID types.ID  `json:"contribution_id"`
	AuthorID       types.ID  `json:"author_id,omitempty"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"created_at"`
}

// Contribution is a member suggestion
type Contribution struct {
	ID          types.ID                `json:"id"`
	Type        Type                    `json:"type"`
	Title       string                  `json:"title"`
	Description string                  `json:"description"`
	Impact      Impact                  `json:"impact"`
	Tags        []string                `json:"tags"`
	CreatedBy   types.ID                `json:"created_by,omitempty"`
	Reactions   Reactions               `json:"reactions"`
	Comments    []Comment               `json:"comments"`
	Response    *Response               `json:"response,omitempty"`
	Attachments []attachment.Attachment `json:"attachments"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateRequest is the request to create a contribution
type CreateRequest struct {
	Type        string   `json:"type" validate:"required,oneof=idee solution besoin probleme retour suggestion"`
	Title       string   `json:"title" validate:"required,min=3,max=255"`
	Description string   `json:"description" validate:"required,min=5"`
	Impact      string   `json:"impact" validate:"omitempty,oneof=faible modere fort"`
	Tags        []string `json:"tags" validate:"max=20,dive,max=50"`
}

// normalize trims the text fields, drops blank and repeated tags and
// applies the default impact
func (r *CreateRequest) normalize() {
	r.Type = strings.TrimSpace(r.Type)
	r.Title = strings.TrimSpace(r.Title)
	r.Description = strings.TrimSpace(r.Description)
	r.Impact = strings.TrimSpace(r.Impact)
	if r.Impact == "" {
		r.Impact = string(ImpactModere)
	}
	r.Tags = NormalizeTags(r.Tags)
}

// NormalizeTags trims tags and removes blanks and case-insensitive
// duplicates, keeping the first spelling
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		key := strings.ToLower(t)
		if t == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	return out
}

// CommentRequest is the request to comment a contribution
type CommentRequest struct {
	Text string `json:"text" validate:"required,max=2000"`
}

// ResponseRequest is the request to answer a contribution
type ResponseRequest struct {
	Text   string `json:"text" validate:"required"`
	Status string `json:"status" validate:"required,oneof=non-traitee en-cours traitee refusee"`
}

// Sort orders a listing
type Sort string

const (
	// SortPopular orders by total reactions
	SortPopular Sort = "popular"
	// SortRecent orders by creation date
	SortRecent Sort = "recent"
	// SortTrending orders by declared impact
	SortTrending Sort = "trending"
)

// ListFilter defines filters for listing contributions
type ListFilter struct {
	Sort   Sort
	Query  string
	Type   *Type
	Limit  int
	Offset int
}
