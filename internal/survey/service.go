package survey

import (
	"context"
	"math"
	"time"

	"github.com/apex/log"

	"github.com/autonome-sdmis/platform/internal/gate"
	"github.com/autonome-sdmis/platform/internal/shared/errors"
	"github.com/autonome-sdmis/platform/internal/shared/events"
	"github.com/autonome-sdmis/platform/internal/shared/metrics"
	"github.com/autonome-sdmis/platform/internal/shared/types"
)

// View is a survey as shown to a member
type View struct {
	Survey
	Open  bool `json:"open"`
	Voted bool `json:"voted"`
}

// OptionResult is the tally of one option
type OptionResult struct {
	ID      string `json:"id"`
	Label   string `json:"label"`
	Votes   int    `json:"votes"`
	Percent int    `json:"percent"`
}

// Results is the tally of a survey
type Results struct {
	SurveyID string         `json:"survey_id"`
	Question string         `json:"question"`
	Total    int            `json:"total"`
	Options  []OptionResult `json:"options"`
}

// Service runs votes against the catalog
type Service struct {
	catalog *Catalog
	store   Store
	secret  []byte
	pub     events.Publisher
	now     func() time.Time
}

// NewService creates a new survey service. voterSecret keys the voter
// keys and must stay out of the database. pub may be nil.
func NewService(catalog *Catalog, store Store, voterSecret string, pub events.Publisher) *Service {
	return &Service{catalog: catalog, store: store, secret: []byte(voterSecret), pub: pub, now: time.Now}
}

// VoterKey is the opaque key a member's ballot is stored under. It is the
// same for every vote of a member in a survey, which enforces one vote per
// member without storing the member. It cannot be recomputed from the
// member id without secret.
func VoterKey(secret []byte, surveyID string, userID types.ID) types.ID {
	return types.NewKeyedID(secret, surveyID, userID.String())
}

func (s *Service) voterKey(surveyID string, userID types.ID) types.ID {
	return VoterKey(s.secret, surveyID, userID)
}

// Active lists the open surveys, marking those the caller already voted in
func (s *Service) Active(ctx context.Context, p *gate.Principal) ([]View, error) {
	surveys := s.catalog.Active(s.now())

	out := make([]View, 0, len(surveys))
	for _, sv := range surveys {
		voted, err := s.store.HasVoted(ctx, sv.ID, s.voterKey(sv.ID, p.UserID))
		if err != nil {
			return nil, err
		}
		out = append(out, View{Survey: sv, Open: true, Voted: voted})
	}
	return out, nil
}

// Get returns a survey, open or not
func (s *Service) Get(ctx context.Context, p *gate.Principal, id string) (*View, error) {
	sv, ok := s.catalog.Get(id)
	if !ok {
		return nil, errors.NotFound("survey", id)
	}

	voted, err := s.store.HasVoted(ctx, sv.ID, s.voterKey(sv.ID, p.UserID))
	if err != nil {
		return nil, err
	}
	return &View{Survey: sv, Open: sv.Active(s.now()), Voted: voted}, nil
}

// Vote records the caller's choice. The member's identity and tier are
// stored only for delegates and admins voting in a named survey.
func (s *Service) Vote(ctx context.Context, p *gate.Principal, surveyID, optionID string) (*Ballot, error) {
	sv, ok := s.catalog.Get(surveyID)
	if !ok {
		return nil, errors.NotFound("survey", surveyID)
	}

	now := s.now()
	if !sv.Active(now) {
		return nil, errors.Conflict("this survey is closed")
	}
	if optionID == "" {
		return nil, errors.Validation("validation failed", map[string]string{"option_id": "is required"})
	}
	if _, ok := sv.Option(optionID); !ok {
		return nil, errors.Validation("validation failed", map[string]string{"option_id": "is not an option of this survey"})
	}

	b := &Ballot{
		SurveyID: sv.ID,
		VoterKey: s.voterKey(sv.ID, p.UserID),
		OptionID: optionID,
		VotedAt:  now.UTC(),
	}
	identified := !sv.Anonymous && p.Roles.IsStaffRep()
	if identified {
		id, tier := p.UserID, p.Roles.Tier
		b.VoterID = &id
		b.Tier = &tier
	}

	if err := s.store.Insert(ctx, b); err != nil {
		return nil, err
	}

	metrics.RecordSurveyVote(sv.ID)
	log.WithFields(log.Fields{"survey_id": sv.ID, "identified": identified}).Info("survey vote recorded")

	event := events.NewEvent(events.SurveyVoted, "survey", "", map[string]any{
		"survey_id": sv.ID,
		"option_id": optionID,
	})
	if identified {
		event = event.WithActor(p.UserID, string(p.Roles.Tier))
	}
	events.PublishAsync(ctx, s.pub, event)

	return b, nil
}

// Results tallies a survey. Percentages are rounded; they are zero when
// nobody voted.
func (s *Service) Results(ctx context.Context, id string) (*Results, error) {
	sv, ok := s.catalog.Get(id)
	if !ok {
		return nil, errors.NotFound("survey", id)
	}

	counts, err := s.store.Counts(ctx, sv.ID)
	if err != nil {
		return nil, err
	}

	res := &Results{SurveyID: sv.ID, Question: sv.Question, Options: make([]OptionResult, 0, len(sv.Options))}
	for _, o := range sv.Options {
		res.Total += counts[o.ID]
	}
	for _, o := range sv.Options {
		r := OptionResult{ID: o.ID, Label: o.Label, Votes: counts[o.ID]}
		if res.Total > 0 {
			r.Percent = int(math.Round(float64(r.Votes) * 100 / float64(res.Total)))
		}
		res.Options = append(res.Options, r)
	}
	return res, nil
}
