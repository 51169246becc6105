package survey

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/autonome-sdmis/platform/internal/auth"
	"github.com/autonome-sdmis/platform/internal/shared/errors"
	"github.com/autonome-sdmis/platform/internal/shared/types"
)

// Ballot is a stored vote. VoterID and Tier are only set for identified
// votes.
type Ballot struct {
	SurveyID string     `json:"survey_id"`
	VoterKey types.ID   `json:"-"`
	OptionID string     `json:"option_id"`
	VoterID  *types.ID  `json:"voter_id,omitempty"`
	Tier     *auth.Tier `json:"tier,omitempty"`
	VotedAt  time.Time  `json:"voted_at"`
}

// Store persists ballots
type Store interface {
	// Insert stores a ballot; a second ballot with the same key conflicts
	Insert(ctx context.Context, b *Ballot) error
	HasVoted(ctx context.Context, surveyID string, voterKey types.ID) (bool, error)
	// Counts returns the number of ballots per option
	Counts(ctx context.Context, surveyID string) (map[string]int, error)
}

// Repository implements Store using PostgreSQL
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new ballot repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

// Insert stores a ballot
func (r *Repository) Insert(ctx context.Context, b *Ballot) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO survey_votes (survey_id, voter_key, option_id, voter_id, tier, voted_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		b.SurveyID, b.VoterKey, b.OptionID, b.VoterID, b.Tier, b.VotedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if stderrors.As(err, &pgErr) && pgErr.Code == "23505" {
			return errors.Conflict("you already voted in this survey")
		}
		return errors.BackendWrite(err)
	}
	return nil
}

// HasVoted reports whether a ballot exists for the voter key
func (r *Repository) HasVoted(ctx context.Context, surveyID string, voterKey types.ID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM survey_votes WHERE survey_id = $1 AND voter_key = $2)`,
		surveyID, voterKey,
	).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "failed to check vote")
	}
	return exists, nil
}

// Counts returns the number of ballots per option
func (r *Repository) Counts(ctx context.Context, surveyID string) (map[string]int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT option_id, COUNT(*)
		FROM survey_votes
		WHERE survey_id = $1
		GROUP BY option_id`, surveyID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count votes")
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var option string
		var n int
		if err := rows.Scan(&option, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan vote count")
		}
		counts[option] = n
	}
	return counts, rows.Err()
}
