package contribution

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/autonome-sdmis/platform/internal/attachment"
	"github.com/autonome-sdmis/platform/internal/shared/database"
	"github.com/autonome-sdmis/platform/internal/shared/errors"
	"github.com/autonome-sdmis/platform/internal/shared/types"
)

// Store is the persistence used by the service
type Store interface {
	Create(ctx context.Context, c *Contribution) error
	Get(ctx context.Context, id types.ID) (*Contribution, error)
	List(ctx context.Context, filter ListFilter) ([]Contribution, int, error)
	// React increments one counter atomically and returns all counters
	React(ctx context.Context, id types.ID, kind ReactionKind) (Reactions, error)
	AddComment(ctx context.Context, c *Comment) error
	SetResponse(ctx context.Context, id types.ID, resp Response) error
}

const columns = `id, type, title, description, impact, tags, created_by,
	response_text, response_status, response_by, response_updated_at, created_at, updated_at`

// Repository implements Store using PostgreSQL
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new contribution repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

func scanContribution(row pgx.Row) (*Contribution, error) {
	c := &Contribution{}
	var (
		respText, respStatus *string
		respBy               *types.ID
		respAt               *time.Time
	)
	err := row.Scan(
		&c.ID, &c.Type, &c.Title, &c.Description, &c.Impact, &c.Tags, &c.CreatedBy,
		&respText, &respStatus, &respBy, &respAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if respStatus != nil {
		c.Response = &Response{Status: ResponseStatus(*respStatus)}
		if respText != nil {
			c.Response.Text = *respText
		}
		if respBy != nil {
			c.Response.ResponderID = *respBy
		}
		if respAt != nil {
			c.Response.UpdatedAt = *respAt
		}
	}
	if c.Tags == nil {
		c.Tags = []string{}
	}
	c.Comments = []Comment{}
	c.Attachments = []attachment.Attachment{}
	return c, nil
}

// Create stores a contribution and its attachments
func (r *Repository) Create(ctx context.Context, c *Contribution) error {
	err := database.InTx(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO contributions (id, type, title, description, impact, tags, created_by, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			c.ID, c.Type, c.Title, c.Description, c.Impact, c.Tags, c.CreatedBy, c.CreatedAt, c.UpdatedAt,
		)
		if err != nil {
			return errors.BackendWrite(err)
		}

		for i := range c.Attachments {
			if err := attachment.Insert(ctx, tx, &c.Attachments[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if _, ok := errors.As(err); ok {
			return err
		}
		return errors.BackendWrite(err)
	}
	return nil
}

// Get returns a contribution with its counters, comments and attachments
func (r *Repository) Get(ctx context.Context, id types.ID) (*Contribution, error) {
	c, err := scanContribution(r.pool.QueryRow(ctx, `SELECT `+columns+` FROM contributions WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("contribution", id.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get contribution")
	}

	reactions, err := r.reactions(ctx, []types.ID{id})
	if err != nil {
		return nil, err
	}
	c.Reactions = reactions[id]

	if c.Comments, err = r.comments(ctx, id); err != nil {
		return nil, err
	}

	atts, err := attachment.ListByOwner(ctx, r.pool, attachment.OwnerContribution, id)
	if err != nil {
		return nil, err
	}
	if atts != nil {
		c.Attachments = atts
	}
	return c, nil
}

// List lists contributions with counters, without comments
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Contribution, int, error) {
	var conditions []string
	var args []interface{}
	argNum := 1

	if filter.Type != nil {
		conditions = append(conditions, fmt.Sprintf("c.type = $%d", argNum))
		args = append(args, *filter.Type)
		argNum++
	}

	if q := strings.TrimSpace(filter.Query); q != "" {
		conditions = append(conditions, fmt.Sprintf(
			"(c.title ILIKE $%d OR c.description ILIKE $%d OR EXISTS (SELECT 1 FROM unnest(c.tags) t WHERE t ILIKE $%d))",
			argNum, argNum, argNum))
		args = append(args, "%"+q+"%")
		argNum++
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM contributions c "+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count contributions")
	}

	var orderBy string
	switch filter.Sort {
	case SortRecent:
		orderBy = "c.created_at DESC"
	case SortTrending:
		orderBy = "CASE c.impact WHEN 'fort' THEN 2 WHEN 'modere' THEN 1 ELSE 0 END DESC, c.created_at DESC"
	default:
		orderBy = "reaction_total DESC, c.created_at DESC"
	}

	limit := 50
	if filter.Limit > 0 && filter.Limit <= 100 {
		limit = filter.Limit
	}

	query := fmt.Sprintf(`
		SELECT c.id, c.type, c.title, c.description, c.impact, c.tags, c.created_by,
			c.response_text, c.response_status, c.response_by, c.response_updated_at, c.created_at, c.updated_at
		FROM contributions c
		LEFT JOIN LATERAL (
			SELECT COALESCE(SUM(count), 0) AS reaction_total
			FROM contribution_reactions WHERE contribution_id = c.id
		) rt ON TRUE
		%s
		ORDER BY %s
		LIMIT $%d OFFSET $%d`, whereClause, orderBy, argNum, argNum+1)
	args = append(args, limit, max(filter.Offset, 0))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list contributions")
	}
	defer rows.Close()

	var out []Contribution
	var ids []types.ID
	for rows.Next() {
		c, err := scanContribution(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, "failed to scan contribution")
		}
		out = append(out, *c)
		ids = append(ids, c.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.Wrap(err, "failed to list contributions")
	}

	if len(ids) > 0 {
		reactions, err := r.reactions(ctx, ids)
		if err != nil {
			return nil, 0, err
		}
		for i := range out {
			out[i].Reactions = reactions[out[i].ID]
		}
	}

	return out, total, nil
}

func (r *Repository) reactions(ctx context.Context, ids []types.ID) (map[types.ID]Reactions, error) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = id.String()
	}

	rows, err := r.pool.Query(ctx, `
		SELECT contribution_id, kind, count
		FROM contribution_reactions
		WHERE contribution_id = ANY($1::uuid[])`, keys)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load reactions")
	}
	defer rows.Close()

	out := make(map[types.ID]Reactions, len(ids))
	for rows.Next() {
		var id types.ID
		var kind ReactionKind
		var n int
		if err := rows.Scan(&id, &kind, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan reaction")
		}
		counts := out[id]
		counts.Set(kind, n)
		out[id] = counts
	}
	return out, rows.Err()
}

func (r *Repository) comments(ctx context.Context, id types.ID) ([]Comment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, contribution_id, author_id, text, created_at
		FROM contribution_comments
		WHERE contribution_id = $1
		ORDER BY created_at`, id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load comments")
	}
	defer rows.Close()

	out := []Comment{}
	for rows.Next() {
		var c Comment
		if err := rows.Scan(&c.ID, &c.ContributionID, &c.AuthorID, &c.Text, &c.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan comment")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// React increments a counter with an upsert, so concurrent reactions never
// lose an increment
func (r *Repository) React(ctx context.Context, id types.ID, kind ReactionKind) (Reactions, error) {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO contribution_reactions (contribution_id, kind, count)
		VALUES ($1, $2, 1)
		ON CONFLICT (contribution_id, kind) DO UPDATE SET count = contribution_reactions.count + 1`,
		id, kind,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return Reactions{}, errors.NotFound("contribution", id.String())
		}
		return Reactions{}, errors.BackendWrite(err)
	}

	reactions, err := r.reactions(ctx, []types.ID{id})
	if err != nil {
		return Reactions{}, err
	}
	return reactions[id], nil
}

// AddComment appends a comment
func (r *Repository) AddComment(ctx context.Context, c *Comment) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO contribution_comments (id, contribution_id, author_id, text, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.ContributionID, c.AuthorID, c.Text, c.CreatedAt,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return errors.NotFound("contribution", c.ContributionID.String())
		}
		return errors.BackendWrite(err)
	}
	return nil
}

// SetResponse replaces the official answer
func (r *Repository) SetResponse(ctx context.Context, id types.ID, resp Response) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE contributions SET
			response_text = $2, response_status = $3, response_by = $4,
			response_updated_at = $5, updated_at = $5
		WHERE id = $1`,
		id, resp.Text, resp.Status, resp.ResponderID, resp.UpdatedAt,
	)
	if err != nil {
		return errors.BackendWrite(err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("contribution", id.String())
	}
	return nil
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return stderrors.As(err, &pgErr) && pgErr.Code == "23503"
}
