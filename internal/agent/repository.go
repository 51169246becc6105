package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/autonome-sdmis/platform/internal/auth"
	"github.com/autonome-sdmis/platform/internal/shared/errors"
	"github.com/autonome-sdmis/platform/internal/shared/types"
)

// Store is the persistence the service needs
type Store interface {
	Provision(ctx context.Context, req ProvisionRequest) (*Agent, error)
	Get(ctx context.Context, id types.ID) (*Agent, error)
	Update(ctx context.Context, agent *Agent) (*Agent, error)
	List(ctx context.Context, filter ListFilter) ([]Agent, int, error)
}

// Repository provides database operations for member profiles
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new agent repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const agentColumns = `id, email, pseudo, first_name, last_name, classification, tier,
	phone, avatar_url, created_at, updated_at`

func scanAgent(row pgx.Row) (*Agent, error) {
	var (
		a              Agent
		classification *string
		phone          *string
		avatar         *string
	)
	err := row.Scan(
		&a.ID, &a.Email, &a.Pseudo, &a.FirstName, &a.LastName, &classification, &a.Tier,
		&phone, &avatar, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if classification != nil {
		a.Classification = auth.Classification(*classification)
	}
	if phone != nil {
		a.Phone = types.Phone(*phone)
	}
	if avatar != nil {
		a.AvatarURL = *avatar
	}
	return &a, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Provision inserts the profile if it does not exist yet and returns the
// stored row either way.
func (r *Repository) Provision(ctx context.Context, req ProvisionRequest) (*Agent, error) {
	query := `
		INSERT INTO agents (id, email, pseudo, first_name, last_name, classification, tier)
		VALUES ($1, $2, $3, $4, $5, $6, 'agent')
		ON CONFLICT (id) DO NOTHING`

	_, err := r.pool.Exec(ctx, query,
		req.ID, req.Email, req.Pseudo, req.FirstName, req.LastName, nullable(string(req.Classification)),
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return nil, errors.Conflict("a member with this email already exists")
		}
		return nil, errors.Wrap(err, "failed to provision agent")
	}

	return r.Get(ctx, req.ID)
}

// Get retrieves a profile by ID
func (r *Repository) Get(ctx context.Context, id types.ID) (*Agent, error) {
	a, err := scanAgent(r.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("agent", id.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get agent")
	}
	return a, nil
}

// Update writes the mutable profile fields and returns the stored row
func (r *Repository) Update(ctx context.Context, agent *Agent) (*Agent, error) {
	query := `
		UPDATE agents SET
			pseudo = $2, first_name = $3, last_name = $4, classification = $5,
			tier = $6, phone = $7, avatar_url = $8, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + agentColumns

	updated, err := scanAgent(r.pool.QueryRow(ctx, query,
		agent.ID, agent.Pseudo, agent.FirstName, agent.LastName, nullable(string(agent.Classification)),
		agent.Tier, nullable(agent.Phone.String()), nullable(agent.AvatarURL),
	))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("agent", agent.ID.String())
	}
	if err != nil {
		return nil, errors.BackendWrite(err)
	}
	return updated, nil
}

// List lists profiles with optional filters
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Agent, int, error) {
	var conditions []string
	var args []interface{}
	argNum := 1

	if filter.Classification != nil {
		conditions = append(conditions, fmt.Sprintf("classification = $%d", argNum))
		args = append(args, *filter.Classification)
		argNum++
	}

	if filter.Tier != nil {
		conditions = append(conditions, fmt.Sprintf("tier = $%d", argNum))
		args = append(args, *filter.Tier)
		argNum++
	}

	if filter.Search != "" {
		conditions = append(conditions, fmt.Sprintf(
			"(pseudo ILIKE $%d OR first_name ILIKE $%d OR last_name ILIKE $%d OR email ILIKE $%d)",
			argNum, argNum, argNum, argNum))
		args = append(args, "%"+filter.Search+"%")
		argNum++
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM agents "+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count agents")
	}

	limit := 50
	if filter.Limit > 0 && filter.Limit <= 100 {
		limit = filter.Limit
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM agents
		%s
		ORDER BY last_name, first_name
		LIMIT $%d OFFSET $%d`, agentColumns, whereClause, argNum, argNum+1)

	args = append(args, limit, max(filter.Offset, 0))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list agents")
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, "failed to scan agent")
		}
		agents = append(agents, *a)
	}

	return agents, total, rows.Err()
}

// LoadRoles reads classification and tier for the role resolver
func (r *Repository) LoadRoles(ctx context.Context, userID types.ID) (auth.Roles, error) {
	var classification *string
	var tier string
	err := r.pool.QueryRow(ctx, `SELECT classification, tier FROM agents WHERE id = $1`, userID).
		Scan(&classification, &tier)
	if err == pgx.ErrNoRows {
		return auth.Roles{}, auth.ErrProfileNotFound
	}
	if err != nil {
		return auth.Roles{}, fmt.Errorf("failed to load roles: %w", err)
	}

	roles := auth.Roles{Tier: auth.Tier(tier)}
	if classification != nil {
		roles.Classification = auth.Classification(*classification)
	}
	return roles, nil
}

var _ Store = (*Repository)(nil)
var _ auth.RoleLoader = (*Repository)(nil)
