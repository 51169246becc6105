package infrastructure

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/autonome-sdmis/platform/internal/alerte/domain"
	"github.com/autonome-sdmis/platform/internal/attachment"
	"github.com/autonome-sdmis/platform/internal/shared/database"
	"github.com/autonome-sdmis/platform/internal/shared/errors"
	"github.com/autonome-sdmis/platform/internal/shared/types"
)

const alerteColumns = `id, type, lieu, description, gravite, anonyme, statut, classification,
	created_by, comment_interne, event_count, created_at, updated_at`

// PostgresRepository implements domain.Repository using PostgreSQL
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

var _ domain.Repository = (*PostgresRepository)(nil)

func scanAlerte(row pgx.Row) (*domain.Alerte, error) {
	a := &domain.Alerte{}
	err := row.Scan(
		&a.ID, &a.Type, &a.Lieu, &a.Description, &a.Gravite, &a.Anonyme, &a.Statut, &a.Classification,
		&a.CreatedBy, &a.CommentInterne, &a.EventCount, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Attachments = []attachment.Attachment{}
	return a, nil
}

// Create stores a new record, its events and attachments
func (r *PostgresRepository) Create(ctx context.Context, a *domain.Alerte, events []domain.Event) error {
	err := database.InTx(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO alerte (`+alerteColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			a.ID, a.Type, a.Lieu, a.Description, a.Gravite, a.Anonyme, a.Statut, a.Classification,
			a.CreatedBy, a.CommentInterne, a.EventCount, a.CreatedAt, a.UpdatedAt,
		)
		if err != nil {
			return errors.BackendWrite(err)
		}

		for i := range a.Attachments {
			if err := attachment.Insert(ctx, tx, &a.Attachments[i]); err != nil {
				return err
			}
		}
		for i := range events {
			if err := insertEvent(ctx, tx, &events[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return writeError(err)
	}
	return nil
}

// FindByID finds a record by ID, with its attachments
func (r *PostgresRepository) FindByID(ctx context.Context, id types.ID) (*domain.Alerte, error) {
	a, err := scanAlerte(r.pool.QueryRow(ctx, `SELECT `+alerteColumns+` FROM alerte WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("alerte", id.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find alerte")
	}

	atts, err := attachment.ListByOwner(ctx, r.pool, attachment.OwnerAlerte, id)
	if err != nil {
		return nil, err
	}
	if atts != nil {
		a.Attachments = atts
	}
	return a, nil
}

// List lists the records matching the visibility predicate and filters,
// newest first
func (r *PostgresRepository) List(ctx context.Context, pred domain.Predicate, filter domain.ListFilter) ([]domain.Alerte, int, error) {
	var conditions []string
	var args []interface{}
	argNum := 1

	if pred.CreatedBy != nil {
		conditions = append(conditions, fmt.Sprintf("created_by = $%d", argNum))
		args = append(args, *pred.CreatedBy)
		argNum++
	}

	if pred.Classification != nil {
		conditions = append(conditions, fmt.Sprintf("classification = $%d", argNum))
		args = append(args, *pred.Classification)
		argNum++
	}

	if filter.Statut != nil {
		conditions = append(conditions, fmt.Sprintf("statut = $%d", argNum))
		args = append(args, *filter.Statut)
		argNum++
	}

	if filter.Search != "" {
		conditions = append(conditions, fmt.Sprintf("(type ILIKE $%d OR lieu ILIKE $%d OR description ILIKE $%d)", argNum, argNum, argNum))
		args = append(args, "%"+filter.Search+"%")
		argNum++
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM alerte "+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count alertes")
	}

	limit := 50
	if filter.Limit > 0 && filter.Limit <= 100 {
		limit = filter.Limit
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM alerte
		%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`, alerteColumns, whereClause, argNum, argNum+1)
	args = append(args, limit, max(filter.Offset, 0))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list alertes")
	}
	defer rows.Close()

	var alertes []domain.Alerte
	for rows.Next() {
		a, err := scanAlerte(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, "failed to scan alerte")
		}
		alertes = append(alertes, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.Wrap(err, "failed to list alertes")
	}

	return alertes, total, nil
}

// Events returns the log of a record ordered by sequence number
func (r *PostgresRepository) Events(ctx context.Context, id types.ID) ([]domain.Event, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, alerte_id, seq, type, statut, comment, attachment_id, actor_id, created_at
		FROM alerte_events
		WHERE alerte_id = $1
		ORDER BY seq`, id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get alerte events")
	}
	defer rows.Close()

	events := []domain.Event{}
	for rows.Next() {
		var e domain.Event
		var statut, comment *string
		var attachmentID *types.ID
		if err := rows.Scan(&e.ID, &e.AlerteID, &e.Seq, &e.Type, &statut, &comment, &attachmentID, &e.ActorID, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan alerte event")
		}
		if statut != nil {
			e.Statut = domain.Status(*statut)
		}
		if comment != nil {
			e.Comment = *comment
		}
		if attachmentID != nil {
			e.AttachmentID = *attachmentID
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Mutate locks the record, applies m and stores the result with its event
func (r *PostgresRepository) Mutate(ctx context.Context, id types.ID, m domain.Mutation) (*domain.Alerte, domain.Event, error) {
	return r.MutateWithAttachment(ctx, id, nil, m)
}

// MutateWithAttachment is Mutate that also stores att in the same
// transaction. The row lock serializes writers, so the next sequence number
// read from event_count is never taken twice.
func (r *PostgresRepository) MutateWithAttachment(ctx context.Context, id types.ID, att *attachment.Attachment, m domain.Mutation) (*domain.Alerte, domain.Event, error) {
	var (
		result *domain.Alerte
		event  domain.Event
	)

	err := database.InTx(ctx, r.pool, func(tx pgx.Tx) error {
		a, err := scanAlerte(tx.QueryRow(ctx, `SELECT `+alerteColumns+` FROM alerte WHERE id = $1 FOR UPDATE`, id))
		if err == pgx.ErrNoRows {
			return errors.NotFound("alerte", id.String())
		}
		if err != nil {
			return errors.Wrap(err, "failed to lock alerte")
		}

		atts, err := attachment.ListByOwner(ctx, tx, attachment.OwnerAlerte, id)
		if err != nil {
			return err
		}
		if atts != nil {
			a.Attachments = atts
		}

		e, err := m(a)
		if err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `
			UPDATE alerte SET statut = $2, comment_interne = $3, event_count = $4, updated_at = $5
			WHERE id = $1`,
			a.ID, a.Statut, a.CommentInterne, a.EventCount, a.UpdatedAt,
		)
		if err != nil {
			return errors.BackendWrite(err)
		}
		if tag.RowsAffected() == 0 {
			return errors.NotFound("alerte", id.String())
		}

		if att != nil {
			if err := attachment.Insert(ctx, tx, att); err != nil {
				return err
			}
		}
		if err := insertEvent(ctx, tx, &e); err != nil {
			return err
		}

		a.Events = nil
		result, event = a, e
		return nil
	})
	if err != nil {
		return nil, domain.Event{}, writeError(err)
	}
	return result, event, nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, e *domain.Event) error {
	var statut, comment *string
	var attachmentID *types.ID
	if e.Statut != "" {
		s := string(e.Statut)
		statut = &s
	}
	if e.Comment != "" {
		comment = &e.Comment
	}
	if !e.AttachmentID.IsZero() {
		attachmentID = &e.AttachmentID
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO alerte_events (id, alerte_id, seq, type, statut, comment, attachment_id, actor_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.AlerteID, e.Seq, e.Type, statut, comment, attachmentID, e.ActorID, e.CreatedAt,
	)
	if err != nil {
		return errors.BackendWrite(err)
	}
	return nil
}

// writeError keeps application errors raised inside a transaction and
// reports begin/commit failures as failed writes.
func writeError(err error) error {
	if _, ok := errors.As(err); ok {
		return err
	}
	return errors.BackendWrite(err)
}
