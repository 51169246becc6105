package attachment

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/autonome-sdmis/platform/internal/shared/errors"
	"github.com/autonome-sdmis/platform/internal/shared/types"
)

// DBTX is satisfied by both a pool and a transaction, so parent
// repositories can write attachments inside their own transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository provides database operations for attachments
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new attachment repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const columns = `id, owner_type, owner_id, name, original_name, kind, size, content_type,
	bucket, storage_key, remote_url, status, error, created_at, updated_at`

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Insert stores a new attachment row
func Insert(ctx context.Context, db DBTX, a *Attachment) error {
	query := `
		INSERT INTO attachments (` + columns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err := db.Exec(ctx, query,
		a.ID, a.OwnerType, a.OwnerID, a.Name, a.OriginalName, a.Kind, a.Size, a.ContentType,
		a.Bucket, a.StorageKey, nullable(a.RemoteURL), a.Status, a.Error, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return errors.BackendWrite(err)
	}
	return nil
}

// ListByOwner returns the attachments of a record in upload order
func ListByOwner(ctx context.Context, db DBTX, owner OwnerType, ownerID types.ID) ([]Attachment, error) {
	rows, err := db.Query(ctx, `
		SELECT `+columns+`
		FROM attachments
		WHERE owner_type = $1 AND owner_id = $2
		ORDER BY created_at`, owner, ownerID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list attachments")
	}
	defer rows.Close()

	var out []Attachment
	for rows.Next() {
		a, err := scan(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan attachment")
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func scan(row pgx.Row) (*Attachment, error) {
	var a Attachment
	var remoteURL *string
	err := row.Scan(
		&a.ID, &a.OwnerType, &a.OwnerID, &a.Name, &a.OriginalName, &a.Kind, &a.Size, &a.ContentType,
		&a.Bucket, &a.StorageKey, &remoteURL, &a.Status, &a.Error, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if remoteURL != nil {
		a.RemoteURL = *remoteURL
	}
	return &a, nil
}

// Get retrieves an attachment of a given record
func (r *Repository) Get(ctx context.Context, owner OwnerType, ownerID, id types.ID) (*Attachment, error) {
	a, err := scan(r.pool.QueryRow(ctx, `
		SELECT `+columns+`
		FROM attachments
		WHERE id = $1 AND owner_type = $2 AND owner_id = $3`, id, owner, ownerID))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("attachment", id.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get attachment")
	}
	return a, nil
}

// Update records the outcome of an upload attempt. Rows already uploaded
// are never overwritten.
func (r *Repository) Update(ctx context.Context, a *Attachment) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE attachments SET
			size = $2, content_type = $3, storage_key = $4, remote_url = $5,
			status = $6, error = $7, updated_at = $8
		WHERE id = $1 AND status <> 'uploaded'`,
		a.ID, a.Size, a.ContentType, a.StorageKey, nullable(a.RemoteURL), a.Status, a.Error, a.UpdatedAt,
	)
	if err != nil {
		return errors.BackendWrite(err)
	}
	if result.RowsAffected() == 0 {
		return errors.Conflict("attachment is already uploaded")
	}
	return nil
}

// ListByOwner returns the attachments of a record
func (r *Repository) ListByOwner(ctx context.Context, owner OwnerType, ownerID types.ID) ([]Attachment, error) {
	return ListByOwner(ctx, r.pool, owner, ownerID)
}
