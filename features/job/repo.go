package job

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("failed upload not found")

type Repository interface {
	Save(ctx context.Context, f *FailedUpload) error
	List(ctx context.Context) ([]FailedUpload, error)
	Get(ctx context.Context, id string) (*FailedUpload, error)
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
	MarkRetried(ctx context.Context, id string, cause string) error
	DeleteAll(ctx context.Context) (int, error)
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

// Save inserts the failure, replacing an earlier entry for the same point.
func (r *PostgresRepo) Save(ctx context.Context, f *FailedUpload) error {
	query := `INSERT INTO failed_uploads (point_id, object_name, source, content_type, image, error, run_id)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (point_id) DO UPDATE SET object_name = EXCLUDED.object_name, source = EXCLUDED.source,
	content_type = EXCLUDED.content_type, image = EXCLUDED.image, error = EXCLUDED.error, run_id = EXCLUDED.run_id
RETURNING id, created_at, retries`
	return r.db.QueryRowContext(ctx, query, int64(f.PointID), f.ObjectName, f.Source, f.ContentType, f.Image, f.Error, f.RunID).
		Scan(&f.ID, &f.CreatedAt, &f.Retries)
}

// List omits the stored image bytes.
func (r *PostgresRepo) List(ctx context.Context) ([]FailedUpload, error) {
	query := `SELECT id, point_id, object_name, source, content_type, error, run_id, retries, created_at FROM failed_uploads ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FailedUpload
	for rows.Next() {
		var f FailedUpload
		var pointID int64
		if err := rows.Scan(&f.ID, &pointID, &f.ObjectName, &f.Source, &f.ContentType, &f.Error, &f.RunID, &f.Retries, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.PointID = uint64(pointID)
		out = append(out, f)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (*FailedUpload, error) {
	f := &FailedUpload{}
	var pointID int64
	query := `SELECT id, point_id, object_name, source, content_type, image, error, run_id, retries, created_at FROM failed_uploads WHERE id = $1`
	err := r.db.QueryRowContext(ctx, query, id).
		Scan(&f.ID, &pointID, &f.ObjectName, &f.Source, &f.ContentType, &f.Image, &f.Error, &f.RunID, &f.Retries, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	f.PointID = uint64(pointID)
	return f, nil
}

func (r *PostgresRepo) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM failed_uploads WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id)
	return err
}

func (r *PostgresRepo) Count(ctx context.Context) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM failed_uploads`
	err := r.db.QueryRowContext(ctx, query).Scan(&count)
	return count, err
}

func (r *PostgresRepo) MarkRetried(ctx context.Context, id string, cause string) error {
	query := `UPDATE failed_uploads SET retries = retries + 1, error = $2 WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id, cause)
	return err
}

func (r *PostgresRepo) DeleteAll(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM failed_uploads`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
