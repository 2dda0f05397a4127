package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/brensch/dicomstage/internal/domain"
)

// MetadataRepository persists the manifest projection in session_files.
type MetadataRepository struct {
	db *sql.DB
}

func NewMetadataRepository(db *sql.DB) *MetadataRepository {
	return &MetadataRepository{db: db}
}

// ReplaceFiles overwrites the stored projection with files in one transaction.
func (r *MetadataRepository) ReplaceFiles(ctx context.Context, files []domain.PersistedFile) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin session metadata tx: %w", err)
	}
	defer tx.Rollback() // Rollback is safe even after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_files;`); err != nil {
		return fmt.Errorf("clear session metadata: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO session_files (file_id, position, file_name, file_size, anonymized, metadata, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?);
    `)
	if err != nil {
		return fmt.Errorf("prepare session metadata insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, f := range files {
		var meta sql.NullString
		if f.Metadata != nil {
			b, err := json.Marshal(f.Metadata)
			if err != nil {
				return fmt.Errorf("encode metadata for %s: %w", f.ID, err)
			}
			meta = sql.NullString{String: string(b), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, f.ID, f.Position, f.FileName, f.FileSize, f.Anonymized, meta, now); err != nil {
			return fmt.Errorf("insert session metadata for %s: %w", f.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit session metadata: %w", err)
	}
	return nil
}

// LoadFiles returns the stored projection in manifest order.
func (r *MetadataRepository) LoadFiles(ctx context.Context) ([]domain.PersistedFile, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT file_id, position, file_name, file_size, anonymized, metadata
        FROM session_files
        ORDER BY position, file_id;
    `)
	if err != nil {
		return nil, fmt.Errorf("query session metadata: %w", err)
	}
	defer rows.Close()

	var files []domain.PersistedFile
	for rows.Next() {
		var (
			f    domain.PersistedFile
			meta sql.NullString
		)
		if err := rows.Scan(&f.ID, &f.Position, &f.FileName, &f.FileSize, &f.Anonymized, &meta); err != nil {
			return nil, fmt.Errorf("scan session metadata row: %w", err)
		}
		if meta.Valid && meta.String != "" {
			f.Metadata = &domain.FileMetadata{}
			if err := json.Unmarshal([]byte(meta.String), f.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata for %s: %w", f.ID, err)
			}
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session metadata: %w", err)
	}
	return files, nil
}

func (r *MetadataRepository) ClearFiles(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM session_files;`); err != nil {
		return fmt.Errorf("clear session metadata: %w", err)
	}
	return nil
}
