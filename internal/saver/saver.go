package saver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/marcboeker/go-duckdb" // Register DuckDB driver
)

// DefaultTables are the DuckDB tables written by SaveTablesToParquet when no
// explicit list is given.
var DefaultTables = []string{"event_log", "session_files"}

// SaveTablesToParquet writes each table to <outputDir>/<table>.parquet with
// DuckDB's COPY TO and returns the written paths.
func SaveTablesToParquet(ctx context.Context, db *sql.DB, outputDir string, tables []string, logger *slog.Logger) ([]string, error) {
	if len(tables) == 0 {
		tables = DefaultTables
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory '%s': %w", outputDir, err)
	}
	logger.Info("Saving tables to Parquet.", slog.String("dir", outputDir), slog.Int("tables", len(tables)))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		written []string
		errs    []error
	)
	for _, tableName := range tables {
		if ctx.Err() != nil {
			logger.Warn("Context cancelled before saving all tables.", "error", ctx.Err())
			break
		}

		wg.Add(1)
		go func(tn string) {
			defer wg.Done()
			l := logger.With(slog.String("table", tn))

			safeFilename := strings.ReplaceAll(tn, `"`, "")
			safeFilename = strings.ReplaceAll(safeFilename, "/", "_")
			outputFilePath := filepath.Join(outputDir, safeFilename+".parquet")
			duckdbFilePath := strings.ReplaceAll(outputFilePath, `\`, `/`) // DuckDB needs forward slashes

			quotedTableName := fmt.Sprintf(`"%s"`, strings.ReplaceAll(tn, `"`, `""`))
			copySQL := fmt.Sprintf(`COPY %s TO '%s' (FORMAT PARQUET);`,
				quotedTableName,
				strings.ReplaceAll(duckdbFilePath, "'", "''"),
			)

			l.Debug("Executing COPY TO command.", slog.String("output_path", outputFilePath))
			if _, err := db.ExecContext(ctx, copySQL); err != nil {
				l.Error("Failed to save table to Parquet.", "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("save %s: %w", tn, err))
				mu.Unlock()
				return
			}
			l.Info("Saved table to Parquet.", slog.String("output_path", outputFilePath))
			mu.Lock()
			written = append(written, outputFilePath)
			mu.Unlock()
		}(tableName)
	}
	wg.Wait()

	if ctx.Err() != nil {
		errs = append(errs, ctx.Err())
	}
	return written, errors.Join(errs...)
}
