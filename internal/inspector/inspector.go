// Package inspector summarises the Parquet exports in a directory with DuckDB:
// schema, row count, payload bytes and the time span they cover.
package inspector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb"
)

// Columns with special meaning when present in an export.
const (
	sizeColumn      = "file_size"
	timestampColumn = "event_timestamp"
)

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Summary describes one Parquet file.
type Summary struct {
	Path      string
	Schema    string
	Columns   []string
	Rows      int64
	Bytes     sql.NullInt64 // sum of file_size, if the column exists
	MinTime   sql.NullTime  // event_timestamp bounds, if the column exists
	MaxTime   sql.NullTime
	SchemaErr error
	StatsErr  error
}

func (s *Summary) hasColumn(name string) bool {
	for _, c := range s.Columns {
		if strings.EqualFold(c, name) {
			return true
		}
	}
	return false
}

// Inspect summarises every *.parquet file in dir. Per-file failures are
// recorded on the summary and joined into the returned error.
func Inspect(ctx context.Context, db querier, dir string, logger *slog.Logger) ([]Summary, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.parquet"))
	if err != nil {
		return nil, fmt.Errorf("failed glob parquet files in %s: %w", dir, err)
	}
	if len(files) == 0 {
		logger.Info("No *.parquet files found.", "dir", dir)
		return nil, nil
	}
	sort.Strings(files)
	logger.Info("Found parquet files to summarize.", slog.Int("count", len(files)), slog.String("dir", dir))

	summaries := make([]Summary, 0, len(files))
	var errs []error
	for _, fp := range files {
		l := logger.With(slog.String("file", filepath.Base(fp)))
		s := Summary{Path: fp}
		s.Schema, s.Columns, s.SchemaErr = getSchemaAndColumns(ctx, db, fp)
		if s.SchemaErr != nil {
			l.Error("Failed getting schema.", "error", s.SchemaErr)
		}

		bytesExpr, minExpr, maxExpr := "NULL::BIGINT", "NULL::TIMESTAMP", "NULL::TIMESTAMP"
		if s.hasColumn(sizeColumn) {
			bytesExpr = fmt.Sprintf("sum(%s)::BIGINT", sizeColumn)
		}
		if s.hasColumn(timestampColumn) {
			minExpr = fmt.Sprintf("min(%s)::TIMESTAMP", timestampColumn)
			maxExpr = fmt.Sprintf("max(%s)::TIMESTAMP", timestampColumn)
		}
		statsSQL := fmt.Sprintf(`SELECT count(*), %s, %s, %s FROM read_parquet(%s);`, bytesExpr, minExpr, maxExpr, quotePath(fp))
		l.Debug("Executing stats query", slog.String("sql", statsSQL))
		if err := db.QueryRowContext(ctx, statsSQL).Scan(&s.Rows, &s.Bytes, &s.MinTime, &s.MaxTime); err != nil {
			s.StatsErr = fmt.Errorf("query stats for %s: %w", fp, err)
			l.Error("Failed getting statistics.", "error", err)
		}
		errs = append(errs, s.SchemaErr, s.StatsErr)
		summaries = append(summaries, s)
	}
	return summaries, errors.Join(errs...)
}

// Display prints summaries as schema blocks followed by a statistics table.
func Display(w io.Writer, summaries []Summary) {
	fmt.Fprintln(w, "--- Parquet Export Summary ---")
	for _, s := range summaries {
		fmt.Fprintf(w, "\n=== %s ===\n", filepath.Base(s.Path))
		switch {
		case s.SchemaErr != nil:
			fmt.Fprintf(w, "    ERROR retrieving schema: %v\n", s.SchemaErr)
		case s.Schema == "":
			fmt.Fprintln(w, "    (Schema not found or file empty)")
		default:
			for _, line := range strings.Split(s.Schema, "\n") {
				fmt.Fprintf(w, "    %s\n", line)
			}
		}
	}

	fmt.Fprintln(w, "\n--- Statistics ---")
	fmt.Fprintf(w, "%-30s | %-10s | %-14s | %-25s | %-25s | %s\n", "File", "Rows", "Bytes", "First (UTC)", "Last (UTC)", "Errors")
	fmt.Fprintln(w, strings.Repeat("-", 130))
	for _, s := range summaries {
		bytesStr, minStr, maxStr := "N/A", "N/A", "N/A"
		if s.Bytes.Valid {
			bytesStr = fmt.Sprintf("%d", s.Bytes.Int64)
		}
		if s.MinTime.Valid {
			minStr = s.MinTime.Time.UTC().Format(time.RFC3339)
		}
		if s.MaxTime.Valid {
			maxStr = s.MaxTime.Time.UTC().Format(time.RFC3339)
		}
		errStr := ""
		switch {
		case s.SchemaErr != nil && s.StatsErr != nil:
			errStr = "Schema & Stats Error"
		case s.SchemaErr != nil:
			errStr = "Schema Error"
		case s.StatsErr != nil:
			errStr = "Stats Error"
		}
		fmt.Fprintf(w, "%-30s | %-10d | %-14s | %-25s | %-25s | %s\n", filepath.Base(s.Path), s.Rows, bytesStr, minStr, maxStr, errStr)
	}
	fmt.Fprintln(w, strings.Repeat("-", 130))
}

func quotePath(p string) string {
	return "'" + strings.ReplaceAll(filepath.ToSlash(p), "'", "''") + "'"
}

func getSchemaAndColumns(ctx context.Context, db querier, filePath string) (string, []string, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("DESCRIBE SELECT * FROM read_parquet(%s);", quotePath(filePath)))
	if err != nil {
		return "", nil, fmt.Errorf("query schema for %s: %w", filePath, err)
	}
	defer rows.Close()

	var b strings.Builder
	fmt.Fprintf(&b, "%-30s | %-20s | %s\n", "Column Name", "Column Type", "Null")
	b.WriteString(strings.Repeat("-", 60) + "\n")
	var columns []string
	for rows.Next() {
		var colName, colType, nullVal, keyVal, defaultVal, extraVal sql.NullString
		if err := rows.Scan(&colName, &colType, &nullVal, &keyVal, &defaultVal, &extraVal); err != nil {
			return "", nil, fmt.Errorf("scan schema row for %s: %w", filePath, err)
		}
		fmt.Fprintf(&b, "%-30s | %-20s | %s\n", colName.String, colType.String, nullVal.String)
		if colName.Valid {
			columns = append(columns, colName.String)
		}
	}
	if err := rows.Err(); err != nil {
		return "", nil, fmt.Errorf("iterate schema rows for %s: %w", filePath, err)
	}
	if len(columns) == 0 {
		return "", nil, nil
	}
	return strings.TrimRight(b.String(), "\n"), columns, nil
}
