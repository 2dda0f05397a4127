package inventory

import (
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/marcboeker/go-duckdb"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"github.com/brensch/dicomstage/internal/domain"
)

func TestExportManifest(t *testing.T) {
	files := []domain.StoredFile{
		{ID: "a", FileName: "IM1.dcm", FileSize: 100, Anonymized: true, Metadata: &domain.FileMetadata{PatientID: "P1", StudyInstanceUID: "1.2", Modality: "CT"}},
		{ID: "b", FileName: "IM2.dcm", FileSize: 200, Metadata: &domain.FileMetadata{PatientID: "P1", StudyInstanceUID: "1.2"}},
		{ID: "c", FileName: "IM3.dcm", FileSize: 50, Placeholder: true, RestoreError: "file not found in local store"},
	}
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	path, err := ExportManifest(files, dir, logger)
	if err != nil {
		t.Fatalf("ExportManifest() error = %v", err)
	}
	if path != filepath.Join(dir, DefaultFileName) {
		t.Errorf("ExportManifest() path = %s", path)
	}

	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		t.Fatal(err)
	}
	pr, err := reader.NewParquetReader(fr, nil, 1)
	if err != nil {
		fr.Close()
		t.Fatal(err)
	}
	rows := pr.GetNumRows()
	pr.ReadStop()
	fr.Close()
	if rows != int64(len(files)) {
		t.Errorf("parquet rows = %d, want %d", rows, len(files))
	}

	conn, err := sql.Open("duckdb", "")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	query := fmt.Sprintf(`SELECT sum(file_size)::BIGINT, count(*) FILTER (WHERE anonymized), count(*) FILTER (WHERE placeholder), count(patient_id)
		FROM read_parquet('%s')`, strings.ReplaceAll(filepath.ToSlash(path), "'", "''"))
	var total, anonymized, placeholders, withPatient int64
	if err := conn.QueryRow(query).Scan(&total, &anonymized, &placeholders, &withPatient); err != nil {
		t.Fatalf("read back parquet: %v", err)
	}
	if total != 350 || anonymized != 1 || placeholders != 1 || withPatient != 2 {
		t.Errorf("read back = size %d anonymized %d placeholders %d patients %d", total, anonymized, placeholders, withPatient)
	}
}

func TestExportManifestEmpty(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	path := filepath.Join(t.TempDir(), "nested", "inv.parquet")
	got, err := ExportManifest(nil, path, logger)
	if err != nil {
		t.Fatalf("ExportManifest(nil) error = %v", err)
	}
	if got != path {
		t.Errorf("path = %s, want %s", got, path)
	}
}
