// Package inventory exports the manifest as a Parquet table, one row per file.
package inventory

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/brensch/dicomstage/internal/domain"
)

// DefaultFileName is used when ExportManifest is given a directory.
const DefaultFileName = "manifest.parquet"

type column struct {
	name  string
	typ   string
	value func(f domain.StoredFile) (string, bool)
}

func meta(f domain.StoredFile, get func(*domain.FileMetadata) string) (string, bool) {
	if f.Metadata == nil {
		return "", false
	}
	v := get(f.Metadata)
	return v, v != ""
}

var columns = []column{
	{"file_id", "BYTE_ARRAY", func(f domain.StoredFile) (string, bool) { return f.ID, true }},
	{"file_name", "BYTE_ARRAY", func(f domain.StoredFile) (string, bool) { return f.FileName, true }},
	{"file_size", "INT64", func(f domain.StoredFile) (string, bool) { return strconv.FormatInt(f.FileSize, 10), true }},
	{"anonymized", "BOOLEAN", func(f domain.StoredFile) (string, bool) { return strconv.FormatBool(f.Anonymized), true }},
	{"placeholder", "BOOLEAN", func(f domain.StoredFile) (string, bool) { return strconv.FormatBool(f.Placeholder), true }},
	{"restore_error", "BYTE_ARRAY", func(f domain.StoredFile) (string, bool) { return f.RestoreError, f.RestoreError != "" }},
	{"patient_id", "BYTE_ARRAY", func(f domain.StoredFile) (string, bool) {
		return meta(f, func(m *domain.FileMetadata) string { return m.PatientID })
	}},
	{"patient_name", "BYTE_ARRAY", func(f domain.StoredFile) (string, bool) {
		return meta(f, func(m *domain.FileMetadata) string { return m.PatientName })
	}},
	{"study_instance_uid", "BYTE_ARRAY", func(f domain.StoredFile) (string, bool) {
		return meta(f, func(m *domain.FileMetadata) string { return m.StudyInstanceUID })
	}},
	{"study_date", "BYTE_ARRAY", func(f domain.StoredFile) (string, bool) {
		return meta(f, func(m *domain.FileMetadata) string { return m.StudyDate })
	}},
	{"study_description", "BYTE_ARRAY", func(f domain.StoredFile) (string, bool) {
		return meta(f, func(m *domain.FileMetadata) string { return m.StudyDescription })
	}},
	{"series_instance_uid", "BYTE_ARRAY", func(f domain.StoredFile) (string, bool) {
		return meta(f, func(m *domain.FileMetadata) string { return m.SeriesInstanceUID })
	}},
	{"series_description", "BYTE_ARRAY", func(f domain.StoredFile) (string, bool) {
		return meta(f, func(m *domain.FileMetadata) string { return m.SeriesDescription })
	}},
	{"modality", "BYTE_ARRAY", func(f domain.StoredFile) (string, bool) {
		return meta(f, func(m *domain.FileMetadata) string { return m.Modality })
	}},
	{"sop_instance_uid", "BYTE_ARRAY", func(f domain.StoredFile) (string, bool) {
		return meta(f, func(m *domain.FileMetadata) string { return m.SOPInstanceUID })
	}},
	{"instance_number", "BYTE_ARRAY", func(f domain.StoredFile) (string, bool) {
		return meta(f, func(m *domain.FileMetadata) string { return m.InstanceNumber })
	}},
	{"transfer_syntax_uid", "BYTE_ARRAY", func(f domain.StoredFile) (string, bool) {
		return meta(f, func(m *domain.FileMetadata) string { return m.TransferSyntaxUID })
	}},
}

func schema() []string {
	out := make([]string, len(columns))
	for i, c := range columns {
		if c.typ == "BYTE_ARRAY" {
			out[i] = fmt.Sprintf("name=%s, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL", c.name)
		} else {
			out[i] = fmt.Sprintf("name=%s, type=%s, repetitiontype=OPTIONAL", c.name, c.typ)
		}
	}
	return out
}

// ExportManifest writes files to path as Parquet. If path is an existing
// directory the file is named DefaultFileName inside it. It returns the
// written path.
func ExportManifest(files []domain.StoredFile, path string, logger *slog.Logger) (out string, err error) {
	if info, statErr := os.Stat(path); statErr == nil && info.IsDir() {
		path = filepath.Join(path, DefaultFileName)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create export directory: %w", err)
	}

	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return "", fmt.Errorf("create parquet file %s: %w", path, err)
	}
	defer func() {
		if closeErr := fw.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("close %s: %w", path, closeErr))
		}
	}()

	pw, err := writer.NewCSVWriter(schema(), fw, 4)
	if err != nil {
		return "", fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, f := range files {
		rec := make([]*string, len(columns))
		for i, c := range columns {
			if v, ok := c.value(f); ok {
				rec[i] = &v
			}
		}
		if err := pw.WriteString(rec); err != nil {
			pw.WriteStop()
			return "", fmt.Errorf("write row for %s: %w", f.ID, err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return "", fmt.Errorf("finish parquet file %s: %w", path, err)
	}

	logger.Info("Manifest exported to Parquet.", slog.String("path", path), slog.Int("rows", len(files)))
	return path, nil
}
