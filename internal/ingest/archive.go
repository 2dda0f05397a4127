package ingest

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"path/filepath"
	"strings"

	"github.com/brensch/dicomstage/internal/domain"
)

var zipSignature = []byte("PK\x03\x04")

func isArchive(in RawInput) bool {
	return strings.EqualFold(filepath.Ext(in.Name), ".zip") || bytes.HasPrefix(in.Data, zipSignature)
}

// skipMember reports archive entries that are never DICOM payloads.
func skipMember(f *zip.File) bool {
	if f.FileInfo().IsDir() {
		return true
	}
	name := strings.ReplaceAll(f.Name, "\\", "/")
	if strings.HasPrefix(name, "__MACOSX/") || strings.Contains(name, "/__MACOSX/") {
		return true
	}
	return strings.HasPrefix(path.Base(name), ".")
}

// expandArchive returns the members of a zip in archive order. Nested
// archives are returned as plain members. An unreadable archive yields a
// single failure; an unreadable member fails only that member.
func expandArchive(in RawInput, logger *slog.Logger) ([]blob, []error) {
	l := logger.With(slog.String("archive", in.Name))
	zr, err := zip.NewReader(bytes.NewReader(in.Data), int64(len(in.Data)))
	if err != nil {
		l.Error("Failed to open archive.", "error", err)
		return nil, []error{&domain.ProcessingError{Stage: "extract", Item: in.Name, Err: err}}
	}

	var (
		members  []blob
		failures []error
	)
	for _, f := range zr.File {
		if skipMember(f) {
			continue
		}
		data, err := readMember(f)
		if err != nil {
			l.Warn("Failed to read archive member.", "member", f.Name, "error", err)
			failures = append(failures, &domain.ProcessingError{Stage: "extract", Item: in.Name + ":" + f.Name, Err: err})
			continue
		}
		members = append(members, blob{name: path.Base(strings.ReplaceAll(f.Name, "\\", "/")), data: data})
	}
	l.Debug("Archive expanded.", slog.Int("members", len(members)), slog.Int("failures", len(failures)))
	return members, failures
}

func readMember(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open member: %w", err)
	}
	data, readErr := io.ReadAll(rc)
	closeErr := rc.Close()
	if err := errors.Join(readErr, closeErr); err != nil {
		return nil, fmt.Errorf("read member: %w", err)
	}
	return data, nil
}
