// Package packaging re-assembles selected studies into zip archives no larger
// than a configured ceiling.
package packaging

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/flate"

	"github.com/brensch/dicomstage/internal/domain"
	"github.com/brensch/dicomstage/internal/grouping"
)

// DefaultCeiling is 1.8 GiB.
const DefaultCeiling int64 = 1932735283

const (
	singleArchiveName = "dicom_studies.zip"
	partArchiveFormat = "dicom_studies_part_%d_of_%d.zip"
)

// FileSource is the read side of the durable store.
type FileSource interface {
	ListFiles(ctx context.Context) ([]string, error)
	LoadFile(ctx context.Context, id string) ([]byte, error)
}

// Archive is one finished zip.
type Archive struct {
	Name         string
	Data         []byte
	Entries      []string
	FileIDs      []string
	PayloadBytes int64
}

type Packager struct {
	source  FileSource
	ceiling int64
	level   int
	logger  *slog.Logger
}

type Option func(*Packager)

// WithCeiling sets the per-archive payload limit in bytes.
func WithCeiling(n int64) Option {
	return func(p *Packager) {
		if n > 0 {
			p.ceiling = n
		}
	}
}

// WithCompressionLevel sets the deflate level (flate.NoCompression through
// flate.BestCompression).
func WithCompressionLevel(level int) Option {
	return func(p *Packager) { p.level = level }
}

func New(source FileSource, logger *slog.Logger, opts ...Option) *Packager {
	p := &Packager{
		source:  source,
		ceiling: DefaultCeiling,
		level:   flate.BestSpeed,
		logger:  logger.With(slog.String("component", "packaging")),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type entry struct {
	path string
	file domain.StoredFile
}

// PackageStudies builds archives holding every stored file of the selected
// studies. If the selection matches nothing a single empty archive is
// returned. Files are packed greedily in tree order: a new part starts when
// the next file would push the current one past the ceiling. A file larger
// than the ceiling gets a part of its own.
func (p *Packager) PackageStudies(ctx context.Context, allFiles []domain.StoredFile, studyIDs []string) ([]Archive, error) {
	selected := grouping.Select(grouping.Group(allFiles), studyIDs)
	if len(selected) == 0 {
		p.logger.Warn("No studies matched selection, producing empty archive.", "study_ids", studyIDs)
		a, err := p.build(ctx, singleArchiveName, nil)
		if err != nil {
			return nil, err
		}
		return []Archive{a}, nil
	}

	stored, err := p.source.ListFiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("list stored files: %w", err)
	}
	available := make(map[string]bool, len(stored))
	for _, id := range stored {
		available[id] = true
	}

	entries := p.collect(selected, available)
	parts := p.split(entries)

	archives := make([]Archive, 0, len(parts))
	for i, part := range parts {
		name := singleArchiveName
		if len(parts) > 1 {
			name = fmt.Sprintf(partArchiveFormat, i+1, len(parts))
		}
		a, err := p.build(ctx, name, part)
		if err != nil {
			return archives, err
		}
		archives = append(archives, a)
	}
	p.logger.Info("Studies packaged.", slog.Int("studies", len(selected)), slog.Int("archives", len(archives)), slog.Int("files", len(entries)))
	return archives, nil
}

// collect lists the archive entries of studies in tree order, skipping files
// the store no longer holds.
func (p *Packager) collect(studies []domain.Study, available map[string]bool) []entry {
	var entries []entry
	used := make(map[string]int)
	for _, st := range studies {
		for _, se := range st.Series {
			dir := path.Join(Sanitize(st.PatientID), Sanitize(st.StudyInstanceUID), Sanitize(se.SeriesInstanceUID))
			for _, f := range se.Files {
				if !available[f.ID] {
					p.logger.Warn("File missing from local store, skipping.", "file_id", f.ID, "file", f.FileName)
					continue
				}
				entries = append(entries, entry{path: uniquePath(used, path.Join(dir, Sanitize(f.FileName))), file: f})
			}
		}
	}
	return entries
}

func (p *Packager) split(entries []entry) [][]entry {
	var (
		parts   [][]entry
		current []entry
		size    int64
	)
	for _, e := range entries {
		if e.file.FileSize > p.ceiling {
			p.logger.Warn("File exceeds archive ceiling, packaging it alone.",
				"file", e.file.FileName, slog.Int64("bytes", e.file.FileSize), slog.Int64("ceiling", p.ceiling))
		}
		if len(current) > 0 && size+e.file.FileSize > p.ceiling {
			parts = append(parts, current)
			current, size = nil, 0
		}
		current = append(current, e)
		size += e.file.FileSize
	}
	if len(current) > 0 {
		parts = append(parts, current)
	}
	return parts
}

func (p *Packager) build(ctx context.Context, name string, entries []entry) (Archive, error) {
	a := Archive{Name: name}
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, p.level)
	})

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return a, err
		}
		data, err := p.source.LoadFile(ctx, e.file.ID)
		if err != nil {
			p.logger.Warn("Failed to load file for archive, skipping.", "file_id", e.file.ID, "error", err)
			continue
		}
		w, err := zw.CreateHeader(&zip.FileHeader{Name: e.path, Method: zip.Deflate})
		if err != nil {
			return a, fmt.Errorf("add %s to %s: %w", e.path, name, err)
		}
		if _, err := w.Write(data); err != nil {
			return a, fmt.Errorf("write %s to %s: %w", e.path, name, err)
		}
		a.Entries = append(a.Entries, e.path)
		a.FileIDs = append(a.FileIDs, e.file.ID)
		a.PayloadBytes += int64(len(data))
	}
	if err := zw.Close(); err != nil {
		return a, fmt.Errorf("finish %s: %w", name, err)
	}
	a.Data = buf.Bytes()
	return a, nil
}

// uniquePath appends _2, _3, ... before the extension of repeated paths.
func uniquePath(used map[string]int, p string) string {
	used[p]++
	n := used[p]
	if n == 1 {
		return p
	}
	ext := path.Ext(p)
	candidate := fmt.Sprintf("%s_%d%s", strings.TrimSuffix(p, ext), n, ext)
	for used[candidate] > 0 {
		n++
		candidate = fmt.Sprintf("%s_%d%s", strings.TrimSuffix(p, ext), n, ext)
	}
	used[candidate]++
	return candidate
}

// WriteArchives writes archives into dir and returns their paths.
func WriteArchives(dir string, archives []Archive) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory %s: %w", dir, err)
	}
	var paths []string
	for _, a := range archives {
		out := filepath.Join(dir, a.Name)
		if err := os.WriteFile(out, a.Data, 0o644); err != nil {
			return paths, fmt.Errorf("write %s: %w", out, err)
		}
		paths = append(paths, out)
	}
	return paths, nil
}
