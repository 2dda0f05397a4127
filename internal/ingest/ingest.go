// Package ingest turns raw uploads into stored, parsed files.
//
// A batch runs in three stages: archives are expanded, every blob is parsed,
// and every parsed file is written (and verified) in the durable store. A
// failure is recorded against the item and the batch carries on; only a
// batch that yields no usable file at all is an error.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/brensch/dicomstage/internal/dicom"
	"github.com/brensch/dicomstage/internal/domain"
)

// RawInput is one user-supplied file: a DICOM blob or a zip of them.
type RawInput struct {
	Name string
	Data []byte
}

// Saver is the part of the durable store the pipeline writes through.
type Saver interface {
	SaveFile(ctx context.Context, id string, data []byte) error
}

// BatchResult holds the files that made it through and the per-item failures.
type BatchResult struct {
	Files    []domain.StoredFile
	Failures []error
}

// Err joins every recorded failure, or returns nil.
func (r *BatchResult) Err() error {
	return errors.Join(r.Failures...)
}

type Pipeline struct {
	parser dicom.Parser
	saver  Saver
	logger *slog.Logger
	newID  func() string
}

func New(parser dicom.Parser, saver Saver, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		parser: parser,
		saver:  saver,
		logger: logger.With(slog.String("component", "ingest")),
		newID:  uuid.NewString,
	}
}

type blob struct {
	name string
	data []byte
}

type parsed struct {
	blob
	meta *domain.FileMetadata
}

// ProcessBatch expands, parses and stores inputs. Files are returned in input
// order, archive members in archive order. onProgress may be nil.
func (p *Pipeline) ProcessBatch(ctx context.Context, inputs []RawInput, onProgress func(Progress)) (*BatchResult, error) {
	start := time.Now()
	progress := newTracker(onProgress)
	result := &BatchResult{}
	p.logger.Info("Starting ingest batch.", slog.Int("inputs", len(inputs)))

	// --- Stage 1: expand archives ---
	var blobs []blob
	for i, in := range inputs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if isArchive(in) {
			members, failures := expandArchive(in, p.logger)
			blobs = append(blobs, members...)
			result.Failures = append(result.Failures, failures...)
		} else {
			blobs = append(blobs, blob{name: in.Name, data: in.Data})
		}
		progress.report(StageExtract, i+1, len(inputs), in.Name)
	}

	// --- Stage 2: parse ---
	var ok []parsed
	for i, b := range blobs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		meta, err := p.parser.Parse(b.data)
		if err != nil {
			p.logger.Warn("Skipping file that failed to parse.", "file", b.name, "error", err)
			result.Failures = append(result.Failures, &domain.ProcessingError{Stage: "parse", Item: b.name, Err: err})
		} else {
			ok = append(ok, parsed{blob: b, meta: meta})
		}
		progress.report(StageParse, i+1, len(blobs), b.name)
	}

	// --- Stage 3: store ---
	for i, f := range ok {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		id := p.newID()
		if err := p.saver.SaveFile(ctx, id, f.data); err != nil {
			p.logger.Error("Failed to store file.", "file", f.name, "file_id", id, "error", err)
			var perr *domain.PersistenceError
			if !errors.As(err, &perr) {
				err = &domain.PersistenceError{Op: "save", ID: id, Err: err}
			}
			result.Failures = append(result.Failures, fmt.Errorf("%s: %w", f.name, err))
		} else {
			result.Files = append(result.Files, domain.StoredFile{
				ID:       id,
				FileName: f.name,
				FileSize: int64(len(f.data)),
				Data:     f.data,
				Metadata: f.meta,
			})
		}
		progress.report(StageStore, i+1, len(ok), f.name)
	}
	progress.finish()

	p.logger.Info("Ingest batch finished.",
		slog.Int("files", len(result.Files)),
		slog.Int("failures", len(result.Failures)),
		slog.Duration("duration", time.Since(start).Round(time.Millisecond)))

	if len(result.Files) == 0 {
		if len(result.Failures) == 0 {
			return result, domain.ErrNoUsableFiles
		}
		return result, fmt.Errorf("%w: %w", domain.ErrNoUsableFiles, result.Err())
	}
	return result, nil
}
