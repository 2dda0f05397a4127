// Package session persists the manifest across runs and restores it.
//
// File bytes live in the durable store; the lightweight projection of the
// manifest lives in the metadata store. Restore never aborts on a single
// missing file: the file comes back as a placeholder carrying the reason.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/brensch/dicomstage/internal/db"
	"github.com/brensch/dicomstage/internal/domain"
	"github.com/brensch/dicomstage/internal/grouping"
)

type FileStore interface {
	SaveFile(ctx context.Context, id string, data []byte) error
	LoadFile(ctx context.Context, id string) ([]byte, error)
	FileExists(ctx context.Context, id string) (bool, error)
	ClearAllFiles(ctx context.Context) error
}

type MetadataStore interface {
	ReplaceFiles(ctx context.Context, files []domain.PersistedFile) error
	LoadFiles(ctx context.Context) ([]domain.PersistedFile, error)
	ClearFiles(ctx context.Context) error
}

// EventRecorder receives restore warnings for the event log.
type EventRecorder interface {
	Log(ctx context.Context, e db.Event) error
}

type Manager struct {
	files  FileStore
	meta   MetadataStore
	events EventRecorder
	logger *slog.Logger
}

// New builds a Manager. events may be nil.
func New(files FileStore, meta MetadataStore, events EventRecorder, logger *slog.Logger) *Manager {
	return &Manager{
		files:  files,
		meta:   meta,
		events: events,
		logger: logger.With(slog.String("component", "session")),
	}
}

// Restored is the outcome of Restore.
type Restored struct {
	Files        []domain.StoredFile
	Studies      []domain.Study
	Placeholders int
}

// Persist stores any binary not yet in the durable store, then overwrites the
// persisted metadata with the projection of files. Placeholders and files
// without data are never written to the store but keep their metadata row.
func (m *Manager) Persist(ctx context.Context, files []domain.StoredFile) error {
	var errs []error
	for _, f := range files {
		if f.Placeholder || len(f.Data) == 0 {
			continue
		}
		exists, err := m.files.FileExists(ctx, f.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if exists {
			continue
		}
		if err := m.files.SaveFile(ctx, f.ID, f.Data); err != nil {
			m.logger.Error("Failed to persist file binary.", "file_id", f.ID, "file", f.FileName, "error", err)
			errs = append(errs, err)
		}
	}
	if err := m.meta.ReplaceFiles(ctx, domain.Project(files)); err != nil {
		errs = append(errs, &domain.PersistenceError{Op: "save", ID: "session metadata", Err: err})
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	m.logger.Debug("Session persisted.", slog.Int("files", len(files)))
	return nil
}

// Restore rebuilds the manifest from persisted metadata and stored binaries.
func (m *Manager) Restore(ctx context.Context) (*Restored, error) {
	persisted, err := m.meta.LoadFiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("load session metadata: %w", err)
	}

	out := &Restored{Files: make([]domain.StoredFile, 0, len(persisted))}
	for _, p := range persisted {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f := domain.StoredFile{
			ID:         p.ID,
			FileName:   p.FileName,
			FileSize:   p.FileSize,
			Metadata:   p.Metadata,
			Anonymized: p.Anonymized,
		}
		data, err := m.files.LoadFile(ctx, p.ID)
		if err != nil {
			f.Placeholder = true
			f.RestoreError = err.Error()
			out.Placeholders++
			m.logger.Warn("File could not be restored, keeping placeholder.", "file_id", p.ID, "file", p.FileName, "error", err)
			m.recordWarning(ctx, f)
		} else {
			f.Data = data
		}
		out.Files = append(out.Files, f)
	}
	out.Studies = grouping.Group(out.Files)

	m.logger.Info("Session restored.",
		slog.Int("files", len(out.Files)),
		slog.Int("studies", len(out.Studies)),
		slog.Int("placeholders", out.Placeholders))
	return out, nil
}

func (m *Manager) recordWarning(ctx context.Context, f domain.StoredFile) {
	if m.events == nil {
		return
	}
	err := m.events.Log(ctx, db.Event{
		Operation: db.OpRestore,
		Level:     db.LevelWarn,
		FileID:    f.ID,
		Item:      f.FileName,
		Message:   f.RestoreError,
	})
	if err != nil {
		m.logger.Warn("Failed to record restore warning.", "error", err)
	}
}

// Clear removes persisted metadata and every stored binary.
func (m *Manager) Clear(ctx context.Context) error {
	metaErr := m.meta.ClearFiles(ctx)
	storeErr := m.files.ClearAllFiles(ctx)
	if err := errors.Join(metaErr, storeErr); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	m.logger.Info("Session cleared.")
	return nil
}
