// Package manifest holds the flat list of ingested files and the study tree
// derived from it. The tree is rebuilt after every mutation and is never
// edited directly.
package manifest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brensch/dicomstage/internal/domain"
	"github.com/brensch/dicomstage/internal/grouping"
)

// PersistFunc is called with the new file list after each mutation.
type PersistFunc func(ctx context.Context, files []domain.StoredFile) error

type Option func(*Manifest)

// WithPersist installs the hook that saves the manifest after each change.
func WithPersist(fn PersistFunc) Option {
	return func(m *Manifest) { m.persist = fn }
}

// WithClock fixes the clock used for the unknown-study fallback.
func WithClock(now func() time.Time) Option {
	return func(m *Manifest) { m.now = now }
}

type Manifest struct {
	mu      sync.RWMutex
	files   []domain.StoredFile
	studies []domain.Study
	persist PersistFunc
	now     func() time.Time
	logger  *slog.Logger
}

func New(logger *slog.Logger, opts ...Option) *Manifest {
	m := &Manifest{
		now:    time.Now,
		logger: logger.With(slog.String("component", "manifest")),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Files returns a copy of the file list in arrival order.
func (m *Manifest) Files() []domain.StoredFile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.StoredFile, len(m.files))
	copy(out, m.files)
	return out
}

// Studies returns the current study tree.
func (m *Manifest) Studies() []domain.Study {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Study, len(m.studies))
	copy(out, m.studies)
	return out
}

// Study finds a study by composite id or bare StudyInstanceUID.
func (m *Manifest) Study(id string) (domain.Study, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, st := range m.studies {
		if st.Matches(id) {
			return st, nil
		}
	}
	return domain.Study{}, fmt.Errorf("study %q: %w", id, domain.ErrStudyNotFound)
}

func (m *Manifest) File(id string) (domain.StoredFile, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, f := range m.files {
		if f.ID == id {
			return f, true
		}
	}
	return domain.StoredFile{}, false
}

func (m *Manifest) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.files)
}

// Add appends files in the given order.
func (m *Manifest) Add(ctx context.Context, files ...domain.StoredFile) error {
	if len(files) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	next := make([]domain.StoredFile, 0, len(m.files)+len(files))
	next = append(next, m.files...)
	next = append(next, files...)
	return m.commit(ctx, next)
}

// Load sets the file list without invoking the persist hook.
func (m *Manifest) Load(files []domain.StoredFile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files = make([]domain.StoredFile, len(files))
	copy(m.files, files)
	m.studies = grouping.GroupAt(m.files, m.now())
}

// UpdateFiles replaces files by id, keeping their position. Unknown ids fail
// the whole update.
func (m *Manifest) UpdateFiles(ctx context.Context, updated []domain.StoredFile) error {
	if len(updated) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	index := make(map[string]int, len(m.files))
	for i, f := range m.files {
		index[f.ID] = i
	}
	next := make([]domain.StoredFile, len(m.files))
	copy(next, m.files)
	for _, f := range updated {
		i, ok := index[f.ID]
		if !ok {
			return fmt.Errorf("update file %s: %w", f.ID, domain.ErrNotFound)
		}
		next[i] = f
	}
	return m.commit(ctx, next)
}

// RemoveStudy drops every file of the matching study and returns their ids.
// The ids are returned even when the persist hook fails.
func (m *Manifest) RemoveStudy(ctx context.Context, studyID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var target *domain.Study
	for i := range m.studies {
		if m.studies[i].Matches(studyID) {
			target = &m.studies[i]
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("study %q: %w", studyID, domain.ErrStudyNotFound)
	}

	drop := make(map[string]bool)
	for _, se := range target.Series {
		for _, f := range se.Files {
			drop[f.ID] = true
		}
	}
	next := make([]domain.StoredFile, 0, len(m.files))
	removed := make([]string, 0, len(drop))
	for _, f := range m.files {
		if drop[f.ID] {
			removed = append(removed, f.ID)
			continue
		}
		next = append(next, f)
	}
	return removed, m.commit(ctx, next)
}

// Clear empties the manifest.
func (m *Manifest) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commit(ctx, nil)
}

// commit regroups and persists. The in-memory state advances even when the
// persist hook fails so the caller sees what it just did.
func (m *Manifest) commit(ctx context.Context, next []domain.StoredFile) error {
	m.files = next
	m.studies = grouping.GroupAt(next, m.now())
	m.logger.Debug("Manifest regenerated.", slog.Int("files", len(m.files)), slog.Int("studies", len(m.studies)))
	if m.persist == nil {
		return nil
	}
	if err := m.persist(ctx, next); err != nil {
		m.logger.Error("Failed to persist manifest.", "error", err)
		return fmt.Errorf("persist manifest: %w", err)
	}
	return nil
}
