package manifest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/brensch/dicomstage/internal/domain"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func file(id, patient, study, series string) domain.StoredFile {
	return domain.StoredFile{
		ID:       id,
		FileName: id + ".dcm",
		FileSize: 10,
		Data:     []byte(id),
		Metadata: &domain.FileMetadata{
			PatientID:         patient,
			StudyInstanceUID:  study,
			SeriesInstanceUID: series,
		},
	}
}

type recorder struct {
	calls [][]domain.StoredFile
	err   error
}

func (r *recorder) persist(_ context.Context, files []domain.StoredFile) error {
	r.calls = append(r.calls, files)
	return r.err
}

func TestAddRegroupsAndPersists(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	m := New(discard(), WithPersist(rec.persist))

	if err := m.Add(ctx, file("a", "P1", "1.1", "1.1.1"), file("b", "P1", "1.1", "1.1.2")); err != nil {
		t.Fatal(err)
	}
	if err := m.Add(ctx, file("c", "P2", "2.1", "2.1.1")); err != nil {
		t.Fatal(err)
	}

	if got := len(m.Studies()); got != 2 {
		t.Errorf("Studies() = %d, want 2", got)
	}
	if got := m.Len(); got != 3 {
		t.Errorf("Len() = %d, want 3", got)
	}
	if len(rec.calls) != 2 || len(rec.calls[1]) != 3 {
		t.Errorf("persist calls = %d, want 2 with 3 files on the last", len(rec.calls))
	}
	files := m.Files()
	if files[0].ID != "a" || files[2].ID != "c" {
		t.Errorf("Files() order = %v, want arrival order", []string{files[0].ID, files[1].ID, files[2].ID})
	}
}

func TestStudyLookup(t *testing.T) {
	m := New(discard())
	m.Load([]domain.StoredFile{file("a", "P1", "1.1", "1.1.1")})

	tests := []struct {
		name    string
		id      string
		wantErr error
	}{
		{name: "composite key", id: domain.StudyKey("P1", "1.1")},
		{name: "bare uid", id: "1.1"},
		{name: "missing", id: "9.9", wantErr: domain.ErrStudyNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Study(tt.id)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Study(%q) error = %v, want %v", tt.id, err, tt.wantErr)
			}
		})
	}
}

func TestUpdateFiles(t *testing.T) {
	ctx := context.Background()
	m := New(discard())
	m.Load([]domain.StoredFile{file("a", "P1", "1.1", "1.1.1"), file("b", "P1", "1.1", "1.1.1")})

	upd := file("b", "ANON-1", "1.1", "1.1.1")
	upd.Anonymized = true
	if err := m.UpdateFiles(ctx, []domain.StoredFile{upd}); err != nil {
		t.Fatal(err)
	}
	got, ok := m.File("b")
	if !ok || !got.Anonymized || got.Metadata.PatientID != "ANON-1" {
		t.Errorf("File(b) = %+v, want anonymized", got)
	}
	if files := m.Files(); files[1].ID != "b" {
		t.Errorf("updated file moved to position of %s", files[1].ID)
	}
	if got := len(m.Studies()); got != 2 {
		t.Errorf("Studies() after patient change = %d, want 2", got)
	}

	err := m.UpdateFiles(ctx, []domain.StoredFile{file("zzz", "P1", "1.1", "1.1.1")})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("UpdateFiles(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestRemoveStudy(t *testing.T) {
	ctx := context.Background()
	m := New(discard())
	m.Load([]domain.StoredFile{
		file("a", "P1", "1.1", "1.1.1"),
		file("b", "P2", "2.1", "2.1.1"),
		file("c", "P1", "1.1", "1.1.2"),
	})

	removed, err := m.RemoveStudy(ctx, "1.1")
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 2 || removed[0] != "a" || removed[1] != "c" {
		t.Errorf("RemoveStudy() = %v, want [a c]", removed)
	}
	if m.Len() != 1 || len(m.Studies()) != 1 {
		t.Errorf("after removal Len() = %d studies = %d, want 1 and 1", m.Len(), len(m.Studies()))
	}
	if _, err := m.RemoveStudy(ctx, "1.1"); !errors.Is(err, domain.ErrStudyNotFound) {
		t.Errorf("second RemoveStudy() error = %v", err)
	}
}

func TestPersistFailureStillAdvances(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{err: errors.New("disk full")}
	m := New(discard(), WithPersist(rec.persist), WithClock(func() time.Time {
		return time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	}))

	err := m.Add(ctx, domain.StoredFile{ID: "x", FileName: "x.dcm", Metadata: &domain.FileMetadata{}})
	if err == nil {
		t.Fatal("Add() error = nil, want persist failure")
	}
	studies := m.Studies()
	if len(studies) != 1 || studies[0].StudyInstanceUID != "Unknown-20250301" {
		t.Errorf("Studies() = %+v, want one Unknown-20250301 study", studies)
	}

	if err := m.Clear(ctx); err == nil {
		t.Error("Clear() error = nil, want persist failure")
	}
	if m.Len() != 0 {
		t.Errorf("Len() after Clear = %d", m.Len())
	}
}
