package session

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"

	"github.com/brensch/dicomstage/internal/db"
	"github.com/brensch/dicomstage/internal/domain"
	"github.com/brensch/dicomstage/internal/store"
)

type fixture struct {
	manager *Manager
	store   *store.Store
	conn    *sql.DB
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	conn, err := sql.Open("duckdb", "")
	if err != nil {
		t.Fatalf("open duckdb: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := db.InitializeSchema(conn); err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.New(store.NewMemoryBackend(), logger)
	m := New(st, db.NewMetadataRepository(conn), db.NewEventLog(conn), logger)
	return fixture{manager: m, store: st, conn: conn}
}

func sampleFiles() []domain.StoredFile {
	meta := func(series, inst string) *domain.FileMetadata {
		return &domain.FileMetadata{
			PatientID:         "P1",
			StudyInstanceUID:  "1.2.3",
			SeriesInstanceUID: series,
			InstanceNumber:    inst,
		}
	}
	return []domain.StoredFile{
		{ID: "f1", FileName: "IM1.dcm", FileSize: 3, Data: []byte("one"), Metadata: meta("1.2.3.1", "1")},
		{ID: "f2", FileName: "IM2.dcm", FileSize: 3, Data: []byte("two"), Metadata: meta("1.2.3.1", "2")},
		{ID: "f3", FileName: "IM3.dcm", FileSize: 5, Data: []byte("three"), Metadata: meta("1.2.3.2", "1"), Anonymized: true},
	}
}

func TestPersistRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	if err := fx.manager.Persist(ctx, sampleFiles()); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}
	got, err := fx.manager.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if len(got.Files) != 3 || got.Placeholders != 0 {
		t.Fatalf("Restore() files = %d placeholders = %d, want 3 and 0", len(got.Files), got.Placeholders)
	}
	for i, f := range got.Files {
		want := sampleFiles()[i]
		if f.ID != want.ID || string(f.Data) != string(want.Data) || f.Anonymized != want.Anonymized {
			t.Errorf("file %d = %+v, want %+v", i, f, want)
		}
	}
	if len(got.Studies) != 1 || len(got.Studies[0].Series) != 2 {
		t.Errorf("Restore() studies = %+v, want 1 study with 2 series", got.Studies)
	}
}

func TestRestoreMissingBinaryBecomesPlaceholder(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	if err := fx.manager.Persist(ctx, sampleFiles()); err != nil {
		t.Fatal(err)
	}
	if err := fx.store.DeleteFile(ctx, "f2"); err != nil {
		t.Fatal(err)
	}

	got, err := fx.manager.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if len(got.Files) != 3 || got.Placeholders != 1 {
		t.Fatalf("Restore() files = %d placeholders = %d, want 3 and 1", len(got.Files), got.Placeholders)
	}
	ph := got.Files[1]
	if !ph.Placeholder || ph.RestoreError == "" || ph.Data != nil {
		t.Errorf("placeholder = %+v, want placeholder with restore error and no data", ph)
	}
	if ph.Metadata == nil || ph.Metadata.SeriesInstanceUID != "1.2.3.1" {
		t.Errorf("placeholder lost its metadata: %+v", ph.Metadata)
	}
	if got.Studies[0].FileCount() != 3 {
		t.Errorf("study file count = %d, want 3", got.Studies[0].FileCount())
	}

	events, err := db.ListEvents(ctx, fx.conn, db.EventFilter{Operation: db.OpRestore, Level: db.LevelWarn})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].FileID != "f2" {
		t.Errorf("restore warnings = %+v, want one for f2", events)
	}
}

func TestPersistSkipsPlaceholdersAndExisting(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	files := sampleFiles()
	if err := fx.store.SaveFile(ctx, "f1", []byte("stored")); err != nil {
		t.Fatal(err)
	}
	files[2].Placeholder = true
	files[2].Data = nil

	if err := fx.manager.Persist(ctx, files); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}
	data, err := fx.store.LoadFile(ctx, "f1")
	if err != nil || string(data) != "stored" {
		t.Errorf("existing binary overwritten: %q, %v", data, err)
	}
	if ok, _ := fx.store.FileExists(ctx, "f3"); ok {
		t.Error("placeholder binary was written to the store")
	}
	persisted, err := db.NewMetadataRepository(fx.conn).LoadFiles(ctx)
	if err != nil || len(persisted) != 3 {
		t.Errorf("persisted metadata = %d rows, %v; want 3", len(persisted), err)
	}
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	if err := fx.manager.Persist(ctx, sampleFiles()); err != nil {
		t.Fatal(err)
	}
	if err := fx.manager.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	got, err := fx.manager.Restore(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Files) != 0 {
		t.Errorf("Restore() after Clear returned %d files", len(got.Files))
	}
	if ids, _ := fx.store.ListFiles(ctx); len(ids) != 0 {
		t.Errorf("store still holds %v", ids)
	}
}
