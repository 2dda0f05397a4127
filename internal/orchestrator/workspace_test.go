package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"
	"testing"

	"github.com/brensch/dicomstage/internal/config"
	"github.com/brensch/dicomstage/internal/db"
	"github.com/brensch/dicomstage/internal/dicom/dicomtest"
	"github.com/brensch/dicomstage/internal/domain"
	"github.com/brensch/dicomstage/internal/ingest"
	"github.com/brensch/dicomstage/internal/pool"
	"github.com/brensch/dicomstage/internal/store"
	"github.com/brensch/dicomstage/internal/transport"
)

type fakeSender struct {
	mu       sync.Mutex
	uploads  []transport.StudyUpload
	sendFunc func(endpoint string, up transport.StudyUpload) (*transport.Ack, error)
}

func (f *fakeSender) SendStudy(_ context.Context, endpoint string, up transport.StudyUpload) (*transport.Ack, error) {
	f.mu.Lock()
	f.uploads = append(f.uploads, up)
	f.mu.Unlock()
	if f.sendFunc != nil {
		return f.sendFunc(endpoint, up)
	}
	return &transport.Ack{StatusCode: http.StatusOK, Files: len(up.Files)}, nil
}

type env struct {
	cfg    config.Config
	store  *store.Store
	conn   *sql.DB
	sender *fakeSender
	logger *slog.Logger
}

func newEnv(t *testing.T) *env {
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
	cfg := config.Default()
	cfg.AnonymizeWorkers = 3
	cfg.SendWorkers = 2
	return &env{
		cfg:    cfg,
		store:  store.New(store.NewMemoryBackend(), logger),
		conn:   conn,
		sender: &fakeSender{},
		logger: logger,
	}
}

func (e *env) workspace(t *testing.T) *Workspace {
	t.Helper()
	w, err := New(e.cfg, Deps{
		Store:      e.store,
		DB:         e.conn,
		Parser:     dicomtest.Parser{},
		Preparer:   dicomtest.Preparer{},
		Anonymizer: dicomtest.Anonymizer{},
		Sender:     e.sender,
		Logger:     e.logger,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(w.Close)
	return w
}

func scenarioInput(size int) []ingest.RawInput {
	return []ingest.RawInput{{Name: "scenario.zip", Data: dicomtest.Zip(dicomtest.Scenario(3, 3, 2, size))}}
}

func TestScenarioIngestAndAnonymizeAll(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	w := e.workspace(t)

	res, err := w.Ingest(ctx, scenarioInput(0), nil)
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if len(res.Files) != 18 || len(res.Failures) != 0 {
		t.Fatalf("Ingest() = %d files %d failures, want 18 and 0", len(res.Files), len(res.Failures))
	}
	st := w.Status()
	if st.Studies != 3 || st.Series != 9 || st.Files != 18 {
		t.Fatalf("Status() = %d studies %d series %d files, want 3/9/18", st.Studies, st.Series, st.Files)
	}
	if ids, _ := e.store.ListFiles(ctx); len(ids) != 18 {
		t.Errorf("store holds %d files, want 18", len(ids))
	}

	var (
		mu       sync.Mutex
		lastDone int
	)
	report, err := w.AnonymizeAll(ctx, func(done, total int) {
		mu.Lock()
		lastDone = done
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("AnonymizeAll() error = %v", err)
	}
	if report.Result.Succeeded != 18 || report.Result.Failed != 0 {
		t.Errorf("AnonymizeAll() = %d succeeded %d failed, want 18 and 0", report.Result.Succeeded, report.Result.Failed)
	}
	if report.Summary != "18 of 18 anonymized" {
		t.Errorf("Summary = %q", report.Summary)
	}
	mu.Lock()
	if lastDone != 18 {
		t.Errorf("progress reached %d, want 18", lastDone)
	}
	mu.Unlock()

	if got := w.Status().Anonymized; got != 18 {
		t.Errorf("Status().Anonymized = %d, want 18", got)
	}
	for _, f := range w.Files() {
		data, err := e.store.LoadFile(ctx, f.ID)
		if err != nil {
			t.Fatalf("LoadFile(%s) error = %v", f.ID, err)
		}
		if !strings.Contains(string(data), "Anonymized=YES") {
			t.Errorf("stored bytes of %s are not anonymized", f.FileName)
		}
		if f.Metadata.PatientName != "ANONYMIZED" {
			t.Errorf("%s PatientName = %q after anonymize", f.FileName, f.Metadata.PatientName)
		}
	}

	again, err := w.AnonymizeAll(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if again.Skipped != 18 || again.Result.Succeeded+again.Result.Failed != 0 {
		t.Errorf("second AnonymizeAll() = %+v, want every file skipped", again)
	}
}

func TestAnonymizeAllPartialFailure(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	w := e.workspace(t)

	members := dicomtest.Scenario(1, 1, 3, 0)
	v, err := dicomtest.Decode(members[1].Data)
	if err != nil {
		t.Fatal(err)
	}
	v["PatientName"] = "PANIC"
	members[1].Data = dicomtest.Encode(v)

	if _, err := w.Ingest(ctx, []ingest.RawInput{{Name: "batch.zip", Data: dicomtest.Zip(members)}}, nil); err != nil {
		t.Fatal(err)
	}
	report, err := w.AnonymizeAll(ctx, nil)
	if err != nil {
		t.Fatalf("AnonymizeAll() error = %v", err)
	}
	if want := "2 of 3 anonymized, 1 failed (see log)"; report.Summary != want {
		t.Errorf("Summary = %q, want %q", report.Summary, want)
	}
	if !errors.Is(report.Result.Failures[0].Err, pool.ErrWorkerCrashed) {
		t.Errorf("failure = %v, want ErrWorkerCrashed", report.Result.Failures[0].Err)
	}

	crashed, _ := w.manifest.File(w.Files()[1].ID)
	if crashed.Anonymized {
		t.Error("crashed file marked anonymized")
	}

	var sawCrash bool
	for _, m := range w.DebugMessages() {
		if m.Pool == "anonymize" && m.Level == pool.LevelError {
			sawCrash = true
		}
	}
	if !sawCrash {
		t.Error("no error debug message recorded for the crash")
	}

	events, err := db.ListEvents(ctx, e.conn, db.EventFilter{Operation: db.OpAnonymize, Level: db.LevelError})
	if err != nil {
		t.Fatal(err)
	}
	if want := path.Base(members[1].Name); len(events) != 1 || events[0].Item != want {
		t.Errorf("anonymize error events = %+v, want one for %s", events, want)
	}
}

func TestSplitDownload(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.cfg.ArchiveCeilingBytes = 10000
	w := e.workspace(t)

	if _, err := w.Ingest(ctx, scenarioInput(4096), nil); err != nil {
		t.Fatal(err)
	}
	study, err := w.Study("1.2.840.1")
	if err != nil {
		t.Fatal(err)
	}
	if study.TotalBytes() <= e.cfg.ArchiveCeilingBytes {
		t.Fatalf("study is %d bytes, test needs more than the ceiling", study.TotalBytes())
	}

	archives, err := w.Download(ctx, []string{study.ID})
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if len(archives) < 2 {
		t.Fatalf("Download() produced %d archives, want at least 2", len(archives))
	}
	seen := make(map[string]bool)
	for _, a := range archives {
		if a.PayloadBytes > e.cfg.ArchiveCeilingBytes {
			t.Errorf("%s holds %d bytes, over the ceiling", a.Name, a.PayloadBytes)
		}
		for _, id := range a.FileIDs {
			if seen[id] {
				t.Errorf("file %s packaged twice", id)
			}
			seen[id] = true
		}
	}
	if len(seen) != study.FileCount() {
		t.Errorf("archives hold %d files, study has %d", len(seen), study.FileCount())
	}

	written, err := w.DownloadTo(ctx, t.TempDir(), []string{study.ID})
	if err != nil || len(written) != len(archives) {
		t.Errorf("DownloadTo() = %v, %v", written, err)
	}
}

func TestRestoreAcrossWorkspaces(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	first := e.workspace(t)
	if _, err := first.Ingest(ctx, scenarioInput(0), nil); err != nil {
		t.Fatal(err)
	}
	lost := first.Files()[4]
	first.Close()

	if err := e.store.DeleteFile(ctx, lost.ID); err != nil {
		t.Fatal(err)
	}

	second := e.workspace(t)
	restored, err := second.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if len(restored.Files) != 18 || restored.Placeholders != 1 {
		t.Fatalf("Restore() = %d files %d placeholders, want 18 and 1", len(restored.Files), restored.Placeholders)
	}
	st := second.Status()
	if st.Studies != 3 || st.Series != 9 || st.Placeholders != 1 {
		t.Errorf("Status() after restore = %+v", st)
	}
	ph, ok := second.manifest.File(lost.ID)
	if !ok || !ph.Placeholder || ph.FileName != lost.FileName {
		t.Errorf("placeholder = %+v", ph)
	}

	report, err := second.AnonymizeAll(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if report.Skipped != 1 || report.Result.Succeeded != 17 {
		t.Errorf("AnonymizeAll() after restore = %d succeeded %d skipped, want 17 and 1", report.Result.Succeeded, report.Skipped)
	}
}

func TestSendStudies(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.cfg.Endpoint = "http://archive.local/studies"
	w := e.workspace(t)
	if _, err := w.Ingest(ctx, scenarioInput(0), nil); err != nil {
		t.Fatal(err)
	}

	report, err := w.SendStudies(ctx, []string{"1.2.840.1", "P2/1.2.840.2"}, "", nil)
	if err != nil {
		t.Fatalf("SendStudies() error = %v", err)
	}
	if report.Summary != "2 of 2 sent" {
		t.Errorf("Summary = %q", report.Summary)
	}
	for _, up := range e.sender.uploads {
		if len(up.Files) != 6 {
			t.Errorf("upload %s carried %d files, want 6", up.StudyID, len(up.Files))
		}
	}

	e.sender.sendFunc = func(string, transport.StudyUpload) (*transport.Ack, error) {
		return nil, &transport.HTTPError{StatusCode: http.StatusBadGateway, Body: "upstream down"}
	}
	_, err = w.SendStudy(ctx, "1.2.840.3", "")
	var herr *transport.HTTPError
	if !errors.As(err, &herr) || herr.StatusCode != http.StatusBadGateway {
		t.Errorf("SendStudy() error = %v, want HTTPError 502", err)
	}

	if _, err := w.SendStudy(ctx, "9.9.9", ""); !errors.Is(err, domain.ErrStudyNotFound) {
		t.Errorf("SendStudy(unknown) error = %v", err)
	}
}

func TestSendSkipsStudiesWithoutFiles(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.cfg.Endpoint = "http://archive.local/studies"

	first := e.workspace(t)
	if _, err := first.Ingest(ctx, scenarioInput(0), nil); err != nil {
		t.Fatal(err)
	}
	for _, f := range first.Files() {
		if f.Metadata.StudyInstanceUID != "1.2.840.1" {
			continue
		}
		if err := e.store.DeleteFile(ctx, f.ID); err != nil {
			t.Fatal(err)
		}
	}
	first.Close()

	w := e.workspace(t)
	if _, err := w.Restore(ctx); err != nil {
		t.Fatal(err)
	}
	report, err := w.SendStudies(ctx, []string{"1.2.840.1", "1.2.840.2"}, "", nil)
	if err != nil {
		t.Fatalf("SendStudies() error = %v", err)
	}
	if len(report.SkippedStudies) != 1 || report.SkippedStudies[0] != domain.StudyKey("P1", "1.2.840.1") {
		t.Errorf("SkippedStudies = %v, want the restored-empty study", report.SkippedStudies)
	}
	if report.Skipped != 6 || report.Summary != "1 of 1 sent" {
		t.Errorf("report = %d skipped files, %q; want 6 and 1 of 1 sent", report.Skipped, report.Summary)
	}
	if len(e.sender.uploads) != 1 || e.sender.uploads[0].StudyInstanceUID != "1.2.840.2" {
		t.Errorf("uploads = %d, want only study 1.2.840.2", len(e.sender.uploads))
	}

	_, err = w.SendStudy(ctx, "1.2.840.1", "")
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("SendStudy(empty study) error = %v, want ValidationError", err)
	}
	if len(e.sender.uploads) != 1 {
		t.Errorf("empty study reached the sender")
	}
}

func TestIngestCancelledDiscardsStoredFiles(t *testing.T) {
	e := newEnv(t)
	w := e.workspace(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := w.Ingest(ctx, scenarioInput(0), func(p ingest.Progress) {
		if p.Stage == ingest.StageStore && p.Done == 3 {
			cancel()
		}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Ingest() error = %v, want context.Canceled", err)
	}
	if ids, _ := e.store.ListFiles(context.Background()); len(ids) != 0 {
		t.Errorf("store holds %d files after a cancelled ingest, want 0", len(ids))
	}
	if n := len(w.Files()); n != 0 {
		t.Errorf("manifest holds %d files after a cancelled ingest, want 0", n)
	}
}

func TestSendWithoutEndpoint(t *testing.T) {
	e := newEnv(t)
	w := e.workspace(t)
	if _, err := w.SendStudies(context.Background(), []string{"x"}, "", nil); !errors.Is(err, ErrNoEndpoint) {
		t.Errorf("SendStudies() error = %v, want ErrNoEndpoint", err)
	}
}

func TestClearStudyAndClear(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	w := e.workspace(t)
	if _, err := w.Ingest(ctx, scenarioInput(0), nil); err != nil {
		t.Fatal(err)
	}

	n, err := w.ClearStudy(ctx, "1.2.840.2")
	if err != nil || n != 6 {
		t.Fatalf("ClearStudy() = %d, %v; want 6", n, err)
	}
	if ids, _ := e.store.ListFiles(ctx); len(ids) != 12 {
		t.Errorf("store holds %d files after ClearStudy, want 12", len(ids))
	}
	if st := w.Status(); st.Studies != 2 || st.Files != 12 {
		t.Errorf("Status() = %+v", st)
	}

	if err := w.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if ids, _ := e.store.ListFiles(ctx); len(ids) != 0 {
		t.Errorf("store holds %d files after Clear", len(ids))
	}
	restored, err := w.Restore(ctx)
	if err != nil || len(restored.Files) != 0 {
		t.Errorf("Restore() after Clear = %v, %v", restored, err)
	}
}
