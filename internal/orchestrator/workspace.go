// Package orchestrator owns the manifest and sequences every operation on it:
// ingest, anonymize-all, send-study, download, restore and clear. Pool
// workers only ever see one file's bytes; their results are folded back into
// the manifest here.
package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brensch/dicomstage/internal/config"
	"github.com/brensch/dicomstage/internal/db"
	"github.com/brensch/dicomstage/internal/dicom"
	"github.com/brensch/dicomstage/internal/domain"
	"github.com/brensch/dicomstage/internal/ingest"
	"github.com/brensch/dicomstage/internal/manifest"
	"github.com/brensch/dicomstage/internal/packaging"
	"github.com/brensch/dicomstage/internal/pool"
	"github.com/brensch/dicomstage/internal/session"
	"github.com/brensch/dicomstage/internal/transport"
)

// FileStore is the durable store as the workspace uses it.
type FileStore interface {
	SaveFile(ctx context.Context, id string, data []byte) error
	LoadFile(ctx context.Context, id string) ([]byte, error)
	FileExists(ctx context.Context, id string) (bool, error)
	ListFiles(ctx context.Context) ([]string, error)
	DeleteFile(ctx context.Context, id string) error
	ClearAllFiles(ctx context.Context) error
}

// Deps are the collaborators a Workspace is built from.
type Deps struct {
	Store      FileStore
	DB         *sql.DB
	Parser     dicom.Parser
	Preparer   dicom.Preparer
	Anonymizer dicom.Anonymizer
	Sender     transport.Sender
	Logger     *slog.Logger
	// Now is the clock for required-element defaults. Nil means time.Now.
	Now func() time.Time
}

type Workspace struct {
	cfg     config.Config
	profile dicom.Profile
	logger  *slog.Logger
	now     func() time.Time

	db       *sql.DB
	store    FileStore
	events   *db.EventLog
	session  *session.Manager
	manifest *manifest.Manifest
	pipeline *ingest.Pipeline
	packager *packaging.Packager

	parser     dicom.Parser
	preparer   dicom.Preparer
	anonymizer dicom.Anonymizer
	sender     transport.Sender

	anonymizePool *pool.Pool[AnonymizeJob, AnonymizeResult]
	sendPool      *pool.Pool[SendJob, *transport.Ack]
}

// New wires a Workspace and starts its anonymize and send pools. The manifest
// starts empty; call Restore to load the previous session.
func New(cfg config.Config, deps Deps) (*Workspace, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	profile, err := cfg.Profile()
	if err != nil {
		return nil, err
	}
	if deps.Store == nil || deps.DB == nil || deps.Parser == nil {
		return nil, &domain.ValidationError{Field: "deps", Msg: "store, database and parser are required"}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	logger := deps.Logger.With(slog.String("component", "orchestrator"))

	w := &Workspace{
		cfg:        cfg,
		profile:    profile,
		logger:     logger,
		now:        deps.Now,
		db:         deps.DB,
		store:      deps.Store,
		events:     db.NewEventLog(deps.DB),
		parser:     deps.Parser,
		preparer:   deps.Preparer,
		anonymizer: deps.Anonymizer,
		sender:     deps.Sender,
	}
	w.session = session.New(deps.Store, db.NewMetadataRepository(deps.DB), w.events, deps.Logger)
	w.manifest = manifest.New(deps.Logger, manifest.WithPersist(w.session.Persist))
	w.pipeline = ingest.New(deps.Parser, deps.Store, deps.Logger)
	w.packager = packaging.New(deps.Store, deps.Logger, packaging.WithCeiling(cfg.ArchiveCeilingBytes))

	w.anonymizePool = pool.New("anonymize", pool.KindAnonymize, cfg.AnonymizeWorkers, w.anonymizeHandler,
		pool.WithLogger(deps.Logger), pool.WithDebugLogSize(cfg.DebugLogSize))
	w.sendPool = pool.New("send", pool.KindSend, cfg.SendWorkers, w.sendHandler,
		pool.WithLogger(deps.Logger), pool.WithDebugLogSize(cfg.DebugLogSize))

	return w, nil
}

// Close stops both pools, letting running jobs finish.
func (w *Workspace) Close() {
	w.anonymizePool.Close()
	w.sendPool.Close()
}

func (w *Workspace) Files() []domain.StoredFile { return w.manifest.Files() }

func (w *Workspace) Studies() []domain.Study { return w.manifest.Studies() }

func (w *Workspace) Study(id string) (domain.Study, error) { return w.manifest.Study(id) }

// Restore loads the persisted session into the manifest.
func (w *Workspace) Restore(ctx context.Context) (*session.Restored, error) {
	restored, err := w.session.Restore(ctx)
	if err != nil {
		return nil, err
	}
	w.manifest.Load(restored.Files)
	return restored, nil
}

// Ingest runs a batch through the pipeline and appends the surviving files to
// the manifest. Per-item failures go to the event log.
func (w *Workspace) Ingest(ctx context.Context, inputs []ingest.RawInput, onProgress func(ingest.Progress)) (*ingest.BatchResult, error) {
	start := time.Now()
	res, err := w.pipeline.ProcessBatch(ctx, inputs, onProgress)
	if res != nil {
		for _, f := range res.Failures {
			w.logEvent(ctx, db.Event{Operation: db.OpIngest, Level: db.LevelError, Item: domain.FailedItem(f), Message: f.Error()})
		}
	}
	if err != nil {
		if res != nil {
			w.discardStored(ctx, res.Files)
		}
		return res, err
	}
	if err := w.manifest.Add(ctx, res.Files...); err != nil {
		return res, err
	}

	took := time.Since(start)
	w.logEvent(ctx, db.Event{
		Operation: db.OpIngest,
		Level:     db.LevelInfo,
		Item:      fmt.Sprintf("%d inputs", len(inputs)),
		Message:   fmt.Sprintf("%d files ingested, %d failed", len(res.Files), len(res.Failures)),
		Duration:  &took,
	})
	return res, nil
}

// discardStored deletes files a failed batch stored but never added to the
// manifest. It runs after cancellation, so it ignores ctx's cancel.
func (w *Workspace) discardStored(ctx context.Context, files []domain.StoredFile) {
	if len(files) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, f := range files {
		if err := w.store.DeleteFile(ctx, f.ID); err != nil {
			w.logger.Warn("Failed to discard stored file of aborted ingest.", "file_id", f.ID, "error", err)
		}
	}
	w.logger.Info("Discarded files of aborted ingest.", slog.Int("files", len(files)))
}

// ClearStudy removes one study from the manifest and its files from the store.
func (w *Workspace) ClearStudy(ctx context.Context, studyID string) (int, error) {
	removed, err := w.manifest.RemoveStudy(ctx, studyID)
	if err != nil && len(removed) == 0 {
		return 0, err
	}
	var errs []error
	if err != nil {
		errs = append(errs, err)
	}
	for _, id := range removed {
		if delErr := w.store.DeleteFile(ctx, id); delErr != nil {
			errs = append(errs, delErr)
		}
	}
	w.logEvent(ctx, db.Event{Operation: db.OpClear, Level: db.LevelInfo, Item: studyID, Message: fmt.Sprintf("%d files removed", len(removed))})
	return len(removed), errors.Join(errs...)
}

// Clear wipes the manifest, the persisted session and the durable store.
func (w *Workspace) Clear(ctx context.Context) error {
	n := w.manifest.Len()
	if err := w.manifest.Clear(ctx); err != nil {
		return err
	}
	if err := w.session.Clear(ctx); err != nil {
		return err
	}
	w.logEvent(ctx, db.Event{Operation: db.OpClear, Level: db.LevelInfo, Item: "session", Message: fmt.Sprintf("%d files removed", n)})
	return nil
}

// Status is the combined state of the workspace and its pools.
type Status struct {
	Files        int
	Studies      int
	Series       int
	Anonymized   int
	Placeholders int
	Bytes        int64
	Pools        []pool.Status
	Workers      map[string][]pool.WorkerDetail
}

func (w *Workspace) Status() Status {
	files := w.manifest.Files()
	studies := w.manifest.Studies()
	st := Status{
		Files:   len(files),
		Studies: len(studies),
		Pools:   []pool.Status{w.anonymizePool.Status(), w.sendPool.Status()},
		Workers: map[string][]pool.WorkerDetail{
			w.anonymizePool.Name(): w.anonymizePool.WorkerDetails(),
			w.sendPool.Name():      w.sendPool.WorkerDetails(),
		},
	}
	for _, s := range studies {
		st.Series += len(s.Series)
	}
	for _, f := range files {
		st.Bytes += f.FileSize
		if f.Anonymized {
			st.Anonymized++
		}
		if f.Placeholder {
			st.Placeholders++
		}
	}
	return st
}

// DebugMessages merges both pools' rings chronologically.
func (w *Workspace) DebugMessages() []pool.DebugMessage {
	return pool.MergeDebugMessages(w.anonymizePool, w.sendPool)
}

func (w *Workspace) ClearDebugMessages() {
	w.anonymizePool.ClearDebugMessages()
	w.sendPool.ClearDebugMessages()
}

// logEvent records e in the event log. A failing log write is only logged.
func (w *Workspace) logEvent(ctx context.Context, e db.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = w.now().UTC()
	}
	if err := w.events.Log(ctx, e); err != nil {
		w.logger.Warn("Failed to record event.", "operation", e.Operation, "error", err)
	}
}
