package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brensch/dicomstage/internal/db"
	"github.com/brensch/dicomstage/internal/dicom"
	"github.com/brensch/dicomstage/internal/domain"
	"github.com/brensch/dicomstage/internal/pool"
)

// AnonymizeJob is the payload handed to an anonymize worker.
type AnonymizeJob struct {
	FileID   string
	FileName string
	Data     []byte
}

// AnonymizeResult is what a worker hands back: new bytes and their metadata.
type AnonymizeResult struct {
	FileID   string
	Data     []byte
	Metadata *domain.FileMetadata
	Filled   []string
}

// anonymizeHandler runs on a pool worker. It only touches the job's bytes.
func (w *Workspace) anonymizeHandler(ctx context.Context, job AnonymizeJob) (AnonymizeResult, error) {
	if err := ctx.Err(); err != nil {
		return AnonymizeResult{}, err
	}
	data := job.Data
	var filled []string
	if w.preparer != nil {
		var err error
		data, filled, err = w.preparer.Prepare(data, dicom.RequiredDefaults{Now: w.now()})
		if err != nil {
			return AnonymizeResult{}, &domain.ProcessingError{Stage: "prepare", Item: job.FileName, Err: err}
		}
	}
	out, err := w.anonymizer.Anonymize(data, w.profile)
	if err != nil {
		return AnonymizeResult{}, &domain.ProcessingError{Stage: "anonymize", Item: job.FileName, Err: err}
	}
	meta, err := w.parser.Parse(out)
	if err != nil {
		return AnonymizeResult{}, &domain.ProcessingError{Stage: "reparse", Item: job.FileName, Err: err}
	}
	return AnonymizeResult{FileID: job.FileID, Data: out, Metadata: meta, Filled: filled}, nil
}

// AnonymizeReport summarises an anonymize-all batch.
type AnonymizeReport struct {
	Result  pool.BatchResult[AnonymizeResult]
	Skipped int
	Summary string
}

// AnonymizeAll sends every file not yet anonymized through the anonymize pool
// and folds the results back into the manifest. Placeholders are skipped. A
// failed file keeps its original bytes; the batch never fails as a whole.
// onDone, if set, is called as each job finishes, in completion order.
func (w *Workspace) AnonymizeAll(ctx context.Context, onDone func(done, total int)) (*AnonymizeReport, error) {
	if w.anonymizer == nil {
		return nil, &domain.ValidationError{Field: "anonymizer", Msg: "no anonymizer configured"}
	}
	start := time.Now()

	var (
		jobs    []AnonymizeJob
		origs   []domain.StoredFile
		skipped int
	)
	for _, f := range w.manifest.Files() {
		if f.Anonymized || f.Placeholder || len(f.Data) == 0 {
			skipped++
			continue
		}
		jobs = append(jobs, AnonymizeJob{FileID: f.ID, FileName: f.FileName, Data: f.Data})
		origs = append(origs, f)
	}
	w.logger.Info("Starting anonymize batch.", slog.Int("files", len(jobs)), slog.Int("skipped", skipped))

	batch := w.anonymizePool.SubmitBatch(ctx, jobs)
	progressDone := watchProgress(ctx, batch.Handles(), onDone)
	res := batch.Wait(ctx)
	<-progressDone

	// Fold successes back in. Outcomes keep submission order, so origs[i]
	// is the file behind res.Outcomes[i].
	var updated []domain.StoredFile
	for i, o := range res.Outcomes {
		orig := origs[i]
		if o.Err != nil {
			w.recordFailure(ctx, db.OpAnonymize, orig, o.Err)
			continue
		}
		if o.Value.FileID != orig.ID {
			markFailed(&res, i, fmt.Errorf("result for %s returned for %s", o.Value.FileID, orig.ID))
			w.recordFailure(ctx, db.OpAnonymize, orig, res.Outcomes[i].Err)
			continue
		}
		if err := w.store.SaveFile(ctx, orig.ID, o.Value.Data); err != nil {
			markFailed(&res, i, err)
			w.recordFailure(ctx, db.OpAnonymize, orig, err)
			continue
		}
		if len(o.Value.Filled) > 0 {
			w.logger.Debug("Filled required elements.", "file", orig.FileName, "elements", o.Value.Filled)
		}
		f := orig
		f.Data = o.Value.Data
		f.FileSize = int64(len(o.Value.Data))
		f.Metadata = o.Value.Metadata
		f.Anonymized = true
		updated = append(updated, f)
	}

	if err := w.manifest.UpdateFiles(ctx, updated); err != nil {
		return nil, fmt.Errorf("update manifest after anonymize: %w", err)
	}

	report := &AnonymizeReport{Result: res, Skipped: skipped, Summary: pool.Summary("anonymized", res)}
	took := time.Since(start)
	w.logEvent(ctx, db.Event{Operation: db.OpAnonymize, Level: batchLevel(res.Failed), Item: "batch", Message: report.Summary, Duration: &took})
	w.logger.Info("Anonymize batch finished.", slog.String("summary", report.Summary), slog.Duration("duration", took.Round(time.Millisecond)))
	return report, nil
}

// markFailed turns outcome i into a failure after the worker reported
// success, e.g. when its bytes could not be stored.
func markFailed[R any](res *pool.BatchResult[R], i int, err error) {
	o := &res.Outcomes[i]
	if o.Err != nil {
		return
	}
	o.Err = err
	res.Succeeded--
	res.Failed++
	res.Failures = append(res.Failures, pool.Failure{JobID: o.JobID, Err: err})
}

func (w *Workspace) recordFailure(ctx context.Context, op string, f domain.StoredFile, err error) {
	w.logger.Warn("File failed.", "operation", op, "file", f.FileName, "file_id", f.ID, "error", err)
	w.logEvent(ctx, db.Event{Operation: op, Level: db.LevelError, FileID: f.ID, Item: f.FileName, Message: err.Error()})
}

// watchProgress reports completions as they happen, in completion order. The
// returned channel closes once the last report has been made.
func watchProgress[R any](ctx context.Context, handles []*pool.Handle[R], onDone func(done, total int)) <-chan struct{} {
	finished := make(chan struct{})
	if onDone == nil || len(handles) == 0 {
		close(finished)
		return finished
	}
	total := len(handles)
	doneCh := make(chan struct{}, total)
	for _, h := range handles {
		go func(h *pool.Handle[R]) {
			select {
			case <-h.Done():
				doneCh <- struct{}{}
			case <-ctx.Done():
			}
		}(h)
	}
	go func() {
		defer close(finished)
		for done := 1; done <= total; done++ {
			select {
			case <-doneCh:
				onDone(done, total)
			case <-ctx.Done():
				return
			}
		}
	}()
	return finished
}

func batchLevel(failed int) string {
	if failed > 0 {
		return db.LevelWarn
	}
	return db.LevelInfo
}
