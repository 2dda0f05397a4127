package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brensch/dicomstage/internal/db"
	"github.com/brensch/dicomstage/internal/domain"
	"github.com/brensch/dicomstage/internal/pool"
	"github.com/brensch/dicomstage/internal/transport"
)

var ErrNoEndpoint = errors.New("no endpoint configured")

// SendJob is one study upload handed to a send worker.
type SendJob struct {
	Endpoint string
	Upload   transport.StudyUpload
}

func (w *Workspace) sendHandler(ctx context.Context, job SendJob) (*transport.Ack, error) {
	ack, err := w.sender.SendStudy(ctx, job.Endpoint, job.Upload)
	if err != nil {
		return nil, &domain.ProcessingError{Stage: "send", Item: job.Upload.StudyID, Err: err}
	}
	return ack, nil
}

// SendReport summarises a send batch.
type SendReport struct {
	Result pool.BatchResult[*transport.Ack]
	// Skipped counts placeholder files left out of their uploads.
	Skipped int
	// SkippedStudies lists studies with nothing to send; no upload is made.
	SkippedStudies []string
	Summary        string
}

// SendStudies submits one send job per study. endpoint overrides the
// configured endpoint when non-empty. Placeholder files cannot be sent and
// are left out of their study's upload, and a study with no other files is
// not sent at all.
func (w *Workspace) SendStudies(ctx context.Context, studyIDs []string, endpoint string, onDone func(done, total int)) (*SendReport, error) {
	if w.sender == nil {
		return nil, &domain.ValidationError{Field: "sender", Msg: "no sender configured"}
	}
	if endpoint == "" {
		endpoint = w.cfg.Endpoint
	}
	if endpoint == "" {
		return nil, ErrNoEndpoint
	}
	start := time.Now()

	var (
		jobs           []SendJob
		skipped        int
		skippedStudies []string
	)
	for _, id := range studyIDs {
		st, err := w.manifest.Study(id)
		if err != nil {
			return nil, err
		}
		upload := transport.StudyUpload{StudyID: st.ID, StudyInstanceUID: st.StudyInstanceUID, PatientID: st.PatientID}
		for _, se := range st.Series {
			for _, f := range se.Files {
				if f.Placeholder || len(f.Data) == 0 {
					skipped++
					continue
				}
				upload.Files = append(upload.Files, transport.UploadFile{ID: f.ID, FileName: f.FileName, Data: f.Data})
			}
		}
		if len(upload.Files) == 0 {
			w.logger.Warn("Study has no sendable files, skipping.", "study", st.ID)
			w.logEvent(ctx, db.Event{Operation: db.OpSend, Level: db.LevelWarn, Item: st.ID, Message: "no sendable files, study skipped"})
			skippedStudies = append(skippedStudies, st.ID)
			continue
		}
		jobs = append(jobs, SendJob{Endpoint: endpoint, Upload: upload})
	}
	w.logger.Info("Starting send batch.", slog.Int("studies", len(jobs)), slog.String("endpoint", endpoint))

	batch := w.sendPool.SubmitBatch(ctx, jobs)
	progressDone := watchProgress(ctx, batch.Handles(), onDone)
	res := batch.Wait(ctx)
	<-progressDone

	for i, o := range res.Outcomes {
		up := jobs[i].Upload
		if o.Err != nil {
			w.logger.Warn("Study failed to send.", "study", up.StudyID, "error", o.Err)
			w.logEvent(ctx, db.Event{Operation: db.OpSend, Level: db.LevelError, Item: up.StudyID, Message: o.Err.Error()})
			continue
		}
		w.logEvent(ctx, db.Event{Operation: db.OpSend, Level: db.LevelInfo, Item: up.StudyID,
			Message: fmt.Sprintf("%d files, %d bytes accepted with status %d", o.Value.Files, o.Value.Bytes, o.Value.StatusCode)})
	}

	report := &SendReport{Result: res, Skipped: skipped, SkippedStudies: skippedStudies, Summary: pool.Summary("sent", res)}
	took := time.Since(start)
	w.logEvent(ctx, db.Event{Operation: db.OpSend, Level: batchLevel(res.Failed), Item: "batch", Message: report.Summary, Duration: &took})
	w.logger.Info("Send batch finished.", slog.String("summary", report.Summary))
	return report, nil
}

// SendStudy sends a single study and waits for its acknowledgement.
func (w *Workspace) SendStudy(ctx context.Context, studyID, endpoint string) (*transport.Ack, error) {
	report, err := w.SendStudies(ctx, []string{studyID}, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if len(report.Result.Outcomes) == 0 {
		return nil, &domain.ValidationError{Field: "study", Msg: fmt.Sprintf("study %s has no sendable files", studyID)}
	}
	o := report.Result.Outcomes[0]
	return o.Value, o.Err
}
