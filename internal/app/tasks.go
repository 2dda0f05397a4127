package app

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/brensch/dicomstage/internal/domain"
	"github.com/brensch/dicomstage/internal/ingest"
	"github.com/brensch/dicomstage/internal/orchestrator"
	"github.com/brensch/dicomstage/internal/pool"
)

// Workspace is the part of the orchestrator the monitor drives.
type Workspace interface {
	Status() orchestrator.Status
	DebugMessages() []pool.DebugMessage
	Studies() []domain.Study
	Ingest(ctx context.Context, inputs []ingest.RawInput, onProgress func(ingest.Progress)) (*ingest.BatchResult, error)
	AnonymizeAll(ctx context.Context, onDone func(done, total int)) (*orchestrator.AnonymizeReport, error)
	SendStudies(ctx context.Context, studyIDs []string, endpoint string, onDone func(done, total int)) (*orchestrator.SendReport, error)
	DownloadTo(ctx context.Context, dir string, studyIDs []string) ([]string, error)
}

// Reporter forwards a progress message to the UI.
type Reporter func(tea.Msg)

// Task is one background operation the monitor can run.
type Task struct {
	Name string // menu label
	Tag  string
	Run  func(ctx context.Context, report Reporter) (string, error)
}

func IngestTask(ws Workspace, inputs []ingest.RawInput) Task {
	return Task{
		Name: "Ingest Files",
		Tag:  "Ingest",
		Run: func(ctx context.Context, report Reporter) (string, error) {
			started := make(map[string]time.Time)
			res, err := ws.Ingest(ctx, inputs, func(p ingest.Progress) {
				report(NewProgress("Ingest", int64(p.Percent), 100, string(p.Stage)))
				if p.Item == "" {
					return
				}
				if _, ok := started[p.Item]; !ok {
					started[p.Item] = time.Now()
				}
				status := "Processing"
				var elapsed time.Duration
				if p.Stage == ingest.StageStore || p.Stage == ingest.StageDone {
					status = "Complete"
					elapsed = time.Since(started[p.Item])
				}
				report(NewFileProgress(p.Item, p.Item, status, int64(p.Done), int64(p.Total), elapsed, ""))
			})
			if err != nil {
				return "", err
			}
			for _, f := range res.Failures {
				item := failedItem(f)
				report(NewFileProgress(item, item, "Error", 0, 0, 0, f.Error()))
			}
			return fmt.Sprintf("%d files ingested, %d failed", len(res.Files), len(res.Failures)), nil
		},
	}
}

func AnonymizeTask(ws Workspace) Task {
	return Task{
		Name: "Anonymize All",
		Tag:  "Anonymize",
		Run: func(ctx context.Context, report Reporter) (string, error) {
			rep, err := ws.AnonymizeAll(ctx, batchProgress("Anonymize", report))
			if err != nil {
				return "", err
			}
			reportFailures(report, rep.Result.Failures)
			return rep.Summary, nil
		},
	}
}

func SendTask(ws Workspace, endpoint string) Task {
	return Task{
		Name: "Send All Studies",
		Tag:  "Send",
		Run: func(ctx context.Context, report Reporter) (string, error) {
			rep, err := ws.SendStudies(ctx, studyIDs(ws), endpoint, batchProgress("Send", report))
			if err != nil {
				return "", err
			}
			reportFailures(report, rep.Result.Failures)
			return rep.Summary, nil
		},
	}
}

func DownloadTask(ws Workspace, dir string) Task {
	return Task{
		Name: "Download All Studies",
		Tag:  "Download",
		Run: func(ctx context.Context, report Reporter) (string, error) {
			report(NewProgress("Download", 0, 1, dir))
			paths, err := ws.DownloadTo(ctx, dir, studyIDs(ws))
			if err != nil {
				return "", err
			}
			for _, p := range paths {
				report(NewFileProgress(p, p, "Complete", 1, 1, 0, ""))
			}
			report(NewProgress("Download", 1, 1, dir))
			return fmt.Sprintf("%d archives written to %s", len(paths), dir), nil
		},
	}
}

func batchProgress(tag string, report Reporter) func(done, total int) {
	return func(done, total int) {
		report(NewProgress(tag, int64(done), int64(total), ""))
	}
}

func reportFailures(report Reporter, failures []pool.Failure) {
	for _, f := range failures {
		report(NewFileProgress(f.JobID, failedItem(f.Err), "Error", 0, 0, 0, f.Err.Error()))
	}
}

func studyIDs(ws Workspace) []string {
	studies := ws.Studies()
	ids := make([]string, len(studies))
	for i, s := range studies {
		ids[i] = s.ID
	}
	return ids
}

func failedItem(err error) string {
	if item := domain.FailedItem(err); item != "" {
		return item
	}
	return "unknown"
}
