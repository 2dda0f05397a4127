package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/brensch/dicomstage/internal/db"
	"github.com/brensch/dicomstage/internal/packaging"
)

// Download packages the selected studies. Unknown ids select nothing and
// yield one empty archive.
func (w *Workspace) Download(ctx context.Context, studyIDs []string) ([]packaging.Archive, error) {
	start := time.Now()
	archives, err := w.packager.PackageStudies(ctx, w.manifest.Files(), studyIDs)
	if err != nil {
		w.logEvent(ctx, db.Event{Operation: db.OpDownload, Level: db.LevelError, Message: err.Error()})
		return nil, fmt.Errorf("package studies: %w", err)
	}
	took := time.Since(start)
	for _, a := range archives {
		w.logEvent(ctx, db.Event{
			Operation: db.OpDownload,
			Level:     db.LevelInfo,
			Item:      a.Name,
			Message:   fmt.Sprintf("%d files, %d payload bytes", len(a.Entries), a.PayloadBytes),
			Duration:  &took,
		})
	}
	return archives, nil
}

// DownloadTo packages the selected studies and writes the archives to dir.
func (w *Workspace) DownloadTo(ctx context.Context, dir string, studyIDs []string) ([]string, error) {
	archives, err := w.Download(ctx, studyIDs)
	if err != nil {
		return nil, err
	}
	return packaging.WriteArchives(dir, archives)
}
