package app

import (
	"fmt"
	"time"

	"github.com/brensch/dicomstage/internal/orchestrator"
	"github.com/brensch/dicomstage/internal/pool"
)

// ProgressMsg updates the overall progress bar.
type ProgressMsg struct {
	Tag      string // task identifier, e.g. "Ingest", "Anonymize"
	Current  int64
	Total    int64
	Activity string
}

// FileProgressMsg updates one row of the item table.
type FileProgressMsg struct {
	FileID      string
	FileName    string
	Status      string // "Queued", "Processing", "Complete", "Skipped", "Error"
	Current     int64
	Total       int64
	ElapsedTime time.Duration
	ErrMsg      string
}

// TaskFinishedMsg signals the end of a background task.
type TaskFinishedMsg struct {
	Tag       string
	Err       error
	StartTime time.Time
	EndTime   time.Time
	Message   string
}

// GeneralErrorMsg signals an error not tied to a task.
type GeneralErrorMsg struct {
	Err error
}

// StatusMsg carries a snapshot of the workspace and its pools.
type StatusMsg struct {
	Status orchestrator.Status
	Debug  []pool.DebugMessage
}

type statusTickMsg time.Time

func NewProgress(tag string, current, total int64, activity string) ProgressMsg {
	return ProgressMsg{Tag: tag, Current: current, Total: total, Activity: activity}
}

func NewFileProgress(fileID, fileName, status string, current, total int64, elapsed time.Duration, errMsg string) FileProgressMsg {
	return FileProgressMsg{
		FileID:      fileID,
		FileName:    fileName,
		Status:      status,
		Current:     current,
		Total:       total,
		ElapsedTime: elapsed,
		ErrMsg:      errMsg,
	}
}

func NewTaskFinished(tag string, start time.Time, err error, msg string) TaskFinishedMsg {
	return TaskFinishedMsg{
		Tag:       tag,
		StartTime: start,
		EndTime:   time.Now(),
		Err:       err,
		Message:   msg,
	}
}

func NewError(err error) GeneralErrorMsg {
	return GeneralErrorMsg{Err: err}
}

func (e GeneralErrorMsg) Error() string {
	return e.Err.Error()
}

func (t TaskFinishedMsg) Error() string {
	if t.Err != nil {
		return t.Err.Error()
	}
	return ""
}

func (p ProgressMsg) String() string {
	return fmt.Sprintf("Progress %s: %d/%d", p.Tag, p.Current, p.Total)
}
func (fp FileProgressMsg) String() string {
	return fmt.Sprintf("FileProgress %s: %s", fp.FileID, fp.Status)
}
func (tf TaskFinishedMsg) String() string { return fmt.Sprintf("TaskFinished %s", tf.Tag) }
func (ge GeneralErrorMsg) String() string { return fmt.Sprintf("GeneralError: %s", ge.Err) }
