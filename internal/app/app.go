// Package app is the terminal task monitor: a menu of staging tasks, an
// overall progress bar, a per-item table and a live view of the worker pools.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/brensch/dicomstage/internal/orchestrator"
	"github.com/brensch/dicomstage/internal/pool"
)

var (
	titleStyle              = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	menuStyle               = lipgloss.NewStyle().PaddingLeft(2)
	selectedStyle           = lipgloss.NewStyle().Foreground(lipgloss.Color("79"))
	errorStyle              = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warnStyle               = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	infoStyle               = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	progressBarStyle        = lipgloss.NewStyle().Padding(0, 1)
	fileProgressHeaderStyle = lipgloss.NewStyle().Bold(true).MarginBottom(1)
	poolBoxStyle            = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240")).Padding(0, 1)
	fileStatusStyle         = map[string]lipgloss.Style{
		"Processing": lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		"Complete":   lipgloss.NewStyle().Foreground(lipgloss.Color("46")),
		"Skipped":    lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		"Error":      lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		"Queued":     lipgloss.NewStyle().Foreground(lipgloss.Color("248")),
	}
	workerStateStyle = map[pool.WorkerState]lipgloss.Style{
		pool.WorkerIdle:    infoStyle,
		pool.WorkerBusy:    lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		pool.WorkerCrashed: errorStyle,
	}
)

const (
	statusInterval = time.Second
	debugLines     = 6
)

type FileProgress struct {
	FileName string
	Status   string
	Progress float64
	ErrMsg   string
	Start    time.Time
	Elapsed  time.Duration
}

type Option func(*AppModel)

// WithAutoStart runs task as soon as the program starts and quits when it
// finishes without error.
func WithAutoStart(task Task) Option {
	return func(m *AppModel) { m.autoStart = &task }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *AppModel) { m.logger = l }
}

type AppModel struct {
	ws               Workspace
	State            AppState
	tasks            []Task
	menuCursor       int
	spinner          spinner.Model
	overallProgress  progress.Model
	progressBarWidth int
	logger           *slog.Logger
	autoStart        *Task
	ctx              context.Context
	cancel           context.CancelFunc

	mu             sync.RWMutex
	fileProgress   map[string]*FileProgress
	fileOrder      []string
	overallTotal   int64
	overallCurrent int64
	currentTaskTag string
	lastActivity   string
	taskStartTime  time.Time
	lastSummary    string

	status orchestrator.Status
	debug  []pool.DebugMessage

	lastError error
	FatalErr  error
	Quitting  bool

	termWidth  int
	termHeight int

	uiMsgChan chan tea.Msg
}

// NewAppModel builds the monitor over ws. tasks populate the menu in order;
// an "Exit" entry is always appended.
func NewAppModel(ctx context.Context, ws Workspace, tasks []Task, opts ...Option) *AppModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	m := &AppModel{
		ws:              ws,
		State:           ShowMenu,
		tasks:           tasks,
		spinner:         s,
		overallProgress: progress.New(progress.WithDefaultGradient()),
		fileProgress:    make(map[string]*FileProgress),
		termWidth:       80,
		termHeight:      24,
	}
	for _, o := range opts {
		o(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With(slog.String("component", "tui"))
	m.ctx, m.cancel = context.WithCancel(ctx)
	return m
}

func (m *AppModel) Init() tea.Cmd {
	cmds := []tea.Cmd{m.spinner.Tick, m.refreshStatusCmd(), statusTick()}
	if m.autoStart != nil {
		cmds = append(cmds, m.startTask(*m.autoStart))
	}
	return tea.Batch(cmds...)
}

func (m *AppModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch m.State {
		case ShowMenu:
			cmds = append(cmds, m.handleMenuKey(msg))
		case ShowError:
			switch msg.String() {
			case "enter", "esc":
				m.State = ShowMenu
				m.lastError = nil
			case "ctrl+c", "q":
				return m, m.quit()
			}
		case Exiting:
			return m, nil
		default:
			if msg.String() == "ctrl+c" || msg.String() == "q" {
				m.logger.Warn("Quit requested while task running.", slog.String("task", m.currentTaskTag))
				return m, m.quit()
			}
		}
	case tea.WindowSizeMsg:
		m.termWidth = msg.Width
		m.termHeight = msg.Height
		m.progressBarWidth = max(0, m.termWidth-4)
		m.overallProgress.Width = m.progressBarWidth
	case ProgressMsg:
		m.mu.Lock()
		m.currentTaskTag = msg.Tag
		m.overallCurrent = msg.Current
		m.overallTotal = msg.Total
		m.lastActivity = msg.Activity
		m.mu.Unlock()
		var percent float64
		if msg.Total > 0 {
			percent = float64(msg.Current) / float64(msg.Total)
		}
		cmds = append(cmds, m.overallProgress.SetPercent(percent), waitForActivityCmd(m.uiMsgChan))
	case FileProgressMsg:
		m.applyFileProgress(msg)
		cmds = append(cmds, waitForActivityCmd(m.uiMsgChan))
	case TaskFinishedMsg:
		m.mu.Lock()
		m.uiMsgChan = nil
		m.lastSummary = msg.Message
		m.mu.Unlock()
		took := msg.EndTime.Sub(msg.StartTime).Round(time.Millisecond)
		cmds = append(cmds, m.refreshStatusCmd())
		if msg.Err != nil {
			m.logger.Error("Task failed.", slog.String("task", msg.Tag), slog.Duration("duration", took), "error", msg.Err)
			m.lastError = fmt.Errorf("task '%s' failed: %w", msg.Tag, msg.Err)
			m.State = ShowError
		} else {
			m.logger.Info("Task finished.", slog.String("task", msg.Tag), slog.Duration("duration", took), slog.String("summary", msg.Message))
			m.State = ShowMenu
			if m.autoStart != nil {
				return m, m.quit()
			}
		}
	case GeneralErrorMsg:
		m.logger.Error("General error.", "error", msg.Err)
		m.lastError = msg.Err
		m.State = ShowError
		m.uiMsgChan = nil
	case StatusMsg:
		m.mu.Lock()
		m.status = msg.Status
		m.debug = msg.Debug
		m.mu.Unlock()
	case statusTickMsg:
		if m.State != Exiting {
			cmds = append(cmds, m.refreshStatusCmd(), statusTick())
		}
	case spinner.TickMsg:
		if m.State == RunningTask {
			m.spinner, cmd = m.spinner.Update(msg)
			cmds = append(cmds, cmd)
		}
	case progress.FrameMsg:
		if m.State == RunningTask {
			progModel, frameCmd := m.overallProgress.Update(msg)
			if newModel, ok := progModel.(progress.Model); ok {
				m.overallProgress = newModel
				cmds = append(cmds, frameCmd)
			}
		}
	}
	return m, tea.Batch(cmds...)
}

func (m *AppModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("--- DICOM Staging ---"))
	b.WriteString("\n\n")
	b.WriteString(m.viewStatus())
	b.WriteString("\n")

	switch m.State {
	case ShowMenu:
		b.WriteString(m.viewMenu())
	case RunningTask:
		b.WriteString(m.viewProgress())
	case ShowError:
		b.WriteString(m.viewError())
	case Exiting:
		b.WriteString(infoStyle.Render("Exiting..."))
	}

	b.WriteString("\n")
	b.WriteString(m.viewDebug())
	b.WriteString("\n")
	switch m.State {
	case ShowMenu:
		b.WriteString(infoStyle.Render("Use up/down arrows and Enter to select. 'q' or Ctrl+C to quit."))
	case RunningTask:
		b.WriteString(infoStyle.Render("Task running... 'q' or Ctrl+C to force quit."))
	case ShowError:
		b.WriteString(infoStyle.Render("Press Enter or Esc to return to menu. 'q' or Ctrl+C to quit."))
	}
	return b.String()
}

func (m *AppModel) viewMenu() string {
	var b strings.Builder
	if m.lastSummary != "" {
		b.WriteString(infoStyle.Render("Last task: " + m.lastSummary))
		b.WriteString("\n")
	}
	b.WriteString("Select an action:\n")
	for i, choice := range m.menuChoices() {
		var line string
		if m.menuCursor == i {
			line = "> " + selectedStyle.Render(choice)
		} else {
			line = "  " + choice
		}
		b.WriteString(menuStyle.Render(line))
		b.WriteString("\n")
	}
	return b.String()
}

func (m *AppModel) viewStatus() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := m.status
	var b strings.Builder
	fmt.Fprintf(&b, "%d files in %d studies / %d series, %d anonymized, %s",
		st.Files, st.Studies, st.Series, st.Anonymized, formatBytes(st.Bytes))
	if st.Placeholders > 0 {
		b.WriteString(warnStyle.Render(fmt.Sprintf(", %d missing", st.Placeholders)))
	}
	b.WriteString("\n")

	boxes := make([]string, 0, len(st.Pools))
	for _, p := range st.Pools {
		var pb strings.Builder
		fmt.Fprintf(&pb, "%s  %d workers\n", selectedStyle.Render(p.Name), p.TotalWorkers)
		fmt.Fprintf(&pb, "active %d  queued %d\ndone %d  failed %d", p.ActiveJobs, p.QueuedJobs, p.Completed, p.Failed)
		for _, w := range st.Workers[p.Name] {
			style, ok := workerStateStyle[w.State]
			if !ok {
				style = infoStyle
			}
			fmt.Fprintf(&pb, "\n#%d %s", w.ID, style.Render(string(w.State)))
			if w.JobID != "" {
				fmt.Fprintf(&pb, " %s", truncate(w.JobID, 12))
			}
		}
		boxes = append(boxes, poolBoxStyle.Render(pb.String()))
	}
	if len(boxes) > 0 {
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, boxes...))
		b.WriteString("\n")
	}
	return b.String()
}

func (m *AppModel) viewProgress() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var b strings.Builder
	fmt.Fprintf(&b, "%s Running Task: %s %s\n", m.spinner.View(), m.currentTaskTag, m.lastActivity)
	b.WriteString(progressBarStyle.Render(m.overallProgress.View()))
	fmt.Fprintf(&b, " (%d/%d)\n\n", m.overallCurrent, m.overallTotal)

	maxLines := max(1, m.termHeight-20)
	startIdx := 0
	if len(m.fileOrder) > maxLines {
		startIdx = len(m.fileOrder) - maxLines
	}
	if len(m.fileOrder) == 0 {
		return b.String()
	}

	b.WriteString(fileProgressHeaderStyle.Render(fmt.Sprintf("%-40s | %-15s | %s", "Item", "Status", "Elapsed")))
	b.WriteString("\n")
	b.WriteString(strings.Repeat("-", m.termWidth))
	b.WriteString("\n")
	for _, id := range m.fileOrder[startIdx:] {
		fp := m.fileProgress[id]
		if fp == nil {
			continue
		}
		statusStyled, ok := fileStatusStyle[fp.Status]
		if !ok {
			statusStyled = infoStyle
		}
		elapsed := ""
		if fp.Elapsed > 0 {
			elapsed = fp.Elapsed.Round(time.Millisecond).String()
		}
		fmt.Fprintf(&b, "%-40s | %-15s | %s", truncate(fp.FileName, 40), statusStyled.Render(fp.Status), elapsed)
		if fp.Status == "Error" && fp.ErrMsg != "" {
			b.WriteString("\n")
			b.WriteString(errorStyle.Render(truncate("  -> Error: "+fp.ErrMsg, m.termWidth-1)))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (m *AppModel) viewError() string {
	var b strings.Builder
	b.WriteString(errorStyle.Render("An error occurred:"))
	b.WriteString("\n\n")
	if m.lastError != nil {
		b.WriteString(wrapText(m.lastError.Error(), m.termWidth-4))
	} else {
		b.WriteString("Unknown error.")
	}
	b.WriteString("\n")
	return b.String()
}

func (m *AppModel) viewDebug() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.debug) == 0 {
		return ""
	}
	msgs := m.debug
	if len(msgs) > debugLines {
		msgs = msgs[len(msgs)-debugLines:]
	}
	var b strings.Builder
	for _, d := range msgs {
		style := infoStyle
		switch d.Level {
		case pool.LevelWarn:
			style = warnStyle
		case pool.LevelError:
			style = errorStyle
		}
		line := fmt.Sprintf("%s %-9s w%d %s", d.Time.Format("15:04:05"), d.Pool, d.WorkerID, d.Message)
		b.WriteString(style.Render(truncate(line, m.termWidth-1)))
		b.WriteString("\n")
	}
	return b.String()
}

func (m *AppModel) menuChoices() []string {
	out := make([]string, 0, len(m.tasks)+1)
	for _, t := range m.tasks {
		out = append(out, t.Name)
	}
	return append(out, "Exit")
}

func (m *AppModel) handleMenuKey(msg tea.KeyMsg) tea.Cmd {
	choices := m.menuChoices()
	switch msg.String() {
	case "up", "k":
		if m.menuCursor > 0 {
			m.menuCursor--
		}
	case "down", "j":
		if m.menuCursor < len(choices)-1 {
			m.menuCursor++
		}
	case "enter":
		if m.menuCursor == len(choices)-1 {
			return m.quit()
		}
		task := m.tasks[m.menuCursor]
		m.logger.Info("Menu selection.", slog.String("task", task.Name))
		return m.startTask(task)
	case "ctrl+c", "q":
		return m.quit()
	}
	return nil
}

// quit cancels any running task and stops the program.
func (m *AppModel) quit() tea.Cmd {
	m.Quitting = true
	m.State = Exiting
	m.cancel()
	return tea.Quit
}

func (m *AppModel) applyFileProgress(msg FileProgressMsg) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fp, exists := m.fileProgress[msg.FileID]
	if !exists {
		fp = &FileProgress{FileName: msg.FileName, Status: "Queued", Start: time.Now()}
		m.fileProgress[msg.FileID] = fp
		m.fileOrder = append(m.fileOrder, msg.FileID)
	}
	fp.Status = msg.Status
	fp.ErrMsg = msg.ErrMsg
	if msg.Total > 0 {
		fp.Progress = float64(msg.Current) / float64(msg.Total)
	} else if msg.Status == "Complete" || msg.Status == "Skipped" {
		fp.Progress = 1.0
	}
	if msg.ElapsedTime > 0 {
		fp.Elapsed = msg.ElapsedTime
	}
}

// startTask resets the progress view and launches task on its own
// goroutine. Messages flow back through uiMsgChan, which the task closes.
// Exactly one waitForActivityCmd is outstanding at a time; Update re-arms it
// after each message read from the channel.
func (m *AppModel) startTask(task Task) tea.Cmd {
	m.lastError = nil
	m.mu.Lock()
	m.fileProgress = make(map[string]*FileProgress)
	m.fileOrder = nil
	m.overallCurrent = 0
	m.overallTotal = 0
	m.currentTaskTag = task.Tag
	m.lastActivity = ""
	m.taskStartTime = time.Now()
	ch := make(chan tea.Msg, 64)
	m.uiMsgChan = ch
	m.mu.Unlock()
	m.State = RunningTask

	ctx := m.ctx
	start := m.taskStartTime
	go func() {
		defer close(ch)
		send := func(msg tea.Msg) {
			select {
			case ch <- msg:
			case <-ctx.Done():
			}
		}
		summary, err := task.Run(ctx, send)
		send(NewTaskFinished(task.Tag, start, err, summary))
	}()
	return waitForActivityCmd(ch)
}

func (m *AppModel) refreshStatusCmd() tea.Cmd {
	ws := m.ws
	if ws == nil {
		return nil
	}
	return func() tea.Msg {
		return StatusMsg{Status: ws.Status(), Debug: ws.DebugMessages()}
	}
}

func statusTick() tea.Cmd {
	return tea.Tick(statusInterval, func(t time.Time) tea.Msg { return statusTickMsg(t) })
}

func waitForActivityCmd(ch chan tea.Msg) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return nil
		}
		return msg
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func truncate(s string, n int) string {
	if n <= 3 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func wrapText(text string, maxWidth int) string {
	if maxWidth <= 0 {
		return text
	}
	var result strings.Builder
	var currentLine strings.Builder
	for _, word := range strings.Fields(text) {
		if currentLine.Len() > 0 && currentLine.Len()+len(word)+1 > maxWidth {
			result.WriteString(currentLine.String())
			result.WriteString("\n")
			currentLine.Reset()
		}
		if currentLine.Len() > 0 {
			currentLine.WriteString(" ")
		}
		currentLine.WriteString(word)
	}
	result.WriteString(currentLine.String())
	return result.String()
}
