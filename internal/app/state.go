package app

// AppState represents the different views/modes of the application.
type AppState int

const (
	ShowMenu AppState = iota
	RunningTask
	ShowError
	Exiting
)

func (s AppState) String() string {
	switch s {
	case ShowMenu:
		return "menu"
	case RunningTask:
		return "running"
	case ShowError:
		return "error"
	case Exiting:
		return "exiting"
	}
	return "unknown"
}
