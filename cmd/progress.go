package cmd

import (
	"os"

	"github.com/schollz/progressbar/v3"
)

// newBar returns a stderr progress bar; max may be changed later as totals
// become known.
func newBar(max int64, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions64(max,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionClearOnFinish(),
	)
}

// batchBar adapts a bar to the done/total callback of the worker pools.
func batchBar(description string) (*progressbar.ProgressBar, func(done, total int)) {
	bar := newBar(-1, description)
	return bar, func(done, total int) {
		if int64(total) != bar.GetMax64() {
			bar.ChangeMax(total)
		}
		_ = bar.Set(done)
	}
}
