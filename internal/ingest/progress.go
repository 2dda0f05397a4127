package ingest

type Stage string

const (
	StageExtract Stage = "extract"
	StageParse   Stage = "parse"
	StageStore   Stage = "store"
	StageDone    Stage = "done"
)

// Progress is one staged progress report. Percent never decreases within a
// batch.
type Progress struct {
	Stage   Stage
	Percent float64
	Done    int
	Total   int
	Item    string
}

// Stage bands: extraction [0,20), parsing [20,70), storage [70,100].
var bands = map[Stage][2]float64{
	StageExtract: {0, 20},
	StageParse:   {20, 70},
	StageStore:   {70, 100},
	StageDone:    {100, 100},
}

type tracker struct {
	fn   func(Progress)
	last float64
}

func newTracker(fn func(Progress)) *tracker {
	return &tracker{fn: fn}
}

func (t *tracker) report(stage Stage, done, total int, item string) {
	if t.fn == nil {
		return
	}
	band := bands[stage]
	pct := band[0]
	if total > 0 {
		pct = band[0] + (band[1]-band[0])*float64(done)/float64(total)
	}
	// The extract and parse bands are half-open.
	if stage != StageStore && stage != StageDone && pct >= band[1] {
		pct = band[1] - 0.01
	}
	if pct < t.last {
		pct = t.last
	}
	t.last = pct
	t.fn(Progress{Stage: stage, Percent: pct, Done: done, Total: total, Item: item})
}

func (t *tracker) finish() {
	t.report(StageDone, 1, 1, "")
}
