package pool

import (
	"sort"
	"sync"
	"time"
)

const DefaultDebugLogSize = 500

type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// DebugMessage is one entry of a pool's diagnostic ring.
type DebugMessage struct {
	Time     time.Time `json:"time"`
	Pool     string    `json:"pool"`
	Seq      uint64    `json:"seq"`
	Level    Level     `json:"level"`
	WorkerID int       `json:"workerId"`
	JobID    string    `json:"jobId,omitempty"`
	Message  string    `json:"message"`
}

// DebugSource is anything that exposes a debug ring.
type DebugSource interface {
	DebugMessages() []DebugMessage
}

// debugRing keeps the newest size messages; older ones are overwritten.
type debugRing struct {
	mu   sync.Mutex
	buf  []DebugMessage
	next int
	full bool
	seq  uint64
}

func newDebugRing(size int) *debugRing {
	if size <= 0 {
		size = DefaultDebugLogSize
	}
	return &debugRing{buf: make([]DebugMessage, size)}
}

func (r *debugRing) add(m DebugMessage) DebugMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	m.Seq = r.seq
	r.buf[r.next] = m
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	return m
}

// snapshot returns messages oldest first.
func (r *debugRing) snapshot() []DebugMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]DebugMessage, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]DebugMessage, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}

func (r *debugRing) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next = 0
	r.full = false
	for i := range r.buf {
		r.buf[i] = DebugMessage{}
	}
}

// MergeDebugMessages interleaves the rings of several pools chronologically.
// Ties are broken by pool name and then by sequence number.
func MergeDebugMessages(sources ...DebugSource) []DebugMessage {
	var all []DebugMessage
	for _, s := range sources {
		all = append(all, s.DebugMessages()...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if !a.Time.Equal(b.Time) {
			return a.Time.Before(b.Time)
		}
		if a.Pool != b.Pool {
			return a.Pool < b.Pool
		}
		return a.Seq < b.Seq
	})
	return all
}
