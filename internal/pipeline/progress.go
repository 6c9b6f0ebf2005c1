package pipeline

import (
	"sync"
	"sync/atomic"
)

// Progress is partitioned between the two stages
const (
	ExtractShare = 60
	MaxProgress  = 100
)

// ProgressFunc receives a percentage in [0,100]
type ProgressFunc func(percent int)

func nopProgress(int) {}

// extractProgress scales frames done to [0,ExtractShare]. An unknown total
// holds progress at 0.
func extractProgress(done, total int) int {
	if total <= 0 {
		return 0
	}
	p := done * ExtractShare / total
	if p > ExtractShare {
		p = ExtractShare
	}
	return p
}

// exportProgress scales the zero-based frame index into [ExtractShare,MaxProgress]
func exportProgress(index, total int) int {
	if total <= 0 {
		return ExtractShare
	}
	p := ExtractShare + index*(MaxProgress-ExtractShare)/total
	if p > MaxProgress {
		p = MaxProgress
	}
	return p
}

// Reporter fans progress out to subscribers. Reported values are clamped to
// [0,100] and only increases are delivered. Report and Progress may be called
// from any goroutine.
type Reporter struct {
	last atomic.Int32

	mu   sync.Mutex
	subs []ProgressFunc
}

// NewReporter creates a reporter delivering to subs
func NewReporter(subs ...ProgressFunc) *Reporter {
	r := &Reporter{}
	for _, s := range subs {
		r.Subscribe(s)
	}
	return r
}

// Subscribe adds a receiver for future reports
func (r *Reporter) Subscribe(f ProgressFunc) {
	if f == nil {
		return
	}
	r.mu.Lock()
	r.subs = append(r.subs, f)
	r.mu.Unlock()
}

// Report publishes percent if it is higher than the last value
func (r *Reporter) Report(percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > MaxProgress {
		percent = MaxProgress
	}

	for {
		cur := r.last.Load()
		if int32(percent) <= cur {
			return
		}
		if r.last.CompareAndSwap(cur, int32(percent)) {
			break
		}
	}

	// serialized so subscribers never see values out of order
	r.mu.Lock()
	defer r.mu.Unlock()
	if int32(percent) != r.last.Load() {
		return
	}
	for _, f := range r.subs {
		f(percent)
	}
}

// Progress returns the last reported value
func (r *Reporter) Progress() int {
	return int(r.last.Load())
}
