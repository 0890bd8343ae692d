package supervisor

import (
	"time"

	"github.com/appstead/appstead/internal/app"
)

// restartWindow keeps the timestamps of automatic relaunches so the
// policy's MaxRestarts bound can be evaluated over a sliding window.
type restartWindow struct {
	times []time.Time
}

func (w *restartWindow) add(t time.Time) { w.times = append(w.times, t) }

// prune drops entries at or before cutoff.
func (w *restartWindow) prune(cutoff time.Time) {
	keep := w.times[:0]
	for _, t := range w.times {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	w.times = keep
}

func (w *restartWindow) count() int { return len(w.times) }

func (w *restartWindow) reset() { w.times = w.times[:0] }

// backoffDelay doubles the base delay per consecutive relaunch, capped
// at MaxDelay.
func backoffDelay(p app.RestartPolicy, consecutive int) time.Duration {
	d := p.Delay
	for i := 0; i < consecutive; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
