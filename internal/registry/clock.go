package registry

import "time"

// Clock schedules the registry's timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a scheduled single-shot callback.
type Timer interface {
	Stop() bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// task is a cancellable, re-armable single-shot callback. Re-arming or
// stopping bumps gen, so a callback that already fired but has not yet
// taken the registry lock becomes a no-op.
type task struct {
	timer Timer
	gen   uint64
}

func (t *task) stop() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
}

func (t *task) armed() bool { return t.timer != nil }

// schedule (re)arms t to run fn after d. fn runs with the registry lock held.
func (r *Registry) schedule(t *task, d time.Duration, fn func()) {
	t.stop()
	gen := t.gen
	t.timer = r.clock.AfterFunc(d, func() {
		r.mu.Lock()
		defer r.unlock()
		if t.gen != gen || r.closed {
			return
		}
		t.timer = nil
		fn()
	})
}
