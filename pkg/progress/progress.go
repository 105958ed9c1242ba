// Package progress provides the callback contract used by long-running
// operations (snapshot writes, restores) to report how far along they are.
package progress

// Func receives progress updates. current and total are in operation-defined
// units (usually bytes); message is a short human-readable status.
type Func func(current, total int64, message string)

// Tracker accumulates progress state and forwards updates to an optional Func.
// A nil callback is valid; all methods are then no-ops beyond bookkeeping.
type Tracker struct {
	callback Func
	current  int64
	total    int64
	message  string
}

// NewTracker creates a tracker forwarding to callback (may be nil).
func NewTracker(callback Func) *Tracker {
	return &Tracker{callback: callback}
}

// Start resets the tracker for a new operation of the given total size.
func (t *Tracker) Start(total int64, message string) {
	t.current = 0
	t.total = total
	t.message = message
	t.notify()
}

// Update advances the current position and optionally replaces the message.
func (t *Tracker) Update(current int64, message string) {
	t.current = current
	if message != "" {
		t.message = message
	}
	t.notify()
}

// Finish marks the operation complete.
func (t *Tracker) Finish(message string) {
	t.current = t.total
	if message != "" {
		t.message = message
	}
	t.notify()
}

// Current returns the last reported position.
func (t *Tracker) Current() int64 { return t.current }

func (t *Tracker) notify() {
	if t.callback != nil {
		t.callback(t.current, t.total, t.message)
	}
}
