package processor

import "time"

// WindowLength is the span of one send-rate window.
const WindowLength = time.Hour

// RateWindow counts successful sends in a fixed one-hour window. It is a value:
// Check and Record return the updated window and leave the receiver alone, so
// callers thread it through batches explicitly.
//
// A fixed window allows up to twice the limit across a window boundary.
type RateWindow struct {
	Start time.Time
	Count int
}

// NewRateWindow starts an empty window at now.
func NewRateWindow(now time.Time) RateWindow {
	return RateWindow{Start: now}
}

// Check reports whether another send is allowed at now under limit. The
// returned window is reset when the current one has expired.
func (w RateWindow) Check(now time.Time, limit int) (RateWindow, bool) {
	if w.Start.IsZero() || now.Sub(w.Start) >= WindowLength {
		w = RateWindow{Start: now}
	}
	return w, w.Count < limit
}

// Record counts one successful send.
func (w RateWindow) Record() RateWindow {
	w.Count++
	return w
}

// Remaining returns how many sends the window still allows under limit.
func (w RateWindow) Remaining(limit int) int {
	if n := limit - w.Count; n > 0 {
		return n
	}
	return 0
}
