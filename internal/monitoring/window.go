package monitoring

import "time"

// weightSample is one (timestamp, weight) observation in a hopper's
// starvation window.
type weightSample struct {
	at     time.Time
	weight float64
}

// slidingWindow holds the trailing starvationWindow worth of weight
// samples for one hopper. It is owned exclusively by the Monitoring
// Engine and never exposed (spec §5).
type slidingWindow struct {
	span    time.Duration
	samples []weightSample
	// anchor is the most recently evicted sample, i.e. the newest
	// observation taken more than span before the latest one. Once set,
	// full and delta measure across the whole span from it.
	anchor *weightSample
}

func newSlidingWindow(span time.Duration) *slidingWindow {
	return &slidingWindow{span: span}
}

// add appends a sample and evicts anything older than span, keeping the
// newest evicted sample as the anchor.
func (w *slidingWindow) add(at time.Time, weight float64) {
	w.samples = append(w.samples, weightSample{at: at, weight: weight})

	cutoff := at.Add(-w.span)
	i := 0
	for i < len(w.samples) && w.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		evicted := w.samples[i-1]
		w.anchor = &evicted
		w.samples = w.samples[i:]
	}
}

// full reports whether the window spans at least the configured duration,
// i.e. enough history has accumulated to judge starvation.
func (w *slidingWindow) full() bool {
	if w.anchor != nil {
		return true
	}
	if len(w.samples) < 2 {
		return false
	}
	return w.samples[len(w.samples)-1].at.Sub(w.samples[0].at) >= w.span
}

// delta returns the weight change to the newest sample from the anchor, or
// from the oldest retained sample when nothing has been evicted yet.
func (w *slidingWindow) delta() float64 {
	if len(w.samples) == 0 {
		return 0
	}
	oldest := w.samples[0].weight
	if w.anchor != nil {
		oldest = w.anchor.weight
	}
	return w.samples[len(w.samples)-1].weight - oldest
}

// reset clears all retained samples and the anchor, e.g. when a hopper is
// re-armed.
func (w *slidingWindow) reset() {
	w.samples = w.samples[:0]
	w.anchor = nil
}
