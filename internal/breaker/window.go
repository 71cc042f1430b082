package breaker

import "time"

type bucket struct {
	epoch     int64
	failures  int
	successes int
}

// rollingWindow counts outcomes over the last span using fixed-width buckets.
// Not safe for concurrent use; the breaker guards it.
type rollingWindow struct {
	width   int64
	buckets []bucket
}

func newRollingWindow(span time.Duration, n int) *rollingWindow {
	width := int64(span) / int64(n)
	if width <= 0 {
		width = 1
	}
	w := &rollingWindow{width: width, buckets: make([]bucket, n)}
	w.reset()
	return w
}

func (w *rollingWindow) epoch(now time.Time) int64 {
	return now.UnixNano() / w.width
}

func (w *rollingWindow) record(now time.Time, failed bool) {
	e := w.epoch(now)
	b := &w.buckets[int(e%int64(len(w.buckets)))]
	if b.epoch != e {
		*b = bucket{epoch: e}
	}
	if failed {
		b.failures++
	} else {
		b.successes++
	}
}

func (w *rollingWindow) counts(now time.Time) (failures, successes int) {
	e := w.epoch(now)
	oldest := e - int64(len(w.buckets))
	for _, b := range w.buckets {
		if b.epoch > oldest && b.epoch <= e {
			failures += b.failures
			successes += b.successes
		}
	}
	return failures, successes
}

func (w *rollingWindow) reset() {
	for i := range w.buckets {
		w.buckets[i] = bucket{epoch: -1}
	}
}
