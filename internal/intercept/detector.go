package intercept

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrTimeout        = errors.New("intercept: no source detected before timeout")
	ErrClosed         = errors.New("intercept: session closed")
	ErrUnknownSession = errors.New("intercept: unknown session")
)

// Detector delivers at most one Source. Producers register a stop func with
// Attach; all of them are stopped once a source is found or the detector is closed.
type Detector struct {
	once    sync.Once
	done    chan struct{}
	result  Source
	found   bool
	err     error
	onFound func(Source)
	now     func() time.Time

	mu    sync.Mutex
	stops []func()
	ended bool
}

func NewDetector(now func() time.Time, onFound func(Source)) *Detector {
	if now == nil {
		now = time.Now
	}
	return &Detector{done: make(chan struct{}), now: now, onFound: onFound}
}

// Attach registers a producer's stop func. If the detector already finished
// the producer is stopped right away.
func (d *Detector) Attach(stop func()) {
	d.mu.Lock()
	if d.ended {
		d.mu.Unlock()
		stop()
		return
	}
	d.stops = append(d.stops, stop)
	d.mu.Unlock()
}

// Offer submits a candidate URL. It returns true only for the offer that won.
func (d *Detector) Offer(via Channel, rawURL string) bool {
	kind, ok := Classify(rawURL)
	if !ok {
		return false
	}
	won := false
	d.once.Do(func() {
		d.result = Source{URL: rawURL, Kind: kind, Via: via, FoundAt: d.now()}
		d.found = true
		won = true
		close(d.done)
	})
	if !won {
		return false
	}
	d.stopAll()
	if d.onFound != nil {
		d.onFound(d.result)
	}
	return true
}

// Close ends detection without a result. Waiters get ErrClosed and later
// offers are ignored.
func (d *Detector) Close() {
	d.end(ErrClosed)
}

// Expire is Close for a detector that ran out of time; waiters get
// ErrTimeout. It reports whether this call ended detection.
func (d *Detector) Expire() bool {
	return d.end(ErrTimeout)
}

func (d *Detector) end(reason error) bool {
	ended := false
	d.once.Do(func() {
		d.err = reason
		ended = true
		close(d.done)
	})
	d.stopAll()
	return ended
}

func (d *Detector) stopAll() {
	d.mu.Lock()
	stops := d.stops
	d.stops = nil
	d.ended = true
	d.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
}

func (d *Detector) Done() <-chan struct{} {
	return d.done
}

// Result reports the winning source, if any. The second value is false while
// detection is running and after it ended without result.
func (d *Detector) Result() (Source, bool) {
	select {
	case <-d.done:
		return d.result, d.found
	default:
		return Source{}, false
	}
}

// Err is ErrTimeout or ErrClosed once detection ended without a result, and
// nil otherwise.
func (d *Detector) Err() error {
	select {
	case <-d.done:
		return d.err
	default:
		return nil
	}
}

// Wait blocks until a source is found, detection ends (ErrTimeout or
// ErrClosed) or ctx ends.
func (d *Detector) Wait(ctx context.Context) (Source, error) {
	select {
	case <-d.done:
		if d.found {
			return d.result, nil
		}
		return Source{}, d.err
	case <-ctx.Done():
		return Source{}, ctx.Err()
	}
}
