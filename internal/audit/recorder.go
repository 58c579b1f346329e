package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Recorder hands events to a Sink from a background goroutine. Record never blocks: when the
// buffer is full the event is dropped and counted.
type Recorder struct {
	sink    Sink
	logger  *zap.Logger
	timeout time.Duration
	events  chan Event

	mu      sync.Mutex
	closed  bool
	dropped int
	failed  int

	done chan struct{}
}

// NewRecorder starts the writer goroutine. buffer <= 0 defaults to 256.
func NewRecorder(sink Sink, buffer int, logger *zap.Logger) *Recorder {
	if buffer <= 0 {
		buffer = 256
	}
	r := &Recorder{
		sink:    sink,
		logger:  logger,
		timeout: 2 * time.Second,
		events:  make(chan Event, buffer),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Record enqueues e. It is safe to call on a nil Recorder.
func (r *Recorder) Record(e Event) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.events <- e:
	default:
		r.dropped++
		r.logger.Warn("audit buffer full, event dropped",
			zap.String("event_id", e.ID),
			zap.String("type", e.Type))
	}
}

// Stats returns how many events were dropped on a full buffer and how many the sink rejected.
func (r *Recorder) Stats() (dropped, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped, r.failed
}

// Close flushes queued events, waits for the writer to finish, then closes the sink.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.events)
	r.mu.Unlock()
	<-r.done
	return r.sink.Close()
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.events {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		err := r.sink.Write(ctx, e)
		cancel()
		if err != nil {
			r.mu.Lock()
			r.failed++
			r.mu.Unlock()
			r.logger.Warn("audit write failed",
				zap.String("event_id", e.ID),
				zap.String("type", e.Type),
				zap.Error(err))
		}
	}
}
