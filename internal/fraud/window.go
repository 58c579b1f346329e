package fraud

import (
	"sync"
	"time"
)

type event struct {
	at      time.Time
	success bool
	origin  string
	amount  int64
	product string
}

type series struct {
	events   []event
	lastSeen time.Time
}

// window keeps per-actor events no older than span. It is bounded in both directions: at most
// maxPerActor events per actor and maxActors actors, evicting the least recently active actor.
type window struct {
	mu          sync.Mutex
	span        time.Duration
	maxPerActor int
	maxActors   int
	actors      map[string]*series
}

func newWindow(span time.Duration, maxPerActor, maxActors int) *window {
	return &window{
		span:        span,
		maxPerActor: maxPerActor,
		maxActors:   maxActors,
		actors:      map[string]*series{},
	}
}

// add appends ev for key after evicting expired events, and returns a copy of the live events.
func (w *window) add(key string, ev event) []event {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.actors[key]
	if !ok {
		if len(w.actors) >= w.maxActors {
			w.evictLRU()
		}
		s = &series{}
		w.actors[key] = s
	}
	s.events = prune(s.events, ev.at.Add(-w.span))
	s.events = append(s.events, ev)
	if len(s.events) > w.maxPerActor {
		s.events = append(s.events[:0:0], s.events[len(s.events)-w.maxPerActor:]...)
	}
	s.lastSeen = ev.at
	return append([]event(nil), s.events...)
}

// snapshot returns key's live events as of now without recording anything.
func (w *window) snapshot(key string, now time.Time) []event {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.actors[key]
	if !ok {
		return nil
	}
	s.events = prune(s.events, now.Add(-w.span))
	if len(s.events) == 0 {
		delete(w.actors, key)
		return nil
	}
	return append([]event(nil), s.events...)
}

func (w *window) size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.actors)
}

func (w *window) evictLRU() {
	var (
		oldestKey string
		oldest    time.Time
		first     = true
	)
	for k, s := range w.actors {
		if first || s.lastSeen.Before(oldest) {
			oldestKey, oldest, first = k, s.lastSeen, false
		}
	}
	delete(w.actors, oldestKey)
}

// prune drops events at or before cutoff. Events are appended in time order.
func prune(events []event, cutoff time.Time) []event {
	i := 0
	for i < len(events) && !events[i].at.After(cutoff) {
		i++
	}
	if i == 0 {
		return events
	}
	return append(events[:0:0], events[i:]...)
}
