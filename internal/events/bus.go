// Package events is the process-wide change-notification channel. Index
// writes publish typed events after their transaction commits; consumers
// subscribe instead of polling.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
)

// Kind names what changed.
type Kind string

const (
	DocumentCreated Kind = "documentCreated"
	DocumentUpdated Kind = "documentUpdated"
	DocumentDeleted Kind = "documentDeleted"
	LinksChanged    Kind = "linksChanged"
	// BulkRefresh follows a rebuild: every cached view is invalid.
	BulkRefresh Kind = "bulkRefresh"
)

// Event is one index change. Seq is assigned by the bus and increases by
// one per published event.
type Event struct {
	Kind       Kind   `json:"kind"`
	Workspace  string `json:"workspace,omitempty"`
	DocumentID string `json:"document_id,omitempty"`
	Path       string `json:"path,omitempty"`
	Seq        uint64 `json:"seq"`
}

// Publisher is what index writers need from the bus.
type Publisher interface {
	Publish(Event)
}

// Bus fans events out to subscribers in publish order.
//
// Concurrency model: a single internal event loop (goroutine) owns the
// subscriber set and the sequence counter. Public methods talk to the loop
// through channels, so no mutexes are required. A subscriber whose buffer is
// full misses the event rather than stalling every other subscriber; the
// Dropped counter records how often that happened.
type Bus struct {
	buffer int

	subscribeCh   chan chan Event
	unsubscribeCh chan chan Event
	publishCh     chan Event
	countReqCh    chan chan int

	dropped atomic.Uint64
	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBus starts a bus whose subscribers get buffer-sized channels.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	b := &Bus{
		buffer:        buffer,
		subscribeCh:   make(chan chan Event),
		unsubscribeCh: make(chan chan Event),
		publishCh:     make(chan Event, 256),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Bus) run() {
	defer close(b.stopped)

	subs := make(map[chan Event]struct{})
	var seq uint64

	for {
		select {
		case <-b.stopCh:
			for ch := range subs {
				close(ch)
			}
			return

		case ch := <-b.subscribeCh:
			subs[ch] = struct{}{}

		case ch := <-b.unsubscribeCh:
			if _, ok := subs[ch]; ok {
				delete(subs, ch)
				close(ch)
			}

		case ev := <-b.publishCh:
			seq++
			ev.Seq = seq
			for ch := range subs {
				select {
				case ch <- ev:
				default:
					b.dropped.Add(1)
				}
			}

		case resp := <-b.countReqCh:
			resp <- len(subs)
		}
	}
}

// Close stops the loop and closes every subscriber channel.
func (b *Bus) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe registers a new subscriber and returns its channel.
func (b *Bus) Subscribe() chan Event {
	ch := make(chan Event, b.buffer)
	if b.closed.Load() {
		close(ch)
		return ch
	}
	select {
	case b.subscribeCh <- ch:
	case <-b.stopped:
		close(ch)
	}
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	if b.closed.Load() {
		return 0
	}
	resp := make(chan int, 1)
	select {
	case b.countReqCh <- resp:
	case <-b.stopped:
		return 0
	}
	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Dropped returns how many deliveries were skipped because a subscriber
// was not keeping up.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Publish queues an event for delivery.
func (b *Bus) Publish(ev Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- ev:
	case <-b.stopped:
	}
}

// ServeHTTP streams events as Server-Sent Events (GET /api/events).
func (b *Bus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				slog.Error("events: encode failed", slog.String("error", err.Error()))
				continue
			}
			_, _ = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Kind, payload)
			flusher.Flush()
		}
	}
}
