package diagnostics

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const defaultHistorySize = 4096

// CreateOptions contains optional settings when creating a Recorder. The zero value is valid.
type CreateOptions struct {
	// HistorySize is the number of most recent events kept for Events. 0 means 4096.
	HistorySize int
}

// Recorder keeps a bounded history of events and fans every event out to subscribers. Emit never blocks: an
// event that does not fit into a subscriber's buffer is dropped for that subscriber and counted.
type Recorder struct {
	logger *slog.Logger

	mutex   sync.Mutex
	history []Event
	next    int
	total   int

	subscribers  map[int]chan Event
	subscriberID int

	dropped atomic.Int64
}

func NewRecorder(logger *slog.Logger, options CreateOptions) *Recorder {
	historySize := options.HistorySize
	if historySize <= 0 {
		historySize = defaultHistorySize
	}

	return &Recorder{
		logger:      logger,
		history:     make([]Event, 0, historySize),
		subscribers: make(map[int]chan Event),
	}
}

func (r *Recorder) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if len(r.history) < cap(r.history) {
		r.history = append(r.history, event)
	} else {
		r.history[r.next] = event
		r.next = (r.next + 1) % len(r.history)
	}
	r.total++

	for _, subscriber := range r.subscribers {
		select {
		case subscriber <- event:
		default:
			r.dropped.Add(1)
		}
	}
}

// Events returns the retained history, oldest first
func (r *Recorder) Events() []Event {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	events := make([]Event, 0, len(r.history))
	events = append(events, r.history[r.next:]...)
	events = append(events, r.history[:r.next]...)
	return events
}

// Total returns the number of events ever emitted
func (r *Recorder) Total() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.total
}

// Dropped returns the number of subscriber deliveries that were skipped because a buffer was full
func (r *Recorder) Dropped() int {
	return int(r.dropped.Load())
}

// Subscribe returns a channel that receives every event emitted from now on, along with a function that
// unsubscribes and closes the channel
func (r *Recorder) Subscribe(buffer int) (<-chan Event, func()) {
	r.logger.Debug("Recorder::Subscribe")

	channel := make(chan Event, buffer)

	r.mutex.Lock()
	id := r.subscriberID
	r.subscriberID++
	r.subscribers[id] = channel
	r.mutex.Unlock()

	var once sync.Once
	return channel, func() {
		once.Do(func() {
			r.mutex.Lock()
			delete(r.subscribers, id)
			r.mutex.Unlock()

			close(channel)
		})
	}
}
