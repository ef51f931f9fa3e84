package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ledgerkeep/ledgerkeep/internal/logging"
)

// LogSink writes audit events through the structured logger from a background
// goroutine. Events are buffered; when the buffer is full the event is
// dropped and counted rather than blocking the caller. Log stays safe to
// call at any point, including during and after Close: the events channel is
// never closed, shutdown is signalled out of band.
type LogSink struct {
	log     logging.Logger
	events  chan Event
	quit    chan struct{}
	done    chan struct{}
	dropped atomic.Int64
	closed  atomic.Bool
	once    sync.Once
}

// NewLogSink starts a sink with the given buffer capacity.
func NewLogSink(log logging.Logger, buffer int) *LogSink {
	if buffer <= 0 {
		buffer = 256
	}
	s := &LogSink{
		log:    log.With("component", "audit"),
		events: make(chan Event, buffer),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *LogSink) run() {
	defer close(s.done)
	for {
		select {
		case ev := <-s.events:
			s.write(ev)
		case <-s.quit:
			// Flush whatever is already buffered, then stop.
			for {
				select {
				case ev := <-s.events:
					s.write(ev)
				default:
					return
				}
			}
		}
	}
}

func (s *LogSink) write(ev Event) {
	s.log.Info(context.Background(), "audit event",
		"kind", ev.Kind,
		"owner_id", ev.OwnerID,
		"severity", string(ev.Severity),
		"at", ev.At,
		"payload", ev.Payload,
	)
}

// Log enqueues an event. It never blocks and never panics: if the buffer is
// full or the sink is closed the event is dropped.
func (s *LogSink) Log(kind string, payload map[string]any, ownerID string, severity Severity) {
	if s.closed.Load() {
		s.dropped.Add(1)
		return
	}
	ev := Event{
		Kind:     kind,
		Payload:  payload,
		OwnerID:  ownerID,
		Severity: severity,
		At:       time.Now(),
	}
	select {
	case s.events <- ev:
	default:
		s.dropped.Add(1)
	}
}

// Dropped reports how many events were discarded due to a full buffer or a
// closed sink.
func (s *LogSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close flushes buffered events and stops the background goroutine. Events
// logged after Close are dropped, not delivered.
func (s *LogSink) Close() {
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.quit)
		<-s.done
	})
}
