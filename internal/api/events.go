package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"git.home.luguber.info/inful/repobuilder/internal/events"
	"git.home.luguber.info/inful/repobuilder/internal/logfields"
)

// EventStream relays build events to Server-Sent Events clients. It is an
// events.Publisher so that the result processor can feed it directly.
type EventStream struct {
	mu          sync.RWMutex
	subscribers map[chan events.BuildEvent]string
	idle        time.Duration
}

// NewEventStream creates an empty stream.
func NewEventStream() *EventStream {
	return &EventStream{subscribers: map[chan events.BuildEvent]string{}, idle: 60 * time.Second}
}

// Subscribe returns a channel receiving the events of project, or of every
// project when project is empty, and a function to unsubscribe.
func (es *EventStream) Subscribe(project string) (<-chan events.BuildEvent, func()) {
	ch := make(chan events.BuildEvent, 16)
	es.mu.Lock()
	es.subscribers[ch] = project
	es.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			es.mu.Lock()
			delete(es.subscribers, ch)
			es.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers ev to every matching subscriber without blocking.
func (es *EventStream) Publish(_ context.Context, ev events.BuildEvent) error {
	es.mu.RLock()
	defer es.mu.RUnlock()
	for ch, project := range es.subscribers {
		if project != "" && project != ev.Project {
			continue
		}
		select {
		case ch <- ev:
		default:
			slog.Warn("Event channel full, dropping event", logfields.Project(ev.Project))
		}
	}
	return nil
}

// Close disconnects every subscriber.
func (es *EventStream) Close() error {
	es.mu.Lock()
	defer es.mu.Unlock()
	for ch := range es.subscribers {
		delete(es.subscribers, ch)
		close(ch)
	}
	return nil
}

// SubscriberCount returns the number of connected clients.
func (es *EventStream) SubscriberCount() int {
	es.mu.RLock()
	defer es.mu.RUnlock()
	return len(es.subscribers)
}

// handleEvents streams build results as SSE. The stream ends when the
// client disconnects or no event arrives within the idle timeout.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch, unsubscribe := s.stream.Subscribe(project)
	defer unsubscribe()
	slog.Info("Build event stream opened", logfields.Project(project))

	writeSSE(w, "connected", []byte(`{}`))
	idle := time.NewTimer(s.stream.idle)
	defer idle.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-idle.C:
			writeSSE(w, "timeout", []byte(`{}`))
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := ev.Marshal()
			if err != nil {
				slog.Error("Failed to marshal build event", logfields.Error(err))
				continue
			}
			writeSSE(w, ev.Type, data)
			idle.Reset(s.stream.idle)
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, data []byte) {
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
