package registry

import "github.com/bryanchriswhite/PiPMirror/internal/capture"

// EventType names a registry event
type EventType string

const (
	EventOpened  EventType = "opened"
	EventFocused EventType = "focused"
	EventState   EventType = "state"
	EventFailed  EventType = "failed"
	EventClosed  EventType = "closed"
)

// Event describes a change to a mirror
type Event struct {
	Type   EventType     `json:"type"`
	Handle Handle        `json:"handle"`
	Key    string        `json:"key"`
	Name   string        `json:"name"`
	State  capture.State `json:"state"`
	Error  string        `json:"error,omitempty"`
}

// Subscribe returns a channel of registry events. Slow listeners miss events.
func (r *Registry) Subscribe() <-chan Event {
	ch := make(chan Event, 64)
	r.subMu.Lock()
	r.subs[ch] = struct{}{}
	r.subMu.Unlock()
	return ch
}

// Unsubscribe stops delivery and closes the channel
func (r *Registry) Unsubscribe(ch <-chan Event) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for c := range r.subs {
		if c == ch {
			delete(r.subs, c)
			close(c)
			return
		}
	}
}

func (r *Registry) emit(ev Event) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for ch := range r.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
