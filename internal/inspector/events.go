package inspector

import (
	"strings"

	"github.com/go-rod/rod/lib/proto"
)

// EventKind identifies a session lifecycle or runtime event.
type EventKind int

const (
	// EventDisconnected fires once per connected period, however it ended.
	EventDisconnected EventKind = iota
	// EventError fires before EventDisconnected when the transport failed.
	EventError
	// EventConsole carries a console API call made by the remote runtime.
	EventConsole
	// EventException carries an exception the remote runtime did not catch.
	EventException
)

// String returns a string representation of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventDisconnected:
		return "disconnected"
	case EventError:
		return "error"
	case EventConsole:
		return "console"
	case EventException:
		return "exception"
	default:
		return "unknown"
	}
}

// Event is delivered to session observers.
type Event struct {
	Kind EventKind

	// Key is the pool key of the session's endpoint.
	Key string

	// Err is set for EventError and, when the close was not requested,
	// for EventDisconnected.
	Err error

	Console   *proto.RuntimeConsoleAPICalled
	Exception *proto.RuntimeExceptionThrown
}

// ConsoleText renders the arguments of a console event.
func (e Event) ConsoleText() string {
	if e.Console == nil {
		return ""
	}
	parts := make([]string, 0, len(e.Console.Args))
	for _, a := range e.Console.Args {
		if a == nil {
			continue
		}
		if !a.Value.Nil() {
			if s, ok := a.Value.Val().(string); ok {
				parts = append(parts, s)
			} else {
				parts = append(parts, a.Value.JSON("", ""))
			}
			continue
		}
		if a.Description != "" {
			parts = append(parts, a.Description)
		}
	}
	return strings.Join(parts, " ")
}

// Observer receives session events. Observers run on the session's receive
// goroutine and must not block.
type Observer func(Event)

// Subscribe registers an observer and returns a function that removes it.
func (s *Session) Subscribe(o Observer) (unsubscribe func()) {
	s.observersMu.Lock()
	id := s.nextID
	s.nextID++
	s.observers[id] = o
	s.observersMu.Unlock()

	return func() {
		s.observersMu.Lock()
		delete(s.observers, id)
		s.observersMu.Unlock()
	}
}

func (s *Session) emit(ev Event) {
	s.observersMu.RLock()
	observers := make([]Observer, 0, len(s.observers))
	for _, o := range s.observers {
		observers = append(observers, o)
	}
	s.observersMu.RUnlock()

	for _, o := range observers {
		o(ev)
	}
}
