// Package world defines the narrow contract between the relay core and a
// live world session, independent of the transport that carries it.
package world

import (
	"context"
	"errors"
	"fmt"
)

// EventKind enumerates what a Session reports.
type EventKind int

const (
	// EventSpawn is emitted once the session has joined the world.
	EventSpawn EventKind = iota
	// EventChat is a public chat line.
	EventChat
	// EventWhisper is a private message addressed to the session.
	EventWhisper
	// EventMessage is a system line that is neither chat nor whisper.
	EventMessage
	// EventKicked reports that the world removed the session.
	EventKicked
	// EventEnd is the final event of a session.
	EventEnd
	// EventError reports a non-fatal session error.
	EventError
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventSpawn:
		return "spawn"
	case EventChat:
		return "chat"
	case EventWhisper:
		return "whisper"
	case EventMessage:
		return "message"
	case EventKicked:
		return "kicked"
	case EventEnd:
		return "end"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one occurrence on a world session.
type Event struct {
	Kind   EventKind
	Sender string
	Text   string
	// Reason carries the kick or end reason.
	Reason string
	Err    error
}

// ErrClosed is returned by SendCommand on a session that has been closed.
var ErrClosed = errors.New("world session closed")

// Session is a single live world connection.
//
// Events is closed after EventEnd has been delivered. Close is idempotent.
type Session interface {
	Events() <-chan Event
	SendCommand(ctx context.Context, text string) error
	Identity() string
	Close() error
}

// Dialer opens new world sessions.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Session, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context) (Session, error) {
	return f(ctx)
}

// FormatWhisper renders a whisper command from a template containing the
// {target} and {text} placeholders.
func FormatWhisper(template, target, text string) string {
	out := make([]byte, 0, len(template)+len(target)+len(text))
	for i := 0; i < len(template); {
		switch {
		case hasAt(template, i, "{target}"):
			out = append(out, target...)
			i += len("{target}")
		case hasAt(template, i, "{text}"):
			out = append(out, text...)
			i += len("{text}")
		default:
			out = append(out, template[i])
			i++
		}
	}
	return string(out)
}

func hasAt(s string, i int, sub string) bool {
	return len(s)-i >= len(sub) && s[i:i+len(sub)] == sub
}
