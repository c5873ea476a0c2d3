package core

import (
	"errors"
	"fmt"
)

// WorkerID identifies a worker for the lifetime of its pool. IDs are assigned
// monotonically and never reused.
type WorkerID int

// OwnerID is the id of the owning worker, the context that created the pool.
const OwnerID WorkerID = 0

// PayloadKind describes how a message body should be interpreted by script.
type PayloadKind int

const (
	PayloadText PayloadKind = iota // body is an opaque string
	PayloadJSON                    // body is a JSON document
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadText:
		return "text"
	case PayloadJSON:
		return "json"
	default:
		return fmt.Sprintf("PayloadKind(%d)", int(k))
	}
}

// Payload is the opaque body carried by a Message.
type Payload struct {
	Kind PayloadKind
	Body string
}

// TextPayload wraps a plain string body.
func TextPayload(s string) Payload {
	return Payload{Kind: PayloadText, Body: s}
}

// Message is a single inbound message. It is a value type and is never
// mutated after it has been enqueued.
type Message struct {
	Source  WorkerID
	Payload Payload
	Origin  string // security origin of the pool, passed through untouched
}

// ErrorReport describes an uncaught runtime error raised inside a worker.
type ErrorReport struct {
	Source  WorkerID
	Message string
}

// MessageHandler is invoked on the receiving worker's own thread, once per
// message, in delivery order. A returned error is an uncaught runtime error
// on that worker.
type MessageHandler func(Message) error

// ErrorHandler is installed on the owning worker and receives runtime errors
// raised by created workers. It returns true when the error was handled;
// otherwise the error is raised to the hosting environment.
type ErrorHandler func(ErrorReport) (bool, error)

// ErrScriptTooLarge is returned when a worker script exceeds MaxScriptSizeKB.
var ErrScriptTooLarge = errors.New("worker script exceeds size limit")
