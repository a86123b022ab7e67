package queue

import "fmt"

// ErrorKind classifies a QueueError.
type ErrorKind int

const (
	PositionOutOfRange ErrorKind = iota
	EmptyQueue
)

// String returns the string representation of the error kind.
func (k ErrorKind) String() string {
	switch k {
	case PositionOutOfRange:
		return "position_out_of_range"
	case EmptyQueue:
		return "empty_queue"
	default:
		return "unknown"
	}
}

// QueueError is returned by queue operations that cannot be applied.
// The queue is left unmodified.
type QueueError struct {
	Kind     ErrorKind
	Position int
	Length   int
}

func (e *QueueError) Error() string {
	switch e.Kind {
	case PositionOutOfRange:
		return fmt.Sprintf("queue: position %d out of range (1-%d)", e.Position, e.Length)
	case EmptyQueue:
		return "queue: queue is empty"
	default:
		return "queue: unknown error"
	}
}
