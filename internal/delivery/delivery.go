// Package delivery defines the contract between the queue workers and the
// collaborators that perform actual delivery: the terminal executor for
// inbound rows, the notification senders for outbox rows.
package delivery

import (
	"context"

	"github.com/nuetzliches/kaiwa/internal/queue"
)

type Disposition int

const (
	// Delivered means the row reached its destination and is done.
	Delivered Disposition = iota
	// Retry means the attempt failed but a later one may succeed.
	Retry
	// Reject means the row can never be delivered; retrying is pointless.
	Reject
)

func (d Disposition) String() string {
	switch d {
	case Delivered:
		return "delivered"
	case Retry:
		return "retry"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// Outcome is the typed result of one delivery attempt. Keeping the
// retry-vs-give-up decision in the value, not in error types, makes the
// retry policy explicit at the call site.
type Outcome struct {
	Disposition Disposition
	Err         error
}

func Ack() Outcome {
	return Outcome{Disposition: Delivered}
}

func Retryable(err error) Outcome {
	return Outcome{Disposition: Retry, Err: err}
}

func Permanent(err error) Outcome {
	return Outcome{Disposition: Reject, Err: err}
}

// ErrorMessage is the text persisted in the row's last_error column.
func (o Outcome) ErrorMessage() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// Deliverer is implemented by the owning subsystem and invoked with a
// claimed row. The queue layer imposes no delivery timeout; bounding the
// attempt is the deliverer's responsibility via ctx.
type Deliverer interface {
	Deliver(ctx context.Context, row queue.Row) Outcome
}

// Func adapts a function to the Deliverer interface.
type Func func(ctx context.Context, row queue.Row) Outcome

func (f Func) Deliver(ctx context.Context, row queue.Row) Outcome {
	return f(ctx, row)
}
