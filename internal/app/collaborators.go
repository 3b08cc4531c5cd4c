package app

import (
	"context"
	"log/slog"

	"github.com/nuetzliches/kaiwa/internal/delivery"
	"github.com/nuetzliches/kaiwa/internal/queue"
)

// logDeliverer stands in for a collaborator that is registered at runtime
// through the library API: the terminal executor for inbound rows, the chat
// senders for outbox rows. It records the row and acks so the queue engine
// runs end to end in the bare daemon binary.
type logDeliverer struct {
	logger *slog.Logger
	event  string
}

func newLogDeliverer(logger *slog.Logger, event string) delivery.Deliverer {
	if logger == nil {
		logger = slog.Default()
	}
	return logDeliverer{logger: logger, event: event}
}

func (d logDeliverer) Deliver(_ context.Context, row queue.Row) delivery.Outcome {
	d.logger.Info(d.event,
		slog.Int64("row_id", row.ID),
		slog.String("key", row.Key),
		slog.String("origin", row.Origin),
		slog.String("kind", string(row.Kind)),
		slog.Int("payload_bytes", len(row.Payload)),
	)
	return delivery.Ack()
}
