package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/dukedataservice/handover/internal/handover/domain"
	"github.com/dukedataservice/handover/internal/platform/messagebroker"
)

// DeliveryEvent is the compact lifecycle event published on NATS after every
// state transition, on subject "handover.delivery.<state>".
type DeliveryEvent struct {
	DeliveryID    string `json:"delivery_id"`
	Backend       string `json:"backend"`
	State         string `json:"state"`
	TransferState string `json:"transfer_state"`
	OccurredAt    string `json:"occurred_at"`
}

// publishDeliveryEvent emits the lifecycle event. Event delivery is
// best-effort; a publish failure is logged and does not fail the operation
// that caused the transition.
func publishDeliveryEvent(ctx context.Context, nc *messagebroker.NATSClient, logger *slog.Logger, d *domain.Delivery) {
	if nc == nil {
		return
	}
	event := DeliveryEvent{
		DeliveryID:    d.ID.String(),
		Backend:       string(d.Backend),
		State:         string(d.State),
		TransferState: string(d.TransferState),
		OccurredAt:    time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(event)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to marshal delivery event", "error", err, "delivery_id", d.ID)
		return
	}
	subject := "handover.delivery." + string(d.State)
	if err := nc.Publish(ctx, subject, data); err != nil {
		logger.ErrorContext(ctx, "Failed to publish delivery event", "error", err, "subject", subject, "delivery_id", d.ID)
		return
	}
	deliveryTransitionsCounter.WithLabelValues(string(d.Backend), string(d.State)).Inc()
}
