package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/transform-adapter/internal/inbound"
)

const settleTimeout = 30 * time.Second

// pollOnce takes at most one message from the source, processes it and settles
// it. processed is false when the channel was empty.
func (w *Worker) pollOnce(ctx context.Context) (bool, error) {
	msg, err := w.source.Poll(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to poll: %w", err)
	}

	// the poll reached the channel, so the worker is alive even when it was empty
	if w.heartbeat != nil {
		if err := w.heartbeat.RecordPoll(); err != nil {
			w.logger.Warn("Failed to record heartbeat", slog.Any("error", err))
		}
	}

	if msg == nil {
		return false, nil
	}

	w.logger.Debug("Message received",
		slog.String("message_id", msg.ID),
		slog.Bool("redelivered", msg.Redelivered),
	)

	outcome := w.handler.Process(ctx, msg.Body)
	w.settle(ctx, msg, outcome)
	return true, nil
}

// settle acknowledges, requeues or rejects the message. It runs even when the
// worker is shutting down.
func (w *Worker) settle(ctx context.Context, msg *inbound.Message, outcome Outcome) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	var err error
	switch outcome {
	case OutcomeRequeue:
		err = w.source.Requeue(ctx, msg)
	case OutcomeReject:
		err = w.source.Reject(ctx, msg)
	default:
		err = w.source.Ack(ctx, msg)
	}

	if err != nil {
		w.logger.Error("Failed to settle message",
			slog.String("message_id", msg.ID),
			slog.String("outcome", outcome.String()),
			slog.Any("error", err),
		)
		return
	}

	w.logger.Info("Message settled",
		slog.String("message_id", msg.ID),
		slog.String("outcome", outcome.String()),
	)
}
