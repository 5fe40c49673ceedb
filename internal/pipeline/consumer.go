package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/pulselab/ecg-be/internal/domain"
	"github.com/pulselab/ecg-be/shared/logger"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ResponseBroker is the queue surface the response consumer requires.
type ResponseBroker interface {
	ConsumeResponses(consumerTag string) (<-chan amqp.Delivery, error)
	PublishDeadLetter(ctx context.Context, body []byte) error
}

// ResultApplier dispatches decoded analysis outcomes into the pipeline.
type ResultApplier interface {
	ApplyResult(ctx context.Context, id string, features map[string]float64, summary string) error
	ApplyError(ctx context.Context, id string, errs []string) error
}

// Consumer drains the response queue serially. The subscription runs with a
// prefetch of one so a message is fully applied and acked before the next
// is handed over.
type Consumer struct {
	broker  ResponseBroker
	applier ResultApplier
	logger  *logger.Logger
	dropped atomic.Uint64
}

func NewConsumer(broker ResponseBroker, applier ResultApplier, log *logger.Logger) *Consumer {
	return &Consumer{
		broker:  broker,
		applier: applier,
		logger:  log,
	}
}

// Run consumes until the context is cancelled or the delivery channel
// closes. Intended to run on a dedicated goroutine.
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.broker.ConsumeResponses("ecg-response-consumer")
	if err != nil {
		return fmt.Errorf("failed to subscribe to response queue: %w", err)
	}

	c.logger.Info("response consumer started")

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("response consumer stopping")
			return ctx.Err()
		case msg, ok := <-deliveries:
			if !ok {
				return errors.New("response delivery channel closed")
			}
			c.handle(ctx, msg)
		}
	}
}

// handle processes one delivery. Undecodable payloads and outcomes whose id
// matches no measurement are moved to the dead-letter queue and acked;
// transient store failures leave the message requeued.
func (c *Consumer) handle(ctx context.Context, msg amqp.Delivery) {
	resp, err := DecodeResponse(msg.Body)
	if err != nil {
		c.deadLetter(ctx, msg, err.Error())
		return
	}

	switch resp.Status {
	case ResponseOK:
		err = c.applier.ApplyResult(ctx, resp.MeasurementID, resp.Features, resp.Summary)
	case ResponseError:
		errs := []string{resp.Error}
		if resp.Error == "" {
			errs = []string{"analysis failed"}
		}
		err = c.applier.ApplyError(ctx, resp.MeasurementID, errs)
	}

	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.deadLetter(ctx, msg, fmt.Sprintf("no measurement %s", resp.MeasurementID))
			return
		}

		c.logger.Error("failed to apply analysis outcome, requeueing",
			slog.String("measurement_id", resp.MeasurementID),
			slog.Any("error", err))

		if nackErr := msg.Nack(false, true); nackErr != nil {
			c.logger.Error("failed to nack response", slog.Any("error", nackErr))
		}
		return
	}

	if ackErr := msg.Ack(false); ackErr != nil {
		c.logger.Error("failed to ack response",
			slog.String("measurement_id", resp.MeasurementID),
			slog.Any("error", ackErr))
	}
}

func (c *Consumer) deadLetter(ctx context.Context, msg amqp.Delivery, reason string) {
	if err := c.broker.PublishDeadLetter(ctx, msg.Body); err != nil {
		c.logger.Error("failed to dead-letter response, requeueing",
			slog.String("reason", reason),
			slog.Any("error", err))

		if nackErr := msg.Nack(false, true); nackErr != nil {
			c.logger.Error("failed to nack response", slog.Any("error", nackErr))
		}
		return
	}

	c.dropped.Add(1)
	c.logger.Warn("response moved to dead-letter queue",
		slog.String("reason", reason),
		slog.Uint64("dropped_total", c.dropped.Load()))

	if ackErr := msg.Ack(false); ackErr != nil {
		c.logger.Error("failed to ack dead-lettered response", slog.Any("error", ackErr))
	}
}

// Dropped reports how many responses have been dead-lettered.
func (c *Consumer) Dropped() uint64 {
	return c.dropped.Load()
}
