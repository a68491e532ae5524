// Package ingest consumes subscription updates from the upstream
// JetStream delivery system and feeds them to the processor.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/stackwatch/vigil/internal/domain"
)

// Config carries the durable consumer settings for the update stream.
type Config struct {
	URL           string
	Stream        string
	Subject       string
	ConsumerName  string
	DeliverGroup  string
	MaxDeliver    int
	MaxAckPending int
	AckWait       time.Duration
	NackDelay     time.Duration
}

// Handler processes one decoded update. A nil return acks the message; an
// error nacks it for redelivery.
type Handler func(ctx context.Context, update *domain.SubscriptionUpdate) error

// Consumer is the durable queue consumer delivering updates at least once.
// Updates that fail to decode are acked and dropped: redelivering a
// permanently bad payload only burns MaxDeliver attempts.
type Consumer struct {
	nc     *nats.Conn
	sub    *nats.Subscription
	logger *slog.Logger
}

func NewConsumer(cfg Config, handler Handler, logger *slog.Logger) (*Consumer, error) {
	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect update stream: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	consumer := &Consumer{nc: nc, logger: logger}
	subOpts := []nats.SubOpt{
		nats.BindStream(cfg.Stream),
		nats.Durable(cfg.ConsumerName),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(cfg.AckWait),
		nats.MaxDeliver(cfg.MaxDeliver),
		nats.MaxAckPending(cfg.MaxAckPending),
		nats.DeliverAll(),
	}

	sub, err := js.QueueSubscribe(cfg.Subject, cfg.DeliverGroup, func(msg *nats.Msg) {
		var update domain.SubscriptionUpdate
		if err := json.Unmarshal(msg.Data, &update); err != nil {
			logger.Warn("update decode failed", "subject", msg.Subject, "error", err)
			consumer.ack(msg)
			return
		}
		if update.SubscriptionID == "" {
			logger.Warn("update without subscription id", "subject", msg.Subject)
			consumer.ack(msg)
			return
		}

		if err := handler(context.Background(), &update); err != nil {
			logger.Error("update processing failed",
				"subscription_id", update.SubscriptionID,
				"timestamp", update.Timestamp,
				"error", err,
			)
			consumer.nack(msg, cfg.NackDelay)
			return
		}
		consumer.ack(msg)
	}, subOpts...)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe update stream %q/%q: %w", cfg.Subject, cfg.DeliverGroup, err)
	}

	consumer.sub = sub
	return consumer, nil
}

func (c *Consumer) ack(msg *nats.Msg) {
	if err := msg.Ack(); err != nil {
		c.logger.Warn("update ack failed", "subject", msg.Subject, "error", err)
	}
}

func (c *Consumer) nack(msg *nats.Msg, delay time.Duration) {
	var err error
	if delay > 0 {
		err = msg.NakWithDelay(delay)
	} else {
		err = msg.Nak()
	}
	if err != nil {
		c.logger.Warn("update nack failed", "subject", msg.Subject, "error", err)
	}
}

// Healthy reports whether the stream connection is still up. Wired into
// the readiness probe.
func (c *Consumer) Healthy() error {
	if c == nil || c.nc == nil || !c.nc.IsConnected() {
		return fmt.Errorf("update stream disconnected")
	}
	return nil
}

// Close drains the subscription so in-flight updates finish before the
// connection drops.
func (c *Consumer) Close() error {
	if c == nil || c.nc == nil {
		return nil
	}
	if c.sub != nil {
		if err := c.sub.Drain(); err != nil {
			c.nc.Close()
			return err
		}
	}
	c.nc.Close()
	return nil
}
