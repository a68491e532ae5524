package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/stackwatch/vigil/internal/domain"
)

const actionStreamMaxAge = 24 * time.Hour

// QueueConfig carries the JetStream settings for the action queue.
type QueueConfig struct {
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

// Scheduler publishes action jobs to the queue. Publishing happens only
// after the incident transaction commits; the Nats-Msg-Id header dedups
// jobs re-published by a re-evaluated update.
type Scheduler struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	subject string
}

func NewScheduler(cfg QueueConfig) (*Scheduler, error) {
	nc, js, err := openJetStream(cfg)
	if err != nil {
		return nil, err
	}
	return &Scheduler{nc: nc, js: js, subject: cfg.Subject}, nil
}

func (s *Scheduler) Publish(ctx context.Context, job domain.ActionJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal action job: %w", err)
	}

	msg := nats.NewMsg(s.subject)
	msg.Data = body
	if job.ID != "" {
		msg.Header.Set("Nats-Msg-Id", job.ID)
	}

	if _, err := s.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish action job: %w", err)
	}
	return nil
}

func (s *Scheduler) Close() {
	if s != nil && s.nc != nil {
		s.nc.Close()
	}
}

// Worker consumes action jobs and hands them to the delivery handler.
// Malformed payloads are acked and dropped; handler errors nack for
// redelivery up to MaxDeliver.
type Worker struct {
	nc     *nats.Conn
	sub    *nats.Subscription
	logger *slog.Logger
}

func NewWorker(cfg QueueConfig, logger *slog.Logger, handler func(ctx context.Context, job domain.ActionJob) error) (*Worker, error) {
	nc, js, err := openJetStream(cfg)
	if err != nil {
		return nil, err
	}

	worker := &Worker{nc: nc, logger: logger}
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
		var job domain.ActionJob
		if err := json.Unmarshal(msg.Data, &job); err != nil {
			logger.Warn("action job decode failed", "subject", msg.Subject, "error", err)
			_ = msg.Ack()
			return
		}

		if err := handler(context.Background(), job); err != nil {
			logger.Error("action delivery failed",
				"job_id", job.ID,
				"action_id", job.ActionID,
				"incident_id", job.IncidentID,
				"error", err,
			)
			worker.nack(msg, cfg.NackDelay)
			return
		}

		if err := msg.Ack(); err != nil {
			logger.Warn("action job ack failed", "job_id", job.ID, "error", err)
		}
	}, subOpts...)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe action queue %q/%q: %w", cfg.Subject, cfg.DeliverGroup, err)
	}

	worker.sub = sub
	return worker, nil
}

func (w *Worker) nack(msg *nats.Msg, delay time.Duration) {
	var err error
	if delay > 0 {
		err = msg.NakWithDelay(delay)
	} else {
		err = msg.Nak()
	}
	if err != nil {
		w.logger.Warn("action job nack failed", "subject", msg.Subject, "error", err)
	}
}

func (w *Worker) Close() error {
	if w == nil || w.nc == nil {
		return nil
	}
	if w.sub != nil {
		if err := w.sub.Drain(); err != nil {
			w.nc.Close()
			return err
		}
	}
	w.nc.Close()
	return nil
}

func openJetStream(cfg QueueConfig) (*nats.Conn, nats.JetStreamContext, error) {
	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect action queue: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream init: %w", err)
	}
	if err := ensureStream(js, cfg.Stream, cfg.Subject); err != nil {
		nc.Close()
		return nil, nil, err
	}
	return nc, js, nil
}

func ensureStream(js nats.JetStreamContext, stream, subject string) error {
	if _, err := js.StreamInfo(stream); err == nil {
		return nil
	} else if !errors.Is(err, nats.ErrStreamNotFound) && !strings.Contains(strings.ToLower(err.Error()), "stream not found") {
		return fmt.Errorf("stream info %q: %w", stream, err)
	}

	_, err := js.AddStream(&nats.StreamConfig{
		Name:      stream,
		Subjects:  []string{subject},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
		MaxAge:    actionStreamMaxAge,
	})
	if err != nil {
		return fmt.Errorf("create stream %q: %w", stream, err)
	}
	return nil
}
