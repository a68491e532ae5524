// Package notify delivers incident notifications for scheduled action jobs.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/stackwatch/vigil/internal/database"
	"github.com/stackwatch/vigil/internal/domain"
)

const (
	headerSignature = "X-Vigil-Signature"
	headerTimestamp = "X-Vigil-Timestamp"
	headerEvent     = "X-Vigil-Event"

	actionTypeWebhook = "webhook"
)

// EventPayload is the JSON body posted to webhook targets.
type EventPayload struct {
	IncidentID   string                `json:"incident_id"`
	RuleID       int64                 `json:"rule_id"`
	RuleName     string                `json:"rule_name"`
	ProjectID    int64                 `json:"project_id"`
	Method       domain.ActionMethod   `json:"method"`
	Status       domain.IncidentStatus `json:"status"`
	MetricValue  float64               `json:"metric_value"`
	DateStarted  time.Time             `json:"date_started"`
	DateDetected time.Time             `json:"date_detected"`
	DateClosed   *time.Time            `json:"date_closed,omitempty"`
}

// Deliverer resolves an action job against the store and posts the signed
// notification. Transient failures return an error so the queue redelivers.
type Deliverer struct {
	pool   database.PgxPool
	client *http.Client
	secret string
	logger *slog.Logger
	now    func() time.Time
}

func NewDeliverer(pool database.PgxPool, secret string, logger *slog.Logger) *Deliverer {
	return &Deliverer{
		pool:   pool,
		client: &http.Client{Timeout: 10 * time.Second},
		secret: secret,
		logger: logger,
		now:    time.Now,
	}
}

func (d *Deliverer) Deliver(ctx context.Context, job domain.ActionJob) error {
	actionType, target, err := d.loadAction(ctx, job.ActionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// action deleted after scheduling; drop the job
			d.logger.Warn("action gone, dropping job", "job_id", job.ID, "action_id", job.ActionID)
			return nil
		}
		return err
	}

	if actionType != actionTypeWebhook {
		d.logger.Warn("unsupported action type, dropping job",
			"job_id", job.ID,
			"action_type", actionType,
		)
		return nil
	}

	payload, err := d.buildPayload(ctx, job)
	if err != nil {
		return err
	}

	return d.post(ctx, target, job, payload)
}

func (d *Deliverer) loadAction(ctx context.Context, actionID int64) (actionType, target string, err error) {
	query := `SELECT type, target_identifier FROM trigger_actions WHERE id = $1`
	if err := d.pool.QueryRow(ctx, query, actionID).Scan(&actionType, &target); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", err
		}
		return "", "", fmt.Errorf("load action %d: %w", actionID, err)
	}
	return actionType, target, nil
}

func (d *Deliverer) buildPayload(ctx context.Context, job domain.ActionJob) ([]byte, error) {
	query := `
		SELECT i.title, i.rule_id, i.date_started, i.date_detected, i.date_closed
		FROM incidents i
		WHERE i.id = $1
	`

	event := EventPayload{
		IncidentID:  job.IncidentID.String(),
		ProjectID:   job.ProjectID,
		Method:      job.Method,
		Status:      job.NewStatus,
		MetricValue: job.MetricValue,
	}
	err := d.pool.QueryRow(ctx, query, job.IncidentID).Scan(
		&event.RuleName, &event.RuleID, &event.DateStarted, &event.DateDetected, &event.DateClosed,
	)
	if err != nil {
		return nil, fmt.Errorf("load incident %s: %w", job.IncidentID, err)
	}

	body, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	return body, nil
}

func (d *Deliverer) post(ctx context.Context, url string, job domain.ActionJob, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	ts := d.now()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerSignature, Sign(d.secret, ts, payload))
	req.Header.Set(headerTimestamp, strconv.FormatInt(ts.Unix(), 10))
	req.Header.Set(headerEvent, string(job.Method))
	req.Header.Set("User-Agent", "Vigil-Webhook/1.0")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("deliver webhook: HTTP %d", resp.StatusCode)
	}

	d.logger.Info("notification delivered",
		"job_id", job.ID,
		"incident_id", job.IncidentID,
		"method", job.Method,
		"status", job.NewStatus,
	)
	return nil
}
