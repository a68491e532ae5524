// Package rules loads alert rules, their triggers and configured actions
// for evaluation.
package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/stackwatch/vigil/internal/database"
	"github.com/stackwatch/vigil/internal/domain"
)

type Repository struct {
	pool database.PgxPool
}

func NewRepository(pool database.PgxPool) *Repository {
	return &Repository{pool: pool}
}

// GetSubscriptionByRemoteID resolves the subscription an update belongs to,
// including its query definition. The remote ID is the identifier assigned
// by the query backend and carried on every update.
func (r *Repository) GetSubscriptionByRemoteID(ctx context.Context, remoteID string) (*domain.Subscription, error) {
	query := `
		SELECT s.id, s.project_id, s.query_id, COALESCE(s.rule_id, 0), s.status, s.remote_id,
		       s.created_at, s.updated_at,
		       q.id, q.dataset, q.query, q.aggregate, q.time_window, q.resolution,
		       q.event_types, q.environment
		FROM subscriptions s
		JOIN metric_queries q ON q.id = s.query_id
		WHERE s.remote_id = $1
	`

	var sub domain.Subscription
	var mq domain.MetricQuery
	var eventTypes []byte

	err := r.pool.QueryRow(ctx, query, remoteID).Scan(
		&sub.ID, &sub.ProjectID, &sub.QueryID, &sub.RuleID, &sub.Status, &sub.RemoteID,
		&sub.CreatedAt, &sub.UpdatedAt,
		&mq.ID, &mq.Dataset, &mq.Query, &mq.Aggregate, &mq.TimeWindow, &mq.Resolution,
		&eventTypes, &mq.Environment,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("get subscription: %w", err)
	}

	if err := json.Unmarshal(eventTypes, &mq.EventTypes); err != nil {
		return nil, fmt.Errorf("unmarshal event types: %w", err)
	}

	sub.Query = &mq
	return &sub, nil
}

// GetRule loads a rule with its triggers (ascending by alert threshold) and
// the actions configured on each trigger.
func (r *Repository) GetRule(ctx context.Context, ruleID int64) (*domain.Rule, error) {
	query := `
		SELECT id, organization_id, project_id, name, query_id, threshold_type,
		       resolve_threshold, threshold_period, comparison_delta,
		       detection_type, status, created_at, updated_at
		FROM alert_rules
		WHERE id = $1
	`

	var rule domain.Rule
	err := r.pool.QueryRow(ctx, query, ruleID).Scan(
		&rule.ID, &rule.OrganizationID, &rule.ProjectID, &rule.Name, &rule.QueryID,
		&rule.ThresholdType, &rule.ResolveThreshold, &rule.ThresholdPeriod,
		&rule.ComparisonDelta, &rule.DetectionType, &rule.Status,
		&rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrRuleNotFound
		}
		return nil, fmt.Errorf("get rule: %w", err)
	}

	triggers, err := r.listTriggers(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	rule.Triggers = triggers
	rule.SortTriggers()

	return &rule, nil
}

func (r *Repository) listTriggers(ctx context.Context, ruleID int64) ([]domain.Trigger, error) {
	query := `
		SELECT t.id, t.rule_id, t.label, t.alert_threshold,
		       a.id, a.type, a.target_identifier
		FROM rule_triggers t
		LEFT JOIN trigger_actions a ON a.trigger_id = t.id
		WHERE t.rule_id = $1
		ORDER BY t.alert_threshold ASC, a.id ASC
	`

	rows, err := r.pool.Query(ctx, query, ruleID)
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	defer rows.Close()

	var triggers []domain.Trigger
	byID := make(map[int64]int)

	for rows.Next() {
		var t domain.Trigger
		var actionID *int64
		var actionType, actionTarget *string

		if err := rows.Scan(&t.ID, &t.RuleID, &t.Label, &t.AlertThreshold, &actionID, &actionType, &actionTarget); err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}

		idx, seen := byID[t.ID]
		if !seen {
			triggers = append(triggers, t)
			idx = len(triggers) - 1
			byID[t.ID] = idx
		}
		if actionID != nil {
			triggers[idx].Actions = append(triggers[idx].Actions, domain.Action{
				ID:               *actionID,
				TriggerID:        t.ID,
				Type:             *actionType,
				TargetIdentifier: *actionTarget,
			})
		}
	}

	return triggers, rows.Err()
}
