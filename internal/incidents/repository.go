package incidents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/stackwatch/vigil/internal/database"
	"github.com/stackwatch/vigil/internal/domain"
)

// Activity types recorded on incident state changes.
const (
	ActivityCreated       = "created"
	ActivityStatusChanged = "status_changed"
	ActivityClosed        = "closed"
)

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// ActiveIncident returns the open incident for (rule, project, subscription),
// preferring an exact subscription match and falling back to a
// (rule, project) match for rows created before subscriptions were tracked.
func (r *Repository) ActiveIncident(ctx context.Context, q database.Querier, ruleID, projectID, subscriptionID int64) (*domain.Incident, error) {
	query := `
		SELECT id, rule_id, project_id, subscription_id, title, status, status_method,
		       date_started, date_detected, date_closed, created_at, updated_at
		FROM incidents
		WHERE rule_id = $1 AND project_id = $2 AND subscription_id = $3 AND status != 'closed'
		ORDER BY date_started DESC
		LIMIT 1
	`

	incident, err := r.scanIncident(q.QueryRow(ctx, query, ruleID, projectID, subscriptionID))
	if err == nil {
		return incident, nil
	}
	if !errors.Is(err, domain.ErrIncidentNotFound) {
		return nil, err
	}

	// Legacy fallback: older incidents carry no subscription.
	fallback := `
		SELECT id, rule_id, project_id, subscription_id, title, status, status_method,
		       date_started, date_detected, date_closed, created_at, updated_at
		FROM incidents
		WHERE rule_id = $1 AND project_id = $2 AND subscription_id IS NULL AND status != 'closed'
		ORDER BY date_started DESC
		LIMIT 1
	`
	return r.scanIncident(q.QueryRow(ctx, fallback, ruleID, projectID))
}

func (r *Repository) scanIncident(row pgx.Row) (*domain.Incident, error) {
	var i domain.Incident
	err := row.Scan(
		&i.ID, &i.RuleID, &i.ProjectID, &i.SubscriptionID, &i.Title, &i.Status,
		&i.StatusMethod, &i.DateStarted, &i.DateDetected, &i.DateClosed,
		&i.CreatedAt, &i.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrIncidentNotFound
		}
		return nil, fmt.Errorf("scan incident: %w", err)
	}
	return &i, nil
}

func (r *Repository) Create(ctx context.Context, q database.Querier, incident *domain.Incident) error {
	query := `
		INSERT INTO incidents (
			rule_id, project_id, subscription_id, title, status, status_method,
			date_started, date_detected
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at
	`

	err := q.QueryRow(ctx, query,
		incident.RuleID, incident.ProjectID, incident.SubscriptionID, incident.Title,
		incident.Status, incident.StatusMethod, incident.DateStarted, incident.DateDetected,
	).Scan(&incident.ID, &incident.CreatedAt, &incident.UpdatedAt)

	if err != nil {
		return fmt.Errorf("create incident: %w", err)
	}

	return r.recordActivity(ctx, q, incident.ID, ActivityCreated, string(incident.Status))
}

// UpdateStatus transitions an incident and records the change. A non-nil
// dateClosed closes the incident.
func (r *Repository) UpdateStatus(ctx context.Context, q database.Querier, incidentID uuid.UUID, status domain.IncidentStatus, method domain.StatusMethod, dateClosed *time.Time) error {
	query := `
		UPDATE incidents
		SET status = $2, status_method = $3, date_closed = $4, updated_at = NOW()
		WHERE id = $1
	`

	tag, err := q.Exec(ctx, query, incidentID, status, method, dateClosed)
	if err != nil {
		return fmt.Errorf("update incident status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrIncidentNotFound
	}

	activity := ActivityStatusChanged
	if dateClosed != nil {
		activity = ActivityClosed
	}
	return r.recordActivity(ctx, q, incidentID, activity, string(status))
}

func (r *Repository) recordActivity(ctx context.Context, q database.Querier, incidentID uuid.UUID, activityType, value string) error {
	query := `INSERT INTO incident_activity (incident_id, type, value) VALUES ($1, $2, $3)`
	if _, err := q.Exec(ctx, query, incidentID, activityType, value); err != nil {
		return fmt.Errorf("record incident activity: %w", err)
	}
	return nil
}

// WasEverCritical reports whether the incident reached critical at any
// point in its history.
func (r *Repository) WasEverCritical(ctx context.Context, q database.Querier, incidentID uuid.UUID) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM incident_activity
			WHERE incident_id = $1 AND value = 'critical'
		)
	`

	var ever bool
	if err := q.QueryRow(ctx, query, incidentID).Scan(&ever); err != nil {
		return false, fmt.Errorf("check incident history: %w", err)
	}
	return ever, nil
}

// RecentIncidentExists reports whether any incident involving the trigger
// was detected in the project after the cutoff. Drives the re-open rate
// limit; best effort, no lock.
func (r *Repository) RecentIncidentExists(ctx context.Context, q database.Querier, triggerID, projectID int64, since time.Time) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1
			FROM incidents i
			JOIN incident_triggers it ON it.incident_id = i.id
			WHERE it.trigger_id = $1 AND i.project_id = $2 AND i.date_detected > $3
		)
	`

	var exists bool
	if err := q.QueryRow(ctx, query, triggerID, projectID, since).Scan(&exists); err != nil {
		return false, fmt.Errorf("check recent incidents: %w", err)
	}
	return exists, nil
}

func (r *Repository) ListIncidentTriggers(ctx context.Context, q database.Querier, incidentID uuid.UUID) ([]domain.IncidentTrigger, error) {
	query := `
		SELECT id, incident_id, trigger_id, status, created_at, updated_at
		FROM incident_triggers
		WHERE incident_id = $1
		ORDER BY created_at ASC
	`

	rows, err := q.Query(ctx, query, incidentID)
	if err != nil {
		return nil, fmt.Errorf("list incident triggers: %w", err)
	}
	defer rows.Close()

	var triggers []domain.IncidentTrigger
	for rows.Next() {
		var it domain.IncidentTrigger
		if err := rows.Scan(&it.ID, &it.IncidentID, &it.TriggerID, &it.Status, &it.CreatedAt, &it.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan incident trigger: %w", err)
		}
		triggers = append(triggers, it)
	}

	return triggers, rows.Err()
}

// UpsertIncidentTrigger creates or reactivates the per-trigger status row
// within an incident.
func (r *Repository) UpsertIncidentTrigger(ctx context.Context, q database.Querier, incidentID uuid.UUID, triggerID int64, status domain.IncidentTriggerStatus) (*domain.IncidentTrigger, error) {
	query := `
		INSERT INTO incident_triggers (incident_id, trigger_id, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (incident_id, trigger_id)
		DO UPDATE SET status = EXCLUDED.status, updated_at = NOW()
		RETURNING id, incident_id, trigger_id, status, created_at, updated_at
	`

	var it domain.IncidentTrigger
	err := q.QueryRow(ctx, query, incidentID, triggerID, status).Scan(
		&it.ID, &it.IncidentID, &it.TriggerID, &it.Status, &it.CreatedAt, &it.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert incident trigger: %w", err)
	}
	return &it, nil
}
