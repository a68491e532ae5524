package domain

import (
	"time"

	"github.com/google/uuid"
)

type IncidentStatus string

const (
	IncidentWarning  IncidentStatus = "warning"
	IncidentCritical IncidentStatus = "critical"
	IncidentClosed   IncidentStatus = "closed"
)

type StatusMethod string

const (
	StatusMethodRuleTriggered StatusMethod = "rule_triggered"
	StatusMethodManual        StatusMethod = "manual"
)

// Incident records one ongoing or past alert condition. At most one
// non-closed incident may exist per (rule, project, subscription).
type Incident struct {
	ID             uuid.UUID      `json:"id"`
	RuleID         int64          `json:"rule_id"`
	ProjectID      int64          `json:"project_id"`
	SubscriptionID *int64         `json:"subscription_id,omitempty"`
	Title          string         `json:"title"`
	Status         IncidentStatus `json:"status"`
	StatusMethod   StatusMethod   `json:"status_method"`
	DateStarted    time.Time      `json:"date_started"`
	DateDetected   time.Time      `json:"date_detected"`
	DateClosed     *time.Time     `json:"date_closed,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func (i *Incident) IsOpen() bool {
	return i.Status != IncidentClosed
}

type IncidentTriggerStatus string

const (
	IncidentTriggerActive   IncidentTriggerStatus = "active"
	IncidentTriggerResolved IncidentTriggerStatus = "resolved"
)

// IncidentTrigger tracks whether one trigger is currently breached within
// the scope of an incident. The row persists until the incident closes.
type IncidentTrigger struct {
	ID         uuid.UUID             `json:"id"`
	IncidentID uuid.UUID             `json:"incident_id"`
	TriggerID  int64                 `json:"trigger_id"`
	Status     IncidentTriggerStatus `json:"status"`
	CreatedAt  time.Time             `json:"created_at"`
	UpdatedAt  time.Time             `json:"updated_at"`
}

type ActionMethod string

const (
	ActionFire    ActionMethod = "fire"
	ActionResolve ActionMethod = "resolve"
)

// ActionJob is one scheduled notification delivery, published to the action
// queue only after the incident transaction commits.
type ActionJob struct {
	ID          string         `json:"id"`
	ActionID    int64          `json:"action_id"`
	IncidentID  uuid.UUID      `json:"incident_id"`
	ProjectID   int64          `json:"project_id"`
	Method      ActionMethod   `json:"method"`
	NewStatus   IncidentStatus `json:"new_status"`
	MetricValue float64        `json:"metric_value"`
}
