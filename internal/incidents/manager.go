// Package incidents owns the incident lifecycle: opening, escalating,
// de-escalating and closing incidents as triggers fire and resolve.
package incidents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/stackwatch/vigil/internal/database"
	"github.com/stackwatch/vigil/internal/domain"
)

type store interface {
	ActiveIncident(ctx context.Context, q database.Querier, ruleID, projectID, subscriptionID int64) (*domain.Incident, error)
	Create(ctx context.Context, q database.Querier, incident *domain.Incident) error
	UpdateStatus(ctx context.Context, q database.Querier, incidentID uuid.UUID, status domain.IncidentStatus, method domain.StatusMethod, dateClosed *time.Time) error
	RecentIncidentExists(ctx context.Context, q database.Querier, triggerID, projectID int64, since time.Time) (bool, error)
	ListIncidentTriggers(ctx context.Context, q database.Querier, incidentID uuid.UUID) ([]domain.IncidentTrigger, error)
	UpsertIncidentTrigger(ctx context.Context, q database.Querier, incidentID uuid.UUID, triggerID int64, status domain.IncidentTriggerStatus) (*domain.IncidentTrigger, error)
	WasEverCritical(ctx context.Context, q database.Querier, incidentID uuid.UUID) (bool, error)
}

// Transition describes one trigger state change applied during an
// evaluation pass. Status is the incident status after the change.
type Transition struct {
	Trigger      domain.Trigger
	Method       domain.ActionMethod
	Status       domain.IncidentStatus
	Incident     *domain.Incident
	MetricValue  float64
	EverCritical bool
}

// Evaluation caches the active incident and its trigger statuses for the
// duration of one update. Both caches are loaded lazily and cleared the
// moment an incident closes.
type Evaluation struct {
	Rule         *domain.Rule
	Subscription *domain.Subscription

	incident       *domain.Incident
	incidentLoaded bool
	triggerStatus  map[int64]domain.IncidentTriggerStatus
}

func NewEvaluation(rule *domain.Rule, sub *domain.Subscription) *Evaluation {
	return &Evaluation{Rule: rule, Subscription: sub}
}

// ActiveTriggerIDs returns the triggers currently breached in the active
// incident, if any has been loaded.
func (e *Evaluation) ActiveTriggerIDs() map[int64]bool {
	active := make(map[int64]bool, len(e.triggerStatus))
	for id, status := range e.triggerStatus {
		if status == domain.IncidentTriggerActive {
			active[id] = true
		}
	}
	return active
}

func (e *Evaluation) reset() {
	e.incident = nil
	e.incidentLoaded = false
	e.triggerStatus = nil
}

type Manager struct {
	repo         store
	logger       *slog.Logger
	reopenWindow time.Duration
}

func NewManager(repo store, logger *slog.Logger, reopenWindow time.Duration) *Manager {
	return &Manager{
		repo:         repo,
		logger:       logger,
		reopenWindow: reopenWindow,
	}
}

// ActiveIncident returns the cached open incident for the evaluation,
// loading it on first use. nil means no incident is open.
func (m *Manager) ActiveIncident(ctx context.Context, q database.Querier, ev *Evaluation) (*domain.Incident, error) {
	if ev.incidentLoaded {
		return ev.incident, nil
	}

	incident, err := m.repo.ActiveIncident(ctx, q, ev.Rule.ID, ev.Rule.ProjectID, ev.Subscription.ID)
	if err != nil {
		if errors.Is(err, domain.ErrIncidentNotFound) {
			ev.incident = nil
			ev.incidentLoaded = true
			return nil, nil
		}
		return nil, err
	}

	ev.incident = incident
	ev.incidentLoaded = true
	return incident, nil
}

// TriggerStatuses returns the cached per-trigger breach map for the active
// incident.
func (m *Manager) TriggerStatuses(ctx context.Context, q database.Querier, ev *Evaluation) (map[int64]domain.IncidentTriggerStatus, error) {
	if ev.triggerStatus != nil {
		return ev.triggerStatus, nil
	}

	incident, err := m.ActiveIncident(ctx, q, ev)
	if err != nil {
		return nil, err
	}

	ev.triggerStatus = make(map[int64]domain.IncidentTriggerStatus)
	if incident == nil {
		return ev.triggerStatus, nil
	}

	rows, err := m.repo.ListIncidentTriggers(ctx, q, incident.ID)
	if err != nil {
		return nil, err
	}
	for _, it := range rows {
		ev.triggerStatus[it.TriggerID] = it.Status
	}
	return ev.triggerStatus, nil
}

// TriggerFired handles a trigger whose alert count reached the threshold
// period. It opens an incident when none is active, subject to the re-open
// rate limit, marks the trigger breached and recomputes severity. A nil
// transition means firing was suppressed.
func (m *Manager) TriggerFired(ctx context.Context, q database.Querier, ev *Evaluation, trigger domain.Trigger, value float64, ts time.Time) (*Transition, error) {
	incident, err := m.ActiveIncident(ctx, q, ev)
	if err != nil {
		return nil, err
	}

	if incident == nil {
		recent, err := m.repo.RecentIncidentExists(ctx, q, trigger.ID, ev.Rule.ProjectID, ts.Add(-m.reopenWindow))
		if err != nil {
			return nil, err
		}
		if recent {
			m.logger.Info("incident creation rate limited",
				"rule_id", ev.Rule.ID,
				"trigger_id", trigger.ID,
				"project_id", ev.Rule.ProjectID,
			)
			return nil, nil
		}

		subID := ev.Subscription.ID
		incident = &domain.Incident{
			RuleID:         ev.Rule.ID,
			ProjectID:      ev.Rule.ProjectID,
			SubscriptionID: &subID,
			Title:          ev.Rule.Name,
			Status:         domain.IncidentWarning,
			StatusMethod:   domain.StatusMethodRuleTriggered,
			DateStarted:    ts.Add(-m.backdateOffset(ev)),
			DateDetected:   ts,
		}
		if err := m.repo.Create(ctx, q, incident); err != nil {
			return nil, fmt.Errorf("open incident: %w", err)
		}

		ev.incident = incident
		ev.incidentLoaded = true
		ev.triggerStatus = make(map[int64]domain.IncidentTriggerStatus)

		m.logger.Info("incident opened",
			"incident_id", incident.ID,
			"rule_id", ev.Rule.ID,
			"trigger_id", trigger.ID,
			"date_started", incident.DateStarted,
		)
	}

	if _, err := m.repo.UpsertIncidentTrigger(ctx, q, incident.ID, trigger.ID, domain.IncidentTriggerActive); err != nil {
		return nil, err
	}
	statuses, err := m.TriggerStatuses(ctx, q, ev)
	if err != nil {
		return nil, err
	}
	statuses[trigger.ID] = domain.IncidentTriggerActive

	status, err := m.recomputeSeverity(ctx, q, ev)
	if err != nil {
		return nil, err
	}

	return &Transition{
		Trigger:     trigger,
		Method:      domain.ActionFire,
		Status:      status,
		Incident:    incident,
		MetricValue: value,
	}, nil
}

// TriggerResolved handles a trigger whose resolve count reached the
// threshold period. When every breached trigger has resolved, the incident
// closes and the evaluation caches are cleared.
func (m *Manager) TriggerResolved(ctx context.Context, q database.Querier, ev *Evaluation, trigger domain.Trigger, value float64, ts time.Time) (*Transition, error) {
	incident, err := m.ActiveIncident(ctx, q, ev)
	if err != nil {
		return nil, err
	}
	if incident == nil {
		return nil, nil
	}

	statuses, err := m.TriggerStatuses(ctx, q, ev)
	if err != nil {
		return nil, err
	}
	if statuses[trigger.ID] != domain.IncidentTriggerActive {
		return nil, nil
	}

	if _, err := m.repo.UpsertIncidentTrigger(ctx, q, incident.ID, trigger.ID, domain.IncidentTriggerResolved); err != nil {
		return nil, err
	}
	statuses[trigger.ID] = domain.IncidentTriggerResolved

	allResolved := true
	for _, s := range statuses {
		if s == domain.IncidentTriggerActive {
			allResolved = false
			break
		}
	}

	if allResolved {
		everCritical, err := m.repo.WasEverCritical(ctx, q, incident.ID)
		if err != nil {
			return nil, err
		}

		closedAt := ts.Add(-m.backdateOffset(ev))
		if err := m.repo.UpdateStatus(ctx, q, incident.ID, domain.IncidentClosed, domain.StatusMethodRuleTriggered, &closedAt); err != nil {
			return nil, err
		}
		incident.Status = domain.IncidentClosed
		incident.DateClosed = &closedAt

		m.logger.Info("incident closed",
			"incident_id", incident.ID,
			"rule_id", ev.Rule.ID,
			"date_closed", closedAt,
		)

		ev.reset()

		return &Transition{
			Trigger:      trigger,
			Method:       domain.ActionResolve,
			Status:       domain.IncidentClosed,
			Incident:     incident,
			MetricValue:  value,
			EverCritical: everCritical,
		}, nil
	}

	status, err := m.recomputeSeverity(ctx, q, ev)
	if err != nil {
		return nil, err
	}

	return &Transition{
		Trigger:     trigger,
		Method:      domain.ActionResolve,
		Status:      status,
		Incident:    incident,
		MetricValue: value,
	}, nil
}

// recomputeSeverity walks the breached triggers and aligns the incident
// status: any active critical wins, then warning. No active trigger leaves
// the status untouched.
func (m *Manager) recomputeSeverity(ctx context.Context, q database.Querier, ev *Evaluation) (domain.IncidentStatus, error) {
	incident := ev.incident
	statuses, err := m.TriggerStatuses(ctx, q, ev)
	if err != nil {
		return "", err
	}

	labels := make(map[int64]string, len(ev.Rule.Triggers))
	for _, t := range ev.Rule.Triggers {
		labels[t.ID] = t.Label
	}

	severity := incident.Status
	hasCritical, hasWarning := false, false
	for id, s := range statuses {
		if s != domain.IncidentTriggerActive {
			continue
		}
		switch labels[id] {
		case domain.TriggerLabelCritical:
			hasCritical = true
		case domain.TriggerLabelWarning:
			hasWarning = true
		}
	}
	if hasCritical {
		severity = domain.IncidentCritical
	} else if hasWarning {
		severity = domain.IncidentWarning
	}

	if severity != incident.Status {
		if err := m.repo.UpdateStatus(ctx, q, incident.ID, severity, domain.StatusMethodRuleTriggered, nil); err != nil {
			return "", err
		}
		incident.Status = severity
	}

	return incident.Status, nil
}

// backdateOffset approximates how long the breached condition existed
// before the fire: one full window plus one resolution step per extra
// consecutive breach required.
func (m *Manager) backdateOffset(ev *Evaluation) time.Duration {
	period := ev.Rule.ThresholdPeriod
	if period < 1 {
		period = 1
	}
	q := ev.Subscription.Query
	seconds := q.TimeWindow + q.Resolution*(period-1)
	return time.Duration(seconds) * time.Second
}
