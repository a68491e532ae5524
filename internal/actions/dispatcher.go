// Package actions turns trigger transitions into deduplicated notification
// jobs and moves them through the action queue.
package actions

import (
	"fmt"
	"log/slog"

	"github.com/stackwatch/vigil/internal/domain"
	"github.com/stackwatch/vigil/internal/incidents"
)

type Dispatcher struct {
	logger *slog.Logger
}

func NewDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{logger: logger}
}

// Dispatch maps the transitions of one evaluation pass onto the rule's
// configured actions and returns the jobs to publish after commit. The
// batch method comes from the first transition; all transitions in one
// pass are assumed same-direction.
func (d *Dispatcher) Dispatch(rule *domain.Rule, transitions []incidents.Transition) []domain.ActionJob {
	if len(transitions) == 0 {
		return nil
	}

	first := transitions[0]
	method := first.Method
	incident := first.Incident
	value := first.MetricValue

	finalStatus := transitions[len(transitions)-1].Status
	everCritical := false
	for _, tr := range transitions {
		if tr.EverCritical {
			everCritical = true
		}
		if tr.Method != method {
			d.logger.Warn("mixed-direction transition batch",
				"incident_id", incident.ID,
				"first_method", method,
				"method", tr.Method,
			)
		}
	}

	all, warning := partitionActions(rule)

	var selected []domain.Action
	var newStatus domain.IncidentStatus

	switch {
	case method == domain.ActionResolve && finalStatus != domain.IncidentClosed:
		// de-escalation: critical resolved, warning still breached
		selected, newStatus = all, domain.IncidentWarning
	case method == domain.ActionResolve && everCritical:
		selected, newStatus = all, domain.IncidentClosed
	case method == domain.ActionResolve:
		selected, newStatus = warning, domain.IncidentClosed
	case finalStatus == domain.IncidentCritical:
		selected, newStatus = all, domain.IncidentCritical
	default:
		selected, newStatus = warning, domain.IncidentWarning
	}

	jobs := make([]domain.ActionJob, 0, len(selected))
	for _, action := range selected {
		jobs = append(jobs, domain.ActionJob{
			ID:          jobID(incident, action, method, newStatus),
			ActionID:    action.ID,
			IncidentID:  incident.ID,
			ProjectID:   incident.ProjectID,
			Method:      method,
			NewStatus:   newStatus,
			MetricValue: value,
		})
	}
	return jobs
}

// partitionActions dedups the rule's actions by (type, target). A target
// configured on both severity levels keeps its critical copy, so the full
// set notifies each target at most once.
func partitionActions(rule *domain.Rule) (all, warning []domain.Action) {
	seen := make(map[string]bool)

	for _, t := range rule.Triggers {
		if !t.IsCritical() {
			continue
		}
		for _, a := range t.Actions {
			if key := actionKey(a); !seen[key] {
				seen[key] = true
				all = append(all, a)
			}
		}
	}

	warnSeen := make(map[string]bool)
	for _, t := range rule.Triggers {
		if t.IsCritical() {
			continue
		}
		for _, a := range t.Actions {
			key := actionKey(a)
			if !warnSeen[key] {
				warnSeen[key] = true
				warning = append(warning, a)
			}
			if !seen[key] {
				seen[key] = true
				all = append(all, a)
			}
		}
	}
	return all, warning
}

func actionKey(a domain.Action) string {
	return a.Type + "|" + a.TargetIdentifier
}

// jobID is stable per (incident, action, method, status) so queue-level
// dedup drops re-published jobs from re-evaluated updates.
func jobID(incident *domain.Incident, action domain.Action, method domain.ActionMethod, status domain.IncidentStatus) string {
	return fmt.Sprintf("%s:%d:%s:%s", incident.ID, action.ID, method, status)
}
