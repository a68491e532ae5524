package processor

import (
	"context"
	"time"

	"github.com/stackwatch/vigil/internal/anomaly"
	"github.com/stackwatch/vigil/internal/counters"
	"github.com/stackwatch/vigil/internal/database"
	"github.com/stackwatch/vigil/internal/domain"
	"github.com/stackwatch/vigil/internal/incidents"
)

// resolveEpsilon corrects the off-by-one of strict comparisons: without an
// explicit resolve threshold, a value sitting exactly on the alert boundary
// must count toward resolution.
const resolveEpsilon = 0.000001

type thresholdOps struct {
	alert   func(value, threshold float64) bool
	resolve func(value, threshold float64) bool
}

func opsFor(tt domain.ThresholdType) (thresholdOps, bool) {
	switch tt {
	case domain.ThresholdAbove:
		return thresholdOps{
			alert:   func(v, t float64) bool { return v > t },
			resolve: func(v, t float64) bool { return v < t },
		}, true
	case domain.ThresholdBelow:
		return thresholdOps{
			alert:   func(v, t float64) bool { return v < t },
			resolve: func(v, t float64) bool { return v > t },
		}, true
	default:
		return thresholdOps{}, false
	}
}

// resolveThresholdFor picks the value a trigger resolves against: the
// rule's explicit threshold when it applies to this trigger, otherwise the
// alert threshold nudged by epsilon toward the breached side.
func resolveThresholdFor(rule *domain.Rule, trigger domain.Trigger) float64 {
	onlyTrigger := len(rule.Triggers) == 1
	if rule.ResolveThreshold != nil && (onlyTrigger || trigger.Label == domain.TriggerLabelWarning) {
		return *rule.ResolveThreshold
	}
	if rule.ThresholdType == domain.ThresholdBelow {
		return trigger.AlertThreshold - resolveEpsilon
	}
	return trigger.AlertThreshold + resolveEpsilon
}

// evaluateStaticTrigger advances one trigger's hysteresis counters against
// the computed value and applies fire/resolve transitions at the threshold
// period. The alert counter resets after a fire attempt even when the fire
// was rate-limit suppressed.
func (p *Processor) evaluateStaticTrigger(
	ctx context.Context,
	q database.Querier,
	ev *incidents.Evaluation,
	trigger domain.Trigger,
	snap *counters.Snapshot,
	ops thresholdOps,
	value float64,
	ts time.Time,
) ([]incidents.Transition, error) {
	var out []incidents.Transition
	period := ev.Rule.ThresholdPeriod

	statuses, err := p.incidents.TriggerStatuses(ctx, q, ev)
	if err != nil {
		return nil, err
	}

	if ops.alert(value, trigger.AlertThreshold) && statuses[trigger.ID] != domain.IncidentTriggerActive {
		snap.AlertCounts[trigger.ID]++
		if snap.AlertCounts[trigger.ID] >= period {
			tr, err := p.incidents.TriggerFired(ctx, q, ev, trigger, value, ts)
			snap.AlertCounts[trigger.ID] = 0
			if err != nil {
				return nil, err
			}
			if tr != nil {
				out = append(out, *tr)
			}
		}
	} else {
		snap.AlertCounts[trigger.ID] = 0
	}

	incident, err := p.incidents.ActiveIncident(ctx, q, ev)
	if err != nil {
		return nil, err
	}
	statuses, err = p.incidents.TriggerStatuses(ctx, q, ev)
	if err != nil {
		return nil, err
	}

	resolveAt := resolveThresholdFor(ev.Rule, trigger)
	if ops.resolve(value, resolveAt) && incident != nil && statuses[trigger.ID] == domain.IncidentTriggerActive {
		snap.ResolveCounts[trigger.ID]++
		if snap.ResolveCounts[trigger.ID] >= period {
			tr, err := p.incidents.TriggerResolved(ctx, q, ev, trigger, value, ts)
			snap.ResolveCounts[trigger.ID] = 0
			if err != nil {
				return nil, err
			}
			if tr != nil {
				out = append(out, *tr)
			}
		}
	} else {
		snap.ResolveCounts[trigger.ID] = 0
	}

	return out, nil
}

// evaluateDynamicTrigger is the anomaly-driven variant: the oracle verdict
// replaces the threshold comparison, everything else follows the same
// counter machinery.
func (p *Processor) evaluateDynamicTrigger(
	ctx context.Context,
	q database.Querier,
	ev *incidents.Evaluation,
	trigger domain.Trigger,
	snap *counters.Snapshot,
	point anomaly.PotentialAnomaly,
	value float64,
	ts time.Time,
) ([]incidents.Transition, error) {
	var out []incidents.Transition
	period := ev.Rule.ThresholdPeriod
	breached := anomaly.HasAnomaly(point, trigger.Label)

	statuses, err := p.incidents.TriggerStatuses(ctx, q, ev)
	if err != nil {
		return nil, err
	}

	if breached && statuses[trigger.ID] != domain.IncidentTriggerActive {
		snap.AlertCounts[trigger.ID]++
		if snap.AlertCounts[trigger.ID] >= period {
			tr, err := p.incidents.TriggerFired(ctx, q, ev, trigger, value, ts)
			snap.AlertCounts[trigger.ID] = 0
			if err != nil {
				return nil, err
			}
			if tr != nil {
				out = append(out, *tr)
			}
		}
	} else {
		snap.AlertCounts[trigger.ID] = 0
	}

	incident, err := p.incidents.ActiveIncident(ctx, q, ev)
	if err != nil {
		return nil, err
	}
	statuses, err = p.incidents.TriggerStatuses(ctx, q, ev)
	if err != nil {
		return nil, err
	}

	if !breached && incident != nil && statuses[trigger.ID] == domain.IncidentTriggerActive {
		snap.ResolveCounts[trigger.ID]++
		if snap.ResolveCounts[trigger.ID] >= period {
			tr, err := p.incidents.TriggerResolved(ctx, q, ev, trigger, value, ts)
			snap.ResolveCounts[trigger.ID] = 0
			if err != nil {
				return nil, err
			}
			if tr != nil {
				out = append(out, *tr)
			}
		}
	} else {
		snap.ResolveCounts[trigger.ID] = 0
	}

	return out, nil
}
