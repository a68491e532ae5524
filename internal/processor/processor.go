// Package processor drives one evaluation pass per subscription update:
// stale-guard, aggregate resolution, trigger hysteresis, incident
// mutations inside a transaction, then post-commit action publishing and
// counter persistence.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stackwatch/vigil/internal/aggregation"
	"github.com/stackwatch/vigil/internal/anomaly"
	"github.com/stackwatch/vigil/internal/counters"
	"github.com/stackwatch/vigil/internal/database"
	"github.com/stackwatch/vigil/internal/domain"
	"github.com/stackwatch/vigil/internal/incidents"
	"github.com/stackwatch/vigil/internal/subscriptions"
)

type ruleStore interface {
	GetSubscriptionByRemoteID(ctx context.Context, remoteID string) (*domain.Subscription, error)
	GetRule(ctx context.Context, ruleID int64) (*domain.Rule, error)
}

type lifecycleManager interface {
	ActiveIncident(ctx context.Context, q database.Querier, ev *incidents.Evaluation) (*domain.Incident, error)
	TriggerStatuses(ctx context.Context, q database.Querier, ev *incidents.Evaluation) (map[int64]domain.IncidentTriggerStatus, error)
	TriggerFired(ctx context.Context, q database.Querier, ev *incidents.Evaluation, trigger domain.Trigger, value float64, ts time.Time) (*incidents.Transition, error)
	TriggerResolved(ctx context.Context, q database.Querier, ev *incidents.Evaluation, trigger domain.Trigger, value float64, ts time.Time) (*incidents.Transition, error)
}

type actionDispatcher interface {
	Dispatch(rule *domain.Rule, transitions []incidents.Transition) []domain.ActionJob
}

type actionScheduler interface {
	Publish(ctx context.Context, job domain.ActionJob) error
}

type subscriptionLifecycle interface {
	Delete(ctx context.Context, q database.Querier, sub *domain.Subscription) (subscriptions.Deferred, error)
}

type aggregateResolver interface {
	Compute(ctx context.Context, sub *domain.Subscription, rule *domain.Rule, update *domain.SubscriptionUpdate) (aggregation.Result, error)
}

// Config carries the evaluation feature switches.
type Config struct {
	AnomalyDetectionEnabled bool
	CrashRateAlertsEnabled  bool
}

type Processor struct {
	pool       database.PgxPool
	rules      ruleStore
	counters   counters.Store
	resolver   aggregateResolver
	incidents  lifecycleManager
	dispatcher actionDispatcher
	scheduler  actionScheduler
	lifecycle  subscriptionLifecycle
	oracle     anomaly.Oracle
	cfg        Config
	logger     *slog.Logger
}

func New(
	pool database.PgxPool,
	rules ruleStore,
	counterStore counters.Store,
	resolver aggregateResolver,
	manager lifecycleManager,
	dispatcher actionDispatcher,
	scheduler actionScheduler,
	lifecycle subscriptionLifecycle,
	oracle anomaly.Oracle,
	cfg Config,
	logger *slog.Logger,
) *Processor {
	return &Processor{
		pool:       pool,
		rules:      rules,
		counters:   counterStore,
		resolver:   resolver,
		incidents:  manager,
		dispatcher: dispatcher,
		scheduler:  scheduler,
		lifecycle:  lifecycle,
		oracle:     oracle,
		cfg:        cfg,
		logger:     logger,
	}
}

// ProcessUpdate evaluates one subscription update end to end. A nil return
// acks the update; an error asks the delivery system to redeliver.
//
// Persistence ordering is deliberate: incident mutations commit first,
// counters save last. A crash in between leaves last_update behind, so the
// redelivered update re-evaluates already-applied transitions instead of
// missing them.
func (p *Processor) ProcessUpdate(ctx context.Context, update *domain.SubscriptionUpdate) error {
	sub, err := p.rules.GetSubscriptionByRemoteID(ctx, update.SubscriptionID)
	if err != nil {
		if errors.Is(err, domain.ErrSubscriptionNotFound) {
			p.logger.Warn("update for unknown subscription", "remote_id", update.SubscriptionID)
			return nil
		}
		return err
	}

	if sub.RuleID == 0 {
		return p.teardown(ctx, sub)
	}

	rule, err := p.rules.GetRule(ctx, sub.RuleID)
	if err != nil {
		if errors.Is(err, domain.ErrRuleNotFound) {
			// subscription without a rule is garbage
			return p.teardown(ctx, sub)
		}
		return err
	}

	if sub.Query != nil && sub.Query.Dataset == domain.DatasetCrashRate && !p.cfg.CrashRateAlertsEnabled {
		p.logger.Debug("crash rate alerts disabled, dropping update", "subscription_id", sub.ID)
		return nil
	}

	// Evaluation mode is fixed once per update.
	dynamic := rule.DetectionType == domain.DetectionDynamic && p.cfg.AnomalyDetectionEnabled
	ops, ok := opsFor(rule.ThresholdType)
	if !dynamic && !ok {
		// ABOVE_AND_BELOW is only meaningful under anomaly detection; a
		// plain comparison against it would be nonsense.
		p.logger.Error("threshold type requires anomaly detection, aborting update",
			"rule_id", rule.ID,
			"threshold_type", rule.ThresholdType,
		)
		return nil
	}

	triggerIDs := make([]int64, len(rule.Triggers))
	for i, t := range rule.Triggers {
		triggerIDs[i] = t.ID
	}

	snap, err := p.counters.Load(ctx, rule.ID, rule.ProjectID, triggerIDs)
	if err != nil {
		return fmt.Errorf("load counters: %w", err)
	}

	if !update.Timestamp.After(snap.LastUpdate) {
		p.logger.Info("dropping stale update",
			"subscription_id", sub.ID,
			"timestamp", update.Timestamp,
			"last_update", snap.LastUpdate,
		)
		return nil
	}
	snap.LastUpdate = update.Timestamp

	result, err := p.resolver.Compute(ctx, sub, rule, update)
	if err != nil {
		if errors.Is(err, domain.ErrMalformedUpdate) {
			// permanently bad payload; advance the watermark and move on
			p.logger.Warn("malformed update", "subscription_id", sub.ID, "error", err)
			return p.counters.Save(ctx, rule.ID, rule.ProjectID, snap)
		}
		return err
	}

	if result.ResetCounters {
		snap.ResetAll()
	}
	if result.Value == nil {
		return p.counters.Save(ctx, rule.ID, rule.ProjectID, snap)
	}
	value := *result.Value

	var point anomaly.PotentialAnomaly
	if dynamic {
		points, err := p.oracle.Detect(ctx, rule, sub, snap.LastUpdate, value)
		if err != nil {
			if errors.Is(err, domain.ErrDetectorNotFound) {
				p.logger.Warn("anomaly detector has no model for rule", "rule_id", rule.ID)
				return p.counters.Save(ctx, rule.ID, rule.ProjectID, snap)
			}
			return err
		}
		if len(points) == 0 {
			return p.counters.Save(ctx, rule.ID, rule.ProjectID, snap)
		}
		point = points[len(points)-1]
		if !anomaly.HasConfidence(point) {
			return p.counters.Save(ctx, rule.ID, rule.ProjectID, snap)
		}
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	ev := incidents.NewEvaluation(rule, sub)
	var transitions []incidents.Transition
	for _, trigger := range rule.Triggers {
		var trs []incidents.Transition
		if dynamic {
			trs, err = p.evaluateDynamicTrigger(ctx, tx, ev, trigger, snap, point, value, update.Timestamp)
		} else {
			trs, err = p.evaluateStaticTrigger(ctx, tx, ev, trigger, snap, ops, value, update.Timestamp)
		}
		if err != nil {
			return err
		}
		transitions = append(transitions, trs...)
	}

	jobs := p.dispatcher.Dispatch(rule, transitions)

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	// Post-commit only: a rolled-back transition never notifies. Publish
	// failures are logged, not retried via redelivery, because the stale
	// guard would drop the redelivered update anyway.
	for _, job := range jobs {
		if err := p.scheduler.Publish(ctx, job); err != nil {
			p.logger.Error("action publish failed", "job_id", job.ID, "error", err)
		}
	}

	if err := p.counters.Save(ctx, rule.ID, rule.ProjectID, snap); err != nil {
		return fmt.Errorf("save counters: %w", err)
	}
	return nil
}

// teardown removes a subscription that lost its rule.
func (p *Processor) teardown(ctx context.Context, sub *domain.Subscription) error {
	p.logger.Warn("tearing down orphaned subscription", "subscription_id", sub.ID)

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin teardown: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	deferred, err := p.lifecycle.Delete(ctx, tx, sub)
	if err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit teardown: %w", err)
	}
	return deferred(ctx)
}
