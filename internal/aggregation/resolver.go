// Package aggregation turns a raw subscription update into the single
// numeric value the trigger evaluator compares against thresholds.
package aggregation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stackwatch/vigil/internal/domain"
)

// QueryBackend answers comparison queries for relative-change alerts: the
// value of the same query one comparison-delta ago.
type QueryBackend interface {
	ComparisonAggregate(ctx context.Context, query *domain.MetricQuery, projectID int64, end time.Time) (*float64, error)
}

// Result carries the computed aggregate. A nil Value means "drop this
// update without evaluating triggers, but still advance last_update".
// ResetCounters is set when the sample was inconclusive (for example a
// session count below the minimum), in which case hysteresis must not
// accumulate in either direction.
type Result struct {
	Value         *float64
	ResetCounters bool
}

type Config struct {
	MinSessionCount        int
	EnforceMinSessionCount bool
}

// Resolver selects a dataset strategy once per subscription and caches it.
type Resolver struct {
	backend QueryBackend
	cfg     Config
	logger  *slog.Logger

	mu         sync.Mutex
	strategies map[int64]strategy
}

func NewResolver(backend QueryBackend, cfg Config, logger *slog.Logger) *Resolver {
	return &Resolver{
		backend:    backend,
		cfg:        cfg,
		logger:     logger,
		strategies: make(map[int64]strategy),
	}
}

func (r *Resolver) Compute(ctx context.Context, sub *domain.Subscription, rule *domain.Rule, update *domain.SubscriptionUpdate) (Result, error) {
	if sub.Query == nil {
		return Result{}, domain.ErrQueryNotFound
	}
	if len(update.Values.Data) == 0 {
		return Result{}, domain.ErrMalformedUpdate.WithError(fmt.Errorf("update for subscription %d has no rows", sub.ID))
	}
	if len(update.Values.Data) > 1 && sub.Query.Dataset != domain.DatasetCrashRate {
		// Only the sessions dataset legitimately delivers several rows.
		r.logger.Warn("unexpected multi-row update",
			"subscription_id", sub.ID,
			"dataset", sub.Query.Dataset,
			"rows", len(update.Values.Data),
		)
	}

	return r.strategyFor(sub).compute(ctx, rule, update)
}

func (r *Resolver) strategyFor(sub *domain.Subscription) strategy {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.strategies[sub.ID]; ok {
		return s
	}

	var s strategy
	switch sub.Query.Dataset {
	case domain.DatasetCrashRate:
		s = &crashRateStrategy{
			minSessions: r.cfg.MinSessionCount,
			enforceMin:  r.cfg.EnforceMinSessionCount,
		}
	default:
		// Error events, transactions and the issue platform all deliver a
		// single pre-aggregated value; they differ only in the query they
		// run upstream.
		s = &valueStrategy{
			backend:   r.backend,
			query:     sub.Query,
			projectID: sub.ProjectID,
		}
	}
	r.strategies[sub.ID] = s
	return s
}

// Invalidate drops the cached strategy for a subscription whose query
// definition changed.
func (r *Resolver) Invalidate(subscriptionID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.strategies, subscriptionID)
}

type strategy interface {
	compute(ctx context.Context, rule *domain.Rule, update *domain.SubscriptionUpdate) (Result, error)
}

// valueStrategy extracts the aggregate from the update row, optionally
// rescaling it against the same query one comparison-delta ago.
type valueStrategy struct {
	backend   QueryBackend
	query     *domain.MetricQuery
	projectID int64
}

func (s *valueStrategy) compute(ctx context.Context, rule *domain.Rule, update *domain.SubscriptionUpdate) (Result, error) {
	row := update.Values.Data[0]
	value, ok := numField(row, "value", "count")
	if !ok {
		return Result{}, domain.ErrMalformedUpdate.WithError(fmt.Errorf("no aggregate column in row"))
	}

	if rule.ComparisonDelta == nil {
		return Result{Value: &value}, nil
	}

	// Relative alert: express the current value as a percentage of the
	// value one comparison-delta ago.
	end := update.Timestamp.Add(-time.Duration(*rule.ComparisonDelta) * time.Second)
	past, err := s.backend.ComparisonAggregate(ctx, s.query, s.projectID, end)
	if err != nil {
		return Result{}, fmt.Errorf("comparison aggregate: %w", err)
	}
	if past == nil || *past == 0 {
		// No baseline to compare against; drop the update.
		return Result{}, nil
	}
	pct := value / *past * 100
	return Result{Value: &pct}, nil
}

// crashRateStrategy computes the crash-free percentage from session rows.
type crashRateStrategy struct {
	minSessions int
	enforceMin  bool
}

func (s *crashRateStrategy) compute(_ context.Context, _ *domain.Rule, update *domain.SubscriptionUpdate) (Result, error) {
	var count, crashed float64
	for _, row := range update.Values.Data {
		if n, ok := numField(row, "count"); ok {
			count += n
		}
		if n, ok := numField(row, "crashed"); ok {
			crashed += n
		}
	}

	if count == 0 {
		return Result{}, nil
	}
	if s.enforceMin && count < float64(s.minSessions) {
		// An inconclusive sample must not count toward hysteresis in
		// either direction.
		return Result{ResetCounters: true}, nil
	}

	crashFree := (1 - crashed/count) * 100
	return Result{Value: &crashFree}, nil
}

// numField reads the first present numeric column among keys. JSON decoding
// yields float64 for all numbers; integer types cover hand-built test rows.
func numField(row map[string]any, keys ...string) (float64, bool) {
	for _, key := range keys {
		v, ok := row[key]
		if !ok || v == nil {
			continue
		}
		switch n := v.(type) {
		case float64:
			return n, true
		case float32:
			return float64(n), true
		case int:
			return float64(n), true
		case int64:
			return float64(n), true
		}
	}
	return 0, false
}
