package processor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackwatch/vigil/internal/actions"
	"github.com/stackwatch/vigil/internal/aggregation"
	"github.com/stackwatch/vigil/internal/anomaly"
	"github.com/stackwatch/vigil/internal/counters"
	"github.com/stackwatch/vigil/internal/database"
	"github.com/stackwatch/vigil/internal/domain"
	"github.com/stackwatch/vigil/internal/incidents"
	"github.com/stackwatch/vigil/internal/subscriptions"
)

// --- transaction fakes -----------------------------------------------------

type fakeTx struct {
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Begin(context.Context) (pgx.Tx, error) { return t, nil }
func (t *fakeTx) Commit(context.Context) error          { t.committed = true; return nil }
func (t *fakeTx) Rollback(context.Context) error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}
func (t *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *fakeTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (t *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (t *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (t *fakeTx) Conn() *pgx.Conn                                         { return nil }

type fakePool struct {
	txs []*fakeTx
}

func (p *fakePool) Begin(context.Context) (pgx.Tx, error) {
	tx := &fakeTx{}
	p.txs = append(p.txs, tx)
	return tx, nil
}
func (p *fakePool) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (p *fakePool) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (p *fakePool) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (p *fakePool) Ping(context.Context) error                              { return nil }

func (p *fakePool) lastTx() *fakeTx {
	if len(p.txs) == 0 {
		return nil
	}
	return p.txs[len(p.txs)-1]
}

// --- dependency fakes ------------------------------------------------------

type fakeIncidentStore struct {
	incidentsByID map[uuid.UUID]*domain.Incident
	triggers      map[uuid.UUID]map[int64]domain.IncidentTrigger
	activity      map[uuid.UUID][]string
	recent        bool
	creates       int
}

func newFakeIncidentStore() *fakeIncidentStore {
	return &fakeIncidentStore{
		incidentsByID: make(map[uuid.UUID]*domain.Incident),
		triggers:      make(map[uuid.UUID]map[int64]domain.IncidentTrigger),
		activity:      make(map[uuid.UUID][]string),
	}
}

func (f *fakeIncidentStore) ActiveIncident(_ context.Context, _ database.Querier, ruleID, projectID, subscriptionID int64) (*domain.Incident, error) {
	for _, i := range f.incidentsByID {
		if i.RuleID == ruleID && i.ProjectID == projectID && i.IsOpen() {
			if i.SubscriptionID == nil || *i.SubscriptionID == subscriptionID {
				return i, nil
			}
		}
	}
	return nil, domain.ErrIncidentNotFound
}

func (f *fakeIncidentStore) Create(_ context.Context, _ database.Querier, incident *domain.Incident) error {
	incident.ID = uuid.New()
	f.incidentsByID[incident.ID] = incident
	f.activity[incident.ID] = append(f.activity[incident.ID], string(incident.Status))
	f.creates++
	return nil
}

func (f *fakeIncidentStore) UpdateStatus(_ context.Context, _ database.Querier, incidentID uuid.UUID, status domain.IncidentStatus, method domain.StatusMethod, dateClosed *time.Time) error {
	i, ok := f.incidentsByID[incidentID]
	if !ok {
		return domain.ErrIncidentNotFound
	}
	i.Status = status
	i.StatusMethod = method
	i.DateClosed = dateClosed
	f.activity[incidentID] = append(f.activity[incidentID], string(status))
	return nil
}

func (f *fakeIncidentStore) RecentIncidentExists(context.Context, database.Querier, int64, int64, time.Time) (bool, error) {
	return f.recent, nil
}

func (f *fakeIncidentStore) ListIncidentTriggers(_ context.Context, _ database.Querier, incidentID uuid.UUID) ([]domain.IncidentTrigger, error) {
	var out []domain.IncidentTrigger
	for _, it := range f.triggers[incidentID] {
		out = append(out, it)
	}
	return out, nil
}

func (f *fakeIncidentStore) UpsertIncidentTrigger(_ context.Context, _ database.Querier, incidentID uuid.UUID, triggerID int64, status domain.IncidentTriggerStatus) (*domain.IncidentTrigger, error) {
	if f.triggers[incidentID] == nil {
		f.triggers[incidentID] = make(map[int64]domain.IncidentTrigger)
	}
	it, ok := f.triggers[incidentID][triggerID]
	if !ok {
		it = domain.IncidentTrigger{ID: uuid.New(), IncidentID: incidentID, TriggerID: triggerID}
	}
	it.Status = status
	f.triggers[incidentID][triggerID] = it
	return &it, nil
}

func (f *fakeIncidentStore) WasEverCritical(_ context.Context, _ database.Querier, incidentID uuid.UUID) (bool, error) {
	for _, v := range f.activity[incidentID] {
		if v == string(domain.IncidentCritical) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeIncidentStore) openIncident() *domain.Incident {
	for _, i := range f.incidentsByID {
		if i.IsOpen() {
			return i
		}
	}
	return nil
}

type fakeRuleStore struct {
	sub  *domain.Subscription
	rule *domain.Rule
}

func (f *fakeRuleStore) GetSubscriptionByRemoteID(_ context.Context, remoteID string) (*domain.Subscription, error) {
	if f.sub == nil || f.sub.RemoteID != remoteID {
		return nil, domain.ErrSubscriptionNotFound
	}
	return f.sub, nil
}

func (f *fakeRuleStore) GetRule(_ context.Context, ruleID int64) (*domain.Rule, error) {
	if f.rule == nil || f.rule.ID != ruleID {
		return nil, domain.ErrRuleNotFound
	}
	return f.rule, nil
}

type fakeResolver struct {
	calls int
	fn    func(update *domain.SubscriptionUpdate) (aggregation.Result, error)
}

func (f *fakeResolver) Compute(_ context.Context, _ *domain.Subscription, _ *domain.Rule, update *domain.SubscriptionUpdate) (aggregation.Result, error) {
	f.calls++
	return f.fn(update)
}

type fakeScheduler struct {
	jobs      []domain.ActionJob
	onPublish func()
}

func (f *fakeScheduler) Publish(_ context.Context, job domain.ActionJob) error {
	if f.onPublish != nil {
		f.onPublish()
	}
	f.jobs = append(f.jobs, job)
	return nil
}

type fakeLifecycle struct {
	deleted     []int64
	deferredRan int
}

func (f *fakeLifecycle) Delete(_ context.Context, _ database.Querier, sub *domain.Subscription) (subscriptions.Deferred, error) {
	f.deleted = append(f.deleted, sub.ID)
	return func(context.Context) error {
		f.deferredRan++
		return nil
	}, nil
}

type fakeOracle struct {
	points []anomaly.PotentialAnomaly
	err    error
}

func (f *fakeOracle) Detect(context.Context, *domain.Rule, *domain.Subscription, time.Time, float64) ([]anomaly.PotentialAnomaly, error) {
	return f.points, f.err
}

// --- harness ---------------------------------------------------------------

type harness struct {
	proc      *Processor
	pool      *fakePool
	store     *fakeIncidentStore
	counters  *counters.MemoryStore
	resolver  *fakeResolver
	scheduler *fakeScheduler
	lifecycle *fakeLifecycle
	oracle    *fakeOracle
	rules     *fakeRuleStore
}

func processorRule(period int) *domain.Rule {
	return &domain.Rule{
		ID:              7,
		ProjectID:       42,
		Name:            "api error rate",
		ThresholdType:   domain.ThresholdAbove,
		ThresholdPeriod: period,
		DetectionType:   domain.DetectionStatic,
		Triggers: []domain.Trigger{
			{
				ID: 1, RuleID: 7, Label: domain.TriggerLabelWarning, AlertThreshold: 100,
				Actions: []domain.Action{{ID: 10, TriggerID: 1, Type: "webhook", TargetIdentifier: "https://ops.example.com/hook"}},
			},
			{
				ID: 2, RuleID: 7, Label: domain.TriggerLabelCritical, AlertThreshold: 200,
				Actions: []domain.Action{{ID: 20, TriggerID: 2, Type: "pagerduty", TargetIdentifier: "svc-api"}},
			},
		},
	}
}

func newHarness(t *testing.T, rule *domain.Rule, cfg Config) *harness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		pool:      &fakePool{},
		store:     newFakeIncidentStore(),
		counters:  counters.NewMemoryStore(),
		scheduler: &fakeScheduler{},
		lifecycle: &fakeLifecycle{},
		oracle:    &fakeOracle{},
	}

	h.resolver = &fakeResolver{fn: func(update *domain.SubscriptionUpdate) (aggregation.Result, error) {
		v, _ := update.Values.Data[0]["value"].(float64)
		return aggregation.Result{Value: &v}, nil
	}}

	h.rules = &fakeRuleStore{
		rule: rule,
		sub: &domain.Subscription{
			ID:        11,
			ProjectID: 42,
			QueryID:   3,
			RuleID:    rule.ID,
			Status:    domain.SubscriptionActive,
			RemoteID:  "remote-1",
			Query: &domain.MetricQuery{
				ID:         3,
				Dataset:    domain.DatasetErrorEvents,
				TimeWindow: 600,
				Resolution: 60,
			},
		},
	}

	manager := incidents.NewManager(h.store, logger, 10*time.Minute)
	h.proc = New(
		h.pool, h.rules, h.counters, h.resolver, manager,
		actions.NewDispatcher(logger), h.scheduler, h.lifecycle, h.oracle,
		cfg, logger,
	)
	return h
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func update(ts time.Time, value float64) *domain.SubscriptionUpdate {
	return &domain.SubscriptionUpdate{
		Timestamp:      ts,
		SubscriptionID: "remote-1",
		Entity:         "events",
		Values:         domain.UpdateValues{Data: []map[string]any{{"value": value}}},
	}
}

// feed processes a sequence of values one minute apart, starting at start.
func (h *harness) feed(t *testing.T, start time.Time, values ...float64) time.Time {
	t.Helper()
	ts := start
	for _, v := range values {
		require.NoError(t, h.proc.ProcessUpdate(context.Background(), update(ts, v)))
		ts = ts.Add(time.Minute)
	}
	return ts
}

// --- tests -----------------------------------------------------------------

func TestProcessUpdate_HysteresisRequiresConsecutiveBreaches(t *testing.T) {
	h := newHarness(t, processorRule(3), Config{CrashRateAlertsEnabled: true})

	// two breaches, a dip, then two more: never three in a row
	ts := h.feed(t, t0, 150, 150, 50, 150, 150)
	assert.Zero(t, h.store.creates)

	// third consecutive breach fires
	h.feed(t, ts, 150)
	require.Equal(t, 1, h.store.creates)

	incident := h.store.openIncident()
	require.NotNil(t, incident)
	assert.Equal(t, domain.IncidentWarning, incident.Status)
}

func TestProcessUpdate_StaleUpdateDropped(t *testing.T) {
	h := newHarness(t, processorRule(3), Config{CrashRateAlertsEnabled: true})

	require.NoError(t, h.proc.ProcessUpdate(context.Background(), update(t0, 150)))
	require.Equal(t, 1, h.resolver.calls)

	// redelivery of the same timestamp never re-evaluates
	require.NoError(t, h.proc.ProcessUpdate(context.Background(), update(t0, 150)))
	assert.Equal(t, 1, h.resolver.calls)

	// and neither does an older one
	require.NoError(t, h.proc.ProcessUpdate(context.Background(), update(t0.Add(-time.Minute), 150)))
	assert.Equal(t, 1, h.resolver.calls)
}

func TestProcessUpdate_SeverityWalk(t *testing.T) {
	h := newHarness(t, processorRule(1), Config{CrashRateAlertsEnabled: true})

	// 60: quiet
	ts := h.feed(t, t0, 60)
	assert.Zero(t, h.store.creates)

	// 110: warning fires
	ts = h.feed(t, ts, 110)
	incident := h.store.openIncident()
	require.NotNil(t, incident)
	assert.Equal(t, domain.IncidentWarning, incident.Status)

	// 210: critical escalation on the same incident
	ts = h.feed(t, ts, 210)
	assert.Equal(t, domain.IncidentCritical, incident.Status)
	assert.Equal(t, 1, h.store.creates)

	// 110: critical resolves, incident de-escalates
	ts = h.feed(t, ts, 110)
	assert.Equal(t, domain.IncidentWarning, incident.Status)

	// 10: warning resolves, incident closes
	h.feed(t, ts, 10)
	assert.Equal(t, domain.IncidentClosed, incident.Status)
	assert.Nil(t, h.store.openIncident())
	assert.Equal(t, 1, h.store.creates, "the whole walk stays on one incident")
}

func TestProcessUpdate_ResolveAtExactBoundary(t *testing.T) {
	rule := processorRule(1)
	rule.Triggers = rule.Triggers[:1]
	rule.Triggers[0].AlertThreshold = 0
	h := newHarness(t, rule, Config{CrashRateAlertsEnabled: true})

	ts := h.feed(t, t0, 5)
	incident := h.store.openIncident()
	require.NotNil(t, incident)

	// value exactly on the alert threshold must resolve despite strict <
	h.feed(t, ts, 0)
	assert.Equal(t, domain.IncidentClosed, incident.Status)
}

func TestProcessUpdate_NilAggregateAdvancesWatermark(t *testing.T) {
	h := newHarness(t, processorRule(3), Config{CrashRateAlertsEnabled: true})
	h.resolver.fn = func(*domain.SubscriptionUpdate) (aggregation.Result, error) {
		return aggregation.Result{}, nil
	}

	require.NoError(t, h.proc.ProcessUpdate(context.Background(), update(t0, 150)))
	assert.Empty(t, h.pool.txs, "no evaluation, no transaction")

	// watermark advanced: the same timestamp is now stale
	require.NoError(t, h.proc.ProcessUpdate(context.Background(), update(t0, 150)))
	assert.Equal(t, 1, h.resolver.calls)
}

func TestProcessUpdate_InconclusiveSampleResetsCounters(t *testing.T) {
	h := newHarness(t, processorRule(3), Config{CrashRateAlertsEnabled: true})

	ts := h.feed(t, t0, 150, 150)

	h.resolver.fn = func(*domain.SubscriptionUpdate) (aggregation.Result, error) {
		return aggregation.Result{ResetCounters: true}, nil
	}
	require.NoError(t, h.proc.ProcessUpdate(context.Background(), update(ts, 150)))
	ts = ts.Add(time.Minute)

	h.resolver.fn = func(update *domain.SubscriptionUpdate) (aggregation.Result, error) {
		v, _ := update.Values.Data[0]["value"].(float64)
		return aggregation.Result{Value: &v}, nil
	}

	// accumulation restarted from zero: two more breaches are not enough
	ts = h.feed(t, ts, 150, 150)
	assert.Zero(t, h.store.creates)

	h.feed(t, ts, 150)
	assert.Equal(t, 1, h.store.creates)
}

func TestProcessUpdate_RateLimitSuppressedFireStillResetsCounter(t *testing.T) {
	h := newHarness(t, processorRule(3), Config{CrashRateAlertsEnabled: true})
	h.store.recent = true

	ts := h.feed(t, t0, 150, 150, 150)
	assert.Zero(t, h.store.creates, "fire suppressed by rate limit")

	snap, err := h.counters.Load(context.Background(), 7, 42, []int64{1, 2})
	require.NoError(t, err)
	assert.Zero(t, snap.AlertCounts[1], "counter resets even when the fire was suppressed")

	// once outside the window, three fresh breaches open the incident
	h.store.recent = false
	h.feed(t, ts, 150, 150, 150)
	assert.Equal(t, 1, h.store.creates)
}

func TestProcessUpdate_ActionsPublishedAfterCommit(t *testing.T) {
	h := newHarness(t, processorRule(1), Config{CrashRateAlertsEnabled: true})
	h.scheduler.onPublish = func() {
		require.True(t, h.pool.lastTx().committed, "jobs must publish only after commit")
	}

	h.feed(t, t0, 110)
	require.Len(t, h.scheduler.jobs, 1)

	job := h.scheduler.jobs[0]
	assert.Equal(t, int64(10), job.ActionID)
	assert.Equal(t, domain.ActionFire, job.Method)
	assert.Equal(t, domain.IncidentWarning, job.NewStatus)
	assert.InDelta(t, 110, job.MetricValue, 0.001)
}

func TestProcessUpdate_CriticalFireSelectsAllActions(t *testing.T) {
	h := newHarness(t, processorRule(1), Config{CrashRateAlertsEnabled: true})

	h.feed(t, t0, 210)

	ids := make([]int64, 0, len(h.scheduler.jobs))
	for _, j := range h.scheduler.jobs {
		ids = append(ids, j.ActionID)
	}
	assert.ElementsMatch(t, []int64{10, 20}, ids)
	for _, j := range h.scheduler.jobs {
		assert.Equal(t, domain.IncidentCritical, j.NewStatus)
	}
}

func TestProcessUpdate_MissingRuleTearsDownSubscription(t *testing.T) {
	h := newHarness(t, processorRule(3), Config{CrashRateAlertsEnabled: true})
	h.rules.sub.RuleID = 999

	require.NoError(t, h.proc.ProcessUpdate(context.Background(), update(t0, 150)))

	assert.Equal(t, []int64{11}, h.lifecycle.deleted)
	assert.Equal(t, 1, h.lifecycle.deferredRan)
	require.Len(t, h.pool.txs, 1)
	assert.True(t, h.pool.txs[0].committed)
}

func TestProcessUpdate_UnknownSubscriptionDropped(t *testing.T) {
	h := newHarness(t, processorRule(3), Config{CrashRateAlertsEnabled: true})

	u := update(t0, 150)
	u.SubscriptionID = "remote-unknown"
	require.NoError(t, h.proc.ProcessUpdate(context.Background(), u))
	assert.Zero(t, h.resolver.calls)
}

func TestProcessUpdate_AboveAndBelowRequiresAnomalyDetection(t *testing.T) {
	rule := processorRule(1)
	rule.ThresholdType = domain.ThresholdAboveAndBelow
	h := newHarness(t, rule, Config{CrashRateAlertsEnabled: true})

	require.NoError(t, h.proc.ProcessUpdate(context.Background(), update(t0, 150)))
	assert.Zero(t, h.resolver.calls, "evaluation aborts before computing anything")
	assert.Empty(t, h.pool.txs)
}

func TestProcessUpdate_DynamicFiresOnAnomaly(t *testing.T) {
	rule := processorRule(1)
	rule.DetectionType = domain.DetectionDynamic
	h := newHarness(t, rule, Config{CrashRateAlertsEnabled: true, AnomalyDetectionEnabled: true})
	h.oracle.points = []anomaly.PotentialAnomaly{
		{Timestamp: t0, Value: 150, Label: anomaly.LabelHighConfidence, Score: 0.92},
	}

	require.NoError(t, h.proc.ProcessUpdate(context.Background(), update(t0, 150)))

	incident := h.store.openIncident()
	require.NotNil(t, incident)
	// high confidence breaches both warning and critical
	assert.Equal(t, domain.IncidentCritical, incident.Status)
}

func TestProcessUpdate_DynamicNoDataDropsUpdate(t *testing.T) {
	rule := processorRule(1)
	rule.DetectionType = domain.DetectionDynamic
	h := newHarness(t, rule, Config{CrashRateAlertsEnabled: true, AnomalyDetectionEnabled: true})
	h.oracle.points = []anomaly.PotentialAnomaly{
		{Timestamp: t0, Value: 150, Label: anomaly.LabelNoData},
	}

	require.NoError(t, h.proc.ProcessUpdate(context.Background(), update(t0, 150)))
	assert.Empty(t, h.pool.txs)
	assert.Zero(t, h.store.creates)

	// watermark still advanced
	require.NoError(t, h.proc.ProcessUpdate(context.Background(), update(t0, 150)))
	assert.Equal(t, 1, h.resolver.calls)
}

func TestProcessUpdate_CrashRateAlertsDisabled(t *testing.T) {
	h := newHarness(t, processorRule(3), Config{CrashRateAlertsEnabled: false})
	h.rules.sub.Query.Dataset = domain.DatasetCrashRate

	require.NoError(t, h.proc.ProcessUpdate(context.Background(), update(t0, 150)))
	assert.Zero(t, h.resolver.calls)
}

func TestProcessUpdate_ExplicitResolveThresholdOnWarning(t *testing.T) {
	rule := processorRule(1)
	resolveAt := 50.0
	rule.ResolveThreshold = &resolveAt
	h := newHarness(t, rule, Config{CrashRateAlertsEnabled: true})

	ts := h.feed(t, t0, 110)
	incident := h.store.openIncident()
	require.NotNil(t, incident)

	// 60 is below the warning alert threshold but above the explicit
	// resolve threshold: the incident stays open
	ts = h.feed(t, ts, 60)
	assert.Equal(t, domain.IncidentWarning, incident.Status)

	h.feed(t, ts, 40)
	assert.Equal(t, domain.IncidentClosed, incident.Status)
}
