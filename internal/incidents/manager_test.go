package incidents

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackwatch/vigil/internal/database"
	"github.com/stackwatch/vigil/internal/domain"
)

type fakeStore struct {
	incidents map[uuid.UUID]*domain.Incident
	triggers  map[uuid.UUID]map[int64]domain.IncidentTrigger
	activity  map[uuid.UUID][]string
	recent    bool
	creates   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		incidents: make(map[uuid.UUID]*domain.Incident),
		triggers:  make(map[uuid.UUID]map[int64]domain.IncidentTrigger),
		activity:  make(map[uuid.UUID][]string),
	}
}

func (f *fakeStore) ActiveIncident(_ context.Context, _ database.Querier, ruleID, projectID, subscriptionID int64) (*domain.Incident, error) {
	for _, i := range f.incidents {
		if i.RuleID == ruleID && i.ProjectID == projectID && i.IsOpen() {
			if i.SubscriptionID == nil || *i.SubscriptionID == subscriptionID {
				return i, nil
			}
		}
	}
	return nil, domain.ErrIncidentNotFound
}

func (f *fakeStore) Create(_ context.Context, _ database.Querier, incident *domain.Incident) error {
	incident.ID = uuid.New()
	f.incidents[incident.ID] = incident
	f.activity[incident.ID] = append(f.activity[incident.ID], string(incident.Status))
	f.creates++
	return nil
}

func (f *fakeStore) UpdateStatus(_ context.Context, _ database.Querier, incidentID uuid.UUID, status domain.IncidentStatus, method domain.StatusMethod, dateClosed *time.Time) error {
	i, ok := f.incidents[incidentID]
	if !ok {
		return domain.ErrIncidentNotFound
	}
	i.Status = status
	i.StatusMethod = method
	i.DateClosed = dateClosed
	f.activity[incidentID] = append(f.activity[incidentID], string(status))
	return nil
}

func (f *fakeStore) RecentIncidentExists(_ context.Context, _ database.Querier, _, _ int64, _ time.Time) (bool, error) {
	return f.recent, nil
}

func (f *fakeStore) ListIncidentTriggers(_ context.Context, _ database.Querier, incidentID uuid.UUID) ([]domain.IncidentTrigger, error) {
	var out []domain.IncidentTrigger
	for _, it := range f.triggers[incidentID] {
		out = append(out, it)
	}
	return out, nil
}

func (f *fakeStore) UpsertIncidentTrigger(_ context.Context, _ database.Querier, incidentID uuid.UUID, triggerID int64, status domain.IncidentTriggerStatus) (*domain.IncidentTrigger, error) {
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

func (f *fakeStore) WasEverCritical(_ context.Context, _ database.Querier, incidentID uuid.UUID) (bool, error) {
	for _, v := range f.activity[incidentID] {
		if v == string(domain.IncidentCritical) {
			return true, nil
		}
	}
	return false, nil
}

func testRule() *domain.Rule {
	return &domain.Rule{
		ID:              7,
		ProjectID:       42,
		Name:            "api error rate",
		ThresholdType:   domain.ThresholdAbove,
		ThresholdPeriod: 3,
		Triggers: []domain.Trigger{
			{ID: 1, RuleID: 7, Label: domain.TriggerLabelWarning, AlertThreshold: 100},
			{ID: 2, RuleID: 7, Label: domain.TriggerLabelCritical, AlertThreshold: 200},
		},
	}
}

func testSubscription() *domain.Subscription {
	return &domain.Subscription{
		ID:        11,
		ProjectID: 42,
		Query: &domain.MetricQuery{
			Dataset:    domain.DatasetErrorEvents,
			TimeWindow: 600,
			Resolution: 60,
		},
	}
}

func newTestManager(repo store) *Manager {
	return NewManager(repo, slog.New(slog.NewTextHandler(io.Discard, nil)), 10*time.Minute)
}

func TestTriggerFired_OpensBackdatedIncident(t *testing.T) {
	repo := newFakeStore()
	m := newTestManager(repo)
	rule := testRule()
	ev := NewEvaluation(rule, testSubscription())
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tr, err := m.TriggerFired(context.Background(), nil, ev, rule.Triggers[0], 150, ts)
	require.NoError(t, err)
	require.NotNil(t, tr)

	assert.Equal(t, domain.ActionFire, tr.Method)
	assert.Equal(t, domain.IncidentWarning, tr.Status)
	require.NotNil(t, tr.Incident)

	// time_window + resolution*(threshold_period-1) = 600 + 60*2
	wantStarted := ts.Add(-720 * time.Second)
	assert.Equal(t, wantStarted, tr.Incident.DateStarted)
	assert.Equal(t, ts, tr.Incident.DateDetected)
	assert.Equal(t, "api error rate", tr.Incident.Title)
	require.NotNil(t, tr.Incident.SubscriptionID)
	assert.Equal(t, int64(11), *tr.Incident.SubscriptionID)
}

func TestTriggerFired_RateLimited(t *testing.T) {
	repo := newFakeStore()
	repo.recent = true
	m := newTestManager(repo)
	rule := testRule()
	ev := NewEvaluation(rule, testSubscription())

	tr, err := m.TriggerFired(context.Background(), nil, ev, rule.Triggers[0], 150, time.Now())
	require.NoError(t, err)
	assert.Nil(t, tr)
	assert.Zero(t, repo.creates)
}

func TestTriggerFired_SecondTriggerEscalates(t *testing.T) {
	repo := newFakeStore()
	m := newTestManager(repo)
	rule := testRule()
	ev := NewEvaluation(rule, testSubscription())
	ts := time.Now()

	warn, err := m.TriggerFired(context.Background(), nil, ev, rule.Triggers[0], 150, ts)
	require.NoError(t, err)
	require.NotNil(t, warn)
	assert.Equal(t, domain.IncidentWarning, warn.Status)

	crit, err := m.TriggerFired(context.Background(), nil, ev, rule.Triggers[1], 250, ts.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, crit)

	assert.Equal(t, domain.IncidentCritical, crit.Status)
	assert.Equal(t, warn.Incident.ID, crit.Incident.ID, "escalation must reuse the open incident")
	assert.Equal(t, 1, repo.creates)
}

func TestTriggerResolved_DeEscalatesBeforeClosing(t *testing.T) {
	repo := newFakeStore()
	m := newTestManager(repo)
	rule := testRule()
	ev := NewEvaluation(rule, testSubscription())
	ts := time.Now()

	_, err := m.TriggerFired(context.Background(), nil, ev, rule.Triggers[0], 150, ts)
	require.NoError(t, err)
	_, err = m.TriggerFired(context.Background(), nil, ev, rule.Triggers[1], 250, ts)
	require.NoError(t, err)

	tr, err := m.TriggerResolved(context.Background(), nil, ev, rule.Triggers[1], 150, ts.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, tr)

	assert.Equal(t, domain.ActionResolve, tr.Method)
	assert.Equal(t, domain.IncidentWarning, tr.Status, "critical resolved with warning still active")
	assert.True(t, tr.Incident.IsOpen())
}

func TestTriggerResolved_ClosesWhenAllResolved(t *testing.T) {
	repo := newFakeStore()
	m := newTestManager(repo)
	rule := testRule()
	ev := NewEvaluation(rule, testSubscription())
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	fired, err := m.TriggerFired(context.Background(), nil, ev, rule.Triggers[1], 250, ts)
	require.NoError(t, err)
	require.NotNil(t, fired)
	assert.Equal(t, domain.IncidentCritical, fired.Status)

	closeTS := ts.Add(10 * time.Minute)
	tr, err := m.TriggerResolved(context.Background(), nil, ev, rule.Triggers[1], 50, closeTS)
	require.NoError(t, err)
	require.NotNil(t, tr)

	assert.Equal(t, domain.IncidentClosed, tr.Status)
	assert.True(t, tr.EverCritical)
	require.NotNil(t, tr.Incident.DateClosed)
	assert.Equal(t, closeTS.Add(-720*time.Second), *tr.Incident.DateClosed)

	// caches cleared; a fresh fire opens a new incident
	next, err := m.TriggerFired(context.Background(), nil, ev, rule.Triggers[0], 150, closeTS.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.NotEqual(t, tr.Incident.ID, next.Incident.ID)
	assert.Equal(t, 2, repo.creates)
}

func TestTriggerResolved_NoopWithoutActiveIncident(t *testing.T) {
	repo := newFakeStore()
	m := newTestManager(repo)
	rule := testRule()
	ev := NewEvaluation(rule, testSubscription())

	tr, err := m.TriggerResolved(context.Background(), nil, ev, rule.Triggers[0], 10, time.Now())
	require.NoError(t, err)
	assert.Nil(t, tr)
}

func TestTriggerResolved_NoopWhenTriggerNotActive(t *testing.T) {
	repo := newFakeStore()
	m := newTestManager(repo)
	rule := testRule()
	ev := NewEvaluation(rule, testSubscription())
	ts := time.Now()

	_, err := m.TriggerFired(context.Background(), nil, ev, rule.Triggers[0], 150, ts)
	require.NoError(t, err)

	// critical never fired; resolving it must not touch the incident
	tr, err := m.TriggerResolved(context.Background(), nil, ev, rule.Triggers[1], 50, ts)
	require.NoError(t, err)
	assert.Nil(t, tr)
}
