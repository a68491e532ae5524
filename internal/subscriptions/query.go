package subscriptions

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stackwatch/vigil/internal/database"
	"github.com/stackwatch/vigil/internal/domain"
)

// QueryParams is the new definition applied to an existing metric query.
type QueryParams struct {
	Dataset     domain.Dataset
	Query       string
	Aggregate   string
	TimeWindow  int
	Resolution  int
	EventTypes  []string
	Environment string
}

// UpdateQuery rewrites the query definition, applying only the event-type
// delta, then propagates the change to every attached subscription. The
// returned deferred calls push the new definition to the backend after the
// caller commits.
func (l *Lifecycle) UpdateQuery(ctx context.Context, q database.Querier, mq *domain.MetricQuery, params QueryParams) ([]Deferred, error) {
	added, removed := diffEventTypes(mq.EventTypes, params.EventTypes)

	next := make([]string, 0, len(mq.EventTypes)+len(added))
	for _, et := range mq.EventTypes {
		if !removed[et] {
			next = append(next, et)
		}
	}
	next = append(next, added...)

	eventTypes, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("marshal event types: %w", err)
	}

	update := `
		UPDATE metric_queries
		SET dataset = $2, query = $3, aggregate = $4, time_window = $5,
		    resolution = $6, event_types = $7, environment = $8, updated_at = NOW()
		WHERE id = $1
	`
	tag, err := q.Exec(ctx, update,
		mq.ID, params.Dataset, params.Query, params.Aggregate,
		params.TimeWindow, params.Resolution, eventTypes, params.Environment,
	)
	if err != nil {
		return nil, fmt.Errorf("update metric query %d: %w", mq.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, domain.ErrQueryNotFound
	}

	mq.Dataset = params.Dataset
	mq.Query = params.Query
	mq.Aggregate = params.Aggregate
	mq.TimeWindow = params.TimeWindow
	mq.Resolution = params.Resolution
	mq.EventTypes = next
	mq.Environment = params.Environment

	if len(added) > 0 || len(removed) > 0 {
		l.logger.Info("event types changed",
			"query_id", mq.ID,
			"added", added,
			"removed", len(removed),
		)
	}

	subs, err := l.listForQuery(ctx, q, mq.ID)
	if err != nil {
		return nil, err
	}

	var deferred []Deferred
	for _, sub := range subs {
		sub.Query = mq
		d, err := l.Update(ctx, q, sub)
		if err != nil {
			return nil, err
		}
		deferred = append(deferred, d)
	}
	return deferred, nil
}

func (l *Lifecycle) listForQuery(ctx context.Context, q database.Querier, queryID int64) ([]*domain.Subscription, error) {
	query := `
		SELECT id, project_id, query_id, COALESCE(rule_id, 0), status, remote_id
		FROM subscriptions
		WHERE query_id = $1 AND status NOT IN ('deleting', 'disabled')
		ORDER BY id ASC
	`

	rows, err := q.Query(ctx, query, queryID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions for query %d: %w", queryID, err)
	}
	defer rows.Close()

	var subs []*domain.Subscription
	for rows.Next() {
		var s domain.Subscription
		if err := rows.Scan(&s.ID, &s.ProjectID, &s.QueryID, &s.RuleID, &s.Status, &s.RemoteID); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, &s)
	}
	return subs, rows.Err()
}

func diffEventTypes(current, desired []string) (added []string, removed map[string]bool) {
	have := make(map[string]bool, len(current))
	for _, et := range current {
		have[et] = true
	}
	want := make(map[string]bool, len(desired))
	for _, et := range desired {
		want[et] = true
		if !have[et] {
			added = append(added, et)
		}
	}

	removed = make(map[string]bool)
	for _, et := range current {
		if !want[et] {
			removed[et] = true
		}
	}
	return added, removed
}
