package domain

import "time"

type Dataset string

const (
	DatasetErrorEvents   Dataset = "events"
	DatasetTransactions  Dataset = "transactions"
	DatasetCrashRate     Dataset = "metrics"
	DatasetIssuePlatform Dataset = "issue_platform"
)

type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionCreating SubscriptionStatus = "creating"
	SubscriptionUpdating SubscriptionStatus = "updating"
	SubscriptionDeleting SubscriptionStatus = "deleting"
	SubscriptionDisabled SubscriptionStatus = "disabled"
)

// MetricQuery is the query definition shared by a rule and its subscriptions.
// TimeWindow and Resolution are in seconds.
type MetricQuery struct {
	ID          int64    `json:"id"`
	Dataset     Dataset  `json:"dataset"`
	Query       string   `json:"query"`
	Aggregate   string   `json:"aggregate"`
	TimeWindow  int      `json:"time_window"`
	Resolution  int      `json:"resolution"`
	EventTypes  []string `json:"event_types"`
	Environment string   `json:"environment,omitempty"`
}

// Subscription registers a (project, query) pair for periodic aggregate
// updates from the query backend. RemoteID is the backend's identifier,
// assigned asynchronously after creation confirms.
type Subscription struct {
	ID        int64              `json:"id"`
	ProjectID int64              `json:"project_id"`
	QueryID   int64              `json:"query_id"`
	RuleID    int64              `json:"rule_id"`
	Status    SubscriptionStatus `json:"status"`
	RemoteID  string             `json:"remote_id,omitempty"`
	Query     *MetricQuery       `json:"query,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// SubscriptionUpdate is one aggregated result delivered by the query backend.
// Values.Data normally holds a single row; the sessions dataset may deliver
// several.
type SubscriptionUpdate struct {
	Timestamp      time.Time    `json:"timestamp"`
	SubscriptionID string       `json:"subscription_id"`
	Entity         string       `json:"entity"`
	Values         UpdateValues `json:"values"`
}

type UpdateValues struct {
	Data []map[string]any `json:"data"`
}
