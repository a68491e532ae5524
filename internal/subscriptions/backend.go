package subscriptions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/stackwatch/vigil/internal/domain"
)

// Backend is the external query backend that runs subscriptions and emits
// periodic aggregate updates.
type Backend interface {
	CreateSubscription(ctx context.Context, projectID int64, q *domain.MetricQuery) (string, error)
	UpdateSubscription(ctx context.Context, remoteID string, q *domain.MetricQuery) error
	DeleteSubscription(ctx context.Context, remoteID string) error
}

// ClientConfig holds the query backend client settings.
type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL: "http://localhost:1218",
		Timeout: 15 * time.Second,
	}
}

// Client is the HTTP client for the query backend's subscription API.
type Client struct {
	httpClient *http.Client
	config     ClientConfig
}

func NewClient(config ClientConfig) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: config.Timeout},
		config:     config,
	}
}

type subscriptionRequest struct {
	ProjectID   int64    `json:"project_id"`
	Dataset     string   `json:"dataset"`
	Query       string   `json:"query"`
	Aggregate   string   `json:"aggregate"`
	TimeWindow  int      `json:"time_window"`
	Resolution  int      `json:"resolution"`
	EventTypes  []string `json:"event_types"`
	Environment string   `json:"environment,omitempty"`
}

type subscriptionResponse struct {
	SubscriptionID string `json:"subscription_id"`
}

func subscriptionBody(projectID int64, q *domain.MetricQuery) subscriptionRequest {
	return subscriptionRequest{
		ProjectID:   projectID,
		Dataset:     string(q.Dataset),
		Query:       q.Query,
		Aggregate:   q.Aggregate,
		TimeWindow:  q.TimeWindow,
		Resolution:  q.Resolution,
		EventTypes:  q.EventTypes,
		Environment: q.Environment,
	}
}

// CreateSubscription registers the query and returns the backend-assigned
// subscription identifier.
func (c *Client) CreateSubscription(ctx context.Context, projectID int64, q *domain.MetricQuery) (string, error) {
	var resp subscriptionResponse
	if err := c.doRequest(ctx, http.MethodPost, "/subscriptions", subscriptionBody(projectID, q), &resp); err != nil {
		return "", err
	}
	return resp.SubscriptionID, nil
}

func (c *Client) UpdateSubscription(ctx context.Context, remoteID string, q *domain.MetricQuery) error {
	return c.doRequest(ctx, http.MethodPut, "/subscriptions/"+remoteID, subscriptionBody(0, q), nil)
}

func (c *Client) DeleteSubscription(ctx context.Context, remoteID string) error {
	return c.doRequest(ctx, http.MethodDelete, "/subscriptions/"+remoteID, nil, nil)
}

type comparisonRequest struct {
	ProjectID int64     `json:"project_id"`
	Dataset   string    `json:"dataset"`
	Query     string    `json:"query"`
	Aggregate string    `json:"aggregate"`
	End       time.Time `json:"end"`
	WindowSec int       `json:"window_sec"`
}

type comparisonResponse struct {
	Value *float64 `json:"value"`
}

// ComparisonAggregate runs the subscription's query over the window ending
// at end and returns the aggregate, nil when the backend has no data for
// the period. Satisfies the aggregation resolver's backend dependency.
func (c *Client) ComparisonAggregate(ctx context.Context, q *domain.MetricQuery, projectID int64, end time.Time) (*float64, error) {
	req := comparisonRequest{
		ProjectID: projectID,
		Dataset:   string(q.Dataset),
		Query:     q.Query,
		Aggregate: q.Aggregate,
		End:       end,
		WindowSec: q.TimeWindow,
	}

	var resp comparisonResponse
	if err := c.doRequest(ctx, http.MethodPost, "/query", req, &resp); err != nil {
		return nil, err
	}
	return resp.Value, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any, result any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.ErrBackendUnavailable.WithError(err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return domain.ErrBackendUnavailable.WithError(
			fmt.Errorf("query backend returned status %d: %s", resp.StatusCode, string(respBody)))
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}
