package anomaly

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

// Config holds the configuration for the detector client
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:9091",
		Timeout: 10 * time.Second,
	}
}

// Client is the HTTP client for the anomaly detection service
type Client struct {
	httpClient *http.Client
	config     Config
}

func NewClient(config Config) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		config: config,
	}
}

type detectRequest struct {
	RuleID         int64             `json:"rule_id"`
	OrganizationID int64             `json:"organization_id"`
	ProjectID      int64             `json:"project_id"`
	Config         detectConfig      `json:"config"`
	Context        []detectDataPoint `json:"context"`
}

type detectConfig struct {
	TimePeriod    int    `json:"time_period"`
	Direction     string `json:"direction"`
	ExpectedSeasonality string `json:"expected_seasonality,omitempty"`
}

type detectDataPoint struct {
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

type detectResponse struct {
	Success    bool `json:"success"`
	Timeseries []struct {
		Timestamp int64   `json:"timestamp"`
		Value     float64 `json:"value"`
		Anomaly   struct {
			AnomalyType  Label   `json:"anomaly_type"`
			AnomalyScore float64 `json:"anomaly_score"`
		} `json:"anomaly"`
	} `json:"timeseries"`
	Message string `json:"message,omitempty"`
}

// Detect calls POST /v1/anomaly-detection/detect with the latest value.
func (c *Client) Detect(ctx context.Context, rule *domain.Rule, sub *domain.Subscription, lastUpdate time.Time, value float64) ([]PotentialAnomaly, error) {
	timeWindow := 0
	if sub.Query != nil {
		timeWindow = sub.Query.TimeWindow
	}
	req := detectRequest{
		RuleID:         rule.ID,
		OrganizationID: rule.OrganizationID,
		ProjectID:      sub.ProjectID,
		Config: detectConfig{
			TimePeriod: timeWindow / 60,
			Direction:  direction(rule.ThresholdType),
		},
		Context: []detectDataPoint{
			{Timestamp: lastUpdate.Unix(), Value: value},
		},
	}

	var resp detectResponse
	if err := c.doRequest(ctx, "POST", "/v1/anomaly-detection/detect", req, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, domain.ErrDetectorNotFound.WithError(fmt.Errorf("detector rejected rule %d: %s", rule.ID, resp.Message))
	}
	if len(resp.Timeseries) == 0 {
		return nil, nil
	}

	points := make([]PotentialAnomaly, 0, len(resp.Timeseries))
	for _, p := range resp.Timeseries {
		points = append(points, PotentialAnomaly{
			Timestamp: time.Unix(p.Timestamp, 0).UTC(),
			Value:     p.Value,
			Label:     p.Anomaly.AnomalyType,
			Score:     p.Anomaly.AnomalyScore,
		})
	}
	return points, nil
}

func direction(tt domain.ThresholdType) string {
	switch tt {
	case domain.ThresholdAbove:
		return "up"
	case domain.ThresholdBelow:
		return "down"
	default:
		return "both"
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any, result any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("detector request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read detector response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return domain.ErrDetectorNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("detector returned status %d: %s", resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("decode detector response: %w", err)
	}
	return nil
}
