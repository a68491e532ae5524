// Package anomaly wraps the external statistical detector used by rules
// with dynamic detection. The detector is an oracle: it either returns a
// labeled verdict per data point or nothing, in which case the update is
// treated as insufficient data.
package anomaly

import (
	"context"
	"time"

	"github.com/stackwatch/vigil/internal/domain"
)

type Label string

const (
	LabelNone           Label = "none"
	LabelLowConfidence  Label = "anomaly_lower_confidence"
	LabelHighConfidence Label = "anomaly_higher_confidence"
	LabelNoData         Label = "no_data"
)

// PotentialAnomaly is one scored data point returned by the detector.
type PotentialAnomaly struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Label     Label     `json:"anomaly_type"`
	Score     float64   `json:"anomaly_score"`
}

// Oracle scores the latest aggregation value for a rule. A nil slice with a
// nil error means the detector made no determination.
type Oracle interface {
	Detect(ctx context.Context, rule *domain.Rule, sub *domain.Subscription, lastUpdate time.Time, value float64) ([]PotentialAnomaly, error)
}

// HasAnomaly reports whether the scored point breaches the given trigger.
// Critical triggers require a high-confidence anomaly; warning triggers
// fire on either confidence level.
func HasAnomaly(p PotentialAnomaly, triggerLabel string) bool {
	if triggerLabel == domain.TriggerLabelCritical {
		return p.Label == LabelHighConfidence
	}
	return p.Label == LabelLowConfidence || p.Label == LabelHighConfidence
}

// HasConfidence reports whether the detector had enough data to decide at
// all. A no-data verdict must not drive fire or resolve transitions.
func HasConfidence(p PotentialAnomaly) bool {
	return p.Label != LabelNoData
}
