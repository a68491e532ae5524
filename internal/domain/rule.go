package domain

import (
	"sort"
	"time"
)

type ThresholdType string

const (
	ThresholdAbove         ThresholdType = "above"
	ThresholdBelow         ThresholdType = "below"
	ThresholdAboveAndBelow ThresholdType = "above_and_below"
)

type DetectionType string

const (
	DetectionStatic  DetectionType = "static"
	DetectionDynamic DetectionType = "dynamic"
)

type RuleStatus string

const (
	RuleStatusPending       RuleStatus = "pending"
	RuleStatusActive        RuleStatus = "active"
	RuleStatusNotEnoughData RuleStatus = "not_enough_data"
	RuleStatusDisabled      RuleStatus = "disabled"
)

// Well-known trigger labels. Severity recomputation and action routing key
// off these values.
const (
	TriggerLabelCritical = "critical"
	TriggerLabelWarning  = "warning"
)

// Rule is a monitored metric query with one or more severity triggers.
// Triggers are kept sorted ascending by alert threshold; evaluation order
// depends on it.
type Rule struct {
	ID               int64          `json:"id"`
	OrganizationID   int64          `json:"organization_id"`
	ProjectID        int64          `json:"project_id"`
	Name             string         `json:"name"`
	QueryID          int64          `json:"query_id"`
	ThresholdType    ThresholdType  `json:"threshold_type"`
	ResolveThreshold *float64       `json:"resolve_threshold,omitempty"`
	ThresholdPeriod  int            `json:"threshold_period"`
	ComparisonDelta  *float64       `json:"comparison_delta,omitempty"`
	DetectionType    DetectionType  `json:"detection_type"`
	Status           RuleStatus     `json:"status"`
	Triggers         []Trigger      `json:"triggers"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Trigger is one severity level within a rule.
type Trigger struct {
	ID             int64    `json:"id"`
	RuleID         int64    `json:"rule_id"`
	Label          string   `json:"label"`
	AlertThreshold float64  `json:"alert_threshold"`
	Actions        []Action `json:"actions"`
}

// Action is a configured notification target attached to a trigger.
type Action struct {
	ID               int64  `json:"id"`
	TriggerID        int64  `json:"trigger_id"`
	Type             string `json:"type"`
	TargetIdentifier string `json:"target_identifier"`
}

// SortTriggers orders triggers ascending by alert threshold.
func (r *Rule) SortTriggers() {
	sort.SliceStable(r.Triggers, func(i, j int) bool {
		return r.Triggers[i].AlertThreshold < r.Triggers[j].AlertThreshold
	})
}

// IsCritical reports whether the trigger carries the critical label.
func (t *Trigger) IsCritical() bool {
	return t.Label == TriggerLabelCritical
}
