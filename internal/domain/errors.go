package domain

import (
	"fmt"
)

type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches AppErrors by code so wrapped copies compare equal to their
// sentinel.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	return ok && t.Code == e.Code
}

func (e *AppError) WithError(err error) *AppError {
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     err,
	}
}

// Pre-defined errors
var (
	ErrInternal = &AppError{
		Code:    "INTERNAL_ERROR",
		Message: "An unexpected error occurred",
	}

	ErrRuleNotFound = &AppError{
		Code:    "RULE_NOT_FOUND",
		Message: "Alert rule not found",
	}

	// ErrRuleMissing marks a subscription whose rule is gone. The
	// subscription is garbage and must be torn down at the query backend.
	ErrRuleMissing = &AppError{
		Code:    "RULE_MISSING",
		Message: "Subscription has no associated alert rule",
	}

	ErrSubscriptionNotFound = &AppError{
		Code:    "SUBSCRIPTION_NOT_FOUND",
		Message: "Query subscription not found",
	}

	ErrQueryNotFound = &AppError{
		Code:    "QUERY_NOT_FOUND",
		Message: "Metric query not found",
	}

	ErrIncidentNotFound = &AppError{
		Code:    "INCIDENT_NOT_FOUND",
		Message: "Incident not found",
	}

	// ErrDetectorNotFound surfaces to the retry layer; the processor never
	// swallows it.
	ErrDetectorNotFound = &AppError{
		Code:    "DETECTOR_NOT_FOUND",
		Message: "Anomaly detector not found for rule",
	}

	ErrInvalidThresholdType = &AppError{
		Code:    "INVALID_THRESHOLD_TYPE",
		Message: "Threshold type has no comparison semantics without anomaly detection",
	}

	ErrMalformedUpdate = &AppError{
		Code:    "MALFORMED_UPDATE",
		Message: "Subscription update payload is malformed",
	}

	ErrBackendUnavailable = &AppError{
		Code:    "BACKEND_UNAVAILABLE",
		Message: "Query backend request failed",
	}
)
