// Package subscriptions manages the lifecycle of query subscriptions
// against the external query backend. Local status rows change inside the
// caller's transaction; backend calls are returned as deferred work to run
// only after that transaction commits.
package subscriptions

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stackwatch/vigil/internal/database"
	"github.com/stackwatch/vigil/internal/domain"
)

// Deferred is a backend call scheduled during a transaction. The caller
// runs it after commit; a rolled-back transaction never schedules it.
type Deferred func(ctx context.Context) error

type Lifecycle struct {
	pool    database.PgxPool
	backend Backend
	logger  *slog.Logger
}

func NewLifecycle(pool database.PgxPool, backend Backend, logger *slog.Logger) *Lifecycle {
	return &Lifecycle{
		pool:    pool,
		backend: backend,
		logger:  logger,
	}
}

// Create inserts the subscription as CREATING and defers backend
// registration. Once the backend confirms, the row turns ACTIVE and stores
// the remote ID.
func (l *Lifecycle) Create(ctx context.Context, q database.Querier, sub *domain.Subscription) (Deferred, error) {
	query := `
		INSERT INTO subscriptions (project_id, query_id, rule_id, status)
		VALUES ($1, $2, NULLIF($3, 0), 'creating')
		RETURNING id, created_at, updated_at
	`

	err := q.QueryRow(ctx, query, sub.ProjectID, sub.QueryID, sub.RuleID).
		Scan(&sub.ID, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	sub.Status = domain.SubscriptionCreating

	subID, projectID, mq := sub.ID, sub.ProjectID, sub.Query
	return func(ctx context.Context) error {
		remoteID, err := l.backend.CreateSubscription(ctx, projectID, mq)
		if err != nil {
			return fmt.Errorf("register subscription %d: %w", subID, err)
		}
		return l.confirm(ctx, subID, remoteID)
	}, nil
}

// Update marks the subscription UPDATING and defers pushing the new query
// definition to the backend.
func (l *Lifecycle) Update(ctx context.Context, q database.Querier, sub *domain.Subscription) (Deferred, error) {
	if err := l.setStatus(ctx, q, sub.ID, domain.SubscriptionUpdating); err != nil {
		return nil, err
	}
	sub.Status = domain.SubscriptionUpdating

	subID, remoteID, mq := sub.ID, sub.RemoteID, sub.Query
	return func(ctx context.Context) error {
		if err := l.backend.UpdateSubscription(ctx, remoteID, mq); err != nil {
			return fmt.Errorf("push subscription %d update: %w", subID, err)
		}
		return l.confirm(ctx, subID, remoteID)
	}, nil
}

// Delete marks the subscription DELETING and defers backend removal; the
// local row goes away once the backend confirms.
func (l *Lifecycle) Delete(ctx context.Context, q database.Querier, sub *domain.Subscription) (Deferred, error) {
	if err := l.setStatus(ctx, q, sub.ID, domain.SubscriptionDeleting); err != nil {
		return nil, err
	}
	sub.Status = domain.SubscriptionDeleting

	subID, remoteID := sub.ID, sub.RemoteID
	return func(ctx context.Context) error {
		if remoteID != "" {
			if err := l.backend.DeleteSubscription(ctx, remoteID); err != nil {
				return fmt.Errorf("deregister subscription %d: %w", subID, err)
			}
		}
		if _, err := l.pool.Exec(ctx, `DELETE FROM subscriptions WHERE id = $1`, subID); err != nil {
			return fmt.Errorf("remove subscription %d: %w", subID, err)
		}
		l.logger.Info("subscription removed", "subscription_id", subID)
		return nil
	}, nil
}

// Enable moves a disabled subscription back through CREATING, since the
// backend side was removed on disable.
func (l *Lifecycle) Enable(ctx context.Context, q database.Querier, sub *domain.Subscription) (Deferred, error) {
	if sub.Status != domain.SubscriptionDisabled {
		return nil, fmt.Errorf("enable subscription %d: status is %s", sub.ID, sub.Status)
	}
	if err := l.setStatus(ctx, q, sub.ID, domain.SubscriptionCreating); err != nil {
		return nil, err
	}
	sub.Status = domain.SubscriptionCreating

	subID, projectID, mq := sub.ID, sub.ProjectID, sub.Query
	return func(ctx context.Context) error {
		remoteID, err := l.backend.CreateSubscription(ctx, projectID, mq)
		if err != nil {
			return fmt.Errorf("re-register subscription %d: %w", subID, err)
		}
		return l.confirm(ctx, subID, remoteID)
	}, nil
}

// Disable stops delivery by removing the backend subscription while the
// local row stays, so the rule can be re-enabled later.
func (l *Lifecycle) Disable(ctx context.Context, q database.Querier, sub *domain.Subscription) (Deferred, error) {
	if err := l.setStatus(ctx, q, sub.ID, domain.SubscriptionDisabled); err != nil {
		return nil, err
	}
	sub.Status = domain.SubscriptionDisabled

	subID, remoteID := sub.ID, sub.RemoteID
	return func(ctx context.Context) error {
		if remoteID == "" {
			return nil
		}
		if err := l.backend.DeleteSubscription(ctx, remoteID); err != nil {
			return fmt.Errorf("deregister subscription %d: %w", subID, err)
		}
		if _, err := l.pool.Exec(ctx, `UPDATE subscriptions SET remote_id = '', updated_at = NOW() WHERE id = $1`, subID); err != nil {
			return fmt.Errorf("clear remote id %d: %w", subID, err)
		}
		return nil
	}, nil
}

func (l *Lifecycle) setStatus(ctx context.Context, q database.Querier, subID int64, status domain.SubscriptionStatus) error {
	tag, err := q.Exec(ctx, `UPDATE subscriptions SET status = $2, updated_at = NOW() WHERE id = $1`, subID, status)
	if err != nil {
		return fmt.Errorf("set subscription %d status: %w", subID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSubscriptionNotFound
	}
	return nil
}

// confirm runs post-commit, outside any transaction, once the backend has
// acknowledged the change.
func (l *Lifecycle) confirm(ctx context.Context, subID int64, remoteID string) error {
	query := `UPDATE subscriptions SET status = 'active', remote_id = $2, updated_at = NOW() WHERE id = $1`
	if _, err := l.pool.Exec(ctx, query, subID, remoteID); err != nil {
		return fmt.Errorf("confirm subscription %d: %w", subID, err)
	}
	l.logger.Info("subscription confirmed", "subscription_id", subID, "remote_id", remoteID)
	return nil
}
