package postgres

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/upb/microapp-gateway/models"
	"github.com/upb/microapp-gateway/repositories"
)

const insertDecisionQuery = `
	INSERT INTO authorization_decisions (
		id, outcome, status_code, method, path, request_id,
		ip_address, user_agent, latency_ms, timestamp
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
	)
`

// DecisionRepository implements the repositories.DecisionRepository interface
type DecisionRepository struct {
	db     *DB
	tx     repositories.TransactionManager
	logger *zap.Logger
}

// NewDecisionRepository creates a new decision repository
func NewDecisionRepository(db *DB, tx repositories.TransactionManager, logger *zap.Logger) repositories.DecisionRepository {
	return &DecisionRepository{
		db:     db,
		tx:     tx,
		logger: logger,
	}
}

// Insert inserts a single decision. It joins the transaction carried by ctx, if any.
func (r *DecisionRepository) Insert(ctx context.Context, d *models.AuthorizationDecision) error {
	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, insertDecisionQuery,
		d.ID,
		d.Outcome,
		d.StatusCode,
		d.Method,
		d.Path,
		d.RequestID,
		d.IPAddress,
		d.UserAgent,
		d.LatencyMs,
		d.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert authorization decision: %w", err)
	}

	r.logger.Debug("authorization decision inserted",
		zap.String("id", d.ID.String()),
		zap.String("outcome", string(d.Outcome)))
	return nil
}

// InsertBatch inserts decisions in one transaction. Nothing is written if any
// insert fails.
func (r *DecisionRepository) InsertBatch(ctx context.Context, decisions []*models.AuthorizationDecision) error {
	if len(decisions) == 0 {
		return nil
	}
	if len(decisions) == 1 {
		return r.Insert(ctx, decisions[0])
	}

	return r.tx.InTransaction(ctx, func(ctx context.Context, _ repositories.Transaction) error {
		for _, d := range decisions {
			if err := r.Insert(ctx, d); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteOlderThan removes decisions recorded before the given time
func (r *DecisionRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	query := `DELETE FROM authorization_decisions WHERE timestamp < $1`

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete authorization decisions: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted authorization decisions: %w", err)
	}
	return deleted, nil
}
