package repositories

import (
	"context"
	"time"

	"github.com/upb/microapp-gateway/models"
)

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context
	Context() context.Context
}

// DecisionRepository persists the authorization audit trail
type DecisionRepository interface {
	// Insert inserts a single decision
	Insert(ctx context.Context, decision *models.AuthorizationDecision) error

	// InsertBatch inserts decisions in one transaction
	InsertBatch(ctx context.Context, decisions []*models.AuthorizationDecision) error

	// DeleteOlderThan removes decisions recorded before the given time
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}
