package reconcile

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/noah-isme/toko-reconcile/internal/db"
	"github.com/noah-isme/toko-reconcile/internal/events"
	"github.com/noah-isme/toko-reconcile/internal/fulfillment"
	"github.com/noah-isme/toko-reconcile/internal/idempotency"
	"github.com/noah-isme/toko-reconcile/internal/orphan"
	"github.com/noah-isme/toko-reconcile/internal/txn"
)

// Claimer is the delivery-level idempotency guard.
type Claimer interface {
	Claim(ctx context.Context, provider, eventID, outcome string) (bool, error)
}

// Stores are bound to a single atomic unit.
type Stores struct {
	Transactions txn.Store
	Claims       Claimer
	Orphans      orphan.Store
	Inventory    fulfillment.Store
	Events       events.Store
}

// UnitOfWork runs fn so that either every write through Stores commits or none does.
type UnitOfWork interface {
	Do(ctx context.Context, fn func(ctx context.Context, s Stores) error) error
}

// PgUnitOfWork runs each unit in one Postgres read-committed transaction.
// Row-level conditional updates provide the per-transaction serialization.
type PgUnitOfWork struct {
	Pool db.TxBeginner
}

// Do implements UnitOfWork.
func (u PgUnitOfWork) Do(ctx context.Context, fn func(ctx context.Context, s Stores) error) error {
	return db.WithTx(ctx, u.Pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(ctx, Stores{
			Transactions: txn.NewStore(tx),
			Claims:       idempotency.NewLedger(tx),
			Orphans:      orphan.NewStore(tx),
			Inventory:    fulfillment.NewStore(tx),
			Events:       events.NewStore(tx),
		})
	})
}
