// Package fulfillment marks paid orders fulfilled and takes their items out of stock.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-reconcile/internal/obs"
)

// ErrInsufficientStock is returned under PolicyStrict when a variant cannot cover an order line.
var ErrInsufficientStock = errors.New("fulfillment: insufficient stock")

// Policy decides what happens when stock is short at commit time.
type Policy string

const (
	// PolicyWarn fulfills anyway, floors stock at zero and reports the shortfall.
	// The payment is already captured, so refusing would need a refund flow.
	PolicyWarn Policy = "warn"
	// PolicyStrict aborts the whole unit so nothing is fulfilled.
	PolicyStrict Policy = "strict"
)

// ParsePolicy maps a config value to a Policy, defaulting to PolicyWarn.
func ParsePolicy(value string) Policy {
	if strings.EqualFold(strings.TrimSpace(value), string(PolicyStrict)) {
		return PolicyStrict
	}
	return PolicyWarn
}

// Line is one order item to take out of stock.
type Line struct {
	OrderID   uuid.UUID
	VariantID uuid.UUID
	Quantity  int
}

// Shortfall describes a line that stock could not fully cover.
type Shortfall struct {
	OrderID   uuid.UUID `json:"order_id"`
	VariantID uuid.UUID `json:"variant_id"`
	Requested int       `json:"requested"`
	Available int       `json:"available"`
}

// Result summarizes one commit.
type Result struct {
	Fulfilled  []uuid.UUID
	Skipped    []uuid.UUID
	Shortfalls []Shortfall
}

// Store is the narrow order/inventory contract. Every write is conditional so
// concurrent checkout activity cannot cause lost updates.
type Store interface {
	// MarkFulfilled flips the flag only if it is still false.
	MarkFulfilled(ctx context.Context, orderID uuid.UUID) (bool, error)
	OrderLines(ctx context.Context, orderID uuid.UUID) ([]Line, error)
	// DecrementStock succeeds only when stock >= qty.
	DecrementStock(ctx context.Context, variantID uuid.UUID, qty int) (bool, error)
	// DrainStock sets stock to zero and returns what was there.
	DrainStock(ctx context.Context, variantID uuid.UUID) (int, error)
}

// Committer applies fulfillment for a paid transaction. It must run on a Store
// bound to the same database transaction as the status change.
type Committer struct {
	Policy Policy
	Logger zerolog.Logger
}

// Commit fulfills every order not yet fulfilled and decrements stock for its lines.
// Orders fulfilled by another path are skipped without touching stock.
func (c Committer) Commit(ctx context.Context, store Store, transactionID uuid.UUID, orderIDs []uuid.UUID) (Result, error) {
	if store == nil {
		return Result{}, errors.New("fulfillment: store not configured")
	}
	var res Result
	for _, orderID := range orderIDs {
		marked, err := store.MarkFulfilled(ctx, orderID)
		if err != nil {
			return Result{}, fmt.Errorf("fulfillment: mark order %s: %w", orderID, err)
		}
		if !marked {
			res.Skipped = append(res.Skipped, orderID)
			c.Logger.Info().Str("transaction_id", transactionID.String()).Str("order_id", orderID.String()).
				Msg("order already fulfilled, skipping")
			continue
		}
		lines, err := store.OrderLines(ctx, orderID)
		if err != nil {
			return Result{}, fmt.Errorf("fulfillment: load lines for %s: %w", orderID, err)
		}
		for _, line := range lines {
			if line.Quantity <= 0 {
				continue
			}
			ok, err := store.DecrementStock(ctx, line.VariantID, line.Quantity)
			if err != nil {
				return Result{}, fmt.Errorf("fulfillment: decrement %s: %w", line.VariantID, err)
			}
			if ok {
				continue
			}
			if c.Policy == PolicyStrict {
				return Result{}, fmt.Errorf("%w: variant %s needs %d for order %s", ErrInsufficientStock, line.VariantID, line.Quantity, orderID)
			}
			available, err := store.DrainStock(ctx, line.VariantID)
			if err != nil {
				return Result{}, fmt.Errorf("fulfillment: drain %s: %w", line.VariantID, err)
			}
			short := Shortfall{OrderID: orderID, VariantID: line.VariantID, Requested: line.Quantity, Available: available}
			res.Shortfalls = append(res.Shortfalls, short)
			obs.InventoryShortfallTotal.Inc()
			c.Logger.Warn().
				Str("transaction_id", transactionID.String()).
				Str("order_id", orderID.String()).
				Str("variant_id", line.VariantID.String()).
				Int("requested", line.Quantity).
				Int("available", available).
				Msg("inventory shortfall at fulfillment")
		}
		res.Fulfilled = append(res.Fulfilled, orderID)
	}
	return res, nil
}
