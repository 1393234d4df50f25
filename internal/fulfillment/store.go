package fulfillment

import (
	"context"

	"github.com/google/uuid"

	"github.com/noah-isme/toko-reconcile/internal/db"
)

// NewStore binds the order/inventory contract to a pool or an open transaction.
func NewStore(q db.DBTX) Store {
	return &pgStore{q: q}
}

type pgStore struct {
	q db.DBTX
}

func (s *pgStore) MarkFulfilled(ctx context.Context, orderID uuid.UUID) (bool, error) {
	tag, err := s.q.Exec(ctx, `UPDATE orders
SET fulfilled = true, fulfilled_at = now(), status = 'paid', updated_at = now()
WHERE id = $1 AND fulfilled = false`, orderID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *pgStore) OrderLines(ctx context.Context, orderID uuid.UUID) ([]Line, error) {
	rows, err := s.q.Query(ctx, `SELECT order_id, variant_id, SUM(quantity)::int
FROM order_items WHERE order_id = $1
GROUP BY order_id, variant_id
ORDER BY variant_id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []Line
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.OrderID, &l.VariantID, &l.Quantity); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (s *pgStore) DecrementStock(ctx context.Context, variantID uuid.UUID, qty int) (bool, error) {
	tag, err := s.q.Exec(ctx, `UPDATE product_variants
SET stock = stock - $2, updated_at = now()
WHERE id = $1 AND stock >= $2`, variantID, qty)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *pgStore) DrainStock(ctx context.Context, variantID uuid.UUID) (int, error) {
	var previous int
	err := s.q.QueryRow(ctx, `WITH old AS (
    SELECT id, stock FROM product_variants WHERE id = $1 FOR UPDATE
)
UPDATE product_variants p
SET stock = 0, updated_at = now()
FROM old WHERE p.id = old.id
RETURNING old.stock`, variantID).Scan(&previous)
	if db.IsNoRows(err) {
		return 0, nil
	}
	return previous, err
}
