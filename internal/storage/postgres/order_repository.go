package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

const orderColumns = `id, user_id, status, items, total_price, shipping_address, paid,
	tracking_number, delivered_at, version, created_at, updated_at`

type orderRepository struct {
	db *sql.DB
}

// NewOrderRepository создаёт PostgreSQL-реализацию OrderRepository.
func NewOrderRepository(store *Store) domain.OrderRepository {
	return &orderRepository{db: store.DB()}
}

func (r *orderRepository) Create(ctx context.Context, order domain.Order) (domain.Order, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	items, address, err := encodeOrderDocs(order)
	if err != nil {
		return domain.Order{}, err
	}
	order.Version = 1

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`,
		order.ID, order.UserID, string(order.Status), items, order.TotalPrice.String(), address,
		order.Paid, order.TrackingNumber, nullTime(order.DeliveredAt), order.Version,
		order.CreatedAt.UTC(), order.UpdatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Order{}, domain.ErrAlreadyExists
		}
		return domain.Order{}, fmt.Errorf("insert order: %w", err)
	}
	return order, nil
}

func (r *orderRepository) Get(ctx context.Context, id string) (domain.Order, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	order, err := scanOrder(r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("select order: %w", err)
	}
	return order, nil
}

func (r *orderRepository) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return r.list(ctx, `WHERE user_id = $1 ORDER BY created_at DESC, id DESC`, limit, userID)
}

// ListBySeller ищет заказы по вхождению {"sellerId": ...} в массив позиций (GIN-индекс).
func (r *orderRepository) ListBySeller(ctx context.Context, sellerID string, limit int) ([]domain.Order, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	filter, err := json.Marshal([]map[string]string{{"sellerId": sellerID}})
	if err != nil {
		return nil, fmt.Errorf("marshal seller filter: %w", err)
	}
	return r.list(ctx, `WHERE items @> $1::jsonb ORDER BY created_at DESC, id DESC`, limit, string(filter))
}

func (r *orderRepository) ListActive(ctx context.Context, limit int) ([]domain.Order, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return r.list(ctx, `WHERE status NOT IN ($1, $2) ORDER BY created_at ASC, id ASC`, limit,
		string(domain.OrderStatusDelivered), string(domain.OrderStatusCanceled))
}

func (r *orderRepository) Save(ctx context.Context, order domain.Order) (domain.Order, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	items, address, err := encodeOrderDocs(order)
	if err != nil {
		return domain.Order{}, err
	}

	err = inTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE orders
			SET status = $1,
			    items = $2,
			    total_price = $3,
			    shipping_address = $4,
			    paid = $5,
			    tracking_number = $6,
			    delivered_at = $7,
			    updated_at = $8,
			    version = version + 1
			WHERE id = $9
			  AND version = $10
		`,
			string(order.Status), items, order.TotalPrice.String(), address, order.Paid,
			order.TrackingNumber, nullTime(order.DeliveredAt), order.UpdatedAt.UTC(),
			order.ID, order.Version,
		)
		if err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected > 0 {
			return nil
		}
		exists, err := rowExists(ctx, tx, `SELECT id FROM orders WHERE id = $1`, order.ID)
		if err != nil {
			return err
		}
		if !exists {
			return domain.ErrOrderNotFound
		}
		return domain.ErrOrderVersionConflict
	})
	if err != nil {
		return domain.Order{}, err
	}

	order.Version++
	return order, nil
}

func (r *orderRepository) Delete(ctx context.Context, id string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `DELETE FROM orders WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete order: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrOrderNotFound
	}
	return nil
}

func (r *orderRepository) list(ctx context.Context, where string, limit int, args ...any) ([]domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders ` + where
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders := make([]domain.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order rows: %w", err)
	}
	return orders, nil
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order     domain.Order
		status    string
		items     []byte
		address   []byte
		total     decimal.Decimal
		delivered sql.NullTime
	)
	if err := row.Scan(
		&order.ID, &order.UserID, &status, &items, &total, &address, &order.Paid,
		&order.TrackingNumber, &delivered, &order.Version, &order.CreatedAt, &order.UpdatedAt,
	); err != nil {
		return domain.Order{}, err
	}
	if err := json.Unmarshal(items, &order.Items); err != nil {
		return domain.Order{}, fmt.Errorf("decode order items: %w", err)
	}
	if err := json.Unmarshal(address, &order.ShippingAddress); err != nil {
		return domain.Order{}, fmt.Errorf("decode shipping address: %w", err)
	}
	order.Status = domain.OrderStatus(status)
	order.TotalPrice = total
	order.DeliveredAt = timePtr(delivered)
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	return order, nil
}

func encodeOrderDocs(order domain.Order) ([]byte, []byte, error) {
	items := order.Items
	if items == nil {
		items = []domain.OrderItem{}
	}
	rawItems, err := json.Marshal(items)
	if err != nil {
		return nil, nil, fmt.Errorf("encode order items: %w", err)
	}
	rawAddress, err := json.Marshal(order.ShippingAddress)
	if err != nil {
		return nil, nil, fmt.Errorf("encode shipping address: %w", err)
	}
	return rawItems, rawAddress, nil
}

var _ domain.OrderRepository = (*orderRepository)(nil)
