package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

const cartColumns = `id, user_id, status, items, total_price, expiry_time, create_time, update_time, version, sweep_lease_until`

type cartRepository struct {
	db *sql.DB
}

// NewCartRepository создаёт PostgreSQL-реализацию CartRepository.
// Корзина хранится одной строкой, позиции лежат в JSONB.
func NewCartRepository(store *Store) domain.CartRepository {
	return &cartRepository{db: store.DB()}
}

func (r *cartRepository) Get(ctx context.Context, id string) (domain.Cart, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return r.getOne(ctx, `SELECT `+cartColumns+` FROM carts WHERE id = $1`, id)
}

func (r *cartRepository) GetByUser(ctx context.Context, userID string) (domain.Cart, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return r.getOne(ctx, `SELECT `+cartColumns+` FROM carts WHERE user_id = $1`, userID)
}

func (r *cartRepository) Create(ctx context.Context, cart domain.Cart) (domain.Cart, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	items, err := marshalCartItems(cart.Items)
	if err != nil {
		return domain.Cart{}, err
	}
	cart.Version = 1
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO carts (`+cartColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`,
		cart.ID, cart.UserID, string(cart.Status), items, cart.TotalPrice.String(),
		nullTime(cart.ExpiryTime), cart.CreateTime.UTC(), cart.UpdateTime.UTC(), cart.Version,
		nullTime(cart.SweepLeaseUntil),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Cart{}, domain.ErrAlreadyExists
		}
		return domain.Cart{}, fmt.Errorf("insert cart: %w", err)
	}
	return cart, nil
}

func (r *cartRepository) Save(ctx context.Context, cart domain.Cart) (domain.Cart, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	items, err := marshalCartItems(cart.Items)
	if err != nil {
		return domain.Cart{}, err
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE carts
		SET status = $1,
		    items = $2,
		    total_price = $3,
		    expiry_time = $4,
		    update_time = $5,
		    sweep_lease_until = $6,
		    version = version + 1
		WHERE id = $7
		  AND version = $8
	`,
		string(cart.Status), items, cart.TotalPrice.String(), nullTime(cart.ExpiryTime),
		cart.UpdateTime.UTC(), nullTime(cart.SweepLeaseUntil), cart.ID, cart.Version,
	)
	if err != nil {
		return domain.Cart{}, fmt.Errorf("update cart: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Cart{}, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		exists, err := rowExists(ctx, r.db, `SELECT id FROM carts WHERE id = $1`, cart.ID)
		if err != nil {
			return domain.Cart{}, err
		}
		if !exists {
			return domain.Cart{}, domain.ErrCartNotFound
		}
		return domain.Cart{}, domain.ErrCartVersionConflict
	}

	cart.Version++
	return cart, nil
}

func (r *cartRepository) Delete(ctx context.Context, id string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `DELETE FROM carts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete cart: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrCartNotFound
	}
	return nil
}

func (r *cartRepository) ListByStatus(ctx context.Context, status domain.CartStatus, updatedBefore time.Time, limit int) ([]domain.Cart, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + cartColumns + ` FROM carts
		WHERE status = $1 AND update_time < $2
		ORDER BY update_time ASC, id ASC`
	args := []any{string(status), updatedBefore.UTC()}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	return r.list(ctx, query, args...)
}

func (r *cartRepository) ListByProduct(ctx context.Context, productID string) ([]domain.Cart, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	filter, err := json.Marshal([]map[string]string{{"productId": productID}})
	if err != nil {
		return nil, fmt.Errorf("marshal product filter: %w", err)
	}
	return r.list(ctx, `SELECT `+cartColumns+` FROM carts WHERE items @> $1::jsonb ORDER BY id`, string(filter))
}

func (r *cartRepository) getOne(ctx context.Context, query string, arg string) (domain.Cart, error) {
	cart, err := scanCart(r.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Cart{}, domain.ErrCartNotFound
		}
		return domain.Cart{}, fmt.Errorf("select cart: %w", err)
	}
	return cart, nil
}

func (r *cartRepository) list(ctx context.Context, query string, args ...any) ([]domain.Cart, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list carts: %w", err)
	}
	defer rows.Close()

	carts := make([]domain.Cart, 0)
	for rows.Next() {
		cart, err := scanCart(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cart row: %w", err)
		}
		carts = append(carts, cart)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cart rows: %w", err)
	}
	return carts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCart(row rowScanner) (domain.Cart, error) {
	var (
		cart   domain.Cart
		status string
		items  []byte
		total  decimal.Decimal
		expiry sql.NullTime
		lease  sql.NullTime
	)
	if err := row.Scan(
		&cart.ID, &cart.UserID, &status, &items, &total, &expiry,
		&cart.CreateTime, &cart.UpdateTime, &cart.Version, &lease,
	); err != nil {
		return domain.Cart{}, err
	}
	if err := json.Unmarshal(items, &cart.Items); err != nil {
		return domain.Cart{}, fmt.Errorf("decode cart items: %w", err)
	}
	if len(cart.Items) == 0 {
		cart.Items = nil
	}
	cart.Status = domain.CartStatus(status)
	cart.TotalPrice = total
	cart.ExpiryTime = timePtr(expiry)
	cart.SweepLeaseUntil = timePtr(lease)
	cart.CreateTime = cart.CreateTime.UTC()
	cart.UpdateTime = cart.UpdateTime.UTC()
	return cart, nil
}

func marshalCartItems(items []domain.CartLineItem) ([]byte, error) {
	if items == nil {
		items = []domain.CartLineItem{}
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("encode cart items: %w", err)
	}
	return raw, nil
}

var _ domain.CartRepository = (*cartRepository)(nil)
