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

const productColumns = `id, name, description, category, price, seller_id,
	available_quantity, reserved_quantity, version, created_at, updated_at, deleted_at`

const (
	liveProductExists = `SELECT id FROM products WHERE id = $1 AND deleted_at IS NULL`
	anyProductExists  = `SELECT id FROM products WHERE id = $1`
)

type productRepository struct {
	db *sql.DB
}

// NewProductRepository создаёт PostgreSQL-реализацию реестра остатков.
// Резерв и снятие резерва выполняются одним условным UPDATE без чтения со стороны приложения.
func NewProductRepository(store *Store) domain.ProductRepository {
	return &productRepository{db: store.DB()}
}

func (r *productRepository) Create(ctx context.Context, p domain.Product) (domain.Product, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	p.Version = 1
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO products (`+productColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NULL)
	`,
		p.ID, p.Name, p.Description, p.Category, p.Price.String(), p.SellerID,
		p.AvailableQuantity, p.ReservedQuantity, p.Version, p.CreatedAt.UTC(), p.UpdatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Product{}, domain.ErrAlreadyExists
		}
		return domain.Product{}, fmt.Errorf("insert product: %w", err)
	}
	return p, nil
}

func (r *productRepository) Get(ctx context.Context, id string) (domain.Product, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return r.get(ctx, r.db, id)
}

// Update не трогает reserved_quantity: резервы меняются только через Reserve/Release.
// Эти операции увеличивают version, поэтому устаревший снимок получает конфликт.
func (r *productRepository) Update(ctx context.Context, p domain.Product) (domain.Product, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var updated domain.Product
	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			UPDATE products
			SET name = $1,
			    description = $2,
			    category = $3,
			    price = $4,
			    available_quantity = $5,
			    updated_at = $6,
			    version = version + 1
			WHERE id = $7
			  AND version = $8
			  AND deleted_at IS NULL
			RETURNING `+productColumns,
			p.Name, p.Description, p.Category, p.Price.String(), p.AvailableQuantity,
			p.UpdatedAt.UTC(), p.ID, p.Version,
		)
		var err error
		updated, err = scanProduct(row)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("update product: %w", err)
		}
		exists, err := rowExists(ctx, tx, liveProductExists, p.ID)
		if err != nil {
			return err
		}
		if !exists {
			return domain.ErrProductNotFound
		}
		return domain.ErrProductVersionConflict
	})
	if err != nil {
		return domain.Product{}, err
	}
	return updated, nil
}

// Delete удаляет строку без резервов. Строка с резервами помечается deleted_at
// и удаляется последним Release.
func (r *productRepository) Delete(ctx context.Context, id string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return inTx(ctx, r.db, func(tx *sql.Tx) error {
		var reserved int
		err := tx.QueryRowContext(ctx, `
			SELECT reserved_quantity FROM products
			WHERE id = $1 AND deleted_at IS NULL
			FOR UPDATE
		`, id).Scan(&reserved)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrProductNotFound
		}
		if err != nil {
			return fmt.Errorf("select product for delete: %w", err)
		}

		if reserved == 0 {
			if _, err := tx.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id); err != nil {
				return fmt.Errorf("delete product: %w", err)
			}
			return nil
		}
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE products
			SET deleted_at = $2,
			    available_quantity = 0,
			    updated_at = $2,
			    version = version + 1
			WHERE id = $1
		`, id, now); err != nil {
			return fmt.Errorf("mark product deleted: %w", err)
		}
		return nil
	})
}

func (r *productRepository) Reserve(ctx context.Context, id string, q int) (domain.Product, error) {
	if q <= 0 {
		return domain.Product{}, domain.ErrQuantityInvalid
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return r.conditionalUpdate(ctx, id, `
		UPDATE products
		SET available_quantity = available_quantity - $2,
		    reserved_quantity = reserved_quantity + $2,
		    updated_at = $3,
		    version = version + 1
		WHERE id = $1
		  AND deleted_at IS NULL
		  AND available_quantity >= $2
		RETURNING `+productColumns, q, liveProductExists, domain.ErrOutOfStock)
}

func (r *productRepository) Release(ctx context.Context, id string, q int) (domain.Product, error) {
	if q <= 0 {
		return domain.Product{}, domain.ErrQuantityInvalid
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	// Удалённая карточка принимает снятие резерва, но остаток ей не возвращается.
	p, err := r.conditionalUpdate(ctx, id, `
		UPDATE products
		SET available_quantity = CASE WHEN deleted_at IS NULL THEN available_quantity + $2 ELSE 0 END,
		    reserved_quantity = reserved_quantity - $2,
		    updated_at = $3,
		    version = version + 1
		WHERE id = $1
		  AND reserved_quantity >= $2
		RETURNING `+productColumns, q, anyProductExists, domain.ErrReservationUnderflow)
	if err != nil {
		return domain.Product{}, err
	}
	if p.Deleted() && p.ReservedQuantity == 0 {
		if _, err := r.db.ExecContext(ctx, `
			DELETE FROM products
			WHERE id = $1 AND deleted_at IS NOT NULL AND reserved_quantity = 0
		`, id); err != nil {
			return domain.Product{}, fmt.Errorf("purge deleted product: %w", err)
		}
	}
	return p, nil
}

// CommitSale записывает продажу и списывает резервы в одной транзакции.
// Вставка в sales с ON CONFLICT DO NOTHING делает повтор безопасным.
func (r *productRepository) CommitSale(ctx context.Context, sale domain.Sale) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	items, err := json.Marshal(sale.Items)
	if err != nil {
		return false, fmt.Errorf("encode sale items: %w", err)
	}
	now := time.Now().UTC()
	applied := false

	err = inTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO sales (order_id, items, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $4)
			ON CONFLICT (order_id) DO NOTHING
		`, sale.OrderID, items, string(domain.SaleStatusCommitted), now)
		if err != nil {
			return fmt.Errorf("insert sale: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("rows affected: %w", err)
		} else if n == 0 {
			return nil
		}

		for _, item := range sale.Items {
			if item.Quantity <= 0 {
				return domain.ErrQuantityInvalid
			}
			res, err := tx.ExecContext(ctx, `
				UPDATE products
				SET reserved_quantity = reserved_quantity - $2,
				    updated_at = $3,
				    version = version + 1
				WHERE id = $1
				  AND deleted_at IS NULL
				  AND reserved_quantity >= $2
			`, item.ProductID, item.Quantity, now)
			if err != nil {
				return fmt.Errorf("commit sale item %s: %w", item.ProductID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			if n == 0 {
				return r.missOrConflict(ctx, tx, liveProductExists, item.ProductID, domain.ErrReservationUnderflow)
			}
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// CancelSale возвращает единицы продажи в доступный остаток. Удалённые товары пропускаются.
func (r *productRepository) CancelSale(ctx context.Context, orderID string) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	applied := false

	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		var (
			status string
			raw    []byte
		)
		err := tx.QueryRowContext(ctx, `
			SELECT status, items FROM sales WHERE order_id = $1 FOR UPDATE
		`, orderID).Scan(&status, &raw)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrSaleNotFound
		}
		if err != nil {
			return fmt.Errorf("select sale: %w", err)
		}
		if domain.SaleStatus(status) == domain.SaleStatusCanceled {
			return nil
		}

		var items []domain.SaleItem
		if err := json.Unmarshal(raw, &items); err != nil {
			return fmt.Errorf("decode sale items: %w", err)
		}
		for _, item := range items {
			if _, err := tx.ExecContext(ctx, `
				UPDATE products
				SET available_quantity = available_quantity + $2,
				    updated_at = $3,
				    version = version + 1
				WHERE id = $1
				  AND deleted_at IS NULL
			`, item.ProductID, item.Quantity, now); err != nil {
				return fmt.Errorf("restock sale item %s: %w", item.ProductID, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE sales SET status = $2, updated_at = $3 WHERE order_id = $1
		`, orderID, string(domain.SaleStatusCanceled), now); err != nil {
			return fmt.Errorf("mark sale canceled: %w", err)
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// conditionalUpdate выполняет UPDATE ... RETURNING. Ноль строк разбирается
// на NotFound и нарушение условия повторной проверкой существования.
func (r *productRepository) conditionalUpdate(ctx context.Context, id, query string, q int, existsQuery string, conditionErr error) (domain.Product, error) {
	p, err := scanProduct(r.db.QueryRowContext(ctx, query, id, q, time.Now().UTC()))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Product{}, fmt.Errorf("update product counters: %w", err)
	}
	return domain.Product{}, r.missOrConflict(ctx, r.db, existsQuery, id, conditionErr)
}

func (r *productRepository) missOrConflict(ctx context.Context, q queryRower, existsQuery, id string, conditionErr error) error {
	exists, err := rowExists(ctx, q, existsQuery, id)
	if err != nil {
		return err
	}
	if !exists {
		return domain.ErrProductNotFound
	}
	return conditionErr
}

func (r *productRepository) get(ctx context.Context, q queryRower, id string) (domain.Product, error) {
	p, err := scanProduct(q.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1 AND deleted_at IS NULL`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Product{}, domain.ErrProductNotFound
		}
		return domain.Product{}, fmt.Errorf("select product: %w", err)
	}
	return p, nil
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var (
		p         domain.Product
		price     decimal.Decimal
		deletedAt sql.NullTime
	)
	if err := row.Scan(
		&p.ID, &p.Name, &p.Description, &p.Category, &price, &p.SellerID,
		&p.AvailableQuantity, &p.ReservedQuantity, &p.Version, &p.CreatedAt, &p.UpdatedAt, &deletedAt,
	); err != nil {
		return domain.Product{}, err
	}
	p.Price = price
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	if deletedAt.Valid {
		t := deletedAt.Time.UTC()
		p.DeletedAt = &t
	}
	return p, nil
}

var _ domain.ProductRepository = (*productRepository)(nil)
