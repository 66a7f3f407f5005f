package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shestoi/fulfillment/internal/repository"
)

// ShopRepository реализует repository.ShopRepository используя PostgreSQL
type ShopRepository struct {
	pool *pgxpool.Pool
}

// NewShopRepository создаёт новый PostgreSQL репозиторий магазинов
func NewShopRepository(pool *pgxpool.Pool) *ShopRepository {
	return &ShopRepository{
		pool: pool,
	}
}

// GetShop возвращает магазин по ID
func (r *ShopRepository) GetShop(ctx context.Context, shopID string) (repository.Shop, error) {
	var shop repository.Shop
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, available_balance FROM shops WHERE id = $1`,
		shopID).Scan(&shop.ID, &shop.Name, &shop.AvailableBalance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Shop{}, repository.ErrShopNotFound
		}
		return repository.Shop{}, err
	}
	return shop, nil
}

// CreditBalance атомарно увеличивает доступный баланс магазина
// Инкремент выполняется на стороне БД - конкурентные кредиты не теряются
func (r *ShopRepository) CreditBalance(ctx context.Context, shopID string, amount int64) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE shops SET available_balance = available_balance + $1 WHERE id = $2`,
		amount, shopID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrShopNotFound
	}
	return nil
}
