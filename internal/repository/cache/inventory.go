package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/shestoi/fulfillment/internal/repository"
)

// InventoryRepository - read-through кэш поверх repository.InventoryRepository.
// Чтение остатка идёт через Redis, любой путь записи (декремент, возврат)
// явно инвалидирует ключ. Ключевое пространство ограничено каталогом
// (product_id, size), TTL страхует от устаревших записей
type InventoryRepository struct {
	next   repository.InventoryRepository
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewInventoryRepository создаёт кэширующий декоратор остатков
func NewInventoryRepository(next repository.InventoryRepository, client *redis.Client, ttl time.Duration, logger *zap.Logger) *InventoryRepository {
	return &InventoryRepository{
		next:   next,
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

func stockCacheKey(productID, size string) string {
	if size == "" {
		return fmt.Sprintf("stock:%s", productID)
	}
	return fmt.Sprintf("stock:%s:%s", productID, size)
}

// GetStock читает остаток из кэша, при промахе - из хранилища с записью в кэш.
// Ошибки Redis не фатальны: кэш деградирует до прямого чтения
func (r *InventoryRepository) GetStock(ctx context.Context, productID, size string) (int32, error) {
	key := stockCacheKey(productID, size)

	val, err := r.client.Get(ctx, key).Result()
	if err == nil {
		stock, parseErr := strconv.ParseInt(val, 10, 32)
		if parseErr == nil {
			return int32(stock), nil
		}
		// Нечитаемое значение в кэше - удаляем и идём в хранилище
		r.client.Del(ctx, key)
	}

	stock, err := r.next.GetStock(ctx, productID, size)
	if err != nil {
		return 0, err
	}

	if setErr := r.client.Set(ctx, key, int64(stock), r.ttl).Err(); setErr != nil {
		r.logger.Warn("failed to cache stock value",
			zap.Error(setErr),
			zap.String("product_id", productID),
		)
	}

	return stock, nil
}

// DecrementStock делегирует в хранилище и инвалидирует ключ
func (r *InventoryRepository) DecrementStock(ctx context.Context, productID, size string, quantity int32) (bool, error) {
	ok, err := r.next.DecrementStock(ctx, productID, size, quantity)
	if err != nil {
		return ok, err
	}
	r.invalidate(ctx, productID, size)
	return ok, nil
}

// RestoreStock делегирует в хранилище и инвалидирует ключ
func (r *InventoryRepository) RestoreStock(ctx context.Context, productID, size string, quantity int32) error {
	if err := r.next.RestoreStock(ctx, productID, size, quantity); err != nil {
		return err
	}
	r.invalidate(ctx, productID, size)
	return nil
}

func (r *InventoryRepository) invalidate(ctx context.Context, productID, size string) {
	if err := r.client.Del(ctx, stockCacheKey(productID, size)).Err(); err != nil {
		// Запись в хранилище уже прошла, несвежий ключ доживёт максимум до TTL
		r.logger.Warn("failed to invalidate stock cache",
			zap.Error(err),
			zap.String("product_id", productID),
		)
	}
}
