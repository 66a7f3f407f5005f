package memory

import (
	"context"
	"sync"

	"github.com/shestoi/fulfillment/internal/repository"
)

// stockEntry хранит остаток и счётчик продаж одной позиции склада
type stockEntry struct {
	stock int32
	sold  int32
}

// InventoryRepository реализует repository.InventoryRepository используя in-memory хранилище
// Используется для разработки и тестирования
// В production заменяется на реализацию с MongoDB
type InventoryRepository struct {
	mu sync.Mutex
	// entries - ключ (product_id, size); size == "" - общий остаток товара
	entries map[stockKey]stockEntry
}

type stockKey struct {
	productID string
	size      string
}

// NewInventoryRepository создаёт новый in-memory репозиторий остатков.
// initialStock может быть nil - тогда хранилище пустое
func NewInventoryRepository(initialStock map[string]int32) *InventoryRepository {
	entries := make(map[stockKey]stockEntry)
	for productID, stock := range initialStock {
		entries[stockKey{productID: productID}] = stockEntry{stock: stock}
	}
	return &InventoryRepository{entries: entries}
}

// SetStock выставляет остаток позиции (для подготовки тестовых данных)
func (r *InventoryRepository) SetStock(productID, size string, stock int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[stockKey{productID: productID, size: size}] = stockEntry{stock: stock}
}

// GetStock получает остаток позиции
func (r *InventoryRepository) GetStock(ctx context.Context, productID, size string) (int32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[stockKey{productID: productID, size: size}]
	if !exists {
		return 0, repository.ErrNotFound
	}
	return entry.stock, nil
}

// GetSold возвращает счётчик продаж позиции (для проверок в тестах)
func (r *InventoryRepository) GetSold(ctx context.Context, productID, size string) (int32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[stockKey{productID: productID, size: size}]
	if !exists {
		return 0, repository.ErrNotFound
	}
	return entry.sold, nil
}

// DecrementStock атомарно уменьшает остаток и увеличивает счётчик продаж.
// Проверка и изменение выполняются под одним мьютексом - никакой другой
// writer не может вклиниться между ними
func (r *InventoryRepository) DecrementStock(ctx context.Context, productID, size string, quantity int32) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := stockKey{productID: productID, size: size}
	entry, exists := r.entries[key]
	if !exists {
		return false, repository.ErrNotFound
	}
	if entry.stock < quantity {
		// Недостаточно товара - остаток не меняем
		return false, nil
	}

	entry.stock -= quantity
	entry.sold += quantity
	r.entries[key] = entry
	return true, nil
}

// RestoreStock возвращает товар на склад при возврате заказа
func (r *InventoryRepository) RestoreStock(ctx context.Context, productID, size string, quantity int32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := stockKey{productID: productID, size: size}
	entry, exists := r.entries[key]
	if !exists {
		return repository.ErrNotFound
	}

	entry.stock += quantity
	entry.sold -= quantity
	r.entries[key] = entry
	return nil
}
