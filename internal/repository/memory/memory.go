package memory

import (
	"context"
	"sync"
	"time"

	"github.com/shestoi/fulfillment/internal/repository"
)

// OrderRepository реализует repository.OrderRepository используя in-memory хранилище
// Используется для разработки и тестирования
// В production заменяется на реализацию с PostgreSQL
type OrderRepository struct {
	mu     sync.RWMutex
	orders map[string]repository.Order
	// byNumberShop - индекс (order_number, shop_id) -> order_id для идемпотентного Create
	byNumberShop map[string]string
	outbox       []repository.OutboxEvent
}

// NewOrderRepository создаёт новый in-memory репозиторий заказов
func NewOrderRepository() *OrderRepository {
	return &OrderRepository{
		orders:       make(map[string]repository.Order),
		byNumberShop: make(map[string]string),
	}
}

func numberShopKey(orderNumber, shopID string) string {
	return orderNumber + "/" + shopID
}

// Create сохраняет заказ. Повторный вызов с той же парой
// (OrderNumber, ShopID) возвращает уже существующий заказ
func (r *OrderRepository) Create(ctx context.Context, order repository.Order) (repository.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := numberShopKey(order.OrderNumber, order.ShopID)
	if existingID, exists := r.byNumberShop[key]; exists {
		return r.orders[existingID], nil
	}

	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}

	r.orders[order.ID] = order
	r.byNumberShop[key] = order.ID
	return order, nil
}

// GetByID получает заказ по ID из памяти
func (r *OrderRepository) GetByID(ctx context.Context, id string) (repository.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, exists := r.orders[id]
	if !exists {
		return repository.Order{}, repository.ErrNotFound
	}
	return order, nil
}

// GetByOrderNumber возвращает все заказы с указанным order_number
func (r *OrderRepository) GetByOrderNumber(ctx context.Context, orderNumber string) ([]repository.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	orders := make([]repository.Order, 0)
	for _, order := range r.orders {
		if order.OrderNumber == orderNumber {
			orders = append(orders, order)
		}
	}
	return orders, nil
}

// MarkPaymentSucceeded атомарно переводит payment.status pending -> succeeded
func (r *OrderRepository) MarkPaymentSucceeded(ctx context.Context, orderID string) (bool, error) {
	return r.casPaymentStatus(orderID, repository.PaymentSucceeded)
}

// MarkPaymentFailed атомарно переводит payment.status pending -> failed
func (r *OrderRepository) MarkPaymentFailed(ctx context.Context, orderID string) (bool, error) {
	return r.casPaymentStatus(orderID, repository.PaymentFailed)
}

func (r *OrderRepository) casPaymentStatus(orderID string, to repository.PaymentStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, exists := r.orders[orderID]
	if !exists {
		return false, repository.ErrNotFound
	}
	// Статус оплаты монотонный: переход возможен только из pending
	if order.Payment.Status != repository.PaymentPending {
		return false, nil
	}
	order.Payment.Status = to
	r.orders[orderID] = order
	return true, nil
}

// TransitionStatus атомарно переводит статус заказа from -> to
func (r *OrderRepository) TransitionStatus(ctx context.Context, orderID string, from, to repository.OrderStatus, deliveredAt *time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, exists := r.orders[orderID]
	if !exists {
		return false, repository.ErrNotFound
	}
	if order.Status != from {
		return false, nil
	}
	order.Status = to
	if to == repository.StatusDelivered && deliveredAt != nil {
		order.DeliveredAt = deliveredAt
	}
	r.orders[orderID] = order
	return true, nil
}

// MarkInventoryApplied атомарно выставляет флаг inventory_applied
func (r *OrderRepository) MarkInventoryApplied(ctx context.Context, orderID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, exists := r.orders[orderID]
	if !exists {
		return false, repository.ErrNotFound
	}
	if order.InventoryApplied {
		return false, nil
	}
	order.InventoryApplied = true
	r.orders[orderID] = order
	return true, nil
}

// MarkBalanceCredited атомарно выставляет флаг balance_credited
func (r *OrderRepository) MarkBalanceCredited(ctx context.Context, orderID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, exists := r.orders[orderID]
	if !exists {
		return false, repository.ErrNotFound
	}
	if order.BalanceCredited {
		return false, nil
	}
	order.BalanceCredited = true
	r.orders[orderID] = order
	return true, nil
}

// AppendOutboxEvent сохраняет событие со статусом pending
func (r *OrderRepository) AppendOutboxEvent(ctx context.Context, event repository.OutboxEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	event.Status = repository.OutboxPending
	r.outbox = append(r.outbox, event)
	return nil
}

// GetPendingOutboxEvents возвращает до limit pending событий
func (r *OrderRepository) GetPendingOutboxEvents(ctx context.Context, limit int) ([]repository.OutboxEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	events := make([]repository.OutboxEvent, 0)
	for _, event := range r.outbox {
		if event.Status == repository.OutboxPending {
			events = append(events, event)
			if len(events) >= limit {
				break
			}
		}
	}
	return events, nil
}

// MarkOutboxEventSent отмечает событие как опубликованное
func (r *OrderRepository) MarkOutboxEventSent(ctx context.Context, eventID string) error {
	return r.setOutboxStatus(eventID, repository.OutboxSent, "")
}

// MarkOutboxEventFailed отмечает событие как неопубликованное
func (r *OrderRepository) MarkOutboxEventFailed(ctx context.Context, eventID, errMsg string) error {
	return r.setOutboxStatus(eventID, repository.OutboxFailed, errMsg)
}

// ResetOutboxEventPending сбрасывает событие обратно в pending
func (r *OrderRepository) ResetOutboxEventPending(ctx context.Context, eventID string) error {
	return r.setOutboxStatus(eventID, repository.OutboxPending, "")
}

func (r *OrderRepository) setOutboxStatus(eventID string, status repository.OutboxStatus, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.outbox {
		if r.outbox[i].EventID == eventID {
			r.outbox[i].Status = status
			r.outbox[i].LastError = errMsg
			return nil
		}
	}
	return repository.ErrNotFound
}

// PaymentRepository реализует repository.PaymentRepository используя in-memory хранилище
type PaymentRepository struct {
	mu       sync.RWMutex
	attempts map[string]repository.PaymentAttempt
	// byCorrelation - индекс correlation_id -> attempt_id
	byCorrelation map[string]string
	// transactions - ключ provider_ref, append-only
	transactions map[string]repository.TransactionRecord
	// byTxCorrelation - индекс correlation_id транзакций для второй
	// половины уникального ограничения
	byTxCorrelation map[string]struct{}
}

// NewPaymentRepository создаёт новый in-memory репозиторий платежей
func NewPaymentRepository() *PaymentRepository {
	return &PaymentRepository{
		attempts:        make(map[string]repository.PaymentAttempt),
		byCorrelation:   make(map[string]string),
		transactions:    make(map[string]repository.TransactionRecord),
		byTxCorrelation: make(map[string]struct{}),
	}
}

// CreateAttempt сохраняет новую попытку оплаты
func (r *PaymentRepository) CreateAttempt(ctx context.Context, attempt repository.PaymentAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now().UTC()
	}
	r.attempts[attempt.ID] = attempt
	if attempt.CorrelationID != "" {
		r.byCorrelation[attempt.CorrelationID] = attempt.ID
	}
	return nil
}

// SetCorrelationID привязывает correlation id шлюза к попытке
func (r *PaymentRepository) SetCorrelationID(ctx context.Context, attemptID, correlationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	attempt, exists := r.attempts[attemptID]
	if !exists {
		return repository.ErrNotFound
	}
	attempt.CorrelationID = correlationID
	r.attempts[attemptID] = attempt
	r.byCorrelation[correlationID] = attemptID
	return nil
}

// GetAttemptByCorrelationID возвращает попытку по correlation id
func (r *PaymentRepository) GetAttemptByCorrelationID(ctx context.Context, correlationID string) (repository.PaymentAttempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	attemptID, exists := r.byCorrelation[correlationID]
	if !exists {
		return repository.PaymentAttempt{}, repository.ErrNotFound
	}
	return r.attempts[attemptID], nil
}

// FindPendingAttempt ищет pending попытку по (phone, amount) не старше since
func (r *PaymentRepository) FindPendingAttempt(ctx context.Context, phone string, amount int64, since time.Time) (repository.PaymentAttempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, attempt := range r.attempts {
		if attempt.Outcome == repository.AttemptPending &&
			attempt.Phone == phone &&
			attempt.Amount == amount &&
			!attempt.CreatedAt.Before(since) {
			return attempt, nil
		}
	}
	return repository.PaymentAttempt{}, repository.ErrNotFound
}

// ResolveAttempt атомарно переводит исход попытки pending -> outcome
func (r *PaymentRepository) ResolveAttempt(ctx context.Context, attemptID string, outcome repository.AttemptOutcome) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	attempt, exists := r.attempts[attemptID]
	if !exists {
		return false, repository.ErrNotFound
	}
	if attempt.Outcome != repository.AttemptPending {
		return false, nil
	}
	now := time.Now().UTC()
	attempt.Outcome = outcome
	attempt.ResolvedAt = &now
	r.attempts[attemptID] = attempt
	return true, nil
}

// ExpirePending переводит в failed все pending попытки старше olderThan
func (r *PaymentRepository) ExpirePending(ctx context.Context, olderThan time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired int64
	now := time.Now().UTC()
	for id, attempt := range r.attempts {
		if attempt.Outcome == repository.AttemptPending && attempt.CreatedAt.Before(olderThan) {
			attempt.Outcome = repository.AttemptFailed
			attempt.ResolvedAt = &now
			r.attempts[id] = attempt
			expired++
		}
	}
	return expired, nil
}

// RecordUnmatched сохраняет несопоставленный callback
func (r *PaymentRepository) RecordUnmatched(ctx context.Context, attempt repository.PaymentAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now().UTC()
	}
	attempt.Outcome = repository.AttemptUnmatched
	r.attempts[attempt.ID] = attempt
	return nil
}

// ListByOutcome возвращает попытки с указанным исходом
func (r *PaymentRepository) ListByOutcome(ctx context.Context, outcome repository.AttemptOutcome) ([]repository.PaymentAttempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	attempts := make([]repository.PaymentAttempt, 0)
	for _, attempt := range r.attempts {
		if attempt.Outcome == outcome {
			attempts = append(attempts, attempt)
		}
	}
	return attempts, nil
}

// SaveTransaction сохраняет платёжную транзакцию.
// Возвращает ErrDuplicateTransaction при повторном provider_ref
// или correlation_id - как unique constraint в PostgreSQL
func (r *PaymentRepository) SaveTransaction(ctx context.Context, record repository.TransactionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.transactions[record.ProviderRef]; exists {
		return repository.ErrDuplicateTransaction
	}
	if record.CorrelationID != "" {
		if _, exists := r.byTxCorrelation[record.CorrelationID]; exists {
			return repository.ErrDuplicateTransaction
		}
	}

	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	r.transactions[record.ProviderRef] = record
	if record.CorrelationID != "" {
		r.byTxCorrelation[record.CorrelationID] = struct{}{}
	}
	return nil
}

// ShopRepository реализует repository.ShopRepository используя in-memory хранилище
type ShopRepository struct {
	mu    sync.RWMutex
	shops map[string]repository.Shop
}

// NewShopRepository создаёт новый in-memory репозиторий магазинов.
// initialShops может быть nil - тогда хранилище пустое
func NewShopRepository(initialShops map[string]repository.Shop) *ShopRepository {
	shops := make(map[string]repository.Shop)
	for id, shop := range initialShops {
		shops[id] = shop
	}
	return &ShopRepository{shops: shops}
}

// GetShop возвращает магазин по ID
func (r *ShopRepository) GetShop(ctx context.Context, shopID string) (repository.Shop, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	shop, exists := r.shops[shopID]
	if !exists {
		return repository.Shop{}, repository.ErrShopNotFound
	}
	return shop, nil
}

// CreditBalance атомарно увеличивает доступный баланс магазина
func (r *ShopRepository) CreditBalance(ctx context.Context, shopID string, amount int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	shop, exists := r.shops[shopID]
	if !exists {
		return repository.ErrShopNotFound
	}
	shop.AvailableBalance += amount
	r.shops[shopID] = shop
	return nil
}
