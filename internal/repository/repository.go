package repository

import (
	"context"
	"errors"
	"time"
)

// Ошибки уровня хранилища. Service слой сравнивает их через errors.Is
// и решает, что отдать наружу.
var (
	// ErrNotFound возвращается, когда сущность не найдена в хранилище
	ErrNotFound = errors.New("not found")

	// ErrShopNotFound возвращается, когда магазин из корзины не удалось разрешить
	ErrShopNotFound = errors.New("shop not found")

	// ErrDuplicateTransaction возвращается при попытке сохранить транзакцию
	// с уже существующим provider_ref или correlation_id.
	// Уникальность обеспечивается самим хранилищем, а не check-then-act в сервисе
	ErrDuplicateTransaction = errors.New("transaction already recorded")

	// ErrInsufficientStock возвращается, когда товара на складе меньше, чем запрошено
	ErrInsufficientStock = errors.New("insufficient stock")
)

// OrderStatus представляет статус заказа в статусной машине
type OrderStatus string

const (
	// StatusProcessing - заказ создан и ожидает передачи в доставку
	StatusProcessing OrderStatus = "processing"
	// StatusTransferred - заказ передан партнёру по доставке
	StatusTransferred OrderStatus = "transferred_to_delivery"
	// StatusDelivered - заказ доставлен (терминальный статус)
	StatusDelivered OrderStatus = "delivered"
	// StatusRefundRequested - покупатель запросил возврат
	StatusRefundRequested OrderStatus = "refund_requested"
	// StatusRefundSucceeded - возврат выполнен (терминальный статус)
	StatusRefundSucceeded OrderStatus = "refund_succeeded"
)

// PaymentStatus представляет статус оплаты заказа
// Переходит монотонно pending -> succeeded|failed и никогда не откатывается
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
)

// CartLine представляет одну позицию корзины
// После привязки к заказу не изменяется
type CartLine struct {
	ShopID    string
	ProductID string
	Quantity  int32
	// UnitPrice - цена за единицу со скидкой, в минимальных единицах валюты
	UnitPrice int64
	// Size - выбранный размер, пустая строка если товар безразмерный
	Size string
}

// Buyer представляет покупателя заказа
type Buyer struct {
	ID    string
	Name  string
	Phone string
}

// Address представляет адрес доставки
type Address struct {
	Country string
	City    string
	Street  string
	Zip     string
}

// PaymentInfo содержит платёжные атрибуты заказа
type PaymentInfo struct {
	ProviderRef string
	Status      PaymentStatus
	Method      string
}

// Order представляет доменную модель заказа одного магазина
// Инвариант: все Lines принадлежат ShopID; ровно один заказ
// на пару (OrderNumber, ShopID)
type Order struct {
	ID          string
	OrderNumber string
	ShopID      string
	Lines       []CartLine
	Buyer       Buyer
	Shipping    Address
	// TotalPrice - сабтотал позиций заказа в минимальных единицах
	TotalPrice    int64
	ShippingPrice int64
	Discount      int64
	Payment       PaymentInfo
	Status        OrderStatus
	// InventoryApplied и BalanceCredited - одноразовые ворота эффектов.
	// Выставляются через CAS в хранилище, гонка двух подтверждений
	// даёт ровно один набор эффектов
	InventoryApplied bool
	BalanceCredited  bool
	CreatedAt        time.Time
	DeliveredAt      *time.Time
}

// Subtotal возвращает сумму позиций заказа в минимальных единицах
func (o Order) Subtotal() int64 {
	var total int64
	for _, line := range o.Lines {
		total += line.UnitPrice * int64(line.Quantity)
	}
	return total
}

//go:generate go run github.com/vektra/mockery/v2@v2.53.5 --name=OrderRepository --dir=. --output=./mocks --outpkg=mocks

// OrderRepository определяет интерфейс для работы с хранилищем заказов
// Service слой зависит от этого интерфейса, а не от конкретной реализации
type OrderRepository interface {
	// Create сохраняет заказ. Идемпотентен по (OrderNumber, ShopID):
	// повторный вызов с той же парой возвращает уже существующий заказ
	Create(ctx context.Context, order Order) (Order, error)

	// GetByID получает заказ по ID
	// Возвращает ErrNotFound, если заказ не найден
	GetByID(ctx context.Context, id string) (Order, error)

	// GetByOrderNumber возвращает все заказы одной отправки корзины
	// (по одному на магазин)
	GetByOrderNumber(ctx context.Context, orderNumber string) ([]Order, error)

	// MarkPaymentSucceeded атомарно переводит payment.status pending -> succeeded.
	// Возвращает false, если статус уже не pending (второе подтверждение - no-op)
	MarkPaymentSucceeded(ctx context.Context, orderID string) (bool, error)

	// MarkPaymentFailed атомарно переводит payment.status pending -> failed
	MarkPaymentFailed(ctx context.Context, orderID string) (bool, error)

	// TransitionStatus атомарно переводит статус заказа from -> to.
	// Возвращает false, если текущий статус не равен from.
	// deliveredAt записывается только при переходе в StatusDelivered
	TransitionStatus(ctx context.Context, orderID string, from, to OrderStatus, deliveredAt *time.Time) (bool, error)

	// MarkInventoryApplied атомарно выставляет флаг inventory_applied.
	// Возвращает false, если флаг уже стоял - эффекты по складу уже применены
	MarkInventoryApplied(ctx context.Context, orderID string) (bool, error)

	// MarkBalanceCredited атомарно выставляет флаг balance_credited.
	// Возвращает false, если флаг уже стоял - баланс продавца уже пополнен
	MarkBalanceCredited(ctx context.Context, orderID string) (bool, error)
}

// AttemptOutcome представляет исход попытки оплаты
type AttemptOutcome string

const (
	AttemptPending AttemptOutcome = "pending"
	// AttemptMatched - callback шлюза сопоставлен с попыткой.
	// Ровно одна попытка может перейти в matched на correlation id
	AttemptMatched AttemptOutcome = "matched"
	// AttemptDuplicate - повторная доставка уже обработанного события
	AttemptDuplicate AttemptOutcome = "duplicate"
	// AttemptUnmatched - callback не сопоставлен ни с одной попыткой,
	// запись сохраняется для офлайн-сверки
	AttemptUnmatched AttemptOutcome = "unmatched"
	// AttemptFailed - попытка истекла по таймауту или отклонена шлюзом
	AttemptFailed AttemptOutcome = "failed"
)

// PaymentAttempt представляет попытку списания через платёжный шлюз.
// Создаётся до исходящего вызова, чтобы callback, пришедший раньше
// ответа шлюза, всё равно можно было сопоставить
type PaymentAttempt struct {
	ID string
	// CorrelationID выдаётся шлюзом и заполняется после ответа на запрос списания
	CorrelationID string
	OrderNumber   string
	Phone         string
	Amount        int64
	Outcome       AttemptOutcome
	CreatedAt     time.Time
	ResolvedAt    *time.Time
}

// TransactionRecord представляет подтверждённое платёжное событие.
// Append-only: уникальность provider_ref (и correlation_id) в хранилище
// не даёт сохранить одно реальное событие дважды
type TransactionRecord struct {
	ProviderRef   string
	CorrelationID string
	// PhoneMasked - номер плательщика с замаскированной серединой
	PhoneMasked string
	Amount      int64
	CreatedAt   time.Time
}

//go:generate go run github.com/vektra/mockery/v2@v2.53.5 --name=PaymentRepository --dir=. --output=./mocks --outpkg=mocks

// PaymentRepository определяет интерфейс для хранилища попыток оплаты
// и платёжных транзакций
type PaymentRepository interface {
	// CreateAttempt сохраняет новую попытку оплаты со статусом pending
	CreateAttempt(ctx context.Context, attempt PaymentAttempt) error

	// SetCorrelationID привязывает correlation id шлюза к попытке
	SetCorrelationID(ctx context.Context, attemptID, correlationID string) error

	// GetAttemptByCorrelationID возвращает попытку по correlation id
	// Возвращает ErrNotFound, если попытка не найдена
	GetAttemptByCorrelationID(ctx context.Context, correlationID string) (PaymentAttempt, error)

	// FindPendingAttempt ищет pending попытку по (phone, amount), созданную
	// не раньше since. Fallback для callback без correlation id
	FindPendingAttempt(ctx context.Context, phone string, amount int64, since time.Time) (PaymentAttempt, error)

	// ResolveAttempt атомарно переводит исход попытки pending -> outcome.
	// Возвращает false, если попытка уже разрешена
	ResolveAttempt(ctx context.Context, attemptID string, outcome AttemptOutcome) (bool, error)

	// ExpirePending переводит в failed все pending попытки, созданные
	// раньше olderThan. Возвращает количество истёкших. Записи не удаляются
	ExpirePending(ctx context.Context, olderThan time.Time) (int64, error)

	// RecordUnmatched сохраняет несопоставленный callback как попытку
	// с исходом unmatched - событие никогда не теряется молча
	RecordUnmatched(ctx context.Context, attempt PaymentAttempt) error

	// ListByOutcome возвращает попытки с указанным исходом (для офлайн-сверки)
	ListByOutcome(ctx context.Context, outcome AttemptOutcome) ([]PaymentAttempt, error)

	// SaveTransaction сохраняет платёжную транзакцию.
	// Возвращает ErrDuplicateTransaction, если provider_ref или
	// correlation_id уже записаны
	SaveTransaction(ctx context.Context, record TransactionRecord) error
}

// Shop представляет магазин продавца
type Shop struct {
	ID   string
	Name string
	// AvailableBalance - доступный баланс продавца в минимальных единицах
	AvailableBalance int64
}

//go:generate go run github.com/vektra/mockery/v2@v2.53.5 --name=ShopRepository --dir=. --output=./mocks --outpkg=mocks

// ShopRepository определяет интерфейс для хранилища магазинов и их балансов
type ShopRepository interface {
	// GetShop возвращает магазин по ID
	// Возвращает ErrShopNotFound, если магазин не найден
	GetShop(ctx context.Context, shopID string) (Shop, error)

	// CreditBalance атомарно увеличивает доступный баланс магазина.
	// Дедупликацией не занимается - одноразовость гарантируют ворота
	// в координаторе (MarkBalanceCredited)
	CreditBalance(ctx context.Context, shopID string, amount int64) error
}

//go:generate go run github.com/vektra/mockery/v2@v2.53.5 --name=InventoryRepository --dir=. --output=./mocks --outpkg=mocks

// InventoryRepository определяет интерфейс для хранилища остатков.
// size == "" означает общий остаток товара
type InventoryRepository interface {
	// GetStock получает остаток товара
	// Возвращает ErrNotFound, если товар не найден
	GetStock(ctx context.Context, productID, size string) (int32, error)

	// DecrementStock атомарно уменьшает остаток и увеличивает счётчик продаж.
	// Возвращает false без изменения остатка, если товара недостаточно
	DecrementStock(ctx context.Context, productID, size string, quantity int32) (bool, error)

	// RestoreStock возвращает товар на склад при возврате заказа
	// (stock += quantity, sold -= quantity)
	RestoreStock(ctx context.Context, productID, size string, quantity int32) error
}

// OutboxStatus представляет статус события в outbox таблице
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSent    OutboxStatus = "sent"
	OutboxFailed  OutboxStatus = "failed"
)

// OutboxEvent представляет доменное событие, ожидающее публикации в Kafka
type OutboxEvent struct {
	EventID     string
	Topic       string
	AggregateID string
	Payload     []byte
	Status      OutboxStatus
	LastError   string
	CreatedAt   time.Time
}

// OutboxRepository определяет интерфейс для работы с outbox таблицей.
// Используется dispatcher-ом для публикации событий в Kafka
type OutboxRepository interface {
	// AppendOutboxEvent сохраняет событие со статусом pending
	AppendOutboxEvent(ctx context.Context, event OutboxEvent) error

	// GetPendingOutboxEvents возвращает до limit pending событий
	GetPendingOutboxEvents(ctx context.Context, limit int) ([]OutboxEvent, error)

	// MarkOutboxEventSent отмечает событие как опубликованное
	MarkOutboxEventSent(ctx context.Context, eventID string) error

	// MarkOutboxEventFailed отмечает событие как неопубликованное с текстом ошибки
	MarkOutboxEventFailed(ctx context.Context, eventID, errMsg string) error

	// ResetOutboxEventPending сбрасывает событие обратно в pending для retry
	ResetOutboxEventPending(ctx context.Context, eventID string) error
}
