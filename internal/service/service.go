package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/shestoi/fulfillment/internal/client/mpesa"
	"github.com/shestoi/fulfillment/internal/repository"
)

const (
	// TopicPaymentConfirmed - топик outbox-событий о подтверждённой оплате
	TopicPaymentConfirmed = "fulfillment.payment.confirmed"
	// TopicOrderStatusChanged - топик outbox-событий о смене статуса заказа
	TopicOrderStatusChanged = "fulfillment.order.status.changed"

	// basisPointsDenominator - знаменатель доли продавца в базисных пунктах
	basisPointsDenominator = 10000
)

// FulfillmentService - координатор исполнения заказов.
// Собственного состояния не держит: читает и пишет только через
// интерфейсы хранилищ и леджеров
type FulfillmentService struct {
	logger    *zap.Logger
	orders    repository.OrderRepository
	shops     repository.ShopRepository
	inventory repository.InventoryRepository
	payments  repository.PaymentRepository
	gateway   GatewayClient
	outbox    repository.OutboxRepository

	// sellerShareBP - доля продавца в базисных пунктах (9000 = 90%)
	sellerShareBP int64
	// ledgerRetries и ledgerBackoff - ограниченный retry транзиентных
	// ошибок записи в леджеры на воротах подтверждения
	ledgerRetries uint64
	ledgerBackoff time.Duration
}

// Options содержит настройки координатора
type Options struct {
	SellerShareBasisPoints int64
	LedgerRetries          uint64
	LedgerBackoff          time.Duration
}

// NewFulfillmentService создаёт новый координатор
// Принимает интерфейсы как зависимости - реализации подменяются в тестах
func NewFulfillmentService(
	logger *zap.Logger,
	orders repository.OrderRepository,
	shops repository.ShopRepository,
	inventory repository.InventoryRepository,
	payments repository.PaymentRepository,
	gateway GatewayClient,
	outbox repository.OutboxRepository,
	opts Options,
) *FulfillmentService {
	if opts.SellerShareBasisPoints <= 0 {
		opts.SellerShareBasisPoints = 9000
	}
	if opts.LedgerRetries == 0 {
		opts.LedgerRetries = 3
	}
	if opts.LedgerBackoff <= 0 {
		opts.LedgerBackoff = 200 * time.Millisecond
	}
	return &FulfillmentService{
		logger:        logger,
		orders:        orders,
		shops:         shops,
		inventory:     inventory,
		payments:      payments,
		gateway:       gateway,
		outbox:        outbox,
		sellerShareBP: opts.SellerShareBasisPoints,
		ledgerRetries: opts.LedgerRetries,
		ledgerBackoff: opts.LedgerBackoff,
	}
}

// CreateOrdersInput содержит входные данные для разбиения корзины на заказы
type CreateOrdersInput struct {
	OrderNumber   string
	Buyer         repository.Buyer
	Shipping      repository.Address
	Payment       repository.PaymentInfo
	ShippingPrice int64
	Discount      int64
	Lines         []repository.CartLine
}

// CreateOrdersOutput содержит результат разбиения корзины
type CreateOrdersOutput struct {
	Orders []repository.Order
	// CorrelationID заполняется, если было инициировано списание через шлюз
	CorrelationID string
}

// SplitAndCreateOrders разбивает корзину по магазинам и создаёт по заказу
// на магазин. Неразрешимый магазин пропускается с логированием - остальные
// группы не блокируются. При pending-оплате мобильными деньгами инициирует
// списание через шлюз
func (s *FulfillmentService) SplitAndCreateOrders(ctx context.Context, input CreateOrdersInput) (*CreateOrdersOutput, error) {
	if input.OrderNumber == "" {
		return nil, fmt.Errorf("order number is required")
	}
	if len(input.Lines) == 0 {
		return nil, fmt.Errorf("cart must contain at least one line")
	}

	// Стабильная группировка по shop_id: порядок групп следует порядку
	// первого вхождения магазина в корзину
	shopOrder := make([]string, 0)
	groups := make(map[string][]repository.CartLine)
	for _, line := range input.Lines {
		if _, seen := groups[line.ShopID]; !seen {
			shopOrder = append(shopOrder, line.ShopID)
		}
		groups[line.ShopID] = append(groups[line.ShopID], line)
	}

	createdOrders := make([]repository.Order, 0, len(shopOrder))
	for _, shopID := range shopOrder {
		if _, err := s.shops.GetShop(ctx, shopID); err != nil {
			if errors.Is(err, repository.ErrShopNotFound) {
				// Пробел в исполнении: группа пропускается,
				// соседние заказы не страдают
				s.logger.Warn("shop not resolved, skipping cart group",
					zap.String("shop_id", shopID),
					zap.String("order_number", input.OrderNumber),
					zap.Int("lines", len(groups[shopID])),
				)
				continue
			}
			return nil, fmt.Errorf("failed to resolve shop %s: %w", shopID, err)
		}

		order := repository.Order{
			ID:          uuid.New().String(),
			OrderNumber: input.OrderNumber,
			ShopID:      shopID,
			Lines:       groups[shopID],
			Buyer:       input.Buyer,
			Shipping:    input.Shipping,
			Payment: repository.PaymentInfo{
				ProviderRef: input.Payment.ProviderRef,
				Status:      repository.PaymentPending,
				Method:      input.Payment.Method,
			},
			ShippingPrice: input.ShippingPrice,
			Discount:      input.Discount,
			Status:        repository.StatusProcessing,
			CreatedAt:     time.Now().UTC(),
		}
		order.TotalPrice = order.Subtotal()

		// Create идемпотентен: retry с той же парой (order_number, shop_id)
		// вернёт уже существующий заказ, а не создаст дубликат
		created, err := s.orders.Create(ctx, order)
		if err != nil {
			return nil, fmt.Errorf("failed to create order for shop %s: %w", shopID, err)
		}
		createdOrders = append(createdOrders, created)
	}

	output := &CreateOrdersOutput{Orders: createdOrders}
	if len(createdOrders) == 0 {
		s.logger.Warn("no orders created: all cart groups unresolved",
			zap.String("order_number", input.OrderNumber),
		)
		return output, nil
	}

	switch input.Payment.Status {
	case repository.PaymentSucceeded:
		// Предавторизованная оплата - сразу идём по пути подтверждения
		for _, order := range createdOrders {
			if err := s.ConfirmPayment(ctx, order.ID); err != nil {
				return nil, fmt.Errorf("failed to confirm pre-authorized payment for order %s: %w", order.ID, err)
			}
		}
		// Возвращаем актуальное состояние заказов после подтверждения
		for i, order := range createdOrders {
			refreshed, err := s.orders.GetByID(ctx, order.ID)
			if err == nil {
				output.Orders[i] = refreshed
			}
		}
	case repository.PaymentPending:
		if input.Payment.Method == "mpesa" {
			correlationID, err := s.initiateCharge(ctx, input, createdOrders)
			if err != nil {
				return nil, err
			}
			output.CorrelationID = correlationID
		}
	}

	return output, nil
}

// initiateCharge записывает PaymentAttempt и запрашивает списание у шлюза.
// Попытка создаётся до исходящего вызова: callback, пришедший раньше
// ответа шлюза, сопоставится по (phone, amount) fallback-у
func (s *FulfillmentService) initiateCharge(ctx context.Context, input CreateOrdersInput, orders []repository.Order) (string, error) {
	phone, err := mpesa.NormalizePhone(input.Buyer.Phone)
	if err != nil {
		return "", err
	}

	var total int64
	for _, order := range orders {
		total += order.TotalPrice
	}
	total += input.ShippingPrice - input.Discount

	attempt := repository.PaymentAttempt{
		ID:          uuid.New().String(),
		OrderNumber: input.OrderNumber,
		Phone:       phone,
		Amount:      total,
		Outcome:     repository.AttemptPending,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.payments.CreateAttempt(ctx, attempt); err != nil {
		return "", fmt.Errorf("failed to record payment attempt: %w", err)
	}

	correlationID, err := s.gateway.InitiateCharge(ctx, phone, total, input.OrderNumber)
	if err != nil {
		// Попытка остаётся pending и истечёт по таймауту;
		// retry вызывающего создаст новую с новым correlation id
		s.logger.Warn("charge initiation failed",
			zap.Error(err),
			zap.String("order_number", input.OrderNumber),
			zap.String("attempt_id", attempt.ID),
		)
		return "", err
	}

	if err := s.payments.SetCorrelationID(ctx, attempt.ID, correlationID); err != nil {
		s.logger.Error("failed to bind correlation id to attempt",
			zap.Error(err),
			zap.String("attempt_id", attempt.ID),
			zap.String("correlation_id", correlationID),
		)
		// Сопоставление остаётся возможным через (phone, amount) fallback
	}

	return correlationID, nil
}

// ConfirmPayment применяет эффекты подтверждённой оплаты ровно один раз.
// Единственные ворота - CAS payment_status pending -> succeeded:
// из двух конкурентных вызовов эффекты применит ровно один,
// второй увидит succeeded и выйдет no-op-ом
func (s *FulfillmentService) ConfirmPayment(ctx context.Context, orderID string) error {
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return fmt.Errorf("failed to load order %s: %w", orderID, err)
	}

	transitioned, err := s.orders.MarkPaymentSucceeded(ctx, orderID)
	if err != nil {
		return fmt.Errorf("failed to mark payment succeeded: %w", err)
	}
	if !transitioned {
		s.logger.Debug("payment already resolved, confirmation is a no-op",
			zap.String("order_id", orderID),
		)
		return nil
	}

	if err := s.applyInventoryEffects(ctx, order); err != nil {
		return err
	}

	creditAmount := s.sellerShare(order.Subtotal())
	if err := s.creditSellerBalance(ctx, order, creditAmount); err != nil {
		return err
	}

	s.appendEvent(ctx, TopicPaymentConfirmed, order.ID, map[string]interface{}{
		"order_id":     order.ID,
		"order_number": order.OrderNumber,
		"shop_id":      order.ShopID,
		"amount":       order.Subtotal(),
	})

	s.logger.Info("payment confirmed",
		zap.String("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.Int64("credit", creditAmount),
	)
	return nil
}

// applyInventoryEffects списывает остатки по позициям заказа ровно один раз.
// Ворота - CAS флага inventory_applied
func (s *FulfillmentService) applyInventoryEffects(ctx context.Context, order repository.Order) error {
	applied, err := s.orders.MarkInventoryApplied(ctx, order.ID)
	if err != nil {
		return fmt.Errorf("failed to mark inventory applied: %w", err)
	}
	if !applied {
		// Эффекты по складу уже применены другим путём подтверждения
		return nil
	}

	for _, line := range order.Lines {
		line := line
		err := s.withLedgerRetry(ctx, func(ctx context.Context) error {
			ok, err := s.inventory.DecrementStock(ctx, line.ProductID, line.Size, line.Quantity)
			if err != nil && !errors.Is(err, repository.ErrNotFound) {
				// Транзиентная ошибка записи - повторяем с backoff
				return retry.RetryableError(err)
			}
			if err != nil {
				return err
			}
			if !ok {
				return repository.ErrInsufficientStock
			}
			return nil
		})
		if err != nil {
			// Оплата уже принята: недостачу не превращаем в отказ,
			// а фиксируем для ручной сверки
			s.logger.Error("failed to decrement stock for paid order",
				zap.Error(err),
				zap.String("order_id", order.ID),
				zap.String("product_id", line.ProductID),
				zap.String("size", line.Size),
				zap.Int32("quantity", line.Quantity),
			)
		}
	}
	return nil
}

// creditSellerBalance пополняет баланс продавца ровно один раз.
// Ворота - CAS флага balance_credited. Округление применяется
// единожды, в момент кредитования
func (s *FulfillmentService) creditSellerBalance(ctx context.Context, order repository.Order, amount int64) error {
	credited, err := s.orders.MarkBalanceCredited(ctx, order.ID)
	if err != nil {
		return fmt.Errorf("failed to mark balance credited: %w", err)
	}
	if !credited {
		return nil
	}

	err = s.withLedgerRetry(ctx, func(ctx context.Context) error {
		if err := s.shops.CreditBalance(ctx, order.ShopID, amount); err != nil {
			if errors.Is(err, repository.ErrShopNotFound) {
				return err
			}
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("failed to credit seller balance",
			zap.Error(err),
			zap.String("order_id", order.ID),
			zap.String("shop_id", order.ShopID),
			zap.Int64("amount", amount),
		)
		return fmt.Errorf("failed to credit seller balance: %w", err)
	}
	return nil
}

// withLedgerRetry выполняет fn с ограниченным constant backoff retry.
// Только ошибки, обёрнутые в retry.RetryableError, приводят к повтору
func (s *FulfillmentService) withLedgerRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(s.ledgerRetries, retry.NewConstant(s.ledgerBackoff))
	return retry.Do(ctx, backoff, fn)
}

// sellerShare вычисляет долю продавца от сабтотала в минимальных единицах.
// Целочисленное деление - округление вниз, один раз
func (s *FulfillmentService) sellerShare(subtotal int64) int64 {
	return subtotal * s.sellerShareBP / basisPointsDenominator
}

// UpdateStatusInput содержит входные данные смены статуса заказа
type UpdateStatusInput struct {
	OrderID string
	Status  repository.OrderStatus
	// RealizedTotal - фактическая сумма, по которой кредитуется продавец
	// на fallback-пути (доставка без подтверждённой онлайн-оплаты)
	RealizedTotal *int64
}

// UpdateOrderStatus переводит заказ по статусной машине и применяет
// эффекты рёбер. Переход из терминального статуса отклоняется
// с ErrInvalidStateTransition
func (s *FulfillmentService) UpdateOrderStatus(ctx context.Context, input UpdateStatusInput) (*repository.Order, error) {
	if !isKnownStatus(input.Status) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidStateTransition, input.Status)
	}

	order, err := s.orders.GetByID(ctx, input.OrderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load order %s: %w", input.OrderID, err)
	}

	if !canTransition(order.Status, input.Status) {
		s.logger.Warn("rejected order status transition",
			zap.String("order_id", order.ID),
			zap.String("from", string(order.Status)),
			zap.String("to", string(input.Status)),
		)
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, order.Status, input.Status)
	}

	var deliveredAt *time.Time
	if input.Status == repository.StatusDelivered {
		now := time.Now().UTC()
		deliveredAt = &now
	}

	transitioned, err := s.orders.TransitionStatus(ctx, order.ID, order.Status, input.Status, deliveredAt)
	if err != nil {
		return nil, fmt.Errorf("failed to transition order status: %w", err)
	}
	if !transitioned {
		// Конкурентная смена статуса успела раньше. Если заказ уже в
		// целевом статусе - идемпотентный no-op, иначе переход недопустим
		current, err := s.orders.GetByID(ctx, order.ID)
		if err != nil {
			return nil, err
		}
		if current.Status == input.Status {
			return &current, nil
		}
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, current.Status, input.Status)
	}

	if err := s.applyStatusEffects(ctx, order, input); err != nil {
		return nil, err
	}

	s.appendEvent(ctx, TopicOrderStatusChanged, order.ID, map[string]interface{}{
		"order_id":     order.ID,
		"order_number": order.OrderNumber,
		"from":         order.Status,
		"to":           input.Status,
	})

	updated, err := s.orders.GetByID(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// applyStatusEffects применяет финансовые и складские эффекты рёбер
// статусной машины. Вызывается только после успешного CAS перехода -
// само ребро проходится не более одного раза
func (s *FulfillmentService) applyStatusEffects(ctx context.Context, order repository.Order, input UpdateStatusInput) error {
	switch input.Status {
	case repository.StatusTransferred:
		// Путь без онлайн-оплаты (наложенный платёж): склад списывается
		// здесь. Ворота inventory_applied не дадут списать повторно,
		// если оплата уже была подтверждена
		return s.applyInventoryEffects(ctx, order)

	case repository.StatusDelivered:
		if order.Payment.Status == repository.PaymentSucceeded {
			return nil
		}
		// Fallback: оплата так и не была подтверждена онлайн -
		// кредитуем продавца по фактической сумме
		realized := order.Subtotal()
		if input.RealizedTotal != nil {
			realized = *input.RealizedTotal
		}
		return s.creditSellerBalance(ctx, order, s.sellerShare(realized))

	case repository.StatusRefundSucceeded:
		return s.reverseInventoryEffects(ctx, order)
	}
	return nil
}

// reverseInventoryEffects возвращает остатки по позициям заказа при возврате.
// Балансовый кредит продавца сознательно не реверсируется -
// наблюдаемая бизнес-политика источника
func (s *FulfillmentService) reverseInventoryEffects(ctx context.Context, order repository.Order) error {
	if !order.InventoryApplied {
		// Склад по этому заказу не списывался - возвращать нечего
		return nil
	}

	for _, line := range order.Lines {
		line := line
		err := s.withLedgerRetry(ctx, func(ctx context.Context) error {
			if err := s.inventory.RestoreStock(ctx, line.ProductID, line.Size, line.Quantity); err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					return err
				}
				return retry.RetryableError(err)
			}
			return nil
		})
		if err != nil {
			s.logger.Error("failed to restore stock on refund",
				zap.Error(err),
				zap.String("order_id", order.ID),
				zap.String("product_id", line.ProductID),
			)
		}
	}
	return nil
}

// GetOrder возвращает заказ по ID
func (s *FulfillmentService) GetOrder(ctx context.Context, orderID string) (*repository.Order, error) {
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// ListUnmatchedAttempts возвращает несопоставленные callback-и для офлайн-сверки
func (s *FulfillmentService) ListUnmatchedAttempts(ctx context.Context) ([]repository.PaymentAttempt, error) {
	return s.payments.ListByOutcome(ctx, repository.AttemptUnmatched)
}

// appendEvent пишет доменное событие в outbox. Ошибка записи события
// не откатывает уже применённые эффекты - только логируется
func (s *FulfillmentService) appendEvent(ctx context.Context, topic, aggregateID string, payload map[string]interface{}) {
	if s.outbox == nil {
		return
	}

	payload["event_id"] = uuid.New().String()
	payload["occurred_at"] = time.Now().UTC().Format(time.RFC3339)

	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("failed to marshal outbox event", zap.Error(err), zap.String("topic", topic))
		return
	}

	event := repository.OutboxEvent{
		EventID:     payload["event_id"].(string),
		Topic:       topic,
		AggregateID: aggregateID,
		Payload:     body,
	}
	if err := s.outbox.AppendOutboxEvent(ctx, event); err != nil {
		s.logger.Error("failed to append outbox event",
			zap.Error(err),
			zap.String("topic", topic),
			zap.String("aggregate_id", aggregateID),
		)
	}
}
