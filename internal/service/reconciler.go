package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shestoi/fulfillment/internal/client/mpesa"
	"github.com/shestoi/fulfillment/internal/repository"
)

// CallbackOutcome представляет итог обработки одного callback-а шлюза.
// Независимо от итога handler всегда отвечает шлюзу ack-ом:
// non-ack провоцирует шторм повторных доставок
type CallbackOutcome string

const (
	// CallbackMatched - событие сопоставлено, эффекты применены
	CallbackMatched CallbackOutcome = "matched"
	// CallbackDuplicate - повторная доставка уже обработанного события
	CallbackDuplicate CallbackOutcome = "duplicate"
	// CallbackUnmatched - событие не сопоставлено и сохранено для сверки
	CallbackUnmatched CallbackOutcome = "unmatched"
	// CallbackIgnored - callback без признака успеха, эффектов нет
	CallbackIgnored CallbackOutcome = "ignored"
)

// Reconciler сопоставляет асинхронные callback-и платёжного шлюза
// с ожидающими попытками оплаты
type Reconciler struct {
	logger    *zap.Logger
	payments  repository.PaymentRepository
	orders    repository.OrderRepository
	confirmer PaymentConfirmer

	// matchWindow - ширина окна fallback-сопоставления по (phone, amount),
	// когда в callback-е нет correlation id
	matchWindow time.Duration
}

// NewReconciler создаёт новый reconciler
func NewReconciler(
	logger *zap.Logger,
	payments repository.PaymentRepository,
	orders repository.OrderRepository,
	confirmer PaymentConfirmer,
	matchWindow time.Duration,
) *Reconciler {
	if matchWindow <= 0 {
		matchWindow = 15 * time.Minute
	}
	return &Reconciler{
		logger:      logger,
		payments:    payments,
		orders:      orders,
		confirmer:   confirmer,
		matchWindow: matchWindow,
	}
}

// HandleCallback обрабатывает сырой callback шлюза.
// Никогда не возвращает ошибку наружу: плохой payload деградирует
// до unmatched-записи, а не роняет handler
func (r *Reconciler) HandleCallback(ctx context.Context, raw []byte) CallbackOutcome {
	event, err := mpesa.ParseCallback(raw)
	if err != nil {
		// Неразобранный payload сохраняется как unmatched-запись,
		// событие не теряется молча
		r.logger.Warn("unrecognized callback payload",
			zap.Error(err),
			zap.ByteString("payload", raw),
		)
		r.recordUnmatched(ctx, event)
		return CallbackUnmatched
	}

	if !event.Success {
		return r.handleFailure(ctx, event)
	}

	attempt, found := r.findAttempt(ctx, event)
	if !found {
		r.logger.Warn("callback matched no payment attempt",
			zap.String("correlation_id", event.CorrelationID),
			zap.String("provider_ref", event.ProviderRef),
			zap.Int64("amount", event.Amount),
		)
		r.recordUnmatched(ctx, event)
		return CallbackUnmatched
	}

	// Транзакция персистится до применения эффектов: unique constraint
	// на provider_ref - это и есть защита от повторной доставки
	record := repository.TransactionRecord{
		ProviderRef:   event.ProviderRef,
		CorrelationID: firstNonEmpty(attempt.CorrelationID, event.CorrelationID),
		PhoneMasked:   mpesa.MaskPhone(event.Phone),
		Amount:        event.Amount,
		CreatedAt:     time.Now().UTC(),
	}
	if err := r.payments.SaveTransaction(ctx, record); err != nil {
		if errors.Is(err, repository.ErrDuplicateTransaction) {
			r.logger.Info("duplicate callback acknowledged without effects",
				zap.String("provider_ref", event.ProviderRef),
				zap.String("correlation_id", event.CorrelationID),
			)
			return CallbackDuplicate
		}
		r.logger.Error("failed to persist transaction record",
			zap.Error(err),
			zap.String("provider_ref", event.ProviderRef),
		)
		// Эффекты не применялись: шлюз доставит callback повторно,
		// и обработка пройдёт заново
		return CallbackUnmatched
	}

	matched, err := r.payments.ResolveAttempt(ctx, attempt.ID, repository.AttemptMatched)
	if err != nil {
		r.logger.Error("failed to resolve payment attempt",
			zap.Error(err),
			zap.String("attempt_id", attempt.ID),
		)
	} else if !matched {
		// Попытка уже разрешена другим callback-ом - в matched
		// переходит ровно одна попытка на correlation id
		return CallbackDuplicate
	}

	r.confirmOrders(ctx, attempt.OrderNumber)

	r.logger.Info("callback reconciled",
		zap.String("attempt_id", attempt.ID),
		zap.String("order_number", attempt.OrderNumber),
		zap.String("provider_ref", event.ProviderRef),
		zap.Int64("amount", event.Amount),
	)
	return CallbackMatched
}

// handleFailure фиксирует неуспешный исход списания без применения эффектов
func (r *Reconciler) handleFailure(ctx context.Context, event mpesa.CallbackEvent) CallbackOutcome {
	if event.CorrelationID == "" {
		r.logger.Info("failure callback without correlation id ignored",
			zap.Int("result_code", event.ResultCode),
			zap.String("result_desc", event.ResultDesc),
		)
		return CallbackIgnored
	}

	attempt, err := r.payments.GetAttemptByCorrelationID(ctx, event.CorrelationID)
	if err != nil {
		return CallbackIgnored
	}

	resolved, err := r.payments.ResolveAttempt(ctx, attempt.ID, repository.AttemptFailed)
	if err != nil || !resolved {
		return CallbackIgnored
	}

	// Переводим оплату заказов этой отправки в failed (pending -> failed,
	// монотонно; уже подтверждённые заказы не трогаются)
	orders, err := r.orders.GetByOrderNumber(ctx, attempt.OrderNumber)
	if err != nil {
		r.logger.Error("failed to load orders for failed payment",
			zap.Error(err),
			zap.String("order_number", attempt.OrderNumber),
		)
		return CallbackIgnored
	}
	for _, order := range orders {
		if _, err := r.orders.MarkPaymentFailed(ctx, order.ID); err != nil {
			r.logger.Error("failed to mark order payment failed",
				zap.Error(err),
				zap.String("order_id", order.ID),
			)
		}
	}

	r.logger.Info("payment failure recorded",
		zap.String("correlation_id", event.CorrelationID),
		zap.String("result_desc", event.ResultDesc),
	)
	return CallbackIgnored
}

// findAttempt ищет попытку по correlation id, затем по (phone, amount)
// в пределах окна сопоставления
func (r *Reconciler) findAttempt(ctx context.Context, event mpesa.CallbackEvent) (repository.PaymentAttempt, bool) {
	if event.CorrelationID != "" {
		attempt, err := r.payments.GetAttemptByCorrelationID(ctx, event.CorrelationID)
		if err == nil {
			return attempt, true
		}
		if !errors.Is(err, repository.ErrNotFound) {
			r.logger.Error("attempt lookup failed", zap.Error(err))
			return repository.PaymentAttempt{}, false
		}
	}

	since := time.Now().UTC().Add(-r.matchWindow)
	attempt, err := r.payments.FindPendingAttempt(ctx, event.Phone, event.Amount, since)
	if err != nil {
		return repository.PaymentAttempt{}, false
	}
	return attempt, true
}

// confirmOrders подтверждает оплату всех заказов одной отправки корзины.
// Ошибка одного заказа не блокирует остальные
func (r *Reconciler) confirmOrders(ctx context.Context, orderNumber string) {
	orders, err := r.orders.GetByOrderNumber(ctx, orderNumber)
	if err != nil {
		r.logger.Error("failed to load orders for confirmation",
			zap.Error(err),
			zap.String("order_number", orderNumber),
		)
		return
	}

	for _, order := range orders {
		if err := r.confirmer.ConfirmPayment(ctx, order.ID); err != nil {
			r.logger.Error("failed to confirm order payment",
				zap.Error(err),
				zap.String("order_id", order.ID),
				zap.String("order_number", orderNumber),
			)
		}
	}
}

// recordUnmatched сохраняет несопоставленное событие для офлайн-сверки
func (r *Reconciler) recordUnmatched(ctx context.Context, event mpesa.CallbackEvent) {
	attempt := repository.PaymentAttempt{
		ID:            uuid.New().String(),
		CorrelationID: event.CorrelationID,
		Phone:         mpesa.MaskPhone(event.Phone),
		Amount:        event.Amount,
		Outcome:       repository.AttemptUnmatched,
		CreatedAt:     time.Now().UTC(),
	}
	if err := r.payments.RecordUnmatched(ctx, attempt); err != nil {
		r.logger.Error("failed to record unmatched callback", zap.Error(err))
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
