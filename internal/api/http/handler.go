package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/shestoi/fulfillment/internal/client/mpesa"
	"github.com/shestoi/fulfillment/internal/repository"
	"github.com/shestoi/fulfillment/internal/service"
)

// Handler содержит HTTP-обработчики для Fulfillment Service
// Зависит от service слоя, но не знает о деталях реализации (БД, шлюз и т.д.)
type Handler struct {
	logger     *zap.Logger
	service    *service.FulfillmentService
	reconciler *service.Reconciler
}

// NewHandler создаёт новый HTTP handler
func NewHandler(logger *zap.Logger, svc *service.FulfillmentService, reconciler *service.Reconciler) *Handler {
	return &Handler{
		logger:     logger,
		service:    svc,
		reconciler: reconciler,
	}
}

// CartLine представляет позицию корзины в HTTP запросе
type CartLine struct {
	ShopID    *string `json:"shop_id"`
	ProductID *string `json:"product_id"`
	Quantity  *int    `json:"quantity"`
	UnitPrice *int64  `json:"unit_price"`
	Size      *string `json:"size,omitempty"`
}

// BuyerInfo представляет покупателя в HTTP запросе
type BuyerInfo struct {
	ID    *string `json:"id"`
	Name  *string `json:"name,omitempty"`
	Phone *string `json:"phone"`
}

// ShippingInfo представляет адрес доставки в HTTP запросе
type ShippingInfo struct {
	Country *string `json:"country,omitempty"`
	City    *string `json:"city,omitempty"`
	Street  *string `json:"street,omitempty"`
	Zip     *string `json:"zip,omitempty"`
}

// PaymentInfo представляет платёжные атрибуты в HTTP запросе
type PaymentInfo struct {
	Method      *string `json:"method"`
	Status      *string `json:"status,omitempty"`
	ProviderRef *string `json:"provider_ref,omitempty"`
}

// OrdersRequest представляет HTTP запрос на отправку корзины
type OrdersRequest struct {
	OrderNumber   *string       `json:"order_number"`
	Buyer         *BuyerInfo    `json:"buyer"`
	Shipping      *ShippingInfo `json:"shipping,omitempty"`
	Payment       *PaymentInfo  `json:"payment"`
	ShippingPrice *int64        `json:"shipping_price,omitempty"`
	Discount      *int64        `json:"discount,omitempty"`
	Lines         *[]CartLine   `json:"lines"`
}

// OrderResponse представляет HTTP ответ с информацией о заказе
type OrderResponse struct {
	ID            string     `json:"id"`
	OrderNumber   string     `json:"order_number"`
	ShopID        string     `json:"shop_id"`
	Status        string     `json:"status"`
	PaymentStatus string     `json:"payment_status"`
	TotalPrice    int64      `json:"total_price"`
	ShippingPrice int64      `json:"shipping_price"`
	Discount      int64      `json:"discount"`
	Lines         []CartLine `json:"lines"`
	CreatedAt     time.Time  `json:"created_at"`
	DeliveredAt   *time.Time `json:"delivered_at,omitempty"`
}

// OrdersResponse представляет HTTP ответ на отправку корзины
type OrdersResponse struct {
	Orders        []OrderResponse `json:"orders"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// PostOrders обрабатывает POST /orders - отправку корзины
func (h *Handler) PostOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var reqBody OrdersRequest
	if err := json.NewDecoder(r.Body).Decode(&reqBody); err != nil {
		h.logger.Warn("json decode error", zap.Error(err))
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}

	if err := validateOrdersRequest(reqBody); err != nil {
		h.logger.Warn("validation failed", zap.Error(err))
		http.Error(w, fmt.Sprintf("Invalid payload: %v", err), http.StatusBadRequest)
		return
	}

	// Преобразуем HTTP DTO в service DTO
	lines := make([]repository.CartLine, 0, len(*reqBody.Lines))
	for _, line := range *reqBody.Lines {
		size := ""
		if line.Size != nil {
			size = *line.Size
		}
		lines = append(lines, repository.CartLine{
			ShopID:    *line.ShopID,
			ProductID: *line.ProductID,
			Quantity:  int32(*line.Quantity),
			UnitPrice: *line.UnitPrice,
			Size:      size,
		})
	}

	input := service.CreateOrdersInput{
		OrderNumber: *reqBody.OrderNumber,
		Buyer: repository.Buyer{
			ID:    *reqBody.Buyer.ID,
			Phone: *reqBody.Buyer.Phone,
		},
		Payment: repository.PaymentInfo{
			Method: *reqBody.Payment.Method,
			Status: repository.PaymentPending,
		},
		Lines: lines,
	}
	if reqBody.Buyer.Name != nil {
		input.Buyer.Name = *reqBody.Buyer.Name
	}
	if reqBody.Payment.Status != nil && *reqBody.Payment.Status == string(repository.PaymentSucceeded) {
		input.Payment.Status = repository.PaymentSucceeded
	}
	if reqBody.Payment.ProviderRef != nil {
		input.Payment.ProviderRef = *reqBody.Payment.ProviderRef
	}
	if reqBody.Shipping != nil {
		input.Shipping = repository.Address{
			Country: derefOr(reqBody.Shipping.Country, ""),
			City:    derefOr(reqBody.Shipping.City, ""),
			Street:  derefOr(reqBody.Shipping.Street, ""),
			Zip:     derefOr(reqBody.Shipping.Zip, ""),
		}
	}
	if reqBody.ShippingPrice != nil {
		input.ShippingPrice = *reqBody.ShippingPrice
	}
	if reqBody.Discount != nil {
		input.Discount = *reqBody.Discount
	}

	result, err := h.service.SplitAndCreateOrders(ctx, input)
	if err != nil {
		// Невалидный номер телефона - ошибка клиента, повтор без
		// исправления номера не поможет
		if errors.Is(err, mpesa.ErrInvalidPhone) {
			h.logger.Warn("order creation rejected", zap.Error(err))
			http.Error(w, fmt.Sprintf("Invalid payload: %v", err), http.StatusBadRequest)
			return
		}
		h.logger.Error("order creation error", zap.Error(err))
		http.Error(w, fmt.Sprintf("Failed to create orders: %v", err), http.StatusServiceUnavailable)
		return
	}

	resp := OrdersResponse{
		Orders:        make([]OrderResponse, 0, len(result.Orders)),
		CorrelationID: result.CorrelationID,
	}
	for _, order := range result.Orders {
		resp.Orders = append(resp.Orders, toOrderResponse(order))
	}

	writeJSON(w, http.StatusCreated, resp)
}

// GetOrdersId обрабатывает GET /orders/{id} - получение заказа по ID
func (h *Handler) GetOrdersId(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()

	order, err := h.service.GetOrder(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, "Order not found", http.StatusNotFound)
			return
		}
		h.logger.Error("get order error", zap.Error(err), zap.String("order_id", id))
		http.Error(w, "Failed to get order", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, toOrderResponse(*order))
}

// StatusRequest представляет HTTP запрос на смену статуса заказа
type StatusRequest struct {
	Status *string `json:"status"`
	// SellerID принимается для полноты контракта; авторизация продавца
	// выполняется вне этого сервиса, поле на обработку не влияет
	SellerID *string `json:"seller_id,omitempty"`
	// RealizedTotal - фактическая сумма продажи для кредитования продавца
	// на пути доставки без подтверждённой онлайн-оплаты
	RealizedTotal *int64 `json:"realized_total,omitempty"`
}

// PutOrdersIdStatus обрабатывает PUT /orders/{id}/status - переход
// статусной машины заказа
func (h *Handler) PutOrdersIdStatus(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()

	var reqBody StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&reqBody); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}
	if reqBody.Status == nil || *reqBody.Status == "" {
		http.Error(w, "Invalid payload: status is required", http.StatusBadRequest)
		return
	}

	order, err := h.service.UpdateOrderStatus(ctx, service.UpdateStatusInput{
		OrderID:       id,
		Status:        repository.OrderStatus(*reqBody.Status),
		RealizedTotal: reqBody.RealizedTotal,
	})
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			http.Error(w, "Order not found", http.StatusNotFound)
		case errors.Is(err, service.ErrInvalidStateTransition):
			// 409: запрошенный переход противоречит текущему статусу
			http.Error(w, fmt.Sprintf("Invalid transition: %v", err), http.StatusConflict)
		default:
			h.logger.Error("status update error", zap.Error(err), zap.String("order_id", id))
			http.Error(w, "Failed to update status", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, toOrderResponse(*order))
}

// CallbackResponse - ack для платёжного шлюза
type CallbackResponse struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// PostPaymentsCallback обрабатывает POST /payments/callback - асинхронный
// callback платёжного шлюза. Всегда отвечает 200 с ack: non-ack заставит
// шлюз слать повторные доставки, а идемпотентность обеспечена на уровне
// reconciler-а
func (h *Handler) PostPaymentsCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Warn("failed to read callback body", zap.Error(err))
		writeJSON(w, http.StatusOK, CallbackResponse{ResultCode: 0, ResultDesc: "Accepted"})
		return
	}

	outcome := h.reconciler.HandleCallback(ctx, raw)
	h.logger.Info("payment callback processed", zap.String("outcome", string(outcome)))

	writeJSON(w, http.StatusOK, CallbackResponse{ResultCode: 0, ResultDesc: "Accepted"})
}

// AttemptResponse представляет попытку оплаты в HTTP ответе
type AttemptResponse struct {
	ID            string     `json:"id"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	OrderNumber   string     `json:"order_number,omitempty"`
	Phone         string     `json:"phone"`
	Amount        int64      `json:"amount"`
	Outcome       string     `json:"outcome"`
	CreatedAt     time.Time  `json:"created_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
}

// GetPaymentsUnmatched обрабатывает GET /payments/unmatched - список
// несопоставленных платёжных событий для офлайн-сверки
func (h *Handler) GetPaymentsUnmatched(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	attempts, err := h.service.ListUnmatchedAttempts(ctx)
	if err != nil {
		h.logger.Error("failed to list unmatched attempts", zap.Error(err))
		http.Error(w, "Failed to list unmatched attempts", http.StatusInternalServerError)
		return
	}

	resp := make([]AttemptResponse, 0, len(attempts))
	for _, a := range attempts {
		resp = append(resp, AttemptResponse{
			ID:            a.ID,
			CorrelationID: a.CorrelationID,
			OrderNumber:   a.OrderNumber,
			Phone:         a.Phone,
			Amount:        a.Amount,
			Outcome:       string(a.Outcome),
			CreatedAt:     a.CreatedAt,
			ResolvedAt:    a.ResolvedAt,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// validateOrdersRequest проверяет обязательные поля запроса на отправку корзины
func validateOrdersRequest(req OrdersRequest) error {
	if req.OrderNumber == nil || *req.OrderNumber == "" {
		return fmt.Errorf("order_number is required")
	}
	if req.Buyer == nil || req.Buyer.ID == nil || *req.Buyer.ID == "" {
		return fmt.Errorf("buyer.id is required")
	}
	if req.Buyer.Phone == nil || *req.Buyer.Phone == "" {
		return fmt.Errorf("buyer.phone is required")
	}
	if req.Payment == nil || req.Payment.Method == nil || *req.Payment.Method == "" {
		return fmt.Errorf("payment.method is required")
	}
	if req.Lines == nil || len(*req.Lines) == 0 {
		return fmt.Errorf("lines are required")
	}
	for i, line := range *req.Lines {
		if line.ShopID == nil || *line.ShopID == "" {
			return fmt.Errorf("shop_id is required in lines[%d]", i)
		}
		if line.ProductID == nil || *line.ProductID == "" {
			return fmt.Errorf("product_id is required in lines[%d]", i)
		}
		if line.Quantity == nil || *line.Quantity <= 0 {
			return fmt.Errorf("quantity must be > 0 in lines[%d]", i)
		}
		if line.UnitPrice == nil || *line.UnitPrice < 0 {
			return fmt.Errorf("unit_price must be >= 0 in lines[%d]", i)
		}
	}
	return nil
}

// toOrderResponse преобразует доменную модель заказа в HTTP DTO
func toOrderResponse(order repository.Order) OrderResponse {
	lines := make([]CartLine, 0, len(order.Lines))
	for _, l := range order.Lines {
		l := l
		quantity := int(l.Quantity)
		line := CartLine{
			ShopID:    &l.ShopID,
			ProductID: &l.ProductID,
			Quantity:  &quantity,
			UnitPrice: &l.UnitPrice,
		}
		if l.Size != "" {
			line.Size = &l.Size
		}
		lines = append(lines, line)
	}

	return OrderResponse{
		ID:            order.ID,
		OrderNumber:   order.OrderNumber,
		ShopID:        order.ShopID,
		Status:        string(order.Status),
		PaymentStatus: string(order.Payment.Status),
		TotalPrice:    order.TotalPrice,
		ShippingPrice: order.ShippingPrice,
		Discount:      order.Discount,
		Lines:         lines,
		CreatedAt:     order.CreatedAt,
		DeliveredAt:   order.DeliveredAt,
	}
}

func derefOr(s *string, fallback string) string {
	if s != nil {
		return *s
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
