package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shestoi/fulfillment/internal/client/mpesa"
	"github.com/shestoi/fulfillment/internal/repository"
	"github.com/shestoi/fulfillment/internal/repository/memory"
	"github.com/shestoi/fulfillment/internal/service"
)

// stubGateway - ручной фейк платёжного шлюза для HTTP-тестов
type stubGateway struct {
	correlationID string
	err           error
}

func (g *stubGateway) InitiateCharge(ctx context.Context, phone string, amount int64, orderNumber string) (string, error) {
	if g.err != nil {
		return "", g.err
	}
	return g.correlationID, nil
}

type handlerEnv struct {
	orders    *memory.OrderRepository
	payments  *memory.PaymentRepository
	shops     *memory.ShopRepository
	inventory *memory.InventoryRepository
	gateway   *stubGateway
	service   *service.FulfillmentService
	router    http.Handler
}

func newHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()

	logger := zap.NewNop()
	orders := memory.NewOrderRepository()
	payments := memory.NewPaymentRepository()
	shops := memory.NewShopRepository(map[string]repository.Shop{
		"shop-1": {ID: "shop-1", Name: "Shop One"},
	})
	inventory := memory.NewInventoryRepository(nil)
	gateway := &stubGateway{correlationID: "ws_CO_http_1"}

	svc := service.NewFulfillmentService(
		logger, orders, shops, inventory, payments, gateway, orders,
		service.Options{SellerShareBasisPoints: 9000},
	)
	reconciler := service.NewReconciler(logger, payments, orders, svc, 15*time.Minute)
	handler := NewHandler(logger, svc, reconciler)

	return &handlerEnv{
		orders:    orders,
		payments:  payments,
		shops:     shops,
		inventory: inventory,
		gateway:   gateway,
		service:   svc,
		router:    NewRouter(handler, func() bool { return true }, nil),
	}
}

func (e *handlerEnv) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

// ordersBody собирает JSON запроса на отправку корзины с заданным телефоном
func ordersBody(phone string) string {
	return fmt.Sprintf(`{
		"order_number": "ord-500",
		"buyer": {"id": "buyer-1", "name": "Test Buyer", "phone": %q},
		"payment": {"method": "mpesa"},
		"lines": [
			{"shop_id": "shop-1", "product_id": "product-1", "quantity": 2, "unit_price": 500}
		]
	}`, phone)
}

func TestHandler_PostOrders(t *testing.T) {
	t.Run("creates orders and returns correlation id", func(t *testing.T) {
		// Arrange
		env := newHandlerEnv(t)
		env.inventory.SetStock("product-1", "", 5)

		// Act
		rec := env.do(t, http.MethodPost, "/orders", ordersBody("0712345678"))

		// Assert
		require.Equal(t, http.StatusCreated, rec.Code)

		var resp OrdersResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Orders, 1)
		require.Equal(t, "ws_CO_http_1", resp.CorrelationID)
		require.Equal(t, "shop-1", resp.Orders[0].ShopID)
		require.Equal(t, int64(1000), resp.Orders[0].TotalPrice)
	})

	t.Run("invalid phone is a client error", func(t *testing.T) {
		// Arrange
		env := newHandlerEnv(t)

		// Act
		rec := env.do(t, http.MethodPost, "/orders", ordersBody("not-a-phone"))

		// Assert: 400, а не 503 - повтор без исправления номера не поможет
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("gateway outage is a retryable server error", func(t *testing.T) {
		// Arrange
		env := newHandlerEnv(t)
		env.gateway.err = mpesa.ErrGatewayUnavailable

		// Act
		rec := env.do(t, http.MethodPost, "/orders", ordersBody("0712345678"))

		// Assert
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("missing required fields are rejected", func(t *testing.T) {
		// Arrange
		env := newHandlerEnv(t)

		// Act
		rec := env.do(t, http.MethodPost, "/orders", `{"order_number": "ord-501"}`)

		// Assert
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandler_PutOrdersIdStatus(t *testing.T) {
	ctx := context.Background()

	// Создаёт заказ с наложенным платежом (без онлайн-оплаты):
	// subtotal 1000, склад 5
	setup := func(t *testing.T, env *handlerEnv) string {
		t.Helper()
		env.inventory.SetStock("product-1", "", 5)

		out, err := env.service.SplitAndCreateOrders(ctx, service.CreateOrdersInput{
			OrderNumber: "ord-510",
			Buyer:       repository.Buyer{ID: "buyer-1", Phone: "254712345678"},
			Payment:     repository.PaymentInfo{Method: "cash", Status: repository.PaymentPending},
			Lines: []repository.CartLine{
				{ShopID: "shop-1", ProductID: "product-1", Quantity: 2, UnitPrice: 500},
			},
		})
		require.NoError(t, err)
		require.Len(t, out.Orders, 1)
		return out.Orders[0].ID
	}

	t.Run("delivery credits seller from realized total", func(t *testing.T) {
		// Arrange
		env := newHandlerEnv(t)
		orderID := setup(t, env)

		rec := env.do(t, http.MethodPut, "/orders/"+orderID+"/status",
			`{"status": "transferred_to_delivery"}`)
		require.Equal(t, http.StatusOK, rec.Code)

		// Act: фактическая сумма продажи меньше сабтотала
		rec = env.do(t, http.MethodPut, "/orders/"+orderID+"/status",
			`{"status": "delivered", "seller_id": "shop-1", "realized_total": 500}`)

		// Assert
		require.Equal(t, http.StatusOK, rec.Code)

		var resp OrderResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Equal(t, "delivered", resp.Status)
		require.NotNil(t, resp.DeliveredAt)

		// Продавец кредитуется долей от realized total, а не от сабтотала
		shop, err := env.shops.GetShop(ctx, "shop-1")
		require.NoError(t, err)
		require.Equal(t, int64(450), shop.AvailableBalance)
	})

	t.Run("delivery without realized total falls back to subtotal", func(t *testing.T) {
		// Arrange
		env := newHandlerEnv(t)
		orderID := setup(t, env)

		rec := env.do(t, http.MethodPut, "/orders/"+orderID+"/status",
			`{"status": "transferred_to_delivery"}`)
		require.Equal(t, http.StatusOK, rec.Code)

		// Act
		rec = env.do(t, http.MethodPut, "/orders/"+orderID+"/status",
			`{"status": "delivered"}`)

		// Assert
		require.Equal(t, http.StatusOK, rec.Code)

		shop, err := env.shops.GetShop(ctx, "shop-1")
		require.NoError(t, err)
		require.Equal(t, int64(900), shop.AvailableBalance)
	})

	t.Run("invalid transition maps to conflict", func(t *testing.T) {
		// Arrange
		env := newHandlerEnv(t)
		orderID := setup(t, env)

		// Act: processing -> delivered перепрыгивает через transferred
		rec := env.do(t, http.MethodPut, "/orders/"+orderID+"/status",
			`{"status": "delivered"}`)

		// Assert
		require.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("unknown order maps to not found", func(t *testing.T) {
		// Arrange
		env := newHandlerEnv(t)

		// Act
		rec := env.do(t, http.MethodPut, "/orders/missing/status",
			`{"status": "transferred_to_delivery"}`)

		// Assert
		require.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHandler_PostPaymentsCallback(t *testing.T) {
	t.Run("always acknowledges the gateway", func(t *testing.T) {
		// Arrange
		env := newHandlerEnv(t)

		// Act: даже неразобранный payload получает ack
		rec := env.do(t, http.MethodPost, "/payments/callback", `{"Body": "garbage"`)

		// Assert
		require.Equal(t, http.StatusOK, rec.Code)

		var resp CallbackResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Equal(t, 0, resp.ResultCode)
	})
}
