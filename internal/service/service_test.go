package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shestoi/fulfillment/internal/repository"
	"github.com/shestoi/fulfillment/internal/repository/memory"
)

// chargeCall фиксирует один исходящий вызов шлюза в стабе
type chargeCall struct {
	Phone       string
	Amount      int64
	OrderNumber string
}

// stubGateway - стаб платёжного шлюза для unit-тестов
type stubGateway struct {
	mu            sync.Mutex
	calls         []chargeCall
	correlationID string
	err           error
}

func (g *stubGateway) InitiateCharge(ctx context.Context, phone string, amount int64, orderNumber string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, chargeCall{Phone: phone, Amount: amount, OrderNumber: orderNumber})
	if g.err != nil {
		return "", g.err
	}
	return g.correlationID, nil
}

type testEnv struct {
	service   *FulfillmentService
	orders    *memory.OrderRepository
	payments  *memory.PaymentRepository
	shops     *memory.ShopRepository
	inventory *memory.InventoryRepository
	gateway   *stubGateway
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	orders := memory.NewOrderRepository()
	payments := memory.NewPaymentRepository()
	shops := memory.NewShopRepository(map[string]repository.Shop{
		"shop-1": {ID: "shop-1", Name: "First"},
		"shop-2": {ID: "shop-2", Name: "Second"},
	})
	inventory := memory.NewInventoryRepository(nil)
	gateway := &stubGateway{correlationID: "ws_CO_test_1"}

	svc := NewFulfillmentService(
		zap.NewNop(),
		orders,
		shops,
		inventory,
		payments,
		gateway,
		orders,
		Options{},
	)

	return &testEnv{
		service:   svc,
		orders:    orders,
		payments:  payments,
		shops:     shops,
		inventory: inventory,
		gateway:   gateway,
	}
}

func cartInput(orderNumber string) CreateOrdersInput {
	return CreateOrdersInput{
		OrderNumber: orderNumber,
		Buyer:       repository.Buyer{ID: "buyer-1", Name: "Jane", Phone: "0712345678"},
		Payment:     repository.PaymentInfo{Method: "mpesa", Status: repository.PaymentPending},
		Lines: []repository.CartLine{
			{ShopID: "shop-1", ProductID: "product-1", Quantity: 2, UnitPrice: 500},
			{ShopID: "shop-2", ProductID: "product-2", Quantity: 1, UnitPrice: 300, Size: "M"},
			{ShopID: "shop-1", ProductID: "product-3", Quantity: 1, UnitPrice: 200},
		},
	}
}

func TestFulfillmentService_SplitAndCreateOrders(t *testing.T) {
	ctx := context.Background()

	t.Run("splits cart into one order per shop", func(t *testing.T) {
		// Arrange
		env := newTestEnv(t)

		// Act
		out, err := env.service.SplitAndCreateOrders(ctx, cartInput("ord-100"))

		// Assert
		require.NoError(t, err)
		require.Len(t, out.Orders, 2)

		// Порядок групп следует порядку первого вхождения магазина в корзину
		require.Equal(t, "shop-1", out.Orders[0].ShopID)
		require.Equal(t, "shop-2", out.Orders[1].ShopID)

		// Сабтотал заказа - сумма его позиций
		require.Equal(t, int64(2*500+1*200), out.Orders[0].TotalPrice)
		require.Equal(t, int64(300), out.Orders[1].TotalPrice)

		// Все позиции заказа принадлежат его магазину
		for _, line := range out.Orders[0].Lines {
			require.Equal(t, "shop-1", line.ShopID)
		}

		require.Equal(t, repository.StatusProcessing, out.Orders[0].Status)
		require.Equal(t, repository.PaymentPending, out.Orders[0].Payment.Status)
	})

	t.Run("resubmitting the same cart does not duplicate orders", func(t *testing.T) {
		// Arrange
		env := newTestEnv(t)
		first, err := env.service.SplitAndCreateOrders(ctx, cartInput("ord-101"))
		require.NoError(t, err)

		// Act
		second, err := env.service.SplitAndCreateOrders(ctx, cartInput("ord-101"))

		// Assert
		require.NoError(t, err)
		require.Len(t, second.Orders, 2)
		require.Equal(t, first.Orders[0].ID, second.Orders[0].ID)
		require.Equal(t, first.Orders[1].ID, second.Orders[1].ID)
	})

	t.Run("unknown shop group is skipped, siblings survive", func(t *testing.T) {
		// Arrange
		env := newTestEnv(t)
		input := cartInput("ord-102")
		input.Lines = append(input.Lines, repository.CartLine{
			ShopID: "shop-ghost", ProductID: "product-9", Quantity: 1, UnitPrice: 100,
		})

		// Act
		out, err := env.service.SplitAndCreateOrders(ctx, input)

		// Assert
		require.NoError(t, err)
		require.Len(t, out.Orders, 2)
		for _, order := range out.Orders {
			require.NotEqual(t, "shop-ghost", order.ShopID)
		}
	})

	t.Run("empty cart is rejected", func(t *testing.T) {
		env := newTestEnv(t)

		_, err := env.service.SplitAndCreateOrders(ctx, CreateOrdersInput{OrderNumber: "ord-103"})
		require.Error(t, err)
	})

	t.Run("pending mobile money payment initiates charge for full total", func(t *testing.T) {
		// Arrange
		env := newTestEnv(t)
		input := cartInput("ord-104")
		input.ShippingPrice = 150
		input.Discount = 50

		// Act
		out, err := env.service.SplitAndCreateOrders(ctx, input)

		// Assert
		require.NoError(t, err)
		require.Equal(t, "ws_CO_test_1", out.CorrelationID)
		require.Len(t, env.gateway.calls, 1)

		call := env.gateway.calls[0]
		// Телефон нормализован к формату 254XXXXXXXXX
		require.Equal(t, "254712345678", call.Phone)
		// Сумма списания: сабтоталы всех заказов + доставка - скидка
		require.Equal(t, int64(1200+300+150-50), call.Amount)

		// Попытка привязана к correlation id шлюза
		attempt, err := env.payments.GetAttemptByCorrelationID(ctx, "ws_CO_test_1")
		require.NoError(t, err)
		require.Equal(t, "ord-104", attempt.OrderNumber)
		require.Equal(t, repository.AttemptPending, attempt.Outcome)
	})

	t.Run("gateway failure leaves attempt pending for expiry", func(t *testing.T) {
		// Arrange
		env := newTestEnv(t)
		env.gateway.err = errors.New("gateway timeout")

		// Act
		_, err := env.service.SplitAndCreateOrders(ctx, cartInput("ord-105"))

		// Assert
		require.Error(t, err)

		// Заказы созданы, попытка осталась pending и найдётся по (phone, amount)
		orders, err := env.orders.GetByOrderNumber(ctx, "ord-105")
		require.NoError(t, err)
		require.Len(t, orders, 2)

		attempt, err := env.payments.FindPendingAttempt(ctx, "254712345678", 1500, time.Time{})
		require.NoError(t, err)
		require.Equal(t, repository.AttemptPending, attempt.Outcome)
	})

	t.Run("pre-authorized payment confirms immediately", func(t *testing.T) {
		// Arrange
		env := newTestEnv(t)
		env.inventory.SetStock("product-1", "", 10)
		env.inventory.SetStock("product-2", "M", 10)
		env.inventory.SetStock("product-3", "", 10)

		input := cartInput("ord-106")
		input.Payment.Status = repository.PaymentSucceeded
		input.Payment.Method = "card"

		// Act
		out, err := env.service.SplitAndCreateOrders(ctx, input)

		// Assert
		require.NoError(t, err)
		require.Len(t, out.Orders, 2)
		for _, order := range out.Orders {
			require.Equal(t, repository.PaymentSucceeded, order.Payment.Status)
			require.True(t, order.InventoryApplied)
			require.True(t, order.BalanceCredited)
		}
		// Шлюз не вызывался - оплата уже проведена
		require.Empty(t, env.gateway.calls)
	})
}

func TestFulfillmentService_ConfirmPayment(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*testEnv, repository.Order) {
		env := newTestEnv(t)
		env.inventory.SetStock("product-1", "", 5)
		env.inventory.SetStock("product-2", "M", 5)
		env.inventory.SetStock("product-3", "", 5)

		out, err := env.service.SplitAndCreateOrders(ctx, cartInput("ord-200"))
		require.NoError(t, err)
		require.Len(t, out.Orders, 2)
		return env, out.Orders[0] // shop-1: product-1 x2 @500, product-3 x1 @200
	}

	t.Run("applies stock and balance effects exactly once", func(t *testing.T) {
		// Arrange
		env, order := setup(t)

		// Act
		err := env.service.ConfirmPayment(ctx, order.ID)

		// Assert
		require.NoError(t, err)

		stock, err := env.inventory.GetStock(ctx, "product-1", "")
		require.NoError(t, err)
		require.Equal(t, int32(3), stock)

		sold, err := env.inventory.GetSold(ctx, "product-1", "")
		require.NoError(t, err)
		require.Equal(t, int32(2), sold)

		// Продавец получает 90% сабтотала: (2*500 + 1*200) * 0.9 = 1080
		shop, err := env.shops.GetShop(ctx, "shop-1")
		require.NoError(t, err)
		require.Equal(t, int64(1080), shop.AvailableBalance)

		updated, err := env.orders.GetByID(ctx, order.ID)
		require.NoError(t, err)
		require.Equal(t, repository.PaymentSucceeded, updated.Payment.Status)
		require.True(t, updated.InventoryApplied)
		require.True(t, updated.BalanceCredited)
	})

	t.Run("repeated confirmation is a no-op", func(t *testing.T) {
		// Arrange
		env, order := setup(t)
		require.NoError(t, env.service.ConfirmPayment(ctx, order.ID))

		// Act
		err := env.service.ConfirmPayment(ctx, order.ID)

		// Assert
		require.NoError(t, err)

		stock, err := env.inventory.GetStock(ctx, "product-1", "")
		require.NoError(t, err)
		require.Equal(t, int32(3), stock)

		shop, err := env.shops.GetShop(ctx, "shop-1")
		require.NoError(t, err)
		require.Equal(t, int64(1080), shop.AvailableBalance)
	})

	t.Run("concurrent confirmations apply effects once", func(t *testing.T) {
		// Arrange
		env, order := setup(t)

		// Act: 20 конкурентных подтверждений одного заказа
		var wg sync.WaitGroup
		errs := make([]error, 20)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = env.service.ConfirmPayment(ctx, order.ID)
			}(i)
		}
		wg.Wait()

		// Assert
		for _, err := range errs {
			require.NoError(t, err)
		}

		stock, err := env.inventory.GetStock(ctx, "product-1", "")
		require.NoError(t, err)
		require.Equal(t, int32(3), stock)

		shop, err := env.shops.GetShop(ctx, "shop-1")
		require.NoError(t, err)
		require.Equal(t, int64(1080), shop.AvailableBalance)
	})

	t.Run("insufficient stock does not fail an already paid order", func(t *testing.T) {
		// Arrange
		env, order := setup(t)
		env.inventory.SetStock("product-1", "", 1) // нужно 2

		// Act
		err := env.service.ConfirmPayment(ctx, order.ID)

		// Assert: оплата подтверждена, недостача зафиксирована, не отказ
		require.NoError(t, err)

		updated, err := env.orders.GetByID(ctx, order.ID)
		require.NoError(t, err)
		require.Equal(t, repository.PaymentSucceeded, updated.Payment.Status)

		// Остаток нетронут - частичного списания ниже нуля нет
		stock, err := env.inventory.GetStock(ctx, "product-1", "")
		require.NoError(t, err)
		require.Equal(t, int32(1), stock)
	})

	t.Run("unknown order returns error", func(t *testing.T) {
		env := newTestEnv(t)

		err := env.service.ConfirmPayment(ctx, "missing")
		require.Error(t, err)
		require.ErrorIs(t, err, repository.ErrNotFound)
	})
}

func TestFulfillmentService_UpdateOrderStatus(t *testing.T) {
	ctx := context.Background()

	create := func(t *testing.T, env *testEnv, orderNumber string) repository.Order {
		t.Helper()
		out, err := env.service.SplitAndCreateOrders(ctx, cartInput(orderNumber))
		require.NoError(t, err)
		return out.Orders[0]
	}

	t.Run("walks the delivery path", func(t *testing.T) {
		// Arrange
		env := newTestEnv(t)
		env.inventory.SetStock("product-1", "", 5)
		env.inventory.SetStock("product-3", "", 5)
		order := create(t, env, "ord-300")

		// Act + Assert: processing -> transferred_to_delivery -> delivered
		updated, err := env.service.UpdateOrderStatus(ctx, UpdateStatusInput{
			OrderID: order.ID, Status: repository.StatusTransferred,
		})
		require.NoError(t, err)
		require.Equal(t, repository.StatusTransferred, updated.Status)

		updated, err = env.service.UpdateOrderStatus(ctx, UpdateStatusInput{
			OrderID: order.ID, Status: repository.StatusDelivered,
		})
		require.NoError(t, err)
		require.Equal(t, repository.StatusDelivered, updated.Status)
		require.NotNil(t, updated.DeliveredAt)
	})

	t.Run("transfer without online payment applies stock", func(t *testing.T) {
		// Arrange: оплата не подтверждена (наложенный платёж)
		env := newTestEnv(t)
		env.inventory.SetStock("product-1", "", 5)
		env.inventory.SetStock("product-3", "", 5)
		order := create(t, env, "ord-301")

		// Act
		_, err := env.service.UpdateOrderStatus(ctx, UpdateStatusInput{
			OrderID: order.ID, Status: repository.StatusTransferred,
		})

		// Assert
		require.NoError(t, err)
		stock, err := env.inventory.GetStock(ctx, "product-1", "")
		require.NoError(t, err)
		require.Equal(t, int32(3), stock)
	})

	t.Run("delivery without confirmed payment credits seller by realized total", func(t *testing.T) {
		// Arrange
		env := newTestEnv(t)
		env.inventory.SetStock("product-1", "", 5)
		env.inventory.SetStock("product-3", "", 5)
		order := create(t, env, "ord-302")

		_, err := env.service.UpdateOrderStatus(ctx, UpdateStatusInput{
			OrderID: order.ID, Status: repository.StatusTransferred,
		})
		require.NoError(t, err)

		realized := int64(1000)

		// Act
		_, err = env.service.UpdateOrderStatus(ctx, UpdateStatusInput{
			OrderID: order.ID, Status: repository.StatusDelivered, RealizedTotal: &realized,
		})

		// Assert: 90% от фактической суммы
		require.NoError(t, err)
		shop, err := env.shops.GetShop(ctx, "shop-1")
		require.NoError(t, err)
		require.Equal(t, int64(900), shop.AvailableBalance)
	})

	t.Run("delivery after confirmed payment does not double credit", func(t *testing.T) {
		// Arrange
		env := newTestEnv(t)
		env.inventory.SetStock("product-1", "", 5)
		env.inventory.SetStock("product-3", "", 5)
		order := create(t, env, "ord-303")
		require.NoError(t, env.service.ConfirmPayment(ctx, order.ID))

		_, err := env.service.UpdateOrderStatus(ctx, UpdateStatusInput{
			OrderID: order.ID, Status: repository.StatusTransferred,
		})
		require.NoError(t, err)

		// Act
		_, err = env.service.UpdateOrderStatus(ctx, UpdateStatusInput{
			OrderID: order.ID, Status: repository.StatusDelivered,
		})

		// Assert: баланс только от подтверждения оплаты
		require.NoError(t, err)
		shop, err := env.shops.GetShop(ctx, "shop-1")
		require.NoError(t, err)
		require.Equal(t, int64(1080), shop.AvailableBalance)
	})

	t.Run("refund restores stock but keeps seller credit", func(t *testing.T) {
		// Arrange
		env := newTestEnv(t)
		env.inventory.SetStock("product-1", "", 5)
		env.inventory.SetStock("product-3", "", 5)
		order := create(t, env, "ord-304")
		require.NoError(t, env.service.ConfirmPayment(ctx, order.ID))

		_, err := env.service.UpdateOrderStatus(ctx, UpdateStatusInput{
			OrderID: order.ID, Status: repository.StatusRefundRequested,
		})
		require.NoError(t, err)

		// Act
		_, err = env.service.UpdateOrderStatus(ctx, UpdateStatusInput{
			OrderID: order.ID, Status: repository.StatusRefundSucceeded,
		})

		// Assert
		require.NoError(t, err)

		// Остаток восстановлен, счётчик продаж откатился
		stock, err := env.inventory.GetStock(ctx, "product-1", "")
		require.NoError(t, err)
		require.Equal(t, int32(5), stock)

		sold, err := env.inventory.GetSold(ctx, "product-1", "")
		require.NoError(t, err)
		require.Equal(t, int32(0), sold)

		// Балансовый кредит продавца не реверсируется
		shop, err := env.shops.GetShop(ctx, "shop-1")
		require.NoError(t, err)
		require.Equal(t, int64(1080), shop.AvailableBalance)
	})

	t.Run("refund without applied inventory restores nothing", func(t *testing.T) {
		// Arrange: склад по заказу не списывался
		env := newTestEnv(t)
		env.inventory.SetStock("product-1", "", 5)
		env.inventory.SetStock("product-3", "", 5)
		order := create(t, env, "ord-305")

		_, err := env.service.UpdateOrderStatus(ctx, UpdateStatusInput{
			OrderID: order.ID, Status: repository.StatusRefundRequested,
		})
		require.NoError(t, err)

		// Act
		_, err = env.service.UpdateOrderStatus(ctx, UpdateStatusInput{
			OrderID: order.ID, Status: repository.StatusRefundSucceeded,
		})

		// Assert
		require.NoError(t, err)
		stock, err := env.inventory.GetStock(ctx, "product-1", "")
		require.NoError(t, err)
		require.Equal(t, int32(5), stock)
	})

	t.Run("rejects transitions out of terminal statuses", func(t *testing.T) {
		// Arrange
		env := newTestEnv(t)
		env.inventory.SetStock("product-1", "", 5)
		env.inventory.SetStock("product-3", "", 5)
		order := create(t, env, "ord-306")

		for _, status := range []repository.OrderStatus{repository.StatusTransferred, repository.StatusDelivered} {
			_, err := env.service.UpdateOrderStatus(ctx, UpdateStatusInput{OrderID: order.ID, Status: status})
			require.NoError(t, err)
		}

		// Act: из delivered переходов нет
		_, err := env.service.UpdateOrderStatus(ctx, UpdateStatusInput{
			OrderID: order.ID, Status: repository.StatusRefundRequested,
		})

		// Assert
		require.ErrorIs(t, err, ErrInvalidStateTransition)
	})

	t.Run("rejects skipping the state machine", func(t *testing.T) {
		env := newTestEnv(t)
		order := create(t, env, "ord-307")

		// processing -> delivered запрещён
		_, err := env.service.UpdateOrderStatus(ctx, UpdateStatusInput{
			OrderID: order.ID, Status: repository.StatusDelivered,
		})
		require.ErrorIs(t, err, ErrInvalidStateTransition)

		// refund_succeeded минуя refund_requested запрещён
		_, err = env.service.UpdateOrderStatus(ctx, UpdateStatusInput{
			OrderID: order.ID, Status: repository.StatusRefundSucceeded,
		})
		require.ErrorIs(t, err, ErrInvalidStateTransition)
	})

	t.Run("rejects unknown status", func(t *testing.T) {
		env := newTestEnv(t)
		order := create(t, env, "ord-308")

		_, err := env.service.UpdateOrderStatus(ctx, UpdateStatusInput{
			OrderID: order.ID, Status: repository.OrderStatus("shipped"),
		})
		require.ErrorIs(t, err, ErrInvalidStateTransition)
	})
}

func TestSellerShare_Rounding(t *testing.T) {
	env := newTestEnv(t)

	// Округление вниз, ровно один раз
	for _, tc := range []struct {
		subtotal int64
		want     int64
	}{
		{subtotal: 1000, want: 900},
		{subtotal: 999, want: 899},
		{subtotal: 1, want: 0},
		{subtotal: 0, want: 0},
	} {
		require.Equal(t, tc.want, env.service.sellerShare(tc.subtotal),
			fmt.Sprintf("subtotal=%d", tc.subtotal))
	}
}
