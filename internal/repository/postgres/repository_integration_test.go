//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	_ "github.com/jackc/pgx/v5/stdlib" //для goose миграций

	"github.com/shestoi/fulfillment/internal/repository"
)

func TestRepository_Integration(t *testing.T) {
	ctx := context.Background()

	// Поднимаем PostgreSQL контейнер через testcontainers
	postgresContainer, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		postgres.WithDatabase("fulfillment"),
		postgres.WithUsername("fulfillment_user"),
		postgres.WithPassword("fulfillment_password"),
	)
	require.NoError(t, err)
	defer func() {
		err := postgresContainer.Terminate(ctx)
		require.NoError(t, err)
	}()

	// Получаем DSN из контейнера
	dsn, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	// Открываем *sql.DB через pgx stdlib для goose миграций
	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	defer db.Close()

	// Ждём готовности БД через ping с retry
	var pingErr error
	for i := 0; i < 10; i++ {
		pingErr = db.PingContext(ctx)
		if pingErr == nil {
			break
		}
		time.Sleep(1 * time.Second)
	}
	require.NoError(t, pingErr, "Failed to ping database after retries")

	// Вычисляем путь к migrations относительно текущего файла
	_, filename, _, ok := runtime.Caller(0)
	require.True(t, ok, "Failed to get current file path")

	// Текущий файл: internal/repository/postgres/repository_integration_test.go
	// Нужно получить: migrations в корне модуля
	testDir := filepath.Dir(filename)
	repoDir := filepath.Dir(testDir)     // internal/repository
	internalDir := filepath.Dir(repoDir) // internal
	moduleDir := filepath.Dir(internalDir)
	migrationsDir := filepath.Join(moduleDir, "migrations")

	// Накатываем миграции через goose
	err = goose.UpContext(ctx, db, migrationsDir)
	require.NoError(t, err, "Failed to run migrations")

	// Создаём pgxpool для репозиториев
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	repo := NewRepository(pool)
	payments := NewPaymentRepository(pool)
	shops := NewShopRepository(pool)

	deliveryAddr := repository.Address{
		Country: "Kenya",
		City:    "Nairobi",
		Street:  "Moi Avenue 12",
		Zip:     "00100",
	}

	newOrder := func(id, orderNumber, shopID string) repository.Order {
		return repository.Order{
			ID:          id,
			OrderNumber: orderNumber,
			ShopID:      shopID,
			Lines: []repository.CartLine{
				{ShopID: shopID, ProductID: "product-1", Quantity: 2, UnitPrice: 500},
				{ShopID: shopID, ProductID: "product-2", Quantity: 1, UnitPrice: 300, Size: "M"},
			},
			Buyer:         repository.Buyer{ID: "buyer-1", Name: "Test Buyer", Phone: "254712345678"},
			Shipping:      deliveryAddr,
			TotalPrice:    1300,
			ShippingPrice: 150,
			Payment:       repository.PaymentInfo{Status: repository.PaymentPending, Method: "mpesa"},
			Status:        repository.StatusProcessing,
			CreatedAt:     time.Now().UTC(),
		}
	}

	t.Run("Create and GetByID", func(t *testing.T) {
		order := newOrder("order-1", "ord-100", "shop-1")

		created, err := repo.Create(ctx, order)
		require.NoError(t, err)
		require.Equal(t, "order-1", created.ID)

		got, err := repo.GetByID(ctx, "order-1")
		require.NoError(t, err)
		require.Equal(t, order.OrderNumber, got.OrderNumber)
		require.Equal(t, order.ShopID, got.ShopID)
		require.Equal(t, order.TotalPrice, got.TotalPrice)
		require.Equal(t, repository.PaymentPending, got.Payment.Status)
		require.Equal(t, repository.StatusProcessing, got.Status)
		require.Equal(t, order.Buyer.Phone, got.Buyer.Phone)
		require.Equal(t, order.Shipping.City, got.Shipping.City)

		require.Len(t, got.Lines, 2)
		require.Equal(t, "product-1", got.Lines[0].ProductID)
		require.Equal(t, int32(2), got.Lines[0].Quantity)
		require.Equal(t, "M", got.Lines[1].Size)
	})

	t.Run("Create is idempotent by order number and shop", func(t *testing.T) {
		first, err := repo.Create(ctx, newOrder("order-2", "ord-101", "shop-1"))
		require.NoError(t, err)

		// Повторная отправка той же корзины с новым ID
		second, err := repo.Create(ctx, newOrder("order-2-retry", "ord-101", "shop-1"))
		require.NoError(t, err)
		require.Equal(t, first.ID, second.ID)

		orders, err := repo.GetByOrderNumber(ctx, "ord-101")
		require.NoError(t, err)
		require.Len(t, orders, 1)
	})

	t.Run("GetByID_NotFound", func(t *testing.T) {
		_, err := repo.GetByID(ctx, "missing")
		require.Error(t, err)
		require.True(t, errors.Is(err, repository.ErrNotFound), "Expected ErrNotFound, got: %v", err)
	})

	t.Run("MarkPaymentSucceeded is one-shot", func(t *testing.T) {
		_, err := repo.Create(ctx, newOrder("order-3", "ord-102", "shop-1"))
		require.NoError(t, err)

		ok, err := repo.MarkPaymentSucceeded(ctx, "order-3")
		require.NoError(t, err)
		require.True(t, ok)

		// Второй переход из pending невозможен
		ok, err = repo.MarkPaymentSucceeded(ctx, "order-3")
		require.NoError(t, err)
		require.False(t, ok)

		ok, err = repo.MarkPaymentFailed(ctx, "order-3")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("TransitionStatus CAS", func(t *testing.T) {
		_, err := repo.Create(ctx, newOrder("order-4", "ord-103", "shop-1"))
		require.NoError(t, err)

		ok, err := repo.TransitionStatus(ctx, "order-4", repository.StatusProcessing, repository.StatusTransferred, nil)
		require.NoError(t, err)
		require.True(t, ok)

		// Повтор с тем же from проигрывает CAS
		ok, err = repo.TransitionStatus(ctx, "order-4", repository.StatusProcessing, repository.StatusTransferred, nil)
		require.NoError(t, err)
		require.False(t, ok)

		deliveredAt := time.Now().UTC()
		ok, err = repo.TransitionStatus(ctx, "order-4", repository.StatusTransferred, repository.StatusDelivered, &deliveredAt)
		require.NoError(t, err)
		require.True(t, ok)

		got, err := repo.GetByID(ctx, "order-4")
		require.NoError(t, err)
		require.Equal(t, repository.StatusDelivered, got.Status)
		require.NotNil(t, got.DeliveredAt)
	})

	t.Run("Effect gates are one-shot", func(t *testing.T) {
		_, err := repo.Create(ctx, newOrder("order-5", "ord-104", "shop-1"))
		require.NoError(t, err)

		ok, err := repo.MarkInventoryApplied(ctx, "order-5")
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = repo.MarkInventoryApplied(ctx, "order-5")
		require.NoError(t, err)
		require.False(t, ok)

		ok, err = repo.MarkBalanceCredited(ctx, "order-5")
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = repo.MarkBalanceCredited(ctx, "order-5")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("PaymentAttempt lifecycle", func(t *testing.T) {
		attempt := repository.PaymentAttempt{
			ID:          "attempt-1",
			OrderNumber: "ord-100",
			Phone:       "254712345678",
			Amount:      1450,
			Outcome:     repository.AttemptPending,
			CreatedAt:   time.Now().UTC(),
		}
		require.NoError(t, payments.CreateAttempt(ctx, attempt))
		require.NoError(t, payments.SetCorrelationID(ctx, "attempt-1", "ws_CO_int_1"))

		got, err := payments.GetAttemptByCorrelationID(ctx, "ws_CO_int_1")
		require.NoError(t, err)
		require.Equal(t, "attempt-1", got.ID)
		require.Equal(t, repository.AttemptPending, got.Outcome)

		// Fallback-поиск по (phone, amount)
		found, err := payments.FindPendingAttempt(ctx, "254712345678", 1450, time.Now().UTC().Add(-15*time.Minute))
		require.NoError(t, err)
		require.Equal(t, "attempt-1", found.ID)

		ok, err := payments.ResolveAttempt(ctx, "attempt-1", repository.AttemptMatched)
		require.NoError(t, err)
		require.True(t, ok)

		// Разрешённая попытка не разрешается повторно
		ok, err = payments.ResolveAttempt(ctx, "attempt-1", repository.AttemptFailed)
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("ExpirePending", func(t *testing.T) {
		stale := repository.PaymentAttempt{
			ID:        "attempt-stale",
			Phone:     "254700000000",
			Amount:    100,
			Outcome:   repository.AttemptPending,
			CreatedAt: time.Now().UTC().Add(-2 * time.Hour),
		}
		require.NoError(t, payments.CreateAttempt(ctx, stale))

		expired, err := payments.ExpirePending(ctx, time.Now().UTC().Add(-time.Hour))
		require.NoError(t, err)
		require.Equal(t, int64(1), expired)

		failed, err := payments.ListByOutcome(ctx, repository.AttemptFailed)
		require.NoError(t, err)
		require.Len(t, failed, 1)
		require.Equal(t, "attempt-stale", failed[0].ID)
	})

	t.Run("SaveTransaction rejects duplicates", func(t *testing.T) {
		record := repository.TransactionRecord{
			ProviderRef:   "NLJ7RT61SV",
			CorrelationID: "ws_CO_int_1",
			PhoneMasked:   "2547****5678",
			Amount:        1450,
			CreatedAt:     time.Now().UTC(),
		}
		require.NoError(t, payments.SaveTransaction(ctx, record))

		// Тот же provider_ref
		err := payments.SaveTransaction(ctx, record)
		require.True(t, errors.Is(err, repository.ErrDuplicateTransaction), "Expected ErrDuplicateTransaction, got: %v", err)

		// Другой provider_ref, но тот же correlation_id
		record.ProviderRef = "NLJ7RT61SW"
		err = payments.SaveTransaction(ctx, record)
		require.True(t, errors.Is(err, repository.ErrDuplicateTransaction), "Expected ErrDuplicateTransaction, got: %v", err)
	})

	t.Run("Shop balance credit", func(t *testing.T) {
		_, err := pool.Exec(ctx, "INSERT INTO shops (id, name, available_balance) VALUES ($1, $2, $3)",
			"shop-1", "Test Shop", int64(0))
		require.NoError(t, err)

		require.NoError(t, shops.CreditBalance(ctx, "shop-1", 1080))
		require.NoError(t, shops.CreditBalance(ctx, "shop-1", 270))

		shop, err := shops.GetShop(ctx, "shop-1")
		require.NoError(t, err)
		require.Equal(t, int64(1350), shop.AvailableBalance)

		_, err = shops.GetShop(ctx, "missing-shop")
		require.True(t, errors.Is(err, repository.ErrShopNotFound), "Expected ErrShopNotFound, got: %v", err)
	})

	t.Run("Outbox lifecycle", func(t *testing.T) {
		event := repository.OutboxEvent{
			EventID:     "event-1",
			Topic:       "fulfillment.payment.confirmed",
			AggregateID: "order-1",
			Payload:     []byte(`{"order_id":"order-1"}`),
			CreatedAt:   time.Now().UTC(),
		}
		require.NoError(t, repo.AppendOutboxEvent(ctx, event))

		pending, err := repo.GetPendingOutboxEvents(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		require.Equal(t, "event-1", pending[0].EventID)

		require.NoError(t, repo.MarkOutboxEventSent(ctx, "event-1"))

		pending, err = repo.GetPendingOutboxEvents(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 0)
	})
}
