package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shestoi/fulfillment/internal/repository"
)

// Repository реализует OrderRepository и OutboxRepository используя PostgreSQL
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository создаёт новый PostgreSQL репозиторий заказов
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{
		pool: pool,
	}
}

// Create сохраняет заказ в транзакции: orders + order_lines атомарно.
// Идемпотентен по (order_number, shop_id): ON CONFLICT DO NOTHING,
// при конфликте возвращается уже существующий заказ
func (r *Repository) Create(ctx context.Context, order repository.Order) (repository.Order, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return repository.Order{}, err
	}
	// Гарантируем откат транзакции в случае ошибки
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO orders (id, order_number, shop_id,
		    buyer_id, buyer_name, buyer_phone,
		    addr_country, addr_city, addr_street, addr_zip,
		    total_price, shipping_price, discount,
		    payment_provider_ref, payment_status, payment_method,
		    status, inventory_applied, balance_credited, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		         $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		 ON CONFLICT (order_number, shop_id) DO NOTHING`,
		order.ID, order.OrderNumber, order.ShopID,
		order.Buyer.ID, order.Buyer.Name, order.Buyer.Phone,
		order.Shipping.Country, order.Shipping.City, order.Shipping.Street, order.Shipping.Zip,
		order.TotalPrice, order.ShippingPrice, order.Discount,
		order.Payment.ProviderRef, order.Payment.Status, order.Payment.Method,
		order.Status, order.InventoryApplied, order.BalanceCredited, order.CreatedAt)
	if err != nil {
		return repository.Order{}, err
	}

	if tag.RowsAffected() == 0 {
		// Заказ с этой парой (order_number, shop_id) уже существует -
		// возвращаем его, ничего не создавая повторно
		existingID, err := r.orderIDByNumberShop(ctx, tx, order.OrderNumber, order.ShopID)
		if err != nil {
			return repository.Order{}, err
		}
		if err = tx.Commit(ctx); err != nil {
			return repository.Order{}, err
		}
		return r.GetByID(ctx, existingID)
	}

	for _, line := range order.Lines {
		_, err = tx.Exec(ctx,
			`INSERT INTO order_lines (order_id, product_id, quantity, unit_price, size)
			 VALUES ($1, $2, $3, $4, $5)`,
			order.ID, line.ProductID, line.Quantity, line.UnitPrice, line.Size)
		if err != nil {
			return repository.Order{}, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return repository.Order{}, err
	}

	return order, nil
}

func (r *Repository) orderIDByNumberShop(ctx context.Context, tx pgx.Tx, orderNumber, shopID string) (string, error) {
	var id string
	err := tx.QueryRow(ctx,
		`SELECT id FROM orders WHERE order_number = $1 AND shop_id = $2`,
		orderNumber, shopID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", repository.ErrNotFound
		}
		return "", err
	}
	return id, nil
}

// GetByID получает заказ по ID вместе с позициями
func (r *Repository) GetByID(ctx context.Context, id string) (repository.Order, error) {
	var order repository.Order
	err := r.pool.QueryRow(ctx,
		`SELECT id, order_number, shop_id,
		    buyer_id, buyer_name, buyer_phone,
		    addr_country, addr_city, addr_street, addr_zip,
		    total_price, shipping_price, discount,
		    payment_provider_ref, payment_status, payment_method,
		    status, inventory_applied, balance_credited, created_at, delivered_at
		 FROM orders WHERE id = $1`,
		id).Scan(
		&order.ID, &order.OrderNumber, &order.ShopID,
		&order.Buyer.ID, &order.Buyer.Name, &order.Buyer.Phone,
		&order.Shipping.Country, &order.Shipping.City, &order.Shipping.Street, &order.Shipping.Zip,
		&order.TotalPrice, &order.ShippingPrice, &order.Discount,
		&order.Payment.ProviderRef, &order.Payment.Status, &order.Payment.Method,
		&order.Status, &order.InventoryApplied, &order.BalanceCredited, &order.CreatedAt, &order.DeliveredAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Order{}, repository.ErrNotFound
		}
		return repository.Order{}, err
	}

	lines, err := r.orderLines(ctx, order.ID)
	if err != nil {
		return repository.Order{}, err
	}
	order.Lines = lines

	return order, nil
}

// GetByOrderNumber возвращает все заказы одной отправки корзины
func (r *Repository) GetByOrderNumber(ctx context.Context, orderNumber string) ([]repository.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM orders WHERE order_number = $1 ORDER BY created_at, shop_id`,
		orderNumber)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	orders := make([]repository.Order, 0, len(ids))
	for _, id := range ids {
		order, err := r.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, nil
}

func (r *Repository) orderLines(ctx context.Context, orderID string) ([]repository.CartLine, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT product_id, quantity, unit_price, size
		 FROM order_lines WHERE order_id = $1 ORDER BY product_id, size`,
		orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]repository.CartLine, 0)
	for rows.Next() {
		var line repository.CartLine
		if err := rows.Scan(&line.ProductID, &line.Quantity, &line.UnitPrice, &line.Size); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// MarkPaymentSucceeded атомарно переводит payment_status pending -> succeeded
// Условный UPDATE: из двух конкурентных подтверждений ровно одно увидит
// RowsAffected == 1
func (r *Repository) MarkPaymentSucceeded(ctx context.Context, orderID string) (bool, error) {
	return r.casPaymentStatus(ctx, orderID, repository.PaymentSucceeded)
}

// MarkPaymentFailed атомарно переводит payment_status pending -> failed
func (r *Repository) MarkPaymentFailed(ctx context.Context, orderID string) (bool, error) {
	return r.casPaymentStatus(ctx, orderID, repository.PaymentFailed)
}

func (r *Repository) casPaymentStatus(ctx context.Context, orderID string, to repository.PaymentStatus) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE orders SET payment_status = $1
		 WHERE id = $2 AND payment_status = $3`,
		to, orderID, repository.PaymentPending)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// TransitionStatus атомарно переводит статус заказа from -> to
func (r *Repository) TransitionStatus(ctx context.Context, orderID string, from, to repository.OrderStatus, deliveredAt *time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE orders SET status = $1, delivered_at = COALESCE($2, delivered_at)
		 WHERE id = $3 AND status = $4`,
		to, deliveredAt, orderID, from)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkInventoryApplied атомарно выставляет флаг inventory_applied
func (r *Repository) MarkInventoryApplied(ctx context.Context, orderID string) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE orders SET inventory_applied = TRUE
		 WHERE id = $1 AND inventory_applied = FALSE`,
		orderID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkBalanceCredited атомарно выставляет флаг balance_credited
func (r *Repository) MarkBalanceCredited(ctx context.Context, orderID string) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE orders SET balance_credited = TRUE
		 WHERE id = $1 AND balance_credited = FALSE`,
		orderID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// AppendOutboxEvent сохраняет событие со статусом pending
func (r *Repository) AppendOutboxEvent(ctx context.Context, event repository.OutboxEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO outbox (event_id, topic, aggregate_id, payload, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		event.EventID, event.Topic, event.AggregateID, event.Payload, repository.OutboxPending, event.CreatedAt)
	return err
}

// GetPendingOutboxEvents возвращает до limit pending событий в порядке создания
func (r *Repository) GetPendingOutboxEvents(ctx context.Context, limit int) ([]repository.OutboxEvent, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT event_id, topic, aggregate_id, payload, status, created_at
		 FROM outbox WHERE status = $1 ORDER BY created_at LIMIT $2`,
		repository.OutboxPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]repository.OutboxEvent, 0)
	for rows.Next() {
		var event repository.OutboxEvent
		if err := rows.Scan(&event.EventID, &event.Topic, &event.AggregateID, &event.Payload, &event.Status, &event.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// MarkOutboxEventSent отмечает событие как опубликованное
func (r *Repository) MarkOutboxEventSent(ctx context.Context, eventID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE outbox SET status = $1, sent_at = now() WHERE event_id = $2`,
		repository.OutboxSent, eventID)
	return err
}

// MarkOutboxEventFailed отмечает событие как неопубликованное с текстом ошибки
func (r *Repository) MarkOutboxEventFailed(ctx context.Context, eventID, errMsg string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE outbox SET status = $1, last_error = $2 WHERE event_id = $3`,
		repository.OutboxFailed, errMsg, eventID)
	return err
}

// ResetOutboxEventPending сбрасывает событие обратно в pending для retry
func (r *Repository) ResetOutboxEventPending(ctx context.Context, eventID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE outbox SET status = $1 WHERE event_id = $2`,
		repository.OutboxPending, eventID)
	return err
}
