package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shestoi/fulfillment/internal/repository"
)

// uniqueViolation - код ошибки PostgreSQL для нарушения unique constraint
const uniqueViolation = "23505"

// PaymentRepository реализует repository.PaymentRepository используя PostgreSQL
type PaymentRepository struct {
	pool *pgxpool.Pool
}

// NewPaymentRepository создаёт новый PostgreSQL репозиторий платежей
func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{
		pool: pool,
	}
}

// CreateAttempt сохраняет новую попытку оплаты
func (r *PaymentRepository) CreateAttempt(ctx context.Context, attempt repository.PaymentAttempt) error {
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO payment_attempts (id, correlation_id, order_number, phone, amount, outcome, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		attempt.ID, attempt.CorrelationID, attempt.OrderNumber, attempt.Phone,
		attempt.Amount, attempt.Outcome, attempt.CreatedAt)
	return err
}

// SetCorrelationID привязывает correlation id шлюза к попытке
func (r *PaymentRepository) SetCorrelationID(ctx context.Context, attemptID, correlationID string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE payment_attempts SET correlation_id = $1 WHERE id = $2`,
		correlationID, attemptID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetAttemptByCorrelationID возвращает попытку по correlation id
func (r *PaymentRepository) GetAttemptByCorrelationID(ctx context.Context, correlationID string) (repository.PaymentAttempt, error) {
	return r.scanAttempt(r.pool.QueryRow(ctx,
		`SELECT id, correlation_id, order_number, phone, amount, outcome, created_at, resolved_at
		 FROM payment_attempts WHERE correlation_id = $1`,
		correlationID))
}

// FindPendingAttempt ищет pending попытку по (phone, amount) не старше since.
// Берём самую свежую: при ретраях клиента актуальна последняя попытка
func (r *PaymentRepository) FindPendingAttempt(ctx context.Context, phone string, amount int64, since time.Time) (repository.PaymentAttempt, error) {
	return r.scanAttempt(r.pool.QueryRow(ctx,
		`SELECT id, correlation_id, order_number, phone, amount, outcome, created_at, resolved_at
		 FROM payment_attempts
		 WHERE outcome = $1 AND phone = $2 AND amount = $3 AND created_at >= $4
		 ORDER BY created_at DESC LIMIT 1`,
		repository.AttemptPending, phone, amount, since))
}

func (r *PaymentRepository) scanAttempt(row pgx.Row) (repository.PaymentAttempt, error) {
	var attempt repository.PaymentAttempt
	err := row.Scan(&attempt.ID, &attempt.CorrelationID, &attempt.OrderNumber,
		&attempt.Phone, &attempt.Amount, &attempt.Outcome, &attempt.CreatedAt, &attempt.ResolvedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.PaymentAttempt{}, repository.ErrNotFound
		}
		return repository.PaymentAttempt{}, err
	}
	return attempt, nil
}

// ResolveAttempt атомарно переводит исход попытки pending -> outcome
// Условный UPDATE гарантирует, что в matched перейдёт ровно одна попытка
func (r *PaymentRepository) ResolveAttempt(ctx context.Context, attemptID string, outcome repository.AttemptOutcome) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE payment_attempts SET outcome = $1, resolved_at = now()
		 WHERE id = $2 AND outcome = $3`,
		outcome, attemptID, repository.AttemptPending)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ExpirePending переводит в failed все pending попытки старше olderThan
func (r *PaymentRepository) ExpirePending(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE payment_attempts SET outcome = $1, resolved_at = now()
		 WHERE outcome = $2 AND created_at < $3`,
		repository.AttemptFailed, repository.AttemptPending, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// RecordUnmatched сохраняет несопоставленный callback с исходом unmatched
func (r *PaymentRepository) RecordUnmatched(ctx context.Context, attempt repository.PaymentAttempt) error {
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO payment_attempts (id, correlation_id, order_number, phone, amount, outcome, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		attempt.ID, attempt.CorrelationID, attempt.OrderNumber, attempt.Phone,
		attempt.Amount, repository.AttemptUnmatched, attempt.CreatedAt)
	return err
}

// ListByOutcome возвращает попытки с указанным исходом
func (r *PaymentRepository) ListByOutcome(ctx context.Context, outcome repository.AttemptOutcome) ([]repository.PaymentAttempt, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, correlation_id, order_number, phone, amount, outcome, created_at, resolved_at
		 FROM payment_attempts WHERE outcome = $1 ORDER BY created_at`,
		outcome)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	attempts := make([]repository.PaymentAttempt, 0)
	for rows.Next() {
		var attempt repository.PaymentAttempt
		if err := rows.Scan(&attempt.ID, &attempt.CorrelationID, &attempt.OrderNumber,
			&attempt.Phone, &attempt.Amount, &attempt.Outcome, &attempt.CreatedAt, &attempt.ResolvedAt); err != nil {
			return nil, err
		}
		attempts = append(attempts, attempt)
	}
	return attempts, rows.Err()
}

// SaveTransaction сохраняет платёжную транзакцию.
// Unique constraint на provider_ref и correlation_id - дубликат
// реального платёжного события не сохранится, вернётся ErrDuplicateTransaction
func (r *PaymentRepository) SaveTransaction(ctx context.Context, record repository.TransactionRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO transactions (provider_ref, correlation_id, phone_masked, amount, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		record.ProviderRef, record.CorrelationID, record.PhoneMasked, record.Amount, record.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return repository.ErrDuplicateTransaction
		}
		return err
	}
	return nil
}
