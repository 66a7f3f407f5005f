package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/shestoi/fulfillment/internal/repository"
)

// AttemptExpiryWorker переводит зависшие pending попытки оплаты в failed.
// Callback по ним уже не придёт, а без expiry они навсегда остаются
// кандидатами fallback-сопоставления по (phone, amount)
type AttemptExpiryWorker struct {
	logger   *zap.Logger
	payments repository.PaymentRepository
	ttl      time.Duration
	interval time.Duration
}

// NewAttemptExpiryWorker создаёт новый expiry worker
func NewAttemptExpiryWorker(
	logger *zap.Logger,
	payments repository.PaymentRepository,
	ttl time.Duration, //ttl - сколько попытка остаётся pending до признания протухшей
	interval time.Duration, //interval - интервал между проходами
) *AttemptExpiryWorker {
	return &AttemptExpiryWorker{
		logger:   logger,
		payments: payments,
		ttl:      ttl,
		interval: interval,
	}
}

// Start запускает worker в фоновом режиме до отмены контекста
func (w *AttemptExpiryWorker) Start(ctx context.Context) error {
	w.logger.Info("starting payment attempt expiry worker",
		zap.Duration("ttl", w.ttl),
		zap.Duration("interval", w.interval),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("expiry worker context cancelled, stopping")
			return nil
		case <-ticker.C:
			if err := w.expireOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				w.logger.Error("failed to expire pending attempts", zap.Error(err))
			}
		}
	}
}

// expireOnce выполняет один проход: всё pending старше ttl помечается failed
func (w *AttemptExpiryWorker) expireOnce(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-w.ttl)

	expired, err := w.payments.ExpirePending(ctx, cutoff)
	if err != nil {
		return err
	}

	if expired > 0 {
		w.logger.Info("expired stale payment attempts",
			zap.Int64("count", expired),
			zap.Time("cutoff", cutoff),
		)
	}
	return nil
}
