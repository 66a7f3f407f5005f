package service

import "context"

//go:generate go run github.com/vektra/mockery/v2@v2.53.5 --name=GatewayClient --dir=. --output=./mocks --outpkg=mocks

// GatewayClient определяет интерфейс исходящего клиента платёжного шлюза
// Использует доменные типы - service не знает о протоколе провайдера
type GatewayClient interface {
	// InitiateCharge запрашивает списание и возвращает correlation id,
	// по которому позже сопоставляется асинхронный callback.
	// Возвращает mpesa.ErrGatewayUnavailable или mpesa.ErrInvalidPhone
	InitiateCharge(ctx context.Context, phone string, amount int64, orderNumber string) (string, error)
}

//go:generate go run github.com/vektra/mockery/v2@v2.53.5 --name=PaymentConfirmer --dir=. --output=./mocks --outpkg=mocks

// PaymentConfirmer определяет путь подтверждения оплаты заказа.
// Reconciler зависит от этого интерфейса, а не от конкретного координатора
type PaymentConfirmer interface {
	// ConfirmPayment применяет эффекты подтверждённой оплаты ровно один раз.
	// Повторный вызов для того же orderID - no-op
	ConfirmPayment(ctx context.Context, orderID string) error
}
