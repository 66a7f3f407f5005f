package service

import (
	"errors"

	"github.com/shestoi/fulfillment/internal/repository"
)

// ErrInvalidStateTransition возвращается при попытке недопустимого перехода
// статусной машины заказа (в том числе из терминального статуса)
var ErrInvalidStateTransition = errors.New("invalid order status transition")

// allowedTransitions описывает статусную машину заказа:
// processing -> transferred_to_delivery -> delivered
// с боковой ветвью -> refund_requested -> refund_succeeded.
// delivered и refund_succeeded - терминальные, из них переходов нет
var allowedTransitions = map[repository.OrderStatus][]repository.OrderStatus{
	repository.StatusProcessing: {
		repository.StatusTransferred,
		repository.StatusRefundRequested,
	},
	repository.StatusTransferred: {
		repository.StatusDelivered,
		repository.StatusRefundRequested,
	},
	repository.StatusRefundRequested: {
		repository.StatusRefundSucceeded,
	},
}

// canTransition проверяет, допустим ли переход from -> to
func canTransition(from, to repository.OrderStatus) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// isKnownStatus проверяет, что статус входит в перечень статусной машины
func isKnownStatus(status repository.OrderStatus) bool {
	switch status {
	case repository.StatusProcessing,
		repository.StatusTransferred,
		repository.StatusDelivered,
		repository.StatusRefundRequested,
		repository.StatusRefundSucceeded:
		return true
	}
	return false
}
