package model

// OrderStatus описывает статус заказа.
type OrderStatus string

const (
	OrderStatusInitiated        OrderStatus = "INITIATED"
	OrderStatusPaymentPending   OrderStatus = "PAYMENT_PENDING"
	OrderStatusPaymentConfirmed OrderStatus = "PAYMENT_CONFIRMED"
	OrderStatusProcessing       OrderStatus = "PROCESSING"
	OrderStatusSuccess          OrderStatus = "SUCCESS"
	OrderStatusFailed           OrderStatus = "FAILED"
	OrderStatusRefundPending    OrderStatus = "REFUND_PENDING"
)

// Переход FAILED -> PROCESSING допускается только при повторном исполнении оплаченного заказа.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusInitiated:        {OrderStatusPaymentPending, OrderStatusFailed},
	OrderStatusPaymentPending:   {OrderStatusPaymentConfirmed, OrderStatusFailed},
	OrderStatusPaymentConfirmed: {OrderStatusProcessing, OrderStatusRefundPending},
	OrderStatusProcessing:       {OrderStatusSuccess, OrderStatusFailed, OrderStatusRefundPending},
	OrderStatusFailed:           {OrderStatusProcessing},
}

// CanTransitionTo сообщает, разрешён ли переход заказа в статус next.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// AwaitingPayment сообщает, ожидает ли заказ подтверждения оплаты.
func (s OrderStatus) AwaitingPayment() bool {
	return s == OrderStatusInitiated || s == OrderStatusPaymentPending
}

// IsTerminal сообщает, является ли статус конечным.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusSuccess || s == OrderStatusFailed
}

// Valid сообщает, входит ли статус в закрытый набор статусов заказа.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusInitiated, OrderStatusPaymentPending, OrderStatusPaymentConfirmed,
		OrderStatusProcessing, OrderStatusSuccess, OrderStatusFailed, OrderStatusRefundPending:
		return true
	}
	return false
}
