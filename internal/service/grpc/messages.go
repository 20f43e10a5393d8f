package grpcsvc

import "time"

// Item описывает позицию корзины.
type Item struct {
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
}

type ReserveRequest struct {
	Items []Item `json:"items"`
}

type ReserveResponse struct {
	ExpiresAt time.Time `json:"expires_at"`
}

type ReleaseRequest struct{}

type ReleaseResponse struct {
	Released int `json:"released"`
}

type AvailableStockRequest struct {
	ProductID string `json:"product_id"`
}

type AvailableStockResponse struct {
	ProductID string `json:"product_id"`
	Available int64  `json:"available"`
}

// GetBalanceRequest: пустой UserID означает баланс вызывающего.
type GetBalanceRequest struct {
	UserID string `json:"user_id,omitempty"`
}

type BalanceResponse struct {
	UserID         string `json:"user_id"`
	Balance        string `json:"balance"`
	Currency       string `json:"currency"`
	TotalRecharges string `json:"total_recharges"`
	TotalSpent     string `json:"total_spent"`
}

// Суммы передаются строками, чтобы не терять точность десятичных значений.
type CreditRequest struct {
	UserID      string `json:"user_id"`
	Amount      string `json:"amount"`
	Description string `json:"description,omitempty"`
}

type DebitRequest struct {
	Amount         string `json:"amount"`
	OrderID        string `json:"order_id,omitempty"`
	Description    string `json:"description,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type MutationResponse struct {
	NewBalance       string `json:"new_balance"`
	TransactionID    string `json:"transaction_id"`
	AlreadyProcessed bool   `json:"already_processed"`
}
