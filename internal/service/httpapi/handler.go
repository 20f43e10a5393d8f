// Package httpapi реализует JSON HTTP-интерфейс витрины поверх net/http ServeMux.
// Идентичность вызывающего берётся из заголовков X-User-ID и X-User-Role,
// которые выставляет upstream-шлюз.
package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/checkout"
	"github.com/vladislavdragonenkov/storefront/internal/service/ledger"
	"github.com/vladislavdragonenkov/storefront/internal/service/reservation"
)

const maxBodyBytes = 1 << 20

// DefaultPolicyKey указывает политику для endpoint без собственной записи.
const DefaultPolicyKey = domain.DefaultRateLimitPolicyKey

// DefaultPolicies возвращает лимиты по умолчанию для чувствительных endpoint.
func DefaultPolicies() map[string]domain.RateLimitPolicy {
	return map[string]domain.RateLimitPolicy{
		DefaultPolicyKey:  {MaxRequests: 120, Window: time.Minute},
		"reserve":         {MaxRequests: 30, Window: time.Minute},
		"debit":           {MaxRequests: 20, Window: time.Minute},
		"checkout":        {MaxRequests: 10, Window: time.Minute},
		"recharge":        {MaxRequests: 5, Window: time.Minute},
		"giftcard_redeem": {MaxRequests: 5, Window: time.Minute},
	}
}

// ValidatePolicies отклоняет набор лимитов с некорректной политикой.
// Без проверки такой endpoint отказывал бы каждому запросу.
func ValidatePolicies(policies map[string]domain.RateLimitPolicy) error {
	names := make([]string, 0, len(policies))
	for name := range policies {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := policies[name].Validate(); err != nil {
			return fmt.Errorf("rate limit policy %q: %w", name, err)
		}
	}
	return nil
}

// Services собирает прикладные сервисы, доступные через HTTP.
type Services struct {
	Reservations *reservation.Engine
	Ledger       *ledger.Service
	Checkout     *checkout.Service
	Limiter      domain.RateLimiter
}

// Option настраивает Handler.
type Option func(*Handler)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(h *Handler) { h.logger = logger }
}

// WithMetrics задаёт набор метрик.
func WithMetrics(m *metrics.Storefront) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithPolicies переопределяет лимиты по endpoint.
func WithPolicies(policies map[string]domain.RateLimitPolicy) Option {
	return func(h *Handler) { h.policies = policies }
}

// Handler маршрутизирует запросы API.
type Handler struct {
	svc      Services
	limiter  domain.RateLimiter
	policies map[string]domain.RateLimitPolicy
	logger   *log.Entry
	metrics  *metrics.Storefront
	mux      *http.ServeMux
}

// NewHandler собирает маршруты API.
func NewHandler(svc Services, options ...Option) *Handler {
	h := &Handler{
		svc:      svc,
		limiter:  svc.Limiter,
		policies: DefaultPolicies(),
		logger:   log.WithField("component", "http-api"),
		mux:      http.NewServeMux(),
	}
	for _, option := range options {
		option(h)
	}

	h.mux.HandleFunc("POST /v1/reservations", h.route("reserve", h.reserve))
	h.mux.HandleFunc("DELETE /v1/reservations", h.route("release", h.release))
	h.mux.HandleFunc("GET /v1/reservations", h.route("holdings", h.holdings))
	h.mux.HandleFunc("GET /v1/products/{id}/availability", h.route("availability", h.availability))

	h.mux.HandleFunc("GET /v1/balance", h.route("balance", h.balance))
	h.mux.HandleFunc("GET /v1/balance/transactions", h.route("transactions", h.transactions))
	h.mux.HandleFunc("POST /v1/balance/credit", h.route("credit", h.credit))
	h.mux.HandleFunc("POST /v1/balance/debit", h.route("debit", h.debit))
	h.mux.HandleFunc("POST /v1/balance/refund", h.route("refund", h.refund))

	h.mux.HandleFunc("POST /v1/recharges", h.route("recharge", h.requestRecharge))
	h.mux.HandleFunc("POST /v1/recharges/{id}/approve", h.route("recharge_approve", h.approveRecharge))
	h.mux.HandleFunc("POST /v1/recharges/{id}/cancel", h.route("recharge_cancel", h.cancelRecharge))

	h.mux.HandleFunc("POST /v1/gift-cards", h.route("giftcard_issue", h.issueGiftCard))
	h.mux.HandleFunc("POST /v1/gift-cards/redeem", h.route("giftcard_redeem", h.redeemGiftCard))

	h.mux.HandleFunc("POST /v1/checkout", h.route("checkout", h.checkout))

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type reserveItem struct {
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
}

type reserveRequest struct {
	Items []reserveItem `json:"items"`
}

type reservationView struct {
	ProductID string    `json:"product_id"`
	Quantity  int64     `json:"quantity"`
	ExpiresAt time.Time `json:"expires_at"`
}

type amountRequest struct {
	UserID         string          `json:"user_id"`
	Amount         decimal.Decimal `json:"amount"`
	OrderID        string          `json:"order_id"`
	Description    string          `json:"description"`
	Reference      string          `json:"reference"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type mutationView struct {
	NewBalance       string `json:"new_balance"`
	TransactionID    string `json:"transaction_id"`
	AlreadyProcessed bool   `json:"already_processed"`
}

type balanceView struct {
	UserID         string `json:"user_id"`
	Balance        string `json:"balance"`
	Currency       string `json:"currency"`
	TotalRecharges string `json:"total_recharges"`
	TotalSpent     string `json:"total_spent"`
}

type transactionView struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Status      string    `json:"status"`
	Amount      string    `json:"amount"`
	OrderID     string    `json:"order_id,omitempty"`
	Reference   string    `json:"reference,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type giftCardRequest struct {
	Code      string          `json:"code"`
	Amount    decimal.Decimal `json:"amount"`
	ExpiresAt *time.Time      `json:"expires_at"`
}

type giftCardView struct {
	Code      string     `json:"code"`
	Amount    string     `json:"amount"`
	Currency  string     `json:"currency"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type redeemRequest struct {
	Code string `json:"code"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type checkoutRequest struct {
	OrderID        string          `json:"order_id"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type checkoutView struct {
	OrderID          string            `json:"order_id"`
	TransactionID    string            `json:"transaction_id"`
	NewBalance       string            `json:"new_balance"`
	AlreadyProcessed bool              `json:"already_processed"`
	Items            []reservationView `json:"items,omitempty"`
}

func (h *Handler) reserve(w http.ResponseWriter, r *http.Request) error {
	actor, err := requireUser(r)
	if err != nil {
		return err
	}
	var req reserveRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}

	items := make([]domain.ReservationItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, domain.ReservationItem{ProductID: item.ProductID, Quantity: item.Quantity})
	}

	expiresAt, err := h.svc.Reservations.Reserve(r.Context(), actor.UserID, items)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, map[string]any{"expires_at": expiresAt})
	return nil
}

func (h *Handler) release(w http.ResponseWriter, r *http.Request) error {
	actor, err := requireUser(r)
	if err != nil {
		return err
	}
	released, err := h.svc.Reservations.Release(r.Context(), actor.UserID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"released": released})
	return nil
}

func (h *Handler) holdings(w http.ResponseWriter, r *http.Request) error {
	actor, err := requireUser(r)
	if err != nil {
		return err
	}
	held, err := h.svc.Reservations.Holdings(r.Context(), actor.UserID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"reservations": toReservationViews(held)})
	return nil
}

func (h *Handler) availability(w http.ResponseWriter, r *http.Request) error {
	productID := r.PathValue("id")
	available, err := h.svc.Reservations.AvailableStock(r.Context(), productID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"product_id": productID, "available": available})
	return nil
}

func (h *Handler) balance(w http.ResponseWriter, r *http.Request) error {
	userID, err := h.targetUser(r)
	if err != nil {
		return err
	}
	balance, err := h.svc.Ledger.Balance(r.Context(), userID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, balanceView{
		UserID:         balance.UserID,
		Balance:        balance.Balance.StringFixed(2),
		Currency:       balance.Currency,
		TotalRecharges: balance.TotalRecharges.StringFixed(2),
		TotalSpent:     balance.TotalSpent.StringFixed(2),
	})
	return nil
}

func (h *Handler) transactions(w http.ResponseWriter, r *http.Request) error {
	userID, err := h.targetUser(r)
	if err != nil {
		return err
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return fmt.Errorf("%w: limit must be a non-negative integer", errBadRequest)
		}
	}

	history, err := h.svc.Ledger.Transactions(r.Context(), userID, limit)
	if err != nil {
		return err
	}
	views := make([]transactionView, 0, len(history))
	for _, tx := range history {
		views = append(views, transactionView{
			ID:          tx.ID,
			Type:        string(tx.Type),
			Status:      string(tx.Status),
			Amount:      tx.Amount.StringFixed(2),
			OrderID:     tx.OrderID,
			Reference:   tx.Reference,
			Description: tx.Description,
			CreatedAt:   tx.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": views})
	return nil
}

func (h *Handler) credit(w http.ResponseWriter, r *http.Request) error {
	actor := actorFrom(r.Context())
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	result, err := h.svc.Ledger.Credit(r.Context(), actor, ledger.CreditRequest{
		UserID:      req.UserID,
		Amount:      req.Amount,
		Description: req.Description,
	})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, toMutationView(result))
	return nil
}

func (h *Handler) debit(w http.ResponseWriter, r *http.Request) error {
	actor, err := requireUser(r)
	if err != nil {
		return err
	}
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	result, err := h.svc.Ledger.Debit(r.Context(), ledger.DebitRequest{
		UserID:         actor.UserID,
		Amount:         req.Amount,
		OrderID:        req.OrderID,
		Description:    req.Description,
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, toMutationView(result))
	return nil
}

func (h *Handler) refund(w http.ResponseWriter, r *http.Request) error {
	actor := actorFrom(r.Context())
	if err := actor.Require(domain.PermissionBalanceCredit); err != nil {
		return err
	}
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	result, err := h.svc.Ledger.Refund(r.Context(), ledger.RefundRequest{
		UserID:         req.UserID,
		Amount:         req.Amount,
		OrderID:        req.OrderID,
		Description:    req.Description,
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, toMutationView(result))
	return nil
}

func (h *Handler) requestRecharge(w http.ResponseWriter, r *http.Request) error {
	actor, err := requireUser(r)
	if err != nil {
		return err
	}
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	tx, err := h.svc.Ledger.RequestRecharge(r.Context(), ledger.RechargeRequest{
		UserID:    actor.UserID,
		Amount:    req.Amount,
		Reference: req.Reference,
	})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"transaction_id": tx.ID,
		"status":         tx.Status,
		"amount":         tx.Amount.StringFixed(2),
	})
	return nil
}

func (h *Handler) approveRecharge(w http.ResponseWriter, r *http.Request) error {
	result, err := h.svc.Ledger.ApproveRecharge(r.Context(), actorFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, toMutationView(result))
	return nil
}

func (h *Handler) cancelRecharge(w http.ResponseWriter, r *http.Request) error {
	var req cancelRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		return err
	}
	if err := h.svc.Ledger.CancelRecharge(r.Context(), actorFrom(r.Context()), r.PathValue("id"), req.Reason); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"transaction_id": r.PathValue("id"), "status": domain.TransactionStatusCancelled})
	return nil
}

func (h *Handler) issueGiftCard(w http.ResponseWriter, r *http.Request) error {
	var req giftCardRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	issue := ledger.GiftCardRequest{Code: req.Code, Amount: req.Amount}
	if req.ExpiresAt != nil {
		issue.ExpiresAt = req.ExpiresAt.UTC()
	}

	card, err := h.svc.Ledger.IssueGiftCard(r.Context(), actorFrom(r.Context()), issue)
	if err != nil {
		return err
	}
	view := giftCardView{Code: card.Code, Amount: card.Amount.StringFixed(2), Currency: card.Currency}
	if !card.ExpiresAt.IsZero() {
		view.ExpiresAt = &card.ExpiresAt
	}
	writeJSON(w, http.StatusCreated, view)
	return nil
}

func (h *Handler) redeemGiftCard(w http.ResponseWriter, r *http.Request) error {
	actor, err := requireUser(r)
	if err != nil {
		return err
	}
	var req redeemRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	result, err := h.svc.Ledger.RedeemGiftCard(r.Context(), actor.UserID, req.Code)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, toMutationView(result))
	return nil
}

func (h *Handler) checkout(w http.ResponseWriter, r *http.Request) error {
	actor, err := requireUser(r)
	if err != nil {
		return err
	}
	var req checkoutRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	receipt, err := h.svc.Checkout.Confirm(r.Context(), checkout.ConfirmRequest{
		UserID:         actor.UserID,
		OrderID:        req.OrderID,
		Amount:         req.Amount,
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, checkoutView{
		OrderID:          receipt.OrderID,
		TransactionID:    receipt.TransactionID,
		NewBalance:       receipt.NewBalance.StringFixed(2),
		AlreadyProcessed: receipt.AlreadyProcessed,
		Items:            toReservationViews(receipt.Items),
	})
	return nil
}

// targetUser позволяет support/admin читать чужой баланс через ?user_id=.
func (h *Handler) targetUser(r *http.Request) (string, error) {
	actor, err := requireUser(r)
	if err != nil {
		return "", err
	}
	target := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if target == "" || target == actor.UserID {
		return actor.UserID, nil
	}
	if err := actor.Require(domain.PermissionBalanceReadAny); err != nil {
		return "", err
	}
	return target, nil
}

func requireUser(r *http.Request) (domain.Actor, error) {
	actor := actorFrom(r.Context())
	if actor.UserID == "" {
		return domain.Actor{}, domain.ErrUserIDRequired
	}
	return actor, nil
}

func idempotencyKey(r *http.Request, fromBody string) string {
	if key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey)); key != "" {
		return key
	}
	return strings.TrimSpace(fromBody)
}

func decodeJSON(r *http.Request, dst any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func decodeOptionalJSON(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return decodeJSON(r, dst)
}

func toMutationView(result domain.MutationResult) mutationView {
	return mutationView{
		NewBalance:       result.NewBalance.StringFixed(2),
		TransactionID:    result.TransactionID,
		AlreadyProcessed: result.AlreadyProcessed,
	}
}

func toReservationViews(rows []domain.StockReservation) []reservationView {
	views := make([]reservationView, 0, len(rows))
	for _, row := range rows {
		views = append(views, reservationView{
			ProductID: row.ProductID,
			Quantity:  row.Quantity,
			ExpiresAt: row.ExpiresAt,
		})
	}
	return views
}
