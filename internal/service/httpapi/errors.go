package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// errorBody описывает тело ответа с ошибкой.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// classify сопоставляет доменную ошибку HTTP-статусу и коду ответа.
func classify(err error) (int, errorDetail) {
	var (
		stockErr   *domain.InsufficientStockError
		balanceErr *domain.InsufficientBalanceError
		limitErr   *domain.RateLimitedError
	)

	switch {
	case errors.As(err, &stockErr):
		return http.StatusBadRequest, errorDetail{
			Code:    "insufficient_stock",
			Message: err.Error(),
			Details: map[string]any{
				"product_id": stockErr.ProductID,
				"requested":  stockErr.Requested,
				"available":  stockErr.Available,
			},
		}
	case errors.As(err, &balanceErr):
		return http.StatusPaymentRequired, errorDetail{
			Code:    "insufficient_balance",
			Message: err.Error(),
			Details: map[string]any{
				"required": balanceErr.Required.StringFixed(2),
				"current":  balanceErr.Current.StringFixed(2),
			},
		}
	case errors.As(err, &limitErr):
		return http.StatusTooManyRequests, errorDetail{
			Code:    "rate_limited",
			Message: err.Error(),
			Details: map[string]any{"reset_in_seconds": domain.RoundUpSeconds(limitErr.ResetIn)},
		}
	case errors.Is(err, domain.ErrInvalidReference):
		return http.StatusUnprocessableEntity, errorDetail{Code: "invalid_reference", Message: err.Error()}
	case errors.Is(err, domain.ErrBalanceChanged):
		return http.StatusConflict, errorDetail{Code: "balance_changed", Message: err.Error()}
	case errors.Is(err, domain.ErrPermissionDenied):
		return http.StatusForbidden, errorDetail{Code: "permission_denied", Message: err.Error()}
	case errors.Is(err, domain.ErrUserIDRequired):
		return http.StatusUnauthorized, errorDetail{Code: "unauthenticated", Message: err.Error()}
	case errors.Is(err, domain.ErrReservationNotFound),
		errors.Is(err, domain.ErrTransactionNotFound),
		errors.Is(err, domain.ErrGiftCardNotFound),
		errors.Is(err, domain.ErrBalanceNotFound):
		return http.StatusNotFound, errorDetail{Code: "not_found", Message: err.Error()}
	case errors.Is(err, domain.ErrTransactionNotPending),
		errors.Is(err, domain.ErrGiftCardRedeemed),
		errors.Is(err, domain.ErrGiftCardExists),
		errors.Is(err, domain.ErrDuplicateIdempotencyKey):
		return http.StatusConflict, errorDetail{Code: "conflict", Message: err.Error()}
	case errors.Is(err, domain.ErrGiftCardExpired):
		return http.StatusGone, errorDetail{Code: "gift_card_expired", Message: err.Error()}
	case errors.Is(err, domain.ErrProductIDRequired),
		errors.Is(err, domain.ErrItemsRequired),
		errors.Is(err, domain.ErrReservationQtyInvalid),
		errors.Is(err, domain.ErrAmountInvalid),
		errors.Is(err, domain.ErrAmountExceedsCap),
		errors.Is(err, domain.ErrCurrencyMismatch),
		errors.Is(err, domain.ErrTraceabilityRequired),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest, errorDetail{Code: "invalid_argument", Message: err.Error()}
	default:
		return http.StatusInternalServerError, errorDetail{Code: "internal", Message: "internal error"}
	}
}

var errBadRequest = errors.New("malformed request")

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, detail := classify(err)

	entry := h.logger.WithFields(log.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"status": status,
	})
	switch {
	case status >= http.StatusInternalServerError:
		entry.WithError(err).Error("request failed")
	case domain.IsConfigurationError(err):
		entry.WithError(err).Warn("request rejected by configuration check")
	default:
		entry.WithError(err).Debug("request rejected")
	}

	var limitErr *domain.RateLimitedError
	if errors.As(err, &limitErr) {
		w.Header().Set("Retry-After", strconv.Itoa(domain.RoundUpSeconds(limitErr.ResetIn)))
	}
	writeJSON(w, status, errorBody{Error: detail})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
