package httpapi

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	headerUserID             = "X-User-ID"
	headerUserRole           = "X-User-Role"
	headerIdempotencyKey     = "Idempotency-Key"
	headerRateLimitRemaining = "X-RateLimit-Remaining"
)

type actorKey struct{}

// actorFromRequest читает идентичность, выставленную upstream-шлюзом.
func actorFromRequest(r *http.Request) domain.Actor {
	return domain.Actor{
		UserID: strings.TrimSpace(r.Header.Get(headerUserID)),
		Role:   domain.ParseRole(r.Header.Get(headerUserRole)),
	}
}

func withActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func actorFrom(ctx context.Context) domain.Actor {
	actor, _ := ctx.Value(actorKey{}).(domain.Actor)
	return actor
}

// route оборачивает обработчик: идентичность, rate limit и восстановление после паники.
func (h *Handler) route(endpoint string, fn func(w http.ResponseWriter, r *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.WithFields(log.Fields{
					"endpoint": endpoint,
					"panic":    rec,
				}).Error("handler panicked")
				writeJSON(w, http.StatusInternalServerError, errorBody{Error: errorDetail{Code: "internal", Message: "internal error"}})
			}
		}()

		actor := actorFromRequest(r)
		if !h.allow(w, r, endpoint, actor) {
			return
		}

		r = r.WithContext(withActor(r.Context(), actor))
		if err := fn(w, r); err != nil {
			h.writeError(w, r, err)
		}
		h.metrics.ObserveDuration("http_"+endpoint, time.Since(started))
	}
}

// allow применяет политику endpoint; при отказе отвечает 429.
func (h *Handler) allow(w http.ResponseWriter, r *http.Request, endpoint string, actor domain.Actor) bool {
	if h.limiter == nil {
		return true
	}
	policy, ok := domain.PolicyFor(h.policies, endpoint)
	if !ok {
		return true
	}

	identifier := actor.UserID
	if identifier == "" {
		identifier = clientIP(r)
	}

	decision := h.limiter.Check(r.Context(), identifier, endpoint, policy)
	w.Header().Set(headerRateLimitRemaining, strconv.Itoa(decision.Remaining))
	if decision.Allowed {
		return true
	}

	h.writeError(w, r, &domain.RateLimitedError{ResetIn: decision.ResetIn})
	return false
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
