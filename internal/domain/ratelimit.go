package domain

import (
	"context"
	"time"
)

// RateLimitPolicy задаёт окно фиксированной длины и допустимое число запросов в нём.
type RateLimitPolicy struct {
	MaxRequests int
	Window      time.Duration
}

// Validate отклоняет политики, которые всегда запрещают запросы.
func (p RateLimitPolicy) Validate() error {
	if p.MaxRequests <= 0 || p.Window <= 0 {
		return ErrRateLimitMisconfigured
	}
	return nil
}

// RateLimitDecision — результат проверки лимита.
type RateLimitDecision struct {
	Allowed   bool
	Remaining int
	ResetIn   time.Duration
}

// RateLimiter считает запросы по ключу endpoint:identifier.
// Check никогда не возвращает ошибку: сбои хранилища трактуются реализацией.
type RateLimiter interface {
	Check(ctx context.Context, identifier, endpoint string, policy RateLimitPolicy) RateLimitDecision
}

// DefaultRateLimitPolicyKey — запись политик для endpoint без собственного лимита.
const DefaultRateLimitPolicyKey = "default"

// PolicyFor возвращает политику endpoint, а при её отсутствии политику по умолчанию.
func PolicyFor(policies map[string]RateLimitPolicy, endpoint string) (RateLimitPolicy, bool) {
	if policy, ok := policies[endpoint]; ok {
		return policy, true
	}
	policy, ok := policies[DefaultRateLimitPolicyKey]
	return policy, ok
}

// RateLimitKey формирует ключ счётчика.
func RateLimitKey(endpoint, identifier string) string {
	return endpoint + ":" + identifier
}
