package grpcsvc

import (
	"context"
	"path"
	"strconv"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const rateLimitRemainingHeader = "x-ratelimit-remaining"

// RateLimitInterceptor применяет те же политики, что и HTTP-интерфейс.
// Endpoint переводит имя метода в snake_case (Reserve -> reserve, AvailableStock -> available_stock).
func RateLimitInterceptor(limiter domain.RateLimiter, policies map[string]domain.RateLimitPolicy) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if limiter == nil || !strings.HasPrefix(info.FullMethod, "/"+ServiceName+"/") {
			return handler(ctx, req)
		}

		endpoint := endpointName(info.FullMethod)
		policy, ok := domain.PolicyFor(policies, endpoint)
		if !ok {
			return handler(ctx, req)
		}

		identifier := readMetadata(ctx, userIDHeader)
		if identifier == "" {
			identifier = peerAddress(ctx)
		}

		decision := limiter.Check(ctx, identifier, endpoint, policy)
		_ = grpc.SetHeader(ctx, metadata.Pairs(rateLimitRemainingHeader, strconv.Itoa(decision.Remaining)))
		if !decision.Allowed {
			return nil, statusFromError(&domain.RateLimitedError{ResetIn: decision.ResetIn}).Err()
		}
		return handler(ctx, req)
	}
}

func endpointName(fullMethod string) string {
	name := path.Base(fullMethod)
	var b strings.Builder
	for i, r := range name {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

func peerAddress(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return "unknown"
}
