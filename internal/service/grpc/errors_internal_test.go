package grpcsvc

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

func TestStatusFromError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{name: "stock", err: &domain.InsufficientStockError{ProductID: "p1", Requested: 2}, want: codes.FailedPrecondition},
		{name: "balance", err: &domain.InsufficientBalanceError{Required: decimal.NewFromInt(5), Current: decimal.Zero}, want: codes.FailedPrecondition},
		{name: "changed", err: fmt.Errorf("debit: %w", domain.ErrBalanceChanged), want: codes.Aborted},
		{name: "rate limited", err: &domain.RateLimitedError{}, want: codes.ResourceExhausted},
		{name: "invalid reference", err: domain.ErrInvalidReference, want: codes.NotFound},
		{name: "permission", err: domain.ErrPermissionDenied, want: codes.PermissionDenied},
		{name: "validation", err: domain.ErrAmountExceedsCap, want: codes.InvalidArgument},
		{name: "status passthrough", err: status.Error(codes.Unauthenticated, "who"), want: codes.Unauthenticated},
		{name: "internal", err: errors.New("connection reset"), want: codes.Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, statusFromError(tt.err).Code())
		})
	}
}

func TestStatusFromError_HidesInternalDetails(t *testing.T) {
	st := statusFromError(errors.New("pq: password authentication failed"))
	require.Equal(t, "internal error", st.Message())
}

func TestEndpointName(t *testing.T) {
	require.Equal(t, "reserve", endpointName(methodReserve))
	require.Equal(t, "available_stock", endpointName(methodAvailableStock))
	require.Equal(t, "get_balance", endpointName(methodGetBalance))
}

func TestJSONCodec(t *testing.T) {
	codec := jsonCodec{}
	require.Equal(t, CodecName, codec.Name())

	data, err := codec.Marshal(&DebitRequest{Amount: "1.50", OrderID: "o-1"})
	require.NoError(t, err)
	require.JSONEq(t, `{"amount":"1.50","order_id":"o-1"}`, string(data))

	var decoded DebitRequest
	require.NoError(t, codec.Unmarshal(data, &decoded))
	require.Equal(t, "o-1", decoded.OrderID)
}
