package grpcsvc

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/protoadapt"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// toStatus переводит доменную ошибку в gRPC-статус. Внутренние ошибки логируются здесь
// и уходят клиенту без подробностей.
func (s *Server) toStatus(operation string, err error) error {
	st := statusFromError(err)
	if st.Code() == codes.Internal {
		s.logger.WithError(err).WithField("operation", operation).Error("grpc call failed")
	}
	return st.Err()
}

func statusFromError(err error) *status.Status {
	if st, ok := status.FromError(err); ok {
		return st
	}

	var (
		stockErr   *domain.InsufficientStockError
		balanceErr *domain.InsufficientBalanceError
		limitErr   *domain.RateLimitedError
	)

	switch {
	case errors.As(err, &stockErr):
		return withDetails(status.New(codes.FailedPrecondition, err.Error()), &errdetails.PreconditionFailure{
			Violations: []*errdetails.PreconditionFailure_Violation{{
				Type:        "STOCK",
				Subject:     stockErr.ProductID,
				Description: fmt.Sprintf("requested %d, available %d", stockErr.Requested, stockErr.Available),
			}},
		})
	case errors.As(err, &balanceErr):
		return withDetails(status.New(codes.FailedPrecondition, err.Error()), &errdetails.PreconditionFailure{
			Violations: []*errdetails.PreconditionFailure_Violation{{
				Type:        "BALANCE",
				Description: fmt.Sprintf("required %s, current %s", balanceErr.Required.StringFixed(2), balanceErr.Current.StringFixed(2)),
			}},
		})
	case errors.As(err, &limitErr):
		return withDetails(status.New(codes.ResourceExhausted, err.Error()), &errdetails.RetryInfo{
			RetryDelay: durationpb.New(limitErr.ResetIn),
		})
	case errors.Is(err, domain.ErrBalanceChanged):
		return status.New(codes.Aborted, err.Error())
	case errors.Is(err, domain.ErrPermissionDenied):
		return status.New(codes.PermissionDenied, err.Error())
	case errors.Is(err, domain.ErrUserIDRequired):
		return status.New(codes.Unauthenticated, err.Error())
	case errors.Is(err, domain.ErrInvalidReference),
		errors.Is(err, domain.ErrReservationNotFound),
		errors.Is(err, domain.ErrBalanceNotFound):
		return status.New(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrProductIDRequired),
		errors.Is(err, domain.ErrItemsRequired),
		errors.Is(err, domain.ErrReservationQtyInvalid),
		errors.Is(err, domain.ErrAmountInvalid),
		errors.Is(err, domain.ErrAmountExceedsCap),
		errors.Is(err, domain.ErrTraceabilityRequired),
		errors.Is(err, domain.ErrCurrencyMismatch):
		return status.New(codes.InvalidArgument, err.Error())
	default:
		return status.New(codes.Internal, "internal error")
	}
}

func withDetails(st *status.Status, detail protoadapt.MessageV1) *status.Status {
	enriched, err := st.WithDetails(detail)
	if err != nil {
		log.WithError(err).Debug("failed to attach grpc status details")
		return st
	}
	return enriched
}
