// Package grpcsvc публикует резервирование и баланс как gRPC-сервис storefront.v1.Storefront.
// Сообщения кодируются JSON-кодеком (content-subtype "json").
package grpcsvc

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/ledger"
	"github.com/vladislavdragonenkov/storefront/internal/service/reservation"
)

const (
	ServiceName = "storefront.v1.Storefront"

	methodReserve        = "/" + ServiceName + "/Reserve"
	methodRelease        = "/" + ServiceName + "/Release"
	methodAvailableStock = "/" + ServiceName + "/AvailableStock"
	methodGetBalance     = "/" + ServiceName + "/GetBalance"
	methodCredit         = "/" + ServiceName + "/Credit"
	methodDebit          = "/" + ServiceName + "/Debit"

	userIDHeader         = "x-user-id"
	userRoleHeader       = "x-user-role"
	idempotencyKeyHeader = "idempotency-key"
)

// StorefrontAPI описывает контракт сервиса, проверяемый grpc.Server при регистрации.
type StorefrontAPI interface {
	Reserve(context.Context, *ReserveRequest) (*ReserveResponse, error)
	Release(context.Context, *ReleaseRequest) (*ReleaseResponse, error)
	AvailableStock(context.Context, *AvailableStockRequest) (*AvailableStockResponse, error)
	GetBalance(context.Context, *GetBalanceRequest) (*BalanceResponse, error)
	Credit(context.Context, *CreditRequest) (*MutationResponse, error)
	Debit(context.Context, *DebitRequest) (*MutationResponse, error)
}

// Server реализует StorefrontAPI поверх движка резервов и сервиса баланса.
type Server struct {
	reservations *reservation.Engine
	ledger       *ledger.Service
	logger       *log.Entry
}

// NewServer конструирует сервис с зависимостями.
func NewServer(reservations *reservation.Engine, balances *ledger.Service, logger *log.Entry) *Server {
	if logger == nil {
		logger = log.WithField("component", "grpc-storefront")
	}
	return &Server{
		reservations: reservations,
		ledger:       balances,
		logger:       logger,
	}
}

// Register регистрирует сервис на gRPC-сервере.
func Register(registrar grpc.ServiceRegistrar, srv StorefrontAPI) {
	registrar.RegisterService(&ServiceDesc, srv)
}

// Reserve заменяет корзину вызывающего новым набором позиций.
func (s *Server) Reserve(ctx context.Context, req *ReserveRequest) (*ReserveResponse, error) {
	actor, err := requireUser(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]domain.ReservationItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, domain.ReservationItem{ProductID: item.ProductID, Quantity: item.Quantity})
	}

	expiresAt, err := s.reservations.Reserve(ctx, actor.UserID, items)
	if err != nil {
		return nil, s.toStatus("Reserve", err)
	}
	return &ReserveResponse{ExpiresAt: expiresAt}, nil
}

// Release снимает все резервы вызывающего.
func (s *Server) Release(ctx context.Context, _ *ReleaseRequest) (*ReleaseResponse, error) {
	actor, err := requireUser(ctx)
	if err != nil {
		return nil, err
	}
	released, err := s.reservations.Release(ctx, actor.UserID)
	if err != nil {
		return nil, s.toStatus("Release", err)
	}
	return &ReleaseResponse{Released: released}, nil
}

// AvailableStock возвращает остаток за вычетом активных резервов.
func (s *Server) AvailableStock(ctx context.Context, req *AvailableStockRequest) (*AvailableStockResponse, error) {
	available, err := s.reservations.AvailableStock(ctx, req.ProductID)
	if err != nil {
		return nil, s.toStatus("AvailableStock", err)
	}
	return &AvailableStockResponse{ProductID: req.ProductID, Available: available}, nil
}

// GetBalance возвращает баланс вызывающего или, с правом balance:read_any, другого пользователя.
func (s *Server) GetBalance(ctx context.Context, req *GetBalanceRequest) (*BalanceResponse, error) {
	actor, err := requireUser(ctx)
	if err != nil {
		return nil, err
	}
	userID := actor.UserID
	if target := strings.TrimSpace(req.UserID); target != "" && target != actor.UserID {
		if err := actor.Require(domain.PermissionBalanceReadAny); err != nil {
			return nil, s.toStatus("GetBalance", err)
		}
		userID = target
	}

	balance, err := s.ledger.Balance(ctx, userID)
	if err != nil {
		return nil, s.toStatus("GetBalance", err)
	}
	return &BalanceResponse{
		UserID:         balance.UserID,
		Balance:        balance.Balance.StringFixed(2),
		Currency:       balance.Currency,
		TotalRecharges: balance.TotalRecharges.StringFixed(2),
		TotalSpent:     balance.TotalSpent.StringFixed(2),
	}, nil
}

// Credit зачисляет средства. Требует разрешения balance:credit.
func (s *Server) Credit(ctx context.Context, req *CreditRequest) (*MutationResponse, error) {
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return nil, err
	}
	result, err := s.ledger.Credit(ctx, actorFromContext(ctx), ledger.CreditRequest{
		UserID:      req.UserID,
		Amount:      amount,
		Description: req.Description,
	})
	if err != nil {
		return nil, s.toStatus("Credit", err)
	}
	return toMutationResponse(result), nil
}

// Debit списывает средства вызывающего. Ключ идемпотентности берётся из
// метаданных idempotency-key или из тела запроса.
func (s *Server) Debit(ctx context.Context, req *DebitRequest) (*MutationResponse, error) {
	actor, err := requireUser(ctx)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return nil, err
	}

	key := readMetadata(ctx, idempotencyKeyHeader)
	if key == "" {
		key = strings.TrimSpace(req.IdempotencyKey)
	}

	result, err := s.ledger.Debit(ctx, ledger.DebitRequest{
		UserID:         actor.UserID,
		Amount:         amount,
		OrderID:        req.OrderID,
		Description:    req.Description,
		IdempotencyKey: key,
	})
	if err != nil {
		return nil, s.toStatus("Debit", err)
	}
	return toMutationResponse(result), nil
}

func parseAmount(raw string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, status.Error(codes.InvalidArgument, fmt.Sprintf("amount %q is not a decimal", raw))
	}
	return amount, nil
}

func toMutationResponse(result domain.MutationResult) *MutationResponse {
	return &MutationResponse{
		NewBalance:       result.NewBalance.StringFixed(2),
		TransactionID:    result.TransactionID,
		AlreadyProcessed: result.AlreadyProcessed,
	}
}

func readMetadata(ctx context.Context, key string) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		values := md.Get(key)
		if len(values) > 0 {
			return strings.TrimSpace(values[0])
		}
	}
	return ""
}

func actorFromContext(ctx context.Context) domain.Actor {
	return domain.Actor{
		UserID: readMetadata(ctx, userIDHeader),
		Role:   domain.ParseRole(readMetadata(ctx, userRoleHeader)),
	}
}

func requireUser(ctx context.Context) (domain.Actor, error) {
	actor := actorFromContext(ctx)
	if actor.UserID == "" {
		return domain.Actor{}, status.Error(codes.Unauthenticated, domain.ErrUserIDRequired.Error())
	}
	return actor, nil
}

var _ StorefrontAPI = (*Server)(nil)
