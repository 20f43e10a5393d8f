package grpcsvc

import (
	"context"

	"google.golang.org/grpc"
)

type methodHandler = func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error)

// unary связывает декодирование запроса, цепочку interceptor-ов и метод сервиса.
func unary[Req any](fullMethod string, call func(StorefrontAPI, context.Context, *Req) (any, error)) methodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		api := srv.(StorefrontAPI)
		if interceptor == nil {
			return call(api, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(api, ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc описывает storefront.v1.Storefront без сгенерированного кода.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*StorefrontAPI)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Reserve",
			Handler: unary(methodReserve, func(api StorefrontAPI, ctx context.Context, in *ReserveRequest) (any, error) {
				return api.Reserve(ctx, in)
			}),
		},
		{
			MethodName: "Release",
			Handler: unary(methodRelease, func(api StorefrontAPI, ctx context.Context, in *ReleaseRequest) (any, error) {
				return api.Release(ctx, in)
			}),
		},
		{
			MethodName: "AvailableStock",
			Handler: unary(methodAvailableStock, func(api StorefrontAPI, ctx context.Context, in *AvailableStockRequest) (any, error) {
				return api.AvailableStock(ctx, in)
			}),
		},
		{
			MethodName: "GetBalance",
			Handler: unary(methodGetBalance, func(api StorefrontAPI, ctx context.Context, in *GetBalanceRequest) (any, error) {
				return api.GetBalance(ctx, in)
			}),
		},
		{
			MethodName: "Credit",
			Handler: unary(methodCredit, func(api StorefrontAPI, ctx context.Context, in *CreditRequest) (any, error) {
				return api.Credit(ctx, in)
			}),
		},
		{
			MethodName: "Debit",
			Handler: unary(methodDebit, func(api StorefrontAPI, ctx context.Context, in *DebitRequest) (any, error) {
				return api.Debit(ctx, in)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "storefront/v1/storefront.proto",
}
