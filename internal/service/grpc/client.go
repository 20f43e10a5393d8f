package grpcsvc

import (
	"context"

	"google.golang.org/grpc"
)

// Client вызывает storefront.v1.Storefront через JSON-кодек.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient оборачивает соединение.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Reserve(ctx context.Context, in *ReserveRequest, opts ...grpc.CallOption) (*ReserveResponse, error) {
	return invoke[ReserveResponse](ctx, c.cc, methodReserve, in, opts)
}

func (c *Client) Release(ctx context.Context, in *ReleaseRequest, opts ...grpc.CallOption) (*ReleaseResponse, error) {
	return invoke[ReleaseResponse](ctx, c.cc, methodRelease, in, opts)
}

func (c *Client) AvailableStock(ctx context.Context, in *AvailableStockRequest, opts ...grpc.CallOption) (*AvailableStockResponse, error) {
	return invoke[AvailableStockResponse](ctx, c.cc, methodAvailableStock, in, opts)
}

func (c *Client) GetBalance(ctx context.Context, in *GetBalanceRequest, opts ...grpc.CallOption) (*BalanceResponse, error) {
	return invoke[BalanceResponse](ctx, c.cc, methodGetBalance, in, opts)
}

func (c *Client) Credit(ctx context.Context, in *CreditRequest, opts ...grpc.CallOption) (*MutationResponse, error) {
	return invoke[MutationResponse](ctx, c.cc, methodCredit, in, opts)
}

func (c *Client) Debit(ctx context.Context, in *DebitRequest, opts ...grpc.CallOption) (*MutationResponse, error) {
	return invoke[MutationResponse](ctx, c.cc, methodDebit, in, opts)
}
