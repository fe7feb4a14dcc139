package api

import (
	"context"

	"google.golang.org/grpc"
)

// Client is a typed wallet API client.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps cc.
func NewClient(cc grpc.ClientConnInterface) *Client { return &Client{cc: cc} }

func invoke[Resp any](ctx context.Context, c *Client, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, FullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetBalance(ctx context.Context, in *GetBalanceRequest, opts ...grpc.CallOption) (*GetBalanceResponse, error) {
	return invoke[GetBalanceResponse](ctx, c, "GetBalance", in, opts)
}

func (c *Client) AddMint(ctx context.Context, in *MintRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c, "AddMint", in, opts)
}

func (c *Client) RemoveMint(ctx context.Context, in *MintRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c, "RemoveMint", in, opts)
}

func (c *Client) CreateDepositQuote(ctx context.Context, in *CreateDepositQuoteRequest, opts ...grpc.CallOption) (*Quote, error) {
	return invoke[Quote](ctx, c, "CreateDepositQuote", in, opts)
}

func (c *Client) CompleteDeposit(ctx context.Context, in *CompleteDepositRequest, opts ...grpc.CallOption) (*AmountResponse, error) {
	return invoke[AmountResponse](ctx, c, "CompleteDeposit", in, opts)
}

func (c *Client) SendAmount(ctx context.Context, in *SendAmountRequest, opts ...grpc.CallOption) (*TokenResponse, error) {
	return invoke[TokenResponse](ctx, c, "SendAmount", in, opts)
}

func (c *Client) ReceiveToken(ctx context.Context, in *ReceiveTokenRequest, opts ...grpc.CallOption) (*AmountResponse, error) {
	return invoke[AmountResponse](ctx, c, "ReceiveToken", in, opts)
}

func (c *Client) PayInvoice(ctx context.Context, in *PayInvoiceRequest, opts ...grpc.CallOption) (*PaymentResponse, error) {
	return invoke[PaymentResponse](ctx, c, "PayInvoice", in, opts)
}

func (c *Client) SendNutzap(ctx context.Context, in *SendNutzapRequest, opts ...grpc.CallOption) (*SendNutzapResponse, error) {
	return invoke[SendNutzapResponse](ctx, c, "SendNutzap", in, opts)
}

func (c *Client) ProcessNutzaps(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*ProcessNutzapsResponse, error) {
	return invoke[ProcessNutzapsResponse](ctx, c, "ProcessNutzaps", in, opts)
}

func (c *Client) GetHistory(ctx context.Context, in *GetHistoryRequest, opts ...grpc.CallOption) (*GetHistoryResponse, error) {
	return invoke[GetHistoryResponse](ctx, c, "GetHistory", in, opts)
}

func (c *Client) Reconcile(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*GetBalanceResponse, error) {
	return invoke[GetBalanceResponse](ctx, c, "Reconcile", in, opts)
}
