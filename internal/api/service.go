package api

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "nutkeeper.v1.Wallet"

// WalletServer is implemented by the daemon.
type WalletServer interface {
	GetBalance(context.Context, *GetBalanceRequest) (*GetBalanceResponse, error)
	AddMint(context.Context, *MintRequest) (*Empty, error)
	RemoveMint(context.Context, *MintRequest) (*Empty, error)
	CreateDepositQuote(context.Context, *CreateDepositQuoteRequest) (*Quote, error)
	CompleteDeposit(context.Context, *CompleteDepositRequest) (*AmountResponse, error)
	SendAmount(context.Context, *SendAmountRequest) (*TokenResponse, error)
	ReceiveToken(context.Context, *ReceiveTokenRequest) (*AmountResponse, error)
	PayInvoice(context.Context, *PayInvoiceRequest) (*PaymentResponse, error)
	SendNutzap(context.Context, *SendNutzapRequest) (*SendNutzapResponse, error)
	ProcessNutzaps(context.Context, *Empty) (*ProcessNutzapsResponse, error)
	GetHistory(context.Context, *GetHistoryRequest) (*GetHistoryResponse, error)
	Reconcile(context.Context, *Empty) (*GetBalanceResponse, error)
}

// ServiceDesc describes the wallet service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*WalletServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetBalance", WalletServer.GetBalance),
		unary("AddMint", WalletServer.AddMint),
		unary("RemoveMint", WalletServer.RemoveMint),
		unary("CreateDepositQuote", WalletServer.CreateDepositQuote),
		unary("CompleteDeposit", WalletServer.CompleteDeposit),
		unary("SendAmount", WalletServer.SendAmount),
		unary("ReceiveToken", WalletServer.ReceiveToken),
		unary("PayInvoice", WalletServer.PayInvoice),
		unary("SendNutzap", WalletServer.SendNutzap),
		unary("ProcessNutzaps", WalletServer.ProcessNutzaps),
		unary("GetHistory", WalletServer.GetHistory),
		unary("Reconcile", WalletServer.Reconcile),
	},
	Metadata: "nutkeeper/v1/wallet",
}

// RegisterWalletServer registers srv on s.
func RegisterWalletServer(s grpc.ServiceRegistrar, srv WalletServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// FullMethod returns the gRPC method path of name.
func FullMethod(name string) string { return "/" + ServiceName + "/" + name }

func unary[Req, Resp any](name string, call func(WalletServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, ic grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if ic == nil {
				return call(srv.(WalletServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return ic(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(WalletServer), ctx, req.(*Req))
			})
		},
	}
}
