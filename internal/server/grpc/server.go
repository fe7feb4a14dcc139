// Package grpcserver exposes the wallet over gRPC.
package grpcserver

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/and161185/nutkeeper/internal/api"
	"github.com/and161185/nutkeeper/internal/convert"
	"github.com/and161185/nutkeeper/internal/errs"
	"github.com/and161185/nutkeeper/internal/service"
)

// Server wires the wallet service into gRPC handlers.
type Server struct {
	wallet  service.WalletService
	signKey []byte
	subject string
}

var _ api.WalletServer = (*Server)(nil)

// New constructs the handlers. Tokens must be HS256 signed with signKey; a non-empty
// subject also pins the token subject.
func New(wallet service.WalletService, signKey []byte, subject string) *Server {
	return &Server{wallet: wallet, signKey: signKey, subject: subject}
}

// IssueToken signs an access token for subject valid for ttl.
func IssueToken(signKey []byte, subject string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signKey)
}

// --- Balance / mints ---

// GetBalance returns the total and per-mint balances, or one mint's balance.
func (s *Server) GetBalance(_ context.Context, req *api.GetBalanceRequest) (*api.GetBalanceResponse, error) {
	if req.Mint != "" {
		return &api.GetBalanceResponse{Balance: s.wallet.GetBalance(req.Mint)}, nil
	}
	return s.balances(), nil
}

// AddMint trusts a mint.
func (s *Server) AddMint(ctx context.Context, req *api.MintRequest) (*api.Empty, error) {
	if err := s.wallet.AddMint(ctx, req.Mint); err != nil {
		return nil, toStatus("add mint", err)
	}
	return &api.Empty{}, nil
}

// RemoveMint stops trusting an empty mint.
func (s *Server) RemoveMint(ctx context.Context, req *api.MintRequest) (*api.Empty, error) {
	if req.Mint == "" {
		return nil, status.Error(codes.InvalidArgument, "empty mint")
	}
	if err := s.wallet.RemoveMint(ctx, req.Mint); err != nil {
		return nil, toStatus("remove mint", err)
	}
	return &api.Empty{}, nil
}

// --- Deposits / payments ---

// CreateDepositQuote returns an invoice to fund the wallet.
func (s *Server) CreateDepositQuote(ctx context.Context, req *api.CreateDepositQuoteRequest) (*api.Quote, error) {
	if req.Mint == "" || req.Amount == 0 {
		return nil, status.Error(codes.InvalidArgument, "mint and positive amount required")
	}
	q, err := s.wallet.CreateDepositQuote(ctx, req.Mint, req.Amount)
	if err != nil {
		return nil, toStatus("create deposit quote", err)
	}
	return convert.ToAPIQuote(q), nil
}

// CompleteDeposit claims a paid deposit quote.
func (s *Server) CompleteDeposit(ctx context.Context, req *api.CompleteDepositRequest) (*api.AmountResponse, error) {
	if req.QuoteID == "" {
		return nil, status.Error(codes.InvalidArgument, "empty quote id")
	}
	n, err := s.wallet.CompleteDeposit(ctx, req.QuoteID)
	if err != nil {
		return nil, toStatus("complete deposit", err)
	}
	return &api.AmountResponse{Amount: n}, nil
}

// PayInvoice pays a Lightning invoice.
func (s *Server) PayInvoice(ctx context.Context, req *api.PayInvoiceRequest) (*api.PaymentResponse, error) {
	if req.Mint == "" || req.Invoice == "" {
		return nil, status.Error(codes.InvalidArgument, "mint and invoice required")
	}
	p, err := s.wallet.PayInvoice(ctx, req.Mint, req.Invoice)
	if err != nil {
		return nil, toStatus("pay invoice", err)
	}
	return convert.ToAPIPayment(p), nil
}

// --- Tokens / nutzaps ---

// SendAmount returns an encoded token worth the amount.
func (s *Server) SendAmount(ctx context.Context, req *api.SendAmountRequest) (*api.TokenResponse, error) {
	if req.Mint == "" || req.Amount == 0 {
		return nil, status.Error(codes.InvalidArgument, "mint and positive amount required")
	}
	tok, err := s.wallet.SendAmount(ctx, req.Mint, req.Amount, req.Memo)
	if err != nil {
		return nil, toStatus("send", err)
	}
	return &api.TokenResponse{Token: tok}, nil
}

// ReceiveToken redeems an encoded token.
func (s *Server) ReceiveToken(ctx context.Context, req *api.ReceiveTokenRequest) (*api.AmountResponse, error) {
	if req.Token == "" {
		return nil, status.Error(codes.InvalidArgument, "empty token")
	}
	n, err := s.wallet.ReceiveToken(ctx, req.Token)
	if err != nil {
		return nil, toStatus("receive", err)
	}
	return &api.AmountResponse{Amount: n}, nil
}

// SendNutzap push-pays a recipient.
func (s *Server) SendNutzap(ctx context.Context, req *api.SendNutzapRequest) (*api.SendNutzapResponse, error) {
	if req.Recipient == "" || req.Amount == 0 {
		return nil, status.Error(codes.InvalidArgument, "recipient and positive amount required")
	}
	res, err := s.wallet.SendNutzap(ctx, req.Recipient, req.Amount, req.Note)
	if err != nil {
		return nil, toStatus("send nutzap", err)
	}
	return convert.ToAPISendNutzap(res), nil
}

// ProcessNutzaps runs one inbound nutzap pass.
func (s *Server) ProcessNutzaps(ctx context.Context, _ *api.Empty) (*api.ProcessNutzapsResponse, error) {
	outs, err := s.wallet.ProcessNutzaps(ctx)
	if err != nil && len(outs) == 0 {
		return nil, toStatus("process nutzaps", err)
	}
	return convert.ToAPIOutcomes(outs), nil
}

// --- History / maintenance ---

// GetHistory lists history entries, newest first.
func (s *Server) GetHistory(ctx context.Context, req *api.GetHistoryRequest) (*api.GetHistoryResponse, error) {
	if req.Limit < 0 {
		return nil, status.Error(codes.InvalidArgument, "negative limit")
	}
	es, err := s.wallet.GetHistory(ctx)
	if err != nil {
		return nil, toStatus("history", err)
	}
	return convert.ToAPIHistory(es, req.Limit), nil
}

// Reconcile rebuilds the ledger and returns the resulting balances.
func (s *Server) Reconcile(ctx context.Context, _ *api.Empty) (*api.GetBalanceResponse, error) {
	if err := s.wallet.Reconcile(ctx); err != nil {
		return nil, toStatus("reconcile", err)
	}
	return s.balances(), nil
}

func (s *Server) balances() *api.GetBalanceResponse {
	return convert.ToAPIBalance(s.wallet.GetBalance(""), s.wallet.Mints(), s.wallet.GetBalance)
}

// toStatus maps wallet errors onto gRPC codes. Order matters: wrappers such as
// funds-not-saved and outcome-unknown carry their cause.
func toStatus(op string, err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, errs.ErrFundsNotSaved),
		errors.Is(err, errs.ErrOutcomeUnknown),
		errors.Is(err, errs.ErrNetwork):
		code = codes.Unavailable
	case errors.Is(err, errs.ErrValidation),
		errors.Is(err, errs.ErrInvalidAmount),
		errors.Is(err, errs.ErrInvalidToken):
		code = codes.InvalidArgument
	case errors.Is(err, errs.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, errs.ErrAlreadyRedeemed),
		errors.Is(err, errs.ErrAlreadyExists):
		code = codes.AlreadyExists
	case errors.Is(err, errs.ErrMintRejected),
		errors.Is(err, errs.ErrVersionConflict):
		code = codes.Aborted
	case errors.Is(err, errs.ErrInsufficientFunds),
		errors.Is(err, errs.ErrNonZeroBalance),
		errors.Is(err, errs.ErrUntrustedMint),
		errors.Is(err, errs.ErrNoCommonMint),
		errors.Is(err, errs.ErrNotPaidYet),
		errors.Is(err, errs.ErrQuoteExpired),
		errors.Is(err, errs.ErrInvalidLock),
		errors.Is(err, errs.ErrNoLockKey):
		code = codes.FailedPrecondition
	case errors.Is(err, errs.ErrRateLimited):
		code = codes.ResourceExhausted
	case errors.Is(err, errs.ErrUnauthorized):
		code = codes.Unauthenticated
	}
	return status.Errorf(code, "%s: %v", op, err)
}

// subjectFromCtx extracts "authorization: Bearer <JWT>", verifies HS256 and returns sub.
func (s *Server) subjectFromCtx(ctx context.Context) (string, error) {
	tok, err := bearerTokenFromMD(ctx)
	if err != nil {
		return "", err
	}

	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(tok, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return s.signKey, nil
	})
	if err != nil || !parsed.Valid {
		return "", errors.New("invalid token")
	}

	v := jwt.NewValidator(jwt.WithLeeway(30 * time.Second))
	if err := v.Validate(&claims); err != nil {
		return "", errors.New("token expired or not valid yet")
	}

	if claims.Subject == "" || (s.subject != "" && claims.Subject != s.subject) {
		return "", errors.New("bad subject")
	}
	return claims.Subject, nil
}

func bearerTokenFromMD(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errors.New("no metadata")
	}
	for _, v := range md.Get("authorization") {
		v = strings.TrimSpace(v)
		if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
			t := strings.TrimSpace(v[7:])
			if t != "" {
				return t, nil
			}
		}
	}
	return "", errors.New("no bearer token")
}
