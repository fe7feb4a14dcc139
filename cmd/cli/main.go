// Command nk is a CLI client for the nutkeeper wallet daemon.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/and161185/nutkeeper/internal/api"
)

// ---- config/token store ----

type tokenFile struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "nutkeeper")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "nutkeeper")
}

func tokenPath() string { return filepath.Join(cfgDir(), "token.json") }

func saveToken(tok string, exp time.Time) error {
	if err := os.MkdirAll(cfgDir(), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(tokenPath(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(tokenFile{AccessToken: tok, ExpiresAt: exp})
}

func loadToken() (string, error) {
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return "", err
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return "", err
	}
	if tf.AccessToken == "" || time.Now().After(tf.ExpiresAt) {
		return "", errors.New("no valid token (run: nk login <token>)")
	}
	return tf.AccessToken, nil
}

// tokenExpiry reads exp from an unverified JWT; the daemon verifies it.
func tokenExpiry(tok string) (time.Time, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tok, &claims); err != nil {
		return time.Time{}, fmt.Errorf("bad token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Now().Add(15 * time.Minute), nil
	}
	return claims.ExpiresAt.Time, nil
}

// ---- grpc dial ----

type bearerCreds struct {
	token  string
	secure bool
}

func (b bearerCreds) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.token}, nil
}
func (b bearerCreds) RequireTransportSecurity() bool { return b.secure }

type conn struct {
	Addr      string
	CACert    string
	Insecure  bool
	Plaintext bool
	Timeout   time.Duration
}

func (c conn) transport() (credentials.TransportCredentials, error) {
	switch {
	case c.Plaintext:
		return insecure.NewCredentials(), nil
	case c.Insecure:
		return credentials.NewTLS(&tls.Config{InsecureSkipVerify: true}), nil
	case c.CACert == "":
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(c.CACert)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}

func (c conn) dial(bearer string) (*grpc.ClientConn, *api.Client, error) {
	creds, err := c.transport()
	if err != nil {
		return nil, nil, err
	}
	opts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	if bearer != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(bearerCreds{token: bearer, secure: !c.Plaintext}))
	}
	cc, err := grpc.NewClient(c.Addr, opts...)
	if err != nil {
		return nil, nil, err
	}
	return cc, api.NewClient(cc), nil
}

// run dials with the saved token and calls f with a bounded context.
func (c *conn) run(f func(ctx context.Context, cl *api.Client) (any, error)) error {
	token, err := loadToken()
	if err != nil {
		return err
	}
	cc, cl, err := c.dial(token)
	if err != nil {
		return err
	}
	defer cc.Close()
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()
	out, err := f(ctx, cl)
	if err != nil {
		return rpcError(err)
	}
	printJSON(out)
	return nil
}

// ---- utils ----

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func rpcError(err error) error {
	if st, ok := status.FromError(err); ok {
		return fmt.Errorf("%s: %s", st.Code(), st.Message())
	}
	return err
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

func newRootCommand() *cobra.Command {
	c := &conn{}
	root := &cobra.Command{
		Use:           "nk",
		Short:         "nutkeeper wallet client",
		SilenceUsage:  true,
		SilenceErrors: true,
		Example: `  # store a token printed by walletd -issue-token
  nk login eyJhbGciOi...

  # fund the wallet and spend from it
  nk deposit https://mint.example.com 1000
  nk claim <quote-id>
  nk send https://mint.example.com 21 --memo coffee`,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&c.Addr, "addr", "localhost:8443", "daemon address")
	pf.StringVar(&c.CACert, "cacert", "", "CA cert (PEM)")
	pf.BoolVar(&c.Insecure, "insecure", false, "skip cert verify (dev)")
	pf.BoolVar(&c.Plaintext, "plaintext", false, "connect without TLS (dev)")
	pf.DurationVar(&c.Timeout, "timeout", 60*time.Second, "per-command timeout")

	root.AddCommand(
		versionCmd(),
		loginCmd(),
		balanceCmd(c),
		mintCmd(c),
		depositCmd(c),
		claimCmd(c),
		sendCmd(c),
		receiveCmd(c),
		payCmd(c),
		zapCmd(c),
		inboxCmd(c),
		historyCmd(c),
		reconcileCmd(c),
	)
	return root
}

// main runs the root command.
func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
