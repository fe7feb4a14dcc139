// Package config loads walletd configuration from an optional file, NUTKEEPER_*
// environment variables and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/and161185/nutkeeper/internal/errs"
)

// Config is the daemon configuration.
type Config struct {
	Server   Server   `mapstructure:"server"`
	Store    Store    `mapstructure:"store"`
	Identity Identity `mapstructure:"identity"`
	State    State    `mapstructure:"state"`
	Mint     Mint     `mapstructure:"mint"`
	Nutzap   Nutzap   `mapstructure:"nutzap"`
	Metrics  Metrics  `mapstructure:"metrics"`
	Log      Log      `mapstructure:"log"`
}

// Server configures the gRPC API.
type Server struct {
	Addr      string        `mapstructure:"addr"`
	JWTKey    string        `mapstructure:"jwt_key"`
	AccessTTL time.Duration `mapstructure:"access_ttl"`
	TLSCert   string        `mapstructure:"tls_cert"`
	TLSKey    string        `mapstructure:"tls_key"`
	// RPS limits calls per client; 0 disables the limit.
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// Store selects the record store.
type Store struct {
	Driver string `mapstructure:"driver"` // memory | postgres
	DSN    string `mapstructure:"dsn"`
}

// Identity locates the wallet key file.
type Identity struct {
	KeyFile    string `mapstructure:"key_file"`
	Passphrase string `mapstructure:"passphrase"`
}

// State locates the local recovery database.
type State struct {
	Path string `mapstructure:"path"`
}

// Mint configures mint clients.
type Mint struct {
	Timeout time.Duration `mapstructure:"timeout"`
	RPS     float64       `mapstructure:"rps"`
	Burst   int           `mapstructure:"burst"`
	// Mints are trusted on first start, in addition to the stored wallet config.
	Mints []string `mapstructure:"mints"`
}

// Nutzap configures the inbound transfer listener.
type Nutzap struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Listen       bool          `mapstructure:"listen"`
}

// Metrics configures the prometheus endpoint; an empty Addr disables it.
type Metrics struct {
	Addr string `mapstructure:"addr"`
}

// Log configures the logger.
type Log struct {
	Development bool `mapstructure:"development"`
}

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

var defaults = map[string]any{
	"server.addr":          ":8443",
	"server.jwt_key":       "",
	"server.access_ttl":    15 * time.Minute,
	"server.tls_cert":      "",
	"server.tls_key":       "",
	"server.rps":           20.0,
	"server.burst":         40,
	"store.driver":         DriverMemory,
	"store.dsn":            "",
	"identity.key_file":    "nutkeeper.key",
	"identity.passphrase":  "",
	"state.path":           "nutkeeper.db",
	"mint.timeout":         30 * time.Second,
	"mint.rps":             5.0,
	"mint.burst":           10,
	"mint.mints":           []string{},
	"nutzap.poll_interval": 30 * time.Second,
	"nutzap.listen":        true,
	"metrics.addr":         "",
	"log.development":      false,
}

// Load reads configuration. path may be empty, in which case only the environment
// and defaults apply.
func Load(path string) (Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix("NUTKEEPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return c, nil
}

// Validate reports every missing or inconsistent value.
func (c Config) Validate() error {
	var problems []error
	bad := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf("%w: "+format, append([]any{errs.ErrValidation}, args...)...))
	}
	if c.Server.Addr == "" {
		bad("server.addr is required")
	}
	if c.Server.JWTKey == "" {
		bad("server.jwt_key is required")
	}
	if c.Server.AccessTTL <= 0 {
		bad("server.access_ttl must be positive")
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		bad("server.tls_cert and server.tls_key go together")
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.DSN == "" {
			bad("store.dsn is required for the postgres driver")
		}
	default:
		bad("unknown store.driver %q", c.Store.Driver)
	}
	if c.Identity.KeyFile == "" {
		bad("identity.key_file is required")
	}
	if c.Identity.Passphrase == "" {
		bad("identity.passphrase is required")
	}
	if c.State.Path == "" {
		bad("state.path is required")
	}
	if c.Mint.Timeout <= 0 {
		bad("mint.timeout must be positive")
	}
	if c.Mint.RPS < 0 || c.Server.RPS < 0 {
		bad("rps must not be negative")
	}
	if c.Nutzap.PollInterval <= 0 {
		bad("nutzap.poll_interval must be positive")
	}
	return errors.Join(problems...)
}
