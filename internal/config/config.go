// Package config resolves the server settings from flags, environment
// variables, an optional YAML file and a .env file.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/jmcleod/nodedash/session"
	"github.com/jmcleod/nodedash/storage"
)

// Keys double as environment variable names once upper-cased.
const (
	KeyRPCHost            = "rpc_host"
	KeyRPCPort            = "rpc_port"
	KeyRPCUser            = "rpc_user"
	KeyRPCPass            = "rpc_pass"
	KeyRPCCookie          = "rpc_cookie"
	KeyListenHost         = "listen_host"
	KeyListenPort         = "listen_port"
	KeyTLSCert            = "tls_cert"
	KeyTLSKey             = "tls_key"
	KeyTLSSelfSigned      = "tls_self_signed"
	KeyBlocksLimitMax     = "blocks_list_limit_max"
	KeyMempoolLimitMax    = "mempool_sample_limit_max"
	KeyUserDB             = "user_db"
	KeyDatabaseURL        = "database_url"
	KeySessionDB          = "session_db"
	KeySessionSecret      = "session_secret"
	KeyIdleTimeout        = "idle_timeout_minutes"
	KeyRescanOnImport     = "rescan_on_import"
	KeyTrustedProxies     = "trusted_proxies"
	KeyAuditWebhookURL    = "audit_webhook_url"
	KeyAuditWebhookHeader = "audit_webhook_header"
	KeyAccessLog          = "access_log"
	KeyTOTPIssuer         = "totp_issuer"
)

// RPC locates and authenticates against the node.
type RPC struct {
	Host       string `yaml:"host" json:"host"`
	Port       int    `yaml:"port" json:"port"`
	User       string `yaml:"user" json:"user"`
	Pass       string `yaml:"-" json:"-"`
	CookiePath string `yaml:"cookie_path" json:"cookie_path"`
}

// TLS configures HTTPS. Without a certificate pair and without SelfSigned
// the server speaks plain HTTP.
type TLS struct {
	Cert       string `yaml:"cert" json:"cert"`
	Key        string `yaml:"key" json:"key"`
	SelfSigned bool   `yaml:"self_signed" json:"self_signed"`
}

// Config is the resolved server configuration.
type Config struct {
	RPC        RPC    `yaml:"rpc" json:"rpc"`
	ListenHost string `yaml:"listen_host" json:"listen_host"`
	ListenPort int    `yaml:"listen_port" json:"listen_port"`
	TLS        TLS    `yaml:"tls" json:"tls"`

	BlocksLimitMax  int `yaml:"blocks_list_limit_max" json:"blocks_list_limit_max"`
	MempoolLimitMax int `yaml:"mempool_sample_limit_max" json:"mempool_sample_limit_max"`

	UserDB      string `yaml:"user_db" json:"user_db"`
	DatabaseURL string `yaml:"-" json:"-"`

	SessionDB          string `yaml:"session_db" json:"session_db"`
	SessionSecret      string `yaml:"-" json:"-"`
	IdleTimeoutMinutes int    `yaml:"idle_timeout_minutes" json:"idle_timeout_minutes"`
	TOTPIssuer         string `yaml:"totp_issuer" json:"totp_issuer"`

	RescanOnImport bool           `yaml:"rescan_on_import" json:"rescan_on_import"`
	TrustedProxies []netip.Prefix `yaml:"trusted_proxies" json:"trusted_proxies"`

	AuditWebhookURL    string `yaml:"audit_webhook_url" json:"audit_webhook_url"`
	AuditWebhookHeader string `yaml:"-" json:"-"`
	AccessLog          bool   `yaml:"access_log" json:"access_log"`
}

// SetDefaults registers the default for every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyRPCHost, "bitcoinii")
	v.SetDefault(KeyRPCPort, 8337)
	v.SetDefault(KeyRPCUser, "bc2")
	v.SetDefault(KeyListenHost, "0.0.0.0")
	v.SetDefault(KeyListenPort, 3000)
	v.SetDefault(KeyBlocksLimitMax, 50)
	v.SetDefault(KeyMempoolLimitMax, 200)
	v.SetDefault(KeyUserDB, "./data/users.db")
	v.SetDefault(KeyIdleTimeout, storage.DefaultIdleTimeoutMinutes)
	v.SetDefault(KeyTOTPIssuer, session.DefaultTOTPIssuer)
	v.SetDefault(KeyAccessLog, true)
}

// Load reads every key from v and validates the result. All problems are
// reported together.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		RPC: RPC{
			Host:       v.GetString(KeyRPCHost),
			Port:       v.GetInt(KeyRPCPort),
			User:       v.GetString(KeyRPCUser),
			Pass:       v.GetString(KeyRPCPass),
			CookiePath: v.GetString(KeyRPCCookie),
		},
		ListenHost: v.GetString(KeyListenHost),
		ListenPort: v.GetInt(KeyListenPort),
		TLS: TLS{
			Cert:       v.GetString(KeyTLSCert),
			Key:        v.GetString(KeyTLSKey),
			SelfSigned: v.GetBool(KeyTLSSelfSigned),
		},
		BlocksLimitMax:     v.GetInt(KeyBlocksLimitMax),
		MempoolLimitMax:    v.GetInt(KeyMempoolLimitMax),
		UserDB:             v.GetString(KeyUserDB),
		DatabaseURL:        v.GetString(KeyDatabaseURL),
		SessionDB:          v.GetString(KeySessionDB),
		SessionSecret:      v.GetString(KeySessionSecret),
		IdleTimeoutMinutes: v.GetInt(KeyIdleTimeout),
		TOTPIssuer:         v.GetString(KeyTOTPIssuer),
		RescanOnImport:     v.GetBool(KeyRescanOnImport),
		AuditWebhookURL:    v.GetString(KeyAuditWebhookURL),
		AuditWebhookHeader: v.GetString(KeyAuditWebhookHeader),
		AccessLog:          v.GetBool(KeyAccessLog),
	}

	var errs []error
	proxies, err := ParseTrustedProxies(v.GetStringSlice(KeyTrustedProxies))
	if err != nil {
		errs = append(errs, err)
	}
	cfg.TrustedProxies = proxies

	if err := cfg.Validate(); err != nil {
		errs = append(errs, err)
	}
	return cfg, errors.Join(errs...)
}

// Validate checks ranges and cross-field requirements.
func (c Config) Validate() error {
	var errs []error
	if c.RPC.Host == "" {
		errs = append(errs, errors.New("rpc host is required"))
	}
	if !validPort(c.RPC.Port) {
		errs = append(errs, fmt.Errorf("rpc port %d out of range", c.RPC.Port))
	}
	if !validPort(c.ListenPort) {
		errs = append(errs, fmt.Errorf("listen port %d out of range", c.ListenPort))
	}
	if c.BlocksLimitMax < 1 {
		errs = append(errs, fmt.Errorf("%s must be positive", KeyBlocksLimitMax))
	}
	if c.MempoolLimitMax < 1 {
		errs = append(errs, fmt.Errorf("%s must be positive", KeyMempoolLimitMax))
	}
	if c.IdleTimeoutMinutes < session.MinIdleTimeoutMinutes || c.IdleTimeoutMinutes > session.MaxIdleTimeoutMinutes {
		errs = append(errs, fmt.Errorf("%s must be between %d and %d",
			KeyIdleTimeout, session.MinIdleTimeoutMinutes, session.MaxIdleTimeoutMinutes))
	}
	if c.UserDB == "" && c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("one of %s or %s is required", KeyUserDB, KeyDatabaseURL))
	}
	if c.PersistentSessions() && len(c.SessionSecret) < session.MinSecretLength {
		errs = append(errs, fmt.Errorf("%s must be at least %d bytes when %s is set",
			KeySessionSecret, session.MinSecretLength, KeySessionDB))
	}
	if (c.TLS.Cert == "") != (c.TLS.Key == "") {
		errs = append(errs, errors.New("tls cert and key must be set together"))
	}
	if c.AuditWebhookHeader != "" && !strings.Contains(c.AuditWebhookHeader, ":") {
		errs = append(errs, fmt.Errorf("%s must look like \"Name: value\"", KeyAuditWebhookHeader))
	}
	return errors.Join(errs...)
}

func validPort(p int) bool { return p > 0 && p < 65536 }

// PersistentSessions reports whether sessions survive restarts.
func (c Config) PersistentSessions() bool { return c.SessionDB != "" }

// TLSEnabled reports whether the server should listen with TLS.
func (c Config) TLSEnabled() bool { return c.TLS.Cert != "" || c.TLS.SelfSigned }

// ListenAddr is the host:port the HTTP server binds.
func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.ListenHost, strconv.Itoa(c.ListenPort))
}

// ParseTrustedProxies accepts CIDRs or bare addresses, given as list items
// or comma-separated. A bare address is a single-host prefix.
func ParseTrustedProxies(items []string) ([]netip.Prefix, error) {
	var (
		out  []netip.Prefix
		errs []error
	)
	for _, item := range items {
		for _, field := range strings.Split(item, ",") {
			field = strings.TrimSpace(field)
			if field == "" {
				continue
			}
			if strings.Contains(field, "/") {
				p, err := netip.ParsePrefix(field)
				if err != nil {
					errs = append(errs, fmt.Errorf("trusted proxy %q: %w", field, err))
					continue
				}
				out = append(out, p.Masked())
				continue
			}
			addr, err := netip.ParseAddr(field)
			if err != nil {
				errs = append(errs, fmt.Errorf("trusted proxy %q: %w", field, err))
				continue
			}
			addr = addr.Unmap()
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
		}
	}
	return out, errors.Join(errs...)
}
