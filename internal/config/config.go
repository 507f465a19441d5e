// Package config loads invoicehook settings from flags and the environment.
package config

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
)

// DefaultEndpointSecret is what an unconfigured deployment accepts. Startup
// warns when it is still in use.
const DefaultEndpointSecret = "YouShouldChangeThis"

type ledgerConfig struct {
	Driver string `long:"driver" env:"LEDGER_DRIVER" default:"sqlite" choice:"sqlite" choice:"bolt" description:"Ledger storage backend"`
	Path   string `long:"path" env:"SQ3_DATABASE" default:"./data.db" description:"Ledger database file"`
}

type lndConfig struct {
	Transport   string        `long:"transport" env:"LND_TRANSPORT" default:"rest" choice:"rest" choice:"grpc" choice:"mock" description:"How to talk to the node"`
	RestAddr    string        `long:"restaddr" env:"LND_RESTADDR" default:"https://your.lnd-server.org" description:"LND REST base URL"`
	GRPCAddr    string        `long:"grpcaddr" env:"LND_GRPCADDR" default:"localhost:10009" description:"LND gRPC host:port"`
	Macaroon    string        `long:"macaroon" env:"INVOICE_MACAROON" description:"Hex invoice macaroon (gRPC also accepts a file path)"`
	TLSVerify   string        `long:"tlsverify" env:"TLS_VERIFY" default:"./tls.cert" description:"Path to tls.cert, 'true' for system roots or 'false' to skip verification"`
	Socks5Proxy string        `long:"socks5proxy" env:"SOCKS5H_PROXY" description:"SOCKS5 proxy URL for the REST transport, e.g. socks5h://127.0.0.1:9050"`
	MockSettle  time.Duration `long:"mocksettle" env:"LND_MOCK_SETTLE" default:"0s" description:"Auto-settle delay for the mock transport"`
}

type webhookConfig struct {
	Timeout time.Duration `long:"timeout" env:"WEBHOOK_TIMEOUT" default:"30s" description:"Timeout for a single callback request"`
}

type archiveConfig struct {
	Dir        string `long:"dir" env:"ARCHIVE_DIR" description:"Directory for failed delivery records"`
	S3Endpoint string `long:"s3endpoint" env:"ARCHIVE_S3_ENDPOINT" description:"S3-compatible endpoint (defaults to Backblaze B2)"`
	S3Bucket   string `long:"s3bucket" env:"ARCHIVE_S3_BUCKET" description:"Bucket for failed delivery records"`
	S3Prefix   string `long:"s3prefix" env:"ARCHIVE_S3_PREFIX" description:"Object key prefix"`
	S3KeyID    string `long:"s3keyid" env:"ARCHIVE_S3_KEY_ID" description:"Access key ID"`
	S3AppKey   string `long:"s3appkey" env:"ARCHIVE_S3_APP_KEY" description:"Secret access key"`
	S3Insecure bool   `long:"s3insecure" env:"ARCHIVE_S3_INSECURE" description:"Use plain HTTP to reach the endpoint"`
}

// Config is the complete server configuration.
type Config struct {
	Port           int           `long:"port" env:"SERVER_PORT" default:"8080" description:"HTTP listen port"`
	EndpointSecret string        `long:"secret" env:"ENDPOINT_SECRET" default:"YouShouldChangeThis" description:"Shared secret required to create invoices"`
	ReapInterval   time.Duration `long:"reapinterval" env:"REAP_INTERVAL" default:"5m" description:"How often expired invoices are removed"`
	MaxPending     int           `long:"maxpending" env:"MAX_PENDING_PER_IP" default:"10" description:"Open invoices allowed per client IP (0 disables)"`
	CORSOrigins    string        `long:"cors-origins" env:"CORS_ORIGINS" description:"Comma-separated list of allowed CORS origins (empty allows all)"`
	Debug          bool          `long:"debug" env:"DEBUG" description:"Enable debug logging"`
	Dev            bool          `long:"dev" description:"Development mode: mock node, no rate limiting"`
	ShowStats      bool          `long:"stats" description:"Show ledger statistics and exit"`

	Ledger  ledgerConfig  `group:"Ledger" namespace:"ledger"`
	LND     lndConfig     `group:"LND" namespace:"lnd"`
	Webhook webhookConfig `group:"Webhook" namespace:"webhook"`
	Archive archiveConfig `group:"Archive" namespace:"archive"`
}

// Load parses args (without the program name) on top of the environment.
// A help request is returned as a *flags.Error with Type flags.ErrHelp.
func Load(args []string) (*Config, error) {
	cfg := &Config{}

	parser := flags.NewParser(cfg, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}

	if cfg.Dev {
		cfg.LND.Transport = "mock"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsHelp reports whether err is the result of --help.
func IsHelp(err error) bool {
	var flagsErr *flags.Error
	return errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp
}

// Validate checks values that tags cannot express.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return errors.Errorf("invalid port %d", c.Port)
	}
	if c.EndpointSecret == "" {
		return errors.New("endpoint secret must not be empty")
	}
	if c.ReapInterval <= 0 {
		return errors.New("reap interval must be positive")
	}
	if c.MaxPending < 0 {
		return errors.New("max pending must not be negative")
	}
	if c.Ledger.Path == "" {
		return errors.New("ledger path is required")
	}
	if c.Webhook.Timeout <= 0 {
		return errors.New("webhook timeout must be positive")
	}

	switch c.LND.Transport {
	case "rest":
		if !strings.HasPrefix(c.LND.RestAddr, "https://") && !strings.HasPrefix(c.LND.RestAddr, "http://") {
			return errors.Errorf("lnd rest address %q must start with http:// or https://", c.LND.RestAddr)
		}
	case "grpc":
		if _, _, err := net.SplitHostPort(c.LND.GRPCAddr); err != nil {
			return errors.Wrapf(err, "invalid lnd grpc address %q", c.LND.GRPCAddr)
		}
	}

	if c.Archive.Dir != "" && c.Archive.S3Bucket != "" {
		return errors.New("archive dir and s3 bucket are mutually exclusive")
	}
	return nil
}

// ListenAddr returns the HTTP listen address.
func (c *Config) ListenAddr() string {
	return ":" + strconv.Itoa(c.Port)
}

// AllowedOrigins splits CORSOrigins; nil means every origin is allowed.
func (c *Config) AllowedOrigins() []string {
	if strings.TrimSpace(c.CORSOrigins) == "" {
		return nil
	}
	var origins []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// Truncate shortens a secret for logging.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
