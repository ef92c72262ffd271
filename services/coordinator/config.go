package coordinator

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"gopkg.in/yaml.v3"

	"escrowcoord/native/escrow"
	"escrowcoord/native/fees"
	"escrowcoord/observability/logging"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for escrowd.
type Config struct {
	ListenAddress string `yaml:"listen"`
	Environment   string `yaml:"environment"`
	// Factory is the agreement factory whose creation events carry new
	// agreement addresses.
	Factory string `yaml:"factory"`
	// EventSignature, when set, restricts resource extraction to factory
	// logs whose topic zero is this event.
	EventSignature  string           `yaml:"event_signature"`
	ResourceTopic   int              `yaml:"resource_topic"`
	Arbiter         string           `yaml:"arbiter"`
	Fees            fees.Schedule    `yaml:"fees"`
	Confirmations   uint64           `yaml:"confirmations"`
	ConfirmTimeout  Duration         `yaml:"confirm_timeout"`
	PollInterval    Duration         `yaml:"poll_interval"`
	RefreshInterval Duration         `yaml:"refresh_interval"`
	Primary         EndpointConfig   `yaml:"primary"`
	Fallbacks       []EndpointConfig `yaml:"fallbacks"`
	Signer          SignerConfig     `yaml:"signer"`
	Journal         JournalConfig    `yaml:"journal"`
	Discovery       DiscoveryConfig  `yaml:"discovery"`
	Auth            AuthConfig       `yaml:"auth"`
	API             APIConfig        `yaml:"api"`
	Logging         LoggingConfig    `yaml:"logging"`
}

// SignerConfig points at the signing and broadcast service.
type SignerConfig struct {
	URL       string `yaml:"url"`
	AuthToken string `yaml:"auth_token"`
}

// JournalConfig locates the pending-action journal. An empty path disables
// journaling.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// DiscoveryConfig selects the listing store. An empty DSN disables it.
type DiscoveryConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// AuthConfig controls bearer token verification on the HTTP API.
type AuthConfig struct {
	HMACSecret string   `yaml:"hmac_secret"`
	Issuer     string   `yaml:"issuer"`
	Audience   string   `yaml:"audience"`
	ClockSkew  Duration `yaml:"clock_skew"`
}

// APIConfig shapes inbound request rates per caller.
type APIConfig struct {
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

// LoggingConfig controls log level and the optional rotating file sink.
type LoggingConfig struct {
	Level string           `yaml:"level"`
	File  logging.FileSink `yaml:"file"`
}

// LoadConfig reads configuration from the supplied path and applies
// ESCROWD_* environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := Config{Fees: fees.DefaultSchedule()}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	if err := applyEnv(&cfg, os.Getenv); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	str("ESCROWD_LISTEN", &cfg.ListenAddress)
	str("ESCROWD_ENV", &cfg.Environment)
	str("ESCROWD_FACTORY", &cfg.Factory)
	str("ESCROWD_ARBITER", &cfg.Arbiter)
	str("ESCROWD_PRIMARY_URL", &cfg.Primary.URL)
	str("ESCROWD_SIGNER_URL", &cfg.Signer.URL)
	str("ESCROWD_SIGNER_TOKEN", &cfg.Signer.AuthToken)
	str("ESCROWD_JWT_SECRET", &cfg.Auth.HMACSecret)
	str("ESCROWD_JOURNAL_PATH", &cfg.Journal.Path)
	str("ESCROWD_DISCOVERY_DSN", &cfg.Discovery.DSN)
	str("ESCROWD_LOG_LEVEL", &cfg.Logging.Level)
	if raw := strings.TrimSpace(getenv("ESCROWD_CONFIRMATIONS")); raw != "" {
		val, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("parse ESCROWD_CONFIRMATIONS: %w", err)
		}
		cfg.Confirmations = val
	}
	if raw := strings.TrimSpace(getenv("ESCROWD_CONFIRM_TIMEOUT")); raw != "" {
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parse ESCROWD_CONFIRM_TIMEOUT: %w", err)
		}
		cfg.ConfirmTimeout.Duration = dur
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8090"
	}
	if cfg.ResourceTopic == 0 {
		cfg.ResourceTopic = escrow.AgreementTopicIndex
	}
	if cfg.ConfirmTimeout.Duration == 0 {
		cfg.ConfirmTimeout.Duration = DefaultConfirmTimeout
	}
	if cfg.PollInterval.Duration == 0 {
		cfg.PollInterval.Duration = 2 * time.Second
	}
	if cfg.RefreshInterval.Duration == 0 {
		cfg.RefreshInterval.Duration = 30 * time.Second
	}
	if cfg.Primary.Name == "" {
		cfg.Primary.Name = "primary"
	}
	if cfg.Primary.Timeout.Duration == 0 {
		cfg.Primary.Timeout.Duration = 10 * time.Second
	}
	for i := range cfg.Fallbacks {
		if cfg.Fallbacks[i].Name == "" {
			cfg.Fallbacks[i].Name = fmt.Sprintf("fallback-%d", i)
		}
		if cfg.Fallbacks[i].Timeout.Duration == 0 {
			cfg.Fallbacks[i].Timeout.Duration = 5 * time.Second
		}
	}
	if cfg.Discovery.Driver == "" {
		cfg.Discovery.Driver = "sqlite"
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
	if cfg.API.RateLimit == 0 {
		cfg.API.RateLimit = 5
	}
	if cfg.API.Burst <= 0 {
		cfg.API.Burst = 10
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func validateConfig(cfg Config) error {
	if !common.IsHexAddress(strings.TrimSpace(cfg.Factory)) {
		return fmt.Errorf("factory must be a hex address")
	}
	if cfg.Arbiter != "" && !common.IsHexAddress(strings.TrimSpace(cfg.Arbiter)) {
		return fmt.Errorf("arbiter must be a hex address")
	}
	if cfg.ResourceTopic < 1 {
		return fmt.Errorf("resource_topic must be at least 1")
	}
	if err := cfg.Fees.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Primary.URL) == "" {
		return fmt.Errorf("primary endpoint url must be configured")
	}
	seen := map[string]struct{}{cfg.Primary.Name: {}}
	for _, fb := range cfg.Fallbacks {
		if strings.TrimSpace(fb.URL) == "" {
			return fmt.Errorf("fallback %q url must be configured", fb.Name)
		}
		if _, dup := seen[fb.Name]; dup {
			return fmt.Errorf("endpoint name %q used twice", fb.Name)
		}
		seen[fb.Name] = struct{}{}
	}
	if strings.TrimSpace(cfg.Signer.URL) == "" {
		return fmt.Errorf("signer url must be configured")
	}
	if strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return fmt.Errorf("auth hmac_secret must be configured")
	}
	if cfg.API.RateLimit < 0 {
		return fmt.Errorf("api rate_limit must not be negative")
	}
	switch strings.ToLower(cfg.Discovery.Driver) {
	case "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("unsupported discovery driver %q", cfg.Discovery.Driver)
	}
	return nil
}

// FactoryAddress returns the configured factory.
func (c Config) FactoryAddress() common.Address {
	return common.HexToAddress(strings.TrimSpace(c.Factory))
}

// EventTopic returns the topic zero filter for creation logs, zero when no
// event signature is configured.
func (c Config) EventTopic() common.Hash {
	sig := strings.TrimSpace(c.EventSignature)
	if sig == "" {
		return common.Hash{}
	}
	return crypto.Keccak256Hash([]byte(sig))
}

// ArbiterAddress returns the configured arbiter, zero when unset.
func (c Config) ArbiterAddress() common.Address {
	if strings.TrimSpace(c.Arbiter) == "" {
		return common.Address{}
	}
	return common.HexToAddress(strings.TrimSpace(c.Arbiter))
}
