package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	MFA      MFAConfig      `yaml:"mfa"`
	Network  NetworkConfig  `yaml:"network"`
	Behavior BehaviorConfig `yaml:"behavior"`
	Response ResponseConfig `yaml:"response"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Vault    VaultConfig    `yaml:"vault"`
	Audit    AuditConfig    `yaml:"audit"`
	Store    StoreConfig    `yaml:"store"`
	Ingest   IngestConfig   `yaml:"ingest"`
}

type ServerConfig struct {
	Port            string `yaml:"port"`
	Env             string `yaml:"env"`
	RateLimitPerMin int    `yaml:"rate_limit_per_minute"`
	RateLimitBurst  int    `yaml:"rate_limit_burst"`
}

type MFAConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	ChallengeTTL  time.Duration `yaml:"challenge_ttl"`
	TOTPIssuer    string        `yaml:"totp_issuer"`
	RequiredLevel string        `yaml:"required_level"` // session security level that mandates MFA
}

// NetworkConfig carries the risk weights and the block threshold. The exact
// numbers are deployment policy, never hard-coded in the assessor.
type NetworkConfig struct {
	Weights        NetworkWeights `yaml:"weights"`
	BlockThreshold float64        `yaml:"block_threshold"`
	IntelCacheSize int            `yaml:"intel_cache_size"`
}

type NetworkWeights struct {
	VPN         float64 `yaml:"vpn"`
	IntelRisky  float64 `yaml:"intel_risky"` // unknown / suspicious reputation
	RequestRate float64 `yaml:"request_rate"`
}

type BehaviorConfig struct {
	MinHistory         int     `yaml:"min_history"`
	DeviationThreshold float64 `yaml:"deviation_threshold"` // stddev multiples before an anomaly fires
}

type ResponseConfig struct {
	HighEventLimit  int                 `yaml:"high_event_limit"`
	HighEventWindow time.Duration       `yaml:"high_event_window"`
	ResponseBudget  time.Duration       `yaml:"response_budget"`
	Actions         map[string][]string `yaml:"actions"` // threat category -> response actions
}

type LedgerConfig struct {
	ChainSalt     string `yaml:"chain_salt"`
	SigningSecret string `yaml:"signing_secret"`
}

type VaultConfig struct {
	TokenSecret string        `yaml:"token_secret"`
	TokenTTL    time.Duration `yaml:"token_ttl"`
	Issuer      string        `yaml:"issuer"`
}

type AuditConfig struct {
	RetentionDays int    `yaml:"retention_days"`
	PostgresDSN   string `yaml:"postgres_dsn"`
}

type StoreConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	KeyPrefix     string `yaml:"key_prefix"`
}

type IngestConfig struct {
	NATSURL     string `yaml:"nats_url"`
	FactSubject string `yaml:"fact_subject"`
}

// Default returns a config with workable development values. Production
// deployments load a YAML file on top of this.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "development", RateLimitPerMin: 240, RateLimitBurst: 480},
		MFA: MFAConfig{
			MaxAttempts:   3,
			ChallengeTTL:  5 * time.Minute,
			TOTPIssuer:    "boardroom-trust",
			RequiredLevel: "standard",
		},
		Network: NetworkConfig{
			Weights:        NetworkWeights{VPN: 25, IntelRisky: 40, RequestRate: 35},
			BlockThreshold: 70,
			IntelCacheSize: 1024,
		},
		Behavior: BehaviorConfig{MinHistory: 5, DeviationThreshold: 2.0},
		Response: ResponseConfig{
			HighEventLimit:  3,
			HighEventWindow: 5 * time.Minute,
			ResponseBudget:  2 * time.Second,
			Actions: map[string][]string{
				"network_threat":       {"block_ip"},
				"authentication":       {"force_reauth"},
				"privilege_escalation": {"suspend_user", "force_reauth"},
				"behavior_anomaly":     {"force_reauth"},
				"tampering":            {"suspend_session"},
			},
		},
		Ledger: LedgerConfig{ChainSalt: "dev-chain-salt", SigningSecret: "dev-ledger-secret-change-in-production"},
		Vault: VaultConfig{
			TokenSecret: "dev-vault-secret-change-in-production",
			TokenTTL:    15 * time.Minute,
			Issuer:      "boardroom-vault",
		},
		Audit:  AuditConfig{RetentionDays: 365},
		Store:  StoreConfig{KeyPrefix: "trust:"},
		Ingest: IngestConfig{FactSubject: "boardroom.facts"},
	}
}

// Load reads the YAML config at path on top of defaults, then applies env
// overrides. A missing file is not an error; env-only deployments are fine.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, err
			}
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("TRUST_SERVER_PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("TRUST_REDIS_ADDR"); v != "" {
		cfg.Store.RedisAddr = v
	}
	if v := os.Getenv("TRUST_POSTGRES_DSN"); v != "" {
		cfg.Audit.PostgresDSN = v
	}
	if v := os.Getenv("TRUST_NATS_URL"); v != "" {
		cfg.Ingest.NATSURL = v
	}
	if v := os.Getenv("TRUST_BLOCK_THRESHOLD"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil && parsed > 0 && parsed <= 100 {
			cfg.Network.BlockThreshold = parsed
		}
	}
	if v := os.Getenv("TRUST_LEDGER_SECRET"); v != "" {
		cfg.Ledger.SigningSecret = v
	}
	if v := os.Getenv("TRUST_VAULT_SECRET"); v != "" {
		cfg.Vault.TokenSecret = v
	}
}
