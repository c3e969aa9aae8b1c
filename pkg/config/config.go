// Package config reads the daemon configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/i5heu/ouroboros-vault/internal/mailer"
)

const (
	EnvTokenSecret = "VAULT_TOKEN_SECRET"
	EnvDatabaseDSN = "VAULT_DB_DSN"
	EnvServerKey   = "VAULT_SERVER_KEY"
)

type Config struct {
	DataPath   string `yaml:"dataPath"`
	ListenAddr string `yaml:"listenAddr"`
	// Origin is the public base URL access links point at.
	Origin   string `yaml:"origin"`
	LogLevel string `yaml:"logLevel"`

	Database Database          `yaml:"database"`
	Network  Network           `yaml:"network"`
	Chain    Chain             `yaml:"chain"`
	Local    Local             `yaml:"local"`
	SMTP     mailer.SMTPConfig `yaml:"smtp"`

	BackendTimeout time.Duration `yaml:"backendTimeout"`
	SessionTimeout time.Duration `yaml:"sessionTimeout"`
	ExpirySweep    time.Duration `yaml:"expirySweep"`
	TokenSecret    string        `yaml:"tokenSecret"`

	// RequestsPerSecond limits API requests per client address.
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	RequestBurst      int     `yaml:"requestBurst"`
}

type Database struct {
	Driver  string `yaml:"driver"`
	DSN     string `yaml:"dsn"`
	Verbose bool   `yaml:"verbose"`
}

// Network configures the content addressed tier. An empty AddURL disables
// it.
type Network struct {
	AddURL      string   `yaml:"addUrl"`
	Gateways    []string `yaml:"gateways"`
	BearerToken string   `yaml:"bearerToken"`
}

// Chain configures the ledger used for chunk storage and the registry
// contract used by the mirror. Without RPCURL the chunk tier is disabled
// unless DevLedger runs it on a process local ledger, and mirroring is off.
type Chain struct {
	RPCURL          string        `yaml:"rpcUrl"`
	DevLedger       bool          `yaml:"devLedger"`
	ChainID         int64         `yaml:"chainId"`
	ContractAddress string        `yaml:"contractAddress"`
	ServerKey       string        `yaml:"serverKey"`
	UserKey         string        `yaml:"userKey"`
	ChunkSize       int           `yaml:"chunkSize"`
	MaxPayload      int           `yaml:"maxPayload"`
	Timeout         time.Duration `yaml:"timeout"`
	RateLimit       float64       `yaml:"rateLimit"`
	Burst           int           `yaml:"burst"`
}

type Local struct {
	QuotaBytes       int64  `yaml:"quotaBytes"`
	MinimumFreeSpace uint64 `yaml:"minimumFreeSpace"`
}

// Default returns a configuration for a single node development setup.
func Default() Config {
	return Config{
		DataPath:   "./data",
		ListenAddr: ":8420",
		Origin:     "http://localhost:8420",
		LogLevel:   "info",
		Database: Database{
			Driver: "sqlite",
		},
		Chain: Chain{
			ChunkSize:  24 * 1024,
			MaxPayload: 32 * 1024,
			Timeout:    45 * time.Second,
			RateLimit:  2,
			Burst:      4,
		},
		Local: Local{
			QuotaBytes:       5 << 30,
			MinimumFreeSpace: 1 << 30,
		},
		BackendTimeout:    60 * time.Second,
		SessionTimeout:    30 * time.Minute,
		ExpirySweep:       time.Minute,
		RequestsPerSecond: 10,
		RequestBurst:      20,
	}
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is not an error when path is empty.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv(os.LookupEnv)
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvTokenSecret); ok && v != "" {
		c.TokenSecret = v
	}
	if v, ok := lookup(EnvDatabaseDSN); ok && v != "" {
		c.Database.DSN = v
	}
	if v, ok := lookup(EnvServerKey); ok && v != "" {
		c.Chain.ServerKey = v
	}
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	if c.DataPath == "" {
		errs = append(errs, errors.New("dataPath is required"))
	}
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listenAddr is required"))
	}
	if !strings.HasPrefix(c.Origin, "http://") && !strings.HasPrefix(c.Origin, "https://") {
		errs = append(errs, fmt.Errorf("origin %q must be an http(s) url", c.Origin))
	}
	if len(c.TokenSecret) < 32 {
		errs = append(errs, fmt.Errorf("tokenSecret must be at least 32 bytes (set %s)", EnvTokenSecret))
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}
	if c.Database.Driver == "postgres" && c.Database.DSN == "" {
		errs = append(errs, fmt.Errorf("database.dsn is required for postgres (set %s)", EnvDatabaseDSN))
	}
	if c.Network.AddURL != "" && len(c.Network.Gateways) == 0 {
		errs = append(errs, errors.New("network.gateways is required when network.addUrl is set"))
	}
	if c.Chain.RPCURL != "" && c.Chain.ChainID <= 0 {
		errs = append(errs, errors.New("chain.chainId is required when chain.rpcUrl is set"))
	}
	if c.Chain.RPCURL != "" && c.Chain.ServerKey == "" && c.Chain.UserKey == "" {
		errs = append(errs, fmt.Errorf("chain.serverKey or chain.userKey is required when chain.rpcUrl is set (set %s)", EnvServerKey))
	}
	if c.Chain.MaxPayload > 0 && c.Chain.ChunkSize >= c.Chain.MaxPayload {
		errs = append(errs, errors.New("chain.chunkSize must be below chain.maxPayload"))
	}
	if c.SessionTimeout <= 0 {
		errs = append(errs, errors.New("sessionTimeout must be positive"))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("config: %w", errors.Join(errs...))
}

// SQLiteDSN is the default database file below DataPath.
func (c Config) SQLiteDSN() string {
	if c.Database.DSN != "" {
		return c.Database.DSN
	}
	return c.DataPath + "/vault.db"
}
