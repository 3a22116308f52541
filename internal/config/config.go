package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s"
// or "6h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Engine      EngineConfig      `yaml:"engine"`
	Infra       InfraConfig       `yaml:"infra"`
	Kubernetes  KubernetesConfig  `yaml:"kubernetes"`
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	Archive     ArchiveConfig     `yaml:"archive"`
	Auth        AuthConfig        `yaml:"auth"`
	Scenarios   ScenariosConfig   `yaml:"scenarios"`
	Catalog     CatalogConfig     `yaml:"catalog"`
	Health      HealthConfig      `yaml:"health"`
	Validation  ValidationConfig  `yaml:"validation"`
	Objectives  ObjectivesConfig  `yaml:"objectives"`
	Audit       AuditConfig       `yaml:"audit"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
}

// DatabaseConfig points at the Postgres instance holding run, report and
// audit state. URL wins over the discrete fields when both are set.
type DatabaseConfig struct {
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
}

type EngineConfig struct {
	BaseURL        string   `yaml:"base_url"`
	APIKey         string   `yaml:"api_key"`
	RequestTimeout Duration `yaml:"request_timeout"`
	PollPerSecond  int      `yaml:"poll_per_second"`
	PollBurst      int      `yaml:"poll_burst"`
	BreakerTimeout Duration `yaml:"breaker_timeout"`
}

type InfraConfig struct {
	BaseURL        string   `yaml:"base_url"`
	Token          string   `yaml:"token"`
	RequestTimeout Duration `yaml:"request_timeout"`
	PollInterval   Duration `yaml:"poll_interval"`
}

// KubernetesConfig selects the cluster credentials. An empty kubeconfig
// path means in-cluster service-account credentials.
type KubernetesConfig struct {
	Kubeconfig string `yaml:"kubeconfig"`
}

type ObjectStoreConfig struct {
	Endpoint       string `yaml:"endpoint"`
	Region         string `yaml:"region"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	PathStyle      bool   `yaml:"path_style"`
	ManifestBucket string `yaml:"manifest_bucket"`
}

// ArchiveConfig controls terminal-run archival. An empty bucket disables
// archival entirely.
type ArchiveConfig struct {
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Codec     string `yaml:"codec"`
	ZstdLevel int    `yaml:"zstd_level"`
}

type AuthConfig struct {
	JWTSecret string           `yaml:"jwt_secret"`
	TokenTTL  Duration         `yaml:"token_ttl"`
	Operators []OperatorConfig `yaml:"operators"`
}

// OperatorConfig provisions one operator. KeyHash is a bcrypt hash; raw
// keys never appear in configuration.
type OperatorConfig struct {
	Name    string `yaml:"name"`
	Role    string `yaml:"role"`
	KeyHash string `yaml:"key_hash"`
}

type ScenariosConfig struct {
	File  string `yaml:"file"`
	Watch bool   `yaml:"watch"`
}

type CatalogConfig struct {
	RefreshInterval Duration `yaml:"refresh_interval"`
}

type HealthConfig struct {
	Namespaces   []string `yaml:"namespaces"`
	PollInterval Duration `yaml:"poll_interval"`
}

type ValidationConfig struct {
	Window          Duration `yaml:"window"`
	NamespacePrefix string   `yaml:"namespace_prefix"`
	CleanupTimeout  Duration `yaml:"cleanup_timeout"`
	Interval        Duration `yaml:"interval"`
	Tiers           []string `yaml:"tiers"`
}

type ObjectivesConfig struct {
	Critical    ObjectivePair `yaml:"critical"`
	Standard    ObjectivePair `yaml:"standard"`
	NonCritical ObjectivePair `yaml:"non_critical"`
}

type ObjectivePair struct {
	RTO Duration `yaml:"rto"`
	RPO Duration `yaml:"rpo"`
}

type AuditConfig struct {
	SweepInterval Duration `yaml:"sweep_interval"`
}

// Default returns the configuration a bare deployment starts from. Every
// value here can be overridden by file or environment.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8080,
			LogLevel: "info",
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "recoverd",
			User:     "recoverd",
			SSLMode:  "disable",
		},
		Engine: EngineConfig{
			RequestTimeout: Duration(30 * time.Second),
			PollPerSecond:  5,
			PollBurst:      10,
			BreakerTimeout: Duration(30 * time.Second),
		},
		Infra: InfraConfig{
			RequestTimeout: Duration(30 * time.Second),
			PollInterval:   Duration(5 * time.Second),
		},
		ObjectStore: ObjectStoreConfig{
			Region:         "us-east-1",
			ManifestBucket: "dr-backups",
		},
		Archive: ArchiveConfig{
			Prefix:    "recoverd",
			Codec:     "zstd",
			ZstdLevel: 3,
		},
		Auth: AuthConfig{
			TokenTTL: Duration(12 * time.Hour),
		},
		Catalog: CatalogConfig{
			RefreshInterval: Duration(5 * time.Minute),
		},
		Health: HealthConfig{
			PollInterval: Duration(10 * time.Second),
		},
		Validation: ValidationConfig{
			Window:          Duration(10 * time.Minute),
			NamespacePrefix: "validate",
			CleanupTimeout:  Duration(2 * time.Minute),
			Interval:        Duration(6 * time.Hour),
			Tiers:           []string{"critical", "standard"},
		},
		Objectives: ObjectivesConfig{
			Critical:    ObjectivePair{RTO: Duration(15 * time.Minute), RPO: Duration(5 * time.Minute)},
			Standard:    ObjectivePair{RTO: Duration(time.Hour), RPO: Duration(30 * time.Minute)},
			NonCritical: ObjectivePair{RTO: Duration(4 * time.Hour), RPO: Duration(time.Hour)},
		},
		Audit: AuditConfig{
			SweepInterval: Duration(24 * time.Hour),
		},
	}
}

// Load reads a YAML config file over the defaults, applies environment
// overrides and validates the result. An empty path skips the file and
// loads defaults plus environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: invalid YAML: %w", err)
		}
	}

	LoadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validRoles = map[string]bool{"viewer": true, "operator": true, "approver": true}
var validCodecs = map[string]bool{"zstd": true, "snappy": true, "none": true}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server port %d out of range", c.Server.Port)
	}
	if c.Database.URL == "" && c.Database.Host == "" {
		return fmt.Errorf("config: database requires a url or host")
	}
	if c.Engine.BaseURL == "" {
		return fmt.Errorf("config: engine base_url is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("config: auth jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("config: auth jwt_secret must be at least 32 bytes, got %d", len(c.Auth.JWTSecret))
	}
	for _, op := range c.Auth.Operators {
		if op.Name == "" || op.KeyHash == "" {
			return fmt.Errorf("config: operator entries require name and key_hash")
		}
		if !validRoles[op.Role] {
			return fmt.Errorf("config: operator %s has unknown role %q", op.Name, op.Role)
		}
	}
	if !validCodecs[c.Archive.Codec] {
		return fmt.Errorf("config: unknown archive codec %q", c.Archive.Codec)
	}
	return nil
}
