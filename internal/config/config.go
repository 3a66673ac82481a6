// Package config loads node configuration from nds.yaml and NDS_*
// environment variables.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Misty4119/nds-api/internal/archive"
	"github.com/Misty4119/nds-api/internal/observability"
	"github.com/Misty4119/nds-api/internal/policy"
	"github.com/Misty4119/nds-api/internal/replication"
	"github.com/Misty4119/nds-api/internal/store"
)

const (
	// FileName is the config file looked up in the working directory.
	FileName = "nds.yaml"

	envPrefix = "NDS"
)

// Audit sink names.
const (
	SinkNone     = "none"
	SinkLog      = "log"
	SinkPostgres = "postgres"
)

// Merge policy names.
const (
	MergeClockSum    = "clock-sum"
	MergeCommutative = "commutative"
)

// Config is the full node configuration.
type Config struct {
	Node       NodeConfig       `mapstructure:"node"`
	Store      StoreConfig      `mapstructure:"store"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Policy     PolicyConfig     `mapstructure:"policy"`
	Identity   IdentityConfig   `mapstructure:"identity"`
	Audit      AuditConfig      `mapstructure:"audit"`
	Projection ProjectionConfig `mapstructure:"projection"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

type NodeConfig struct {
	Origin  string `mapstructure:"origin"`
	DataDir string `mapstructure:"data_dir"`
}

type StoreConfig struct {
	// Path defaults to <data_dir>/ledger.db.
	Path   string `mapstructure:"path"`
	Driver string `mapstructure:"driver"`
}

type SyncConfig struct {
	Listen       string              `mapstructure:"listen"`
	Token        string              `mapstructure:"token"`
	Interval     time.Duration       `mapstructure:"interval"`
	RoundTimeout time.Duration       `mapstructure:"round_timeout"`
	BatchLimit   int                 `mapstructure:"batch_limit"`
	RateLimit    float64             `mapstructure:"rate_limit"`
	Burst        int                 `mapstructure:"burst"`
	Backoff      replication.Backoff `mapstructure:"backoff"`
	Peers        []replication.Peer  `mapstructure:"peers"`
}

type PolicyConfig struct {
	// Manifest is a CUE file or directory whose policies are added to Rules.
	Manifest string        `mapstructure:"manifest"`
	Rules    []policy.Rule `mapstructure:"rules"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Merge    string        `mapstructure:"merge"`
	Window   int           `mapstructure:"window"`
	// Overdraft enables the insufficient-balance rule.
	Overdraft bool `mapstructure:"overdraft"`
}

type IdentityConfig struct {
	// Required rejects commits and sync sessions without a valid token.
	Required bool          `mapstructure:"required"`
	KeyID    string        `mapstructure:"key_id"`
	Seed     string        `mapstructure:"seed"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

// SeedBytes decodes the hex Ed25519 seed.
func (c IdentityConfig) SeedBytes() ([]byte, error) {
	b, err := hex.DecodeString(c.Seed)
	if err != nil {
		return nil, fmt.Errorf("identity seed: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("identity seed: %d bytes, want 32", len(b))
	}
	return b, nil
}

type AuditConfig struct {
	Sink         string        `mapstructure:"sink"`
	DSN          string        `mapstructure:"dsn"`
	QueueSize    int           `mapstructure:"queue_size"`
	Workers      int           `mapstructure:"workers"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type ProjectionConfig struct {
	BatchSize int           `mapstructure:"batch_size"`
	Interval  time.Duration `mapstructure:"interval"`
	// Assets restricts the built-in projections to matching asset globs.
	Assets []string    `mapstructure:"assets"`
	Redis  RedisConfig `mapstructure:"redis"`
}

// RedisConfig enables the projection mirror when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type ArchiveConfig struct {
	archive.Config `mapstructure:",squash"`
	SegmentSize    uint64 `mapstructure:"segment_size"`
}

type TelemetryConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	ServiceName    string        `mapstructure:"service_name"`
	Environment    string        `mapstructure:"environment"`
	OTLPEndpoint   string        `mapstructure:"otlp_endpoint"`
	Insecure       bool          `mapstructure:"insecure"`
	SampleRate     float64       `mapstructure:"sample_rate"`
	MetricInterval time.Duration `mapstructure:"metric_interval"`
}

// Provider converts the section into an observability.Config.
func (c TelemetryConfig) Provider(version string) observability.Config {
	cfg := observability.DefaultConfig()
	cfg.Enabled = c.Enabled
	cfg.ServiceName = c.ServiceName
	cfg.ServiceVersion = version
	cfg.Environment = c.Environment
	cfg.OTLPEndpoint = c.OTLPEndpoint
	cfg.Insecure = c.Insecure
	cfg.SampleRate = c.SampleRate
	cfg.MetricInterval = c.MetricInterval
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.origin", "")
	v.SetDefault("node.data_dir", ".nds")

	v.SetDefault("store.path", "")
	v.SetDefault("store.driver", store.DriverMattn)

	v.SetDefault("sync.listen", "")
	v.SetDefault("sync.token", "")
	v.SetDefault("sync.interval", 5*time.Second)
	v.SetDefault("sync.round_timeout", 30*time.Second)
	v.SetDefault("sync.batch_limit", replication.DefaultBatchLimit)
	v.SetDefault("sync.rate_limit", 0.0)
	v.SetDefault("sync.burst", 1)
	v.SetDefault("sync.backoff.base", replication.DefaultBackoff.Base)
	v.SetDefault("sync.backoff.max", replication.DefaultBackoff.Max)
	v.SetDefault("sync.backoff.jitter", replication.DefaultBackoff.Jitter)

	v.SetDefault("policy.manifest", "")
	v.SetDefault("policy.timeout", 2*time.Second)
	v.SetDefault("policy.merge", MergeClockSum)
	v.SetDefault("policy.window", 64)
	v.SetDefault("policy.overdraft", true)

	v.SetDefault("identity.required", false)
	v.SetDefault("identity.key_id", "default")
	v.SetDefault("identity.seed", "")
	v.SetDefault("identity.token_ttl", 24*time.Hour)

	v.SetDefault("audit.sink", SinkLog)
	v.SetDefault("audit.dsn", "")
	v.SetDefault("audit.queue_size", 1024)
	v.SetDefault("audit.workers", 2)
	v.SetDefault("audit.write_timeout", 5*time.Second)

	v.SetDefault("projection.batch_size", 1000)
	v.SetDefault("projection.interval", time.Second)
	v.SetDefault("projection.redis.addr", "")
	v.SetDefault("projection.redis.password", "")
	v.SetDefault("projection.redis.db", 0)
	v.SetDefault("projection.redis.prefix", "nds")

	v.SetDefault("archive.type", string(archive.StoreTypeFS))
	v.SetDefault("archive.dir", "")
	v.SetDefault("archive.segment_size", 10000)
	v.SetDefault("archive.s3.bucket", "")
	v.SetDefault("archive.s3.region", "")
	v.SetDefault("archive.s3.endpoint", "")
	v.SetDefault("archive.s3.prefix", "")
	v.SetDefault("archive.gcs.bucket", "")
	v.SetDefault("archive.gcs.prefix", "")

	def := observability.DefaultConfig()
	v.SetDefault("telemetry.enabled", def.Enabled)
	v.SetDefault("telemetry.service_name", def.ServiceName)
	v.SetDefault("telemetry.environment", def.Environment)
	v.SetDefault("telemetry.otlp_endpoint", def.OTLPEndpoint)
	v.SetDefault("telemetry.insecure", def.Insecure)
	v.SetDefault("telemetry.sample_rate", def.SampleRate)
	v.SetDefault("telemetry.metric_interval", def.MetricInterval)
}

// Load reads configuration. With an empty path it looks for nds.yaml in
// the working directory and a missing file is not an error; an explicit
// path must exist. NDS_* variables override both, e.g. NDS_NODE_ORIGIN.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.resolvePaths()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the built-in defaults for origin with every path under
// dataDir. It ignores nds.yaml and the environment.
func Default(origin, dataDir string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.Set("node.origin", origin)
	v.Set("node.data_dir", dataDir)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.resolvePaths()
	return cfg, nil
}

func (c *Config) resolvePaths() {
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.Node.DataDir, "ledger.db")
	}
	if c.Archive.Dir == "" {
		c.Archive.Dir = filepath.Join(c.Node.DataDir, "archive")
	}
}

// Validate rejects configurations a node cannot start with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Node.Origin) == "" {
		errs = append(errs, errors.New("node.origin is required"))
	}
	switch c.Store.Driver {
	case store.DriverMattn, store.DriverModernc:
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not supported", c.Store.Driver))
	}

	if c.Sync.BatchLimit <= 0 {
		errs = append(errs, errors.New("sync.batch_limit must be positive"))
	}
	if c.Sync.Interval <= 0 || c.Sync.RoundTimeout <= 0 {
		errs = append(errs, errors.New("sync.interval and sync.round_timeout must be positive"))
	}
	seen := map[string]bool{}
	for i, p := range c.Sync.Peers {
		if p.ID == "" || p.Address == "" {
			errs = append(errs, fmt.Errorf("sync.peers[%d]: id and address are required", i))
		}
		if p.ID == c.Node.Origin {
			errs = append(errs, fmt.Errorf("sync.peers[%d]: %q is this node", i, p.ID))
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("sync.peers[%d]: duplicate id %q", i, p.ID))
		}
		seen[p.ID] = true
	}

	switch c.Policy.Merge {
	case MergeClockSum, MergeCommutative:
	default:
		errs = append(errs, fmt.Errorf("policy.merge %q is not supported", c.Policy.Merge))
	}
	if c.Policy.Window <= 0 {
		errs = append(errs, errors.New("policy.window must be positive"))
	}

	if c.Identity.Seed != "" {
		if _, err := c.Identity.SeedBytes(); err != nil {
			errs = append(errs, err)
		}
	} else if c.Identity.Required {
		errs = append(errs, errors.New("identity.required needs identity.seed"))
	}

	switch c.Audit.Sink {
	case SinkNone, SinkLog:
	case SinkPostgres:
		if c.Audit.DSN == "" {
			errs = append(errs, errors.New("audit.dsn is required for the postgres sink"))
		}
	default:
		errs = append(errs, fmt.Errorf("audit.sink %q is not supported", c.Audit.Sink))
	}
	if c.Audit.QueueSize <= 0 || c.Audit.Workers <= 0 {
		errs = append(errs, errors.New("audit.queue_size and audit.workers must be positive"))
	}

	if c.Projection.BatchSize <= 0 {
		errs = append(errs, errors.New("projection.batch_size must be positive"))
	}

	switch c.Archive.Type {
	case "", archive.StoreTypeFS, archive.StoreTypeS3, archive.StoreTypeGCS:
	default:
		errs = append(errs, fmt.Errorf("archive.type %q is not supported", c.Archive.Type))
	}
	if c.Archive.SegmentSize == 0 {
		errs = append(errs, errors.New("archive.segment_size must be positive"))
	}
	return errors.Join(errs...)
}

// DefaultYAML is written by "nds init".
const DefaultYAML = `# nds node configuration. Every key can be overridden with NDS_<SECTION>_<KEY>.
node:
  origin: %s
  data_dir: .nds

store:
  driver: sqlite3

sync:
  # listen: ":7400"
  interval: 5s
  round_timeout: 30s
  batch_limit: 512
  peers: []
  #  - id: other
  #    address: ws://other:7400/sync

policy:
  merge: clock-sum
  overdraft: true

audit:
  sink: log

projection:
  batch_size: 1000

archive:
  type: fs
  segment_size: 10000
`

// WriteDefault writes a starter nds.yaml for origin into dir. An existing
// file is left alone and reported with os.ErrExist.
func WriteDefault(dir, origin string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	path := filepath.Join(dir, FileName)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return path, err
	}
	if _, err := fmt.Fprintf(f, DefaultYAML, origin); err != nil {
		_ = f.Close()
		return path, err
	}
	return path, f.Close()
}
