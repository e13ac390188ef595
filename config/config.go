package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultPath = "config/config.yml"

const defaultMaxRetries = 10

type Config struct {
	Arbflow   ArbflowConfig    `yaml:"arbflow"`
	Logging   LoggingConfig    `yaml:"logging"`
	Monitor   MonitorConfig    `yaml:"monitor"`
	Exchanges []ExchangeConfig `yaml:"exchanges"`
	Sinks     SinksConfig      `yaml:"sinks"`
	Storage   StorageConfig    `yaml:"storage"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	API       APIConfig        `yaml:"api"`
}

type ArbflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// MonitorConfig drives the dispatcher and the periodic monitors.
type MonitorConfig struct {
	SpreadInterval      time.Duration `yaml:"spread_interval"`
	HealthInterval      time.Duration `yaml:"health_interval"`
	StatsInterval       time.Duration `yaml:"stats_interval"`
	MinROIPct           float64       `yaml:"min_roi_pct"`
	StalenessThreshold  time.Duration `yaml:"staleness_threshold"`
	EvictAfter          time.Duration `yaml:"evict_after"`
	QueueTimeout        time.Duration `yaml:"queue_timeout"`
	OpportunityCooldown time.Duration `yaml:"opportunity_cooldown"`
	LogWindow           time.Duration `yaml:"log_window"`
	// Capital in USD is split across both legs and scaled by Leverage to
	// size each opportunity. Zero disables sizing.
	Capital      float64 `yaml:"capital"`
	Leverage     float64 `yaml:"leverage"`
	MinSpreadPct float64 `yaml:"min_spread_pct"`
}

// ExchangeConfig is the per-venue connector section.
type ExchangeConfig struct {
	Name                  string        `yaml:"name"`
	Enabled               bool          `yaml:"enabled"`
	URL                   string        `yaml:"url"`
	RestURL               string        `yaml:"rest_url"`
	LocalIP               string        `yaml:"local_ip"`
	Instruments           []string      `yaml:"instruments"`
	InitialReconnectDelay time.Duration `yaml:"initial_reconnect_delay"`
	MaxReconnectDelay     time.Duration `yaml:"max_reconnect_delay"`
	MaxRetries            int           `yaml:"max_retries"`
	QueueSize             int           `yaml:"queue_size"`
	StalenessThreshold    time.Duration `yaml:"staleness_threshold"`
	TakerFeePct           float64       `yaml:"taker_fee_pct"`
	ValidateInstruments   bool          `yaml:"validate_instruments"`
}

// UnmarshalYAML presets max_retries so an explicit 0 can mean unlimited.
func (e *ExchangeConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain ExchangeConfig
	raw := plain{MaxRetries: defaultMaxRetries}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*e = ExchangeConfig(raw)
	return nil
}

type SinksConfig struct {
	BufferSize int           `yaml:"buffer_size"`
	Journal    JournalConfig `yaml:"journal"`
	Kafka      KafkaConfig   `yaml:"kafka"`
	Redis      RedisConfig   `yaml:"redis"`
	NATS       NATSConfig    `yaml:"nats"`
}

type JournalConfig struct {
	Enabled       bool          `yaml:"enabled"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxBuffer     int           `yaml:"max_buffer"`
	Compression   string        `yaml:"compression"`
	LocalDir      string        `yaml:"local_dir"`
	Prefix        string        `yaml:"prefix"`
	// Catalog maintains Iceberg-style table metadata next to the files.
	Catalog bool `yaml:"catalog"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RedisConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Addr        string `yaml:"addr"`
	Password    string `yaml:"password"`
	DB          int    `yaml:"db"`
	Channel     string `yaml:"channel"`
	MirrorPrice bool   `yaml:"mirror_prices"`
}

type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type MetricsConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

// APIConfig controls the HTTP status server.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

func defaultConfig() Config {
	return Config{
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		Monitor: MonitorConfig{
			SpreadInterval:     time.Second,
			HealthInterval:     60 * time.Second,
			StatsInterval:      300 * time.Second,
			MinROIPct:          0.5,
			StalenessThreshold: 5 * time.Second,
			EvictAfter:         60 * time.Second,
			QueueTimeout:       60 * time.Second,
			LogWindow:          10 * time.Second,
			Capital:            100,
			Leverage:           10,
			MinSpreadPct:       0.05,
		},
		Sinks: SinksConfig{
			BufferSize: 256,
			Journal: JournalConfig{
				FlushInterval: time.Minute,
				MaxBuffer:     512,
				Compression:   "snappy",
				Prefix:        "opportunities",
			},
			Kafka: KafkaConfig{Topic: "arbflow.opportunities"},
			Redis: RedisConfig{Addr: "localhost:6379", Channel: "arbflow:opportunities"},
			NATS:  NATSConfig{Subject: "arbflow.opportunities"},
		},
		Metrics: MetricsConfig{CloudWatch: CloudWatchConfig{Namespace: "Arbflow", Dashboard: "Arbflow"}},
		API:     APIConfig{Address: ":8080"},
	}
}

// applyExchangeDefaults fills unset connector settings. Staleness falls back to
// the monitor-wide threshold so a single knob covers every venue.
func (c *Config) applyExchangeDefaults() {
	for i := range c.Exchanges {
		ex := &c.Exchanges[i]
		ex.Name = strings.ToLower(strings.TrimSpace(ex.Name))
		if ex.InitialReconnectDelay <= 0 {
			ex.InitialReconnectDelay = 3 * time.Second
		}
		if ex.MaxReconnectDelay <= 0 {
			ex.MaxReconnectDelay = 60 * time.Second
		}
		if ex.QueueSize <= 0 {
			ex.QueueSize = 1000
		}
		if ex.StalenessThreshold <= 0 {
			ex.StalenessThreshold = c.Monitor.StalenessThreshold
		}
		instruments := make([]string, 0, len(ex.Instruments))
		for _, inst := range ex.Instruments {
			if inst = strings.TrimSpace(inst); inst != "" {
				instruments = append(instruments, inst)
			}
		}
		ex.Instruments = instruments
	}
}

// EnabledExchanges returns the exchange sections with enabled set.
func (c *Config) EnabledExchanges() []ExchangeConfig {
	out := make([]ExchangeConfig, 0, len(c.Exchanges))
	for _, ex := range c.Exchanges {
		if ex.Enabled {
			out = append(out, ex)
		}
	}
	return out
}

// StalenessThresholds maps exchange name to its quote staleness threshold.
func (c *Config) StalenessThresholds() map[string]time.Duration {
	out := make(map[string]time.Duration, len(c.Exchanges))
	for _, ex := range c.Exchanges {
		out[ex.Name] = ex.StalenessThreshold
	}
	return out
}

// Fees maps exchange name to taker fee in percent.
func (c *Config) Fees() map[string]float64 {
	fees := make(map[string]float64, len(c.Exchanges))
	for _, ex := range c.Exchanges {
		fees[ex.Name] = ex.TakerFeePct
	}
	return fees
}

func LoadConfig(path string) (*Config, error) {
	env := CurrentEnvironment()
	path = resolveConfigPath(path, DefaultPath, env)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)
	config.applyExchangeDefaults()
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config, env); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		config.Sinks.Redis.Addr = strings.TrimSpace(v)
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		config.Sinks.NATS.URL = strings.TrimSpace(v)
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		brokers := strings.Split(v, ",")
		for i := range brokers {
			brokers[i] = strings.TrimSpace(brokers[i])
		}
		config.Sinks.Kafka.Brokers = brokers
	}
}

func validateConfig(cfg *Config, env Environment) error {
	if cfg.Arbflow.Name == "" {
		return fmt.Errorf("arbflow.name is required")
	}
	if cfg.Arbflow.Version == "" {
		return fmt.Errorf("arbflow.version is required")
	}

	m := cfg.Monitor
	if m.SpreadInterval <= 0 {
		return fmt.Errorf("monitor.spread_interval must be greater than 0")
	}
	if m.HealthInterval <= 0 {
		return fmt.Errorf("monitor.health_interval must be greater than 0")
	}
	if m.StalenessThreshold <= 0 {
		return fmt.Errorf("monitor.staleness_threshold must be greater than 0")
	}
	if m.MinROIPct < 0 {
		return fmt.Errorf("monitor.min_roi_pct must not be negative")
	}
	if m.EvictAfter > 0 && m.EvictAfter < m.StalenessThreshold {
		return fmt.Errorf("monitor.evict_after must not be shorter than monitor.staleness_threshold")
	}
	if m.MinSpreadPct < 0 {
		return fmt.Errorf("monitor.min_spread_pct must not be negative")
	}
	if m.Capital < 0 {
		return fmt.Errorf("monitor.capital must not be negative")
	}
	if m.Capital > 0 && m.Leverage <= 0 {
		return fmt.Errorf("monitor.leverage must be greater than 0 when capital is set")
	}

	seen := make(map[string]struct{}, len(cfg.Exchanges))
	enabled := 0
	for i, ex := range cfg.Exchanges {
		if ex.Name == "" {
			return fmt.Errorf("exchanges[%d].name is required", i)
		}
		if _, dup := seen[ex.Name]; dup {
			return fmt.Errorf("exchanges[%d].name '%s' is duplicated", i, ex.Name)
		}
		seen[ex.Name] = struct{}{}
		if !ex.Enabled {
			continue
		}
		enabled++
		if len(ex.Instruments) == 0 {
			return fmt.Errorf("exchanges[%d].instruments must not be empty", i)
		}
		if ex.MaxReconnectDelay < ex.InitialReconnectDelay {
			return fmt.Errorf("exchanges[%d].max_reconnect_delay must not be shorter than initial_reconnect_delay", i)
		}
		if ex.MaxRetries < 0 {
			return fmt.Errorf("exchanges[%d].max_retries must not be negative", i)
		}
		if ex.TakerFeePct < 0 {
			return fmt.Errorf("exchanges[%d].taker_fee_pct must not be negative", i)
		}
	}
	if enabled == 0 {
		return fmt.Errorf("at least one exchange must be enabled")
	}
	if err := validateFor(env, cfg); err != nil {
		return err
	}

	if cfg.Sinks.Kafka.Enabled && len(cfg.Sinks.Kafka.Brokers) == 0 {
		return fmt.Errorf("sinks.kafka.brokers is required when kafka is enabled")
	}
	if cfg.Sinks.NATS.Enabled && cfg.Sinks.NATS.URL == "" {
		return fmt.Errorf("sinks.nats.url is required when nats is enabled")
	}
	if cfg.Sinks.Journal.Enabled && !cfg.Storage.S3.Enabled && cfg.Sinks.Journal.LocalDir == "" {
		return fmt.Errorf("sinks.journal needs storage.s3 or sinks.journal.local_dir")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
