package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rpggio/accord/internal/domain/merge"
	"gopkg.in/yaml.v3"
)

// Config defines server configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Transport  TransportConfig  `yaml:"transport"`
	Auth       AuthConfig       `yaml:"auth"`
	DB         DBConfig         `yaml:"db"`
	Log        LogConfig        `yaml:"log"`
	EventLog   EventLogConfig   `yaml:"eventlog"`
	Merge      MergeConfig      `yaml:"merge"`
	Resolution ResolutionConfig `yaml:"resolution"`
	AI         AIConfig         `yaml:"ai"`
	Notify     NotifyConfig     `yaml:"notify"`
	Cache      CacheConfig      `yaml:"cache"`
	// Rules are seeded into the rule repository when missing.
	Rules []merge.Rule `yaml:"rules"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type TransportConfig struct {
	Mode string `yaml:"mode"` // "stdio" or "http"
}

type AuthConfig struct {
	Enabled bool `yaml:"enabled"`
	// Tokens maps bearer tokens to user ids.
	Tokens       map[string]string `yaml:"tokens"`
	DefaultActor string            `yaml:"default_actor"`
}

type DBConfig struct {
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	Path  string `yaml:"path"`
}

type EventLogConfig struct {
	SnapshotInterval int `yaml:"snapshot_interval"`
	MaxAppendRetries int `yaml:"max_append_retries"`
	PageSize         int `yaml:"page_size"`
}

type MergeConfig struct {
	Actor                string        `yaml:"actor"`
	AITimeout            time.Duration `yaml:"ai_timeout"`
	MaxRuleUpdateRetries int           `yaml:"max_rule_update_retries"`
}

type ResolutionConfig struct {
	VotingTimeout           time.Duration `yaml:"voting_timeout"`
	RequireUnanimous        bool          `yaml:"require_unanimous"`
	AutoResolveAfterTimeout bool          `yaml:"auto_resolve_after_timeout"`
	// Sessions older than MaxSessionAge are expired every ExpireInterval.
	MaxSessionAge  time.Duration `yaml:"max_session_age"`
	ExpireInterval time.Duration `yaml:"expire_interval"`
}

type AIConfig struct {
	Enabled   bool   `yaml:"enabled"`
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
}

type NotifyConfig struct {
	KafkaBrokers  []string `yaml:"kafka_brokers"`
	KafkaTopic    string   `yaml:"kafka_topic"`
	KafkaClientID string   `yaml:"kafka_client_id"`
	QueueSize     int      `yaml:"queue_size"`
}

type CacheConfig struct {
	ReconstructSize int `yaml:"reconstruct_size"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Transport: TransportConfig{
			Mode: "stdio",
		},
		Auth: AuthConfig{
			DefaultActor: "operator",
		},
		DB: DBConfig{
			Path: "accord.db",
		},
		Log: LogConfig{
			Level: "info",
		},
		EventLog: EventLogConfig{
			SnapshotInterval: 100,
			MaxAppendRetries: 5,
			PageSize:         500,
		},
		Merge: MergeConfig{
			Actor:                "accord",
			AITimeout:            30 * time.Second,
			MaxRuleUpdateRetries: 3,
		},
		Resolution: ResolutionConfig{
			VotingTimeout:  10 * time.Minute,
			MaxSessionAge:  24 * time.Hour,
			ExpireInterval: time.Minute,
		},
		Notify: NotifyConfig{
			KafkaTopic:    "accord.notifications",
			KafkaClientID: "accord",
			QueueSize:     1024,
		},
		Cache: CacheConfig{
			ReconstructSize: 256,
		},
	}
}

// Load reads configuration from an optional YAML file and environment variables.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv("ACCORD_CONFIG_PATH"); path != "" {
		if err := loadFromFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the server can't start with.
func (c Config) Validate() error {
	switch c.Transport.Mode {
	case "stdio", "http":
	default:
		return fmt.Errorf("invalid transport mode %q", c.Transport.Mode)
	}
	if c.Transport.Mode == "http" && c.Auth.Enabled && len(c.Auth.Tokens) == 0 {
		return fmt.Errorf("auth enabled without tokens")
	}
	if c.Notify.KafkaTopic == "" && len(c.Notify.KafkaBrokers) > 0 {
		return fmt.Errorf("kafka brokers set without a topic")
	}
	for i := range c.Rules {
		if err := c.Rules[i].Validate(); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if host := os.Getenv("ACCORD_SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if err := envInt("ACCORD_SERVER_PORT", &cfg.Server.Port); err != nil {
		return err
	}
	if mode := os.Getenv("ACCORD_TRANSPORT_MODE"); mode != "" {
		cfg.Transport.Mode = mode
	}
	if err := envBool("ACCORD_AUTH_ENABLED", &cfg.Auth.Enabled); err != nil {
		return err
	}
	if tokens := os.Getenv("ACCORD_AUTH_TOKENS"); tokens != "" {
		parsed, err := parseTokens(tokens)
		if err != nil {
			return err
		}
		cfg.Auth.Tokens = parsed
	}
	if actor := os.Getenv("ACCORD_DEFAULT_ACTOR"); actor != "" {
		cfg.Auth.DefaultActor = actor
	}
	if dbPath := os.Getenv("ACCORD_DB_PATH"); dbPath != "" {
		cfg.DB.Path = dbPath
	}
	if level := os.Getenv("ACCORD_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if path := os.Getenv("ACCORD_LOG_PATH"); path != "" {
		cfg.Log.Path = path
	}
	if err := envInt("ACCORD_SNAPSHOT_INTERVAL", &cfg.EventLog.SnapshotInterval); err != nil {
		return err
	}
	if err := envDuration("ACCORD_VOTING_TIMEOUT", &cfg.Resolution.VotingTimeout); err != nil {
		return err
	}
	if err := envDuration("ACCORD_MAX_SESSION_AGE", &cfg.Resolution.MaxSessionAge); err != nil {
		return err
	}
	if err := envBool("ACCORD_AI_ENABLED", &cfg.AI.Enabled); err != nil {
		return err
	}
	if key := os.Getenv("ACCORD_AI_API_KEY"); key != "" {
		cfg.AI.APIKey = key
	}
	if model := os.Getenv("ACCORD_AI_MODEL"); model != "" {
		cfg.AI.Model = model
	}
	if err := envDuration("ACCORD_AI_TIMEOUT", &cfg.Merge.AITimeout); err != nil {
		return err
	}
	if brokers := os.Getenv("ACCORD_KAFKA_BROKERS"); brokers != "" {
		cfg.Notify.KafkaBrokers = splitList(brokers)
	}
	if topic := os.Getenv("ACCORD_KAFKA_TOPIC"); topic != "" {
		cfg.Notify.KafkaTopic = topic
	}
	return envInt("ACCORD_CACHE_SIZE", &cfg.Cache.ReconstructSize)
}

func envInt(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = n
	return nil
}

func envBool(name string, dst *bool) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = b
	return nil
}

func envDuration(name string, dst *time.Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = d
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseTokens reads "token=user,token=user".
func parseTokens(v string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range splitList(v) {
		token, user, ok := strings.Cut(pair, "=")
		if !ok || token == "" || user == "" {
			return nil, fmt.Errorf("invalid ACCORD_AUTH_TOKENS entry %q", pair)
		}
		out[token] = user
	}
	return out, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}
