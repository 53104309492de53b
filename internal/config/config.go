package config

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/blackmichael/eueoeo-feed/internal/domain"
	"github.com/spf13/viper"
)

const (
	envPrefix = "FEEDGEN"

	ProtocolRepos     = "repos"
	ProtocolJetstream = "jetstream"

	MatchExact    = "exact"
	MatchKeywords = "keywords"
	MatchCEL      = "cel"
)

// Config holds all configuration for the application.
type Config struct {
	HTTP HTTPConfig

	// Hostname is the public hostname where this service is reachable (used for did:web).
	Hostname string

	// PublisherDID is the DID of the account that published the feed generator records.
	PublisherDID string

	serviceDID string

	Database  DatabaseConfig
	Firehose  FirehoseConfig
	Match     MatchConfig
	Retention RetentionConfig
	Notify    NotifyConfig
	Telemetry TelemetryConfig
	LogLevel  slog.Level
}

type HTTPConfig struct {
	Port       int
	ListenHost string
}

type DatabaseConfig struct {
	// URL is a postgres:// connection string or a SQLite file path.
	URL string

	// Migrate applies the schema on startup.
	Migrate bool
}

// IsPostgres reports whether URL addresses a PostgreSQL server.
func (d DatabaseConfig) IsPostgres() bool {
	return strings.HasPrefix(d.URL, "postgres://") || strings.HasPrefix(d.URL, "postgresql://")
}

type FirehoseConfig struct {
	URL      string
	Protocol string

	// ZstdDictionary is the path of the Jetstream zstd dictionary. Setting it
	// requests compressed frames.
	ZstdDictionary string

	CursorSaveEvery int
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
}

type MatchConfig struct {
	Mode       string
	Token      string
	Keywords   []string
	Langs      []string
	Expression string
}

type RetentionConfig struct {
	MaxAge   time.Duration
	MaxRows  int
	Interval time.Duration
}

type NotifyConfig struct {
	RedisURL     string
	RedisChannel string
}

type TelemetryConfig struct {
	OTLPEndpoint string
	Insecure     bool
}

// ServiceDID returns the configured service DID, or the did:web for this feed
// generator based on the hostname.
func (c *Config) ServiceDID() string {
	if c.serviceDID != "" {
		return c.serviceDID
	}
	return "did:web:" + c.Hostname
}

// ListenAddr returns the host:port the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.HTTP.ListenHost, strconv.Itoa(c.HTTP.Port))
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	v := viper.New()
	ApplyDefaults(v)
	return v
}

// ApplyDefaults configures defaults and env bindings on the provided viper
// instance. PORT and DATABASE_URL are honoured for compatibility with
// platform-provided environments.
func ApplyDefaults(v *viper.Viper) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("http.port", envPrefix+"_HTTP_PORT", "PORT")
	_ = v.BindEnv("database.url", envPrefix+"_DATABASE_URL", "DATABASE_URL")

	v.SetDefault("http.port", 3000)
	v.SetDefault("http.listen_host", "0.0.0.0")
	v.SetDefault("hostname", "localhost")
	v.SetDefault("database.url", "feed.db")
	v.SetDefault("database.migrate", true)
	v.SetDefault("firehose.url", "wss://bsky.network")
	v.SetDefault("firehose.protocol", ProtocolRepos)
	v.SetDefault("firehose.cursor_save_every", 1)
	v.SetDefault("firehose.backoff.initial", time.Second)
	v.SetDefault("firehose.backoff.max", time.Minute)
	v.SetDefault("match.mode", MatchExact)
	v.SetDefault("match.token", domain.DefaultMatchToken)
	v.SetDefault("retention.max_age", 7*24*time.Hour)
	v.SetDefault("retention.max_rows", 500)
	v.SetDefault("retention.interval", time.Minute)
	v.SetDefault("telemetry.insecure", false)
	v.SetDefault("log.level", "info")
}

// Load parses runtime configuration from viper.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			Port:       v.GetInt("http.port"),
			ListenHost: v.GetString("http.listen_host"),
		},
		Hostname:     strings.TrimSpace(v.GetString("hostname")),
		PublisherDID: strings.TrimSpace(v.GetString("publisher_did")),
		serviceDID:   strings.TrimSpace(v.GetString("service_did")),
		Database: DatabaseConfig{
			URL:     strings.TrimSpace(v.GetString("database.url")),
			Migrate: v.GetBool("database.migrate"),
		},
		Firehose: FirehoseConfig{
			URL:             strings.TrimSpace(v.GetString("firehose.url")),
			Protocol:        strings.ToLower(v.GetString("firehose.protocol")),
			ZstdDictionary:  v.GetString("firehose.zstd_dictionary"),
			CursorSaveEvery: v.GetInt("firehose.cursor_save_every"),
			BackoffInitial:  v.GetDuration("firehose.backoff.initial"),
			BackoffMax:      v.GetDuration("firehose.backoff.max"),
		},
		Match: MatchConfig{
			Mode:       strings.ToLower(v.GetString("match.mode")),
			Token:      v.GetString("match.token"),
			Keywords:   stringList(v, "match.keywords"),
			Langs:      stringList(v, "match.langs"),
			Expression: v.GetString("match.expression"),
		},
		Retention: RetentionConfig{
			MaxAge:   v.GetDuration("retention.max_age"),
			MaxRows:  v.GetInt("retention.max_rows"),
			Interval: v.GetDuration("retention.interval"),
		},
		Notify: NotifyConfig{
			RedisURL:     strings.TrimSpace(v.GetString("notify.redis_url")),
			RedisChannel: v.GetString("notify.redis_channel"),
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: strings.TrimSpace(v.GetString("telemetry.otlp_endpoint")),
			Insecure:     v.GetBool("telemetry.insecure"),
		},
	}

	level, err := parseLevel(v.GetString("log.level"))
	if err != nil {
		return nil, err
	}
	cfg.LogLevel = level

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.PublisherDID == "" {
		return fmt.Errorf("publisher_did is required")
	}
	if !strings.HasPrefix(c.PublisherDID, "did:") {
		return fmt.Errorf("publisher_did must be a DID, got %q", c.PublisherDID)
	}
	if c.Hostname == "" {
		return fmt.Errorf("hostname is required")
	}
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.Firehose.URL == "" {
		return fmt.Errorf("firehose.url is required")
	}
	switch c.Firehose.Protocol {
	case ProtocolRepos, ProtocolJetstream:
	default:
		return fmt.Errorf("firehose.protocol must be %q or %q, got %q", ProtocolRepos, ProtocolJetstream, c.Firehose.Protocol)
	}
	if c.Firehose.ZstdDictionary != "" && c.Firehose.Protocol != ProtocolJetstream {
		return fmt.Errorf("firehose.zstd_dictionary requires the %s protocol", ProtocolJetstream)
	}
	if c.Firehose.CursorSaveEvery < 1 {
		return fmt.Errorf("firehose.cursor_save_every must be at least 1")
	}
	if c.Firehose.BackoffInitial <= 0 || c.Firehose.BackoffMax < c.Firehose.BackoffInitial {
		return fmt.Errorf("firehose.backoff must satisfy 0 < initial <= max")
	}
	switch c.Match.Mode {
	case MatchExact:
	case MatchKeywords:
		if len(c.Match.Keywords) == 0 {
			return fmt.Errorf("match.keywords is required for match.mode=%s", MatchKeywords)
		}
	case MatchCEL:
		if strings.TrimSpace(c.Match.Expression) == "" {
			return fmt.Errorf("match.expression is required for match.mode=%s", MatchCEL)
		}
	default:
		return fmt.Errorf("match.mode must be one of exact, keywords, cel; got %q", c.Match.Mode)
	}
	if c.Retention.Interval <= 0 {
		return fmt.Errorf("retention.interval must be positive")
	}
	if c.Retention.MaxRows < 0 || c.Retention.MaxAge < 0 {
		return fmt.Errorf("retention limits must not be negative")
	}
	return nil
}

// stringList reads a list that may be given as a YAML/JSON array or as a
// comma-separated env value.
func stringList(v *viper.Viper, key string) []string {
	var out []string
	for _, item := range v.GetStringSlice(key) {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("invalid log.level %q: %w", s, err)
	}
	return level, nil
}

// NewMatcher builds the matcher selected by Mode.
func (m MatchConfig) NewMatcher() (domain.Matcher, error) {
	switch m.Mode {
	case MatchKeywords:
		km, err := domain.NewKeywordMatcher(m.Keywords, m.Langs)
		if err != nil {
			return nil, fmt.Errorf("keyword matcher: %w", err)
		}
		return km, nil
	case MatchCEL:
		cm, err := domain.NewCELMatcher(m.Expression)
		if err != nil {
			return nil, fmt.Errorf("cel matcher: %w", err)
		}
		return cm, nil
	default:
		return domain.NewExactTextMatcher(m.Token), nil
	}
}
