package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tidewatch/internal/maintenance"
	"github.com/spf13/viper"
)

const (
	envPrefix                 = "TIDEWATCH"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabaseDriver     = "sqlite"
	defaultDatabasePath       = "tidewatch.db"
	defaultLogLevel           = "info"
	defaultLogFormat          = "json"
	defaultAuthIssuer         = "tidewatch"
	defaultTokenTTLMinutes    = 720
	defaultIngestShards       = 4
	defaultIngestQueueSize    = 1024
	defaultSpoofLimitKM       = 500.0
	defaultSpoofCacheTTL      = 10 * time.Second
	defaultEnrichmentBaseURL  = "https://api.marinesia.com/api/v1"
	defaultEnrichmentInterval = 100 * time.Millisecond
	defaultEnrichmentCacheTTL = 24 * time.Hour
	defaultEnrichmentQueue    = 1024
	defaultNATSSubjectPrefix  = "tidewatch.events"
	defaultUploadDir          = "uploads"
	defaultSerialBaud         = 38400
)

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// AppConfig captures runtime configuration for the ingestion service.
type AppConfig struct {
	HTTPAddress string

	DatabaseDriver string
	DatabaseDSN    string
	DatabasePath   string

	LogLevel  string
	LogFormat string

	SigningSecret string
	AuthIssuer    string
	TokenTTL      time.Duration

	IngestShards    int
	IngestQueueSize int

	RejectNullIsland bool
	RejectSentinels  bool

	DefaultSpoofLimitKM float64
	SpoofCacheTTL       time.Duration

	EnrichmentAPIKey      string
	EnrichmentBaseURL     string
	EnrichmentMinInterval time.Duration
	EnrichmentCacheTTL    time.Duration
	EnrichmentQueueSize   int

	NATSURL           string
	NATSSubjectPrefix string

	MaintenanceSchedule string
	UploadDir           string
	DefaultSerialBaud   int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("ingest.shards", defaultIngestShards)
	configViper.SetDefault("ingest.queue_size", defaultIngestQueueSize)
	configViper.SetDefault("position.reject_null_island", true)
	configViper.SetDefault("position.reject_sentinels", true)
	configViper.SetDefault("source.default_spoof_limit_km", defaultSpoofLimitKM)
	configViper.SetDefault("spoof.cache_ttl", defaultSpoofCacheTTL)
	configViper.SetDefault("enrichment.base_url", defaultEnrichmentBaseURL)
	configViper.SetDefault("enrichment.min_interval", defaultEnrichmentInterval)
	configViper.SetDefault("enrichment.cache_ttl", defaultEnrichmentCacheTTL)
	configViper.SetDefault("enrichment.queue_size", defaultEnrichmentQueue)
	configViper.SetDefault("nats.subject_prefix", defaultNATSSubjectPrefix)
	configViper.SetDefault("maintenance.schedule", maintenance.DefaultSchedule)
	configViper.SetDefault("upload.dir", defaultUploadDir)
	configViper.SetDefault("serial.default_baud", defaultSerialBaud)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:           configViper.GetString("http.address"),
		DatabaseDriver:        strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:           configViper.GetString("database.dsn"),
		DatabasePath:          configViper.GetString("database.path"),
		LogLevel:              configViper.GetString("log.level"),
		LogFormat:             strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),
		SigningSecret:         configViper.GetString("auth.signing_secret"),
		AuthIssuer:            configViper.GetString("auth.issuer"),
		TokenTTL:              time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		IngestShards:          configViper.GetInt("ingest.shards"),
		IngestQueueSize:       configViper.GetInt("ingest.queue_size"),
		RejectNullIsland:      configViper.GetBool("position.reject_null_island"),
		RejectSentinels:       configViper.GetBool("position.reject_sentinels"),
		DefaultSpoofLimitKM:   configViper.GetFloat64("source.default_spoof_limit_km"),
		SpoofCacheTTL:         configViper.GetDuration("spoof.cache_ttl"),
		EnrichmentAPIKey:      configViper.GetString("enrichment.api_key"),
		EnrichmentBaseURL:     configViper.GetString("enrichment.base_url"),
		EnrichmentMinInterval: configViper.GetDuration("enrichment.min_interval"),
		EnrichmentCacheTTL:    configViper.GetDuration("enrichment.cache_ttl"),
		EnrichmentQueueSize:   configViper.GetInt("enrichment.queue_size"),
		NATSURL:               configViper.GetString("nats.url"),
		NATSSubjectPrefix:     configViper.GetString("nats.subject_prefix"),
		MaintenanceSchedule:   configViper.GetString("maintenance.schedule"),
		UploadDir:             configViper.GetString("upload.dir"),
		DefaultSerialBaud:     configViper.GetInt("serial.default_baud"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// AuthEnabled reports whether mutating routes require an operator token.
func (c AppConfig) AuthEnabled() bool {
	return strings.TrimSpace(c.SigningSecret) != ""
}

// EnrichmentEnabled reports whether the profile lookup worker should run.
func (c AppConfig) EnrichmentEnabled() bool {
	return strings.TrimSpace(c.EnrichmentAPIKey) != ""
}

func (c AppConfig) validate() error {
	switch c.DatabaseDriver {
	case DriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DriverPostgres, DriverMySQL:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the %s driver", c.DatabaseDriver)
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("log.format %q is not supported", c.LogFormat)
	}
	if c.IngestShards <= 0 {
		return fmt.Errorf("ingest.shards must be positive")
	}
	if c.IngestQueueSize <= 0 {
		return fmt.Errorf("ingest.queue_size must be positive")
	}
	if c.DefaultSpoofLimitKM <= 0 {
		return fmt.Errorf("source.default_spoof_limit_km must be positive")
	}
	if c.AuthEnabled() && c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.EnrichmentQueueSize <= 0 {
		return fmt.Errorf("enrichment.queue_size must be positive")
	}
	if err := maintenance.ValidateSchedule(c.MaintenanceSchedule); err != nil {
		return fmt.Errorf("maintenance.schedule: %w", err)
	}
	if strings.TrimSpace(c.UploadDir) == "" {
		return fmt.Errorf("upload.dir is required")
	}
	return nil
}
