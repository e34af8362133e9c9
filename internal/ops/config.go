package ops

import (
	"bytes"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/yanun0323/errors"
	"gopkg.in/yaml.v3"

	"tradeconn/internal/adapter/enum"
	"tradeconn/internal/connector"
	"tradeconn/internal/restclient"
	"tradeconn/internal/state"
	"tradeconn/internal/venue/binance"
	"tradeconn/internal/venue/btcc"
	"tradeconn/pkg/conn"
	"tradeconn/pkg/exception"
)

const (
	EnvAPIKey    = "TRADECONN_API_KEY"
	EnvSecretKey = "TRADECONN_SECRET_KEY"
	EnvPGDSN     = "TRADECONN_PG_DSN"
)

// SinkKind selects where tracked orders are persisted.
type SinkKind string

const (
	SinkNone     SinkKind = "none"
	SinkFile     SinkKind = "file"
	SinkPostgres SinkKind = "postgres"
	SinkS3       SinkKind = "s3"
)

// FileConfig mirrors the YAML config layout.
type FileConfig struct {
	Venue       VenueConfig       `yaml:"venue"`
	Connector   ConnectorConfig   `yaml:"connector"`
	Retry       RetryConfig       `yaml:"retry"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Profiling   ProfilingConfig   `yaml:"profiling"`
}

// VenueConfig selects the exchange and its endpoints.
type VenueConfig struct {
	Name      string `yaml:"name"`
	Dev       bool   `yaml:"dev"`
	BaseURL   string `yaml:"base_url"`
	StreamURL string `yaml:"stream_url"`
	APIKey    string `yaml:"api_key"`
	SecretKey string `yaml:"secret_key"`
	// Stream enables the private push stream. Defaults to true.
	Stream *bool `yaml:"stream"`
	// Timeout bounds one REST call.
	Timeout time.Duration `yaml:"timeout"`
}

type ConnectorConfig struct {
	TradingPairs         []string      `yaml:"trading_pairs"`
	ClientOrderIDPrefix  string        `yaml:"client_order_id_prefix"`
	NotFoundThreshold    int           `yaml:"not_found_threshold"`
	StreamRestartDelay   time.Duration `yaml:"stream_restart_delay"`
	ShortPollInterval    time.Duration `yaml:"short_poll_interval"`
	LongPollInterval     time.Duration `yaml:"long_poll_interval"`
	TickIntervalLimit    time.Duration `yaml:"tick_interval_limit"`
	TradingRulesInterval time.Duration `yaml:"trading_rules_interval"`
	TradingFeesInterval  time.Duration `yaml:"trading_fees_interval"`
	SnapshotInterval     time.Duration `yaml:"snapshot_interval"`
	PlacementAttempts    int           `yaml:"placement_attempts"`
	ProbeAttempts        int           `yaml:"probe_attempts"`
	CancelAllTimeout     time.Duration `yaml:"cancel_all_timeout"`
}

type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	InitialInterval   time.Duration `yaml:"initial_interval"`
	MaxInterval       time.Duration `yaml:"max_interval"`
	MaxRateLimitWaits int           `yaml:"max_rate_limit_waits"`
}

type PersistenceConfig struct {
	Kind     SinkKind       `yaml:"kind"`
	Path     string         `yaml:"path"`
	Postgres PostgresConfig `yaml:"postgres"`
	S3       S3Config       `yaml:"s3"`
}

type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Key             string `yaml:"key"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type ProfilingConfig struct {
	PyroscopeServer string `yaml:"pyroscope_server"`
	AppName         string `yaml:"app_name"`
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	Platform         enum.Platform
	BaseURL          string
	StreamURL        string
	StreamEnabled    bool
	Credentials      Credentials
	Timeout          time.Duration
	Connector        connector.Config
	Retry            restclient.RetryPolicy
	CancelAllTimeout time.Duration
	Persistence      Persistence
	Profiling        ProfilingConfig
}

type Credentials struct {
	APIKey    string
	SecretKey string
}

// Persistence is the resolved sink choice. Only the section matching Kind is set.
type Persistence struct {
	Kind     SinkKind
	Path     string
	Postgres conn.Option
	DSN      string
	S3       state.S3Config
}

// LoadEnv loads the given dotenv files. Missing files are ignored.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "load env file %s", f)
		}
	}
	return nil
}

// Load reads a YAML config file, expands ${VAR} references and resolves it.
func Load(path string) (Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, errors.Wrapf(err, "read config %s", path)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse decodes a YAML document and resolves it. Unknown keys are rejected.
func Parse(data []byte) (Loaded, error) {
	var cfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Loaded{}, exception.NewFatalConfig("decode config: " + err.Error())
	}
	return Resolve(cfg)
}

// Resolve applies environment overrides and defaults, collecting every problem
// into one FatalConfigError.
func Resolve(cfg FileConfig) (Loaded, error) {
	var problems []string

	platform := enum.ParsePlatform(cfg.Venue.Name)
	if !platform.IsAvailable() {
		problems = append(problems, "unknown venue "+strconv.Quote(cfg.Venue.Name))
	}
	base, streamURL := endpoints(platform, cfg.Venue)

	creds := Credentials{
		APIKey:    envOr(EnvAPIKey, cfg.Venue.APIKey),
		SecretKey: envOr(EnvSecretKey, cfg.Venue.SecretKey),
	}
	if creds.APIKey == "" || creds.SecretKey == "" {
		problems = append(problems, "api key and secret key are required")
	}

	pairs := make([]string, 0, len(cfg.Connector.TradingPairs))
	for _, p := range cfg.Connector.TradingPairs {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p != "" && !strings.Contains(p, "-") {
			problems = append(problems, "trading pair "+p+" is not BASE-QUOTE")
		}
		pairs = append(pairs, p)
	}

	persistence, pp := resolvePersistence(cfg.Persistence)
	problems = append(problems, pp...)

	if err := exception.NewFatalConfig(problems...); err != nil {
		return Loaded{}, err
	}

	streamEnabled := true
	if cfg.Venue.Stream != nil {
		streamEnabled = *cfg.Venue.Stream
	}
	cancelAll := cfg.Connector.CancelAllTimeout
	if cancelAll <= 0 {
		cancelAll = 10 * time.Second
	}

	return Loaded{
		Platform:      platform,
		BaseURL:       base,
		StreamURL:     streamURL,
		StreamEnabled: streamEnabled,
		Credentials:   creds,
		Timeout:       cfg.Venue.Timeout,
		Connector: connector.Config{
			TradingPairs:         pairs,
			ClientOrderIDPrefix:  cfg.Connector.ClientOrderIDPrefix,
			NotFoundThreshold:    cfg.Connector.NotFoundThreshold,
			StreamRestartDelay:   cfg.Connector.StreamRestartDelay,
			ShortPollInterval:    cfg.Connector.ShortPollInterval,
			LongPollInterval:     cfg.Connector.LongPollInterval,
			TickIntervalLimit:    cfg.Connector.TickIntervalLimit,
			TradingRulesInterval: cfg.Connector.TradingRulesInterval,
			TradingFeesInterval:  cfg.Connector.TradingFeesInterval,
			SnapshotInterval:     cfg.Connector.SnapshotInterval,
			PlacementAttempts:    cfg.Connector.PlacementAttempts,
			ProbeAttempts:        cfg.Connector.ProbeAttempts,
		},
		Retry: restclient.RetryPolicy{
			MaxAttempts:       cfg.Retry.MaxAttempts,
			InitialInterval:   cfg.Retry.InitialInterval,
			MaxInterval:       cfg.Retry.MaxInterval,
			MaxRateLimitWaits: cfg.Retry.MaxRateLimitWaits,
		},
		CancelAllTimeout: cancelAll,
		Persistence:      persistence,
		Profiling:        cfg.Profiling,
	}, nil
}

func endpoints(p enum.Platform, v VenueConfig) (string, string) {
	var base, ws string
	switch p {
	case enum.PlatformBTCC:
		base, ws = btcc.BaseURL, btcc.StreamURL
		if v.Dev {
			base, ws = btcc.BaseURLDev, btcc.StreamURLDev
		}
	case enum.PlatformBinance:
		base, ws = binance.BaseURL, binance.StreamURL
		if v.Dev {
			base, ws = binance.BaseURLTestnet, binance.StreamURLTestnet
		}
	}
	if v.BaseURL != "" {
		base = v.BaseURL
	}
	if v.StreamURL != "" {
		ws = v.StreamURL
	}
	return base, ws
}

func resolvePersistence(cfg PersistenceConfig) (Persistence, []string) {
	kind := cfg.Kind
	if kind == "" {
		kind = SinkNone
	}
	out := Persistence{Kind: kind}
	switch kind {
	case SinkNone:
	case SinkFile:
		if cfg.Path == "" {
			return out, []string{"persistence path is required for the file sink"}
		}
		out.Path = cfg.Path
	case SinkPostgres:
		out.DSN = os.Getenv(EnvPGDSN)
		pg := cfg.Postgres
		if out.DSN == "" && (pg.Host == "" || pg.Database == "") {
			return out, []string{"postgres host and database are required"}
		}
		out.Postgres = conn.Option{
			Host:         pg.Host,
			Port:         pg.Port,
			User:         pg.User,
			Password:     pg.Password,
			Database:     pg.Database,
			SSLMode:      pg.SSLMode,
			MaxOpenConns: pg.MaxConns,
		}
	case SinkS3:
		out.S3 = state.S3Config{
			Bucket:          cfg.S3.Bucket,
			Key:             cfg.S3.Key,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			PathStyle:       cfg.S3.PathStyle,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		}
		if out.S3.Bucket == "" || out.S3.Key == "" {
			return out, []string{"s3 bucket and key are required"}
		}
	default:
		return out, []string{"unknown persistence kind " + strconv.Quote(string(kind))}
	}
	return out, nil
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
