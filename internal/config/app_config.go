// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/fundwatch/errs"
	"github.com/coachpo/fundwatch/internal/infra/bus/eventbus"
	"github.com/coachpo/fundwatch/internal/infra/persistence"
	"github.com/coachpo/fundwatch/internal/quote"
	"github.com/coachpo/fundwatch/internal/refresh"
	"github.com/coachpo/fundwatch/internal/telemetry"
)

// Environment variables that override file values.
const (
	EnvVarEnvironment = "FUNDWATCH_ENV"
	EnvVarDatabaseDSN = "FUNDWATCH_DATABASE_DSN"
	EnvVarAPIAddr     = "FUNDWATCH_API_ADDR"
	EnvVarLogLevel    = "FUNDWATCH_LOG_LEVEL"
)

// RefreshConfig tunes the refresh engine.
type RefreshConfig struct {
	WindowSize       int           `yaml:"windowSize"`
	RetryCount       int           `yaml:"retryCount"`
	BaseDelay        time.Duration `yaml:"baseDelay"`
	Multiplier       float64       `yaml:"multiplier"`
	MaxDelay         time.Duration `yaml:"maxDelay"`
	Timeout          time.Duration `yaml:"timeout"`
	InterWindowDelay time.Duration `yaml:"interWindowDelay"`
	Correlation      string        `yaml:"correlation"`
	Overlap          string        `yaml:"overlap"`
	AutoInterval     time.Duration `yaml:"autoInterval"`
	RetryOn          []string      `yaml:"retryOn"`
}

// ProviderConfig describes the upstream quote endpoint.
type ProviderConfig struct {
	BaseURL     string        `yaml:"baseURL"`
	UserAgent   string        `yaml:"userAgent"`
	Referer     string        `yaml:"referer"`
	RateLimit   float64       `yaml:"rateLimit"`
	Burst       int           `yaml:"burst"`
	HTTPTimeout time.Duration `yaml:"httpTimeout"`
}

// StorageConfig selects the fund repository.
type StorageConfig struct {
	Driver StorageDriver `yaml:"driver"`
	Path   string        `yaml:"path"`
}

// DatabaseConfig configures the PostgreSQL pool used by the postgres driver.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	ConnectTimeout    time.Duration `yaml:"connectTimeout"`
	RunMigrations     bool          `yaml:"runMigrations"`
	MigrationsDir     string        `yaml:"migrationsDir"`
}

// APIServerConfig configures the control API.
type APIServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	// AllowedOrigins are host patterns allowed to open the event stream from
	// another origin.
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// LoggingConfig selects the minimum log level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// EventbusConfig sets in-memory event bus sizing characteristics.
type EventbusConfig struct {
	BufferSize    int                 `yaml:"bufferSize"`
	FanoutWorkers FanoutWorkerSetting `yaml:"fanoutWorkers"`
}

type fanoutWorkerKind int

const (
	fanoutWorkerUnset fanoutWorkerKind = iota
	fanoutWorkerExplicit
	fanoutWorkerAuto
	fanoutWorkerDefault
)

const defaultFanoutWorkers = 4

// FanoutWorkerSetting accepts an integer, "auto" or "default".
type FanoutWorkerSetting struct {
	kind  fanoutWorkerKind
	value int
}

// FanoutWorkers returns an explicit worker count setting.
func FanoutWorkers(n int) FanoutWorkerSetting {
	return FanoutWorkerSetting{kind: fanoutWorkerExplicit, value: n}
}

// UnmarshalYAML supports integer, "auto", and "default" values for fanout workers.
func (s *FanoutWorkerSetting) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = FanoutWorkerSetting{kind: fanoutWorkerUnset, value: 0}
		return nil
	}

	text := strings.TrimSpace(node.Value)
	if text == "" {
		s.kind = fanoutWorkerUnset
		s.value = 0
		return nil
	}

	switch strings.ToLower(text) {
	case "auto":
		s.kind = fanoutWorkerAuto
		s.value = 0
		return nil
	case "default":
		s.kind = fanoutWorkerDefault
		s.value = 0
		return nil
	}

	val, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("fanoutWorkers: invalid value %q", node.Value)
	}
	if val <= 0 {
		return fmt.Errorf("fanoutWorkers: numeric value must be > 0")
	}
	s.kind = fanoutWorkerExplicit
	s.value = val
	return nil
}

// MarshalYAML renders the setting back to its symbolic or numeric form.
func (s FanoutWorkerSetting) MarshalYAML() (any, error) {
	switch s.kind {
	case fanoutWorkerExplicit:
		return s.value, nil
	case fanoutWorkerAuto:
		return "auto", nil
	default:
		return "default", nil
	}
}

func (s FanoutWorkerSetting) resolve() int {
	switch s.kind {
	case fanoutWorkerExplicit:
		return s.value
	case fanoutWorkerAuto:
		if cores := runtime.NumCPU(); cores > 0 {
			return cores
		}
		return defaultFanoutWorkers
	default:
		return defaultFanoutWorkers
	}
}

// FanoutWorkerCount returns the resolved worker count for use by runtime components.
func (c EventbusConfig) FanoutWorkerCount() int {
	return c.FanoutWorkers.resolve()
}

// AppConfig is the unified fundwatch configuration sourced from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Refresh     RefreshConfig   `yaml:"refresh"`
	Provider    ProviderConfig  `yaml:"provider"`
	Storage     StorageConfig   `yaml:"storage"`
	Database    DatabaseConfig  `yaml:"database"`
	APIServer   APIServerConfig `yaml:"apiServer"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Eventbus    EventbusConfig  `yaml:"eventbus"`
	Logging     LoggingConfig   `yaml:"logging"`
}

// Default returns the configuration used when no file is present.
func Default() AppConfig {
	retry := refresh.DefaultRetryPolicy()
	retryOn := make([]string, 0, len(retry.RetryOn))
	for _, code := range retry.RetryOn {
		retryOn = append(retryOn, string(code))
	}
	return AppConfig{
		Environment: EnvDev,
		Refresh: RefreshConfig{
			WindowSize:       5,
			RetryCount:       retry.MaxRetries,
			BaseDelay:        retry.InitialDelay,
			Multiplier:       retry.Multiplier,
			MaxDelay:         retry.MaxDelay,
			Timeout:          10 * time.Second,
			InterWindowDelay: refresh.DefaultInterWindowDelay,
			Correlation:      string(refresh.CorrelateByRequest),
			Overlap:          string(refresh.OverlapAllow),
			AutoInterval:     0,
			RetryOn:          retryOn,
		},
		Provider: ProviderConfig{
			BaseURL:     quote.DefaultBaseURL,
			UserAgent:   "Mozilla/5.0 (compatible; fundwatch/1.0)",
			Referer:     "https://fund.eastmoney.com/",
			RateLimit:   10,
			Burst:       5,
			HTTPTimeout: 15 * time.Second,
		},
		Storage: StorageConfig{
			Driver: StorageFile,
			Path:   "data/funds.json",
		},
		Database: DatabaseConfig{
			MaxConns:          4,
			HealthCheckPeriod: time.Minute,
			ConnectTimeout:    5 * time.Second,
			RunMigrations:     true,
		},
		APIServer: APIServerConfig{
			Addr:            ":8880",
			ShutdownTimeout: 5 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			OTLPEndpoint:  "localhost:4318",
			ServiceName:   "fundwatch",
			OTLPInsecure:  true,
			EnableMetrics: true,
		},
		Eventbus: EventbusConfig{
			BufferSize:    64,
			FanoutWorkers: FanoutWorkerSetting{kind: fanoutWorkerDefault, value: 0},
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads and validates an AppConfig from the provided YAML file. Keys
// absent from the file keep their Default values.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	return finish(cfg)
}

// LoadOrDefault loads configPath, falling back to Default when the file does
// not exist. The boolean reports whether the file was read.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, bool, error) {
	if strings.TrimSpace(configPath) != "" {
		cfg, err := Load(ctx, configPath)
		if err == nil {
			return cfg, true, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return AppConfig{}, false, err
		}
	}
	cfg, err := finish(Default())
	if err != nil {
		return AppConfig{}, false, err
	}
	return cfg, false, nil
}

func finish(cfg AppConfig) (AppConfig, error) {
	cfg.loadEnv()
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) loadEnv() {
	if env := strings.TrimSpace(os.Getenv(EnvVarEnvironment)); env != "" {
		c.Environment = Environment(env)
	}
	if dsn := strings.TrimSpace(os.Getenv(EnvVarDatabaseDSN)); dsn != "" {
		c.Database.DSN = dsn
	}
	if addr := strings.TrimSpace(os.Getenv(EnvVarAPIAddr)); addr != "" {
		c.APIServer.Addr = addr
	}
	if level := strings.TrimSpace(os.Getenv(EnvVarLogLevel)); level != "" {
		c.Logging.Level = level
	}
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(normalizeName(string(c.Environment)))
	c.Storage.Driver = StorageDriver(normalizeName(string(c.Storage.Driver)))
	c.Storage.Path = strings.TrimSpace(c.Storage.Path)
	c.Refresh.Correlation = normalizeName(c.Refresh.Correlation)
	c.Refresh.Overlap = normalizeName(c.Refresh.Overlap)
	for i, code := range c.Refresh.RetryOn {
		c.Refresh.RetryOn[i] = normalizeName(code)
	}
	c.Provider.BaseURL = strings.TrimRight(strings.TrimSpace(c.Provider.BaseURL), "/")
	c.Provider.UserAgent = strings.TrimSpace(c.Provider.UserAgent)
	c.Provider.Referer = strings.TrimSpace(c.Provider.Referer)
	c.Database.DSN = strings.TrimSpace(c.Database.DSN)
	c.Database.MigrationsDir = strings.TrimSpace(c.Database.MigrationsDir)
	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	origins := c.APIServer.AllowedOrigins[:0]
	for _, origin := range c.APIServer.AllowedOrigins {
		if origin = strings.ToLower(strings.TrimSpace(origin)); origin != "" {
			origins = append(origins, origin)
		}
	}
	c.APIServer.AllowedOrigins = origins
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	c.Logging.Level = normalizeName(c.Logging.Level)

	if c.Provider.Burst <= 0 {
		c.Provider.Burst = 1
	}
	if c.Refresh.Multiplier == 0 {
		c.Refresh.Multiplier = 1
	}
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	r := c.Refresh
	if r.WindowSize < 1 {
		return fmt.Errorf("refresh windowSize must be >= 1")
	}
	if r.RetryCount < 1 {
		return fmt.Errorf("refresh retryCount must be >= 1")
	}
	if r.BaseDelay < 0 || r.MaxDelay < 0 || r.InterWindowDelay < 0 || r.AutoInterval < 0 {
		return fmt.Errorf("refresh delays must be >= 0")
	}
	if r.Multiplier < 1 {
		return fmt.Errorf("refresh multiplier must be >= 1")
	}
	if r.Timeout <= 0 {
		return fmt.Errorf("refresh timeout must be > 0")
	}
	if _, err := refresh.ParseCorrelationMode(r.Correlation); err != nil {
		return fmt.Errorf("refresh correlation: %w", err)
	}
	if _, err := refresh.ParseOverlapPolicy(r.Overlap); err != nil {
		return fmt.Errorf("refresh overlap: %w", err)
	}
	if _, err := parseRetryOn(r.RetryOn); err != nil {
		return err
	}

	if c.Provider.BaseURL == "" {
		return fmt.Errorf("provider baseURL required")
	}
	if c.Provider.RateLimit < 0 {
		return fmt.Errorf("provider rateLimit must be >= 0")
	}
	if c.Provider.HTTPTimeout < 0 {
		return fmt.Errorf("provider httpTimeout must be >= 0")
	}

	switch c.Storage.Driver {
	case StorageMemory:
	case StorageFile:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage path required for the file driver")
		}
	case StoragePostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database dsn required for the postgres driver (or set %s)", EnvVarDatabaseDSN)
		}
	default:
		return fmt.Errorf("storage driver must be one of memory, file, postgres")
	}
	if c.Database.MinConns < 0 || c.Database.MaxConns < 0 {
		return fmt.Errorf("database pool sizes must be >= 0")
	}
	if c.Database.MaxConns > 0 && c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("database minConns must not exceed maxConns")
	}

	if c.APIServer.Addr == "" {
		return fmt.Errorf("apiServer addr required")
	}
	for _, origin := range c.APIServer.AllowedOrigins {
		if _, err := path.Match(origin, ""); err != nil {
			return fmt.Errorf("apiServer allowedOrigins: invalid pattern %q", origin)
		}
	}

	if c.Eventbus.BufferSize <= 0 {
		return fmt.Errorf("eventbus bufferSize must be >0")
	}
	if c.Eventbus.FanoutWorkerCount() <= 0 {
		return fmt.Errorf("eventbus fanoutWorkers must be >0")
	}

	if c.Telemetry.Enabled && c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	return nil
}

func parseRetryOn(raw []string) ([]errs.Code, error) {
	codes := make([]errs.Code, 0, len(raw))
	for _, value := range raw {
		code, ok := errs.ParseCode(value)
		if !ok {
			return nil, fmt.Errorf("refresh retryOn: unknown error code %q", value)
		}
		if code == errs.CodeCancelled {
			return nil, fmt.Errorf("refresh retryOn: %s is never retried", code)
		}
		codes = append(codes, code)
	}
	return codes, nil
}

// RetryPolicy builds the engine retry policy.
func (c AppConfig) RetryPolicy() refresh.RetryPolicy {
	codes, _ := parseRetryOn(c.Refresh.RetryOn)
	return refresh.RetryPolicy{
		MaxRetries:   c.Refresh.RetryCount,
		InitialDelay: c.Refresh.BaseDelay,
		Multiplier:   c.Refresh.Multiplier,
		MaxDelay:     c.Refresh.MaxDelay,
		RetryOn:      codes,
	}
}

// EngineConfig builds the coordinator configuration.
func (c AppConfig) EngineConfig() refresh.Config {
	overlap, _ := refresh.ParseOverlapPolicy(c.Refresh.Overlap)
	return refresh.Config{
		WindowSize:       c.Refresh.WindowSize,
		InterWindowDelay: c.Refresh.InterWindowDelay,
		Retry:            c.RetryPolicy(),
		Overlap:          overlap,
	}
}

// TransportConfig builds the JSONP transport configuration.
func (c AppConfig) TransportConfig() refresh.TransportConfig {
	mode, _ := refresh.ParseCorrelationMode(c.Refresh.Correlation)
	return refresh.TransportConfig{
		BaseURL:     c.Provider.BaseURL,
		UserAgent:   c.Provider.UserAgent,
		Referer:     c.Provider.Referer,
		Timeout:     c.Refresh.Timeout,
		RateLimit:   c.Provider.RateLimit,
		Burst:       c.Provider.Burst,
		Correlation: mode,
	}
}

// PoolOptions builds the pgx pool options.
func (c AppConfig) PoolOptions() persistence.PoolOptions {
	return persistence.PoolOptions{
		DSN:               c.Database.DSN,
		MaxConns:          c.Database.MaxConns,
		MinConns:          c.Database.MinConns,
		MaxConnLifetime:   c.Database.MaxConnLifetime,
		MaxConnIdleTime:   c.Database.MaxConnIdleTime,
		HealthCheckPeriod: c.Database.HealthCheckPeriod,
		ConnectTimeout:    c.Database.ConnectTimeout,
	}
}

// BusConfig builds the event bus configuration.
func (c AppConfig) BusConfig() eventbus.MemoryConfig {
	return eventbus.MemoryConfig{
		BufferSize:    c.Eventbus.BufferSize,
		FanoutWorkers: c.Eventbus.FanoutWorkerCount(),
	}
}

// TelemetryConfig layers the file settings over base, which normally comes
// from telemetry.DefaultConfig and the OTEL_* environment.
func (c AppConfig) TelemetryConfig(base telemetry.Config) telemetry.Config {
	if c.Telemetry.OTLPEndpoint != "" {
		base.OTLPEndpoint = c.Telemetry.OTLPEndpoint
	}
	if c.Telemetry.ServiceName != "" {
		base.ServiceName = c.Telemetry.ServiceName
	}
	base.Enabled = base.Enabled || c.Telemetry.Enabled
	base.Environment = string(c.Environment)
	base.OTLPInsecure = c.Telemetry.OTLPInsecure
	base.EnableMetrics = c.Telemetry.EnableMetrics
	return base
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
