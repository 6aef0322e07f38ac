// Package config handles application configuration and environment loading.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environments accepted by ENVIRONMENT.
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// Warehouse backends accepted by WAREHOUSE_BACKEND.
const (
	BackendBigQuery = "bigquery"
	BackendDuckDB   = "duckdb"
)

// AuthConfig holds identity provider configuration.
type AuthConfig struct {
	FirebaseProjectID string // Firebase project that issues ID tokens
	JWKSURL           string // override for the secure-token JWKS endpoint
	JWTSecret         string // HS256 shared secret, development only
}

// Issuer returns the token issuer expected for the Firebase project.
func (a *AuthConfig) Issuer() string {
	return "https://securetoken.google.com/" + a.FirebaseProjectID
}

// WarehouseConfig holds BigQuery (or local DuckDB) settings.
type WarehouseConfig struct {
	Backend           string
	Location          string        // BIGQUERY_LOCATION (default "US")
	JobTimeout        time.Duration // BIGQUERY_JOB_TIMEOUT seconds (default 300)
	MaxResults        int           // BIGQUERY_MAX_RESULTS (default 10000)
	QuotaRetryBackoff time.Duration // pause before the single quota retry (default 1s)
	CredentialsFile   string        // GOOGLE_APPLICATION_CREDENTIALS
	CredentialsJSON   string        // FIREBASE_SERVICE_ACCOUNT_KEY
	DuckDBPath        string        // DUCKDB_PATH, empty for in-memory
}

// Config holds the configuration for the gateway. It is built once at startup
// and not mutated afterwards.
type Config struct {
	Port        string
	Env         string
	Debug       bool
	LogLevel    string
	MetricsOn   bool
	GCPProject  string   // default warehouse project
	Accessible  []string // warehouse project allowlist
	SuperAdmins []string // lower-cased email domains with super-admin access

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration
	IPRateLimitRPS    float64
	IPRateLimitBurst  int

	// Caching
	CacheTTL time.Duration
	RedisURL string

	// CORS
	AllowedOrigins []string

	Auth      AuthConfig
	Warehouse WarehouseConfig

	// Warnings collects non-fatal warnings generated during config loading.
	// These are logged by the caller after the logger is initialised.
	Warnings []string
}

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARNING", "WARN":
		return slog.LevelWarn
	case "ERROR", "CRITICAL":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsProduction returns true when the server is running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == EnvProduction && !c.Debug
}

// IsDevelopment returns true for local development or debug mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == EnvDevelopment || c.Debug
}

// ListenAddr returns the HTTP listen address.
func (c *Config) ListenAddr() string {
	return ":" + c.Port
}

// LoadDotEnv reads a .env file and sets any variables not already in the
// environment. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv loads configuration from environment variables. Missing required
// values or malformed numbers are returned as errors and must stop startup.
func LoadFromEnv() (*Config, error) {
	var errs []error
	p := &parser{errs: &errs}

	cfg := &Config{
		Port:              envDefault("PORT", "8080"),
		Env:               strings.ToLower(envDefault("ENVIRONMENT", EnvProduction)),
		Debug:             p.boolean("DEBUG", false),
		LogLevel:          strings.ToUpper(envDefault("LOG_LEVEL", "INFO")),
		MetricsOn:         p.boolean("ENABLE_METRICS", true),
		GCPProject:        firstEnv("GCP_PROJECT_ID", "GOOGLE_CLOUD_PROJECT"),
		Accessible:        splitList(os.Getenv("ACCESSIBLE_PROJECTS")),
		RateLimitRequests: p.integer("RATE_LIMIT_REQUESTS", 100),
		RateLimitWindow:   p.seconds("RATE_LIMIT_WINDOW", 900),
		IPRateLimitRPS:    p.float("IP_RATE_LIMIT_RPS", 50),
		IPRateLimitBurst:  p.integer("IP_RATE_LIMIT_BURST", 100),
		CacheTTL:          p.seconds("CACHE_TTL", 300),
		RedisURL:          firstEnv("REDIS_URL", "CACHE_URL"),
		AllowedOrigins:    splitList(envDefault("ALLOWED_ORIGINS", "http://localhost:3000")),
		Auth: AuthConfig{
			FirebaseProjectID: os.Getenv("FIREBASE_PROJECT_ID"),
			JWKSURL:           os.Getenv("FIREBASE_JWKS_URL"),
			JWTSecret:         os.Getenv("JWT_SECRET"),
		},
		Warehouse: WarehouseConfig{
			Backend:           strings.ToLower(envDefault("WAREHOUSE_BACKEND", BackendBigQuery)),
			Location:          envDefault("BIGQUERY_LOCATION", "US"),
			JobTimeout:        p.seconds("BIGQUERY_JOB_TIMEOUT", 300),
			MaxResults:        p.integer("BIGQUERY_MAX_RESULTS", 10000),
			QuotaRetryBackoff: p.duration("QUOTA_RETRY_BACKOFF", time.Second),
			CredentialsFile:   os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"),
			CredentialsJSON:   os.Getenv("FIREBASE_SERVICE_ACCOUNT_KEY"),
			DuckDBPath:        os.Getenv("DUCKDB_PATH"),
		},
	}

	domains := splitList(envDefault("SUPER_ADMIN_DOMAINS", "be-luma.com"))
	for _, d := range domains {
		cfg.SuperAdmins = append(cfg.SuperAdmins, strings.ToLower(d))
	}

	// Allowlist falls back to the default project.
	if len(cfg.Accessible) == 0 && cfg.GCPProject != "" {
		cfg.Accessible = []string{cfg.GCPProject}
	}

	errs = append(errs, cfg.validate()...)
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return cfg, nil
}

func (c *Config) validate() []error {
	var errs []error
	switch c.Env {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		errs = append(errs, fmt.Errorf("ENVIRONMENT must be one of development, staging, production (got %q)", c.Env))
	}
	switch c.LogLevel {
	case "DEBUG", "INFO", "WARNING", "ERROR", "CRITICAL":
	default:
		errs = append(errs, fmt.Errorf("LOG_LEVEL must be one of DEBUG, INFO, WARNING, ERROR, CRITICAL (got %q)", c.LogLevel))
	}
	if c.GCPProject == "" {
		errs = append(errs, fmt.Errorf("GCP_PROJECT_ID is required"))
	}
	if c.Auth.FirebaseProjectID == "" && c.Auth.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("FIREBASE_PROJECT_ID is required"))
	}
	if c.RateLimitRequests <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_REQUESTS must be positive"))
	}
	if c.RateLimitWindow <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_WINDOW must be positive"))
	}
	if c.CacheTTL < 0 {
		errs = append(errs, fmt.Errorf("CACHE_TTL must not be negative"))
	}
	if c.Warehouse.JobTimeout <= 0 {
		errs = append(errs, fmt.Errorf("BIGQUERY_JOB_TIMEOUT must be positive"))
	}
	if c.Warehouse.MaxResults <= 0 {
		errs = append(errs, fmt.Errorf("BIGQUERY_MAX_RESULTS must be positive"))
	}
	switch c.Warehouse.Backend {
	case BackendBigQuery, BackendDuckDB:
	default:
		errs = append(errs, fmt.Errorf("WAREHOUSE_BACKEND must be bigquery or duckdb (got %q)", c.Warehouse.Backend))
	}
	if c.Warehouse.CredentialsJSON != "" && !json.Valid([]byte(c.Warehouse.CredentialsJSON)) {
		errs = append(errs, fmt.Errorf("FIREBASE_SERVICE_ACCOUNT_KEY is not valid JSON"))
	}

	if c.Auth.JWTSecret != "" {
		c.Warnings = append(c.Warnings, "JWT_SECRET is set: HS256 development tokens are accepted instead of Firebase ID tokens")
	}
	if c.RedisURL == "" {
		c.Warnings = append(c.Warnings, "REDIS_URL not set: rate limits and cache are per instance")
	}

	// Production mode: insecure settings are fatal errors.
	if c.Env == EnvProduction {
		if c.Auth.JWTSecret != "" {
			errs = append(errs, fmt.Errorf("JWT_SECRET is not allowed in production"))
		}
		if c.Auth.FirebaseProjectID == "" {
			errs = append(errs, fmt.Errorf("FIREBASE_PROJECT_ID is required in production"))
		}
		for _, o := range c.AllowedOrigins {
			if o == "*" {
				errs = append(errs, fmt.Errorf("CORS wildcard (*) is not allowed in production"))
				break
			}
		}
		if c.Warehouse.Backend == BackendDuckDB {
			errs = append(errs, fmt.Errorf("WAREHOUSE_BACKEND=duckdb is not allowed in production"))
		}
	}
	return errs
}

// parser reads typed environment values, collecting every malformed value
// instead of stopping at the first.
type parser struct {
	errs *[]error
}

func (p *parser) fail(key, v, want string) {
	*p.errs = append(*p.errs, fmt.Errorf("%s: %q is not a valid %s", key, v, want))
}

func (p *parser) integer(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, "integer")
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, v, "number")
		return def
	}
	return f
}

// seconds parses an integer count of seconds.
func (p *parser) seconds(key string, def int) time.Duration {
	return time.Duration(p.integer(key, def)) * time.Second
}

// duration accepts Go duration strings ("1500ms") or bare seconds.
func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, "duration")
		return def
	}
	return d
}

func (p *parser) boolean(key string, def bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	switch v {
	case "":
		return def
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	p.fail(key, v, "boolean")
	return def
}

func envDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
