package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setBaseEnv sets the minimum required variables and clears the optional ones
// so tests do not depend on the host environment.
func setBaseEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"PORT", "DEBUG", "LOG_LEVEL", "ENABLE_METRICS", "GOOGLE_CLOUD_PROJECT",
		"ACCESSIBLE_PROJECTS", "SUPER_ADMIN_DOMAINS", "RATE_LIMIT_REQUESTS",
		"RATE_LIMIT_WINDOW", "IP_RATE_LIMIT_RPS", "IP_RATE_LIMIT_BURST", "CACHE_TTL",
		"REDIS_URL", "CACHE_URL", "ALLOWED_ORIGINS", "FIREBASE_JWKS_URL", "JWT_SECRET",
		"WAREHOUSE_BACKEND", "BIGQUERY_LOCATION", "BIGQUERY_JOB_TIMEOUT",
		"BIGQUERY_MAX_RESULTS", "QUOTA_RETRY_BACKOFF", "GOOGLE_APPLICATION_CREDENTIALS",
		"FIREBASE_SERVICE_ACCOUNT_KEY", "DUCKDB_PATH",
	} {
		t.Setenv(k, "")
	}
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("GCP_PROJECT_ID", "gama-454419")
	t.Setenv("FIREBASE_PROJECT_ID", "be-luma-infra")
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, ":8080", cfg.ListenAddr())
	assert.Equal(t, EnvProduction, cfg.Env)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.True(t, cfg.MetricsOn)
	assert.Equal(t, []string{"gama-454419"}, cfg.Accessible)
	assert.Equal(t, []string{"be-luma.com"}, cfg.SuperAdmins)
	assert.Equal(t, 100, cfg.RateLimitRequests)
	assert.Equal(t, 900*time.Second, cfg.RateLimitWindow)
	assert.Equal(t, 300*time.Second, cfg.CacheTTL)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.AllowedOrigins)
	assert.Equal(t, BackendBigQuery, cfg.Warehouse.Backend)
	assert.Equal(t, "US", cfg.Warehouse.Location)
	assert.Equal(t, 300*time.Second, cfg.Warehouse.JobTimeout)
	assert.Equal(t, 10000, cfg.Warehouse.MaxResults)
	assert.Equal(t, time.Second, cfg.Warehouse.QuotaRetryBackoff)
	assert.Equal(t, "https://securetoken.google.com/be-luma-infra", cfg.Auth.Issuer())
	assert.Contains(t, cfg.Warnings, "REDIS_URL not set: rate limits and cache are per instance")
}

func TestLoadFromEnv_ParsesLists(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("ACCESSIBLE_PROJECTS", " gama-454419 , other-project,, ")
	t.Setenv("SUPER_ADMIN_DOMAINS", "Be-Luma.com,example.org")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example.com,https://b.example.com")
	t.Setenv("CACHE_URL", "redis://cache:6379/0")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, []string{"gama-454419", "other-project"}, cfg.Accessible)
	assert.Equal(t, []string{"be-luma.com", "example.org"}, cfg.SuperAdmins)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.AllowedOrigins)
	assert.Equal(t, "redis://cache:6379/0", cfg.RedisURL)
}

func TestLoadFromEnv_NumericOverrides(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("RATE_LIMIT_REQUESTS", "5")
	t.Setenv("RATE_LIMIT_WINDOW", "60")
	t.Setenv("CACHE_TTL", "1")
	t.Setenv("BIGQUERY_JOB_TIMEOUT", "30")
	t.Setenv("BIGQUERY_MAX_RESULTS", "500")
	t.Setenv("QUOTA_RETRY_BACKOFF", "250ms")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.RateLimitRequests)
	assert.Equal(t, time.Minute, cfg.RateLimitWindow)
	assert.Equal(t, time.Second, cfg.CacheTTL)
	assert.Equal(t, 30*time.Second, cfg.Warehouse.JobTimeout)
	assert.Equal(t, 500, cfg.Warehouse.MaxResults)
	assert.Equal(t, 250*time.Millisecond, cfg.Warehouse.QuotaRetryBackoff)
}

func TestLoadFromEnv_Errors(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{name: "missing gcp project", env: map[string]string{"GCP_PROJECT_ID": ""}, wantErr: "GCP_PROJECT_ID is required"},
		{name: "missing firebase project", env: map[string]string{"FIREBASE_PROJECT_ID": ""}, wantErr: "FIREBASE_PROJECT_ID is required"},
		{name: "bad integer", env: map[string]string{"RATE_LIMIT_REQUESTS": "lots"}, wantErr: `RATE_LIMIT_REQUESTS: "lots" is not a valid integer`},
		{name: "zero window", env: map[string]string{"RATE_LIMIT_WINDOW": "0"}, wantErr: "RATE_LIMIT_WINDOW must be positive"},
		{name: "bad environment", env: map[string]string{"ENVIRONMENT": "qa"}, wantErr: "ENVIRONMENT must be one of"},
		{name: "bad log level", env: map[string]string{"LOG_LEVEL": "verbose"}, wantErr: "LOG_LEVEL must be one of"},
		{name: "bad backend", env: map[string]string{"WAREHOUSE_BACKEND": "snowflake"}, wantErr: "WAREHOUSE_BACKEND must be bigquery or duckdb"},
		{name: "bad bool", env: map[string]string{"ENABLE_METRICS": "maybe"}, wantErr: `ENABLE_METRICS: "maybe" is not a valid boolean`},
		{name: "bad credentials json", env: map[string]string{"FIREBASE_SERVICE_ACCOUNT_KEY": "{not json"}, wantErr: "FIREBASE_SERVICE_ACCOUNT_KEY is not valid JSON"},
		{name: "jwt secret in production", env: map[string]string{"JWT_SECRET": "s3cret"}, wantErr: "JWT_SECRET is not allowed in production"},
		{name: "cors wildcard in production", env: map[string]string{"ALLOWED_ORIGINS": "*"}, wantErr: "CORS wildcard (*) is not allowed in production"},
		{name: "duckdb in production", env: map[string]string{"WAREHOUSE_BACKEND": "duckdb"}, wantErr: "WAREHOUSE_BACKEND=duckdb is not allowed in production"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setBaseEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			cfg, err := LoadFromEnv()
			require.Error(t, err)
			assert.Nil(t, cfg)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFromEnv_DevelopmentAllowsSharedSecret(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("ENVIRONMENT", "development")
	t.Setenv("FIREBASE_PROJECT_ID", "")
	t.Setenv("JWT_SECRET", "dev-secret")
	t.Setenv("WAREHOUSE_BACKEND", "duckdb")
	t.Setenv("ALLOWED_ORIGINS", "*")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())
	assert.Equal(t, BackendDuckDB, cfg.Warehouse.Backend)
	assert.NotEmpty(t, cfg.Warnings)
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		level string
		want  slog.Level
	}{
		{"DEBUG", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"WARNING", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"CRITICAL", slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		cfg := &Config{LogLevel: tt.level}
		assert.Equal(t, tt.want, cfg.SlogLevel(), tt.level)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# comment\nGATEWAY_TEST_A=from-file\nGATEWAY_TEST_B=\"quoted\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("GATEWAY_TEST_A", "from-env")
	t.Setenv("GATEWAY_TEST_B", "")
	require.NoError(t, os.Unsetenv("GATEWAY_TEST_B"))

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "from-env", os.Getenv("GATEWAY_TEST_A"))
	assert.Equal(t, "quoted", os.Getenv("GATEWAY_TEST_B"))
}

func TestLoadDotEnv_MissingFile(t *testing.T) {
	t.Parallel()

	err := LoadDotEnv(filepath.Join(t.TempDir(), "nope.env"))
	assert.NoError(t, err)
}
