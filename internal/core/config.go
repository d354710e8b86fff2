package core

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration.
type Config struct {
	// Environment (development, demo, production)
	Environment string

	// Server listening address
	ListenAddr string

	// Base URL for constructing absolute URLs
	BaseURL string

	// Enable the embedded demo identity provider
	MockIdPEnabled bool

	// CORS allowed origins
	CORSOrigins []string

	// Clock skew tolerance for token validation
	ClockSkew time.Duration

	// JWKS cache lifetime
	JWKSCacheTTL time.Duration

	// Enable debug logging
	Debug bool
}

// LoadConfig loads configuration from environment variables with defaults.
func LoadConfig() *Config {
	return &Config{
		Environment:    getEnv("FLOWGLASS_ENV", "development"),
		ListenAddr:     getEnv("FLOWGLASS_LISTEN_ADDR", ":8080"),
		BaseURL:        getEnv("FLOWGLASS_BASE_URL", "http://localhost:8080"),
		MockIdPEnabled: getEnvBool("FLOWGLASS_MOCK_IDP", true),
		CORSOrigins:    getEnvList("FLOWGLASS_CORS_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),
		ClockSkew:      getEnvDuration("FLOWGLASS_CLOCK_SKEW", 300*time.Second),
		JWKSCacheTTL:   getEnvDuration("FLOWGLASS_JWKS_CACHE_TTL", 5*time.Minute),
		Debug:          getEnvBool("FLOWGLASS_DEBUG", false),
	}
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return strings.ToLower(value) == "true" || value == "1"
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return strings.Split(value, ",")
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
