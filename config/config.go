package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/upb/microapp-gateway/utils"
)

// DefaultDiscoveryURL is the Smart Ansatt identity provider's well-known configuration
const DefaultDiscoveryURL = "https://idp.smartansatt.telenor.no/idp/.well-known/openid-configuration"

// Config represents the complete application configuration
type Config struct {
	Environment   string `validate:"required"`
	BaseURL       string `validate:"required,url"`
	Server        ServerConfig
	OIDC          OIDCConfig
	AuditDatabase *DatabaseConfig // Optional: audit trail is disabled when nil
	Audit         AuditConfig
	CORS          CORSConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int           `validate:"gte=1,lte=65535"`
	ReadTimeout     time.Duration `validate:"gt=0"`
	WriteTimeout    time.Duration `validate:"gt=0"`
	IdleTimeout     time.Duration `validate:"gte=0"`
	ShutdownTimeout time.Duration `validate:"gt=0"`
	TLS             TLSConfig
}

// TLSConfig holds the listener certificate. TLS is usually terminated in
// front of the gateway.
type TLSConfig struct {
	Enabled  bool
	CertFile string
	KeyFile  string
}

// OIDCConfig holds the relying party registration with the identity provider.
// ClientSecret and Keystore are secrets.
type OIDCConfig struct {
	DiscoveryURL string `validate:"required,url"`
	ClientID     string `validate:"required"`
	ClientSecret string `validate:"required"`
	Keystore     string `validate:"required"`

	HTTPTimeout    time.Duration `validate:"gt=0"`
	HTTPRetries    int           `validate:"gte=0,lte=10"`
	ClockTolerance time.Duration `validate:"gte=0"`

	UserinfoSignedResponseAlg    string
	UserinfoEncryptedResponseAlg string
	UserinfoEncryptedResponseEnc string
}

// DatabaseConfig holds the PostgreSQL connection for the audit trail
type DatabaseConfig struct {
	ConnectionString string `validate:"required"` // From DATABASE_URL
	MaxOpenConns     int    `validate:"gte=1"`
	MaxIdleConns     int    `validate:"gte=0"`
	ConnMaxLifetime  time.Duration
}

// AuditConfig sizes the asynchronous audit writer
type AuditConfig struct {
	BufferSize int           `validate:"gte=1"`
	Workers    int           `validate:"gte=1"`
	Retention  time.Duration `validate:"gte=0"` // zero keeps decisions forever
}

// CORSConfig holds cross-origin settings
type CORSConfig struct {
	AllowedOrigins []string `validate:"min=1"`
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	LogLevel       string `validate:"required,oneof=debug info warn error"`
	LogFormat      string `validate:"required,oneof=json text console"`
	MetricsEnabled bool
	MetricsPort    int `validate:"gte=1,lte=65535"`
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	// Load .env file if it exists; the process environment wins
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnvironment(),
		BaseURL:     getEnv("BASE_URL", ""),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:     getEnvAsDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			TLS: TLSConfig{
				Enabled:  getEnvAsBool("TLS_ENABLED", false),
				CertFile: getEnv("TLS_CERT_FILE", "certs/cert.pem"),
				KeyFile:  getEnv("TLS_KEY_FILE", "certs/key.pem"),
			},
		},
		OIDC: OIDCConfig{
			DiscoveryURL:                 getEnv("OIDC_DISCOVERY_URL", DefaultDiscoveryURL),
			ClientID:                     getEnv("CLIENT_ID", ""),
			ClientSecret:                 getEnv("CLIENT_SECRET", ""),
			Keystore:                     getEnv("JSON_KEYSTORE", ""),
			HTTPTimeout:                  getEnvAsDuration("OIDC_HTTP_TIMEOUT", 25*time.Second),
			HTTPRetries:                  getEnvAsInt("OIDC_HTTP_RETRIES", 2),
			ClockTolerance:               getEnvAsDuration("OIDC_CLOCK_TOLERANCE", 300*time.Second),
			UserinfoSignedResponseAlg:    getEnv("USERINFO_SIGNED_RESPONSE_ALG", "HS256"),
			UserinfoEncryptedResponseAlg: getEnv("USERINFO_ENCRYPTED_RESPONSE_ALG", "RSA1_5"),
			UserinfoEncryptedResponseEnc: getEnv("USERINFO_ENCRYPTED_RESPONSE_ENC", "A128CBC-HS256"),
		},
		AuditDatabase: loadAuditDatabaseConfig(),
		Audit: AuditConfig{
			BufferSize: getEnvAsInt("AUDIT_BUFFER_SIZE", 1000),
			Workers:    getEnvAsInt("AUDIT_WORKERS", 2),
			Retention:  getEnvAsDuration("AUDIT_RETENTION", 30*24*time.Hour),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
			MetricsPort:    getEnvAsInt("METRICS_PORT", 9090),
		},
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	if err := utils.ValidateStruct(c); err != nil {
		return err
	}

	if c.Server.TLS.Enabled && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		return fmt.Errorf("TLS_CERT_FILE and TLS_KEY_FILE are required when TLS is enabled")
	}
	if c.Observability.MetricsEnabled && c.Observability.MetricsPort == c.Server.Port {
		return fmt.Errorf("METRICS_PORT must differ from the server port")
	}

	return nil
}

// IsDevelopment returns true if running in development environment. Any
// other value runs with production behaviour.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// AuditEnabled reports whether a database was configured for the audit trail
func (c *Config) AuditEnabled() bool {
	return c.AuditDatabase != nil
}

// String summarises the configuration for logs. Secrets and the keystore
// are never included.
func (c *Config) String() string {
	audit := "disabled"
	if c.AuditDatabase != nil {
		audit = c.AuditDatabase.LogString()
	}
	return fmt.Sprintf(
		"environment=%s base_url=%s listen=%s tls=%t discovery_url=%s client_id=%s audit=%s",
		c.Environment, c.BaseURL, c.Server.Address(), c.Server.TLS.Enabled,
		c.OIDC.DiscoveryURL, c.OIDC.ClientID, audit,
	)
}

// DSN returns the PostgreSQL connection string
func (c *DatabaseConfig) DSN() string {
	return c.ConnectionString
}

// LogString returns a safe string for logging (no password)
func (c *DatabaseConfig) LogString() string {
	u, err := url.Parse(c.ConnectionString)
	if err != nil || u.Host == "" {
		return "host=<from DATABASE_URL>"
	}
	port := u.Port()
	if port == "" {
		port = "5432"
	}
	db := strings.TrimPrefix(u.Path, "/")
	return fmt.Sprintf("host=%s port=%s database=%s", u.Hostname(), port, db)
}

// loadAuditDatabaseConfig loads the audit database from DATABASE_URL.
// Returns nil when not set.
func loadAuditDatabaseConfig() *DatabaseConfig {
	dbURL := getEnv("DATABASE_URL", "")
	if dbURL == "" {
		return nil
	}
	return &DatabaseConfig{
		ConnectionString: dbURL,
		MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 10),
		MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 2),
		ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getEnvironment reads ENVIRONMENT, falling back to NODE_ENV (default: production)
func getEnvironment() string {
	if value := os.Getenv("ENVIRONMENT"); value != "" {
		return value
	}
	return getEnv("NODE_ENV", "production")
}

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 3000)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return getEnvAsInt("SERVER_PORT", 3000)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration accepts Go durations ("25s") or plain seconds ("300")
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if seconds, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(seconds) * time.Second
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var values []string
	for _, v := range strings.Split(valueStr, ",") {
		if v = strings.TrimSpace(v); v != "" {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return defaultValue
	}
	return values
}
