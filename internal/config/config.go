package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName          string
	AppVersion       string
	Environment      string
	HTTPAddr         string
	AuthCookieSecure bool
	CronSecret       string
	LogLevel         string
	// NodeID seeds the snowflake generator; each process needs its own.
	NodeID int64

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	RateLimit RateLimitConfig

	QBO QBOConfig

	// TokenEncryptionKey encrypts accounting OAuth tokens at rest.
	TokenEncryptionKey string
	// BidPortalSecret keys the HMAC used for bid access tokens.
	BidPortalSecret string

	Email          EmailConfig
	TileServiceURL string
	SyncPolicyPath string

	Scheduler SchedulerConfig

	MetricsPush MetricsPushConfig
}

// MetricsPushConfig ships metrics from processes that are not scraped.
// Exporter is prometheus_pushgateway or prometheus_remote_write; empty
// disables pushing.
type MetricsPushConfig struct {
	Exporter        string
	Endpoint        string
	AuthToken       string
	IntervalSeconds int
}

// SchedulerConfig drives the worker's periodic loop.
type SchedulerConfig struct {
	RunIntervalSeconds       int
	KeepaliveIntervalSeconds int
	DrainBatches             int
	// Jobs is a comma separated allow list; empty runs every job.
	Jobs string
}

type QBOConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Environment  string
	MinorVersion string
}

// RateLimitConfig bounds unauthenticated portal endpoints per client IP.
// Rates are tokens per second.
type RateLimitConfig struct {
	PortalAuthRate  float64
	PortalAuthBurst int
	PINVerifyRate   float64
	PINVerifyBurst  int
}

type EmailConfig struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
}

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewSyncPolicyHolderFromConfig),
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	environment := getenv("ENVIRONMENT", "development")
	authCookieSecure := environment == "production"
	if !authCookieSecure {
		authCookieSecure = getenvBool("AUTH_COOKIE_SECURE", false)
	}

	return Config{
		AppName:            getenv("APP_SERVICE", "sitebridge"),
		AppVersion:         getenv("APP_VERSION", "0.1.0"),
		Environment:        environment,
		HTTPAddr:           getenv("HTTP_ADDR", ":8080"),
		AuthCookieSecure:   authCookieSecure,
		CronSecret:         strings.TrimSpace(getenv("CRON_SECRET", "")),
		LogLevel:           strings.ToLower(getenv("LOG_LEVEL", "info")),
		NodeID:             int64(getenvInt("SNOWFLAKE_NODE_ID", 1)),
		OTLPEndpoint:       getenv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		DBType:             getenv("DATABASE_TYPE", "postgres"),
		DBHost:             getenv("DATABASE_HOST", "localhost"),
		DBPort:             getenv("DATABASE_PORT", "5432"),
		DBName:             getenv("DATABASE_NAME", "postgres"),
		DBUser:             getenv("DATABASE_USER", "postgres"),
		DBPassword:         getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:          getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:      getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:      getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime:  getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime:  getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		RedisAddr:          strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword:      getenv("REDIS_PASSWORD", ""),
		RedisDB:            getenvInt("REDIS_DB", 0),
		RateLimit: RateLimitConfig{
			PortalAuthRate:  getenvFloat("PORTAL_AUTH_RATE", 0.2),
			PortalAuthBurst: getenvInt("PORTAL_AUTH_BURST", 10),
			PINVerifyRate:   getenvFloat("PIN_VERIFY_RATE", 0.1),
			PINVerifyBurst:  getenvInt("PIN_VERIFY_BURST", 5),
		},
		TokenEncryptionKey: strings.TrimSpace(getenv("QBO_TOKEN_ENCRYPTION_KEY", "")),
		BidPortalSecret:    strings.TrimSpace(getenv("BID_PORTAL_SECRET", "")),
		QBO: QBOConfig{
			ClientID:     strings.TrimSpace(getenv("QBO_CLIENT_ID", "")),
			ClientSecret: strings.TrimSpace(getenv("QBO_CLIENT_SECRET", "")),
			RedirectURI:  strings.TrimSpace(getenv("QBO_REDIRECT_URI", "")),
			Environment:  strings.ToLower(getenv("QBO_ENVIRONMENT", "sandbox")),
			MinorVersion: getenv("QBO_MINOR_VERSION", "70"),
		},
		Email: EmailConfig{
			SMTPHost:     getenv("SMTP_HOST", "localhost"),
			SMTPPort:     getenvInt("SMTP_PORT", 1025),
			SMTPUsername: getenv("SMTP_USERNAME", ""),
			SMTPPassword: getenv("SMTP_PASSWORD", ""),
			SMTPFrom:     getenv("SMTP_FROM", "no-reply@sitebridge.local"),
		},
		TileServiceURL: strings.TrimSpace(getenv("TILE_SERVICE_URL", "")),
		SyncPolicyPath: strings.TrimSpace(getenv("SYNC_POLICY_PATH", "")),
		Scheduler: SchedulerConfig{
			RunIntervalSeconds:       getenvInt("SCHEDULER_RUN_INTERVAL_SECONDS", 60),
			KeepaliveIntervalSeconds: getenvInt("QBO_KEEPALIVE_INTERVAL_SECONDS", 3600),
			DrainBatches:             getenvInt("OUTBOX_DRAIN_BATCHES", 10),
			Jobs:                     getenv("SCHEDULER_JOBS", ""),
		},
		MetricsPush: MetricsPushConfig{
			Exporter:        strings.ToLower(strings.TrimSpace(getenv("METRICS_PUSH_EXPORTER", ""))),
			Endpoint:        strings.TrimSpace(getenv("METRICS_PUSH_ENDPOINT", "")),
			AuthToken:       strings.TrimSpace(getenv("METRICS_PUSH_AUTH_TOKEN", "")),
			IntervalSeconds: getenvInt("METRICS_PUSH_INTERVAL_SECONDS", 60),
		},
	}
}

func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}
