package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	OTLPEndpoint   string
	MetricsEnabled bool

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

	Recognition    RecognitionConfig
	Reconciliation ReconciliationConfig
	Notifier       NotifierConfig
	Job            JobConfig
}

// RecognitionConfig controls catalog provisioning defaults and the due-schedule sweep.
type RecognitionConfig struct {
	DefaultDurationDays int
	AnnualDurationDays  int
	SweepBatchSize      int
}

// ReconciliationConfig carries the variance thresholds used by the engine.
type ReconciliationConfig struct {
	AlertBps              int64
	CriticalBps           int64
	UsageAlertBps         int64
	UsageCriticalBps      int64
	MinInvoicedCentsFloor int64
}

// NotifierConfig configures alert dispatch channels and dedup behavior.
type NotifierConfig struct {
	SMTPHost        string
	SMTPPort        int
	SMTPUsername    string
	SMTPPassword    string
	SMTPFrom        string
	EmailRecipients []string
	WebhookURL      string
	AckBaseURL      string
	Cooldown        time.Duration
	DispatchTimeout time.Duration
}

// JobConfig controls the reconciliation job loop.
type JobConfig struct {
	RunInterval            time.Duration
	TenantAllowlist        []string
	TenantCacheTTL         time.Duration
	MaxConsecutiveFailures int
	FailureBackoff         time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "revrec"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),

		OTLPEndpoint:   getenv("OTLP_ENDPOINT", "localhost:4317"),
		MetricsEnabled: getenvBool("METRICS_ENABLED", false),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "postgres"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 3600),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 600),

		Recognition: RecognitionConfig{
			DefaultDurationDays: getenvInt("RECOGNITION_DEFAULT_DURATION_DAYS", 30),
			AnnualDurationDays:  getenvInt("RECOGNITION_ANNUAL_DURATION_DAYS", 365),
			SweepBatchSize:      getenvInt("RECOGNITION_SWEEP_BATCH_SIZE", 200),
		},
		Reconciliation: ReconciliationConfig{
			AlertBps:              getenvInt64("RECONCILIATION_ALERT_BPS", 250),
			CriticalBps:           getenvInt64("RECONCILIATION_CRITICAL_BPS", 500),
			UsageAlertBps:         getenvInt64("RECONCILIATION_USAGE_ALERT_BPS", 250),
			UsageCriticalBps:      getenvInt64("RECONCILIATION_USAGE_CRITICAL_BPS", 500),
			MinInvoicedCentsFloor: getenvInt64("RECONCILIATION_MIN_INVOICED_CENTS_FLOOR", 5000),
		},
		Notifier: NotifierConfig{
			SMTPHost:        getenv("NOTIFIER_SMTP_HOST", ""),
			SMTPPort:        getenvInt("NOTIFIER_SMTP_PORT", 587),
			SMTPUsername:    getenv("NOTIFIER_SMTP_USERNAME", ""),
			SMTPPassword:    getenv("NOTIFIER_SMTP_PASSWORD", ""),
			SMTPFrom:        getenv("NOTIFIER_SMTP_FROM", "alerts@revrec.local"),
			EmailRecipients: getenvList("NOTIFIER_EMAIL_RECIPIENTS"),
			WebhookURL:      strings.TrimSpace(getenv("NOTIFIER_WEBHOOK_URL", "")),
			AckBaseURL:      strings.TrimSpace(getenv("NOTIFIER_ACK_BASE_URL", "")),
			Cooldown:        getenvMinutes("NOTIFIER_COOLDOWN_MINUTES", 30),
			DispatchTimeout: time.Duration(getenvInt("NOTIFIER_DISPATCH_TIMEOUT_SECONDS", 10)) * time.Second,
		},
		Job: JobConfig{
			RunInterval:            getenvMinutes("JOB_RUN_INTERVAL_MINUTES", 60),
			TenantAllowlist:        getenvList("JOB_TENANT_ALLOWLIST"),
			TenantCacheTTL:         getenvMinutes("JOB_TENANT_CACHE_TTL_MINUTES", 10),
			MaxConsecutiveFailures: getenvInt("JOB_MAX_CONSECUTIVE_FAILURES", 3),
			FailureBackoff:         getenvMinutes("JOB_FAILURE_BACKOFF_MINUTES", 15),
		},
	}
}

// Module provides the loaded configuration.
var Module = fx.Provide(Load)

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

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvMinutes(key string, defMinutes int) time.Duration {
	return time.Duration(getenvInt(key, defMinutes)) * time.Minute
}

func getenvList(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
