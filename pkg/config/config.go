package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App       AppConfig
	Service   ServiceConfig
	DB        DBConfig
	Redis     RedisConfig
	Flags     FeatureFlagsConfig
	Eventing  EventingConfig
	GCP       GCPConfig
	PubSub    PubSubConfig
	Outbox    OutboxConfig
	Payments  PaymentsConfig
	RateLimit RateLimitConfig
	Realtime  RealtimeConfig
	Cron      CronConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.App.validate(); err != nil {
		return nil, err
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Payments.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"BILLSPLIT_APP_ENV" required:"true"`
	Port         string `envconfig:"BILLSPLIT_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"BILLSPLIT_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"BILLSPLIT_LOG_WARN_STACK" default:"false"`
	LogFormat    string `envconfig:"BILLSPLIT_LOG_FORMAT" default:"json"`
	RoomBaseURL  string `envconfig:"BILLSPLIT_ROOM_BASE_URL" default:"http://localhost:8080/rooms"`
	CORSOrigins  string `envconfig:"BILLSPLIT_CORS_ORIGINS" default:"*"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

// validate refuses a wildcard CORS origin in prod; room links are public
// but the API should only be called from the known frontends.
func (a AppConfig) validate() error {
	if !a.IsProd() {
		return nil
	}
	for _, origin := range a.AllowedOrigins() {
		if origin == "*" {
			return fmt.Errorf("%s must list explicit origins when %s=%s", EnvCORSOrigins, EnvAppEnv, AppEnvProd)
		}
	}
	return nil
}

// RoomURL joins the configured room base URL with a receipt token.
func (a AppConfig) RoomURL(token string) string {
	base := strings.TrimRight(a.RoomBaseURL, "/")
	if base == "" {
		return token
	}
	return base + "/" + url.PathEscape(token)
}

// AllowedOrigins splits the comma separated CORS origin list.
func (a AppConfig) AllowedOrigins() []string {
	var out []string
	for _, origin := range strings.Split(a.CORSOrigins, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

type ServiceConfig struct {
	Kind string `envconfig:"BILLSPLIT_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"BILLSPLIT_DB_DSN"`
	Driver string `envconfig:"BILLSPLIT_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"BILLSPLIT_DB_HOST"`
	LegacyPort     int    `envconfig:"BILLSPLIT_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"BILLSPLIT_DB_USER"`
	LegacyPassword string `envconfig:"BILLSPLIT_DB_PASSWORD"`
	LegacyName     string `envconfig:"BILLSPLIT_DB_NAME"`
	LegacySSLMode  string `envconfig:"BILLSPLIT_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"BILLSPLIT_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"BILLSPLIT_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"BILLSPLIT_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"BILLSPLIT_DB_CONN_MAX_IDLE_TIME" default:"10m"`

	SlowQueryThreshold time.Duration `envconfig:"BILLSPLIT_DB_SLOW_QUERY" default:"200ms"`
}

type RedisConfig struct {
	URL          string        `envconfig:"BILLSPLIT_REDIS_URL"`
	Address      string        `envconfig:"BILLSPLIT_REDIS_ADDR"`
	Password     string        `envconfig:"BILLSPLIT_REDIS_PASSWORD"`
	DB           int           `envconfig:"BILLSPLIT_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"BILLSPLIT_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"BILLSPLIT_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"BILLSPLIT_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"BILLSPLIT_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"BILLSPLIT_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// Enabled reports whether any redis endpoint is configured.
func (r RedisConfig) Enabled() bool {
	return r.URL != "" || r.Address != ""
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"BILLSPLIT_AUTO_MIGRATE" default:"false"`
}

type EventingConfig struct {
	IdempotencyTTL time.Duration `envconfig:"BILLSPLIT_EVENTING_IDEMPOTENCY_TTL" default:"24h"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"BILLSPLIT_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"BILLSPLIT_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"BILLSPLIT_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	LedgerTopic        string `envconfig:"BILLSPLIT_PUBSUB_LEDGER_TOPIC" default:"billsplit-ledger-events"`
	LedgerSubscription string `envconfig:"BILLSPLIT_PUBSUB_LEDGER_SUBSCRIPTION"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"BILLSPLIT_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"BILLSPLIT_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"BILLSPLIT_OUTBOX_MAX_ATTEMPTS" default:"10"`
}

type PaymentsConfig struct {
	LockTimeout   time.Duration `envconfig:"BILLSPLIT_PAYMENTS_LOCK_TIMEOUT" default:"3s"`
	MaxBatchLines int           `envconfig:"BILLSPLIT_PAYMENTS_MAX_BATCH_LINES" default:"50"`
}

func (p PaymentsConfig) validate() error {
	if p.LockTimeout <= 0 {
		return fmt.Errorf("%s must be positive", EnvPaymentsLockTimeout)
	}
	if p.MaxBatchLines <= 0 {
		return fmt.Errorf("%s must be positive", EnvPaymentsMaxBatchLines)
	}
	return nil
}

// RateLimitConfig throttles payment submissions. A zero limit disables it.
type RateLimitConfig struct {
	PaymentWindow    time.Duration `envconfig:"BILLSPLIT_RATE_LIMIT_PAYMENT_WINDOW" default:"1m"`
	PaymentIPLimit   int           `envconfig:"BILLSPLIT_RATE_LIMIT_PAYMENT_IP" default:"60"`
	PaymentRoomLimit int           `envconfig:"BILLSPLIT_RATE_LIMIT_PAYMENT_ROOM" default:"300"`
}

type RealtimeConfig struct {
	SubscriberBuffer  int           `envconfig:"BILLSPLIT_REALTIME_SUBSCRIBER_BUFFER" default:"16"`
	HeartbeatInterval time.Duration `envconfig:"BILLSPLIT_REALTIME_HEARTBEAT" default:"25s"`
}

type CronConfig struct {
	Interval        time.Duration `envconfig:"BILLSPLIT_CRON_INTERVAL" default:"1m"`
	LockTTL         time.Duration `envconfig:"BILLSPLIT_CRON_LOCK_TTL" default:"5m"`
	DraftTTL        time.Duration `envconfig:"BILLSPLIT_CRON_DRAFT_TTL" default:"168h"`
	OutboxRetention time.Duration `envconfig:"BILLSPLIT_CRON_OUTBOX_RETENTION" default:"720h"`
	DLQRetention    time.Duration `envconfig:"BILLSPLIT_CRON_DLQ_RETENTION" default:"2160h"`
	SweepBatchSize  int           `envconfig:"BILLSPLIT_CRON_SWEEP_BATCH_SIZE" default:"100"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
