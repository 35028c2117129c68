package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	// EnvPrefix scopes every environment variable consumed by the service.
	EnvPrefix = "payflow"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvDBDSN  = "PAYFLOW_DB_DSN"
	EnvDBHost = "PAYFLOW_DB_HOST"
	EnvDBUser = "PAYFLOW_DB_USER"
	EnvDBName = "PAYFLOW_DB_NAME"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	Gateway      GatewayConfig
	Retry        RetryConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Outbox       OutboxConfig
	Cron         CronConfig
	FeatureFlags FeatureFlagsConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"PAYFLOW_APP_ENV" required:"true"`
	Port         string `envconfig:"PAYFLOW_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"PAYFLOW_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"PAYFLOW_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"PAYFLOW_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"PAYFLOW_DB_DSN"`
	Driver string `envconfig:"PAYFLOW_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"PAYFLOW_DB_HOST"`
	LegacyPort     int    `envconfig:"PAYFLOW_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"PAYFLOW_DB_USER"`
	LegacyPassword string `envconfig:"PAYFLOW_DB_PASSWORD"`
	LegacyName     string `envconfig:"PAYFLOW_DB_NAME"`
	LegacySSLMode  string `envconfig:"PAYFLOW_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"PAYFLOW_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"PAYFLOW_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"PAYFLOW_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"PAYFLOW_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"PAYFLOW_REDIS_URL" required:"true"`
	Address      string        `envconfig:"PAYFLOW_REDIS_ADDR"`
	Password     string        `envconfig:"PAYFLOW_REDIS_PASSWORD"`
	DB           int           `envconfig:"PAYFLOW_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"PAYFLOW_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"PAYFLOW_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"PAYFLOW_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"PAYFLOW_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"PAYFLOW_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// GatewayConfig holds the external charge gateway credentials and call limits.
type GatewayConfig struct {
	AccessToken   string        `envconfig:"PAYFLOW_GATEWAY_ACCESS_TOKEN"`
	Env           string        `envconfig:"PAYFLOW_GATEWAY_ENV" default:"sandbox"`
	LocationID    string        `envconfig:"PAYFLOW_GATEWAY_LOCATION_ID"`
	DefaultSource string        `envconfig:"PAYFLOW_GATEWAY_DEFAULT_SOURCE" default:"cnon:card-nonce-ok"`
	Timeout       time.Duration `envconfig:"PAYFLOW_GATEWAY_TIMEOUT" default:"10s"`
}

// Environment returns the normalized gateway environment (sandbox/production).
func (g GatewayConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(g.Env))
	if env == "" {
		return "sandbox"
	}
	return env
}

// RetryConfig parameterizes the backoff executor around the gateway call.
type RetryConfig struct {
	MaxAttempts uint64        `envconfig:"PAYFLOW_RETRY_MAX_ATTEMPTS" default:"3"`
	BaseDelay   time.Duration `envconfig:"PAYFLOW_RETRY_BASE_DELAY" default:"1s"`
	MaxDelay    time.Duration `envconfig:"PAYFLOW_RETRY_MAX_DELAY" default:"30s"`
	Multiplier  float64       `envconfig:"PAYFLOW_RETRY_MULTIPLIER" default:"2"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"PAYFLOW_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"PAYFLOW_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"PAYFLOW_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	NotificationTopic        string `envconfig:"PAYFLOW_PUBSUB_NOTIFICATION_TOPIC" default:"pf-notification-events"`
	NotificationSubscription string `envconfig:"PAYFLOW_PUBSUB_NOTIFICATION_SUBSCRIPTION"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"PAYFLOW_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"PAYFLOW_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"PAYFLOW_OUTBOX_MAX_ATTEMPTS" default:"10"`
}

type CronConfig struct {
	Interval           time.Duration `envconfig:"PAYFLOW_CRON_INTERVAL" default:"5m"`
	StalePaymentMaxAge time.Duration `envconfig:"PAYFLOW_CRON_STALE_PAYMENT_MAX_AGE" default:"15m"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"PAYFLOW_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"PAYFLOW_AUTO_MIGRATE" default:"false"`
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
