package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	PhonePe      PhonePeConfig
	Entitlements EntitlementsConfig
	Refunds      RefundsConfig
	Outbox       OutboxConfig
	PubSub       PubSubConfig
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
	Env          string `envconfig:"PAGEVAULT_APP_ENV" required:"true"`
	Port         string `envconfig:"PAGEVAULT_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"PAGEVAULT_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"PAGEVAULT_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	DSN    string `envconfig:"PAGEVAULT_DB_DSN"`
	Driver string `envconfig:"PAGEVAULT_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"PAGEVAULT_DB_HOST"`
	LegacyPort     int    `envconfig:"PAGEVAULT_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"PAGEVAULT_DB_USER"`
	LegacyPassword string `envconfig:"PAGEVAULT_DB_PASSWORD"`
	LegacyName     string `envconfig:"PAGEVAULT_DB_NAME"`
	LegacySSLMode  string `envconfig:"PAGEVAULT_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"PAGEVAULT_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"PAGEVAULT_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"PAGEVAULT_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"PAGEVAULT_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"PAGEVAULT_REDIS_URL" required:"true"`
	Address      string        `envconfig:"PAGEVAULT_REDIS_ADDR"`
	Password     string        `envconfig:"PAGEVAULT_REDIS_PASSWORD"`
	DB           int           `envconfig:"PAGEVAULT_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"PAGEVAULT_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"PAGEVAULT_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"PAGEVAULT_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"PAGEVAULT_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"PAGEVAULT_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string `envconfig:"PAGEVAULT_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"PAGEVAULT_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"PAGEVAULT_JWT_EXPIRATION_MINUTES" default:"60"`
}

// PhonePeConfig carries the gateway credentials. The merchant id and salt
// pair sign outbound requests; the webhook username/password pair is what
// the provider hashes into the callback Authorization header.
type PhonePeConfig struct {
	BaseURL         string        `envconfig:"PAGEVAULT_PHONEPE_BASE_URL" required:"true"`
	MerchantID      string        `envconfig:"PAGEVAULT_PHONEPE_MERCHANT_ID" required:"true"`
	SaltKey         string        `envconfig:"PAGEVAULT_PHONEPE_SALT_KEY" required:"true"`
	SaltIndex       string        `envconfig:"PAGEVAULT_PHONEPE_SALT_INDEX" default:"1"`
	WebhookUsername string        `envconfig:"PAGEVAULT_PHONEPE_WEBHOOK_USERNAME" required:"true"`
	WebhookPassword string        `envconfig:"PAGEVAULT_PHONEPE_WEBHOOK_PASSWORD" required:"true"`
	RedirectURL     string        `envconfig:"PAGEVAULT_PHONEPE_REDIRECT_URL" required:"true"`
	Timeout         time.Duration `envconfig:"PAGEVAULT_PHONEPE_TIMEOUT" default:"15s"`
	OrderExpiry     time.Duration `envconfig:"PAGEVAULT_PHONEPE_ORDER_EXPIRY" default:"20m"`
}

type EntitlementsConfig struct {
	MaxDownloads int           `envconfig:"PAGEVAULT_ENTITLEMENT_MAX_DOWNLOADS" default:"5"`
	TokenTTL     time.Duration `envconfig:"PAGEVAULT_ENTITLEMENT_TOKEN_TTL" default:"0"`
}

type RefundsConfig struct {
	Window time.Duration `envconfig:"PAGEVAULT_REFUND_WINDOW" default:"168h"`
}

type OutboxConfig struct {
	BatchSize      int           `envconfig:"PAGEVAULT_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int           `envconfig:"PAGEVAULT_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int           `envconfig:"PAGEVAULT_OUTBOX_MAX_ATTEMPTS" default:"10"`
	IdempotencyTTL time.Duration `envconfig:"PAGEVAULT_OUTBOX_IDEMPOTENCY_TTL" default:"720h"`
}

type PubSubConfig struct {
	ProjectID              string `envconfig:"PAGEVAULT_GCP_PROJECT_ID"`
	NotificationTopic      string `envconfig:"PAGEVAULT_PUBSUB_NOTIFICATION_TOPIC" default:"pv-payment-outcomes"`
	CredentialsJSON        string `envconfig:"PAGEVAULT_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"GOOGLE_APPLICATION_CREDENTIALS"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"PAGEVAULT_AUTO_MIGRATE" default:"false"`
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
