package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App           AppConfig
	DB            DBConfig
	Redis         RedisConfig
	JWT           JWTConfig
	Password      PasswordConfig
	AuthRateLimit AuthRateLimitConfig
	FeatureFlags  FeatureFlagsConfig
	Inbox         InboxConfig
	ChangeFeed    ChangeFeedConfig
	GCP           GCPConfig
	PubSub        PubSubConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(cfg.FeatureFlags.UseSQLite); err != nil {
		return nil, err
	}
	if err := cfg.ChangeFeed.validate(cfg.GCP, cfg.PubSub); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"LEDGER_APP_ENV" required:"true"`
	Port         string `envconfig:"LEDGER_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"LEDGER_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"LEDGER_LOG_WARN_STACK" default:"false"`
	// comma separated list; empty allows any origin in dev only.
	AllowedOrigins []string `envconfig:"LEDGER_ALLOWED_ORIGINS"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	DSN    string `envconfig:"LEDGER_DB_DSN"`
	Driver string `envconfig:"LEDGER_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"LEDGER_DB_HOST"`
	LegacyPort     int    `envconfig:"LEDGER_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"LEDGER_DB_USER"`
	LegacyPassword string `envconfig:"LEDGER_DB_PASSWORD"`
	LegacyName     string `envconfig:"LEDGER_DB_NAME"`
	LegacySSLMode  string `envconfig:"LEDGER_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"LEDGER_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"LEDGER_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"LEDGER_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"LEDGER_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"LEDGER_REDIS_URL" required:"true"`
	Address      string        `envconfig:"LEDGER_REDIS_ADDR"`
	Password     string        `envconfig:"LEDGER_REDIS_PASSWORD"`
	DB           int           `envconfig:"LEDGER_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"LEDGER_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"LEDGER_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"LEDGER_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"LEDGER_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"LEDGER_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret                 string `envconfig:"LEDGER_JWT_SECRET" required:"true"`
	Issuer                 string `envconfig:"LEDGER_JWT_ISSUER" required:"true"`
	ExpirationMinutes      int    `envconfig:"LEDGER_JWT_EXPIRATION_MINUTES" required:"true"`
	RefreshTokenTTLMinutes int    `envconfig:"LEDGER_REFRESH_TOKEN_TTL_MINUTES" default:"43200"`
}

// RefreshTokenTTL returns the refresh token TTL configured in minutes.
func (j JWTConfig) RefreshTokenTTL() time.Duration {
	if j.RefreshTokenTTLMinutes <= 0 {
		return 0
	}
	return time.Duration(j.RefreshTokenTTLMinutes) * time.Minute
}

type PasswordConfig struct {
	ArgonMemoryKB    int `envconfig:"LEDGER_ARGON_MEMORY_KB" default:"65536"`
	ArgonTime        int `envconfig:"LEDGER_ARGON_TIME" default:"3"`
	ArgonParallelism int `envconfig:"LEDGER_ARGON_PARALLELISM" default:"2"`
	ArgonSaltLen     int `envconfig:"LEDGER_ARGON_SALT_LEN" default:"16"`
	ArgonKeyLen      int `envconfig:"LEDGER_ARGON_KEY_LEN" default:"32"`
}

type AuthRateLimitConfig struct {
	LoginWindow        time.Duration `envconfig:"LEDGER_AUTH_RATE_LIMIT_LOGIN_WINDOW" default:"1m"`
	LoginEmailLimit    int           `envconfig:"LEDGER_AUTH_RATE_LIMIT_LOGIN_EMAIL_LIMIT" default:"5"`
	LoginIPLimit       int           `envconfig:"LEDGER_AUTH_RATE_LIMIT_LOGIN_IP_LIMIT" default:"20"`
	RegisterWindow     time.Duration `envconfig:"LEDGER_AUTH_RATE_LIMIT_REGISTER_WINDOW" default:"5m"`
	RegisterEmailLimit int           `envconfig:"LEDGER_AUTH_RATE_LIMIT_REGISTER_EMAIL_LIMIT" default:"3"`
	RegisterIPLimit    int           `envconfig:"LEDGER_AUTH_RATE_LIMIT_REGISTER_IP_LIMIT" default:"20"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"LEDGER_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"LEDGER_AUTO_MIGRATE" default:"false"`
	DemoEvents  bool `envconfig:"LEDGER_FEATURE_DEMO_EVENTS" default:"true"`
}

type InboxConfig struct {
	SnapshotLimit    int           `envconfig:"LEDGER_INBOX_SNAPSHOT_LIMIT" default:"200"`
	TitleMaxLength   int           `envconfig:"LEDGER_INBOX_TITLE_MAX_LENGTH" default:"120"`
	MessageMaxLength int           `envconfig:"LEDGER_INBOX_MESSAGE_MAX_LENGTH" default:"2000"`
	ActionsPerSecond float64       `envconfig:"LEDGER_INBOX_ACTIONS_PER_SECOND" default:"5"`
	ActionBurst      int           `envconfig:"LEDGER_INBOX_ACTION_BURST" default:"10"`
	WriteTimeout     time.Duration `envconfig:"LEDGER_INBOX_WS_WRITE_TIMEOUT" default:"10s"`
	PongTimeout      time.Duration `envconfig:"LEDGER_INBOX_WS_PONG_TIMEOUT" default:"60s"`
	MaxMessageBytes  int64         `envconfig:"LEDGER_INBOX_WS_MAX_MESSAGE_BYTES" default:"8192"`
}

// PingInterval keeps pings inside the pong deadline.
func (i InboxConfig) PingInterval() time.Duration {
	return (i.PongTimeout * 9) / 10
}

type ChangeFeedConfig struct {
	Driver        string `envconfig:"LEDGER_CHANGEFEED_DRIVER" default:"redis"`
	ChannelPrefix string `envconfig:"LEDGER_CHANGEFEED_CHANNEL_PREFIX" default:"ledger"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"LEDGER_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"LEDGER_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"LEDGER_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	ChangesTopic        string `envconfig:"LEDGER_PUBSUB_CHANGES_TOPIC" default:"ledger-changes"`
	ChangesSubscription string `envconfig:"LEDGER_PUBSUB_CHANGES_SUBSCRIPTION"`
}

func (c ChangeFeedConfig) validate(gcp GCPConfig, ps PubSubConfig) error {
	switch strings.ToLower(strings.TrimSpace(c.Driver)) {
	case ChangeFeedMemory, ChangeFeedRedis:
		return nil
	case ChangeFeedPubSub:
		missing := []string{}
		if strings.TrimSpace(gcp.ProjectID) == "" {
			missing = append(missing, EnvGCPProjectID)
		}
		if strings.TrimSpace(ps.ChangesSubscription) == "" {
			missing = append(missing, EnvPubSubChangesSub)
		}
		if len(missing) > 0 {
			return fmt.Errorf("%s=%s requires %s", EnvChangeFeedDriver, ChangeFeedPubSub, strings.Join(missing, ", "))
		}
		return nil
	default:
		return fmt.Errorf("unsupported %s %q", EnvChangeFeedDriver, c.Driver)
	}
}

func (db *DBConfig) ensureDSN(useSQLite bool) error {
	if db.DSN != "" || useSQLite {
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
