package config

const (
	EnvPrefix = "LEDGER"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvAppEnv = "LEDGER_APP_ENV"
	EnvPort   = "LEDGER_APP_PORT"

	EnvDBDSN  = "LEDGER_DB_DSN"
	EnvDBHost = "LEDGER_DB_HOST"
	EnvDBUser = "LEDGER_DB_USER"
	EnvDBName = "LEDGER_DB_NAME"

	EnvRedisURL = "LEDGER_REDIS_URL"

	EnvJWTSecret               = "LEDGER_JWT_SECRET"
	EnvJWTIssuer               = "LEDGER_JWT_ISSUER"
	EnvJWTExpMins              = "LEDGER_JWT_EXPIRATION_MINUTES"
	EnvRefreshTokenTTLMinutes  = "LEDGER_REFRESH_TOKEN_TTL_MINUTES"
	EnvUseSQLite               = "LEDGER_USE_SQLITE"
	EnvChangeFeedDriver        = "LEDGER_CHANGEFEED_DRIVER"
	EnvGCPProjectID            = "LEDGER_GCP_PROJECT_ID"
	EnvPubSubChangesTopic      = "LEDGER_PUBSUB_CHANGES_TOPIC"
	EnvPubSubChangesSub        = "LEDGER_PUBSUB_CHANGES_SUBSCRIPTION"
	EnvInboxSnapshotLimit      = "LEDGER_INBOX_SNAPSHOT_LIMIT"
	EnvInboxActionsPerSecond   = "LEDGER_INBOX_ACTIONS_PER_SECOND"
	EnvAllowedOrigins          = "LEDGER_ALLOWED_ORIGINS"
	EnvFeatureDemoEvents       = "LEDGER_FEATURE_DEMO_EVENTS"
	EnvAuthRateLimitLoginLimit = "LEDGER_AUTH_RATE_LIMIT_LOGIN_EMAIL_LIMIT"
)

const (
	ChangeFeedMemory = "memory"
	ChangeFeedRedis  = "redis"
	ChangeFeedPubSub = "pubsub"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
