package config

const (
	EnvPrefix = "BILLSPLIT"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvAppEnv      = "BILLSPLIT_APP_ENV"
	EnvCORSOrigins = "BILLSPLIT_CORS_ORIGINS"
	EnvPort        = "BILLSPLIT_APP_PORT"
	EnvLogLevel    = "BILLSPLIT_LOG_LEVEL"

	EnvDBDSN  = "BILLSPLIT_DB_DSN"
	EnvDBHost = "BILLSPLIT_DB_HOST"
	EnvDBUser = "BILLSPLIT_DB_USER"
	EnvDBName = "BILLSPLIT_DB_NAME"

	EnvRedisURL = "BILLSPLIT_REDIS_URL"

	EnvPubSubLedgerTopic = "BILLSPLIT_PUBSUB_LEDGER_TOPIC"
	EnvGCPProjectID      = "BILLSPLIT_GCP_PROJECT_ID"

	EnvPaymentsLockTimeout   = "BILLSPLIT_PAYMENTS_LOCK_TIMEOUT"
	EnvPaymentsMaxBatchLines = "BILLSPLIT_PAYMENTS_MAX_BATCH_LINES"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
