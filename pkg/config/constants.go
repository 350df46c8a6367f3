package config

const (
	EnvPrefix = "pagevault"

	AppEnvDev  = "development"
	AppEnvProd = "production"

	EnvAppEnv = "PAGEVAULT_APP_ENV"
	EnvDBDSN  = "PAGEVAULT_DB_DSN"
	EnvDBHost = "PAGEVAULT_DB_HOST"
	EnvDBUser = "PAGEVAULT_DB_USER"
	EnvDBName = "PAGEVAULT_DB_NAME"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
