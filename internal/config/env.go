package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
)

// parseEnv overlays cfg with SEALMAIL_* environment variables. A .env file
// in the working directory is loaded first; real environment variables win
// over it. Unparseable durations are ignored rather than fatal, since env
// vars come from looser sources than the JSON file.
func parseEnv(cfg *Config) {
	_ = godotenv.Load()

	setEnvString(&cfg.DBPath, "SEALMAIL_DB_PATH")
	setEnvString(&cfg.RelayBaseURL, "SEALMAIL_RELAY_URL")
	setEnvString(&cfg.LookupBaseURL, "SEALMAIL_LOOKUP_URL")
	setEnvString(&cfg.S3Region, "SEALMAIL_S3_REGION")
	setEnvString(&cfg.S3Bucket, "SEALMAIL_S3_BUCKET")
	setEnvString(&cfg.S3Endpoint, "SEALMAIL_S3_ENDPOINT")
	setEnvString(&cfg.S3AccessKey, "SEALMAIL_S3_ACCESS_KEY")
	setEnvString(&cfg.S3SecretKey, "SEALMAIL_S3_SECRET_KEY")
	setEnvDuration(&cfg.AutosaveMinInterval, "SEALMAIL_AUTOSAVE_MIN_INTERVAL")
	setEnvDuration(&cfg.PassphraseTTL, "SEALMAIL_PASSPHRASE_TTL")
}

func setEnvString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setEnvDuration(dst *time.Duration, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	if parsed, err := time.ParseDuration(v); err == nil {
		*dst = parsed
	}
}
