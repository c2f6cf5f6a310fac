package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/sealmail/sealmail/internal/flagx"
	"github.com/sealmail/sealmail/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. Durations use
// timex.Duration so JSON can specify intervals either as strings like "30s"
// or as integer nanoseconds.
type JsonConfig struct {
	DBPath        *string `json:"db_path"`
	RelayBaseURL  *string `json:"relay_base_url"`
	LookupBaseURL *string `json:"lookup_base_url"`

	S3Region    *string `json:"s3_region"`
	S3Bucket    *string `json:"s3_bucket"`
	S3Endpoint  *string `json:"s3_endpoint"`
	S3AccessKey *string `json:"s3_access_key"`
	S3SecretKey *string `json:"s3_secret_key"`

	AutosaveMinInterval *timex.Duration `json:"autosave_min_interval"`
	PassphraseTTL       *timex.Duration `json:"passphrase_ttl"`
}

// parseJson overlays cfg with values from the JSON file named by the -c or
// -config flag. Absent file means no overlay; fields missing from the file
// keep their earlier values. Read and unmarshal errors panic, matching the
// fail-fast startup behavior of the other overlay stages.
func parseJson(cfg *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	var jc JsonConfig

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	setString(&cfg.DBPath, jc.DBPath)
	setString(&cfg.RelayBaseURL, jc.RelayBaseURL)
	setString(&cfg.LookupBaseURL, jc.LookupBaseURL)
	setString(&cfg.S3Region, jc.S3Region)
	setString(&cfg.S3Bucket, jc.S3Bucket)
	setString(&cfg.S3Endpoint, jc.S3Endpoint)
	setString(&cfg.S3AccessKey, jc.S3AccessKey)
	setString(&cfg.S3SecretKey, jc.S3SecretKey)

	if jc.AutosaveMinInterval != nil {
		cfg.AutosaveMinInterval = time.Duration(jc.AutosaveMinInterval.Duration)
	}
	if jc.PassphraseTTL != nil {
		cfg.PassphraseTTL = time.Duration(jc.PassphraseTTL.Duration)
	}
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}
