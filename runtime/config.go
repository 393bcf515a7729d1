// Package runtime assembles the service: configuration, component wiring,
// and the serve lifecycle.
package runtime

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// LogConfig configures the global logger.
type LogConfig struct {
	Level  string `long:"level" env:"LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Logging level"`
	Format string `long:"format" env:"FORMAT" default:"text" choice:"text" choice:"json" description:"Logging output format"`
}

// Configure applies the config to the logrus standard logger.
func (cfg LogConfig) Configure() {
	if cfg.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}
	if lvl, err := log.ParseLevel(cfg.Level); err == nil {
		log.SetLevel(lvl)
	}
}

// ServeConfig is the top-level configuration of the engbrain service.
type ServeConfig struct {
	API struct {
		Address       string `long:"address" env:"ADDRESS" default:"" description:"Address to bind, empty for all interfaces"`
		Port          int    `long:"port" env:"PORT" default:"8080" description:"Port of the HTTP listener"`
		WebhookSecret string `long:"webhook-secret" env:"WEBHOOK_SECRET" description:"Shared secret verifying provider webhook signatures; unset rejects all deliveries"`
	} `group:"API" namespace:"api" env-namespace:"API"`

	Sync struct {
		Period      time.Duration `long:"period" env:"PERIOD" default:"5m" description:"Cadence of full sync sweeps"`
		MinInterval time.Duration `long:"min-interval" env:"MIN_INTERVAL" default:"2m" description:"Per-repository floor between cycle starts"`
		Workers     int           `long:"workers" env:"WORKERS" default:"4" description:"Parallel per-repository cycles"`
		Branch      string        `long:"branch" env:"BRANCH" default:"main" description:"Branch swept for direct commits"`
	} `group:"Sync" namespace:"sync" env-namespace:"SYNC"`

	Store struct {
		SQLitePath   string `long:"sqlite-path" env:"SQLITE_PATH" default:"engbrain.db" description:"Path of the sqlite connection store"`
		FallbackPath string `long:"fallback-path" env:"FALLBACK_PATH" default:"engbrain-connections.json" description:"Path of the JSON state file used when sqlite is unavailable"`
	} `group:"Store" namespace:"store" env-namespace:"STORE"`

	Oracle struct {
		APIKey  string        `long:"api-key" env:"API_KEY" description:"Model provider API key"`
		Model   string        `long:"model" env:"MODEL" description:"Model used for analysis; empty uses the client default"`
		Timeout time.Duration `long:"timeout" env:"TIMEOUT" default:"30s" description:"Per-call timeout"`
	} `group:"Oracle" namespace:"oracle" env-namespace:"ORACLE"`

	Session struct {
		TTL time.Duration `long:"ttl" env:"TTL" default:"24h" description:"Session lifetime"`
	} `group:"Session" namespace:"session" env-namespace:"SESSION"`

	Log LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
}
