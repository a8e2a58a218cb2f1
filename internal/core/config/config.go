package config

import (
	"time"

	"github.com/vietddude/placepipe/internal/core/budget"
	redisclient "github.com/vietddude/placepipe/internal/infra/redis"
	"github.com/vietddude/placepipe/internal/infra/llm"
	"github.com/vietddude/placepipe/internal/infra/notify"
	"github.com/vietddude/placepipe/internal/infra/sitemap"
	"github.com/vietddude/placepipe/internal/infra/source"
	"github.com/vietddude/placepipe/internal/infra/storage/postgres"
	"github.com/vietddude/placepipe/internal/pipeline/enrich"
	"github.com/vietddude/placepipe/internal/pipeline/fetch"
	"github.com/vietddude/placepipe/internal/pipeline/health"
	"github.com/vietddude/placepipe/internal/pipeline/normalize"
	"github.com/vietddude/placepipe/internal/pipeline/publish"
	"github.com/vietddude/placepipe/internal/pipeline/recovery"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Logging   LoggingConfig      `yaml:"logging"`
	Server    ServerConfig       `yaml:"server"`
	Database  postgres.Config    `yaml:"database"`
	Redis     redisclient.Config `yaml:"redis"`
	Host      HostConfig         `yaml:"host"`
	Source    source.Config      `yaml:"source"`
	Fetch     fetch.Config       `yaml:"fetch"`
	Normalize normalize.Config   `yaml:"normalize"`
	Enrich    enrich.Config      `yaml:"enrich"`
	Publish   PublishConfig      `yaml:"publish"`
	FailQueue recovery.Config    `yaml:"failqueue"`
	Health    health.Thresholds  `yaml:"health"`
	Schedule  ScheduleConfig     `yaml:"schedule"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// HostConfig describes the limits of the host that invokes stages.
type HostConfig struct {
	// Budget is the hard wall-clock limit of one invocation.
	Budget time.Duration `yaml:"budget"`
	// WarnRatio is the share of Budget after which loops stop taking work.
	WarnRatio float64 `yaml:"warn_ratio"`
	// BackgroundTimeout bounds detached tasks and the wait for them.
	BackgroundTimeout time.Duration `yaml:"background_timeout"`
}

// PublishConfig groups the publish stage and its fan-out targets.
type PublishConfig struct {
	publish.Config `yaml:",inline"`

	Revalidate notify.RevalidateConfig `yaml:"revalidate"`
	IndexNow   notify.IndexNowConfig   `yaml:"indexnow"`
	Sitemap    sitemap.Config          `yaml:"sitemap"`
}

// ScheduleConfig holds one cron expression per stage for serve mode. An
// empty expression disables the stage.
type ScheduleConfig struct {
	FetchInitial     string `yaml:"fetch_initial"`
	FetchIncremental string `yaml:"fetch_incremental"`
	Normalize        string `yaml:"normalize"`
	Enrich           string `yaml:"enrich"`
	Publish          string `yaml:"publish"`
	Retry            string `yaml:"retry"`
}

// Default returns the configuration used for every field a file omits.
func Default() AppConfig {
	enrichCfg := enrich.DefaultConfig()
	enrichCfg.LLM = llm.DefaultConfig()
	return AppConfig{
		Logging: LoggingConfig{Level: "info"},
		Server:  ServerConfig{Port: 8080},
		Redis:   redisclient.Config{KeyPrefix: "placepipe"},
		Host: HostConfig{
			Budget:            60 * time.Second,
			WarnRatio:         budget.DefaultWarnRatio,
			BackgroundTimeout: 30 * time.Second,
		},
		Source:    source.DefaultConfig(),
		Fetch:     fetch.DefaultConfig(),
		Normalize: normalize.DefaultConfig(),
		Enrich:    enrichCfg,
		Publish: PublishConfig{
			Config: publish.DefaultConfig(),
			IndexNow: notify.IndexNowConfig{
				Endpoints: notify.DefaultIndexNowEndpoints,
			},
			Sitemap: sitemap.Config{Prefix: "sitemaps/", UseSSL: true},
		},
		FailQueue: recovery.DefaultConfig(),
		Health:    health.DefaultThresholds(),
		Schedule: ScheduleConfig{
			FetchInitial:     "*/5 * * * *",
			FetchIncremental: "0 * * * *",
			Normalize:        "*/5 * * * *",
			Enrich:           "*/10 * * * *",
			Publish:          "*/10 * * * *",
			Retry:            "*/15 * * * *",
		},
	}
}

// Spec returns the cron expression for a stage.
func (s ScheduleConfig) Spec(stage string) string {
	switch stage {
	case "fetch-initial":
		return s.FetchInitial
	case "fetch-incremental":
		return s.FetchIncremental
	case "normalize":
		return s.Normalize
	case "enrich":
		return s.Enrich
	case "publish":
		return s.Publish
	case "retry":
		return s.Retry
	}
	return ""
}
