// Package config loads application configuration from config.yaml and the
// environment and owns global logger setup.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/brickwatch/compliance-engine/internal/alert"
	"github.com/brickwatch/compliance-engine/internal/engine"
	"github.com/brickwatch/compliance-engine/internal/scheduler"
	"github.com/brickwatch/compliance-engine/internal/store"
)

// Config holds the full application configuration.
type Config struct {
	Log           LogConfig               `yaml:"log" mapstructure:"log"`
	Store         StoreConfig             `yaml:"store" mapstructure:"store"`
	Server        ServerConfig            `yaml:"server" mapstructure:"server"`
	Sources       map[string]SourceConfig `yaml:"sources" mapstructure:"sources"`
	Socrata       SocrataConfig           `yaml:"socrata" mapstructure:"socrata"`
	Refresh       scheduler.Config        `yaml:"refresh" mapstructure:"refresh"`
	Push          scheduler.PushConfig    `yaml:"push" mapstructure:"push"`
	Thresholds    alert.Thresholds        `yaml:"thresholds" mapstructure:"thresholds"`
	Risk          RiskConfig              `yaml:"risk" mapstructure:"risk"`
	Score         ScoreConfig             `yaml:"score" mapstructure:"score"`
	Alerts        AlertsConfig            `yaml:"alerts" mapstructure:"alerts"`
	Retention     engine.Retention        `yaml:"retention" mapstructure:"retention"`
	WindowMonths  int                     `yaml:"window_months" mapstructure:"window_months"`
	BuildingsFile string                  `yaml:"buildings_file" mapstructure:"buildings_file"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// StoreConfig configures the persistence backend.
type StoreConfig struct {
	Driver      string            `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string            `yaml:"database_url" mapstructure:"database_url"`
	Path        string            `yaml:"path" mapstructure:"path"`
	MaxHistory  int               `yaml:"max_history" mapstructure:"max_history"`
	Pool        *store.PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// SourceConfig configures one upstream data source.
type SourceConfig struct {
	RateLimit   float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	Burst       int     `yaml:"burst" mapstructure:"burst"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRows     int     `yaml:"max_rows" mapstructure:"max_rows"`
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	Enabled     bool    `yaml:"enabled" mapstructure:"enabled"`
}

// SocrataConfig holds credentials shared by all Socrata-backed sources.
type SocrataConfig struct {
	AppToken  string `yaml:"app_token" mapstructure:"app_token"`
	UserAgent string `yaml:"user_agent" mapstructure:"user_agent"`
}

// RiskConfig holds the score cut lines for risk classification.
type RiskConfig struct {
	HighBelow   float64 `yaml:"high_below" mapstructure:"high_below"`
	MediumBelow float64 `yaml:"medium_below" mapstructure:"medium_below"`
}

// ScoreConfig configures compliance score computation.
type ScoreConfig struct {
	PenaltyPerViolation float64 `yaml:"penalty_per_violation" mapstructure:"penalty_per_violation"`
	SeverityPolicy      string  `yaml:"severity_policy" mapstructure:"severity_policy"`
}

// AlertsConfig configures alert delivery and per-category toggles.
type AlertsConfig struct {
	WebhookURL             string `yaml:"webhook_url" mapstructure:"webhook_url"`
	ViolationAdded         bool   `yaml:"violation_added" mapstructure:"violation_added"`
	ViolationResolved      bool   `yaml:"violation_resolved" mapstructure:"violation_resolved"`
	InspectionScheduled    bool   `yaml:"inspection_scheduled" mapstructure:"inspection_scheduled"`
	ComplianceScoreChanged bool   `yaml:"compliance_score_changed" mapstructure:"compliance_score_changed"`
	Emergency              bool   `yaml:"emergency" mapstructure:"emergency"`
}

// Toggles converts the alert category flags to the evaluator's form.
func (a AlertsConfig) Toggles() alert.Toggles {
	return alert.Toggles{
		ViolationAdded:         a.ViolationAdded,
		ViolationResolved:      a.ViolationResolved,
		InspectionScheduled:    a.InspectionScheduled,
		ComplianceScoreChanged: a.ComplianceScoreChanged,
		Emergency:              a.Emergency,
	}
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("COMPLIANCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.path", "compliance.db")
	v.SetDefault("store.max_history", 100)
	v.SetDefault("server.port", 8080)
	for _, name := range []string{"hpd_violations", "dob_permits", "dsny_violations", "ll97_emissions"} {
		v.SetDefault("sources."+name+".rate_limit", 5.0)
		v.SetDefault("sources."+name+".burst", 5)
		v.SetDefault("sources."+name+".timeout_secs", 30)
		v.SetDefault("sources."+name+".max_rows", 5000)
		v.SetDefault("sources."+name+".base_url", "https://data.cityofnewyork.us")
		v.SetDefault("sources."+name+".enabled", true)
	}
	v.SetDefault("socrata.user_agent", "brickwatch-compliance-engine/1.0")
	v.SetDefault("refresh.min_interval", "1m")
	v.SetDefault("refresh.max_interval", "6h")
	v.SetDefault("refresh.tier_intervals.high", "15m")
	v.SetDefault("refresh.tier_intervals.normal", "1h")
	v.SetDefault("refresh.tier_intervals.low", "6h")
	v.SetDefault("refresh.max_concurrent", 4)
	v.SetDefault("refresh.failure_threshold", 3)
	v.SetDefault("refresh.stale_multiple", 3)
	v.SetDefault("refresh.tick", "1s")
	v.SetDefault("push.reconnect_interval", "5s")
	v.SetDefault("thresholds.critical", 50.0)
	v.SetDefault("thresholds.warning", 70.0)
	v.SetDefault("thresholds.good", 85.0)
	v.SetDefault("thresholds.excellent", 95.0)
	v.SetDefault("risk.high_below", 50.0)
	v.SetDefault("risk.medium_below", 70.0)
	v.SetDefault("score.penalty_per_violation", 5.0)
	v.SetDefault("score.severity_policy", "flat")
	v.SetDefault("alerts.violation_added", true)
	v.SetDefault("alerts.violation_resolved", true)
	v.SetDefault("alerts.inspection_scheduled", true)
	v.SetDefault("alerts.compliance_score_changed", true)
	v.SetDefault("alerts.emergency", true)
	v.SetDefault("retention.days", 90)
	v.SetDefault("retention.max_updates", 100)
	v.SetDefault("window_months", 12)
	v.SetDefault("buildings_file", "buildings.yaml")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
