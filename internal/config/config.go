// Package config loads the settings shared by the server and the CLI.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/creasty/defaults"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

type Config struct {
	Database  Database  `mapstructure:"database"`
	Server    Server    `mapstructure:"server"`
	Reports   Reports   `mapstructure:"reports"`
	Logging   Logging   `mapstructure:"logging"`
	Carryover Carryover `mapstructure:"carryover"`
}

type Database struct {
	URL string `mapstructure:"url"`
}

type Server struct {
	Port           string `mapstructure:"port" default:"8080"`
	AllowedOrigins string `mapstructure:"allowed_origins"`
	// MaxBodyBytes caps JSON request bodies.
	MaxBodyBytes int64 `mapstructure:"max_body_bytes" default:"1048576"`
	// JWTSecret enables bearer authentication on the write endpoints.
	JWTSecret string `mapstructure:"jwt_secret"`
}

type Reports struct {
	Dir string `mapstructure:"dir" default:"reports"`
	// Fixture, when set, serves the ledger from a YAML file instead of
	// PostgreSQL.
	Fixture string `mapstructure:"fixture"`
}

type Logging struct {
	Level  string `mapstructure:"level" default:"info"`
	Pretty bool   `mapstructure:"pretty"`
}

// Carryover schedules periodic carryover generation. An empty Schedule
// disables it.
type Carryover struct {
	Schedule    string   `mapstructure:"schedule"`
	ReportCodes []string `mapstructure:"reports"`
	DateFilter  string   `mapstructure:"date_filter" default:"last_month"`
}

// envKeys maps config keys to their environment variables.
var envKeys = map[string]string{
	"database.url":           "DATABASE_URL",
	"server.port":            "SERVER_PORT",
	"server.allowed_origins": "ALLOWED_ORIGINS",
	"server.max_body_bytes":  "MAX_BODY_BYTES",
	"server.jwt_secret":      "JWT_SECRET",
	"reports.dir":            "REPORTS_DIR",
	"reports.fixture":        "LEDGER_FIXTURE",
	"logging.level":          "LOG_LEVEL",
	"logging.pretty":         "LOG_PRETTY",
	"carryover.schedule":     "CARRYOVER_SCHEDULE",
	"carryover.reports":      "CARRYOVER_REPORTS",
	"carryover.date_filter":  "CARRYOVER_DATE_FILTER",
}

// Load reads .env (if present), then the optional config file at path, then
// the environment. Later sources win.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("failed to set config defaults: %w", err)
	}

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for key, env := range envKeys {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// NewLogger builds the process logger.
func (l Logging) NewLogger() (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(l.Level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", l.Level, err)
	}
	var out io.Writer = os.Stderr
	if l.Pretty {
		out = zerolog.ConsoleWriter{Out: os.Stderr}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}
