// Package config loads the points engine configuration.
//
// Precedence, lowest first: built-in defaults, the YAML file, then
// POINTS_* environment variables. cmd/server loads a .env file into the
// environment before calling Load.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "POINTS_"

// Schedules holds cron expressions for batch jobs. An empty expression
// disables the job.
type Schedules struct {
	RecomputeTraining string `yaml:"recompute_training"`
	ExpireMemberships string `yaml:"expire_memberships"`
}

type RateLimit struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type CORS struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Config is the full process configuration.
type Config struct {
	HTTPAddr          string        `yaml:"http_addr"`
	DBPath            string        `yaml:"db_path"`
	JWTSecret         string        `yaml:"jwt_secret"`
	Timezone          string        `yaml:"timezone"`
	LogLevel          string        `yaml:"log_level"`
	LogFormat         string        `yaml:"log_format"` // json or text
	NewAccountsLocked bool          `yaml:"new_accounts_locked"`
	PointsFloor       int64         `yaml:"points_floor"`
	KeywordTable      string        `yaml:"keyword_table"`
	Schedules         Schedules     `yaml:"schedules"`
	RateLimit         RateLimit     `yaml:"rate_limit"`
	CORS              CORS          `yaml:"cors"`
	AdminAccounts     []string      `yaml:"admin_accounts"` // registered with the admin flag
	RedisAddr         string        `yaml:"redis_addr"`
	IdempotencyTTL    time.Duration `yaml:"idempotency_ttl"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		HTTPAddr:          ":8080",
		DBPath:            "points.db",
		Timezone:          "Asia/Shanghai",
		LogLevel:          "info",
		LogFormat:         "json",
		NewAccountsLocked: true,
		PointsFloor:       -8000,
		Schedules: Schedules{
			RecomputeTraining: "0 3 * * *",
			ExpireMemberships: "10 0 * * *",
		},
		RateLimit:       RateLimit{RPS: 10, Burst: 20},
		CORS:            CORS{AllowedOrigins: []string{"*"}},
		IdempotencyTTL:  24 * time.Hour,
		ShutdownTimeout: 15 * time.Second,
	}
}

// Load reads path (optional) over the defaults, then applies environment
// overrides. A missing file is not an error when path is empty.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config: %w", err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	str("HTTP_ADDR", &c.HTTPAddr)
	str("DB_PATH", &c.DBPath)
	str("JWT_SECRET", &c.JWTSecret)
	str("TIMEZONE", &c.Timezone)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	str("KEYWORD_TABLE", &c.KeywordTable)
	str("REDIS_ADDR", &c.RedisAddr)
	str("SCHEDULE_RECOMPUTE_TRAINING", &c.Schedules.RecomputeTraining)
	str("SCHEDULE_EXPIRE_MEMBERSHIPS", &c.Schedules.ExpireMemberships)

	if v, ok := lookup(EnvPrefix + "CORS_ALLOWED_ORIGINS"); ok {
		c.CORS.AllowedOrigins = splitList(v)
	}
	if v, ok := lookup(EnvPrefix + "ADMIN_ACCOUNTS"); ok {
		c.AdminAccounts = splitList(v)
	}
	if v, ok := lookup(EnvPrefix + "NEW_ACCOUNTS_LOCKED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sNEW_ACCOUNTS_LOCKED: %w", EnvPrefix, err)
		}
		c.NewAccountsLocked = b
	}
	if v, ok := lookup(EnvPrefix + "POINTS_FLOOR"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%sPOINTS_FLOOR: %w", EnvPrefix, err)
		}
		c.PointsFloor = n
	}
	if v, ok := lookup(EnvPrefix + "RATE_LIMIT_RPS"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%sRATE_LIMIT_RPS: %w", EnvPrefix, err)
		}
		c.RateLimit.RPS = f
	}
	if v, ok := lookup(EnvPrefix + "RATE_LIMIT_BURST"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sRATE_LIMIT_BURST: %w", EnvPrefix, err)
		}
		c.RateLimit.Burst = n
	}
	if v, ok := lookup(EnvPrefix + "IDEMPOTENCY_TTL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sIDEMPOTENCY_TTL: %w", EnvPrefix, err)
		}
		c.IdempotencyTTL = d
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks values that would otherwise fail at first use.
func (c Config) Validate() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("jwt_secret is required")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	if c.PointsFloor > 0 {
		return fmt.Errorf("points_floor must not be positive, got %d", c.PointsFloor)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("log_format must be json or text, got %q", c.LogFormat)
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}
	return nil
}

// IsAdminAccount reports whether id is listed in admin_accounts.
func (c Config) IsAdminAccount(id string) bool {
	for _, a := range c.AdminAccounts {
		if a == id {
			return true
		}
	}
	return false
}

// Location returns the configured time zone. Call after Validate.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}
