package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is read from defaults, then the YAML file named by CONFIG_FILE,
// then the environment (.env included). Later sources win.
type Config struct {
	DatabaseURL string `yaml:"database_url" validate:"required"`
	City        string `yaml:"city"`
	TimeZone    string `yaml:"tz"`

	NATSURL           string `yaml:"nats_url" validate:"required,url"`
	NATSSubjectPrefix string `yaml:"nats_subject_prefix"`
	LogNATSSubjects   bool   `yaml:"log_nats_subjects"`

	TripUpdatesURL   string `yaml:"trip_updates_url"`
	UpdateIntervalMS int    `yaml:"update_interval_ms" validate:"gt=0"`
	FetchTimeoutMS   int    `yaml:"fetch_timeout_ms" validate:"gt=0"`

	LoadWorkers        int `yaml:"load_workers" validate:"gte=0"`
	DBCheckIntervalMin int `yaml:"db_check_interval_min" validate:"gte=0"`

	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level" validate:"oneof=debug info warn error"`

	BikeRentalURL         string `yaml:"bike_rental_url" validate:"omitempty,url"`
	BikeRentalNetwork     string `yaml:"bike_rental_network"`
	BikeRentalIntervalSec int    `yaml:"bike_rental_interval_sec" validate:"gt=0"`

	Location *time.Location `yaml:"-" validate:"-"`
}

func defaults() *Config {
	return &Config{
		NATSURL:               "nats://127.0.0.1:4222",
		NATSSubjectPrefix:     "timetable",
		UpdateIntervalMS:      30000,
		FetchTimeoutMS:        10000,
		DBCheckIntervalMin:    30,
		LogLevel:              "info",
		BikeRentalNetwork:     "Smoove",
		BikeRentalIntervalSec: 60,
	}
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	// Database URL (cluster DSN): prefer DATABASE_URL / PG_DSN, else build from PG* vars
	if dsn := firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN")); dsn != "" {
		cfg.DatabaseURL = dsn
	} else if cfg.DatabaseURL == "" {
		dsn, err := dsnFromPGEnv()
		if err != nil {
			return nil, err
		}
		cfg.DatabaseURL = dsn
	}

	setString(&cfg.City, firstNonEmpty(os.Getenv("CITY"), os.Getenv("CITY_NAME")))
	setString(&cfg.TimeZone, os.Getenv("TZ"))
	setString(&cfg.NATSURL, os.Getenv("NATS_URL"))
	if v, ok := os.LookupEnv("NATS_SUBJECT_PREFIX"); ok {
		cfg.NATSSubjectPrefix = strings.TrimSpace(v)
	}
	setString(&cfg.TripUpdatesURL, os.Getenv("TRIP_UPDATES_URL"))
	setString(&cfg.MetricsAddr, os.Getenv("METRICS_ADDR"))
	setString(&cfg.LogLevel, strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL"))))
	setString(&cfg.BikeRentalURL, os.Getenv("BIKE_RENTAL_URL"))
	setString(&cfg.BikeRentalNetwork, os.Getenv("BIKE_RENTAL_NETWORK"))

	ints := []struct {
		key string
		dst *int
	}{
		{"UPDATE_INTERVAL_MS", &cfg.UpdateIntervalMS},
		{"FETCH_TIMEOUT_MS", &cfg.FetchTimeoutMS},
		{"LOAD_WORKERS", &cfg.LoadWorkers},
		{"DB_CHECK_INTERVAL_MIN", &cfg.DBCheckIntervalMin},
		{"BIKE_RENTAL_INTERVAL_SEC", &cfg.BikeRentalIntervalSec},
	}
	for _, i := range ints {
		if v := os.Getenv(i.key); v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %q", i.key, v)
			}
			*i.dst = n
		}
	}

	// Debug logging for NATS publish subjects
	if v := os.Getenv("LOG_NATS_SUBJECTS"); v != "" {
		cfg.LogNATSSubjects = parseBool(v)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if cfg.TimeZone == "" {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(cfg.TimeZone)
		if err != nil {
			return nil, fmt.Errorf("invalid TZ: %w", err)
		}
		cfg.Location = loc
	}

	return cfg, nil
}

func (c *Config) UpdateInterval() time.Duration {
	return time.Duration(c.UpdateIntervalMS) * time.Millisecond
}

func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutMS) * time.Millisecond
}

func (c *Config) DBCheckInterval() time.Duration {
	return time.Duration(c.DBCheckIntervalMin) * time.Minute
}

func (c *Config) BikeRentalInterval() time.Duration {
	return time.Duration(c.BikeRentalIntervalSec) * time.Second
}

func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func dsnFromPGEnv() (string, error) {
	host := getenvDefault("PGHOST", "127.0.0.1")
	port := getenvDefault("PGPORT", "5432")
	user := getenvDefault("PGUSER", "postgres")
	pass := os.Getenv("PGPASSWORD")
	db := os.Getenv("PGDATABASE")
	// If CITY is provided, default base DB to 'postgres' when PGDATABASE is not set.
	if db == "" && os.Getenv("CITY") != "" {
		db = "postgres"
	}
	if db == "" {
		return "", errors.New("PGDATABASE or DATABASE_URL must be set (set PGDATABASE=postgres when using CITY)")
	}
	sslmode := getenvDefault("PGSSLMODE", "disable")
	if pass != "" {
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode), nil
	}
	return fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode), nil
}

func setString(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = v
	}
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
