package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/Martian-dev/mailwatch/internal/auth"
	"github.com/Martian-dev/mailwatch/internal/classifier"
)

// Credential backends.
const (
	BackendSQLite  = "sqlite"
	BackendKeyring = "keyring"
)

// Config is the process configuration, read from the environment.
type Config struct {
	TelegramToken string
	Google        auth.OAuthConfig

	HTTPAddr string
	DBPath   string

	CredentialBackend string
	KeyringDir        string
	KeyringPassword   string

	StateSecret string
	StateTTL    time.Duration

	PollInterval  time.Duration
	MinConfidence float64
	Categories    []string

	ClassifierModel   string
	ClassifierURL     string
	ClassifierTimeout time.Duration

	NATSURL string

	LogLevel  string
	LogFormat string
}

func defaults(v *viper.Viper) {
	v.SetDefault("TELEGRAM_BOT_TOKEN", "")
	v.SetDefault("GOOGLE_CLIENT_ID", "")
	v.SetDefault("GOOGLE_CLIENT_SECRET", "")
	v.SetDefault("GOOGLE_REDIRECT_URL", "http://localhost:8080/oauth2callback")
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("DB_PATH", "data/mailwatch.db")
	v.SetDefault("CREDENTIAL_BACKEND", BackendSQLite)
	v.SetDefault("KEYRING_DIR", "data/keyring")
	v.SetDefault("KEYRING_PASSWORD", "")
	v.SetDefault("STATE_SECRET", "")
	v.SetDefault("STATE_TTL", "10m")
	v.SetDefault("POLL_INTERVAL", "60s")
	v.SetDefault("MIN_CONFIDENCE", "0.5")
	v.SetDefault("CATEGORIES", strings.Join(classifier.DefaultCategories, ","))
	v.SetDefault("CLASSIFIER_MODEL", "models/classifier.json")
	v.SetDefault("CLASSIFIER_URL", "")
	v.SetDefault("CLASSIFIER_TIMEOUT", "10s")
	v.SetDefault("NATS_URL", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
}

// Load reads .env files (if present, without overriding the environment)
// and then the environment itself. With no files, ./.env is tried.
func Load(files ...string) (*Config, error) {
	_ = godotenv.Load(files...)

	v := viper.New()
	defaults(v)
	v.AutomaticEnv()

	cfg := &Config{
		TelegramToken: v.GetString("TELEGRAM_BOT_TOKEN"),
		Google: auth.OAuthConfig{
			ClientID:     v.GetString("GOOGLE_CLIENT_ID"),
			ClientSecret: v.GetString("GOOGLE_CLIENT_SECRET"),
			RedirectURL:  v.GetString("GOOGLE_REDIRECT_URL"),
		},
		HTTPAddr:          v.GetString("HTTP_ADDR"),
		DBPath:            v.GetString("DB_PATH"),
		CredentialBackend: strings.ToLower(v.GetString("CREDENTIAL_BACKEND")),
		KeyringDir:        v.GetString("KEYRING_DIR"),
		KeyringPassword:   v.GetString("KEYRING_PASSWORD"),
		StateSecret:       v.GetString("STATE_SECRET"),
		Categories:        splitList(v.GetString("CATEGORIES")),
		ClassifierModel:   v.GetString("CLASSIFIER_MODEL"),
		ClassifierURL:     strings.TrimRight(v.GetString("CLASSIFIER_URL"), "/"),
		NATSURL:           v.GetString("NATS_URL"),
		LogLevel:          v.GetString("LOG_LEVEL"),
		LogFormat:         strings.ToLower(v.GetString("LOG_FORMAT")),
	}

	var err error
	if cfg.StateTTL, err = duration(v, "STATE_TTL"); err != nil {
		return nil, err
	}
	if cfg.PollInterval, err = duration(v, "POLL_INTERVAL"); err != nil {
		return nil, err
	}
	if cfg.ClassifierTimeout, err = duration(v, "CLASSIFIER_TIMEOUT"); err != nil {
		return nil, err
	}
	if cfg.MinConfidence, err = float(v, "MIN_CONFIDENCE"); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every missing or out-of-range setting at once.
func (c *Config) Validate() error {
	var errs []error
	for _, r := range []struct{ key, value string }{
		{"TELEGRAM_BOT_TOKEN", c.TelegramToken},
		{"GOOGLE_CLIENT_ID", c.Google.ClientID},
		{"GOOGLE_CLIENT_SECRET", c.Google.ClientSecret},
		{"GOOGLE_REDIRECT_URL", c.Google.RedirectURL},
		{"STATE_SECRET", c.StateSecret},
	} {
		if r.value == "" {
			errs = append(errs, fmt.Errorf("%s is required", r.key))
		}
	}

	switch c.CredentialBackend {
	case BackendSQLite:
	case BackendKeyring:
		if c.KeyringPassword == "" {
			errs = append(errs, errors.New("KEYRING_PASSWORD is required for the keyring backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("CREDENTIAL_BACKEND must be %q or %q, got %q", BackendSQLite, BackendKeyring, c.CredentialBackend))
	}

	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("POLL_INTERVAL must be positive"))
	}
	if c.StateTTL <= 0 {
		errs = append(errs, errors.New("STATE_TTL must be positive"))
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("MIN_CONFIDENCE must be within [0,1], got %v", c.MinConfidence))
	}
	if len(c.Categories) == 0 {
		errs = append(errs, errors.New("CATEGORIES must name at least one category"))
	}
	if c.ClassifierURL == "" && c.ClassifierModel == "" {
		errs = append(errs, errors.New("one of CLASSIFIER_URL or CLASSIFIER_MODEL is required"))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

func duration(v *viper.Viper, key string) (time.Duration, error) {
	raw := v.GetString(key)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, raw, err)
	}
	return d, nil
}

func float(v *viper.Viper, key string) (float64, error) {
	raw := v.GetString(key)
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q: %w", key, raw, err)
	}
	return f, nil
}

// splitList parses a comma-separated list, dropping blanks and duplicates.
func splitList(raw string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		p := strings.ToLower(strings.TrimSpace(part))
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
