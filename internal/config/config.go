package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

type Config struct {
	HTTPPort        int
	SMTPPort        int
	DBPath          string
	AuthSecret      string
	SMTPAuthEnabled bool
	SMTPUsername    string
	SMTPPassword    string

	// DeliveryDelay is added to the send time to compute a letter's delivery time.
	DeliveryDelay    time.Duration
	DeliveryInterval time.Duration
	// DeliveryCron replaces DeliveryInterval when set.
	DeliveryCron string

	// NotifySMTPAddr is the relay used for "letter arrived" e-mails. Empty
	// disables them.
	NotifySMTPAddr     string
	NotifyFrom         string
	NotifySMTPUsername string
	NotifySMTPPassword string
	// NotifySMTPStartTLS requires the relay to upgrade with STARTTLS.
	NotifySMTPStartTLS bool
	NotifySMTPTimeout  time.Duration

	// PageSize is the default number of letters per listing page.
	PageSize int
	LogLevel string
}

func Load() Config {
	return Config{
		HTTPPort:           getEnvInt("HTTP_PORT", 3025),
		SMTPPort:           getEnvInt("SMTP_PORT", 2025),
		DBPath:             getEnvString("DB_PATH", ""),
		AuthSecret:         getEnvString("AUTH_SECRET", ""),
		SMTPAuthEnabled:    getEnvBool("SMTP_AUTH_ENABLED", true),
		SMTPUsername:       getEnvString("SMTP_USERNAME", "slowpost"),
		SMTPPassword:       getEnvString("SMTP_PASSWORD", "slowpost"),
		DeliveryDelay:      getEnvDuration("DELIVERY_DELAY", 24*time.Hour),
		DeliveryInterval:   getEnvDuration("DELIVERY_INTERVAL", time.Minute),
		DeliveryCron:       getEnvString("DELIVERY_CRON", ""),
		NotifySMTPAddr:     getEnvString("NOTIFY_SMTP_ADDR", ""),
		NotifyFrom:         getEnvString("NOTIFY_FROM", "postmaster@slowpost.local"),
		NotifySMTPUsername: getEnvString("NOTIFY_SMTP_USERNAME", ""),
		NotifySMTPPassword: getEnvString("NOTIFY_SMTP_PASSWORD", ""),
		NotifySMTPStartTLS: getEnvBool("NOTIFY_SMTP_STARTTLS", false),
		NotifySMTPTimeout:  getEnvDuration("NOTIFY_SMTP_TIMEOUT", 10*time.Second),
		PageSize:           getEnvInt("PAGE_SIZE", 20),
		LogLevel:           getEnvString("LOG_LEVEL", "info"),
	}
}

// Validate reports every setting that cannot be used.
func (c Config) Validate() error {
	var errs []error
	if c.DeliveryDelay <= 0 {
		errs = append(errs, fmt.Errorf("DELIVERY_DELAY must be positive, got %s", c.DeliveryDelay))
	} else if c.DeliveryDelay%time.Second != 0 {
		// delivery times are stored in whole seconds
		errs = append(errs, fmt.Errorf("DELIVERY_DELAY must be a whole number of seconds, got %s", c.DeliveryDelay))
	}
	if c.DeliveryInterval <= 0 {
		errs = append(errs, fmt.Errorf("DELIVERY_INTERVAL must be positive, got %s", c.DeliveryInterval))
	}
	if c.DeliveryCron != "" && !gronx.IsValid(c.DeliveryCron) {
		errs = append(errs, fmt.Errorf("DELIVERY_CRON is not a valid cron expression: %q", c.DeliveryCron))
	}
	if c.NotifySMTPTimeout <= 0 {
		errs = append(errs, fmt.Errorf("NOTIFY_SMTP_TIMEOUT must be positive, got %s", c.NotifySMTPTimeout))
	}
	if c.PageSize <= 0 {
		errs = append(errs, fmt.Errorf("PAGE_SIZE must be positive, got %d", c.PageSize))
	}
	if c.HTTPPort == c.SMTPPort {
		errs = append(errs, fmt.Errorf("HTTP_PORT and SMTP_PORT must differ, both are %d", c.HTTPPort))
	}
	return errors.Join(errs...)
}

// SlogLevel maps LogLevel onto a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnvString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("90m", "24h") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	trimmed := strings.TrimSpace(value)
	if parsed, err := time.ParseDuration(trimmed); err == nil {
		return parsed
	}
	if seconds, err := strconv.Atoi(trimmed); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return fallback
}
