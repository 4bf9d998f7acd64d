// Package config holds host configuration: defaults, .env, environment, flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"dealdrip/pkg/deal"
)

// Config holds all process configuration. Runtime knobs such as the quota and
// the dripfeed interval live in the settings store instead.
type Config struct {
	// HTTP server
	Port       string
	BaseURL    string
	AdminToken string // bearer token for mutating endpoints; empty disables the check

	// State
	StorageBucket string // GCS bucket; empty means local storage
	LocalStorage  string
	DatabasePath  string
	Timezone      string

	// Catalog
	CatalogBaseURL     string
	CatalogAPIKey      string
	CatalogPageSize    int
	CatalogConcurrency int
	CatalogRatePerSec  float64

	// Digest email
	EmailProvider     string // "gmail", "brevo" or "mock"
	DigestTo          string
	MailFrom          string
	MailFromName      string
	BrevoAPIKey       string
	GoogleCredentials string

	// Telegram announcements
	TelegramToken  string
	TelegramChatID int64

	FeedTitle string
	Jitter    bool
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:               "8080",
		LocalStorage:       "./data",
		DatabasePath:       "./data/content.db",
		Timezone:           "UTC",
		CatalogPageSize:    100,
		CatalogConcurrency: 4,
		CatalogRatePerSec:  5,
		EmailProvider:      "mock",
		MailFromName:       "Deal Drip",
		FeedTitle:          "Deals",
	}
}

// LoadFromEnv loads .env (if present) then overrides c from the environment.
func (c *Config) LoadFromEnv() {
	// Missing .env is fine.
	_ = godotenv.Load()

	str := map[string]*string{
		"PORT":                    &c.Port,
		"BASE_URL":                &c.BaseURL,
		"ADMIN_TOKEN":             &c.AdminToken,
		"STORAGE_BUCKET":          &c.StorageBucket,
		"LOCAL_STORAGE":           &c.LocalStorage,
		"DATABASE_PATH":           &c.DatabasePath,
		"TIMEZONE":                &c.Timezone,
		"CATALOG_BASE_URL":        &c.CatalogBaseURL,
		"CATALOG_API_KEY":         &c.CatalogAPIKey,
		"EMAIL_PROVIDER":          &c.EmailProvider,
		"DIGEST_TO":               &c.DigestTo,
		"MAIL_FROM":               &c.MailFrom,
		"MAIL_FROM_NAME":          &c.MailFromName,
		"BREVO_API_KEY":           &c.BrevoAPIKey,
		"GOOGLE_CREDENTIALS_JSON": &c.GoogleCredentials,
		"TELEGRAM_BOT_TOKEN":      &c.TelegramToken,
		"FEED_TITLE":              &c.FeedTitle,
	}
	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("CATALOG_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.CatalogPageSize = n
		}
	}
	if v := os.Getenv("CATALOG_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.CatalogConcurrency = n
		}
	}
	if v := os.Getenv("CATALOG_RATE_PER_SECOND"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.CatalogRatePerSec = f
		}
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.TelegramChatID = n
		}
	}
	if v := os.Getenv("DRIPFEED_JITTER"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Jitter = b
		}
	}
}

// Location resolves the site timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, &deal.ConfigError{Key: "TIMEZONE", Err: err}
	}
	return loc, nil
}

// Validate checks the settings a running service cannot do without.
func (c *Config) Validate() error {
	var errs []error
	if c.CatalogBaseURL == "" {
		errs = append(errs, &deal.ConfigError{Key: "CATALOG_BASE_URL", Err: errors.New("required")})
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	switch c.EmailProvider {
	case "mock", "", "gmail":
		// gmail falls back to Application Default Credentials.
	case "brevo":
		if c.BrevoAPIKey == "" || c.MailFrom == "" {
			errs = append(errs, &deal.ConfigError{Key: "BREVO_API_KEY", Err: errors.New("brevo needs BREVO_API_KEY and MAIL_FROM")})
		}
	default:
		errs = append(errs, &deal.ConfigError{Key: "EMAIL_PROVIDER", Err: fmt.Errorf("unknown provider %q", c.EmailProvider)})
	}
	if c.TelegramToken != "" && c.TelegramChatID == 0 {
		errs = append(errs, &deal.ConfigError{Key: "TELEGRAM_CHAT_ID", Err: errors.New("required with TELEGRAM_BOT_TOKEN")})
	}
	return errors.Join(errs...)
}
