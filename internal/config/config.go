// Package config loads process-wide KSS settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds the process-wide knobs enumerated in the KSS external
// interface contract: pip sizing, persistence, exchange-info fallbacks,
// and the optional Telegram notification sink.
type Config struct {
	// Debug toggles verbose logging.
	Debug bool

	// PipMultiplier scales minQty into a wave's pip size (§4.1).
	PipMultiplier decimal.Decimal

	// DatabaseURL is a DSN. A "postgres://"/"postgresql://" prefix selects
	// the Postgres driver; anything else is treated as a sqlite file path.
	DatabaseURL string

	// DefaultMinQty/DefaultStepSize/DefaultMaxQty are the conservative
	// fallbacks used when ExchangeInfoOracle.Lookup fails (§4.2, §6).
	DefaultMinQty   decimal.Decimal
	DefaultStepSize decimal.Decimal
	DefaultMaxQty   decimal.Decimal

	// SweepInterval is how often the idle-session timeout sweeper runs.
	// Zero disables the sweeper.
	SweepInterval time.Duration

	// Telegram notification sink (optional; empty token disables it).
	TelegramToken  string
	TelegramChatID int64
}

// Load reads configuration from the environment, applying the same
// conservative defaults the KSS contract requires when a knob is absent.
func Load() (*Config, error) {
	cfg := &Config{
		Debug:           getEnvBool("DEBUG", false),
		PipMultiplier:   getEnvDecimal("PIP_MULTIPLIER", decimal.NewFromFloat(2.0)),
		DatabaseURL:     getEnv("DATABASE_URL", "data/kss.db"),
		DefaultMinQty:   getEnvDecimal("DEFAULT_MIN_QTY", decimal.NewFromFloat(1e-5)),
		DefaultStepSize: getEnvDecimal("DEFAULT_STEP_SIZE", decimal.NewFromFloat(1e-5)),
		DefaultMaxQty:   getEnvDecimal("DEFAULT_MAX_QTY", decimal.NewFromFloat(1e4)),
		SweepInterval:   getEnvDuration("SWEEP_INTERVAL", time.Minute),
		TelegramToken:   os.Getenv("TELEGRAM_BOT_TOKEN"),
	}

	if cfg.PipMultiplier.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("PIP_MULTIPLIER must be positive, got %s", cfg.PipMultiplier)
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
