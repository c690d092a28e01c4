// Package config defines the runtime configuration for the veilchat core:
// Redis endpoint, LLM provider credentials, billing parameters (free
// allowance, provider fee, negative-balance floor), guest rate limits, and
// per-operation timeouts. It also provides validation and defaulting helpers.
package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all settings required to run the chat core. Use Validate to
// fill implicit defaults and to check for required fields.
type Config struct {
	// ListenAddr is the HTTP/WS listen address. Default: ":8080".
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`
	// RedisAddr is the Redis endpoint used for reservations and rate limits
	// (required unless DevMode is set; dev mode falls back to in-memory
	// reservation counters).
	RedisAddr string `json:"redis_addr" yaml:"redis_addr"`
	// RedisPassword is the optional Redis AUTH password.
	RedisPassword string `json:"redis_password" yaml:"redis_password"`
	// LLMBaseURL is the HTTP endpoint of the LLM provider.
	LLMBaseURL string `json:"llm_base_url" yaml:"llm_base_url"`
	// LLMAPIKey authenticates calls to the LLM provider.
	LLMAPIKey string `json:"llm_api_key" yaml:"llm_api_key"`
	// WebhookSecret verifies payment-processor webhook signatures.
	WebhookSecret string `json:"webhook_secret" yaml:"webhook_secret"`
	// PricingPath points at the per-model pricing table (JSON).
	PricingPath string `json:"pricing_path" yaml:"pricing_path"`
	// FreeAllowance is the daily free-tier wallet cap in dollars.
	// Default: "0.10".
	FreeAllowance decimal.Decimal `json:"free_allowance" yaml:"free_allowance"`
	// ProviderFeePct is the multiplicative fee applied on top of raw provider
	// pricing (0.15 = 15%). Default: 0.15.
	ProviderFeePct decimal.Decimal `json:"provider_fee_pct" yaml:"provider_fee_pct"`
	// MaxNegativeBalance is the floor (as a positive dollar amount) an owner
	// wallet may be driven below zero when covering group spend.
	// Default: "0.50".
	MaxNegativeBalance decimal.Decimal `json:"max_negative_balance" yaml:"max_negative_balance"`
	// GuestRateLimit caps link-guest requests per GuestRateWindow per IP.
	// Default: 30.
	GuestRateLimit int `json:"guest_rate_limit" yaml:"guest_rate_limit"`
	// GuestRateWindow is the guest rate-limit window. Default: 1m.
	GuestRateWindow time.Duration `json:"guest_rate_window" yaml:"guest_rate_window"`
	// DevMode enables verbose logging, character-count cost estimation and
	// the in-memory reservation store.
	DevMode bool `json:"dev_mode" yaml:"dev_mode"`
	// Timeouts configures per-operation deadlines. See Timeouts.WithDefaults.
	Timeouts Timeouts `json:"timeouts" yaml:"timeouts"`
}

// Timeouts controls operation deadlines across the core.
// Zero values will be replaced by sane defaults in WithDefaults.
type Timeouts struct {
	LLMStream      time.Duration // whole-stream deadline for one completion
	LLMFirstToken  time.Duration // time to first streamed token
	Commit         time.Duration // atomic message+billing commit
	Rotation       time.Duration // rotation transaction (longer than Commit)
	Redis          time.Duration // individual Redis round-trip
	Shutdown       time.Duration // graceful HTTP shutdown
	StreamBatch    time.Duration // token batch flush interval for broadcast
	ReservationTTL time.Duration // crash-safety TTL on reservation keys
}

// Validate normalizes the configuration by applying implicit defaults and
// verifies that required fields are provided. In non-dev mode RedisAddr,
// LLMBaseURL and WebhookSecret are required.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}

	if c.FreeAllowance.IsZero() {
		c.FreeAllowance = decimal.RequireFromString("0.10")
	}

	if c.ProviderFeePct.IsZero() {
		c.ProviderFeePct = decimal.RequireFromString("0.15")
	}

	if c.MaxNegativeBalance.IsZero() {
		c.MaxNegativeBalance = decimal.RequireFromString("0.50")
	}

	if c.GuestRateLimit == 0 {
		c.GuestRateLimit = 30
	}

	if c.GuestRateWindow == 0 {
		c.GuestRateWindow = time.Minute
	}

	if c.DevMode {
		return nil
	}

	if c.RedisAddr == "" {
		return errors.New("redis address is required")
	}

	if c.LLMBaseURL == "" {
		return errors.New("LLM base URL is required")
	}

	if c.WebhookSecret == "" {
		return errors.New("webhook signing secret is required")
	}

	return nil
}

// WithDefaults returns a copy of t with zero values replaced by defaults:
//
//	LLMStream:      120s
//	LLMFirstToken:  20s
//	Commit:         10s
//	Rotation:       30s
//	Redis:          2s
//	Shutdown:       15s
//	StreamBatch:    100ms
//	ReservationTTL: 5m
func (t Timeouts) WithDefaults() Timeouts {
	tt := t
	if tt.LLMStream == 0 {
		tt.LLMStream = 120 * time.Second
	}
	if tt.LLMFirstToken == 0 {
		tt.LLMFirstToken = 20 * time.Second
	}
	if tt.Commit == 0 {
		tt.Commit = 10 * time.Second
	}
	if tt.Rotation == 0 {
		tt.Rotation = 30 * time.Second
	}
	if tt.Redis == 0 {
		tt.Redis = 2 * time.Second
	}
	if tt.Shutdown == 0 {
		tt.Shutdown = 15 * time.Second
	}
	if tt.StreamBatch == 0 {
		tt.StreamBatch = 100 * time.Millisecond
	}
	if tt.ReservationTTL == 0 {
		tt.ReservationTTL = 5 * time.Minute
	}
	return tt
}

// FromEnv builds a Config from process environment variables. Unset variables
// keep their zero values so that Validate can apply defaults afterwards.
//
//	VEILCHAT_LISTEN_ADDR, VEILCHAT_REDIS_ADDR, VEILCHAT_REDIS_PASSWORD,
//	VEILCHAT_LLM_BASE_URL, VEILCHAT_LLM_API_KEY, VEILCHAT_WEBHOOK_SECRET,
//	VEILCHAT_PRICING_PATH, VEILCHAT_FREE_ALLOWANCE, VEILCHAT_PROVIDER_FEE_PCT,
//	VEILCHAT_MAX_NEGATIVE_BALANCE, VEILCHAT_GUEST_RATE_LIMIT,
//	VEILCHAT_GUEST_RATE_WINDOW, VEILCHAT_DEV_MODE
func FromEnv() (*Config, error) {
	c := &Config{
		ListenAddr:    os.Getenv("VEILCHAT_LISTEN_ADDR"),
		RedisAddr:     os.Getenv("VEILCHAT_REDIS_ADDR"),
		RedisPassword: os.Getenv("VEILCHAT_REDIS_PASSWORD"),
		LLMBaseURL:    os.Getenv("VEILCHAT_LLM_BASE_URL"),
		LLMAPIKey:     os.Getenv("VEILCHAT_LLM_API_KEY"),
		WebhookSecret: os.Getenv("VEILCHAT_WEBHOOK_SECRET"),
		PricingPath:   os.Getenv("VEILCHAT_PRICING_PATH"),
		DevMode:       os.Getenv("VEILCHAT_DEV_MODE") == "true",
	}

	var err error
	if v := os.Getenv("VEILCHAT_FREE_ALLOWANCE"); v != "" {
		if c.FreeAllowance, err = decimal.NewFromString(v); err != nil {
			return nil, err
		}
	}
	if v := os.Getenv("VEILCHAT_PROVIDER_FEE_PCT"); v != "" {
		if c.ProviderFeePct, err = decimal.NewFromString(v); err != nil {
			return nil, err
		}
	}
	if v := os.Getenv("VEILCHAT_MAX_NEGATIVE_BALANCE"); v != "" {
		if c.MaxNegativeBalance, err = decimal.NewFromString(v); err != nil {
			return nil, err
		}
	}
	if v := os.Getenv("VEILCHAT_GUEST_RATE_LIMIT"); v != "" {
		if c.GuestRateLimit, err = strconv.Atoi(v); err != nil {
			return nil, err
		}
	}
	if v := os.Getenv("VEILCHAT_GUEST_RATE_WINDOW"); v != "" {
		if c.GuestRateWindow, err = time.ParseDuration(v); err != nil {
			return nil, err
		}
	}
	return c, nil
}
