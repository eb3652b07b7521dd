// Package config は環境変数からの設定読み込みを提供する。
// 設定は起動時に1回読み込み、イミュータブルとして扱う。
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config はバックエンド（serve・worker・migrate）の設定。
type Config struct {
	// Database
	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"postgres"`
	DatabaseURL    string `env:"DATABASE_URL,required"`

	// Session
	SessionSecret string        `env:"SESSION_SECRET,required"`
	SessionIssuer string        `env:"SESSION_ISSUER" envDefault:"handleclaim"`
	SessionMaxAge time.Duration `env:"SESSION_MAX_AGE" envDefault:"168h"`
	BcryptCost    int           `env:"BCRYPT_COST" envDefault:"12"`

	// Verification code
	VerificationCodeTTL        time.Duration `env:"VERIFICATION_CODE_TTL" envDefault:"15m"`
	VerificationResendInterval time.Duration `env:"VERIFICATION_RESEND_INTERVAL" envDefault:"30s"`
	VerificationDevReturnCode  bool          `env:"VERIFICATION_DEV_RETURN_CODE" envDefault:"false"`
	VerificationMaxAttempts    int           `env:"VERIFICATION_MAX_ATTEMPTS" envDefault:"5"`
	NotifyWebhookURL           string        `env:"NOTIFY_WEBHOOK_URL"`
	NotifyWebhookToken         string        `env:"NOTIFY_WEBHOOK_TOKEN"`

	// Collection
	DatabaseID   string `env:"DATABASE_ID" envDefault:"default"`
	CollectionID string `env:"COLLECTION_ID" envDefault:"users"`

	// Rate Limit (req/min)
	RateLimitGeneral int `env:"RATE_LIMIT_GENERAL" envDefault:"120"`
	RateLimitStrict  int `env:"RATE_LIMIT_STRICT" envDefault:"10"`

	// Cleanup
	CleanupInterval  time.Duration `env:"CLEANUP_INTERVAL" envDefault:"1h"`
	CleanupRetention time.Duration `env:"CLEANUP_RETENTION" envDefault:"24h"`

	// Server
	ServerPort        string `env:"SERVER_PORT" envDefault:"8080"`
	CORSAllowedOrigin string `env:"CORS_ALLOWED_ORIGIN" envDefault:"http://localhost:8081"`
}

// ClientConfig はsignupコマンド（バックエンドのクライアント）の設定。
type ClientConfig struct {
	Endpoint     string `env:"HANDLECLAIM_ENDPOINT,required"`
	DatabaseID   string `env:"DATABASE_ID" envDefault:"default"`
	CollectionID string `env:"COLLECTION_ID" envDefault:"users"`

	RequestTimeout   time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10s"`
	RetryMaxAttempts int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"3"`
	RetryBaseDelay   time.Duration `env:"RETRY_BASE_DELAY" envDefault:"1s"`
	CacheTTL         time.Duration `env:"AVAILABILITY_CACHE_TTL" envDefault:"5s"`
	ResendCooldown   time.Duration `env:"RESEND_COOLDOWN" envDefault:"60s"`
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合は、未設定のものをまとめてエラーとして返す。
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, describe(err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadClient は環境変数からClientConfigを読み込む。
func LoadClient() (*ClientConfig, error) {
	var cfg ClientConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, describe(err)
	}
	if cfg.RetryMaxAttempts < 1 {
		return nil, fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1: %d", cfg.RetryMaxAttempts)
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("DATABASE_DRIVER must be postgres or sqlite: %q", c.DatabaseDriver)
	}
	if len(c.SessionSecret) < 32 {
		return fmt.Errorf("SESSION_SECRET must be at least 32 bytes")
	}
	if c.RateLimitGeneral < 1 || c.RateLimitStrict < 1 {
		return fmt.Errorf("rate limits must be positive: general=%d strict=%d", c.RateLimitGeneral, c.RateLimitStrict)
	}
	if c.VerificationMaxAttempts < 1 {
		return fmt.Errorf("VERIFICATION_MAX_ATTEMPTS must be positive: %d", c.VerificationMaxAttempts)
	}
	return nil
}

// describe は未設定の必須環境変数をまとめたエラーに変換する。
func describe(err error) error {
	var missing []string
	var agg env.AggregateError
	if errors.As(err, &agg) {
		for _, e := range agg.Errors {
			var notSet env.EnvVarIsNotSetError
			if errors.As(e, &notSet) {
				missing = append(missing, notSet.Key)
			}
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("required environment variables are not set: %v", missing)
	}
	return fmt.Errorf("failed to parse environment: %w", err)
}
