// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string
	// RedisURL が空の場合、SessionStoreはPostgreSQLを使用する。
	RedisURL string

	// OAuth
	GoogleClientID     string
	GoogleClientSecret string
	ProviderTimeout    time.Duration

	// Session
	SessionSecret      string
	UserSessionMaxAge  time.Duration
	AdminSessionMaxAge time.Duration
	OAuthCookieMaxAge  time.Duration
	OTPSessionMaxAge   time.Duration

	// OTP
	OTPTTL         time.Duration
	OTPMaxAttempts int
	OTPVerifiedTTL time.Duration

	// Mail
	MailHost     string
	MailPort     int
	MailUser     string
	MailPassword string
	MailFrom     string
	MailTimeout  time.Duration
	AppName      string

	// Rate Limit（1分あたりのリクエスト数）
	RateLimitOTP   int
	RateLimitLogin int

	// Logging
	LogLevel string

	// Server
	ServerPort  string
	BackendURL  string
	FrontendURL string
	// WorkerMetricsPort はworkerモードで /metrics を公開するポート。
	WorkerMetricsPort string

	// Cookie
	CookieSecure   bool
	CookieDomain   string
	CookieSameSite http.SameSite

	// CORS
	CORSAllowedOrigins []string
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに .env が存在する場合は先に読み込む（既存の環境変数は上書きしない）。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	cfg := &Config{}

	var missing []string
	required := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	cfg.DatabaseURL = required("DATABASE_URL")
	cfg.GoogleClientID = required("GOOGLE_CLIENT_ID")
	cfg.GoogleClientSecret = required("GOOGLE_CLIENT_SECRET")
	cfg.SessionSecret = required("SESSION_SECRET")
	cfg.BackendURL = strings.TrimRight(required("BACKEND_URL"), "/")
	cfg.FrontendURL = strings.TrimRight(required("FRONTEND_URL"), "/")

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	cfg.RedisURL = getEnvString("REDIS_URL", "")
	cfg.ProviderTimeout = getEnvDuration("PROVIDER_TIMEOUT", 8*time.Second)

	cfg.UserSessionMaxAge = getEnvDuration("USER_SESSION_MAX_AGE", 7*24*time.Hour)
	cfg.AdminSessionMaxAge = getEnvDuration("ADMIN_SESSION_MAX_AGE", 24*time.Hour)
	cfg.OAuthCookieMaxAge = getEnvDuration("OAUTH_COOKIE_MAX_AGE", 10*time.Minute)
	cfg.OTPSessionMaxAge = getEnvDuration("OTP_SESSION_MAX_AGE", time.Hour)

	cfg.OTPTTL = getEnvDuration("OTP_TTL", 5*time.Minute)
	cfg.OTPMaxAttempts = getEnvInt("OTP_MAX_ATTEMPTS", 3)
	cfg.OTPVerifiedTTL = getEnvDuration("OTP_VERIFIED_TTL", 10*time.Minute)

	cfg.MailHost = getEnvString("MAIL_HOST", "")
	cfg.MailPort = getEnvInt("MAIL_PORT", 587)
	cfg.MailUser = getEnvString("MAIL_USER", "")
	cfg.MailPassword = getEnvString("MAIL_PASSWORD", "")
	cfg.MailFrom = getEnvString("MAIL_FROM", cfg.MailUser)
	cfg.MailTimeout = getEnvDuration("MAIL_TIMEOUT", 8*time.Second)
	cfg.AppName = getEnvString("APP_NAME", "PropAuth")

	cfg.RateLimitOTP = getEnvInt("RATE_LIMIT_OTP", 5)
	cfg.RateLimitLogin = getEnvInt("RATE_LIMIT_LOGIN", 10)

	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.WorkerMetricsPort = getEnvString("WORKER_METRICS_PORT", "9091")

	cfg.CookieSecure = strings.HasPrefix(cfg.BackendURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	// フロントエンドが別オリジンの場合に備え、HTTPSではSameSite=Noneで送る
	cfg.CookieSameSite = http.SameSiteLaxMode
	if cfg.CookieSecure {
		cfg.CookieSameSite = http.SameSiteNoneMode
	}

	cfg.CORSAllowedOrigins = getEnvList("CORS_ALLOWED_ORIGINS", []string{cfg.FrontendURL})

	return cfg, nil
}

// MailEnabled はSMTP送信が設定されているかを返す。
func (c *Config) MailEnabled() bool {
	return c.MailHost != ""
}

// loadDotEnv は指定パスの .env を読み込む。ファイルが存在しない場合は何もしない。
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// getEnvList はカンマ区切りの環境変数を空要素を除いて分割する。
func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, strings.TrimRight(s, "/"))
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
