package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/hitoshi/propauth/internal/auth"
	"github.com/hitoshi/propauth/internal/config"
	"github.com/hitoshi/propauth/internal/database"
	"github.com/hitoshi/propauth/internal/handler"
	"github.com/hitoshi/propauth/internal/logger"
	"github.com/hitoshi/propauth/internal/mail"
	"github.com/hitoshi/propauth/internal/metrics"
	"github.com/hitoshi/propauth/internal/middleware"
	"github.com/hitoshi/propauth/internal/otp"
	"github.com/hitoshi/propauth/internal/repository"
	"github.com/hitoshi/propauth/internal/security"
	"github.com/hitoshi/propauth/internal/session"
	"github.com/hitoshi/propauth/internal/worker/cleanup"
)

// 起動・停止時のタイムアウト
const (
	dependencyPingTimeout = 5 * time.Second
	shutdownTimeout       = 30 * time.Second
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger.SetLevel(cfg.LogLevel)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("backend_url", cfg.BackendURL),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg, MigrateArg(args))
	default:
		return runServe(cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// 2. セッションストア（REDIS_URL があればRedis、なければPostgreSQL）
	store, closeStore, err := newSessionStore(cfg, db)
	if err != nil {
		return err
	}
	defer closeStore()

	// 3. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 4. ドメインサービスの初期化
	repo := repository.NewPostgresIdentityRepo(db)
	guard := security.NewURLGuard()
	sanitizer := security.NewProfileSanitizer(guard)

	hasher, err := auth.NewPasswordHasher(0)
	if err != nil {
		return fmt.Errorf("failed to initialize password hasher: %w", err)
	}

	notifier := mail.NewOTPNotifier(newMailSender(cfg), cfg.AppName, cfg.OTPTTL, cfg.MailTimeout)
	engine := otp.NewEngine(store, notifier, otp.Config{
		TTL:         cfg.OTPTTL,
		MaxAttempts: cfg.OTPMaxAttempts,
		VerifiedTTL: cfg.OTPVerifiedTTL,
		RetainFor:   cfg.OTPSessionMaxAge,
	}, otp.WithRecorder(collector))

	provider := auth.NewGoogleProvider(auth.ProviderConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		BackendURL:   cfg.BackendURL,
		HTTPClient:   guard.NewSafeClient(cfg.ProviderTimeout),
		Timeout:      cfg.ProviderTimeout,
	})
	broker := auth.NewBroker(provider, repo, hasher, sanitizer)
	gate := auth.NewGate(auth.GateConfig{
		Secret:      []byte(cfg.SessionSecret),
		UserMaxAge:  cfg.UserSessionMaxAge,
		AdminMaxAge: cfg.AdminSessionMaxAge,
		Secure:      cfg.CookieSecure,
		SameSite:    cfg.CookieSameSite,
		Domain:      cfg.CookieDomain,
	}, repo)
	accounts := auth.NewAccountService(repo, hasher, engine, sanitizer)

	// 5. ルーターの構築
	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	// configのレート制限はreq/min単位なのでreq/secに変換する
	rateLimiterCfg.OTPRate = rate.Limit(float64(cfg.RateLimitOTP) / 60.0)
	rateLimiterCfg.OTPBurst = cfg.RateLimitOTP
	rateLimiterCfg.LoginRate = rate.Limit(float64(cfg.RateLimitLogin) / 60.0)
	rateLimiterCfg.LoginBurst = cfg.RateLimitLogin
	rateLimiter := middleware.NewRateLimiter(rateLimiterCfg)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:         slog.Default(),
		AllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimiter:    rateLimiter,
		SessionID: middleware.SessionIDCookieConfig{
			MaxAge:   int(cfg.OTPSessionMaxAge.Seconds()),
			Secure:   cfg.CookieSecure,
			SameSite: cfg.CookieSameSite,
			Domain:   cfg.CookieDomain,
		},
		Metrics:  collector,
		Gatherer: registry,

		Broker:   broker,
		Gate:     gate,
		Accounts: accounts,
		OAuthConfig: handler.OAuthHandlerConfig{
			FrontendURL:  cfg.FrontendURL,
			CookieMaxAge: cfg.OAuthCookieMaxAge,
			CookieSecure: cfg.CookieSecure,
		},

		DB: db,
	})

	// 6. HTTPサーバーの起動
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return serveUntilSignal(server, "API server")
}

// runWorker はワーカーモードで起動する。
// セッションストアの期限切れ行を日次で削除し、/metrics を公開する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)
	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           metrics.SetupMetricsRoute(registry),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server listen error", slog.String("error", err.Error()))
		}
	}()

	if cfg.RedisURL != "" {
		slog.Info("session store is redis; expired values are evicted by key TTL")
	}
	job := cleanup.NewCleanupJob(db, slog.Default(), collector)

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cleanup.DefaultInterval),
		slog.String("metrics_addr", metricsServer.Addr),
	)
	job.Start(ctx, cleanup.DefaultInterval)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// directionは up（デフォルト）・down（1ステップ）・version のいずれか。
func runMigrate(cfg *config.Config, arg string) error {
	direction, err := database.ParseMigrateDirection(arg)
	if err != nil {
		return err
	}

	slog.Info("running database migrations",
		slog.String("direction", string(direction)),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	result, err := database.Migrate(cfg.DatabaseURL, direction)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(result.Version)),
		slog.Bool("dirty", result.Dirty),
		slog.Bool("changed", result.Changed),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	endpoint := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(endpoint)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := database.Ping(context.Background(), db, dependencyPingTimeout); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")
	return db, nil
}

// newSessionStore はOTPチャレンジ等を保持するストアを生成する。
// 戻り値の関数でRedis接続を閉じる。
func newSessionStore(cfg *config.Config, db *sql.DB) (session.Store, func(), error) {
	if cfg.RedisURL == "" {
		slog.Info("session store: postgres")
		return session.NewPostgresStore(db), func() {}, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), dependencyPingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	slog.Info("session store: redis", slog.String("addr", opts.Addr))
	return session.NewRedisStore(client, ""), func() { client.Close() }, nil
}

// newMailSender はSMTP設定があればSMTPSenderを、なければログ出力のみのSenderを返す。
func newMailSender(cfg *config.Config) mail.Sender {
	if !cfg.MailEnabled() {
		slog.Warn("MAIL_HOST is not set; OTP codes will not be delivered")
		return mail.NewLogSender(slog.Default())
	}
	return mail.NewSMTPSender(mail.SMTPConfig{
		Host:     cfg.MailHost,
		Port:     cfg.MailPort,
		User:     cfg.MailUser,
		Password: cfg.MailPassword,
		From:     cfg.MailFrom,
	})
}

// serveUntilSignal はHTTPサーバーを起動し、SIGINT/SIGTERMでグレースフルシャットダウンする。
func serveUntilSignal(server *http.Server, name string) error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	errCh := make(chan error, 1)
	go func() {
		slog.Info(name+" starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("%s listen error: %w", name, err)
	case <-stop:
	}
	slog.Info("shutting down " + name + "...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info(name + " stopped gracefully")
	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	if u.User != nil {
		u.User = url.User("***")
	}
	u.RawQuery = ""
	return u.String()
}
