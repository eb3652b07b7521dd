package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/hitoshi/handleclaim/internal/account"
	"github.com/hitoshi/handleclaim/internal/claim"
	"github.com/hitoshi/handleclaim/internal/config"
	"github.com/hitoshi/handleclaim/internal/database"
	"github.com/hitoshi/handleclaim/internal/handler"
	"github.com/hitoshi/handleclaim/internal/logger"
	"github.com/hitoshi/handleclaim/internal/metrics"
	"github.com/hitoshi/handleclaim/internal/middleware"
	"github.com/hitoshi/handleclaim/internal/notify"
	"github.com/hitoshi/handleclaim/internal/repository"
	"github.com/hitoshi/handleclaim/internal/retry"
	"github.com/hitoshi/handleclaim/internal/security"
	"github.com/hitoshi/handleclaim/internal/user"
	"github.com/hitoshi/handleclaim/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、環境変数からConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	switch cmd {
	case CommandHealthcheck:
		// 軽量サブコマンドのため、フル初期化をスキップする
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	case CommandSignup:
		// ログはstderrへ出し、対話出力と混ざらないようにする
		logger.SetupDefault(os.Stderr)
		return runSignup(context.Background(), os.Stdin, w)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("driver", cfg.DatabaseDriver),
		slog.String("port", cfg.ServerPort),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// openDB はDB接続を開き、疎通を確認する。
func openDB(cfg *config.Config) (*sql.DB, database.Driver, error) {
	driver, err := database.ParseDriver(cfg.DatabaseDriver)
	if err != nil {
		return nil, "", err
	}

	db, err := database.Open(driver, cfg.DatabaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, "", fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established", slog.String("driver", string(driver)))
	return db, driver, nil
}

// newRegistry はアプリケーションメトリクスとランタイムメトリクスを登録したレジストリを返す。
func newRegistry() (*prometheus.Registry, *metrics.Collector) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewCollector(reg)
}

// newDispatcher はコード配信先を構築する。
// NOTIFY_WEBHOOK_URLが設定されていればSSRF対策済みクライアントでWebhookへ送り、
// 未設定ならログへ出力する。
func newDispatcher(cfg *config.Config, log *slog.Logger) (notify.Dispatcher, error) {
	if cfg.NotifyWebhookURL == "" {
		log.Warn("NOTIFY_WEBHOOK_URL is not set, verification codes are written to the log")
		return notify.NewLogDispatcher(log), nil
	}

	guard := security.NewSSRFGuard()
	if err := guard.ValidateURL(cfg.NotifyWebhookURL); err != nil {
		return nil, fmt.Errorf("invalid NOTIFY_WEBHOOK_URL: %w", err)
	}
	return notify.NewWebhookDispatcher(
		guard.NewSafeClient(10*time.Second), log,
		cfg.NotifyWebhookURL, cfg.NotifyWebhookToken,
	), nil
}

// rateLimiterConfig は設定のreq/minをreq/secに変換する。
func rateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rlCfg := middleware.DefaultRateLimiterConfig()
	rlCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
	rlCfg.GeneralBurst = cfg.RateLimitGeneral
	rlCfg.StrictRate = rate.Limit(float64(cfg.RateLimitStrict) / 60.0)
	rlCfg.StrictBurst = cfg.RateLimitStrict
	return rlCfg
}

// buildRouter は全依存関係をワイヤリングしてルーターを構築する。
func buildRouter(cfg *config.Config, db *sql.DB, driver database.Driver, log *slog.Logger) (http.Handler, func(), error) {
	// 1. リポジトリの初期化
	identRepo := repository.NewSQLIdentityRepo(db, driver)
	tokenRepo := repository.NewSQLVerificationTokenRepo(db, driver)
	sessionRepo := repository.NewSQLSessionRepo(db, driver)
	usernameRepo := repository.NewSQLUsernameRepo(db, driver)

	// 2. セキュリティ・配信の初期化
	dispatcher, err := newDispatcher(cfg, log)
	if err != nil {
		return nil, nil, err
	}

	// 3. ドメインサービスの初期化
	accountService := account.NewService(
		identRepo, tokenRepo, sessionRepo, usernameRepo,
		security.NewHasher(cfg.BcryptCost),
		security.NewTokenIssuer(cfg.SessionSecret, cfg.SessionIssuer),
		dispatcher,
		account.ServiceConfig{
			SessionMaxAge:   cfg.SessionMaxAge,
			CodeTTL:         cfg.VerificationCodeTTL,
			ResendInterval:  cfg.VerificationResendInterval,
			MaxCodeAttempts: cfg.VerificationMaxAttempts,
		},
	)
	userService := user.NewService(identRepo, sessionRepo, usernameRepo, tokenRepo)

	reg, collector := newRegistry()

	// サーバー側ではリトライせず、判断をクライアントに委ねる
	claimCfg := claim.Config{
		Retry:    retry.Policy{MaxAttempts: 1},
		Recorder: collector,
	}

	// 4. ルーターの構築
	rl := middleware.NewRateLimiter(rateLimiterConfig(cfg))
	router := handler.NewRouter(&handler.RouterDeps{
		Logger:             log,
		Authenticator:      accountService,
		CORSAllowedOrigins: cfg.CORSAllowedOrigin,
		RateLimiter:        rl,
		HealthChecker:      db,

		Metrics:        collector,
		MetricsHandler: metrics.Handler(reg),

		AccountService: accountService,
		UserService:    userService,
		AccountConfig:  handler.AccountHandlerConfig{ReturnVerificationCode: cfg.VerificationDevReturnCode},

		Documents:  usernameRepo,
		Checker:    claim.NewChecker(usernameRepo, nil, claimCfg),
		Claimer:    claim.NewCommitter(usernameRepo, nil, claimCfg),
		Sanitizer:  security.NewNameSanitizer(),
		Collection: handler.CollectionConfig{DatabaseID: cfg.DatabaseID, CollectionID: cfg.CollectionID},
	})

	if cfg.VerificationDevReturnCode {
		log.Warn("VERIFICATION_DEV_RETURN_CODE is enabled, verification codes are returned in API responses")
	}

	return router, rl.Stop, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	db, driver, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	router, stopLimiter, err := buildRouter(cfg, db, driver, slog.Default())
	if err != nil {
		return err
	}
	defer stopLimiter()

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return serveUntilSignal(server, "API server")
}

// serveUntilSignal はサーバーを起動し、シグナル受信でグレースフルシャットダウンする。
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

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("%s shutdown failed: %w", name, err)
	}

	slog.Info(name + " stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 期限切れのワンタイムコードとセッションを定期的に削除し、
// ランタイムメトリクスを/metricsで公開する。
func runWorker(cfg *config.Config) error {
	db, driver, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	cleanupJob := cleanup.NewCleanupJob(db, driver, slog.Default())
	cleanupJob.Retention = cfg.CleanupRetention

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
		slog.Duration("cleanup_retention", cfg.CleanupRetention),
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		cleanupJob.Start(ctx, cfg.CleanupInterval)
	}()

	reg, _ := newRegistry()
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           metrics.SetupMetricsRoute(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	err = serveUntilSignal(server, "worker metrics server")

	cancel()
	<-done
	slog.Info("worker stopped gracefully")
	return err
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	driver, err := database.ParseDriver(cfg.DatabaseDriver)
	if err != nil {
		return err
	}

	slog.Info("running database migrations",
		slog.String("driver", string(driver)),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(driver, cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
