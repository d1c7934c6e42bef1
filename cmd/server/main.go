package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/corefit/sessionkit/internal/authapi"
	"github.com/corefit/sessionkit/internal/mailer"
	"github.com/corefit/sessionkit/internal/sessionkit"
	"github.com/corefit/sessionkit/internal/sessionkitdb"
	"github.com/corefit/sessionkit/internal/sessionkitpg"
	"github.com/corefit/sessionkit/internal/web"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildGoogleTokenValidator = func(ctx context.Context, audience string) (sessionkit.GoogleTokenValidator, error) {
	return sessionkit.NewGoogleTokenValidator(ctx, audience)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "sessiond",
		Short:   "Session lifecycle service: auth actions, profile reconciliation, email verification, and proactive session refresh",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("database_url", "", "Database URL for profiles and verification tokens (postgres:// or sqlite://; leave empty for in-memory stores)")
	rootCmd.Flags().String("database_driver", "auto", "Database driver selection: auto, gorm, or pgx")
	rootCmd.Flags().String("auth_base_url", "", "Base URL of the hosted auth backend (leave empty for the in-memory demo backend)")
	rootCmd.Flags().String("auth_api_key", "", "API key sent to the hosted auth backend")
	rootCmd.Flags().String("google_web_client_id", "", "Google Web OAuth Client ID; empty disables Google sign-in")
	rootCmd.Flags().String("verify_base_url", "http://localhost:8080/auth/verify", "Base URL embedded in fallback verification links")
	rootCmd.Flags().String("mail_relay_url", "", "Mail relay endpoint for fallback verification mail (leave empty for the in-memory mailer)")
	rootCmd.Flags().String("mail_from", "", "From address for fallback verification mail")
	rootCmd.Flags().Duration("health_interval", sessionkit.DefaultHealthInterval, "Session health check interval")
	rootCmd.Flags().Duration("refresh_horizon", sessionkit.DefaultRefreshHorizon, "Refresh sessions expiring within this horizon")
	rootCmd.Flags().Duration("resend_cooldown", sessionkit.DefaultResendCooldown, "Cooldown between verification resends per email")
	rootCmd.Flags().Duration("token_ttl", sessionkit.DefaultVerificationTokenTTL, "Fallback verification token lifetime")
	rootCmd.Flags().Float64("resend_rate_per_minute", 10, "Resend requests allowed per minute per client IP")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")

	_ = viper.BindPFlag("listen_addr", rootCmd.Flags().Lookup("listen_addr"))
	_ = viper.BindPFlag("database_url", rootCmd.Flags().Lookup("database_url"))
	_ = viper.BindPFlag("database_driver", rootCmd.Flags().Lookup("database_driver"))
	_ = viper.BindPFlag("auth_base_url", rootCmd.Flags().Lookup("auth_base_url"))
	_ = viper.BindPFlag("auth_api_key", rootCmd.Flags().Lookup("auth_api_key"))
	_ = viper.BindPFlag("google_web_client_id", rootCmd.Flags().Lookup("google_web_client_id"))
	_ = viper.BindPFlag("verify_base_url", rootCmd.Flags().Lookup("verify_base_url"))
	_ = viper.BindPFlag("mail_relay_url", rootCmd.Flags().Lookup("mail_relay_url"))
	_ = viper.BindPFlag("mail_from", rootCmd.Flags().Lookup("mail_from"))
	_ = viper.BindPFlag("health_interval", rootCmd.Flags().Lookup("health_interval"))
	_ = viper.BindPFlag("refresh_horizon", rootCmd.Flags().Lookup("refresh_horizon"))
	_ = viper.BindPFlag("resend_cooldown", rootCmd.Flags().Lookup("resend_cooldown"))
	_ = viper.BindPFlag("token_ttl", rootCmd.Flags().Lookup("token_ttl"))
	_ = viper.BindPFlag("resend_rate_per_minute", rootCmd.Flags().Lookup("resend_rate_per_minute"))
	_ = viper.BindPFlag("enable_cors", rootCmd.Flags().Lookup("enable_cors"))
	_ = viper.BindPFlag("cors_allowed_origins", rootCmd.Flags().Lookup("cors_allowed_origins"))

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	configCodeMissingVerifyBaseURL    = "config.missing_verify_base_url"
	configCodeInvalidDatabaseDriver   = "config.invalid_database_driver"
	configCodeInvalidHealthInterval   = "config.invalid_health_interval"
	configCodeInvalidRefreshHorizon   = "config.invalid_refresh_horizon"
	configCodeInvalidResendCooldown   = "config.invalid_resend_cooldown"
	configCodeInvalidTokenTTL         = "config.invalid_token_ttl"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeGoogleValidatorInit     = "config.google_validator_init"
)

// ServerConfig carries the validated runtime settings.
type ServerConfig struct {
	ListenAddr         string
	DatabaseURL        string
	DatabaseDriver     string
	AuthBaseURL        string
	AuthAPIKey         string
	GoogleWebClientID  string
	VerifyBaseURL      string
	MailRelayURL       string
	MailFrom           string
	HealthInterval     time.Duration
	RefreshHorizon     time.Duration
	ResendCooldown     time.Duration
	TokenTTL           time.Duration
	ResendRatePerMin   float64
	EnableCORS         bool
	CORSAllowedOrigins []string
}

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

func LoadServerConfig() (ServerConfig, error) {
	verifyBaseURL := viper.GetString("verify_base_url")
	if verifyBaseURL == "" {
		return ServerConfig{}, configError(configCodeMissingVerifyBaseURL, "verify_base_url must be provided")
	}

	databaseDriver := strings.ToLower(viper.GetString("database_driver"))
	switch databaseDriver {
	case "auto", "gorm", "pgx":
	default:
		return ServerConfig{}, configError(configCodeInvalidDatabaseDriver, "database_driver must be auto, gorm, or pgx")
	}

	healthInterval := viper.GetDuration("health_interval")
	if healthInterval <= 0 {
		return ServerConfig{}, configError(configCodeInvalidHealthInterval, "health_interval must be greater than zero")
	}

	refreshHorizon := viper.GetDuration("refresh_horizon")
	if refreshHorizon <= 0 {
		return ServerConfig{}, configError(configCodeInvalidRefreshHorizon, "refresh_horizon must be greater than zero")
	}

	resendCooldown := viper.GetDuration("resend_cooldown")
	if resendCooldown <= 0 {
		return ServerConfig{}, configError(configCodeInvalidResendCooldown, "resend_cooldown must be greater than zero")
	}

	tokenTTL := viper.GetDuration("token_ttl")
	if tokenTTL <= 0 {
		return ServerConfig{}, configError(configCodeInvalidTokenTTL, "token_ttl must be greater than zero")
	}

	return ServerConfig{
		ListenAddr:         viper.GetString("listen_addr"),
		DatabaseURL:        viper.GetString("database_url"),
		DatabaseDriver:     databaseDriver,
		AuthBaseURL:        viper.GetString("auth_base_url"),
		AuthAPIKey:         viper.GetString("auth_api_key"),
		GoogleWebClientID:  viper.GetString("google_web_client_id"),
		VerifyBaseURL:      verifyBaseURL,
		MailRelayURL:       viper.GetString("mail_relay_url"),
		MailFrom:           viper.GetString("mail_from"),
		HealthInterval:     healthInterval,
		RefreshHorizon:     refreshHorizon,
		ResendCooldown:     resendCooldown,
		TokenTTL:           tokenTTL,
		ResendRatePerMin:   viper.GetFloat64("resend_rate_per_minute"),
		EnableCORS:         viper.GetBool("enable_cors"),
		CORSAllowedOrigins: viper.GetStringSlice("cors_allowed_origins"),
	}, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	clock := sessionkit.NewSystemClock()

	profiles, tokens, storesErr := buildStores(runCtx, serverConfig, logger)
	if storesErr != nil {
		return storesErr
	}

	backend, backendErr := buildBackend(serverConfig, logger, clock)
	if backendErr != nil {
		return backendErr
	}

	mailSender, mailerErr := buildMailer(serverConfig, logger)
	if mailerErr != nil {
		return mailerErr
	}

	var googleValidator sessionkit.GoogleTokenValidator
	if serverConfig.GoogleWebClientID != "" {
		validator, validatorErr := buildGoogleTokenValidator(runCtx, serverConfig.GoogleWebClientID)
		if validatorErr != nil {
			return fmt.Errorf("%s: %w", configCodeGoogleValidatorInit, validatorErr)
		}
		googleValidator = validator
	}

	registry := prometheus.NewRegistry()
	metricsRecorder := sessionkit.NewPrometheusMetrics(registry, "corefit")

	reconciler := sessionkit.NewProfileReconciler(profiles, clock, logger, metricsRecorder)

	store, storeErr := sessionkit.NewSessionStore(sessionkit.SessionStoreConfig{
		Backend:         backend,
		Reconciler:      reconciler,
		GoogleValidator: googleValidator,
		Logger:          logger,
		Metrics:         metricsRecorder,
	})
	if storeErr != nil {
		return storeErr
	}
	store.Initialize(runCtx)
	defer store.Close()

	verification, verificationErr := sessionkit.NewVerificationFlow(sessionkit.VerificationConfig{
		Backend:       backend,
		Tokens:        tokens,
		Profiles:      profiles,
		Mailer:        mailSender,
		Clock:         clock,
		Logger:        logger,
		Metrics:       metricsRecorder,
		VerifyBaseURL: serverConfig.VerifyBaseURL,
		TokenTTL:      serverConfig.TokenTTL,
		Cooldown:      serverConfig.ResendCooldown,
		FromAddress:   serverConfig.MailFrom,
	})
	if verificationErr != nil {
		return verificationErr
	}

	monitor, monitorErr := sessionkit.NewSessionHealthMonitor(sessionkit.MonitorConfig{
		Backend:        backend,
		Sessions:       store,
		Clock:          clock,
		Interval:       serverConfig.HealthInterval,
		RefreshHorizon: serverConfig.RefreshHorizon,
		Logger:         logger,
		Metrics:        metricsRecorder,
	})
	if monitorErr != nil {
		return monitorErr
	}
	monitor.Start(runCtx)
	defer monitor.Stop()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if serverConfig.EnableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, serverConfig.CORSAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	web.MountSessionRoutes(router, web.HandlerConfig{
		Store:        store,
		Verification: verification,
		Monitor:      monitor,
		Logger:       logger,
		ResendLimit:  web.NewClientRateLimiter(serverConfig.ResendRatePerMin, 5),
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	server := &http.Server{
		Addr:              serverConfig.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		<-stopSignals
		runCancel()
		graceCtx, graceCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", serverConfig.ListenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func buildStores(ctx context.Context, serverConfig ServerConfig, logger *zap.Logger) (sessionkit.ProfileStore, sessionkit.VerificationTokenStore, error) {
	if serverConfig.DatabaseURL == "" {
		logger.Info("using in-memory profile and token stores")
		return sessionkit.NewMemoryProfileStore(), sessionkit.NewMemoryVerificationTokenStore(), nil
	}

	usePgx := serverConfig.DatabaseDriver == "pgx"
	if serverConfig.DatabaseDriver == "auto" {
		lowered := strings.ToLower(serverConfig.DatabaseURL)
		usePgx = strings.HasPrefix(lowered, "postgres://") || strings.HasPrefix(lowered, "postgresql://")
	}

	if usePgx {
		pool, poolErr := sessionkitpg.BuildPool(ctx, serverConfig.DatabaseURL)
		if poolErr != nil {
			return nil, nil, poolErr
		}
		if schemaErr := sessionkitpg.EnsureSchema(ctx, pool); schemaErr != nil {
			return nil, nil, schemaErr
		}
		logger.Info("using postgres stores", zap.String("driver", "pgx"))
		return sessionkitpg.NewPostgresProfileStore(pool), sessionkitpg.NewPostgresVerificationTokenStore(pool), nil
	}

	db, driverLabel, openErr := sessionkitdb.Open(ctx, serverConfig.DatabaseURL)
	if openErr != nil {
		return nil, nil, openErr
	}
	logger.Info("using database stores", zap.String("driver", driverLabel))
	return sessionkitdb.NewDatabaseProfileStore(db, driverLabel), sessionkitdb.NewDatabaseVerificationTokenStore(db, driverLabel), nil
}

func buildBackend(serverConfig ServerConfig, logger *zap.Logger, clock sessionkit.Clock) (sessionkit.AuthBackend, error) {
	if serverConfig.AuthBaseURL == "" {
		logger.Warn("no auth_base_url configured; using in-memory demo backend",
			zap.String("code", "config.demo_backend"))
		return sessionkit.NewMemoryAuthBackend(time.Hour), nil
	}
	return authapi.NewClient(authapi.Config{
		BaseURL: serverConfig.AuthBaseURL,
		APIKey:  serverConfig.AuthAPIKey,
		Logger:  logger,
		Clock:   clock,
	})
}

func buildMailer(serverConfig ServerConfig, logger *zap.Logger) (sessionkit.Mailer, error) {
	if serverConfig.MailRelayURL == "" {
		logger.Warn("no mail_relay_url configured; fallback verification mail stays in memory",
			zap.String("code", "config.memory_mailer"))
		return mailer.NewMemoryMailer(), nil
	}
	return mailer.NewRelayMailer(mailer.RelayConfig{
		RelayURL:    serverConfig.MailRelayURL,
		FromAddress: serverConfig.MailFrom,
		Logger:      logger,
	})
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
