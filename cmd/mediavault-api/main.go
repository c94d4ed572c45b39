package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/mediavault/internal/auth"
	"github.com/MarcoPoloResearchLab/mediavault/internal/config"
	"github.com/MarcoPoloResearchLab/mediavault/internal/content"
	"github.com/MarcoPoloResearchLab/mediavault/internal/database"
	"github.com/MarcoPoloResearchLab/mediavault/internal/license"
	"github.com/MarcoPoloResearchLab/mediavault/internal/logging"
	"github.com/MarcoPoloResearchLab/mediavault/internal/media"
	"github.com/MarcoPoloResearchLab/mediavault/internal/metadiff"
	"github.com/MarcoPoloResearchLab/mediavault/internal/providerconfig"
	"github.com/MarcoPoloResearchLab/mediavault/internal/providers"
	"github.com/MarcoPoloResearchLab/mediavault/internal/reconcile"
	"github.com/MarcoPoloResearchLab/mediavault/internal/server"
	"github.com/MarcoPoloResearchLab/mediavault/internal/settings"
	"github.com/MarcoPoloResearchLab/mediavault/internal/vault"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const sessionCookieName = "mediavault_session"

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mediavault-api",
		Short: "Video asset lifecycle and trust engine",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newIssueTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("site-url", "", "Public URL of this installation, sent to the license server")
	cmd.PersistentFlags().String("license-server", "", "License server base URL")
	cmd.PersistentFlags().String("vault-secret", "", "Credential vault secret (overrides env)")
	cmd.PersistentFlags().String("signing-secret", "", "Admin token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "site.url", "site-url")
	bindFlag(cmd, "license.server_url", "license-server")
	bindFlag(cmd, "vault.secret", "vault-secret")
	bindFlag(cmd, "admin.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newIssueTokenCommand() *cobra.Command {
	var (
		subject string
		roles   []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Mint an admin bearer token for the configuration API",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			tokenTTL := appConfig.AdminTokenTTL
			if ttl > 0 {
				tokenTTL = ttl
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.AdminSigningSecret),
				Issuer:        appConfig.AdminIssuer,
				TokenTTL:      tokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.IssueAdminToken(cmd.Context(), subject, roles...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Operator identifier recorded in the token")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "Additional roles granted alongside admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (defaults to admin.token_ttl)")
	if err := cmd.MarkFlagRequired("subject"); err != nil {
		panic(err)
	}
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	credentialVault, err := vault.New([]byte(appConfig.VaultSecret))
	if err != nil {
		return err
	}
	settingsStore, err := settings.NewStore(settings.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	gatewayOptions := providers.Options{
		Timeout:    appConfig.ProviderTimeout,
		MaxRetries: appConfig.ProviderMaxRetries,
		Logger:     logger,
	}
	optionsByProvider := make(map[media.Provider]providers.Options)
	for _, provider := range media.Providers() {
		optionsByProvider[provider] = gatewayOptions
	}
	providerService, err := providerconfig.NewService(providerconfig.ServiceConfig{
		Store:          settingsStore,
		Vault:          credentialVault,
		GatewayOptions: optionsByProvider,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	var gate *license.Gate
	metrics := server.NewMetrics(func() bool {
		return gate != nil && gate.IsActive()
	})

	licenseClient, err := license.NewClient(license.ClientConfig{
		ServerURL: appConfig.LicenseServerURL,
		Timeout:   appConfig.LicenseRemoteTimeout,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	gate, err = license.NewGate(license.GateConfig{
		Store:              settingsStore,
		Vault:              credentialVault,
		Remote:             licenseClient,
		SiteURL:            appConfig.SiteURL,
		Product:            appConfig.Product,
		GracePeriod:        appConfig.LicenseGracePeriod,
		ValidationInterval: appConfig.LicenseInterval,
		UsageThreshold:     appConfig.LicenseUsageTrigger,
		Observer:           metrics,
		Logger:             logger,
	})
	if err != nil {
		return err
	}
	if err := gate.Load(ctx); err != nil {
		logger.Warn("cached license could not be restored", zap.Error(err))
	}

	contentStore, err := content.NewStore(content.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	detector, err := metadiff.NewDetector(metadiff.DetectorConfig{
		Deleter:  metadiff.NewGatewayDeleter(providerService, metrics, logger),
		Children: content.NewChildLister(contentStore),
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	contentService, err := content.NewService(content.ServiceConfig{
		Store:    contentStore,
		Detector: detector,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	dispatcher := server.NewRealtimeDispatcher()
	reconciler, err := reconcile.New(reconcile.Config{
		Entities:    contentStore,
		Credentials: providerService,
		Ledger:      reconcile.NewLedger(db).WithRetention(appConfig.WebhookRetention),
		Verifiers: map[media.Provider]reconcile.Verifier{
			media.ProviderCloudflare: reconcile.CloudflareVerifier{Tolerance: appConfig.WebhookTolerance},
			media.ProviderBunny:      reconcile.BunnyVerifier{},
		},
		Publisher: dispatcher,
		Observer:  metrics,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.AdminSigningSecret),
		Issuer:        appConfig.AdminIssuer,
		CookieName:    sessionCookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Reconciler:     reconciler,
		Providers:      providerService,
		License:        gate,
		Entities:       contentService,
		Sessions:       sessionValidator,
		Realtime:       dispatcher,
		Metrics:        metrics,
		AllowedOrigins: appConfig.CORSAllowedOrigins,
		MaxBodyBytes:   appConfig.WebhookMaxBodyBytes,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("license_state", string(gate.Status().State)))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
