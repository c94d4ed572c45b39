package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "MEDIAVAULT"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabasePath        = "mediavault.db"
	defaultLogLevel            = "info"
	defaultAdminIssuer         = "mediavault"
	defaultAdminTokenTTL       = time.Hour
	defaultProduct             = "mediavault"
	defaultLicenseGrace        = 72 * time.Hour
	defaultLicenseInterval     = 24 * time.Hour
	defaultLicenseThreshold    = 100
	defaultLicenseTimeout      = 10 * time.Second
	defaultProviderTimeout     = 10 * time.Second
	defaultProviderMaxRetries  = 2
	defaultWebhookTolerance    = 5 * time.Minute
	defaultWebhookMaxBodyBytes = 1 << 20
	defaultWebhookRetention    = 30 * 24 * time.Hour
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string

	VaultSecret string

	AdminSigningSecret string
	AdminIssuer        string
	AdminTokenTTL      time.Duration

	SiteURL string
	Product string

	LicenseServerURL     string
	LicenseGracePeriod   time.Duration
	LicenseInterval      time.Duration
	LicenseUsageTrigger  int
	LicenseRemoteTimeout time.Duration

	ProviderTimeout    time.Duration
	ProviderMaxRetries int

	WebhookTolerance    time.Duration
	WebhookMaxBodyBytes int64
	WebhookRetention    time.Duration

	CORSAllowedOrigins []string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("admin.issuer", defaultAdminIssuer)
	configViper.SetDefault("admin.token_ttl", defaultAdminTokenTTL)
	configViper.SetDefault("site.product", defaultProduct)
	configViper.SetDefault("license.grace_period", defaultLicenseGrace)
	configViper.SetDefault("license.validation_interval", defaultLicenseInterval)
	configViper.SetDefault("license.usage_threshold", defaultLicenseThreshold)
	configViper.SetDefault("license.timeout", defaultLicenseTimeout)
	configViper.SetDefault("provider.timeout", defaultProviderTimeout)
	configViper.SetDefault("provider.max_retries", defaultProviderMaxRetries)
	configViper.SetDefault("webhook.tolerance", defaultWebhookTolerance)
	configViper.SetDefault("webhook.max_body_bytes", defaultWebhookMaxBodyBytes)
	configViper.SetDefault("webhook.retention", defaultWebhookRetention)
	configViper.SetDefault("cors.allowed_origins", "")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		DatabasePath:         configViper.GetString("database.path"),
		LogLevel:             configViper.GetString("log.level"),
		VaultSecret:          configViper.GetString("vault.secret"),
		AdminSigningSecret:   configViper.GetString("admin.signing_secret"),
		AdminIssuer:          configViper.GetString("admin.issuer"),
		AdminTokenTTL:        configViper.GetDuration("admin.token_ttl"),
		SiteURL:              configViper.GetString("site.url"),
		Product:              configViper.GetString("site.product"),
		LicenseServerURL:     configViper.GetString("license.server_url"),
		LicenseGracePeriod:   configViper.GetDuration("license.grace_period"),
		LicenseInterval:      configViper.GetDuration("license.validation_interval"),
		LicenseUsageTrigger:  configViper.GetInt("license.usage_threshold"),
		LicenseRemoteTimeout: configViper.GetDuration("license.timeout"),
		ProviderTimeout:      configViper.GetDuration("provider.timeout"),
		ProviderMaxRetries:   configViper.GetInt("provider.max_retries"),
		WebhookTolerance:     configViper.GetDuration("webhook.tolerance"),
		WebhookMaxBodyBytes:  configViper.GetInt64("webhook.max_body_bytes"),
		WebhookRetention:     configViper.GetDuration("webhook.retention"),
		CORSAllowedOrigins:   splitList(configViper.GetString("cors.allowed_origins")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.VaultSecret) == "" {
		return fmt.Errorf("vault.secret is required")
	}
	if strings.TrimSpace(c.AdminSigningSecret) == "" {
		return fmt.Errorf("admin.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SiteURL) == "" {
		return fmt.Errorf("site.url is required")
	}
	if strings.TrimSpace(c.LicenseServerURL) == "" {
		return fmt.Errorf("license.server_url is required")
	}
	if c.LicenseGracePeriod <= 0 || c.LicenseInterval <= 0 {
		return fmt.Errorf("license.grace_period and license.validation_interval must be positive")
	}
	if c.LicenseUsageTrigger <= 0 {
		return fmt.Errorf("license.usage_threshold must be positive")
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("provider.timeout must be positive")
	}
	if c.WebhookMaxBodyBytes <= 0 {
		return fmt.Errorf("webhook.max_body_bytes must be positive")
	}
	if c.WebhookRetention <= 0 {
		return fmt.Errorf("webhook.retention must be positive")
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' '
	})
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
