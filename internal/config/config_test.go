package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("vault.secret", "vault-secret")
	configViper.Set("admin.signing_secret", "admin-secret")
	configViper.Set("site.url", "https://community.example")
	configViper.Set("license.server_url", "https://licenses.example/api")
	configViper.Set("cors.allowed_origins", "https://a.example, https://b.example")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress || cfg.DatabasePath != defaultDatabasePath {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.LicenseGracePeriod != 72*time.Hour || cfg.LicenseInterval != 24*time.Hour || cfg.LicenseUsageTrigger != 100 {
		t.Fatalf("unexpected license defaults %+v", cfg)
	}
	if cfg.WebhookRetention != 30*24*time.Hour {
		t.Fatalf("unexpected webhook retention %s", cfg.WebhookRetention)
	}
	if cfg.ProviderTimeout != 10*time.Second || cfg.WebhookTolerance != 5*time.Minute {
		t.Fatalf("unexpected timeouts %+v", cfg)
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected cors origins %v", cfg.CORSAllowedOrigins)
	}
}

func TestLoadRejectsMissingSecrets(t *testing.T) {
	testCases := []struct {
		name    string
		omit    string
		message string
	}{
		{name: "vault secret", omit: "vault.secret", message: "vault.secret"},
		{name: "admin secret", omit: "admin.signing_secret", message: "admin.signing_secret"},
		{name: "site url", omit: "site.url", message: "site.url"},
		{name: "license server", omit: "license.server_url", message: "license.server_url"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			values := map[string]string{
				"vault.secret":         "vault-secret",
				"admin.signing_secret": "admin-secret",
				"site.url":             "https://community.example",
				"license.server_url":   "https://licenses.example/api",
			}
			delete(values, testCase.omit)
			for key, value := range values {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			if err == nil || !strings.Contains(err.Error(), testCase.message) {
				t.Fatalf("expected error mentioning %s, got %v", testCase.message, err)
			}
		})
	}
}
