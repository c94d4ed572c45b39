package providerconfig

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/mediavault/internal/media"
	"github.com/MarcoPoloResearchLab/mediavault/internal/providers"
	"github.com/MarcoPoloResearchLab/mediavault/internal/settings"
	"github.com/MarcoPoloResearchLab/mediavault/internal/vault"
	"go.uber.org/zap"
)

const settingsNamespace = "provider_config"

var (
	errMissingStore    = errors.New("settings store is required")
	errMissingVault    = errors.New("vault is required")
	errUnknownProvider = errors.New("provider is not configurable")
	errNotConfigured   = errors.New("provider is not configured")
	errDisabled        = errors.New("provider is disabled")
	noOpLogger         = zap.NewNop()
)

const (
	opServiceNew    = "providerconfig.service.new"
	opSave          = "providerconfig.save"
	opView          = "providerconfig.view"
	opGateway       = "providerconfig.gateway"
	opWebhookSecret = "providerconfig.webhook_secret"
	opTest          = "providerconfig.test"
)

// ServiceError carries a stable "<operation>.<reason>" code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: operation + "." + reason, err: cause}
}

// SettingsStore is the subset of settings.Store used here.
type SettingsStore interface {
	Get(ctx context.Context, namespace, key string) (settings.Entry, error)
	Update(ctx context.Context, namespace, key string, mutate func(current string, found bool) (string, error)) error
}

// ServiceConfig describes the dependencies of the configuration service.
type ServiceConfig struct {
	Store          SettingsStore
	Vault          *vault.Vault
	Providers      []ProviderConfig
	GatewayOptions map[media.Provider]providers.Options
	Clock          func() time.Time
	Logger         *zap.Logger
}

// Service stores provider credentials encrypted and builds gateways from them.
type Service struct {
	store   SettingsStore
	vault   *vault.Vault
	configs map[media.Provider]ProviderConfig
	options map[media.Provider]providers.Options
	clock   func() time.Time
	logger  *zap.Logger
}

// NewService constructs the configuration service. Without explicit
// providers both Cloudflare and Bunny are registered.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.Vault == nil {
		return nil, newServiceError(opServiceNew, "missing_vault", errMissingVault)
	}
	declared := cfg.Providers
	if len(declared) == 0 {
		declared = []ProviderConfig{CloudflareConfig(), BunnyConfig()}
	}
	configs := make(map[media.Provider]ProviderConfig, len(declared))
	for _, providerConfig := range declared {
		configs[providerConfig.Provider()] = providerConfig
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	options := cfg.GatewayOptions
	if options == nil {
		options = map[media.Provider]providers.Options{}
	}
	return &Service{
		store:   cfg.Store,
		vault:   cfg.Vault,
		configs: configs,
		options: options,
		clock:   clock,
		logger:  logger,
	}, nil
}

// View is the masked, display-safe representation of a provider record.
type View struct {
	Provider     media.Provider    `json:"provider"`
	Enabled      bool              `json:"enabled"`
	Configured   bool              `json:"configured"`
	Fields       map[string]string `json:"fields"`
	ConfiguredAt *time.Time        `json:"configured_at,omitempty"`
	LastTestedAt *time.Time        `json:"last_tested_at,omitempty"`
	TestStatus   TestStatus        `json:"test_status"`
	TestError    string            `json:"test_error,omitempty"`
}

// TestResult is the outcome of a connection test.
type TestResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

const (
	TestResultSuccess = "success"
	TestResultError   = "error"
)

func (s *Service) lookup(operation string, provider media.Provider) (ProviderConfig, error) {
	providerConfig, ok := s.configs[provider]
	if !ok {
		return nil, newServiceError(operation, "unknown_provider", fmt.Errorf("%w: %s", errUnknownProvider, provider))
	}
	return providerConfig, nil
}

func (s *Service) load(ctx context.Context, provider media.Provider) (Settings, bool, error) {
	entry, err := s.store.Get(ctx, settingsNamespace, provider.String())
	if errors.Is(err, settings.ErrNotFound) {
		return DefaultSettings(), false, nil
	}
	if err != nil {
		return Settings{}, false, err
	}
	record, err := Migrate(entry.Value)
	if err != nil {
		return Settings{}, false, err
	}
	return record, true, nil
}

// Save merges input into the stored record and writes it with
// compare-and-set. Two admins saving concurrently both land; a field edited
// by both keeps the later value.
func (s *Service) Save(ctx context.Context, provider media.Provider, input map[string]string, enabled bool) (View, error) {
	providerConfig, err := s.lookup(opSave, provider)
	if err != nil {
		return View{}, err
	}

	var saved Settings
	err = s.store.Update(ctx, settingsNamespace, provider.String(), func(current string, found bool) (string, error) {
		record := DefaultSettings()
		if found {
			migrated, migrateErr := Migrate(current)
			if migrateErr != nil {
				return "", newServiceError(opSave, "decode_failed", migrateErr)
			}
			record = migrated
		}
		stored, decryptErr := decryptFields(s.vault, providerConfig, record.Fields)
		if decryptErr != nil {
			return "", newServiceError(opSave, "decrypt_failed", decryptErr)
		}
		merged := mergeFields(providerConfig, stored, input)
		if missing := missingRequired(providerConfig, merged); len(missing) > 0 {
			return "", newServiceError(opSave, "missing_fields", &providers.ConfigError{
				Provider: provider,
				Reason:   "missing required fields: " + strings.Join(missing, ", "),
			})
		}
		encrypted, encryptErr := encryptFields(s.vault, providerConfig, merged)
		if encryptErr != nil {
			return "", newServiceError(opSave, "encrypt_failed", encryptErr)
		}
		now := s.clock().UTC()
		record.Fields = encrypted
		record.Enabled = enabled
		record.ConfiguredAt = &now
		record.TestStatus = TestStatusUntested
		record.TestError = ""
		saved = record
		return record.Encode()
	})
	if err != nil {
		var serviceErr *ServiceError
		if errors.As(err, &serviceErr) {
			s.logError(opSave, serviceErr.Code(), err, zap.String("provider", provider.String()))
			return View{}, err
		}
		s.logError(opSave, "store_failed", err, zap.String("provider", provider.String()))
		return View{}, newServiceError(opSave, "store_failed", err)
	}
	s.logger.Info("provider configuration saved",
		zap.String("provider", provider.String()),
		zap.Bool("enabled", enabled))
	return s.view(providerConfig, saved, true)
}

// View returns the masked configuration.
func (s *Service) View(ctx context.Context, provider media.Provider) (View, error) {
	providerConfig, err := s.lookup(opView, provider)
	if err != nil {
		return View{}, err
	}
	record, found, err := s.load(ctx, provider)
	if err != nil {
		s.logError(opView, "load_failed", err, zap.String("provider", provider.String()))
		return View{}, newServiceError(opView, "load_failed", err)
	}
	return s.view(providerConfig, record, found)
}

func (s *Service) view(providerConfig ProviderConfig, record Settings, found bool) (View, error) {
	plaintext, err := decryptFields(s.vault, providerConfig, record.Fields)
	if err != nil {
		return View{}, newServiceError(opView, "decrypt_failed", err)
	}
	return View{
		Provider:     providerConfig.Provider(),
		Enabled:      record.Enabled,
		Configured:   found && len(missingRequired(providerConfig, plaintext)) == 0,
		Fields:       maskFields(providerConfig, plaintext),
		ConfiguredAt: record.ConfiguredAt,
		LastTestedAt: record.LastTestedAt,
		TestStatus:   record.TestStatus,
		TestError:    record.TestError,
	}, nil
}

func (s *Service) credentials(ctx context.Context, operation string, provider media.Provider) (ProviderConfig, Settings, map[string]string, error) {
	providerConfig, err := s.lookup(operation, provider)
	if err != nil {
		return nil, Settings{}, nil, err
	}
	record, found, err := s.load(ctx, provider)
	if err != nil {
		return nil, Settings{}, nil, newServiceError(operation, "load_failed", err)
	}
	if !found {
		return nil, Settings{}, nil, newServiceError(operation, "not_configured",
			&providers.ConfigError{Provider: provider, Reason: "not configured", Err: errNotConfigured})
	}
	plaintext, err := decryptFields(s.vault, providerConfig, record.Fields)
	if err != nil {
		s.logError(operation, "decrypt_failed", err, zap.String("provider", provider.String()))
		return nil, Settings{}, nil, newServiceError(operation, "decrypt_failed", err)
	}
	return providerConfig, record, plaintext, nil
}

// Gateway builds a gateway from the stored, decrypted credentials. Disabled
// or incomplete providers yield a ConfigError.
func (s *Service) Gateway(ctx context.Context, provider media.Provider) (providers.Gateway, error) {
	providerConfig, record, plaintext, err := s.credentials(ctx, opGateway, provider)
	if err != nil {
		return nil, err
	}
	if !record.Enabled {
		return nil, newServiceError(opGateway, "disabled",
			&providers.ConfigError{Provider: provider, Reason: "disabled", Err: errDisabled})
	}
	gateway, err := providerConfig.Build(plaintext, s.gatewayOptions(provider))
	if err != nil {
		return nil, newServiceError(opGateway, "build_failed", err)
	}
	return gateway, nil
}

// WebhookSecret returns the plaintext webhook secret.
func (s *Service) WebhookSecret(ctx context.Context, provider media.Provider) (string, error) {
	_, _, plaintext, err := s.credentials(ctx, opWebhookSecret, provider)
	if err != nil {
		return "", err
	}
	secret := plaintext[FieldWebhookSecret]
	if secret == "" {
		return "", newServiceError(opWebhookSecret, "missing_secret",
			&providers.ConfigError{Provider: provider, Reason: FieldWebhookSecret + " is required"})
	}
	return secret, nil
}

// Test checks connectivity with override merged over the saved fields. Only
// tests of the saved credentials (empty override) update the stored test status.
func (s *Service) Test(ctx context.Context, provider media.Provider, override map[string]string) (TestResult, error) {
	providerConfig, err := s.lookup(opTest, provider)
	if err != nil {
		return TestResult{}, err
	}
	record, found, err := s.load(ctx, provider)
	if err != nil {
		return TestResult{}, newServiceError(opTest, "load_failed", err)
	}
	stored, err := decryptFields(s.vault, providerConfig, record.Fields)
	if err != nil {
		return TestResult{}, newServiceError(opTest, "decrypt_failed", err)
	}
	values := mergeFields(providerConfig, stored, override)

	result := s.runTest(ctx, providerConfig, values)
	if len(override) == 0 && found {
		s.recordTest(ctx, provider, result)
	}
	return result, nil
}

func (s *Service) runTest(ctx context.Context, providerConfig ProviderConfig, values map[string]string) TestResult {
	if missing := missingRequired(providerConfig, values); len(missing) > 0 {
		return TestResult{Status: TestResultError, Message: "missing required fields: " + strings.Join(missing, ", ")}
	}
	gateway, err := providerConfig.Build(values, s.gatewayOptions(providerConfig.Provider()))
	if err != nil {
		return TestResult{Status: TestResultError, Message: err.Error()}
	}
	collections, err := gateway.ListCollections(ctx)
	if err != nil {
		s.logger.Warn("provider connection test failed",
			zap.String("provider", providerConfig.Provider().String()),
			zap.String("class", string(providers.Classify(err))),
			zap.Error(err))
		return TestResult{Status: TestResultError, Message: err.Error()}
	}
	return TestResult{
		Status:  TestResultSuccess,
		Message: fmt.Sprintf("connected to %s (%d collections)", providerConfig.Provider(), len(collections)),
	}
}

func (s *Service) recordTest(ctx context.Context, provider media.Provider, result TestResult) {
	err := s.store.Update(ctx, settingsNamespace, provider.String(), func(current string, found bool) (string, error) {
		record := DefaultSettings()
		if found {
			migrated, migrateErr := Migrate(current)
			if migrateErr != nil {
				return "", migrateErr
			}
			record = migrated
		}
		now := s.clock().UTC()
		record.LastTestedAt = &now
		if result.Status == TestResultSuccess {
			record.TestStatus = TestStatusSuccess
			record.TestError = ""
		} else {
			record.TestStatus = TestStatusError
			record.TestError = result.Message
		}
		return record.Encode()
	})
	if err != nil {
		s.logError(opTest, "record_failed", err, zap.String("provider", provider.String()))
	}
}

func (s *Service) gatewayOptions(provider media.Provider) providers.Options {
	opts := s.options[provider]
	if opts.Logger == nil {
		opts.Logger = s.logger
	}
	return opts
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("provider configuration error", attrs...)
}
