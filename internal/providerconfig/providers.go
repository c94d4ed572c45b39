package providerconfig

import (
	"strings"

	"github.com/MarcoPoloResearchLab/mediavault/internal/media"
	"github.com/MarcoPoloResearchLab/mediavault/internal/providers"
	"github.com/MarcoPoloResearchLab/mediavault/internal/vault"
)

// Field names shared by the provider declarations.
const (
	FieldWebhookSecret = "webhook_secret"

	FieldCloudflareAccountID         = "account_id"
	FieldCloudflareAPIToken          = "api_token"
	FieldCloudflareCustomerSubdomain = "customer_subdomain"

	FieldBunnyLibraryID   = "library_id"
	FieldBunnyAPIKey      = "api_key"
	FieldBunnyCDNHostname = "cdn_hostname"
)

const maskVisibleChars = 4

// ProviderConfig declares a provider's fields and how to build its gateway
// from plaintext values. The shared save/mask/test algorithm works only from
// these declarations.
type ProviderConfig interface {
	Provider() media.Provider
	SecretFields() []string
	PlainFields() []string
	RequiredFields() []string
	Build(values map[string]string, opts providers.Options) (providers.Gateway, error)
}

type cloudflareConfig struct{}

// CloudflareConfig declares Cloudflare Stream settings.
func CloudflareConfig() ProviderConfig {
	return cloudflareConfig{}
}

func (cloudflareConfig) Provider() media.Provider { return media.ProviderCloudflare }

func (cloudflareConfig) SecretFields() []string {
	return []string{FieldCloudflareAPIToken, FieldWebhookSecret}
}

func (cloudflareConfig) PlainFields() []string {
	return []string{FieldCloudflareAccountID, FieldCloudflareCustomerSubdomain}
}

func (cloudflareConfig) RequiredFields() []string {
	return []string{FieldCloudflareAccountID, FieldCloudflareAPIToken}
}

func (cloudflareConfig) Build(values map[string]string, opts providers.Options) (providers.Gateway, error) {
	return providers.NewCloudflareGateway(providers.CloudflareCredentials{
		AccountID:         values[FieldCloudflareAccountID],
		APIToken:          values[FieldCloudflareAPIToken],
		CustomerSubdomain: values[FieldCloudflareCustomerSubdomain],
	}, opts)
}

type bunnyConfig struct{}

// BunnyConfig declares Bunny Stream settings.
func BunnyConfig() ProviderConfig {
	return bunnyConfig{}
}

func (bunnyConfig) Provider() media.Provider { return media.ProviderBunny }

func (bunnyConfig) SecretFields() []string {
	return []string{FieldBunnyAPIKey, FieldWebhookSecret}
}

func (bunnyConfig) PlainFields() []string {
	return []string{FieldBunnyLibraryID, FieldBunnyCDNHostname}
}

func (bunnyConfig) RequiredFields() []string {
	return []string{FieldBunnyLibraryID, FieldBunnyAPIKey}
}

func (bunnyConfig) Build(values map[string]string, opts providers.Options) (providers.Gateway, error) {
	return providers.NewBunnyGateway(providers.BunnyCredentials{
		LibraryID:   values[FieldBunnyLibraryID],
		APIKey:      values[FieldBunnyAPIKey],
		CDNHostname: values[FieldBunnyCDNHostname],
	}, opts)
}

func isSecret(cfg ProviderConfig, field string) bool {
	for _, name := range cfg.SecretFields() {
		if name == field {
			return true
		}
	}
	return false
}

func declaredFields(cfg ProviderConfig) []string {
	fields := append([]string{}, cfg.PlainFields()...)
	return append(fields, cfg.SecretFields()...)
}

// mergeFields overlays input onto stored plaintext. Secret inputs that are
// blank or echo the stored value's mask keep the stored value; undeclared
// keys are dropped.
func mergeFields(cfg ProviderConfig, stored, input map[string]string) map[string]string {
	merged := make(map[string]string, len(stored))
	for _, field := range declaredFields(cfg) {
		if value, ok := stored[field]; ok {
			merged[field] = value
		}
		incoming, provided := input[field]
		if !provided {
			continue
		}
		incoming = strings.TrimSpace(incoming)
		if isSecret(cfg, field) && (incoming == "" || vault.EchoesMask(incoming, stored[field], maskVisibleChars)) {
			continue
		}
		merged[field] = incoming
	}
	return merged
}

func missingRequired(cfg ProviderConfig, values map[string]string) []string {
	missing := make([]string, 0)
	for _, field := range cfg.RequiredFields() {
		if strings.TrimSpace(values[field]) == "" {
			missing = append(missing, field)
		}
	}
	return missing
}

func encryptFields(v *vault.Vault, cfg ProviderConfig, plaintext map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(plaintext))
	for field, value := range plaintext {
		if !isSecret(cfg, field) {
			out[field] = value
			continue
		}
		ciphertext, err := v.Encrypt(value)
		if err != nil {
			return nil, err
		}
		out[field] = ciphertext
	}
	return out, nil
}

func decryptFields(v *vault.Vault, cfg ProviderConfig, stored map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(stored))
	for field, value := range stored {
		if !isSecret(cfg, field) {
			out[field] = value
			continue
		}
		plaintext, err := v.Decrypt(value)
		if err != nil {
			return nil, err
		}
		out[field] = plaintext
	}
	return out, nil
}

func maskFields(cfg ProviderConfig, plaintext map[string]string) map[string]string {
	out := make(map[string]string, len(plaintext))
	for field, value := range plaintext {
		if isSecret(cfg, field) {
			if value == "" {
				out[field] = ""
				continue
			}
			out[field] = vault.Mask(value, maskVisibleChars)
			continue
		}
		out[field] = value
	}
	return out
}
