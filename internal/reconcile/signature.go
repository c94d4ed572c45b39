package reconcile

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/mediavault/internal/media"
)

const (
	// CloudflareSignatureHeader carries "time=<unix>,sig1=<hex>".
	CloudflareSignatureHeader = "Webhook-Signature"
	// BunnySignatureHeader carries the hex HMAC of the raw body.
	BunnySignatureHeader = "X-BunnyStream-Signature"

	// DefaultSignatureTolerance bounds the age of a signed Cloudflare delivery.
	DefaultSignatureTolerance = 5 * time.Minute
)

// Signature failure reasons.
const (
	ReasonMissingSecret    = "secret_not_configured"
	ReasonMissingSignature = "missing_signature"
	ReasonMalformed        = "malformed_signature"
	ReasonStale            = "stale_timestamp"
	ReasonMismatch         = "signature_mismatch"
)

// SecurityError rejects a webhook whose payload must not influence state.
type SecurityError struct {
	Provider media.Provider
	Reason   string
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("%s webhook rejected: %s", e.Provider, e.Reason)
}

// Verifier checks webhook authenticity for one provider.
type Verifier interface {
	Verify(secret string, header http.Header, body []byte, now time.Time) error
}

// CloudflareVerifier checks the Webhook-Signature header: an HMAC-SHA256 of
// "<time>.<body>" keyed by the webhook secret, within Tolerance of now.
type CloudflareVerifier struct {
	Tolerance time.Duration
}

func (v CloudflareVerifier) Verify(secret string, header http.Header, body []byte, now time.Time) error {
	if secret == "" {
		return &SecurityError{Provider: media.ProviderCloudflare, Reason: ReasonMissingSecret}
	}
	raw := strings.TrimSpace(header.Get(CloudflareSignatureHeader))
	if raw == "" {
		return &SecurityError{Provider: media.ProviderCloudflare, Reason: ReasonMissingSignature}
	}
	var timestamp, signature string
	for _, part := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "time":
			timestamp = value
		case "sig1":
			signature = value
		}
	}
	seconds, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil || signature == "" {
		return &SecurityError{Provider: media.ProviderCloudflare, Reason: ReasonMalformed}
	}
	tolerance := v.Tolerance
	if tolerance <= 0 {
		tolerance = DefaultSignatureTolerance
	}
	age := now.Sub(time.Unix(seconds, 0))
	if age > tolerance || age < -tolerance {
		return &SecurityError{Provider: media.ProviderCloudflare, Reason: ReasonStale}
	}
	expected := sign(secret, []byte(timestamp+"."), body)
	if !equalHex(expected, signature) {
		return &SecurityError{Provider: media.ProviderCloudflare, Reason: ReasonMismatch}
	}
	return nil
}

// BunnyVerifier checks the hex HMAC-SHA256 of the raw body.
type BunnyVerifier struct{}

func (BunnyVerifier) Verify(secret string, header http.Header, body []byte, _ time.Time) error {
	if secret == "" {
		return &SecurityError{Provider: media.ProviderBunny, Reason: ReasonMissingSecret}
	}
	signature := strings.TrimSpace(header.Get(BunnySignatureHeader))
	if signature == "" {
		return &SecurityError{Provider: media.ProviderBunny, Reason: ReasonMissingSignature}
	}
	if !equalHex(sign(secret, body), signature) {
		return &SecurityError{Provider: media.ProviderBunny, Reason: ReasonMismatch}
	}
	return nil
}

// SignCloudflare produces a Webhook-Signature header value.
func SignCloudflare(secret string, body []byte, at time.Time) string {
	timestamp := strconv.FormatInt(at.Unix(), 10)
	return "time=" + timestamp + ",sig1=" + hex.EncodeToString(sign(secret, []byte(timestamp+"."), body))
}

// SignBunny produces an X-BunnyStream-Signature header value.
func SignBunny(secret string, body []byte) string {
	return hex.EncodeToString(sign(secret, body))
}

func sign(secret string, parts ...[]byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	for _, part := range parts {
		mac.Write(part)
	}
	return mac.Sum(nil)
}

func equalHex(expected []byte, provided string) bool {
	decoded, err := hex.DecodeString(strings.ToLower(provided))
	if err != nil {
		return false
	}
	return hmac.Equal(expected, decoded)
}
