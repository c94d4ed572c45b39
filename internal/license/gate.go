package license

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/mediavault/internal/settings"
	"github.com/MarcoPoloResearchLab/mediavault/internal/vault"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	settingsNamespace = "license"
	settingsKey       = "record"

	DefaultGracePeriod        = 72 * time.Hour
	DefaultValidationInterval = 24 * time.Hour
	DefaultUsageThreshold     = 100
)

const (
	opGateNew    = "license.gate.new"
	opActivate   = "license.activate"
	opValidate   = "license.validate"
	opDeactivate = "license.deactivate"
	opLoad       = "license.load"
)

var (
	errMissingStore  = errors.New("settings store is required")
	errMissingVault  = errors.New("vault is required")
	errMissingRemote = errors.New("license remote is required")
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

// SettingsStore is the subset of settings.Store the gate persists through.
type SettingsStore interface {
	Get(ctx context.Context, namespace, key string) (settings.Entry, error)
	Put(ctx context.Context, namespace, key, value string) error
	Delete(ctx context.Context, namespace, key string) error
}

// ValidationObserver receives the outcome of every remote validation.
type ValidationObserver interface {
	ObserveLicenseValidation(result string)
}

// GateConfig describes the dependencies of the license gate.
type GateConfig struct {
	Store              SettingsStore
	Vault              *vault.Vault
	Remote             Remote
	SiteURL            string
	Product            string
	GracePeriod        time.Duration
	ValidationInterval time.Duration
	UsageThreshold     int
	Observer           ValidationObserver
	Clock              func() time.Time
	Logger             *zap.Logger
}

// Status is the display-safe view of the gate.
type Status struct {
	State           State           `json:"state"`
	Active          bool            `json:"active"`
	Key             string          `json:"key,omitempty"`
	Plan            string          `json:"plan,omitempty"`
	Features        map[string]bool `json:"features,omitempty"`
	ExpiresAt       *time.Time      `json:"expires_at,omitempty"`
	ActivatedAt     *time.Time      `json:"activated_at,omitempty"`
	LastValidatedAt *time.Time      `json:"last_validated_at,omitempty"`
	Usage           int             `json:"usage"`
	Rejected        bool            `json:"rejected,omitempty"`
}

// Gate owns the license state. Reads are served from memory; only
// Activate, Validate, Deactivate and Load touch the network or the store.
type Gate struct {
	store     SettingsStore
	vault     *vault.Vault
	remote    Remote
	siteURL   string
	product   string
	grace     time.Duration
	interval  time.Duration
	threshold int
	observer  ValidationObserver
	clock     func() time.Time
	logger    *zap.Logger

	validations singleflight.Group

	mu          sync.RWMutex
	record      *Record
	state       State
	rejected    bool
	usage       int
	lastAttempt time.Time
}

// NewGate constructs an unactivated gate; call Load to restore a cached record.
func NewGate(cfg GateConfig) (*Gate, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opGateNew, "missing_store", errMissingStore)
	}
	if cfg.Vault == nil {
		return nil, newServiceError(opGateNew, "missing_vault", errMissingVault)
	}
	if cfg.Remote == nil {
		return nil, newServiceError(opGateNew, "missing_remote", errMissingRemote)
	}
	grace := cfg.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	interval := cfg.ValidationInterval
	if interval <= 0 {
		interval = DefaultValidationInterval
	}
	threshold := cfg.UsageThreshold
	if threshold <= 0 {
		threshold = DefaultUsageThreshold
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		store:     cfg.Store,
		vault:     cfg.Vault,
		remote:    cfg.Remote,
		siteURL:   cfg.SiteURL,
		product:   cfg.Product,
		grace:     grace,
		interval:  interval,
		threshold: threshold,
		observer:  cfg.Observer,
		clock:     clock,
		logger:    logger,
		state:     StateUnactivated,
	}, nil
}

// Load restores the sealed record from the store. A record that cannot be
// opened leaves the gate unactivated.
func (g *Gate) Load(ctx context.Context) error {
	entry, err := g.store.Get(ctx, settingsNamespace, settingsKey)
	if errors.Is(err, settings.ErrNotFound) {
		return nil
	}
	if err != nil {
		g.logError(opLoad, "store_failed", err)
		return newServiceError(opLoad, "store_failed", err)
	}
	plaintext, err := g.vault.Open(entry.Value)
	if err != nil {
		g.logError(opLoad, "open_failed", err)
		return newServiceError(opLoad, "open_failed", err)
	}
	stored, err := decodeStored([]byte(plaintext))
	if err != nil {
		g.logError(opLoad, "decode_failed", err)
		return newServiceError(opLoad, "decode_failed", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	record := stored.Record
	g.record = &record
	g.state = stored.State
	g.rejected = stored.Rejected
	g.usage = 0
	g.lastAttempt = record.LastValidatedAt
	return nil
}

// Activate checks the key format, then asks the license server to bind the
// key to this site. State is unchanged on any failure.
func (g *Gate) Activate(ctx context.Context, rawKey string) (Status, error) {
	key, err := NormalizeKey(rawKey)
	if err != nil {
		g.logger.Warn("license key rejected", zap.String("operation", opActivate), zap.String("reason", "invalid_format"))
		return g.Status(), err
	}
	response, err := g.remote.Activate(ctx, g.request(key))
	if err != nil {
		g.logError(opActivate, "remote_failed", err)
		return g.Status(), newServiceError(opActivate, "remote_failed", err)
	}

	now := g.clock().UTC()
	record := Record{
		Key:             key,
		Plan:            response.Plan,
		Features:        copyFeatures(response.Features),
		ExpiresAt:       response.ExpiresAt,
		ActivatedAt:     now,
		LastValidatedAt: now,
	}
	if err := g.persist(ctx, record, StateActive, false); err != nil {
		g.logError(opActivate, "persist_failed", err)
		return g.Status(), newServiceError(opActivate, "persist_failed", err)
	}

	g.mu.Lock()
	g.record = &record
	g.state = StateActive
	g.rejected = false
	g.usage = 0
	g.lastAttempt = now
	g.mu.Unlock()

	g.logger.Info("license activated", zap.String("plan", record.Plan))
	return g.Status(), nil
}

// Validate revalidates the cached key. Concurrent calls share one remote
// round trip. A failure inside the grace window returns *GraceError and the
// license stays usable; beyond it the result wraps ErrExpired. Grace only
// extends a license that was active when the failure happened, so an
// expired or rejected license stays expired until the server accepts it.
func (g *Gate) Validate(ctx context.Context) (Status, error) {
	_, err, _ := g.validations.Do("validate", func() (interface{}, error) {
		return nil, g.validate(ctx)
	})
	return g.Status(), err
}

func (g *Gate) validate(ctx context.Context) error {
	g.mu.RLock()
	var current Record
	activated := g.record != nil
	if activated {
		current = *g.record
	}
	prior := g.effectiveStateLocked()
	g.mu.RUnlock()
	if !activated {
		return ErrNotActivated
	}

	response, err := g.remote.Validate(ctx, g.request(current.Key))
	now := g.clock().UTC()
	g.mu.Lock()
	g.lastAttempt = now
	g.mu.Unlock()

	if err == nil {
		current.Plan = response.Plan
		current.Features = copyFeatures(response.Features)
		current.ExpiresAt = response.ExpiresAt
		current.LastValidatedAt = now
		if persistErr := g.persist(ctx, current, StateActive, false); persistErr != nil {
			g.logError(opValidate, "persist_failed", persistErr)
		}
		g.mu.Lock()
		g.record = &current
		g.state = StateActive
		g.rejected = false
		g.usage = 0
		g.mu.Unlock()
		g.observe("success")
		return nil
	}

	if errors.Is(err, ErrRejected) {
		g.transition(ctx, current, StateExpired, true)
		g.observe("rejected")
		g.logError(opValidate, "rejected", err)
		return fmt.Errorf("%w: %v", ErrExpired, err)
	}

	until := current.LastValidatedAt.Add(g.grace)
	if prior.Active() && !now.After(until) {
		g.transition(ctx, current, StateGracePeriod, false)
		g.observe("grace")
		g.logger.Warn("license validation failed within grace period",
			zap.String("operation", opValidate),
			zap.Time("grace_until", until),
			zap.Error(err))
		return &GraceError{LastValidatedAt: current.LastValidatedAt, Until: until, Err: err}
	}

	g.mu.RLock()
	rejected := g.rejected
	g.mu.RUnlock()
	g.transition(ctx, current, StateExpired, rejected)
	g.observe("expired")
	g.logError(opValidate, "grace_exhausted", err)
	return fmt.Errorf("%w: %v", ErrExpired, err)
}

// transition changes state without touching the cached record contents.
func (g *Gate) transition(ctx context.Context, record Record, state State, rejected bool) {
	g.mu.Lock()
	changed := g.state != state || g.rejected != rejected
	g.state = state
	g.rejected = rejected
	g.mu.Unlock()
	if !changed {
		return
	}
	if err := g.persist(ctx, record, state, rejected); err != nil {
		g.logError(opValidate, "persist_failed", err)
	}
}

// Deactivate releases the key on the license server. A remote failure
// leaves local state untouched.
func (g *Gate) Deactivate(ctx context.Context) (Status, error) {
	g.mu.RLock()
	var key string
	if g.record != nil {
		key = g.record.Key
	}
	g.mu.RUnlock()
	if key == "" {
		return g.Status(), nil
	}

	if _, err := g.remote.Deactivate(ctx, g.request(key)); err != nil {
		g.logError(opDeactivate, "remote_failed", err)
		return g.Status(), newServiceError(opDeactivate, "remote_failed", err)
	}
	if err := g.store.Delete(ctx, settingsNamespace, settingsKey); err != nil {
		g.logError(opDeactivate, "store_failed", err)
		return g.Status(), newServiceError(opDeactivate, "store_failed", err)
	}

	g.mu.Lock()
	g.record = nil
	g.state = StateUnactivated
	g.rejected = false
	g.usage = 0
	g.lastAttempt = time.Time{}
	g.mu.Unlock()

	g.logger.Info("license deactivated")
	return g.Status(), nil
}

// IsActive is the in-memory capability check consumed by gated features.
// A grace period that has run out without a successful validation no
// longer counts as active.
func (g *Gate) IsActive() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.effectiveStateLocked().Active()
}

// HasFeature reports whether the active plan includes the capability.
func (g *Gate) HasFeature(name string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.effectiveStateLocked().Active() && g.record != nil && g.record.HasFeature(name)
}

// effectiveStateLocked folds in the clock: a lapsed grace window or a passed
// expires_at both read as expired without another round trip.
func (g *Gate) effectiveStateLocked() State {
	if !g.state.Active() || g.record == nil {
		return g.state
	}
	now := g.clock()
	if g.record.Expired(now) {
		return StateExpired
	}
	if g.state == StateGracePeriod && now.After(g.record.LastValidatedAt.Add(g.grace)) {
		return StateExpired
	}
	return g.state
}

// RecordUsage counts one licensed invocation and revalidates when the usage
// threshold is crossed or the validation interval has elapsed. The counter
// resets only on successful validation, so during an outage a retry happens
// every threshold invocations rather than on every call.
func (g *Gate) RecordUsage(ctx context.Context) error {
	g.mu.Lock()
	if g.record == nil {
		g.mu.Unlock()
		return nil
	}
	g.usage++
	due := g.usage%g.threshold == 0 || g.clock().Sub(g.lastAttempt) >= g.interval
	g.mu.Unlock()
	if !due {
		return nil
	}
	_, err := g.Validate(ctx)
	return err
}

// Status returns a copy of the current state for display.
func (g *Gate) Status() Status {
	g.mu.RLock()
	defer g.mu.RUnlock()
	state := g.effectiveStateLocked()
	status := Status{State: state, Active: state.Active(), Usage: g.usage, Rejected: g.rejected}
	if g.record == nil {
		return status
	}
	record := *g.record
	status.Key = vault.Mask(record.Key, 4)
	status.Plan = record.Plan
	status.Features = copyFeatures(record.Features)
	status.ExpiresAt = record.ExpiresAt
	activatedAt := record.ActivatedAt
	lastValidatedAt := record.LastValidatedAt
	status.ActivatedAt = &activatedAt
	status.LastValidatedAt = &lastValidatedAt
	return status
}

func (g *Gate) persist(ctx context.Context, record Record, state State, rejected bool) error {
	encoded, err := encodeStored(record, state, rejected)
	if err != nil {
		return err
	}
	sealed, err := g.vault.Seal(string(encoded))
	if err != nil {
		return err
	}
	return g.store.Put(ctx, settingsNamespace, settingsKey, sealed)
}

func (g *Gate) request(key string) Request {
	return Request{LicenseKey: key, SiteURL: g.siteURL, Product: g.product}
}

func (g *Gate) observe(result string) {
	if g.observer != nil {
		g.observer.ObserveLicenseValidation(result)
	}
}

func (g *Gate) logError(operation, reason string, err error) {
	fields := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	g.logger.Error("license error", fields...)
}

func copyFeatures(features map[string]bool) map[string]bool {
	if len(features) == 0 {
		return map[string]bool{}
	}
	copied := make(map[string]bool, len(features))
	for name, enabled := range features {
		copied[strings.TrimSpace(name)] = enabled
	}
	return copied
}
