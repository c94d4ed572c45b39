package license

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// State is the entitlement state of the installation.
type State string

const (
	StateUnactivated State = "unactivated"
	StateActive      State = "active"
	StateGracePeriod State = "grace_period"
	StateExpired     State = "expired"
)

// Active reports whether the state grants licensed capabilities.
func (s State) Active() bool {
	return s == StateActive || s == StateGracePeriod
}

var keyPattern = regexp.MustCompile(`^[A-Z0-9]{4}(-[A-Z0-9]{4}){3}$`)

var (
	// ErrInvalidKeyFormat rejects a key before any network call.
	ErrInvalidKeyFormat = errors.New("license key format is invalid")
	// ErrNotActivated is returned by operations that need an activated license.
	ErrNotActivated = errors.New("license is not activated")
	// ErrExpired means the license must be treated as inactive.
	ErrExpired = errors.New("license expired")
)

// GraceError reports a failed revalidation that is still inside the grace
// window. Callers keep operating as if the license were active.
type GraceError struct {
	LastValidatedAt time.Time
	Until           time.Time
	Err             error
}

func (e *GraceError) Error() string {
	return fmt.Sprintf("license validation failed, grace period until %s: %v", e.Until.UTC().Format(time.RFC3339), e.Err)
}

func (e *GraceError) Unwrap() error {
	return e.Err
}

// NormalizeKey trims and upper-cases a key and checks its structure.
func NormalizeKey(raw string) (string, error) {
	key := strings.ToUpper(strings.TrimSpace(raw))
	if !keyPattern.MatchString(key) {
		return "", ErrInvalidKeyFormat
	}
	return key, nil
}

// Record is the locally cached result of the last successful activation or
// validation.
type Record struct {
	Key             string          `json:"key"`
	Plan            string          `json:"plan"`
	Features        map[string]bool `json:"features"`
	ExpiresAt       *time.Time      `json:"expires_at,omitempty"`
	ActivatedAt     time.Time       `json:"activated_at"`
	LastValidatedAt time.Time       `json:"last_validated_at"`
}

// HasFeature reports whether the plan includes the named capability.
func (r Record) HasFeature(name string) bool {
	return r.Features[name]
}

// Expired reports whether the server-issued expiry has passed.
func (r Record) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// storedRecord is the sealed blob persisted in the settings store. Rejected
// is set once the server refuses the key and cleared only by a successful
// validation.
type storedRecord struct {
	Record   Record `json:"record"`
	State    State  `json:"state"`
	Rejected bool   `json:"rejected,omitempty"`
}

func encodeStored(record Record, state State, rejected bool) ([]byte, error) {
	return json.Marshal(storedRecord{Record: record, State: state, Rejected: rejected})
}

func decodeStored(raw []byte) (storedRecord, error) {
	var stored storedRecord
	if err := json.Unmarshal(raw, &stored); err != nil {
		return storedRecord{}, err
	}
	if stored.Record.Key == "" {
		return storedRecord{}, errors.New("stored license has no key")
	}
	switch stored.State {
	case StateActive, StateGracePeriod, StateExpired:
	default:
		stored.State = StateActive
	}
	if stored.Rejected {
		stored.State = StateExpired
	}
	return stored, nil
}
