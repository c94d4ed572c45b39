package providers

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/mediavault/internal/media"
	"github.com/failsafe-go/failsafe-go/timeout"
)

// ErrNotFound is the definitive answer that the provider has no such video.
var ErrNotFound = errors.New("providers: video not found")

// TransientError covers network failures, timeouts, rate limits and 5xx
// responses. The remote state is unknown.
type TransientError struct {
	Provider   media.Provider
	Operation  string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: transient status %d", e.Provider, e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: transient: %v", e.Provider, e.Operation, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// ConfigError indicates missing or rejected credentials.
type ConfigError struct {
	Provider media.Provider
	Reason   string
	Err      error
}

func (e *ConfigError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s configuration: %s", e.Provider, e.Reason)
	}
	return fmt.Sprintf("%s configuration: %s: %v", e.Provider, e.Reason, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Class buckets a gateway error.
type Class string

const (
	ClassNone      Class = "none"
	ClassNotFound  Class = "not_found"
	ClassTransient Class = "transient"
	ClassConfig    Class = "config"
)

// Classify maps err onto a Class. Unrecognised errors are transient: the
// remote state was not learned.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	if errors.Is(err, ErrNotFound) {
		return ClassNotFound
	}
	var configErr *ConfigError
	if errors.As(err, &configErr) {
		return ClassConfig
	}
	return ClassTransient
}

// Policy is what a caller should assume about a remote asset after a call.
type Policy string

const (
	// PolicyProceed means the call succeeded.
	PolicyProceed Policy = "proceed"
	// PolicyAssumeExists keeps displaying the asset and leaves status untouched.
	PolicyAssumeExists Policy = "assume_exists"
	// PolicyAssumeGone lets cleanup logic continue as if the asset was removed.
	PolicyAssumeGone Policy = "assume_gone"
	// PolicyFailed surfaces a configuration problem to the operator.
	PolicyFailed Policy = "failed"
)

var policyTable = map[Class]Policy{
	ClassNone:      PolicyProceed,
	ClassNotFound:  PolicyAssumeGone,
	ClassTransient: PolicyAssumeExists,
	ClassConfig:    PolicyFailed,
}

// PolicyFor returns the handling policy for err.
func PolicyFor(err error) Policy {
	return policyTable[Classify(err)]
}

func isContextError(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.Is(err, timeout.ErrExceeded)
}
