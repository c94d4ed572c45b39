package providerconfig

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CurrentVersion is the schema version written by this service.
const CurrentVersion = 1

// TestStatus records the outcome of the last connection test.
type TestStatus string

const (
	TestStatusUntested TestStatus = "untested"
	TestStatusSuccess  TestStatus = "success"
	TestStatusError    TestStatus = "error"
)

// Settings is the persisted configuration of one provider. Secret fields hold
// vault ciphertext; plain fields hold their value.
type Settings struct {
	Version      int               `json:"version"`
	Enabled      bool              `json:"enabled"`
	Fields       map[string]string `json:"fields"`
	ConfiguredAt *time.Time        `json:"configured_at,omitempty"`
	LastTestedAt *time.Time        `json:"last_tested_at,omitempty"`
	TestStatus   TestStatus        `json:"test_status"`
	TestError    string            `json:"test_error,omitempty"`
}

// DefaultSettings returns an unconfigured, disabled record.
func DefaultSettings() Settings {
	return Settings{
		Version:    CurrentVersion,
		Enabled:    false,
		Fields:     map[string]string{},
		TestStatus: TestStatusUntested,
	}
}

// Migrate decodes a stored record of any known version into the current
// schema. Version 0 records are the flat maps written before versioning:
// field values, "enabled" and timestamps all at the top level.
func Migrate(raw string) (Settings, error) {
	if strings.TrimSpace(raw) == "" {
		return DefaultSettings(), nil
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		return Settings{}, fmt.Errorf("providerconfig: decode settings: %w", err)
	}
	if _, versioned := probe["version"]; !versioned {
		return migrateLegacy(probe)
	}

	settings := DefaultSettings()
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		return Settings{}, fmt.Errorf("providerconfig: decode settings: %w", err)
	}
	if settings.Version > CurrentVersion {
		return Settings{}, fmt.Errorf("providerconfig: unsupported settings version %d", settings.Version)
	}
	return normalize(settings), nil
}

func migrateLegacy(probe map[string]json.RawMessage) (Settings, error) {
	settings := DefaultSettings()
	for key, value := range probe {
		switch key {
		case "enabled":
			settings.Enabled = legacyBool(value)
		case "configured_at":
			settings.ConfiguredAt = legacyTime(value)
		case "last_tested_at":
			settings.LastTestedAt = legacyTime(value)
		case "test_status":
			settings.TestStatus = TestStatus(legacyString(value))
		case "test_error":
			settings.TestError = legacyString(value)
		default:
			if text := legacyString(value); text != "" {
				settings.Fields[key] = text
			}
		}
	}
	return normalize(settings), nil
}

func normalize(settings Settings) Settings {
	settings.Version = CurrentVersion
	if settings.Fields == nil {
		settings.Fields = map[string]string{}
	}
	switch settings.TestStatus {
	case TestStatusSuccess, TestStatusError:
	default:
		settings.TestStatus = TestStatusUntested
	}
	return settings
}

// Encode serializes the record at the current version.
func (s Settings) Encode() (string, error) {
	encoded, err := json.Marshal(normalize(s))
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func legacyString(raw json.RawMessage) string {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return strings.TrimSpace(text)
	}
	return ""
}

func legacyBool(raw json.RawMessage) bool {
	var flag bool
	if err := json.Unmarshal(raw, &flag); err == nil {
		return flag
	}
	switch strings.ToLower(legacyString(raw)) {
	case "1", "true", "yes", "on":
		return true
	}
	var number float64
	if err := json.Unmarshal(raw, &number); err == nil {
		return number != 0
	}
	return false
}

// legacyTime accepts unix seconds (number or string) or RFC 3339.
func legacyTime(raw json.RawMessage) *time.Time {
	var seconds int64
	if err := json.Unmarshal(raw, &seconds); err == nil && seconds > 0 {
		value := time.Unix(seconds, 0).UTC()
		return &value
	}
	text := legacyString(raw)
	if text == "" {
		return nil
	}
	if parsed, err := strconv.ParseInt(text, 10, 64); err == nil && parsed > 0 {
		value := time.Unix(parsed, 0).UTC()
		return &value
	}
	if parsed, err := time.Parse(time.RFC3339, text); err == nil {
		value := parsed.UTC()
		return &value
	}
	return nil
}
