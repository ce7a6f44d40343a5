// Package telemetry implements the device reading pipeline: debounce,
// reconciliation against commanded state, persistence and alert gating.
package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrWrongResponse marks a well-formed payload whose response tag is not
// ReadParameters.
var ErrWrongResponse = errors.New("unexpected response tag")

// ResponseReadParameters tags a parameter-reading payload on the wire.
const ResponseReadParameters = "ReadParameters"

// Health statuses as they appear in stored records and alert entries.
const (
	HealthOK      = "OK"
	HealthCaution = "CAUTION"
	HealthWarning = "WARNING"
)

// Reading is one decoded parameter report from a device. Numeric fields
// absent on the wire decode to zero.
type Reading struct {
	Response      string  `json:"response"`
	Address       string  `json:"address"`
	Voltage       float64 `json:"voltage"`
	Current       float64 `json:"current"`
	PowerFactor   float64 `json:"power_factor"`
	ActivePower   float64 `json:"active_power"`
	ReactivePower float64 `json:"reactive_power"`
	ApparentPower float64 `json:"apparent_power"`
	Frequency     float64 `json:"frequency"`
	HealthStatus  string  `json:"health_status"`
	Message       string  `json:"message,omitempty"`
}

// ParseReading decodes a wire payload and verifies its response tag.
func ParseReading(data []byte) (*Reading, error) {
	var r Reading
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode reading: %w", err)
	}
	if r.Response != ResponseReadParameters {
		return nil, fmt.Errorf("%w %q", ErrWrongResponse, r.Response)
	}
	return &r, nil
}

// NormalizeAddress lowercases a device address and strips an optional 0x
// prefix, so "0xAB", "ab" and "AB" resolve to the same key.
func NormalizeAddress(addr string) string {
	return strings.TrimPrefix(strings.ToLower(addr), "0x")
}

// NormalizedStatus returns the lowercase health status, defaulting to "ok"
// when the wire omitted it.
func (r *Reading) NormalizedStatus() string {
	if r.HealthStatus == "" {
		return "ok"
	}
	return strings.ToLower(r.HealthStatus)
}

// Abnormal reports whether the reading's health status should be considered
// for alerting.
func (r *Reading) Abnormal() bool {
	return r.NormalizedStatus() != "ok"
}
