package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Reading is one telemetry sample from a remote device. Numeric fields and
// the command code are pointers so that an absent field can be told apart
// from a zero value. A Reading is treated as an immutable value: stages
// downstream derive new records instead of editing it.
type Reading struct {
	Timestamp      time.Time `json:"timestamp"`
	DeviceID       string    `json:"device_id"`
	Temperature    *float64  `json:"temperature,omitempty"`
	Voltage        *float64  `json:"voltage,omitempty"`
	CommandCode    *string   `json:"command_code,omitempty"`
	SignalStrength *float64  `json:"signal_strength,omitempty"`
}

// NewReading returns a reading with every field populated.
func NewReading(ts time.Time, deviceID string, temperature, voltage float64, commandCode string, signal float64) Reading {
	return Reading{
		Timestamp:      ts.UTC(),
		DeviceID:       deviceID,
		Temperature:    &temperature,
		Voltage:        &voltage,
		CommandCode:    &commandCode,
		SignalStrength: &signal,
	}
}

func (r Reading) TemperatureValue() (float64, bool) { return deref(r.Temperature) }

func (r Reading) VoltageValue() (float64, bool) { return deref(r.Voltage) }

func (r Reading) SignalStrengthValue() (float64, bool) { return deref(r.SignalStrength) }

func (r Reading) Command() (string, bool) {
	if r.CommandCode == nil {
		return "", false
	}
	return *r.CommandCode, true
}

// UnmarshalJSON accepts command_code as a string or as a JSON number.
// Numbers are kept as their decimal text, so 99 and "99" are the same code.
func (r *Reading) UnmarshalJSON(data []byte) error {
	type plain Reading
	aux := struct {
		*plain
		CommandCode json.RawMessage `json:"command_code,omitempty"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	r.CommandCode = nil
	raw := bytes.TrimSpace(aux.CommandCode)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	code, err := parseCommandCode(raw)
	if err != nil {
		return err
	}
	r.CommandCode = &code
	return nil
}

func parseCommandCode(raw json.RawMessage) (string, error) {
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("command_code must be a string or a number: %w", err)
	}
	if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
		return strconv.FormatInt(i, 10), nil
	}
	f, err := n.Float64()
	if err != nil {
		return "", fmt.Errorf("command_code %s is not a valid number", n)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return strconv.FormatInt(int64(f), 10), nil
	}
	return strconv.FormatFloat(f, 'f', -1, 64), nil
}

func deref(p *float64) (float64, bool) {
	if p == nil {
		return 0, false
	}
	return *p, true
}

// Validate enforces the ingestion contract: all five fields present and
// well formed. Rows failing it must not reach the engine.
func (r Reading) Validate() error {
	if r.DeviceID == "" {
		return errors.New("device_id is required")
	}

	if r.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}

	if r.CommandCode == nil || *r.CommandCode == "" {
		return errors.New("command_code is required")
	}

	checks := []struct {
		name  string
		value *float64
	}{
		{"temperature", r.Temperature},
		{"voltage", r.Voltage},
		{"signal_strength", r.SignalStrength},
	}
	for _, c := range checks {
		if c.value == nil {
			return fmt.Errorf("%s is required", c.name)
		}
		if math.IsNaN(*c.value) || math.IsInf(*c.value, 0) {
			return fmt.Errorf("%s must be a finite number", c.name)
		}
	}

	if *r.SignalStrength < 0 || *r.SignalStrength > 100 {
		return errors.New("signal_strength must be between 0 and 100")
	}

	return nil
}

// ValidateBatch validates every reading and the ascending timestamp order
// the engine relies on. The returned error names the offending index.
func ValidateBatch(readings []Reading) error {
	for i, r := range readings {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("reading %d: %w", i, err)
		}
		if i > 0 && r.Timestamp.Before(readings[i-1].Timestamp) {
			return fmt.Errorf("reading %d: timestamp %s is before previous reading", i, r.Timestamp.Format(time.RFC3339))
		}
	}
	return nil
}
