package analytics

import (
	"fmt"

	"iot-threat-engine/models"
)

// Metric is a monitored reading value with a baseline range.
type Metric string

const (
	MetricTemperature    Metric = "temperature"
	MetricVoltage        Metric = "voltage"
	MetricSignalStrength Metric = "signal_strength"
)

// monitoredMetrics is the fixed evaluation order.
var monitoredMetrics = [...]Metric{MetricTemperature, MetricVoltage, MetricSignalStrength}

type Direction string

const (
	TooHigh Direction = "too_high"
	TooLow  Direction = "too_low"
)

// Violation is one out-of-range metric.
type Violation struct {
	Metric    Metric    `json:"metric"`
	Direction Direction `json:"direction"`
	Value     float64   `json:"value"`
	Range     Range     `json:"range"`
}

// Label renders the violation as e.g. "temperature_too_high".
func (v Violation) Label() string {
	return string(v.Metric) + "_" + string(v.Direction)
}

// Range is an inclusive [Min, Max] interval.
type Range struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

func (r Range) Contains(v float64) bool {
	return r.Min <= v && v <= r.Max
}

// Profile holds the acceptable ranges of one device or command. A nil range
// means the metric is not monitored.
type Profile struct {
	Temperature    *Range `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	Voltage        *Range `json:"voltage,omitempty" yaml:"voltage,omitempty"`
	SignalStrength *Range `json:"signal_strength,omitempty" yaml:"signal_strength,omitempty"`
}

func (p Profile) rangeFor(m Metric) *Range {
	switch m {
	case MetricTemperature:
		return p.Temperature
	case MetricVoltage:
		return p.Voltage
	case MetricSignalStrength:
		return p.SignalStrength
	}
	return nil
}

// KeyBy selects which reading attribute profiles are looked up by.
type KeyBy string

const (
	KeyByDevice  KeyBy = "device"
	KeyByCommand KeyBy = "command"
)

// ProfileSet is the immutable baseline configuration handed to the
// evaluator. Readings without a matching entry are not checked.
type ProfileSet struct {
	KeyBy    KeyBy              `json:"key_by" yaml:"key_by"`
	Profiles map[string]Profile `json:"profiles" yaml:"profiles"`
}

// DefaultDeviceProfiles returns the stock per-satellite baselines.
func DefaultDeviceProfiles() ProfileSet {
	return ProfileSet{
		KeyBy: KeyByDevice,
		Profiles: map[string]Profile{
			"SAT001": {Temperature: &Range{Min: 10, Max: 80}, Voltage: &Range{Min: 6, Max: 12}},
			"SAT002": {Temperature: &Range{Min: 5, Max: 75}, Voltage: &Range{Min: 5.5, Max: 11}},
			"SAT003": {Temperature: &Range{Min: 0, Max: 70}, Voltage: &Range{Min: 5, Max: 10}},
		},
	}
}

func (ps ProfileSet) Validate() error {
	switch ps.KeyBy {
	case KeyByDevice, KeyByCommand:
	default:
		return fmt.Errorf("unknown profile key %q", ps.KeyBy)
	}
	for key, p := range ps.Profiles {
		for _, m := range monitoredMetrics {
			if r := p.rangeFor(m); r != nil && r.Min > r.Max {
				return fmt.Errorf("profile %q: %s min %.2f above max %.2f", key, m, r.Min, r.Max)
			}
		}
	}
	return nil
}

// Lookup returns the profile matching reading together with the key used.
func (ps ProfileSet) Lookup(reading models.Reading) (Profile, string, bool) {
	key := reading.DeviceID
	if ps.KeyBy == KeyByCommand {
		code, ok := reading.Command()
		if !ok {
			return Profile{}, "", false
		}
		key = code
	}
	p, ok := ps.Profiles[key]
	return p, key, ok
}

// Evaluate returns the violated metrics of reading in evaluation order.
// An unknown device or command yields no violations.
func (ps ProfileSet) Evaluate(reading models.Reading) []Violation {
	profile, _, ok := ps.Lookup(reading)
	if !ok {
		return nil
	}

	var violations []Violation
	for _, m := range monitoredMetrics {
		r := profile.rangeFor(m)
		if r == nil {
			continue
		}
		v, present := metricValue(reading, m)
		if !present || r.Contains(v) {
			continue
		}
		dir := TooHigh
		if v < r.Min {
			dir = TooLow
		}
		violations = append(violations, Violation{Metric: m, Direction: dir, Value: v, Range: *r})
	}
	return violations
}

func metricValue(r models.Reading, m Metric) (float64, bool) {
	switch m {
	case MetricTemperature:
		return r.TemperatureValue()
	case MetricVoltage:
		return r.VoltageValue()
	case MetricSignalStrength:
		return r.SignalStrengthValue()
	}
	return 0, false
}
