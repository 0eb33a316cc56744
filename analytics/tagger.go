package analytics

import (
	"errors"
	"fmt"
	"time"

	"iot-threat-engine/models"
)

// ThreatTag identifies a likely cause of an anomalous reading.
type ThreatTag string

const (
	TagTemperatureHigh    ThreatTag = "temperature_high"
	TagTemperatureLow     ThreatTag = "temperature_low"
	TagVoltageHigh        ThreatTag = "voltage_high"
	TagVoltageLow         ThreatTag = "voltage_low"
	TagSignalStrengthHigh ThreatTag = "signal_strength_high"
	TagSignalStrengthLow  ThreatTag = "signal_strength_low"
	TagSuspiciousCommand  ThreatTag = "suspicious_command_injection"
	TagOverheat           ThreatTag = "overheat_sensor_spoof"
	TagPowerTampering     ThreatTag = "power_tampering"
	TagOddTimeCommand     ThreatTag = "odd_time_command_execution"
	TagUnknownAnomaly     ThreatTag = "unknown_anomaly"
)

var tagDescriptions = map[ThreatTag]string{
	TagTemperatureHigh:    "Temperature Too High",
	TagTemperatureLow:     "Temperature Too Low",
	TagVoltageHigh:        "Voltage Too High",
	TagVoltageLow:         "Voltage Too Low",
	TagSignalStrengthHigh: "Signal Strength Too High",
	TagSignalStrengthLow:  "Signal Strength Too Low",
	TagSuspiciousCommand:  "Suspicious Command Injection",
	TagOverheat:           "Overheat / Sensor Spoof",
	TagPowerTampering:     "Power Tampering",
	TagOddTimeCommand:     "Odd-Time Command Execution",
	TagUnknownAnomaly:     "Unknown Anomaly",
}

// Describe returns the human-readable wording used in reports.
func (t ThreatTag) Describe() string {
	if d, ok := tagDescriptions[t]; ok {
		return d
	}
	return string(t)
}

func violationTag(v Violation) ThreatTag {
	suffix := "high"
	if v.Direction == TooLow {
		suffix = "low"
	}
	return ThreatTag(string(v.Metric) + "_" + suffix)
}

// ClockWindow is an inclusive time-of-day window with minute resolution.
// Start after End wraps past midnight.
type ClockWindow struct {
	Start string `json:"start" yaml:"start"`
	End   string `json:"end" yaml:"end"`
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q, expected HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func (w ClockWindow) Validate() error {
	if w.Start == "" && w.End == "" {
		return nil
	}
	if _, err := parseClock(w.Start); err != nil {
		return err
	}
	_, err := parseClock(w.End)
	return err
}

// Contains reports whether ts falls inside the window in loc. An empty
// window contains nothing.
func (w ClockWindow) Contains(ts time.Time, loc *time.Location) bool {
	if w.Start == "" && w.End == "" {
		return false
	}
	start, err := parseClock(w.Start)
	if err != nil {
		return false
	}
	end, err := parseClock(w.End)
	if err != nil {
		return false
	}
	if loc == nil {
		loc = time.UTC
	}
	local := ts.In(loc)
	minute := local.Hour()*60 + local.Minute()
	if start <= end {
		return start <= minute && minute <= end
	}
	return minute >= start || minute <= end
}

// TagRules parameterises the threat tagger.
type TagRules struct {
	KnownSafeCommands []string       `json:"known_safe_commands" yaml:"known_safe_commands"`
	OverheatCeiling   float64        `json:"overheat_ceiling" yaml:"overheat_ceiling"`
	VoltageFloor      float64        `json:"voltage_floor" yaml:"voltage_floor"`
	OddHours          ClockWindow    `json:"odd_hours" yaml:"odd_hours"`
	Location          *time.Location `json:"-" yaml:"-"`
}

// DefaultTagRules are the limits used with the device-keyed rule set.
func DefaultTagRules() TagRules {
	return TagRules{
		KnownSafeCommands: []string{"CMD_001", "CMD_002", "CMD_003"},
		OverheatCeiling:   80,
		VoltageFloor:      3.0,
		OddHours:          ClockWindow{Start: "02:00", End: "04:00"},
		Location:          time.UTC,
	}
}

func (r TagRules) Validate() error {
	if len(r.KnownSafeCommands) == 0 {
		return errors.New("known_safe_commands must not be empty")
	}
	return r.OddHours.Validate()
}

func (r TagRules) knownSafe(code string) bool {
	for _, c := range r.KnownSafeCommands {
		if c == code {
			return true
		}
	}
	return false
}

// Tag classifies an anomalous reading. Non-anomalous readings get no tags.
// Steps accumulate in precedence order; TagUnknownAnomaly is returned alone
// when nothing else matched.
func (r TagRules) Tag(reading models.Reading, score Score, violations []Violation) []ThreatTag {
	if !score.IsAnomalous {
		return nil
	}

	var tags []ThreatTag
	seen := make(map[ThreatTag]bool, len(violations))
	for _, v := range violations {
		t := violationTag(v)
		if !seen[t] {
			seen[t] = true
			tags = append(tags, t)
		}
	}

	if code, ok := reading.Command(); ok && !r.knownSafe(code) {
		tags = append(tags, TagSuspiciousCommand)
	}
	if temp, ok := reading.TemperatureValue(); ok && temp > r.OverheatCeiling {
		tags = append(tags, TagOverheat)
	}
	if volt, ok := reading.VoltageValue(); ok && volt < r.VoltageFloor {
		tags = append(tags, TagPowerTampering)
	}
	if r.OddHours.Contains(reading.Timestamp, r.Location) {
		tags = append(tags, TagOddTimeCommand)
	}

	if len(tags) == 0 {
		return []ThreatTag{TagUnknownAnomaly}
	}
	return tags
}
