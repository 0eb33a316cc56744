package analytics

import (
	"fmt"
	"time"
)

// RuleSet bundles the baseline profiles with the tagger limits that go with
// them. It is loaded once and passed explicitly to every batch.
type RuleSet struct {
	Name     string     `json:"name" yaml:"name"`
	Profiles ProfileSet `json:"baseline" yaml:"baseline"`
	Tags     TagRules   `json:"tags" yaml:"tags"`
}

func (rs RuleSet) Validate() error {
	if err := rs.Profiles.Validate(); err != nil {
		return fmt.Errorf("rule set %q: %w", rs.Name, err)
	}
	if err := rs.Tags.Validate(); err != nil {
		return fmt.Errorf("rule set %q: %w", rs.Name, err)
	}
	return nil
}

// DeviceRuleSet checks readings against per-satellite baselines.
func DeviceRuleSet() RuleSet {
	return RuleSet{
		Name:     "device",
		Profiles: DefaultDeviceProfiles(),
		Tags:     DefaultTagRules(),
	}
}

// CommandRuleSet checks readings against per-command baselines, including
// signal strength. Its absolute limits are kept separate from the device
// variant and should only be changed after domain review.
func CommandRuleSet() RuleSet {
	return RuleSet{
		Name: "command",
		Profiles: ProfileSet{
			KeyBy: KeyByCommand,
			Profiles: map[string]Profile{
				"CMD_001": {Temperature: &Range{Min: 20, Max: 90}, Voltage: &Range{Min: 3, Max: 15}, SignalStrength: &Range{Min: 50, Max: 100}},
				"CMD_002": {Temperature: &Range{Min: 20, Max: 90}, Voltage: &Range{Min: 3, Max: 15}, SignalStrength: &Range{Min: 50, Max: 100}},
				"CMD_003": {Temperature: &Range{Min: 20, Max: 90}, Voltage: &Range{Min: 3, Max: 15}, SignalStrength: &Range{Min: 50, Max: 100}},
				"CMD_004": {Temperature: &Range{Min: 20, Max: 90}, Voltage: &Range{Min: 3, Max: 15}, SignalStrength: &Range{Min: 50, Max: 100}},
				"CMD_005": {Temperature: &Range{Min: 20, Max: 90}, Voltage: &Range{Min: 3, Max: 15}, SignalStrength: &Range{Min: 50, Max: 100}},
			},
		},
		Tags: TagRules{
			KnownSafeCommands: []string{"CMD_001", "CMD_002", "CMD_003", "CMD_004", "CMD_005"},
			OverheatCeiling:   90,
			VoltageFloor:      3.0,
			OddHours:          ClockWindow{Start: "02:00", End: "04:00"},
			Location:          time.UTC,
		},
	}
}
