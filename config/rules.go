package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"iot-threat-engine/analytics"
)

type ruleFile struct {
	Name     string               `yaml:"name"`
	Baseline analytics.ProfileSet `yaml:"baseline"`
	Tags     tagSection           `yaml:"tags"`
}

type tagSection struct {
	analytics.TagRules `yaml:",inline"`
	Timezone           string `yaml:"timezone"`
}

// BuiltinRuleSet returns the named built-in rule set variant.
func BuiltinRuleSet(variant string) (analytics.RuleSet, error) {
	switch variant {
	case "", "device":
		return analytics.DeviceRuleSet(), nil
	case "command":
		return analytics.CommandRuleSet(), nil
	}
	return analytics.RuleSet{}, fmt.Errorf("unknown rule set variant %q", variant)
}

// LoadRuleSet returns the rule set configured by rc: the YAML file when
// set, otherwise the built-in variant.
func LoadRuleSet(rc RulesConfig) (analytics.RuleSet, error) {
	if rc.File == "" {
		return BuiltinRuleSet(rc.Variant)
	}
	data, err := os.ReadFile(rc.File)
	if err != nil {
		return analytics.RuleSet{}, fmt.Errorf("read rule file: %w", err)
	}
	return ParseRuleSet(data)
}

// ParseRuleSet decodes a YAML rule set. Unknown keys are rejected so a
// typo cannot silently disable a check, and tag limits left out of the
// file keep the values of analytics.DefaultTagRules.
func ParseRuleSet(data []byte) (analytics.RuleSet, error) {
	f := ruleFile{Tags: tagSection{TagRules: analytics.DefaultTagRules()}}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return analytics.RuleSet{}, fmt.Errorf("parse rule file: %w", err)
	}

	loc := time.UTC
	if f.Tags.Timezone != "" {
		l, err := time.LoadLocation(f.Tags.Timezone)
		if err != nil {
			return analytics.RuleSet{}, fmt.Errorf("rule file timezone: %w", err)
		}
		loc = l
	}

	if f.Baseline.KeyBy == "" {
		f.Baseline.KeyBy = analytics.KeyByDevice
	}

	rs := analytics.RuleSet{
		Name:     f.Name,
		Profiles: f.Baseline,
		Tags:     f.Tags.TagRules,
	}
	rs.Tags.Location = loc
	if err := rs.Validate(); err != nil {
		return analytics.RuleSet{}, err
	}
	return rs, nil
}
