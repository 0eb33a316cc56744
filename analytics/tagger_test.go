package analytics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var (
	anomalous = Score{Value: 0.8, IsAnomalous: true}
	normal    = Score{Value: 0.4, IsAnomalous: false}
)

func TestTagRules_Tag(t *testing.T) {
	rules := DefaultTagRules()
	profiles := DefaultDeviceProfiles()

	t.Run("normal readings are never tagged", func(t *testing.T) {
		r := reading("SAT001", 120, 1.0, "99", 2.0)
		assert.Nil(t, rules.Tag(r, normal, profiles.Evaluate(r)))
	})

	t.Run("full chain fires in precedence order", func(t *testing.T) {
		r := reading("SAT001", 120, 1.0, "99", 2.0)
		got := rules.Tag(r, anomalous, profiles.Evaluate(r))
		assert.Equal(t, []ThreatTag{
			TagTemperatureHigh,
			TagVoltageLow,
			TagSuspiciousCommand,
			TagOverheat,
			TagPowerTampering,
		}, got)
	})

	t.Run("baseline voltage-low and power tampering both fire", func(t *testing.T) {
		r := reading("SAT001", 50, 2.5, "CMD_001", 80)
		got := rules.Tag(r, anomalous, profiles.Evaluate(r))
		assert.Equal(t, []ThreatTag{TagVoltageLow, TagPowerTampering}, got)
	})

	t.Run("overheat independent of baseline", func(t *testing.T) {
		r := reading("SAT999", 85, 9, "CMD_002", 80)
		got := rules.Tag(r, anomalous, profiles.Evaluate(r))
		assert.Equal(t, []ThreatTag{TagOverheat}, got)
	})

	t.Run("ceiling and floor are strict", func(t *testing.T) {
		r := reading("SAT999", 80, 3.0, "CMD_002", 80)
		got := rules.Tag(r, anomalous, nil)
		assert.Equal(t, []ThreatTag{TagUnknownAnomaly}, got)
	})

	t.Run("unknown anomaly is exclusive", func(t *testing.T) {
		r := reading("SAT001", 50, 9, "CMD_001", 80)
		got := rules.Tag(r, anomalous, profiles.Evaluate(r))
		assert.Equal(t, []ThreatTag{TagUnknownAnomaly}, got)
	})

	t.Run("duplicate violation categories collapse", func(t *testing.T) {
		vs := []Violation{
			{Metric: MetricTemperature, Direction: TooHigh},
			{Metric: MetricTemperature, Direction: TooHigh},
		}
		got := rules.Tag(reading("SAT001", 50, 9, "CMD_001", 80), anomalous, vs)
		assert.Equal(t, []ThreatTag{TagTemperatureHigh}, got)
	})

	t.Run("signal strength violations are tagged", func(t *testing.T) {
		cmdRules := CommandRuleSet()
		r := reading("SAT001", 50, 9, "CMD_001", 10)
		got := cmdRules.Tags.Tag(r, anomalous, cmdRules.Profiles.Evaluate(r))
		assert.Equal(t, []ThreatTag{TagSignalStrengthLow}, got)
	})
}

func TestTagRules_OddHours(t *testing.T) {
	rules := DefaultTagRules()
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		clock string
		want  bool
	}{
		{"01:59", false},
		{"02:00", true},
		{"03:15", true},
		{"04:00", true},
		{"04:00:59", true},
		{"04:01", false},
		{"12:00", false},
	}
	for _, tt := range tests {
		t.Run(tt.clock, func(t *testing.T) {
			layout := "15:04"
			if len(tt.clock) > 5 {
				layout = "15:04:05"
			}
			c, err := time.Parse(layout, tt.clock)
			assert.NoError(t, err)
			ts := day.Add(time.Duration(c.Hour())*time.Hour + time.Duration(c.Minute())*time.Minute + time.Duration(c.Second())*time.Second)

			r := readingAt(ts, "SAT001", 50, 9, "CMD_001", 80)
			got := rules.Tag(r, anomalous, nil)
			if tt.want {
				assert.Equal(t, []ThreatTag{TagOddTimeCommand}, got)
			} else {
				assert.Equal(t, []ThreatTag{TagUnknownAnomaly}, got)
			}
		})
	}

	t.Run("window in another location", func(t *testing.T) {
		loc := time.FixedZone("UTC+5", 5*3600)
		shifted := rules
		shifted.Location = loc

		// 22:30 UTC is 03:30 at UTC+5.
		r := readingAt(time.Date(2026, 3, 1, 22, 30, 0, 0, time.UTC), "SAT001", 50, 9, "CMD_001", 80)
		assert.Equal(t, []ThreatTag{TagOddTimeCommand}, shifted.Tag(r, anomalous, nil))
		assert.Equal(t, []ThreatTag{TagUnknownAnomaly}, rules.Tag(r, anomalous, nil))
	})

	t.Run("window wrapping midnight", func(t *testing.T) {
		w := ClockWindow{Start: "23:00", End: "01:00"}
		assert.True(t, w.Contains(time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC), nil))
		assert.True(t, w.Contains(time.Date(2026, 3, 1, 0, 30, 0, 0, time.UTC), nil))
		assert.False(t, w.Contains(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), nil))
	})

	t.Run("empty window", func(t *testing.T) {
		assert.False(t, ClockWindow{}.Contains(time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC), nil))
		assert.NoError(t, ClockWindow{}.Validate())
		assert.Error(t, ClockWindow{Start: "25:00", End: "04:00"}.Validate())
	})
}

func TestTagRules_Validate(t *testing.T) {
	assert.NoError(t, DefaultTagRules().Validate())

	rules := DefaultTagRules()
	rules.KnownSafeCommands = nil
	assert.Error(t, rules.Validate())
}

func TestThreatTag_Describe(t *testing.T) {
	assert.Equal(t, "Overheat / Sensor Spoof", TagOverheat.Describe())
	assert.Equal(t, "Voltage Too Low", TagVoltageLow.Describe())
	assert.Equal(t, "custom", ThreatTag("custom").Describe())
}
