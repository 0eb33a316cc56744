package analytics

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iot-threat-engine/models"
)

func TestSummarize(t *testing.T) {
	t.Run("should compute descriptive statistics", func(t *testing.T) {
		var batch []models.Reading
		for i, temp := range []float64{3, 1, 4, 2} {
			batch = append(batch, reading("SAT001", temp, 9, "CMD_001", float64(60+i)))
		}

		summary := Summarize(batch)
		require.Contains(t, summary, "SAT001")
		dev := summary["SAT001"]
		assert.Equal(t, 4, dev.Readings)
		assert.Len(t, dev.Metrics, 3)

		temp := dev.Metrics[MetricTemperature]
		assert.Equal(t, 4, temp.Count)
		assert.InDelta(t, 2.5, temp.Mean, 1e-12)
		assert.InDelta(t, math.Sqrt(5.0/3.0), temp.Std, 1e-12)
		assert.Equal(t, 1.0, temp.Min)
		assert.InDelta(t, 1.75, temp.Q25, 1e-12)
		assert.InDelta(t, 2.5, temp.Q50, 1e-12)
		assert.InDelta(t, 3.25, temp.Q75, 1e-12)
		assert.Equal(t, 4.0, temp.Max)

		volt := dev.Metrics[MetricVoltage]
		assert.Equal(t, 0.0, volt.Std)
		assert.Equal(t, 9.0, volt.Q50)
	})

	t.Run("should report zero spread for a single reading", func(t *testing.T) {
		summary := Summarize([]models.Reading{reading("SAT002", 42, 7, "CMD_002", 90)})
		s := summary["SAT002"].Metrics[MetricTemperature]
		assert.Equal(t, Stats{Count: 1, Mean: 42, Std: 0, Min: 42, Q25: 42, Q50: 42, Q75: 42, Max: 42}, s)
	})

	t.Run("should group by device", func(t *testing.T) {
		summary := Summarize(normalCorpus(300, 9))
		total := 0
		for id, dev := range summary {
			assert.Equal(t, id, dev.DeviceID)
			total += dev.Readings
			for _, s := range dev.Metrics {
				assert.LessOrEqual(t, s.Min, s.Q25)
				assert.LessOrEqual(t, s.Q25, s.Q50)
				assert.LessOrEqual(t, s.Q50, s.Q75)
				assert.LessOrEqual(t, s.Q75, s.Max)
			}
		}
		assert.Equal(t, 300, total)
	})

	t.Run("should skip absent fields per metric", func(t *testing.T) {
		a := reading("SAT003", 10, 7, "CMD_001", 60)
		b := reading("SAT003", 20, 8, "CMD_001", 70)
		b.Voltage = nil

		dev := Summarize([]models.Reading{a, b})["SAT003"]
		assert.Equal(t, 2, dev.Readings)
		assert.Equal(t, 2, dev.Metrics[MetricTemperature].Count)
		assert.Equal(t, 1, dev.Metrics[MetricVoltage].Count)
	})

	t.Run("should return an empty summary for no readings", func(t *testing.T) {
		assert.Empty(t, Summarize(nil))
	})
}
