package analytics

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"iot-threat-engine/models"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func reading(device string, temp, volt float64, cmd string, signal float64) models.Reading {
	return models.NewReading(baseTime, device, temp, volt, cmd, signal)
}

func readingAt(ts time.Time, device string, temp, volt float64, cmd string, signal float64) models.Reading {
	return models.NewReading(ts, device, temp, volt, cmd, signal)
}

// normalCorpus generates in-profile telemetry for SAT001..SAT003.
func normalCorpus(n int, seed int64) []models.Reading {
	rng := rand.New(rand.NewSource(seed))
	devices := []string{"SAT001", "SAT002", "SAT003"}
	codes := []string{"CMD_001", "CMD_002", "CMD_003", "CMD_004", "CMD_005"}

	out := make([]models.Reading, n)
	for i := range out {
		out[i] = readingAt(
			baseTime.Add(time.Duration(i)*5*time.Second),
			devices[rng.Intn(len(devices))],
			20+rng.Float64()*50,
			6.5+rng.Float64()*4.5,
			codes[rng.Intn(len(codes))],
			50+rng.Float64()*50,
		)
	}
	return out
}

func trainModel(t *testing.T, opts FitOptions) *ScoringModel {
	t.Helper()
	model, err := Fit(normalCorpus(500, 7), opts)
	require.NoError(t, err)
	return model
}
