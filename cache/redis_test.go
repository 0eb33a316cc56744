package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iot-threat-engine/analytics"
	"iot-threat-engine/models"
)

func corpus(n int) []models.Reading {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	codes := []string{"CMD_001", "CMD_002", "CMD_003"}
	out := make([]models.Reading, n)
	for i := range out {
		out[i] = models.NewReading(
			start.Add(time.Duration(i)*5*time.Second),
			fmt.Sprintf("SAT00%d", i%3+1),
			30+float64(i%40),
			7+float64(i%30)/10,
			codes[i%len(codes)],
			60+float64(i%35),
		)
	}
	return out
}

func trainedModel(t *testing.T) *analytics.ScoringModel {
	t.Helper()
	model, err := analytics.Fit(corpus(300), analytics.FitOptions{NumTrees: 25, SubSampleSize: 128})
	require.NoError(t, err)
	return model
}

func TestDecodeModel(t *testing.T) {
	model := trainedModel(t)

	t.Run("should score identically after a round trip", func(t *testing.T) {
		data, err := json.Marshal(model)
		require.NoError(t, err)

		loaded, err := DecodeModel(data)
		require.NoError(t, err)
		assert.Equal(t, model.Threshold, loaded.Threshold)
		assert.Equal(t, model.Schema, loaded.Schema)

		probes := append(corpus(20),
			models.NewReading(time.Now(), "SAT001", 140, 0.5, "CMD_X99", 2))
		for _, r := range probes {
			want, err := model.ScoreReading(r)
			require.NoError(t, err)
			got, err := loaded.ScoreReading(r)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
	})

	t.Run("should keep the unseen-code slot", func(t *testing.T) {
		data, err := json.Marshal(model)
		require.NoError(t, err)
		loaded, err := DecodeModel(data)
		require.NoError(t, err)

		assert.Equal(t, float64(len(model.Encoder.Categories)), loaded.Encoder.Encode("CMD_X99"))
		assert.Equal(t, model.Encoder.Encode("CMD_002"), loaded.Encoder.Encode("CMD_002"))
	})

	t.Run("should reject malformed data", func(t *testing.T) {
		_, err := DecodeModel([]byte("{not json"))
		assert.Error(t, err)
	})

	t.Run("should reject an inconsistent model", func(t *testing.T) {
		broken := *model
		broken.Trees = nil
		data, err := json.Marshal(&broken)
		require.NoError(t, err)

		_, err = DecodeModel(data)
		assert.Error(t, err)
	})
}

func TestVerdictKey(t *testing.T) {
	assert.Equal(t, "verdict:SAT001", verdictKey("SAT001"))
}

// testClient connects to REDIS_ADDR or skips the test.
func testClient(t *testing.T) *RedisClient {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		t.Skipf("redis not reachable at %s: %v", addr, err)
	}
	rc := newClient(rdb, Options{ModelKey: "test:model:" + t.Name(), VerdictTTL: time.Minute})
	t.Cleanup(func() {
		rdb.Del(context.Background(), rc.modelKey, verdictKey("SAT001"), verdictKey("SAT002"))
		rc.Close()
	})
	return rc
}

func TestRedisClient_Model(t *testing.T) {
	rc := testClient(t)
	ctx := context.Background()

	_, err := rc.LoadModel(ctx)
	assert.ErrorIs(t, err, ErrModelNotFound)

	model := trainedModel(t)
	require.NoError(t, rc.SaveModel(ctx, model))

	loaded, err := rc.LoadModel(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.Threshold, loaded.Threshold)
	assert.Len(t, loaded.Trees, len(model.Trees))
}

func TestRedisClient_Verdicts(t *testing.T) {
	rc := testClient(t)
	ctx := context.Background()

	readings := corpus(4)
	verdicts := []analytics.Verdict{
		{Index: 0, Reading: readings[0], AnomalyScore: 0.41},
		{Index: 1, Reading: readings[1], AnomalyScore: 0.42},
		{Index: 3, Reading: readings[3], AnomalyScore: 0.73, IsAnomalous: true, Tags: []analytics.ThreatTag{analytics.TagOverheat}},
	}
	failed := analytics.Verdict{Index: 4, Reading: readings[1], Err: assert.AnError, Error: assert.AnError.Error()}
	require.NoError(t, rc.SaveVerdicts(ctx, append(verdicts, failed)))

	got, err := rc.GetVerdict(ctx, "SAT001")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 3, got.Index)
	assert.True(t, got.IsAnomalous)
	assert.Equal(t, []analytics.ThreatTag{analytics.TagOverheat}, got.Tags)

	got, err = rc.GetVerdict(ctx, "SAT002")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.Index)

	got, err = rc.GetVerdict(ctx, "SAT404")
	require.NoError(t, err)
	assert.Nil(t, got)
}
