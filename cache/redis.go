package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"iot-threat-engine/analytics"
)

// ErrModelNotFound is returned when no model has been trained yet.
var ErrModelNotFound = errors.New("scoring model not found")

type Options struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	ModelKey   string
	VerdictTTL time.Duration
}

// RedisClient persists the trained model artifact and the latest verdict
// of every device.
type RedisClient struct {
	client     *redis.Client
	modelKey   string
	verdictTTL time.Duration
}

func NewRedisClient(ctx context.Context, opts Options) (*RedisClient, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: 10,
		MaxRetries:   3,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return newClient(rdb, opts), nil
}

func newClient(rdb *redis.Client, opts Options) *RedisClient {
	modelKey := opts.ModelKey
	if modelKey == "" {
		modelKey = "model:isolation_forest"
	}
	ttl := opts.VerdictTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisClient{client: rdb, modelKey: modelKey, verdictTTL: ttl}
}

func (rc *RedisClient) Close() error {
	return rc.client.Close()
}

func (rc *RedisClient) Ping(ctx context.Context) error {
	return rc.client.Ping(ctx).Err()
}

// SaveModel stores the model artifact without expiry.
func (rc *RedisClient) SaveModel(ctx context.Context, model *analytics.ScoringModel) error {
	data, err := json.Marshal(model)
	if err != nil {
		return fmt.Errorf("encode model: %w", err)
	}
	return rc.client.Set(ctx, rc.modelKey, data, 0).Err()
}

// LoadModel fetches and validates the stored model.
func (rc *RedisClient) LoadModel(ctx context.Context) (*analytics.ScoringModel, error) {
	val, err := rc.client.Get(ctx, rc.modelKey).Bytes()
	if err == redis.Nil {
		return nil, ErrModelNotFound
	}
	if err != nil {
		return nil, err
	}
	return DecodeModel(val)
}

// DecodeModel parses a stored model artifact and checks its consistency.
func DecodeModel(data []byte) (*analytics.ScoringModel, error) {
	var model analytics.ScoringModel
	if err := json.Unmarshal(data, &model); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	if err := model.Validate(); err != nil {
		return nil, fmt.Errorf("stored model is invalid: %w", err)
	}
	return &model, nil
}

func verdictKey(deviceID string) string {
	return "verdict:" + deviceID
}

// SaveVerdicts keeps the last verdict of each device in the batch.
func (rc *RedisClient) SaveVerdicts(ctx context.Context, verdicts []analytics.Verdict) error {
	latest := make(map[string]analytics.Verdict)
	for _, v := range verdicts {
		if v.Failed() {
			continue
		}
		latest[v.Reading.DeviceID] = v
	}
	if len(latest) == 0 {
		return nil
	}

	pipe := rc.client.Pipeline()
	for deviceID, v := range latest {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		pipe.Set(ctx, verdictKey(deviceID), data, rc.verdictTTL)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// GetVerdict returns the latest verdict of deviceID, or nil if none is
// stored.
func (rc *RedisClient) GetVerdict(ctx context.Context, deviceID string) (*analytics.Verdict, error) {
	val, err := rc.client.Get(ctx, verdictKey(deviceID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var v analytics.Verdict
	if err := json.Unmarshal(val, &v); err != nil {
		return nil, err
	}
	return &v, nil
}
