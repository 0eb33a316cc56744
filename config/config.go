package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"iot-threat-engine/analytics"
	"iot-threat-engine/logging"
)

type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
}

type RedisConfig struct {
	Addr       string        `mapstructure:"addr"`
	Password   string        `mapstructure:"password"`
	DB         int           `mapstructure:"db"`
	PoolSize   int           `mapstructure:"pool_size"`
	ModelKey   string        `mapstructure:"model_key"`
	VerdictTTL time.Duration `mapstructure:"verdict_ttl"`
}

type EngineConfig struct {
	Workers int `mapstructure:"workers"`
}

type TrainingConfig struct {
	NumTrees      int     `mapstructure:"num_trees"`
	SubSampleSize int     `mapstructure:"sub_sample_size"`
	MaxDepth      int     `mapstructure:"max_depth"`
	Contamination float64 `mapstructure:"contamination"`
	Seed          int64   `mapstructure:"seed"`
}

type RulesConfig struct {
	// File is a YAML rule set; empty selects the built-in Variant.
	File    string `mapstructure:"file"`
	Variant string `mapstructure:"variant"`
}

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Training TrainingConfig `mapstructure:"training"`
	Rules    RulesConfig    `mapstructure:"rules"`
	Logging  logging.Config `mapstructure:"logging"`
}

func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
			MaxBodyBytes: 32 << 20,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   50,
			ModelKey:   "model:isolation_forest",
			VerdictTTL: 5 * time.Minute,
		},
		Training: TrainingConfig{
			NumTrees:      analytics.DefaultNumTrees,
			SubSampleSize: analytics.DefaultSubSampleSize,
			Contamination: analytics.DefaultContamination,
			Seed:          analytics.DefaultSeed,
		},
		Rules: RulesConfig{
			Variant: "device",
		},
		Logging: logging.DefaultConfig(),
	}
}

const envPrefix = "THREATENGINE"

// Load reads configuration from the optional YAML file at path, then from
// THREATENGINE_* environment variables. A missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// REDIS_ADDR predates the prefixed variables and is still honoured.
	if addr := os.Getenv("REDIS_ADDR"); addr != "" && os.Getenv(envPrefix+"_REDIS_ADDR") == "" {
		cfg.Redis.Addr = addr
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("server.max_body_bytes", d.Server.MaxBodyBytes)

	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.pool_size", d.Redis.PoolSize)
	v.SetDefault("redis.model_key", d.Redis.ModelKey)
	v.SetDefault("redis.verdict_ttl", d.Redis.VerdictTTL)

	v.SetDefault("engine.workers", d.Engine.Workers)

	v.SetDefault("training.num_trees", d.Training.NumTrees)
	v.SetDefault("training.sub_sample_size", d.Training.SubSampleSize)
	v.SetDefault("training.max_depth", d.Training.MaxDepth)
	v.SetDefault("training.contamination", d.Training.Contamination)
	v.SetDefault("training.seed", d.Training.Seed)

	v.SetDefault("rules.file", d.Rules.File)
	v.SetDefault("rules.variant", d.Rules.Variant)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)
	v.SetDefault("logging.compress", d.Logging.Compress)
}

func (c *Config) Validate() error {
	var errs []string
	if c.Server.Addr == "" {
		errs = append(errs, "server.addr is required")
	}
	if c.Redis.Addr == "" {
		errs = append(errs, "redis.addr is required")
	}
	if c.Redis.ModelKey == "" {
		errs = append(errs, "redis.model_key is required")
	}
	if c.Training.Contamination <= 0 || c.Training.Contamination > 0.5 {
		errs = append(errs, fmt.Sprintf("training.contamination %.3f outside (0, 0.5]", c.Training.Contamination))
	}
	if c.Training.NumTrees < 0 || c.Training.SubSampleSize < 0 || c.Training.MaxDepth < 0 {
		errs = append(errs, "training sizes must not be negative")
	}
	if c.Rules.File == "" {
		if _, err := BuiltinRuleSet(c.Rules.Variant); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// FitOptions maps the training section onto the scorer's options.
func (c *Config) FitOptions() analytics.FitOptions {
	return analytics.FitOptions{
		NumTrees:      c.Training.NumTrees,
		SubSampleSize: c.Training.SubSampleSize,
		MaxDepth:      c.Training.MaxDepth,
		Contamination: c.Training.Contamination,
		Seed:          c.Training.Seed,
		Workers:       c.Engine.Workers,
	}
}
