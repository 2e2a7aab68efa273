// Package config loads the service configuration: YAML files for the
// structured parts (markets, providers), environment variables for the
// deploy-time knobs. Environment always wins over file values.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quotewire/quotewire/internal/errs"
	"github.com/quotewire/quotewire/internal/market"
	"github.com/quotewire/quotewire/internal/model"
	"github.com/quotewire/quotewire/internal/registry"
)

// Config is the full service configuration tree.
type Config struct {
	HTTPAddr    string `yaml:"http_addr"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisDB     int    `yaml:"redis_db"`
	PostgresDSN string `yaml:"postgres_dsn"`

	RateLimit RateLimit `yaml:"rate_limit"`
	Memory    Memory    `yaml:"memory"`
	Batching  Batching  `yaml:"batching"`

	Providers []registry.Provider            `yaml:"providers"`
	Markets   map[model.Market]market.Config `yaml:"markets"`
}

// RateLimit caps concurrent request handling.
type RateLimit struct {
	MaxConnections int           `yaml:"max_connections"`
	WindowSize     time.Duration `yaml:"window_size"`
}

// Memory holds the governor's pressure thresholds.
type Memory struct {
	WarningThreshold  float64 `yaml:"warning_threshold"`
	CriticalThreshold float64 `yaml:"critical_threshold"`
}

// Batching holds the dynamic batching pipeline knobs.
type Batching struct {
	Enabled             bool          `yaml:"enabled"`
	BaseInterval        time.Duration `yaml:"base_interval"`
	MinInterval         time.Duration `yaml:"min_interval"`
	MaxInterval         time.Duration `yaml:"max_interval"`
	HighLoadInterval    time.Duration `yaml:"high_load_interval"`
	LowLoadInterval     time.Duration `yaml:"low_load_interval"`
	HighLoadThreshold   float64       `yaml:"high_load_threshold"`
	LowLoadThreshold    float64       `yaml:"low_load_threshold"`
	SampleWindow        int           `yaml:"sample_window"`
	AdjustmentStep      time.Duration `yaml:"adjustment_step"`
	AdjustmentFrequency time.Duration `yaml:"adjustment_frequency"`
}

// Default returns the baseline configuration before file and env overlays.
func Default() Config {
	return Config{
		HTTPAddr:  ":8080",
		RedisAddr: "localhost:6379",
		RateLimit: RateLimit{MaxConnections: 100, WindowSize: time.Minute},
		Memory:    Memory{WarningThreshold: 0.7, CriticalThreshold: 0.85},
		Batching: Batching{
			Enabled:             true,
			BaseInterval:        50 * time.Millisecond,
			MinInterval:         10 * time.Millisecond,
			MaxInterval:         200 * time.Millisecond,
			HighLoadInterval:    25 * time.Millisecond,
			LowLoadInterval:     100 * time.Millisecond,
			HighLoadThreshold:   15,
			LowLoadThreshold:    5,
			SampleWindow:        20,
			AdjustmentStep:      5 * time.Millisecond,
			AdjustmentFrequency: 5 * time.Second,
		},
		Markets: map[model.Market]market.Config{},
	}
}

// Load reads a YAML config file over the defaults, then applies env
// overrides. A missing file is not an error; the defaults plus env apply.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, errs.New("config.load", errs.KindValidation,
					errs.WithMessage("reading %s", path), errs.WithCause(err))
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, errs.New("config.load", errs.KindValidation,
				errs.WithMessage("parsing %s", path), errs.WithCause(err))
		}
	}
	cfg.FromEnv()
	return cfg, nil
}

// FromEnv overlays the stable environment names onto the config.
func (c *Config) FromEnv() {
	envString("HTTP_ADDR", &c.HTTPAddr)
	envString("REDIS_ADDR", &c.RedisAddr)
	envInt("REDIS_DB", &c.RedisDB)
	envString("POSTGRES_DSN", &c.PostgresDSN)

	envInt("RATE_LIMIT_MAX_CONNECTIONS", &c.RateLimit.MaxConnections)
	envDurationMs("RATE_LIMIT_WINDOW_SIZE", &c.RateLimit.WindowSize)

	envFloat("MEMORY_WARNING_THRESHOLD", &c.Memory.WarningThreshold)
	envFloat("MEMORY_CRITICAL_THRESHOLD", &c.Memory.CriticalThreshold)

	envBool("STREAM_RECEIVER_DYNAMIC_BATCHING_ENABLED", &c.Batching.Enabled)
	envDurationMs("STREAM_RECEIVER_BATCH_INTERVAL", &c.Batching.BaseInterval)
	envDurationMs("DYNAMIC_BATCHING_MIN_INTERVAL", &c.Batching.MinInterval)
	envDurationMs("DYNAMIC_BATCHING_MAX_INTERVAL", &c.Batching.MaxInterval)
	envDurationMs("DYNAMIC_BATCHING_HIGH_LOAD_INTERVAL", &c.Batching.HighLoadInterval)
	envDurationMs("DYNAMIC_BATCHING_LOW_LOAD_INTERVAL", &c.Batching.LowLoadInterval)
	envFloat("DYNAMIC_BATCHING_HIGH_LOAD_THRESHOLD", &c.Batching.HighLoadThreshold)
	envFloat("DYNAMIC_BATCHING_LOW_LOAD_THRESHOLD", &c.Batching.LowLoadThreshold)
	envInt("DYNAMIC_BATCHING_SAMPLE_WINDOW", &c.Batching.SampleWindow)
	envDurationMs("DYNAMIC_BATCHING_ADJUSTMENT_STEP", &c.Batching.AdjustmentStep)
	envDurationMs("DYNAMIC_BATCHING_ADJUSTMENT_FREQUENCY", &c.Batching.AdjustmentFrequency)
}

// Validate rejects configurations that cannot run.
func (c Config) Validate() error {
	if c.Batching.MinInterval > c.Batching.MaxInterval {
		return errs.New("config.validate", errs.KindValidation,
			errs.WithMessage("batching min interval %s exceeds max %s", c.Batching.MinInterval, c.Batching.MaxInterval))
	}
	if c.Memory.WarningThreshold > c.Memory.CriticalThreshold {
		return errs.New("config.validate", errs.KindValidation,
			errs.WithMessage("memory warning threshold %.2f exceeds critical %.2f",
				c.Memory.WarningThreshold, c.Memory.CriticalThreshold))
	}
	if c.RateLimit.MaxConnections <= 0 {
		return errs.New("config.validate", errs.KindValidation,
			errs.WithMessage("rate limit max connections must be positive"))
	}
	return nil
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(name string, dst *float64) {
	if v := os.Getenv(name); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// envDurationMs accepts either a Go duration string ("50ms") or a bare
// millisecond count ("50"), the form the original deployment used.
func envDurationMs(name string, dst *time.Duration) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(n) * time.Millisecond
	}
}
