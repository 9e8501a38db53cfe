package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ugaemi/tag-server/internal/game"
	"github.com/ugaemi/tag-server/internal/motion"
	"github.com/ugaemi/tag-server/internal/polling"
)

type Config struct {
	Port      int
	LogLevel  string
	LogFormat string

	// DatabaseURL enables session history when set.
	DatabaseURL string

	// RedisAddr switches presence to Redis when set.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PresenceTTL   time.Duration

	TuningFile string
	Tuning     Tuning
}

// Tuning holds the engine thresholds that can be overridden from YAML.
type Tuning struct {
	Motion            motion.Config `yaml:"motion"`
	MovementThreshold float64       `yaml:"movement_threshold_meters"`
	ProximityRange    float64       `yaml:"proximity_range_meters"`
}

// DefaultTuning returns the built-in thresholds.
func DefaultTuning() Tuning {
	return Tuning{
		Motion:            motion.DefaultConfig(),
		MovementThreshold: polling.DefaultMovementThreshold,
		ProximityRange:    game.DefaultProximityRange,
	}
}

// Load reads an optional .env file, then the environment, then the tuning
// file named by TUNING_FILE. PROXIMITY_RANGE_METERS wins over the file.
func Load() (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		Port:          getEnvInt("PORT", 8080),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFormat:     getEnv("LOG_FORMAT", "text"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		PresenceTTL:   time.Duration(getEnvInt("PRESENCE_TTL_SECONDS", 120)) * time.Second,
		TuningFile:    getEnv("TUNING_FILE", ""),
		Tuning:        DefaultTuning(),
	}

	if cfg.TuningFile != "" {
		t, err := LoadTuning(cfg.TuningFile)
		if err != nil {
			return nil, err
		}
		cfg.Tuning = t
	}
	cfg.Tuning.ProximityRange = getEnvFloat("PROXIMITY_RANGE_METERS", cfg.Tuning.ProximityRange)

	return cfg, nil
}

// LoadTuning reads a YAML tuning file. Keys missing from the file keep
// their defaults.
func LoadTuning(path string) (Tuning, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Tuning{}, fmt.Errorf("read tuning file: %w", err)
	}

	t := DefaultTuning()
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Tuning{}, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}
	if err := t.validate(); err != nil {
		return Tuning{}, fmt.Errorf("invalid tuning in %s: %w", path, err)
	}
	return t, nil
}

func (t Tuning) validate() error {
	switch {
	case t.Motion.DeltaThreshold <= 0:
		return fmt.Errorf("motion.delta_threshold must be positive")
	case t.Motion.EnterMovingCount < 0:
		return fmt.Errorf("motion.enter_moving_count must not be negative")
	case t.Motion.StationaryAfter <= 0:
		return fmt.Errorf("motion.stationary_after must be positive")
	case t.MovementThreshold <= 0:
		return fmt.Errorf("movement_threshold_meters must be positive")
	case t.ProximityRange <= 0:
		return fmt.Errorf("proximity_range_meters must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			return f
		}
	}
	return fallback
}
