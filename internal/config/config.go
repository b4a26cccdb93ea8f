package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/example/faceverify/internal/face"
)

// Config holds the runtime settings of the service and the CLI.
type Config struct {
	HTTPAddr          string
	DatabaseDSN       string
	RedisAddr         string
	InferenceAddr     string
	JWTSecret         string
	JWTAudience       string
	LogLevel          string
	MatchThreshold    float64
	ParallelSides     bool
	MaxImageDimension int
	ShutdownTimeout   time.Duration
	Detector          face.DetectorOptions
}

// Load reads the configuration from the environment, falling back to
// defaults for unset variables.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr:      getEnv("HTTP_ADDR", ":8080"),
		DatabaseDSN:   getEnv("DATABASE_DSN", "host=postgres user=postgres password=postgres dbname=faceverify port=5432 sslmode=disable"),
		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		InferenceAddr: getEnv("INFERENCE_ADDR", "inference:50051"),
		JWTSecret:     getEnv("JWT_SECRET", "dev-secret"),
		JWTAudience:   os.Getenv("JWT_AUDIENCE"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
	}

	defaults := face.DefaultDetectorOptions()
	var errs []error
	cfg.MatchThreshold = getFloat("MATCH_THRESHOLD", 0.5, &errs)
	cfg.ParallelSides = getBool("PARALLEL_SIDES", true, &errs)
	cfg.MaxImageDimension = getInt("MAX_IMAGE_DIMENSION", 0, &errs)
	cfg.ShutdownTimeout = getDuration("SHUTDOWN_TIMEOUT", 15*time.Second, &errs)
	cfg.Detector = face.DetectorOptions{
		MinFaceSize:        getInt("DETECTOR_MIN_FACE_SIZE", defaults.MinFaceSize, &errs),
		MaxFaceSize:        getInt("DETECTOR_MAX_FACE_SIZE", defaults.MaxFaceSize, &errs),
		ScoreThreshold:     getFloat("DETECTOR_SCORE_THRESHOLD", defaults.ScoreThreshold, &errs),
		PyramidScaleFactor: getFloat("DETECTOR_PYRAMID_SCALE", defaults.PyramidScaleFactor, &errs),
		WindowStepX:        getInt("DETECTOR_WINDOW_STEP_X", defaults.WindowStepX, &errs),
		WindowStepY:        getInt("DETECTOR_WINDOW_STEP_Y", defaults.WindowStepY, &errs),
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.MatchThreshold < -1 || c.MatchThreshold > 1 {
		return fmt.Errorf("match threshold must be within [-1, 1], got %v", c.MatchThreshold)
	}
	if c.MaxImageDimension < 0 {
		return fmt.Errorf("max image dimension must not be negative, got %d", c.MaxImageDimension)
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if err := c.Detector.Validate(); err != nil {
		return fmt.Errorf("detector: %w", err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int, errs *[]error) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64, errs *[]error) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return f
}

func getBool(key string, fallback bool, errs *[]error) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration, errs *[]error) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}
