package reliability

import (
	"os"
	"strconv"
	"time"
)

// ReliabilityConfig holds configuration for reliability testing.
type ReliabilityConfig struct {
	Level         string        // "basic" or "stress"
	Duration      time.Duration // Test duration for stress tests
	MaxGoroutines int           // Maximum goroutines for concurrent tests
}

// getReliabilityConfig reads configuration from environment variables.
func getReliabilityConfig() ReliabilityConfig {
	return ReliabilityConfig{
		Level:         os.Getenv("AGENTZ_RELIABILITY_LEVEL"),
		Duration:      parseDuration(os.Getenv("AGENTZ_RELIABILITY_DURATION"), 10*time.Second),
		MaxGoroutines: parseInt(os.Getenv("AGENTZ_RELIABILITY_MAX_GOROUTINES"), 100),
	}
}

func parseInt(s string, fallback int) int {
	if v, err := strconv.Atoi(s); err == nil && v > 0 {
		return v
	}
	return fallback
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return fallback
}
