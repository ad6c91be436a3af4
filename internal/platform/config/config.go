package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the process configuration assembled from the environment.
type Config struct {
	Port               string
	OutputRoot         string
	LogLevel           string
	LogFormat          string
	HLSMaxFiles        int
	HLSSegmentDuration int
	ProbeSources       bool
	ProbeTimeout       time.Duration
	ShutdownTimeout    time.Duration
	CORSAllowedOrigins []string
}

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files; with no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// FromEnv builds a Config from environment variables, applying defaults for
// anything unset or malformed.
func FromEnv() Config {
	return Config{
		Port:               GetEnv("PORT", "5005"),
		OutputRoot:         GetEnv("OUTPUT_ROOT", "./hls"),
		LogLevel:           GetEnv("LOG_LEVEL", "info"),
		LogFormat:          GetEnv("LOG_FORMAT", "json"),
		HLSMaxFiles:        GetEnvInt("HLS_MAX_FILES", 17280),
		HLSSegmentDuration: GetEnvInt("HLS_SEGMENT_DURATION", 2),
		ProbeSources:       GetEnvBool("PROBE_SOURCES", true),
		ProbeTimeout:       GetEnvDuration("PROBE_TIMEOUT", 5*time.Second),
		ShutdownTimeout:    GetEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		CORSAllowedOrigins: GetEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
	}
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvBool accepts the forms understood by strconv.ParseBool.
func GetEnvBool(key string, fallback bool) bool {
	if s := os.Getenv(key); s != "" {
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	}
	return fallback
}

// GetEnvDuration parses values such as "5s" or "250ms".
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	if s := os.Getenv(key); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return fallback
}

// GetEnvList splits a comma separated value, dropping empty items.
func GetEnvList(key string, fallback []string) []string {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
