package profiling

import (
	"log/slog"
	"os"
	"runtime"
	"strings"

	"bustracker/pkg/otel"

	"github.com/grafana/pyroscope-go"
)

// Config is read from PYROSCOPE_* variables.
type Config struct {
	Enabled           bool
	ServerAddress     string
	ApplicationName   string
	BasicAuthUser     string
	BasicAuthPassword string
	// Contention adds mutex and block profiles. The socket hub and the
	// ingest throttle both serialize on locks.
	Contention bool
}

func ConfigFromEnv() Config {
	return Config{
		Enabled:           isTrue(os.Getenv("PYROSCOPE_PROFILING_ENABLED")),
		ServerAddress:     getEnv("PYROSCOPE_SERVER_ADDRESS", "http://localhost:4040"),
		ApplicationName:   getEnv("PYROSCOPE_APPLICATION_NAME", otel.ServiceName),
		BasicAuthUser:     os.Getenv("PYROSCOPE_BASIC_AUTH_USER"),
		BasicAuthPassword: os.Getenv("PYROSCOPE_BASIC_AUTH_PASSWORD"),
		Contention:        isTrue(os.Getenv("PYROSCOPE_CONTENTION_PROFILES")),
	}
}

// ProfileTypes lists what the profiler uploads for cfg.
func (c Config) ProfileTypes() []pyroscope.ProfileType {
	types := []pyroscope.ProfileType{
		pyroscope.ProfileCPU,
		pyroscope.ProfileAllocObjects,
		pyroscope.ProfileInuseSpace,
		pyroscope.ProfileGoroutines,
	}
	if c.Contention {
		types = append(types,
			pyroscope.ProfileMutexCount,
			pyroscope.ProfileMutexDuration,
			pyroscope.ProfileBlockCount,
			pyroscope.ProfileBlockDuration,
		)
	}
	return types
}

// InitProfiling starts continuous profiling when PYROSCOPE_PROFILING_ENABLED is set.
func InitProfiling() (func(), error) {
	cfg := ConfigFromEnv()
	if !cfg.Enabled {
		slog.Debug("Pyroscope profiling is disabled")
		return func() {}, nil
	}

	if cfg.Contention {
		runtime.SetMutexProfileFraction(5)
		runtime.SetBlockProfileRate(5)
	}

	pc := pyroscope.Config{
		ApplicationName: cfg.ApplicationName,
		ServerAddress:   cfg.ServerAddress,
		Logger:          pyroscope.StandardLogger,
		Tags: map[string]string{
			"service": otel.ServiceName,
			"version": otel.Version,
		},
		ProfileTypes: cfg.ProfileTypes(),
	}
	if cfg.BasicAuthUser != "" && cfg.BasicAuthPassword != "" {
		pc.BasicAuthUser = cfg.BasicAuthUser
		pc.BasicAuthPassword = cfg.BasicAuthPassword
	}

	profiler, err := pyroscope.Start(pc)
	if err != nil {
		// Profiling is optional; the service runs without it.
		slog.Warn("Failed to start Pyroscope profiler", "error", err)
		return func() {}, nil
	}

	slog.Debug("Pyroscope profiling started", "server", cfg.ServerAddress, "application", cfg.ApplicationName)

	return func() {
		if err := profiler.Stop(); err != nil {
			slog.Error("Error stopping Pyroscope profiler", "error", err)
		} else {
			slog.Debug("Pyroscope profiler stopped")
		}
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func isTrue(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}
