package profiling

import "testing"

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("PYROSCOPE_PROFILING_ENABLED", "yes")
	t.Setenv("PYROSCOPE_SERVER_ADDRESS", "")
	t.Setenv("PYROSCOPE_CONTENTION_PROFILES", "1")

	cfg := ConfigFromEnv()
	if !cfg.Enabled {
		t.Error("Enabled = false, want true")
	}
	if cfg.ServerAddress != "http://localhost:4040" {
		t.Errorf("ServerAddress = %q, want default", cfg.ServerAddress)
	}
	if cfg.ApplicationName != "bustracker" {
		t.Errorf("ApplicationName = %q, want bustracker", cfg.ApplicationName)
	}
	if got := len(cfg.ProfileTypes()); got != 8 {
		t.Errorf("len(ProfileTypes) = %d, want 8 with contention profiles", got)
	}
}

func TestInitProfiling_Disabled(t *testing.T) {
	t.Setenv("PYROSCOPE_PROFILING_ENABLED", "false")

	shutdown, err := InitProfiling()
	if err != nil {
		t.Fatalf("InitProfiling() error = %v", err)
	}
	shutdown()
}
