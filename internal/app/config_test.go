package app

import (
	"os"
	"testing"
	"time"
)

func TestGetenv(t *testing.T) {
	tests := []struct {
		name     string
		envKey   string
		envValue string
		defValue string
		want     string
	}{
		{
			name:     "env set",
			envKey:   "TEST_ENV_VAR",
			envValue: "custom_value",
			defValue: "default",
			want:     "custom_value",
		},
		{
			name:     "env not set",
			envKey:   "TEST_ENV_VAR_NOTSET",
			envValue: "",
			defValue: "default",
			want:     "default",
		},
		{
			name:     "empty default",
			envKey:   "TEST_ENV_VAR_EMPTY",
			envValue: "",
			defValue: "",
			want:     "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				os.Setenv(tt.envKey, tt.envValue)
				defer os.Unsetenv(tt.envKey)
			}

			got := getenv(tt.envKey, tt.defValue)
			if got != tt.want {
				t.Errorf("getenv(%q, %q) = %q, want %q", tt.envKey, tt.defValue, got, tt.want)
			}
		})
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	for _, key := range []string{
		"HTTP_ADDR", "PUBLIC_BASE_URL", "JWT_EXPIRY",
		"FINDINGS_MIN_INTERVAL", "MAX_SESSIONS_PER_ACCOUNT",
	} {
		os.Unsetenv(key)
	}

	cfg := LoadConfigFromEnv()

	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
	if cfg.JWTExpiry != 24*time.Hour {
		t.Errorf("JWTExpiry = %v, want 24h", cfg.JWTExpiry)
	}
	if cfg.FindingsMinInterval != 1500*time.Millisecond {
		t.Errorf("FindingsMinInterval = %v, want 1.5s", cfg.FindingsMinInterval)
	}
	if cfg.MaxSessionsPerAccount != 4 {
		t.Errorf("MaxSessionsPerAccount = %d, want 4", cfg.MaxSessionsPerAccount)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	os.Setenv("JWT_EXPIRY", "1h")
	os.Setenv("FINDINGS_MIN_INTERVAL", "3s")
	os.Setenv("MAX_SESSIONS_PER_ACCOUNT", "2")
	defer func() {
		os.Unsetenv("JWT_EXPIRY")
		os.Unsetenv("FINDINGS_MIN_INTERVAL")
		os.Unsetenv("MAX_SESSIONS_PER_ACCOUNT")
	}()

	cfg := LoadConfigFromEnv()

	if cfg.JWTExpiry != time.Hour {
		t.Errorf("JWTExpiry = %v, want 1h", cfg.JWTExpiry)
	}
	if cfg.FindingsMinInterval != 3*time.Second {
		t.Errorf("FindingsMinInterval = %v, want 3s", cfg.FindingsMinInterval)
	}
	if cfg.MaxSessionsPerAccount != 2 {
		t.Errorf("MaxSessionsPerAccount = %d, want 2", cfg.MaxSessionsPerAccount)
	}
}

func TestLoadConfigBadValuesFallBack(t *testing.T) {
	os.Setenv("JWT_EXPIRY", "not-a-duration")
	os.Setenv("MAX_SESSIONS_PER_ACCOUNT", "-3")
	defer func() {
		os.Unsetenv("JWT_EXPIRY")
		os.Unsetenv("MAX_SESSIONS_PER_ACCOUNT")
	}()

	cfg := LoadConfigFromEnv()

	if cfg.JWTExpiry != 24*time.Hour {
		t.Errorf("JWTExpiry = %v, want 24h fallback", cfg.JWTExpiry)
	}
	if cfg.MaxSessionsPerAccount != 4 {
		t.Errorf("MaxSessionsPerAccount = %d, want 4 fallback", cfg.MaxSessionsPerAccount)
	}
}
