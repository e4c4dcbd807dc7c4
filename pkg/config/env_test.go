package config

import (
	"os"
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		envValue     string
		defaultValue string
		want         string
	}{
		{
			name:         "returns env value when set",
			key:          "TEST_GET_ENV_SET",
			envValue:     "custom_value",
			defaultValue: "default",
			want:         "custom_value",
		},
		{
			name:         "returns default when not set",
			key:          "TEST_GET_ENV_UNSET",
			envValue:     "",
			defaultValue: "default_value",
			want:         "default_value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				os.Setenv(tt.key, tt.envValue)
				defer os.Unsetenv(tt.key)
			} else {
				os.Unsetenv(tt.key)
			}

			got := GetEnv(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Fatalf("GetEnv(%q, %q) = %q, want %q", tt.key, tt.defaultValue, got, tt.want)
			}
		})
	}
}

func TestIsInsecureDevSecret(t *testing.T) {
	tests := []struct {
		name   string
		value  string
		unsafe bool
	}{
		{
			name:   "saga internal token placeholder",
			value:  "dev-saga-internal-token-change-me",
			unsafe: true,
		},
		{
			name:   "internal token placeholder",
			value:  "dev-internal-token-change-me",
			unsafe: true,
		},
		{
			name:   "non-placeholder secret",
			value:  "prod-very-strong-random-secret-value",
			unsafe: false,
		},
		{
			name:   "empty secret",
			value:  "",
			unsafe: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsInsecureDevSecret(tt.value)
			if got != tt.unsafe {
				t.Fatalf("IsInsecureDevSecret(%q) = %v, want %v", tt.value, got, tt.unsafe)
			}
		})
	}
}

func TestGetEnvInt(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		envValue     string
		defaultValue int
		want         int
	}{
		{
			name:         "returns parsed int when valid",
			key:          "TEST_GET_ENV_INT_VALID",
			envValue:     "42",
			defaultValue: 0,
			want:         42,
		},
		{
			name:         "returns default when not set",
			key:          "TEST_GET_ENV_INT_UNSET",
			envValue:     "",
			defaultValue: 10,
			want:         10,
		},
		{
			name:         "returns default when invalid",
			key:          "TEST_GET_ENV_INT_INVALID",
			envValue:     "not_a_number",
			defaultValue: 5,
			want:         5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				os.Setenv(tt.key, tt.envValue)
				defer os.Unsetenv(tt.key)
			} else {
				os.Unsetenv(tt.key)
			}

			got := GetEnvInt(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Fatalf("GetEnvInt(%q, %d) = %d, want %d", tt.key, tt.defaultValue, got, tt.want)
			}
		})
	}
}

func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		envValue     string
		defaultValue bool
		want         bool
	}{
		{
			name:         "returns true for 'true'",
			key:          "TEST_GET_ENV_BOOL_TRUE",
			envValue:     "true",
			defaultValue: false,
			want:         true,
		},
		{
			name:         "returns false for '0'",
			key:          "TEST_GET_ENV_BOOL_ZERO",
			envValue:     "0",
			defaultValue: true,
			want:         false,
		},
		{
			name:         "returns default when invalid",
			key:          "TEST_GET_ENV_BOOL_INVALID",
			envValue:     "yes",
			defaultValue: false,
			want:         false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				os.Setenv(tt.key, tt.envValue)
				defer os.Unsetenv(tt.key)
			} else {
				os.Unsetenv(tt.key)
			}

			got := GetEnvBool(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Fatalf("GetEnvBool(%q, %v) = %v, want %v", tt.key, tt.defaultValue, got, tt.want)
			}
		})
	}
}

func TestGetEnvFloat64(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		envValue     string
		defaultValue float64
		want         float64
	}{
		{
			name:         "returns parsed float when valid",
			key:          "TEST_GET_ENV_FLOAT_VALID",
			envValue:     "0.5",
			defaultValue: 0,
			want:         0.5,
		},
		{
			name:         "returns default when invalid",
			key:          "TEST_GET_ENV_FLOAT_INVALID",
			envValue:     "not_float",
			defaultValue: 2.0,
			want:         2.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				os.Setenv(tt.key, tt.envValue)
				defer os.Unsetenv(tt.key)
			} else {
				os.Unsetenv(tt.key)
			}

			got := GetEnvFloat64(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Fatalf("GetEnvFloat64(%q, %f) = %f, want %f", tt.key, tt.defaultValue, got, tt.want)
			}
		})
	}
}

func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		envValue     string
		defaultValue time.Duration
		want         time.Duration
	}{
		{
			name:         "returns parsed duration milliseconds",
			key:          "TEST_GET_ENV_DUR_MS",
			envValue:     "500ms",
			defaultValue: 0,
			want:         500 * time.Millisecond,
		},
		{
			name:         "returns parsed duration seconds",
			key:          "TEST_GET_ENV_DUR_SEC",
			envValue:     "30s",
			defaultValue: 0,
			want:         30 * time.Second,
		},
		{
			name:         "returns default when not set",
			key:          "TEST_GET_ENV_DUR_UNSET",
			envValue:     "",
			defaultValue: 10 * time.Second,
			want:         10 * time.Second,
		},
		{
			name:         "returns default when invalid",
			key:          "TEST_GET_ENV_DUR_INVALID",
			envValue:     "invalid",
			defaultValue: 5 * time.Second,
			want:         5 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				os.Setenv(tt.key, tt.envValue)
				defer os.Unsetenv(tt.key)
			} else {
				os.Unsetenv(tt.key)
			}

			got := GetEnvDuration(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Fatalf("GetEnvDuration(%q, %v) = %v, want %v", tt.key, tt.defaultValue, got, tt.want)
			}
		})
	}
}
