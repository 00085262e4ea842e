package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		name string
		val  string
		want time.Duration
	}{
		{"unset", "", 7 * time.Second},
		{"duration", "250ms", 250 * time.Millisecond},
		{"bare_seconds", "12", 12 * time.Second},
		{"invalid", "soon", 7 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_DURATION", tt.val)
			if got := GetEnvDuration("TEST_DURATION", 7*time.Second); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnv_typed(t *testing.T) {
	t.Setenv("TEST_INT64", "1073741824")
	t.Setenv("TEST_FLOAT", "1.25")
	t.Setenv("TEST_BOOL", "true")
	t.Setenv("TEST_BAD_INT", "x")

	if got := GetEnvInt64("TEST_INT64", 0); got != 1<<30 {
		t.Errorf("GetEnvInt64: got %d", got)
	}
	if got := GetEnvFloat("TEST_FLOAT", 0); got != 1.25 {
		t.Errorf("GetEnvFloat: got %v", got)
	}
	if got := GetEnvBool("TEST_BOOL", false); !got {
		t.Error("GetEnvBool: got false")
	}
	if got := GetEnvInt("TEST_BAD_INT", 9); got != 9 {
		t.Errorf("GetEnvInt fallback: got %d", got)
	}
}

func TestLoadSettings(t *testing.T) {
	t.Setenv("SEGMENT_DURATION", "2s")
	t.Setenv("MAX_STREAMS_PER_USER", "5")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("ABR_SAFETY_MARGIN", "1.5")

	s := LoadSettings()
	if s.SegmentDuration != 2*time.Second || s.MaxStreamsPerUser != 5 {
		t.Errorf("overrides not applied: %+v", s)
	}
	if s.RedisAddr != "" {
		t.Errorf("RedisAddr: got %q", s.RedisAddr)
	}
	if s.ABRSafetyMargin != 1.5 || s.ABRUpgradeMargin != 1.2 {
		t.Errorf("ABR margins: %v %v", s.ABRSafetyMargin, s.ABRUpgradeMargin)
	}
	if s.PrefetchSegments != 2 || s.StreamIdleTimeout != 5*time.Minute {
		t.Errorf("defaults: %+v", s)
	}
}

func TestLoad_dotenv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("TEST_DOTENV_KEY=from-file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("TEST_DOTENV_KEY") })

	if err := Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := GetEnv("TEST_DOTENV_KEY", ""); got != "from-file" {
		t.Errorf("GetEnv: got %q", got)
	}
	if err := Load(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Error("Load of missing file should fail")
	}
}
