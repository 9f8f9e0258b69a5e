package config

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"pgregory.net/rapid"
)

func TestDefaultValidates(t *testing.T) {
	t.Parallel()
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got %v", err)
	}
	if !cfg.TagRequests {
		t.Errorf("requests should be tagged by default")
	}
}

func TestLoadConfig_ReadsEnvironment(t *testing.T) {
	t.Setenv("PAGECHECK_BASE_URL", "http://localhost:3000/")
	t.Setenv("PAGECHECK_BACKEND", "Rod")
	t.Setenv("PAGECHECK_HEADLESS", "false")
	t.Setenv("PAGECHECK_TIMEOUT", "2s")
	t.Setenv("PAGECHECK_POLL_START", "20ms")
	t.Setenv("PAGECHECK_POLL_MAX", "200ms")
	t.Setenv("PAGECHECK_VIEWPORT", "375x667")
	t.Setenv("PAGECHECK_TAG_REQUESTS", "0")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.BaseURL != "http://localhost:3000" {
		t.Errorf("BaseURL = %q", cfg.BaseURL)
	}
	if cfg.Backend != BackendRod {
		t.Errorf("Backend = %q", cfg.Backend)
	}
	if cfg.Headless {
		t.Errorf("Headless should be false")
	}
	if cfg.TagRequests {
		t.Errorf("TagRequests should be false")
	}
	if cfg.Timeout != 2*time.Second || cfg.ActionTimeout != 2*time.Second || cfg.NavigationTimeout != 2*time.Second {
		t.Errorf("timeouts = %s/%s/%s, want 2s each", cfg.Timeout, cfg.ActionTimeout, cfg.NavigationTimeout)
	}
	if cfg.PollStart != 20*time.Millisecond || cfg.PollMax != 200*time.Millisecond {
		t.Errorf("poll = %s..%s", cfg.PollStart, cfg.PollMax)
	}
	if cfg.ViewportWidth != 375 || cfg.ViewportHeight != 667 {
		t.Errorf("viewport = %dx%d", cfg.ViewportWidth, cfg.ViewportHeight)
	}
}

func TestLoadConfig_CollectsAllProblems(t *testing.T) {
	t.Setenv("PAGECHECK_BACKEND", "netscape")
	t.Setenv("PAGECHECK_POLL_START", "1s")
	t.Setenv("PAGECHECK_POLL_MAX", "10ms")

	_, err := LoadConfig()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(verr.Errors) != 2 {
		t.Fatalf("expected 2 problems, got %d: %v", len(verr.Errors), verr.Errors)
	}
	if !strings.Contains(err.Error(), "PAGECHECK_BACKEND") {
		t.Errorf("message should mention the backend: %v", err)
	}
}

func TestLoadConfig_BadViewport(t *testing.T) {
	t.Setenv("PAGECHECK_VIEWPORT", "wide")
	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected error for malformed viewport")
	}
}

func testParseViewport_Roundtrip(t *rapid.T) {
	w := rapid.IntRange(1, 10000).Draw(t, "w")
	h := rapid.IntRange(1, 10000).Draw(t, "h")
	sep := rapid.SampledFrom([]string{"x", "X", " x "}).Draw(t, "sep")

	gotW, gotH, err := ParseViewport(fmt.Sprintf("%d%s%d", w, sep, h))
	if err != nil {
		t.Fatalf("ParseViewport: %v", err)
	}
	if gotW != w || gotH != h {
		t.Fatalf("got %dx%d want %dx%d", gotW, gotH, w, h)
	}
}

func TestParseViewport_Roundtrip(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testParseViewport_Roundtrip)
}

func TestParseViewport_RejectsNonPositive(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"0x10", "10x0", "-1x5", "10", "axb"} {
		if _, _, err := ParseViewport(raw); err == nil {
			t.Errorf("ParseViewport(%q) should fail", raw)
		}
	}
}
