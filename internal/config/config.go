// Package config loads the page-check settings shared by every backend:
// timeouts of the polling primitive, navigation and rendering bounds, the
// default viewport and which browser backend drives the page.
//
// Everything comes from PAGECHECK_* environment variables with defaults that
// match the browser test suite's hard five second ceiling.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Backend names a browser-driving implementation.
type Backend string

const (
	BackendSim        Backend = "sim"
	BackendRod        Backend = "rod"
	BackendPlaywright Backend = "playwright"
)

const (
	DefaultTimeout           = 5 * time.Second
	DefaultPollStart         = 100 * time.Millisecond
	DefaultPollMax           = time.Second
	DefaultRenderTimeout     = 2 * time.Second
	DefaultNetworkIdleWindow = 500 * time.Millisecond
	DefaultViewportWidth     = 1280
	DefaultViewportHeight    = 720
)

// Config holds all page-check configuration.
type Config struct {
	BaseURL  string
	Backend  Backend
	Headless bool

	// Assertion engine
	Timeout   time.Duration // default bound of every Expect* call
	PollStart time.Duration
	PollMax   time.Duration

	ActionTimeout     time.Duration // actionability wait before hover/click/fill
	NavigationTimeout time.Duration
	RenderTimeout     time.Duration // layout settle after a viewport change
	NetworkIdle       time.Duration // quiet window that counts as network idle

	ViewportWidth  int
	ViewportHeight int

	// TagRequests sends the session id in obs.SessionHeader with every
	// request. Cross-origin fetches then need a CORS preflight.
	TagRequests bool
}

// ValidationError represents a configuration validation error with multiple issues.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

// Default returns the configuration used when no environment is set.
func Default() Config {
	return Config{
		Backend:           BackendSim,
		Headless:          true,
		Timeout:           DefaultTimeout,
		PollStart:         DefaultPollStart,
		PollMax:           DefaultPollMax,
		ActionTimeout:     DefaultTimeout,
		NavigationTimeout: DefaultTimeout,
		RenderTimeout:     DefaultRenderTimeout,
		NetworkIdle:       DefaultNetworkIdleWindow,
		ViewportWidth:     DefaultViewportWidth,
		ViewportHeight:    DefaultViewportHeight,
		TagRequests:       true,
	}
}

// LoadConfig reads PAGECHECK_* environment variables on top of Default.
func LoadConfig() (*Config, error) {
	cfg := Default()

	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("PAGECHECK_BASE_URL")), "/")
	cfg.Backend = Backend(strings.ToLower(getEnvOrDefault("PAGECHECK_BACKEND", string(BackendSim))))
	cfg.Headless = parseBoolOrDefault("PAGECHECK_HEADLESS", true)
	cfg.TagRequests = parseBoolOrDefault("PAGECHECK_TAG_REQUESTS", true)

	cfg.Timeout = parseDurationOrDefault("PAGECHECK_TIMEOUT", cfg.Timeout)
	cfg.PollStart = parseDurationOrDefault("PAGECHECK_POLL_START", cfg.PollStart)
	cfg.PollMax = parseDurationOrDefault("PAGECHECK_POLL_MAX", cfg.PollMax)
	cfg.ActionTimeout = parseDurationOrDefault("PAGECHECK_ACTION_TIMEOUT", cfg.Timeout)
	cfg.NavigationTimeout = parseDurationOrDefault("PAGECHECK_NAVIGATION_TIMEOUT", cfg.Timeout)
	cfg.RenderTimeout = parseDurationOrDefault("PAGECHECK_RENDER_TIMEOUT", cfg.RenderTimeout)
	cfg.NetworkIdle = parseDurationOrDefault("PAGECHECK_NETWORK_IDLE", cfg.NetworkIdle)

	if raw := strings.TrimSpace(os.Getenv("PAGECHECK_VIEWPORT")); raw != "" {
		w, h, err := ParseViewport(raw)
		if err != nil {
			return nil, &ValidationError{Errors: []string{"PAGECHECK_VIEWPORT: " + err.Error()}}
		}
		cfg.ViewportWidth, cfg.ViewportHeight = w, h
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that all durations and dimensions are usable.
func (c *Config) Validate() error {
	var errs []string

	switch c.Backend {
	case BackendSim, BackendRod, BackendPlaywright:
	default:
		errs = append(errs, fmt.Sprintf("PAGECHECK_BACKEND must be one of sim, rod, playwright (got %q)", c.Backend))
	}

	if c.Timeout < 0 {
		errs = append(errs, "PAGECHECK_TIMEOUT must not be negative")
	}
	if c.PollStart <= 0 {
		errs = append(errs, "PAGECHECK_POLL_START must be positive")
	}
	if c.PollMax < c.PollStart {
		errs = append(errs, "PAGECHECK_POLL_MAX must be at least PAGECHECK_POLL_START")
	}
	if c.ActionTimeout < 0 {
		errs = append(errs, "PAGECHECK_ACTION_TIMEOUT must not be negative")
	}
	if c.NavigationTimeout <= 0 {
		errs = append(errs, "PAGECHECK_NAVIGATION_TIMEOUT must be positive")
	}
	if c.RenderTimeout <= 0 {
		errs = append(errs, "PAGECHECK_RENDER_TIMEOUT must be positive")
	}
	if c.NetworkIdle <= 0 {
		errs = append(errs, "PAGECHECK_NETWORK_IDLE must be positive")
	}
	if c.ViewportWidth <= 0 || c.ViewportHeight <= 0 {
		errs = append(errs, "viewport dimensions must be positive")
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// ParseViewport parses "WIDTHxHEIGHT".
func ParseViewport(raw string) (width, height int, err error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(raw)), "x")
	if !ok {
		return 0, 0, fmt.Errorf("want WIDTHxHEIGHT, got %q", raw)
	}
	width, err = strconv.Atoi(strings.TrimSpace(w))
	if err != nil {
		return 0, 0, fmt.Errorf("width: %w", err)
	}
	height, err = strconv.Atoi(strings.TrimSpace(h))
	if err != nil {
		return 0, 0, fmt.Errorf("height: %w", err)
	}
	if width <= 0 || height <= 0 {
		return 0, 0, fmt.Errorf("dimensions must be positive, got %dx%d", width, height)
	}
	return width, height, nil
}

// Helper functions for parsing environment variables

func getEnvOrDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func parseBoolOrDefault(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// MustLoadConfig loads configuration and panics if validation fails.
func MustLoadConfig() *Config {
	cfg, err := LoadConfig()
	if err != nil {
		var validationErr *ValidationError
		if errors.As(err, &validationErr) {
			panic(fmt.Sprintf("Configuration validation failed:\n  - %s", strings.Join(validationErr.Errors, "\n  - ")))
		}
		panic(fmt.Sprintf("Failed to load configuration: %v", err))
	}
	return cfg
}
