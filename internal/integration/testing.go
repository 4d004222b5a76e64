// Package integration holds end-to-end tests that talk to real model
// providers. They run only with the integration build tag and credentials.
package integration

import (
	"context"
	"os"
	"testing"
	"time"
)

// Config holds integration test configuration from the environment.
type Config struct {
	OpenAIKey   string
	OpenAIModel string
	TestTimeout time.Duration
}

// LoadConfig reads the integration settings from the environment.
func LoadConfig() *Config {
	model := os.Getenv("CATALOGAGENT_TEST_MODEL")
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &Config{
		OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
		OpenAIModel: model,
		TestTimeout: 90 * time.Second,
	}
}

// SkipIfNoAPIKey skips the test if the required API key is not set.
func SkipIfNoAPIKey(t *testing.T, key, name string) {
	t.Helper()
	if key == "" {
		t.Skipf("Skipping %s integration test: %s_API_KEY not set", name, name)
	}
}

// SkipIfShort skips integration tests in short mode.
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// NewTestContext creates a context with timeout for integration tests.
func NewTestContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}
