package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"catalog-agent/internal/adapter/catalog"
	"catalog-agent/internal/adapter/checkpoint"
	"catalog-agent/internal/domain"
	"catalog-agent/internal/infra/config"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(ctx context.Context, cfg *config.Config) CheckResult
}

const checkTimeout = 10 * time.Second

var notLoaded = CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}

// runDoctor executes all health checks and reports results.
func runDoctor(ctx context.Context, w io.Writer, cfgPath string) error {
	// Some checks work without a config.
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "LLM credentials", Fn: checkLLMCredentials},
		{Name: "LLM connectivity", Fn: checkLLMConnectivity},
		{Name: "Checkpoint store", Fn: checkCheckpointStore},
		{Name: "Thread lock", Fn: checkThreadLock},
		{Name: "Catalog", Fn: checkCatalog},
	}

	fmt.Fprintln(w, "catalog-agent doctor")
	fmt.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintln(w)

	var pass, warn, fail int
	for _, check := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		result := check.Fn(checkCtx, cfg)
		cancel()
		result.Name = check.Name

		fmt.Fprintf(w, "  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(w, "      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Repeat("-", 50))
	fmt.Fprintf(w, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

// checkConfigFile reports whether the config file exists and loads cleanly.
func checkConfigFile(cfgPath string, cfgErr error) func(context.Context, *config.Config) CheckResult {
	return func(context.Context, *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Check the YAML syntax and the values listed above",
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults", cfgPath),
				Fix:     "Create config.yaml or pass --config",
			}
		}
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("config loaded from %s", cfgPath)}
	}
}

// checkLLMCredentials verifies every provider has what it needs to authenticate.
func checkLLMCredentials(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	if len(cfg.LLM.Providers) == 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: "no LLM providers configured",
			Fix:     "Add a provider under llm.providers",
		}
	}

	var ready, missing []string
	for _, p := range cfg.LLM.Providers {
		switch {
		case p.Type == "bedrock" && p.Region != "":
			ready = append(ready, p.Name)
		case p.Type != "bedrock" && p.APIKey != "":
			ready = append(ready, p.Name)
		default:
			missing = append(missing, p.Name)
		}
	}
	switch {
	case len(ready) == 0:
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("no credentials for providers: %s", strings.Join(missing, ", ")),
			Fix:     "Set api_key (or region for bedrock), optionally encrypted with 'catalog-agent encrypt'",
		}
	case len(missing) > 0:
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("credentials for [%s]; missing for [%s]", strings.Join(ready, ", "), strings.Join(missing, ", ")),
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("credentials configured for: %s", strings.Join(ready, ", "))}
}

// checkLLMConnectivity tests whether the default provider's endpoint answers.
func checkLLMConnectivity(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	var provider *config.ProviderConfig
	for i := range cfg.LLM.Providers {
		if cfg.LLM.Providers[i].Name == cfg.LLM.DefaultProvider {
			provider = &cfg.LLM.Providers[i]
			break
		}
	}
	if provider == nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("default provider %q not found in config", cfg.LLM.DefaultProvider),
		}
	}

	endpoint := providerEndpoint(provider)
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("invalid endpoint %s: %v", endpoint, err)}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot reach %s: %v", endpoint, err),
			Fix:     "Check base_url, the network and firewall settings",
		}
	}
	resp.Body.Close()

	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s reachable (latency: %dms)", provider.Name, time.Since(start).Milliseconds()),
	}
}

// providerEndpoint returns a URL that answers without a model call.
func providerEndpoint(p *config.ProviderConfig) string {
	switch p.Type {
	case "bedrock":
		return fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com/", p.Region)
	default:
		if p.BaseURL != "" {
			return strings.TrimRight(p.BaseURL, "/") + "/models"
		}
		return "https://api.openai.com/v1/models"
	}
}

// checkCheckpointStore opens the configured store and reads a probe thread.
func checkCheckpointStore(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	if cfg.Checkpoint.Backend == "memory" {
		return CheckResult{
			Status:  StatusWarn,
			Message: "memory backend, threads are lost on restart",
			Fix:     "Use checkpoint.backend file, sqlite or redis",
		}
	}

	store, closeStore, err := checkpoint.Open(ctx, cfg.Checkpoint, nil)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s backend unavailable: %v", cfg.Checkpoint.Backend, err),
		}
	}
	defer closeStore()

	if _, err := store.Load(ctx, "doctor-probe"); err != nil && !errors.Is(err, domain.ErrThreadNotFound) {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s backend read failed: %v", cfg.Checkpoint.Backend, err),
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s backend ready", cfg.Checkpoint.Backend)}
}

// checkThreadLock verifies the redis lock backend is reachable.
func checkThreadLock(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	if cfg.Lock.Backend != "redis" {
		return CheckResult{Status: StatusPass, Message: "in-process lock (single instance only)"}
	}
	client, err := checkpoint.NewRedisClient(ctx, cfg.Checkpoint.Redis)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("redis lock unavailable: %v", err),
			Fix:     "Check checkpoint.redis.url",
		}
	}
	client.Close()
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("redis lock reachable (ttl %s)", cfg.Lock.TTL)}
}

// checkCatalog opens the catalog and counts its datasets.
func checkCatalog(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	if cfg.Tools.Catalog.Backend != "sqlite" {
		return CheckResult{
			Status:  StatusWarn,
			Message: "no catalog backend, catalog tools are disabled",
			Fix:     "Set tools.catalog.backend: sqlite and tools.catalog.dsn",
		}
	}

	cat, err := catalog.NewSQLiteCatalog(cfg.Tools.Catalog.DSN)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("cannot open catalog: %v", err)}
	}
	defer cat.Close()

	var n int
	if err := cat.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM catalog_datasets`).Scan(&n); err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("cannot read catalog: %v", err)}
	}
	if n == 0 {
		return CheckResult{Status: StatusWarn, Message: "catalog is empty"}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d dataset(s) in %s", n, cfg.Tools.Catalog.DSN)}
}
