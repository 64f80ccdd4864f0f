package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"chatrelay/internal/adapter/llm"
	"chatrelay/internal/infra/config"
	"chatrelay/internal/usecase/budget"
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
	Fn   func(cfg *config.Config) CheckResult
}

const pingTimeout = 10 * time.Second

var notLoaded = CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}

// runDoctor executes all health checks and reports results.
func runDoctor() error {
	cfgPath := configPath()
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Provider keys", Fn: checkProviderKeys},
		{Name: "Provider connectivity", Fn: checkProviderConnectivity},
		{Name: "Token budgets", Fn: checkBudgetCoverage},
		{Name: "Search backend", Fn: checkSearchBackend},
		{Name: "MCP servers", Fn: checkMCPServers},
		{Name: "Client auth", Fn: checkAuth},
	}

	fmt.Println("relay doctor")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Printf("  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Printf("      Fix: %s\n", result.Fix)
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

	fmt.Println()
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)
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

func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, running on defaults and CHATRELAY_* variables", cfgPath),
				Fix:     "Create config.yaml or pass --config",
			}
		}
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Run 'relay validate' and fix the listed fields",
			}
		}
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("config loaded from %s", cfgPath)}
	}
}

func checkProviderKeys(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	if len(cfg.Providers) == 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: "no providers configured",
			Fix:     "Add at least one entry under providers in config.yaml",
		}
	}

	var free, paid []string
	for _, p := range cfg.Providers {
		if p.Tier == "free" {
			free = append(free, p.ID)
		} else {
			paid = append(paid, p.ID)
		}
	}
	msg := fmt.Sprintf("%d provider(s): free [%s], paid [%s]", len(cfg.Providers), strings.Join(free, ", "), strings.Join(paid, ", "))
	if len(free) == 0 || len(paid) == 0 {
		return CheckResult{Status: StatusWarn, Message: msg + "; fallback has only one tier"}
	}
	return CheckResult{Status: StatusPass, Message: msg}
}

// checkProviderConnectivity lists models on every provider.
func checkProviderConnectivity(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	if len(cfg.Providers) == 0 {
		return CheckResult{Status: StatusWarn, Message: "skipped, no providers"}
	}

	var ok, failed []string
	for _, p := range cfg.Providers {
		latency, err := pingProvider(p)
		if err != nil {
			failed = append(failed, fmt.Sprintf("%s (%v)", p.ID, err))
			continue
		}
		ok = append(ok, fmt.Sprintf("%s %dms", p.ID, latency.Milliseconds()))
	}
	switch {
	case len(ok) == 0:
		return CheckResult{
			Status:  StatusFail,
			Message: "no provider reachable: " + strings.Join(failed, "; "),
			Fix:     "Check API keys, base_url and network access",
		}
	case len(failed) > 0:
		return CheckResult{Status: StatusWarn, Message: fmt.Sprintf("reachable [%s]; failing [%s]", strings.Join(ok, ", "), strings.Join(failed, "; "))}
	default:
		return CheckResult{Status: StatusPass, Message: "reachable: " + strings.Join(ok, ", ")}
	}
}

func pingProvider(p config.ProviderConfig) (time.Duration, error) {
	base := p.BaseURL
	if base == "" {
		base = llm.DefaultBaseURL(p.Type)
	}
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/models", nil)
	if err != nil {
		return 0, err
	}
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}
	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return time.Since(start), nil
}

// checkBudgetCoverage warns about provider models without a budget entry;
// they get the default information budget.
func checkBudgetCoverage(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	table := budget.NewTable(cfg.Budget.Models, cfg.Budget.DefaultMaxInfoTokens)
	seen := make(map[string]bool)
	var missing []string
	for _, p := range cfg.Providers {
		models := append([]string{p.DefaultModel, p.ComplexModel}, p.Models...)
		for _, m := range models {
			if m == "" || seen[m] {
				continue
			}
			seen[m] = true
			if !table.Has(m) {
				missing = append(missing, m)
			}
		}
	}
	if len(missing) > 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("no budget for [%s], using default %d tokens", strings.Join(missing, ", "), table.Default().MaxInfoTokens),
			Fix:     "Add the models under budget.models",
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d model(s) covered", len(seen))}
}

func checkSearchBackend(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	s := cfg.Tools.Search
	if !s.Enabled {
		return CheckResult{Status: StatusPass, Message: "web_search disabled"}
	}
	if s.Backend == "brave" {
		if s.BraveAPIKey == "" {
			return CheckResult{Status: StatusFail, Message: "brave backend without API key", Fix: "Set CHATRELAY_TOOLS_SEARCH_BRAVE_API_KEY"}
		}
		return CheckResult{Status: StatusPass, Message: "brave backend configured"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.SearXNGURL, nil)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("bad searxng_url: %v", err)}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("SearXNG not reachable at %s: %v", s.SearXNGURL, err),
			Fix:     "Start SearXNG with JSON output enabled, or switch tools.search.backend to brave",
		}
	}
	resp.Body.Close()
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("SearXNG reachable at %s", s.SearXNGURL)}
}

func checkMCPServers(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	if len(cfg.Tools.MCP) == 0 {
		return CheckResult{Status: StatusPass, Message: "no MCP servers configured"}
	}
	var missing []string
	for _, m := range cfg.Tools.MCP {
		if m.Transport != "stdio" {
			continue
		}
		if _, err := exec.LookPath(m.Command); err != nil {
			missing = append(missing, fmt.Sprintf("%s (%s)", m.Name, m.Command))
		}
	}
	if len(missing) > 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: "commands not found: " + strings.Join(missing, ", "),
			Fix:     "Install the MCP server binaries or fix tools.mcp[].command",
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d server(s) configured", len(cfg.Tools.MCP))}
}

func checkAuth(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	if len(cfg.Auth.Tokens) == 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: "no client tokens, chat endpoints are open",
			Fix:     "Set auth.tokens or CHATRELAY_AUTH_TOKENS",
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d client token(s)", len(cfg.Auth.Tokens))}
}
