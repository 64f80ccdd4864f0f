package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CHATRELAY_"

// KeyEnv names the variable holding the passphrase for enc: values.
const KeyEnv = EnvPrefix + "CONFIG_KEY"

const encPrefix = "enc:"

// Config is the root configuration.
type Config struct {
	Includes       []string             `yaml:"includes,omitempty"`
	Server         ServerConfig         `yaml:"server"`
	Engine         EngineConfig         `yaml:"engine"`
	Providers      []ProviderConfig     `yaml:"providers"`
	Transport      TransportConfig      `yaml:"transport"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	Budget         BudgetConfig         `yaml:"budget"`
	Tools          ToolsConfig          `yaml:"tools"`
	Auth           AuthConfig           `yaml:"auth"`
	Logger         LoggerConfig         `yaml:"logger"`
	Tracer         TracerConfig         `yaml:"tracer"`
}

// ServerConfig holds the HTTP and WebSocket listener settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	DeadlineMargin  time.Duration `yaml:"deadline_margin"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	WebSocket       bool          `yaml:"websocket"`
	AllowedOrigins  []string      `yaml:"allowed_origins,omitempty"`
	// Per-client-IP request limit; 0 disables it.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// EngineConfig tunes the conversation loop.
type EngineConfig struct {
	MaxIterations     int           `yaml:"max_iterations"`
	AnswerThreshold   int           `yaml:"answer_threshold"`
	ToolFinishReasons []string      `yaml:"tool_finish_reasons"`
	ToolConcurrency   int           `yaml:"tool_concurrency"`
	ToolTimeout       time.Duration `yaml:"tool_timeout"`
	Temperature       float64       `yaml:"temperature"`
	MaxTokens         int           `yaml:"max_tokens"`
	SystemPrompt      string        `yaml:"system_prompt"`
}

// ProviderConfig describes one provider candidate of the fallback pool.
type ProviderConfig struct {
	ID           string   `yaml:"id"`
	Type         string   `yaml:"type"`
	APIKey       string   `yaml:"api_key"`
	BaseURL      string   `yaml:"base_url,omitempty"`
	Models       []string `yaml:"models,omitempty"`
	DefaultModel string   `yaml:"default_model,omitempty"`
	ComplexModel string   `yaml:"complex_model,omitempty"`
	Tier         string   `yaml:"tier"` // "free" or "paid"
	RPM          int      `yaml:"rpm,omitempty"`
	TPM          int      `yaml:"tpm,omitempty"`
}

// TransportConfig holds the shared provider HTTP client settings.
type TransportConfig struct {
	ConnTimeout  time.Duration `yaml:"conn_timeout"`
	RespTimeout  time.Duration `yaml:"resp_timeout"`
	ThrottleWait time.Duration `yaml:"throttle_wait"`
	Pool         PoolConfig    `yaml:"pool"`
}

// PoolConfig holds HTTP connection pool settings for providers.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// CircuitBreakerConfig holds the per-candidate breaker settings.
type CircuitBreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// RateLimitConfig lists the provider error codes and message fragments
// treated as rate limits.
type RateLimitConfig struct {
	Codes    []string `yaml:"codes"`
	Patterns []string `yaml:"patterns"`
}

// BudgetConfig holds the token budget table and truncation ceilings.
type BudgetConfig struct {
	Encoding             string         `yaml:"encoding"`
	CharsPerToken        int            `yaml:"chars_per_token"`
	DefaultMaxInfoTokens int            `yaml:"default_max_info_tokens"`
	Models               map[string]int `yaml:"models"` // model id → max info tokens
	PerResultMaxChars    int            `yaml:"per_result_max_chars"`
	ResponseMaxChars     int            `yaml:"response_max_chars"`
	ResponseMaxTokens    int            `yaml:"response_max_tokens"`
	SafetyNetItems       int            `yaml:"safety_net_items"`
	SafetyNetItemChars   int            `yaml:"safety_net_item_chars"`
}

// ToolsConfig holds the built-in tools and MCP servers.
type ToolsConfig struct {
	Search SearchConfig `yaml:"search"`
	Scrape ScrapeConfig `yaml:"scrape"`
	MCP    []MCPServer  `yaml:"mcp,omitempty"`
}

// SearchConfig configures web_search.
type SearchConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Backend       string        `yaml:"backend"` // "searxng" or "brave"
	SearXNGURL    string        `yaml:"searxng_url,omitempty"`
	BraveAPIKey   string        `yaml:"brave_api_key,omitempty"`
	BraveEndpoint string        `yaml:"brave_endpoint,omitempty"`
	Timeout       time.Duration `yaml:"timeout"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	PerMinute     int           `yaml:"per_minute"`
}

// ScrapeConfig configures scrape_pages.
type ScrapeConfig struct {
	Enabled      bool          `yaml:"enabled"`
	MaxPages     int           `yaml:"max_pages"`
	Concurrency  int           `yaml:"concurrency"`
	MaxPageBytes int64         `yaml:"max_page_bytes"`
	UserAgent    string        `yaml:"user_agent,omitempty"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRedirects int           `yaml:"max_redirects"`
}

// MCPServer configures an MCP server connection.
type MCPServer struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"` // "stdio" or "http"
	Command   string            `yaml:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty"`
	URL       string            `yaml:"url,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
	Timeout   time.Duration     `yaml:"timeout,omitempty"`
}

// AuthConfig holds the static bearer tokens accepted by the chat endpoints.
// No tokens means the endpoints are open.
type AuthConfig struct {
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

// TokenConfig is one named client token.
type TokenConfig struct {
	Name  string `yaml:"name"`
	Token string `yaml:"token"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			RequestTimeout:    5 * time.Minute,
			DeadlineMargin:    5 * time.Second,
			ShutdownTimeout:   15 * time.Second,
			MaxBodyBytes:      1 << 20,
			WebSocket:         true,
			RequestsPerSecond: 2,
			Burst:             10,
		},
		Engine: EngineConfig{
			MaxIterations:     20,
			AnswerThreshold:   50,
			ToolFinishReasons: []string{"tool_calls"},
			ToolConcurrency:   4,
			ToolTimeout:       60 * time.Second,
			Temperature:       0.3,
			SystemPrompt:      "You are a helpful research assistant. Use the tools to look things up and cite the sources you used.",
		},
		Transport: TransportConfig{
			ConnTimeout:  30 * time.Second,
			RespTimeout:  120 * time.Second,
			ThrottleWait: 10 * time.Second,
			Pool: PoolConfig{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				MaxConnsPerHost:     20,
				IdleConnTimeout:     120 * time.Second,
			},
		},
		CircuitBreaker: CircuitBreakerConfig{
			MaxFailures: 3,
			Timeout:     60 * time.Second,
			Interval:    2 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			Codes:    []string{"rate_limit_exceeded", "rate_limit_error", "insufficient_quota", "resource_exhausted", "too_many_requests"},
			Patterns: []string{"rate limit", "rate_limit", "tokens per day", "too many requests", "429"},
		},
		Budget: BudgetConfig{
			Encoding:             "cl100k_base",
			CharsPerToken:        4,
			DefaultMaxInfoTokens: 4000,
			Models: map[string]int{
				"llama-3.1-8b-instant":    2500,
				"llama-3.3-70b-versatile": 5000,
				"gemma2-9b-it":            3000,
				"gpt-4o-mini":             12000,
				"gpt-4o":                  16000,
			},
			PerResultMaxChars:  5000,
			ResponseMaxChars:   20000,
			ResponseMaxTokens:  6000,
			SafetyNetItems:     3,
			SafetyNetItemChars: 500,
		},
		Tools: ToolsConfig{
			Search: SearchConfig{
				Enabled:    true,
				Backend:    "searxng",
				SearXNGURL: "http://localhost:8888",
				Timeout:    15 * time.Second,
				CacheTTL:   15 * time.Minute,
				PerMinute:  30,
			},
			Scrape: ScrapeConfig{
				Enabled:      true,
				MaxPages:     10,
				Concurrency:  4,
				MaxPageBytes: 2 << 20,
				Timeout:      20 * time.Second,
				MaxRedirects: 5,
			},
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "json",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env overrides, decrypts enc:
// values and validates the result. A missing file yields the defaults
// with env overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := parseFile(cfg, path, data); err != nil {
			return nil, err
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("read config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv(KeyEnv); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	} else if field := firstEncrypted(cfg); field != "" {
		return nil, fmt.Errorf("%s is encrypted but %s is not set", field, KeyEnv)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseFile(cfg *Config, path string, data []byte) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if err := checkPermissions(absPath); err != nil {
		return err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if len(cfg.Includes) == 0 {
		return nil
	}

	// Included files are layered first; the main file is re-applied on
	// top so its values win.
	if err := mergeIncludes(cfg, filepath.Dir(absPath), map[string]bool{absPath: true}, 0); err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	cfg.Includes = nil
	return nil
}

// ApplyEnvOverrides maps CHATRELAY_* env vars onto cfg. Provider API keys
// are read from CHATRELAY_PROVIDER_<ID>_API_KEY when the file leaves them
// empty.
func ApplyEnvOverrides(cfg *Config) {
	setString(&cfg.Server.Addr, "SERVER_ADDR")
	setDuration(&cfg.Server.RequestTimeout, "SERVER_REQUEST_TIMEOUT")
	setString(&cfg.Logger.Level, "LOGGER_LEVEL")
	setString(&cfg.Logger.Format, "LOGGER_FORMAT")
	setString(&cfg.Logger.Output, "LOGGER_OUTPUT")
	if v := os.Getenv(EnvPrefix + "TRACER_ENABLED"); v != "" {
		cfg.Tracer.Enabled, _ = strconv.ParseBool(v)
	}
	setString(&cfg.Tracer.Exporter, "TRACER_EXPORTER")
	setInt(&cfg.Engine.MaxIterations, "ENGINE_MAX_ITERATIONS")
	setInt(&cfg.Engine.AnswerThreshold, "ENGINE_ANSWER_THRESHOLD")
	setString(&cfg.Engine.SystemPrompt, "ENGINE_SYSTEM_PROMPT")
	setString(&cfg.Tools.Search.Backend, "TOOLS_SEARCH_BACKEND")
	setString(&cfg.Tools.Search.SearXNGURL, "TOOLS_SEARCH_SEARXNG_URL")
	setString(&cfg.Tools.Search.BraveAPIKey, "TOOLS_SEARCH_BRAVE_API_KEY")

	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.APIKey == "" {
			p.APIKey = os.Getenv(ProviderKeyEnv(p.ID))
		}
	}

	if v := os.Getenv(EnvPrefix + "AUTH_TOKENS"); v != "" {
		cfg.Auth.Tokens = nil
		for i, tok := range splitAndTrim(v, ",") {
			if tok != "" {
				cfg.Auth.Tokens = append(cfg.Auth.Tokens, TokenConfig{Name: "env-" + strconv.Itoa(i), Token: tok})
			}
		}
	}
}

// ProviderKeyEnv returns the env var holding the API key of provider id.
func ProviderKeyEnv(id string) string {
	return EnvPrefix + "PROVIDER_" + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(id)) + "_API_KEY"
}

func setString(dst *string, key string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// secretFields returns the string fields that may hold an enc: value,
// labelled for error messages. MCP env values are map entries and are
// handled separately.
func secretFields(cfg *Config) map[string]*string {
	fields := map[string]*string{
		"tools.search.brave_api_key": &cfg.Tools.Search.BraveAPIKey,
	}
	for i := range cfg.Providers {
		fields[fmt.Sprintf("providers[%s].api_key", cfg.Providers[i].ID)] = &cfg.Providers[i].APIKey
	}
	for i := range cfg.Auth.Tokens {
		fields[fmt.Sprintf("auth.tokens[%s]", cfg.Auth.Tokens[i].Name)] = &cfg.Auth.Tokens[i].Token
	}
	return fields
}

func decryptSecrets(cfg *Config, passphrase string) error {
	for name, fp := range secretFields(cfg) {
		if !strings.HasPrefix(*fp, encPrefix) {
			continue
		}
		plain, err := DecryptValue(strings.TrimPrefix(*fp, encPrefix), passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*fp = plain
	}
	for i := range cfg.Tools.MCP {
		srv := &cfg.Tools.MCP[i]
		for k, v := range srv.Env {
			if !strings.HasPrefix(v, encPrefix) {
				continue
			}
			plain, err := DecryptValue(strings.TrimPrefix(v, encPrefix), passphrase)
			if err != nil {
				return fmt.Errorf("tools.mcp[%s].env.%s: %w", srv.Name, k, err)
			}
			srv.Env[k] = plain
		}
	}
	return nil
}

func firstEncrypted(cfg *Config) string {
	for name, fp := range secretFields(cfg) {
		if strings.HasPrefix(*fp, encPrefix) {
			return name
		}
	}
	for _, srv := range cfg.Tools.MCP {
		for k, v := range srv.Env {
			if strings.HasPrefix(v, encPrefix) {
				return fmt.Sprintf("tools.mcp[%s].env.%s", srv.Name, k)
			}
		}
	}
	return ""
}

// EncryptValue encrypts plaintext with AES-256-GCM under a key derived
// from passphrase. The result is hex(salt) ":" hex(nonce+ciphertext),
// to be stored in config with the enc: prefix.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(sealed), nil
}

// DecryptValue reverses EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plain), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	// Argon2id, 1 pass, 64 MiB, 4 lanes, 32-byte key.
	key := argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// checkPermissions rejects config files writable by group or others.
func checkPermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	if mode := info.Mode().Perm(); mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
