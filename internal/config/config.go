// Package config loads webforge runtime configuration from the environment.
//
// Values are read from a local .env file (when present) and then from the
// process environment, which always wins.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full runtime configuration of the server.
type Config struct {
	Environment string
	Port        string

	JWTSecret          string
	CORSAllowedOrigins []string

	Database   DatabaseConfig
	Redis      RedisConfig
	AI         AIConfig
	Sandbox    SandboxConfig
	Retry      RetryConfig
	Timeouts   TimeoutConfig
	Deployment DeploymentConfig
	Artifacts  ArtifactConfig
	RateLimit  RateLimitConfig
}

type DatabaseConfig struct {
	URL          string // postgres DSN; empty selects SQLite
	SQLitePath   string
	MaxIdleConns int
	MaxOpenConns int
	Debug        bool
}

type RedisConfig struct {
	URL       string
	StatusTTL time.Duration
}

type AIConfig struct {
	Provider          string // claude | openai | ollama
	Model             string
	AnthropicAPIKey   string
	OpenAIAPIKey      string
	OpenAIBaseURL     string
	OllamaURL         string
	MaxTokens         int
	Temperature       float64
	RequestsPerMinute int
	RequestTimeout    time.Duration
}

type SandboxConfig struct {
	Provider         string // docker | local
	DockerHost       string
	Image            string
	WorkspaceRoot    string
	LeaseTTL         time.Duration
	SweepInterval    time.Duration
	MemoryMB         int64
	CPUs             float64
	NetworkMode      string
	AppPort          int
	InstallCommand   string
	LintCommand      string
	DevCommand       string
	TemplatePackages []string
}

type RetryConfig struct {
	MaxImportRetries     int
	MaxValidationRetries int
	MaxRuntimeRetries    int
	MaxPlanningRetries   int
	MaxInfraRetries      int
	InfraBackoffBase     time.Duration
	InfraBackoffMax      time.Duration
}

type TimeoutConfig struct {
	Pipeline      time.Duration
	Stage         time.Duration
	Command       time.Duration
	BootWindow    time.Duration
	ProbeInterval time.Duration
}

type DeploymentConfig struct {
	ServiceURL       string
	APIKey           string
	RequestTimeout   time.Duration
	PollInterval     time.Duration
	JobTimeout       time.Duration
	MaxFixIterations int
	DefaultNetwork   string
	Verify           bool
}

type ArtifactConfig struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
	LocalDir string
}

type RateLimitConfig struct {
	BuildsPerMinute int
	Burst           int
}

// Load reads .env (if present) and the environment into a Config and
// validates it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		_ = godotenv.Load("../.env")
	}
	cfg := FromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds a Config from the current environment without validation.
func FromEnv() *Config {
	return &Config{
		Environment:        GetEnvironment(),
		Port:               envOr("PORT", "8080"),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		CORSAllowedOrigins: envList("CORS_ALLOWED_ORIGINS", nil),
		Database: DatabaseConfig{
			URL:          os.Getenv("DATABASE_URL"),
			SQLitePath:   envOr("SQLITE_PATH", "webforge.db"),
			MaxIdleConns: envInt("DB_MAX_IDLE_CONNS", 10),
			MaxOpenConns: envInt("DB_MAX_OPEN_CONNS", 100),
			Debug:        envBool("DB_DEBUG", false),
		},
		Redis: RedisConfig{
			URL:       os.Getenv("REDIS_URL"),
			StatusTTL: envDuration("REDIS_STATUS_TTL", 24*time.Hour),
		},
		AI: AIConfig{
			Provider:          strings.ToLower(envOr("AI_PROVIDER", "claude")),
			Model:             os.Getenv("AI_MODEL"),
			AnthropicAPIKey:   os.Getenv("ANTHROPIC_API_KEY"),
			OpenAIAPIKey:      os.Getenv("OPENAI_API_KEY"),
			OpenAIBaseURL:     envOr("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			OllamaURL:         envOr("OLLAMA_URL", "http://localhost:11434"),
			MaxTokens:         envInt("AI_MAX_TOKENS", 8000),
			Temperature:       envFloat("AI_TEMPERATURE", 0.2),
			RequestsPerMinute: envInt("AI_REQUESTS_PER_MINUTE", 60),
			RequestTimeout:    envDuration("AI_REQUEST_TIMEOUT", 120*time.Second),
		},
		Sandbox: SandboxConfig{
			Provider:         strings.ToLower(envOr("SANDBOX_PROVIDER", "docker")),
			DockerHost:       os.Getenv("SANDBOX_DOCKER_HOST"),
			Image:            envOr("SANDBOX_IMAGE", "node:20-slim"),
			WorkspaceRoot:    envOr("SANDBOX_WORKSPACE_ROOT", os.TempDir()+"/webforge-sandboxes"),
			LeaseTTL:         envDuration("SANDBOX_LEASE_TTL", 15*time.Minute),
			SweepInterval:    envDuration("SANDBOX_SWEEP_INTERVAL", time.Minute),
			MemoryMB:         int64(envInt("SANDBOX_MEMORY_MB", 1024)),
			CPUs:             envFloat("SANDBOX_CPUS", 1.0),
			NetworkMode:      envOr("SANDBOX_NETWORK_MODE", "bridge"),
			AppPort:          envInt("SANDBOX_APP_PORT", 5173),
			InstallCommand:   envOr("SANDBOX_INSTALL_COMMAND", "npm install --no-audit --no-fund --loglevel=error"),
			LintCommand:      envOr("SANDBOX_LINT_COMMAND", "npx --no-install tsc --noEmit --pretty false"),
			DevCommand:       envOr("SANDBOX_DEV_COMMAND", "npm run dev -- --host 0.0.0.0 --port $PORT"),
			TemplatePackages: envList("SANDBOX_TEMPLATE_PACKAGES", DefaultTemplatePackages),
		},
		Retry: RetryConfig{
			MaxImportRetries:     envInt("MAX_IMPORT_RETRIES", 3),
			MaxValidationRetries: envInt("MAX_VALIDATION_RETRIES", 3),
			MaxRuntimeRetries:    envInt("MAX_RUNTIME_RETRIES", 3),
			MaxPlanningRetries:   envInt("MAX_PLANNING_RETRIES", 1),
			MaxInfraRetries:      envInt("MAX_INFRA_RETRIES", 3),
			InfraBackoffBase:     envDuration("INFRA_BACKOFF_BASE", 500*time.Millisecond),
			InfraBackoffMax:      envDuration("INFRA_BACKOFF_MAX", 8*time.Second),
		},
		Timeouts: TimeoutConfig{
			Pipeline:      envDuration("PIPELINE_TIMEOUT", 20*time.Minute),
			Stage:         envDuration("STAGE_TIMEOUT", 5*time.Minute),
			Command:       envDuration("COMMAND_TIMEOUT", 3*time.Minute),
			BootWindow:    envDuration("BOOT_WINDOW", 45*time.Second),
			ProbeInterval: envDuration("BOOT_PROBE_INTERVAL", 500*time.Millisecond),
		},
		Deployment: DeploymentConfig{
			ServiceURL:       envOr("ACADEMIC_CHAIN_URL", "https://evi-v4-production.up.railway.app"),
			APIKey:           os.Getenv("ACADEMIC_CHAIN_API_KEY"),
			RequestTimeout:   envDuration("DEPLOY_REQUEST_TIMEOUT", 300*time.Second),
			PollInterval:     envDuration("DEPLOY_POLL_INTERVAL", 3*time.Second),
			JobTimeout:       envDuration("DEPLOY_JOB_TIMEOUT", 300*time.Second),
			MaxFixIterations: envInt("DEPLOY_MAX_FIX_ITERATIONS", 3),
			DefaultNetwork:   envOr("DEPLOY_DEFAULT_NETWORK", "basecamp-testnet"),
			Verify:           envBool("DEPLOY_VERIFY_CONTRACTS", false),
		},
		Artifacts: ArtifactConfig{
			Bucket:   os.Getenv("ARTIFACT_BUCKET"),
			Region:   envOr("AWS_REGION", "us-east-1"),
			Endpoint: os.Getenv("ARTIFACT_S3_ENDPOINT"),
			Prefix:   envOr("ARTIFACT_PREFIX", "projects"),
			LocalDir: os.Getenv("ARTIFACT_DIR"),
		},
		RateLimit: RateLimitConfig{
			BuildsPerMinute: envInt("API_BUILDS_PER_MINUTE", 30),
			Burst:           envInt("API_BUILDS_BURST", 5),
		},
	}
}

// DefaultTemplatePackages are the packages preinstalled in the sandbox
// template image used for React/Vite projects.
var DefaultTemplatePackages = []string{
	"react",
	"react-dom",
	"vite",
	"@vitejs/plugin-react",
	"typescript",
	"ethers",
}

func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction || c.Environment == "prod"
}

// Validate checks secrets and basic ranges.
func (c *Config) Validate() error {
	verr := validateSecrets(c)
	if c.Retry.MaxImportRetries < 0 || c.Retry.MaxValidationRetries < 0 || c.Retry.MaxRuntimeRetries < 0 {
		verr.Invalid = append(verr.Invalid, "retry maxima must not be negative")
	}
	if c.Timeouts.Stage <= 0 || c.Timeouts.Pipeline <= 0 {
		verr.Invalid = append(verr.Invalid, "PIPELINE_TIMEOUT and STAGE_TIMEOUT must be positive")
	}
	switch c.Sandbox.Provider {
	case "docker", "local":
	default:
		verr.Invalid = append(verr.Invalid, fmt.Sprintf("SANDBOX_PROVIDER %q: want docker or local", c.Sandbox.Provider))
	}
	if verr.HasErrors() {
		return verr
	}
	return nil
}

// Warnings returns non-fatal configuration findings.
func (c *Config) Warnings() []string {
	return validateSecrets(c).Warnings
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envList(key string, fallback []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return append([]string(nil), fallback...)
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
