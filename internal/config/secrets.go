package config

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"strings"
	"unicode"
)

// Environment names.
const (
	EnvProduction  = "production"
	EnvStaging     = "staging"
	EnvDevelopment = "development"
	EnvTest        = "test"
)

const (
	MinJWTSecretLength = 32
	minSecretEntropy   = 3.0
)

// ValidationError collects configuration problems. Missing and Invalid are
// fatal; Warnings are logged at startup.
type ValidationError struct {
	Missing  []string
	Invalid  []string
	Warnings []string
}

func (e *ValidationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "invalid: "+strings.Join(e.Invalid, ", "))
	}
	return "configuration error: " + strings.Join(parts, "; ")
}

func (e *ValidationError) HasErrors() bool {
	return len(e.Missing) > 0 || len(e.Invalid) > 0
}

// GetEnvironment resolves the deployment environment name from the first of
// GO_ENV, WEBFORGE_ENV, ENVIRONMENT and ENV that is set.
func GetEnvironment() string {
	for _, key := range []string{"GO_ENV", "WEBFORGE_ENV", "ENVIRONMENT", "ENV"} {
		if env := os.Getenv(key); env != "" {
			return strings.ToLower(env)
		}
	}
	return EnvDevelopment
}

func IsProductionEnvironment() bool {
	env := GetEnvironment()
	return env == EnvProduction || env == "prod"
}

// secretChecker records findings with production severity: problems that
// only warn during development are fatal in production.
type secretChecker struct {
	production bool
	verr       ValidationError
}

func (s *secretChecker) missing(name, devNote string) {
	if s.production {
		s.verr.Missing = append(s.verr.Missing, name)
		return
	}
	s.verr.Warnings = append(s.verr.Warnings, fmt.Sprintf("%s not set; %s", name, devNote))
}

func (s *secretChecker) invalid(name string, err error) {
	msg := fmt.Sprintf("%s: %v", name, err)
	if s.production {
		s.verr.Invalid = append(s.verr.Invalid, msg)
		return
	}
	s.verr.Warnings = append(s.verr.Warnings, msg)
}

// validateSecrets checks the credentials carried by cfg.
func validateSecrets(cfg *Config) *ValidationError {
	s := &secretChecker{production: cfg.IsProduction()}

	if cfg.JWTSecret == "" {
		s.missing("JWT_SECRET", "API authentication disabled")
	} else if err := validateJWTSecret(cfg.JWTSecret); err != nil {
		s.invalid("JWT_SECRET", err)
	}

	if cfg.Database.URL == "" {
		s.missing("DATABASE_URL", "using SQLite at "+cfg.Database.SQLitePath)
	} else if err := validateDatabaseURL(cfg.Database.URL); err != nil {
		s.invalid("DATABASE_URL", err)
	}

	switch strings.ToLower(cfg.AI.Provider) {
	case "claude", "anthropic":
		if cfg.AI.AnthropicAPIKey == "" {
			s.missing("ANTHROPIC_API_KEY", "builds cannot be planned")
		}
	case "openai":
		if cfg.AI.OpenAIAPIKey == "" {
			s.missing("OPENAI_API_KEY", "builds cannot be planned")
		}
	}

	if cfg.Deployment.ServiceURL != "" && cfg.Deployment.APIKey == "" {
		s.missing("ACADEMIC_CHAIN_API_KEY", "deployment requests are unauthenticated")
	}

	if cfg.Redis.URL != "" {
		if u, err := url.Parse(cfg.Redis.URL); err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
			s.invalid("REDIS_URL", errors.New("must be a redis:// or rediss:// URL"))
		}
	}

	keyID, secret := os.Getenv("ARTIFACT_ACCESS_KEY_ID"), os.Getenv("ARTIFACT_SECRET_ACCESS_KEY")
	if (keyID == "") != (secret == "") {
		s.invalid("ARTIFACT_ACCESS_KEY_ID/ARTIFACT_SECRET_ACCESS_KEY", errors.New("set both or neither"))
	}
	return &s.verr
}

var weakSecretFragments = []string{
	"secret", "changeme", "password", "example", "default",
	"placeholder", "replace-me", "your-", "webforge",
}

// jwtSecretRules run in order; the first failure is reported.
var jwtSecretRules = []func(string) error{
	func(s string) error {
		if len(s) < MinJWTSecretLength {
			return fmt.Errorf("must be at least %d characters", MinJWTSecretLength)
		}
		return nil
	},
	func(s string) error {
		lower := strings.ToLower(s)
		for _, weak := range weakSecretFragments {
			if strings.Contains(lower, weak) {
				return fmt.Errorf("contains placeholder value %q", weak)
			}
		}
		return nil
	},
	func(s string) error {
		if strings.IndexFunc(s, func(r rune) bool { return !unicode.IsLetter(r) }) < 0 {
			return errors.New("must contain non-letter characters")
		}
		if strings.IndexFunc(s, func(r rune) bool { return !unicode.IsDigit(r) }) < 0 {
			return errors.New("must contain non-digit characters")
		}
		return nil
	},
	func(s string) error {
		if e := shannonEntropy(s); e < minSecretEntropy {
			return fmt.Errorf("entropy too low (%.1f bits/char, need >= %.1f)", e, minSecretEntropy)
		}
		return nil
	},
	func(s string) error {
		if repeats(s) {
			return errors.New("is a repeating pattern")
		}
		return nil
	},
}

func validateJWTSecret(secret string) error {
	for _, rule := range jwtSecretRules {
		if err := rule(secret); err != nil {
			return err
		}
	}
	return nil
}

func validateDatabaseURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed URL: %w", err)
	}
	if parsed.Scheme != "postgres" && parsed.Scheme != "postgresql" {
		return errors.New("must be a postgres:// or postgresql:// URL")
	}
	if parsed.Hostname() == "" {
		return errors.New("must include a hostname")
	}
	if password, ok := parsed.User.Password(); ok {
		for _, weak := range []string{"password", "postgres", "changeme", "example"} {
			if strings.EqualFold(password, weak) {
				return fmt.Errorf("password %q is a known default", weak)
			}
		}
	}
	return nil
}

// shannonEntropy is the Shannon entropy of s in bits per character.
func shannonEntropy(s string) float64 {
	runes := []rune(s)
	if len(runes) == 0 {
		return 0
	}
	freq := make(map[rune]int)
	for _, r := range runes {
		freq[r]++
	}
	n := float64(len(runes))
	var h float64
	for _, c := range freq {
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}

// repeats reports whether s is a shorter prefix repeated, like "abcabc".
func repeats(s string) bool {
	if len(s) < 6 {
		return false
	}
	for size := 1; size <= len(s)/2; size++ {
		if len(s)%size == 0 && strings.Repeat(s[:size], len(s)/size) == s {
			return true
		}
	}
	return false
}
