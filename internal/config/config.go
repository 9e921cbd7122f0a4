package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Roles understood by the control plane. Routes declare which subset may
// call them; there is no hierarchy between roles.
const (
	RoleAdmin  = "admin"
	RoleUser   = "user"
	RoleRunner = "runner"
)

var validRoles = map[string]bool{
	RoleAdmin:  true,
	RoleUser:   true,
	RoleRunner: true,
}

// Config models sessiongate.yml. It is loaded once at process start and
// passed to handlers as a read-only value; nothing mutates it at runtime.
type Config struct {
	Token struct {
		Secret     string `yaml:"secret"`
		Issuer     string `yaml:"issuer"`
		Audience   string `yaml:"audience"`
		TTLSeconds int    `yaml:"ttl_seconds"`
	} `yaml:"token"`
	Credentials []Credential `yaml:"credentials"`
	Storage     struct {
		Endpoint          string   `yaml:"endpoint"`
		Region            string   `yaml:"region"`
		Bucket            string   `yaml:"bucket"`
		AccessKey         string   `yaml:"access_key"`
		SecretKey         string   `yaml:"secret_key"`
		UseSSL            bool     `yaml:"use_ssl"`
		PresignTTLSeconds int      `yaml:"presign_ttl_seconds"`
		MaxArtifactBytes  int64    `yaml:"max_artifact_size_bytes"`
		AllowedTypes      []string `yaml:"allowed_content_types"`
	} `yaml:"storage"`
	Gates struct {
		MinCoveragePercent float64 `yaml:"min_coverage_percent"`
	} `yaml:"gates"`
}

// Credential is one allow-list entry. KeyHash is the SHA-256 hex digest of
// the shared secret; plaintext keys never appear in config.
type Credential struct {
	KeyHash string   `yaml:"key_hash"`
	Subject string   `yaml:"subject"`
	Roles   []string `yaml:"roles"`
}

// HashKey returns a stable SHA-256 hex digest for an API key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// Lookup finds the allow-list entry matching a raw API key.
func (c *Config) Lookup(key string) (Credential, bool) {
	hash := HashKey(key)
	for _, cred := range c.Credentials {
		if cred.KeyHash == hash {
			return cred, true
		}
	}
	return Credential{}, false
}

// AllowsRole reports whether the credential may request the given role.
func (c Credential) AllowsRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// ContentTypeAllowed checks the configured upload allow-list.
func (c *Config) ContentTypeAllowed(contentType string) bool {
	for _, t := range c.Storage.AllowedTypes {
		if strings.EqualFold(t, contentType) {
			return true
		}
	}
	return false
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Token.Secret) == "" {
		return fmt.Errorf("config.token.secret is required")
	}
	if c.Token.Issuer == "" {
		return fmt.Errorf("config.token.issuer is required")
	}
	if c.Token.Audience == "" {
		return fmt.Errorf("config.token.audience is required")
	}
	if c.Token.TTLSeconds <= 0 {
		return fmt.Errorf("config.token.ttl_seconds must be positive")
	}
	for i, cred := range c.Credentials {
		if cred.KeyHash == "" {
			return fmt.Errorf("credential %d: key_hash is required", i)
		}
		if cred.Subject == "" {
			return fmt.Errorf("credential %d: subject is required", i)
		}
		if len(cred.Roles) == 0 {
			return fmt.Errorf("credential %s: at least one role is required", cred.Subject)
		}
		for _, role := range cred.Roles {
			if !validRoles[role] {
				return fmt.Errorf("credential %s: unknown role %s", cred.Subject, role)
			}
		}
	}
	if c.Storage.Bucket == "" {
		return fmt.Errorf("config.storage.bucket is required")
	}
	if c.Storage.PresignTTLSeconds <= 0 {
		return fmt.Errorf("config.storage.presign_ttl_seconds must be positive")
	}
	if c.Storage.MaxArtifactBytes <= 0 {
		return fmt.Errorf("config.storage.max_artifact_size_bytes must be positive")
	}
	if len(c.Storage.AllowedTypes) == 0 {
		return fmt.Errorf("config.storage.allowed_content_types is required")
	}
	if c.Gates.MinCoveragePercent < 0 || c.Gates.MinCoveragePercent > 100 {
		return fmt.Errorf("config.gates.min_coverage_percent must be within [0,100]")
	}
	return nil
}

// Default returns a usable config for local development and tests. The
// token secret is a placeholder callers must override outside tests.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `token:
  secret: dev-secret-change-me
  issuer: sessiongate
  audience: sessiongate-api
  ttl_seconds: 3600

credentials: []

storage:
  endpoint: localhost:9000
  region: us-east-1
  bucket: sessiongate-artifacts
  access_key: minioadmin
  secret_key: minioadmin
  use_ssl: false
  presign_ttl_seconds: 900
  max_artifact_size_bytes: 52428800
  allowed_content_types:
    - application/json
    - application/pdf
    - application/zip
    - application/gzip
    - text/plain
    - text/markdown
    - text/html

gates:
  min_coverage_percent: 80
`
