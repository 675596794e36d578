package jwt

import (
	"errors"
	"fmt"
	"time"
)

// Signing algorithm names accepted in Config.Algorithms.
const (
	AlgHS256 = "HS256"
	AlgHS384 = "HS384"
	AlgHS512 = "HS512"
	AlgRS256 = "RS256"
	AlgRS384 = "RS384"
	AlgRS512 = "RS512"
	AlgPS256 = "PS256"
	AlgPS384 = "PS384"
	AlgPS512 = "PS512"
	AlgES256 = "ES256"
	AlgES384 = "ES384"
	AlgES512 = "ES512"
	AlgEdDSA = "EdDSA"
)

// DefaultClockSkew is the default allowed clock skew.
const DefaultClockSkew = 30 * time.Second

// Config represents token validation configuration.
type Config struct {
	// Algorithms is the allow-list of signing algorithms.
	Algorithms []string `yaml:"algorithms" json:"algorithms"`

	// Secret is the shared HMAC secret for HS* algorithms.
	Secret string `yaml:"secret,omitempty" json:"-"`

	// PublicKeyPEM is a PEM-encoded public key for asymmetric algorithms.
	PublicKeyPEM string `yaml:"publicKeyPEM,omitempty" json:"publicKeyPEM,omitempty"`

	// Issuer is the expected token issuer. Empty disables the check.
	Issuer string `yaml:"issuer,omitempty" json:"issuer,omitempty"`

	// Audience lists accepted audiences. Empty disables the check.
	Audience []string `yaml:"audience,omitempty" json:"audience,omitempty"`

	// ClockSkew is the allowed clock skew for exp and nbf.
	ClockSkew time.Duration `yaml:"clockSkew,omitempty" json:"clockSkew,omitempty"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("jwt config is nil")
	}
	if len(c.Algorithms) == 0 {
		return errors.New("at least one algorithm is required")
	}

	needsSecret, needsKey := false, false
	for _, alg := range c.Algorithms {
		switch {
		case isHMAC(alg):
			needsSecret = true
		case isAsymmetric(alg):
			needsKey = true
		default:
			return fmt.Errorf("unsupported algorithm: %s", alg)
		}
	}

	if needsSecret && c.Secret == "" {
		return errors.New("secret is required for HMAC algorithms")
	}
	if needsKey && c.PublicKeyPEM == "" {
		return errors.New("publicKeyPEM is required for asymmetric algorithms")
	}
	if needsSecret && needsKey {
		return errors.New("HMAC and asymmetric algorithms cannot be mixed")
	}
	if c.ClockSkew < 0 {
		return errors.New("clockSkew must be non-negative")
	}

	return nil
}

// GetEffectiveClockSkew returns the clock skew, falling back to the default.
func (c *Config) GetEffectiveClockSkew() time.Duration {
	if c.ClockSkew > 0 {
		return c.ClockSkew
	}
	return DefaultClockSkew
}

func isHMAC(alg string) bool {
	return alg == AlgHS256 || alg == AlgHS384 || alg == AlgHS512
}

func isAsymmetric(alg string) bool {
	switch alg {
	case AlgRS256, AlgRS384, AlgRS512,
		AlgPS256, AlgPS384, AlgPS512,
		AlgES256, AlgES384, AlgES512,
		AlgEdDSA:
		return true
	}
	return false
}
