package jwt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/vyrodovalexey/tradegw/internal/auth"
	"github.com/vyrodovalexey/tradegw/internal/clock"
	"github.com/vyrodovalexey/tradegw/internal/observability"
	"github.com/vyrodovalexey/tradegw/internal/util"
)

// scopeClaims lists the claims scopes are read from, in order.
var scopeClaims = []string{"scope", "scp", "scopes"}

// Validator verifies bearer tokens. It is safe for concurrent use and
// has no side effects beyond metrics.
type Validator struct {
	config     *Config
	key        interface{}
	algorithms map[jwa.SignatureAlgorithm]struct{}
	clock      clock.Clock
	logger     observability.Logger
	metrics    *Metrics
}

// ValidatorOption is a functional option for the validator.
type ValidatorOption func(*Validator)

// WithValidatorLogger sets the logger for the validator.
func WithValidatorLogger(logger observability.Logger) ValidatorOption {
	return func(v *Validator) {
		v.logger = logger
	}
}

// WithValidatorMetrics sets the metrics for the validator.
func WithValidatorMetrics(metrics *Metrics) ValidatorOption {
	return func(v *Validator) {
		v.metrics = metrics
	}
}

// WithClock sets the clock used for expiry checks.
func WithClock(c clock.Clock) ValidatorOption {
	return func(v *Validator) {
		v.clock = c
	}
}

// NewValidator creates a new token validator.
func NewValidator(config *Config, opts ...ValidatorOption) (*Validator, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid jwt config: %w", err)
	}

	v := &Validator{
		config:     config,
		algorithms: make(map[jwa.SignatureAlgorithm]struct{}, len(config.Algorithms)),
		logger:     observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(v)
	}

	v.clock = clock.OrSystem(v.clock)
	if v.metrics == nil {
		v.metrics = NewMetrics("")
	}

	for _, alg := range config.Algorithms {
		v.algorithms[jwa.SignatureAlgorithm(alg)] = struct{}{}
	}

	key, err := loadKey(config)
	if err != nil {
		return nil, err
	}
	v.key = key

	return v, nil
}

// loadKey returns the verification key: the raw secret bytes for HMAC,
// or the parsed PEM public key otherwise.
func loadKey(config *Config) (interface{}, error) {
	if config.Secret != "" {
		return []byte(config.Secret), nil
	}
	key, err := jwk.ParseKey([]byte(config.PublicKeyPEM), jwk.WithPEM(true))
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return key, nil
}

// Validate verifies raw and returns the caller identity it carries.
// Every failure is a *util.UnauthenticatedError.
func (v *Validator) Validate(ctx context.Context, raw string) (*auth.CallerIdentity, error) {
	start := time.Now()

	identity, err := v.validate(raw)
	if err != nil {
		reason := string(util.ReasonMalformed)
		var ue *util.UnauthenticatedError
		if errors.As(err, &ue) {
			reason = string(ue.Reason)
		}
		v.metrics.RecordValidation("error", reason, time.Since(start))
		v.logger.WithContext(ctx).Debug("token rejected",
			observability.String("reason", reason),
			observability.Error(err),
		)
		return nil, err
	}

	v.metrics.RecordValidation("success", "", time.Since(start))
	return identity, nil
}

func (v *Validator) validate(raw string) (*auth.CallerIdentity, error) {
	if raw == "" || strings.Count(raw, ".") != 2 {
		return nil, util.NewUnauthenticatedError(util.ReasonMalformed, nil)
	}
	buf := []byte(raw)

	msg, err := jws.Parse(buf)
	if err != nil {
		return nil, util.NewUnauthenticatedError(util.ReasonMalformed, err)
	}
	sigs := msg.Signatures()
	if len(sigs) != 1 {
		return nil, util.NewUnauthenticatedError(util.ReasonMalformed, nil)
	}

	alg := sigs[0].ProtectedHeaders().Algorithm()
	if _, ok := v.algorithms[alg]; !ok {
		return nil, util.NewUnauthenticatedError(util.ReasonBadSignature,
			fmt.Errorf("algorithm %q not allowed", alg))
	}

	if _, err := jws.Verify(buf, jws.WithKey(alg, v.key)); err != nil {
		return nil, util.NewUnauthenticatedError(util.ReasonBadSignature, err)
	}

	tok, err := jwt.ParseInsecure(buf)
	if err != nil {
		return nil, util.NewUnauthenticatedError(util.ReasonMalformed, err)
	}

	if err := v.checkValidity(tok); err != nil {
		return nil, err
	}
	if err := v.checkClaims(tok); err != nil {
		return nil, err
	}

	return auth.NewCallerIdentity(tok.Subject(), tok.Issuer(), tok.Expiration(), extractScopes(tok)), nil
}

// checkValidity enforces exp and nbf against the clock, allowing skew.
func (v *Validator) checkValidity(tok jwt.Token) error {
	now := v.clock.Now()
	skew := v.config.GetEffectiveClockSkew()

	exp := tok.Expiration()
	if exp.IsZero() {
		return util.NewUnauthenticatedError(util.ReasonExpired, fmt.Errorf("exp claim missing"))
	}
	if now.After(exp.Add(skew)) {
		return util.NewUnauthenticatedError(util.ReasonExpired,
			fmt.Errorf("token expired at %s", exp.UTC().Format(time.RFC3339)))
	}

	if nbf := tok.NotBefore(); !nbf.IsZero() && now.Add(skew).Before(nbf) {
		return util.NewUnauthenticatedError(util.ReasonExpired,
			fmt.Errorf("token not valid before %s", nbf.UTC().Format(time.RFC3339)))
	}

	return nil
}

func (v *Validator) checkClaims(tok jwt.Token) error {
	if tok.Subject() == "" {
		return util.NewUnauthenticatedError(util.ReasonBadClaims, fmt.Errorf("sub claim missing"))
	}

	if v.config.Issuer != "" && tok.Issuer() != v.config.Issuer {
		return util.NewUnauthenticatedError(util.ReasonBadClaims,
			fmt.Errorf("unexpected issuer %q", tok.Issuer()))
	}

	if len(v.config.Audience) > 0 && !audienceMatches(tok.Audience(), v.config.Audience) {
		return util.NewUnauthenticatedError(util.ReasonBadClaims, fmt.Errorf("audience not accepted"))
	}

	return nil
}

func audienceMatches(got, accepted []string) bool {
	for _, a := range got {
		for _, b := range accepted {
			if a == b {
				return true
			}
		}
	}
	return false
}

// extractScopes reads scopes from the first scope claim present. Values
// may be a space-separated string or a list of strings.
func extractScopes(tok jwt.Token) []string {
	for _, name := range scopeClaims {
		value, ok := tok.Get(name)
		if !ok {
			continue
		}
		switch s := value.(type) {
		case string:
			return strings.Fields(s)
		case []string:
			return s
		case []interface{}:
			out := make([]string, 0, len(s))
			for _, item := range s {
				if str, ok := item.(string); ok {
					out = append(out, str)
				}
			}
			return out
		}
	}
	return nil
}
