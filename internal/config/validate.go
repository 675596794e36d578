package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/vyrodovalexey/tradegw/internal/ratelimit"
	"github.com/vyrodovalexey/tradegw/internal/router"
	"github.com/vyrodovalexey/tradegw/internal/util"
)

var (
	structValidator     *validator.Validate
	structValidatorOnce sync.Once
)

// getValidator returns the shared struct validator. Field names in its
// errors are the YAML keys.
func getValidator() *validator.Validate {
	structValidatorOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		structValidator = v
	})
	return structValidator
}

// Validate checks cfg structurally with struct tags and then
// semantically: algorithm and breaker settings, unique upstream names,
// route upstreams that exist and route patterns that do not collide.
// The returned error joins one *util.ConfigError per problem.
func Validate(cfg *Config) error {
	if cfg == nil {
		return util.NewConfigError("", "configuration is nil")
	}

	var errs []error

	if err := getValidator().Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return util.NewConfigErrorWithCause("", "validation failed", err)
		}
		for _, fe := range fieldErrs {
			errs = append(errs, util.NewConfigError(fieldPath(fe), describe(fe)))
		}
	}

	errs = append(errs, validateSemantics(cfg)...)
	return errors.Join(errs...)
}

func validateSemantics(cfg *Config) []error {
	var errs []error

	if err := cfg.Auth.JWTConfig().Validate(); err != nil {
		errs = append(errs, util.NewConfigErrorWithCause("auth", err.Error(), err))
	}
	if err := cfg.RateLimit.LimiterConfig().Validate(); err != nil {
		errs = append(errs, util.NewConfigErrorWithCause("rateLimit", err.Error(), err))
	}
	if err := cfg.CircuitBreaker.BreakerConfig().Validate(); err != nil {
		errs = append(errs, util.NewConfigErrorWithCause("circuitBreaker", err.Error(), err))
	}
	if cfg.RateLimit.Distributed && cfg.RateLimit.Algorithm != string(ratelimit.AlgorithmFixedWindow) {
		errs = append(errs, util.NewConfigError("rateLimit.algorithm",
			"distributed rate limiting supports only fixed_window"))
	}
	if cfg.NeedsRedis() && cfg.Redis.Address == "" {
		errs = append(errs, util.NewConfigError("redis.address", "is required by distributed rate limiting or the redis event sink"))
	}

	upstreams := make(map[string]struct{}, len(cfg.Upstreams))
	for i, u := range cfg.Upstreams {
		if _, dup := upstreams[u.Name]; dup {
			errs = append(errs, util.NewConfigError(fmt.Sprintf("upstreams[%d].name", i),
				fmt.Sprintf("duplicate upstream %q", u.Name)))
		}
		upstreams[u.Name] = struct{}{}
	}

	for i, r := range cfg.Routes {
		if r.Upstream == "" {
			continue
		}
		if _, ok := upstreams[r.Upstream]; !ok {
			errs = append(errs, util.NewConfigError(fmt.Sprintf("routes[%d].upstream", i),
				fmt.Sprintf("unknown upstream %q", r.Upstream)))
		}
	}

	if err := router.New().Replace(cfg.RouteRules()); err != nil {
		errs = append(errs, util.NewConfigErrorWithCause("routes", err.Error(), err))
	}

	return errs
}

// fieldPath strips the root struct name from a validator namespace.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "min":
		return fmt.Sprintf("must have at least %s entries", fe.Param())
	case "url":
		return "must be a valid URL"
	case "startswith":
		return fmt.Sprintf("must start with %q", fe.Param())
	case "gt", "gte", "lt", "lte":
		return fmt.Sprintf("failed %s=%s", fe.Tag(), fe.Param())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
