package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

// newValidator reports fields by their configuration keys, so a problem reads
// as "batch.retry_limit" rather than a Go field path.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("env", func(fl validator.FieldLevel) bool {
		switch fl.Field().String() {
		case "development", "staging", "production":
			return true
		}
		return false
	})
	v.RegisterStructValidation(validateRedisUsers, Config{})
	return v
}

// validateRedisUsers requires a Redis address when the context store or the
// event transport runs on Redis.
func validateRedisUsers(sl validator.StructLevel) {
	cfg := sl.Current().Interface().(Config)
	if cfg.Redis.Address != "" {
		return
	}
	if cfg.Context.Store == "redis" {
		sl.ReportError(cfg.Redis.Address, "redis.address", "Address", "redis_for", "context.store")
	}
	if cfg.Events.Enabled && cfg.Events.Transport == "redis" {
		sl.ReportError(cfg.Redis.Address, "redis.address", "Address", "redis_for", "events.transport")
	}
}

// ConfigError is one rejected configuration value.
type ConfigError struct {
	// Key is the dotted configuration key, e.g. batch.retry_limit.
	Key     string
	Message string
	Value   interface{}
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("%s: %s (got %v)", e.Key, e.Message, e.Value)
}

// ValidationErrors lists every rejected value of a configuration.
type ValidationErrors []ConfigError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, err := range e {
		fmt.Fprintf(&sb, "  - %s\n", err.Error())
	}
	return sb.String()
}

// ValidateWithDetails validates cfg and returns ValidationErrors keyed by
// configuration key.
func ValidateWithDetails(cfg *Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	details := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		details = append(details, ConfigError{
			Key:     configKey(fe),
			Message: describe(fe),
			Value:   fe.Value(),
		})
	}
	return details
}

// configKey drops the root type name from the field namespace.
func configKey(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "required_if":
		return "is required by the other settings of this section"
	case "redis_for":
		return fmt.Sprintf("is required when %s is redis", fe.Param())
	case "min", "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max", "lte":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "lt":
		return fmt.Sprintf("must be below %s", fe.Param())
	case "gtefield":
		return fmt.Sprintf("must not be below %s", siblingKey(fe))
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "url":
		return "must be a valid URL"
	case "timezone":
		return "must be an IANA time zone name"
	case "startswith":
		return fmt.Sprintf("must start with %q", fe.Param())
	case "env":
		return "must be one of [development staging production]"
	default:
		return fmt.Sprintf("failed validation: %s", fe.Tag())
	}
}

// siblingKey names the field a gtefield rule compares against by its
// configuration key.
func siblingKey(fe validator.FieldError) string {
	switch fe.Param() {
	case "RetryBackoff":
		return "retry_backoff"
	case "InitialBackoff":
		return "initial_backoff"
	default:
		return fe.Param()
	}
}
