// loader.go implements the configuration loading lifecycle.
//
// The loading sequence is:
//  1. Enforce UTC timezone.
//  2. Load .env file via godotenv (non-fatal if absent).
//  3. Use envconfig to process struct tags and populate the Config struct.
//  4. Populate BuildInfo from linker-injected variables.
//  5. Validate the struct using go-playground/validator.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError is a diagnostic error type returned by LoadConfig.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// loaderDeps holds the injectable dependencies for the loader.
type loaderDeps struct {
	loadDotenv func(filenames ...string) error
}

func defaultDeps() loaderDeps {
	return loaderDeps{loadDotenv: godotenv.Load}
}

// LoadConfig loads and validates the service configuration.
// envFiles are optional dotenv paths; with none, ./.env is tried.
// godotenv never overrides variables already present in the environment.
func LoadConfig(envFiles ...string) (*Config, error) {
	return loadConfigWithDeps(defaultDeps(), envFiles...)
}

func loadConfigWithDeps(deps loaderDeps, envFiles ...string) (*Config, error) {
	time.Local = time.UTC

	_ = deps.loadDotenv(envFiles...)

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	cfg.Build = NewBuildInfo()
	cfg.Server.AppBaseURL = strings.TrimRight(cfg.Server.AppBaseURL, "/")
	cfg.Billing.StripeAPIBase = strings.TrimRight(cfg.Billing.StripeAPIBase, "/")

	if err := validator.New().Struct(cfg); err != nil {
		return nil, classifyValidationError(err)
	}

	return &cfg, nil
}

// classifyValidationError reports unset required fields as MISSING_ENV and
// every other rule failure as VALIDATION_FAILED.
func classifyValidationError(err error) *ConfigError {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		var missing []string
		for _, fe := range fieldErrs {
			if fe.Tag() == "required" {
				missing = append(missing, fe.Namespace())
			}
		}
		if len(missing) == len(fieldErrs) {
			return &ConfigError{
				Type:    ErrMissingEnv,
				Message: "required configuration missing: " + strings.Join(missing, ", "),
				Err:     err,
			}
		}
	}
	return &ConfigError{
		Type:    ErrValidation,
		Message: "configuration validation failed",
		Err:     err,
	}
}
