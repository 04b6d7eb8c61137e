package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"tokenbroker/internal/crypto"
)

// ValidationError represents a validation error with context
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

// Error implements the error interface
func (ve ValidationError) Error() string {
	if ve.Field == "" {
		return ve.Message
	}
	return fmt.Sprintf("field '%s': %s", ve.Field, ve.Message)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for multiple validation errors
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return "no validation errors"
	}
	if len(ve) == 1 {
		return ve[0].Error()
	}

	var messages []string
	for _, err := range ve {
		messages = append(messages, err.Error())
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(messages, "; "))
}

// HasErrors returns true if there are any validation errors
func (ve ValidationErrors) HasErrors() bool {
	return len(ve) > 0
}

// Add adds a new validation error
func (ve *ValidationErrors) Add(field, message string, value ...interface{}) {
	var val interface{}
	if len(value) > 0 {
		val = value[0]
	}
	*ve = append(*ve, ValidationError{
		Field:   field,
		Value:   val,
		Message: message,
	})
}

// ValidateOneOf checks if a value is in a list of allowed values
func ValidateOneOf(field, value string, allowed []string) error {
	for _, allowedValue := range allowed {
		if value == allowedValue {
			return nil
		}
	}
	return ValidationError{
		Field:   field,
		Value:   value,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")),
	}
}

// ValidateAbsoluteURL checks that value is an absolute http(s) URL.
func ValidateAbsoluteURL(field, value string) error {
	u, err := url.Parse(value)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return ValidationError{Field: field, Value: value, Message: "must be an absolute URL"}
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return ValidationError{Field: field, Value: value, Message: "must use http or https"}
	}
	return nil
}

// Validate checks the whole configuration and returns every problem found.
func (c Config) Validate() ValidationErrors {
	var errs ValidationErrors
	add := func(err error) {
		if ve, ok := err.(ValidationError); ok {
			errs = append(errs, ve)
		}
	}
	positive := func(field string, d time.Duration) {
		if d <= 0 {
			errs.Add(field, "must be a positive duration", d.String())
		}
	}

	// server
	if strings.TrimSpace(c.Server.Host) == "" {
		errs.Add("server.host", "is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs.Add("server.port", "must be between 1 and 65535", c.Server.Port)
	}
	if c.Server.PublicURL != "" {
		add(ValidateAbsoluteURL("server.publicURL", c.Server.PublicURL))
	}
	if c.Server.RateLimit.Enabled && (c.Server.RateLimit.Rate <= 0 || c.Server.RateLimit.Burst <= 0) {
		errs.Add("server.rateLimit", "rate and burst must be positive when enabled")
	}

	// provider: all or nothing
	p := c.Provider
	if p.AuthorizationURL != "" || p.TokenURL != "" || p.ClientID != "" || p.ClientSecret != "" {
		if p.AuthorizationURL == "" {
			errs.Add("provider.authorizationURL", "is required when a provider is configured")
		} else {
			add(ValidateAbsoluteURL("provider.authorizationURL", p.AuthorizationURL))
		}
		if p.TokenURL == "" {
			errs.Add("provider.tokenURL", "is required when a provider is configured")
		} else {
			add(ValidateAbsoluteURL("provider.tokenURL", p.TokenURL))
		}
		if p.ClientID == "" {
			errs.Add("provider.clientID", "is required when a provider is configured")
		}
		if p.ClientSecret == "" {
			errs.Add("provider.clientSecret", "is required when a provider is configured (or set "+EnvProviderClientSecret+")")
		}
	}
	positive("provider.requestTimeout", p.RequestTimeout)

	// oauth
	for i, ru := range c.OAuth.AllowedRedirectURIs {
		u, err := url.Parse(ru)
		switch {
		case err != nil || !u.IsAbs():
			errs.Add(fmt.Sprintf("oauth.allowedRedirectURIs[%d]", i), "must be an absolute URI", ru)
		case u.Fragment != "":
			errs.Add(fmt.Sprintf("oauth.allowedRedirectURIs[%d]", i), "must not contain a fragment", ru)
		}
	}
	if c.OAuth.StateKey != "" && len(c.OAuth.StateKey) < 16 {
		errs.Add("oauth.stateKey", "must be at least 16 characters")
	}
	positive("oauth.transactionTTL", c.OAuth.TransactionTTL)
	positive("oauth.codeTTL", c.OAuth.CodeTTL)
	positive("oauth.rsTokenTTL", c.OAuth.RsTokenTTL)
	positive("oauth.tokenExpiresIn", c.OAuth.TokenExpiresIn)

	// refresh
	positive("refresh.buffer", c.Refresh.Buffer)
	positive("refresh.cooldown", c.Refresh.Cooldown)
	positive("refresh.timeout", c.Refresh.Timeout)
	if c.Refresh.CooldownSize <= 0 {
		errs.Add("refresh.cooldownSize", "must be positive", c.Refresh.CooldownSize)
	}

	// storage
	s := c.Storage
	add(ValidateOneOf("storage.type", s.Type, []string{StorageTypeMemory, StorageTypeFile, StorageTypeRedis}))
	if s.EncryptionKey != "" {
		if _, err := crypto.ParseKey(s.EncryptionKey); err != nil {
			errs.Add("storage.encryptionKey", "must be 32 bytes encoded as base64 or hex")
		}
	}
	positive("storage.sessionTTL", s.SessionTTL)
	if s.SweepInterval < 0 {
		errs.Add("storage.sweepInterval", "must not be negative", s.SweepInterval.String())
	}
	switch s.Type {
	case StorageTypeFile:
		if s.File.Path == "" {
			errs.Add("storage.file.path", "is required for the file backend")
		}
		if s.File.Debounce < 0 {
			errs.Add("storage.file.debounce", "must not be negative", s.File.Debounce.String())
		}
	case StorageTypeRedis:
		if s.Redis.Address == "" {
			errs.Add("storage.redis.address", "is required for the redis backend")
		}
		positive("storage.redis.timeout", s.Redis.Timeout)
	}

	// logging
	add(ValidateOneOf("logging.level", strings.ToLower(c.Logging.Level), []string{"debug", "info", "warn", "warning", "error"}))
	add(ValidateOneOf("logging.format", c.Logging.Format, []string{"text", "json"}))

	return errs
}
