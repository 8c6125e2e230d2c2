package config

import (
	"fmt"
	"net"
)

// ClientAPI holds configuration for the client-facing HTTP surface: registration
// policy and the rate-limiting thresholds applied to client-authenticated endpoints.
type ClientAPI struct {
	Matrix  *Global  `yaml:"-"`
	Derived *Derived `yaml:"-"`

	// If set disables new users from registering (except via shared secrets).
	RegistrationDisabled bool `yaml:"registration_disabled"`

	// If set, requires users to submit a token during registration.
	RegistrationRequiresToken bool `yaml:"registration_requires_token"`

	// OpenRegistrationWithoutVerificationEnabled is populated by an explicit
	// operator opt-in flag; left unset by YAML.
	OpenRegistrationWithoutVerificationEnabled bool `yaml:"-"`

	// If set, allows registration by anyone who also has the shared secret,
	// even if registration is otherwise disabled.
	RegistrationSharedSecret string `yaml:"registration_shared_secret"`

	// If set, prevents guest accounts from being created.
	GuestsDisabled bool `yaml:"guests_disabled"`

	// Rate-limiting options.
	RateLimiting RateLimiting `yaml:"rate_limiting"`
}

func (c *ClientAPI) Defaults(opts DefaultOpts) {
	c.RegistrationSharedSecret = ""
	c.RegistrationRequiresToken = false
	c.RegistrationDisabled = true
	c.OpenRegistrationWithoutVerificationEnabled = false
	c.RateLimiting.Defaults()
}

func (c *ClientAPI) Verify(configErrs *ConfigErrors) {
	c.RateLimiting.Verify(configErrs)
	// Registration without any secondary verification is allowed here: unlike the
	// teacher, this module has no captcha/threepid subsystem, so the only guard
	// available is the shared secret or an explicit operator opt-in.
	if !c.RegistrationDisabled && !c.OpenRegistrationWithoutVerificationEnabled && c.RegistrationSharedSecret == "" {
		configErrs.Add(
			"client_api.registration_disabled is false but no registration_shared_secret is set " +
				"and open registration has not been explicitly enabled; refusing to start with " +
				"unauthenticated open registration",
		)
	}
}

// RateLimiting configures per-endpoint token buckets.
type RateLimiting struct {
	// Is rate limiting enabled or disabled?
	Enabled bool `yaml:"enabled"`

	// How many "slots" a caller can occupy sending requests to a rate-limited
	// endpoint before we apply rate-limiting.
	Threshold int64 `yaml:"threshold"`

	// The cooloff period in milliseconds after a request before the "slot" is
	// freed again.
	CooloffMS int64 `yaml:"cooloff_ms"`

	// A list of users that are exempt from rate limiting, i.e. application
	// services or known-good bots.
	ExemptUserIDs []string `yaml:"exempt_user_ids"`

	// A list of IP addresses or CIDR ranges that bypass rate limiting.
	ExemptIPAddresses []string `yaml:"exempt_ip_addresses"`

	// Per-endpoint overrides allow custom thresholds and cooloff periods for
	// specific routes (e.g. /sync is long-lived and shouldn't share a bucket
	// with /send).
	PerEndpointOverrides map[string]RateLimitEndpointOverride `yaml:"per_endpoint_overrides"`

	// FailOpenOnError controls what the limiter does when its backing KV store
	// is unreachable. Default is false (fail closed: reject the request).
	FailOpenOnError bool `yaml:"fail_open_on_error"`
}

func (r *RateLimiting) Verify(configErrs *ConfigErrors) {
	if !r.Enabled {
		return
	}
	if r.Threshold <= 0 || r.CooloffMS <= 0 {
		configErrs.Add(
			"client_api.rate_limiting: both 'threshold' and 'cooloff_ms' must be positive when rate limiting is enabled. " +
				"Set 'enabled: false' to disable rate limiting, or provide valid positive values for both parameters.",
		)
	} else {
		checkPositive(configErrs, "client_api.rate_limiting.threshold", r.Threshold)
		checkPositive(configErrs, "client_api.rate_limiting.cooloff_ms", r.CooloffMS)
	}

	for name, override := range r.PerEndpointOverrides {
		if override.Threshold <= 0 || override.CooloffMS <= 0 {
			configErrs.Add(
				fmt.Sprintf("client_api.rate_limiting.per_endpoint_overrides.%s: both 'threshold' and 'cooloff_ms' must be positive", name),
			)
		} else {
			checkPositive(configErrs, fmt.Sprintf("client_api.rate_limiting.per_endpoint_overrides.%s.threshold", name), override.Threshold)
			checkPositive(configErrs, fmt.Sprintf("client_api.rate_limiting.per_endpoint_overrides.%s.cooloff_ms", name), override.CooloffMS)
		}
	}

	for _, ip := range r.ExemptIPAddresses {
		if _, _, err := net.ParseCIDR(ip); err != nil {
			if parsedIP := net.ParseIP(ip); parsedIP == nil {
				configErrs.Add(fmt.Sprintf("invalid IP address or CIDR for config key %q: %s", "client_api.rate_limiting.exempt_ip_addresses", ip))
			}
		}
	}
}

func (r *RateLimiting) Defaults() {
	// Default to disabled to maintain backward compatibility with existing deployments.
	r.Enabled = false
	r.Threshold = 5
	r.CooloffMS = 500
	r.FailOpenOnError = false
	if r.PerEndpointOverrides == nil {
		r.PerEndpointOverrides = make(map[string]RateLimitEndpointOverride)
	}
}

// RateLimitEndpointOverride overrides the default bucket for one endpoint class.
type RateLimitEndpointOverride struct {
	Threshold int64 `yaml:"threshold"`
	CooloffMS int64 `yaml:"cooloff_ms"`
}
