package config

import "time"

// FederationAPI holds configuration for outbound/inbound server-to-server
// traffic: the send queue's retry backoff and the remote-key cache's grace
// period for expired keys.
type FederationAPI struct {
	Matrix  *Global  `yaml:"-"`
	Derived *Derived `yaml:"-"`

	Database Database `yaml:"database"`

	// SendMaxRetries is the failure count past which the per-destination
	// queue logs that the destination exceeded its retry budget. The queue
	// backs off after every failure and keeps retrying past this count.
	SendMaxRetries int `yaml:"send_max_retries"`

	// SendRetryBackoffCeiling caps the exponential backoff between retries.
	SendRetryBackoffCeiling time.Duration `yaml:"send_retry_backoff_ceiling"`

	// KeyFetchTimeout bounds a single remote /_matrix/key/v2/server request.
	KeyFetchTimeout time.Duration `yaml:"key_fetch_timeout"`

	// KeyGracePeriod is how long an expired-but-previously-seen remote verify
	// key is still accepted for, to tolerate clock skew and slow rotation.
	KeyGracePeriod time.Duration `yaml:"key_grace_period"`

	// DisableTLSValidation allows federation to trust servers presenting
	// self-signed certs, for test federations only.
	DisableTLSValidation bool `yaml:"disable_tls_validation"`
}

func (c *FederationAPI) Defaults(opts DefaultOpts) {
	c.Database.Defaults(5)
	c.SendMaxRetries = 16
	c.SendRetryBackoffCeiling = 24 * time.Hour
	c.KeyFetchTimeout = 30 * time.Second
	c.KeyGracePeriod = 24 * time.Hour
	c.DisableTLSValidation = false
}

func (c *FederationAPI) Verify(configErrs *ConfigErrors) {
	c.Database.Verify(configErrs, "federation_api.database")
	checkPositive(configErrs, "federation_api.send_max_retries", int64(c.SendMaxRetries))
	if c.SendRetryBackoffCeiling <= 0 {
		configErrs.Add("federation_api.send_retry_backoff_ceiling must be positive")
	}
	if c.KeyFetchTimeout <= 0 {
		configErrs.Add("federation_api.key_fetch_timeout must be positive")
	}
}
