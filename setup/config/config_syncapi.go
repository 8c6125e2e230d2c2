package config

import "time"

// SyncAPI holds configuration for the client long-poll sync pipeline.
type SyncAPI struct {
	Matrix  *Global  `yaml:"-"`
	Derived *Derived `yaml:"-"`

	Database Database `yaml:"database"`

	// RealIPHeader names a reverse proxy's client-address header. No code
	// reads it: the rate limiter always uses X-Forwarded-For, and only from
	// loopback peers.
	RealIPHeader string `yaml:"real_ip_header"`

	// MaxRequestTimeout bounds how long a sync request may be held open
	// waiting on new events before returning an empty response.
	MaxRequestTimeout time.Duration `yaml:"max_request_timeout"`
}

func (c *SyncAPI) Defaults(opts DefaultOpts) {
	c.Database.Defaults(10)
	c.MaxRequestTimeout = 30 * time.Second
}

func (c *SyncAPI) Verify(configErrs *ConfigErrors) {
	c.Database.Verify(configErrs, "sync_api.database")
	if c.MaxRequestTimeout <= 0 {
		configErrs.Add("sync_api.max_request_timeout must be positive")
	}
}
