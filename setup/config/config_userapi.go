package config

import "time"

// UserAPI holds configuration for account storage, session tokens, and the
// E2EE key plane.
type UserAPI struct {
	Matrix  *Global  `yaml:"-"`
	Derived *Derived `yaml:"-"`

	AccountDatabase Database `yaml:"account_database"`

	// BcryptCost is not read by any code; new hashes are Argon2id and the
	// only legacy scheme recognised is iterated SHA-256 (see
	// internal/password).
	BcryptCost int `yaml:"-"`

	// AccessTokenLifetime bounds how long an access token is valid before a
	// refresh is required. Zero means tokens never expire (pre-MSC2967
	// compatibility mode).
	AccessTokenLifetime time.Duration `yaml:"access_token_lifetime"`

	// RefreshTokenLifetime bounds the validity of a refresh token itself.
	RefreshTokenLifetime time.Duration `yaml:"refresh_token_lifetime"`

	// KeyBackupVersionLimit is validated to be positive but not read
	// elsewhere; superseded backup versions are not pruned.
	KeyBackupVersionLimit int `yaml:"key_backup_version_limit"`

	// OneTimeKeyStaleAfter is a window for unclaimed one-time keys. No code
	// reads it; unclaimed one-time keys are never cleaned up.
	OneTimeKeyStaleAfter time.Duration `yaml:"one_time_key_stale_after"`
}

func (c *UserAPI) Defaults(opts DefaultOpts) {
	c.AccountDatabase.Defaults(10)
	c.AccessTokenLifetime = 0
	c.RefreshTokenLifetime = 90 * 24 * time.Hour
	c.KeyBackupVersionLimit = 10
	c.OneTimeKeyStaleAfter = 30 * 24 * time.Hour
}

func (c *UserAPI) Verify(configErrs *ConfigErrors) {
	c.AccountDatabase.Verify(configErrs, "user_api.account_database")
	if c.RefreshTokenLifetime <= 0 {
		configErrs.Add("user_api.refresh_token_lifetime must be positive")
	}
	checkPositive(configErrs, "user_api.key_backup_version_limit", int64(c.KeyBackupVersionLimit))
}
