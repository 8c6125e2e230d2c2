// Package config defines the homeserver's configuration surface: one root
// struct composed of per-component sections, each responsible for its own
// defaults and validation. Loading is a thin YAML unmarshal; the interesting
// work is Verify() catching bad combinations before any component starts.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"gopkg.in/yaml.v2"
)

// DataUnit is a size in bytes, accepted in config as a human value (e.g. "10M").
type DataUnit int64

// DefaultOpts tunes Defaults() calls, e.g. when generating a sample config.
type DefaultOpts struct {
	Generate       bool
	SingleDatabase bool
}

// ConfigErrors collects human-readable validation failures. Any non-empty
// ConfigErrors after Verify() means the server must refuse to start.
type ConfigErrors []string

func (e *ConfigErrors) Add(msg string) {
	*e = append(*e, msg)
}

func checkNotEmpty(configErrs *ConfigErrors, key, value string) {
	if value == "" {
		configErrs.Add(fmt.Sprintf("missing config key %q", key))
	}
}

func checkPositive(configErrs *ConfigErrors, key string, value int64) {
	if value <= 0 {
		configErrs.Add(fmt.Sprintf("config key %q must be positive, got %d", key, value))
	}
}

// Global holds settings shared by every component: the server's own name,
// its signing identity, and the JetStream bus all components talk over.
type Global struct {
	// ServerName is this homeserver's domain, e.g. "example.org". It is the
	// suffix of every local user/room/event ID minted here.
	ServerName spec.ServerName `yaml:"server_name"`

	// KeyID and PrivateKey identify this server's Ed25519 signing key.
	// PrivateKey is never serialized back out; it is installed through
	// SetPrivateKey. This module neither generates the key nor writes it to
	// PrivateKeyPath.
	KeyID          gomatrixserverlib.KeyID        `yaml:"-"`
	PrivateKey     ed25519PrivateKey `yaml:"-"`
	PrivateKeyPath string            `yaml:"private_key"`

	// OldVerifyKeys lets previously-rotated keys remain valid for signature
	// verification (but never for new signing) until their TTL lapses.
	OldVerifyKeys map[gomatrixserverlib.KeyID]spec.Base64Bytes `yaml:"old_verify_keys"`

	// KeyValidityPeriod bounds how long this server asserts its own verify
	// keys remain valid for, returned from /_matrix/key/v2/server.
	KeyValidityPeriod time.Duration `yaml:"key_validity_period"`

	JetStream JetStream `yaml:"jetstream"`

	// ListenAddress is the host:port the embedder should bind its HTTP
	// listener to; the listener itself is wired outside this module.
	ListenAddress string `yaml:"listen_address"`

	// JWTSigningSecretPath optionally points at a secret for the signed
	// access-token variant; the opaque token lookup path stays
	// authoritative for revocation regardless.
	JWTSigningSecretPath string `yaml:"jwt_signing_secret_path"`

	// MaxUploadSize bounds media uploads accepted on behalf of the
	// external blob store (internal/blob).
	MaxUploadSize DataUnit `yaml:"max_upload_size"`

	// DisableFederation, if true, makes the federation API return 403 for
	// all inbound traffic and disables the outbound queue. Single-process
	// standalone deployments may prefer this.
	DisableFederation bool `yaml:"disable_federation"`
}

func (c *Global) Defaults(opts DefaultOpts) {
	c.KeyValidityPeriod = 7 * 24 * time.Hour
	c.ListenAddress = "localhost:8008"
	c.MaxUploadSize = 10 * 1024 * 1024
	c.JetStream.Defaults(opts)
	if c.OldVerifyKeys == nil {
		c.OldVerifyKeys = map[gomatrixserverlib.KeyID]spec.Base64Bytes{}
	}
}

func (c *Global) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "global.server_name", string(c.ServerName))
	if c.KeyValidityPeriod <= 0 {
		configErrs.Add("global.key_validity_period must be positive")
	}
	c.JetStream.Verify(configErrs)
}

// IsLocalServerName reports whether name matches this server (used by login
// and federation routing to decide "is this for me or a peer").
func (c *Global) IsLocalServerName(name spec.ServerName) bool {
	return name == c.ServerName
}

// ed25519PrivateKey avoids importing crypto/ed25519 into every config
// consumer; federation/canonicaljson converts it at the point of use.
type ed25519PrivateKey []byte

// SetPrivateKey installs the server's signing key, typically after the
// embedder has loaded or generated it from PrivateKeyPath.
func (c *Global) SetPrivateKey(keyID gomatrixserverlib.KeyID, key []byte) {
	c.KeyID = keyID
	c.PrivateKey = ed25519PrivateKey(key)
}

// PrivateKeyBytes returns the raw Ed25519 private key for signing call
// sites to wrap in their own crypto types.
func (c *Global) PrivateKeyBytes() []byte {
	return []byte(c.PrivateKey)
}

// JetStream configures the embedded/external NATS JetStream bus used as the
// internal event pipe between the room server, federation sender, and sync
// pipeline.
type JetStream struct {
	// Addresses of NATS servers to connect to. If empty, an embedded
	// in-process NATS server is started (single-process deployments).
	Addresses []string `yaml:"addresses"`
	// TopicPrefix namespaces topics/durables so multiple server instances
	// sharing one NATS cluster don't collide.
	TopicPrefix string `yaml:"topic_prefix"`
	// StoragePath for the embedded server's JetStream file store.
	StoragePath string `yaml:"storage_path"`
}

func (j *JetStream) Defaults(opts DefaultOpts) {
	if j.TopicPrefix == "" {
		j.TopicPrefix = "Dendrite"
	}
	if j.StoragePath == "" {
		j.StoragePath = "./jetstream"
	}
}

func (j *JetStream) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "global.jetstream.topic_prefix", j.TopicPrefix)
}

// Prefixed namespaces a bare topic name with the configured prefix.
func (j *JetStream) Prefixed(topic string) string {
	return j.TopicPrefix + topic
}

// Durable namespaces a durable consumer name with the configured prefix.
func (j *JetStream) Durable(name string) string {
	return j.TopicPrefix + name
}

// Database configures a single SQL connection pool. One engine is supported
// (see DESIGN.md "Storage engine choice"): SQLite via mattn/go-sqlite3.
type Database struct {
	ConnectionString   string `yaml:"connection_string"`
	MaxOpenConnections int    `yaml:"max_open_conns"`
	MaxIdleConnections int    `yaml:"max_idle_conns"`
}

func (d *Database) Defaults(conns int) {
	if d.MaxOpenConnections == 0 {
		d.MaxOpenConnections = conns
	}
	if d.MaxIdleConnections == 0 {
		d.MaxIdleConnections = conns
	}
	if d.ConnectionString == "" {
		d.ConnectionString = "file::memory:?cache=shared"
	}
}

func (d *Database) Verify(configErrs *ConfigErrors, key string) {
	checkNotEmpty(configErrs, key+".connection_string", d.ConnectionString)
}

// HomeserverConfig is the root configuration object; one YAML document
// unmarshals into this, and each component reads its own section plus the
// shared Global section.
type HomeserverConfig struct {
	Version int `yaml:"version"`

	Global        Global        `yaml:"global"`
	ClientAPI     ClientAPI     `yaml:"client_api"`
	RoomServer    RoomServer    `yaml:"room_server"`
	FederationAPI FederationAPI `yaml:"federation_api"`
	UserAPI       UserAPI       `yaml:"user_api"`
	SyncAPI       SyncAPI       `yaml:"sync_api"`

	Derived *Derived `yaml:"-"`
}

// Derived holds values computed once at startup from the rest of the config
// (rather than re-derived on every request), e.g. the parsed private key.
type Derived struct {
	PrivateKey interface{} // crypto/ed25519.PrivateKey; typed loosely to avoid import cycles
}

func (c *HomeserverConfig) Defaults(opts DefaultOpts) {
	c.Version = 2
	c.Global.Defaults(opts)
	c.ClientAPI.Matrix = &c.Global
	c.ClientAPI.Defaults(opts)
	c.RoomServer.Matrix = &c.Global
	c.RoomServer.Defaults(opts)
	c.FederationAPI.Matrix = &c.Global
	c.FederationAPI.Defaults(opts)
	c.UserAPI.Matrix = &c.Global
	c.UserAPI.Defaults(opts)
	c.SyncAPI.Matrix = &c.Global
	c.SyncAPI.Defaults(opts)
}

func (c *HomeserverConfig) Verify() ConfigErrors {
	var errs ConfigErrors
	c.Global.Verify(&errs)
	c.ClientAPI.Verify(&errs)
	c.RoomServer.Verify(&errs)
	c.FederationAPI.Verify(&errs)
	c.UserAPI.Verify(&errs)
	c.SyncAPI.Verify(&errs)
	return errs
}

// Load reads and validates a YAML config file from disk.
func Load(path string) (*HomeserverConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg HomeserverConfig
	cfg.Defaults(DefaultOpts{})
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.ClientAPI.Matrix = &cfg.Global
	cfg.RoomServer.Matrix = &cfg.Global
	cfg.FederationAPI.Matrix = &cfg.Global
	cfg.UserAPI.Matrix = &cfg.Global
	cfg.SyncAPI.Matrix = &cfg.Global
	if errs := cfg.Verify(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration:\n  %s", joinErrs(errs))
	}
	return &cfg, nil
}

func joinErrs(errs ConfigErrors) string {
	out := ""
	for i, e := range errs {
		if i > 0 {
			out += "\n  "
		}
		out += e
	}
	return out
}
