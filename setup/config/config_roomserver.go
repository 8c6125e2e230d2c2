package config

// RoomServer holds configuration for the room server: its event store, the
// state resolver's working set limits, and the default room version offered
// to clients that don't specify one.
type RoomServer struct {
	Matrix  *Global  `yaml:"-"`
	Derived *Derived `yaml:"-"`

	Database Database `yaml:"database"`

	// DefaultRoomVersion is used when a client's createRoom request omits
	// room_version.
	DefaultRoomVersion string `yaml:"default_room_version"`

	// StateResolutionConflictLimit bounds how many ancestor events the room
	// server walks when reconstructing the state at a previous event before
	// state resolution. Past the bound the walk stops and the state is built
	// from the events reached so far; no error is returned.
	StateResolutionConflictLimit int `yaml:"state_resolution_conflict_limit"`
}

func (c *RoomServer) Defaults(opts DefaultOpts) {
	c.Database.Defaults(10)
	c.DefaultRoomVersion = "10"
	c.StateResolutionConflictLimit = 500
}

func (c *RoomServer) Verify(configErrs *ConfigErrors) {
	c.Database.Verify(configErrs, "room_server.database")
	checkNotEmpty(configErrs, "room_server.default_room_version", c.DefaultRoomVersion)
	checkPositive(configErrs, "room_server.state_resolution_conflict_limit", int64(c.StateResolutionConflictLimit))
}
