package plugin

// State represents the lifecycle state of a plugin.
type State int

// Plugin states. Enabled and Disabled may alternate; Killed is terminal.
const (
	// StateUnloaded - Plugin is registered but its code is not loaded.
	StateUnloaded State = iota

	// StateLoaded - Plugin instance is constructed but not enabled.
	StateLoaded

	// StateEnabled - Plugin is enabled and holds live capabilities.
	StateEnabled

	// StateDisabled - Plugin's capabilities are revoked; it may be enabled again.
	StateDisabled

	// StateKilled - Plugin's resources are released.
	StateKilled
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoaded:
		return "loaded"
	case StateEnabled:
		return "enabled"
	case StateDisabled:
		return "disabled"
	case StateKilled:
		return "killed"
	default:
		return "unknown"
	}
}

