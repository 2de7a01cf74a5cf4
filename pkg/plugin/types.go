package plugin

import "OpenRill/internal/source"

// Info contains descriptive metadata for a loaded source plugin.
type Info struct {
	ID           string
	Kind         string
	Path         string
	Capabilities []source.Capability
}

// State represents the lifecycle position of a plugin instance.
type State string

const (
	StateRegistered State = "registered"
	StateClosed     State = "closed"
)
