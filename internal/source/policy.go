package source

import xerrors "OpenRill/internal/errors"

// Capability expresses the kinds of host access a source may request.
type Capability string

const (
	CapabilityNet  Capability = "net"
	CapabilityFS   Capability = "fs"
	CapabilityExec Capability = "exec"
)

// Policy governs the restrictions enforced for a source instance. An empty
// capability list permits everything, mirroring an absent policy block in
// the catalog.
type Policy struct {
	Capabilities     []Capability `yaml:"capabilities"`
	MaxChunkBytes    int          `yaml:"max_chunk_bytes"`
	MaxInFlightBytes int          `yaml:"max_inflight_bytes"`
}

// Allows reports whether the policy permits the capability.
func (p Policy) Allows(cap Capability) bool {
	if len(p.Capabilities) == 0 {
		return true
	}
	for _, c := range p.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Require returns a coded error for the first capability the policy denies.
func (p Policy) Require(caps ...Capability) error {
	for _, cap := range caps {
		if !p.Allows(cap) {
			return xerrors.New(CodeSourceCapability, "capability "+string(cap)+" not permitted")
		}
	}
	return nil
}

// Merge fills unset fields from the defaults.
func (p Policy) Merge(defaults Policy) Policy {
	if len(p.Capabilities) == 0 {
		p.Capabilities = defaults.Capabilities
	}
	if p.MaxChunkBytes <= 0 {
		p.MaxChunkBytes = defaults.MaxChunkBytes
	}
	if p.MaxInFlightBytes <= 0 {
		p.MaxInFlightBytes = defaults.MaxInFlightBytes
	}
	return p
}
