package qmp

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Config holds the settings of a session.
type Config struct {
	// Capabilities lists the greeting capabilities to enable during
	// negotiation (e.g. CapabilityOOB). Each must be advertised by the
	// server or the handshake fails with ErrUnsupportedCapability.
	Capabilities []string

	// Lenient makes the read loop skip malformed and unrecognized frames
	// instead of closing the session.
	Lenient bool

	// IDs generates correlation ids for commands sent without one.
	// Defaults to a per-session counter.
	IDs IDGenerator

	// Logger receives session diagnostics. Defaults to a disabled logger.
	Logger zerolog.Logger

	// Metrics, when set, is updated as traffic flows.
	Metrics *Metrics
}

// DefaultConfig returns a Config with strict framing, no optional
// capabilities and counter ids.
func DefaultConfig() *Config {
	return &Config{
		IDs:    &CounterIDs{},
		Logger: zerolog.Nop(),
	}
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Capabilities))
	for _, name := range c.Capabilities {
		if name == "" {
			return fmt.Errorf("empty capability name")
		}
		if seen[name] {
			return fmt.Errorf("capability %q listed twice", name)
		}
		seen[name] = true
	}
	return nil
}

// withDefaults returns a copy of c with unset fields filled in.
func (c *Config) withDefaults() Config {
	if c == nil {
		return *DefaultConfig()
	}
	out := *c
	if out.IDs == nil {
		out.IDs = &CounterIDs{}
	}
	return out
}
