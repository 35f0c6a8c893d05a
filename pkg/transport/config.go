package transport

// Config holds configuration for the transport layer
type Config struct {
	// MaxSlots is the number of slots the layer can drive at once.
	// Default: 16
	MaxSlots int

	// MaxConnectionsPerSlot bounds transport connection ids per slot.
	// Connection id 0 is never allocated. Default: 32
	MaxConnectionsPerSlot int

	// ReadBufferSize is the largest frame accepted from a module.
	// Default: 4096 bytes
	ReadBufferSize int

	// MaxReassemblySize bounds a T_DATA_MORE chain.
	// Default: 65536 bytes
	MaxReassemblySize int
}

// DefaultConfig returns default transport configuration
func DefaultConfig() Config {
	return Config{
		MaxSlots:              16,
		MaxConnectionsPerSlot: 32,
		ReadBufferSize:        4096,
		MaxReassemblySize:     MaxReassemblySize,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxSlots <= 0 {
		c.MaxSlots = d.MaxSlots
	}
	if c.MaxSlots > 256 {
		c.MaxSlots = 256
	}
	if c.MaxConnectionsPerSlot <= 1 {
		c.MaxConnectionsPerSlot = d.MaxConnectionsPerSlot
	}
	if c.MaxConnectionsPerSlot > 256 {
		c.MaxConnectionsPerSlot = 256
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	if c.MaxReassemblySize <= 0 {
		c.MaxReassemblySize = d.MaxReassemblySize
	}
	return c
}
