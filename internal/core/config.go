package core

// EngineConfig holds per-VM configuration passed to an EngineFactory.
type EngineConfig struct {
	MemoryLimitMB int // heap limit for the VM, 0 for the engine default
}
