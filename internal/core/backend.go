package core

// EngineFactory creates a fresh engine. The root package selects the
// QuickJS or V8 factory based on build tags; tests may substitute their own.
//
// The factory is invoked on the goroutine that will own the engine.
type EngineFactory func(cfg EngineConfig) (Engine, error)
