package orchestrator

import (
	"github.com/ShayCichocki/weft/internal/config"
	"github.com/ShayCichocki/weft/internal/control"
	"github.com/ShayCichocki/weft/internal/decompose"
	"github.com/ShayCichocki/weft/internal/dispatch"
	"github.com/ShayCichocki/weft/internal/reflexion"
	"github.com/ShayCichocki/weft/internal/store"
)

// RequiredConfig contains the minimal required configuration for an
// Orchestrator. All fields are required and have no defaults.
type RequiredConfig struct {
	// Store is the canonical Task Store.
	Store *store.DB
	// Registry maps roles to worker implementations.
	Registry *dispatch.Registry
}

// Option configures an Orchestrator. Use With* functions to create Options.
type Option func(*orchestratorOptions)

// orchestratorOptions holds all optional configuration.
type orchestratorOptions struct {
	cfg         *config.Config
	logger      *DebugLogger
	memory      reflexion.Memory
	signals     *control.SignalManager
	decomposer  *decompose.Decomposer
	concurrency int
}

// WithConfig sets the configuration; defaults apply when unset.
func WithConfig(cfg *config.Config) Option {
	return func(o *orchestratorOptions) { o.cfg = cfg }
}

// WithLogger sets the debug logger.
func WithLogger(l *DebugLogger) Option {
	return func(o *orchestratorOptions) { o.logger = l }
}

// WithMemory sets the reflexion remedy memory.
func WithMemory(m reflexion.Memory) Option {
	return func(o *orchestratorOptions) { o.memory = m }
}

// WithSignals sets the control-file signal manager.
func WithSignals(sm *control.SignalManager) Option {
	return func(o *orchestratorOptions) { o.signals = sm }
}

// WithDecomposer sets a custom decomposer (mainly for testing).
func WithDecomposer(d *decompose.Decomposer) Option {
	return func(o *orchestratorOptions) { o.decomposer = d }
}

// WithConcurrency overrides the configured concurrency limit.
func WithConcurrency(n int) Option {
	return func(o *orchestratorOptions) { o.concurrency = n }
}
