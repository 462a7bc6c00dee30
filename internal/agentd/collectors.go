// ABOUTME: Collector registry mapping command actions to their implementations.
// ABOUTME: Includes the builtin probe collector reporting host facts.

package agentd

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"sync"
	"time"
)

// Collector executes one command action. Collect returns the terminal
// payload; intermediate state goes through the progress callback.
type Collector interface {
	Collect(ctx context.Context, params json.RawMessage, progress func(json.RawMessage)) (json.RawMessage, error)
}

// CollectorFunc adapts a function to the Collector interface.
type CollectorFunc func(ctx context.Context, params json.RawMessage, progress func(json.RawMessage)) (json.RawMessage, error)

func (f CollectorFunc) Collect(ctx context.Context, params json.RawMessage, progress func(json.RawMessage)) (json.RawMessage, error) {
	return f(ctx, params, progress)
}

// Registry holds the collectors an agent installation supports.
type Registry struct {
	mu         sync.RWMutex
	collectors map[string]Collector
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{collectors: make(map[string]Collector)}
}

// Register binds a collector to an action, replacing any previous binding.
func (r *Registry) Register(action string, c Collector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collectors[action] = c
}

// RegisterFunc binds a function to an action.
func (r *Registry) RegisterFunc(action string, f CollectorFunc) {
	r.Register(action, f)
}

// Get returns the collector for an action.
func (r *Registry) Get(action string) (Collector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.collectors[action]
	return c, ok
}

// Actions returns the registered action names.
func (r *Registry) Actions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	actions := make([]string, 0, len(r.collectors))
	for a := range r.collectors {
		actions = append(actions, a)
	}
	return actions
}

// ProbeResult is the payload of the builtin probe collector.
type ProbeResult struct {
	Hostname  string    `json:"hostname"`
	OS        string    `json:"os"`
	Arch      string    `json:"arch"`
	Version   string    `json:"version"`
	StartedAt time.Time `json:"started_at"`
	ProbedAt  time.Time `json:"probed_at"`
}

var processStart = time.Now()

// NewProbeCollector returns the builtin probe collector. It reports basic
// host facts so operators can see what is actually running at a site.
func NewProbeCollector(version string) Collector {
	return CollectorFunc(func(ctx context.Context, params json.RawMessage, progress func(json.RawMessage)) (json.RawMessage, error) {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		return json.Marshal(ProbeResult{
			Hostname:  hostname,
			OS:        runtime.GOOS,
			Arch:      runtime.GOARCH,
			Version:   version,
			StartedAt: processStart,
			ProbedAt:  time.Now(),
		})
	})
}
