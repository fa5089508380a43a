package statemachine

import (
	"sync"

	"github.com/extruderguard/core/internal/config"
)

// Registry is the process-wide, explicit detector arena keyed by
// machine ID.
// Access per machine is effectively single-threaded since each
// machine's ticks are serialized through its own polling task; the
// Registry itself is safe for concurrent access across machines.
type Registry struct {
	mu        sync.Mutex
	detectors map[string]*Detector
	cfg       config.DetectorConfig
}

// NewRegistry creates an empty Registry using cfg as the default
// threshold set for newly created detectors.
func NewRegistry(cfg config.DetectorConfig) *Registry {
	return &Registry{detectors: make(map[string]*Detector), cfg: cfg}
}

// Get returns the Detector for machineID, creating one in state OFF
// if this is the first access.
func (reg *Registry) Get(machineID string) *Detector {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	d, ok := reg.detectors[machineID]
	if !ok {
		d = NewDetector(reg.cfg)
		reg.detectors[machineID] = d
	}
	return d
}

// Count returns the number of machines currently tracked.
func (reg *Registry) Count() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.detectors)
}

// Delete removes a machine's detector.
func (reg *Registry) Delete(machineID string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delete(reg.detectors, machineID)
}

// Reset removes every tracked detector (reset-state admin command).
func (reg *Registry) Reset() {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.detectors = make(map[string]*Detector)
}
