package pipeline

import (
	"sync"

	"github.com/locomote-sh/content-server/internal/record"
)

// HookPhase selects whether a hook runs before or after the named
// operation's record transform.
type HookPhase string

const (
	PreHook  HookPhase = "pre"
	PostHook HookPhase = "post"
)

// Hook processes one record flowing through an operation. Returning nil
// removes the record from the stream.
type Hook func(vars Vars, rec *record.FileRecord) (*record.FileRecord, error)

// Hooks is a registry of record hooks keyed by (namespace, phase,
// operation name). Extensions register hooks at startup; operations fold
// matching hooks into their record transforms at run time.
type Hooks struct {
	mu    sync.RWMutex
	hooks map[hookKey][]Hook
}

type hookKey struct {
	namespace string
	phase     HookPhase
	name      string
}

// NewHooks creates an empty hook registry.
func NewHooks() *Hooks {
	return &Hooks{hooks: make(map[hookKey][]Hook)}
}

// Register appends h for (namespace, phase, name). Hooks run in
// registration order.
func (h *Hooks) Register(namespace string, phase HookPhase, name string, hook Hook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	k := hookKey{namespace, phase, name}
	h.hooks[k] = append(h.hooks[k], hook)
}

// Apply runs the registered hooks for (namespace, phase, name) over rec.
// The chain stops early when a hook drops the record.
func (h *Hooks) Apply(namespace string, phase HookPhase, name string, vars Vars, rec *record.FileRecord) (*record.FileRecord, error) {
	h.mu.RLock()
	chain := h.hooks[hookKey{namespace, phase, name}]
	h.mu.RUnlock()

	var err error
	for _, hook := range chain {
		rec, err = hook(vars, rec)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, nil
		}
	}
	return rec, nil
}
