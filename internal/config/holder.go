package config

import "sync"

// Holder guards a mutable *Config behind a lock, alongside the config
// file's path, which never changes after construction. SessionProvider and
// Orchestrator both read through one shared Holder, so a SIGHUP reload
// lands in a single place and is visible to both immediately.
type Holder struct {
	mu       sync.RWMutex
	current  *Config
	filePath string
}

// NewHolder wraps cfg, loaded from filePath, in a Holder.
func NewHolder(cfg *Config, filePath string) *Holder {
	return &Holder{
		current:  cfg,
		filePath: filePath,
	}
}

// Config returns the current config snapshot.
func (h *Holder) Config() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.current
}

// Path returns the config file path this Holder was built from. No locking
// needed since it never changes after NewHolder.
func (h *Holder) Path() string {
	return h.filePath
}

// Update swaps in a freshly reloaded config, visible to every reader
// sharing this Holder from the next Config() call on.
func (h *Holder) Update(cfg *Config) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.current = cfg
}
