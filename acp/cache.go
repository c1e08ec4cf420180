package acp

import (
	"sync"
	"time"

	"github.com/smallnest/acpgate/acp/runtime"
)

// RuntimeCache holds live runtime handles keyed by session key. The cache
// never runs its own timers: idle eviction is driven entirely by callers,
// which pass the clock in so behavior stays deterministic under test.
type RuntimeCache struct {
	mu            sync.RWMutex
	states        map[string]*CachedRuntimeState
	evictedTotal  int
	lastEvictedAt *int64
}

// CachedRuntimeState is a live session entry.
type CachedRuntimeState struct {
	runtime runtime.AcpRuntime
	handle  runtime.AcpRuntimeHandle
	backend string
	agent   string
	mode    runtime.AcpRuntimeSessionMode
	cwd     string

	// appliedControlSignature records which runtime-option set has already
	// been pushed to the backend, so unchanged options are not re-applied
	// on every turn.
	appliedControlSignature string

	lastTouchedAt time.Time
}

// NewRuntimeCache creates an empty cache.
func NewRuntimeCache() *RuntimeCache {
	return &RuntimeCache{
		states: make(map[string]*CachedRuntimeState),
	}
}

// Get retrieves an entry and refreshes its last-touched time.
func (c *RuntimeCache) Get(sessionKey string) *CachedRuntimeState {
	return c.GetAt(sessionKey, time.Now())
}

// GetAt is Get with an explicit clock.
func (c *RuntimeCache) GetAt(sessionKey string, now time.Time) *CachedRuntimeState {
	c.mu.Lock()
	defer c.mu.Unlock()

	if state, exists := c.states[sessionKey]; exists {
		state.lastTouchedAt = now
		return state
	}
	return nil
}

// Peek retrieves an entry without touching it. Observability reads use this
// so that watching a session does not keep it alive.
func (c *RuntimeCache) Peek(sessionKey string) *CachedRuntimeState {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.states[sessionKey]
}

// Set stores an entry, touching it at now.
func (c *RuntimeCache) Set(sessionKey string, state *CachedRuntimeState) {
	c.SetAt(sessionKey, state, time.Now())
}

// SetAt is Set with an explicit clock.
func (c *RuntimeCache) SetAt(sessionKey string, state *CachedRuntimeState, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state.lastTouchedAt = now
	c.states[sessionKey] = state
}

// Clear removes an entry.
func (c *RuntimeCache) Clear(sessionKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.states, sessionKey)
}

// Has reports whether a session key is cached.
func (c *RuntimeCache) Has(sessionKey string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, exists := c.states[sessionKey]
	return exists
}

// Size returns the number of cached entries.
func (c *RuntimeCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.states)
}

// GetLastTouchedAt returns the last-touched time for a session, or the zero
// time when absent.
func (c *RuntimeCache) GetLastTouchedAt(sessionKey string) time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if state, exists := c.states[sessionKey]; exists {
		return state.lastTouchedAt
	}
	return time.Time{}
}

// SetAppliedControlSignature records the applied runtime-option signature.
func (c *RuntimeCache) SetAppliedControlSignature(sessionKey, signature string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if state, exists := c.states[sessionKey]; exists {
		state.appliedControlSignature = signature
	}
}

// IdleCandidate is a session eligible for idle eviction.
type IdleCandidate struct {
	SessionKey    string
	LastTouchedAt time.Time
	Handle        *runtime.AcpRuntimeHandle
}

// CollectIdleCandidates returns sessions idle for at least maxIdle as of
// now. A non-positive maxIdle disables collection entirely.
func (c *RuntimeCache) CollectIdleCandidates(maxIdle time.Duration, now time.Time) []IdleCandidate {
	if maxIdle <= 0 {
		return nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var candidates []IdleCandidate
	for sessionKey, state := range c.states {
		if now.Sub(state.lastTouchedAt) >= maxIdle {
			candidates = append(candidates, IdleCandidate{
				SessionKey:    sessionKey,
				LastTouchedAt: state.lastTouchedAt,
				Handle:        &state.handle,
			})
		}
	}

	return candidates
}

// RuntimeCacheEntrySnapshot is a read-only view of one cached session.
type RuntimeCacheEntrySnapshot struct {
	SessionKey string `json:"session_key"`
	Backend    string `json:"backend"`
	Agent      string `json:"agent"`
	Mode       string `json:"mode"`
	Cwd        string `json:"cwd"`
	IdleMs     int64  `json:"idle_ms"`
}

// SnapshotEntries returns per-entry views with idle times computed against
// now. Snapshotting does not touch entries.
func (c *RuntimeCache) SnapshotEntries(now time.Time) []RuntimeCacheEntrySnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entries := make([]RuntimeCacheEntrySnapshot, 0, len(c.states))
	for sessionKey, state := range c.states {
		idleMs := now.Sub(state.lastTouchedAt).Milliseconds()
		if idleMs < 0 {
			idleMs = 0
		}
		entries = append(entries, RuntimeCacheEntrySnapshot{
			SessionKey: sessionKey,
			Backend:    state.backend,
			Agent:      state.agent,
			Mode:       string(state.mode),
			Cwd:        state.cwd,
			IdleMs:     idleMs,
		})
	}
	return entries
}

// IncrementEvicted bumps the eviction counter.
func (c *RuntimeCache) IncrementEvicted() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictedTotal++
	now := time.Now().UnixMilli()
	c.lastEvictedAt = &now
}

// GetSnapshot returns aggregate cache statistics.
func (c *RuntimeCache) GetSnapshot() RuntimeCacheSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snapshot := RuntimeCacheSnapshot{
		ActiveSessions: len(c.states),
		EvictedTotal:   c.evictedTotal,
	}

	if c.lastEvictedAt != nil {
		snapshot.LastEvictedAt = c.lastEvictedAt
	}

	return snapshot
}
