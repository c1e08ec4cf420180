// Package acp is the session control plane: it owns session lifecycle,
// per-session serialization, the runtime handle cache, persisted session
// metadata and identity reconciliation. Runtime backends plug in through
// the acp/runtime registry.
package acp

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/smallnest/acpgate/acp/acpx"
	"github.com/smallnest/acpgate/acp/runtime"
	"github.com/smallnest/acpgate/config"
	"github.com/smallnest/acpgate/internal/logger"
)

// Global manager singleton
var (
	globalManager   *Manager
	globalManagerMu sync.RWMutex
)

// GetGlobalManager returns the global ACP manager, or nil if none was set.
func GetGlobalManager() *Manager {
	globalManagerMu.RLock()
	defer globalManagerMu.RUnlock()
	return globalManager
}

// SetGlobalManager installs the global ACP manager. Called once during
// application startup.
func SetGlobalManager(manager *Manager) {
	globalManagerMu.Lock()
	defer globalManagerMu.Unlock()
	globalManager = manager
}

// GetOrCreateGlobalManager returns the existing global manager or creates
// one, pushing the current config into the runtime backend either way.
func GetOrCreateGlobalManager(cfg *config.Config) *Manager {
	globalManagerMu.RLock()
	mgr := globalManager
	globalManagerMu.RUnlock()

	if mgr != nil {
		configureRuntimeFromConfig(cfg)
		return mgr
	}

	globalManagerMu.Lock()
	defer globalManagerMu.Unlock()

	if globalManager != nil {
		configureRuntimeFromConfig(cfg)
		return globalManager
	}

	globalManager = NewManager(cfg)
	configureRuntimeFromConfig(cfg)
	return globalManager
}

func configureRuntimeFromConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	acpx.DefaultAdapter().Configure(acpx.Options{
		Command:           cfg.ACP.Command,
		InstallHint:       cfg.ACP.InstallHint,
		DefaultAgent:      cfg.ACP.DefaultAgent,
		PermissionMode:    cfg.ACP.PermissionMode,
		PermissionProfile: cfg.ACP.PermissionProfile,
		TimeoutSeconds:    cfg.ACP.TimeoutSeconds,
		QueueTTLSeconds:   cfg.ACP.QueueTTLSeconds,
	})
}

// Manager owns ACP session lifecycle.
type Manager struct {
	actorQueue          *ActorQueue
	runtimeCache        *RuntimeCache
	store               SessionMetaStore
	activeTurnBySession map[string]*ActiveTurnState
	turnLatencyStats    *TurnLatencyStats
	errorCountsByCode   map[string]int
	mu                  sync.RWMutex
	sessionLimitMu      sync.Mutex
	pendingSessionInits int

	cfg *config.Config
	log *zap.Logger
}

// ActorQueue serializes operations per session key.
type ActorQueue struct {
	mu           sync.Mutex
	queues       map[string]*chan struct{}
	pendingByKey map[string]int
	pendingCount int
}

// NewActorQueue creates an empty actor queue.
func NewActorQueue() *ActorQueue {
	return &ActorQueue{
		queues:       make(map[string]*chan struct{}),
		pendingByKey: make(map[string]int),
	}
}

// Run executes fn with session-level serialization: operations on the same
// session key run one at a time, in arrival order.
func (q *ActorQueue) Run(sessionKey string, fn func() error) error {
	q.mu.Lock()

	queue, exists := q.queues[sessionKey]
	if !exists {
		ch := make(chan struct{}, 1)
		ch <- struct{}{}
		queue = &ch
		q.queues[sessionKey] = queue
	}

	q.pendingByKey[sessionKey]++
	q.pendingCount++
	q.mu.Unlock()

	<-(*queue)
	defer func() {
		(*queue) <- struct{}{}
		q.mu.Lock()
		if q.pendingByKey[sessionKey] > 0 {
			q.pendingByKey[sessionKey]--
		}
		if q.pendingByKey[sessionKey] == 0 {
			delete(q.pendingByKey, sessionKey)
			delete(q.queues, sessionKey)
		}
		q.pendingCount--
		q.mu.Unlock()
	}()

	return fn()
}

// GetTotalPendingCount returns the number of queued operations.
func (q *ActorQueue) GetTotalPendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pendingCount
}

// ActiveTurnState tracks one in-flight turn.
type ActiveTurnState struct {
	runtime         runtime.AcpRuntime
	handle          runtime.AcpRuntimeHandle
	abortController context.CancelFunc
	cancelDone      chan struct{}
	cancelErr       error
}

// TurnLatencyStats tracks turn completion statistics.
type TurnLatencyStats struct {
	completed int
	failed    int
	totalMs   int64
	maxMs     int64
	mu        sync.RWMutex
}

// RecordCompletion folds one finished turn into the stats.
func (s *TurnLatencyStats) RecordCompletion(startedAt time.Time, err error) {
	durationMs := time.Since(startedAt).Milliseconds()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalMs += durationMs
	if durationMs > s.maxMs {
		s.maxMs = durationMs
	}

	if err != nil {
		s.failed++
	} else {
		s.completed++
	}
}

// GetStats returns the raw counters.
func (s *TurnLatencyStats) GetStats() (completed, failed int, totalMs, maxMs int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.completed, s.failed, s.totalMs, s.maxMs
}

// NewManager creates a manager backed by the file store when a data
// directory is configured, otherwise by an in-memory store.
func NewManager(cfg *config.Config) *Manager {
	var store SessionMetaStore
	if cfg != nil && cfg.Workspace.DataDir != "" {
		store = NewFileSessionMetaStore()
	} else {
		store = NewMemorySessionMetaStore()
	}
	return NewManagerWithStore(cfg, store)
}

// NewManagerWithStore creates a manager with an explicit metadata store.
func NewManagerWithStore(cfg *config.Config, store SessionMetaStore) *Manager {
	return &Manager{
		actorQueue:          NewActorQueue(),
		runtimeCache:        NewRuntimeCache(),
		store:               store,
		activeTurnBySession: make(map[string]*ActiveTurnState),
		turnLatencyStats:    &TurnLatencyStats{},
		errorCountsByCode:   make(map[string]int),
		cfg:                 cfg,
		log:                 logger.Component("acp.manager"),
	}
}

// Store exposes the metadata store, mainly for startup reconciliation.
func (m *Manager) Store() SessionMetaStore {
	return m.store
}

// RuntimeCache exposes the handle cache for observability surfaces.
func (m *Manager) RuntimeCache() *RuntimeCache {
	return m.runtimeCache
}

// SessionAcpMeta is the persisted per-session ACP metadata.
type SessionAcpMeta struct {
	Backend            string                        `json:"backend"`
	Agent              string                        `json:"agent"`
	RuntimeSessionName string                        `json:"runtime_session_name"`
	Identity           *SessionIdentity              `json:"identity,omitempty"`
	Mode               runtime.AcpRuntimeSessionMode `json:"mode"`
	RuntimeOptions     SessionRuntimeOptions         `json:"runtime_options,omitempty"`
	Cwd                string                        `json:"cwd"`
	State              string                        `json:"state"` // "idle", "running", "error"
	LastError          string                        `json:"last_error,omitempty"`
	LastActivityAt     int64                         `json:"last_activity_at"`

	// Pre-triple identity projection kept for migration of old records.
	LegacyBackendSessionID string `json:"acpx_session_id,omitempty"`
	LegacyAgentSessionID   string `json:"harness_session_id,omitempty"`
}

// SessionResolution classifies what is known about a session key.
type SessionResolution struct {
	Kind       string // "none", "ready", "stale"
	SessionKey string
	Meta       *SessionAcpMeta
}

// AcpSessionStatus is the status surface returned to callers.
type AcpSessionStatus struct {
	SessionKey     string                         `json:"session_key"`
	Backend        string                         `json:"backend"`
	Agent          string                         `json:"agent"`
	Identity       *SessionIdentity               `json:"identity,omitempty"`
	State          string                         `json:"state"`
	Mode           runtime.AcpRuntimeSessionMode  `json:"mode"`
	RuntimeOptions map[string]any                 `json:"runtime_options"`
	Capabilities   runtime.AcpRuntimeCapabilities `json:"capabilities"`
	RuntimeStatus  *runtime.AcpRuntimeStatus      `json:"runtime_status,omitempty"`
	LastActivityAt int64                          `json:"last_activity_at"`
	LastError      string                         `json:"last_error,omitempty"`
}

// ManagerObservabilitySnapshot aggregates cache and turn statistics.
type ManagerObservabilitySnapshot struct {
	RuntimeCache RuntimeCacheSnapshot        `json:"runtime_cache"`
	Entries      []RuntimeCacheEntrySnapshot `json:"entries,omitempty"`
	Turns        TurnsSnapshot               `json:"turns"`
	ErrorsByCode map[string]int              `json:"errors_by_code"`
}

// RuntimeCacheSnapshot is the aggregate view of the handle cache.
type RuntimeCacheSnapshot struct {
	ActiveSessions int    `json:"active_sessions"`
	IdleTtlMs      int64  `json:"idle_ttl_ms"`
	EvictedTotal   int    `json:"evicted_total"`
	LastEvictedAt  *int64 `json:"last_evicted_at,omitempty"`
}

// TurnsSnapshot is the aggregate view of turn execution.
type TurnsSnapshot struct {
	Active           int   `json:"active"`
	QueueDepth       int   `json:"queue_depth"`
	Completed        int   `json:"completed"`
	Failed           int   `json:"failed"`
	AverageLatencyMs int64 `json:"average_latency_ms"`
	MaxLatencyMs     int64 `json:"max_latency_ms"`
}

// ResolveSession classifies a session key: "ready" when a live runtime is
// cached, "stale" when only persisted metadata exists, "none" otherwise.
// Resolution uses Peek so observing a session does not keep it alive.
func (m *Manager) ResolveSession(sessionKey string) SessionResolution {
	sessionKey = normalizeSessionKey(sessionKey)
	if sessionKey == "" {
		return SessionResolution{Kind: "none"}
	}

	if cached := m.runtimeCache.Peek(sessionKey); cached != nil {
		return SessionResolution{
			Kind:       "ready",
			SessionKey: sessionKey,
			Meta:       m.metaFor(sessionKey),
		}
	}

	if meta := m.metaFor(sessionKey); meta != nil {
		return SessionResolution{
			Kind:       "stale",
			SessionKey: sessionKey,
			Meta:       meta,
		}
	}

	return SessionResolution{Kind: "none", SessionKey: sessionKey}
}

func (m *Manager) metaFor(sessionKey string) *SessionAcpMeta {
	if m.store == nil {
		return nil
	}
	record, err := m.store.ReadSessionMeta(m.cfg, sessionKey)
	if err != nil || record == nil {
		return nil
	}
	return record.Acp
}

// GetObservabilitySnapshot returns a point-in-time view of the manager.
func (m *Manager) GetObservabilitySnapshot() ManagerObservabilitySnapshot {
	m.mu.RLock()
	activeTurns := len(m.activeTurnBySession)
	m.mu.RUnlock()

	completed, failed, totalMs, maxMs := m.turnLatencyStats.GetStats()
	averageLatency := int64(0)
	if total := completed + failed; total > 0 {
		averageLatency = totalMs / int64(total)
	}

	cacheSnapshot := m.runtimeCache.GetSnapshot()
	cacheSnapshot.IdleTtlMs = resolveRuntimeIdleTTL(m.cfg).Milliseconds()

	return ManagerObservabilitySnapshot{
		RuntimeCache: cacheSnapshot,
		Entries:      m.runtimeCache.SnapshotEntries(time.Now()),
		Turns: TurnsSnapshot{
			Active:           activeTurns,
			QueueDepth:       m.actorQueue.GetTotalPendingCount(),
			Completed:        completed,
			Failed:           failed,
			AverageLatencyMs: averageLatency,
			MaxLatencyMs:     maxMs,
		},
		ErrorsByCode: m.GetErrorCounts(),
	}
}

// InitializeSessionInput describes a session to create or resume.
type InitializeSessionInput struct {
	Cfg        *config.Config
	SessionKey string
	Agent      string
	Mode       runtime.AcpRuntimeSessionMode
	Cwd        string
	BackendID  string
}

// InitializeSession creates or resumes a session: policy checks, session
// limit, backend ensure, metadata persistence and a first identity
// reconciliation pass.
func (m *Manager) InitializeSession(ctx context.Context, input InitializeSessionInput) (*runtime.AcpRuntimeHandle, *SessionAcpMeta, error) {
	sessionKey := normalizeSessionKey(input.SessionKey)
	if sessionKey == "" {
		return nil, nil, runtime.NewSessionInitError("ACP session key is required", nil)
	}

	cfg := input.Cfg
	if cfg == nil {
		cfg = m.cfg
	}

	if !IsAcpEnabledByPolicy(cfg) {
		return nil, nil, runtime.NewAcpRuntimeError(runtime.ErrCodePolicyDisabled,
			"ACP sessions are disabled by configuration", nil)
	}

	agent := normalizeAgentID(cfg, input.Agent)
	if err := ResolveAcpAgentPolicyError(cfg, agent); err != nil {
		return nil, nil, err
	}

	_ = m.evictIdleRuntimeHandles(cfg)

	var resultHandle *runtime.AcpRuntimeHandle
	var resultMeta *SessionAcpMeta
	var resultErr error

	err := m.actorQueue.Run(sessionKey, func() error {
		if existing := m.runtimeCache.Get(sessionKey); existing != nil {
			handle := existing.handle
			resultHandle = &handle
			resultMeta = m.metaFor(sessionKey)
			if resultMeta == nil {
				resultMeta = metaFromCachedState(existing)
			}
			return nil
		}

		maxSessions := ResolveAcpMaxConcurrentSessions(cfg)
		if maxSessions > 0 {
			release, acquireErr := m.acquireSessionInitSlot(maxSessions)
			if acquireErr != nil {
				resultErr = acquireErr
				return acquireErr
			}
			defer release()
		}

		backendID := ResolveAcpBackend(cfg, input.BackendID)
		backend, err := runtime.RequireAcpRuntimeBackend(backendID)
		if err != nil {
			resultErr = err
			return err
		}

		rt := backend.Runtime

		mode := input.Mode
		if mode == "" {
			mode = runtime.AcpSessionModePersistent
		}

		handle, err := rt.EnsureSession(ctx, runtime.AcpRuntimeEnsureInput{
			SessionKey: sessionKey,
			Agent:      agent,
			Mode:       mode,
			Cwd:        input.Cwd,
		})
		if err != nil {
			if runtime.GetAcpErrorCode(err) == runtime.ErrCodeBackendUnavailable {
				resultErr = err
			} else {
				resultErr = runtime.NewSessionInitError("could not initialize ACP session runtime", err)
			}
			return resultErr
		}

		now := time.Now().UnixMilli()
		meta := &SessionAcpMeta{
			Backend:            handle.Backend,
			Agent:              agent,
			RuntimeSessionName: handle.RuntimeSessionName,
			Identity:           CreateIdentityFromEnsure(handle, now),
			Mode:               mode,
			Cwd:                handle.Cwd,
			State:              "idle",
			LastActivityAt:     now,
		}

		if m.store != nil {
			if _, err := m.store.WriteSessionMeta(cfg, sessionKey, func(record *SessionMetaRecord) *SessionMetaRecord {
				if record.Acp != nil {
					meta.RuntimeOptions = record.Acp.RuntimeOptions
				}
				record.Acp = meta
				return record
			}); err != nil {
				m.log.Warn("failed to persist session meta",
					zap.String("session_key", sessionKey),
					zap.Error(err))
			}
		}

		m.runtimeCache.Set(sessionKey, &CachedRuntimeState{
			runtime: rt,
			handle:  handle,
			backend: handle.Backend,
			agent:   agent,
			mode:    mode,
			cwd:     handle.Cwd,
		})

		// Identity often resolves only after a status probe; run one pass
		// now, tolerating failure.
		merged, _ := ReconcileSessionIdentity(ctx, ReconcileSessionIdentityInput{
			Cfg:        cfg,
			SessionKey: sessionKey,
			Meta:       meta,
			Runtime:    rt,
			Handle:     handle,
			Store:      m.store,
			ReplaceHandle: func(newHandle runtime.AcpRuntimeHandle) {
				m.replaceCachedHandle(sessionKey, newHandle)
				handle = newHandle
			},
		})
		meta.Identity = merged

		m.log.Info("ACP session initialized",
			zap.String("session_key", sessionKey),
			zap.String("backend", handle.Backend),
			zap.String("agent", agent),
			zap.String("mode", string(mode)))

		resultHandle = &handle
		resultMeta = meta
		return nil
	})

	if err != nil {
		return nil, nil, resultErr
	}

	return resultHandle, resultMeta, nil
}

func metaFromCachedState(state *CachedRuntimeState) *SessionAcpMeta {
	return &SessionAcpMeta{
		Backend:            state.backend,
		Agent:              state.agent,
		RuntimeSessionName: state.handle.RuntimeSessionName,
		Mode:               state.mode,
		Cwd:                state.cwd,
		State:              "idle",
		LastActivityAt:     time.Now().UnixMilli(),
	}
}

// replaceCachedHandle swaps in a new handle for a cached session. Handles
// are immutable; identity updates arrive as whole new handles.
func (m *Manager) replaceCachedHandle(sessionKey string, handle runtime.AcpRuntimeHandle) {
	if state := m.runtimeCache.Peek(sessionKey); state != nil {
		m.runtimeCache.mu.Lock()
		state.handle = handle
		m.runtimeCache.mu.Unlock()
	}
}

func (m *Manager) acquireSessionInitSlot(maxSessions int) (func(), error) {
	m.sessionLimitMu.Lock()
	defer m.sessionLimitMu.Unlock()

	active := m.runtimeCache.Size() + m.pendingSessionInits
	if active >= maxSessions {
		return nil, runtime.NewSessionLimitError(active, maxSessions)
	}

	m.pendingSessionInits++
	released := false
	return func() {
		m.sessionLimitMu.Lock()
		defer m.sessionLimitMu.Unlock()
		if released {
			return
		}
		released = true
		if m.pendingSessionInits > 0 {
			m.pendingSessionInits--
		}
	}, nil
}

// resumeRuntimeFromMeta re-ensures a runtime for a session known only from
// persisted metadata. Must run inside the session's actor queue slot.
func (m *Manager) resumeRuntimeFromMeta(ctx context.Context, cfg *config.Config, sessionKey string, meta *SessionAcpMeta) (*CachedRuntimeState, error) {
	backend, err := runtime.RequireAcpRuntimeBackend(ResolveAcpBackend(cfg, meta.Backend))
	if err != nil {
		return nil, err
	}
	rt := backend.Runtime

	handle, err := rt.EnsureSession(ctx, runtime.AcpRuntimeEnsureInput{
		SessionKey: sessionKey,
		Agent:      meta.Agent,
		Mode:       meta.Mode,
		Cwd:        meta.Cwd,
	})
	if err != nil {
		return nil, err
	}

	state := &CachedRuntimeState{
		runtime: rt,
		handle:  handle,
		backend: handle.Backend,
		agent:   meta.Agent,
		mode:    meta.Mode,
		cwd:     handle.Cwd,
	}
	m.runtimeCache.Set(sessionKey, state)
	return state, nil
}

// GetSessionStatusInput identifies the session to inspect.
type GetSessionStatusInput struct {
	Cfg        *config.Config
	SessionKey string
}

// GetSessionStatus reports the session's state, options, capabilities and
// backend status. A session with persisted metadata but no live runtime is
// reported from metadata alone rather than resurrecting the runtime.
func (m *Manager) GetSessionStatus(ctx context.Context, input GetSessionStatusInput) (*AcpSessionStatus, error) {
	sessionKey := normalizeSessionKey(input.SessionKey)
	if sessionKey == "" {
		return nil, runtime.NewSessionInitError("ACP session key is required", nil)
	}

	cfg := input.Cfg
	if cfg == nil {
		cfg = m.cfg
	}

	_ = m.evictIdleRuntimeHandles(cfg)

	var resultStatus *AcpSessionStatus
	var resultErr error

	err := m.actorQueue.Run(sessionKey, func() error {
		resolution := m.ResolveSession(sessionKey)
		if resolution.Kind == "none" {
			resultErr = runtime.NewSessionInitError(fmt.Sprintf("session is not ACP-enabled: %s", sessionKey), nil)
			return resultErr
		}

		meta := resolution.Meta

		cached := m.runtimeCache.Peek(sessionKey)
		if cached == nil {
			// Stale session: report from metadata without re-spawning.
			resultStatus = &AcpSessionStatus{
				SessionKey:     sessionKey,
				Backend:        meta.Backend,
				Agent:          meta.Agent,
				Identity:       meta.Identity,
				State:          "stale",
				Mode:           meta.Mode,
				RuntimeOptions: RuntimeOptionsToMap(meta.RuntimeOptions),
				LastActivityAt: meta.LastActivityAt,
				LastError:      meta.LastError,
			}
			return nil
		}

		rt := cached.runtime
		handle := cached.handle

		capabilities, _ := rt.GetCapabilities(ctx, &handle)

		var runtimeStatus *runtime.AcpRuntimeStatus
		if status, err := rt.GetStatus(ctx, handle); err == nil {
			runtimeStatus = status
		}

		identity := (*SessionIdentity)(nil)
		if meta != nil {
			identity = meta.Identity
		}
		if runtimeStatus != nil {
			merged, _ := ReconcileSessionIdentity(ctx, ReconcileSessionIdentityInput{
				Cfg:        cfg,
				SessionKey: sessionKey,
				Meta:       meta,
				Runtime:    rt,
				Handle:     handle,
				Status:     runtimeStatus,
				Store:      m.store,
				ReplaceHandle: func(newHandle runtime.AcpRuntimeHandle) {
					m.replaceCachedHandle(sessionKey, newHandle)
				},
			})
			identity = merged
		}

		state := "idle"
		m.mu.RLock()
		if _, active := m.activeTurnBySession[normalizeActorKey(sessionKey)]; active {
			state = "running"
		}
		m.mu.RUnlock()

		options := SessionRuntimeOptions{}
		lastActivity := time.Now().UnixMilli()
		lastError := ""
		if meta != nil {
			options = meta.RuntimeOptions
			lastActivity = meta.LastActivityAt
			lastError = meta.LastError
		}

		resultStatus = &AcpSessionStatus{
			SessionKey:     sessionKey,
			Backend:        handle.Backend,
			Agent:          cached.agent,
			Identity:       identity,
			State:          state,
			Mode:           cached.mode,
			RuntimeOptions: RuntimeOptionsToMap(options),
			Capabilities:   capabilities,
			RuntimeStatus:  runtimeStatus,
			LastActivityAt: lastActivity,
			LastError:      lastError,
		}
		return nil
	})

	if err != nil {
		return nil, resultErr
	}

	return resultStatus, nil
}

// applyRuntimeOptions pushes options to the backend, skipping the push when
// the cached signature shows the backend already has this exact set.
func (m *Manager) applyRuntimeOptions(ctx context.Context, sessionKey string, cached *CachedRuntimeState, options SessionRuntimeOptions) error {
	signature := RuntimeOptionsSignature(options)
	if signature == cached.appliedControlSignature {
		return nil
	}

	if options.RuntimeMode != "" {
		if err := cached.runtime.SetMode(ctx, cached.handle, options.RuntimeMode); err != nil {
			return err
		}
	}
	for _, pair := range ToControlPairs(options) {
		if err := cached.runtime.SetConfigOption(ctx, cached.handle, pair.Key, pair.Value); err != nil {
			return err
		}
	}

	m.runtimeCache.SetAppliedControlSignature(sessionKey, signature)
	return nil
}

// persistRuntimeOptions stores merged options in session metadata.
func (m *Manager) persistRuntimeOptions(cfg *config.Config, sessionKey string, options SessionRuntimeOptions) {
	if m.store == nil {
		return
	}
	now := time.Now().UnixMilli()
	if _, err := m.store.WriteSessionMeta(cfg, sessionKey, func(record *SessionMetaRecord) *SessionMetaRecord {
		if record.Acp == nil {
			record.Acp = &SessionAcpMeta{}
		}
		record.Acp.RuntimeOptions = options
		record.Acp.LastActivityAt = now
		return record
	}); err != nil {
		m.log.Warn("failed to persist runtime options",
			zap.String("session_key", sessionKey),
			zap.Error(err))
	}
}

// SetSessionRuntimeOptionsInput carries a runtime-option patch.
type SetSessionRuntimeOptionsInput struct {
	Cfg        *config.Config
	SessionKey string
	Patch      map[string]any
}

// SetSessionRuntimeOptions validates and merges a patch onto the session's
// stored options, then pushes the result to the backend.
func (m *Manager) SetSessionRuntimeOptions(ctx context.Context, input SetSessionRuntimeOptionsInput) (map[string]any, error) {
	sessionKey := normalizeSessionKey(input.SessionKey)
	if sessionKey == "" {
		return nil, runtime.NewSessionInitError("ACP session key is required", nil)
	}

	cfg := input.Cfg
	if cfg == nil {
		cfg = m.cfg
	}

	var resultOptions map[string]any
	var resultErr error

	err := m.actorQueue.Run(sessionKey, func() error {
		cached := m.runtimeCache.Get(sessionKey)
		if cached == nil {
			resultErr = runtime.NewSessionInitError(fmt.Sprintf("session not found: %s", sessionKey), nil)
			return resultErr
		}

		current := SessionRuntimeOptions{}
		if meta := m.metaFor(sessionKey); meta != nil {
			current = meta.RuntimeOptions
		}

		merged, err := ApplyRuntimeOptionPatch(current, input.Patch)
		if err != nil {
			resultErr = err
			return err
		}

		if err := m.applyRuntimeOptions(ctx, sessionKey, cached, merged); err != nil {
			resultErr = runtime.NewTurnError("could not apply ACP runtime options", err)
			return resultErr
		}

		m.persistRuntimeOptions(cfg, sessionKey, merged)
		resultOptions = RuntimeOptionsToMap(merged)
		return nil
	})

	if err != nil {
		return nil, resultErr
	}

	return resultOptions, nil
}

// SetSessionRuntimeModeInput carries a mode change request.
type SetSessionRuntimeModeInput struct {
	Cfg         *config.Config
	SessionKey  string
	RuntimeMode string
}

// SetSessionRuntimeMode switches the session's runtime mode. Rejected while
// a turn is active so the mode cannot flip mid-stream.
func (m *Manager) SetSessionRuntimeMode(ctx context.Context, input SetSessionRuntimeModeInput) (map[string]any, error) {
	sessionKey := normalizeSessionKey(input.SessionKey)
	if sessionKey == "" {
		return nil, runtime.NewSessionInitError("ACP session key is required", nil)
	}

	mode, err := ValidateRuntimeModeInput(input.RuntimeMode)
	if err != nil {
		return nil, err
	}

	cfg := input.Cfg
	if cfg == nil {
		cfg = m.cfg
	}

	var resultOptions map[string]any
	var resultErr error

	qErr := m.actorQueue.Run(sessionKey, func() error {
		cached := m.runtimeCache.Get(sessionKey)
		if cached == nil {
			resultErr = runtime.NewSessionInitError(fmt.Sprintf("session not found: %s", sessionKey), nil)
			return resultErr
		}

		actorKey := normalizeActorKey(sessionKey)
		m.mu.RLock()
		_, hasActiveTurn := m.activeTurnBySession[actorKey]
		m.mu.RUnlock()
		if hasActiveTurn {
			resultErr = runtime.NewTurnError(fmt.Sprintf("ACP turn already active for session: %s", sessionKey), nil)
			return resultErr
		}

		if err := cached.runtime.SetMode(ctx, cached.handle, mode); err != nil {
			if runtime.GetAcpErrorCode(err) == runtime.ErrCodeBackendUnsupportedControl {
				resultErr = runtime.NewUnsupportedControlError(cached.handle.Backend, runtime.AcpControlSessionSetMode)
			} else {
				resultErr = runtime.NewTurnError("could not update ACP runtime mode", err)
			}
			return resultErr
		}

		current := SessionRuntimeOptions{}
		if meta := m.metaFor(sessionKey); meta != nil {
			current = meta.RuntimeOptions
		}
		merged, mergeErr := ApplyRuntimeOptionPatch(current, map[string]any{"runtime_mode": mode})
		if mergeErr == nil {
			m.persistRuntimeOptions(cfg, sessionKey, merged)
			m.runtimeCache.SetAppliedControlSignature(sessionKey, RuntimeOptionsSignature(merged))
		}

		resultOptions = map[string]any{"runtime_mode": mode}
		return nil
	})

	if qErr != nil {
		return nil, resultErr
	}

	return resultOptions, nil
}

// SetSessionConfigOptionInput carries one key/value config change.
type SetSessionConfigOptionInput struct {
	Cfg        *config.Config
	SessionKey string
	Key        string
	Value      string
}

// SetSessionConfigOption applies a single config option, folding it into the
// session's stored runtime options via the alias mapping.
func (m *Manager) SetSessionConfigOption(ctx context.Context, input SetSessionConfigOptionInput) (map[string]any, error) {
	sessionKey := normalizeSessionKey(input.SessionKey)
	if sessionKey == "" {
		return nil, runtime.NewSessionInitError("ACP session key is required", nil)
	}

	key, value, err := ValidateRuntimeConfigOptionInput(input.Key, input.Value)
	if err != nil {
		return nil, err
	}

	cfg := input.Cfg
	if cfg == nil {
		cfg = m.cfg
	}

	var resultOptions map[string]any
	var resultErr error

	qErr := m.actorQueue.Run(sessionKey, func() error {
		cached := m.runtimeCache.Get(sessionKey)
		if cached == nil {
			resultErr = runtime.NewSessionInitError(fmt.Sprintf("session not found: %s", sessionKey), nil)
			return resultErr
		}

		current := SessionRuntimeOptions{}
		if meta := m.metaFor(sessionKey); meta != nil {
			current = meta.RuntimeOptions
		}

		patch := InferRuntimeOptionPatchFromConfigOption(key, value)
		merged, mergeErr := ApplyRuntimeOptionPatch(current, patch)
		if mergeErr != nil {
			resultErr = mergeErr
			return mergeErr
		}

		if err := cached.runtime.SetConfigOption(ctx, cached.handle, key, value); err != nil {
			if runtime.GetAcpErrorCode(err) == runtime.ErrCodeBackendUnsupportedControl {
				resultErr = runtime.NewUnsupportedControlError(cached.handle.Backend, runtime.AcpControlSessionSetConfigOption)
			} else {
				resultErr = runtime.NewTurnError("could not update ACP config option", err)
			}
			return resultErr
		}

		m.persistRuntimeOptions(cfg, sessionKey, merged)
		m.runtimeCache.SetAppliedControlSignature(sessionKey, RuntimeOptionsSignature(merged))

		resultOptions = map[string]any{key: value}
		return nil
	})

	if qErr != nil {
		return nil, resultErr
	}

	return resultOptions, nil
}

// CancelSessionInput identifies the session whose turn to cancel.
type CancelSessionInput struct {
	Cfg        *config.Config
	SessionKey string
	Reason     string
}

// CancelSession aborts the session's active turn, if any. Cancel on an idle
// session is a no-op.
func (m *Manager) CancelSession(ctx context.Context, input CancelSessionInput) error {
	sessionKey := normalizeSessionKey(input.SessionKey)
	if sessionKey == "" {
		return runtime.NewSessionInitError("ACP session key is required", nil)
	}

	cfg := input.Cfg
	if cfg == nil {
		cfg = m.cfg
	}

	_ = m.evictIdleRuntimeHandles(cfg)

	actorKey := normalizeActorKey(sessionKey)

	m.mu.Lock()
	activeTurn, exists := m.activeTurnBySession[actorKey]
	if !exists {
		m.mu.Unlock()
		return nil
	}

	activeTurn.abortController()
	if activeTurn.cancelDone == nil {
		activeTurn.cancelDone = make(chan struct{})
		rt := activeTurn.runtime
		handle := activeTurn.handle
		done := activeTurn.cancelDone
		go func() {
			err := rt.Cancel(ctx, handle, input.Reason)
			m.mu.Lock()
			activeTurn.cancelErr = err
			close(done)
			m.mu.Unlock()
		}()
	}
	done := activeTurn.cancelDone
	m.mu.Unlock()

	<-done
	m.mu.RLock()
	cancelErr := activeTurn.cancelErr
	m.mu.RUnlock()
	return cancelErr
}

// RunTrackedTurnInput describes one prompt turn.
type RunTrackedTurnInput struct {
	Cfg        *config.Config
	SessionKey string
	Text       string
	Mode       runtime.AcpRuntimePromptMode
	RequestID  string
}

// RunTrackedTurnResult carries the event stream for a started turn. A caller
// that stops reading EventChan before it closes must cancel the context it
// passed to RunTrackedTurn, otherwise the turn stays active.
type RunTrackedTurnResult struct {
	EventChan <-chan runtime.AcpRuntimeEvent
	RequestID string
}

// RunTrackedTurn starts a turn with tracking: one active turn per session,
// cooperative cancellation, pending runtime options applied first, and
// latency/error accounting on completion.
func (m *Manager) RunTrackedTurn(ctx context.Context, input RunTrackedTurnInput) (*RunTrackedTurnResult, error) {
	sessionKey := normalizeSessionKey(input.SessionKey)
	if sessionKey == "" {
		return nil, runtime.NewSessionInitError("ACP session key is required", nil)
	}

	cfg := input.Cfg
	if cfg == nil {
		cfg = m.cfg
	}

	var result *RunTrackedTurnResult
	var resultErr error

	err := m.actorQueue.Run(sessionKey, func() error {
		cached := m.runtimeCache.Get(sessionKey)
		if cached == nil {
			meta := m.metaFor(sessionKey)
			if meta == nil {
				resultErr = runtime.NewSessionInitError(fmt.Sprintf("session not found: %s", sessionKey), nil)
				return resultErr
			}
			resumed, err := m.resumeRuntimeFromMeta(ctx, cfg, sessionKey, meta)
			if err != nil {
				resultErr = err
				return err
			}
			cached = resumed
		}

		actorKey := normalizeActorKey(sessionKey)
		m.mu.RLock()
		_, hasActiveTurn := m.activeTurnBySession[actorKey]
		m.mu.RUnlock()
		if hasActiveTurn {
			resultErr = runtime.NewTurnError(fmt.Sprintf("ACP turn already active for session: %s", sessionKey), nil)
			return resultErr
		}

		if meta := m.metaFor(sessionKey); meta != nil {
			if err := m.applyRuntimeOptions(ctx, sessionKey, cached, meta.RuntimeOptions); err != nil {
				m.log.Warn("failed to apply runtime options before turn",
					zap.String("session_key", sessionKey),
					zap.Error(err))
			}
		}

		rt := cached.runtime
		handle := cached.handle

		cancelCtx, abortController := context.WithCancel(ctx)

		rawEventChan, err := rt.RunTurn(cancelCtx, runtime.AcpRuntimeTurnInput{
			Handle:    handle,
			Text:      input.Text,
			Mode:      input.Mode,
			RequestID: input.RequestID,
		})
		if err != nil {
			abortController()
			resultErr = err
			return err
		}

		activeTurn := &ActiveTurnState{
			runtime:         rt,
			handle:          handle,
			abortController: abortController,
		}

		m.mu.Lock()
		m.activeTurnBySession[actorKey] = activeTurn
		m.mu.Unlock()

		m.touchSessionState(cfg, sessionKey, "running", "")

		startedAt := time.Now()
		trackedChan := make(chan runtime.AcpRuntimeEvent, 16)

		// Forward events while watching for the terminal error, then tear
		// down tracking. A caller that abandons the stream must cancel its
		// context; forwarding then degrades to best effort while the raw
		// channel keeps draining, so tracking state is always torn down.
		go func() {
			var turnErr error
			for event := range rawEventChan {
				if event == nil {
					continue
				}
				if eventErr, ok := event.(*runtime.AcpEventError); ok {
					turnErr = runtime.NewTurnError(eventErr.Message, nil)
				}
				select {
				case trackedChan <- event:
					continue
				default:
				}
				select {
				case trackedChan <- event:
				case <-cancelCtx.Done():
				}
			}

			close(trackedChan)
			abortController()

			m.mu.Lock()
			delete(m.activeTurnBySession, actorKey)
			if turnErr != nil {
				if code := runtime.GetAcpErrorCode(turnErr); code != "" {
					m.errorCountsByCode[code]++
				}
			}
			m.mu.Unlock()

			if turnErr != nil {
				m.touchSessionState(cfg, sessionKey, "error", turnErr.Error())
			} else {
				m.touchSessionState(cfg, sessionKey, "idle", "")
			}

			m.runtimeCache.Get(sessionKey) // refresh idle clock at turn end
			m.turnLatencyStats.RecordCompletion(startedAt, turnErr)

			// Oneshot sessions live for exactly one turn.
			if cached := m.runtimeCache.Peek(sessionKey); cached != nil && cached.mode == runtime.AcpSessionModeOneshot {
				closeCtx, cancelClose := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancelClose()
				if _, closeErr := m.CloseSession(closeCtx, CloseSessionInput{
					Cfg:                        cfg,
					SessionKey:                 sessionKey,
					Reason:                     "oneshot-complete",
					ClearMeta:                  true,
					TolerateBackendUnavailable: true,
				}); closeErr != nil {
					m.log.Warn("oneshot auto-close failed",
						zap.String("session_key", sessionKey),
						zap.Error(closeErr))
				}
			}
		}()

		result = &RunTrackedTurnResult{
			EventChan: trackedChan,
			RequestID: input.RequestID,
		}
		return nil
	})

	if err != nil {
		return nil, resultErr
	}

	return result, nil
}

func (m *Manager) touchSessionState(cfg *config.Config, sessionKey, state, lastError string) {
	if m.store == nil {
		return
	}
	now := time.Now().UnixMilli()
	if _, err := m.store.WriteSessionMeta(cfg, sessionKey, func(record *SessionMetaRecord) *SessionMetaRecord {
		if record.Acp == nil {
			return record
		}
		record.Acp.State = state
		record.Acp.LastError = lastError
		record.Acp.LastActivityAt = now
		return record
	}); err != nil {
		m.log.Debug("failed to update session state",
			zap.String("session_key", sessionKey),
			zap.Error(err))
	}
}

// CloseSessionInput describes a close request.
type CloseSessionInput struct {
	Cfg        *config.Config
	SessionKey string
	Reason     string

	// RequireAcpSession makes closing an unknown session an error instead
	// of a no-op.
	RequireAcpSession bool

	// ClearMeta also deletes the persisted metadata record.
	ClearMeta bool

	// TolerateBackendUnavailable downgrades a failed backend close to a
	// notice so local state is still released.
	TolerateBackendUnavailable bool
}

// CloseSessionResult reports what a close actually did.
type CloseSessionResult struct {
	RuntimeClosed bool
	RuntimeNotice string
	MetaCleared   bool
}

// CloseSession cancels any active turn, closes the backend session, clears
// the cache entry, releases thread bindings and optionally deletes metadata.
func (m *Manager) CloseSession(ctx context.Context, input CloseSessionInput) (*CloseSessionResult, error) {
	sessionKey := normalizeSessionKey(input.SessionKey)
	if sessionKey == "" {
		return nil, runtime.NewSessionInitError("ACP session key is required", nil)
	}

	cfg := input.Cfg
	if cfg == nil {
		cfg = m.cfg
	}

	_ = m.evictIdleRuntimeHandles(cfg)

	var result *CloseSessionResult
	var resultErr error

	err := m.actorQueue.Run(sessionKey, func() error {
		actorKey := normalizeActorKey(sessionKey)

		// Cancel any active turn before touching the runtime handle.
		m.mu.Lock()
		activeTurn, hasActiveTurn := m.activeTurnBySession[actorKey]
		if hasActiveTurn {
			activeTurn.abortController()
			if activeTurn.cancelDone == nil {
				activeTurn.cancelDone = make(chan struct{})
				rt := activeTurn.runtime
				handle := activeTurn.handle
				done := activeTurn.cancelDone
				go func() {
					err := rt.Cancel(ctx, handle, input.Reason)
					m.mu.Lock()
					activeTurn.cancelErr = err
					close(done)
					m.mu.Unlock()
				}()
			}
		}
		var cancelDone chan struct{}
		if hasActiveTurn {
			cancelDone = activeTurn.cancelDone
		}
		m.mu.Unlock()

		if cancelDone != nil {
			<-cancelDone
			m.mu.RLock()
			cancelErr := activeTurn.cancelErr
			m.mu.RUnlock()
			if cancelErr != nil {
				resultErr = cancelErr
				return cancelErr
			}
		}

		cached := m.runtimeCache.Peek(sessionKey)
		if cached == nil {
			if input.RequireAcpSession && m.metaFor(sessionKey) == nil {
				resultErr = runtime.NewSessionInitError(fmt.Sprintf("session is not ACP-enabled: %s", sessionKey), nil)
				return resultErr
			}
			UnbindThreadBindingsForSession(sessionKey)
			metaCleared := false
			if input.ClearMeta && m.store != nil {
				if err := m.store.DeleteSessionMeta(cfg, sessionKey); err == nil {
					metaCleared = true
				}
			}
			result = &CloseSessionResult{MetaCleared: metaCleared}
			return nil
		}

		runtimeClosed := false
		runtimeNotice := ""

		if err := cached.runtime.Close(ctx, cached.handle, input.Reason); err != nil {
			unavailable := runtime.GetAcpErrorCode(err) == runtime.ErrCodeBackendUnavailable
			if !input.TolerateBackendUnavailable || !unavailable {
				resultErr = err
				return err
			}
			runtimeNotice = err.Error()
		} else {
			runtimeClosed = true
		}

		m.runtimeCache.Clear(sessionKey)
		UnbindThreadBindingsForSession(sessionKey)

		metaCleared := false
		if input.ClearMeta && m.store != nil {
			if err := m.store.DeleteSessionMeta(cfg, sessionKey); err == nil {
				metaCleared = true
			}
		} else {
			m.touchSessionState(cfg, sessionKey, "closed", "")
		}

		m.log.Info("ACP session closed",
			zap.String("session_key", sessionKey),
			zap.Bool("runtime_closed", runtimeClosed),
			zap.Bool("meta_cleared", metaCleared))

		result = &CloseSessionResult{
			RuntimeClosed: runtimeClosed,
			RuntimeNotice: runtimeNotice,
			MetaCleared:   metaCleared,
		}
		return nil
	})

	if err != nil {
		return nil, resultErr
	}

	return result, nil
}

// RecordError counts an error by code for observability.
func (m *Manager) RecordError(code string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorCountsByCode[code]++
}

// GetErrorCounts returns a copy of the per-code error counters.
func (m *Manager) GetErrorCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[string]int, len(m.errorCountsByCode))
	for k, v := range m.errorCountsByCode {
		counts[k] = v
	}
	return counts
}

// EvictIdleRuntimeHandles closes and evicts sessions idle past the TTL.
// Called opportunistically on session operations and periodically by the
// sweeper.
func (m *Manager) EvictIdleRuntimeHandles(cfg *config.Config) int {
	return m.evictIdleRuntimeHandles(cfg)
}

func (m *Manager) evictIdleRuntimeHandles(cfg *config.Config) int {
	idleTTL := resolveRuntimeIdleTTL(cfg)
	if idleTTL <= 0 || m.runtimeCache.Size() == 0 {
		return 0
	}

	candidates := m.runtimeCache.CollectIdleCandidates(idleTTL, time.Now())
	evicted := 0

	for _, candidate := range candidates {
		actorKey := normalizeActorKey(candidate.SessionKey)

		m.mu.RLock()
		_, hasActiveTurn := m.activeTurnBySession[actorKey]
		m.mu.RUnlock()

		if hasActiveTurn {
			continue
		}

		_ = m.actorQueue.Run(candidate.SessionKey, func() error {
			cached := m.runtimeCache.Peek(candidate.SessionKey)
			if cached == nil {
				return nil
			}

			// Re-check idleness: the session may have been touched while
			// the eviction waited in the queue.
			if time.Since(m.runtimeCache.GetLastTouchedAt(candidate.SessionKey)) < idleTTL {
				return nil
			}

			m.runtimeCache.Clear(candidate.SessionKey)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = cached.runtime.Close(ctx, cached.handle, "idle-evicted")

			m.runtimeCache.IncrementEvicted()
			m.log.Info("idle ACP session evicted",
				zap.String("session_key", candidate.SessionKey),
				zap.Time("last_touched_at", candidate.LastTouchedAt))

			evicted++
			return nil
		})
	}

	return evicted
}

func normalizeSessionKey(key string) string {
	return strings.TrimSpace(key)
}

func normalizeAgentID(cfg *config.Config, id string) string {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return ResolveAcpDefaultAgent(cfg)
	}
	return trimmed
}

func normalizeActorKey(sessionKey string) string {
	return sessionKey
}

func resolveRuntimeIdleTTL(cfg *config.Config) time.Duration {
	if cfg == nil || cfg.ACP.IdleTimeoutMs == 0 {
		return 5 * time.Minute
	}
	if cfg.ACP.IdleTimeoutMs < 0 {
		return 0
	}
	return time.Duration(cfg.ACP.IdleTimeoutMs) * time.Millisecond
}
