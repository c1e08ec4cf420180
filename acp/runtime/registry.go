package runtime

import (
	"fmt"
	"strings"
	"sync"
)

// AcpRuntimeBackend represents a registered ACP runtime backend.
type AcpRuntimeBackend struct {
	// ID is the unique identifier for this backend
	ID string

	// Runtime is the ACP runtime implementation
	Runtime AcpRuntime

	// Healthy is an optional function to check if the backend is healthy.
	// If nil, the backend is always considered healthy.
	Healthy func() bool
}

type acpRuntimeRegistryState struct {
	backendsByID map[string]*AcpRuntimeBackend
	mu           sync.RWMutex
}

var globalRegistry = &acpRuntimeRegistryState{
	backendsByID: make(map[string]*AcpRuntimeBackend),
}

func normalizeBackendID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// isBackendHealthy checks if a backend is healthy.
// A backend with no health check is always healthy.
func isBackendHealthy(backend *AcpRuntimeBackend) (healthy bool) {
	if backend.Healthy == nil {
		return true
	}
	defer func() {
		// A panicking health check counts as unhealthy.
		if recover() != nil {
			healthy = false
		}
	}()
	return backend.Healthy()
}

// RegisterAcpRuntimeBackend registers an ACP runtime backend.
// If a backend with the same ID already exists, it will be replaced.
func RegisterAcpRuntimeBackend(backend AcpRuntimeBackend) error {
	id := normalizeBackendID(backend.ID)
	if id == "" {
		return fmt.Errorf("ACP runtime backend ID is required")
	}
	if backend.Runtime == nil {
		return fmt.Errorf("ACP runtime backend '%s' is missing runtime implementation", id)
	}

	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()

	globalRegistry.backendsByID[id] = &AcpRuntimeBackend{
		ID:      id,
		Runtime: backend.Runtime,
		Healthy: backend.Healthy,
	}

	return nil
}

// UnregisterAcpRuntimeBackend removes an ACP runtime backend from the registry.
func UnregisterAcpRuntimeBackend(id string) {
	normalized := normalizeBackendID(id)
	if normalized == "" {
		return
	}

	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()

	delete(globalRegistry.backendsByID, normalized)
}

// GetAcpRuntimeBackend retrieves an ACP runtime backend by ID.
// If ID is empty, returns the first healthy backend.
// Returns nil if no matching backend is found.
func GetAcpRuntimeBackend(id string) *AcpRuntimeBackend {
	normalized := normalizeBackendID(id)

	globalRegistry.mu.RLock()
	defer globalRegistry.mu.RUnlock()

	if normalized != "" {
		if backend, ok := globalRegistry.backendsByID[normalized]; ok {
			return backend
		}
		return nil
	}

	for _, backend := range globalRegistry.backendsByID {
		if isBackendHealthy(backend) {
			return backend
		}
	}

	// No healthy backend: fall back to any registered one so callers get a
	// backend-unavailable error rather than backend-missing.
	for _, backend := range globalRegistry.backendsByID {
		return backend
	}

	return nil
}

// RequireAcpRuntimeBackend retrieves an ACP runtime backend or returns a
// typed error: backend-missing when unregistered, backend-unavailable when
// its health check fails.
func RequireAcpRuntimeBackend(id string) (*AcpRuntimeBackend, error) {
	normalized := normalizeBackendID(id)
	backend := GetAcpRuntimeBackend(normalized)

	if backend == nil {
		if normalized != "" {
			return nil, NewBackendMissingError(normalized)
		}
		return nil, NewBackendMissingError("(default)")
	}

	if !isBackendHealthy(backend) {
		return nil, NewBackendUnavailableError(
			fmt.Sprintf("ACP runtime backend '%s' is currently unavailable", backend.ID), nil)
	}

	return backend, nil
}

// ListAcpRuntimeBackends returns all registered backend IDs.
func ListAcpRuntimeBackends() []string {
	globalRegistry.mu.RLock()
	defer globalRegistry.mu.RUnlock()

	ids := make([]string, 0, len(globalRegistry.backendsByID))
	for id := range globalRegistry.backendsByID {
		ids = append(ids, id)
	}
	return ids
}

// ResetAcpRuntimeRegistry clears all registered backends. Test helper.
func ResetAcpRuntimeRegistry() {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()

	globalRegistry.backendsByID = make(map[string]*AcpRuntimeBackend)
}
