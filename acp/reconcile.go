package acp

import (
	"context"

	"go.uber.org/zap"

	"github.com/smallnest/acpgate/acp/runtime"
)

// StartupIdentityReconcileResult summarizes a startup reconciliation sweep.
type StartupIdentityReconcileResult struct {
	Checked  int
	Resolved int
	Failed   int
}

// ReconcilePendingSessionIdentities walks persisted sessions whose identity
// is still pending and probes the backend for the missing fields. Runs once
// at startup; failures leave the identity pending for the next pass.
func (m *Manager) ReconcilePendingSessionIdentities(ctx context.Context) StartupIdentityReconcileResult {
	result := StartupIdentityReconcileResult{}
	if m.store == nil {
		return result
	}

	records, err := m.store.ListSessionMeta(m.cfg)
	if err != nil {
		m.log.Warn("startup identity reconcile could not list sessions", zap.Error(err))
		return result
	}

	for _, record := range records {
		if record == nil || record.Acp == nil {
			continue
		}
		meta := record.Acp
		if !IsSessionIdentityPending(meta.Identity) && !HasLegacyAcpIdentityProjection(meta) {
			continue
		}

		result.Checked++

		backend := runtime.GetAcpRuntimeBackend(ResolveAcpBackend(m.cfg, meta.Backend))
		if backend == nil || backend.Runtime == nil {
			result.Failed++
			continue
		}

		// The persisted token is self-describing, so a handle rebuilt from
		// metadata is enough to query the backend without re-ensuring.
		handle := runtime.AcpRuntimeHandle{
			SessionKey:         record.SessionKey,
			Backend:            meta.Backend,
			RuntimeSessionName: meta.RuntimeSessionName,
			Cwd:                meta.Cwd,
		}
		if meta.Identity != nil {
			handle.AcpxRecordId = meta.Identity.AcpxRecordID
			handle.BackendSessionId = meta.Identity.BackendSessionID
			handle.AgentSessionId = meta.Identity.AgentSessionID
		}

		merged, err := ReconcileSessionIdentity(ctx, ReconcileSessionIdentityInput{
			Cfg:        m.cfg,
			SessionKey: record.SessionKey,
			Meta:       meta,
			Runtime:    backend.Runtime,
			Handle:     handle,
			Store:      m.store,
			ReplaceHandle: func(newHandle runtime.AcpRuntimeHandle) {
				m.replaceCachedHandle(record.SessionKey, newHandle)
			},
		})
		if err != nil {
			result.Failed++
			continue
		}
		if !IsSessionIdentityPending(merged) {
			result.Resolved++
		}
	}

	if result.Checked > 0 {
		m.log.Info("startup identity reconcile finished",
			zap.Int("checked", result.Checked),
			zap.Int("resolved", result.Resolved),
			zap.Int("failed", result.Failed))
	}

	return result
}
