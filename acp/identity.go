package acp

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/smallnest/acpgate/acp/runtime"
	"github.com/smallnest/acpgate/config"
	"github.com/smallnest/acpgate/internal/logger"
)

// SessionIdentity is the identity triple the backend reports for a session,
// together with its resolution state. Identity may arrive incrementally: an
// ensure often yields only a record ID, with the backend and agent session
// IDs filled in later by a status probe.
type SessionIdentity struct {
	State            string `json:"state"`  // "pending" or "resolved"
	Source           string `json:"source"` // "ensure" or "status"
	LastUpdatedAt    int64  `json:"last_updated_at"`
	AcpxRecordID     string `json:"acpx_record_id,omitempty"`
	BackendSessionID string `json:"backend_session_id,omitempty"`
	AgentSessionID   string `json:"agent_session_id,omitempty"`
}

func (id *SessionIdentity) clone() *SessionIdentity {
	if id == nil {
		return nil
	}
	copied := *id
	return &copied
}

func (id *SessionIdentity) isResolved() bool {
	return id != nil && (id.BackendSessionID != "" || id.AgentSessionID != "")
}

// IsSessionIdentityPending reports whether identity still awaits resolution.
func IsSessionIdentityPending(identity *SessionIdentity) bool {
	if identity == nil {
		return true
	}
	return identity.State != "resolved"
}

// IdentityEquals compares the identity fields, ignoring timestamps.
func IdentityEquals(a, b *SessionIdentity) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return a.State == b.State &&
		a.AcpxRecordID == b.AcpxRecordID &&
		a.BackendSessionID == b.BackendSessionID &&
		a.AgentSessionID == b.AgentSessionID
}

// CreateIdentityFromEnsure builds identity from an ensure-session handle.
func CreateIdentityFromEnsure(handle runtime.AcpRuntimeHandle, now int64) *SessionIdentity {
	identity := &SessionIdentity{
		State:            "pending",
		Source:           "ensure",
		LastUpdatedAt:    now,
		AcpxRecordID:     handle.AcpxRecordId,
		BackendSessionID: handle.BackendSessionId,
		AgentSessionID:   handle.AgentSessionId,
	}
	if identity.isResolved() {
		identity.State = "resolved"
	}
	return identity
}

// CreateIdentityFromStatus builds identity from a status probe.
func CreateIdentityFromStatus(status *runtime.AcpRuntimeStatus, now int64) *SessionIdentity {
	if status == nil {
		return nil
	}
	identity := &SessionIdentity{
		State:            "pending",
		Source:           "status",
		LastUpdatedAt:    now,
		AcpxRecordID:     status.AcpxRecordId,
		BackendSessionID: status.BackendSessionId,
		AgentSessionID:   status.AgentSessionId,
	}
	if identity.isResolved() {
		identity.State = "resolved"
	}
	return identity
}

// MergeSessionIdentity merges incoming identity onto current, field-wise.
// An incoming non-empty field overwrites; an empty or absent field never
// erases what is already known. Returns the merged identity and whether any
// identity field actually changed.
func MergeSessionIdentity(current, incoming *SessionIdentity, now int64) (*SessionIdentity, bool) {
	if incoming == nil {
		return current, false
	}
	if current == nil {
		merged := incoming.clone()
		merged.LastUpdatedAt = now
		return merged, true
	}

	merged := current.clone()
	changed := false

	if incoming.AcpxRecordID != "" && incoming.AcpxRecordID != merged.AcpxRecordID {
		merged.AcpxRecordID = incoming.AcpxRecordID
		changed = true
	}
	if incoming.BackendSessionID != "" && incoming.BackendSessionID != merged.BackendSessionID {
		merged.BackendSessionID = incoming.BackendSessionID
		changed = true
	}
	if incoming.AgentSessionID != "" && incoming.AgentSessionID != merged.AgentSessionID {
		merged.AgentSessionID = incoming.AgentSessionID
		changed = true
	}

	if merged.isResolved() && merged.State != "resolved" {
		merged.State = "resolved"
		changed = true
	}
	if changed {
		merged.Source = incoming.Source
		merged.LastUpdatedAt = now
	}

	return merged, changed
}

// HasLegacyAcpIdentityProjection reports whether meta stores identity in the
// pre-triple flat fields instead of the Identity struct.
func HasLegacyAcpIdentityProjection(meta *SessionAcpMeta) bool {
	if meta == nil || meta.Identity != nil {
		return false
	}
	return meta.LegacyBackendSessionID != "" || meta.LegacyAgentSessionID != ""
}

func identityFromLegacyProjection(meta *SessionAcpMeta, now int64) *SessionIdentity {
	identity := &SessionIdentity{
		State:            "pending",
		Source:           "ensure",
		LastUpdatedAt:    now,
		BackendSessionID: meta.LegacyBackendSessionID,
		AgentSessionID:   meta.LegacyAgentSessionID,
	}
	if identity.isResolved() {
		identity.State = "resolved"
	}
	return identity
}

// ReconcileSessionIdentityInput carries everything identity reconciliation
// needs. Status may be pre-fetched by the caller; when nil the reconciler
// probes the runtime itself.
type ReconcileSessionIdentityInput struct {
	Cfg        *config.Config
	SessionKey string
	Meta       *SessionAcpMeta
	Runtime    runtime.AcpRuntime
	Handle     runtime.AcpRuntimeHandle
	Status     *runtime.AcpRuntimeStatus

	// Strict makes a failed status probe fatal. Background reconciliation
	// runs non-strict and just keeps the identity pending.
	Strict bool

	// ReplaceHandle is invoked with a new handle when reconciliation learns
	// identity fields the current handle lacks. Handles are never mutated
	// in place.
	ReplaceHandle func(handle runtime.AcpRuntimeHandle)

	Store SessionMetaStore
}

// ReconcileSessionIdentity folds backend-reported identity into session
// metadata and the live handle. Persists only when something changed.
func ReconcileSessionIdentity(ctx context.Context, input ReconcileSessionIdentityInput) (*SessionIdentity, error) {
	log := logger.Component("acp.identity")
	now := time.Now().UnixMilli()

	current := (*SessionIdentity)(nil)
	migratedLegacy := false
	if input.Meta != nil {
		current = input.Meta.Identity
		if current == nil && HasLegacyAcpIdentityProjection(input.Meta) {
			current = identityFromLegacyProjection(input.Meta, now)
			migratedLegacy = true
		}
	}

	status := input.Status
	if status == nil && input.Runtime != nil {
		probed, err := input.Runtime.GetStatus(ctx, input.Handle)
		if err != nil {
			if input.Strict {
				return current, err
			}
			log.Debug("identity status probe failed, keeping pending",
				zap.String("session_key", input.SessionKey),
				zap.Error(err))
		} else {
			status = probed
		}
	}

	incoming := CreateIdentityFromStatus(status, now)
	merged, changed := MergeSessionIdentity(current, incoming, now)
	if merged == nil {
		merged = &SessionIdentity{State: "pending", Source: "ensure", LastUpdatedAt: now}
		changed = true
	}

	// Refresh the live handle when the merged identity knows more than it.
	if input.ReplaceHandle != nil && handleNeedsIdentity(input.Handle, merged) {
		newHandle := input.Handle
		if merged.AcpxRecordID != "" {
			newHandle.AcpxRecordId = merged.AcpxRecordID
		}
		if merged.BackendSessionID != "" {
			newHandle.BackendSessionId = merged.BackendSessionID
		}
		if merged.AgentSessionID != "" {
			newHandle.AgentSessionId = merged.AgentSessionID
		}
		input.ReplaceHandle(newHandle)
	}

	if (changed || migratedLegacy) && input.Store != nil {
		before := current
		_, err := input.Store.WriteSessionMeta(input.Cfg, input.SessionKey, func(record *SessionMetaRecord) *SessionMetaRecord {
			if record == nil {
				return nil
			}
			if record.Acp == nil {
				record.Acp = &SessionAcpMeta{}
			}
			record.Acp.Identity = merged
			record.Acp.LegacyBackendSessionID = ""
			record.Acp.LegacyAgentSessionID = ""
			record.Acp.LastActivityAt = now
			return record
		})
		if err != nil {
			if input.Strict {
				return merged, err
			}
			log.Warn("failed to persist reconciled identity",
				zap.String("session_key", input.SessionKey),
				zap.Error(err))
		} else {
			logIdentityDiff(log, input.SessionKey, before, merged)
		}
	}

	return merged, nil
}

func handleNeedsIdentity(handle runtime.AcpRuntimeHandle, identity *SessionIdentity) bool {
	if identity == nil {
		return false
	}
	return (identity.AcpxRecordID != "" && handle.AcpxRecordId != identity.AcpxRecordID) ||
		(identity.BackendSessionID != "" && handle.BackendSessionId != identity.BackendSessionID) ||
		(identity.AgentSessionID != "" && handle.AgentSessionId != identity.AgentSessionID)
}

func logIdentityDiff(log *zap.Logger, sessionKey string, before, after *SessionIdentity) {
	fields := []zap.Field{zap.String("session_key", sessionKey)}
	if before == nil {
		before = &SessionIdentity{}
	}
	if after.AcpxRecordID != before.AcpxRecordID {
		fields = append(fields, zap.String("acpx_record_id", after.AcpxRecordID))
	}
	if after.BackendSessionID != before.BackendSessionID {
		fields = append(fields, zap.String("backend_session_id", after.BackendSessionID))
	}
	if after.AgentSessionID != before.AgentSessionID {
		fields = append(fields, zap.String("agent_session_id", after.AgentSessionID))
	}
	fields = append(fields,
		zap.String("state_before", before.State),
		zap.String("state_after", after.State))
	log.Info("session identity reconciled", fields...)
}
