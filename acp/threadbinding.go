package acp

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smallnest/acpgate/errors"
)

// ThreadBindingRecord binds a channel thread to an ACP session so replies in
// that thread route to the session.
type ThreadBindingRecord struct {
	ID         string `json:"id"`
	Channel    string `json:"channel"`
	AccountID  string `json:"account_id"`
	ThreadID   string `json:"thread_id"`
	SessionKey string `json:"session_key"`
	Kind       string `json:"kind"` // "acp" or "subagent"
	CreatedAt  int64  `json:"created_at"`
	ExpiresAt  int64  `json:"expires_at,omitempty"`
}

// ThreadBindInput describes a binding to create.
type ThreadBindInput struct {
	Channel    string
	AccountID  string
	ThreadID   string
	SessionKey string
	Kind       string
	MaxAgeMs   int
}

// ThreadBinder is the narrow surface the control plane needs from a channel
// layer: create, remove and look up bindings.
type ThreadBinder interface {
	Bind(input ThreadBindInput) (*ThreadBindingRecord, error)
	Unbind(bindingID string) error
	GetByThread(channel, accountID, threadID string) *ThreadBindingRecord
	GetBySession(sessionKey string) []*ThreadBindingRecord
}

var (
	globalThreadBinder   ThreadBinder
	globalThreadBinderMu sync.RWMutex
)

// SetGlobalThreadBinder installs the process-wide thread binder.
func SetGlobalThreadBinder(binder ThreadBinder) {
	globalThreadBinderMu.Lock()
	defer globalThreadBinderMu.Unlock()
	globalThreadBinder = binder
}

// GetGlobalThreadBinder returns the installed binder, or nil.
func GetGlobalThreadBinder() ThreadBinder {
	globalThreadBinderMu.RLock()
	defer globalThreadBinderMu.RUnlock()
	return globalThreadBinder
}

// UnbindThreadBindingsForSession drops every binding pointing at a session.
// Called when the session closes so threads never route to a dead session.
func UnbindThreadBindingsForSession(sessionKey string) {
	binder := GetGlobalThreadBinder()
	if binder == nil || sessionKey == "" {
		return
	}
	for _, binding := range binder.GetBySession(sessionKey) {
		if binding != nil {
			_ = binder.Unbind(binding.ID)
		}
	}
}

// ThreadBindingService is the default binder: in-memory index with optional
// JSON-file persistence.
type ThreadBindingService struct {
	mu       sync.RWMutex
	byID     map[string]*ThreadBindingRecord
	filePath string
}

// NewThreadBindingService creates an in-memory binder.
func NewThreadBindingService() *ThreadBindingService {
	return &ThreadBindingService{
		byID: make(map[string]*ThreadBindingRecord),
	}
}

// NewPersistentThreadBindingService creates a binder persisted to a JSON
// file under dataDir, loading any existing bindings.
func NewPersistentThreadBindingService(dataDir string) (*ThreadBindingService, error) {
	s := &ThreadBindingService{
		byID:     make(map[string]*ThreadBindingRecord),
		filePath: filepath.Join(dataDir, "thread_bindings.json"),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ThreadBindingService) load() error {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, errors.ErrCodeStorageCorrupt, "failed to read thread bindings file")
	}
	if len(data) == 0 {
		return nil
	}

	var records []*ThreadBindingRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageCorrupt, "thread bindings file is corrupt")
	}
	for _, record := range records {
		if record != nil && record.ID != "" {
			s.byID[record.ID] = record
		}
	}
	return nil
}

// save persists under s.mu.
func (s *ThreadBindingService) save() error {
	if s.filePath == "" {
		return nil
	}

	records := make([]*ThreadBindingRecord, 0, len(s.byID))
	for _, record := range s.byID {
		records = append(records, record)
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeSessionSave, "failed to marshal thread bindings")
	}

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0755); err != nil {
		return errors.Wrap(err, errors.ErrCodeSessionSave, "failed to create data directory")
	}
	tmp := s.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return errors.Wrap(err, errors.ErrCodeSessionSave, "failed to write thread bindings file")
	}
	if err := os.Rename(tmp, s.filePath); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(err, errors.ErrCodeSessionSave, "failed to replace thread bindings file")
	}
	return nil
}

func threadKey(channel, accountID, threadID string) string {
	return fmt.Sprintf("%s:%s:%s", channel, accountID, threadID)
}

// Bind creates a binding. A thread may hold only one binding at a time; an
// existing binding for the same thread is replaced.
func (s *ThreadBindingService) Bind(input ThreadBindInput) (*ThreadBindingRecord, error) {
	if input.Channel == "" || input.ThreadID == "" || input.SessionKey == "" {
		return nil, errors.InvalidInput("thread binding requires channel, thread_id and session_key")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := threadKey(input.Channel, input.AccountID, input.ThreadID)
	for id, existing := range s.byID {
		if threadKey(existing.Channel, existing.AccountID, existing.ThreadID) == key {
			delete(s.byID, id)
		}
	}

	now := time.Now().UnixMilli()
	record := &ThreadBindingRecord{
		ID:         uuid.NewString(),
		Channel:    input.Channel,
		AccountID:  input.AccountID,
		ThreadID:   input.ThreadID,
		SessionKey: input.SessionKey,
		Kind:       input.Kind,
		CreatedAt:  now,
	}
	if input.MaxAgeMs > 0 {
		record.ExpiresAt = now + int64(input.MaxAgeMs)
	}

	s.byID[record.ID] = record
	if err := s.save(); err != nil {
		return nil, err
	}
	return record, nil
}

// Unbind removes a binding by ID. Unknown IDs are a no-op.
func (s *ThreadBindingService) Unbind(bindingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[bindingID]; !exists {
		return nil
	}
	delete(s.byID, bindingID)
	return s.save()
}

// GetByThread returns the live binding for a thread, dropping it when
// expired.
func (s *ThreadBindingService) GetByThread(channel, accountID, threadID string) *ThreadBindingRecord {
	key := threadKey(channel, accountID, threadID)
	now := time.Now().UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, record := range s.byID {
		if threadKey(record.Channel, record.AccountID, record.ThreadID) != key {
			continue
		}
		if record.ExpiresAt > 0 && record.ExpiresAt <= now {
			delete(s.byID, id)
			_ = s.save()
			return nil
		}
		copied := *record
		return &copied
	}
	return nil
}

// GetBySession returns all bindings for a session key.
func (s *ThreadBindingService) GetBySession(sessionKey string) []*ThreadBindingRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []*ThreadBindingRecord
	for _, record := range s.byID {
		if record.SessionKey == sessionKey {
			copied := *record
			records = append(records, &copied)
		}
	}
	return records
}
