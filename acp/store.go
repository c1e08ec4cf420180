package acp

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/smallnest/acpgate/config"
	"github.com/smallnest/acpgate/errors"
)

// SessionMetaRecord is the persisted envelope for one session.
type SessionMetaRecord struct {
	SessionKey string          `json:"session_key"`
	Acp        *SessionAcpMeta `json:"acp,omitempty"`
	CreatedAt  int64           `json:"created_at"`
	UpdatedAt  int64           `json:"updated_at"`
}

// SessionMetaStore persists session metadata across restarts. Writes go
// through a mutate callback so read-modify-write cycles stay atomic within
// the store.
type SessionMetaStore interface {
	// ReadSessionMeta returns the record for sessionKey, or nil when absent.
	ReadSessionMeta(cfg *config.Config, sessionKey string) (*SessionMetaRecord, error)

	// WriteSessionMeta applies mutate to the current record (nil when the
	// session is new) and persists the result. Returning nil from mutate
	// deletes the record.
	WriteSessionMeta(cfg *config.Config, sessionKey string, mutate func(*SessionMetaRecord) *SessionMetaRecord) (*SessionMetaRecord, error)

	// DeleteSessionMeta removes the record. Deleting an absent record is
	// not an error.
	DeleteSessionMeta(cfg *config.Config, sessionKey string) error

	// ListSessionMeta returns all records, ordered by session key.
	ListSessionMeta(cfg *config.Config) ([]*SessionMetaRecord, error)
}

// MemorySessionMetaStore keeps records in memory. Used in tests and when no
// data directory is configured.
type MemorySessionMetaStore struct {
	mu      sync.RWMutex
	records map[string]*SessionMetaRecord
}

// NewMemorySessionMetaStore creates an empty in-memory store.
func NewMemorySessionMetaStore() *MemorySessionMetaStore {
	return &MemorySessionMetaStore{
		records: make(map[string]*SessionMetaRecord),
	}
}

func cloneRecord(record *SessionMetaRecord) *SessionMetaRecord {
	if record == nil {
		return nil
	}
	copied := *record
	if record.Acp != nil {
		acp := *record.Acp
		if record.Acp.Identity != nil {
			identity := *record.Acp.Identity
			acp.Identity = &identity
		}
		if record.Acp.RuntimeOptions.Extras != nil {
			extras := make(map[string]string, len(record.Acp.RuntimeOptions.Extras))
			for k, v := range record.Acp.RuntimeOptions.Extras {
				extras[k] = v
			}
			acp.RuntimeOptions.Extras = extras
		}
		copied.Acp = &acp
	}
	return &copied
}

func (s *MemorySessionMetaStore) ReadSessionMeta(_ *config.Config, sessionKey string) (*SessionMetaRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneRecord(s.records[sessionKey]), nil
}

func (s *MemorySessionMetaStore) WriteSessionMeta(_ *config.Config, sessionKey string, mutate func(*SessionMetaRecord) *SessionMetaRecord) (*SessionMetaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	current := cloneRecord(s.records[sessionKey])
	if current == nil {
		current = &SessionMetaRecord{SessionKey: sessionKey, CreatedAt: now}
	}

	updated := mutate(current)
	if updated == nil {
		delete(s.records, sessionKey)
		return nil, nil
	}
	updated.SessionKey = sessionKey
	updated.UpdatedAt = now
	s.records[sessionKey] = updated
	return cloneRecord(updated), nil
}

func (s *MemorySessionMetaStore) DeleteSessionMeta(_ *config.Config, sessionKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, sessionKey)
	return nil
}

func (s *MemorySessionMetaStore) ListSessionMeta(_ *config.Config) ([]*SessionMetaRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]*SessionMetaRecord, 0, len(s.records))
	for _, record := range s.records {
		records = append(records, cloneRecord(record))
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].SessionKey < records[j].SessionKey
	})
	return records, nil
}

const sessionMetaFileName = "acp_sessions.json"

// FileSessionMetaStore persists records as a single JSON file under the
// workspace data directory. Writes are atomic: the file is replaced via a
// temp file and rename.
type FileSessionMetaStore struct {
	mu sync.Mutex

	// pathOverride, when set, wins over the config data dir. Test hook.
	pathOverride string
}

// NewFileSessionMetaStore creates a file-backed store rooted at the config
// data directory.
func NewFileSessionMetaStore() *FileSessionMetaStore {
	return &FileSessionMetaStore{}
}

// NewFileSessionMetaStoreAt creates a file-backed store at an explicit path.
func NewFileSessionMetaStoreAt(path string) *FileSessionMetaStore {
	return &FileSessionMetaStore{pathOverride: path}
}

func (s *FileSessionMetaStore) filePath(cfg *config.Config) (string, error) {
	if s.pathOverride != "" {
		return s.pathOverride, nil
	}
	if cfg == nil || cfg.Workspace.DataDir == "" {
		return "", errors.InvalidConfig("session meta store requires a workspace data directory")
	}
	return filepath.Join(cfg.Workspace.DataDir, sessionMetaFileName), nil
}

func (s *FileSessionMetaStore) load(path string) (map[string]*SessionMetaRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]*SessionMetaRecord), nil
		}
		return nil, errors.Wrap(err, errors.ErrCodeStorageCorrupt, "failed to read session meta file")
	}
	if len(data) == 0 {
		return make(map[string]*SessionMetaRecord), nil
	}

	var records map[string]*SessionMetaRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageCorrupt, "session meta file is corrupt")
	}
	if records == nil {
		records = make(map[string]*SessionMetaRecord)
	}
	return records, nil
}

func (s *FileSessionMetaStore) save(path string, records map[string]*SessionMetaRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, errors.ErrCodeSessionSave, "failed to create data directory")
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeSessionSave, "failed to marshal session meta")
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return errors.Wrap(err, errors.ErrCodeSessionSave, "failed to write session meta file")
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(err, errors.ErrCodeSessionSave, "failed to replace session meta file")
	}
	return nil
}

func (s *FileSessionMetaStore) ReadSessionMeta(cfg *config.Config, sessionKey string) (*SessionMetaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.filePath(cfg)
	if err != nil {
		return nil, err
	}
	records, err := s.load(path)
	if err != nil {
		return nil, err
	}
	return cloneRecord(records[sessionKey]), nil
}

func (s *FileSessionMetaStore) WriteSessionMeta(cfg *config.Config, sessionKey string, mutate func(*SessionMetaRecord) *SessionMetaRecord) (*SessionMetaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.filePath(cfg)
	if err != nil {
		return nil, err
	}
	records, err := s.load(path)
	if err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	current := cloneRecord(records[sessionKey])
	if current == nil {
		current = &SessionMetaRecord{SessionKey: sessionKey, CreatedAt: now}
	}

	updated := mutate(current)
	if updated == nil {
		delete(records, sessionKey)
		if err := s.save(path, records); err != nil {
			return nil, err
		}
		return nil, nil
	}

	updated.SessionKey = sessionKey
	updated.UpdatedAt = now
	records[sessionKey] = updated
	if err := s.save(path, records); err != nil {
		return nil, err
	}
	return cloneRecord(updated), nil
}

func (s *FileSessionMetaStore) DeleteSessionMeta(cfg *config.Config, sessionKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.filePath(cfg)
	if err != nil {
		return err
	}
	records, err := s.load(path)
	if err != nil {
		return err
	}
	if _, exists := records[sessionKey]; !exists {
		return nil
	}
	delete(records, sessionKey)
	return s.save(path, records)
}

func (s *FileSessionMetaStore) ListSessionMeta(cfg *config.Config) ([]*SessionMetaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.filePath(cfg)
	if err != nil {
		return nil, err
	}
	records, err := s.load(path)
	if err != nil {
		return nil, err
	}

	out := make([]*SessionMetaRecord, 0, len(records))
	for _, record := range records {
		out = append(out, cloneRecord(record))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SessionKey < out[j].SessionKey
	})
	return out, nil
}
