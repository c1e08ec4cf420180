package acp

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/acpgate/errors"
)

func TestMemoryStoreWriteReadDelete(t *testing.T) {
	store := NewMemorySessionMetaStore()

	record, err := store.WriteSessionMeta(nil, "s1", func(record *SessionMetaRecord) *SessionMetaRecord {
		record.Acp = &SessionAcpMeta{Backend: "acpx", Agent: "main"}
		return record
	})
	require.NoError(t, err)
	assert.Equal(t, "s1", record.SessionKey)
	assert.NotZero(t, record.CreatedAt)

	read, err := store.ReadSessionMeta(nil, "s1")
	require.NoError(t, err)
	require.NotNil(t, read)
	assert.Equal(t, "main", read.Acp.Agent)

	// Reads return copies, not aliases.
	read.Acp.Agent = "mutated"
	again, err := store.ReadSessionMeta(nil, "s1")
	require.NoError(t, err)
	assert.Equal(t, "main", again.Acp.Agent)

	require.NoError(t, store.DeleteSessionMeta(nil, "s1"))
	gone, err := store.ReadSessionMeta(nil, "s1")
	require.NoError(t, err)
	assert.Nil(t, gone)

	// Deleting again is fine.
	require.NoError(t, store.DeleteSessionMeta(nil, "s1"))
}

func TestMemoryStoreMutateNilDeletes(t *testing.T) {
	store := NewMemorySessionMetaStore()
	_, err := store.WriteSessionMeta(nil, "s1", func(record *SessionMetaRecord) *SessionMetaRecord {
		return record
	})
	require.NoError(t, err)

	result, err := store.WriteSessionMeta(nil, "s1", func(*SessionMetaRecord) *SessionMetaRecord {
		return nil
	})
	require.NoError(t, err)
	assert.Nil(t, result)

	read, err := store.ReadSessionMeta(nil, "s1")
	require.NoError(t, err)
	assert.Nil(t, read)
}

func TestMemoryStoreListOrdered(t *testing.T) {
	store := NewMemorySessionMetaStore()
	for _, key := range []string{"zz", "aa", "mm"} {
		_, err := store.WriteSessionMeta(nil, key, func(record *SessionMetaRecord) *SessionMetaRecord {
			return record
		})
		require.NoError(t, err)
	}

	records, err := store.ListSessionMeta(nil)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "aa", records[0].SessionKey)
	assert.Equal(t, "mm", records[1].SessionKey)
	assert.Equal(t, "zz", records[2].SessionKey)
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	store := NewFileSessionMetaStoreAt(path)

	_, err := store.WriteSessionMeta(nil, "s1", func(record *SessionMetaRecord) *SessionMetaRecord {
		record.Acp = &SessionAcpMeta{
			Backend: "acpx",
			Agent:   "main",
			Identity: &SessionIdentity{
				State:            "resolved",
				BackendSessionID: "be-1",
			},
			RuntimeOptions: SessionRuntimeOptions{
				Model:  "sonnet",
				Extras: map[string]string{"temperature": "0.2"},
			},
		}
		return record
	})
	require.NoError(t, err)

	// A fresh store instance reads what the first one wrote.
	reopened := NewFileSessionMetaStoreAt(path)
	record, err := reopened.ReadSessionMeta(nil, "s1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "main", record.Acp.Agent)
	assert.Equal(t, "be-1", record.Acp.Identity.BackendSessionID)
	assert.Equal(t, "0.2", record.Acp.RuntimeOptions.Extras["temperature"])

	require.NoError(t, reopened.DeleteSessionMeta(nil, "s1"))
	gone, err := reopened.ReadSessionMeta(nil, "s1")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestFileStoreMissingFileIsEmpty(t *testing.T) {
	store := NewFileSessionMetaStoreAt(filepath.Join(t.TempDir(), "never-written.json"))

	records, err := store.ListSessionMeta(nil)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestFileStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	store := NewFileSessionMetaStoreAt(path)

	_, err := store.ReadSessionMeta(nil, "s1")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeStorageCorrupt, errors.GetCode(err))
}

func TestFileStoreRequiresDataDir(t *testing.T) {
	store := NewFileSessionMetaStore()
	_, err := store.ReadSessionMeta(nil, "s1")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidConfig, errors.GetCode(err))
}
