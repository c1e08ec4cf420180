package acp

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThreadBindingBindAndLookup(t *testing.T) {
	binder := NewThreadBindingService()

	binding, err := binder.Bind(ThreadBindInput{
		Channel:    "slack",
		AccountID:  "acct-1",
		ThreadID:   "thread-1",
		SessionKey: "agent:main:acp:1",
		Kind:       "acp",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, binding.ID)

	found := binder.GetByThread("slack", "acct-1", "thread-1")
	require.NotNil(t, found)
	assert.Equal(t, "agent:main:acp:1", found.SessionKey)

	assert.Nil(t, binder.GetByThread("slack", "acct-1", "other-thread"))
	assert.Nil(t, binder.GetByThread("discord", "acct-1", "thread-1"))
}

func TestThreadBindingRequiresFields(t *testing.T) {
	binder := NewThreadBindingService()

	_, err := binder.Bind(ThreadBindInput{Channel: "slack", ThreadID: "t1"})
	assert.Error(t, err)
	_, err = binder.Bind(ThreadBindInput{ThreadID: "t1", SessionKey: "s1"})
	assert.Error(t, err)
}

func TestThreadBindingReplacesExisting(t *testing.T) {
	binder := NewThreadBindingService()

	first, err := binder.Bind(ThreadBindInput{
		Channel: "slack", AccountID: "a", ThreadID: "t1", SessionKey: "s1",
	})
	require.NoError(t, err)

	second, err := binder.Bind(ThreadBindInput{
		Channel: "slack", AccountID: "a", ThreadID: "t1", SessionKey: "s2",
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	// Only the new binding survives.
	found := binder.GetByThread("slack", "a", "t1")
	require.NotNil(t, found)
	assert.Equal(t, "s2", found.SessionKey)
	assert.Empty(t, binder.GetBySession("s1"))
}

func TestThreadBindingExpiry(t *testing.T) {
	binder := NewThreadBindingService()

	binding, err := binder.Bind(ThreadBindInput{
		Channel: "slack", AccountID: "a", ThreadID: "t1", SessionKey: "s1",
		MaxAgeMs: 1,
	})
	require.NoError(t, err)
	assert.Greater(t, binding.ExpiresAt, binding.CreatedAt)

	time.Sleep(5 * time.Millisecond)
	assert.Nil(t, binder.GetByThread("slack", "a", "t1"))
	// The expired binding was dropped, not just hidden.
	assert.Empty(t, binder.GetBySession("s1"))
}

func TestUnbindThreadBindingsForSession(t *testing.T) {
	binder := NewThreadBindingService()
	SetGlobalThreadBinder(binder)
	t.Cleanup(func() { SetGlobalThreadBinder(nil) })

	_, err := binder.Bind(ThreadBindInput{Channel: "slack", AccountID: "a", ThreadID: "t1", SessionKey: "s1"})
	require.NoError(t, err)
	_, err = binder.Bind(ThreadBindInput{Channel: "slack", AccountID: "a", ThreadID: "t2", SessionKey: "s1"})
	require.NoError(t, err)
	_, err = binder.Bind(ThreadBindInput{Channel: "slack", AccountID: "a", ThreadID: "t3", SessionKey: "s2"})
	require.NoError(t, err)

	UnbindThreadBindingsForSession("s1")
	assert.Empty(t, binder.GetBySession("s1"))
	assert.Len(t, binder.GetBySession("s2"), 1)
}

func TestPersistentThreadBindingService(t *testing.T) {
	dataDir := t.TempDir()

	binder, err := NewPersistentThreadBindingService(dataDir)
	require.NoError(t, err)
	_, err = binder.Bind(ThreadBindInput{Channel: "slack", AccountID: "a", ThreadID: "t1", SessionKey: "s1"})
	require.NoError(t, err)

	// A fresh instance loads the persisted binding.
	reloaded, err := NewPersistentThreadBindingService(dataDir)
	require.NoError(t, err)
	found := reloaded.GetByThread("slack", "a", "t1")
	require.NotNil(t, found)
	assert.Equal(t, "s1", found.SessionKey)

	require.NoError(t, reloaded.Unbind(found.ID))
	again, err := NewPersistentThreadBindingService(dataDir)
	require.NoError(t, err)
	assert.Nil(t, again.GetByThread("slack", "a", "t1"))
}

func TestPersistentThreadBindingServiceCorruptFile(t *testing.T) {
	dataDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "thread_bindings.json"), []byte("{broken"), 0o600))

	_, err := NewPersistentThreadBindingService(dataDir)
	assert.Error(t, err)
}
