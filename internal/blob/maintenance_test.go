package blob

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaintenanceDeletesOrphanFiles(t *testing.T) {
	r, _ := newTestRegistry(t)

	const content = "kept"
	d := descriptorFor(t, content, "kept", time.Time{})
	commitBlob(t, r, callerAlpha, d, content, AccessPublic)
	require.NoError(t, r.AcquireLease(d, callerAlpha, "pinned", "", time.Time{}))

	// Files with no index entry, including malformed names, are orphans.
	require.NoError(t, os.WriteFile(filepath.Join(r.blobsDir(), "999"), []byte("stray"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(r.blobsDir(), "junk.tmp"), []byte("stray"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(r.sessionsDir(), "888"), []byte("stray"), 0o600))

	r.RunIdleMaintenance()

	assert.Equal(t, 1, dirEntryCount(t, r.blobsDir()))
	assert.Equal(t, 0, dirEntryCount(t, r.sessionsDir()))
	assert.Equal(t, content, readBlob(t, r, d, callerAlpha))
}

func TestMaintenanceSweepsBlobsWithoutActiveLeases(t *testing.T) {
	r, _ := newTestRegistry(t)

	unleased := descriptorFor(t, "unleased", "unleased", time.Time{})
	commitBlob(t, r, callerAlpha, unleased, "unleased", AccessPublic)

	const kept = "leased"
	leased := descriptorFor(t, kept, "leased", time.Time{})
	commitBlob(t, r, callerAlpha, leased, kept, AccessPublic)
	require.NoError(t, r.AcquireLease(leased, callerBeta, "pinned", "", time.Time{}))

	r.RunIdleMaintenance()

	_, err := r.OpenBlob(unleased, callerAlpha)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, kept, readBlob(t, r, leased, callerBeta))
	assert.Equal(t, 1, dirEntryCount(t, r.blobsDir()))
}

func TestMaintenanceSweepsExpiredBlobs(t *testing.T) {
	r, _ := newTestRegistry(t)

	expiry := time.Now().Add(30 * time.Millisecond)
	d := descriptorFor(t, "short-lived", "short-lived", expiry)
	commitBlob(t, r, callerAlpha, d, "short-lived", AccessPublic)
	require.NoError(t, r.AcquireLease(d, callerBeta, "pinned", "", time.Time{}))

	time.Sleep(50 * time.Millisecond)
	r.RunIdleMaintenance()

	// Expiry beats the lease.
	_, err := r.OpenBlob(d, callerBeta)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, dirEntryCount(t, r.blobsDir()))
}

func TestMaintenanceSweepsExpiredSessions(t *testing.T) {
	r, _ := newTestRegistry(t)

	expired := descriptorFor(t, "expired", "expired", time.Now().Add(-time.Minute))
	expiredID, err := r.CreateSession(expired, callerAlpha)
	require.NoError(t, err)

	fresh := descriptorFor(t, "fresh", "fresh", time.Time{})
	freshID, err := r.CreateSession(fresh, callerAlpha)
	require.NoError(t, err)
	session, err := r.OpenSession(freshID, callerAlpha)
	require.NoError(t, err)
	_, err = session.Write(strings.NewReader("fresh"))
	require.NoError(t, err)

	r.RunIdleMaintenance()

	_, err = r.OpenSession(expiredID, callerAlpha)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.OpenSession(freshID, callerAlpha)
	assert.NoError(t, err)
}

func TestMaintenanceSweepsIdleSessions(t *testing.T) {
	resolver := newTestResolver()
	r, err := NewRegistry(Config{RootDir: t.TempDir(), SessionExpiry: 20 * time.Millisecond}, resolver)
	require.NoError(t, err)
	require.NoError(t, r.Load())
	t.Cleanup(func() { r.Close() })

	d := descriptorFor(t, "idle", "idle", time.Time{})
	id, err := r.CreateSession(d, callerAlpha)
	require.NoError(t, err)
	session, err := r.OpenSession(id, callerAlpha)
	require.NoError(t, err)
	_, err = session.Write(strings.NewReader("idle"))
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	r.RunIdleMaintenance()

	_, err = r.OpenSession(id, callerAlpha)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, dirEntryCount(t, r.sessionsDir()))
}
