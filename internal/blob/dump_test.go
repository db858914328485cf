package blob

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dumpString(t *testing.T, r *Registry, f DumpFilter) string {
	t.Helper()
	var sb strings.Builder
	require.NoError(t, r.Dump(&sb, f))
	return sb.String()
}

func TestDumpRedactsByDefault(t *testing.T) {
	r, _ := newTestRegistry(t)

	const content = "dumped payload"
	d := descriptorFor(t, content, "dumped", time.Time{})
	commitBlob(t, r, callerAlpha, d, content, AccessPublic)
	require.NoError(t, r.AcquireLease(d, callerBeta, "secret reason", "", time.Time{}))

	out := dumpString(t, r, DumpFilter{})
	assert.Contains(t, out, callerAlpha.Package)
	assert.Contains(t, out, d.DigestString()[:8])
	assert.NotContains(t, out, d.DigestString())
	assert.Contains(t, out, "[redacted]")
	assert.NotContains(t, out, "secret reason")

	full := dumpString(t, r, DumpFilter{Full: true})
	assert.Contains(t, full, d.DigestString())
	assert.Contains(t, full, "secret reason")
}

func TestDumpFilters(t *testing.T) {
	r, _ := newTestRegistry(t)

	blobbed := descriptorFor(t, "blob side", "blob-side", time.Time{})
	commitBlob(t, r, callerAlpha, blobbed, "blob side", AccessPrivate)

	staged := descriptorFor(t, "session side", "session-side", time.Time{})
	_, err := r.CreateSession(staged, callerBeta)
	require.NoError(t, err)

	sessionsOnly := dumpString(t, r, DumpFilter{SessionsOnly: true})
	assert.Contains(t, sessionsOnly, "session-side")
	assert.NotContains(t, sessionsOnly, "blob-side")

	blobsOnly := dumpString(t, r, DumpFilter{BlobsOnly: true})
	assert.Contains(t, blobsOnly, "blob-side")
	assert.NotContains(t, blobsOnly, "session-side")

	alphaOnly := dumpString(t, r, DumpFilter{Packages: []string{callerAlpha.Package}})
	assert.Contains(t, alphaOnly, "blob-side")
	assert.NotContains(t, alphaOnly, "session-side")
}

func TestDumpDoesNotMutate(t *testing.T) {
	r, _ := newTestRegistry(t)

	const content = "untouched"
	d := descriptorFor(t, content, "untouched", time.Time{})
	commitBlob(t, r, callerAlpha, d, content, AccessPrivate)

	dumpString(t, r, DumpFilter{Full: true})
	assert.Equal(t, content, readBlob(t, r, d, callerAlpha))
}
