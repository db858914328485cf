// Package blob implements a local, content-addressable blob storage service:
// callers negotiate a write session against a content descriptor, stream
// bytes into it, and the service validates, commits and thereafter serves the
// immutable blob to any caller holding a matching descriptor and a commitment
// or lease on it.
package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/blobvault/blobvault/internal/identity"
)

// DefaultSessionExpiry is how long an idle session survives before the
// maintenance sweep reclaims it.
const DefaultSessionExpiry = 7 * 24 * time.Hour

const (
	blobsDirName    = "blobs"
	sessionsDirName = "sessions"
)

// Config carries the registry's storage settings.
type Config struct {
	// RootDir is the storage root; blob and session files and the two
	// index documents live beneath it.
	RootDir string
	// SessionExpiry overrides DefaultSessionExpiry when positive.
	SessionExpiry time.Duration
}

// Caller identifies the caller of a registry operation. The transport layer
// verifies the uid; the registry independently re-verifies that the package
// maps to it.
type Caller struct {
	UID     int32
	Package string
}

// Registry is the service core. It owns all in-memory indices (sessions by
// owner, blobs by owner and descriptor, the live-identifier set), serializes
// every mutation under one coarse lock, and coordinates persistence and
// garbage collection. Index membership, the live-identifier set and on-disk
// file existence form one atomic unit under the lock.
type Registry struct {
	rootDir       string
	sessionExpiry time.Duration
	resolver      identity.Resolver

	mu       sync.Mutex
	sessions map[int32]map[uint64]*Session       // userID -> session id -> session
	blobs    map[int32]map[string]*CommittedBlob // userID -> descriptor key -> blob
	liveIDs  map[uint64]struct{}
	maxID    uint64

	flusher *flusher
}

// NewRegistry prepares the storage directories and starts the asynchronous
// flusher. Call Load before serving and Close on shutdown.
func NewRegistry(cfg Config, resolver identity.Resolver) (*Registry, error) {
	for _, dir := range []string{cfg.RootDir, filepath.Join(cfg.RootDir, blobsDirName), filepath.Join(cfg.RootDir, sessionsDirName)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating storage directory %s: %w", dir, err)
		}
	}

	expiry := cfg.SessionExpiry
	if expiry <= 0 {
		expiry = DefaultSessionExpiry
	}

	r := &Registry{
		rootDir:       cfg.RootDir,
		sessionExpiry: expiry,
		resolver:      resolver,
		sessions:      make(map[int32]map[uint64]*Session),
		blobs:         make(map[int32]map[string]*CommittedBlob),
		liveIDs:       make(map[uint64]struct{}),
	}
	r.flusher = newFlusher(r.writeSessionIndex, r.writeBlobIndex)

	log.Info().Str("root", cfg.RootDir).Dur("session_expiry", expiry).Msg("blob registry initialized")
	return r, nil
}

// Load reads both index documents from disk. It must run once, before the
// registry accepts any external call. An unreadable index yields an empty one
// with a logged fault rather than blocking startup; individual records whose
// owning package is no longer installed are discarded and their backing files
// deleted.
func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	installed := r.installedPackagesByUser()
	r.readSessionIndexLocked(installed)
	r.readBlobIndexLocked(installed)

	log.Info().
		Int("users_with_sessions", len(r.sessions)).
		Int("users_with_blobs", len(r.blobs)).
		Uint64("max_id", r.maxID).
		Msg("blob registry loaded")
	return nil
}

// Close stops the flusher and performs a final synchronous flush of both
// indices.
func (r *Registry) Close() error {
	r.flusher.Stop()

	r.mu.Lock()
	defer r.mu.Unlock()
	sessErr := r.writeSessionIndexLocked()
	blobErr := r.writeBlobIndexLocked()
	if sessErr != nil {
		return sessErr
	}
	return blobErr
}

// CreateSession allocates a new identifier, stores an opened session for the
// caller and schedules persistence of the session index. Isolated and
// instant-app callers may not create sessions.
func (r *Registry) CreateSession(d Descriptor, c Caller) (uint64, error) {
	if err := d.Validate(); err != nil {
		return 0, err
	}
	if err := r.verifyCaller(c); err != nil {
		return 0, err
	}
	if r.resolver.IsIsolated(c.UID) || r.resolver.IsInstantApp(c.Package, identity.UserID(c.UID)) {
		return 0, fmt.Errorf("caller %s (uid %d) may not create sessions: %w", c.Package, c.UID, ErrForbidden)
	}

	r.mu.Lock()
	id := r.nextIDLocked()
	session := newSession(id, d, c.UID, c.Package, r.sessionFilePath(id), r.handleSessionStateChanged)
	r.userSessionsLocked(identity.UserID(c.UID))[id] = session
	r.liveIDs[id] = struct{}{}
	r.mu.Unlock()

	r.flusher.ScheduleSessions()
	log.Info().
		Uint64("session_id", id).
		Str("package", c.Package).
		Int32("uid", c.UID).
		Str("digest", d.DigestString()).
		Msg("session created")
	return id, nil
}

// OpenSession returns the caller's existing, non-finalized session.
func (r *Registry) OpenSession(id uint64, c Caller) (*Session, error) {
	if err := r.verifyCaller(c); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	session := r.userSessionsLocked(identity.UserID(c.UID))[id]
	if session == nil || session.State().isTerminal() {
		return nil, fmt.Errorf("session %d: %w", id, ErrNotFound)
	}
	if session.OwnerUID() != c.UID || session.OwnerPackage() != c.Package {
		return nil, fmt.Errorf("session %d is not owned by caller %s (uid %d): %w",
			id, c.Package, c.UID, ErrUnauthorized)
	}
	return session, nil
}

// DeleteSession abandons the caller's session; the terminal-state handler
// deletes the backing file and removes the session from the index.
func (r *Registry) DeleteSession(id uint64, c Caller) error {
	session, err := r.OpenSession(id, c)
	if err != nil {
		return err
	}
	// Abandon outside the registry lock: the state-change handler
	// re-acquires it.
	session.Abandon()
	return nil
}

// OpenBlob returns a read-only handle to the committed blob for the caller's
// user scope and the descriptor, if the caller is allowed to access it.
func (r *Registry) OpenBlob(d Descriptor, c Caller) (*os.File, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if err := r.verifyCaller(c); err != nil {
		return nil, err
	}
	if r.resolver.IsIsolated(c.UID) || r.resolver.IsInstantApp(c.Package, identity.UserID(c.UID)) {
		return nil, fmt.Errorf("caller %s (uid %d) may not open blobs: %w", c.Package, c.UID, ErrForbidden)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.userBlobsLocked(identity.UserID(c.UID))[d.Key()]
	if b == nil {
		return nil, fmt.Errorf("blob for descriptor %s: %w", d.DigestString(), ErrNotFound)
	}
	if !b.isAccessAllowed(c.Package, c.UID, time.Now()) {
		return nil, fmt.Errorf("caller %s (uid %d) may not access blob %d: %w",
			c.Package, c.UID, b.ID, ErrUnauthorized)
	}
	return b.OpenForRead()
}

// AcquireLease records that the caller wants to keep the blob alive. The
// caller must already be allowed to access the blob, and the lease expiry may
// not outlive a nonzero descriptor expiry. Re-acquiring updates the existing
// lease in place.
func (r *Registry) AcquireLease(d Descriptor, c Caller, description, descriptionResID string, expiry time.Time) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if description == "" && descriptionResID == "" {
		return fmt.Errorf("lease needs a description or a description resource id: %w", ErrInvalidArgument)
	}
	if err := r.verifyCaller(c); err != nil {
		return err
	}

	r.mu.Lock()
	b := r.userBlobsLocked(identity.UserID(c.UID))[d.Key()]
	if b == nil {
		r.mu.Unlock()
		return fmt.Errorf("blob for descriptor %s: %w", d.DigestString(), ErrNotFound)
	}
	if !b.isAccessAllowed(c.Package, c.UID, time.Now()) {
		r.mu.Unlock()
		return fmt.Errorf("caller %s (uid %d) may not lease blob %d: %w",
			c.Package, c.UID, b.ID, ErrUnauthorized)
	}
	if !expiry.IsZero() && !d.ExpiryTime.IsZero() && expiry.After(d.ExpiryTime) {
		r.mu.Unlock()
		return fmt.Errorf("lease expiry %s is later than the blob's own expiry %s: %w",
			expiry, d.ExpiryTime, ErrInvalidArgument)
	}
	b.setLease(Lease{
		Package:          c.Package,
		UID:              c.UID,
		Description:      description,
		DescriptionResID: descriptionResID,
		ExpiryTime:       expiry,
	})
	r.mu.Unlock()

	r.flusher.ScheduleBlobs()
	log.Info().Uint64("blob_id", b.ID).Str("package", c.Package).Int32("uid", c.UID).Msg("lease acquired")
	return nil
}

// ReleaseLease drops the caller's lease on the blob. Releasing a lease that
// does not exist is a no-op, not an error.
func (r *Registry) ReleaseLease(d Descriptor, c Caller) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if err := r.verifyCaller(c); err != nil {
		return err
	}

	r.mu.Lock()
	b := r.userBlobsLocked(identity.UserID(c.UID))[d.Key()]
	if b == nil {
		r.mu.Unlock()
		return fmt.Errorf("blob for descriptor %s: %w", d.DigestString(), ErrNotFound)
	}
	b.removeLease(c.Package, c.UID)
	r.mu.Unlock()

	r.flusher.ScheduleBlobs()
	log.Info().Uint64("blob_id", b.ID).Str("package", c.Package).Int32("uid", c.UID).Msg("lease released")
	return nil
}

// HandlePackageRemoved drops every session owned by the removed identity and
// every commitment and lease it held; blobs left with no active leases are
// deleted together with their backing files.
func (r *Registry) HandlePackageRemoved(pkg string, uid int32) {
	userID := identity.UserID(uid)
	now := time.Now()

	r.mu.Lock()
	userSessions := r.userSessionsLocked(userID)
	for id, session := range userSessions {
		if session.OwnerUID() != uid || session.OwnerPackage() != pkg {
			continue
		}
		session.deleteFile()
		delete(userSessions, id)
		delete(r.liveIDs, id)
	}

	userBlobs := r.userBlobsLocked(userID)
	for key, b := range userBlobs {
		b.removeCommitter(pkg, uid)
		b.removeLease(pkg, uid)
		// A blob survives the removal of one committer as long as some
		// lease remains.
		if !b.hasActiveLeases(now) {
			b.deleteFile()
			delete(userBlobs, key)
			delete(r.liveIDs, b.ID)
		}
	}
	r.mu.Unlock()

	r.flusher.ScheduleSessions()
	r.flusher.ScheduleBlobs()
	log.Info().Str("package", pkg).Int32("uid", uid).Msg("removed blob data for package")
}

// HandleUserRemoved drops every session and blob belonging to the user scope,
// deleting all backing files.
func (r *Registry) HandleUserRemoved(userID int32) {
	r.mu.Lock()
	for id, session := range r.sessions[userID] {
		session.deleteFile()
		delete(r.liveIDs, id)
	}
	delete(r.sessions, userID)

	for _, b := range r.blobs[userID] {
		b.deleteFile()
		delete(r.liveIDs, b.ID)
	}
	delete(r.blobs, userID)
	r.mu.Unlock()

	r.flusher.ScheduleSessions()
	r.flusher.ScheduleBlobs()
	log.Info().Int32("user_id", userID).Msg("removed blob data for user")
}

// handleSessionStateChanged is the single serialization point for terminal
// transitions. The callback carries only the session id; the session is
// resolved back through the index so the callback never extends its
// lifetime. The session index is re-persisted afterward regardless of the
// outcome.
func (r *Registry) handleSessionStateChanged(id uint64) {
	r.mu.Lock()
	session := r.findSessionLocked(id)
	if session == nil {
		r.mu.Unlock()
		return
	}

	switch state := session.State(); state {
	case StateAbandoned:
		session.deleteFile()
		r.removeSessionLocked(session)
		// A commit may be in flight when the owner abandons the session
		// from another request; resolve it rather than leaving the caller
		// blocked on its context.
		session.deliverCommitResult(fmt.Errorf("session %d was abandoned: %w", id, ErrNotFound))
		log.Debug().Uint64("session_id", id).Msg("abandoned session removed")
	case StateVerifiedInvalid:
		session.deleteFile()
		r.removeSessionLocked(session)
		session.deliverCommitResult(fmt.Errorf(
			"session %d content does not match its descriptor: %w", id, ErrInvalidArgument))
		log.Warn().Uint64("session_id", id).Msg("invalid session removed")
	case StateVerifiedValid:
		r.promoteSessionLocked(session)
	default:
		log.Error().Uint64("session_id", id).Str("state", state.String()).Msg("unexpected session state notification")
	}
	r.mu.Unlock()

	r.flusher.ScheduleSessions()
}

// promoteSessionLocked turns a verified session into (or into a commitment
// on) the committed blob for its (user, descriptor). The blob index is
// persisted synchronously; on failure the previous commitment is restored and
// the commit is reported failed to the caller. The session leaves the index
// either way.
func (r *Registry) promoteSessionLocked(session *Session) {
	userID := identity.UserID(session.OwnerUID())
	userBlobs := r.userBlobsLocked(userID)
	key := session.Descriptor().Key()

	b := userBlobs[key]
	created := false
	if b == nil {
		dest := r.blobFilePath(session.ID())
		if err := os.Rename(session.FilePath(), dest); err != nil {
			log.Error().Err(err).Uint64("session_id", session.ID()).Msg("failed to move session file into blob storage")
			session.deleteFile()
			r.removeSessionLocked(session)
			session.deliverCommitResult(fmt.Errorf("promoting session %d: %w", session.ID(), err))
			return
		}
		b = newCommittedBlob(session.ID(), session.Descriptor(), userID, dest)
		userBlobs[key] = b
		created = true
	} else {
		// The descriptor already has a committed file; this session's
		// copy is redundant.
		session.deleteFile()
	}

	committer := Commitment{
		Package:    session.OwnerPackage(),
		UID:        session.OwnerUID(),
		AccessMode: session.accessModeSnapshot(),
	}
	prev, hadPrev := b.setCommitter(committer)

	err := r.writeBlobIndexLocked()
	if err != nil {
		// Roll the speculative commitment back; the in-flight commit
		// call observes the failure.
		if hadPrev {
			b.setCommitter(prev)
		} else {
			b.removeCommitter(committer.Package, committer.UID)
		}
		if created {
			b.deleteFile()
			delete(userBlobs, key)
			delete(r.liveIDs, b.ID)
		}
		log.Error().Err(err).Uint64("session_id", session.ID()).Msg("failed to persist blob index during commit")
	}

	r.removeSessionLocked(session)
	if err == nil && created {
		// The session's identifier lives on as the blob's.
		r.liveIDs[b.ID] = struct{}{}
	}

	if err != nil {
		session.deliverCommitResult(fmt.Errorf("committing session %d: %w", session.ID(), err))
		return
	}
	session.deliverCommitResult(nil)
	log.Info().
		Uint64("session_id", session.ID()).
		Uint64("blob_id", b.ID).
		Str("package", committer.Package).
		Bool("new_blob", created).
		Msg("session committed")
}

// verifyCaller checks that the caller package resolves to the caller uid
// within the caller's user scope.
func (r *Registry) verifyCaller(c Caller) error {
	uid, ok := r.resolver.ResolveUID(c.Package, identity.UserID(c.UID))
	if !ok || uid != c.UID {
		return fmt.Errorf("package %s does not map to uid %d: %w", c.Package, c.UID, ErrUnauthorized)
	}
	return nil
}

// nextIDLocked issues the next process-wide identifier, unique across
// sessions and committed blobs.
func (r *Registry) nextIDLocked() uint64 {
	r.maxID++
	return r.maxID
}

func (r *Registry) userSessionsLocked(userID int32) map[uint64]*Session {
	userSessions := r.sessions[userID]
	if userSessions == nil {
		userSessions = make(map[uint64]*Session)
		r.sessions[userID] = userSessions
	}
	return userSessions
}

func (r *Registry) userBlobsLocked(userID int32) map[string]*CommittedBlob {
	userBlobs := r.blobs[userID]
	if userBlobs == nil {
		userBlobs = make(map[string]*CommittedBlob)
		r.blobs[userID] = userBlobs
	}
	return userBlobs
}

// findSessionLocked resolves a session id across all user scopes.
func (r *Registry) findSessionLocked(id uint64) *Session {
	for _, userSessions := range r.sessions {
		if session, ok := userSessions[id]; ok {
			return session
		}
	}
	return nil
}

// removeSessionLocked drops the session from its user index and retires its
// identifier.
func (r *Registry) removeSessionLocked(session *Session) {
	delete(r.userSessionsLocked(identity.UserID(session.OwnerUID())), session.ID())
	delete(r.liveIDs, session.ID())
}

// installedPackagesByUser snapshots the resolver's installed packages as
// per-user identity sets for index-load validation. Several packages may
// share one uid, so membership is keyed by (package, uid).
func (r *Registry) installedPackagesByUser() map[int32]map[identityKey]struct{} {
	installed := make(map[int32]map[identityKey]struct{})
	for _, userID := range r.resolver.UserIDs() {
		set := make(map[identityKey]struct{})
		for _, p := range r.resolver.InstalledPackages(userID) {
			set[identityKey{pkg: p.Name, uid: p.UID}] = struct{}{}
		}
		installed[userID] = set
	}
	return installed
}

func (r *Registry) blobsDir() string {
	return filepath.Join(r.rootDir, blobsDirName)
}

func (r *Registry) sessionsDir() string {
	return filepath.Join(r.rootDir, sessionsDirName)
}

func (r *Registry) blobFilePath(id uint64) string {
	return filepath.Join(r.blobsDir(), strconv.FormatUint(id, 10))
}

func (r *Registry) sessionFilePath(id uint64) string {
	return filepath.Join(r.sessionsDir(), strconv.FormatUint(id, 10))
}

// WaitForIdle blocks until in-flight asynchronous flushes have drained or the
// context expires. Intended for tests and orderly shutdown diagnostics.
func (r *Registry) WaitForIdle(ctx context.Context) error {
	return r.flusher.WaitForIdle(ctx)
}
