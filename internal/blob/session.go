package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// SessionState is the tagged state of a session's commit state machine.
type SessionState int

const (
	// StateOpened accepts byte writes.
	StateOpened SessionState = iota
	// StateClosedPendingCommit has sealed the file and awaits verification.
	StateClosedPendingCommit
	// StateVerifying is recomputing the content digest off the lock.
	StateVerifying
	// StateVerifiedValid is terminal: content matches the descriptor digest.
	StateVerifiedValid
	// StateVerifiedInvalid is terminal: digest mismatch or read failure.
	StateVerifiedInvalid
	// StateAbandoned is terminal: the owner or the registry gave the
	// session up before a successful commit.
	StateAbandoned
)

func (s SessionState) String() string {
	switch s {
	case StateOpened:
		return "opened"
	case StateClosedPendingCommit:
		return "closed-pending-commit"
	case StateVerifying:
		return "verifying"
	case StateVerifiedValid:
		return "verified-valid"
	case StateVerifiedInvalid:
		return "verified-invalid"
	case StateAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// isTerminal reports whether no further transitions are possible.
func (s SessionState) isTerminal() bool {
	switch s {
	case StateVerifiedValid, StateVerifiedInvalid, StateAbandoned:
		return true
	}
	return false
}

// Session is the mutable, single-writer staging area for one blob write. It
// exclusively owns its backing file; byte writes never take the registry
// lock. Terminal transitions are reported to the registry exactly once, by
// session id; the registry resolves the id back into its own index rather
// than keeping a reference through the callback.
type Session struct {
	id           uint64
	descriptor   Descriptor
	ownerUID     int32
	ownerPackage string
	filePath     string
	createdAt    time.Time

	// notify delivers a terminal-state notification to the registry.
	notify func(sessionID uint64)

	mu           sync.Mutex
	state        SessionState
	file         *os.File
	size         int64
	accessMode   AccessMode
	commitResult chan error
}

func newSession(id uint64, descriptor Descriptor, ownerUID int32, ownerPackage, filePath string, notify func(uint64)) *Session {
	return &Session{
		id:           id,
		descriptor:   descriptor,
		ownerUID:     ownerUID,
		ownerPackage: ownerPackage,
		filePath:     filePath,
		createdAt:    time.Now(),
		notify:       notify,
		state:        StateOpened,
	}
}

// restoreSession rebuilds a session from a persisted index record. Sessions
// are only ever restored in the opened state; a commit that was in flight at
// shutdown must be requested again.
func restoreSession(id uint64, descriptor Descriptor, ownerUID int32, ownerPackage, filePath string, createdAt time.Time, notify func(uint64)) *Session {
	s := newSession(id, descriptor, ownerUID, ownerPackage, filePath, notify)
	s.createdAt = createdAt
	return s
}

// ID returns the session identifier.
func (s *Session) ID() uint64 { return s.id }

// Descriptor returns the content descriptor the session was created against.
func (s *Session) Descriptor() Descriptor { return s.descriptor }

// OwnerUID returns the uid that created the session.
func (s *Session) OwnerUID() int32 { return s.ownerUID }

// OwnerPackage returns the package that created the session.
func (s *Session) OwnerPackage() string { return s.ownerPackage }

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// FilePath returns the path of the backing file.
func (s *Session) FilePath() string { return s.filePath }

// State returns the current state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Size returns the number of bytes written so far.
func (s *Session) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Write appends the reader's bytes to the backing file. Only valid while the
// session is opened.
func (s *Session) Write(r io.Reader) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateOpened {
		return 0, fmt.Errorf("session %d is in state %s, not open for writing: %w",
			s.id, s.state, ErrInvalidArgument)
	}
	if s.file == nil {
		f, err := os.OpenFile(s.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return 0, fmt.Errorf("opening session file: %w", err)
		}
		s.file = f
	}

	n, err := io.Copy(s.file, r)
	s.size += n
	if err != nil {
		return n, fmt.Errorf("writing session data: %w", err)
	}
	log.Debug().Uint64("session_id", s.id).Int64("bytes", n).Int64("total", s.size).Msg("appended session data")
	return n, nil
}

// Commit seals the backing file, verifies its digest against the descriptor
// on a separate goroutine, and blocks until the registry finishes handling
// the terminal transition. A digest mismatch, a verification I/O failure, or
// a failure to durably persist the promoted blob all surface here as the
// commit result. The access mode controls who may read the committed blob.
func (s *Session) Commit(ctx context.Context, mode AccessMode) error {
	s.mu.Lock()
	if s.state != StateOpened {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("session %d is in state %s, cannot commit: %w", s.id, state, ErrInvalidArgument)
	}
	s.sealLocked()
	s.state = StateClosedPendingCommit
	s.accessMode = mode
	result := make(chan error, 1)
	s.commitResult = result
	s.mu.Unlock()

	log.Info().Uint64("session_id", s.id).Str("access_mode", mode.String()).Msg("session commit requested")
	go s.verify()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// verify recomputes the content digest off the registry lock and drives the
// session to a verified terminal state. Abandonment racing with verification
// wins: the terminal notification fires exactly once either way.
func (s *Session) verify() {
	s.mu.Lock()
	if s.state != StateClosedPendingCommit {
		s.mu.Unlock()
		return
	}
	s.state = StateVerifying
	s.mu.Unlock()

	digest, err := computeFileDigest(s.descriptor.Algorithm, s.filePath)

	s.mu.Lock()
	if s.state != StateVerifying {
		s.mu.Unlock()
		return
	}
	switch {
	case err != nil:
		log.Error().Err(err).Uint64("session_id", s.id).Msg("session verification failed")
		s.state = StateVerifiedInvalid
	case !bytes.Equal(digest, s.descriptor.Digest):
		log.Warn().Uint64("session_id", s.id).
			Str("expected", s.descriptor.DigestString()).
			Str("actual", fmt.Sprintf("%x", digest)).
			Msg("session content digest mismatch")
		s.state = StateVerifiedInvalid
	default:
		s.state = StateVerifiedValid
	}
	s.mu.Unlock()

	s.notify(s.id)
}

// Abandon transitions any non-terminal state to abandoned and notifies the
// registry. Abandoning an already-terminal session is a no-op.
func (s *Session) Abandon() {
	s.mu.Lock()
	if s.state.isTerminal() {
		s.mu.Unlock()
		return
	}
	s.sealLocked()
	s.state = StateAbandoned
	s.mu.Unlock()

	log.Info().Uint64("session_id", s.id).Msg("session abandoned")
	s.notify(s.id)
}

// sealLocked closes the write handle so no further bytes can be appended.
func (s *Session) sealLocked() {
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			log.Warn().Err(err).Uint64("session_id", s.id).Msg("failed to close session file")
		}
		s.file = nil
	}
}

// accessModeSnapshot returns the access mode requested at commit time.
func (s *Session) accessModeSnapshot() AccessMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessMode
}

// deliverCommitResult reports the outcome of the in-flight commit, if one is
// waiting. Never blocks.
func (s *Session) deliverCommitResult(err error) {
	s.mu.Lock()
	result := s.commitResult
	s.commitResult = nil
	s.mu.Unlock()
	if result == nil {
		return
	}
	select {
	case result <- err:
	default:
	}
}

// deleteFile removes the backing file as part of the session's destruction.
func (s *Session) deleteFile() {
	s.mu.Lock()
	s.sealLocked()
	s.mu.Unlock()
	if err := os.Remove(s.filePath); err != nil && !os.IsNotExist(err) {
		log.Error().Err(err).Uint64("session_id", s.id).Str("path", s.filePath).Msg("failed to delete session file")
		return
	}
	log.Debug().Uint64("session_id", s.id).Str("path", s.filePath).Msg("session file deleted")
}

// fileModTime returns the backing file's last modification time, falling back
// to the session creation time when no bytes were ever written.
func (s *Session) fileModTime() time.Time {
	info, err := os.Stat(s.filePath)
	if err != nil {
		return s.createdAt
	}
	return info.ModTime()
}

// computeFileDigest hashes the file content with the descriptor's algorithm.
func computeFileDigest(algorithm Algorithm, path string) ([]byte, error) {
	hasher, err := algorithm.NewHash()
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening file for verification: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(hasher, f); err != nil {
		return nil, fmt.Errorf("hashing file content: %w", err)
	}
	return hasher.Sum(nil), nil
}
