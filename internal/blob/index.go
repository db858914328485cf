package blob

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/blobvault/blobvault/internal/identity"
)

// indexVersion is the current schema version of both index documents.
const indexVersion = 1

const (
	sessionsIndexName = "sessions.json"
	blobsIndexName    = "blobs.json"
)

// sessionRecord is the persisted form of one write session.
type sessionRecord struct {
	ID           uint64     `json:"id"`
	Descriptor   Descriptor `json:"descriptor"`
	OwnerUID     int32      `json:"owner_uid"`
	OwnerPackage string     `json:"owner_package"`
	State        string     `json:"state"`
	CreatedAt    time.Time  `json:"created_at"`
}

// sessionIndex is the versioned sessions document.
type sessionIndex struct {
	Version  int             `json:"version"`
	Sessions []sessionRecord `json:"sessions"`
}

// blobRecord is the persisted form of one committed blob.
type blobRecord struct {
	ID         uint64       `json:"id"`
	Descriptor Descriptor   `json:"descriptor"`
	UserID     int32        `json:"user_id"`
	Committers []Commitment `json:"committers"`
	Leases     []Lease      `json:"leases,omitempty"`
}

// blobIndex is the versioned blobs document.
type blobIndex struct {
	Version int          `json:"version"`
	Blobs   []blobRecord `json:"blobs"`
}

func (r *Registry) sessionsIndexPath() string {
	return filepath.Join(r.rootDir, sessionsIndexName)
}

func (r *Registry) blobsIndexPath() string {
	return filepath.Join(r.rootDir, blobsIndexName)
}

// writeSessionIndex is the flusher entry point; it takes the registry lock.
func (r *Registry) writeSessionIndex() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writeSessionIndexLocked()
}

// writeBlobIndex is the flusher entry point; it takes the registry lock.
func (r *Registry) writeBlobIndex() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writeBlobIndexLocked()
}

func (r *Registry) writeSessionIndexLocked() error {
	doc := sessionIndex{Version: indexVersion}
	for _, userSessions := range r.sessions {
		for _, session := range userSessions {
			if session.State().isTerminal() {
				continue
			}
			doc.Sessions = append(doc.Sessions, sessionRecord{
				ID:           session.ID(),
				Descriptor:   session.Descriptor(),
				OwnerUID:     session.OwnerUID(),
				OwnerPackage: session.OwnerPackage(),
				State:        session.State().String(),
				CreatedAt:    session.CreatedAt(),
			})
		}
	}
	sort.Slice(doc.Sessions, func(i, j int) bool { return doc.Sessions[i].ID < doc.Sessions[j].ID })

	if err := writeIndexDocument(r.sessionsIndexPath(), doc); err != nil {
		return fmt.Errorf("persisting session index: %w", err)
	}
	log.Debug().Int("sessions", len(doc.Sessions)).Msg("session index persisted")
	return nil
}

func (r *Registry) writeBlobIndexLocked() error {
	doc := blobIndex{Version: indexVersion}
	for _, userBlobs := range r.blobs {
		for _, b := range userBlobs {
			doc.Blobs = append(doc.Blobs, blobRecord{
				ID:         b.ID,
				Descriptor: b.Descriptor,
				UserID:     b.UserID,
				Committers: b.Committers(),
				Leases:     b.Leases(),
			})
		}
	}
	sort.Slice(doc.Blobs, func(i, j int) bool { return doc.Blobs[i].ID < doc.Blobs[j].ID })

	if err := writeIndexDocument(r.blobsIndexPath(), doc); err != nil {
		return fmt.Errorf("persisting blob index: %w", err)
	}
	log.Debug().Int("blobs", len(doc.Blobs)).Msg("blob index persisted")
	return nil
}

// readSessionIndexLocked loads the sessions document. Records owned by a
// package that is no longer installed are discarded and their backing files
// deleted. Restored sessions are always opened: a commit in flight at
// shutdown must be requested again.
func (r *Registry) readSessionIndexLocked(installed map[int32]map[identityKey]struct{}) {
	var doc sessionIndex
	if !readIndexDocument(r.sessionsIndexPath(), &doc) {
		return
	}

	for _, rec := range doc.Sessions {
		if rec.ID > r.maxID {
			r.maxID = rec.ID
		}
		if err := rec.Descriptor.Validate(); err != nil {
			log.Warn().Err(err).Uint64("session_id", rec.ID).Msg("dropping session record with invalid descriptor")
			removeFileQuiet(r.sessionFilePath(rec.ID))
			continue
		}
		userID := identity.UserID(rec.OwnerUID)
		if _, ok := installed[userID][identityKey{pkg: rec.OwnerPackage, uid: rec.OwnerUID}]; !ok {
			log.Warn().
				Uint64("session_id", rec.ID).
				Str("package", rec.OwnerPackage).
				Msg("dropping session record for uninstalled package")
			removeFileQuiet(r.sessionFilePath(rec.ID))
			continue
		}
		session := restoreSession(rec.ID, rec.Descriptor, rec.OwnerUID, rec.OwnerPackage,
			r.sessionFilePath(rec.ID), rec.CreatedAt, r.handleSessionStateChanged)
		r.userSessionsLocked(userID)[rec.ID] = session
		r.liveIDs[rec.ID] = struct{}{}
	}
}

// readBlobIndexLocked loads the blobs document, filtering commitments and
// leases down to identities that are still installed.
func (r *Registry) readBlobIndexLocked(installed map[int32]map[identityKey]struct{}) {
	var doc blobIndex
	if !readIndexDocument(r.blobsIndexPath(), &doc) {
		return
	}

	for _, rec := range doc.Blobs {
		if rec.ID > r.maxID {
			r.maxID = rec.ID
		}
		if err := rec.Descriptor.Validate(); err != nil {
			log.Warn().Err(err).Uint64("blob_id", rec.ID).Msg("dropping blob record with invalid descriptor")
			removeFileQuiet(r.blobFilePath(rec.ID))
			continue
		}
		userSet, userKnown := installed[rec.UserID]
		if !userKnown {
			log.Warn().Uint64("blob_id", rec.ID).Int32("user_id", rec.UserID).Msg("dropping blob record for removed user")
			removeFileQuiet(r.blobFilePath(rec.ID))
			continue
		}

		b := newCommittedBlob(rec.ID, rec.Descriptor, rec.UserID, r.blobFilePath(rec.ID))
		for _, c := range rec.Committers {
			if _, ok := userSet[identityKey{pkg: c.Package, uid: c.UID}]; ok {
				b.setCommitter(c)
			}
		}
		for _, l := range rec.Leases {
			if _, ok := userSet[identityKey{pkg: l.Package, uid: l.UID}]; ok {
				b.setLease(l)
			}
		}
		r.userBlobsLocked(rec.UserID)[rec.Descriptor.Key()] = b
		r.liveIDs[rec.ID] = struct{}{}
	}
}

// writeIndexDocument serializes the document and replaces the index file
// atomically: write to a temp file in the same directory, fsync, then rename
// over the previous file. On any failure the previous file is left untouched
// and the error is surfaced.
func writeIndexDocument(path string, doc any) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding index document: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("creating temporary index file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		tmp.Close()
		if _, statErr := os.Stat(tmpPath); statErr == nil {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("writing temporary index file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing temporary index file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temporary index file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replacing index file: %w", err)
	}
	return nil
}

// readIndexDocument loads and version-checks an index document. A missing,
// unreadable or unsupported file yields false and an empty index: startup
// degrades to most-available rather than blocking, with the fault logged.
func readIndexDocument(path string, doc interface{ version() int }) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error().Err(err).Str("path", path).Msg("failed to read index document; starting empty")
		}
		return false
	}
	if err := json.Unmarshal(data, doc); err != nil {
		log.Error().Err(err).Str("path", path).Msg("index document does not parse; starting empty")
		return false
	}
	if v := doc.version(); v > indexVersion {
		log.Error().Int("version", v).Str("path", path).
			Err(fmt.Errorf("index version %d not supported: %w", v, ErrCorruptIndex)).
			Msg("index document has unsupported version; starting empty")
		return false
	}
	return true
}

func (d *sessionIndex) version() int { return d.Version }
func (d *blobIndex) version() int    { return d.Version }

func removeFileQuiet(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", path).Msg("failed to delete orphaned file")
	}
}
