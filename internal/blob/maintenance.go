package blob

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// RunIdleMaintenance reconciles on-disk files against the live-identifier
// set, expires stale sessions and blobs, and schedules persistence of both
// indices. It runs fully under the registry lock; a full scan is acceptable
// at local-storage scale.
func (r *Registry) RunIdleMaintenance() {
	start := time.Now()
	now := start

	r.mu.Lock()
	orphans := r.sweepOrphanFilesLocked()
	blobsRemoved := r.sweepBlobsLocked(now)
	sessionsRemoved := r.sweepSessionsLocked(now)
	r.mu.Unlock()

	r.flusher.ScheduleSessions()
	r.flusher.ScheduleBlobs()

	log.Info().
		Int("orphan_files", orphans).
		Int("blobs_removed", blobsRemoved).
		Int("sessions_removed", sessionsRemoved).
		Dur("duration", time.Since(start)).
		Msg("idle maintenance completed")
}

// sweepOrphanFilesLocked deletes any file in the blob and session directories
// whose name does not parse as a live identifier. Malformed names count as
// orphans.
func (r *Registry) sweepOrphanFilesLocked() int {
	removed := 0
	for _, dir := range []string{r.blobsDir(), r.sessionsDir()} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			log.Error().Err(err).Str("dir", dir).Msg("failed to list storage directory")
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			id, err := strconv.ParseUint(entry.Name(), 10, 64)
			if err == nil {
				if _, live := r.liveIDs[id]; live {
					continue
				}
			} else {
				log.Warn().Str("name", entry.Name()).Str("dir", dir).Msg("storage file has malformed name")
			}
			if err := os.Remove(path); err != nil {
				log.Error().Err(err).Str("path", path).Msg("failed to delete orphaned file")
				continue
			}
			removed++
			log.Debug().Str("path", path).Msg("orphaned file deleted")
		}
	}
	return removed
}

// sweepBlobsLocked deletes committed blobs whose descriptor is expired or
// which have no active leases left.
func (r *Registry) sweepBlobsLocked(now time.Time) int {
	removed := 0
	for _, userBlobs := range r.blobs {
		for key, b := range userBlobs {
			if !b.Descriptor.IsExpired(now) && b.hasActiveLeases(now) {
				continue
			}
			b.deleteFile()
			delete(userBlobs, key)
			delete(r.liveIDs, b.ID)
			removed++
			log.Debug().Uint64("blob_id", b.ID).Msg("stale blob removed")
		}
	}
	return removed
}

// sweepSessionsLocked deletes sessions whose backing file has not been
// modified within the session-expiry window or whose descriptor is expired.
func (r *Registry) sweepSessionsLocked(now time.Time) int {
	removed := 0
	cutoff := now.Add(-r.sessionExpiry)
	for _, userSessions := range r.sessions {
		for id, session := range userSessions {
			if session.fileModTime().After(cutoff) && !session.Descriptor().IsExpired(now) {
				continue
			}
			session.deleteFile()
			delete(userSessions, id)
			delete(r.liveIDs, id)
			removed++
			log.Debug().Uint64("session_id", id).Msg("stale session removed")
		}
	}
	return removed
}
