package blob

import (
	"fmt"
	"io"
	"slices"
	"sort"
	"time"
)

// DumpFilter selects what the inspection dump includes. Empty slices mean
// "no filtering on that dimension". Digests are redacted unless Full is set.
type DumpFilter struct {
	Packages []string
	UIDs     []int32
	UserIDs  []int32
	BlobIDs  []uint64

	SessionsOnly bool
	BlobsOnly    bool
	Full         bool
}

func (f DumpFilter) shouldDumpUser(userID int32) bool {
	return len(f.UserIDs) == 0 || slices.Contains(f.UserIDs, userID)
}

func (f DumpFilter) shouldDumpIdentity(pkg string, uid int32, id uint64) bool {
	if len(f.Packages) > 0 && !slices.Contains(f.Packages, pkg) {
		return false
	}
	if len(f.UIDs) > 0 && !slices.Contains(f.UIDs, uid) {
		return false
	}
	return len(f.BlobIDs) == 0 || slices.Contains(f.BlobIDs, id)
}

func (f DumpFilter) shouldDumpBlobID(id uint64) bool {
	return len(f.BlobIDs) == 0 || slices.Contains(f.BlobIDs, id)
}

func (f DumpFilter) dumpSessions() bool { return !f.BlobsOnly }
func (f DumpFilter) dumpBlobs() bool    { return !f.SessionsOnly }

func (f DumpFilter) digest(d Descriptor) string {
	s := d.DigestString()
	if f.Full || len(s) <= 8 {
		return s
	}
	return s[:8] + "..."
}

// Dump writes a read-only, filtered snapshot of the registry state. It never
// mutates anything.
func (r *Registry) Dump(w io.Writer, f DumpFilter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := fmt.Fprintf(w, "max id: %d\n\n", r.maxID); err != nil {
		return err
	}

	if f.dumpSessions() {
		for _, userID := range sortedKeys(r.sessions) {
			if !f.shouldDumpUser(userID) {
				continue
			}
			userSessions := r.sessions[userID]
			fmt.Fprintf(w, "sessions in user #%d (%d):\n", userID, len(userSessions))
			for _, id := range sortedKeys(userSessions) {
				session := userSessions[id]
				if !f.shouldDumpIdentity(session.OwnerPackage(), session.OwnerUID(), id) {
					continue
				}
				fmt.Fprintf(w, "  session #%d: state=%s owner=%s/%d digest=%s:%s label=%q size=%d\n",
					id, session.State(), session.OwnerPackage(), session.OwnerUID(),
					session.Descriptor().Algorithm, f.digest(session.Descriptor()),
					session.Descriptor().Label, session.Size())
			}
			fmt.Fprintln(w)
		}
	}

	if f.dumpBlobs() {
		for _, userID := range sortedKeys(r.blobs) {
			if !f.shouldDumpUser(userID) {
				continue
			}
			userBlobs := r.blobs[userID]
			fmt.Fprintf(w, "blobs in user #%d (%d):\n", userID, len(userBlobs))
			keys := make([]string, 0, len(userBlobs))
			for key := range userBlobs {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			for _, key := range keys {
				b := userBlobs[key]
				if !f.shouldDumpBlobID(b.ID) {
					continue
				}
				fmt.Fprintf(w, "  blob #%d: digest=%s:%s label=%q size=%d\n",
					b.ID, b.Descriptor.Algorithm, f.digest(b.Descriptor), b.Descriptor.Label, b.Size())
				for _, c := range b.Committers() {
					fmt.Fprintf(w, "    committer %s/%d mode=%s\n", c.Package, c.UID, c.AccessMode)
				}
				for _, l := range b.Leases() {
					desc := l.Description
					if !f.Full && desc != "" {
						desc = "[redacted]"
					}
					fmt.Fprintf(w, "    lease %s/%d desc=%q expiry=%s\n", l.Package, l.UID, desc, formatExpiry(l.ExpiryTime))
				}
			}
			fmt.Fprintln(w)
		}
	}
	return nil
}

func formatExpiry(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format(time.RFC3339)
}

func sortedKeys[K int32 | uint64, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
