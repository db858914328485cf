package blob

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

// AccessMode controls which callers other than the committer itself may read
// a committed blob.
type AccessMode int

const (
	// AccessPrivate restricts reads to committers and lease holders.
	AccessPrivate AccessMode = iota
	// AccessSameUID additionally admits callers sharing a committer's uid.
	AccessSameUID
	// AccessPublic admits any caller.
	AccessPublic
)

func (m AccessMode) String() string {
	switch m {
	case AccessPrivate:
		return "private"
	case AccessSameUID:
		return "same-uid"
	case AccessPublic:
		return "public"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// Commitment records that an identity published a version of a blob.
type Commitment struct {
	Package    string     `json:"package"`
	UID        int32      `json:"uid"`
	AccessMode AccessMode `json:"access_mode"`
}

// Lease records that an identity is permitted to keep a committed blob alive
// and read it. A zero ExpiryTime means the lease does not expire on its own.
type Lease struct {
	Package          string    `json:"package"`
	UID              int32     `json:"uid"`
	Description      string    `json:"description,omitempty"`
	DescriptionResID string    `json:"description_res_id,omitempty"`
	ExpiryTime       time.Time `json:"expiry_time,omitempty"`
}

// IsExpired reports whether the lease's expiry, if set, has passed.
func (l Lease) IsExpired(now time.Time) bool {
	return !l.ExpiryTime.IsZero() && now.After(l.ExpiryTime)
}

// identityKey keys commitments and leases by (package, uid).
type identityKey struct {
	pkg string
	uid int32
}

// CommittedBlob is the durable, shared record for a validated blob. It owns
// the final backing file. All fields and maps are guarded by the registry
// lock; the blob carries no lock of its own.
type CommittedBlob struct {
	ID         uint64
	Descriptor Descriptor
	UserID     int32
	FilePath   string

	committers map[identityKey]Commitment
	leases     map[identityKey]Lease
}

func newCommittedBlob(id uint64, descriptor Descriptor, userID int32, filePath string) *CommittedBlob {
	return &CommittedBlob{
		ID:         id,
		Descriptor: descriptor,
		UserID:     userID,
		FilePath:   filePath,
		committers: make(map[identityKey]Commitment),
		leases:     make(map[identityKey]Lease),
	}
}

// setCommitter inserts or replaces the commitment for its identity and
// returns the previous commitment, if any, for rollback.
func (b *CommittedBlob) setCommitter(c Commitment) (prev Commitment, had bool) {
	key := identityKey{pkg: c.Package, uid: c.UID}
	prev, had = b.committers[key]
	b.committers[key] = c
	return prev, had
}

func (b *CommittedBlob) removeCommitter(pkg string, uid int32) {
	delete(b.committers, identityKey{pkg: pkg, uid: uid})
}

// setLease inserts or replaces the lease for its identity.
func (b *CommittedBlob) setLease(l Lease) {
	b.leases[identityKey{pkg: l.Package, uid: l.UID}] = l
}

// removeLease drops the lease held by (pkg, uid); absent leases are a no-op.
func (b *CommittedBlob) removeLease(pkg string, uid int32) {
	delete(b.leases, identityKey{pkg: pkg, uid: uid})
}

// hasActiveLeases reports whether any non-expired lease remains. Grants, not
// commitments, gate blob survival.
func (b *CommittedBlob) hasActiveLeases(now time.Time) bool {
	for _, l := range b.leases {
		if !l.IsExpired(now) {
			return true
		}
	}
	return false
}

// isAccessAllowed implements the read/lease authorization rule: the caller is
// a committer, holds a non-expired lease, or a committer's access mode admits
// the caller.
func (b *CommittedBlob) isAccessAllowed(pkg string, uid int32, now time.Time) bool {
	if _, ok := b.committers[identityKey{pkg: pkg, uid: uid}]; ok {
		return true
	}
	if l, ok := b.leases[identityKey{pkg: pkg, uid: uid}]; ok && !l.IsExpired(now) {
		return true
	}
	for _, c := range b.committers {
		switch c.AccessMode {
		case AccessPublic:
			return true
		case AccessSameUID:
			if c.UID == uid {
				return true
			}
		}
	}
	return false
}

// Committers returns the commitments sorted by (package, uid) for stable
// persistence and dumps.
func (b *CommittedBlob) Committers() []Commitment {
	out := make([]Commitment, 0, len(b.committers))
	for _, c := range b.committers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Package != out[j].Package {
			return out[i].Package < out[j].Package
		}
		return out[i].UID < out[j].UID
	})
	return out
}

// Leases returns the leases sorted by (package, uid).
func (b *CommittedBlob) Leases() []Lease {
	out := make([]Lease, 0, len(b.leases))
	for _, l := range b.leases {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Package != out[j].Package {
			return out[i].Package < out[j].Package
		}
		return out[i].UID < out[j].UID
	})
	return out
}

// OpenForRead returns a read-only handle to the backing file. The content was
// verified against the descriptor at commit time and is trusted on read.
func (b *CommittedBlob) OpenForRead() (*os.File, error) {
	f, err := os.Open(b.FilePath)
	if err != nil {
		log.Error().Err(err).Uint64("blob_id", b.ID).Str("path", b.FilePath).Msg("failed to open blob for read")
		return nil, fmt.Errorf("opening blob %d for read: %w", b.ID, err)
	}
	return f, nil
}

// Size returns the backing file size, or 0 if the file cannot be inspected.
func (b *CommittedBlob) Size() int64 {
	info, err := os.Stat(b.FilePath)
	if err != nil {
		return 0
	}
	return info.Size()
}

// deleteFile removes the backing file as part of the blob's destruction.
// Called only with the registry lock held.
func (b *CommittedBlob) deleteFile() {
	if err := os.Remove(b.FilePath); err != nil && !os.IsNotExist(err) {
		log.Error().Err(err).Uint64("blob_id", b.ID).Str("path", b.FilePath).Msg("failed to delete blob file")
		return
	}
	log.Debug().Uint64("blob_id", b.ID).Str("path", b.FilePath).Msg("blob file deleted")
}
