package blob

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"time"

	"github.com/zeebo/blake3"
)

// Algorithm identifies the digest algorithm of a Descriptor.
type Algorithm string

const (
	AlgorithmSHA256 Algorithm = "sha256"
	AlgorithmBLAKE3 Algorithm = "blake3"
)

// digestSizes maps each supported algorithm to its digest length in bytes.
var digestSizes = map[Algorithm]int{
	AlgorithmSHA256: sha256.Size,
	AlgorithmBLAKE3: 32,
}

// NewHash returns a fresh hasher for the algorithm.
func (a Algorithm) NewHash() (hash.Hash, error) {
	switch a {
	case AlgorithmSHA256:
		return sha256.New(), nil
	case AlgorithmBLAKE3:
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("unsupported digest algorithm %q: %w", a, ErrInvalidArgument)
	}
}

// Descriptor is the immutable content identity of a blob: digest algorithm,
// digest, a caller-chosen label and an optional expiry. Two descriptors are
// the same blob identity if and only if all four fields are equal.
type Descriptor struct {
	Algorithm  Algorithm `json:"algorithm"`
	Digest     []byte    `json:"digest"`
	Label      string    `json:"label"`
	ExpiryTime time.Time `json:"expiry_time,omitempty"`
}

// NewDescriptor builds and validates a descriptor. A zero expiry means the
// blob never expires.
func NewDescriptor(algorithm Algorithm, digest []byte, label string, expiry time.Time) (Descriptor, error) {
	d := Descriptor{
		Algorithm:  algorithm,
		Digest:     digest,
		Label:      label,
		ExpiryTime: expiry,
	}
	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

// Validate checks that the digest length matches the algorithm.
func (d Descriptor) Validate() error {
	size, ok := digestSizes[d.Algorithm]
	if !ok {
		return fmt.Errorf("unsupported digest algorithm %q: %w", d.Algorithm, ErrInvalidArgument)
	}
	if len(d.Digest) != size {
		return fmt.Errorf("digest length %d does not match algorithm %s (want %d): %w",
			len(d.Digest), d.Algorithm, size, ErrInvalidArgument)
	}
	return nil
}

// Equal reports structural equality over all fields.
func (d Descriptor) Equal(other Descriptor) bool {
	return d.Algorithm == other.Algorithm &&
		bytes.Equal(d.Digest, other.Digest) &&
		d.Label == other.Label &&
		d.ExpiryTime.Equal(other.ExpiryTime)
}

// Key returns the string form used to index committed blobs. It covers every
// field of the descriptor so that Key equality matches Equal.
func (d Descriptor) Key() string {
	var expiry int64
	if !d.ExpiryTime.IsZero() {
		expiry = d.ExpiryTime.UnixMilli()
	}
	return fmt.Sprintf("%s:%s:%s:%d", d.Algorithm, hex.EncodeToString(d.Digest), d.Label, expiry)
}

// DigestString returns the hex form of the digest.
func (d Descriptor) DigestString() string {
	return hex.EncodeToString(d.Digest)
}

// IsExpired reports whether the descriptor's expiry, if set, has passed.
func (d Descriptor) IsExpired(now time.Time) bool {
	return !d.ExpiryTime.IsZero() && now.After(d.ExpiryTime)
}
