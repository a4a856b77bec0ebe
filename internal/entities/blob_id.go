package entities

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"strings"
)

const blobIDPrefix = "sha256-"

var blobIDLength = len(blobIDPrefix) + base64.URLEncoding.EncodedLen(sha256.Size)

// ErrInvalidBlobID indicates that a value is not a sha256 content address.
var ErrInvalidBlobID = errors.New("entities: invalid blob id")

// BlobID addresses blob content by the SHA-256 of its bytes.
type BlobID string

// BlobIDFromDigest builds a BlobID from a raw SHA-256 digest.
func BlobIDFromDigest(digest []byte) (BlobID, error) {
	if len(digest) != sha256.Size {
		return "", fmt.Errorf("%w: digest has %d bytes", ErrInvalidBlobID, len(digest))
	}
	return BlobID(blobIDPrefix + base64.URLEncoding.EncodeToString(digest)), nil
}

// BlobIDFromHash finalizes a running sha256 hash into a BlobID.
func BlobIDFromHash(hasher hash.Hash) (BlobID, error) {
	return BlobIDFromDigest(hasher.Sum(nil))
}

// BlobIDFromBytes hashes in-memory content.
func BlobIDFromBytes(content []byte) BlobID {
	digest := sha256.Sum256(content)
	return BlobID(blobIDPrefix + base64.URLEncoding.EncodeToString(digest[:]))
}

// ParseBlobID validates raw input and returns a BlobID.
func ParseBlobID(rawInput string) (BlobID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if !strings.HasPrefix(trimmed, blobIDPrefix) {
		return "", fmt.Errorf("%w: missing %q prefix", ErrInvalidBlobID, blobIDPrefix)
	}
	if len(trimmed) != blobIDLength {
		return "", fmt.Errorf("%w: expected %d characters", ErrInvalidBlobID, blobIDLength)
	}
	decoded, err := base64.URLEncoding.DecodeString(strings.TrimPrefix(trimmed, blobIDPrefix))
	if err != nil || len(decoded) != sha256.Size {
		return "", fmt.Errorf("%w: malformed digest", ErrInvalidBlobID)
	}
	return BlobID(trimmed), nil
}

// String returns the underlying identifier.
func (id BlobID) String() string {
	return string(id)
}

// Shard is the directory prefix used to spread blobs on disk.
func (id BlobID) Shard() string {
	digest := strings.TrimPrefix(string(id), blobIDPrefix)
	if len(digest) < 2 {
		return "__"
	}
	return digest[:2]
}
