package peernet

import (
	"crypto/ed25519"
	"fmt"

	"github.com/mr-tron/base58"
)

// IDSize is the size of a peer ID in bytes.
const IDSize = 32

// PeerID uniquely identifies a peer in the overlay. It contains the raw
// bytes of the peer's ed25519 public key, so a connection to a peer proves
// ownership of the corresponding private key.
type PeerID [IDSize]byte

// PeerIDFromPublicKey derives the peer ID for the given public key.
func PeerIDFromPublicKey(pub ed25519.PublicKey) PeerID {
	var id PeerID
	copy(id[:], pub)
	return id
}

// ParsePeerID parses a base58 encoded peer ID.
func ParsePeerID(s string) (PeerID, error) {
	var id PeerID
	b, err := base58.Decode(s)
	if err != nil {
		return id, fmt.Errorf("invalid peer id: %s: %w", s, err)
	}
	if len(b) != IDSize {
		return id, fmt.Errorf("invalid peer id: %s: expected %d bytes", s, IDSize)
	}
	copy(id[:], b)
	return id, nil
}

// IsZero returns whether the ID is unset.
func (id PeerID) IsZero() bool {
	return id == PeerID{}
}

// PublicKey returns the peer's ed25519 public key.
func (id PeerID) PublicKey() ed25519.PublicKey {
	return ed25519.PublicKey(id[:])
}

func (id PeerID) String() string {
	return base58.Encode(id[:])
}

// MarshalText encodes the ID as base58, so IDs render as strings in JSON
// and YAML.
func (id PeerID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *PeerID) UnmarshalText(b []byte) error {
	parsed, err := ParsePeerID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
