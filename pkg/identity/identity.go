package identity

import (
	"bytes"
	"crypto/rand"

	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
)

// Size is the length of a node identity in bytes.
const Size = 32

// ID is a node's public identity key. Rendered as base58 in logs and output.
type ID [Size]byte

var zero ID

// New generates a fresh random identity for this process.
func New() (ID, error) {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		return zero, errors.Wrap(err, "generate identity")
	}
	return id, nil
}

// FromBytes copies b into an ID. Errors if b is not exactly Size bytes.
func FromBytes(b []byte) (ID, error) {
	if len(b) != Size {
		return zero, errors.Errorf("identity must be %d bytes, got %d", Size, len(b))
	}
	var id ID
	copy(id[:], b)
	return id, nil
}

// FromString parses a base58-encoded identity.
func FromString(s string) (ID, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return zero, errors.Wrap(err, "decode identity")
	}
	return FromBytes(b)
}

func (id ID) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, id[:])
	return out
}

func (id ID) String() string {
	return base58.Encode(id[:])
}

func (id ID) IsZero() bool {
	return bytes.Equal(id[:], zero[:])
}
