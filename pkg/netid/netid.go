// Package netid enumerates the logical networks a node can belong to and the
// compatibility check the handshake protocol uses to enforce network
// segregation. Two nodes may only complete a handshake when their identifiers
// match exactly; any future relaxation of that rule belongs here and nowhere
// else.
package netid

import "github.com/pkg/errors"

// ID identifies a logical network. The numeric value doubles as the wire tag.
type ID uint8

const (
	Localnet ID = iota
	Testnet
	Devnet
	MainnetBeta
)

const tagMax = uint8(MainnetBeta)

var names = map[ID]string{
	Localnet:    "localnet",
	Testnet:     "testnet",
	Devnet:      "devnet",
	MainnetBeta: "mainnet-beta",
}

var aliases = map[string]ID{
	"localnet":     Localnet,
	"local":        Localnet,
	"testnet":      Testnet,
	"test":         Testnet,
	"devnet":       Devnet,
	"dev":          Devnet,
	"mainnet-beta": MainnetBeta,
	"mainnet":      MainnetBeta,
}

func (n ID) String() string {
	if s, ok := names[n]; ok {
		return s
	}
	return "unknown"
}

// Tag returns the single-byte wire representation.
func (n ID) Tag() byte {
	return byte(n)
}

// FromTag converts a wire tag back to an ID, rejecting unknown values.
func FromTag(b byte) (ID, error) {
	if b > tagMax {
		return 0, errors.Errorf("invalid network tag 0x%02x", b)
	}
	return ID(b), nil
}

// Parse resolves a network name or short alias (local, test, dev, mainnet).
func Parse(s string) (ID, error) {
	if n, ok := aliases[s]; ok {
		return n, nil
	}
	return 0, errors.Errorf("invalid network %q (valid: localnet, testnet, devnet, mainnet-beta)", s)
}

// Compatible reports whether a handshake between the two networks is allowed.
func Compatible(local, remote ID) bool {
	return local == remote
}
