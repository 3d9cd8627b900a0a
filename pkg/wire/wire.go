// Package wire defines the fixed-size binary encoding for handshake requests
// and responses. Both message kinds are exact-length UDP payloads so that
// truncation is detectable by a single size check. A successful decode means
// the message is structurally valid; semantic checks (network compatibility,
// nonce correlation) are the caller's job.
package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/driftlabs/peergate/pkg/identity"
	"github.com/driftlabs/peergate/pkg/netid"
)

// Version is the protocol version this build speaks.
const Version uint8 = 1

// Wire sizes. Request: version(1) network(1) identity(32) nonce(8) timestamp(8).
// Response: version(1) network(1) identity(32) nonce(8) success(1) code(1).
const (
	RequestSize  = 50
	ResponseSize = 44
)

// ErrorCode travels in the response and tells the requester why a handshake
// was refused.
type ErrorCode uint8

const (
	CodeOK ErrorCode = iota
	CodeNetworkMismatch
	CodeUnsupportedVersion
)

func (c ErrorCode) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeNetworkMismatch:
		return "network mismatch"
	case CodeUnsupportedVersion:
		return "unsupported version"
	}
	return "unknown"
}

var (
	ErrTruncated  = errors.New("wire: truncated message")
	ErrLength     = errors.New("wire: wrong message length")
	ErrBadVersion = errors.New("wire: unsupported protocol version")
	ErrBadNetwork = errors.New("wire: invalid network tag")
	ErrBadSuccess = errors.New("wire: invalid success byte")
)

// Request is the first half of a handshake exchange.
type Request struct {
	Version   uint8
	Network   netid.ID
	Sender    identity.ID
	Nonce     uint64
	Timestamp uint64 // seconds since epoch
}

// Response answers a Request, echoing its nonce.
type Response struct {
	Version   uint8
	Network   netid.ID
	Responder identity.ID
	Nonce     uint64
	Success   bool
	Code      ErrorCode
}

// EncodeRequest serializes m. Encoding is deterministic: the same message
// always yields the same bytes.
func EncodeRequest(m Request) []byte {
	buf := make([]byte, RequestSize)
	buf[0] = m.Version
	buf[1] = m.Network.Tag()
	copy(buf[2:34], m.Sender[:])
	binary.BigEndian.PutUint64(buf[34:42], m.Nonce)
	binary.BigEndian.PutUint64(buf[42:50], m.Timestamp)
	return buf
}

// DecodeRequest parses a request payload, rejecting truncated or oversized
// input, unknown protocol versions, and invalid network tags.
func DecodeRequest(b []byte) (Request, error) {
	if len(b) < RequestSize {
		return Request{}, errors.Wrapf(ErrTruncated, "request is %d bytes, need %d", len(b), RequestSize)
	}
	if len(b) != RequestSize {
		return Request{}, errors.Wrapf(ErrLength, "request is %d bytes, want %d", len(b), RequestSize)
	}
	if b[0] != Version {
		return Request{}, errors.Wrapf(ErrBadVersion, "version %d", b[0])
	}
	network, err := netid.FromTag(b[1])
	if err != nil {
		return Request{}, errors.WithMessage(ErrBadNetwork, err.Error())
	}
	sender, err := identity.FromBytes(b[2:34])
	if err != nil {
		return Request{}, err
	}
	return Request{
		Version:   b[0],
		Network:   network,
		Sender:    sender,
		Nonce:     binary.BigEndian.Uint64(b[34:42]),
		Timestamp: binary.BigEndian.Uint64(b[42:50]),
	}, nil
}

// EncodeResponse serializes m.
func EncodeResponse(m Response) []byte {
	buf := make([]byte, ResponseSize)
	buf[0] = m.Version
	buf[1] = m.Network.Tag()
	copy(buf[2:34], m.Responder[:])
	binary.BigEndian.PutUint64(buf[34:42], m.Nonce)
	if m.Success {
		buf[42] = 1
	}
	buf[43] = byte(m.Code)
	return buf
}

// DecodeResponse parses a response payload with the same strictness as
// DecodeRequest. The success byte must be exactly 0 or 1.
func DecodeResponse(b []byte) (Response, error) {
	if len(b) < ResponseSize {
		return Response{}, errors.Wrapf(ErrTruncated, "response is %d bytes, need %d", len(b), ResponseSize)
	}
	if len(b) != ResponseSize {
		return Response{}, errors.Wrapf(ErrLength, "response is %d bytes, want %d", len(b), ResponseSize)
	}
	if b[0] != Version {
		return Response{}, errors.Wrapf(ErrBadVersion, "version %d", b[0])
	}
	network, err := netid.FromTag(b[1])
	if err != nil {
		return Response{}, errors.WithMessage(ErrBadNetwork, err.Error())
	}
	responder, err := identity.FromBytes(b[2:34])
	if err != nil {
		return Response{}, err
	}
	if b[42] > 1 {
		return Response{}, errors.Wrapf(ErrBadSuccess, "0x%02x", b[42])
	}
	return Response{
		Version:   b[0],
		Network:   network,
		Responder: responder,
		Nonce:     binary.BigEndian.Uint64(b[34:42]),
		Success:   b[42] == 1,
		Code:      ErrorCode(b[43]),
	}, nil
}
