package peernet

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ugorji/go/codec"
)

const (
	supportedVersion uint8 = 0

	// maxFrameSize bounds the size of any frame read from a remote peer, so
	// a malformed or malicious length prefix can't cause an unbounded
	// allocation.
	maxFrameSize = 4 << 20
)

// RPCType is an identifier for the RPC request/response type.
type RPCType uint8

const (
	// RPCTypeGetKnownPeers requests the responder's view of the peer
	// directory.
	RPCTypeGetKnownPeers RPCType = iota + 1
)

func (t RPCType) String() string {
	switch t {
	case RPCTypeGetKnownPeers:
		return "get-known-peers"
	default:
		return "unknown"
	}
}

// responseFlags is a bitset of response message flags.
//
// From high order bit down, contains:
// - Not supported: 1 if the receiver has no handler for the RPC type
// - Status error: 1 if the response contains an application status error
// rather than a response payload
type responseFlags uint8

const (
	flagNotSupported responseFlags = 1 << 7
	flagStatusError  responseFlags = 1 << 6
)

func (f *responseFlags) NotSupported() bool {
	return *f&flagNotSupported != 0
}

func (f *responseFlags) SetNotSupported() {
	*f |= flagNotSupported
}

func (f *responseFlags) StatusError() bool {
	return *f&flagStatusError != 0
}

func (f *responseFlags) SetStatusError() {
	*f |= flagStatusError
}

// StatusError is an application level error returned by a remote RPC
// handler.
type StatusError struct {
	Code    uint16 `codec:"code"`
	Message string `codec:"message"`
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("rpc status %d: %s", e.Code, e.Message)
}

// helloMessage is the first handshake frame, identifying the sender and
// challenging the remote to prove its identity.
type helloMessage struct {
	PubKey []byte `codec:"pub_key"`
	Nonce  []byte `codec:"nonce"`
}

// authMessage is the second handshake frame, carrying a signature over the
// remote's nonce.
type authMessage struct {
	Sig []byte `codec:"sig"`
}

func encodeMessage(v interface{}) ([]byte, error) {
	var handle codec.MsgpackHandle
	var b []byte
	if err := codec.NewEncoderBytes(&b, &handle).Encode(v); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return b, nil
}

func decodeMessage(b []byte, v interface{}) error {
	var handle codec.MsgpackHandle
	if err := codec.NewDecoderBytes(b, &handle).Decode(v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

// writeFrame writes a length prefixed frame to w.
func writeFrame(w io.Writer, b []byte) error {
	if len(b) > maxFrameSize {
		return fmt.Errorf("frame exceeds max size: %d", len(b))
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(b)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// readFrame reads a length prefixed frame from r.
func readFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("frame exceeds max size: %d", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
