package discovery

import (
	"errors"
	"fmt"

	"github.com/ugorji/go/codec"

	"github.com/valmesh/valmesh/peernet"
)

// ErrNotReady indicates the responder hasn't initialised its own info yet
// so can't answer a GetKnownPeers request.
var ErrNotReady = errors.New("discovery: not ready")

// statusNotReady is the wire status code for ErrNotReady.
const statusNotReady uint16 = 1

// nodeInfoMessage is the wire representation of a NodeInfo.
type nodeInfoMessage struct {
	PeerID      []byte   `codec:"peer_id"`
	Addresses   []string `codec:"addresses"`
	TimestampMs uint64   `codec:"timestamp_ms"`
}

func nodeInfoToMessage(info NodeInfo) nodeInfoMessage {
	return nodeInfoMessage{
		PeerID:      info.PeerID[:],
		Addresses:   info.Addresses,
		TimestampMs: info.TimestampMs,
	}
}

// toNodeInfo validates and converts a wire record. Remote supplied records
// are never trusted blindly: a record without a full size peer ID is
// rejected.
func (m *nodeInfoMessage) toNodeInfo() (NodeInfo, error) {
	if len(m.PeerID) != peernet.IDSize {
		return NodeInfo{}, fmt.Errorf("invalid peer id size: %d", len(m.PeerID))
	}
	var id peernet.PeerID
	copy(id[:], m.PeerID)
	return NodeInfo{
		PeerID:      id,
		Addresses:   m.Addresses,
		TimestampMs: m.TimestampMs,
	}, nil
}

// getKnownPeersResponse is the response to a GetKnownPeers request.
type getKnownPeersResponse struct {
	OwnInfo    nodeInfoMessage   `codec:"own_info"`
	KnownPeers []nodeInfoMessage `codec:"known_peers"`
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
	if err := codec.NewDecoderBytes(b, &codec.MsgpackHandle{}).Decode(v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

// server answers inbound GetKnownPeers requests by reading the directory.
type server struct {
	directory *Directory
}

func newServer(directory *Directory) *server {
	return &server{
		directory: directory,
	}
}

// Register registers the discovery RPC handlers.
func (s *server) Register(handler *peernet.Handler) {
	handler.Register(peernet.RPCTypeGetKnownPeers, s.getKnownPeers)
}

// getKnownPeers handles a GetKnownPeers request. Fails with a not ready
// status until the local node's own info is initialised; otherwise it is a
// pure read of the directory.
func (s *server) getKnownPeers(_ peernet.PeerID, _ []byte) ([]byte, error) {
	ownInfo, ok := s.directory.OwnInfo()
	if !ok {
		return nil, &peernet.StatusError{
			Code:    statusNotReady,
			Message: "own info not initialized",
		}
	}

	peers := s.directory.Peers()
	resp := getKnownPeersResponse{
		OwnInfo:    nodeInfoToMessage(ownInfo),
		KnownPeers: make([]nodeInfoMessage, 0, len(peers)),
	}
	for _, info := range peers {
		resp.KnownPeers = append(resp.KnownPeers, nodeInfoToMessage(info))
	}
	return encodeMessage(&resp)
}
