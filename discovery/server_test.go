package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valmesh/valmesh/peernet"
)

func TestServer_GetKnownPeers(t *testing.T) {
	t.Run("not ready", func(t *testing.T) {
		directory := NewDirectory(testPeerID(1))
		s := newServer(directory)

		_, err := s.getKnownPeers(testPeerID(2), nil)
		var statusErr *peernet.StatusError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, statusNotReady, statusErr.Code)
	})

	t.Run("ready", func(t *testing.T) {
		directory := NewDirectory(testPeerID(1))
		directory.SetOwnInfo(NodeInfo{
			PeerID:      testPeerID(1),
			Addresses:   []string{"/ip4/10.0.0.1/tcp/9090"},
			TimestampMs: 100,
		})
		directory.Upsert(NodeInfo{
			PeerID:      testPeerID(2),
			Addresses:   []string{"/ip4/10.0.0.2/tcp/9090"},
			TimestampMs: 200,
		})

		s := newServer(directory)

		b, err := s.getKnownPeers(testPeerID(2), nil)
		require.NoError(t, err)

		var resp getKnownPeersResponse
		require.NoError(t, decodeMessage(b, &resp))

		ownInfo, err := resp.OwnInfo.toNodeInfo()
		require.NoError(t, err)
		assert.Equal(t, testPeerID(1), ownInfo.PeerID)
		assert.Equal(t, uint64(100), ownInfo.TimestampMs)

		require.Len(t, resp.KnownPeers, 1)
		info, err := resp.KnownPeers[0].toNodeInfo()
		require.NoError(t, err)
		assert.Equal(t, testPeerID(2), info.PeerID)
		assert.Equal(t, []string{"/ip4/10.0.0.2/tcp/9090"}, info.Addresses)
	})
}

func TestNodeInfoMessage_ToNodeInfo(t *testing.T) {
	m := nodeInfoMessage{
		PeerID:      []byte{1, 2, 3},
		TimestampMs: 100,
	}
	_, err := m.toNodeInfo()
	assert.Error(t, err)
}
