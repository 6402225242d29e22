package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valmesh/valmesh/peernet"
)

func testPeerID(b byte) peernet.PeerID {
	var id peernet.PeerID
	id[0] = b
	return id
}

func TestDirectory_OwnInfo(t *testing.T) {
	directory := NewDirectory(testPeerID(1))

	_, ok := directory.OwnInfo()
	assert.False(t, ok)

	directory.SetOwnInfo(NodeInfo{
		PeerID:      testPeerID(1),
		Addresses:   []string{"/ip4/10.0.0.1/tcp/9090"},
		TimestampMs: 100,
	})

	info, ok := directory.OwnInfo()
	assert.True(t, ok)
	assert.Equal(t, uint64(100), info.TimestampMs)
}

func TestDirectory_Upsert(t *testing.T) {
	t.Run("insert unknown peer", func(t *testing.T) {
		directory := NewDirectory(testPeerID(1))

		changed := directory.Upsert(NodeInfo{
			PeerID:      testPeerID(2),
			TimestampMs: 100,
		})
		assert.True(t, changed)

		info, ok := directory.Peer(testPeerID(2))
		require.True(t, ok)
		assert.Equal(t, uint64(100), info.TimestampMs)
	})

	t.Run("fresher record replaces", func(t *testing.T) {
		directory := NewDirectory(testPeerID(1))

		directory.Upsert(NodeInfo{
			PeerID:      testPeerID(2),
			Addresses:   []string{"/ip4/10.0.0.2/tcp/9090"},
			TimestampMs: 100,
		})

		changed := directory.Upsert(NodeInfo{
			PeerID:      testPeerID(2),
			Addresses:   []string{"/ip4/10.0.0.3/tcp/9090"},
			TimestampMs: 200,
		})
		assert.True(t, changed)

		info, ok := directory.Peer(testPeerID(2))
		require.True(t, ok)
		assert.Equal(t, uint64(200), info.TimestampMs)
		assert.Equal(t, []string{"/ip4/10.0.0.3/tcp/9090"}, info.Addresses)
	})

	t.Run("stale record dropped", func(t *testing.T) {
		directory := NewDirectory(testPeerID(1))

		directory.Upsert(NodeInfo{
			PeerID:      testPeerID(2),
			Addresses:   []string{"/ip4/10.0.0.3/tcp/9090"},
			TimestampMs: 200,
		})

		changed := directory.Upsert(NodeInfo{
			PeerID:      testPeerID(2),
			Addresses:   []string{"/ip4/10.0.0.2/tcp/9090"},
			TimestampMs: 100,
		})
		assert.False(t, changed)

		// The merge result matches applying the records in the opposite
		// order.
		info, ok := directory.Peer(testPeerID(2))
		require.True(t, ok)
		assert.Equal(t, uint64(200), info.TimestampMs)
		assert.Equal(t, []string{"/ip4/10.0.0.3/tcp/9090"}, info.Addresses)
	})

	t.Run("equal timestamp keeps existing", func(t *testing.T) {
		directory := NewDirectory(testPeerID(1))

		directory.Upsert(NodeInfo{
			PeerID:      testPeerID(2),
			Addresses:   []string{"/ip4/10.0.0.2/tcp/9090"},
			TimestampMs: 100,
		})

		changed := directory.Upsert(NodeInfo{
			PeerID:      testPeerID(2),
			Addresses:   []string{"/ip4/10.0.0.3/tcp/9090"},
			TimestampMs: 100,
		})
		assert.False(t, changed)

		info, ok := directory.Peer(testPeerID(2))
		require.True(t, ok)
		assert.Equal(t, []string{"/ip4/10.0.0.2/tcp/9090"}, info.Addresses)
	})

	t.Run("rejects local node", func(t *testing.T) {
		directory := NewDirectory(testPeerID(1))

		changed := directory.Upsert(NodeInfo{
			PeerID:      testPeerID(1),
			TimestampMs: 100,
		})
		assert.False(t, changed)
		assert.Empty(t, directory.Peers())
	})

	t.Run("rejects zero peer id", func(t *testing.T) {
		directory := NewDirectory(testPeerID(1))

		changed := directory.Upsert(NodeInfo{
			TimestampMs: 100,
		})
		assert.False(t, changed)
		assert.Empty(t, directory.Peers())
	})
}

func TestDirectory_UpsertTrusted(t *testing.T) {
	t.Run("replaces fresher gossiped record", func(t *testing.T) {
		directory := NewDirectory(testPeerID(1))

		directory.Upsert(NodeInfo{
			PeerID:      testPeerID(2),
			Addresses:   []string{"/ip4/10.0.0.2/tcp/9090"},
			TimestampMs: 500,
		})

		// The trusted record is older by timestamp yet still wins.
		directory.UpsertTrusted(NodeInfo{
			PeerID:      testPeerID(2),
			Addresses:   []string{"/ip4/10.0.0.3/tcp/9090"},
			TimestampMs: 100,
		})

		info, ok := directory.Peer(testPeerID(2))
		require.True(t, ok)
		assert.Equal(t, uint64(100), info.TimestampMs)
		assert.Equal(t, []string{"/ip4/10.0.0.3/tcp/9090"}, info.Addresses)
	})

	t.Run("rejects local node", func(t *testing.T) {
		directory := NewDirectory(testPeerID(1))

		directory.UpsertTrusted(NodeInfo{
			PeerID:      testPeerID(1),
			TimestampMs: 100,
		})
		assert.Empty(t, directory.Peers())
	})
}

func TestDirectory_Remove(t *testing.T) {
	directory := NewDirectory(testPeerID(1))

	directory.Upsert(NodeInfo{
		PeerID:      testPeerID(2),
		TimestampMs: 100,
	})
	directory.Upsert(NodeInfo{
		PeerID:      testPeerID(3),
		TimestampMs: 100,
	})

	directory.Remove(testPeerID(2))

	_, ok := directory.Peer(testPeerID(2))
	assert.False(t, ok)

	peers := directory.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, testPeerID(3), peers[0].PeerID)

	// Removing an unknown peer is a no-op.
	directory.Remove(testPeerID(4))
	assert.Len(t, directory.Peers(), 1)
}

func TestDirectory_Peers(t *testing.T) {
	directory := NewDirectory(testPeerID(1))

	// Snapshots preserve insertion order.
	for b := byte(2); b < 6; b++ {
		directory.Upsert(NodeInfo{
			PeerID:      testPeerID(b),
			TimestampMs: 100,
		})
	}

	peers := directory.Peers()
	require.Len(t, peers, 4)
	for i, info := range peers {
		assert.Equal(t, testPeerID(byte(i+2)), info.PeerID)
	}
}
