package peernet

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valmesh/valmesh/pkg/log"
)

// testNetwork starts a network listening on an ephemeral localhost port,
// serving in the background until the test ends.
func testNetwork(t *testing.T, handler *Handler) *Network {
	t.Helper()

	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	if handler == nil {
		handler = NewHandler()
	}
	network := NewNetwork(key, ln, handler, log.NewNopLogger())
	go func() {
		_ = network.Serve()
	}()
	t.Cleanup(func() {
		_ = network.Close()
	})
	return network
}

func testAddr(n *Network) string {
	port := n.Addr().(*net.TCPAddr).Port
	return fmt.Sprintf("/ip4/127.0.0.1/tcp/%d", port)
}

func waitForEvent(t *testing.T, ch <-chan PeerEvent) PeerEvent {
	t.Helper()

	select {
	case event := <-ch:
		return event
	case <-time.After(time.Second * 5):
		t.Fatal("timeout waiting for peer event")
		return PeerEvent{}
	}
}

func TestNetwork_Connect(t *testing.T) {
	server := testNetwork(t, nil)
	client := testNetwork(t, nil)

	serverCh, unsubscribe := server.Subscribe()
	defer unsubscribe()
	clientCh, clientUnsubscribe := client.Subscribe()
	defer clientUnsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	peer, err := client.Connect(ctx, testAddr(server))
	require.NoError(t, err)
	assert.Equal(t, server.LocalID(), peer)
	assert.True(t, client.Connected(server.LocalID()))

	// Both sides observe exactly one new peer event.
	event := waitForEvent(t, serverCh)
	assert.Equal(t, PeerEventNewPeer, event.Type)
	assert.Equal(t, client.LocalID(), event.Peer)

	event = waitForEvent(t, clientCh)
	assert.Equal(t, PeerEventNewPeer, event.Type)
	assert.Equal(t, server.LocalID(), event.Peer)

	assert.True(t, server.Connected(client.LocalID()))
}

func TestNetwork_ConnectPeer(t *testing.T) {
	t.Run("identity match", func(t *testing.T) {
		server := testNetwork(t, nil)
		client := testNetwork(t, nil)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()

		require.NoError(t, client.ConnectPeer(ctx, server.LocalID(), testAddr(server)))
		assert.True(t, client.Connected(server.LocalID()))
	})

	t.Run("identity mismatch", func(t *testing.T) {
		server := testNetwork(t, nil)
		client := testNetwork(t, nil)
		other := testNetwork(t, nil)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()

		// The peer at the server's address authenticates as the server, not
		// the expected identity, so the dial is rejected.
		err := client.ConnectPeer(ctx, other.LocalID(), testAddr(server))
		require.Error(t, err)
		assert.False(t, client.Connected(server.LocalID()))
		assert.False(t, client.Connected(other.LocalID()))
	})

	t.Run("connect to self", func(t *testing.T) {
		network := testNetwork(t, nil)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()

		_, err := network.Connect(ctx, testAddr(network))
		require.Error(t, err)
	})
}

func TestNetwork_RPC(t *testing.T) {
	t.Run("echo", func(t *testing.T) {
		handler := NewHandler()
		handler.Register(RPCTypeGetKnownPeers, func(peer PeerID, req []byte) ([]byte, error) {
			return req, nil
		})

		server := testNetwork(t, handler)
		client := testNetwork(t, nil)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()

		_, err := client.Connect(ctx, testAddr(server))
		require.NoError(t, err)

		resp, err := client.RPC(ctx, server.LocalID(), RPCTypeGetKnownPeers, []byte("ping"))
		require.NoError(t, err)
		assert.Equal(t, []byte("ping"), resp)
	})

	t.Run("status error", func(t *testing.T) {
		handler := NewHandler()
		handler.Register(RPCTypeGetKnownPeers, func(peer PeerID, req []byte) ([]byte, error) {
			return nil, &StatusError{
				Code:    1,
				Message: "not ready",
			}
		})

		server := testNetwork(t, handler)
		client := testNetwork(t, nil)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()

		_, err := client.Connect(ctx, testAddr(server))
		require.NoError(t, err)

		_, err = client.RPC(ctx, server.LocalID(), RPCTypeGetKnownPeers, nil)
		var statusErr *StatusError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, uint16(1), statusErr.Code)
		assert.Equal(t, "not ready", statusErr.Message)
	})

	t.Run("not supported", func(t *testing.T) {
		server := testNetwork(t, nil)
		client := testNetwork(t, nil)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()

		_, err := client.Connect(ctx, testAddr(server))
		require.NoError(t, err)

		// The server has no handler registered for the type.
		_, err = client.RPC(ctx, server.LocalID(), RPCTypeGetKnownPeers, nil)
		require.Error(t, err)
	})

	t.Run("not connected", func(t *testing.T) {
		client := testNetwork(t, nil)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()

		var id PeerID
		id[0] = 0xff
		_, err := client.RPC(ctx, id, RPCTypeGetKnownPeers, nil)
		require.Error(t, err)
	})
}

func TestNetwork_Disconnect(t *testing.T) {
	server := testNetwork(t, nil)
	client := testNetwork(t, nil)

	serverCh, unsubscribe := server.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	_, err := client.Connect(ctx, testAddr(server))
	require.NoError(t, err)

	event := waitForEvent(t, serverCh)
	require.Equal(t, PeerEventNewPeer, event.Type)

	require.NoError(t, client.Close())

	event = waitForEvent(t, serverCh)
	assert.Equal(t, PeerEventDisconnected, event.Type)
	assert.Equal(t, client.LocalID(), event.Peer)
}

func TestNetwork_CloseAbortsPendingHandshake(t *testing.T) {
	network := testNetwork(t, nil)

	// Connect without handshaking, leaving the inbound connection stuck
	// in the handshake.
	conn, err := net.Dial("tcp", network.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	// Wait for the connection to be accepted.
	time.Sleep(time.Millisecond * 100)

	closed := make(chan struct{})
	go func() {
		_ = network.Close()
		close(closed)
	}()

	// Close must abort the pending handshake rather than wait out its
	// deadline.
	select {
	case <-closed:
	case <-time.After(time.Second * 5):
		t.Fatal("timeout waiting for close")
	}
}

func TestPublisher(t *testing.T) {
	t.Run("subscribers observe published events", func(t *testing.T) {
		publisher := newPublisher()

		ch, unsubscribe := publisher.Subscribe(4)
		defer unsubscribe()

		var id PeerID
		id[0] = 1
		publisher.Publish(PeerEvent{Type: PeerEventNewPeer, Peer: id})

		event := <-ch
		assert.Equal(t, PeerEventNewPeer, event.Type)
		assert.Equal(t, id, event.Peer)
	})

	t.Run("slow subscriber loses oldest events", func(t *testing.T) {
		publisher := newPublisher()

		ch, unsubscribe := publisher.Subscribe(2)
		defer unsubscribe()

		for b := byte(1); b <= 4; b++ {
			var id PeerID
			id[0] = b
			publisher.Publish(PeerEvent{Type: PeerEventNewPeer, Peer: id})
		}

		// The two oldest events were evicted.
		event := <-ch
		assert.Equal(t, byte(3), event.Peer[0])
		event = <-ch
		assert.Equal(t, byte(4), event.Peer[0])
	})

	t.Run("unsubscribed subscriber receives nothing", func(t *testing.T) {
		publisher := newPublisher()

		ch, unsubscribe := publisher.Subscribe(4)
		unsubscribe()

		var id PeerID
		id[0] = 1
		publisher.Publish(PeerEvent{Type: PeerEventNewPeer, Peer: id})

		select {
		case <-ch:
			t.Fatal("expected no event")
		default:
		}
	})
}
