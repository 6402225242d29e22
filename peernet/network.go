package peernet

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"fmt"
	"net"
	"sync"

	"github.com/andydunstall/yamux"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/valmesh/valmesh/pkg/log"
)

const subscriberBuffer = 128

// Network maintains authenticated connections to remote peers.
//
// Each connection runs the identity handshake then multiplexes RPC streams
// on the underlying TCP connection. The network keeps at most one
// connection per peer; when both sides dial each other concurrently the
// connection initiated by the lower peer ID is kept so both sides converge
// on the same connection.
//
// Connection events are broadcast to local subscribers via Subscribe.
type Network struct {
	key     ed25519.PrivateKey
	localID PeerID

	ln net.Listener

	handler *Handler

	dialer *net.Dialer

	peers map[PeerID]*peerConn

	// pending contains accepted connections still inside the handshake,
	// so Close can abort them rather than wait for the handshake
	// deadline.
	pending map[net.Conn]struct{}

	// mu protects peers and pending.
	mu sync.Mutex

	publisher *publisher

	metrics *Metrics

	logger log.Logger

	closed *atomic.Bool

	wg sync.WaitGroup
}

func NewNetwork(
	key ed25519.PrivateKey,
	ln net.Listener,
	handler *Handler,
	logger log.Logger,
) *Network {
	localID := PeerIDFromPublicKey(key.Public().(ed25519.PublicKey))
	logger = logger.WithSubsystem("peernet").With(
		zap.String("peer-id", localID.String()),
	)

	return &Network{
		key:     key,
		localID: localID,
		ln:      ln,
		handler: handler,
		dialer: &net.Dialer{
			Timeout: handshakeTimeout,
		},
		peers:     make(map[PeerID]*peerConn),
		pending:   make(map[net.Conn]struct{}),
		publisher: newPublisher(),
		metrics:   newMetrics(),
		logger:    logger,
		closed:    atomic.NewBool(false),
	}
}

// LocalID returns the peer ID of the local node.
func (n *Network) LocalID() PeerID {
	return n.localID
}

// Addr returns the address the network listener is bound to.
func (n *Network) Addr() net.Addr {
	return n.ln.Addr()
}

// Serve accepts inbound peer connections until the network is closed.
func (n *Network) Serve() error {
	n.logger.Info("starting peer listener", zap.String("addr", n.ln.Addr().String()))

	for {
		conn, err := n.ln.Accept()
		if err != nil {
			if n.closed.Load() {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.handleInbound(conn)
		}()
	}
}

// Connect dials the peer at the given multiaddr, accepting whichever
// identity answers. Returns the verified peer ID of the remote.
func (n *Network) Connect(ctx context.Context, addr string) (PeerID, error) {
	conn, err := n.dial(ctx, addr, nil)
	if err != nil {
		return PeerID{}, err
	}
	return conn.peer, nil
}

// ConnectPeer dials the peer at the given multiaddr and verifies the
// remote's identity is exactly the given peer ID. If the handshake yields
// any other identity the connection is rejected.
func (n *Network) ConnectPeer(ctx context.Context, id PeerID, addr string) error {
	_, err := n.dial(ctx, addr, &id)
	return err
}

// Connected returns whether there is an established connection to the
// given peer.
func (n *Network) Connected(id PeerID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	_, ok := n.peers[id]
	return ok
}

// Peers returns the IDs of all connected peers.
func (n *Network) Peers() []PeerID {
	n.mu.Lock()
	defer n.mu.Unlock()

	peers := make([]PeerID, 0, len(n.peers))
	for id := range n.peers {
		peers = append(peers, id)
	}
	return peers
}

// RPC sends the given request to the peer and returns the response.
//
// Each call opens its own stream on the peer's session, so concurrent
// calls don't block one another.
func (n *Network) RPC(
	ctx context.Context,
	id PeerID,
	rpcType RPCType,
	req []byte,
) ([]byte, error) {
	n.mu.Lock()
	conn, ok := n.peers[id]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("rpc %s: peer not connected: %s", rpcType, id)
	}

	n.metrics.RPCOutbound.With(rpcLabels(rpcType)).Inc()

	resp, err := conn.rpc(ctx, rpcType, req)
	if err != nil {
		return nil, fmt.Errorf("rpc %s: %s: %w", rpcType, id, err)
	}
	return resp, nil
}

// Subscribe registers a subscriber for peer events.
//
// The subscriber observes every event published after it subscribes,
// though if it falls behind the subscription buffer the oldest undelivered
// events are dropped. Returns the event channel and a function to
// unsubscribe.
func (n *Network) Subscribe() (<-chan PeerEvent, func()) {
	return n.publisher.Subscribe(subscriberBuffer)
}

func (n *Network) Metrics() *Metrics {
	return n.metrics
}

// Close closes the listener and all peer connections.
func (n *Network) Close() error {
	if !n.closed.CompareAndSwap(false, true) {
		// Already closed.
		return nil
	}

	err := n.ln.Close()

	n.mu.Lock()
	conns := make([]*peerConn, 0, len(n.peers))
	for _, conn := range n.peers {
		conns = append(conns, conn)
	}
	pending := make([]net.Conn, 0, len(n.pending))
	for conn := range n.pending {
		pending = append(pending, conn)
	}
	n.mu.Unlock()

	// Abort connections still inside the handshake so shutdown doesn't
	// wait for the handshake deadline.
	for _, conn := range pending {
		_ = conn.Close()
	}
	for _, conn := range conns {
		conn.close()
	}

	n.wg.Wait()
	return err
}

// dial connects to addr and runs the handshake. If expected is non-nil
// the remote's verified identity must match it exactly.
func (n *Network) dial(ctx context.Context, addr string, expected *PeerID) (*peerConn, error) {
	network, dialAddr, err := DialArgs(addr)
	if err != nil {
		return nil, err
	}

	tcpConn, err := n.dialer.DialContext(ctx, network, dialAddr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	n.metrics.ConnectionsOutbound.Inc()

	peer, err := handshake(tcpConn, n.key)
	if err != nil {
		n.metrics.HandshakeFailures.Inc()
		_ = tcpConn.Close()
		return nil, fmt.Errorf("handshake %s: %w", addr, err)
	}
	if peer == n.localID {
		_ = tcpConn.Close()
		return nil, fmt.Errorf("dial %s: connected to self", addr)
	}
	if expected != nil && peer != *expected {
		_ = tcpConn.Close()
		return nil, fmt.Errorf("dial %s: peer identity mismatch: %s", addr, peer)
	}

	sess, err := yamux.Client(tcpConn, yamux.DefaultConfig())
	if err != nil {
		_ = tcpConn.Close()
		return nil, fmt.Errorf("mux %s: %w", addr, err)
	}

	conn := newPeerConn(peer, sess, true)
	return n.registerConn(conn), nil
}

func (n *Network) handleInbound(tcpConn net.Conn) {
	n.metrics.ConnectionsInbound.Inc()

	if !n.addPending(tcpConn) {
		_ = tcpConn.Close()
		return
	}
	peer, err := handshake(tcpConn, n.key)
	n.removePending(tcpConn)
	if err != nil {
		n.metrics.HandshakeFailures.Inc()
		n.logger.Debug(
			"inbound handshake failed",
			zap.String("remote-addr", tcpConn.RemoteAddr().String()),
			zap.Error(err),
		)
		_ = tcpConn.Close()
		return
	}
	if peer == n.localID {
		_ = tcpConn.Close()
		return
	}

	sess, err := yamux.Server(tcpConn, yamux.DefaultConfig())
	if err != nil {
		_ = tcpConn.Close()
		return
	}

	n.registerConn(newPeerConn(peer, sess, false))
}

// registerConn adds the connection to the peer registry and starts serving
// its streams.
//
// If the peer already has a connection, the registry keeps whichever of
// the two was initiated by the lower peer ID, so both sides of a
// simultaneous dial converge on the same connection. Exactly one NewPeer
// event is published per connected peer, regardless of which connection is
// ultimately kept.
//
// Returns the registered connection for the peer.
func (n *Network) registerConn(conn *peerConn) *peerConn {
	n.mu.Lock()

	existing, ok := n.peers[conn.peer]
	if ok {
		if n.canonical(existing) || !n.canonical(conn) {
			n.mu.Unlock()
			conn.close()
			return existing
		}

		// The new connection wins the tie-break; swap it in and close the
		// old one. The peer stays connected throughout so no event is
		// published.
		n.peers[conn.peer] = conn
		n.mu.Unlock()

		existing.close()

		n.serveConn(conn)
		return conn
	}

	n.peers[conn.peer] = conn
	n.mu.Unlock()

	n.metrics.ConnectedPeers.Inc()

	n.logger.Info(
		"peer connected",
		zap.String("peer", conn.peer.String()),
		zap.Bool("outbound", conn.outbound),
	)

	n.publisher.Publish(PeerEvent{
		Type: PeerEventNewPeer,
		Peer: conn.peer,
	})

	n.serveConn(conn)
	return conn
}

// addPending registers an accepted connection awaiting the handshake.
// Returns false if the network is already closed.
func (n *Network) addPending(conn net.Conn) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed.Load() {
		return false
	}
	n.pending[conn] = struct{}{}
	return true
}

func (n *Network) removePending(conn net.Conn) {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.pending, conn)
}

// canonical returns whether the connection is in the preferred direction
// for its peer pair: dialled by the side with the lower peer ID.
func (n *Network) canonical(conn *peerConn) bool {
	localLower := bytes.Compare(n.localID[:], conn.peer[:]) < 0
	if conn.outbound {
		return localLower
	}
	return !localLower
}

// removeConn drops the connection from the registry if it is still the
// registered connection for its peer.
func (n *Network) removeConn(conn *peerConn) {
	n.mu.Lock()
	registered, ok := n.peers[conn.peer]
	if !ok || registered != conn {
		// Already replaced or removed.
		n.mu.Unlock()
		return
	}
	delete(n.peers, conn.peer)
	n.mu.Unlock()

	n.metrics.ConnectedPeers.Dec()

	n.logger.Info("peer disconnected", zap.String("peer", conn.peer.String()))

	n.publisher.Publish(PeerEvent{
		Type: PeerEventDisconnected,
		Peer: conn.peer,
	})
}

// serveConn serves the connection's inbound streams in the background
// until the session closes.
func (n *Network) serveConn(conn *peerConn) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		conn.serve(n.handler, n.metrics, n.logger)
		n.removeConn(conn)
	}()
}

// DialArgs resolves the given multiaddr into a network and address
// suitable for net.Dial.
func DialArgs(addr string) (string, string, error) {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return "", "", fmt.Errorf("invalid addr: %s: %w", addr, err)
	}
	network, dialAddr, err := manet.DialArgs(maddr)
	if err != nil {
		return "", "", fmt.Errorf("invalid addr: %s: %w", addr, err)
	}
	return network, dialAddr, nil
}
