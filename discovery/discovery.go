package discovery

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/valmesh/valmesh/committee"
	"github.com/valmesh/valmesh/peernet"
	"github.com/valmesh/valmesh/pkg/log"
)

// seedState tracks a configured seed peer across ticks.
type seedState struct {
	seed SeedPeer

	// learnedID is the identity learned from a previous successful dial of
	// an untyped seed, used to skip re-dialling while still connected.
	learnedID *peernet.PeerID
}

// Discovery drives the node's view of reachable peers.
//
// A tick driven event loop dials configured seed peers, pulls the peer
// table of every connected peer and merges the results into the local
// directory, then dials any newly learned peer. A separate reconfig
// listener consumes the committee change stream and injects the trusted
// peer set with override priority over gossiped records.
//
// This is pull based anti-entropy rather than push gossip: the peer set
// converges transitively across the overlay at a rate proportional to the
// tick interval and overlay diameter.
type Discovery struct {
	conf Config

	directory *Directory

	network *peernet.Network

	seeds []seedState

	sub *committee.Subscription

	// trusted is the committee derived peer set from the most recent
	// committee record, written by the reconfig listener.
	trusted map[peernet.PeerID]struct{}

	// mu protects seeds' learned IDs and trusted.
	mu sync.Mutex

	// sem bounds the dial and query fan-out.
	sem *semaphore.Weighted

	metrics *Metrics

	logger log.Logger

	closed     *atomic.Bool
	shutdownCh chan struct{}

	// ctx is cancelled on close to abandon in-flight dials and queries.
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates the discovery subsystem on the given network.
//
// The committee subscription must be subscribed before any committee
// record of interest is published. Pass nil to run without a reconfig
// path.
func New(
	conf Config,
	network *peernet.Network,
	handler *peernet.Handler,
	sub *committee.Subscription,
	logger log.Logger,
) *Discovery {
	logger = logger.WithSubsystem("discovery")

	directory := NewDirectory(network.LocalID())
	newServer(directory).Register(handler)

	seeds := make([]seedState, 0, len(conf.SeedPeers))
	for _, seed := range conf.seedPeers() {
		seeds = append(seeds, seedState{seed: seed})
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Discovery{
		conf:       conf,
		directory:  directory,
		network:    network,
		seeds:      seeds,
		sub:        sub,
		trusted:    make(map[peernet.PeerID]struct{}),
		sem:        semaphore.NewWeighted(conf.MaxConcurrentDials),
		metrics:    newMetrics(),
		logger:     logger,
		closed:     atomic.NewBool(false),
		shutdownCh: make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Directory returns the node's peer directory.
func (d *Discovery) Directory() *Directory {
	return d.directory
}

func (d *Discovery) Metrics() *Metrics {
	return d.metrics
}

// Run ticks at the configured interval until the discovery subsystem is
// closed.
func (d *Discovery) Run() error {
	d.logger.Info(
		"starting discovery",
		zap.Int("seed-peers", len(d.seeds)),
		zap.Duration("interval", d.conf.Interval),
	)

	ticker := time.NewTicker(d.conf.Interval)
	defer ticker.Stop()

	// Tick immediately rather than waiting a full interval to contact the
	// seeds.
	d.handleTick(time.Now(), nowUnixMs())

	for {
		select {
		case now := <-ticker.C:
			d.handleTick(now, nowUnixMs())
		case <-d.shutdownCh:
			return nil
		}
	}
}

// Close stops ticking and abandons any outstanding dials and queries.
// In-flight merges complete atomically so the directory is never
// corrupted.
func (d *Discovery) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		// Already closed.
		return nil
	}
	close(d.shutdownCh)
	d.cancel()
	return nil
}

// handleTick runs a single unit of discovery work. Exposed on its own so
// tests can drive the loop deterministically.
func (d *Discovery) handleTick(_ time.Time, nowUnix uint64) {
	d.metrics.Ticks.Inc()

	d.updateOwnInfo(nowUnix)

	// Dial any seed peer that isn't currently connected.
	for i := range d.seeds {
		state := &d.seeds[i]

		id := state.seed.ID
		if id == nil {
			d.mu.Lock()
			id = state.learnedID
			d.mu.Unlock()
		}
		if id != nil && d.network.Connected(*id) {
			continue
		}

		go d.dialSeed(state)
	}

	// Pull the peer table of every connected peer.
	for _, peer := range d.network.Peers() {
		go d.queryPeer(peer)
	}

	// Re-dial known peers that aren't connected, so a failed dial or a
	// dropped connection is retried on the next tick.
	peers := d.directory.Peers()
	for _, info := range peers {
		if len(info.Addresses) == 0 {
			continue
		}
		if d.network.Connected(info.PeerID) {
			continue
		}
		go d.dialPeer(info)
	}

	d.metrics.KnownPeers.Set(float64(len(peers)))
}

// updateOwnInfo initialises the node's own advertised info on the first
// tick. Until this runs the discovery server answers NotReady.
func (d *Discovery) updateOwnInfo(nowUnix uint64) {
	if _, ok := d.directory.OwnInfo(); ok {
		return
	}

	var addresses []string
	if d.conf.ExternalAddress != "" {
		addresses = []string{d.conf.ExternalAddress}
	}
	d.directory.SetOwnInfo(NodeInfo{
		PeerID:      d.network.LocalID(),
		Addresses:   addresses,
		TimestampMs: nowUnix,
	})
}

// dialSeed dials a configured seed peer: typed when the seed names an
// identity, otherwise accepting whichever identity answers.
func (d *Discovery) dialSeed(state *seedState) {
	if err := d.sem.Acquire(d.ctx, 1); err != nil {
		return
	}
	defer d.sem.Release(1)

	ctx, cancel := context.WithTimeout(d.ctx, d.conf.DialTimeout)
	defer cancel()

	d.metrics.Dials.Inc()

	if state.seed.ID != nil {
		if err := d.network.ConnectPeer(ctx, *state.seed.ID, state.seed.Address); err != nil {
			d.metrics.DialFailures.Inc()
			d.logger.Debug(
				"failed to dial seed peer",
				zap.String("addr", state.seed.Address),
				zap.Error(err),
			)
		}
		return
	}

	id, err := d.network.Connect(ctx, state.seed.Address)
	if err != nil {
		d.metrics.DialFailures.Inc()
		d.logger.Debug(
			"failed to dial seed peer",
			zap.String("addr", state.seed.Address),
			zap.Error(err),
		)
		return
	}

	d.mu.Lock()
	state.learnedID = &id
	d.mu.Unlock()
}

// queryPeer pulls the peer table of a connected peer and merges it into
// the directory at the gossip tier, then dials anything newly learned.
// Failures are dropped; the peer is retried on a later tick.
func (d *Discovery) queryPeer(peer peernet.PeerID) {
	if err := d.sem.Acquire(d.ctx, 1); err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(d.ctx, d.conf.RequestTimeout)

	d.metrics.Queries.Inc()

	resp, err := d.network.RPC(ctx, peer, peernet.RPCTypeGetKnownPeers, nil)

	cancel()
	d.sem.Release(1)

	if err != nil {
		d.metrics.QueryFailures.Inc()
		d.logger.Debug(
			"failed to query peer",
			zap.String("peer", peer.String()),
			zap.Error(err),
		)
		return
	}

	var knownPeers getKnownPeersResponse
	if err := decodeMessage(resp, &knownPeers); err != nil {
		d.metrics.QueryFailures.Inc()
		d.logger.Warn(
			"invalid peer table response",
			zap.String("peer", peer.String()),
			zap.Error(err),
		)
		return
	}

	records := make([]nodeInfoMessage, 0, len(knownPeers.KnownPeers)+1)
	records = append(records, knownPeers.OwnInfo)
	records = append(records, knownPeers.KnownPeers...)

	for _, record := range records {
		info, err := record.toNodeInfo()
		if err != nil {
			// Malformed record; never merged.
			d.logger.Warn(
				"rejecting invalid peer record",
				zap.String("peer", peer.String()),
				zap.Error(err),
			)
			continue
		}

		if !d.directory.Upsert(info) {
			continue
		}
		if !d.network.Connected(info.PeerID) {
			go d.dialPeer(info)
		}
	}
}

// dialPeer attempts each of the peer's advertised addresses in turn until
// one connects. The dial is typed: the remote must authenticate as the
// record's peer ID.
func (d *Discovery) dialPeer(info NodeInfo) {
	if err := d.sem.Acquire(d.ctx, 1); err != nil {
		return
	}
	defer d.sem.Release(1)

	if d.network.Connected(info.PeerID) {
		return
	}

	d.metrics.Dials.Inc()

	for _, addr := range info.Addresses {
		ctx, cancel := context.WithTimeout(d.ctx, d.conf.DialTimeout)
		err := d.network.ConnectPeer(ctx, info.PeerID, addr)
		cancel()
		if err == nil {
			return
		}
		d.logger.Debug(
			"failed to dial peer",
			zap.String("peer", info.PeerID.String()),
			zap.String("addr", addr),
			zap.Error(err),
		)
	}

	d.metrics.DialFailures.Inc()
}

func nowUnixMs() uint64 {
	return uint64(time.Now().UnixMilli())
}
