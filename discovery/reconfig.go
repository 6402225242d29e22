package discovery

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/valmesh/valmesh/committee"
	"github.com/valmesh/valmesh/peernet"
)

// RunReconfig consumes the committee change stream until the discovery
// subsystem is closed.
//
// The stream is lossy by design: a slow consumer observes only the latest
// committee, which is the only one that matters. The stream terminating is
// fatal, since continuing without trust updates would silently freeze the
// trusted peer set.
func (d *Discovery) RunReconfig() error {
	if d.sub == nil {
		<-d.shutdownCh
		return nil
	}

	for {
		record, err := d.sub.Recv(d.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) && d.closed.Load() {
				return nil
			}
			return fmt.Errorf("committee stream: %w", err)
		}

		d.handleCommitteeRecord(record, nowUnixMs())
	}
}

// handleCommitteeRecord re-derives the trusted peer set from a committee
// record.
//
// Every authority's record is applied on the trust tier, superseding any
// gossiped record regardless of timestamp, and unconnected trusted peers
// are dialled. Authorities dropped from the committee lose trusted status:
// unconnected ones have their directory entries removed so they stop being
// re-dialled, while an existing live connection is left to close
// naturally.
func (d *Discovery) handleCommitteeRecord(record committee.Record, nowUnix uint64) {
	d.logger.Info(
		"received committee record",
		zap.Uint64("epoch", record.Epoch),
		zap.Uint64("protocol-version", record.ProtocolVersion),
		zap.Int("authorities", len(record.Authorities)),
	)

	trusted := make(map[peernet.PeerID]struct{}, len(record.Authorities))
	for name, authority := range record.Authorities {
		if len(authority.NetworkPubkey) != peernet.IDSize {
			d.logger.Warn(
				"rejecting authority with invalid network pubkey",
				zap.String("authority", name),
				zap.Int("pubkey-size", len(authority.NetworkPubkey)),
			)
			continue
		}
		var id peernet.PeerID
		copy(id[:], authority.NetworkPubkey)

		if id == d.network.LocalID() {
			continue
		}

		trusted[id] = struct{}{}

		info := NodeInfo{
			PeerID:      id,
			Addresses:   []string{authority.P2PAddress},
			TimestampMs: nowUnix,
		}
		d.directory.UpsertTrusted(info)

		if !d.network.Connected(id) {
			go d.dialPeer(info)
		}
	}

	d.mu.Lock()
	previous := d.trusted
	d.trusted = trusted
	d.mu.Unlock()

	for id := range previous {
		if _, ok := trusted[id]; ok {
			continue
		}
		d.logger.Info(
			"peer dropped from committee",
			zap.String("peer", id.String()),
		)
		// A connected peer keeps its entry until the connection drops;
		// gossip may re-learn it as an ordinary untrusted peer.
		if !d.network.Connected(id) {
			d.directory.Remove(id)
		}
	}

	d.metrics.TrustedPeers.Set(float64(len(trusted)))
}
