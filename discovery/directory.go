package discovery

import (
	"sync"

	"github.com/valmesh/valmesh/peernet"
)

// NodeInfo is a peer's advertised identity, addresses and freshness
// timestamp. NodeInfo values are immutable once constructed and compared
// only by (PeerID, TimestampMs).
type NodeInfo struct {
	PeerID peernet.PeerID `json:"peer_id"`

	// Addresses contains the multiaddrs the peer advertises to be dialled
	// on.
	Addresses []string `json:"addresses"`

	// TimestampMs is the producer's wall clock at publish time, in unix
	// milliseconds. Acts as the record's logical freshness clock.
	TimestampMs uint64 `json:"timestamp_ms"`
}

// Directory is the local node's view of the overlay: its own advertised
// info and the set of known peers.
//
// Records are merged at one of two tiers. Gossiped records (Upsert) only
// replace an existing entry when strictly fresher by timestamp. Committee
// derived records (UpsertTrusted) are authoritative and always replace,
// regardless of any prior gossiped timestamp.
//
// Reads may run concurrently; writes are serialised with each other and
// with reads.
type Directory struct {
	localID peernet.PeerID

	ourInfo *NodeInfo

	knownPeers map[peernet.PeerID]NodeInfo
	// order contains the peer IDs in insertion order, only used to make
	// snapshots deterministic.
	order []peernet.PeerID

	// mu protects the above fields.
	mu sync.RWMutex
}

func NewDirectory(localID peernet.PeerID) *Directory {
	return &Directory{
		localID:    localID,
		knownPeers: make(map[peernet.PeerID]NodeInfo),
	}
}

// SetOwnInfo sets the local node's advertised info, replacing any previous
// value.
func (d *Directory) SetOwnInfo(info NodeInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.ourInfo = &info
}

// OwnInfo returns the local node's advertised info, or false if it hasn't
// been set yet.
func (d *Directory) OwnInfo() (NodeInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.ourInfo == nil {
		return NodeInfo{}, false
	}
	return *d.ourInfo, true
}

// Peer returns the known record for the given peer.
func (d *Directory) Peer(id peernet.PeerID) (NodeInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	info, ok := d.knownPeers[id]
	return info, ok
}

// Peers returns a copy of all known peer records, in insertion order.
func (d *Directory) Peers() []NodeInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()

	peers := make([]NodeInfo, 0, len(d.order))
	for _, id := range d.order {
		peers = append(peers, d.knownPeers[id])
	}
	return peers
}

// Upsert merges a gossiped record into the directory.
//
// A record for an unknown peer is inserted. A record for a known peer
// replaces the existing entry only when strictly fresher by timestamp;
// otherwise the update is silently dropped, so stale or duplicate gossip
// is harmless. On an equal timestamp the existing entry is kept.
//
// Records naming the local node or a zero peer ID are never merged.
//
// Returns whether the directory changed, so the caller can decide whether
// to trigger a dial.
func (d *Directory) Upsert(info NodeInfo) bool {
	if info.PeerID.IsZero() || info.PeerID == d.localID {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	existing, ok := d.knownPeers[info.PeerID]
	if ok && info.TimestampMs <= existing.TimestampMs {
		return false
	}
	d.insertLocked(info, ok)
	return true
}

// UpsertTrusted merges a committee derived record into the directory.
// Trusted records are authoritative so always replace the existing entry,
// even one with a larger timestamp.
func (d *Directory) UpsertTrusted(info NodeInfo) {
	if info.PeerID.IsZero() || info.PeerID == d.localID {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	_, ok := d.knownPeers[info.PeerID]
	d.insertLocked(info, ok)
}

// Remove drops the record for the given peer, if any.
func (d *Directory) Remove(id peernet.PeerID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.knownPeers[id]; !ok {
		return
	}
	delete(d.knownPeers, id)
	for i, orderedID := range d.order {
		if orderedID == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

func (d *Directory) insertLocked(info NodeInfo, exists bool) {
	d.knownPeers[info.PeerID] = info
	if !exists {
		d.order = append(d.order, info.PeerID)
	}
}
