// Package committee carries the validator committee metadata consumed by
// the discovery subsystem at epoch boundaries.
package committee

import (
	"context"
	"errors"
	"sync"
)

// Authority is a validator's stake and network metadata for an epoch.
//
// Discovery only reads NetworkPubkey and P2PAddress; the remaining fields
// belong to the consensus collaborators.
type Authority struct {
	// Stake is the authority's voting power in the committee.
	Stake uint64 `json:"stake"`

	// NetworkPubkey is the raw bytes of the authority's network identity
	// key, from which its peer ID is derived.
	NetworkPubkey []byte `json:"network_pubkey"`

	// NetworkAddress is the authority's validator API multiaddr.
	NetworkAddress string `json:"network_address"`

	// P2PAddress is the multiaddr the authority's p2p overlay listens on.
	P2PAddress string `json:"p2p_address"`
}

// Record is the committee for an epoch with each authority's network
// metadata, tagged with the protocol version in effect.
type Record struct {
	Epoch uint64 `json:"epoch"`

	ProtocolVersion uint64 `json:"protocol_version"`

	// Authorities maps authority name to its stake and network metadata.
	Authorities map[string]Authority `json:"authorities"`
}

// ErrClosed is returned by Recv once the channel is closed. The committee
// stream terminating silently would leave trust updates stalled, so
// consumers treat ErrClosed as fatal.
var ErrClosed = errors.New("committee: channel closed")

// Channel is a latest-value broadcast of committee records.
//
// Only the newest committee is ever meaningful, so each subscription holds
// a single slot: publishing replaces any undelivered record, and a slow
// subscriber observes only the latest value rather than a backlog of
// superseded committees.
type Channel struct {
	subscribers map[*Subscription]struct{}
	latest      *Record
	closed      bool

	// mu protects the above fields.
	mu sync.Mutex
}

func NewChannel() *Channel {
	return &Channel{
		subscribers: make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a subscription receiving every record published
// after this call (subject to latest-value replacement).
func (c *Channel) Subscribe() *Subscription {
	sub := &Subscription{
		ch:     make(chan Record, 1),
		closed: make(chan struct{}),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		close(sub.closed)
		return sub
	}
	c.subscribers[sub] = struct{}{}
	return sub
}

// Publish sends the record to every subscription, replacing any
// undelivered record.
func (c *Channel) Publish(record Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.latest = &record
	for sub := range c.subscribers {
		// Drain the slot so the new record replaces a superseded one.
		select {
		case <-sub.ch:
		default:
		}
		sub.ch <- record
	}
}

// Latest returns the most recently published record, if any.
func (c *Channel) Latest() (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.latest == nil {
		return Record{}, false
	}
	return *c.latest, true
}

// Close closes the channel. Subscribers receive any already published
// record then ErrClosed.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	for sub := range c.subscribers {
		close(sub.closed)
	}
	c.subscribers = make(map[*Subscription]struct{})
}

// Subscription is a single subscriber's view of the committee stream.
type Subscription struct {
	ch     chan Record
	closed chan struct{}
}

// Recv blocks until the next committee record is available, the channel is
// closed (ErrClosed) or the context is cancelled.
func (s *Subscription) Recv(ctx context.Context) (Record, error) {
	// Deliver a pending record before reporting close.
	select {
	case record := <-s.ch:
		return record, nil
	default:
	}

	select {
	case record := <-s.ch:
		return record, nil
	case <-s.closed:
		return Record{}, ErrClosed
	case <-ctx.Done():
		return Record{}, ctx.Err()
	}
}
