package peernet

import "sync"

// PeerEventType identifies the kind of peer event.
type PeerEventType int

const (
	// PeerEventNewPeer indicates a connection to a new peer has been
	// established (after the identity handshake completed).
	PeerEventNewPeer PeerEventType = iota + 1
	// PeerEventDisconnected indicates the connection to a peer has been
	// lost.
	PeerEventDisconnected
)

func (t PeerEventType) String() string {
	switch t {
	case PeerEventNewPeer:
		return "new-peer"
	case PeerEventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// PeerEvent notifies a subscriber about a change to the set of connected
// peers. Events carry bare peer IDs only; interested subscribers re-query
// the discovery directory for peer details.
type PeerEvent struct {
	Type PeerEventType
	Peer PeerID
}

// publisher broadcasts peer events to any number of local subscribers.
//
// Each subscriber that keeps up with the stream observes every event
// published after it subscribed, exactly once. A subscriber that falls
// behind its buffer loses the oldest undelivered events; it never sees
// duplicates.
type publisher struct {
	subscribers map[*subscriber]struct{}

	// mu protects the above fields.
	mu sync.Mutex
}

type subscriber struct {
	ch chan PeerEvent
}

func newPublisher() *publisher {
	return &publisher{
		subscribers: make(map[*subscriber]struct{}),
	}
}

func (p *publisher) Subscribe(buffer int) (<-chan PeerEvent, func()) {
	sub := &subscriber{
		ch: make(chan PeerEvent, buffer),
	}

	p.mu.Lock()
	p.subscribers[sub] = struct{}{}
	p.mu.Unlock()

	unsubscribe := func() {
		p.mu.Lock()
		delete(p.subscribers, sub)
		p.mu.Unlock()
	}
	return sub.ch, unsubscribe
}

func (p *publisher) Publish(event PeerEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for sub := range p.subscribers {
		for {
			select {
			case sub.ch <- event:
			default:
				// The subscriber buffer is full. Evict the oldest
				// undelivered event and retry.
				select {
				case <-sub.ch:
				default:
				}
				continue
			}
			break
		}
	}
}
