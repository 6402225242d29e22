package discovery

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/valmesh/valmesh/peernet"
)

// SeedPeer is a parsed bootstrap peer.
//
// If ID is non-nil the dial authenticates the remote as exactly that
// identity; otherwise whichever peer answers at the address is accepted
// (trust on first use).
type SeedPeer struct {
	ID *peernet.PeerID

	Address string
}

// ParseSeedPeer parses a seed peer entry of form '<multiaddr>' or
// '<peer-id>@<multiaddr>'.
func ParseSeedPeer(s string) (SeedPeer, error) {
	idStr, addr, typed := strings.Cut(s, "@")
	if !typed {
		addr = s
	}

	if _, _, err := peernet.DialArgs(addr); err != nil {
		return SeedPeer{}, fmt.Errorf("seed peer: %w", err)
	}

	seed := SeedPeer{
		Address: addr,
	}
	if typed {
		id, err := peernet.ParsePeerID(idStr)
		if err != nil {
			return SeedPeer{}, fmt.Errorf("seed peer: %w", err)
		}
		seed.ID = &id
	}
	return seed, nil
}

type Config struct {
	// SeedPeers contains the configured bootstrap peers, each of form
	// '<multiaddr>' or '<peer-id>@<multiaddr>'.
	SeedPeers []string `json:"seed_peers" yaml:"seed_peers"`

	// ExternalAddress is the multiaddr the local node advertises to other
	// peers. If empty the node doesn't advertise an address so won't be
	// discovered transitively via gossip.
	ExternalAddress string `json:"external_address" yaml:"external_address"`

	// Interval is the rate to run discovery ticks.
	Interval time.Duration `json:"interval" yaml:"interval"`

	// RequestTimeout is the timeout for a GetKnownPeers query to a remote
	// peer.
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`

	// DialTimeout is the timeout for a single dial attempt.
	DialTimeout time.Duration `json:"dial_timeout" yaml:"dial_timeout"`

	// MaxConcurrentDials bounds the dial and query fan-out within a tick.
	MaxConcurrentDials int64 `json:"max_concurrent_dials" yaml:"max_concurrent_dials"`
}

func DefaultConfig() Config {
	return Config{
		Interval:           time.Second * 5,
		RequestTimeout:     time.Second * 5,
		DialTimeout:        time.Second * 5,
		MaxConcurrentDials: 16,
	}
}

func (c *Config) Validate() error {
	for _, s := range c.SeedPeers {
		if _, err := ParseSeedPeer(s); err != nil {
			return err
		}
	}
	if c.ExternalAddress != "" {
		if _, _, err := peernet.DialArgs(c.ExternalAddress); err != nil {
			return fmt.Errorf("external address: %w", err)
		}
	}
	if c.Interval == 0 {
		return fmt.Errorf("missing interval")
	}
	if c.RequestTimeout == 0 {
		return fmt.Errorf("missing request timeout")
	}
	if c.DialTimeout == 0 {
		return fmt.Errorf("missing dial timeout")
	}
	if c.MaxConcurrentDials <= 0 {
		return fmt.Errorf("missing max concurrent dials")
	}
	return nil
}

// seedPeers returns the parsed seed peers. Must only be called after
// Validate.
func (c *Config) seedPeers() []SeedPeer {
	seeds := make([]SeedPeer, 0, len(c.SeedPeers))
	for _, s := range c.SeedPeers {
		seed, err := ParseSeedPeer(s)
		if err != nil {
			// Validate rejects malformed seeds before the node starts.
			panic("invalid seed peer: " + s)
		}
		seeds = append(seeds, seed)
	}
	return seeds
}

func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringSliceVar(
		&c.SeedPeers,
		"p2p.seed-peers",
		c.SeedPeers,
		`
The bootstrap peers to dial to join the overlay.

Each entry is either a multiaddr, such as '/dns/seed1.valmesh.io/tcp/9090',
or a peer ID and multiaddr separated by '@' to require the remote to
authenticate as that identity.`,
	)
	fs.StringVar(
		&c.ExternalAddress,
		"p2p.external-address",
		c.ExternalAddress,
		`
The multiaddr to advertise to other peers.

Other nodes will share this address via gossip, so it must be reachable
from the rest of the overlay. If unset the node can still dial out but
won't be discovered transitively.`,
	)
	fs.DurationVar(
		&c.Interval,
		"p2p.interval",
		c.Interval,
		`
The interval to run discovery ticks.

Each tick dials unconnected seed peers, pulls the peer table of every
connected peer and dials any newly learned peers.`,
	)
	fs.DurationVar(
		&c.RequestTimeout,
		"p2p.request-timeout",
		c.RequestTimeout,
		`
The timeout for a peer table query to a connected peer.`,
	)
	fs.DurationVar(
		&c.DialTimeout,
		"p2p.dial-timeout",
		c.DialTimeout,
		`
The timeout for a single dial attempt.`,
	)
	fs.Int64Var(
		&c.MaxConcurrentDials,
		"p2p.max-concurrent-dials",
		c.MaxConcurrentDials,
		`
The maximum number of concurrent dials and peer table queries, so a single
unreachable peer can't stall discovery of the others.`,
	)
}
