package committee

import (
	"fmt"

	"github.com/valmesh/valmesh/peernet"
)

// EpochStartValidator is a validator's identity and network metadata as of
// the start of an epoch.
type EpochStartValidator struct {
	// Name is the validator's authority name, derived from its protocol
	// key.
	Name string `json:"name" yaml:"name"`

	// ProtocolPubkey is the validator's staking/consensus protocol key.
	ProtocolPubkey []byte `json:"protocol_pubkey" yaml:"protocol_pubkey"`

	// NetworkPubkey is the validator's network identity key; its peer ID
	// in the overlay is the raw key bytes.
	NetworkPubkey []byte `json:"network_pubkey" yaml:"network_pubkey"`

	VotingPower uint64 `json:"voting_power" yaml:"voting_power"`

	NetworkAddress string `json:"network_address" yaml:"network_address"`
	P2PAddress     string `json:"p2p_address" yaml:"p2p_address"`
	PrimaryAddress string `json:"primary_address" yaml:"primary_address"`
	WorkerAddress  string `json:"worker_address" yaml:"worker_address"`
}

// EpochStartState is the slice of on-chain system state the p2p layer
// needs at the start of an epoch: the active validator set with network
// metadata. Verification of the underlying chain state happens upstream;
// this state is consumed as already verified.
type EpochStartState struct {
	Epoch uint64 `json:"epoch" yaml:"epoch"`

	ProtocolVersion uint64 `json:"protocol_version" yaml:"protocol_version"`

	StartTimestampMs uint64 `json:"start_timestamp_ms" yaml:"start_timestamp_ms"`

	SafeMode bool `json:"safe_mode" yaml:"safe_mode"`

	ActiveValidators []EpochStartValidator `json:"active_validators" yaml:"active_validators"`
}

// Record builds the committee record published to discovery subscribers at
// the epoch boundary.
func (s *EpochStartState) Record() Record {
	authorities := make(map[string]Authority, len(s.ActiveValidators))
	for _, v := range s.ActiveValidators {
		authorities[v.Name] = Authority{
			Stake:          v.VotingPower,
			NetworkPubkey:  v.NetworkPubkey,
			NetworkAddress: v.NetworkAddress,
			P2PAddress:     v.P2PAddress,
		}
	}
	return Record{
		Epoch:           s.Epoch,
		ProtocolVersion: s.ProtocolVersion,
		Authorities:     authorities,
	}
}

// AuthorityPeerIDs maps each active validator's authority name to its
// overlay peer ID.
func (s *EpochStartState) AuthorityPeerIDs() (map[string]peernet.PeerID, error) {
	ids := make(map[string]peernet.PeerID, len(s.ActiveValidators))
	for _, v := range s.ActiveValidators {
		if len(v.NetworkPubkey) != peernet.IDSize {
			return nil, fmt.Errorf(
				"validator %s: invalid network pubkey size: %d",
				v.Name, len(v.NetworkPubkey),
			)
		}
		var id peernet.PeerID
		copy(id[:], v.NetworkPubkey)
		ids[v.Name] = id
	}
	return ids, nil
}
