package audit

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ssd-technologies/ilshield/internal/crypto"
	"github.com/ssd-technologies/ilshield/internal/storage"
)

// Record kinds.
const (
	KindOperatorRegistered   = "operator.registered"
	KindOperatorReactivated  = "operator.reactivated"
	KindOperatorDeregistered = "operator.deregistered"
	KindOperatorStakeUpdated = "operator.stake_updated"
	KindOperatorSlashed      = "operator.slashed"
	KindTaskCreated          = "task.created"
	KindTaskResponse         = "task.response"
	KindTaskCompleted        = "task.completed"
	KindTaskExpired          = "task.expired"
	KindClaimSettled         = "claim.settled"
	KindClaimRejected        = "claim.rejected"
	KindPoolCreated          = "vault.pool_created"
	KindPremiumDeposited     = "vault.premium_deposited"
	KindEmergencyWithdrawal  = "vault.emergency_withdrawal"
	KindSettlementCleared    = "vault.settlement_cleared"
	KindPolicyUpserted       = "policy.upserted"
	KindParamsUpdated        = "params.updated"
)

// ChainHash computes the hash of a record from its predecessor's hash and its
// own content:
//
//	keccak256(prevHash || uint64(index) || kind || 0x00 || subject || 0x00 || uint64(createdAt) || payload)
func ChainHash(prevHash string, r *storage.AuditRecord) string {
	var idx, ts [8]byte
	binary.BigEndian.PutUint64(idx[:], uint64(r.Index))
	binary.BigEndian.PutUint64(ts[:], uint64(r.CreatedAt))
	h := crypto.Keccak256(
		[]byte(prevHash),
		idx[:],
		[]byte(r.Kind), []byte{0},
		[]byte(r.Subject), []byte{0},
		ts[:],
		r.Payload,
	)
	return h.Hex()
}

// MerkleRoot computes a binary Keccak-256 Merkle root over record hashes.
// Leaves are the hashes of the record hashes; an odd node at any level is
// paired with itself.
func MerkleRoot(hashes []string) string {
	if len(hashes) == 0 {
		return ""
	}
	level := make([]common.Hash, 0, len(hashes))
	for _, h := range hashes {
		level = append(level, crypto.Keccak256([]byte(h)))
	}
	for len(level) > 1 {
		next := make([]common.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, crypto.Keccak256(level[i][:], right[:]))
		}
		level = next
	}
	return level[0].Hex()
}
