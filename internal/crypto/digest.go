// Package crypto provides the signature capabilities of the settlement core:
// secp256k1 ECDSA recovery for compute-worker authorizations and BLS12-381
// aggregate signatures for operator attestations.
package crypto

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// taskDomain separates operator task signatures from any other message a BLS
// key might sign.
var taskDomain = []byte("ilshield/task/v1")

// Keccak256 hashes the concatenation of parts.
func Keccak256(parts ...[]byte) common.Hash {
	h := sha3.NewLegacyKeccak256()
	for _, p := range parts {
		h.Write(p)
	}
	var out common.Hash
	h.Sum(out[:0])
	return out
}

// word encodes v as a 32-byte big-endian word.
func word(v uint64) []byte {
	var w [32]byte
	binary.BigEndian.PutUint64(w[24:], v)
	return w[:]
}

// ClaimDigest is the canonical hash of a computed claim:
//
//	keccak256(uint256(policyID) || attestationHash || uint256(payout))
//
// Workers sign it (with the EIP-191 prefix); task hashes are derived from it.
func ClaimDigest(policyID uint64, attestationHash common.Hash, payout uint64) common.Hash {
	return Keccak256(word(policyID), attestationHash[:], word(payout))
}

// AttemptHash is the task hash of one attempt at settling a claim:
//
//	keccak256(claimDigest || uint256(attempt))
//
// Operator signatures for a rejected or expired attempt do not verify
// against a later one.
func AttemptHash(claimDigest common.Hash, attempt int64) common.Hash {
	return Keccak256(claimDigest[:], word(uint64(attempt)))
}

// TaskMessage is what an operator signs to attest to a task. Binding the
// operator address keeps every signer's message distinct inside an aggregate.
func TaskMessage(taskHash common.Hash, operator common.Address) []byte {
	msg := make([]byte, 0, len(taskDomain)+common.HashLength+common.AddressLength)
	msg = append(msg, taskDomain...)
	msg = append(msg, taskHash[:]...)
	msg = append(msg, operator[:]...)
	return msg
}
