package crypto

import (
	"github.com/ethereum/go-ethereum/common"
)

// Verifier is the pluggable signature capability used by the settlement
// service. Both checks fail closed and never return an error for bad input.
type Verifier interface {
	// VerifyWorkerAuthorization reports whether sig was produced by an
	// authorized compute worker over (policyID, attestationHash, payout).
	VerifyWorkerAuthorization(policyID uint64, attestationHash common.Hash, payout uint64, sig []byte) bool
	// VerifyAggregateOperatorSignature reports whether aggregate combines a
	// task signature from every signer.
	VerifyAggregateOperatorSignature(taskHash common.Hash, signers []SignerKey, aggregate []byte) bool
	// VerifyOperatorSignature checks one operator's task signature.
	VerifyOperatorSignature(taskHash common.Hash, signer SignerKey, sig []byte) bool
}

// DefaultVerifier performs real ECDSA recovery and BLS verification.
type DefaultVerifier struct {
	workers *WorkerSet
}

// NewVerifier returns a verifier accepting worker signatures from workers.
func NewVerifier(workers *WorkerSet) *DefaultVerifier {
	return &DefaultVerifier{workers: workers}
}

func (v *DefaultVerifier) VerifyWorkerAuthorization(policyID uint64, attestationHash common.Hash, payout uint64, sig []byte) bool {
	if policyID == 0 || payout == 0 || attestationHash == (common.Hash{}) {
		return false
	}
	signer, err := RecoverWorker(policyID, attestationHash, payout, sig)
	if err != nil {
		return false
	}
	return v.workers.Authorized(signer)
}

func (v *DefaultVerifier) VerifyAggregateOperatorSignature(taskHash common.Hash, signers []SignerKey, aggregate []byte) bool {
	return VerifyAggregate(taskHash, signers, aggregate)
}

func (v *DefaultVerifier) VerifyOperatorSignature(taskHash common.Hash, signer SignerKey, sig []byte) bool {
	return VerifyTaskSignature(signer.PublicKey, taskHash, signer.Operator, sig)
}
