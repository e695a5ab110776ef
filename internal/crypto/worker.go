package crypto

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// WorkerSignatureLength is the length of an [R || S || V] secp256k1 signature.
const WorkerSignatureLength = 65

// workerDigest is the EIP-191 personal-message hash of the claim digest.
func workerDigest(policyID uint64, attestationHash common.Hash, payout uint64) []byte {
	d := ClaimDigest(policyID, attestationHash, payout)
	return accounts.TextHash(d[:])
}

// SignClaim produces a compute-worker authorization for a claim.
func SignClaim(key *ecdsa.PrivateKey, policyID uint64, attestationHash common.Hash, payout uint64) ([]byte, error) {
	sig, err := ethcrypto.Sign(workerDigest(policyID, attestationHash, payout), key)
	if err != nil {
		return nil, fmt.Errorf("sign claim: %w", err)
	}
	return sig, nil
}

// RecoverWorker returns the address that signed a claim authorization. V may
// be given as 0/1 or 27/28. High-S signatures are rejected.
func RecoverWorker(policyID uint64, attestationHash common.Hash, payout uint64, sig []byte) (common.Address, error) {
	if len(sig) != WorkerSignatureLength {
		return common.Address{}, fmt.Errorf("signature length %d, want %d", len(sig), WorkerSignatureLength)
	}
	normalized := make([]byte, WorkerSignatureLength)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	r := new(big.Int).SetBytes(normalized[:32])
	s := new(big.Int).SetBytes(normalized[32:64])
	if !ethcrypto.ValidateSignatureValues(normalized[64], r, s, true) {
		return common.Address{}, fmt.Errorf("signature values out of range")
	}
	pub, err := ethcrypto.SigToPub(workerDigest(policyID, attestationHash, payout), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// WorkerSet is the set of compute-worker addresses allowed to authorize
// claims.
type WorkerSet struct {
	mu      sync.RWMutex
	workers map[common.Address]bool
}

// NewWorkerSet returns a set seeded with addrs.
func NewWorkerSet(addrs ...common.Address) *WorkerSet {
	ws := &WorkerSet{workers: make(map[common.Address]bool)}
	for _, a := range addrs {
		ws.workers[a] = true
	}
	return ws
}

// Authorize adds addr to the set.
func (ws *WorkerSet) Authorize(addr common.Address) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.workers[addr] = true
}

// Revoke removes addr from the set.
func (ws *WorkerSet) Revoke(addr common.Address) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	delete(ws.workers, addr)
}

// Authorized reports whether addr may sign claims.
func (ws *WorkerSet) Authorized(addr common.Address) bool {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return ws.workers[addr]
}

// List returns the authorized addresses in no particular order.
func (ws *WorkerSet) List() []common.Address {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	out := make([]common.Address, 0, len(ws.workers))
	for a := range ws.workers {
		out = append(out, a)
	}
	return out
}
