package crypto

import (
	"crypto/rand"
	"fmt"

	"github.com/cloudflare/circl/sign/bls"
	"github.com/ethereum/go-ethereum/common"
)

// Operator keys live in G1 and signatures in G2, the same split EigenLayer
// operators use.
type keyGroup = bls.KeyG1SigG2

// OperatorKey is an operator's BLS signing key.
type OperatorKey = bls.PrivateKey[keyGroup]

// BLSSignatureLength is the size of a compressed G2 signature.
const BLSSignatureLength = 96

// NewOperatorKey generates a fresh operator key from crypto/rand.
func NewOperatorKey() (*OperatorKey, error) {
	ikm := make([]byte, 32)
	if _, err := rand.Read(ikm); err != nil {
		return nil, fmt.Errorf("read entropy: %w", err)
	}
	return OperatorKeyFromSeed(ikm)
}

// OperatorKeyFromSeed derives an operator key deterministically from seed,
// which must be at least 32 bytes.
func OperatorKeyFromSeed(seed []byte) (*OperatorKey, error) {
	k, err := bls.KeyGen[keyGroup](seed, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("bls keygen: %w", err)
	}
	return k, nil
}

// OperatorPublicKey returns the serialized public key of k.
func OperatorPublicKey(k *OperatorKey) ([]byte, error) {
	b, err := k.PublicKey().MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal bls public key: %w", err)
	}
	return b, nil
}

// ParseOperatorPublicKey decodes and validates a serialized public key.
func ParseOperatorPublicKey(b []byte) (*bls.PublicKey[keyGroup], error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("empty bls public key")
	}
	pub := new(bls.PublicKey[keyGroup])
	if err := pub.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("decode bls public key: %w", err)
	}
	if !pub.Validate() {
		return nil, fmt.Errorf("bls public key not in subgroup")
	}
	return pub, nil
}

// SignTask produces operator's signature over a task.
func SignTask(k *OperatorKey, taskHash common.Hash, operator common.Address) []byte {
	return bls.Sign(k, TaskMessage(taskHash, operator))
}

// VerifyTaskSignature checks a single operator's task signature. It returns
// false for any malformed input.
func VerifyTaskSignature(pubKey []byte, taskHash common.Hash, operator common.Address, sig []byte) bool {
	if len(sig) != BLSSignatureLength {
		return false
	}
	pub, err := ParseOperatorPublicKey(pubKey)
	if err != nil {
		return false
	}
	return bls.Verify(pub, TaskMessage(taskHash, operator), sig)
}

// AggregateSignatures combines operator task signatures into one.
func AggregateSignatures(sigs [][]byte) ([]byte, error) {
	if len(sigs) == 0 {
		return nil, fmt.Errorf("no signatures to aggregate")
	}
	in := make([]bls.Signature, len(sigs))
	for i, s := range sigs {
		in[i] = s
	}
	agg, err := bls.Aggregate(keyGroup{}, in)
	if err != nil {
		return nil, fmt.Errorf("aggregate bls signatures: %w", err)
	}
	return agg, nil
}

// SignerKey pairs an operator with its registered BLS public key.
type SignerKey struct {
	Operator  common.Address
	PublicKey []byte
}

// VerifyAggregate checks that aggregate is the combination of every signer's
// signature over the task. It returns false for any malformed input.
func VerifyAggregate(taskHash common.Hash, signers []SignerKey, aggregate []byte) bool {
	if len(signers) == 0 || len(aggregate) != BLSSignatureLength {
		return false
	}
	pubs := make([]*bls.PublicKey[keyGroup], 0, len(signers))
	msgs := make([][]byte, 0, len(signers))
	seen := make(map[common.Address]bool, len(signers))
	for _, s := range signers {
		if seen[s.Operator] {
			return false
		}
		seen[s.Operator] = true
		pub, err := ParseOperatorPublicKey(s.PublicKey)
		if err != nil {
			return false
		}
		pubs = append(pubs, pub)
		msgs = append(msgs, TaskMessage(taskHash, s.Operator))
	}
	return bls.VerifyAggregate(pubs, msgs, aggregate)
}
