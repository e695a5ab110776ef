package crypto

import (
	"bytes"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

func testOperatorKey(t *testing.T, n byte) *OperatorKey {
	t.Helper()
	seed := bytes.Repeat([]byte{n}, 32)
	k, err := OperatorKeyFromSeed(seed)
	if err != nil {
		t.Fatalf("OperatorKeyFromSeed: %v", err)
	}
	return k
}

func testSigner(t *testing.T, n byte) (*OperatorKey, SignerKey) {
	t.Helper()
	k := testOperatorKey(t, n)
	pub, err := OperatorPublicKey(k)
	if err != nil {
		t.Fatalf("OperatorPublicKey: %v", err)
	}
	return k, SignerKey{Operator: common.BytesToAddress([]byte{n}), PublicKey: pub}
}

func TestClaimDigest_Deterministic(t *testing.T) {
	att := common.HexToHash("0xabc")
	d1 := ClaimDigest(5, att, 36)
	d2 := ClaimDigest(5, att, 36)
	if d1 != d2 {
		t.Fatal("same inputs should produce the same digest")
	}
	if d1 == ClaimDigest(5, att, 37) {
		t.Fatal("different payout should change the digest")
	}
	if d1 == ClaimDigest(6, att, 36) {
		t.Fatal("different policy should change the digest")
	}
}

func TestAttemptHash(t *testing.T) {
	digest := ClaimDigest(5, common.HexToHash("0xabc"), 36)
	first := AttemptHash(digest, 1)
	if first != AttemptHash(digest, 1) {
		t.Fatal("same attempt should produce the same hash")
	}
	if first == AttemptHash(digest, 2) || first == digest {
		t.Fatal("each attempt should have its own hash")
	}

	k, signer := testSigner(t, 1)
	sig := SignTask(k, first, signer.Operator)
	if VerifyTaskSignature(signer.PublicKey, AttemptHash(digest, 2), signer.Operator, sig) {
		t.Fatal("signature for attempt 1 should not verify for attempt 2")
	}
}

func TestWorkerAuthorization(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	worker := ethcrypto.PubkeyToAddress(key.PublicKey)
	att := common.HexToHash("0x01")

	sig, err := SignClaim(key, 5, att, 36)
	if err != nil {
		t.Fatalf("SignClaim: %v", err)
	}

	v := NewVerifier(NewWorkerSet(worker))
	if !v.VerifyWorkerAuthorization(5, att, 36, sig) {
		t.Fatal("authorized worker signature should verify")
	}

	// 27/28 style V is accepted.
	legacy := append([]byte(nil), sig...)
	legacy[64] += 27
	if !v.VerifyWorkerAuthorization(5, att, 36, legacy) {
		t.Fatal("signature with V=27/28 should verify")
	}

	if v.VerifyWorkerAuthorization(5, att, 37, sig) {
		t.Fatal("signature over a different payout should not verify")
	}
	if v.VerifyWorkerAuthorization(5, att, 36, sig[:64]) {
		t.Fatal("short signature should not verify")
	}
	if v.VerifyWorkerAuthorization(0, att, 36, sig) {
		t.Fatal("zero policy id should not verify")
	}
	if v.VerifyWorkerAuthorization(5, att, 0, sig) {
		t.Fatal("zero payout should not verify")
	}

	stranger := NewVerifier(NewWorkerSet())
	if stranger.VerifyWorkerAuthorization(5, att, 36, sig) {
		t.Fatal("unknown worker should not verify")
	}
}

func TestWorkerSet_AuthorizeRevoke(t *testing.T) {
	ws := NewWorkerSet()
	a := common.HexToAddress("0x1")
	ws.Authorize(a)
	if !ws.Authorized(a) || len(ws.List()) != 1 {
		t.Fatal("address should be authorized")
	}
	ws.Revoke(a)
	if ws.Authorized(a) {
		t.Fatal("address should be revoked")
	}
}

func TestTaskSignature(t *testing.T) {
	k, signer := testSigner(t, 1)
	taskHash := common.HexToHash("0xfeed")

	sig := SignTask(k, taskHash, signer.Operator)
	if len(sig) != BLSSignatureLength {
		t.Fatalf("signature length = %d, want %d", len(sig), BLSSignatureLength)
	}
	if !VerifyTaskSignature(signer.PublicKey, taskHash, signer.Operator, sig) {
		t.Fatal("task signature should verify")
	}
	if VerifyTaskSignature(signer.PublicKey, common.HexToHash("0xbeef"), signer.Operator, sig) {
		t.Fatal("signature over another task should not verify")
	}
	if VerifyTaskSignature(signer.PublicKey, taskHash, common.HexToAddress("0x99"), sig) {
		t.Fatal("signature bound to another operator should not verify")
	}
	if VerifyTaskSignature(signer.PublicKey, taskHash, signer.Operator, sig[:10]) {
		t.Fatal("truncated signature should not verify")
	}
	if VerifyTaskSignature([]byte("junk"), taskHash, signer.Operator, sig) {
		t.Fatal("malformed public key should not verify")
	}
}

func TestAggregateSignature(t *testing.T) {
	taskHash := common.HexToHash("0x1234")
	var signers []SignerKey
	var sigs [][]byte
	for i := byte(1); i <= 3; i++ {
		k, s := testSigner(t, i)
		signers = append(signers, s)
		sigs = append(sigs, SignTask(k, taskHash, s.Operator))
	}

	agg, err := AggregateSignatures(sigs)
	if err != nil {
		t.Fatalf("AggregateSignatures: %v", err)
	}

	v := NewVerifier(NewWorkerSet())
	if !v.VerifyAggregateOperatorSignature(taskHash, signers, agg) {
		t.Fatal("aggregate should verify against all signers")
	}
	if v.VerifyAggregateOperatorSignature(taskHash, signers[:2], agg) {
		t.Fatal("aggregate should not verify against a subset of signers")
	}
	if v.VerifyAggregateOperatorSignature(common.HexToHash("0x9999"), signers, agg) {
		t.Fatal("aggregate should not verify for another task")
	}
	if v.VerifyAggregateOperatorSignature(taskHash, append(signers, signers[0]), agg) {
		t.Fatal("duplicate signers should be rejected")
	}
	if v.VerifyAggregateOperatorSignature(taskHash, signers, agg[:40]) {
		t.Fatal("malformed aggregate should be rejected")
	}
	if v.VerifyAggregateOperatorSignature(taskHash, nil, agg) {
		t.Fatal("empty signer set should be rejected")
	}

	if _, err := AggregateSignatures(nil); err == nil {
		t.Fatal("aggregating nothing should fail")
	}
}
