// cmd/ilshield/main.go
//
// ilshield is the client toolkit for compute workers and operators: key
// generation, claim and task signing, signature aggregation and payout quotes.
//
// Usage:
//
//	ilshield keygen-worker --out worker.key
//	ilshield keygen-operator --out operator.seed
//	ilshield sign-claim --key worker.key --policy 5 --attestation 0x.. --payout 75 [--attempt 1]
//	ilshield sign-task --key operator.seed --operator 0x.. --task 0x..
//	ilshield aggregate --sigs <b64>,<b64>,...
//	ilshield quote --x0 100 --y0 300 --x1 100 --y1 250 --fees 10 --p1 2 --cap-bps 5000 --deductible-bps 1000
package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ssd-technologies/ilshield/internal/core"
	"github.com/ssd-technologies/ilshield/internal/crypto"
	"github.com/ssd-technologies/ilshield/internal/payout"
	"github.com/ssd-technologies/ilshield/internal/settlement"
)

const seedSize = 32

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "keygen-worker":
		cmdKeygenWorker(os.Args[2:])
	case "keygen-operator":
		cmdKeygenOperator(os.Args[2:])
	case "sign-claim":
		cmdSignClaim(os.Args[2:])
	case "sign-task":
		cmdSignTask(os.Args[2:])
	case "aggregate":
		cmdAggregate(os.Args[2:])
	case "quote":
		cmdQuote(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: ilshield <command> [flags]

Commands:
  keygen-worker     Generate a compute-worker secp256k1 key
  keygen-operator   Generate an operator BLS seed
  sign-claim        Sign a claim authorization as a compute worker
  sign-task         Sign a task hash as an operator
  aggregate         Aggregate operator signatures
  quote             Compute the impermanent-loss payout for a position

Binary values are printed base64 encoded, matching the HTTP API.
Run 'ilshield <command> --help' for details on each command.
`)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func require(fs *flag.FlagSet, name, value string) {
	if value == "" {
		fmt.Fprintf(os.Stderr, "Error: --%s is required\n", name)
		fs.Usage()
		os.Exit(1)
	}
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatalf("encode output: %v", err)
	}
	fmt.Println(string(data))
}

func parseAddress(name, s string) common.Address {
	if !common.IsHexAddress(s) {
		fatalf("--%s: invalid address %q", name, s)
	}
	return common.HexToAddress(s)
}

func parseHash(name, s string) common.Hash {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil || len(b) != common.HashLength {
		fatalf("--%s: want a 32-byte hex hash", name)
	}
	return common.BytesToHash(b)
}

func cmdKeygenWorker(args []string) {
	fs := flag.NewFlagSet("keygen-worker", flag.ExitOnError)
	out := fs.String("out", "", "private key file (required)")
	fs.Parse(args)
	require(fs, "out", *out)

	key, err := ethcrypto.GenerateKey()
	if err != nil {
		fatalf("generate key: %v", err)
	}
	if err := ethcrypto.SaveECDSA(*out, key); err != nil {
		fatalf("write key: %v", err)
	}
	fmt.Printf("Worker key written to %s\n", *out)
	fmt.Printf("  Address: %s\n", ethcrypto.PubkeyToAddress(key.PublicKey).Hex())
	fmt.Println("Add the address to ILSHIELD_WORKER_KEYS on the ledger.")
}

func cmdKeygenOperator(args []string) {
	fs := flag.NewFlagSet("keygen-operator", flag.ExitOnError)
	out := fs.String("out", "", "seed file (required)")
	fs.Parse(args)
	require(fs, "out", *out)

	seed := make([]byte, seedSize)
	if _, err := rand.Read(seed); err != nil {
		fatalf("read entropy: %v", err)
	}
	key, err := crypto.OperatorKeyFromSeed(seed)
	if err != nil {
		fatalf("%v", err)
	}
	pub, err := crypto.OperatorPublicKey(key)
	if err != nil {
		fatalf("%v", err)
	}
	if err := os.WriteFile(*out, []byte(hex.EncodeToString(seed)), 0600); err != nil {
		fatalf("write seed: %v", err)
	}
	fmt.Printf("Operator seed written to %s\n", *out)
	fmt.Printf("  BLS public key: %s\n", base64.StdEncoding.EncodeToString(pub))
}

func loadOperatorKey(path string) *crypto.OperatorKey {
	data, err := os.ReadFile(path)
	if err != nil {
		fatalf("read seed: %v", err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil || len(seed) < seedSize {
		fatalf("%s is not an operator seed", path)
	}
	key, err := crypto.OperatorKeyFromSeed(seed)
	if err != nil {
		fatalf("%v", err)
	}
	return key
}

func cmdSignClaim(args []string) {
	fs := flag.NewFlagSet("sign-claim", flag.ExitOnError)
	keyPath := fs.String("key", "", "worker private key file (required)")
	policyID := fs.Uint64("policy", 0, "policy id")
	attestation := fs.String("attestation", "", "attestation hash, 0x-prefixed hex (required)")
	amount := fs.Uint64("payout", 0, "payout amount")
	attempt := fs.Int64("attempt", 1, "task attempt the operators sign for")
	fs.Parse(args)
	require(fs, "key", *keyPath)
	require(fs, "attestation", *attestation)

	key, err := ethcrypto.LoadECDSA(*keyPath)
	if err != nil {
		fatalf("load worker key: %v", err)
	}
	req := settlement.ClaimRequest{
		PolicyID:        *policyID,
		AttestationHash: parseHash("attestation", *attestation),
		Payout:          *amount,
	}
	req.WorkerSig, err = crypto.SignClaim(key, req.PolicyID, req.AttestationHash, req.Payout)
	if err != nil {
		fatalf("%v", err)
	}
	printJSON(map[string]any{
		"claim":        req,
		"claim_digest": req.Digest(),
		"attempt":      *attempt,
		"task_hash":    req.TaskHash(*attempt),
	})
}

func cmdSignTask(args []string) {
	fs := flag.NewFlagSet("sign-task", flag.ExitOnError)
	keyPath := fs.String("key", "", "operator seed file (required)")
	operator := fs.String("operator", "", "operator address (required)")
	task := fs.String("task", "", "task hash, 0x-prefixed hex (required)")
	fs.Parse(args)
	require(fs, "key", *keyPath)
	require(fs, "operator", *operator)
	require(fs, "task", *task)

	key := loadOperatorKey(*keyPath)
	addr := parseAddress("operator", *operator)
	sig := crypto.SignTask(key, parseHash("task", *task), addr)
	printJSON(map[string]any{
		"operator":  addr,
		"signature": sig,
	})
}

func cmdAggregate(args []string) {
	fs := flag.NewFlagSet("aggregate", flag.ExitOnError)
	list := fs.String("sigs", "", "comma-separated base64 signatures (required)")
	fs.Parse(args)
	require(fs, "sigs", *list)

	var sigs [][]byte
	for i, s := range strings.Split(*list, ",") {
		b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
		if err != nil {
			fatalf("signature %d: %v", i, err)
		}
		sigs = append(sigs, b)
	}
	agg, err := crypto.AggregateSignatures(sigs)
	if err != nil {
		fatalf("%v", err)
	}
	printJSON(map[string]any{
		"signatures":          len(sigs),
		"aggregate_signature": agg,
	})
}

func cmdQuote(args []string) {
	fs := flag.NewFlagSet("quote", flag.ExitOnError)
	var pos payout.Position
	fs.Uint64Var(&pos.X0, "x0", 0, "initial base amount")
	fs.Uint64Var(&pos.Y0, "y0", 0, "initial quote amount")
	fs.Uint64Var(&pos.X1, "x1", 0, "current base amount")
	fs.Uint64Var(&pos.Y1, "y1", 0, "current quote amount")
	fs.Uint64Var(&pos.Fees, "fees", 0, "fees earned")
	fs.Uint64Var(&pos.P1, "p1", 0, "current price")
	capBps := fs.Uint64("cap-bps", 5000, "payout cap in basis points of hodl value")
	deductibleBps := fs.Uint64("deductible-bps", 0, "deductible in basis points of the loss")
	fs.Parse(args)

	if !core.ValidBps(*capBps) || !core.ValidBps(*deductibleBps) {
		fatalf("basis points must be at most %d", core.BpsDenominator)
	}
	q, err := payout.QuotePosition(pos, *capBps, *deductibleBps)
	if err != nil {
		fatalf("%v", err)
	}
	printJSON(q)
}
