// cmd/ilshieldd/main.go
//
// ilshieldd runs the settlement ledger and its maintenance tasks.
//
// Usage:
//
//	ilshieldd serve
//	ilshieldd archive --out <dir> [--data-shards 4] [--parity-shards 2]
//	ilshieldd restore --in <dir> [--out records.jsonl]
//	ilshieldd verify
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/ssd-technologies/ilshield/internal/archive"
	"github.com/ssd-technologies/ilshield/internal/audit"
	"github.com/ssd-technologies/ilshield/internal/config"
	"github.com/ssd-technologies/ilshield/internal/crypto"
	"github.com/ssd-technologies/ilshield/internal/server"
	"github.com/ssd-technologies/ilshield/internal/storage"
)

var log = logrus.WithField("component", "ilshieldd")

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe()
	case "archive":
		cmdArchive(os.Args[2:])
	case "restore":
		cmdRestore(os.Args[2:])
	case "verify":
		cmdVerify(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: ilshieldd <command> [flags]

Commands:
  serve     Run the HTTP API and background workers (configured from ILSHIELD_* env)
  archive   Export the audit log as erasure-coded shards
  restore   Rebuild and verify an archived audit log
  verify    Verify the audit hash chain of the ledger
`)
}

// dataDir returns the explicit directory if set, else ILSHIELD_DATA_DIR,
// else "data".
func dataDir(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if dir := os.Getenv("ILSHIELD_DATA_DIR"); dir != "" {
		return dir
	}
	return "data"
}

func openDB(dir string) *storage.DB {
	if err := os.MkdirAll(dir, 0700); err != nil {
		log.Fatalf("Create data directory: %v", err)
	}
	db, err := storage.NewDB(config.Config{DataDir: dir}.DBPath())
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	return db
}

func cmdServe() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logrus.SetLevel(cfg.LogLevel)

	db := openDB(cfg.DataDir)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := server.New(db, server.Options{
		AdminSecret: cfg.AdminSecret,
		Workers:     crypto.NewWorkerSet(cfg.WorkerKeys...),
		CORSOrigins: cfg.CORSOrigins,
		RateLimit:   cfg.RateLimit,
		TrustProxy:  cfg.TrustProxy,
	})
	srv.StartWorkers(ctx, cfg.SweepInterval, cfg.VerifyInterval)

	httpSrv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("Shutting down...")
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		httpSrv.Shutdown(shutdownCtx)
	}()

	log.Infof("ilshield running on http://localhost:%d (%d authorized workers)", cfg.Port, len(cfg.WorkerKeys))
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

func cmdArchive(args []string) {
	fs := flag.NewFlagSet("archive", flag.ExitOnError)
	out := fs.String("out", "", "archive directory (required)")
	dir := fs.String("data-dir", "", "ledger data directory (default $ILSHIELD_DATA_DIR or data)")
	dataShards := fs.Int("data-shards", 4, "data shards")
	parityShards := fs.Int("parity-shards", 2, "parity shards")
	fs.Parse(args)

	if *out == "" {
		fmt.Fprintln(os.Stderr, "Error: --out is required")
		fs.Usage()
		os.Exit(1)
	}

	db := openDB(dataDir(*dir))
	defer db.Close()

	m, err := archive.Export(context.Background(), db, *out, *dataShards, *parityShards)
	if err != nil {
		log.Fatalf("Archive failed: %v", err)
	}
	fmt.Printf("Archived %d records to %s\n", m.Records, *out)
	fmt.Printf("  Archive ID: %s\n", m.ID)
	fmt.Printf("  Shards:     %d data + %d parity\n", m.DataShards, m.ParityShards)
	fmt.Printf("  Head:       %d %s\n", m.LastIndex, m.LastHash)
	fmt.Printf("  Root:       %s\n", m.Root)
}

func cmdRestore(args []string) {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	in := fs.String("in", "", "archive directory (required)")
	out := fs.String("out", "", "write records as JSON lines to this file (default stdout)")
	fs.Parse(args)

	if *in == "" {
		fmt.Fprintln(os.Stderr, "Error: --in is required")
		fs.Usage()
		os.Exit(1)
	}

	records, m, err := archive.Restore(*in)
	if err != nil {
		log.Fatalf("Restore failed: %v", err)
	}

	w := os.Stdout
	if *out != "" {
		f, err := os.OpenFile(*out, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
		if err != nil {
			log.Fatalf("Open output: %v", err)
		}
		defer f.Close()
		w = f
	}
	if err := archive.WriteJSONL(w, records); err != nil {
		log.Fatalf("Write records: %v", err)
	}
	fmt.Fprintf(os.Stderr, "Restored %d records from archive %s (root %s)\n", len(records), m.ID, m.Root)
}

func cmdVerify(args []string) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	dir := fs.String("data-dir", "", "ledger data directory (default $ILSHIELD_DATA_DIR or data)")
	fs.Parse(args)

	db := openDB(dataDir(*dir))
	defer db.Close()

	report, err := audit.Verify(context.Background(), db)
	if err != nil {
		log.Fatalf("Verify failed: %v", err)
	}
	if !report.OK {
		for _, e := range report.Errors {
			fmt.Fprintf(os.Stderr, "  %s\n", e)
		}
		fmt.Fprintf(os.Stderr, "Audit chain BROKEN after %d records\n", report.Total)
		os.Exit(2)
	}
	fmt.Printf("Audit chain ok: %d records\n", report.Total)
	fmt.Printf("  Head: %d %s\n", report.LastIndex, report.LastHash)
	fmt.Printf("  Root: %s\n", report.Root)
}
