// Package archive exports the audit log as Reed-Solomon erasure-coded shards
// and restores it from any sufficient subset. The manifest pins the chain
// head and Merkle root so a restored log can be checked against the ledger
// it came from.
package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/ssd-technologies/ilshield/internal/audit"
	"github.com/ssd-technologies/ilshield/internal/crypto"
	"github.com/ssd-technologies/ilshield/internal/storage"
)

var log = logrus.WithField("component", "archive")

const (
	manifestFile = "manifest.json"
	exportPage   = 500
)

// ErrCorrupt is returned when a restored archive does not match its
// manifest.
var ErrCorrupt = errors.New("archive corrupt")

// Manifest describes one archive.
type Manifest struct {
	ID           string   `json:"id"`
	CreatedAt    int64    `json:"created_at"`
	Records      int64    `json:"records"`
	LastIndex    int64    `json:"last_index"`
	LastHash     string   `json:"last_hash"`
	Root         string   `json:"merkle_root"`
	Size         int      `json:"size"`
	DataShards   int      `json:"data_shards"`
	ParityShards int      `json:"parity_shards"`
	ShardHashes  []string `json:"shard_hashes"`
}

func shardName(i int) string {
	return fmt.Sprintf("shard-%03d.bin", i)
}

// encodeRecords writes records as JSON lines. HTML escaping is off so the
// canonical payload bytes survive a round trip unchanged.
func encodeRecords(records []storage.AuditRecord) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i := range records {
		if err := enc.Encode(&records[i]); err != nil {
			return nil, fmt.Errorf("encode record %d: %w", records[i].Index, err)
		}
	}
	return buf.Bytes(), nil
}

func decodeRecords(data []byte) ([]storage.AuditRecord, error) {
	var out []storage.AuditRecord
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var rec storage.AuditRecord
		if err := dec.Decode(&rec); err == io.EOF {
			return out, nil
		} else if err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		out = append(out, rec)
	}
}

// Export writes the full audit log of db to dir as dataShards+parityShards
// shard files plus a manifest. The chain is verified first; a broken chain
// is not archived.
func Export(ctx context.Context, db *storage.DB, dir string, dataShards, parityShards int) (*Manifest, error) {
	var records []storage.AuditRecord
	checker := audit.NewChecker()
	after := int64(-1)
	for {
		var page []storage.AuditRecord
		err := db.View(ctx, func(tx *storage.Tx) error {
			var err error
			page, err = tx.ListAudit(storage.AuditFilter{After: after, Limit: exportPage})
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("read audit log: %w", err)
		}
		for i := range page {
			checker.Check(&page[i])
		}
		records = append(records, page...)
		if len(page) < exportPage {
			break
		}
		after = page[len(page)-1].Index
	}
	report := checker.Report()
	if !report.OK {
		return nil, fmt.Errorf("audit chain broken: %v", report.Errors)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("audit log is empty")
	}

	data, err := encodeRecords(records)
	if err != nil {
		return nil, err
	}
	shards, err := encodeShards(data, dataShards, parityShards)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}

	m := &Manifest{
		ID:           uuid.New().String(),
		CreatedAt:    time.Now().Unix(),
		Records:      report.Total,
		LastIndex:    report.LastIndex,
		LastHash:     report.LastHash,
		Root:         report.Root,
		Size:         len(data),
		DataShards:   dataShards,
		ParityShards: parityShards,
	}
	for i, s := range shards {
		if err := os.WriteFile(filepath.Join(dir, shardName(i)), s, 0o644); err != nil {
			return nil, fmt.Errorf("write shard %d: %w", i, err)
		}
		m.ShardHashes = append(m.ShardHashes, crypto.Keccak256(s).Hex())
	}
	body, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifestFile), body, 0o644); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	log.Infof("[archive] exported %d records to %s (%d+%d shards)", m.Records, dir, dataShards, parityShards)
	return m, nil
}

// ReadManifest loads the manifest of the archive in dir.
func ReadManifest(dir string) (*Manifest, error) {
	body, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if m.DataShards <= 0 || m.ParityShards < 0 || len(m.ShardHashes) != m.DataShards+m.ParityShards {
		return nil, fmt.Errorf("manifest shard layout: %w", ErrCorrupt)
	}
	return &m, nil
}

// Restore reads the archive in dir and returns its records. Shards that are
// missing or fail their manifest hash are treated as lost and rebuilt from
// parity. The restored chain must verify and match the manifest's head and
// root.
func Restore(dir string) ([]storage.AuditRecord, *Manifest, error) {
	m, err := ReadManifest(dir)
	if err != nil {
		return nil, nil, err
	}
	shards := make([][]byte, len(m.ShardHashes))
	lost := 0
	for i, want := range m.ShardHashes {
		s, err := os.ReadFile(filepath.Join(dir, shardName(i)))
		switch {
		case errors.Is(err, os.ErrNotExist):
			lost++
		case err != nil:
			return nil, nil, fmt.Errorf("read shard %d: %w", i, err)
		case crypto.Keccak256(s).Hex() != want:
			log.Warnf("[archive] shard %d hash mismatch, treating as lost", i)
			lost++
		default:
			shards[i] = s
		}
	}
	if lost > m.ParityShards {
		return nil, nil, fmt.Errorf("%d shards lost, only %d recoverable: %w", lost, m.ParityShards, ErrCorrupt)
	}

	data, err := joinShards(shards, m.DataShards, m.ParityShards, m.Size)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	records, err := decodeRecords(data)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	checker := audit.NewChecker()
	for i := range records {
		checker.Check(&records[i])
	}
	r := checker.Report()
	if !r.OK || r.Total != m.Records || r.LastHash != m.LastHash || r.Root != m.Root {
		return nil, nil, fmt.Errorf("restored chain does not match manifest: %w", ErrCorrupt)
	}
	if lost > 0 {
		log.Infof("[archive] rebuilt %d lost shards", lost)
	}
	return records, m, nil
}

// WriteJSONL writes records to w, one per line.
func WriteJSONL(w io.Writer, records []storage.AuditRecord) error {
	data, err := encodeRecords(records)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	if _, err := bw.Write(data); err != nil {
		return err
	}
	return bw.Flush()
}
