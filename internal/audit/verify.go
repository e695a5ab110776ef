package audit

import (
	"context"
	"fmt"

	"github.com/ssd-technologies/ilshield/internal/storage"
)

const verifyPage = 500

// Report summarizes a chain verification.
type Report struct {
	OK        bool     `json:"ok"`
	Total     int64    `json:"total"`
	LastIndex int64    `json:"last_index"`
	LastHash  string   `json:"last_hash"`
	Root      string   `json:"merkle_root,omitempty"`
	Errors    []string `json:"errors,omitempty"`
}

// Checker verifies records one at a time, in index order.
type Checker struct {
	report   Report
	expected int64
	prev     string
	hashes   []string
}

// NewChecker returns a checker expecting the chain to start at index 0.
func NewChecker() *Checker {
	return &Checker{report: Report{OK: true, LastIndex: -1}}
}

func (c *Checker) fail(format string, args ...any) {
	c.report.OK = false
	c.report.Errors = append(c.report.Errors, fmt.Sprintf(format, args...))
}

// Check verifies the next record against its predecessor.
func (c *Checker) Check(rec *storage.AuditRecord) {
	if rec.Index != c.expected {
		c.fail("index mismatch: got %d, want %d", rec.Index, c.expected)
	}
	if rec.PrevHash != c.prev {
		c.fail("prev_hash mismatch at %d", rec.Index)
	}
	if computed := ChainHash(rec.PrevHash, rec); computed != rec.Hash {
		c.fail("hash mismatch at %d", rec.Index)
	}
	c.expected = rec.Index + 1
	c.prev = rec.Hash
	c.hashes = append(c.hashes, rec.Hash)
	c.report.Total++
	c.report.LastIndex = rec.Index
	c.report.LastHash = rec.Hash
}

// Report returns the result so far, including the Merkle root of every hash
// checked.
func (c *Checker) Report() Report {
	r := c.report
	r.Root = MerkleRoot(c.hashes)
	return r
}

// Verify walks the whole audit log and checks the hash chain.
func Verify(ctx context.Context, db *storage.DB) (Report, error) {
	c := NewChecker()
	after := int64(-1)
	for {
		var page []storage.AuditRecord
		err := db.View(ctx, func(tx *storage.Tx) error {
			var err error
			page, err = tx.ListAudit(storage.AuditFilter{After: after, Limit: verifyPage})
			return err
		})
		if err != nil {
			return Report{}, fmt.Errorf("verify audit: %w", err)
		}
		for i := range page {
			c.Check(&page[i])
		}
		if len(page) < verifyPage {
			return c.Report(), nil
		}
		after = page[len(page)-1].Index
	}
}
