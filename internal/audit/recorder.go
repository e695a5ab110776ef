package audit

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ssd-technologies/ilshield/internal/storage"
)

// Recorder appends records to the audit log inside the caller's transaction.
type Recorder struct {
	hub *Hub
	now func() time.Time
}

// NewRecorder returns a recorder that publishes committed records to hub.
// hub may be nil.
func NewRecorder(hub *Hub) *Recorder {
	return &Recorder{hub: hub, now: time.Now}
}

// Record appends a record of kind about subject with payload encoded as
// canonical JSON. The record becomes visible, and is published, only if tx
// commits.
func (r *Recorder) Record(tx *storage.Tx, kind, subject string, payload any) (*storage.AuditRecord, error) {
	body, err := Canonical(payload)
	if err != nil {
		return nil, fmt.Errorf("audit %s: %w", kind, err)
	}
	last, err := tx.LastAudit()
	if err != nil {
		return nil, fmt.Errorf("audit %s: %w", kind, err)
	}

	rec := &storage.AuditRecord{
		ID:        uuid.New().String(),
		Kind:      kind,
		Subject:   subject,
		Payload:   body,
		CreatedAt: r.now().Unix(),
	}
	if last != nil {
		rec.Index = last.Index + 1
		rec.PrevHash = last.Hash
	}
	rec.Hash = ChainHash(rec.PrevHash, rec)

	if err := tx.AppendAudit(rec); err != nil {
		return nil, fmt.Errorf("audit %s: %w", kind, err)
	}
	if r.hub != nil {
		published := *rec
		tx.OnCommit(func() { r.hub.Publish(published) })
	}
	return rec, nil
}
