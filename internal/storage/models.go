// internal/storage/models.go
package storage

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
)

// Task statuses.
const (
	TaskCreated    = "created"
	TaskCollecting = "collecting"
	TaskCompleted  = "completed"
	TaskExpired    = "expired"
)

// Task settlement outcomes. Empty means settlement has not run.
const (
	SettlementNone     = ""
	SettlementSettled  = "settled"
	SettlementRejected = "rejected"
	SettlementCleared  = "cleared"
)

type Params struct {
	Version                   int64  `json:"version"`
	QuorumThresholdBps        uint64 `json:"quorum_threshold_bps"`
	MinimumStake              uint64 `json:"minimum_stake"`
	TaskTTLSeconds            int64  `json:"task_ttl_seconds"`
	DefaultMinReserveRatioBps uint64 `json:"default_min_reserve_ratio_bps"`
	DefaultMaxClaimRatioBps   uint64 `json:"default_max_claim_ratio_bps"`
	DefaultEmergencyLimit     uint64 `json:"default_emergency_limit"`
	ChangedBy                 string `json:"changed_by"`
	CreatedAt                 int64  `json:"created_at"`
}

type Operator struct {
	Address         common.Address `json:"address"`
	Slot            int64          `json:"slot"`
	Stake           uint64         `json:"stake"`
	Active          bool           `json:"active"`
	SlashingHistory uint64         `json:"slashing_history"`
	BLSPublicKey    []byte         `json:"bls_public_key"`
	RegisteredAt    int64          `json:"registered_at"`
	UpdatedAt       int64          `json:"updated_at"`
}

type Slashing struct {
	ID         int64          `json:"id"`
	Operator   common.Address `json:"operator"`
	Amount     uint64         `json:"amount"`
	Reason     string         `json:"reason"`
	StakeAfter uint64         `json:"stake_after"`
	CreatedAt  int64          `json:"created_at"`
}

type Task struct {
	ID                 uint64      `json:"id"`
	PolicyID           uint64      `json:"policy_id"`
	Attempt            int64       `json:"attempt"`
	TaskHash           common.Hash `json:"task_hash"`
	AttestationHash    common.Hash `json:"attestation_hash"`
	Payout             uint64      `json:"payout"`
	QuorumThresholdBps uint64      `json:"quorum_threshold_bps"`
	RequiredStake      uint64      `json:"required_stake"`
	ParamsVersion      int64       `json:"params_version"`
	Status             string      `json:"status"`
	Settlement         string      `json:"settlement,omitempty"`
	SettlementReason   string      `json:"settlement_reason,omitempty"`
	AggregateSignature []byte      `json:"aggregate_signature,omitempty"`
	CreatedAt          int64       `json:"created_at"`
	ExpiresAt          int64       `json:"expires_at,omitempty"` // 0 = never
	CompletedAt        int64       `json:"completed_at,omitempty"`
}

// Open reports whether the task can still accept responses, ignoring expiry.
func (t *Task) Open() bool {
	return t.Status == TaskCreated || t.Status == TaskCollecting
}

// Live reports whether the task still holds its policy's claim slot: it is
// open, or it completed and its settlement was neither rejected nor cleared.
func (t *Task) Live() bool {
	if t.Open() {
		return true
	}
	return t.Status == TaskCompleted && (t.Settlement == SettlementNone || t.Settlement == SettlementSettled)
}

type TaskResponse struct {
	TaskID      uint64         `json:"task_id"`
	Seq         int64          `json:"seq"`
	Operator    common.Address `json:"operator"`
	Signature   []byte         `json:"signature,omitempty"`
	BlockHeight uint64         `json:"block_height"`
	CreatedAt   int64          `json:"created_at"`
}

type Policy struct {
	PolicyID      uint64         `json:"policy_id"`
	Holder        common.Address `json:"holder"`
	Pool          common.Address `json:"pool"`
	Coverage      uint64         `json:"coverage"`
	Premium       uint64         `json:"premium"`
	DeductibleBps uint64         `json:"deductible_bps"`
	CapBps        uint64         `json:"cap_bps"`
	Active        bool           `json:"active"`
	CreatedAt     int64          `json:"created_at"`
}

type Pool struct {
	Pool               common.Address `json:"pool"`
	TotalPremiums      uint64         `json:"total_premiums_collected"`
	Reserves           uint64         `json:"reserves"`
	TotalClaimsPaid    uint64         `json:"total_claims_paid"`
	MinReserveRatioBps uint64         `json:"min_reserve_ratio_bps"`
	MaxClaimRatioBps   uint64         `json:"max_claim_ratio_bps"`
	EmergencyLimit     uint64         `json:"emergency_withdrawal_limit"`
	CreatedAt          int64          `json:"created_at"`
	UpdatedAt          int64          `json:"updated_at"`
}

type Settlement struct {
	PolicyID  uint64 `json:"policy_id"`
	TaskID    uint64 `json:"task_id"`
	Amount    uint64 `json:"amount"`
	SettledAt int64  `json:"settled_at"`
}

type AuditRecord struct {
	Index     int64           `json:"index"`
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Subject   string          `json:"subject"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
	CreatedAt int64           `json:"created_at"`
}
