package storage

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestOperatorCRUD(t *testing.T) {
	db := testDB(t)
	a := common.HexToAddress("0x0a")
	b := common.HexToAddress("0x0b")

	update(t, db, func(tx *Tx) error {
		for _, addr := range []common.Address{a, b} {
			op := &Operator{Address: addr, Stake: 100, Active: true, BLSPublicKey: []byte{1, 2}, RegisteredAt: 1, UpdatedAt: 1}
			if err := tx.InsertOperator(op); err != nil {
				return err
			}
		}
		return nil
	})

	update(t, db, func(tx *Tx) error {
		op, err := tx.GetOperator(b)
		if err != nil {
			return err
		}
		if op.Slot != 1 || !op.Active || op.Stake != 100 {
			t.Fatalf("unexpected operator %+v", op)
		}
		op.Active = false
		op.Stake = 40
		op.SlashingHistory = 60
		return tx.UpdateOperator(op)
	})

	db.View(context.Background(), func(tx *Tx) error {
		all, err := tx.ListOperators(false)
		if err != nil {
			t.Fatalf("ListOperators: %v", err)
		}
		if len(all) != 2 || all[0].Address != a || all[1].Address != b {
			t.Fatalf("operators not in slot order: %+v", all)
		}
		active, _ := tx.ListOperators(true)
		if len(active) != 1 || active[0].Address != a {
			t.Fatalf("active operators = %+v", active)
		}
		op, _ := tx.GetOperator(b)
		if op.SlashingHistory != 60 || op.Stake != 40 || op.Active {
			t.Fatalf("update not persisted: %+v", op)
		}
		return nil
	})

	err := db.View(context.Background(), func(tx *Tx) error {
		_, err := tx.GetOperator(common.HexToAddress("0xff"))
		return err
	})
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestActiveCount_NeverNegative(t *testing.T) {
	db := testDB(t)
	err := db.Update(context.Background(), func(tx *Tx) error {
		return tx.AdjustActiveCount(-1)
	})
	if err == nil {
		t.Fatal("expected check constraint failure for negative count")
	}
}

func TestSlashings(t *testing.T) {
	db := testDB(t)
	a := common.HexToAddress("0x0a")
	update(t, db, func(tx *Tx) error {
		if err := tx.InsertOperator(&Operator{Address: a, Stake: 100, Active: true, BLSPublicKey: []byte{1}}); err != nil {
			return err
		}
		if err := tx.InsertSlashing(&Slashing{Operator: a, Amount: 10, Reason: "late", StakeAfter: 90}); err != nil {
			return err
		}
		return tx.InsertSlashing(&Slashing{Operator: a, Amount: 20, Reason: "equivocation", StakeAfter: 70})
	})

	db.View(context.Background(), func(tx *Tx) error {
		got, err := tx.ListSlashings(a)
		if err != nil {
			t.Fatalf("ListSlashings: %v", err)
		}
		if len(got) != 2 || got[0].Reason != "late" || got[1].StakeAfter != 70 {
			t.Fatalf("unexpected slashings %+v", got)
		}
		return nil
	})
}

func TestTaskAndResponses(t *testing.T) {
	db := testDB(t)
	op := common.HexToAddress("0x0a")
	var id uint64

	update(t, db, func(tx *Tx) error {
		task := &Task{
			PolicyID: 5, Attempt: 1, TaskHash: common.HexToHash("0x01"), Payout: 36,
			QuorumThresholdBps: 6000, Status: TaskCreated, CreatedAt: 10, ExpiresAt: 20,
		}
		if err := tx.InsertTask(task); err != nil {
			return err
		}
		id = task.ID
		return tx.InsertResponse(&TaskResponse{TaskID: id, Operator: op, Signature: []byte{9}, BlockHeight: 3})
	})

	// The same operator cannot respond twice.
	err := db.Update(context.Background(), func(tx *Tx) error {
		return tx.InsertResponse(&TaskResponse{TaskID: id, Operator: op})
	})
	if err == nil {
		t.Fatal("expected unique constraint failure for a second response")
	}

	db.View(context.Background(), func(tx *Tx) error {
		task, err := tx.GetTask(id)
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if task.TaskHash != common.HexToHash("0x01") || task.Payout != 36 || !task.Open() {
			t.Fatalf("unexpected task %+v", task)
		}
		rs, _ := tx.ListResponses(id)
		if len(rs) != 1 || rs[0].Seq != 1 || rs[0].Operator != op || rs[0].BlockHeight != 3 {
			t.Fatalf("unexpected responses %+v", rs)
		}
		has, _ := tx.HasResponse(id, op)
		if !has {
			t.Fatal("HasResponse should be true")
		}
		expired, _ := tx.ListExpiredOpenTasks(20)
		if len(expired) != 1 {
			t.Fatalf("expected one expired task, got %d", len(expired))
		}
		expired, _ = tx.ListExpiredOpenTasks(19)
		if len(expired) != 0 {
			t.Fatalf("task expired early")
		}
		return nil
	})

	update(t, db, func(tx *Tx) error {
		if err := tx.UpdateTaskStatus(id, TaskCompleted, 15); err != nil {
			return err
		}
		return tx.SetTaskSettlement(id, SettlementRejected, "ReserveRatioViolation")
	})
	db.View(context.Background(), func(tx *Tx) error {
		task, _ := tx.LatestTaskForPolicy(5)
		if task.Status != TaskCompleted || task.Settlement != SettlementRejected || task.Open() {
			t.Fatalf("unexpected task %+v", task)
		}
		expired, _ := tx.ListExpiredOpenTasks(100)
		if len(expired) != 0 {
			t.Fatal("completed tasks never expire")
		}
		return nil
	})
}

func TestSettlementsAndBalances(t *testing.T) {
	db := testDB(t)
	holder := common.HexToAddress("0xa1")

	update(t, db, func(tx *Tx) error {
		if err := tx.MarkSettled(&Settlement{PolicyID: 5, TaskID: 1, Amount: 36}); err != nil {
			return err
		}
		if err := tx.SetPolicyClaimsPaid(5, 36); err != nil {
			return err
		}
		_, err := tx.CreditBalance(holder, 36)
		return err
	})

	err := db.Update(context.Background(), func(tx *Tx) error {
		return tx.MarkSettled(&Settlement{PolicyID: 5, TaskID: 2, Amount: 1})
	})
	if err == nil {
		t.Fatal("settling twice should fail")
	}

	update(t, db, func(tx *Tx) error {
		settled, _ := tx.IsSettled(5)
		paid, _ := tx.PolicyClaimsPaid(5)
		bal, _ := tx.CreditBalance(holder, 4)
		if !settled || paid != 36 || bal != 40 {
			t.Fatalf("settled=%v paid=%d balance=%d", settled, paid, bal)
		}
		return tx.ClearSettlement(5)
	})

	db.View(context.Background(), func(tx *Tx) error {
		settled, _ := tx.IsSettled(5)
		if settled {
			t.Fatal("settlement should be cleared")
		}
		paid, _ := tx.PolicyClaimsPaid(99)
		if paid != 0 {
			t.Fatal("unknown policy should have paid 0")
		}
		return nil
	})
}

func TestPoolsPoliciesParams(t *testing.T) {
	db := testDB(t)
	pool := common.HexToAddress("0xb0")

	update(t, db, func(tx *Tx) error {
		if err := tx.InsertPool(&Pool{Pool: pool, MinReserveRatioBps: 2000, MaxClaimRatioBps: 10000, EmergencyLimit: 50}); err != nil {
			return err
		}
		if err := tx.UpsertPolicy(&Policy{PolicyID: 5, Holder: common.HexToAddress("0xa1"), Pool: pool, Coverage: 1000, Active: true}); err != nil {
			return err
		}
		return tx.InsertParams(&Params{QuorumThresholdBps: 6000, MinimumStake: 32, ChangedBy: "test"})
	})

	update(t, db, func(tx *Tx) error {
		p, err := tx.GetPool(pool)
		if err != nil {
			return err
		}
		p.TotalPremiums, p.Reserves = 100, 100
		if err := tx.UpdatePool(p); err != nil {
			return err
		}
		if err := tx.UpsertPolicy(&Policy{PolicyID: 5, Holder: common.HexToAddress("0xa1"), Pool: pool, Coverage: 2000}); err != nil {
			return err
		}
		return tx.InsertParams(&Params{QuorumThresholdBps: 7000, MinimumStake: 64, ChangedBy: "test"})
	})

	db.View(context.Background(), func(tx *Tx) error {
		p, _ := tx.GetPool(pool)
		if p.Reserves != 100 || p.MinReserveRatioBps != 2000 {
			t.Fatalf("unexpected pool %+v", p)
		}
		pol, _ := tx.GetPolicy(5)
		if pol.Coverage != 2000 || pol.Active || pol.Pool != pool {
			t.Fatalf("unexpected policy %+v", pol)
		}
		params, _ := tx.LatestParams()
		if params.Version != 2 || params.QuorumThresholdBps != 7000 {
			t.Fatalf("unexpected params %+v", params)
		}
		return nil
	})
}

func TestAuditLog(t *testing.T) {
	db := testDB(t)

	db.View(context.Background(), func(tx *Tx) error {
		last, err := tx.LastAudit()
		if err != nil || last != nil {
			t.Fatalf("empty log: last=%v err=%v", last, err)
		}
		return nil
	})

	update(t, db, func(tx *Tx) error {
		for i, kind := range []string{"operator.registered", "task.created", "operator.registered"} {
			r := &AuditRecord{
				Index: int64(i), ID: kind + string(rune('a'+i)), Kind: kind, Subject: "s",
				Payload: json.RawMessage(`{"n":1}`), Hash: "h",
			}
			if err := tx.AppendAudit(r); err != nil {
				return err
			}
		}
		return nil
	})

	db.View(context.Background(), func(tx *Tx) error {
		h, _ := tx.AuditHeight()
		if h != 3 {
			t.Fatalf("height = %d, want 3", h)
		}
		ops, _ := tx.ListAudit(AuditFilter{After: -1, Kind: "operator.registered"})
		if len(ops) != 2 || ops[1].Index != 2 {
			t.Fatalf("unexpected filtered records %+v", ops)
		}
		tail, _ := tx.ListAudit(AuditFilter{After: 0, Limit: 1})
		if len(tail) != 1 || tail[0].Index != 1 || string(tail[0].Payload) != `{"n":1}` {
			t.Fatalf("unexpected tail %+v", tail)
		}
		last, _ := tx.LastAudit()
		if last.Index != 2 {
			t.Fatalf("last index = %d", last.Index)
		}
		return nil
	})
}
