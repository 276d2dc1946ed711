package storage

import (
	"context"
	"testing"
)

func TestCommandClaimFIFO(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()
	testClient(t, s, "host01")

	for i, id := range []string{"c1", "c2", "c3"} {
		if err := s.CreateCommand(ctx, &Command{
			ID:          id,
			AgentID:     "host01",
			CommandType: "system_info",
			CreatedAt:   int64(100 + i),
		}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	claimed, err := s.ClaimPendingCommands(ctx, "host01", 200)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 3 {
		t.Fatalf("expected 3 claimed, got %d", len(claimed))
	}
	for i, want := range []string{"c1", "c2", "c3"} {
		if claimed[i].ID != want {
			t.Fatalf("claim order at %d: got %s want %s", i, claimed[i].ID, want)
		}
		if claimed[i].Status != CommandDelivered || claimed[i].DeliveredAt == nil {
			t.Fatalf("claimed command %s not marked delivered: %+v", want, claimed[i])
		}
	}

	// Claiming again returns nothing: delivery happened exactly once.
	again, err := s.ClaimPendingCommands(ctx, "host01", 201)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected empty second claim, got %d", len(again))
	}
}

func TestCommandTerminalStatesAreFinal(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()
	testClient(t, s, "host01")

	if err := s.CreateCommand(ctx, &Command{ID: "c1", AgentID: "host01", CommandType: "fan_control", CreatedAt: 100}); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Completing a pending command is a conflict: only delivered or
	// executing commands accept results.
	err := s.CompleteCommand(ctx, "c1", "host01", CommandCompleted, `{"applied":true}`, "", 150)
	if err != ErrConflict {
		t.Fatalf("expected conflict completing pending command, got %v", err)
	}

	if _, err := s.ClaimPendingCommands(ctx, "host01", 150); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.CompleteCommand(ctx, "c1", "host01", CommandCompleted, `{"applied":true}`, "", 160); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// Terminal is terminal.
	err = s.CompleteCommand(ctx, "c1", "host01", CommandFailed, "", "late failure", 170)
	if err != ErrConflict {
		t.Fatalf("expected conflict on terminal transition, got %v", err)
	}
	got, err := s.GetCommand(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != CommandCompleted {
		t.Fatalf("terminal status changed to %s", got.Status)
	}
}

func TestCommandOwnershipEnforced(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()
	testClient(t, s, "host01")
	testClient(t, s, "host02")

	if err := s.CreateCommand(ctx, &Command{ID: "c1", AgentID: "host01", CommandType: "reboot", CreatedAt: 100}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.ClaimPendingCommands(ctx, "host01", 110); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Another agent cannot transition someone else's command.
	err := s.CompleteCommand(ctx, "c1", "host02", CommandCompleted, "{}", "", 120)
	if err != ErrConflict {
		t.Fatalf("expected conflict for foreign agent, got %v", err)
	}

	if err := s.CompleteCommand(ctx, "missing", "host01", CommandCompleted, "{}", "", 120); err != ErrNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestExpireCommands(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()
	testClient(t, s, "host01")

	if err := s.CreateCommand(ctx, &Command{ID: "old", AgentID: "host01", CommandType: "reboot", CreatedAt: 100}); err != nil {
		t.Fatalf("create old: %v", err)
	}
	if err := s.CreateCommand(ctx, &Command{ID: "fresh", AgentID: "host01", CommandType: "reboot", CreatedAt: 900}); err != nil {
		t.Fatalf("create fresh: %v", err)
	}
	if err := s.CreateCommand(ctx, &Command{ID: "done", AgentID: "host01", CommandType: "reboot", CreatedAt: 50, Status: CommandCompleted}); err != nil {
		t.Fatalf("create done: %v", err)
	}

	expired, err := s.ExpireCommands(ctx, 500)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected 1 expired, got %d", expired)
	}

	old, _ := s.GetCommand(ctx, "old")
	fresh, _ := s.GetCommand(ctx, "fresh")
	done, _ := s.GetCommand(ctx, "done")
	if old.Status != CommandExpired || fresh.Status != CommandPending || done.Status != CommandCompleted {
		t.Fatalf("unexpected statuses: old=%s fresh=%s done=%s", old.Status, fresh.Status, done.Status)
	}

	pruned, err := s.DeleteTerminalCommandsBefore(ctx, 500)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	// old (expired, created 100) and done (completed, created 50).
	if pruned != 2 {
		t.Fatalf("expected 2 pruned, got %d", pruned)
	}
}

func TestLeaseMutualExclusion(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	ok, err := s.AcquireLease(ctx, "retention", "holder-a", 100, 60)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}

	// A second holder is locked out while the lease is live.
	ok, err = s.AcquireLease(ctx, "retention", "holder-b", 110, 60)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatalf("expected second holder to be rejected")
	}

	// Re-entrant acquire by the same holder extends.
	ok, err = s.AcquireLease(ctx, "retention", "holder-a", 120, 60)
	if err != nil || !ok {
		t.Fatalf("re-acquire: ok=%v err=%v", ok, err)
	}

	// Expiry frees it.
	ok, err = s.AcquireLease(ctx, "retention", "holder-b", 300, 60)
	if err != nil || !ok {
		t.Fatalf("acquire after expiry: ok=%v err=%v", ok, err)
	}

	if err := s.ReleaseLease(ctx, "retention", "holder-b"); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, err = s.AcquireLease(ctx, "retention", "holder-a", 301, 60)
	if err != nil || !ok {
		t.Fatalf("acquire after release: ok=%v err=%v", ok, err)
	}
}
