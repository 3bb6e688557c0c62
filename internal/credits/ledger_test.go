package credits

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryLedgerReserveAndRefund(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(map[string]int{"acct-1": 5})

	if err := l.Reserve(ctx, "acct-1", 3); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if got := l.Balance("acct-1"); got != 2 {
		t.Errorf("balance = %d, want 2", got)
	}

	if err := l.Refund(ctx, "acct-1", 1); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if got := l.Balance("acct-1"); got != 3 {
		t.Errorf("balance = %d, want 3", got)
	}
}

func TestMemoryLedgerInsufficient(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(map[string]int{"acct-1": 2})

	err := l.Reserve(ctx, "acct-1", 3)
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if got := l.Balance("acct-1"); got != 2 {
		t.Errorf("declined reservation must not change the balance, got %d", got)
	}
}

func TestMemoryLedgerInitialBalance(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedgerWithInitial(10)

	if err := l.Reserve(ctx, "never-seen", 4); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if got := l.Balance("never-seen"); got != 6 {
		t.Errorf("balance = %d, want 6", got)
	}
}

func TestMemoryLedgerUnknownAccount(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(nil)

	err := l.Reserve(ctx, "stranger", 1)
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits for unknown account, got %v", err)
	}
}
