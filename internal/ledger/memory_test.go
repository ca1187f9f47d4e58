package ledger

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	carol = common.HexToAddress("0x00000000000000000000000000000000000000c0")
)

func TestMemoryExecuteIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := m.Seed(ctx, alice, big.NewInt(100)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	err := m.Execute(ctx, []Transfer{
		{From: alice, To: bob, Amount: big.NewInt(60)},
		{From: alice, To: carol, Amount: big.NewInt(60)},
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}

	for addr, want := range map[common.Address]int64{alice: 100, bob: 0, carol: 0} {
		got, _ := m.Balance(ctx, addr)
		if got.Int64() != want {
			t.Fatalf("balance of %s: expected %d, got %s", addr.Hex(), want, got)
		}
	}
}

func TestMemoryExecuteChainsWithinBatch(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.Seed(ctx, alice, big.NewInt(10))

	err := m.Execute(ctx, []Transfer{
		{From: alice, To: bob, Amount: big.NewInt(10)},
		{From: bob, To: carol, Amount: big.NewInt(4)},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	got, _ := m.Balance(ctx, bob)
	if got.Int64() != 6 {
		t.Fatalf("expected bob to hold 6, got %s", got)
	}
}

func TestSeedDoesNotOverwrite(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.Seed(ctx, alice, big.NewInt(5))
	_ = m.Seed(ctx, alice, big.NewInt(500))
	got, _ := m.Balance(ctx, alice)
	if got.Int64() != 5 {
		t.Fatalf("expected seed to keep 5, got %s", got)
	}
}

func TestReverseUndoesBatch(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.Seed(ctx, alice, big.NewInt(50))
	batch := []Transfer{
		{From: alice, To: bob, Amount: big.NewInt(20)},
		{From: bob, To: carol, Amount: big.NewInt(5)},
	}
	if err := m.Execute(ctx, batch); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if err := m.Execute(ctx, Reverse(batch)); err != nil {
		t.Fatalf("reverse: %v", err)
	}
	got, _ := m.Balance(ctx, alice)
	if got.Int64() != 50 {
		t.Fatalf("expected alice restored to 50, got %s", got)
	}
}

func TestExecuteRejectsInvalidTransfers(t *testing.T) {
	m := NewMemory()
	err := m.Execute(context.Background(), []Transfer{{From: alice, To: alice, Amount: big.NewInt(1)}})
	if !errors.Is(err, ErrInvalidTransfer) {
		t.Fatalf("expected invalid transfer, got %v", err)
	}
	err = m.Execute(context.Background(), []Transfer{{From: alice, To: bob}})
	if !errors.Is(err, ErrInvalidTransfer) {
		t.Fatalf("expected invalid transfer for nil amount, got %v", err)
	}
}
