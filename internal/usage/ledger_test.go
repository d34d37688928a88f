package usage

import (
	"math"
	"testing"
)

func TestLedger_TrackAggregates(t *testing.T) {
	ledger := NewLedger(Rates{Currency: "EUR", InputPerKTokens: 0.5, OutputPerKTokens: 1.5})

	ledger.Track("architect", "chat", 1000, 200)
	ledger.Track("architect", "chat", 500, 100)
	ledger.Track("builder", "finalize", 2000, 400)

	snap := ledger.Snapshot()
	if snap.Total.Input != 3500 || snap.Total.Output != 700 || snap.Total.Total != 4200 {
		t.Fatalf("Total=%+v, want input=3500 output=700 total=4200", snap.Total)
	}
	if snap.Calls != 3 {
		t.Errorf("Expected 3 calls, got %d", snap.Calls)
	}
	if got := snap.ByRole["architect"]; got.Total != 1800 {
		t.Errorf("ByRole[architect]=%+v, want total=1800", got)
	}
	if got := snap.ByRole["builder"]; got.Total != 2400 {
		t.Errorf("ByRole[builder]=%+v, want total=2400", got)
	}

	// 3500 input at 0.5/1k plus 700 output at 1.5/1k.
	wantCost := 3500.0/1000*0.5 + 700.0/1000*1.5
	if math.Abs(snap.Total.Cost-wantCost) > 1e-9 {
		t.Errorf("Cost=%f, want %f", snap.Total.Cost, wantCost)
	}
	if snap.Currency != "EUR" {
		t.Errorf("Currency=%q, want EUR", snap.Currency)
	}
}

func TestLedger_Reset(t *testing.T) {
	ledger := NewLedger(Rates{Currency: "EUR"})
	ledger.Track("summary", "chat", 10, 5)

	ledger.Reset()
	snap := ledger.Snapshot()
	if snap.Total.Total != 0 || snap.Calls != 0 || len(snap.ByRole) != 0 {
		t.Errorf("Expected empty ledger after reset, got %+v", snap)
	}
}

func TestLedger_SnapshotIsCopy(t *testing.T) {
	ledger := NewLedger(Rates{Currency: "EUR"})
	ledger.Track("architect", "chat", 10, 5)

	snap := ledger.Snapshot()
	snap.ByRole["architect"] = TokenCounts{Input: 999}

	if got := ledger.Snapshot().ByRole["architect"]; got.Input != 10 {
		t.Errorf("Snapshot mutation leaked into ledger: %+v", got)
	}
}
