package solana

import "testing"

func TestFindBalancePair(t *testing.T) {
	pre := []TokenBalance{
		{AccountIndex: 2, Mint: "usdc", Owner: "merchant", Amount: "100000000"},
		{AccountIndex: 1, Mint: "usdc", Owner: "merchant", Amount: "0"},
		{AccountIndex: 3, Mint: "usdc", Owner: "payer", Amount: "50000000"},
	}
	post := []TokenBalance{
		{AccountIndex: 1, Mint: "usdc", Owner: "merchant", Amount: "10000000"},
		{AccountIndex: 2, Mint: "usdc", Owner: "merchant", Amount: "100000000"},
		{AccountIndex: 3, Mint: "usdc", Owner: "payer", Amount: "40000000"},
	}

	tests := []struct {
		name      string
		pre, post []TokenBalance
		owner     string
		mint      string
		wantIndex int
		wantPre   string
		wantPost  string
		wantOK    bool
	}{
		{"pairs by account index", pre, post, "merchant", "usdc", 1, "0", "10000000", true},
		{"any mint", pre, post, "payer", "", 3, "50000000", "40000000", true},
		{"other mint", pre, post, "merchant", "sol", 0, "", "", false},
		{"missing pre entry", pre[2:], post[:1], "merchant", "usdc", 0, "", "", false},
		{"skips unpaired account", pre[:1], post, "merchant", "usdc", 2, "100000000", "100000000", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before, after, ok := FindBalancePair(tt.pre, tt.post, tt.owner, tt.mint)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if before.AccountIndex != tt.wantIndex || after.AccountIndex != tt.wantIndex {
				t.Errorf("indices = %d/%d, want %d", before.AccountIndex, after.AccountIndex, tt.wantIndex)
			}
			if before.Amount != tt.wantPre || after.Amount != tt.wantPost {
				t.Errorf("amounts = %s -> %s, want %s -> %s", before.Amount, after.Amount, tt.wantPre, tt.wantPost)
			}
		})
	}
}
