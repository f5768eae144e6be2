package policy

import (
	"testing"

	"osm402/pkg/models"
)

func tieredFixture() *Policy {
	return &Policy{
		Version: 1,
		Payout: PayoutBlock{
			Mode: ModeTiered,
			Tiers: []Tier{
				{Name: "docs", AmountUsd: 1, Match: &TierMatch{OnlyPaths: []string{"README.md", "docs/**"}}},
				{Name: "simple_fix", AmountUsd: 5, Match: &TierMatch{MaxFilesChanged: 5, MaxAdditions: 60, MaxDeletions: 60}},
				{Name: "security_patch", AmountUsd: 50, Match: &TierMatch{AnyPaths: []string{"src/auth/**"}}},
			},
		},
	}
}

func TestComputePayoutDocsTier(t *testing.T) {
	amount, tier := ComputePayout(tieredFixture(), models.DiffSummary{Files: []string{"docs/guide.md"}, Additions: 5, Deletions: 2})
	if tier != "docs" || amount != 1 {
		t.Fatalf("got tier=%q amount=%d", tier, amount)
	}
}

func TestComputePayoutFirstMatchWinsInDeclaredOrder(t *testing.T) {
	// Touches src/auth but fails simple_fix size limits; security_patch
	// still wins because earlier tiers did not match.
	diff := models.DiffSummary{Files: []string{"src/auth/login.ts", "src/app.ts"}, Additions: 100, Deletions: 50}
	amount, tier := ComputePayout(tieredFixture(), diff)
	if tier != "security_patch" || amount != 50 {
		t.Fatalf("got tier=%q amount=%d", tier, amount)
	}
}

func TestComputePayoutNoTierMatches(t *testing.T) {
	diff := models.DiffSummary{Files: []string{"src/app.ts"}, Additions: 100, Deletions: 50}
	amount, tier := ComputePayout(tieredFixture(), diff)
	if tier != "" || amount != 0 {
		t.Fatalf("expected zero payout, got tier=%q amount=%d", tier, amount)
	}
}

func TestComputePayoutDeterministic(t *testing.T) {
	p := tieredFixture()
	diff := models.DiffSummary{Files: []string{"docs/a.md", "README.md"}, Additions: 3}
	firstAmount, firstTier := ComputePayout(p, diff)
	for i := 0; i < 50; i++ {
		amount, tier := ComputePayout(p, diff)
		if amount != firstAmount || tier != firstTier {
			t.Fatalf("nondeterministic result on call %d: %d/%q", i, amount, tier)
		}
	}
}

func TestComputePayoutFixedMode(t *testing.T) {
	p := &Policy{Payout: PayoutBlock{Mode: ModeFixed, FixedAmountUsd: 25}}
	amount, tier := ComputePayout(p, models.DiffSummary{Files: []string{"anything.go"}})
	if amount != 25 || tier != "" {
		t.Fatalf("fixed mode got amount=%d tier=%q", amount, tier)
	}
}

func TestComputePayoutTierWithoutPredicateAlwaysMatches(t *testing.T) {
	p := &Policy{Payout: PayoutBlock{Mode: ModeTiered, Tiers: []Tier{{Name: "catchall", AmountUsd: 3}}}}
	amount, tier := ComputePayout(p, models.DiffSummary{Files: []string{"x/y/z.rs"}, Additions: 9999})
	if tier != "catchall" || amount != 3 {
		t.Fatalf("got tier=%q amount=%d", tier, amount)
	}
}

func TestMatchGlob(t *testing.T) {
	cases := []struct {
		pattern, name string
		want          bool
	}{
		{"docs/**", "docs/guide.md", true},
		{"docs/**", "docs/a/b/c.md", true},
		{"docs/**", "src/docs.md", false},
		{"README.md", "README.md", true},
		{"README.md", "readme.md", false},
		{"src/auth/**", "src/auth/login.ts", true},
		{"src/auth/**", "src/authx/login.ts", false},
		{"**/*.lock", "deep/nested/Cargo.lock", true},
		{"*.md", "notes.md", true},
		{"*.md", "docs/notes.md", false},
		{".github/workflows/**", ".github/workflows/ci.yml", true},
	}
	for _, c := range cases {
		if got := matchGlob(c.pattern, c.name); got != c.want {
			t.Fatalf("matchGlob(%q, %q) = %v, want %v", c.pattern, c.name, got, c.want)
		}
	}
}
