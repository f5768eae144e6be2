package mandate

import (
	"math/big"
	"strings"
	"testing"
)

var testParams = Params{
	ChainID:           8453,
	VerifyingContract: "0x" + strings.Repeat("ab", 20),
}

func testIntent() Intent {
	return Intent{
		ChainID:     testParams.ChainID,
		RepoKeyHash: RepoKeyHash("acme/widget"),
		IssueNumber: 7,
		Asset:       "0x" + strings.Repeat("11", 20),
		Cap:         big.NewInt(50_000_000),
		Expiry:      1_900_000_000,
		PolicyHash:  "0x" + strings.Repeat("22", 32),
		Nonce:       1,
	}
}

func TestHashIntentStable(t *testing.T) {
	in := testIntent()
	first, err := HashIntent(testParams, in)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !strings.HasPrefix(first, "0x") || len(first) != 66 {
		t.Fatalf("digest is not 32 bytes hex: %q", first)
	}
	for i := 0; i < 10; i++ {
		got, err := HashIntent(testParams, in)
		if err != nil || got != first {
			t.Fatalf("unstable digest: %q vs %q (%v)", got, first, err)
		}
	}
}

func TestHashIntentEveryFieldMatters(t *testing.T) {
	base, _ := HashIntent(testParams, testIntent())
	mutations := map[string]Intent{}
	m := testIntent()
	m.IssueNumber = 8
	mutations["issueNumber"] = m
	m = testIntent()
	m.Cap = big.NewInt(50_000_001)
	mutations["cap"] = m
	m = testIntent()
	m.Expiry++
	mutations["expiry"] = m
	m = testIntent()
	m.Nonce++
	mutations["nonce"] = m
	m = testIntent()
	m.RepoKeyHash = RepoKeyHash("acme/other")
	mutations["repoKeyHash"] = m
	m = testIntent()
	m.PolicyHash = "0x" + strings.Repeat("33", 32)
	mutations["policyHash"] = m
	m = testIntent()
	m.Asset = "0x" + strings.Repeat("12", 20)
	mutations["asset"] = m
	for field, in := range mutations {
		got, err := HashIntent(testParams, in)
		if err != nil {
			t.Fatalf("%s: %v", field, err)
		}
		if got == base {
			t.Fatalf("changing %s did not change the digest", field)
		}
	}
	otherDomain := testParams
	otherDomain.ChainID = 1
	in := testIntent()
	in.ChainID = 1
	got, _ := HashIntent(otherDomain, in)
	if got == base {
		t.Fatal("changing chain id did not change the digest")
	}
}

func TestHashCartBindsToIntent(t *testing.T) {
	intentHash, _ := HashIntent(testParams, testIntent())
	cart := Cart{
		IntentHash: intentHash,
		MergeSHA:   MergeSHAHash("0d1e2f"),
		PRNumber:   12,
		Recipient:  "0x" + strings.Repeat("44", 20),
		Amount:     big.NewInt(5_000_000),
		Nonce:      1,
	}
	base, err := HashCart(testParams, cart)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	cart.Nonce = 2
	changed, _ := HashCart(testParams, cart)
	if changed == base {
		t.Fatal("nonce change did not change cart digest")
	}
	cart.Nonce = 1
	cart.Amount = big.NewInt(5_000_001)
	changed, _ = HashCart(testParams, cart)
	if changed == base {
		t.Fatal("amount change did not change cart digest")
	}
}

func TestDeriveEscrowAddressDeterministic(t *testing.T) {
	rk := RepoKeyHash("acme/widget")
	ph := "0x" + strings.Repeat("22", 32)
	first, err := DeriveEscrowAddress(rk, 7, ph)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if !ValidAddress(first) {
		t.Fatalf("derived value is not an address: %q", first)
	}
	again, _ := DeriveEscrowAddress(rk, 7, ph)
	if again != first {
		t.Fatalf("derivation not idempotent: %q vs %q", again, first)
	}
	other, _ := DeriveEscrowAddress(rk, 8, ph)
	if other == first {
		t.Fatal("issue number change did not change the address")
	}
	other, _ = DeriveEscrowAddress(RepoKeyHash("acme/other"), 7, ph)
	if other == first {
		t.Fatal("repo change did not change the address")
	}
	other, _ = DeriveEscrowAddress(rk, 7, "0x"+strings.Repeat("23", 32))
	if other == first {
		t.Fatal("policy hash change did not change the address")
	}
}

func TestValidAddress(t *testing.T) {
	if !ValidAddress("0x" + strings.Repeat("aB", 20)) {
		t.Fatal("mixed-case address rejected")
	}
	for _, bad := range []string{"", "0x", "0x123", strings.Repeat("ab", 20), "0x" + strings.Repeat("g", 40), "0x" + strings.Repeat("a", 41)} {
		if ValidAddress(bad) {
			t.Fatalf("accepted invalid address %q", bad)
		}
	}
}
