package policy

import (
	"osm402/pkg/models"
)

// ComputePayout resolves a diff to a payout amount and tier label. Pure and
// deterministic: identical inputs always produce identical outputs.
//
// In fixed mode the fixed amount wins and the tier is empty. In tiered mode
// tiers are evaluated in declared order and the first whose predicate
// matches wins; a tier without a predicate always matches. No tier matching
// means a zero payout.
func ComputePayout(p *Policy, diff models.DiffSummary) (int64, string) {
	if p == nil {
		return 0, ""
	}
	if p.Payout.Mode == ModeFixed {
		return p.Payout.FixedAmountUsd, ""
	}
	for _, tier := range p.Payout.Tiers {
		if tierMatches(tier.Match, diff) {
			return tier.AmountUsd, tier.Name
		}
	}
	return 0, ""
}

func tierMatches(m *TierMatch, diff models.DiffSummary) bool {
	if m == nil {
		return true
	}
	if len(m.OnlyPaths) > 0 {
		for _, f := range diff.Files {
			if !matchAny(m.OnlyPaths, f) {
				return false
			}
		}
	}
	if len(m.AnyPaths) > 0 {
		found := false
		for _, f := range diff.Files {
			if matchAny(m.AnyPaths, f) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if m.MaxFilesChanged > 0 && len(diff.Files) > m.MaxFilesChanged {
		return false
	}
	if m.MaxAdditions > 0 && diff.Additions > m.MaxAdditions {
		return false
	}
	if m.MaxDeletions > 0 && diff.Deletions > m.MaxDeletions {
		return false
	}
	return true
}
