package policy

import (
	"fmt"
	"strings"

	"osm402/pkg/models"
)

// HoldInputs carries the merge-time facts the hold rules consume beyond the
// diff itself.
type HoldInputs struct {
	// NewDependencies lists dependency names introduced by the change.
	NewDependencies []string
	// CoverageDelta is the observed coverage change in percentage points;
	// negative means a drop.
	CoverageDelta float64
	// PassedChecks are check-run names that completed successfully.
	PassedChecks []string
}

// EvaluateHold runs every configured hold rule, in order, and never
// short-circuits: all triggered reasons accumulate, followed by missing
// required checks and then the advisory risk flags 1:1. shouldHold is true
// iff the reason list is non-empty; the list is always returned for
// operator visibility either way.
func EvaluateHold(p *Policy, diff models.DiffSummary, in HoldInputs, flags []models.RiskFlag) (bool, []string) {
	reasons := []string{}
	if p != nil {
		for _, rule := range p.Hold {
			if reason, hit := evalRule(rule, diff, in); hit {
				reasons = append(reasons, reason)
			}
		}
		for _, check := range missingChecks(p.RequiredChecks, in.PassedChecks) {
			reasons = append(reasons, "required check missing: "+check)
		}
	}
	for _, flag := range flags {
		reasons = append(reasons, flag.Reason())
	}
	return len(reasons) > 0, reasons
}

func evalRule(rule HoldRule, diff models.DiffSummary, in HoldInputs) (string, bool) {
	switch rule.Type {
	case RuleTouchesPaths:
		matched := []string{}
		for _, f := range diff.Files {
			if matchAny(rule.AnyPaths, f) {
				matched = append(matched, f)
			}
		}
		if len(matched) == 0 {
			return "", false
		}
		return "touches sensitive paths: " + strings.Join(matched, ", "), true
	case RuleNewDependencies:
		if len(in.NewDependencies) == 0 {
			return "", false
		}
		return "introduces new dependencies: " + strings.Join(in.NewDependencies, ", "), true
	case RuleCoverageDrop:
		drop := -in.CoverageDelta
		if drop <= rule.GtPercent {
			return "", false
		}
		return fmt.Sprintf("coverage drop %.1f%% exceeds threshold %.1f%%", drop, rule.GtPercent), true
	default:
		return "", false
	}
}

func missingChecks(required, passed []string) []string {
	if len(required) == 0 {
		return nil
	}
	passedSet := make(map[string]struct{}, len(passed))
	for _, c := range passed {
		passedSet[strings.TrimSpace(c)] = struct{}{}
	}
	missing := []string{}
	for _, c := range required {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, ok := passedSet[c]; !ok {
			missing = append(missing, c)
		}
	}
	return missing
}
