package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"osm402/pkg/models"
)

const (
	ModeFixed  = "fixed"
	ModeTiered = "tiered"
)

// Hold rule kinds.
const (
	RuleTouchesPaths    = "touches_paths"
	RuleNewDependencies = "new_dependencies"
	RuleCoverageDrop    = "coverage_drop"
)

var ErrInvalidPolicy = errors.New("invalid policy document")

// Policy is the declarative per-repository payout policy. It is data, not
// code: the evaluator in payout.go and hold.go interprets it.
type Policy struct {
	Version        int         `yaml:"version" json:"version"`
	RequiredChecks []string    `yaml:"requiredChecks,omitempty" json:"requiredChecks,omitempty"`
	Payout         PayoutBlock `yaml:"payout" json:"payout"`
	Hold           []HoldRule  `yaml:"hold,omitempty" json:"hold,omitempty"`
	Claims         ClaimConfig `yaml:"claims,omitempty" json:"claims,omitempty"`
}

type PayoutBlock struct {
	Mode           string `yaml:"mode" json:"mode"`
	FixedAmountUsd int64  `yaml:"fixedAmountUsd,omitempty" json:"fixedAmountUsd,omitempty"`
	Tiers          []Tier `yaml:"tiers,omitempty" json:"tiers,omitempty"`
}

type Tier struct {
	Name      string     `yaml:"name" json:"name"`
	AmountUsd int64      `yaml:"amountUsd" json:"amountUsd"`
	Match     *TierMatch `yaml:"match,omitempty" json:"match,omitempty"`
}

// TierMatch is a tier predicate. A nil predicate always matches.
type TierMatch struct {
	OnlyPaths       []string `yaml:"onlyPaths,omitempty" json:"onlyPaths,omitempty"`
	AnyPaths        []string `yaml:"anyPaths,omitempty" json:"anyPaths,omitempty"`
	MaxFilesChanged int      `yaml:"maxFilesChanged,omitempty" json:"maxFilesChanged,omitempty"`
	MaxAdditions    int      `yaml:"maxAdditions,omitempty" json:"maxAdditions,omitempty"`
	MaxDeletions    int      `yaml:"maxDeletions,omitempty" json:"maxDeletions,omitempty"`
}

type HoldRule struct {
	Type      string   `yaml:"type" json:"type"`
	AnyPaths  []string `yaml:"anyPaths,omitempty" json:"anyPaths,omitempty"`
	GtPercent float64  `yaml:"gtPercent,omitempty" json:"gtPercent,omitempty"`
}

type ClaimConfig struct {
	AllowIssueComments bool     `yaml:"allowIssueComments,omitempty" json:"allowIssueComments,omitempty"`
	Aliases            []string `yaml:"aliases,omitempty" json:"aliases,omitempty"`
}

// Parse decodes a YAML policy document and validates the fields the
// evaluator depends on.
func Parse(raw []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	mode := strings.ToLower(strings.TrimSpace(p.Payout.Mode))
	switch mode {
	case ModeFixed:
		if p.Payout.FixedAmountUsd < 0 {
			return nil, fmt.Errorf("%w: negative fixed amount", ErrInvalidPolicy)
		}
	case ModeTiered:
		for i, tier := range p.Payout.Tiers {
			if tier.AmountUsd < 0 {
				return nil, fmt.Errorf("%w: tier %d has negative amount", ErrInvalidPolicy, i)
			}
		}
	default:
		return nil, fmt.Errorf("%w: payout mode %q", ErrInvalidPolicy, p.Payout.Mode)
	}
	p.Payout.Mode = mode
	for i, rule := range p.Hold {
		switch strings.ToLower(strings.TrimSpace(rule.Type)) {
		case RuleTouchesPaths, RuleNewDependencies, RuleCoverageDrop:
			p.Hold[i].Type = strings.ToLower(strings.TrimSpace(rule.Type))
		default:
			return nil, fmt.Errorf("%w: hold rule %q", ErrInvalidPolicy, rule.Type)
		}
	}
	return &p, nil
}

// Default is the fallback policy used when a repository has no policy
// document or its document fails to parse: a single fixed payout at the
// issue's bounty cap, holding on CI workflow and lockfile changes.
func Default(capUsd int64) *Policy {
	return &Policy{
		Version: 1,
		Payout:  PayoutBlock{Mode: ModeFixed, FixedAmountUsd: capUsd},
		Hold: []HoldRule{
			{Type: RuleTouchesPaths, AnyPaths: []string{
				".github/workflows/**",
				"package-lock.json",
				"yarn.lock",
				"pnpm-lock.yaml",
				"go.sum",
				"Cargo.lock",
			}},
		},
	}
}

// Hash returns the 0x-prefixed sha256 of the canonicalized document. The raw
// YAML is decoded to a generic value first so that key order and formatting
// never affect the digest.
func Hash(raw []byte) (string, error) {
	var v interface{}
	if err := yaml.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	jsonRaw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	canon, err := models.CanonicalizeJSONAllowFloat(jsonRaw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return "0x" + hex.EncodeToString(sum[:]), nil
}

// HashPolicy hashes an in-memory policy, used for the default fallback where
// no raw document exists.
func HashPolicy(p *Policy) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	canon, err := models.CanonicalizeJSONAllowFloat(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return "0x" + hex.EncodeToString(sum[:]), nil
}
