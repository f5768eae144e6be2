package webhook

import (
	"regexp"
	"strconv"

	"osm402/pkg/mandate"
)

// Claim command grammar, matched anywhere in free text, case-insensitive.
// Accepted forms: "/osm402 address 0x…", "osm402:address 0x…", and the
// legacy "/x402 address 0x…" alias. First match wins; the address must be
// strict 0x+40 hex or the whole extraction is treated as absent.
var claimRe = regexp.MustCompile(`(?i)(?:/osm402\s+address|osm402:address|/x402\s+address)\s+(0x[0-9a-fA-F]{40})\b`)

// Closing references in PR bodies: "closes #7", "fixes: #12", "resolved #3".
var closingRefRe = regexp.MustCompile(`(?i)\b(?:close[sd]?|fix(?:e[sd])?|resolve[sd]?)\s*:?\s+#(\d+)`)

// ExtractClaimAddress returns the payout address claimed in text, or ""
// when no well-formed claim is present.
func ExtractClaimAddress(text string) string {
	m := claimRe.FindStringSubmatch(text)
	if len(m) != 2 {
		return ""
	}
	if !mandate.ValidAddress(m[1]) {
		return ""
	}
	return m[1]
}

// ExtractLinkedIssue scans free text for a closing reference and returns
// the issue number, or 0 when none is found.
func ExtractLinkedIssue(text string) int64 {
	m := closingRefRe.FindStringSubmatch(text)
	if len(m) != 2 {
		return 0
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || n <= 0 {
		return 0
	}
	return n
}
