package mandate

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

// Protocol domain tag. The escrow contract recomputes these digests
// bit-for-bit, so the type strings below are a hard compatibility contract:
// changing a field name, order or primitive type breaks release verification.
const (
	ProtocolName    = "OSM402"
	ProtocolVersion = "1"

	intentTypeString = "Intent(chainId uint256,repoKeyHash bytes32,issueNumber uint256,asset address,cap uint256,expiry uint256,policyHash bytes32,nonce uint256)"
	cartTypeString   = "Cart(intentHash bytes32,mergeSha bytes32,prNumber uint256,recipient address,amount uint256,nonce uint256)"
)

var (
	ErrBadAddress = errors.New("invalid address format")
	ErrBadBytes32 = errors.New("invalid bytes32 hex")

	addressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
)

// Params fixes the verification domain. Explicit constructor input by
// design: nothing in this package reads ambient configuration.
type Params struct {
	ChainID           uint64
	VerifyingContract string
}

// Intent is the maintainer-authorized spending envelope for one issue.
// Immutable once signed.
type Intent struct {
	ChainID     uint64
	RepoKeyHash string
	IssueNumber int64
	Asset       string
	Cap         *big.Int
	Expiry      int64
	PolicyHash  string
	Nonce       uint64
}

// Cart is the agent-authorized specific payment. It is only meaningful in
// the context of the Intent it references.
type Cart struct {
	IntentHash string
	MergeSHA   string
	PRNumber   int64
	Recipient  string
	Amount     *big.Int
	Nonce      uint64
}

// ValidAddress reports whether s is a strict 0x-prefixed 40-hex-digit
// address.
func ValidAddress(s string) bool {
	return addressRe.MatchString(s)
}

// RepoKeyHash hashes a repository key ("owner/name") to a bytes32 value.
func RepoKeyHash(repoKey string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(repoKey))))
	return "0x" + hex.EncodeToString(sum[:])
}

// MergeSHAHash maps a git commit sha (hex string of any case) to bytes32.
func MergeSHAHash(sha string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(sha))))
	return "0x" + hex.EncodeToString(sum[:])
}

func domainSeparator(p Params) ([]byte, error) {
	contract, err := addressBytes(p.VerifyingContract)
	if err != nil {
		return nil, fmt.Errorf("verifying contract: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(ProtocolName))
	h.Write([]byte{'/'})
	h.Write([]byte(ProtocolVersion))
	h.Write(uint64Word(p.ChainID))
	h.Write(contract)
	return h.Sum(nil), nil
}

// HashIntent returns the 32-byte structural digest of an Intent under the
// given domain, 0x-hex encoded.
func HashIntent(p Params, in Intent) (string, error) {
	domain, err := domainSeparator(p)
	if err != nil {
		return "", err
	}
	repoKeyHash, err := bytes32(in.RepoKeyHash)
	if err != nil {
		return "", fmt.Errorf("repoKeyHash: %w", err)
	}
	asset, err := addressWord(in.Asset)
	if err != nil {
		return "", fmt.Errorf("asset: %w", err)
	}
	policyHash, err := bytes32(in.PolicyHash)
	if err != nil {
		return "", fmt.Errorf("policyHash: %w", err)
	}
	typeHash := sha256.Sum256([]byte(intentTypeString))
	h := sha256.New()
	h.Write(domain)
	h.Write(typeHash[:])
	h.Write(uint64Word(in.ChainID))
	h.Write(repoKeyHash)
	h.Write(uint64Word(uint64(in.IssueNumber)))
	h.Write(asset)
	h.Write(bigWord(in.Cap))
	h.Write(uint64Word(uint64(in.Expiry)))
	h.Write(policyHash)
	h.Write(uint64Word(in.Nonce))
	return "0x" + hex.EncodeToString(h.Sum(nil)), nil
}

// HashCart returns the 32-byte structural digest of a Cart under the given
// domain, 0x-hex encoded.
func HashCart(p Params, c Cart) (string, error) {
	domain, err := domainSeparator(p)
	if err != nil {
		return "", err
	}
	intentHash, err := bytes32(c.IntentHash)
	if err != nil {
		return "", fmt.Errorf("intentHash: %w", err)
	}
	mergeSha, err := bytes32(c.MergeSHA)
	if err != nil {
		return "", fmt.Errorf("mergeSha: %w", err)
	}
	recipient, err := addressWord(c.Recipient)
	if err != nil {
		return "", fmt.Errorf("recipient: %w", err)
	}
	typeHash := sha256.Sum256([]byte(cartTypeString))
	h := sha256.New()
	h.Write(domain)
	h.Write(typeHash[:])
	h.Write(intentHash)
	h.Write(mergeSha)
	h.Write(uint64Word(uint64(c.PRNumber)))
	h.Write(recipient)
	h.Write(bigWord(c.Amount))
	h.Write(uint64Word(c.Nonce))
	return "0x" + hex.EncodeToString(h.Sum(nil)), nil
}

// DeriveEscrowAddress deterministically maps (repoKeyHash, issueNumber,
// policyHash) to an escrow address. Pure: identical inputs always yield the
// same address, and distinct (repo, issue) pairs never collide short of a
// sha256 collision.
func DeriveEscrowAddress(repoKeyHash string, issueNumber int64, policyHash string) (string, error) {
	rk, err := bytes32(repoKeyHash)
	if err != nil {
		return "", fmt.Errorf("repoKeyHash: %w", err)
	}
	ph, err := bytes32(policyHash)
	if err != nil {
		return "", fmt.Errorf("policyHash: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(ProtocolName + "/escrow/" + ProtocolVersion))
	h.Write(rk)
	h.Write(uint64Word(uint64(issueNumber)))
	h.Write(ph)
	sum := h.Sum(nil)
	return "0x" + hex.EncodeToString(sum[len(sum)-20:]), nil
}

func uint64Word(v uint64) []byte {
	word := make([]byte, 32)
	binary.BigEndian.PutUint64(word[24:], v)
	return word
}

func bigWord(v *big.Int) []byte {
	word := make([]byte, 32)
	if v == nil || v.Sign() <= 0 {
		return word
	}
	b := v.Bytes()
	if len(b) > 32 {
		b = b[len(b)-32:]
	}
	copy(word[32-len(b):], b)
	return word
}

func bytes32(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return nil, ErrBadBytes32
	}
	return b, nil
}

func addressBytes(s string) ([]byte, error) {
	if !ValidAddress(strings.TrimSpace(s)) {
		return nil, ErrBadAddress
	}
	b, _ := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	return b, nil
}

func addressWord(s string) ([]byte, error) {
	b, err := addressBytes(s)
	if err != nil {
		return nil, err
	}
	word := make([]byte, 32)
	copy(word[12:], b)
	return word, nil
}
