package mandate

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Signing modes.
const (
	ModeEd25519 = "ed25519"
	ModeMock    = "mock"
)

var (
	ErrBadSignature = errors.New("invalid mandate signature")
	ErrBadKey       = errors.New("invalid signing key")
)

// Signer produces a signature over a mandate digest. Two independent
// signers are used by design: the maintainer key signs Intents, the agent
// key signs Carts. Compromising the agent key alone cannot exceed the
// maintainer-authorized cap.
type Signer interface {
	Mode() string
	Sign(digest string) (string, error)
}

type Ed25519Signer struct {
	key ed25519.PrivateKey
}

// NewEd25519Signer accepts a hex-encoded 32-byte seed or 64-byte private
// key.
func NewEd25519Signer(keyHex string) (*Ed25519Signer, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(keyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return &Ed25519Signer{key: ed25519.NewKeyFromSeed(raw)}, nil
	case ed25519.PrivateKeySize:
		return &Ed25519Signer{key: ed25519.PrivateKey(raw)}, nil
	default:
		return nil, fmt.Errorf("%w: want %d or %d bytes, got %d", ErrBadKey, ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}
}

func (s *Ed25519Signer) Mode() string { return ModeEd25519 }

func (s *Ed25519Signer) Public() ed25519.PublicKey {
	return s.key.Public().(ed25519.PublicKey)
}

func (s *Ed25519Signer) Sign(digest string) (string, error) {
	raw, err := bytes32(digest)
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(ed25519.Sign(s.key, raw)), nil
}

// MockSigner emits zero-filled signatures for non-production environments.
// The escrow gateway refuses to pair live mode with a mock signer.
type MockSigner struct{}

func (MockSigner) Mode() string { return ModeMock }

func (MockSigner) Sign(digest string) (string, error) {
	if _, err := bytes32(digest); err != nil {
		return "", err
	}
	return "0x" + strings.Repeat("00", ed25519.SignatureSize), nil
}

// Verify checks an ed25519 signature over a mandate digest.
func Verify(pub ed25519.PublicKey, digest, signature string) error {
	raw, err := bytes32(digest)
	if err != nil {
		return err
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), "0x"))
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrBadSignature
	}
	if !ed25519.Verify(pub, raw, sig) {
		return ErrBadSignature
	}
	return nil
}

// SignedIntent and SignedCart pair a mandate with its digest and signature.
// Verifying a Cart requires independently verifying the Intent it
// references; VerifyPair does both.
type SignedIntent struct {
	Intent    Intent `json:"intent"`
	Hash      string `json:"hash"`
	Signature string `json:"signature"`
	Alg       string `json:"alg"`
}

type SignedCart struct {
	Cart      Cart   `json:"cart"`
	Hash      string `json:"hash"`
	Signature string `json:"signature"`
	Alg       string `json:"alg"`
}

// Builder constructs and signs mandate pairs under one verification domain.
type Builder struct {
	params     Params
	maintainer Signer
	agent      Signer
}

func NewBuilder(params Params, maintainer, agent Signer) *Builder {
	return &Builder{params: params, maintainer: maintainer, agent: agent}
}

func (b *Builder) Params() Params { return b.params }

// SignerModes reports (maintainer, agent) signing modes so callers can
// reject live-escrow/mock-signer pairings at the point of use.
func (b *Builder) SignerModes() (string, string) {
	return b.maintainer.Mode(), b.agent.Mode()
}

func (b *Builder) BuildIntent(in Intent) (SignedIntent, error) {
	in.ChainID = b.params.ChainID
	hash, err := HashIntent(b.params, in)
	if err != nil {
		return SignedIntent{}, err
	}
	sig, err := b.maintainer.Sign(hash)
	if err != nil {
		return SignedIntent{}, err
	}
	return SignedIntent{Intent: in, Hash: hash, Signature: sig, Alg: b.maintainer.Mode()}, nil
}

func (b *Builder) BuildCart(intent SignedIntent, c Cart) (SignedCart, error) {
	c.IntentHash = intent.Hash
	hash, err := HashCart(b.params, c)
	if err != nil {
		return SignedCart{}, err
	}
	sig, err := b.agent.Sign(hash)
	if err != nil {
		return SignedCart{}, err
	}
	return SignedCart{Cart: c, Hash: hash, Signature: sig, Alg: b.agent.Mode()}, nil
}

// VerifyPair recomputes both digests and checks that the cart references
// the intent. Signature verification applies to ed25519 mandates; mock
// mandates only get structural checks.
func VerifyPair(p Params, intent SignedIntent, cart SignedCart, maintainerPub, agentPub ed25519.PublicKey) error {
	intentHash, err := HashIntent(p, intent.Intent)
	if err != nil {
		return err
	}
	if intentHash != intent.Hash {
		return fmt.Errorf("%w: intent digest mismatch", ErrBadSignature)
	}
	if cart.Cart.IntentHash != intent.Hash {
		return fmt.Errorf("%w: cart does not reference intent", ErrBadSignature)
	}
	cartHash, err := HashCart(p, cart.Cart)
	if err != nil {
		return err
	}
	if cartHash != cart.Hash {
		return fmt.Errorf("%w: cart digest mismatch", ErrBadSignature)
	}
	if intent.Alg == ModeEd25519 {
		if err := Verify(maintainerPub, intent.Hash, intent.Signature); err != nil {
			return fmt.Errorf("intent: %w", err)
		}
	}
	if cart.Alg == ModeEd25519 {
		if err := Verify(agentPub, cart.Hash, cart.Signature); err != nil {
			return fmt.Errorf("cart: %w", err)
		}
	}
	return nil
}
