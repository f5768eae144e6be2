package escrow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"
)

// Mock is the development gateway: balances live in memory and tx hashes
// are deterministic. Live() is false so signer pairing checks can tell it
// apart from real settlement.
type Mock struct {
	mu       sync.Mutex
	seq      uint64
	balances map[string]*big.Int
	Releases []ReleaseRequest

	// FailRelease, when set, makes the next Release return this error once.
	FailRelease error
}

func NewMock() *Mock {
	return &Mock{balances: map[string]*big.Int{}}
}

func (m *Mock) Live() bool { return false }

func (m *Mock) txHash(op, subject string) string {
	m.seq++
	sum := sha256.Sum256([]byte(fmt.Sprintf("mock/%s/%s/%d", op, subject, m.seq)))
	return "0x" + hex.EncodeToString(sum[:])
}

func (m *Mock) CreateEscrow(_ context.Context, req CreateRequest) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.balances[req.EscrowAddress]; !ok {
		m.balances[req.EscrowAddress] = big.NewInt(0)
	}
	return Receipt{TxHash: m.txHash("create", req.EscrowAddress), Status: ReceiptConfirmed}, nil
}

func (m *Mock) Deposit(_ context.Context, escrowAddress, amountRaw, _ string) (Receipt, error) {
	amount, ok := new(big.Int).SetString(amountRaw, 10)
	if !ok || amount.Sign() <= 0 {
		return Receipt{}, fmt.Errorf("escrow: bad deposit amount %q", amountRaw)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	bal, ok := m.balances[escrowAddress]
	if !ok {
		bal = big.NewInt(0)
		m.balances[escrowAddress] = bal
	}
	bal.Add(bal, amount)
	return Receipt{TxHash: m.txHash("deposit", escrowAddress), Status: ReceiptConfirmed}, nil
}

func (m *Mock) Release(_ context.Context, req ReleaseRequest) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailRelease; err != nil {
		m.FailRelease = nil
		return Receipt{}, err
	}
	amount, ok := new(big.Int).SetString(req.AmountRaw, 10)
	if !ok || amount.Sign() <= 0 {
		return Receipt{}, fmt.Errorf("escrow: bad release amount %q", req.AmountRaw)
	}
	bal, ok := m.balances[req.EscrowAddress]
	if !ok || bal.Cmp(amount) < 0 {
		return Receipt{}, fmt.Errorf("escrow: insufficient balance in %s", req.EscrowAddress)
	}
	bal.Sub(bal, amount)
	m.Releases = append(m.Releases, req)
	return Receipt{TxHash: m.txHash("release", req.EscrowAddress), Status: ReceiptConfirmed}, nil
}

func (m *Mock) BalanceOf(_ context.Context, escrowAddress string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bal, ok := m.balances[escrowAddress]
	if !ok {
		return "0", nil
	}
	return bal.String(), nil
}
