package credits

import (
	"context"
	"errors"
	"sync"

	"github.com/edgecoder/edgecoder/pkg/models"
)

// ErrDuplicate is returned by Apply when the tx id was already applied.
var ErrDuplicate = errors.New("transaction already applied")

// Store persists applied transactions and account balances. Apply must be
// atomic: either the transaction row and both balance movements land, or
// nothing does.
type Store interface {
	// Apply records the transaction and moves credits requester → provider.
	Apply(ctx context.Context, tx models.BLECreditTransaction) error
	// Adjust adds delta to one account and returns the new balance.
	Adjust(ctx context.Context, accountID string, delta float64) (float64, error)
	// Balance returns the current balance of one account.
	Balance(ctx context.Context, accountID string) (float64, error)
}

// MemoryStore keeps balances in process memory, the default for single-node
// coordinators and tests.
type MemoryStore struct {
	mu       sync.Mutex
	applied  map[string]models.BLECreditTransaction
	balances map[string]float64
}

// NewMemoryStore returns an empty in-memory credit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		applied:  make(map[string]models.BLECreditTransaction),
		balances: make(map[string]float64),
	}
}

func (s *MemoryStore) Apply(_ context.Context, tx models.BLECreditTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.applied[tx.TxID]; ok {
		return ErrDuplicate
	}
	s.applied[tx.TxID] = tx
	s.balances[tx.RequesterAccountID] -= tx.Credits
	s.balances[tx.ProviderAccountID] += tx.Credits
	return nil
}

func (s *MemoryStore) Adjust(_ context.Context, accountID string, delta float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[accountID] += delta
	return s.balances[accountID], nil
}

func (s *MemoryStore) Balance(_ context.Context, accountID string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[accountID], nil
}
