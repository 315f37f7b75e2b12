package ledger

import (
	"context"
	"sync"

	"github.com/edgecoder/edgecoder/pkg/models"
)

// Store persists ordering records. Implementations must return records in
// ascending seq order from the range queries and must never reuse a seq.
type Store interface {
	// Insert appends one record. Seq collisions are an error.
	Insert(ctx context.Context, rec *models.OrderingRecord) error
	// Last returns the highest-seq record, or nil when the chain is empty.
	Last(ctx context.Context) (*models.OrderingRecord, error)
	// Range returns records with fromSeq <= seq <= toSeq, ascending.
	Range(ctx context.Context, fromSeq, toSeq uint64) ([]*models.OrderingRecord, error)
	// ByTask returns every record tagged with taskID, ascending.
	ByTask(ctx context.Context, taskID string) ([]*models.OrderingRecord, error)
	// Recent returns the newest limit records, ascending.
	Recent(ctx context.Context, limit int) ([]*models.OrderingRecord, error)
	// Count returns the number of records in the chain.
	Count(ctx context.Context) (uint64, error)
}

// MemoryStore keeps the chain in process memory. It is the default store for
// single-node coordinators and for tests; records survive only as long as the
// process.
type MemoryStore struct {
	mu   sync.RWMutex
	recs []*models.OrderingRecord
}

// NewMemoryStore returns an empty in-memory chain store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Insert(_ context.Context, rec *models.OrderingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.recs); n > 0 && s.recs[n-1].Seq >= rec.Seq {
		return ErrSeqConflict
	}
	cp := *rec
	s.recs = append(s.recs, &cp)
	return nil
}

func (s *MemoryStore) Last(_ context.Context) (*models.OrderingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.recs) == 0 {
		return nil, nil
	}
	cp := *s.recs[len(s.recs)-1]
	return &cp, nil
}

func (s *MemoryStore) Range(_ context.Context, fromSeq, toSeq uint64) ([]*models.OrderingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.OrderingRecord
	for _, r := range s.recs {
		if r.Seq < fromSeq || r.Seq > toSeq {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) ByTask(_ context.Context, taskID string) ([]*models.OrderingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.OrderingRecord
	for _, r := range s.recs {
		if r.TaskID == taskID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) Recent(_ context.Context, limit int) ([]*models.OrderingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.recs)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*models.OrderingRecord, 0, limit)
	for _, r := range s.recs[n-limit:] {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) Count(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.recs)), nil
}
