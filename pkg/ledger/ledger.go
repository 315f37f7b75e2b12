// Package ledger records the coordinator's authoritative event order as an
// Ed25519-signed hash chain. Every lifecycle transition (submit, assign,
// complete, fail, reclaim, escalate, registration, blacklist, credit) appends
// one record whose prev_hash pins the record before it, so any later edit or
// reorder is detectable by replaying the chain.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/edgecoder/edgecoder/pkg/identity"
	"github.com/edgecoder/edgecoder/pkg/models"
	"github.com/edgecoder/edgecoder/pkg/observability"
)

// GenesisPrevHash is the prev_hash of the first record in every chain.
var GenesisPrevHash = strings.Repeat("0", 64)

var (
	// ErrSeqConflict indicates an insert that would reuse or skip backwards
	// over an existing seq.
	ErrSeqConflict = errors.New("ledger seq conflict")
	// ErrChainBroken is returned by Verify when replaying the chain finds a
	// record that does not match its predecessor, its payload, or its
	// signature.
	ErrChainBroken = errors.New("ledger chain broken")
)

// CheckpointHook receives every checkpoint record right after it is appended.
// The coordinator uses it to announce the chain head over gossip.
type CheckpointHook func(rec *models.OrderingRecord)

// Ledger appends and verifies ordering records. Appends are serialized by an
// internal mutex so seq assignment and hash chaining stay consistent under
// concurrent callers.
type Ledger struct {
	store           Store
	key             *identity.Key
	actorID         string
	checkpointEvery uint64
	logger          *slog.Logger

	mu         sync.Mutex
	nextSeq    uint64
	prevHash   string
	checkpoint CheckpointHook
}

// New builds a Ledger on top of store. When the store already holds records
// (a coordinator restart), the chain resumes from the last record's hash.
func New(store Store, key *identity.Key, actorID string, checkpointEvery int, logger *slog.Logger) (*Ledger, error) {
	if key.Purpose() != identity.PurposeLedger {
		return nil, fmt.Errorf("ledger key has purpose %q, want %q", key.Purpose(), identity.PurposeLedger)
	}
	if checkpointEvery <= 0 {
		checkpointEvery = 256
	}

	l := &Ledger{
		store:           store,
		key:             key,
		actorID:         actorID,
		checkpointEvery: uint64(checkpointEvery),
		logger:          logger.With("component", "ledger"),
		prevHash:        GenesisPrevHash,
	}

	last, err := store.Last(context.Background())
	if err != nil {
		return nil, fmt.Errorf("loading chain head: %w", err)
	}
	if last != nil {
		hash, err := RecordHash(last)
		if err != nil {
			return nil, fmt.Errorf("hashing chain head: %w", err)
		}
		l.nextSeq = last.Seq + 1
		l.prevHash = hash
		l.logger.Info("Resumed ordering chain", "seq", last.Seq, "head", hash[:12])
	}
	return l, nil
}

// SetCheckpointHook installs the checkpoint callback. Must be called before
// the ledger starts receiving appends.
func (l *Ledger) SetCheckpointHook(hook CheckpointHook) {
	l.checkpoint = hook
}

// Append signs and persists one record. actorID identifies who caused the
// event (agent ID, coordinator ID, or peer fingerprint); payload is optional
// context that is hashed into the signature.
func (l *Ledger) Append(ctx context.Context, eventType models.EventType, taskID, subtaskID, actorID string, payload map[string]any) (*models.OrderingRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.appendLocked(ctx, eventType, taskID, subtaskID, actorID, payload)
	if err != nil {
		return nil, err
	}

	// A checkpoint pins the running head so peers can cross-audit without
	// replaying the whole chain. Checkpoints take a seq of their own and must
	// not trigger further checkpoints.
	if eventType != models.EventCheckpoint && rec.Seq > 0 && rec.Seq%l.checkpointEvery == 0 {
		cp, err := l.appendLocked(ctx, models.EventCheckpoint, "", "", l.actorID, map[string]any{
			"checkpoint_seq": rec.Seq,
			"chain_head":     l.prevHash,
		})
		if err != nil {
			l.logger.Error("Failed to append checkpoint record", "seq", rec.Seq, "error", err)
		} else if l.checkpoint != nil {
			l.checkpoint(cp)
		}
	}
	return rec, nil
}

func (l *Ledger) appendLocked(ctx context.Context, eventType models.EventType, taskID, subtaskID, actorID string, payload map[string]any) (*models.OrderingRecord, error) {
	payloadHash, err := hashPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("hashing payload: %w", err)
	}

	rec := &models.OrderingRecord{
		Seq:         l.nextSeq,
		EventType:   eventType,
		TaskID:      taskID,
		SubtaskID:   subtaskID,
		ActorID:     actorID,
		TimestampMs: time.Now().UnixMilli(),
		PrevHash:    l.prevHash,
		PayloadHash: payloadHash,
		Payload:     payload,
	}
	rec.Signature = l.key.Sign(identity.LedgerMessage(rec.Seq, rec.PrevHash, rec.PayloadHash, rec.TimestampMs))

	if err := l.store.Insert(ctx, rec); err != nil {
		return nil, fmt.Errorf("inserting record %d: %w", rec.Seq, err)
	}

	hash, err := RecordHash(rec)
	if err != nil {
		return nil, fmt.Errorf("hashing record %d: %w", rec.Seq, err)
	}
	l.nextSeq++
	l.prevHash = hash

	observability.LedgerAppends.WithLabelValues(string(eventType)).Inc()
	observability.LedgerHeadSeq.Set(float64(rec.Seq))
	return rec, nil
}

// PublicKey returns the base64 verify key for this chain's signatures.
func (l *Ledger) PublicKey() string {
	return l.key.PublicKey()
}

// Head returns the next seq to be assigned and the hash of the current chain
// head (GenesisPrevHash while the chain is empty).
func (l *Ledger) Head() (nextSeq uint64, headHash string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq, l.prevHash
}

// Range returns records with fromSeq <= seq <= toSeq.
func (l *Ledger) Range(ctx context.Context, fromSeq, toSeq uint64) ([]*models.OrderingRecord, error) {
	return l.store.Range(ctx, fromSeq, toSeq)
}

// ByTask returns the full event history of one task.
func (l *Ledger) ByTask(ctx context.Context, taskID string) ([]*models.OrderingRecord, error) {
	return l.store.ByTask(ctx, taskID)
}

// Recent returns the newest limit records, oldest first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]*models.OrderingRecord, error) {
	return l.store.Recent(ctx, limit)
}

// Count returns the chain length.
func (l *Ledger) Count(ctx context.Context) (uint64, error) {
	return l.store.Count(ctx)
}

// Verify replays the whole chain and checks, for every record, that seq
// increases by one, prev_hash matches the hash of the record before it, the
// payload hash matches the payload, and the signature verifies against
// publicKey. The first mismatch is reported wrapped in ErrChainBroken.
func (l *Ledger) Verify(ctx context.Context, publicKey string) error {
	count, err := l.store.Count(ctx)
	if err != nil {
		return fmt.Errorf("counting chain: %w", err)
	}
	if count == 0 {
		return nil
	}
	return l.VerifyRange(ctx, publicKey, 0, count-1)
}

// VerifyRange checks records in [fromSeq, toSeq] the same way Verify does,
// anchoring prev_hash at the record before fromSeq (genesis when fromSeq is
// 0). A range past the chain head verifies whatever exists.
func (l *Ledger) VerifyRange(ctx context.Context, publicKey string, fromSeq, toSeq uint64) error {
	const page = 512

	prevHash := GenesisPrevHash
	if fromSeq > 0 {
		anchor, err := l.store.Range(ctx, fromSeq-1, fromSeq-1)
		if err != nil {
			return fmt.Errorf("reading anchor at seq %d: %w", fromSeq-1, err)
		}
		if len(anchor) == 0 {
			return fmt.Errorf("%w: seq %d: anchor record missing", ErrChainBroken, fromSeq-1)
		}
		hash, err := RecordHash(anchor[0])
		if err != nil {
			return fmt.Errorf("hashing anchor at seq %d: %w", fromSeq-1, err)
		}
		prevHash = hash
	}

	expectSeq := fromSeq
	for expectSeq <= toSeq {
		hi := expectSeq + page - 1
		if hi > toSeq || hi < expectSeq {
			hi = toSeq
		}
		recs, err := l.store.Range(ctx, expectSeq, hi)
		if err != nil {
			return fmt.Errorf("reading chain at seq %d: %w", expectSeq, err)
		}
		if len(recs) == 0 {
			return nil
		}
		for _, rec := range recs {
			if rec.Seq != expectSeq {
				return fmt.Errorf("%w: seq %d: expected seq %d", ErrChainBroken, rec.Seq, expectSeq)
			}
			if rec.PrevHash != prevHash {
				return fmt.Errorf("%w: seq %d: prev_hash mismatch", ErrChainBroken, rec.Seq)
			}
			payloadHash, err := hashPayload(rec.Payload)
			if err != nil {
				return fmt.Errorf("hashing payload at seq %d: %w", rec.Seq, err)
			}
			if payloadHash != rec.PayloadHash {
				return fmt.Errorf("%w: seq %d: payload hash mismatch", ErrChainBroken, rec.Seq)
			}
			msg := identity.LedgerMessage(rec.Seq, rec.PrevHash, rec.PayloadHash, rec.TimestampMs)
			if err := identity.Verify(publicKey, identity.PurposeLedger, msg, rec.Signature); err != nil {
				return fmt.Errorf("%w: seq %d: %v", ErrChainBroken, rec.Seq, err)
			}
			hash, err := RecordHash(rec)
			if err != nil {
				return fmt.Errorf("hashing record at seq %d: %w", rec.Seq, err)
			}
			prevHash = hash
			expectSeq++
		}
	}
	return nil
}

// RecordHash returns the lowercase hex SHA-256 of the record's canonical
// JSON. This is the value carried in the next record's prev_hash.
func RecordHash(rec *models.OrderingRecord) (string, error) {
	return identity.HashJSON(rec)
}

// hashPayload normalizes a nil payload to an empty object so storage layers
// that round-trip nil maps hash identically on verify.
func hashPayload(payload map[string]any) (string, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	return identity.HashJSON(payload)
}
