// Package journal implements the write-ahead journal (C9):
// prepare/commit/abort with SHA-256 canonical-JSON checksums, and
// startup recovery of PREPARED rows left behind by a crash. No teacher
// analogue exists for two-phase commit; the durable-write discipline
// (verify before trusting a persisted record) is grounded on
// internal/storage/writer.go's flush-before-ack posture, generalized
// from JSONL files to DB rows.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/paperdesk/engine/pkg/types"
)

// Store is the persistence boundary the journal needs. The concrete
// gorm-backed implementation lives in internal/storage; defining the
// interface here (consumer side) keeps the journal testable without a
// live database.
type Store interface {
	// InsertPrepared inserts a PREPARED row. On a journalId conflict it
	// returns the existing row instead of erroring (inserted=false).
	InsertPrepared(ctx context.Context, rec *types.JournalRecord) (inserted bool, existing *types.JournalRecord, err error)
	Get(ctx context.Context, journalID string) (*types.JournalRecord, error)
	MarkCommitted(ctx context.Context, journalID string, payload []byte, committedAt time.Time) error
	MarkAborted(ctx context.Context, journalID string) error
	ListPrepared(ctx context.Context, limit int) ([]types.JournalRecord, error)
}

// Recoverer resolves the true outcome of a PREPARED record by probing
// the relational store for evidence the mutation it guarded actually
// landed.
type Recoverer interface {
	// LedgerSequencesForIdempotencyKeys returns the ledger sequences
	// found for the given keys and how many distinct keys matched at
	// least one row.
	LedgerSequencesForIdempotencyKeys(ctx context.Context, keys []string) (sequences []int64, matchedKeys int, err error)
	TradeIDsByOrderID(ctx context.Context, orderID string) ([]string, error)
	LedgerSequencesForReferenceIDs(ctx context.Context, referenceIDs []string) ([]int64, error)
}

const defaultRecoveryBatchSize = 500

// Journal is the write-ahead journal.
type Journal struct {
	store     Store
	recoverer Recoverer
	log       *logrus.Entry
	batchSize int
}

func New(store Store, recoverer Recoverer, log *logrus.Entry) *Journal {
	return &Journal{
		store:     store,
		recoverer: recoverer,
		log:       log.WithField("component", "journal"),
		batchSize: defaultRecoveryBatchSize,
	}
}

// Prepare inserts a new PREPARED record, or returns the existing one
// on a journalId conflict after re-verifying its checksum. A checksum
// mismatch on an existing row means the persisted payload diverged
// from what produced it — a process-wide halt condition.
func (j *Journal) Prepare(ctx context.Context, journalID string, opType types.JournalOperationType, userID, referenceID string, payload map[string]interface{}) (*types.JournalRecord, error) {
	if journalID == "" {
		journalID = uuid.NewString()
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal journal payload: %w", err)
	}
	checksum, err := checksumPayload(payloadBytes)
	if err != nil {
		return nil, fmt.Errorf("checksum journal payload: %w", err)
	}

	rec := &types.JournalRecord{
		JournalID:     journalID,
		OperationType: opType,
		Status:        types.JournalStatusPrepared,
		UserID:        userID,
		ReferenceID:   referenceID,
		Payload:       payloadBytes,
		Checksum:      checksum,
		CreatedAt:     time.Now(),
	}

	inserted, existing, err := j.store.InsertPrepared(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("insert journal record: %w", err)
	}
	if inserted {
		return rec, nil
	}

	recomputed, err := checksumPayload(existing.Payload)
	if err != nil {
		return nil, fmt.Errorf("checksum existing journal record: %w", err)
	}
	if recomputed != existing.Checksum {
		j.log.WithField("journalId", journalID).Error("journal checksum mismatch on existing record, halting")
		return nil, types.NewTradingError(types.ErrJournalCorruption,
			fmt.Sprintf("checksum mismatch for journal record %s", journalID))
	}
	return existing, nil
}

// Commit re-verifies the prepared row's checksum, merges __commitMeta
// into the payload, and transitions it to COMMITTED.
func (j *Journal) Commit(ctx context.Context, journalID string, ledgerSequences []int64, mutationMeta map[string]interface{}) error {
	rec, err := j.store.Get(ctx, journalID)
	if err != nil {
		return fmt.Errorf("fetch journal record: %w", err)
	}
	if rec.Status == types.JournalStatusCommitted {
		return nil
	}

	recomputed, err := checksumPayload(rec.Payload)
	if err != nil {
		return fmt.Errorf("checksum journal record: %w", err)
	}
	if recomputed != rec.Checksum {
		j.log.WithField("journalId", journalID).Error("journal checksum mismatch on commit, halting")
		return types.NewTradingError(types.ErrJournalCorruption,
			fmt.Sprintf("checksum mismatch for journal record %s", journalID))
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(rec.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal journal payload: %w", err)
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	now := time.Now()
	payload["__commitMeta"] = map[string]interface{}{
		"ledgerSequences": ledgerSequences,
		"committedAt":     now,
		"mutationMeta":    mutationMeta,
	}
	merged, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal committed payload: %w", err)
	}

	if err := j.store.MarkCommitted(ctx, journalID, merged, now); err != nil {
		return fmt.Errorf("mark journal committed: %w", err)
	}
	return nil
}

// Abort is a no-op if the record is already COMMITTED or ABORTED.
func (j *Journal) Abort(ctx context.Context, journalID, reason string) error {
	rec, err := j.store.Get(ctx, journalID)
	if err != nil {
		return fmt.Errorf("fetch journal record: %w", err)
	}
	if rec.Status != types.JournalStatusPrepared {
		return nil
	}
	if err := j.store.MarkAborted(ctx, journalID); err != nil {
		return fmt.Errorf("mark journal aborted: %w", err)
	}
	j.log.WithFields(logrus.Fields{"journalId": journalID, "reason": reason}).Warn("journal record aborted")
	return nil
}

// RecoverUncommitted scans PREPARED rows oldest-first in batches,
// resolving each by probing the relational store for evidence of the
// mutation it guarded. Must run at startup before the execution engine
// accepts traffic.
func (j *Journal) RecoverUncommitted(ctx context.Context) error {
	for {
		batch, err := j.store.ListPrepared(ctx, j.batchSize)
		if err != nil {
			return fmt.Errorf("list prepared journal records: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}
		for i := range batch {
			j.resolve(ctx, &batch[i])
		}
	}
}

func (j *Journal) resolve(ctx context.Context, rec *types.JournalRecord) {
	log := j.log.WithField("journalId", rec.JournalID)

	if keys, ok := idempotencyKeys(rec.Payload); ok && len(keys) > 0 {
		sequences, matched, err := j.recoverer.LedgerSequencesForIdempotencyKeys(ctx, keys)
		if err != nil {
			log.WithError(err).Warn("recovery: idempotency lookup failed")
			return
		}
		switch {
		case matched == len(keys) && len(sequences) > 0:
			j.commitRecovered(ctx, rec, sequences)
			return
		case matched > 0:
			j.abortRecovered(ctx, rec, "partial idempotency key resolution")
			return
		}
		// matched == 0: fall through to operation-type resolution.
	}

	switch rec.OperationType {
	case types.OperationTradeExecution, types.OperationLiquidation, types.OperationExpirySettle:
		tradeIDs, err := j.recoverer.TradeIDsByOrderID(ctx, rec.ReferenceID)
		if err != nil {
			log.WithError(err).Warn("recovery: trade lookup failed")
			return
		}
		if len(tradeIDs) == 0 {
			j.abortRecovered(ctx, rec, "no trades found for order")
			return
		}
		sequences, err := j.recoverer.LedgerSequencesForReferenceIDs(ctx, tradeIDs)
		if err != nil {
			log.WithError(err).Warn("recovery: ledger lookup by trade ids failed")
			return
		}
		if len(sequences) > 0 {
			j.commitRecovered(ctx, rec, sequences)
		} else {
			j.abortRecovered(ctx, rec, "no ledger sequences for trades")
		}

	case types.OperationLedgerEntry, types.OperationManualAdjust:
		sequences, err := j.recoverer.LedgerSequencesForReferenceIDs(ctx, []string{rec.ReferenceID})
		if err != nil {
			log.WithError(err).Warn("recovery: ledger lookup by reference id failed")
			return
		}
		if len(sequences) > 0 {
			j.commitRecovered(ctx, rec, sequences)
		} else {
			j.abortRecovered(ctx, rec, "no ledger sequences for reference")
		}

	default:
		j.abortRecovered(ctx, rec, "unrecognized operation type")
	}
}

func (j *Journal) commitRecovered(ctx context.Context, rec *types.JournalRecord, sequences []int64) {
	if len(sequences) == 0 {
		j.log.WithField("journalId", rec.JournalID).Error("recovery commit decision yielded zero ledger sequences, forcing abort")
		j.abortRecovered(ctx, rec, string(types.ErrRecoverySequenceMissing))
		return
	}
	if err := j.Commit(ctx, rec.JournalID, sequences, map[string]interface{}{"recovered": true}); err != nil {
		j.log.WithField("journalId", rec.JournalID).WithError(err).Error("recovery commit failed")
	}
}

func (j *Journal) abortRecovered(ctx context.Context, rec *types.JournalRecord, reason string) {
	if err := j.Abort(ctx, rec.JournalID, reason); err != nil {
		j.log.WithField("journalId", rec.JournalID).WithError(err).Error("recovery abort failed")
	}
}

// idempotencyKeys extracts idempotencyKey/idempotencyKeys from a
// decoded payload, accepting either a single string or a list.
func idempotencyKeys(payload []byte) ([]string, bool) {
	var decoded map[string]interface{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, false
	}

	if raw, ok := decoded["idempotencyKeys"]; ok {
		if list, ok := raw.([]interface{}); ok {
			keys := make([]string, 0, len(list))
			for _, v := range list {
				if s, ok := v.(string); ok {
					keys = append(keys, s)
				}
			}
			return keys, len(keys) > 0
		}
	}
	if raw, ok := decoded["idempotencyKey"]; ok {
		if s, ok := raw.(string); ok && s != "" {
			return []string{s}, true
		}
	}
	return nil, false
}
