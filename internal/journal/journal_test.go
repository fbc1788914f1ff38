package journal

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperdesk/engine/pkg/types"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

type memStore struct {
	mu      sync.Mutex
	records map[string]*types.JournalRecord
	order   []string
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*types.JournalRecord)}
}

func (s *memStore) InsertPrepared(ctx context.Context, rec *types.JournalRecord) (bool, *types.JournalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[rec.JournalID]; ok {
		copied := *existing
		return false, &copied, nil
	}
	copied := *rec
	s.records[rec.JournalID] = &copied
	s.order = append(s.order, rec.JournalID)
	return true, nil, nil
}

func (s *memStore) Get(ctx context.Context, journalID string) (*types.JournalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[journalID]
	if !ok {
		return nil, assert.AnError
	}
	copied := *rec
	return &copied, nil
}

func (s *memStore) MarkCommitted(ctx context.Context, journalID string, payload []byte, committedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[journalID]
	if !ok {
		return assert.AnError
	}
	rec.Status = types.JournalStatusCommitted
	rec.Payload = payload
	rec.CommittedAt = &committedAt
	return nil
}

func (s *memStore) MarkAborted(ctx context.Context, journalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[journalID]
	if !ok {
		return assert.AnError
	}
	rec.Status = types.JournalStatusAborted
	return nil
}

func (s *memStore) ListPrepared(ctx context.Context, limit int) ([]types.JournalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.JournalRecord
	for _, id := range s.order {
		rec := s.records[id]
		if rec.Status == types.JournalStatusPrepared {
			out = append(out, *rec)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

type fakeRecoverer struct {
	idempotencySequences map[string][]int64 // key -> sequences
	tradesByOrder        map[string][]string
	ledgerByReference    map[string][]int64
}

func (f *fakeRecoverer) LedgerSequencesForIdempotencyKeys(ctx context.Context, keys []string) ([]int64, int, error) {
	var sequences []int64
	matched := 0
	for _, k := range keys {
		if seqs, ok := f.idempotencySequences[k]; ok {
			matched++
			sequences = append(sequences, seqs...)
		}
	}
	return sequences, matched, nil
}

func (f *fakeRecoverer) TradeIDsByOrderID(ctx context.Context, orderID string) ([]string, error) {
	return f.tradesByOrder[orderID], nil
}

func (f *fakeRecoverer) LedgerSequencesForReferenceIDs(ctx context.Context, referenceIDs []string) ([]int64, error) {
	var out []int64
	for _, r := range referenceIDs {
		out = append(out, f.ledgerByReference[r]...)
	}
	return out, nil
}

func TestJournalPrepareThenCommit(t *testing.T) {
	store := newMemStore()
	j := New(store, &fakeRecoverer{}, testLogger())

	rec, err := j.Prepare(context.Background(), "", types.OperationLedgerEntry, "user1", "ref1",
		map[string]interface{}{"idempotencyKey": "idem-1"})
	require.NoError(t, err)
	assert.Equal(t, types.JournalStatusPrepared, rec.Status)

	err = j.Commit(context.Background(), rec.JournalID, []int64{42}, map[string]interface{}{"note": "ok"})
	require.NoError(t, err)

	committed, err := store.Get(context.Background(), rec.JournalID)
	require.NoError(t, err)
	assert.Equal(t, types.JournalStatusCommitted, committed.Status)
	assert.NotNil(t, committed.CommittedAt)
}

func TestJournalPrepareIdempotentOnConflict(t *testing.T) {
	store := newMemStore()
	j := New(store, &fakeRecoverer{}, testLogger())

	first, err := j.Prepare(context.Background(), "fixed-id", types.OperationLedgerEntry, "user1", "ref1",
		map[string]interface{}{"amount": 100})
	require.NoError(t, err)

	second, err := j.Prepare(context.Background(), "fixed-id", types.OperationLedgerEntry, "user1", "ref1",
		map[string]interface{}{"amount": 999}) // different payload, same id: existing wins
	require.NoError(t, err)

	assert.Equal(t, first.JournalID, second.JournalID)
	assert.Equal(t, first.Checksum, second.Checksum)
}

func TestJournalAbortIsNoOpAfterCommit(t *testing.T) {
	store := newMemStore()
	j := New(store, &fakeRecoverer{}, testLogger())

	rec, err := j.Prepare(context.Background(), "", types.OperationManualAdjust, "user1", "ref1", nil)
	require.NoError(t, err)
	require.NoError(t, j.Commit(context.Background(), rec.JournalID, []int64{1}, nil))

	require.NoError(t, j.Abort(context.Background(), rec.JournalID, "late abort attempt"))

	got, err := store.Get(context.Background(), rec.JournalID)
	require.NoError(t, err)
	assert.Equal(t, types.JournalStatusCommitted, got.Status, "abort must not override a committed record")
}

func TestJournalRecoverUncommittedByIdempotencyKey(t *testing.T) {
	store := newMemStore()
	recov := &fakeRecoverer{idempotencySequences: map[string][]int64{"idem-1": {7}}}
	j := New(store, recov, testLogger())

	rec, err := j.Prepare(context.Background(), "", types.OperationLedgerEntry, "user1", "ref1",
		map[string]interface{}{"idempotencyKey": "idem-1"})
	require.NoError(t, err)

	require.NoError(t, j.RecoverUncommitted(context.Background()))

	got, err := store.Get(context.Background(), rec.JournalID)
	require.NoError(t, err)
	assert.Equal(t, types.JournalStatusCommitted, got.Status)
}

func TestJournalRecoverUncommittedByTradeLookupAborts(t *testing.T) {
	store := newMemStore()
	recov := &fakeRecoverer{tradesByOrder: map[string][]string{}}
	j := New(store, recov, testLogger())

	rec, err := j.Prepare(context.Background(), "", types.OperationTradeExecution, "user1", "order-1", nil)
	require.NoError(t, err)

	require.NoError(t, j.RecoverUncommitted(context.Background()))

	got, err := store.Get(context.Background(), rec.JournalID)
	require.NoError(t, err)
	assert.Equal(t, types.JournalStatusAborted, got.Status)
}

func TestJournalRecoverForceAbortsOnZeroSequences(t *testing.T) {
	store := newMemStore()
	recov := &fakeRecoverer{
		tradesByOrder:     map[string][]string{"order-1": {"trade-1"}},
		ledgerByReference: map[string][]int64{}, // trades exist but no ledger rows: zero sequences
	}
	j := New(store, recov, testLogger())

	rec, err := j.Prepare(context.Background(), "", types.OperationTradeExecution, "user1", "order-1", nil)
	require.NoError(t, err)

	require.NoError(t, j.RecoverUncommitted(context.Background()))

	got, err := store.Get(context.Background(), rec.JournalID)
	require.NoError(t, err)
	assert.Equal(t, types.JournalStatusAborted, got.Status)
}

func TestChecksumDeterministicAcrossKeyOrder(t *testing.T) {
	a, err := checksumPayload([]byte(`{"a":1,"b":2}`))
	require.NoError(t, err)
	b, err := checksumPayload([]byte(`{"b":2,"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestChecksumIgnoresCommitMeta(t *testing.T) {
	a, err := checksumPayload([]byte(`{"a":1}`))
	require.NoError(t, err)
	b, err := checksumPayload([]byte(`{"a":1,"__commitMeta":{"x":1}}`))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
