package ledger

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
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

type memLedgerStore struct {
	mu       sync.Mutex
	accounts map[string]string // userId|accountType -> accountId
	entries  []types.LedgerEntry
	nextSeq  int64
}

func newMemLedgerStore() *memLedgerStore {
	return &memLedgerStore{accounts: make(map[string]string), nextSeq: 1}
}

func (s *memLedgerStore) EnsureAccount(ctx context.Context, userID string, accountType types.LedgerAccountType) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := userID + "|" + string(accountType)
	if id, ok := s.accounts[key]; ok {
		return id, nil
	}
	id := key
	s.accounts[key] = id
	return id, nil
}

func (s *memLedgerStore) PostEntries(ctx context.Context, entries []types.LedgerEntry) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sequences := make([]int64, len(entries))
	for i := range entries {
		for _, existing := range s.entries {
			if existing.IdempotencyKey == entries[i].IdempotencyKey {
				return nil, fmt.Errorf("duplicate idempotency key %s", entries[i].IdempotencyKey)
			}
		}
		entries[i].GlobalSequence = s.nextSeq
		sequences[i] = s.nextSeq
		s.nextSeq++
		s.entries = append(s.entries, entries[i])
	}
	return sequences, nil
}

func (s *memLedgerStore) EntriesForUser(ctx context.Context, userID string) ([]types.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	accountIDs := make(map[string]bool)
	for key, id := range s.accounts {
		if len(key) >= len(userID) && key[:len(userID)] == userID {
			accountIDs[id] = true
		}
	}
	var out []types.LedgerEntry
	for _, e := range s.entries {
		if accountIDs[e.DebitAccountID] || accountIDs[e.CreditAccountID] {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memLedgerStore) AccountIDsForUser(ctx context.Context, userID string) (map[string]types.LedgerAccountType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]types.LedgerAccountType)
	prefix := userID + "|"
	for key, id := range s.accounts {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			out[id] = types.LedgerAccountType(key[len(prefix):])
		}
	}
	return out, nil
}

type memWalletStore struct {
	mu      sync.Mutex
	wallets map[string]*types.Wallet
}

func newMemWalletStore() *memWalletStore {
	return &memWalletStore{wallets: make(map[string]*types.Wallet)}
}

func (s *memWalletStore) GetWallet(ctx context.Context, userID string) (*types.Wallet, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[userID]
	if !ok {
		return nil, false, nil
	}
	copied := *w
	return &copied, true, nil
}

func (s *memWalletStore) UpsertWallet(ctx context.Context, wallet *types.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *wallet
	s.wallets[wallet.UserID] = &copied
	return nil
}

func TestLedgerBlockAndUnblockMargin(t *testing.T) {
	store := newMemLedgerStore()
	wallets := newMemWalletStore()
	wc := NewWalletCache(wallets, testLogger())
	l := New(store, wc, testLogger())

	ctx := context.Background()
	_, err := wc.GetOrCreate(ctx, "u1")
	require.NoError(t, err)

	amount := decimal.NewFromInt(25000)
	_, err = l.Post(ctx, "u1", []Posting{BlockMargin(amount, "INR", "order-1", "idem-block-1")})
	require.NoError(t, err)

	wallet, err := wc.GetOrCreate(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, wallet.Balance.Equal(types.DefaultStartingBalance.Sub(amount)))
	assert.True(t, wallet.BlockedBalance.Equal(amount))

	_, err = l.Post(ctx, "u1", []Posting{UnblockMargin(amount, "INR", "order-1", "idem-unblock-1")})
	require.NoError(t, err)

	wallet, err = wc.GetOrCreate(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, wallet.Balance.Equal(types.DefaultStartingBalance))
	assert.True(t, wallet.BlockedBalance.IsZero())
}

func TestLedgerPostRejectsDuplicateIdempotencyKey(t *testing.T) {
	store := newMemLedgerStore()
	wallets := newMemWalletStore()
	wc := NewWalletCache(wallets, testLogger())
	l := New(store, wc, testLogger())
	ctx := context.Background()

	amount := decimal.NewFromInt(1000)
	_, err := l.Post(ctx, "u1", []Posting{BlockMargin(amount, "INR", "order-1", "idem-dup")})
	require.NoError(t, err)

	_, err = l.Post(ctx, "u1", []Posting{BlockMargin(amount, "INR", "order-1", "idem-dup")})
	assert.Error(t, err)
}

func TestLedgerPostRejectsNonPositiveAmount(t *testing.T) {
	store := newMemLedgerStore()
	wc := NewWalletCache(newMemWalletStore(), testLogger())
	l := New(store, wc, testLogger())

	_, err := l.Post(context.Background(), "u1", []Posting{
		BlockMargin(decimal.Zero, "INR", "order-1", "idem-zero"),
	})
	require.Error(t, err)
	var tradingErr *types.TradingError
	assert.ErrorAs(t, err, &tradingErr)
	assert.Equal(t, types.ErrInsufficientFunds, tradingErr.Code)
}

func TestLedgerRecalculateFromLedgerMatchesCache(t *testing.T) {
	store := newMemLedgerStore()
	wallets := newMemWalletStore()
	wc := NewWalletCache(wallets, testLogger())
	l := New(store, wc, testLogger())
	ctx := context.Background()

	_, err := wc.GetOrCreate(ctx, "u1")
	require.NoError(t, err)

	block := decimal.NewFromInt(25000)
	_, err = l.Post(ctx, "u1", []Posting{BlockMargin(block, "INR", "order-1", "idem-1")})
	require.NoError(t, err)
	_, err = l.Post(ctx, "u1", []Posting{Settlement(block, "INR", "trade-1", "idem-2")})
	require.NoError(t, err)
	profit := decimal.NewFromInt(1000)
	_, err = l.Post(ctx, "u1", []Posting{RealizedPnL(profit, true, "INR", "trade-1", "idem-3")})
	require.NoError(t, err)

	balance, blocked, err := l.RecalculateFromLedger(ctx, "u1")
	require.NoError(t, err)

	wallet, err := wc.GetOrCreate(ctx, "u1")
	require.NoError(t, err)

	assert.True(t, balance.Equal(wallet.Balance), "recalculated balance %s must match cache %s", balance, wallet.Balance)
	assert.True(t, blocked.Equal(wallet.BlockedBalance))
	assert.True(t, wallet.Balance.Equal(types.DefaultStartingBalance.Add(profit)))
}

func TestWalletAvailableBalanceCheckRejectsOverdraw(t *testing.T) {
	wc := NewWalletCache(newMemWalletStore(), testLogger())
	ctx := context.Background()
	_, err := wc.GetOrCreate(ctx, "u1")
	require.NoError(t, err)

	err = wc.AvailableBalanceCheck(ctx, "u1", types.DefaultStartingBalance.Add(decimal.NewFromInt(1)))
	require.Error(t, err)
	var tradingErr *types.TradingError
	require.ErrorAs(t, err, &tradingErr)
	assert.Equal(t, types.ErrInsufficientFunds, tradingErr.Code)
}
