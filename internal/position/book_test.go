package position

import (
	"context"
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

type memStore struct {
	mu   sync.Mutex
	rows map[string]*types.Position
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]*types.Position)}
}

func posKey(userID string, key types.InstrumentKey) string { return userID + "|" + string(key) }

func (s *memStore) GetPosition(ctx context.Context, userID string, key types.InstrumentKey) (*types.Position, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[posKey(userID, key)]
	if !ok {
		return nil, false, nil
	}
	copied := *row
	return &copied, true, nil
}

func (s *memStore) UpsertPosition(ctx context.Context, pos *types.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *pos
	s.rows[posKey(pos.UserID, pos.InstrumentKey)] = &copied
	return nil
}

func (s *memStore) DeletePosition(ctx context.Context, userID string, key types.InstrumentKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, posKey(userID, key))
	return nil
}

func (s *memStore) PositionsForUser(ctx context.Context, userID string) ([]types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Position
	for _, row := range s.rows {
		if row.UserID == userID {
			out = append(out, *row)
		}
	}
	return out, nil
}

func TestPositionBookOpenThenAddWeightedAverage(t *testing.T) {
	store := newMemStore()
	book := New(store, testLogger())
	ctx := context.Background()

	res, err := book.ApplyFill(ctx, "u1", "NSE_EQ|RELIANCE", types.SideBuy, 10, decimal.NewFromInt(2500))
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.Position.Quantity)
	assert.True(t, res.Position.AveragePrice.Equal(decimal.NewFromInt(2500)))

	res, err = book.ApplyFill(ctx, "u1", "NSE_EQ|RELIANCE", types.SideBuy, 10, decimal.NewFromInt(2600))
	require.NoError(t, err)
	assert.Equal(t, int64(20), res.Position.Quantity)
	assert.True(t, res.Position.AveragePrice.Equal(decimal.NewFromInt(2550)), "weighted average should be 2550, got %s", res.Position.AveragePrice)
}

func TestPositionBookFullExitRealizesProfitAndCloses(t *testing.T) {
	store := newMemStore()
	book := New(store, testLogger())
	ctx := context.Background()

	_, err := book.ApplyFill(ctx, "u1", "NSE_EQ|RELIANCE", types.SideBuy, 10, decimal.NewFromInt(2500))
	require.NoError(t, err)

	res, err := book.ApplyFill(ctx, "u1", "NSE_EQ|RELIANCE", types.SideSell, 10, decimal.NewFromInt(2600))
	require.NoError(t, err)

	assert.True(t, res.Closed)
	assert.Nil(t, res.Position)
	assert.True(t, res.RealizedDelta.Equal(decimal.NewFromInt(1000)), "expected realized +1000, got %s", res.RealizedDelta)

	_, found, err := store.GetPosition(ctx, "u1", "NSE_EQ|RELIANCE")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPositionBookShortSideRealizesProfitOnPriceDrop(t *testing.T) {
	store := newMemStore()
	book := New(store, testLogger())
	ctx := context.Background()

	_, err := book.ApplyFill(ctx, "u1", "NSE_EQ|RELIANCE", types.SideSell, 10, decimal.NewFromInt(2500))
	require.NoError(t, err)

	res, err := book.ApplyFill(ctx, "u1", "NSE_EQ|RELIANCE", types.SideBuy, 10, decimal.NewFromInt(2400))
	require.NoError(t, err)

	assert.True(t, res.Closed)
	assert.True(t, res.RealizedDelta.Equal(decimal.NewFromInt(1000)), "shorting at 2500 and covering at 2400 should realize +1000, got %s", res.RealizedDelta)
}

func TestPositionBookReversalOvershoot(t *testing.T) {
	store := newMemStore()
	book := New(store, testLogger())
	ctx := context.Background()

	_, err := book.ApplyFill(ctx, "u1", "NSE_EQ|RELIANCE", types.SideBuy, 10, decimal.NewFromInt(2500))
	require.NoError(t, err)

	res, err := book.ApplyFill(ctx, "u1", "NSE_EQ|RELIANCE", types.SideSell, 15, decimal.NewFromInt(2600))
	require.NoError(t, err)

	require.NotNil(t, res.Position)
	assert.Equal(t, int64(-5), res.Position.Quantity)
	assert.True(t, res.Position.AveragePrice.Equal(decimal.NewFromInt(2600)))
	assert.True(t, res.RealizedDelta.Equal(decimal.NewFromInt(1000)))
}

func TestPositionBookUnrealizedPnLSumsAcrossPositions(t *testing.T) {
	store := newMemStore()
	book := New(store, testLogger())
	ctx := context.Background()

	_, err := book.ApplyFill(ctx, "u1", "NSE_EQ|A", types.SideBuy, 10, decimal.NewFromInt(100))
	require.NoError(t, err)
	_, err = book.ApplyFill(ctx, "u1", "NSE_EQ|B", types.SideSell, 5, decimal.NewFromInt(50))
	require.NoError(t, err)

	marks := map[types.InstrumentKey]decimal.Decimal{
		"NSE_EQ|A": decimal.NewFromInt(110),
		"NSE_EQ|B": decimal.NewFromInt(40),
	}
	total, err := book.UnrealizedPnL(ctx, "u1", marks)
	require.NoError(t, err)

	// A: long 10 @100 marked at 110 -> +100. B: short 5 @50 marked at 40 -> +50.
	assert.True(t, total.Equal(decimal.NewFromInt(150)), "expected +150 total unrealized, got %s", total)
}
