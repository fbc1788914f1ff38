package liquidation

import (
	"context"
	"io"
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

type scriptedRisk struct {
	snapshots   []Snapshot // consumed in order, last one repeats
	candidates  []PositionCandidate
	snapshotIdx int
}

func (r *scriptedRisk) Snapshot(ctx context.Context, userID string) (Snapshot, error) {
	idx := r.snapshotIdx
	if idx >= len(r.snapshots) {
		idx = len(r.snapshots) - 1
	}
	r.snapshotIdx++
	return r.snapshots[idx], nil
}

func (r *scriptedRisk) PositionCandidates(ctx context.Context, userID string) ([]PositionCandidate, error) {
	return r.candidates, nil
}

type fakeCloser struct {
	calls []string
}

func (c *fakeCloser) ForceClose(ctx context.Context, userID string, key types.InstrumentKey, side types.Side, qty int64, idempotencyKey string) error {
	c.calls = append(c.calls, string(key))
	return nil
}

type fakeWalletState struct {
	states []types.AccountState
}

func (w *fakeWalletState) SetAccountState(ctx context.Context, userID string, state types.AccountState) error {
	w.states = append(w.states, state)
	return nil
}

type fakeUserLister struct {
	userIDs []string
}

func (l *fakeUserLister) ActiveUserIDs(ctx context.Context) ([]string, error) {
	return l.userIDs, nil
}

func TestCheckUserNotBreachedIsNoOp(t *testing.T) {
	risk := &scriptedRisk{snapshots: []Snapshot{
		{UserID: "u1", Equity: decimal.NewFromInt(100000), RequiredMargin: decimal.NewFromInt(10000), MaintenanceMargin: decimal.NewFromInt(5000), AccountState: types.AccountStateNormal},
	}}
	closer := &fakeCloser{}
	wallets := &fakeWalletState{}
	eng := New(DefaultConfig(), testLogger(), risk, closer, wallets, &fakeUserLister{})

	require.NoError(t, eng.CheckUser(context.Background(), "u1"))
	assert.Empty(t, closer.calls)
	assert.Empty(t, wallets.states)
}

func TestCheckUserResetsToMarginStressedWhenBelowRequired(t *testing.T) {
	risk := &scriptedRisk{snapshots: []Snapshot{
		{UserID: "u1", Equity: decimal.NewFromInt(8000), RequiredMargin: decimal.NewFromInt(10000), MaintenanceMargin: decimal.NewFromInt(5000), AccountState: types.AccountStateNormal},
	}}
	closer := &fakeCloser{}
	wallets := &fakeWalletState{}
	eng := New(DefaultConfig(), testLogger(), risk, closer, wallets, &fakeUserLister{})

	require.NoError(t, eng.CheckUser(context.Background(), "u1"))
	assert.Empty(t, closer.calls)
	require.Len(t, wallets.states, 1)
	assert.Equal(t, types.AccountStateMarginStressed, wallets.states[0])
}

func TestCheckUserBreachedForceClosesHighestPriorityThenClears(t *testing.T) {
	risk := &scriptedRisk{
		snapshots: []Snapshot{
			{UserID: "u1", Equity: decimal.NewFromInt(4000), RequiredMargin: decimal.NewFromInt(10000), MaintenanceMargin: decimal.NewFromInt(5000), AccountState: types.AccountStateNormal},
			{UserID: "u1", Equity: decimal.NewFromInt(20000), RequiredMargin: decimal.NewFromInt(10000), MaintenanceMargin: decimal.NewFromInt(5000), AccountState: types.AccountStateLiquidating},
		},
		candidates: []PositionCandidate{
			{InstrumentKey: "NSE_FUT|NIFTY", Quantity: -5, MarginUsage: decimal.NewFromInt(9000), UnrealizedLoss: decimal.NewFromInt(500), Notional: decimal.NewFromInt(110000)},
			{InstrumentKey: "NSE_EQ|TCS", Quantity: 10, MarginUsage: decimal.NewFromInt(2000), UnrealizedLoss: decimal.NewFromInt(100), Notional: decimal.NewFromInt(35000)},
		},
	}
	closer := &fakeCloser{}
	wallets := &fakeWalletState{}
	eng := New(DefaultConfig(), testLogger(), risk, closer, wallets, &fakeUserLister{})

	require.NoError(t, eng.CheckUser(context.Background(), "u1"))

	require.Len(t, closer.calls, 1)
	assert.Equal(t, "NSE_FUT|NIFTY", closer.calls[0], "the short NIFTY future has the higher marginUsage and should be closed first")

	require.Len(t, wallets.states, 2)
	assert.Equal(t, types.AccountStateLiquidating, wallets.states[0])
	assert.Equal(t, types.AccountStateNormal, wallets.states[1])
}

func TestCheckUserWithNoCandidatesExitsWithoutError(t *testing.T) {
	risk := &scriptedRisk{
		snapshots: []Snapshot{
			{UserID: "u1", Equity: decimal.NewFromInt(1000), RequiredMargin: decimal.NewFromInt(10000), MaintenanceMargin: decimal.NewFromInt(5000), AccountState: types.AccountStateNormal},
		},
	}
	closer := &fakeCloser{}
	wallets := &fakeWalletState{}
	eng := New(DefaultConfig(), testLogger(), risk, closer, wallets, &fakeUserLister{})

	require.NoError(t, eng.CheckUser(context.Background(), "u1"))
	assert.Empty(t, closer.calls)
}

func TestCheckUserExhaustsStepsReturnsError(t *testing.T) {
	always := Snapshot{UserID: "u1", Equity: decimal.NewFromInt(1000), RequiredMargin: decimal.NewFromInt(10000), MaintenanceMargin: decimal.NewFromInt(5000), AccountState: types.AccountStateLiquidating}
	risk := &scriptedRisk{
		snapshots:  []Snapshot{always},
		candidates: []PositionCandidate{{InstrumentKey: "NSE_EQ|TCS", Quantity: 10, MarginUsage: decimal.NewFromInt(1000), UnrealizedLoss: decimal.Zero, Notional: decimal.NewFromInt(10000)}},
	}
	closer := &fakeCloser{}
	wallets := &fakeWalletState{}
	cfg := Config{MaxSteps: 3, Interval: DefaultConfig().Interval}
	eng := New(cfg, testLogger(), risk, closer, wallets, &fakeUserLister{})

	err := eng.CheckUser(context.Background(), "u1")
	require.Error(t, err)
	assert.Len(t, closer.calls, 3)
}

func TestChoosePriorityPicksHighestMarginUsage(t *testing.T) {
	candidates := []PositionCandidate{
		{InstrumentKey: "B", MarginUsage: decimal.NewFromInt(100), UnrealizedLoss: decimal.Zero, Notional: decimal.Zero},
		{InstrumentKey: "A", MarginUsage: decimal.NewFromInt(200), UnrealizedLoss: decimal.Zero, Notional: decimal.Zero},
	}
	pick := choosePriority(candidates)
	assert.Equal(t, types.InstrumentKey("A"), pick.InstrumentKey)
}

func TestChoosePriorityTieBreaksByInstrumentKeyAscending(t *testing.T) {
	candidates := []PositionCandidate{
		{InstrumentKey: "Z", MarginUsage: decimal.NewFromInt(100), UnrealizedLoss: decimal.Zero, Notional: decimal.Zero},
		{InstrumentKey: "A", MarginUsage: decimal.NewFromInt(100), UnrealizedLoss: decimal.Zero, Notional: decimal.Zero},
	}
	pick := choosePriority(candidates)
	assert.Equal(t, types.InstrumentKey("A"), pick.InstrumentKey)
}
