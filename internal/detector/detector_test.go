package detector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"

	scanerrors "drainscan/internal/errors"
	"drainscan/internal/registry"
	"drainscan/internal/retry"
	"drainscan/internal/store"
	"drainscan/pkg/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

var fastLookup = LookupConfig{
	Timeout: 50 * time.Millisecond,
	Retry:   &retry.RetryConfig{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, BackoffFactor: 1},
}

func out(sig string, ts int64, asset, to string, amount float64) models.TransactionEvent {
	return models.TransactionEvent{
		Signature: sig, Timestamp: ts, Kind: models.EventKindTransfer, Asset: asset,
		Amount: decimal.NewFromFloat(amount), Direction: models.DirectionOut, Counterparty: to,
		ProgramID: "11111111111111111111111111111111",
	}
}

func in(sig string, ts int64, asset, from string, amount float64) models.TransactionEvent {
	ev := out(sig, ts, asset, from, amount)
	ev.Direction = models.DirectionIn
	return ev
}

func TestTemporal_FourAssetsTwoRecipients(t *testing.T) {
	d := NewTemporalClusterDetector(TemporalConfig{}, quietLogger())
	events := []models.TransactionEvent{
		out("s1", 1000, "SOL", "drainerA", 3),
		out("s2", 1030, "mintUSDC", "drainerA", 100),
		out("s3", 1060, "mintBONK", "drainerB", 1e6),
		out("s4", 1120, "mintJUP", "drainerB", 50),
	}

	f, err := d.Detect(context.Background(), events)
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, models.FactorTemporalClustering, f.Type)
	assert.Equal(t, models.SeverityHigh, f.Severity)
	assert.Equal(t, 0.7, f.Confidence)
	assert.ElementsMatch(t, []string{"drainerA", "drainerB"}, f.Addresses())
	assert.Len(t, f.Signatures(), 4)
}

func TestTemporal_ConfidenceBands(t *testing.T) {
	tests := []struct {
		assets int
		want   float64
	}{
		{3, 0.7}, {4, 0.7}, {5, 0.9}, {9, 0.9}, {10, 1.0}, {14, 1.0},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d assets", tt.assets), func(t *testing.T) {
			var events []models.TransactionEvent
			for i := 0; i < tt.assets; i++ {
				events = append(events, out(fmt.Sprintf("s%d", i), int64(1000+i), fmt.Sprintf("mint%d", i), fmt.Sprintf("to%d", i%2), 1))
			}
			f, err := NewTemporalClusterDetector(TemporalConfig{}, quietLogger()).Detect(context.Background(), events)
			require.NoError(t, err)
			require.NotNil(t, f)
			assert.Equal(t, tt.want, f.Confidence)
		})
	}
}

func TestTemporal_NoFire(t *testing.T) {
	jupiter := DefaultDexPrograms[0]
	tests := []struct {
		name   string
		events []models.TransactionEvent
	}{
		{"single recipient migration", []models.TransactionEvent{
			out("s1", 1000, "SOL", "newWallet", 1),
			out("s2", 1001, "mintA", "newWallet", 1),
			out("s3", 1002, "mintB", "newWallet", 1),
		}},
		{"spread beyond window", []models.TransactionEvent{
			out("s1", 1000, "SOL", "a", 1),
			out("s2", 1200, "mintA", "b", 1),
			out("s3", 1400, "mintB", "a", 1),
		}},
		{"dex recipients", []models.TransactionEvent{
			out("s1", 1000, "SOL", jupiter, 1),
			out("s2", 1001, "mintA", jupiter, 1),
			out("s3", 1002, "mintB", "a", 1),
			out("s4", 1003, "mintC", "b", 1),
		}},
		{"inflows ignored", []models.TransactionEvent{
			in("s1", 1000, "SOL", "a", 1),
			in("s2", 1001, "mintA", "b", 1),
			in("s3", 1002, "mintB", "c", 1),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewTemporalClusterDetector(TemporalConfig{}, quietLogger()).Detect(context.Background(), tt.events)
			require.NoError(t, err)
			assert.Nil(t, f)
		})
	}
}

func TestTemporal_DexByProgramID(t *testing.T) {
	swaps := []models.TransactionEvent{
		out("s1", 1000, "SOL", "pool1", 1),
		out("s2", 1001, "mintA", "pool2", 1),
		out("s3", 1002, "mintB", "pool3", 1),
	}
	for i := range swaps {
		swaps[i].ProgramID = "CustomDex1111111111111111111111111111111111"
	}

	d := NewTemporalClusterDetector(TemporalConfig{DexPrograms: []string{"CustomDex1111111111111111111111111111111111"}}, quietLogger())
	f, err := d.Detect(context.Background(), swaps)
	require.NoError(t, err)
	assert.Nil(t, f)

	f, err = NewTemporalClusterDetector(TemporalConfig{}, quietLogger()).Detect(context.Background(), swaps)
	require.NoError(t, err)
	assert.NotNil(t, f)
}

func TestSweeper_FastPairs(t *testing.T) {
	d := NewSweeperBotDetector(SweeperConfig{}, quietLogger())
	events := []models.TransactionEvent{
		in("i1", 1000, "SOL", "friend", 1.0),
		out("o1", 1004, "SOL", "sweeper", 0.999),
		in("i2", 2000, "mintA", "exchange", 50),
		out("o2", 2002, "mintA", "sweeper", 50),
	}

	f, err := d.Detect(context.Background(), events)
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, models.SeverityCritical, f.Severity)
	assert.GreaterOrEqual(t, f.Confidence, 0.9)
	assert.Equal(t, []string{"sweeper"}, f.Addresses())
	assert.ElementsMatch(t, []string{"i1", "o1", "i2", "o2"}, f.Signatures())
}

func TestSweeper_Bands(t *testing.T) {
	pairs := func(n int, gap int64) []models.TransactionEvent {
		var evs []models.TransactionEvent
		for i := 0; i < n; i++ {
			base := int64(1000 + i*100)
			evs = append(evs,
				in(fmt.Sprintf("i%d", i), base, "SOL", "x", 2),
				out(fmt.Sprintf("o%d", i), base+gap, "SOL", "sweeper", 1.95))
		}
		return evs
	}

	tests := []struct {
		name   string
		events []models.TransactionEvent
		want   float64
	}{
		{"two slow pairs", pairs(2, 25), 0.7},
		{"two fast pairs", pairs(2, 10), 0.9},
		{"five fast pairs", pairs(5, 3), 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewSweeperBotDetector(SweeperConfig{}, quietLogger()).Detect(context.Background(), tt.events)
			require.NoError(t, err)
			require.NotNil(t, f)
			assert.Equal(t, tt.want, f.Confidence)
		})
	}
}

func TestSweeper_NoFire(t *testing.T) {
	tests := []struct {
		name   string
		events []models.TransactionEvent
	}{
		{"single pair is coincidence", []models.TransactionEvent{
			in("i1", 1000, "SOL", "x", 1), out("o1", 1002, "SOL", "y", 1),
		}},
		{"ratio too low", []models.TransactionEvent{
			in("i1", 1000, "SOL", "x", 1), out("o1", 1002, "SOL", "y", 0.5),
			in("i2", 2000, "SOL", "x", 1), out("o2", 2002, "SOL", "y", 0.5),
		}},
		{"outflow larger than inflow", []models.TransactionEvent{
			in("i1", 1000, "SOL", "x", 1), out("o1", 1002, "SOL", "y", 3),
			in("i2", 2000, "SOL", "x", 1), out("o2", 2002, "SOL", "y", 3),
		}},
		{"too slow", []models.TransactionEvent{
			in("i1", 1000, "SOL", "x", 1), out("o1", 1060, "SOL", "y", 1),
			in("i2", 2000, "SOL", "x", 1), out("o2", 2060, "SOL", "y", 1),
		}},
		{"different asset", []models.TransactionEvent{
			in("i1", 1000, "SOL", "x", 1), out("o1", 1002, "mintA", "y", 1),
			in("i2", 2000, "SOL", "x", 1), out("o2", 2002, "mintA", "y", 1),
		}},
		{"one outflow cannot pair twice", []models.TransactionEvent{
			in("i1", 1000, "SOL", "x", 1), in("i2", 1001, "SOL", "x", 1), out("o1", 1003, "SOL", "y", 1),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewSweeperBotDetector(SweeperConfig{}, quietLogger()).Detect(context.Background(), tt.events)
			require.NoError(t, err)
			assert.Nil(t, f)
		})
	}
}

type countingStore struct {
	store.MaliciousStore
	calls int32
	err   error
	delay time.Duration
}

func (c *countingStore) LookupBatch(ctx context.Context, addrs []string) ([]models.KnownMaliciousRecord, error) {
	atomic.AddInt32(&c.calls, 1)
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.err != nil {
		return nil, c.err
	}
	return c.MaliciousStore.LookupBatch(ctx, addrs)
}

func newMaliciousDetector(s store.MaliciousStore, now time.Time) *KnownMaliciousLookupDetector {
	d := NewKnownMaliciousLookupDetector(s, fastLookup, 30*24*time.Hour, quietLogger())
	d.now = func() time.Time { return now }
	return d
}

func TestKnownMalicious_RecentHighCountCapped(t *testing.T) {
	now := time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)
	s := store.NewMemoryStore(models.KnownMaliciousRecord{
		Address: "drainer", ReportCount: 25, LastSeen: now.Add(-5 * 24 * time.Hour),
	})

	f, err := newMaliciousDetector(s, now).Detect(context.Background(), []models.TransactionEvent{
		out("s1", 1000, "SOL", "drainer", 10),
		out("s2", 1001, "SOL", "friend", 1),
	})
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, 1.0, f.Confidence)
	assert.Equal(t, models.SeverityCritical, f.Severity)
	assert.Equal(t, []string{"drainer"}, f.Addresses())
	assert.Equal(t, []string{"s1"}, f.Signatures())
}

func TestKnownMalicious_Bands(t *testing.T) {
	now := time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)
	old := now.Add(-90 * 24 * time.Hour)
	recent := now.Add(-24 * time.Hour)
	tests := []struct {
		count    int
		lastSeen time.Time
		want     float64
	}{
		{1, old, 0.6}, {5, old, 0.6}, {6, old, 0.8}, {20, old, 0.8}, {21, old, 1.0},
		{3, recent, 0.9}, {10, recent, 1.0},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d reports recent=%v", tt.count, tt.lastSeen == recent), func(t *testing.T) {
			s := store.NewMemoryStore(models.KnownMaliciousRecord{Address: "bad", ReportCount: tt.count, LastSeen: tt.lastSeen})
			f, err := newMaliciousDetector(s, now).Detect(context.Background(), []models.TransactionEvent{out("s", 1, "SOL", "bad", 1)})
			require.NoError(t, err)
			require.NotNil(t, f)
			assert.InDelta(t, tt.want, f.Confidence, 1e-9)
		})
	}
}

func TestKnownMalicious_CandidatesIncludeDelegates(t *testing.T) {
	s := store.NewMemoryStore(models.KnownMaliciousRecord{Address: "delegate", ReportCount: 2})
	approval := models.TransactionEvent{
		Signature: "a1", Timestamp: 1, Kind: models.EventKindApproval, Asset: "mintA",
		Direction: models.DirectionNone, Counterparty: "delegate", Unlimited: true,
	}

	f, err := newMaliciousDetector(s, time.Now()).Detect(context.Background(), []models.TransactionEvent{approval})
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, []string{"a1"}, f.Signatures())
}

func TestKnownMalicious_NoCandidatesSkipsLookup(t *testing.T) {
	s := &countingStore{MaliciousStore: store.NewMemoryStore()}
	f, err := newMaliciousDetector(s, time.Now()).Detect(context.Background(), []models.TransactionEvent{in("s", 1, "SOL", "x", 1)})
	require.NoError(t, err)
	assert.Nil(t, f)
	assert.EqualValues(t, 0, s.calls)
}

func TestKnownMalicious_StoreFailure(t *testing.T) {
	s := &countingStore{MaliciousStore: store.NewMemoryStore(), err: errors.New("connection refused")}
	f, err := newMaliciousDetector(s, time.Now()).Detect(context.Background(), []models.TransactionEvent{out("s", 1, "SOL", "x", 1)})
	assert.Nil(t, f)
	require.Error(t, err)
	assert.True(t, scanerrors.IsType(err, scanerrors.ErrorTypeDependencyUnavailable))
	assert.EqualValues(t, 2, s.calls)
}

func TestKnownMalicious_PerCallTimeoutRetried(t *testing.T) {
	s := &countingStore{MaliciousStore: store.NewMemoryStore(), delay: time.Second}
	start := time.Now()
	_, err := newMaliciousDetector(s, time.Now()).Detect(context.Background(), []models.TransactionEvent{out("s", 1, "SOL", "x", 1)})
	require.Error(t, err)
	assert.EqualValues(t, 2, s.calls)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func newRegistryDetector(t *testing.T, client registry.Client) *OnChainRegistryDetector {
	t.Helper()
	derive := func(address string) (string, error) {
		if address == "underivable" {
			return "", errors.New("bad address")
		}
		return "pda-" + address, nil
	}
	return NewOnChainRegistryDetector(derive, client, fastLookup, quietLogger())
}

func TestRegistry_Bands(t *testing.T) {
	tests := []struct {
		count uint32
		want  float64
	}{
		{1, 0.7}, {2, 0.7}, {3, 0.9}, {10, 0.9}, {11, 1.0},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d reports", tt.count), func(t *testing.T) {
			m := registry.NewMemoryClient()
			m.Put(&models.RegistryRecord{Key: "pda-drainer", ReportCount: tt.count, LastSeen: time.Unix(1700000000, 0)})
			f, err := newRegistryDetector(t, m).Detect(context.Background(), []models.TransactionEvent{
				out("s1", 1, "SOL", "drainer", 1),
				out("s2", 2, "SOL", "underivable", 1),
			})
			require.NoError(t, err)
			require.NotNil(t, f)
			assert.Equal(t, tt.want, f.Confidence)
			assert.Equal(t, models.SeverityHigh, f.Severity)
			assert.Equal(t, []string{"drainer"}, f.Addresses())
		})
	}
}

func TestRegistry_DescriptionCarriesCategory(t *testing.T) {
	m := registry.NewMemoryClient()
	m.Put(&models.RegistryRecord{
		Key: "pda-drainer", ReportCount: 4, TotalLamportsReported: 2_500_000_000,
		AttackCategory: models.AttackCategoryMaliciousApproval,
	})

	f, err := newRegistryDetector(t, m).Detect(context.Background(), []models.TransactionEvent{out("s1", 1, "SOL", "drainer", 1)})
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Contains(t, f.Description, "2.5 SOL")
	assert.Contains(t, f.Description, "malicious_approval")
}

func TestRegistry_UnknownCategoryOmittedFromDescription(t *testing.T) {
	m := registry.NewMemoryClient()
	m.Put(&models.RegistryRecord{
		Key: "pda-drainer", ReportCount: 2, TotalLamportsReported: 1_000_000_000,
		AttackCategory: models.AttackCategoryUnknown,
	})

	f, err := newRegistryDetector(t, m).Detect(context.Background(), []models.TransactionEvent{out("s1", 1, "SOL", "drainer", 1)})
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.NotContains(t, f.Description, "categories")
	assert.NotContains(t, f.Description, "unknown")
}

func TestRegistry_UnavailableDegrades(t *testing.T) {
	m := registry.NewMemoryClient()
	m.FailWith(errors.New("503 service unavailable"))

	f, err := newRegistryDetector(t, m).Detect(context.Background(), []models.TransactionEvent{out("s1", 1, "SOL", "drainer", 1)})
	assert.Nil(t, f)
	assert.True(t, scanerrors.IsType(err, scanerrors.ErrorTypeDependencyUnavailable))
}

func TestRegistry_NotFound(t *testing.T) {
	f, err := newRegistryDetector(t, registry.NewMemoryClient()).Detect(context.Background(), []models.TransactionEvent{out("s1", 1, "SOL", "drainer", 1)})
	require.NoError(t, err)
	assert.Nil(t, f)
}
