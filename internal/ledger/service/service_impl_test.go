package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	accountdomain "github.com/smallbiznis/summarly/internal/account/domain"
	accountrepo "github.com/smallbiznis/summarly/internal/account/repository"
	accountservice "github.com/smallbiznis/summarly/internal/account/service"
	"github.com/smallbiznis/summarly/internal/clock"
	"github.com/smallbiznis/summarly/internal/config"
	ledgerdomain "github.com/smallbiznis/summarly/internal/ledger/domain"
	"github.com/smallbiznis/summarly/internal/ratelimit"
	"github.com/smallbiznis/summarly/pkg/db"
)

type ledgerFixture struct {
	svc     ledgerdomain.Service
	clock   *clock.FakeClock
	repo    accountdomain.Repository
	genID   *snowflake.Node
	cfg     config.Config
	accSvc  accountdomain.Service
	baseNow time.Time
}

func newLedgerFixture(t *testing.T, mutate func(*config.Config)) *ledgerFixture {
	t.Helper()

	conn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&accountdomain.Account{}, &ledgerdomain.UsagePeriod{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	baseNow := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	fake := clock.NewFakeClock(baseNow)

	cfg := config.Config{
		TrialDuration: 7 * 24 * time.Hour,
		Features: config.FeatureFlags{
			SubscriptionSystem: true,
			TrialPeriod:        true,
			UsageTracking:      true,
			SubscriptionLimits: true,
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	repo := accountrepo.New(conn)
	accSvc := accountservice.New(accountservice.ServiceParam{
		Log:   zap.NewNop(),
		Repo:  repo,
		GenID: node,
		Clock: fake,
		Cfg:   cfg,
	})

	svc := New(ServiceParam{
		DB:         conn,
		Log:        zap.NewNop(),
		GenID:      node,
		AccountSvc: accSvc,
		Tiers:      config.NewStaticTierHolder(config.DefaultTierConfig()),
		Clock:      fake,
		Cfg:        cfg,
		Keyed:      ratelimit.NewKeyedMutex(),
	})

	return &ledgerFixture{
		svc:     svc,
		clock:   fake,
		repo:    repo,
		genID:   node,
		cfg:     cfg,
		accSvc:  accSvc,
		baseNow: baseNow,
	}
}

func (f *ledgerFixture) seedAccount(t *testing.T, identity accountdomain.Identity, status accountdomain.Status) {
	t.Helper()
	now := f.clock.Now()
	account := &accountdomain.Account{
		ID:          f.genID.Generate(),
		UserID:      identity.UserID,
		TeamID:      identity.TeamID,
		Status:      status,
		LastLoginAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if status == accountdomain.StatusTrial {
		trialStart := now
		account.TrialStartAt = &trialStart
	}
	require.NoError(t, f.repo.Create(context.Background(), account))
}

func TestTryConsumeFreeTierExhaustion(t *testing.T) {
	f := newLedgerFixture(t, nil)
	identity := accountdomain.Identity{UserID: "U1", TeamID: "T1"}
	f.seedAccount(t, identity, accountdomain.StatusFree)

	ctx := context.Background()
	month := ledgerdomain.MonthKey(f.clock.Now())

	for i := int64(1); i <= 10; i++ {
		consumption, err := f.svc.TryConsume(ctx, identity, month)
		require.NoError(t, err)
		assert.Equal(t, 10-i, consumption.Remaining)
	}

	_, err := f.svc.TryConsume(ctx, identity, month)
	assert.ErrorIs(t, err, ledgerdomain.ErrQuotaExceeded)

	usage, err := f.svc.Peek(ctx, identity, month)
	require.NoError(t, err)
	assert.Equal(t, int64(10), usage.Count)
	assert.Equal(t, int64(10), usage.Limit)
}

func TestTryConsumeConcurrentNeverExceedsLimit(t *testing.T) {
	f := newLedgerFixture(t, nil)
	identity := accountdomain.Identity{UserID: "U1", TeamID: "T1"}
	f.seedAccount(t, identity, accountdomain.StatusFree)

	ctx := context.Background()
	month := ledgerdomain.MonthKey(f.clock.Now())

	const attempts = 25
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
		denied  int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.TryConsume(ctx, identity, month)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				granted++
			case errors.Is(err, ledgerdomain.ErrQuotaExceeded):
				denied++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, granted)
	assert.Equal(t, attempts-10, denied)

	usage, err := f.svc.Peek(ctx, identity, month)
	require.NoError(t, err)
	assert.Equal(t, int64(10), usage.Count)
}

func TestTryConsumeMonthlyRollover(t *testing.T) {
	f := newLedgerFixture(t, nil)
	identity := accountdomain.Identity{UserID: "U1", TeamID: "T1"}
	f.seedAccount(t, identity, accountdomain.StatusFree)

	ctx := context.Background()
	march := ledgerdomain.MonthKey(f.clock.Now())

	for i := 0; i < 10; i++ {
		_, err := f.svc.TryConsume(ctx, identity, march)
		require.NoError(t, err)
	}
	_, err := f.svc.TryConsume(ctx, identity, march)
	require.ErrorIs(t, err, ledgerdomain.ErrQuotaExceeded)

	f.clock.Advance(31 * 24 * time.Hour)
	april := ledgerdomain.MonthKey(f.clock.Now())
	require.NotEqual(t, march, april)

	consumption, err := f.svc.TryConsume(ctx, identity, april)
	require.NoError(t, err)
	assert.Equal(t, int64(9), consumption.Remaining)

	// The exhausted March period is untouched by April consumption.
	usage, err := f.svc.Peek(ctx, identity, march)
	require.NoError(t, err)
	assert.Equal(t, int64(10), usage.Count)
}

func TestTryConsumeUnlimitedStatuses(t *testing.T) {
	for _, status := range []accountdomain.Status{
		accountdomain.StatusTrial,
		accountdomain.StatusPro,
		accountdomain.StatusAdmin,
	} {
		t.Run(string(status), func(t *testing.T) {
			f := newLedgerFixture(t, nil)
			identity := accountdomain.Identity{UserID: "U1", TeamID: "T1"}
			f.seedAccount(t, identity, status)

			ctx := context.Background()
			month := ledgerdomain.MonthKey(f.clock.Now())

			for i := 0; i < 15; i++ {
				consumption, err := f.svc.TryConsume(ctx, identity, month)
				require.NoError(t, err)
				assert.Equal(t, int64(config.Unlimited), consumption.Remaining)
			}

			usage, err := f.svc.Peek(ctx, identity, month)
			require.NoError(t, err)
			assert.Equal(t, int64(15), usage.Count)
		})
	}
}

func TestTryConsumeAppliesTrialExpiry(t *testing.T) {
	f := newLedgerFixture(t, nil)
	identity := accountdomain.Identity{UserID: "U1", TeamID: "T1"}
	f.seedAccount(t, identity, accountdomain.StatusTrial)

	ctx := context.Background()

	// During the trial the ceiling is unlimited.
	consumption, err := f.svc.TryConsume(ctx, identity, ledgerdomain.MonthKey(f.clock.Now()))
	require.NoError(t, err)
	assert.Equal(t, int64(config.Unlimited), consumption.Remaining)

	// Past the trial window the account falls back to the free tier and
	// its limit applies from the very next consumption.
	f.clock.Advance(8 * 24 * time.Hour)
	month := ledgerdomain.MonthKey(f.clock.Now())
	consumption, err = f.svc.TryConsume(ctx, identity, month)
	require.NoError(t, err)
	assert.Equal(t, int64(8), consumption.Remaining)

	account, err := f.accSvc.Get(ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, accountdomain.StatusFree, account.Status)
}

func TestTryConsumeLimitsDisabled(t *testing.T) {
	f := newLedgerFixture(t, func(cfg *config.Config) {
		cfg.Features.SubscriptionLimits = false
	})
	identity := accountdomain.Identity{UserID: "U1", TeamID: "T1"}
	f.seedAccount(t, identity, accountdomain.StatusFree)

	ctx := context.Background()
	month := ledgerdomain.MonthKey(f.clock.Now())

	for i := 0; i < 12; i++ {
		consumption, err := f.svc.TryConsume(ctx, identity, month)
		require.NoError(t, err)
		assert.Equal(t, int64(config.Unlimited), consumption.Remaining)
	}
}

func TestTryConsumeRejectsBadInput(t *testing.T) {
	f := newLedgerFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.TryConsume(ctx, accountdomain.Identity{UserID: "U1"}, "2026-03")
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidIdentity)

	_, err = f.svc.TryConsume(ctx, accountdomain.Identity{UserID: "U1", TeamID: "T1"}, "March 2026")
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidMonth)

	_, err = f.svc.TryConsume(ctx, accountdomain.Identity{UserID: "U1", TeamID: "T1"}, "2026-3")
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidMonth)
}

func TestCompensateReversesOneUnit(t *testing.T) {
	f := newLedgerFixture(t, nil)
	identity := accountdomain.Identity{UserID: "U1", TeamID: "T1"}
	f.seedAccount(t, identity, accountdomain.StatusFree)

	ctx := context.Background()
	month := ledgerdomain.MonthKey(f.clock.Now())

	_, err := f.svc.TryConsume(ctx, identity, month)
	require.NoError(t, err)
	_, err = f.svc.TryConsume(ctx, identity, month)
	require.NoError(t, err)

	require.NoError(t, f.svc.Compensate(ctx, identity, month))

	usage, err := f.svc.Peek(ctx, identity, month)
	require.NoError(t, err)
	assert.Equal(t, int64(1), usage.Count)
}

func TestCompensateWithoutGrantIsCorrupt(t *testing.T) {
	f := newLedgerFixture(t, nil)
	identity := accountdomain.Identity{UserID: "U1", TeamID: "T1"}
	f.seedAccount(t, identity, accountdomain.StatusFree)

	ctx := context.Background()
	month := ledgerdomain.MonthKey(f.clock.Now())

	// No period exists at all.
	err := f.svc.Compensate(ctx, identity, month)
	assert.ErrorIs(t, err, ledgerdomain.ErrLedgerCorrupt)

	// Period exists but is already at zero.
	_, err = f.svc.TryConsume(ctx, identity, month)
	require.NoError(t, err)
	require.NoError(t, f.svc.Compensate(ctx, identity, month))
	err = f.svc.Compensate(ctx, identity, month)
	assert.ErrorIs(t, err, ledgerdomain.ErrLedgerCorrupt)
}

func TestResetMonthlyUsage(t *testing.T) {
	f := newLedgerFixture(t, nil)
	identity := accountdomain.Identity{UserID: "U1", TeamID: "T1"}
	f.seedAccount(t, identity, accountdomain.StatusFree)

	ctx := context.Background()
	month := ledgerdomain.MonthKey(f.clock.Now())

	for i := 0; i < 10; i++ {
		_, err := f.svc.TryConsume(ctx, identity, month)
		require.NoError(t, err)
	}
	_, err := f.svc.TryConsume(ctx, identity, month)
	require.ErrorIs(t, err, ledgerdomain.ErrQuotaExceeded)

	require.NoError(t, f.svc.ResetMonthlyUsage(ctx, identity))

	consumption, err := f.svc.TryConsume(ctx, identity, month)
	require.NoError(t, err)
	assert.Equal(t, int64(9), consumption.Remaining)

	usage, err := f.svc.Peek(ctx, identity, month)
	require.NoError(t, err)
	assert.Equal(t, int64(1), usage.Count)
}

func TestResetMonthlyUsageNoPeriodIsNoop(t *testing.T) {
	f := newLedgerFixture(t, nil)
	identity := accountdomain.Identity{UserID: "U1", TeamID: "T1"}
	f.seedAccount(t, identity, accountdomain.StatusFree)

	require.NoError(t, f.svc.ResetMonthlyUsage(context.Background(), identity))
}

func TestPeekUnknownPeriodIsZero(t *testing.T) {
	f := newLedgerFixture(t, nil)
	identity := accountdomain.Identity{UserID: "U1", TeamID: "T1"}
	f.seedAccount(t, identity, accountdomain.StatusFree)

	usage, err := f.svc.Peek(context.Background(), identity, "2025-12")
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage.Count)
	assert.Equal(t, int64(10), usage.Limit)
}
