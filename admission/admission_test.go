// Copyright 2025 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package admission

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/blinklabs-io/corral/capledger"
	"github.com/blinklabs-io/corral/database"
	"github.com/blinklabs-io/corral/database/models"
	"github.com/blinklabs-io/corral/event"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

// stubTiers is a canned TierProvider for tests
type stubTiers struct {
	statuses map[string]*TierStatus
	err      error
}

func (s *stubTiers) UserStatus(
	_ context.Context,
	userId string,
) (*TierStatus, error) {
	if s.err != nil {
		return nil, s.err
	}
	if status, ok := s.statuses[userId]; ok {
		return status, nil
	}
	return &TierStatus{}, nil
}

// newTestController creates a controller backed by in-memory stores. The
// returned stubTiers starts empty; tests add statuses as needed.
func newTestController(t *testing.T) (*Controller, *stubTiers) {
	t.Helper()
	db, err := database.New(
		database.WithLogger(slog.New(slog.NewJSONHandler(io.Discard, nil))),
	)
	require.NoError(t, err, "failed to create test database")
	t.Cleanup(func() {
		db.Close() //nolint:errcheck
	})
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	eventBus := event.NewEventBus(nil, nil)
	ledger := capledger.NewLedger(capledger.LedgerConfig{
		Logger:       logger,
		EventBus:     eventBus,
		PromRegistry: prometheus.NewRegistry(),
		Database:     db,
	})
	tiers := &stubTiers{statuses: make(map[string]*TierStatus)}
	controller := NewController(ControllerConfig{
		Logger:       logger,
		EventBus:     eventBus,
		PromRegistry: prometheus.NewRegistry(),
		Database:     db,
		Ledger:       ledger,
		TierProvider: tiers,
	})
	return controller, tiers
}

// seedDeal creates an open deal and returns it
func seedDeal(
	t *testing.T,
	c *Controller,
	slug string,
	mutate func(*models.Deal),
) *models.Deal {
	t.Helper()
	now := time.Now()
	deal := &models.Deal{
		Slug:                slug,
		Name:                "Test Deal " + slug,
		RaiseCurrency:       "USDC",
		TokenSymbol:         "TEST",
		TokenPrice:          decimal.RequireFromString("0.08"),
		TokenDecimals:       6,
		SoftCap:             decimal.NewFromInt(250_000),
		HardCap:             decimal.NewFromInt(1_000_000),
		MinContribution:     decimal.NewFromInt(100),
		MaxContribution:     decimal.NewFromInt(50_000),
		AllocationMethod:    models.AllocationMethodFcfs,
		VestingType:         models.VestingTypeTgePlusLinear,
		TgeUnlockPercent:    20,
		VestingCliffDays:    30,
		VestingDurationDays: 365,
		OpensAt:             now.Add(-time.Hour),
		ClosesAt:            now.Add(time.Hour),
		TgeAt:               now.Add(2 * time.Hour),
	}
	if mutate != nil {
		mutate(deal)
	}
	require.NoError(t, c.db.AddDeal(deal, nil))
	return deal
}

func submitOK(
	t *testing.T,
	c *Controller,
	userId string,
	dealId uint,
	amount int64,
) *models.ContributionRequest {
	t.Helper()
	contribution, err := c.Submit(
		context.Background(),
		userId,
		dealId,
		decimal.NewFromInt(amount),
		"USDC",
	)
	require.NoError(t, err)
	return contribution
}

// =============================================================================
// Submit Tests
// =============================================================================

func TestController_SubmitAdmitsPending(t *testing.T) {
	c, _ := newTestController(t)
	deal := seedDeal(t, c, "submit-ok", nil)

	contribution := submitOK(t, c, "user-a", deal.ID, 5_000)
	assert.Equal(t, models.ContributionStatusPending, contribution.Status)
	assert.NotEmpty(t, contribution.Reservation)
	assert.NotZero(t, contribution.ID)

	// Cap projection moved with the admission
	stored, err := c.db.GetDeal(deal.ID, nil)
	require.NoError(t, err)
	assert.True(t, stored.TotalRaised.Equal(decimal.NewFromInt(5_000)))

	// Journal carries the reservation
	entries, err := c.db.JournalEntries(
		database.DealJournalScope(deal.ID),
		nil,
	)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, database.JournalEntryTypeReserve, entries[0].Type)
	assert.Equal(t, contribution.Reservation, entries[0].Reservation)

	assert.Equal(
		t,
		float64(1),
		testutil.ToFloat64(c.metrics.admittedTotal),
	)
}

func TestController_SubmitAccumulatesAllocation(t *testing.T) {
	c, tiers := newTestController(t)
	deal := seedDeal(t, c, "submit-accumulate", nil)
	tiers.statuses["user-a"] = &TierStatus{Tier: 2, LotteryTickets: 7}

	submitOK(t, c, "user-a", deal.ID, 5_000)
	submitOK(t, c, "user-a", deal.ID, 3_000)

	row, err := c.db.GetAllocation(deal.ID, "user-a", nil)
	require.NoError(t, err)
	assert.True(t, row.RequestedAmount.Equal(decimal.NewFromInt(8_000)))
	assert.Equal(t, uint(7), row.LotteryTickets)
	assert.False(t, row.Finalized)
}

func TestController_SubmitPhaseClosed(t *testing.T) {
	c, _ := newTestController(t)
	notOpen := seedDeal(t, c, "submit-early", func(d *models.Deal) {
		d.OpensAt = time.Now().Add(time.Hour)
		d.ClosesAt = time.Now().Add(2 * time.Hour)
	})
	closed := seedDeal(t, c, "submit-late", func(d *models.Deal) {
		d.OpensAt = time.Now().Add(-2 * time.Hour)
		d.ClosesAt = time.Now().Add(-time.Hour)
	})

	for _, deal := range []*models.Deal{notOpen, closed} {
		_, err := c.Submit(
			context.Background(),
			"user-a",
			deal.ID,
			decimal.NewFromInt(5_000),
			"USDC",
		)
		var phaseErr *PhaseClosedError
		require.ErrorAs(t, err, &phaseErr)
		assert.Equal(t, deal.ID, phaseErr.DealID)
	}

	// Nothing was admitted
	assert.Equal(
		t,
		float64(0),
		testutil.ToFloat64(c.metrics.admittedTotal),
	)
	assert.Equal(
		t,
		float64(2),
		testutil.ToFloat64(c.metrics.rejectedTotal),
	)
}

func TestController_SubmitFinalizedDealPhaseClosed(t *testing.T) {
	c, _ := newTestController(t)
	// Window still open but the deal was finalized early
	deal := seedDeal(t, c, "submit-finalized", func(d *models.Deal) {
		d.Finalized = true
	})

	_, err := c.Submit(
		context.Background(),
		"user-a",
		deal.ID,
		decimal.NewFromInt(5_000),
		"USDC",
	)
	var phaseErr *PhaseClosedError
	require.ErrorAs(t, err, &phaseErr)
}

func TestController_SubmitWrongCurrency(t *testing.T) {
	c, _ := newTestController(t)
	deal := seedDeal(t, c, "submit-currency", nil)

	_, err := c.Submit(
		context.Background(),
		"user-a",
		deal.ID,
		decimal.NewFromInt(5_000),
		"EUR",
	)
	var rangeErr *AmountOutOfRangeError
	require.ErrorAs(t, err, &rangeErr)
	assert.Equal(t, "EUR", rangeErr.Currency)
	assert.Equal(t, "USDC", rangeErr.DealCurrency)
	assert.Contains(t, rangeErr.Error(), "does not match")
}

func TestController_SubmitBelowMinimum(t *testing.T) {
	c, _ := newTestController(t)
	deal := seedDeal(t, c, "submit-min", nil)

	_, err := c.Submit(
		context.Background(),
		"user-a",
		deal.ID,
		decimal.NewFromInt(99),
		"USDC",
	)
	var rangeErr *AmountOutOfRangeError
	require.ErrorAs(t, err, &rangeErr)
	assert.True(t, rangeErr.Min.Equal(deal.MinContribution))
	assert.Contains(t, rangeErr.Error(), "below")
}

func TestController_SubmitCumulativeAboveMaximum(t *testing.T) {
	c, _ := newTestController(t)
	deal := seedDeal(t, c, "submit-max", nil)

	// 30k + 25k crosses the 50k per-user maximum
	submitOK(t, c, "user-a", deal.ID, 30_000)
	_, err := c.Submit(
		context.Background(),
		"user-a",
		deal.ID,
		decimal.NewFromInt(25_000),
		"USDC",
	)
	var rangeErr *AmountOutOfRangeError
	require.ErrorAs(t, err, &rangeErr)
	assert.True(t, rangeErr.Admitted.Equal(decimal.NewFromInt(30_000)))

	// A different user is unaffected by user-a's total
	submitOK(t, c, "user-b", deal.ID, 25_000)
}

func TestController_SubmitFailedDoesNotCountTowardMaximum(t *testing.T) {
	c, _ := newTestController(t)
	deal := seedDeal(t, c, "submit-max-failed", nil)

	first := submitOK(t, c, "user-a", deal.ID, 30_000)
	_, err := c.FailSettlement(context.Background(), first.ID, "card declined")
	require.NoError(t, err)

	// The failed 30k no longer counts, so 45k fits under the 50k max
	submitOK(t, c, "user-a", deal.ID, 45_000)
}

func TestController_SubmitNoMaximum(t *testing.T) {
	c, _ := newTestController(t)
	deal := seedDeal(t, c, "submit-no-max", func(d *models.Deal) {
		d.MaxContribution = decimal.Zero
	})

	// A zero maximum imposes no per-user limit; only the hard cap applies
	submitOK(t, c, "user-a", deal.ID, 200_000)
	submitOK(t, c, "user-a", deal.ID, 300_000)
}

func TestController_SubmitTierTooLow(t *testing.T) {
	c, tiers := newTestController(t)
	deal := seedDeal(t, c, "submit-tier", func(d *models.Deal) {
		d.MinTierRequired = 2
	})
	tiers.statuses["user-a"] = &TierStatus{Tier: 1}

	_, err := c.Submit(
		context.Background(),
		"user-a",
		deal.ID,
		decimal.NewFromInt(5_000),
		"USDC",
	)
	var ineligibleErr *IneligibleError
	require.ErrorAs(t, err, &ineligibleErr)
	assert.Equal(t, "user-a", ineligibleErr.UserID)
	assert.Contains(t, ineligibleErr.Reason, "tier 1")
}

func TestController_SubmitKycRequired(t *testing.T) {
	c, tiers := newTestController(t)
	deal := seedDeal(t, c, "submit-kyc", func(d *models.Deal) {
		d.RequiresKyc = true
	})

	// Not approved
	tiers.statuses["user-a"] = &TierStatus{Tier: 1}
	_, err := c.Submit(
		context.Background(),
		"user-a",
		deal.ID,
		decimal.NewFromInt(5_000),
		"USDC",
	)
	var ineligibleErr *IneligibleError
	require.ErrorAs(t, err, &ineligibleErr)
	assert.Contains(t, ineligibleErr.Reason, "KYC approval required")

	// Approved but expired
	expired := time.Now().Add(-time.Hour)
	tiers.statuses["user-b"] = &TierStatus{
		Tier:         1,
		KycApproved:  true,
		KycExpiresAt: &expired,
	}
	_, err = c.Submit(
		context.Background(),
		"user-b",
		deal.ID,
		decimal.NewFromInt(5_000),
		"USDC",
	)
	require.ErrorAs(t, err, &ineligibleErr)
	assert.Contains(t, ineligibleErr.Reason, "expired")

	// Approved and current
	valid := time.Now().Add(24 * time.Hour)
	tiers.statuses["user-c"] = &TierStatus{
		Tier:         1,
		KycApproved:  true,
		KycExpiresAt: &valid,
	}
	submitOK(t, c, "user-c", deal.ID, 5_000)
}

func TestController_SubmitNoTierProvider(t *testing.T) {
	c, _ := newTestController(t)
	c.tiers = nil
	open := seedDeal(t, c, "submit-no-tiers", nil)
	gated := seedDeal(t, c, "submit-no-tiers-gated", func(d *models.Deal) {
		d.MinTierRequired = 1
	})

	// Ungated deals admit without tier information
	submitOK(t, c, "user-a", open.ID, 5_000)

	// Gated deals cannot be satisfied without a provider
	_, err := c.Submit(
		context.Background(),
		"user-a",
		gated.ID,
		decimal.NewFromInt(5_000),
		"USDC",
	)
	var ineligibleErr *IneligibleError
	require.ErrorAs(t, err, &ineligibleErr)
}

func TestController_SubmitCapExceededPassesThrough(t *testing.T) {
	c, _ := newTestController(t)
	deal := seedDeal(t, c, "submit-cap", func(d *models.Deal) {
		d.HardCap = decimal.NewFromInt(10_000)
		d.MaxContribution = decimal.NewFromInt(10_000)
	})

	submitOK(t, c, "user-a", deal.ID, 8_000)
	_, err := c.Submit(
		context.Background(),
		"user-b",
		deal.ID,
		decimal.NewFromInt(5_000),
		"USDC",
	)
	var capErr *capledger.CapExceededError
	require.ErrorAs(t, err, &capErr)
	assert.True(t, capErr.Headroom.Equal(decimal.NewFromInt(2_000)))

	// The rejected request left no trace
	contributions, err := c.db.GetContributionsByUser(
		deal.ID,
		"user-b",
		nil,
		nil,
	)
	require.NoError(t, err)
	assert.Empty(t, contributions)
}

func TestController_ConcurrentSubmitsRespectMaximum(t *testing.T) {
	c, _ := newTestController(t)
	deal := seedDeal(t, c, "submit-race", nil)

	// Each submission passes the 50k maximum alone; together they cross it
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = c.Submit(
				context.Background(),
				"user-a",
				deal.ID,
				decimal.NewFromInt(30_000),
				"USDC",
			)
		}()
	}
	wg.Wait()

	var rangeErr *AmountOutOfRangeError
	switch {
	case errs[0] == nil:
		require.ErrorAs(t, errs[1], &rangeErr)
	case errs[1] == nil:
		require.ErrorAs(t, errs[0], &rangeErr)
	default:
		t.Fatalf("expected one success, got %v and %v", errs[0], errs[1])
	}

	// Only the winner's row exists, and the cap projection matches it
	contributions, err := c.db.GetContributionsByUser(
		deal.ID,
		"user-a",
		nil,
		nil,
	)
	require.NoError(t, err)
	require.Len(t, contributions, 1)
	stored, err := c.db.GetDeal(deal.ID, nil)
	require.NoError(t, err)
	assert.True(t, stored.TotalRaised.Equal(decimal.NewFromInt(30_000)))
	require.NoError(t, c.db.ReconcileDeal(deal.ID))
}

// =============================================================================
// Settlement Transition Tests
// =============================================================================

func TestController_ConfirmSettlement(t *testing.T) {
	c, _ := newTestController(t)
	deal := seedDeal(t, c, "confirm", nil)
	contribution := submitOK(t, c, "user-a", deal.ID, 5_000)

	confirmed, err := c.ConfirmSettlement(
		context.Background(),
		contribution.ID,
		"0xabc123",
		4_200_000,
	)
	require.NoError(t, err)
	assert.Equal(t, models.ContributionStatusConfirmed, confirmed.Status)
	assert.Equal(t, "0xabc123", confirmed.TxHash)
	assert.Equal(t, uint64(4_200_000), confirmed.BlockHeight)
	require.NotNil(t, confirmed.ConfirmedAt)

	// Confirmation does not move the raised total
	stored, err := c.db.GetDeal(deal.ID, nil)
	require.NoError(t, err)
	assert.True(t, stored.TotalRaised.Equal(decimal.NewFromInt(5_000)))

	entries, err := c.db.JournalEntries(
		database.DealJournalScope(deal.ID),
		nil,
	)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, database.JournalEntryTypeConfirm, entries[1].Type)
}

func TestController_ConfirmSettlementIdempotent(t *testing.T) {
	c, _ := newTestController(t)
	deal := seedDeal(t, c, "confirm-idem", nil)
	contribution := submitOK(t, c, "user-a", deal.ID, 5_000)

	first, err := c.ConfirmSettlement(
		context.Background(),
		contribution.ID,
		"0xabc123",
		100,
	)
	require.NoError(t, err)
	second, err := c.ConfirmSettlement(
		context.Background(),
		contribution.ID,
		"0xdifferent",
		200,
	)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	// The original settlement facts stand
	assert.Equal(t, "0xabc123", second.TxHash)

	assert.Equal(
		t,
		float64(1),
		testutil.ToFloat64(c.metrics.confirmedTotal),
	)
}

func TestController_ConfirmFailedContribution(t *testing.T) {
	c, _ := newTestController(t)
	deal := seedDeal(t, c, "confirm-failed", nil)
	contribution := submitOK(t, c, "user-a", deal.ID, 5_000)
	_, err := c.FailSettlement(
		context.Background(),
		contribution.ID,
		"card declined",
	)
	require.NoError(t, err)

	_, err = c.ConfirmSettlement(
		context.Background(),
		contribution.ID,
		"0xabc123",
		100,
	)
	require.ErrorIs(t, err, ErrIllegalTransition)
}

func TestController_FailSettlementReleasesCap(t *testing.T) {
	c, _ := newTestController(t)
	deal := seedDeal(t, c, "fail", nil)
	contribution := submitOK(t, c, "user-a", deal.ID, 5_000)

	failed, err := c.FailSettlement(
		context.Background(),
		contribution.ID,
		"card declined",
	)
	require.NoError(t, err)
	assert.Equal(t, models.ContributionStatusFailed, failed.Status)
	assert.Equal(t, "card declined", failed.FailReason)
	require.NotNil(t, failed.FailedAt)

	// Headroom returned and the allocation accumulator shrank
	stored, err := c.db.GetDeal(deal.ID, nil)
	require.NoError(t, err)
	assert.True(t, stored.TotalRaised.IsZero())
	row, err := c.db.GetAllocation(deal.ID, "user-a", nil)
	require.NoError(t, err)
	assert.True(t, row.RequestedAmount.IsZero())

	// Second call is a no-op returning the stored row
	again, err := c.FailSettlement(
		context.Background(),
		contribution.ID,
		"other reason",
	)
	require.NoError(t, err)
	assert.Equal(t, "card declined", again.FailReason)
	assert.Equal(
		t,
		float64(1),
		testutil.ToFloat64(c.metrics.failedTotal),
	)
}

func TestController_RefundKeepsCap(t *testing.T) {
	c, _ := newTestController(t)
	deal := seedDeal(t, c, "refund", nil)
	contribution := submitOK(t, c, "user-a", deal.ID, 5_000)
	_, err := c.ConfirmSettlement(
		context.Background(),
		contribution.ID,
		"0xabc123",
		100,
	)
	require.NoError(t, err)

	refunded, err := c.Refund(
		context.Background(),
		contribution.ID,
		"refund-2026-001",
	)
	require.NoError(t, err)
	assert.Equal(t, models.ContributionStatusRefunded, refunded.Status)
	require.NotNil(t, refunded.RefundedAt)

	// Raised total is a historical fact; the refund does not free headroom
	stored, err := c.db.GetDeal(deal.ID, nil)
	require.NoError(t, err)
	assert.True(t, stored.TotalRaised.Equal(decimal.NewFromInt(5_000)))

	// But the user's allocation basis shrank
	row, err := c.db.GetAllocation(deal.ID, "user-a", nil)
	require.NoError(t, err)
	assert.True(t, row.RequestedAmount.IsZero())

	// Journal trail is complete: reserve, confirm, refund
	entries, err := c.db.JournalEntries(
		database.DealJournalScope(deal.ID),
		nil,
	)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, database.JournalEntryTypeRefund, entries[2].Type)
	assert.Equal(t, "refund-2026-001", entries[2].SettlementRef)

	// Second refund is a no-op
	_, err = c.Refund(context.Background(), contribution.ID, "refund-dup")
	require.NoError(t, err)
	assert.Equal(
		t,
		float64(1),
		testutil.ToFloat64(c.metrics.refundedTotal),
	)
}

func TestController_RefundPendingContribution(t *testing.T) {
	c, _ := newTestController(t)
	deal := seedDeal(t, c, "refund-pending", nil)
	contribution := submitOK(t, c, "user-a", deal.ID, 5_000)

	_, err := c.Refund(context.Background(), contribution.ID, "refund-001")
	require.ErrorIs(t, err, ErrIllegalTransition)
}

// =============================================================================
// Reaper Tests
// =============================================================================

func TestController_ReapPending(t *testing.T) {
	c, _ := newTestController(t)
	deal := seedDeal(t, c, "reap", nil)
	stale := submitOK(t, c, "user-a", deal.ID, 5_000)
	fresh := submitOK(t, c, "user-b", deal.ID, 3_000)

	// Age user-a's request past the timeout; user-b's stays current
	aged, err := c.db.GetContribution(stale.ID, nil)
	require.NoError(t, err)
	aged.SubmittedAt = aged.SubmittedAt.Add(-time.Hour)
	require.NoError(t, c.db.UpdateContribution(aged, nil))

	cutoff := time.Now().Add(-30 * time.Minute)
	count, err := c.ReapPending(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	reaped, err := c.db.GetContribution(stale.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, models.ContributionStatusFailed, reaped.Status)
	assert.Equal(t, "settlement timeout", reaped.FailReason)

	untouched, err := c.db.GetContribution(fresh.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, models.ContributionStatusPending, untouched.Status)

	// The released amount returned to headroom
	stored, err := c.db.GetDeal(deal.ID, nil)
	require.NoError(t, err)
	assert.True(t, stored.TotalRaised.Equal(decimal.NewFromInt(3_000)))
}

// =============================================================================
// Event Tests
// =============================================================================

func TestController_PublishesLifecycleEvents(t *testing.T) {
	c, _ := newTestController(t)
	deal := seedDeal(t, c, "events", nil)

	admittedSub, admittedCh := c.eventBus.Subscribe(AdmittedEventType)
	defer c.eventBus.Unsubscribe(AdmittedEventType, admittedSub)
	confirmedSub, confirmedCh := c.eventBus.Subscribe(ConfirmedEventType)
	defer c.eventBus.Unsubscribe(ConfirmedEventType, confirmedSub)

	contribution := submitOK(t, c, "user-a", deal.ID, 5_000)
	select {
	case evt := <-admittedCh:
		payload, ok := evt.Data.(ContributionEvent)
		require.True(t, ok, "unexpected event payload type")
		assert.Equal(t, contribution.ID, payload.ContributionID)
		assert.Equal(t, deal.ID, payload.DealID)
		assert.Equal(t, "user-a", payload.UserID)
		assert.Equal(t, models.ContributionStatusPending, payload.Status)
		assert.True(t, payload.Amount.Equal(decimal.NewFromInt(5_000)))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for admitted event")
	}

	_, err := c.ConfirmSettlement(
		context.Background(),
		contribution.ID,
		"0xabc123",
		100,
	)
	require.NoError(t, err)
	select {
	case evt := <-confirmedCh:
		payload, ok := evt.Data.(ContributionEvent)
		require.True(t, ok, "unexpected event payload type")
		assert.Equal(t, models.ContributionStatusConfirmed, payload.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for confirmed event")
	}
}
