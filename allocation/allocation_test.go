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

package allocation

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/blinklabs-io/corral/database"
	"github.com/blinklabs-io/corral/database/models"
	"github.com/blinklabs-io/corral/event"
	"github.com/blinklabs-io/corral/vesting"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	db, err := database.New(
		database.WithLogger(slog.New(slog.NewJSONHandler(io.Discard, nil))),
	)
	require.NoError(t, err, "failed to create test database")
	t.Cleanup(func() {
		db.Close() //nolint:errcheck
	})
	return NewEngine(EngineConfig{
		Logger:       slog.New(slog.NewJSONHandler(io.Discard, nil)),
		EventBus:     event.NewEventBus(nil, nil),
		PromRegistry: prometheus.NewRegistry(),
		Database:     db,
		Vesting: vesting.NewVesting(vesting.VestingConfig{
			Logger:       slog.New(slog.NewJSONHandler(io.Discard, nil)),
			PromRegistry: prometheus.NewRegistry(),
			Database:     db,
		}),
	})
}

// seedClosedDeal stores a deal whose contribution window has already closed
func seedClosedDeal(
	t *testing.T,
	e *Engine,
	method models.AllocationMethod,
	hardCap decimal.Decimal,
) *models.Deal {
	t.Helper()
	deal := &models.Deal{
		Slug:                "alloc-" + string(method),
		Name:                "Allocation Test",
		RaiseCurrency:       "USDC",
		CurrencyDecimals:    2,
		TokenSymbol:         "TEST",
		TokenDecimals:       6,
		TokenPrice:          decimal.RequireFromString("0.08"),
		HardCap:             hardCap,
		MinContribution:     decimal.NewFromInt(100),
		MaxContribution:     hardCap,
		AllocationMethod:    method,
		VestingType:         models.VestingTypeTgePlusLinear,
		TgeUnlockPercent:    20,
		VestingCliffDays:    30,
		VestingDurationDays: 365,
		OpensAt:             testNow.Add(-48 * time.Hour),
		ClosesAt:            testNow.Add(-time.Hour),
		TgeAt:               testNow.Add(24 * time.Hour),
	}
	require.NoError(t, e.db.AddDeal(deal, nil))
	return deal
}

// seedConfirmed stores a confirmed contribution submitted at the given
// offset from the deal's open
func seedConfirmed(
	t *testing.T,
	e *Engine,
	deal *models.Deal,
	userId string,
	amount int64,
	offset time.Duration,
) *models.ContributionRequest {
	t.Helper()
	confirmedAt := deal.OpensAt.Add(offset + time.Minute)
	contribution := &models.ContributionRequest{
		DealID:      deal.ID,
		UserID:      userId,
		Amount:      decimal.NewFromInt(amount),
		Currency:    deal.RaiseCurrency,
		Status:      models.ContributionStatusConfirmed,
		Reservation: userId + "-" + offset.String(),
		SubmittedAt: deal.OpensAt.Add(offset),
		ConfirmedAt: &confirmedAt,
	}
	require.NoError(t, e.db.AddContribution(contribution, nil))
	return contribution
}

// seedTickets stores the pre-finalization allocation row carrying a user's
// lottery tickets
func seedTickets(
	t *testing.T,
	e *Engine,
	deal *models.Deal,
	userId string,
	requested int64,
	tickets uint,
) {
	t.Helper()
	require.NoError(t, e.db.AddAllocation(&models.Allocation{
		DealID:          deal.ID,
		UserID:          userId,
		RequestedAmount: decimal.NewFromInt(requested),
		LotteryTickets:  tickets,
	}, nil))
}

func fillsByUser(allocations []models.Allocation) map[string]decimal.Decimal {
	fills := make(map[string]decimal.Decimal)
	for i := range allocations {
		fills[allocations[i].UserID] = allocations[i].FinalAmount
	}
	return fills
}

// =============================================================================
// FCFS Tests
// =============================================================================

func TestEngine_FinalizeFcfsPartialFill(t *testing.T) {
	e := newTestEngine(t)
	deal := seedClosedDeal(
		t,
		e,
		models.AllocationMethodFcfs,
		decimal.NewFromInt(1_000_000),
	)
	seedConfirmed(t, e, deal, "user-a", 600_000, time.Minute)
	seedConfirmed(t, e, deal, "user-b", 600_000, 2*time.Minute)
	seedConfirmed(t, e, deal, "user-c", 100_000, 3*time.Minute)

	allocations, err := e.Finalize(context.Background(), deal.ID, testNow)
	require.NoError(t, err)
	require.Len(t, allocations, 3)

	fills := fillsByUser(allocations)
	// First request fills fully, the crossing request gets the remaining
	// headroom, everything after gets nothing
	assert.True(t, fills["user-a"].Equal(decimal.NewFromInt(600_000)))
	assert.True(
		t,
		fills["user-b"].Equal(decimal.NewFromInt(400_000)),
		"expected 400000, got %s",
		fills["user-b"],
	)
	assert.True(t, fills["user-c"].IsZero())

	stored, err := e.db.GetDeal(deal.ID, nil)
	require.NoError(t, err)
	assert.True(t, stored.Finalized)
	require.NotNil(t, stored.FinalizedAt)
}

func TestEngine_FinalizeFcfsTieBreakOnId(t *testing.T) {
	e := newTestEngine(t)
	deal := seedClosedDeal(
		t,
		e,
		models.AllocationMethodFcfs,
		decimal.NewFromInt(1_000),
	)
	// Same submission instant; the lower contribution ID wins
	seedConfirmed(t, e, deal, "user-a", 1_000, time.Minute)
	seedConfirmed(t, e, deal, "user-b", 1_000, time.Minute)

	allocations, err := e.Finalize(context.Background(), deal.ID, testNow)
	require.NoError(t, err)
	fills := fillsByUser(allocations)
	assert.True(t, fills["user-a"].Equal(decimal.NewFromInt(1_000)))
	assert.True(t, fills["user-b"].IsZero())
}

// =============================================================================
// PRO_RATA Tests
// =============================================================================

func TestEngine_FinalizeProRataScaling(t *testing.T) {
	e := newTestEngine(t)
	deal := seedClosedDeal(
		t,
		e,
		models.AllocationMethodProRata,
		decimal.NewFromInt(1_000_000),
	)
	// $1.6M requested against a $1M cap: uniform 0.625 ratio
	seedConfirmed(t, e, deal, "user-a", 800_000, time.Minute)
	seedConfirmed(t, e, deal, "user-b", 800_000, 2*time.Minute)

	allocations, err := e.Finalize(context.Background(), deal.ID, testNow)
	require.NoError(t, err)
	require.Len(t, allocations, 2)

	total := decimal.Zero
	for i := range allocations {
		alloc := allocations[i]
		assert.True(
			t,
			alloc.FinalAmount.Equal(decimal.NewFromInt(500_000)),
			"expected 500000 for %s, got %s",
			alloc.UserID,
			alloc.FinalAmount,
		)
		assert.True(
			t,
			alloc.FillRatio().Equal(decimal.RequireFromString("0.625")),
		)
		total = total.Add(alloc.FinalAmount)
	}
	assert.True(t, total.Equal(deal.HardCap))
}

func TestEngine_FinalizeProRataUnderCap(t *testing.T) {
	e := newTestEngine(t)
	deal := seedClosedDeal(
		t,
		e,
		models.AllocationMethodProRata,
		decimal.NewFromInt(1_000_000),
	)
	seedConfirmed(t, e, deal, "user-a", 300_000, time.Minute)
	seedConfirmed(t, e, deal, "user-b", 200_000, 2*time.Minute)

	allocations, err := e.Finalize(context.Background(), deal.ID, testNow)
	require.NoError(t, err)
	fills := fillsByUser(allocations)
	// Demand below the cap: everyone filled in full
	assert.True(t, fills["user-a"].Equal(decimal.NewFromInt(300_000)))
	assert.True(t, fills["user-b"].Equal(decimal.NewFromInt(200_000)))
}

func TestEngine_FinalizeProRataRemainderToEarliest(t *testing.T) {
	e := newTestEngine(t)
	deal := seedClosedDeal(
		t,
		e,
		models.AllocationMethodProRata,
		decimal.NewFromInt(100),
	)
	// Three equal requests against a cap of 100.00: each scales to
	// 33.33 and the earliest request absorbs the remaining cent
	seedConfirmed(t, e, deal, "user-b", 100, time.Minute)
	seedConfirmed(t, e, deal, "user-a", 100, 2*time.Minute)
	seedConfirmed(t, e, deal, "user-c", 100, 3*time.Minute)

	allocations, err := e.Finalize(context.Background(), deal.ID, testNow)
	require.NoError(t, err)
	fills := fillsByUser(allocations)
	assert.True(
		t,
		fills["user-b"].Equal(decimal.RequireFromString("33.34")),
		"expected 33.34, got %s",
		fills["user-b"],
	)
	assert.True(t, fills["user-a"].Equal(decimal.RequireFromString("33.33")))
	assert.True(t, fills["user-c"].Equal(decimal.RequireFromString("33.33")))

	total := decimal.Zero
	for _, fill := range fills {
		total = total.Add(fill)
	}
	assert.True(t, total.Equal(deal.HardCap))
}

// =============================================================================
// GUARANTEED Tests
// =============================================================================

func TestEngine_FinalizeGuaranteed(t *testing.T) {
	e := newTestEngine(t)
	deal := seedClosedDeal(
		t,
		e,
		models.AllocationMethodGuaranteed,
		decimal.NewFromInt(1_000_000),
	)
	seedConfirmed(t, e, deal, "user-a", 50_000, time.Minute)
	seedConfirmed(t, e, deal, "user-b", 10_000, 2*time.Minute)
	seedConfirmed(t, e, deal, "user-c", 30_000, 3*time.Minute)
	require.NoError(t, e.db.SetDealGuarantee(&models.DealGuarantee{
		DealID: deal.ID,
		UserID: "user-a",
		Amount: decimal.NewFromInt(25_000),
	}, nil))
	require.NoError(t, e.db.SetDealGuarantee(&models.DealGuarantee{
		DealID: deal.ID,
		UserID: "user-b",
		Amount: decimal.NewFromInt(25_000),
	}, nil))

	allocations, err := e.Finalize(context.Background(), deal.ID, testNow)
	require.NoError(t, err)
	fills := fillsByUser(allocations)
	// Capped by the guarantee
	assert.True(t, fills["user-a"].Equal(decimal.NewFromInt(25_000)))
	// Capped by the smaller request
	assert.True(t, fills["user-b"].Equal(decimal.NewFromInt(10_000)))
	// No guarantee, no fill
	assert.True(t, fills["user-c"].IsZero())
}

// =============================================================================
// LOTTERY Tests
// =============================================================================

func TestEngine_FinalizeLottery(t *testing.T) {
	e := newTestEngine(t)
	deal := seedClosedDeal(
		t,
		e,
		models.AllocationMethodLottery,
		decimal.NewFromInt(100_000),
	)
	users := []string{"user-a", "user-b", "user-c", "user-d", "user-e"}
	for i, userId := range users {
		seedConfirmed(
			t,
			e,
			deal,
			userId,
			40_000,
			time.Duration(i+1)*time.Minute,
		)
		seedTickets(t, e, deal, userId, 40_000, uint(i+1)) // #nosec G115
	}

	allocations, err := e.Finalize(context.Background(), deal.ID, testNow)
	require.NoError(t, err)
	require.Len(t, allocations, len(users))

	// Winners are all-or-nothing and their total respects the cap
	total := decimal.Zero
	winners := 0
	for i := range allocations {
		alloc := allocations[i]
		if alloc.LotteryWon {
			winners++
			assert.True(
				t,
				alloc.FinalAmount.Equal(decimal.NewFromInt(40_000)),
				"winner %s must be filled in full, got %s",
				alloc.UserID,
				alloc.FinalAmount,
			)
		} else {
			assert.True(t, alloc.FinalAmount.IsZero())
		}
		total = total.Add(alloc.FinalAmount)
	}
	// 100k cap fits exactly two 40k winners before the third would cross
	assert.Equal(t, 2, winners)
	assert.True(t, total.LessThanOrEqual(deal.HardCap))

	// The seed material is recorded for audit
	stored, err := e.db.GetDeal(deal.ID, nil)
	require.NoError(t, err)
	assert.Len(t, stored.LotterySeed, 64)
}

func TestLotteryFillDeterministic(t *testing.T) {
	positions := []*userPosition{
		{userID: "user-a", requested: decimal.NewFromInt(40_000), tickets: 1},
		{userID: "user-b", requested: decimal.NewFromInt(40_000), tickets: 2},
		{userID: "user-c", requested: decimal.NewFromInt(40_000), tickets: 3},
		{userID: "user-d", requested: decimal.NewFromInt(40_000), tickets: 4},
	}
	seed := lotterySeed(7, testNow)
	first, firstWinners := lotteryFill(
		positions,
		decimal.NewFromInt(80_000),
		seedRand(seed),
	)
	second, secondWinners := lotteryFill(
		positions,
		decimal.NewFromInt(80_000),
		seedRand(seed),
	)
	assert.Equal(t, firstWinners, secondWinners)
	require.Len(t, first, len(second))
	for userId, amount := range first {
		assert.True(t, amount.Equal(second[userId]))
	}

	// A different finalization instant draws a different sequence
	otherSeed := lotterySeed(7, testNow.Add(time.Second))
	assert.NotEqual(t, seed, otherSeed)
}

// =============================================================================
// HYBRID Tests
// =============================================================================

func TestEngine_FinalizeHybrid(t *testing.T) {
	e := newTestEngine(t)
	deal := seedClosedDeal(
		t,
		e,
		models.AllocationMethodHybrid,
		decimal.NewFromInt(1_000_000),
	)
	// Guaranteed user takes 400k, leaving 600k for the rest
	seedConfirmed(t, e, deal, "user-a", 500_000, time.Minute)
	seedConfirmed(t, e, deal, "user-b", 600_000, 2*time.Minute)
	seedConfirmed(t, e, deal, "user-c", 600_000, 3*time.Minute)
	require.NoError(t, e.db.SetDealGuarantee(&models.DealGuarantee{
		DealID: deal.ID,
		UserID: "user-a",
		Amount: decimal.NewFromInt(400_000),
	}, nil))

	allocations, err := e.Finalize(context.Background(), deal.ID, testNow)
	require.NoError(t, err)
	fills := fillsByUser(allocations)
	// min(guarantee, requested)
	assert.True(t, fills["user-a"].Equal(decimal.NewFromInt(400_000)))
	// 600k headroom split pro rata over 1.2M of non-guaranteed demand
	assert.True(
		t,
		fills["user-b"].Equal(decimal.NewFromInt(300_000)),
		"expected 300000, got %s",
		fills["user-b"],
	)
	assert.True(t, fills["user-c"].Equal(decimal.NewFromInt(300_000)))
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

func TestEngine_FinalizeBeforeClose(t *testing.T) {
	e := newTestEngine(t)
	deal := seedClosedDeal(
		t,
		e,
		models.AllocationMethodFcfs,
		decimal.NewFromInt(1_000_000),
	)

	_, err := e.Finalize(
		context.Background(),
		deal.ID,
		deal.ClosesAt.Add(-time.Minute),
	)
	var notClosedErr *NotYetClosedError
	require.ErrorAs(t, err, &notClosedErr)
	assert.Equal(t, deal.ID, notClosedErr.DealID)
	assert.True(t, notClosedErr.ClosesAt.Equal(deal.ClosesAt))
}

func TestEngine_FinalizeIdempotent(t *testing.T) {
	e := newTestEngine(t)
	deal := seedClosedDeal(
		t,
		e,
		models.AllocationMethodFcfs,
		decimal.NewFromInt(1_000_000),
	)
	seedConfirmed(t, e, deal, "user-a", 250_000, time.Minute)

	first, err := e.Finalize(context.Background(), deal.ID, testNow)
	require.NoError(t, err)
	second, err := e.Finalize(
		context.Background(),
		deal.ID,
		testNow.Add(time.Hour),
	)
	require.NoError(t, err)

	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
		assert.True(t, first[i].FinalAmount.Equal(second[i].FinalAmount))
	}

	// Only one vesting schedule despite two calls
	scheds, err := e.db.GetVestingSchedulesByDeal(deal.ID, nil)
	require.NoError(t, err)
	assert.Len(t, scheds, 1)
}

func TestEngine_FinalizeGeneratesSchedules(t *testing.T) {
	e := newTestEngine(t)
	deal := seedClosedDeal(
		t,
		e,
		models.AllocationMethodFcfs,
		decimal.NewFromInt(1_000_000),
	)
	seedConfirmed(t, e, deal, "user-a", 25_000, time.Minute)
	seedConfirmed(t, e, deal, "user-b", 1_000_000, 2*time.Minute)
	seedConfirmed(t, e, deal, "user-c", 50_000, 3*time.Minute)

	_, err := e.Finalize(context.Background(), deal.ID, testNow)
	require.NoError(t, err)

	// user-a gets a schedule for the $25k fill
	sched, err := e.db.GetVestingScheduleByUser(deal.ID, "user-a", nil)
	require.NoError(t, err)
	assert.True(
		t,
		sched.TotalTokens.Equal(decimal.NewFromInt(312_500)),
		"expected 312500 tokens, got %s",
		sched.TotalTokens,
	)
	assert.True(t, sched.TgeTokens.Equal(decimal.NewFromInt(62_500)))

	// user-c was shut out; no schedule exists
	_, err = e.db.GetVestingScheduleByUser(deal.ID, "user-c", nil)
	require.ErrorIs(t, err, models.ErrVestingScheduleNotFound)
}

func TestEngine_FinalizePublishesEvent(t *testing.T) {
	e := newTestEngine(t)
	deal := seedClosedDeal(
		t,
		e,
		models.AllocationMethodFcfs,
		decimal.NewFromInt(1_000_000),
	)
	seedConfirmed(t, e, deal, "user-a", 250_000, time.Minute)

	subId, ch := e.eventBus.Subscribe(FinalizedEventType)
	defer e.eventBus.Unsubscribe(FinalizedEventType, subId)

	_, err := e.Finalize(context.Background(), deal.ID, testNow)
	require.NoError(t, err)

	select {
	case evt := <-ch:
		payload, ok := evt.Data.(FinalizedEvent)
		require.True(t, ok, "unexpected event payload type")
		assert.Equal(t, deal.ID, payload.DealID)
		assert.Equal(t, models.AllocationMethodFcfs, payload.Method)
		assert.True(
			t,
			payload.TotalAllocated.Equal(decimal.NewFromInt(250_000)),
		)
		assert.Equal(t, 1, payload.Participants)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for finalized event")
	}
}
