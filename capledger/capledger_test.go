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

package capledger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

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

// newTestLedger creates a ledger backed by in-memory stores
func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	db, err := database.New(
		database.WithLogger(slog.New(slog.NewJSONHandler(io.Discard, nil))),
	)
	require.NoError(t, err, "failed to create test database")
	t.Cleanup(func() {
		db.Close() //nolint:errcheck
	})
	return NewLedger(LedgerConfig{
		Logger:       slog.New(slog.NewJSONHandler(io.Discard, nil)),
		EventBus:     event.NewEventBus(nil, nil),
		PromRegistry: prometheus.NewRegistry(),
		Database:     db,
	})
}

// seedDeal creates an open deal with the given hard cap and returns its ID
func seedDeal(
	t *testing.T,
	l *Ledger,
	slug string,
	hardCap decimal.Decimal,
) uint {
	t.Helper()
	now := time.Now()
	deal := &models.Deal{
		Slug:                slug,
		Name:                "Test Deal " + slug,
		RaiseCurrency:       "USDC",
		TokenSymbol:         "TEST",
		TokenPrice:          decimal.RequireFromString("0.08"),
		TokenDecimals:       6,
		SoftCap:             hardCap.Div(decimal.NewFromInt(4)),
		HardCap:             hardCap,
		MinContribution:     decimal.NewFromInt(100),
		MaxContribution:     hardCap,
		AllocationMethod:    models.AllocationMethodFcfs,
		VestingType:         models.VestingTypeTgePlusLinear,
		TgeUnlockPercent:    20,
		VestingCliffDays:    30,
		VestingDurationDays: 365,
		OpensAt:             now.Add(-time.Hour),
		ClosesAt:            now.Add(time.Hour),
		TgeAt:               now.Add(2 * time.Hour),
	}
	require.NoError(t, l.db.AddDeal(deal, nil))
	return deal.ID
}

// registerContribution returns a Reserve callback that persists a PENDING
// contribution row, the way the admission layer does
func registerContribution(
	l *Ledger,
	contribution *models.ContributionRequest,
) func(txn *database.Txn) error {
	return func(txn *database.Txn) error {
		return l.db.AddContribution(contribution, txn)
	}
}

func pendingContribution(
	dealId uint,
	userId string,
	reservation string,
	amount decimal.Decimal,
) *models.ContributionRequest {
	return &models.ContributionRequest{
		DealID:      dealId,
		UserID:      userId,
		Amount:      amount,
		Currency:    "USDC",
		Status:      models.ContributionStatusPending,
		Reservation: reservation,
		SubmittedAt: time.Now(),
	}
}

// =============================================================================
// Reservation Tests
// =============================================================================

func TestLedger_ReserveWithinCap(t *testing.T) {
	l := newTestLedger(t)
	dealId := seedDeal(t, l, "within-cap", decimal.NewFromInt(1_000_000))

	amount := decimal.NewFromInt(600_000)
	deal, err := l.Reserve(
		context.Background(),
		dealId,
		"user-a",
		"res-1",
		amount,
		registerContribution(
			l,
			pendingContribution(dealId, "user-a", "res-1", amount),
		),
	)
	require.NoError(t, err)
	assert.True(
		t,
		deal.TotalRaised.Equal(amount),
		"expected total %s, got %s",
		amount,
		deal.TotalRaised,
	)

	// Projection, contribution row, and journal all land atomically
	stored, err := l.db.GetDeal(dealId, nil)
	require.NoError(t, err)
	assert.True(t, stored.TotalRaised.Equal(amount))
	contribution, err := l.db.GetContributionByReservation("res-1", nil)
	require.NoError(t, err)
	assert.Equal(t, models.ContributionStatusPending, contribution.Status)
	entries, err := l.db.JournalEntries(database.DealJournalScope(dealId), nil)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, database.JournalEntryTypeReserve, entries[0].Type)
	assert.True(t, entries[0].Amount.Equal(amount))

	assert.Equal(t, float64(1), testutil.ToFloat64(l.metrics.reservationsTotal))
	assert.Equal(t, float64(0), testutil.ToFloat64(l.metrics.rejectionsTotal))
}

func TestLedger_ReserveExceedsCap(t *testing.T) {
	l := newTestLedger(t)
	dealId := seedDeal(t, l, "exceeds-cap", decimal.NewFromInt(1_000_000))

	first := decimal.NewFromInt(600_000)
	_, err := l.Reserve(
		context.Background(),
		dealId,
		"user-a",
		"res-1",
		first,
		nil,
	)
	require.NoError(t, err)

	// Second reservation would land at 1.2M against a 1M cap
	_, err = l.Reserve(
		context.Background(),
		dealId,
		"user-b",
		"res-2",
		decimal.NewFromInt(600_000),
		nil,
	)
	var capErr *CapExceededError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, dealId, capErr.DealID)
	assert.True(t, capErr.Headroom.Equal(decimal.NewFromInt(400_000)))
	assert.True(t, capErr.HardCap.Equal(decimal.NewFromInt(1_000_000)))

	// Rejection must leave no trace in journal or projection
	stored, err := l.db.GetDeal(dealId, nil)
	require.NoError(t, err)
	assert.True(t, stored.TotalRaised.Equal(first))
	entries, err := l.db.JournalEntries(database.DealJournalScope(dealId), nil)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	assert.Equal(t, float64(1), testutil.ToFloat64(l.metrics.rejectionsTotal))
}

func TestLedger_ReserveExactCapBoundary(t *testing.T) {
	l := newTestLedger(t)
	dealId := seedDeal(t, l, "exact-cap", decimal.NewFromInt(1_000_000))

	// Filling to exactly the hard cap is allowed
	_, err := l.Reserve(
		context.Background(),
		dealId,
		"user-a",
		"res-1",
		decimal.NewFromInt(1_000_000),
		nil,
	)
	require.NoError(t, err)

	headroom, err := l.Headroom(context.Background(), dealId)
	require.NoError(t, err)
	assert.True(t, headroom.IsZero())

	// One cent over is not
	_, err = l.Reserve(
		context.Background(),
		dealId,
		"user-b",
		"res-2",
		decimal.RequireFromString("0.01"),
		nil,
	)
	var capErr *CapExceededError
	require.ErrorAs(t, err, &capErr)
	assert.True(t, capErr.Headroom.IsZero())
}

func TestLedger_ReserveFinalizedDeal(t *testing.T) {
	l := newTestLedger(t)
	dealId := seedDeal(t, l, "finalized", decimal.NewFromInt(1_000_000))

	deal, err := l.db.GetDeal(dealId, nil)
	require.NoError(t, err)
	deal.Finalized = true
	require.NoError(t, l.db.UpdateDeal(deal, nil))

	_, err = l.Reserve(
		context.Background(),
		dealId,
		"user-a",
		"res-1",
		decimal.NewFromInt(1000),
		nil,
	)
	require.ErrorIs(t, err, ErrDealFinalized)
}

func TestLedger_RegisterFailureRollsBack(t *testing.T) {
	l := newTestLedger(t)
	dealId := seedDeal(t, l, "rollback", decimal.NewFromInt(1_000_000))

	_, err := l.Reserve(
		context.Background(),
		dealId,
		"user-a",
		"res-1",
		decimal.NewFromInt(5000),
		func(txn *database.Txn) error {
			return fmt.Errorf("row persist failed")
		},
	)
	require.Error(t, err)

	// The journal entry and projection update must not survive the rollback
	stored, err := l.db.GetDeal(dealId, nil)
	require.NoError(t, err)
	assert.True(t, stored.TotalRaised.IsZero())
	entries, err := l.db.JournalEntries(database.DealJournalScope(dealId), nil)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, float64(0), testutil.ToFloat64(l.metrics.reservationsTotal))
}

// =============================================================================
// Release / Confirm / Refund Tests
// =============================================================================

func TestLedger_ReleaseReturnsHeadroom(t *testing.T) {
	l := newTestLedger(t)
	dealId := seedDeal(t, l, "release", decimal.NewFromInt(1_000_000))

	amount := decimal.NewFromInt(250_000)
	_, err := l.Reserve(
		context.Background(),
		dealId,
		"user-a",
		"res-1",
		amount,
		registerContribution(
			l,
			pendingContribution(dealId, "user-a", "res-1", amount),
		),
	)
	require.NoError(t, err)

	err = l.Release(
		context.Background(),
		"res-1",
		func(txn *database.Txn) error {
			contribution, err := l.db.GetContributionByReservation(
				"res-1",
				txn,
			)
			if err != nil {
				return err
			}
			contribution.Status = models.ContributionStatusFailed
			contribution.FailReason = "settlement timeout"
			return l.db.UpdateContribution(contribution, txn)
		},
	)
	require.NoError(t, err)

	stored, err := l.db.GetDeal(dealId, nil)
	require.NoError(t, err)
	assert.True(t, stored.TotalRaised.IsZero())
	contribution, err := l.db.GetContributionByReservation("res-1", nil)
	require.NoError(t, err)
	assert.Equal(t, models.ContributionStatusFailed, contribution.Status)

	// A second release finds the reservation already settled
	err = l.Release(context.Background(), "res-1", nil)
	require.ErrorIs(t, err, ErrNotPending)

	// Journal holds the full history: reserve then release
	entries, err := l.db.JournalEntries(database.DealJournalScope(dealId), nil)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, database.JournalEntryTypeReserve, entries[0].Type)
	assert.Equal(t, database.JournalEntryTypeRelease, entries[1].Type)
}

func TestLedger_ConfirmKeepsTotal(t *testing.T) {
	l := newTestLedger(t)
	dealId := seedDeal(t, l, "confirm", decimal.NewFromInt(1_000_000))

	amount := decimal.NewFromInt(100_000)
	_, err := l.Reserve(
		context.Background(),
		dealId,
		"user-a",
		"res-1",
		amount,
		registerContribution(
			l,
			pendingContribution(dealId, "user-a", "res-1", amount),
		),
	)
	require.NoError(t, err)

	err = l.Confirm(
		context.Background(),
		"res-1",
		func(txn *database.Txn) error {
			contribution, err := l.db.GetContributionByReservation(
				"res-1",
				txn,
			)
			if err != nil {
				return err
			}
			contribution.Status = models.ContributionStatusConfirmed
			return l.db.UpdateContribution(contribution, txn)
		},
	)
	require.NoError(t, err)

	stored, err := l.db.GetDeal(dealId, nil)
	require.NoError(t, err)
	assert.True(t, stored.TotalRaised.Equal(amount))
	assert.Equal(t, float64(1), testutil.ToFloat64(l.metrics.confirmsTotal))

	// Confirm twice finds the reservation already settled
	err = l.Confirm(context.Background(), "res-1", nil)
	require.ErrorIs(t, err, ErrNotPending)
}

func TestLedger_RefundDoesNotReleaseCap(t *testing.T) {
	l := newTestLedger(t)
	dealId := seedDeal(t, l, "refund", decimal.NewFromInt(1_000_000))

	amount := decimal.NewFromInt(100_000)
	_, err := l.Reserve(
		context.Background(),
		dealId,
		"user-a",
		"res-1",
		amount,
		registerContribution(
			l,
			pendingContribution(dealId, "user-a", "res-1", amount),
		),
	)
	require.NoError(t, err)

	// Refund of a still-pending contribution is rejected
	err = l.Refund(context.Background(), "res-1", "settle-1", nil)
	require.ErrorIs(t, err, ErrNotConfirmed)

	err = l.Confirm(
		context.Background(),
		"res-1",
		func(txn *database.Txn) error {
			contribution, err := l.db.GetContributionByReservation(
				"res-1",
				txn,
			)
			if err != nil {
				return err
			}
			contribution.Status = models.ContributionStatusConfirmed
			return l.db.UpdateContribution(contribution, txn)
		},
	)
	require.NoError(t, err)

	err = l.Refund(
		context.Background(),
		"res-1",
		"settle-1",
		func(txn *database.Txn) error {
			contribution, err := l.db.GetContributionByReservation(
				"res-1",
				txn,
			)
			if err != nil {
				return err
			}
			contribution.Status = models.ContributionStatusRefunded
			return l.db.UpdateContribution(contribution, txn)
		},
	)
	require.NoError(t, err)

	// The refunded amount stays in the raised total
	stored, err := l.db.GetDeal(dealId, nil)
	require.NoError(t, err)
	assert.True(t, stored.TotalRaised.Equal(amount))

	// Replay agrees with the projection
	require.NoError(t, l.db.ReconcileDeal(dealId))
}

// =============================================================================
// Concurrent Operation Tests
// =============================================================================

func TestLedger_ConcurrentReserveAtCap(t *testing.T) {
	l := newTestLedger(t)
	dealId := seedDeal(t, l, "concurrent", decimal.NewFromInt(1_000_000))

	// Two users race for a cap that only fits one of them
	amount := decimal.NewFromInt(600_000)
	var wg sync.WaitGroup
	var accepted, rejected atomic.Int64
	for i := range 2 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := l.Reserve(
				context.Background(),
				dealId,
				fmt.Sprintf("user-%d", n),
				fmt.Sprintf("res-%d", n),
				amount,
				nil,
			)
			if err == nil {
				accepted.Add(1)
				return
			}
			var capErr *CapExceededError
			if assert.ErrorAs(t, err, &capErr) {
				rejected.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), accepted.Load())
	assert.Equal(t, int64(1), rejected.Load())

	// The total never exceeds the cap, and replay agrees
	stored, err := l.db.GetDeal(dealId, nil)
	require.NoError(t, err)
	assert.True(
		t,
		stored.TotalRaised.Equal(amount),
		"expected total %s, got %s",
		amount,
		stored.TotalRaised,
	)
	require.NoError(t, l.db.ReconcileDeal(dealId))
}

func TestLedger_ConcurrentReserveManySmall(t *testing.T) {
	l := newTestLedger(t)
	dealId := seedDeal(t, l, "many-small", decimal.NewFromInt(10_000))

	// 30 goroutines race for 10 slots of 1000 each
	const workers = 30
	amount := decimal.NewFromInt(1000)
	var wg sync.WaitGroup
	var accepted atomic.Int64
	for i := range workers {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := l.Reserve(
				context.Background(),
				dealId,
				fmt.Sprintf("user-%d", n),
				fmt.Sprintf("res-%d", n),
				amount,
				nil,
			)
			if err == nil {
				accepted.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(10), accepted.Load())
	stored, err := l.db.GetDeal(dealId, nil)
	require.NoError(t, err)
	assert.True(t, stored.TotalRaised.Equal(decimal.NewFromInt(10_000)))
	entries, err := l.db.JournalEntries(database.DealJournalScope(dealId), nil)
	require.NoError(t, err)
	assert.Len(t, entries, 10)
	require.NoError(t, l.db.ReconcileDeal(dealId))
}

// =============================================================================
// Event Tests
// =============================================================================

func TestLedger_PublishesEvents(t *testing.T) {
	l := newTestLedger(t)
	dealId := seedDeal(t, l, "events", decimal.NewFromInt(1_000_000))

	reservedSub, reservedCh := l.eventBus.Subscribe(ReservedEventType)
	defer l.eventBus.Unsubscribe(ReservedEventType, reservedSub)
	releasedSub, releasedCh := l.eventBus.Subscribe(ReleasedEventType)
	defer l.eventBus.Unsubscribe(ReleasedEventType, releasedSub)

	amount := decimal.NewFromInt(50_000)
	_, err := l.Reserve(
		context.Background(),
		dealId,
		"user-a",
		"res-1",
		amount,
		registerContribution(
			l,
			pendingContribution(dealId, "user-a", "res-1", amount),
		),
	)
	require.NoError(t, err)

	select {
	case evt := <-reservedCh:
		payload, ok := evt.Data.(ReservationEvent)
		require.True(t, ok, "unexpected event payload type")
		assert.Equal(t, dealId, payload.DealID)
		assert.Equal(t, "user-a", payload.UserID)
		assert.Equal(t, "res-1", payload.Reservation)
		assert.True(t, payload.Amount.Equal(amount))
		assert.True(t, payload.TotalRaised.Equal(amount))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reserved event")
	}

	err = l.Release(
		context.Background(),
		"res-1",
		func(txn *database.Txn) error {
			contribution, err := l.db.GetContributionByReservation(
				"res-1",
				txn,
			)
			if err != nil {
				return err
			}
			contribution.Status = models.ContributionStatusFailed
			return l.db.UpdateContribution(contribution, txn)
		},
	)
	require.NoError(t, err)

	select {
	case evt := <-releasedCh:
		payload, ok := evt.Data.(ReservationEvent)
		require.True(t, ok, "unexpected event payload type")
		assert.True(t, payload.TotalRaised.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for released event")
	}
}
