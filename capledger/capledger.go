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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/blinklabs-io/corral/database"
	"github.com/blinklabs-io/corral/database/models"
	"github.com/blinklabs-io/corral/event"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

const (
	ReservedEventType  event.EventType = "capledger.reserved"
	ReleasedEventType  event.EventType = "capledger.released"
	ConfirmedEventType event.EventType = "capledger.confirmed"
)

// ReservationEvent is the payload for all cap ledger event types
type ReservationEvent struct {
	DealID      uint
	UserID      string
	Reservation string
	Amount      decimal.Decimal
	TotalRaised decimal.Decimal
}

// ErrDealFinalized is returned when a reservation is attempted against a
// finalized deal. The admission layer maps this to its phase error.
var ErrDealFinalized = errors.New("deal is finalized")

// ErrNotPending is returned when a release or confirm targets a reservation
// that is no longer pending. Callers decide whether that is an idempotent
// no-op or a real failure.
var ErrNotPending = errors.New("reservation is not pending")

// ErrNotConfirmed is returned when a refund targets a contribution that is
// not confirmed
var ErrNotConfirmed = errors.New("contribution is not confirmed")

// CapExceededError is returned when a reservation would push the raised
// total past the deal's hard cap
type CapExceededError struct {
	DealID    uint
	Requested decimal.Decimal
	Headroom  decimal.Decimal
	HardCap   decimal.Decimal
}

func (e *CapExceededError) Error() string {
	return fmt.Sprintf(
		"hard cap exceeded for deal %d: requested=%s, headroom=%s, cap=%s",
		e.DealID,
		e.Requested.String(),
		e.Headroom.String(),
		e.HardCap.String(),
	)
}

type LedgerConfig struct {
	PromRegistry prometheus.Registerer
	Logger       *slog.Logger
	EventBus     *event.EventBus
	Database     *database.Database
}

// Ledger serializes all raised-total mutations for a deal behind a per-deal
// lock. Every mutation appends a journal entry and moves the TotalRaised
// projection in the same database transaction, so a replay of the journal
// always reproduces the projection.
type Ledger struct {
	config  LedgerConfig
	metrics struct {
		reservationsTotal prometheus.Counter
		rejectionsTotal   prometheus.Counter
		releasesTotal     prometheus.Counter
		confirmsTotal     prometheus.Counter
		raisedAmount      prometheus.Gauge
	}
	logger    *slog.Logger
	eventBus  *event.EventBus
	db        *database.Database
	dealLocks map[uint]*sync.Mutex
	locksMu   sync.Mutex
}

func NewLedger(config LedgerConfig) *Ledger {
	l := &Ledger{
		config:    config,
		eventBus:  config.EventBus,
		db:        config.Database,
		dealLocks: make(map[uint]*sync.Mutex),
	}
	if config.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		l.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		l.logger = config.Logger
	}
	// Init metrics
	promautoFactory := promauto.With(config.PromRegistry)
	l.metrics.reservationsTotal = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "capledger_reservations_total",
			Help: "total successful cap reservations",
		},
	)
	l.metrics.rejectionsTotal = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "capledger_rejections_total",
			Help: "total reservations rejected by the hard cap",
		},
	)
	l.metrics.releasesTotal = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "capledger_releases_total",
			Help: "total reservations released back to the cap",
		},
	)
	l.metrics.confirmsTotal = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "capledger_confirms_total",
			Help: "total reservations confirmed by settlement",
		},
	)
	l.metrics.raisedAmount = promautoFactory.NewGauge(prometheus.GaugeOpts{
		Name: "capledger_raised_amount",
		Help: "sum of raised amounts across all deals",
	})
	promautoFactory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "capledger_open_deals",
		Help: "deals currently open for contributions",
	}, func() float64 {
		deals, err := l.db.GetDeals(nil)
		if err != nil {
			return 0
		}
		now := time.Now()
		open := 0
		for i := range deals {
			if deals[i].OpenForContributions(now) {
				open++
			}
		}
		return float64(open)
	})
	// Seed the raised amount gauge from existing projections
	if deals, err := l.db.GetDeals(nil); err == nil {
		total := decimal.Zero
		for i := range deals {
			total = total.Add(deals[i].TotalRaised)
		}
		l.metrics.raisedAmount.Set(total.InexactFloat64())
	}
	return l
}

// dealLock returns the serialization lock for a deal, creating it on first
// use. Locks are never removed; the set of deals is small and long-lived.
func (l *Ledger) dealLock(dealId uint) *sync.Mutex {
	l.locksMu.Lock()
	defer l.locksMu.Unlock()
	lock, ok := l.dealLocks[dealId]
	if !ok {
		lock = &sync.Mutex{}
		l.dealLocks[dealId] = lock
	}
	return lock
}

// Reserve admits amount against the deal's hard cap. The optional register
// callback runs inside the same transaction as the journal entry and
// projection update, letting the caller persist dependent rows atomically.
// Returns the deal with its updated raised total.
func (l *Ledger) Reserve(
	ctx context.Context,
	dealId uint,
	userId string,
	reservation string,
	amount decimal.Decimal,
	register func(txn *database.Txn) error,
) (*models.Deal, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, errors.New("reservation amount must be positive")
	}
	lock := l.dealLock(dealId)
	lock.Lock()
	defer lock.Unlock()
	var deal *models.Deal
	txn := l.db.Transaction(true)
	err := txn.Do(func(txn *database.Txn) error {
		var err error
		deal, err = l.db.GetDeal(dealId, txn)
		if err != nil {
			return err
		}
		if deal.Finalized {
			return ErrDealFinalized
		}
		newTotal := deal.TotalRaised.Add(amount)
		if newTotal.GreaterThan(deal.HardCap) {
			return &CapExceededError{
				DealID:    dealId,
				Requested: amount,
				Headroom:  deal.HardCap.Sub(deal.TotalRaised),
				HardCap:   deal.HardCap,
			}
		}
		if err := l.db.AppendJournalEntry(
			database.DealJournalScope(dealId),
			&database.JournalEntry{
				Type:        database.JournalEntryTypeReserve,
				DealID:      dealId,
				UserID:      userId,
				Reservation: reservation,
				Amount:      amount,
			},
			txn,
		); err != nil {
			return err
		}
		deal.TotalRaised = newTotal
		if err := l.db.UpdateDeal(deal, txn); err != nil {
			return err
		}
		if register != nil {
			if err := register(txn); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		var capErr *CapExceededError
		if errors.As(err, &capErr) {
			l.metrics.rejectionsTotal.Inc()
			l.logger.Debug(
				"reservation rejected by hard cap",
				"component", "capledger",
				"deal_id", dealId,
				"requested", amount.String(),
				"headroom", capErr.Headroom.String(),
			)
		}
		return nil, err
	}
	l.metrics.reservationsTotal.Inc()
	l.metrics.raisedAmount.Add(amount.InexactFloat64())
	l.logger.Debug(
		"reserved contribution amount",
		"component", "capledger",
		"deal_id", dealId,
		"reservation", reservation,
		"amount", amount.String(),
		"total_raised", deal.TotalRaised.String(),
	)
	l.publish(ReservedEventType, ReservationEvent{
		DealID:      dealId,
		UserID:      userId,
		Reservation: reservation,
		Amount:      amount,
		TotalRaised: deal.TotalRaised,
	})
	return deal, nil
}

// Release reverses a pending reservation, returning its amount to the
// deal's headroom. The optional apply callback runs inside the same
// transaction, after the projection update.
func (l *Ledger) Release(
	ctx context.Context,
	reservation string,
	apply func(txn *database.Txn) error,
) error {
	contribution, err := l.db.GetContributionByReservation(reservation, nil)
	if err != nil {
		return err
	}
	lock := l.dealLock(contribution.DealID)
	lock.Lock()
	defer lock.Unlock()
	var deal *models.Deal
	txn := l.db.Transaction(true)
	err = txn.Do(func(txn *database.Txn) error {
		// Re-read under the lock; the status may have moved
		contribution, err = l.db.GetContributionByReservation(
			reservation,
			txn,
		)
		if err != nil {
			return err
		}
		if contribution.Status != models.ContributionStatusPending {
			return ErrNotPending
		}
		if err := l.db.AppendJournalEntry(
			database.DealJournalScope(contribution.DealID),
			&database.JournalEntry{
				Type:           database.JournalEntryTypeRelease,
				DealID:         contribution.DealID,
				UserID:         contribution.UserID,
				ContributionID: contribution.ID,
				Reservation:    reservation,
				Amount:         contribution.Amount,
			},
			txn,
		); err != nil {
			return err
		}
		deal, err = l.db.GetDeal(contribution.DealID, txn)
		if err != nil {
			return err
		}
		deal.TotalRaised = deal.TotalRaised.Sub(contribution.Amount)
		if err := l.db.UpdateDeal(deal, txn); err != nil {
			return err
		}
		if apply != nil {
			if err := apply(txn); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	l.metrics.releasesTotal.Inc()
	l.metrics.raisedAmount.Sub(contribution.Amount.InexactFloat64())
	l.logger.Debug(
		"released reservation",
		"component", "capledger",
		"deal_id", contribution.DealID,
		"reservation", reservation,
		"amount", contribution.Amount.String(),
		"total_raised", deal.TotalRaised.String(),
	)
	l.publish(ReleasedEventType, ReservationEvent{
		DealID:      contribution.DealID,
		UserID:      contribution.UserID,
		Reservation: reservation,
		Amount:      contribution.Amount,
		TotalRaised: deal.TotalRaised,
	})
	return nil
}

// Confirm marks a pending reservation durable. Confirmed amounts stay in
// the raised total permanently; even a later refund does not return them to
// headroom. The optional apply callback runs inside the same transaction.
func (l *Ledger) Confirm(
	ctx context.Context,
	reservation string,
	apply func(txn *database.Txn) error,
) error {
	contribution, err := l.db.GetContributionByReservation(reservation, nil)
	if err != nil {
		return err
	}
	lock := l.dealLock(contribution.DealID)
	lock.Lock()
	defer lock.Unlock()
	txn := l.db.Transaction(true)
	err = txn.Do(func(txn *database.Txn) error {
		contribution, err = l.db.GetContributionByReservation(
			reservation,
			txn,
		)
		if err != nil {
			return err
		}
		if contribution.Status != models.ContributionStatusPending {
			return ErrNotPending
		}
		if err := l.db.AppendJournalEntry(
			database.DealJournalScope(contribution.DealID),
			&database.JournalEntry{
				Type:           database.JournalEntryTypeConfirm,
				DealID:         contribution.DealID,
				UserID:         contribution.UserID,
				ContributionID: contribution.ID,
				Reservation:    reservation,
				Amount:         contribution.Amount,
			},
			txn,
		); err != nil {
			return err
		}
		if apply != nil {
			if err := apply(txn); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	l.metrics.confirmsTotal.Inc()
	l.logger.Debug(
		"confirmed reservation",
		"component", "capledger",
		"deal_id", contribution.DealID,
		"reservation", reservation,
		"amount", contribution.Amount.String(),
	)
	l.publish(ConfirmedEventType, ReservationEvent{
		DealID:      contribution.DealID,
		UserID:      contribution.UserID,
		Reservation: reservation,
		Amount:      contribution.Amount,
	})
	return nil
}

// Refund journals a refund of a confirmed contribution. The raised total is
// not reduced: refunds never release cap space. The optional apply callback
// runs inside the same transaction.
func (l *Ledger) Refund(
	ctx context.Context,
	reservation string,
	settlementRef string,
	apply func(txn *database.Txn) error,
) error {
	contribution, err := l.db.GetContributionByReservation(reservation, nil)
	if err != nil {
		return err
	}
	lock := l.dealLock(contribution.DealID)
	lock.Lock()
	defer lock.Unlock()
	txn := l.db.Transaction(true)
	err = txn.Do(func(txn *database.Txn) error {
		contribution, err = l.db.GetContributionByReservation(
			reservation,
			txn,
		)
		if err != nil {
			return err
		}
		if contribution.Status != models.ContributionStatusConfirmed {
			return ErrNotConfirmed
		}
		if err := l.db.AppendJournalEntry(
			database.DealJournalScope(contribution.DealID),
			&database.JournalEntry{
				Type:           database.JournalEntryTypeRefund,
				DealID:         contribution.DealID,
				UserID:         contribution.UserID,
				ContributionID: contribution.ID,
				Reservation:    reservation,
				SettlementRef:  settlementRef,
				Amount:         contribution.Amount,
			},
			txn,
		); err != nil {
			return err
		}
		if apply != nil {
			if err := apply(txn); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	l.logger.Debug(
		"refunded contribution",
		"component", "capledger",
		"deal_id", contribution.DealID,
		"reservation", reservation,
		"amount", contribution.Amount.String(),
	)
	return nil
}

// Headroom returns the remaining capacity under the deal's hard cap
func (l *Ledger) Headroom(
	ctx context.Context,
	dealId uint,
) (decimal.Decimal, error) {
	deal, err := l.db.GetDeal(dealId, nil)
	if err != nil {
		return decimal.Zero, err
	}
	return deal.HardCap.Sub(deal.TotalRaised), nil
}

func (l *Ledger) publish(eventType event.EventType, data ReservationEvent) {
	if l.eventBus == nil {
		return
	}
	l.eventBus.Publish(eventType, event.NewEvent(eventType, data))
}
