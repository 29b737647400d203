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

package claim

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
	"github.com/blinklabs-io/corral/vesting"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

const RecordedEventType event.EventType = "claim.recorded"

// ClaimEvent is the payload for RecordedEventType events
type ClaimEvent struct {
	ScheduleID    uint
	DealID        uint
	UserID        string
	Amount        decimal.Decimal
	SettlementRef string
	ClaimedTokens decimal.Decimal
}

// ErrSettlementRefRequired is returned when a claim carries no settlement
// reference. The reference is the idempotency key; without one a retried
// claim could pay twice.
var ErrSettlementRefRequired = errors.New("settlement reference required")

// NothingToClaimError is the legitimate no-op outcome when no tokens are
// currently claimable. Callers handle it gracefully rather than treating it
// as a system fault.
type NothingToClaimError struct {
	ScheduleID uint
	Unlocked   decimal.Decimal
	Claimed    decimal.Decimal
}

func (e *NothingToClaimError) Error() string {
	return fmt.Sprintf(
		"nothing to claim for schedule %d: unlocked=%s, claimed=%s",
		e.ScheduleID,
		e.Unlocked.String(),
		e.Claimed.String(),
	)
}

// ScheduleHaltedError is returned when a claim targets a halted schedule
type ScheduleHaltedError struct {
	ScheduleID uint
	Reason     string
}

func (e *ScheduleHaltedError) Error() string {
	return fmt.Sprintf(
		"vesting schedule %d is halted: %s",
		e.ScheduleID,
		e.Reason,
	)
}

type ProcessorConfig struct {
	PromRegistry prometheus.Registerer
	Logger       *slog.Logger
	EventBus     *event.EventBus
	Database     *database.Database
}

// Processor executes claims against vesting schedules. Claims for a schedule
// are serialized behind a per-schedule lock, and each payout appends a claim
// record and journal entry and moves the ClaimedTokens projection in one
// database transaction. Claim amounts are always recomputed from the
// schedule's unlock parameters; nothing is trusted from the caller.
type Processor struct {
	config  ProcessorConfig
	metrics struct {
		claimsTotal prometheus.Counter
		haltsTotal  prometheus.Counter
	}
	logger     *slog.Logger
	eventBus   *event.EventBus
	db         *database.Database
	schedLocks map[uint]*sync.Mutex
	locksMu    sync.Mutex
}

func NewProcessor(config ProcessorConfig) *Processor {
	p := &Processor{
		config:     config,
		eventBus:   config.EventBus,
		db:         config.Database,
		schedLocks: make(map[uint]*sync.Mutex),
	}
	if config.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		p.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		p.logger = config.Logger
	}
	promautoFactory := promauto.With(config.PromRegistry)
	p.metrics.claimsTotal = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "claim_records_total",
			Help: "total executed claims",
		},
	)
	p.metrics.haltsTotal = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "claim_schedule_halts_total",
			Help: "total schedules halted after drift detection",
		},
	)
	return p
}

func (p *Processor) scheduleLock(scheduleId uint) *sync.Mutex {
	p.locksMu.Lock()
	defer p.locksMu.Unlock()
	lock, ok := p.schedLocks[scheduleId]
	if !ok {
		lock = &sync.Mutex{}
		p.schedLocks[scheduleId] = lock
	}
	return lock
}

// Claimable returns the tokens unlocked but not yet claimed at the given
// instant. Never negative. Pure read; takes no locks.
func (p *Processor) Claimable(
	ctx context.Context,
	scheduleId uint,
	now time.Time,
) (decimal.Decimal, error) {
	sched, err := p.db.GetVestingSchedule(scheduleId, nil)
	if err != nil {
		return decimal.Zero, err
	}
	available := vesting.UnlockedAt(sched, now).Sub(sched.ClaimedTokens)
	if available.IsNegative() {
		return decimal.Zero, nil
	}
	return available, nil
}

// Claim pays out everything currently claimable on a schedule. A repeated
// claim with the same settlement reference returns the original record
// instead of paying again. Before paying, the claim journal is replayed and
// compared against the ClaimedTokens projection; on mismatch the schedule is
// halted and the drift surfaced, never silently clamped.
func (p *Processor) Claim(
	ctx context.Context,
	scheduleId uint,
	now time.Time,
	settlementRef string,
) (*models.ClaimRecord, error) {
	if settlementRef == "" {
		return nil, ErrSettlementRefRequired
	}
	// Fast path for retried settlements
	existing, err := p.db.GetClaimRecordByRef(scheduleId, settlementRef, nil)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, models.ErrClaimNotFound) {
		return nil, err
	}
	lock := p.scheduleLock(scheduleId)
	lock.Lock()
	defer lock.Unlock()
	var record *models.ClaimRecord
	var sched *models.VestingSchedule
	var reused bool
	txn := p.db.Transaction(true)
	err = txn.Do(func(txn *database.Txn) error {
		var err error
		sched, err = p.db.GetVestingSchedule(scheduleId, txn)
		if err != nil {
			return err
		}
		if sched.Halted {
			return &ScheduleHaltedError{
				ScheduleID: scheduleId,
				Reason:     sched.HaltReason,
			}
		}
		// Re-check the reference under the lock; a racing claim may have
		// landed it since the fast path
		existing, err := p.db.GetClaimRecordByRef(
			scheduleId,
			settlementRef,
			txn,
		)
		if err == nil {
			record = existing
			reused = true
			return nil
		}
		if !errors.Is(err, models.ErrClaimNotFound) {
			return err
		}
		// Replay the journal before paying anything out
		computed, err := p.db.ReplayScheduleClaimed(scheduleId, txn)
		if err != nil {
			return err
		}
		if !computed.Equal(sched.ClaimedTokens) {
			return database.DriftError{
				Scope:     database.ScheduleJournalScope(scheduleId),
				Computed:  computed,
				Projected: sched.ClaimedTokens,
			}
		}
		unlocked := vesting.UnlockedAt(sched, now)
		available := unlocked.Sub(sched.ClaimedTokens)
		if available.LessThanOrEqual(decimal.Zero) {
			return &NothingToClaimError{
				ScheduleID: scheduleId,
				Unlocked:   unlocked,
				Claimed:    sched.ClaimedTokens,
			}
		}
		record = &models.ClaimRecord{
			ScheduleID:    scheduleId,
			SettlementRef: settlementRef,
			Amount:        available,
			ClaimedAt:     now,
		}
		if err := p.db.AddClaimRecord(record, txn); err != nil {
			return err
		}
		if err := p.db.AppendJournalEntry(
			database.ScheduleJournalScope(scheduleId),
			&database.JournalEntry{
				Type:          database.JournalEntryTypeClaim,
				DealID:        sched.DealID,
				ScheduleID:    scheduleId,
				UserID:        sched.UserID,
				SettlementRef: settlementRef,
				Amount:        available,
			},
			txn,
		); err != nil {
			return err
		}
		sched.ClaimedTokens = sched.ClaimedTokens.Add(available)
		return p.db.UpdateVestingSchedule(sched, txn)
	})
	if err != nil {
		var driftErr database.DriftError
		if errors.As(err, &driftErr) {
			p.haltSchedule(scheduleId, driftErr.Error())
		}
		return nil, err
	}
	if reused {
		return record, nil
	}
	p.metrics.claimsTotal.Inc()
	p.logger.Info(
		"recorded claim",
		"component", "claim",
		"schedule_id", scheduleId,
		"settlement_ref", settlementRef,
		"amount", record.Amount.String(),
		"claimed_tokens", sched.ClaimedTokens.String(),
	)
	if p.eventBus != nil {
		p.eventBus.Publish(
			RecordedEventType,
			event.NewEvent(RecordedEventType, ClaimEvent{
				ScheduleID:    scheduleId,
				DealID:        sched.DealID,
				UserID:        sched.UserID,
				Amount:        record.Amount,
				SettlementRef: settlementRef,
				ClaimedTokens: sched.ClaimedTokens,
			}),
		)
	}
	return record, nil
}

// Reconcile cross-checks one schedule's journal, claim records, and
// projection. Drift halts the schedule so no further claims pay out until
// an operator intervenes.
func (p *Processor) Reconcile(ctx context.Context, scheduleId uint) error {
	err := p.db.ReconcileSchedule(scheduleId)
	var driftErr database.DriftError
	if errors.As(err, &driftErr) {
		p.haltSchedule(scheduleId, driftErr.Error())
	}
	return err
}

// ReconcileAll sweeps every schedule. Already-halted schedules are skipped;
// they stay known-bad until an operator clears them.
func (p *Processor) ReconcileAll(ctx context.Context) error {
	deals, err := p.db.GetDeals(nil)
	if err != nil {
		return err
	}
	var errs []error
	for i := range deals {
		scheds, err := p.db.GetVestingSchedulesByDeal(deals[i].ID, nil)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for j := range scheds {
			if scheds[j].Halted {
				continue
			}
			if err := p.Reconcile(ctx, scheds[j].ID); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (p *Processor) haltSchedule(scheduleId uint, reason string) {
	sched, err := p.db.GetVestingSchedule(scheduleId, nil)
	if err != nil {
		p.logger.Error(
			"failed to load schedule for halt",
			"component", "claim",
			"schedule_id", scheduleId,
			"error", err,
		)
		return
	}
	if sched.Halted {
		return
	}
	sched.Halted = true
	sched.HaltReason = reason
	if err := p.db.UpdateVestingSchedule(sched, nil); err != nil {
		p.logger.Error(
			"failed to halt schedule",
			"component", "claim",
			"schedule_id", scheduleId,
			"error", err,
		)
		return
	}
	p.metrics.haltsTotal.Inc()
	p.logger.Error(
		"halted vesting schedule",
		"component", "claim",
		"schedule_id", scheduleId,
		"reason", reason,
	)
}
