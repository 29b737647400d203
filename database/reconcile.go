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

package database

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// DriftError is returned when a journal replay disagrees with the projected
// total stored in metadata. The journal is the source of truth; a drift
// means the projection can no longer be trusted.
type DriftError struct {
	Scope     string
	Computed  decimal.Decimal
	Projected decimal.Decimal
}

func (e DriftError) Error() string {
	return fmt.Sprintf(
		"ledger drift in %s: computed %s != projected %s",
		e.Scope,
		e.Computed.String(),
		e.Projected.String(),
	)
}

// ReplayDealTotal folds a deal's journal entries into the raised total.
// Reservations add, releases subtract. Confirmations settle a reservation
// without changing the total, and refunds return settled funds without
// releasing cap space.
func (d *Database) ReplayDealTotal(
	dealId uint,
	txn *Txn,
) (decimal.Decimal, error) {
	entries, err := d.JournalEntries(DealJournalScope(dealId), txn)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, entry := range entries {
		switch entry.Type {
		case JournalEntryTypeReserve:
			total = total.Add(entry.Amount)
		case JournalEntryTypeRelease:
			total = total.Sub(entry.Amount)
		case JournalEntryTypeConfirm, JournalEntryTypeRefund:
			// No change to the raised total
		default:
			return decimal.Zero, fmt.Errorf(
				"unexpected journal entry type %q in %s",
				entry.Type,
				DealJournalScope(dealId),
			)
		}
	}
	return total, nil
}

// ReplayScheduleClaimed folds a vesting schedule's journal entries into the
// claimed token total
func (d *Database) ReplayScheduleClaimed(
	scheduleId uint,
	txn *Txn,
) (decimal.Decimal, error) {
	entries, err := d.JournalEntries(ScheduleJournalScope(scheduleId), txn)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, entry := range entries {
		if entry.Type != JournalEntryTypeClaim {
			return decimal.Zero, fmt.Errorf(
				"unexpected journal entry type %q in %s",
				entry.Type,
				ScheduleJournalScope(scheduleId),
			)
		}
		total = total.Add(entry.Amount)
	}
	return total, nil
}

// ReconcileDeal replays the deal's journal and compares the result against
// the projected raised total. Returns a DriftError on mismatch.
func (d *Database) ReconcileDeal(dealId uint) error {
	txn := d.Transaction(false)
	defer txn.Release()
	deal, err := d.GetDeal(dealId, txn)
	if err != nil {
		return err
	}
	computed, err := d.ReplayDealTotal(dealId, txn)
	if err != nil {
		return err
	}
	if !computed.Equal(deal.TotalRaised) {
		return DriftError{
			Scope:     DealJournalScope(dealId),
			Computed:  computed,
			Projected: deal.TotalRaised,
		}
	}
	return nil
}

// ReconcileSchedule replays the schedule's claim journal and compares the
// result against both the projected claimed total and the sum of claim
// records. Returns a DriftError on the first mismatch.
func (d *Database) ReconcileSchedule(scheduleId uint) error {
	txn := d.Transaction(false)
	defer txn.Release()
	schedule, err := d.GetVestingSchedule(scheduleId, txn)
	if err != nil {
		return err
	}
	computed, err := d.ReplayScheduleClaimed(scheduleId, txn)
	if err != nil {
		return err
	}
	if !computed.Equal(schedule.ClaimedTokens) {
		return DriftError{
			Scope:     ScheduleJournalScope(scheduleId),
			Computed:  computed,
			Projected: schedule.ClaimedTokens,
		}
	}
	// Cross-check the claim records against the projection
	records, err := d.metadata.GetClaimRecordsBySchedule(
		scheduleId,
		txn.Metadata(),
	)
	if err != nil {
		return err
	}
	recordTotal := decimal.Zero
	for _, record := range records {
		recordTotal = recordTotal.Add(record.Amount)
	}
	if !recordTotal.Equal(schedule.ClaimedTokens) {
		return DriftError{
			Scope:     ScheduleJournalScope(scheduleId),
			Computed:  recordTotal,
			Projected: schedule.ClaimedTokens,
		}
	}
	return nil
}
