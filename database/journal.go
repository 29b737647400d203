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
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/blinklabs-io/corral/database/types"
	"github.com/shopspring/decimal"
)

// JournalEntryType identifies the ledger operation an entry records
type JournalEntryType string

const (
	// JournalEntryTypeReserve records funds counted against a deal cap
	JournalEntryTypeReserve JournalEntryType = "reserve"
	// JournalEntryTypeRelease records funds returned to a deal cap
	JournalEntryTypeRelease JournalEntryType = "release"
	// JournalEntryTypeConfirm records settlement of a reservation. It does
	// not change the raised total
	JournalEntryTypeConfirm JournalEntryType = "confirm"
	// JournalEntryTypeRefund records a refund of settled funds. Refunds do
	// not release cap space
	JournalEntryTypeRefund JournalEntryType = "refund"
	// JournalEntryTypeClaim records tokens released from a vesting schedule
	JournalEntryTypeClaim JournalEntryType = "claim"
)

// JournalEntry is a single append-only ledger record. Entries are never
// updated or deleted once written. The sequence number is assigned by
// AppendJournalEntry and is contiguous within a scope.
type JournalEntry struct {
	Seq            uint64           `json:"seq"`
	Type           JournalEntryType `json:"type"`
	DealID         uint             `json:"dealId,omitempty"`
	ScheduleID     uint             `json:"scheduleId,omitempty"`
	ContributionID uint             `json:"contributionId,omitempty"`
	UserID         string           `json:"userId,omitempty"`
	Reservation    string           `json:"reservation,omitempty"`
	SettlementRef  string           `json:"settlementRef,omitempty"`
	Amount         decimal.Decimal  `json:"amount"`
	RecordedAt     time.Time        `json:"recordedAt"`
}

// DealJournalScope returns the journal scope for a deal's cap ledger
func DealJournalScope(dealId uint) string {
	return fmt.Sprintf("deal/%d", dealId)
}

// ScheduleJournalScope returns the journal scope for a vesting schedule's
// claim ledger
func ScheduleJournalScope(scheduleId uint) string {
	return fmt.Sprintf("sched/%d", scheduleId)
}

func journalKey(scope string, seq uint64) []byte {
	// Fixed-width hex sequence keeps lexicographic key order equal to
	// append order
	return fmt.Appendf(nil, "j/%s/%016x", scope, seq)
}

func journalPrefix(scope string) []byte {
	return []byte("j/" + scope + "/")
}

func journalSeqKey(scope string) []byte {
	return []byte("jseq/" + scope)
}

// AppendJournalEntry assigns the next sequence number in the scope and
// writes the entry within the given transaction. Appends to the same scope
// must be serialized by the caller, which the ledger packages do by holding
// a per-scope lock for the life of the transaction.
func (d *Database) AppendJournalEntry(
	scope string,
	entry *JournalEntry,
	txn *Txn,
) error {
	if txn == nil || txn.Journal() == nil {
		return types.ErrNilTxn
	}
	if entry == nil {
		return errors.New("nil journal entry")
	}
	// Determine next sequence number
	var seq uint64
	seqVal, err := d.journal.Get(txn.Journal(), journalSeqKey(scope))
	if err != nil {
		if !errors.Is(err, types.ErrJournalKeyNotFound) {
			return fmt.Errorf("failed to read journal sequence: %w", err)
		}
	} else if len(seqVal) == 8 {
		seq = binary.BigEndian.Uint64(seqVal)
	}
	seq++
	entry.Seq = seq
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode journal entry: %w", err)
	}
	seqBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBuf, seq)
	if err := d.journal.Set(txn.Journal(), journalSeqKey(scope), seqBuf); err != nil {
		return fmt.Errorf("failed to write journal sequence: %w", err)
	}
	if err := d.journal.Set(txn.Journal(), journalKey(scope, seq), data); err != nil {
		return fmt.Errorf("failed to write journal entry: %w", err)
	}
	return nil
}

// JournalEntries returns all entries in the scope in append order. A nil
// transaction reads from a fresh read-only transaction.
func (d *Database) JournalEntries(
	scope string,
	txn *Txn,
) ([]JournalEntry, error) {
	if txn == nil {
		txn = NewJournalOnlyTxn(d, false)
		defer txn.Release()
	}
	if txn.Journal() == nil {
		return nil, types.ErrJournalStoreUnavailable
	}
	iter := d.journal.NewIterator(
		txn.Journal(),
		types.JournalIteratorOptions{Prefix: journalPrefix(scope)},
	)
	defer iter.Close()
	var ret []JournalEntry
	for iter.Rewind(); iter.Valid(); iter.Next() {
		item := iter.Item()
		val, err := item.ValueCopy(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to read journal entry: %w", err)
		}
		var entry JournalEntry
		if err := json.Unmarshal(val, &entry); err != nil {
			return nil, fmt.Errorf(
				"failed to decode journal entry %s: %w",
				item.Key(),
				err,
			)
		}
		ret = append(ret, entry)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

// JournalSeq returns the last assigned sequence number for the scope, or
// zero when the scope has no entries
func (d *Database) JournalSeq(scope string, txn *Txn) (uint64, error) {
	if txn == nil {
		txn = NewJournalOnlyTxn(d, false)
		defer txn.Release()
	}
	if txn.Journal() == nil {
		return 0, types.ErrJournalStoreUnavailable
	}
	seqVal, err := d.journal.Get(txn.Journal(), journalSeqKey(scope))
	if err != nil {
		if errors.Is(err, types.ErrJournalKeyNotFound) {
			return 0, nil
		}
		return 0, err
	}
	if len(seqVal) != 8 {
		return 0, fmt.Errorf(
			"malformed journal sequence value for scope %s",
			scope,
		)
	}
	return binary.BigEndian.Uint64(seqVal), nil
}
