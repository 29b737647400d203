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
	"github.com/blinklabs-io/corral/database/models"
)

// AddClaimRecord stores a new claim record. The unique index on schedule and
// settlement reference rejects duplicate refs at the store level.
func (d *Database) AddClaimRecord(
	record *models.ClaimRecord,
	txn *Txn,
) error {
	return d.metadata.AddClaimRecord(record, d.metadataTxn(txn))
}

// GetClaimRecordByRef returns the claim record for the given schedule and
// settlement reference, or models.ErrClaimNotFound
func (d *Database) GetClaimRecordByRef(
	scheduleId uint,
	settlementRef string,
	txn *Txn,
) (*models.ClaimRecord, error) {
	record, err := d.metadata.GetClaimRecordByRef(
		scheduleId,
		settlementRef,
		d.metadataTxn(txn),
	)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, models.ErrClaimNotFound
	}
	return record, nil
}

// GetClaimRecordsBySchedule returns all claim records for a schedule
func (d *Database) GetClaimRecordsBySchedule(
	scheduleId uint,
	txn *Txn,
) ([]models.ClaimRecord, error) {
	return d.metadata.GetClaimRecordsBySchedule(scheduleId, d.metadataTxn(txn))
}
