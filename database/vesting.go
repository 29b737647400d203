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

// AddVestingSchedule stores a new vesting schedule
func (d *Database) AddVestingSchedule(
	schedule *models.VestingSchedule,
	txn *Txn,
) error {
	return d.metadata.AddVestingSchedule(schedule, d.metadataTxn(txn))
}

// GetVestingSchedule returns the schedule with the given ID, or
// models.ErrVestingScheduleNotFound
func (d *Database) GetVestingSchedule(
	scheduleId uint,
	txn *Txn,
) (*models.VestingSchedule, error) {
	schedule, err := d.metadata.GetVestingSchedule(
		scheduleId,
		d.metadataTxn(txn),
	)
	if err != nil {
		return nil, err
	}
	if schedule == nil {
		return nil, models.ErrVestingScheduleNotFound
	}
	return schedule, nil
}

// GetVestingScheduleByUser returns a user's schedule for a deal, or
// models.ErrVestingScheduleNotFound
func (d *Database) GetVestingScheduleByUser(
	dealId uint,
	userId string,
	txn *Txn,
) (*models.VestingSchedule, error) {
	schedule, err := d.metadata.GetVestingScheduleByUser(
		dealId,
		userId,
		d.metadataTxn(txn),
	)
	if err != nil {
		return nil, err
	}
	if schedule == nil {
		return nil, models.ErrVestingScheduleNotFound
	}
	return schedule, nil
}

// GetVestingSchedulesByDeal returns all schedules for a deal
func (d *Database) GetVestingSchedulesByDeal(
	dealId uint,
	txn *Txn,
) ([]models.VestingSchedule, error) {
	return d.metadata.GetVestingSchedulesByDeal(dealId, d.metadataTxn(txn))
}

// UpdateVestingSchedule persists changes to an existing schedule
func (d *Database) UpdateVestingSchedule(
	schedule *models.VestingSchedule,
	txn *Txn,
) error {
	return d.metadata.UpdateVestingSchedule(schedule, d.metadataTxn(txn))
}
