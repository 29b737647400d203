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

package sqlite

import (
	"errors"

	"github.com/blinklabs-io/corral/database/models"
	"gorm.io/gorm"
)

// AddVestingSchedule saves a new vesting schedule
func (d *MetadataStoreSqlite) AddVestingSchedule(
	schedule *models.VestingSchedule,
	txn *gorm.DB,
) error {
	if txn == nil {
		txn = d.DB()
	}
	result := txn.Create(schedule)
	return result.Error
}

// GetVestingSchedule gets a vesting schedule by ID
func (d *MetadataStoreSqlite) GetVestingSchedule(
	scheduleId uint,
	txn *gorm.DB,
) (*models.VestingSchedule, error) {
	ret := &models.VestingSchedule{}
	if txn == nil {
		txn = d.DB()
	}
	result := txn.First(ret, "id = ?", scheduleId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return ret, nil
}

// GetVestingScheduleByUser gets one user's vesting schedule in a deal
func (d *MetadataStoreSqlite) GetVestingScheduleByUser(
	dealId uint,
	userId string,
	txn *gorm.DB,
) (*models.VestingSchedule, error) {
	ret := &models.VestingSchedule{}
	if txn == nil {
		txn = d.DB()
	}
	result := txn.First(ret, "deal_id = ? AND user_id = ?", dealId, userId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return ret, nil
}

// GetVestingSchedulesByDeal gets all vesting schedules for a deal
func (d *MetadataStoreSqlite) GetVestingSchedulesByDeal(
	dealId uint,
	txn *gorm.DB,
) ([]models.VestingSchedule, error) {
	var ret []models.VestingSchedule
	if txn == nil {
		txn = d.DB()
	}
	result := txn.Where("deal_id = ?", dealId).Order("id").Find(&ret)
	if result.Error != nil {
		return nil, result.Error
	}
	return ret, nil
}

// UpdateVestingSchedule saves an existing vesting schedule
func (d *MetadataStoreSqlite) UpdateVestingSchedule(
	schedule *models.VestingSchedule,
	txn *gorm.DB,
) error {
	if txn == nil {
		txn = d.DB()
	}
	result := txn.Save(schedule)
	return result.Error
}
