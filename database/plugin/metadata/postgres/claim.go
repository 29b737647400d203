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

package postgres

import (
	"errors"

	"github.com/blinklabs-io/corral/database/models"
	"gorm.io/gorm"
)

// AddClaimRecord saves a new claim record
func (d *MetadataStorePostgres) AddClaimRecord(
	claim *models.ClaimRecord,
	txn *gorm.DB,
) error {
	if txn == nil {
		txn = d.DB()
	}
	result := txn.Create(claim)
	return result.Error
}

// GetClaimRecordByRef gets a claim record by its settlement reference
func (d *MetadataStorePostgres) GetClaimRecordByRef(
	scheduleId uint,
	settlementRef string,
	txn *gorm.DB,
) (*models.ClaimRecord, error) {
	ret := &models.ClaimRecord{}
	if txn == nil {
		txn = d.DB()
	}
	result := txn.First(
		ret,
		"schedule_id = ? AND settlement_ref = ?",
		scheduleId,
		settlementRef,
	)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return ret, nil
}

// GetClaimRecordsBySchedule gets all claim records against a schedule in
// claim order
func (d *MetadataStorePostgres) GetClaimRecordsBySchedule(
	scheduleId uint,
	txn *gorm.DB,
) ([]models.ClaimRecord, error) {
	var ret []models.ClaimRecord
	if txn == nil {
		txn = d.DB()
	}
	result := txn.Where("schedule_id = ?", scheduleId).Order("id").Find(&ret)
	if result.Error != nil {
		return nil, result.Error
	}
	return ret, nil
}
