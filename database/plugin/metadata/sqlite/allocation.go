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

// AddAllocation saves a new allocation
func (d *MetadataStoreSqlite) AddAllocation(
	allocation *models.Allocation,
	txn *gorm.DB,
) error {
	if txn == nil {
		txn = d.DB()
	}
	result := txn.Create(allocation)
	return result.Error
}

// GetAllocation gets one user's allocation in a deal
func (d *MetadataStoreSqlite) GetAllocation(
	dealId uint,
	userId string,
	txn *gorm.DB,
) (*models.Allocation, error) {
	ret := &models.Allocation{}
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

// GetAllocationsByDeal gets all allocations for a deal
func (d *MetadataStoreSqlite) GetAllocationsByDeal(
	dealId uint,
	txn *gorm.DB,
) ([]models.Allocation, error) {
	var ret []models.Allocation
	if txn == nil {
		txn = d.DB()
	}
	result := txn.Where("deal_id = ?", dealId).Order("id").Find(&ret)
	if result.Error != nil {
		return nil, result.Error
	}
	return ret, nil
}

// UpdateAllocation saves an existing allocation
func (d *MetadataStoreSqlite) UpdateAllocation(
	allocation *models.Allocation,
	txn *gorm.DB,
) error {
	if txn == nil {
		txn = d.DB()
	}
	result := txn.Save(allocation)
	return result.Error
}
