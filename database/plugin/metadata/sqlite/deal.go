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
	"gorm.io/gorm/clause"
)

// AddDeal saves a new deal
func (d *MetadataStoreSqlite) AddDeal(
	deal *models.Deal,
	txn *gorm.DB,
) error {
	if txn == nil {
		txn = d.DB()
	}
	result := txn.Create(deal)
	return result.Error
}

// GetDeal gets a deal by ID
func (d *MetadataStoreSqlite) GetDeal(
	dealId uint,
	txn *gorm.DB,
) (*models.Deal, error) {
	ret := &models.Deal{}
	if txn == nil {
		txn = d.DB()
	}
	result := txn.First(ret, "id = ?", dealId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return ret, nil
}

// GetDealBySlug gets a deal by its unique slug
func (d *MetadataStoreSqlite) GetDealBySlug(
	slug string,
	txn *gorm.DB,
) (*models.Deal, error) {
	ret := &models.Deal{}
	if txn == nil {
		txn = d.DB()
	}
	result := txn.First(ret, "slug = ?", slug)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return ret, nil
}

// GetDeals gets all deals
func (d *MetadataStoreSqlite) GetDeals(
	txn *gorm.DB,
) ([]models.Deal, error) {
	var ret []models.Deal
	if txn == nil {
		txn = d.DB()
	}
	result := txn.Order("id").Find(&ret)
	if result.Error != nil {
		return nil, result.Error
	}
	return ret, nil
}

// UpdateDeal saves an existing deal
func (d *MetadataStoreSqlite) UpdateDeal(
	deal *models.Deal,
	txn *gorm.DB,
) error {
	if txn == nil {
		txn = d.DB()
	}
	result := txn.Save(deal)
	return result.Error
}

// SetDealGuarantee creates or updates a per-user guaranteed amount
func (d *MetadataStoreSqlite) SetDealGuarantee(
	guarantee *models.DealGuarantee,
	txn *gorm.DB,
) error {
	if txn == nil {
		txn = d.DB()
	}
	result := txn.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "deal_id"},
			{Name: "user_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{"amount", "updated_at"}),
	}).Create(guarantee)
	return result.Error
}

// GetDealGuarantee gets the guaranteed amount for one user in one deal
func (d *MetadataStoreSqlite) GetDealGuarantee(
	dealId uint,
	userId string,
	txn *gorm.DB,
) (*models.DealGuarantee, error) {
	ret := &models.DealGuarantee{}
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

// GetDealGuarantees gets all guaranteed amounts for a deal
func (d *MetadataStoreSqlite) GetDealGuarantees(
	dealId uint,
	txn *gorm.DB,
) ([]models.DealGuarantee, error) {
	var ret []models.DealGuarantee
	if txn == nil {
		txn = d.DB()
	}
	result := txn.Where("deal_id = ?", dealId).Order("id").Find(&ret)
	if result.Error != nil {
		return nil, result.Error
	}
	return ret, nil
}
