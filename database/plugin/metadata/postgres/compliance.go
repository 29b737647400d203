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

// AddComplianceFlag saves a new compliance flag
func (d *MetadataStorePostgres) AddComplianceFlag(
	flag *models.ComplianceFlag,
	txn *gorm.DB,
) error {
	if txn == nil {
		txn = d.DB()
	}
	result := txn.Create(flag)
	return result.Error
}

// GetComplianceFlag gets a compliance flag by ID
func (d *MetadataStorePostgres) GetComplianceFlag(
	flagId uint,
	txn *gorm.DB,
) (*models.ComplianceFlag, error) {
	ret := &models.ComplianceFlag{}
	if txn == nil {
		txn = d.DB()
	}
	result := txn.First(ret, "id = ?", flagId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return ret, nil
}

// GetComplianceFlags gets compliance flags matching the filter, newest first
func (d *MetadataStorePostgres) GetComplianceFlags(
	filter models.FlagFilter,
	txn *gorm.DB,
) ([]models.ComplianceFlag, error) {
	var ret []models.ComplianceFlag
	if txn == nil {
		txn = d.DB()
	}
	query := txn
	if filter.UserID != "" {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if filter.DealID > 0 {
		query = query.Where("deal_id = ?", filter.DealID)
	}
	if filter.Severity != "" {
		query = query.Where("severity = ?", filter.Severity)
	}
	if filter.Resolved != nil {
		query = query.Where("resolved = ?", *filter.Resolved)
	}
	result := query.Order("id desc").Find(&ret)
	if result.Error != nil {
		return nil, result.Error
	}
	return ret, nil
}

// UpdateComplianceFlag saves an existing compliance flag
func (d *MetadataStorePostgres) UpdateComplianceFlag(
	flag *models.ComplianceFlag,
	txn *gorm.DB,
) error {
	if txn == nil {
		txn = d.DB()
	}
	result := txn.Save(flag)
	return result.Error
}
