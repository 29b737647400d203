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

// AddComplianceFlag stores a new compliance flag
func (d *Database) AddComplianceFlag(
	flag *models.ComplianceFlag,
	txn *Txn,
) error {
	return d.metadata.AddComplianceFlag(flag, d.metadataTxn(txn))
}

// GetComplianceFlag returns the flag with the given ID, or
// models.ErrFlagNotFound
func (d *Database) GetComplianceFlag(
	flagId uint,
	txn *Txn,
) (*models.ComplianceFlag, error) {
	flag, err := d.metadata.GetComplianceFlag(flagId, d.metadataTxn(txn))
	if err != nil {
		return nil, err
	}
	if flag == nil {
		return nil, models.ErrFlagNotFound
	}
	return flag, nil
}

// GetComplianceFlags returns flags matching the filter, newest first
func (d *Database) GetComplianceFlags(
	filter models.FlagFilter,
	txn *Txn,
) ([]models.ComplianceFlag, error) {
	return d.metadata.GetComplianceFlags(filter, d.metadataTxn(txn))
}

// UpdateComplianceFlag persists changes to an existing flag
func (d *Database) UpdateComplianceFlag(
	flag *models.ComplianceFlag,
	txn *Txn,
) error {
	return d.metadata.UpdateComplianceFlag(flag, d.metadataTxn(txn))
}
