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

// AddAllocation stores a new allocation row
func (d *Database) AddAllocation(
	allocation *models.Allocation,
	txn *Txn,
) error {
	return d.metadata.AddAllocation(allocation, d.metadataTxn(txn))
}

// GetAllocation returns a user's allocation for a deal, or
// models.ErrAllocationNotFound
func (d *Database) GetAllocation(
	dealId uint,
	userId string,
	txn *Txn,
) (*models.Allocation, error) {
	allocation, err := d.metadata.GetAllocation(
		dealId,
		userId,
		d.metadataTxn(txn),
	)
	if err != nil {
		return nil, err
	}
	if allocation == nil {
		return nil, models.ErrAllocationNotFound
	}
	return allocation, nil
}

// GetAllocationsByDeal returns all allocation rows for a deal
func (d *Database) GetAllocationsByDeal(
	dealId uint,
	txn *Txn,
) ([]models.Allocation, error) {
	return d.metadata.GetAllocationsByDeal(dealId, d.metadataTxn(txn))
}

// UpdateAllocation persists changes to an existing allocation
func (d *Database) UpdateAllocation(
	allocation *models.Allocation,
	txn *Txn,
) error {
	return d.metadata.UpdateAllocation(allocation, d.metadataTxn(txn))
}
