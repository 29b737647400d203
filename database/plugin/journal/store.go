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

package journal

import (
	"fmt"
	"log/slog"

	badgerplugin "github.com/blinklabs-io/corral/database/plugin/journal/badger"
	"github.com/blinklabs-io/corral/database/types"
	"github.com/prometheus/client_golang/prometheus"
)

// JournalStore is the interface for the append-only ledger journal backends
type JournalStore interface {
	// Database
	Close() error
	NewTransaction(bool) types.Txn
	GetCommitTimestamp() (int64, error)
	SetCommitTimestamp(int64, types.Txn) error

	// Key-value operations within a transaction
	Get(types.Txn, []byte) ([]byte, error)
	Set(types.Txn, []byte, []byte) error
	Delete(types.Txn, []byte) error
	NewIterator(types.Txn, types.JournalIteratorOptions) types.JournalIterator
}

// New returns the journal plugin selected by name. An empty dataDir selects
// in-memory storage, useful for testing.
func New(
	pluginName, dataDir string,
	logger *slog.Logger,
	promRegistry prometheus.Registerer,
) (JournalStore, error) {
	switch pluginName {
	case "badger", "":
		return badgerplugin.New(
			badgerplugin.WithDataDir(dataDir),
			badgerplugin.WithLogger(logger),
			badgerplugin.WithPromRegistry(promRegistry),
		)
	default:
		return nil, fmt.Errorf("unknown journal plugin: %s", pluginName)
	}
}
