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

package types

import (
	"errors"
)

// ErrJournalKeyNotFound is returned by journal operations when a key is missing
var ErrJournalKeyNotFound = errors.New("journal key not found")

// ErrTxnWrongType is returned when a transaction has the wrong type
var ErrTxnWrongType = errors.New("invalid transaction type")

// ErrNilTxn is returned when a nil transaction is provided where a valid transaction is required
var ErrNilTxn = errors.New("nil transaction")

// ErrNoStoreAvailable is returned when no journal or metadata store is available
var ErrNoStoreAvailable = errors.New("no store available")

// ErrJournalStoreUnavailable is returned when the journal store cannot be accessed
var ErrJournalStoreUnavailable = errors.New("journal store unavailable")

// JournalItem represents a value returned by an iterator
type JournalItem interface {
	Key() []byte
	ValueCopy(dst []byte) ([]byte, error)
}

// JournalIterator provides key iteration over the journal store.
//
// Items returned by Item() must only be accessed while the underlying
// transaction used to create the iterator is still active. Implementations
// may validate transaction state at access time (for example ValueCopy may
// fail if the transaction has been committed or rolled back).
type JournalIterator interface {
	Rewind()
	Seek(prefix []byte)
	Valid() bool
	ValidForPrefix(prefix []byte) bool
	Next()
	Item() JournalItem
	Close()
	Err() error
}

// JournalIteratorOptions configures journal iterator creation
type JournalIteratorOptions struct {
	Prefix  []byte
	Reverse bool
}

// Txn is a simple transaction handle for commit/rollback only.
// The database layer coordinates metadata and journal operations separately.
type Txn interface {
	Commit() error
	Rollback() error
}
