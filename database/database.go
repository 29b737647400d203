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
	"errors"
	"io"
	"log/slog"

	"github.com/blinklabs-io/corral/database/plugin/journal"
	"github.com/blinklabs-io/corral/database/plugin/metadata"
	"github.com/prometheus/client_golang/prometheus"
)

// Database pairs the relational metadata store with the append-only ledger
// journal. Projections (raised totals, claimed totals) live in metadata;
// the entries they are computed from live in the journal. A shared commit
// timestamp ties the two together so divergence is detected at startup.
type Database struct {
	logger   *slog.Logger
	journal  journal.JournalStore
	metadata metadata.MetadataStore
	dataDir  string
}

// Journal returns the underlying journal store instance
func (d *Database) Journal() journal.JournalStore {
	return d.journal
}

// DataDir returns the path to the data directory used for storage
func (d *Database) DataDir() string {
	return d.dataDir
}

// Logger returns the logger instance
func (d *Database) Logger() *slog.Logger {
	return d.logger
}

// Metadata returns the underlying metadata store instance
func (d *Database) Metadata() metadata.MetadataStore {
	return d.metadata
}

// Transaction starts a new database transaction and returns a handle to it
func (d *Database) Transaction(readWrite bool) *Txn {
	return NewTxn(d, readWrite)
}

// Close cleans up the database connections
func (d *Database) Close() error {
	var err error
	// Close metadata
	metadataErr := d.Metadata().Close()
	err = errors.Join(err, metadataErr)
	// Close journal
	journalErr := d.Journal().Close()
	err = errors.Join(err, journalErr)
	return err
}

func (d *Database) init() error {
	if d.logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		d.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	// Check commit timestamp
	if err := d.checkCommitTimestamp(); err != nil {
		return err
	}
	return nil
}

// Config holds the database backend selection and shared dependencies
type Config struct {
	logger         *slog.Logger
	promRegistry   prometheus.Registerer
	dataDir        string
	metadataPlugin string
	journalPlugin  string
	postgresDsn    string
}

type ConfigOptionFunc func(*Config)

// WithLogger specifies the logger object to use for logging messages
func WithLogger(logger *slog.Logger) ConfigOptionFunc {
	return func(c *Config) {
		c.logger = logger
	}
}

// WithDataDir specifies the data directory for persistence. An empty value
// selects in-memory storage for both stores, useful for testing.
func WithDataDir(dataDir string) ConfigOptionFunc {
	return func(c *Config) {
		c.dataDir = dataDir
	}
}

// WithPromRegistry specifies the prometheus registry to use for metrics
func WithPromRegistry(registry prometheus.Registerer) ConfigOptionFunc {
	return func(c *Config) {
		c.promRegistry = registry
	}
}

// WithMetadataPlugin specifies the metadata store backend (sqlite, postgres)
func WithMetadataPlugin(pluginName string) ConfigOptionFunc {
	return func(c *Config) {
		c.metadataPlugin = pluginName
	}
}

// WithJournalPlugin specifies the journal store backend (badger)
func WithJournalPlugin(pluginName string) ConfigOptionFunc {
	return func(c *Config) {
		c.journalPlugin = pluginName
	}
}

// WithPostgresDsn specifies the postgres connection string for the postgres
// metadata plugin
func WithPostgresDsn(dsn string) ConfigOptionFunc {
	return func(c *Config) {
		c.postgresDsn = dsn
	}
}

// New creates a new database instance with optional persistence using the
// provided data directory
func New(opts ...ConfigOptionFunc) (*Database, error) {
	cfg := &Config{}
	for _, opt := range opts {
		opt(cfg)
	}
	metadataDb, err := metadata.New(
		cfg.metadataPlugin,
		cfg.dataDir,
		cfg.postgresDsn,
		cfg.logger,
		cfg.promRegistry,
	)
	if err != nil {
		return nil, err
	}
	journalDb, err := journal.New(
		cfg.journalPlugin,
		cfg.dataDir,
		cfg.logger,
		cfg.promRegistry,
	)
	if err != nil {
		return nil, err
	}
	db := &Database{
		logger:   cfg.logger,
		journal:  journalDb,
		metadata: metadataDb,
		dataDir:  cfg.dataDir,
	}
	if err := db.init(); err != nil {
		// Database is available for recovery, so return it with error
		return db, err
	}
	return db, nil
}
