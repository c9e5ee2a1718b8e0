// Vigil - Application Security Monitoring and Issue Ledger
// Copyright 2026 Vigil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

// Package settings provides a BadgerDB-backed option store for mutable
// runtime state: channel configurations, detector config blobs, and
// detector baselines (file-integrity hashes). Structured issue and task
// data lives in DuckDB; this store holds the small JSON blobs that
// change at runtime and must survive restarts.
package settings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/vigilsec/vigil/internal/channel"
	"github.com/vigilsec/vigil/internal/logging"
)

// Key prefixes for BadgerDB storage
const (
	channelKeyPrefix  = "channel:"
	detectorKeyPrefix = "detector:"
	baselineKeyPrefix = "baseline:"
	settingKeyPrefix  = "setting:"
)

// ErrNotFound is returned when a requested key does not exist.
var ErrNotFound = errors.New("setting not found")

// Store is a BadgerDB-backed settings store.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) a Badger database at path. An empty path opens
// an in-memory database, used in tests.
func Open(path string) (*badger.DB, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(path)
	}
	// Badger's own logger is noisy at INFO; route through nothing and
	// surface problems via returned errors instead.
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open settings database: %w", err)
	}
	return db, nil
}

// NewStore creates a settings store over an open Badger database.
func NewStore(db *badger.DB) *Store {
	return &Store{db: db}
}

// SaveChannelOptions persists the options for a notification channel.
func (s *Store) SaveChannelOptions(_ context.Context, name string, opts channel.Options) error {
	return s.setJSON(channelKeyPrefix+name, opts)
}

// ChannelOptions returns the stored options for a channel.
// Returns ErrNotFound when the channel has never been configured.
func (s *Store) ChannelOptions(_ context.Context, name string) (channel.Options, error) {
	var opts channel.Options
	err := s.getJSON(channelKeyPrefix+name, &opts)
	return opts, err
}

// AllChannelOptions returns the stored options of every configured
// channel, keyed by channel name.
func (s *Store) AllChannelOptions(_ context.Context) (map[string]channel.Options, error) {
	out := make(map[string]channel.Options)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(channelKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			name := string(item.Key()[len(prefix):])

			var chOpts channel.Options
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &chOpts)
			})
			if err != nil {
				logging.Warn().Err(err).Str("channel", name).Msg("skipping corrupt channel options")
				continue
			}
			out[name] = chOpts
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list channel options: %w", err)
	}
	return out, nil
}

// SaveDetectorConfig persists a detector's configuration blob.
func (s *Store) SaveDetectorConfig(_ context.Context, name string, config json.RawMessage) error {
	return s.set(detectorKeyPrefix+name, config)
}

// DetectorConfig returns a detector's configuration blob.
// Returns ErrNotFound when the detector has never been configured.
func (s *Store) DetectorConfig(_ context.Context, name string) (json.RawMessage, error) {
	val, err := s.get(detectorKeyPrefix + name)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(val), nil
}

// SaveBaseline persists a detector's baseline (path -> content hash).
func (s *Store) SaveBaseline(_ context.Context, detector string, baseline map[string]string) error {
	return s.setJSON(baselineKeyPrefix+detector, baseline)
}

// Baseline returns a detector's stored baseline. A missing baseline
// yields an empty map, not an error: first run starts from nothing.
func (s *Store) Baseline(_ context.Context, detector string) (map[string]string, error) {
	baseline := make(map[string]string)
	err := s.getJSON(baselineKeyPrefix+detector, &baseline)
	if errors.Is(err, ErrNotFound) {
		return baseline, nil
	}
	if err != nil {
		return nil, err
	}
	return baseline, nil
}

// SetString stores a generic string setting.
func (s *Store) SetString(_ context.Context, key, value string) error {
	return s.set(settingKeyPrefix+key, []byte(value))
}

// GetString returns a generic string setting.
func (s *Store) GetString(_ context.Context, key string) (string, error) {
	val, err := s.get(settingKeyPrefix + key)
	if err != nil {
		return "", err
	}
	return string(val), nil
}

// Delete removes a generic setting. Deleting a missing key is not an
// error.
func (s *Store) Delete(_ context.Context, key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(settingKeyPrefix + key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// RunGC runs Badger value-log garbage collection until there is nothing
// left to collect. Intended to be called periodically by the scheduler.
func (s *Store) RunGC(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		err := s.db.RunValueLogGC(0.5)
		if err != nil {
			if !errors.Is(err, badger.ErrNoRewrite) {
				logging.Warn().Err(err).Msg("settings value-log GC failed")
			}
			return
		}
	}
}

// StartGCRoutine runs value-log GC on the given interval until the
// context is canceled.
func (s *Store) StartGCRoutine(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunGC(ctx)
			}
		}
	}()
}

func (s *Store) set(key string, value []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("failed to store setting %s: %w", key, err)
	}
	return nil
}

func (s *Store) get(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return out, nil
}

func (s *Store) setJSON(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal setting %s: %w", key, err)
	}
	return s.set(key, data)
}

func (s *Store) getJSON(key string, v interface{}) error {
	data, err := s.get(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal setting %s: %w", key, err)
	}
	return nil
}
