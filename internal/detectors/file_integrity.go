// Vigil - Application Security Monitoring and Issue Ledger
// Copyright 2026 Vigil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package detectors

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/vigilsec/vigil/internal/finding"
	"github.com/vigilsec/vigil/internal/logging"
)

// BaselineStore persists the file-hash baseline between runs.
// Satisfied by *settings.Store.
type BaselineStore interface {
	Baseline(ctx context.Context, detector string) (map[string]string, error)
	SaveBaseline(ctx context.Context, detector string, baseline map[string]string) error
}

// FileIntegrityConfig configures the file-integrity detector.
type FileIntegrityConfig struct {
	// Paths are the directory roots to sweep.
	Paths []string `json:"paths"`

	// MaxFileSizeBytes skips files larger than this. Default 10 MiB.
	MaxFileSizeBytes int64 `json:"max_file_size_bytes"`

	// HashesPerSecond bounds hashing throughput so a sweep doesn't
	// saturate disk I/O on large trees. Default 200.
	HashesPerSecond int `json:"hashes_per_second"`
}

// DefaultFileIntegrityConfig returns production defaults.
func DefaultFileIntegrityConfig() FileIntegrityConfig {
	return FileIntegrityConfig{
		MaxFileSizeBytes: 10 << 20,
		HashesPerSecond:  200,
	}
}

// FileIntegrityDetector sweeps configured directory trees, hashes each
// file, and compares against the recorded baseline. Modified files
// raise file-tampering findings; new and removed files raise
// lower-severity findings. The first sweep only records the baseline.
// The baseline advances only for unchanged and newly appeared paths:
// a tampered or removed file keeps diffing against its pre-tamper
// entry until the file is restored.
//
// SCAN class: re-detecting the same modified file is folded into the
// existing issue by the ledger, not re-announced.
type FileIntegrityDetector struct {
	baselines BaselineStore

	mu      sync.RWMutex
	config  FileIntegrityConfig
	enabled bool
	limiter *rate.Limiter
}

// NewFileIntegrityDetector creates a file-integrity detector over the
// given baseline store.
func NewFileIntegrityDetector(baselines BaselineStore) *FileIntegrityDetector {
	cfg := DefaultFileIntegrityConfig()
	return &FileIntegrityDetector{
		baselines: baselines,
		config:    cfg,
		enabled:   true,
		limiter:   rate.NewLimiter(rate.Limit(cfg.HashesPerSecond), cfg.HashesPerSecond),
	}
}

// Name returns the issuer name.
func (d *FileIntegrityDetector) Name() string { return "file-integrity" }

// Class returns the issuer classification.
func (d *FileIntegrityDetector) Class() finding.IssuerClass { return finding.ClassScan }

// Priority orders detectors within a run.
func (d *FileIntegrityDetector) Priority() int { return 20 }

// Detect runs one integrity sweep.
func (d *FileIntegrityDetector) Detect(ctx context.Context) ([]finding.Finding, error) {
	d.mu.RLock()
	config := d.config
	limiter := d.limiter
	d.mu.RUnlock()

	if len(config.Paths) == 0 {
		return nil, nil
	}

	baseline, err := d.baselines.Baseline(ctx, d.Name())
	if err != nil {
		return nil, fmt.Errorf("failed to load integrity baseline: %w", err)
	}
	firstRun := len(baseline) == 0

	current := make(map[string]string)
	for _, root := range config.Paths {
		if err := d.sweep(ctx, root, config, limiter, current); err != nil {
			return nil, err
		}
	}

	var findings []finding.Finding
	if !firstRun {
		findings = diffBaseline(baseline, current)
	}

	if err := d.baselines.SaveBaseline(ctx, d.Name(), nextBaseline(baseline, current)); err != nil {
		return nil, fmt.Errorf("failed to save integrity baseline: %w", err)
	}

	if firstRun {
		logging.Info().
			Str("detector", d.Name()).
			Int("files", len(current)).
			Msg("integrity baseline established")
	}

	return findings, nil
}

// sweep hashes every regular file under root into current. Unreadable
// files are skipped, not fatal: a sweep must survive permission holes.
func (d *FileIntegrityDetector) sweep(ctx context.Context, root string, config FileIntegrityConfig, limiter *rate.Limiter, current map[string]string) error {
	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			logging.Debug().Err(err).Str("path", path).Msg("integrity sweep skipping unreadable entry")
			if entry != nil && entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.IsDir() || !entry.Type().IsRegular() {
			return nil
		}

		info, err := entry.Info()
		if err != nil || info.Size() > config.MaxFileSizeBytes {
			return nil
		}

		if err := limiter.Wait(ctx); err != nil {
			return err
		}

		hash, err := hashFile(path)
		if err != nil {
			logging.Debug().Err(err).Str("path", path).Msg("integrity sweep skipping unreadable file")
			return nil
		}
		current[path] = hash
		return nil
	})
}

// nextBaseline builds the baseline persisted after a sweep. Modified
// files keep their pre-tamper hash and removed files keep their entry,
// so a standing tampered or deleted state is re-detected on every sweep
// until the file is restored. Unchanged and newly appeared paths adopt
// their current hash.
func nextBaseline(baseline, current map[string]string) map[string]string {
	if len(baseline) == 0 {
		return current
	}

	next := make(map[string]string, len(baseline))
	for path, hash := range current {
		if oldHash, existed := baseline[path]; existed && oldHash != hash {
			next[path] = oldHash
			continue
		}
		next[path] = hash
	}
	for path, oldHash := range baseline {
		if _, still := current[path]; !still {
			next[path] = oldHash
		}
	}
	return next
}

// diffBaseline compares two sweeps and builds findings for every
// difference.
func diffBaseline(baseline, current map[string]string) []finding.Finding {
	var findings []finding.Finding
	now := time.Now()

	for path, hash := range current {
		oldHash, existed := baseline[path]
		switch {
		case !existed:
			details, _ := json.Marshal(map[string]string{"change": "added", "sha256": hash})
			findings = append(findings, finding.Finding{
				Message:     fmt.Sprintf("New file appeared: %s", filepath.Base(path)),
				Description: fmt.Sprintf("File %s was not present in the previous sweep", path),
				Severity:    finding.SeverityMedium,
				Type:        finding.TypeFileTampering,
				FilePath:    path,
				Details:     details,
				DetectedAt:  now,
			})
		case oldHash != hash:
			details, _ := json.Marshal(map[string]string{
				"change":          "modified",
				"sha256":          hash,
				"baseline_sha256": oldHash,
			})
			findings = append(findings, finding.Finding{
				Message:     fmt.Sprintf("File modified: %s", filepath.Base(path)),
				Description: fmt.Sprintf("Contents of %s changed since the previous sweep", path),
				Severity:    finding.SeverityHigh,
				Type:        finding.TypeFileTampering,
				FilePath:    path,
				Details:     details,
				DetectedAt:  now,
			})
		}
	}

	for path := range baseline {
		if _, still := current[path]; !still {
			details, _ := json.Marshal(map[string]string{"change": "removed"})
			findings = append(findings, finding.Finding{
				Message:     fmt.Sprintf("File removed: %s", filepath.Base(path)),
				Description: fmt.Sprintf("File %s disappeared since the previous sweep", path),
				Severity:    finding.SeverityMedium,
				Type:        finding.TypeFileTampering,
				FilePath:    path,
				Details:     details,
				DetectedAt:  now,
			})
		}
	}

	return findings
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Configure updates the detector configuration.
func (d *FileIntegrityDetector) Configure(config json.RawMessage) error {
	newConfig := DefaultFileIntegrityConfig()
	if err := json.Unmarshal(config, &newConfig); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if newConfig.MaxFileSizeBytes <= 0 {
		return fmt.Errorf("max_file_size_bytes must be positive")
	}
	if newConfig.HashesPerSecond <= 0 {
		return fmt.Errorf("hashes_per_second must be positive")
	}

	d.mu.Lock()
	d.config = newConfig
	d.limiter = rate.NewLimiter(rate.Limit(newConfig.HashesPerSecond), newConfig.HashesPerSecond)
	d.mu.Unlock()
	return nil
}

// Enabled returns whether this detector is enabled.
func (d *FileIntegrityDetector) Enabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enabled
}

// SetEnabled enables or disables the detector.
func (d *FileIntegrityDetector) SetEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = enabled
}

// Config returns the current configuration.
func (d *FileIntegrityDetector) Config() FileIntegrityConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config
}
