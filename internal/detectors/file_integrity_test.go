// Vigil - Application Security Monitoring and Issue Ledger
// Copyright 2026 Vigil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package detectors

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/vigilsec/vigil/internal/finding"
)

type fakeBaselines struct {
	data map[string]map[string]string
}

func newFakeBaselines() *fakeBaselines {
	return &fakeBaselines{data: make(map[string]map[string]string)}
}

func (b *fakeBaselines) Baseline(_ context.Context, detector string) (map[string]string, error) {
	baseline := make(map[string]string)
	for k, v := range b.data[detector] {
		baseline[k] = v
	}
	return baseline, nil
}

func (b *fakeBaselines) SaveBaseline(_ context.Context, detector string, baseline map[string]string) error {
	copied := make(map[string]string, len(baseline))
	for k, v := range baseline {
		copied[k] = v
	}
	b.data[detector] = copied
	return nil
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func configureIntegrity(t *testing.T, d *FileIntegrityDetector, dir string) {
	t.Helper()
	blob := fmt.Sprintf(`{"paths":[%q],"max_file_size_bytes":1048576,"hashes_per_second":10000}`, dir)
	if err := d.Configure([]byte(blob)); err != nil {
		t.Fatal(err)
	}
}

func TestFileIntegrityFirstRunEstablishesBaseline(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "index.php", "<?php echo 1;")
	writeFile(t, dir, "config.php", "<?php $x = 2;")

	d := NewFileIntegrityDetector(newFakeBaselines())
	configureIntegrity(t, d, dir)

	findings, err := d.Detect(context.Background())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(findings) != 0 {
		t.Errorf("first run must only record the baseline, got %d findings", len(findings))
	}
}

func TestFileIntegrityDetectsChanges(t *testing.T) {
	dir := t.TempDir()
	modified := writeFile(t, dir, "index.php", "<?php echo 1;")
	removed := writeFile(t, dir, "old.php", "<?php legacy();")
	writeFile(t, dir, "stable.php", "<?php untouched();")

	d := NewFileIntegrityDetector(newFakeBaselines())
	configureIntegrity(t, d, dir)

	ctx := context.Background()
	if _, err := d.Detect(ctx); err != nil {
		t.Fatal(err)
	}

	// Mutate the tree: modify one file, remove one, add one.
	writeFile(t, dir, "index.php", "<?php eval($payload);")
	if err := os.Remove(removed); err != nil {
		t.Fatal(err)
	}
	added := writeFile(t, dir, "shell.php", "<?php new_file();")

	findings, err := d.Detect(ctx)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(findings) != 3 {
		t.Fatalf("got %d findings, want 3: %+v", len(findings), findings)
	}

	byPath := make(map[string]finding.Finding)
	for _, f := range findings {
		byPath[f.FilePath] = f
		if f.Type != finding.TypeFileTampering {
			t.Errorf("finding type = %s, want file_tampering", f.Type)
		}
	}

	if f := byPath[modified]; f.Severity != finding.SeverityHigh {
		t.Errorf("modified file severity = %s, want high", f.Severity)
	}
	if _, ok := byPath[added]; !ok {
		t.Error("added file not reported")
	}
	if _, ok := byPath[removed]; !ok {
		t.Error("removed file not reported")
	}

	// Third sweep: the tampered and removed files are standing
	// conditions against the original baseline and are re-detected.
	// The added file was adopted into the baseline and goes quiet.
	findings, err = d.Detect(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(findings) != 2 {
		t.Fatalf("standing conditions produced %d findings, want 2: %+v", len(findings), findings)
	}
	for _, f := range findings {
		if f.FilePath == added {
			t.Error("adopted file must not be re-reported")
		}
	}
}

func TestFileIntegrityStandingModificationRedetected(t *testing.T) {
	dir := t.TempDir()
	target := writeFile(t, dir, "index.php", "<?php echo 1;")

	d := NewFileIntegrityDetector(newFakeBaselines())
	configureIntegrity(t, d, dir)

	ctx := context.Background()
	if _, err := d.Detect(ctx); err != nil {
		t.Fatal(err)
	}

	writeFile(t, dir, "index.php", "<?php eval($payload);")

	// The tampered content must not become its own baseline: every
	// sweep keeps reporting the modification until the file is restored.
	for sweep := 1; sweep <= 2; sweep++ {
		findings, err := d.Detect(ctx)
		if err != nil {
			t.Fatalf("sweep %d: %v", sweep, err)
		}
		if len(findings) != 1 || findings[0].FilePath != target {
			t.Fatalf("sweep %d findings = %+v, want the modified file", sweep, findings)
		}
	}

	// Restoring the original content clears the condition.
	writeFile(t, dir, "index.php", "<?php echo 1;")
	findings, err := d.Detect(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(findings) != 0 {
		t.Errorf("restored file still reported: %+v", findings)
	}
}

func TestFileIntegritySkipsOversizedFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "big.php", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	small := writeFile(t, dir, "small.php", "x")

	baselines := newFakeBaselines()
	d := NewFileIntegrityDetector(baselines)
	blob := fmt.Sprintf(`{"paths":[%q],"max_file_size_bytes":10,"hashes_per_second":10000}`, dir)
	if err := d.Configure([]byte(blob)); err != nil {
		t.Fatal(err)
	}

	if _, err := d.Detect(context.Background()); err != nil {
		t.Fatal(err)
	}

	baseline, _ := baselines.Baseline(context.Background(), d.Name())
	if _, ok := baseline[small]; !ok {
		t.Error("small file missing from baseline")
	}
	if len(baseline) != 1 {
		t.Errorf("baseline has %d entries, want 1 (oversized file skipped)", len(baseline))
	}
}

func TestFileIntegrityNoPathsIsNoop(t *testing.T) {
	d := NewFileIntegrityDetector(newFakeBaselines())
	findings, err := d.Detect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if findings != nil {
		t.Errorf("unconfigured detector produced findings: %v", findings)
	}
}
