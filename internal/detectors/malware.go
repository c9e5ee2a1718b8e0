// Vigil - Application Security Monitoring and Issue Ledger
// Copyright 2026 Vigil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package detectors

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/vigilsec/vigil/internal/finding"
	"github.com/vigilsec/vigil/internal/logging"
)

// Signature is one malware pattern.
type Signature struct {
	Name     string           `json:"name"`
	Pattern  string           `json:"pattern"`
	Severity finding.Severity `json:"severity"`
}

// MalwareConfig configures the malware-signature detector.
type MalwareConfig struct {
	// Paths are the directory roots to scan.
	Paths []string `json:"paths"`

	// Extensions limits scanning to these file extensions.
	Extensions []string `json:"extensions"`

	// MaxFileSizeBytes skips files larger than this. Default 5 MiB.
	MaxFileSizeBytes int64 `json:"max_file_size_bytes"`

	// Signatures override the built-in set when non-empty.
	Signatures []Signature `json:"signatures,omitempty"`
}

// DefaultMalwareConfig returns production defaults.
func DefaultMalwareConfig() MalwareConfig {
	return MalwareConfig{
		Extensions:       []string{".php", ".js", ".html", ".htaccess"},
		MaxFileSizeBytes: 5 << 20,
	}
}

// defaultSignatures covers the common obfuscated-payload and backdoor
// idioms seen in compromised web applications.
var defaultSignatures = []Signature{
	{Name: "eval-base64", Pattern: `eval\s*\(\s*base64_decode`, Severity: finding.SeverityCritical},
	{Name: "eval-gzinflate", Pattern: `eval\s*\(\s*gzinflate\s*\(\s*base64_decode`, Severity: finding.SeverityCritical},
	{Name: "preg-replace-eval", Pattern: `preg_replace\s*\(\s*['"][^'"]*\/e['"]`, Severity: finding.SeverityCritical},
	{Name: "request-exec", Pattern: `(shell_exec|passthru|system|exec)\s*\(\s*\$_(GET|POST|REQUEST|COOKIE)`, Severity: finding.SeverityCritical},
	{Name: "request-assert", Pattern: `assert\s*\(\s*\$_(GET|POST|REQUEST|COOKIE)`, Severity: finding.SeverityCritical},
	{Name: "create-function-post", Pattern: `create_function\s*\([^)]*\$_(GET|POST|REQUEST)`, Severity: finding.SeverityHigh},
	{Name: "hex-eval", Pattern: `\\x65\\x76\\x61\\x6c`, Severity: finding.SeverityHigh},
	{Name: "document-write-unescape", Pattern: `document\.write\s*\(\s*unescape\s*\(`, Severity: finding.SeverityMedium},
}

type compiledSignature struct {
	Signature
	re *regexp.Regexp
}

// MalwareDetector scans configured directory trees for known malicious
// code patterns. SCAN class: a standing infection surfaces once and is
// folded into its issue until cleaned.
type MalwareDetector struct {
	mu       sync.RWMutex
	config   MalwareConfig
	compiled []compiledSignature
	enabled  bool
}

// NewMalwareDetector creates a malware detector with the built-in
// signature set.
func NewMalwareDetector() *MalwareDetector {
	d := &MalwareDetector{
		config:  DefaultMalwareConfig(),
		enabled: true,
	}
	d.compiled = compileSignatures(defaultSignatures)
	return d
}

// Name returns the issuer name.
func (d *MalwareDetector) Name() string { return "malware-signature" }

// Class returns the issuer classification.
func (d *MalwareDetector) Class() finding.IssuerClass { return finding.ClassScan }

// Priority orders detectors within a run.
func (d *MalwareDetector) Priority() int { return 30 }

// Detect runs one signature scan.
func (d *MalwareDetector) Detect(ctx context.Context) ([]finding.Finding, error) {
	d.mu.RLock()
	config := d.config
	signatures := d.compiled
	d.mu.RUnlock()

	if len(config.Paths) == 0 || len(signatures) == 0 {
		return nil, nil
	}

	var findings []finding.Finding
	for _, root := range config.Paths {
		err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			if err != nil {
				if entry != nil && entry.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if entry.IsDir() || !entry.Type().IsRegular() {
				return nil
			}
			if !matchesExtension(path, config.Extensions) {
				return nil
			}
			info, err := entry.Info()
			if err != nil || info.Size() > config.MaxFileSizeBytes {
				return nil
			}

			matches, err := scanFile(path, signatures)
			if err != nil {
				logging.Debug().Err(err).Str("path", path).Msg("signature scan skipping unreadable file")
				return nil
			}
			findings = append(findings, matches...)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("signature scan of %s failed: %w", root, err)
		}
	}

	return findings, nil
}

// scanFile matches all signatures line by line, one finding per
// signature per file.
func scanFile(path string, signatures []compiledSignature) ([]finding.Finding, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	matched := make(map[string]int) // signature name -> first matching line
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		for _, sig := range signatures {
			if _, seen := matched[sig.Name]; seen {
				continue
			}
			if sig.re.MatchString(line) {
				matched[sig.Name] = lineNo
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	var findings []finding.Finding
	now := time.Now()
	for _, sig := range signatures {
		line, ok := matched[sig.Name]
		if !ok {
			continue
		}
		details, _ := json.Marshal(map[string]interface{}{
			"signature": sig.Name,
			"line":      line,
		})
		findings = append(findings, finding.Finding{
			Message:     fmt.Sprintf("Malware signature %s in %s", sig.Name, filepath.Base(path)),
			Description: fmt.Sprintf("Pattern %q matched at %s:%d", sig.Name, path, line),
			Severity:    sig.Severity,
			Type:        finding.TypeMalware,
			FilePath:    path,
			Backtrace:   []finding.Frame{{File: path, Line: line}},
			Details:     details,
			DetectedAt:  now,
		})
	}
	return findings, nil
}

func matchesExtension(path string, extensions []string) bool {
	if len(extensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(path))
	base := strings.ToLower(filepath.Base(path))
	for _, allowed := range extensions {
		if ext == allowed || base == allowed {
			return true
		}
	}
	return false
}

func compileSignatures(signatures []Signature) []compiledSignature {
	compiled := make([]compiledSignature, 0, len(signatures))
	for _, sig := range signatures {
		re, err := regexp.Compile("(?i)" + sig.Pattern)
		if err != nil {
			logging.Warn().Err(err).Str("signature", sig.Name).Msg("skipping malformed malware signature")
			continue
		}
		compiled = append(compiled, compiledSignature{Signature: sig, re: re})
	}
	return compiled
}

// Configure updates the detector configuration. Custom signatures
// replace the built-in set; malformed patterns are skipped.
func (d *MalwareDetector) Configure(config json.RawMessage) error {
	newConfig := DefaultMalwareConfig()
	if err := json.Unmarshal(config, &newConfig); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if newConfig.MaxFileSizeBytes <= 0 {
		return fmt.Errorf("max_file_size_bytes must be positive")
	}

	signatures := defaultSignatures
	if len(newConfig.Signatures) > 0 {
		signatures = newConfig.Signatures
	}
	compiled := compileSignatures(signatures)
	if len(compiled) == 0 {
		return fmt.Errorf("no usable signatures")
	}

	d.mu.Lock()
	d.config = newConfig
	d.compiled = compiled
	d.mu.Unlock()
	return nil
}

// Enabled returns whether this detector is enabled.
func (d *MalwareDetector) Enabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enabled
}

// SetEnabled enables or disables the detector.
func (d *MalwareDetector) SetEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = enabled
}

// Config returns the current configuration.
func (d *MalwareDetector) Config() MalwareConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config
}
