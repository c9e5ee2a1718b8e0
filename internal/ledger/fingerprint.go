// Vigil - Application Security Monitoring and Issue Ledger
// Copyright 2026 Vigil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

// Package ledger owns the persistent issue record: fingerprinting,
// deduplication, operator actions, and retention.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/vigilsec/vigil/internal/finding"
)

// internalPathMarkers identify frames belonging to the monitoring system
// itself. Those frames are skipped when deriving the call-site
// fingerprint so the hash pins the monitored code, not the monitor.
var internalPathMarkers = []string{
	"/vigil/",
	"vigilsec",
}

// Fingerprinter derives the two dedup hashes for a finding. Extra
// internal path markers can be configured for deployments that vendor
// the monitor under a different path.
type Fingerprinter struct {
	internalMarkers []string
}

// NewFingerprinter creates a fingerprinter. Extra markers extend the
// built-in internal path set.
func NewFingerprinter(extraMarkers ...string) *Fingerprinter {
	markers := make([]string, 0, len(internalPathMarkers)+len(extraMarkers))
	markers = append(markers, internalPathMarkers...)
	markers = append(markers, extraMarkers...)
	return &Fingerprinter{internalMarkers: markers}
}

// IssueHash computes the position-independent identity of a finding:
// issuer, title, file, and details payload.
func (fp *Fingerprinter) IssueHash(issuer string, f *finding.Finding) string {
	h := sha256.New()
	h.Write([]byte(issuer))
	h.Write([]byte{'|'})
	h.Write([]byte(f.Message))
	h.Write([]byte{'|'})
	h.Write([]byte(f.FilePath))
	h.Write([]byte{'|'})
	h.Write(f.Details)
	return hex.EncodeToString(h.Sum(nil))
}

// LineCodeHash computes the call-site identity: the first frame of the
// backtrace not belonging to the monitor itself, hashed together with
// the issuer. Findings without a usable backtrace fall back to the
// issue hash so every finding always has a dedup key.
func (fp *Fingerprinter) LineCodeHash(issuer string, f *finding.Finding, issueHash string) string {
	frame := fp.firstExternalFrame(f.Backtrace)
	if frame == nil {
		return issueHash
	}

	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d", issuer, frame.File, frame.Line)
	return hex.EncodeToString(h.Sum(nil))
}

func (fp *Fingerprinter) firstExternalFrame(frames []finding.Frame) *finding.Frame {
	for i := range frames {
		f := &frames[i]
		if f.File == "" {
			continue
		}
		if fp.isInternal(f.File) {
			continue
		}
		return f
	}
	return nil
}

func (fp *Fingerprinter) isInternal(file string) bool {
	for _, marker := range fp.internalMarkers {
		if strings.Contains(file, marker) {
			return true
		}
	}
	return false
}
