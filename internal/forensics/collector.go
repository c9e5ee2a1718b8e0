// Vigil - Application Security Monitoring and Issue Ledger
// Copyright 2026 Vigil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

// Package forensics captures structured context snapshots at detection
// points. Snapshot depth is driven by the issuer classification: trigger
// issuers get a full classified call-chain walk, scan issuers get a
// minimal trace plus environment metadata so large periodic sweeps stay
// cheap.
package forensics

import (
	"net"
	"runtime"
	"strings"
	"time"

	"github.com/vigilsec/vigil/internal/finding"
)

// FrameSource classifies where a stack frame originates.
type FrameSource string

const (
	SourcePlugin   FrameSource = "plugin"
	SourceModule   FrameSource = "module"
	SourceCore     FrameSource = "core"
	SourceExternal FrameSource = "external"
	SourceUnknown  FrameSource = "unknown"
)

// maxTriggerFrames bounds the call-chain walk for trigger issuers.
const maxTriggerFrames = 20

// maxScanFrames bounds the trace for scan issuers.
const maxScanFrames = 3

// ExecutionKind identifies how the monitored application was entered.
type ExecutionKind string

const (
	ExecRequest    ExecutionKind = "request"
	ExecCLI        ExecutionKind = "cli"
	ExecBackground ExecutionKind = "background"
)

// RequestInfo describes the live request at the detection point, if any.
type RequestInfo struct {
	Method     string
	URI        string
	RemoteAddr string
	UserAgent  string
	User       string
	// Headers holds request headers relevant to client IP resolution.
	Headers map[string]string
}

// ClassifiedFrame is a backtrace frame tagged with its source.
type ClassifiedFrame struct {
	finding.Frame
	Source FrameSource `json:"source"`
}

// Context is the structured snapshot produced by a collection.
type Context struct {
	Class       finding.IssuerClass `json:"class"`
	CollectedAt time.Time           `json:"collected_at"`
	Execution   ExecutionKind       `json:"execution"`
	Caller      string              `json:"caller"`
	ClientIP    string              `json:"client_ip"`
	RequestURI  string              `json:"request_uri,omitempty"`
	Frames      []ClassifiedFrame   `json:"frames,omitempty"`
	// Environment carries scan metadata (enabled detectors, versions)
	// for scan-classified collections.
	Environment map[string]string `json:"environment,omitempty"`
	AllocBytes  uint64            `json:"alloc_bytes"`
	Goroutines  int               `json:"goroutines"`
}

// Config controls frame classification and client IP resolution.
type Config struct {
	// PluginPathPrefixes, ModulePathPrefixes, and CorePathPrefixes
	// classify frame files by longest-known-prefix containment.
	PluginPathPrefixes []string
	ModulePathPrefixes []string
	CorePathPrefixes   []string

	// ProxyHeaderPrecedence lists headers consulted for the client IP,
	// highest priority first. RemoteAddr is the final fallback.
	ProxyHeaderPrecedence []string
}

// DefaultConfig returns classification defaults for a typical deployment.
func DefaultConfig() Config {
	return Config{
		PluginPathPrefixes:    []string{"/plugins/", "/extensions/"},
		ModulePathPrefixes:    []string{"/modules/", "/themes/"},
		CorePathPrefixes:      []string{"/core/", "/lib/", "/vendor/"},
		ProxyHeaderPrecedence: []string{"CF-Connecting-IP", "X-Real-IP", "X-Forwarded-For"},
	}
}

// Collector produces forensic context snapshots.
type Collector struct {
	cfg Config

	// scanEnv is merged into scan-classified snapshots.
	scanEnv map[string]string
}

// NewCollector creates a collector with the given configuration.
func NewCollector(cfg Config) *Collector {
	if len(cfg.ProxyHeaderPrecedence) == 0 {
		cfg.ProxyHeaderPrecedence = DefaultConfig().ProxyHeaderPrecedence
	}
	return &Collector{cfg: cfg, scanEnv: make(map[string]string)}
}

// SetScanEnvironment replaces the environment metadata attached to
// scan-classified snapshots (enabled detector names, app version).
func (c *Collector) SetScanEnvironment(env map[string]string) {
	merged := make(map[string]string, len(env))
	for k, v := range env {
		merged[k] = v
	}
	c.scanEnv = merged
}

// Collect produces a snapshot for the given issuer classification.
// Frames are supplied explicitly by the caller; malformed frames degrade
// to "unknown" fields rather than failing the collection.
func (c *Collector) Collect(class finding.IssuerClass, frames []finding.Frame, req *RequestInfo) Context {
	effective := class
	if class == finding.ClassHybrid {
		if req != nil {
			effective = finding.ClassTrigger
		} else {
			effective = finding.ClassScan
		}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	snapshot := Context{
		Class:       class,
		CollectedAt: time.Now().UTC(),
		Execution:   c.executionKind(req),
		Caller:      c.callerIdentity(req),
		ClientIP:    c.clientIP(req),
		AllocBytes:  mem.Alloc,
		Goroutines:  runtime.NumGoroutine(),
	}
	if req != nil {
		snapshot.RequestURI = req.URI
	}

	limit := maxScanFrames
	if effective == finding.ClassTrigger {
		limit = maxTriggerFrames
	}
	snapshot.Frames = c.classifyFrames(frames, limit)

	if effective == finding.ClassScan {
		snapshot.Environment = make(map[string]string, len(c.scanEnv))
		for k, v := range c.scanEnv {
			snapshot.Environment[k] = v
		}
	}

	return snapshot
}

// classifyFrames tags up to limit frames with their source.
func (c *Collector) classifyFrames(frames []finding.Frame, limit int) []ClassifiedFrame {
	if len(frames) == 0 {
		return nil
	}
	if len(frames) > limit {
		frames = frames[:limit]
	}

	classified := make([]ClassifiedFrame, 0, len(frames))
	for _, f := range frames {
		cf := ClassifiedFrame{Frame: f, Source: c.classifySource(f.File)}
		if cf.File == "" {
			cf.File = "unknown"
			cf.Source = SourceUnknown
		}
		if cf.Line < 0 {
			cf.Line = 0
		}
		classified = append(classified, cf)
	}
	return classified
}

func (c *Collector) classifySource(file string) FrameSource {
	switch {
	case file == "":
		return SourceUnknown
	case containsAnyPrefix(file, c.cfg.PluginPathPrefixes):
		return SourcePlugin
	case containsAnyPrefix(file, c.cfg.ModulePathPrefixes):
		return SourceModule
	case containsAnyPrefix(file, c.cfg.CorePathPrefixes):
		return SourceCore
	default:
		return SourceExternal
	}
}

func (c *Collector) executionKind(req *RequestInfo) ExecutionKind {
	if req != nil {
		return ExecRequest
	}
	return ExecBackground
}

func (c *Collector) callerIdentity(req *RequestInfo) string {
	if req == nil || req.User == "" {
		return "unknown"
	}
	return req.User
}

// clientIP resolves the client IP honoring the configured proxy header
// precedence. X-Forwarded-For style lists use the first entry.
func (c *Collector) clientIP(req *RequestInfo) string {
	if req == nil {
		return "unknown"
	}
	for _, header := range c.cfg.ProxyHeaderPrecedence {
		value := headerValue(req.Headers, header)
		if value == "" {
			continue
		}
		if ip := firstValidIP(value); ip != "" {
			return ip
		}
	}
	if req.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
			return host
		}
		if net.ParseIP(req.RemoteAddr) != nil {
			return req.RemoteAddr
		}
	}
	return "unknown"
}

// headerValue does a case-insensitive lookup.
func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// firstValidIP returns the first parseable IP from a comma-separated list.
func firstValidIP(value string) string {
	for _, part := range strings.Split(value, ",") {
		candidate := strings.TrimSpace(part)
		if net.ParseIP(candidate) != nil {
			return candidate
		}
	}
	return ""
}

func containsAnyPrefix(file string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.Contains(file, p) {
			return true
		}
	}
	return false
}
