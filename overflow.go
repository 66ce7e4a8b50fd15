package eventbus

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	auditOverflowPrefix  = "audit-offline"
	eventsOverflowPrefix = "events-offline"
	overflowExt          = ".jsonl"
)

// OverflowFileName returns "<prefix>-<identity>.jsonl".
func OverflowFileName(prefix, identity string) string {
	return prefix + "-" + identity + overflowExt
}

// OverflowLog is an append-only JSON-lines file of envelopes that could not be
// published or buffered. The file is opened for every append rather than held
// open, so the replay tool can unlink it between writes without stranding
// later appends on a deleted inode.
type OverflowLog struct {
	mu   sync.Mutex
	path string
}

// NewOverflowLog creates dir if needed and returns the log for
// dir/<prefix>-<identity>.jsonl.
func NewOverflowLog(dir, prefix, identity string) (*OverflowLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create overflow directory: %w", err)
	}
	return &OverflowLog{path: filepath.Join(dir, OverflowFileName(prefix, identity))}, nil
}

// Path returns the file the log appends to.
func (l *OverflowLog) Path() string { return l.path }

// Append writes env as one line and syncs it to disk.
func (l *OverflowLog) Append(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return &DiskWriteError{Path: l.path, Err: fmt.Errorf("marshal envelope %s: %w", env.ID, err)}
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return &DiskWriteError{Path: l.path, Err: err}
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		return &DiskWriteError{Path: l.path, Err: err}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return &DiskWriteError{Path: l.path, Err: err}
	}
	if err := f.Close(); err != nil {
		return &DiskWriteError{Path: l.path, Err: err}
	}
	return nil
}

// DiskFallback routes envelopes to the overflow log for their kind. Audit
// events always have a disk fallback; other kinds only with DiskFallbackAll.
type DiskFallback struct {
	scope  DiskFallbackScope
	audit  *OverflowLog
	events *OverflowLog
}

// NewDiskFallback prepares the overflow logs cfg asks for.
func NewDiskFallback(cfg OverflowConfig) (*DiskFallback, error) {
	identity := cfg.Identity
	if identity == "" {
		identity = "default"
	}
	audit, err := NewOverflowLog(cfg.Dir, auditOverflowPrefix, identity)
	if err != nil {
		return nil, err
	}
	d := &DiskFallback{scope: cfg.Scope, audit: audit}
	if cfg.Scope == DiskFallbackAll {
		if d.events, err = NewOverflowLog(cfg.Dir, eventsOverflowPrefix, identity); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Covers reports whether events of kind k fall back to disk.
func (d *DiskFallback) Covers(k Kind) bool {
	if d == nil {
		return false
	}
	return k == KindAudit || (d.scope == DiskFallbackAll && k != "")
}

// Append writes env to the overflow log for its kind.
func (d *DiskFallback) Append(env Envelope) error {
	switch k := env.Kind(); {
	case !d.Covers(k):
		return fmt.Errorf("eventbus: no disk fallback for %q events", k)
	case k == KindAudit:
		return d.audit.Append(env)
	default:
		return d.events.Append(env)
	}
}

// AuditPath returns the audit overflow file path.
func (d *DiskFallback) AuditPath() string { return d.audit.Path() }
