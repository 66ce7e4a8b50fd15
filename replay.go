package eventbus

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// legacyAuditOverflow is the single-file overflow log written before files
// carried a pod identity suffix.
const legacyAuditOverflow = auditOverflowPrefix + overflowExt

const maxOverflowLine = 1 << 20

// claimSuffix marks an overflow file taken over by a replay pass. A file that
// was not fully replayed keeps its claimed name and is retried first on the
// next pass.
const claimSuffix = ".replaying"

// Republisher sends a spilled envelope back to the broker without buffering.
type Republisher interface {
	Republish(ctx context.Context, env Envelope) error
}

// ConnectionChecker reports broker connectivity.
type ConnectionChecker interface {
	IsOpen() bool
}

// FileReplay is the outcome of replaying one overflow file.
type FileReplay struct {
	Path      string `json:"path"`
	Lines     int    `json:"lines"`
	Published int    `json:"published"`
	Failed    int    `json:"failed"`
	Deleted   bool   `json:"deleted"`
}

// ReplayReport sums one replay pass.
type ReplayReport struct {
	Files     []FileReplay `json:"files"`
	Published int          `json:"published"`
	Failed    int          `json:"failed"`
}

// Replayer drains overflow logs back through the publish path.
type Replayer struct {
	pub    Republisher
	conn   ConnectionChecker
	dir    string
	scope  DiskFallbackScope
	logger *slog.Logger
}

// NewReplayer replays the overflow files under cfg.Overflow.Dir through pub.
// conn must stay open for the whole pass before a file is deleted.
func NewReplayer(pub Republisher, conn ConnectionChecker, cfg Config) *Replayer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Replayer{
		pub:    pub,
		conn:   conn,
		dir:    cfg.Overflow.Dir,
		scope:  cfg.Overflow.Scope,
		logger: logger.With("component", "replay"),
	}
}

// Files lists the overflow files to replay: files claimed by an earlier pass
// that did not finish, then the legacy audit file, then audit-offline-*.jsonl
// sorted by name, then events-offline-*.jsonl when every kind falls back to
// disk.
func (r *Replayer) Files() ([]string, error) {
	prefixes := []string{auditOverflowPrefix}
	if r.scope == DiskFallbackAll {
		prefixes = append(prefixes, eventsOverflowPrefix)
	}
	var claimed, live []string
	for _, prefix := range prefixes {
		matches, err := filepath.Glob(filepath.Join(r.dir, prefix+"*"+overflowExt+".*"+claimSuffix))
		if err != nil {
			return nil, fmt.Errorf("glob claimed overflow files: %w", err)
		}
		sort.Strings(matches)
		claimed = append(claimed, matches...)
	}
	legacy := filepath.Join(r.dir, legacyAuditOverflow)
	if _, err := os.Stat(legacy); err == nil {
		live = append(live, legacy)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat %s: %w", legacy, err)
	}
	for _, prefix := range prefixes {
		matches, err := filepath.Glob(filepath.Join(r.dir, prefix+"-*"+overflowExt))
		if err != nil {
			return nil, fmt.Errorf("glob overflow files: %w", err)
		}
		sort.Strings(matches)
		live = append(live, matches...)
	}
	return append(claimed, live...), nil
}

// Run performs one replay pass over every overflow file.
func (r *Replayer) Run(ctx context.Context) (ReplayReport, error) {
	var report ReplayReport
	files, err := r.Files()
	if err != nil {
		return report, err
	}
	if len(files) == 0 {
		r.logger.Info("no offline audit log files found", "dir", r.dir)
		return report, nil
	}
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		res, err := r.replayFile(ctx, path)
		if err != nil {
			r.logger.Error("replay file failed", "path", path, "err", err)
		}
		report.Files = append(report.Files, res)
		report.Published += res.Published
		report.Failed += res.Failed
	}
	r.logger.Info("replay pass complete", "files", len(report.Files), "published", report.Published, "failed", report.Failed)
	return report, nil
}

// replayFile claims path by renaming it, then republishes every line. Writers
// open the overflow file for each append, so appends after the claim start a
// new live file. Only an append that had already opened the file can still
// land in the claimed one; the size check catches it unless it lands between
// the check and the unlink. The claimed file is removed only when every line
// was published and the connection stayed open; otherwise it is kept whole
// under its claimed name.
func (r *Replayer) replayFile(ctx context.Context, path string) (FileReplay, error) {
	res := FileReplay{Path: path}
	openAtStart := r.conn == nil || r.conn.IsOpen()

	if !strings.HasSuffix(path, claimSuffix) {
		claimed := path + "." + strconv.FormatInt(time.Now().UnixNano(), 10) + claimSuffix
		if err := os.Rename(path, claimed); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				r.logger.Info("overflow file already claimed", "path", path)
				return res, nil
			}
			return res, fmt.Errorf("claim overflow file: %w", err)
		}
		path, res.Path = claimed, claimed
	}

	f, err := os.Open(path)
	if err != nil {
		return res, fmt.Errorf("open overflow file: %w", err)
	}
	defer f.Close()

	var consumed int64
	reader := bufio.NewReaderSize(f, 64*1024)
	for {
		line, readErr := reader.ReadBytes('\n')
		consumed += int64(len(line))
		if len(bytes.TrimSpace(line)) > 0 {
			res.Lines++
			r.replayLine(ctx, path, res.Lines, line, &res)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			res.Failed++
			return res, fmt.Errorf("read overflow file: %w", readErr)
		}
	}

	openAtEnd := r.conn == nil || r.conn.IsOpen()
	switch {
	case res.Failed > 0:
		r.logger.Warn("overflow file retained", "path", path, "published", res.Published, "failed", res.Failed)
		return res, nil
	case !openAtStart || !openAtEnd:
		r.logger.Warn("overflow file retained, broker connection not confirmed", "path", path)
		return res, nil
	}
	if st, err := os.Stat(path); err != nil || st.Size() != consumed {
		r.logger.Warn("overflow file grew during replay, retained", "path", path)
		return res, nil
	}
	if err := os.Remove(path); err != nil {
		return res, fmt.Errorf("remove overflow file: %w", err)
	}
	res.Deleted = true
	r.logger.Info("overflow file replayed", "path", path, "published", res.Published)
	return res, nil
}

func (r *Replayer) replayLine(ctx context.Context, path string, n int, line []byte, res *FileReplay) {
	if len(line) > maxOverflowLine {
		res.Failed++
		r.logger.Warn("overflow line too long", "path", path, "line", n, "bytes", len(line))
		return
	}
	env, err := DecodeOverflowLine(line)
	if err != nil {
		res.Failed++
		r.logger.Warn("unparseable overflow line", "path", path, "line", n, "err", err)
		return
	}
	if err := r.pub.Republish(ctx, env); err != nil {
		res.Failed++
		r.logger.Warn("republish failed", "path", path, "line", n, "id", env.ID, "err", err)
		return
	}
	res.Published++
}

// DecodeOverflowLine parses one overflow line. Lines without a kind
// discriminant are legacy flat audit records.
func DecodeOverflowLine(line []byte) (Envelope, error) {
	var probe struct {
		Kind Kind `json:"kind"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if probe.Kind != "" {
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			return Envelope{}, err
		}
		return env, nil
	}

	var legacy struct {
		AuditEvent
		ID            string         `json:"id"`
		Timestamp     time.Time      `json:"timestamp"`
		Version       string         `json:"version"`
		CorrelationID string         `json:"correlationId"`
		Source        string         `json:"source"`
		Meta          map[string]any `json:"meta"`
	}
	if err := json.Unmarshal(line, &legacy); err != nil {
		return Envelope{}, fmt.Errorf("%w: legacy audit line: %v", ErrInvalidEnvelope, err)
	}
	if err := legacy.AuditEvent.Validate(); err != nil {
		return Envelope{}, err
	}
	return Envelope{
		ID:            legacy.ID,
		Timestamp:     legacy.Timestamp,
		Version:       legacy.Version,
		CorrelationID: legacy.CorrelationID,
		Source:        legacy.Source,
		Meta:          legacy.Meta,
		Payload:       legacy.AuditEvent,
	}, nil
}

// Watch runs a pass now and again whenever an overflow file is created or
// written, coalescing bursts of writes within debounce. It returns when ctx
// ends.
func (r *Replayer) Watch(ctx context.Context, debounce time.Duration) error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("create overflow directory: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(r.dir); err != nil {
		return fmt.Errorf("watch %s: %w", r.dir, err)
	}
	if _, err := r.Run(ctx); err != nil {
		r.logger.Error("replay pass failed", "err", err)
	}

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if (ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write)) && r.isOverflowFile(ev.Name) {
				timer.Reset(debounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("watcher error", "err", err)
		case <-timer.C:
			if _, err := r.Run(ctx); err != nil {
				r.logger.Error("replay pass failed", "err", err)
			}
		}
	}
}

func (r *Replayer) isOverflowFile(path string) bool {
	name := filepath.Base(path)
	if !strings.HasSuffix(name, overflowExt) {
		return false
	}
	if strings.HasPrefix(name, auditOverflowPrefix) {
		return true
	}
	return r.scope == DiskFallbackAll && strings.HasPrefix(name, eventsOverflowPrefix)
}
