package forward

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jglowsoap/jimini/internal/audit"
)

// DeadLetterEntry is one failed delivery parked for replay.
type DeadLetterEntry struct {
	Timestamp     string       `json:"timestamp"`
	Target        string       `json:"target"`
	Reason        string       `json:"reason"`
	RetryCount    int          `json:"retry_count"`
	OriginalEvent audit.Record `json:"original_event"`
}

// DeadLetterStats summarizes the queue for health output.
type DeadLetterStats struct {
	TotalEvents int            `json:"total_events"`
	Targets     map[string]int `json:"targets"`
	OldestEvent string         `json:"oldest_event,omitempty"`
	NewestEvent string         `json:"newest_event,omitempty"`
}

// DeadLetterQueue is an append-only JSONL file of undeliverable records. A
// single mutex covers appends, reads, and the clear rewrite so replay never
// races a writer.
type DeadLetterQueue struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger
}

// NewDeadLetterQueue prepares the queue file's directory eagerly so the first
// failed delivery has somewhere to land.
func NewDeadLetterQueue(path string, logger *slog.Logger) *DeadLetterQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &DeadLetterQueue{path: path, logger: logger.With(slog.String("subsystem", "deadletter"))}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			q.logger.Error("cannot create dead-letter directory", slog.Any("error", err))
		}
	}
	return q
}

// Write parks one event. Persistence failures are logged and dropped; the
// delivery path never sees them.
func (q *DeadLetterQueue) Write(target string, event audit.Record, reason string, retryCount int) {
	entry := DeadLetterEntry{
		Timestamp:     audit.Timestamp(time.Now()),
		Target:        target,
		Reason:        reason,
		RetryCount:    retryCount,
		OriginalEvent: event,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		q.logger.Error("cannot marshal dead-letter entry", slog.Any("error", err))
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	file, err := os.OpenFile(q.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		q.logger.Error("cannot open dead-letter file", slog.Any("error", err))
		return
	}
	defer func() { _ = file.Close() }()
	if _, err := file.Write(append(line, '\n')); err != nil {
		q.logger.Error("cannot append dead-letter entry", slog.Any("error", err))
	}
}

// Read returns entries in file order, optionally filtered by target. Pass an
// empty target for everything. Corrupted lines are skipped with a warning.
func (q *DeadLetterQueue) Read(target string) ([]DeadLetterEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.readLocked(target)
}

func (q *DeadLetterQueue) readLocked(target string) ([]DeadLetterEntry, error) {
	file, err := os.Open(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("forward: open dead-letter file: %w", err)
	}
	defer func() { _ = file.Close() }()

	var entries []DeadLetterEntry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry DeadLetterEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			q.logger.Warn("skipping corrupted dead-letter entry", slog.Any("error", err))
			continue
		}
		if target == "" || entry.Target == target {
			entries = append(entries, entry)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("forward: scan dead-letter file: %w", err)
	}
	return entries, nil
}

// Clear rewrites the file omitting every entry for target, used after a
// successful replay drain.
func (q *DeadLetterQueue) Clear(target string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	remaining, err := q.readLocked("")
	if err != nil {
		return err
	}
	return q.rewriteLocked(remaining, target)
}

func (q *DeadLetterQueue) rewriteLocked(entries []DeadLetterEntry, dropTarget string) error {
	tmp := q.path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("forward: rewrite dead-letter file: %w", err)
	}
	for _, entry := range entries {
		if dropTarget != "" && entry.Target == dropTarget {
			continue
		}
		line, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		if _, err := file.Write(append(line, '\n')); err != nil {
			_ = file.Close()
			return fmt.Errorf("forward: rewrite dead-letter file: %w", err)
		}
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("forward: close dead-letter rewrite: %w", err)
	}
	if err := os.Rename(tmp, q.path); err != nil {
		return fmt.Errorf("forward: swap dead-letter file: %w", err)
	}
	return nil
}

// Requeue atomically replaces a target's entries with the given remainder,
// used when a replay pass drains only part of the backlog.
func (q *DeadLetterQueue) Requeue(target string, keep []DeadLetterEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	others, err := q.readLocked("")
	if err != nil {
		return err
	}
	merged := make([]DeadLetterEntry, 0, len(others)+len(keep))
	for _, entry := range others {
		if entry.Target != target {
			merged = append(merged, entry)
		}
	}
	merged = append(merged, keep...)
	return q.rewriteLocked(merged, "")
}

// Stats summarizes queue contents for health output.
func (q *DeadLetterQueue) Stats() DeadLetterStats {
	entries, err := q.Read("")
	stats := DeadLetterStats{Targets: map[string]int{}}
	if err != nil {
		q.logger.Warn("cannot read dead-letter file for stats", slog.Any("error", err))
		return stats
	}
	for _, entry := range entries {
		stats.TotalEvents++
		stats.Targets[entry.Target]++
		if stats.OldestEvent == "" || entry.Timestamp < stats.OldestEvent {
			stats.OldestEvent = entry.Timestamp
		}
		if entry.Timestamp > stats.NewestEvent {
			stats.NewestEvent = entry.Timestamp
		}
	}
	return stats
}
