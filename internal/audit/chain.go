package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Chain is the singleton append-only writer for the audit log. The single
// mutex orders records: chain order is exactly lock-acquisition order.
type Chain struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	lastHash string

	hasher Hasher
	signer *Signer
	logger *slog.Logger
}

// Open prepares the chain file for appending and primes the last-hash cache
// from the final line, or the zero-hash sentinel for a fresh file.
func Open(path string, hasher Hasher, signer *Signer, logger *slog.Logger) (*Chain, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("audit: create log dir: %w", err)
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("audit: open log: %w", err)
	}

	last, err := lastRecordHash(path)
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	return &Chain{
		path:     path,
		file:     file,
		lastHash: last,
		hasher:   hasher,
		signer:   signer,
		logger:   logger.With(slog.String("subsystem", "audit")),
	}, nil
}

// Append links, hashes, signs, and durably writes one record, returning it
// with its hashes filled in. The write is flushed and fsynced before the
// caller's evaluate response can go out.
func (c *Chain) Append(rec Record) (Record, error) {
	rec.RuleIDs = normalizedRuleIDs(rec.RuleIDs)

	c.mu.Lock()
	defer c.mu.Unlock()

	rec.PreviousHash = c.lastHash
	sealed, err := seal(rec, c.hasher, c.signer)
	if err != nil {
		return Record{}, err
	}

	line, err := json.Marshal(sealed)
	if err != nil {
		return Record{}, fmt.Errorf("audit: marshal line: %w", err)
	}
	if _, err := c.file.Write(append(line, '\n')); err != nil {
		return Record{}, fmt.Errorf("audit: append: %w", err)
	}
	if err := c.file.Sync(); err != nil {
		return Record{}, fmt.Errorf("audit: fsync: %w", err)
	}

	c.lastHash = sealed.RecordHash
	return sealed, nil
}

// Path reports where the chain lives, for the verify and SARIF read paths.
func (c *Chain) Path() string { return c.path }

// Close releases the underlying file.
func (c *Chain) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file == nil {
		return nil
	}
	err := c.file.Close()
	c.file = nil
	return err
}

func lastRecordHash(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ZeroHash, nil
		}
		return "", fmt.Errorf("audit: open log for recovery: %w", err)
	}
	defer func() { _ = file.Close() }()

	last := ""
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			last = line
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("audit: scan log: %w", err)
	}
	if last == "" {
		return ZeroHash, nil
	}

	var rec Record
	if err := json.Unmarshal([]byte(last), &rec); err != nil {
		return "", fmt.Errorf("audit: last record unreadable: %w", err)
	}
	if rec.RecordHash == "" {
		return "", fmt.Errorf("audit: last record missing record_hash")
	}
	return rec.RecordHash, nil
}
