// Package local implements the on-disk dead-letter directory for records
// the store refused.
package local

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
)

// Config captures the parameters for the dead-letter directory.
type Config struct {
	// Dir is the root directory where failed records are written.
	Dir string
}

// Letter is one dead-lettered record.
type Letter struct {
	Kind     string          `json:"kind"`
	Key      string          `json:"key"`
	Error    string          `json:"error"`
	Attempts int             `json:"attempts"`
	FailedAt time.Time       `json:"failed_at"`
	Record   json.RawMessage `json:"record"`
}

// DeadLetter writes failed records as JSON files under Dir/<kind>/.
type DeadLetter struct {
	dir   string
	count atomic.Int64
}

// New creates the directory if needed and checks that it is writable.
func New(cfg Config) (*DeadLetter, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("dead-letter directory is required")
	}

	info, err := os.Stat(cfg.Dir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat dead-letter directory: %w", err)
		}
		if mkErr := os.MkdirAll(cfg.Dir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create dead-letter directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("dead-letter path is not a directory")
	}

	testFile := filepath.Join(cfg.Dir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("dead-letter directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &DeadLetter{dir: cfg.Dir}, nil
}

// Put writes record as Dir/<kind>/<key>-<unix nanos>.json and returns the
// file path.
func (d *DeadLetter) Put(kind, key string, record any, attempts int, cause error) (string, error) {
	if strings.TrimSpace(kind) == "" || strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("kind and key are required")
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("encode dead-letter record: %w", err)
	}
	letter := Letter{
		Kind:     kind,
		Key:      key,
		Attempts: attempts,
		FailedAt: time.Now().UTC(),
		Record:   payload,
	}
	if cause != nil {
		letter.Error = cause.Error()
	}
	data, err := json.MarshalIndent(letter, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode dead letter: %w", err)
	}

	name := fmt.Sprintf("%s-%d.json", key, letter.FailedAt.UnixNano())
	fullPath := filepath.Join(d.dir, kind, name)

	// Clean the path and verify it's within dir to prevent path traversal.
	cleanDir := filepath.Clean(d.dir)
	cleanFullPath := filepath.Clean(fullPath)
	if !strings.HasPrefix(cleanFullPath, cleanDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	if err := os.MkdirAll(filepath.Dir(cleanFullPath), 0o750); err != nil {
		return "", fmt.Errorf("failed to create parent directories: %w", err)
	}
	if err := os.WriteFile(cleanFullPath, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write dead letter: %w", err)
	}
	d.count.Add(1)
	return cleanFullPath, nil
}

// Count returns the number of letters written by this process.
func (d *DeadLetter) Count() int64 {
	return d.count.Load()
}

// Read loads a letter written by Put.
func Read(path string) (Letter, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path returned by Put
	if err != nil {
		return Letter{}, fmt.Errorf("read dead letter: %w", err)
	}
	var l Letter
	if err := json.Unmarshal(data, &l); err != nil {
		return Letter{}, fmt.Errorf("decode dead letter: %w", err)
	}
	return l, nil
}
