// Package checkpoint persists the resolver's catalog cursor between runs.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/JakeFAU/track-harvester/internal/crawler"
	"github.com/JakeFAU/track-harvester/internal/hash/sha256"
)

// State is the on-disk checkpoint.
type State struct {
	// Scope fingerprints the query list the cursor belongs to.
	Scope     string         `json:"scope"`
	Cursor    crawler.Cursor `json:"cursor"`
	Done      bool           `json:"done"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// File stores the checkpoint for one catalog scope at a fixed path. An
// empty path disables persistence.
type File struct {
	path  string
	scope string
	clock crawler.Clock
}

// New returns a checkpoint file bound to queries.
func New(path string, queries []string, clock crawler.Clock) *File {
	return &File{path: path, scope: Scope(queries), clock: clock}
}

// Scope fingerprints a query list. Reordering or editing the list yields a
// different scope, which invalidates an older cursor.
func Scope(queries []string) string {
	parts := make([][]byte, len(queries))
	for i, q := range queries {
		parts[i] = []byte(strings.TrimSpace(q))
	}
	sum, _ := sha256.New().Hash(sha256.Frame(parts...))
	return sum[:16]
}

// Load returns the saved state. A missing file, or one written for another
// scope, yields the zero cursor.
func (f *File) Load() (State, error) {
	fresh := State{Scope: f.scope}
	if f.path == "" {
		return fresh, nil
	}
	data, err := os.ReadFile(f.path) //nolint:gosec // operator-provided path
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fresh, nil
		}
		return State{}, fmt.Errorf("read checkpoint: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("decode checkpoint %s: %w", f.path, err)
	}
	if st.Scope != f.scope {
		return fresh, nil
	}
	return st, nil
}

// Save records the next cursor to fetch.
func (f *File) Save(cursor crawler.Cursor) error {
	return f.write(State{Scope: f.scope, Cursor: cursor})
}

// MarkDone records that every query in the scope has been walked.
func (f *File) MarkDone(cursor crawler.Cursor) error {
	return f.write(State{Scope: f.scope, Cursor: cursor, Done: true})
}

func (f *File) write(st State) error {
	if f.path == "" {
		return nil
	}
	if f.clock != nil {
		st.UpdatedAt = f.clock.Now().UTC()
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o750); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("publish checkpoint: %w", err)
	}
	return nil
}
