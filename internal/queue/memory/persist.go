package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/JakeFAU/track-harvester/internal/crawler"
)

// Snapshot is the persisted form of the unfinished work.
type Snapshot struct {
	Entries []crawler.QueueEntry `json:"entries"`
}

// Snapshot returns the unfinished work: in-flight entries, oldest first,
// followed by pending ones in FIFO order.
func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := Snapshot{Entries: make([]crawler.QueueEntry, 0, len(q.inFlight)+q.pending.Len())}
	for _, entry := range q.inFlight {
		out.Entries = append(out.Entries, entry)
	}
	slices.SortFunc(out.Entries, func(a, b crawler.QueueEntry) int {
		if c := a.EnqueuedAt.Compare(b.EnqueuedAt); c != 0 {
			return c
		}
		return strings.Compare(string(a.TrackID), string(b.TrackID))
	})
	for e := q.pending.Front(); e != nil; e = e.Next() {
		entry, _ := e.Value.(crawler.QueueEntry)
		out.Entries = append(out.Entries, entry)
	}
	return out
}

// Restore appends snapshot entries that the queue has not seen yet. It
// ignores capacity and keeps each entry's attempt count. It returns the
// number of entries added.
func (q *Queue) Restore(s Snapshot) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	added := 0
	for _, entry := range s.Entries {
		if _, seen := q.states[entry.TrackID]; seen {
			continue
		}
		q.pending.PushBack(entry)
		q.states[entry.TrackID] = statePending
		added++
	}
	if added > 0 {
		q.notify()
	}
	return added
}

// SaveFile writes the snapshot atomically to path.
func (q *Queue) SaveFile(path string) error {
	data, err := json.MarshalIndent(q.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode queue snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create queue snapshot dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write queue snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("publish queue snapshot: %w", err)
	}
	return nil
}

// LoadFile restores a snapshot written by SaveFile. A missing file is not an
// error and restores nothing.
func (q *Queue) LoadFile(path string) (int, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-provided path
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read queue snapshot: %w", err)
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return 0, fmt.Errorf("decode queue snapshot: %w", err)
	}
	return q.Restore(s), nil
}
